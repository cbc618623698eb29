package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ergo-indexer/indexer/internal/chainstore"
	"github.com/ergo-indexer/indexer/internal/chaintypes"
	"github.com/ergo-indexer/indexer/internal/mempool"
)

type fakeMempoolPool struct {
	txs []chaintypes.UnconfirmedTx
}

func (f *fakeMempoolPool) Mempool(ctx context.Context) ([]chaintypes.UnconfirmedTx, error) {
	return f.txs, nil
}

func setup(t *testing.T) (*chainstore.Store, *mempool.Tracker) {
	t.Helper()
	store, err := chainstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tx1 := chaintypes.Transaction{
		ID:              "tx1",
		InclusionHeight: 1,
		Outputs: []chaintypes.Box{
			{BoxID: "box1", Address: "addrA", Value: 1000},
		},
	}
	blk := chaintypes.FullBlock{
		BlockHeader:  chaintypes.BlockHeader{ID: "b1", Height: 1},
		Transactions: []chaintypes.Transaction{tx1},
	}
	if err := store.ApplyBatch([]chaintypes.FullBlock{blk}); err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	mp := mempool.New(&fakeMempoolPool{}, time.Hour, nil)
	return store, mp
}

func TestAddressInfoReturnsConfirmedBalance(t *testing.T) {
	store, mp := setup(t)
	e := New(store, mp, "9")

	info, err := e.AddressInfo("addrA")
	if err != nil {
		t.Fatalf("address info: %v", err)
	}
	if info.ConfirmedBalance != 1000 {
		t.Fatalf("expected confirmed balance 1000, got %d", info.ConfirmedBalance)
	}
}

func TestBlockByIDFound(t *testing.T) {
	store, mp := setup(t)
	e := New(store, mp, "9")

	row, ok, err := e.Block("b1")
	if err != nil || !ok {
		t.Fatalf("expected block b1 found: ok=%v err=%v", ok, err)
	}
	if row.Height != 1 {
		t.Fatalf("expected height 1, got %d", row.Height)
	}
}

func TestNormalizeLimitClampsToRange(t *testing.T) {
	if got := NormalizeLimit(0); got != defaultLimit {
		t.Fatalf("expected default limit %d, got %d", defaultLimit, got)
	}
	if got := NormalizeLimit(10_000); got != maxLimit {
		t.Fatalf("expected clamped limit %d, got %d", maxLimit, got)
	}
	if got := NormalizeLimit(50); got != 50 {
		t.Fatalf("expected limit 50 unchanged, got %d", got)
	}
}

func TestStatsReportsCounters(t *testing.T) {
	store, mp := setup(t)
	e := New(store, mp, "9")

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.BlockCount != 1 || stats.TransactionCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
