package mempool

import (
	"context"
	"testing"
	"time"

	"github.com/ergo-indexer/indexer/internal/chaintypes"
)

type fakePool struct {
	txs []chaintypes.UnconfirmedTx
}

func (f *fakePool) Mempool(ctx context.Context) ([]chaintypes.UnconfirmedTx, error) {
	return f.txs, nil
}

func TestRefreshReplacesSetWholesale(t *testing.T) {
	pool := &fakePool{txs: []chaintypes.UnconfirmedTx{
		{Transaction: chaintypes.Transaction{ID: "tx1", Outputs: []chaintypes.Box{{Address: "addrA", Value: 10}}}},
	}}
	tr := New(pool, time.Hour, nil)
	tr.refresh(context.Background())

	if tr.Size() != 1 {
		t.Fatalf("expected size 1, got %d", tr.Size())
	}
	if _, ok := tr.ByTxID("tx1"); !ok {
		t.Fatalf("expected tx1 present")
	}

	pool.txs = []chaintypes.UnconfirmedTx{
		{Transaction: chaintypes.Transaction{ID: "tx2", Outputs: []chaintypes.Box{{Address: "addrB", Value: 20}}}},
	}
	tr.refresh(context.Background())

	if tr.Size() != 1 {
		t.Fatalf("expected size still 1 after wholesale replace, got %d", tr.Size())
	}
	if _, ok := tr.ByTxID("tx1"); ok {
		t.Fatalf("expected tx1 gone after wholesale replace")
	}
	if _, ok := tr.ByTxID("tx2"); !ok {
		t.Fatalf("expected tx2 present after wholesale replace")
	}
}

func TestByAddressIndexesOutputs(t *testing.T) {
	pool := &fakePool{txs: []chaintypes.UnconfirmedTx{
		{Transaction: chaintypes.Transaction{ID: "tx1", Outputs: []chaintypes.Box{{Address: "addrA", Value: 10}}}},
		{Transaction: chaintypes.Transaction{ID: "tx2", Outputs: []chaintypes.Box{{Address: "addrA", Value: 5}}}},
	}}
	tr := New(pool, time.Hour, nil)
	tr.refresh(context.Background())

	txs := tr.ByAddress("addrA")
	if len(txs) != 2 {
		t.Fatalf("expected 2 unconfirmed txs for addrA, got %d", len(txs))
	}
}

func TestUnconfirmedDeltaNetsInputsAndOutputs(t *testing.T) {
	pool := &fakePool{txs: []chaintypes.UnconfirmedTx{
		{Transaction: chaintypes.Transaction{
			ID:      "tx1",
			Inputs:  []chaintypes.Input{{BoxID: "box1"}},
			Outputs: []chaintypes.Box{{Address: "addrA", Value: 30}},
		}},
	}}
	tr := New(pool, time.Hour, nil)
	tr.refresh(context.Background())

	resolver := func(boxID string) (string, uint64, bool) {
		if boxID == "box1" {
			return "addrA", 100, true
		}
		return "", 0, false
	}
	delta := tr.UnconfirmedDelta("addrA", resolver)
	if delta != 30-100 {
		t.Fatalf("expected delta -70, got %d", delta)
	}
}

func TestAllPaginates(t *testing.T) {
	pool := &fakePool{txs: []chaintypes.UnconfirmedTx{
		{Transaction: chaintypes.Transaction{ID: "tx1"}},
		{Transaction: chaintypes.Transaction{ID: "tx2"}},
		{Transaction: chaintypes.Transaction{ID: "tx3"}},
	}}
	tr := New(pool, time.Hour, nil)
	tr.refresh(context.Background())

	page, total := tr.All(1, 1)
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(page) != 1 {
		t.Fatalf("expected page of 1, got %d", len(page))
	}
}
