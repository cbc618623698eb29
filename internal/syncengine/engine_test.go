package syncengine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ergo-indexer/indexer/internal/chainstore"
	"github.com/ergo-indexer/indexer/internal/chaintypes"
)

// fakePool is a hand-rolled stand-in for nodeclient.Pool, driven entirely
// by an in-memory chain so the engine's fetch/commit/rollback logic can be
// exercised without real HTTP.
type fakePool struct {
	chain   []chaintypes.FullBlock // index 0 is height 1
	healthy int
}

func (f *fakePool) HealthyCount() int { return f.healthy }

func (f *fakePool) Info(ctx context.Context) (chaintypes.NodeInfo, error) {
	return chaintypes.NodeInfo{FullHeight: chaintypes.Height(len(f.chain))}, nil
}

func (f *fakePool) HeaderIDsAt(ctx context.Context, height chaintypes.Height) ([]string, error) {
	if height == 0 || int(height) > len(f.chain) {
		return nil, nil
	}
	return []string{f.chain[height-1].ID}, nil
}

func (f *fakePool) BlockByID(ctx context.Context, id string) (chaintypes.FullBlock, error) {
	for _, b := range f.chain {
		if b.ID == id {
			return b, nil
		}
	}
	return chaintypes.FullBlock{}, fmt.Errorf("not found: %s", id)
}

func genChain(n int) []chaintypes.FullBlock {
	var out []chaintypes.FullBlock
	parent := ""
	for h := 1; h <= n; h++ {
		id := fmt.Sprintf("blk%04d", h)
		out = append(out, chaintypes.FullBlock{
			BlockHeader: chaintypes.BlockHeader{ID: id, ParentID: parent, Height: chaintypes.Height(h)},
		})
		parent = id
	}
	return out
}

func openTestStore(t *testing.T) *chainstore.Store {
	t.Helper()
	s, err := chainstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCycleFetchesAndCommitsToUpstreamTip(t *testing.T) {
	store := openTestStore(t)
	pool := &fakePool{chain: genChain(5), healthy: 1}
	e := New(pool, store, Config{SyncBatchSize: 100}, nil)

	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	tip, err := store.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Height != 5 {
		t.Fatalf("expected tip height 5, got %d", tip.Height)
	}
}

func TestCycleTransitionsToCaughtUpWhenNoGap(t *testing.T) {
	store := openTestStore(t)
	chain := genChain(3)
	pool := &fakePool{chain: chain, healthy: 1}
	e := New(pool, store, Config{SyncBatchSize: 100}, nil)

	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if e.Status().State != StateCaughtUp {
		t.Fatalf("expected CaughtUp state, got %s", e.Status().State)
	}
}

func TestCycleDetectsForkAndRollsBack(t *testing.T) {
	store := openTestStore(t)
	chainA := genChain(5)
	pool := &fakePool{chain: chainA, healthy: 1}
	e := New(pool, store, Config{SyncBatchSize: 100}, nil)
	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("initial cycle: %v", err)
	}

	// Upstream reorgs at height 4: blocks 4 and 5 replaced.
	forked := make([]chaintypes.FullBlock, 3, 6)
	copy(forked, chainA[:3])
	forked = append(forked,
		chaintypes.FullBlock{BlockHeader: chaintypes.BlockHeader{ID: "blk0004-fork", ParentID: "blk0003", Height: 4}},
		chaintypes.FullBlock{BlockHeader: chaintypes.BlockHeader{ID: "blk0005-fork", ParentID: "blk0004-fork", Height: 5}},
		chaintypes.FullBlock{BlockHeader: chaintypes.BlockHeader{ID: "blk0006-fork", ParentID: "blk0005-fork", Height: 6}},
	)
	pool.chain = forked

	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("fork cycle: %v", err)
	}

	tip, err := store.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Height != 6 || tip.ID != "blk0006-fork" {
		t.Fatalf("expected rollback+refetch to land on forked chain tip, got %+v", tip)
	}
}

func TestCycleAbortsOnDivergenceDeeperThanMaxRollback(t *testing.T) {
	store := openTestStore(t)
	chainA := genChain(5)
	pool := &fakePool{chain: chainA, healthy: 1}
	e := New(pool, store, Config{SyncBatchSize: 100, MaxRollbackDepth: 2}, nil)
	if err := e.cycle(context.Background()); err != nil {
		t.Fatalf("initial cycle: %v", err)
	}

	// Entire chain diverges from height 1 onward; deeper than MaxRollbackDepth=2.
	forked := genChain(5)
	for i := range forked {
		forked[i].ID += "-fork"
		if i > 0 {
			forked[i].ParentID = forked[i-1].ID
		}
	}
	pool.chain = forked

	if err := e.cycle(context.Background()); err == nil {
		t.Fatalf("expected error for divergence deeper than max rollback depth")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	pool := &fakePool{chain: genChain(1), healthy: 1}
	e := New(pool, store, Config{ProbeInterval: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.Start(ctx)
	e.Start(ctx) // second Start must be a no-op, not a second goroutine
	time.Sleep(80 * time.Millisecond)
	e.Stop()
	e.Stop() // second Stop must be a no-op, not a panic on double-close
}
