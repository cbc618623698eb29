package chainstore

import (
	"path/filepath"
	"testing"

	"github.com/ergo-indexer/indexer/internal/chaintypes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func box(id, txID, address string, value uint64, height chaintypes.Height) chaintypes.Box {
	return chaintypes.Box{BoxID: id, Value: value, Address: address, CreationHeight: height}
}

func block(id, parent string, h chaintypes.Height, txs ...chaintypes.Transaction) chaintypes.FullBlock {
	return chaintypes.FullBlock{
		BlockHeader: chaintypes.BlockHeader{ID: id, ParentID: parent, Height: h},
		Transactions: txs,
	}
}

func TestApplyBatchRejectsWrongStartHeight(t *testing.T) {
	s := openTestStore(t)
	err := s.ApplyBatch([]chaintypes.FullBlock{block("b2", "b1", 2)})
	if err == nil {
		t.Fatalf("expected error for batch not starting at height 1")
	}
}

func TestApplyBatchRejectsNonContiguousInternal(t *testing.T) {
	s := openTestStore(t)
	err := s.ApplyBatch([]chaintypes.FullBlock{
		block("b1", "", 1),
		block("b3", "b1", 3),
	})
	if err == nil {
		t.Fatalf("expected non-contiguous batch error")
	}
}

func TestApplyBatchAdvancesTipAtomically(t *testing.T) {
	s := openTestStore(t)
	tx1 := chaintypes.Transaction{
		ID:              "tx1",
		InclusionHeight: 1,
		Outputs:         []chaintypes.Box{box("box1", "tx1", "addrA", 1000, 1)},
	}
	if err := s.ApplyBatch([]chaintypes.FullBlock{block("b1", "", 1, tx1)}); err != nil {
		t.Fatalf("apply batch 1: %v", err)
	}

	tip, err := s.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Height != 1 || tip.ID != "b1" {
		t.Fatalf("unexpected tip after first batch: %+v", tip)
	}

	tx2 := chaintypes.Transaction{
		ID:              "tx2",
		InclusionHeight: 2,
		Inputs:          []chaintypes.Input{{BoxID: "box1", IndexInTx: 0}},
		Outputs:         []chaintypes.Box{box("box2", "tx2", "addrB", 1000, 2)},
	}
	if err := s.ApplyBatch([]chaintypes.FullBlock{block("b2", "b1", 2, tx2)}); err != nil {
		t.Fatalf("apply batch 2: %v", err)
	}

	tip, err = s.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Height != 2 || tip.ID != "b2" {
		t.Fatalf("unexpected tip after second batch: %+v", tip)
	}

	snap, err := s.ReadSnapshot()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	defer snap.Close()

	boxA, ok, err := snap.BoxByID("box1")
	if err != nil || !ok {
		t.Fatalf("expected box1 to exist: ok=%v err=%v", ok, err)
	}
	if boxA.SpentTxID != "tx2" {
		t.Fatalf("expected box1 spent by tx2, got %q", boxA.SpentTxID)
	}

	statsA, ok, err := snap.AddressStats("addrA")
	if err != nil || !ok {
		t.Fatalf("expected addrA stats: ok=%v err=%v", ok, err)
	}
	if statsA.ConfirmedBalance != 0 {
		t.Fatalf("expected addrA balance 0 after spend, got %d", statsA.ConfirmedBalance)
	}

	statsB, ok, err := snap.AddressStats("addrB")
	if err != nil || !ok {
		t.Fatalf("expected addrB stats: ok=%v err=%v", ok, err)
	}
	if statsB.ConfirmedBalance != 1000 {
		t.Fatalf("expected addrB balance 1000, got %d", statsB.ConfirmedBalance)
	}
}

func TestRollbackToReversesAggregatesAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	tx1 := chaintypes.Transaction{
		ID:              "tx1",
		InclusionHeight: 1,
		Outputs:         []chaintypes.Box{box("box1", "tx1", "addrA", 500, 1)},
	}
	if err := s.ApplyBatch([]chaintypes.FullBlock{block("b1", "", 1, tx1)}); err != nil {
		t.Fatalf("apply batch 1: %v", err)
	}
	tx2 := chaintypes.Transaction{
		ID:              "tx2",
		InclusionHeight: 2,
		Inputs:          []chaintypes.Input{{BoxID: "box1", IndexInTx: 0}},
		Outputs:         []chaintypes.Box{box("box2", "tx2", "addrB", 500, 2)},
	}
	if err := s.ApplyBatch([]chaintypes.FullBlock{block("b2", "b1", 2, tx2)}); err != nil {
		t.Fatalf("apply batch 2: %v", err)
	}

	if err := s.RollbackTo(1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	tip, err := s.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Height != 1 || tip.ID != "b1" {
		t.Fatalf("unexpected tip after rollback: %+v", tip)
	}

	snap, err := s.ReadSnapshot()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	defer snap.Close()

	boxA, ok, err := snap.BoxByID("box1")
	if err != nil || !ok {
		t.Fatalf("expected box1 to still exist: ok=%v err=%v", ok, err)
	}
	if boxA.SpentTxID != "" {
		t.Fatalf("expected box1 unspent after rollback, got spent by %q", boxA.SpentTxID)
	}

	statsA, ok, err := snap.AddressStats("addrA")
	if err != nil || !ok {
		t.Fatalf("expected addrA stats: ok=%v err=%v", ok, err)
	}
	if statsA.ConfirmedBalance != 500 {
		t.Fatalf("expected addrA balance restored to 500, got %d", statsA.ConfirmedBalance)
	}

	blk2, ok, err := snap.BlockByID("b2")
	if err != nil || !ok {
		t.Fatalf("expected b2 row to still exist (logical, not physical, delete): ok=%v err=%v", ok, err)
	}
	if blk2.MainChain {
		t.Fatalf("expected b2 main_chain=false after rollback")
	}

	if err := s.RollbackTo(1); err != nil {
		t.Fatalf("idempotent rollback: %v", err)
	}
	tip, err = s.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Height != 1 {
		t.Fatalf("expected rollback to height 1 to stay idempotent, got height %d", tip.Height)
	}
}

func TestTokenHoldersOrderedDescWithLexicographicTieBreak(t *testing.T) {
	s := openTestStore(t)
	tx1 := chaintypes.Transaction{
		ID:              "tx1",
		InclusionHeight: 1,
		Outputs: []chaintypes.Box{
			{BoxID: "box1", Address: "addrZ", Value: 10, Assets: []chaintypes.BoxAsset{{TokenID: "tok1", Amount: 100}}},
			{BoxID: "box2", Address: "addrA", Value: 10, Assets: []chaintypes.BoxAsset{{TokenID: "tok1", Amount: 100}}},
			{BoxID: "box3", Address: "addrM", Value: 10, Assets: []chaintypes.BoxAsset{{TokenID: "tok1", Amount: 50}}},
		},
	}
	if err := s.ApplyBatch([]chaintypes.FullBlock{block("b1", "", 1, tx1)}); err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	snap, err := s.ReadSnapshot()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	defer snap.Close()

	holders, total, err := snap.TokenHolders("tok1", 0, 20)
	if err != nil {
		t.Fatalf("token holders: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 holders, got %d", total)
	}
	if holders[0].Address != "addrA" || holders[1].Address != "addrZ" || holders[2].Address != "addrM" {
		t.Fatalf("unexpected holder order: %+v", holders)
	}
}

func TestSearchResolvesIntegerQueryToHeight(t *testing.T) {
	s := openTestStore(t)
	tx1 := chaintypes.Transaction{
		ID:              "0000000000000000000000000000000000000000000000000000000000000a",
		InclusionHeight: 1,
	}
	blk := block("00000000000000000000000000000000000000000000000000000000000001", "", 1, tx1)
	if err := s.ApplyBatch([]chaintypes.FullBlock{blk}); err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	snap, err := s.ReadSnapshot()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	defer snap.Close()

	hits, err := snap.Search("1", "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := false
	for _, h := range hits {
		if h.Kind == SearchHeight {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected height-based search hit for %q, got %+v", "1", hits)
	}
}
