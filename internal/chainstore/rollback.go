package chainstore

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ergo-indexer/indexer/internal/chaintypes"
)

// RollbackTo marks all main_chain rows strictly above height as non-main,
// reverses derived aggregates, and resets the tip, per spec.md §4.2's
// rollback protocol. Idempotent: rolling back to a height at or above the
// current tip is a no-op.
func (s *Store) RollbackTo(height chaintypes.Height) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var tipHeight chaintypes.Height
		if h := meta.Get([]byte(metaKeyTipHeight)); h != nil {
			tipHeight = binary.BigEndian.Uint64(h)
		}
		if height >= tipHeight {
			return nil
		}

		blocks := tx.Bucket(bucketBlocks)
		txsB := tx.Bucket(bucketTransactions)
		boxesB := tx.Bucket(bucketBoxes)
		inputsB := tx.Bucket(bucketInputs)
		tokensB := tx.Bucket(bucketTokens)
		addrStatsB := tx.Bucket(bucketAddressStats)
		heightIdxB := tx.Bucket(bucketHeightIndex)

		for h := tipHeight; h > height; h-- {
			hk := heightKey(h)
			blockID := heightIdxB.Get(hk)
			if blockID == nil {
				continue
			}
			if err := rollbackOneBlock(blocks, txsB, boxesB, inputsB, tokensB, addrStatsB, meta, string(blockID)); err != nil {
				return err
			}
			if err := heightIdxB.Delete(hk); err != nil {
				return fmt.Errorf("%w: %v", ErrStorageError, err)
			}
			if err := bumpCounter(meta, metaKeyBlockCount, -1); err != nil {
				return err
			}
		}

		var newTipID string
		if height > 0 {
			if id := heightIdxB.Get(heightKey(height)); id != nil {
				newTipID = string(id)
			}
		}
		hb := make([]byte, 8)
		binary.BigEndian.PutUint64(hb, height)
		if err := meta.Put([]byte(metaKeyTipHeight), hb); err != nil {
			return err
		}
		return meta.Put([]byte(metaKeyTipID), []byte(newTipID))
	})
}

func rollbackOneBlock(blocks, txsB, boxesB, inputsB, tokensB, addrStatsB, meta *bolt.Bucket, blockID string) error {
	var blk BlockRow
	ok, err := getJSON(blocks, blockID, &blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if !ok || !blk.MainChain {
		return nil
	}
	blk.MainChain = false
	if err := putJSON(blocks, blockID, blk); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	// bbolt cursors are invalidated by mutating the bucket they walk, so
	// the target rows are collected here first and rolled back in a
	// second pass once the cursor is done.
	var toRollback []TxRow
	c := txsB.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var txRow TxRow
		if err := unmarshalInto(v, &txRow); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if txRow.BlockID != blockID || !txRow.MainChain {
			continue
		}
		toRollback = append(toRollback, txRow)
	}
	for _, txRow := range toRollback {
		if err := rollbackOneTx(txsB, boxesB, inputsB, tokensB, addrStatsB, meta, txRow); err != nil {
			return err
		}
	}
	return nil
}

func rollbackOneTx(txsB, boxesB, inputsB, tokensB, addrStatsB, meta *bolt.Bucket, txRow TxRow) error {
	txRow.MainChain = false
	if err := putJSON(txsB, txRow.ID, txRow); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := bumpCounter(meta, metaKeyTxCount, -1); err != nil {
		return err
	}

	// Outputs created by this tx: debit the address credit and
	// un-spend boxes this tx spent. Collect first, mutate second —
	// boxesB.Cursor() is walked here and must not be mutated mid-scan.
	var created []BoxRow
	var unspent []BoxRow
	boxCursor := boxesB.Cursor()
	for k, v := boxCursor.First(); k != nil; k, v = boxCursor.Next() {
		var box BoxRow
		if err := unmarshalInto(v, &box); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if box.TxID == txRow.ID {
			created = append(created, box)
		}
		if box.SpentTxID == txRow.ID {
			unspent = append(unspent, box)
		}
	}
	for _, box := range created {
		if err := reverseAddressBalance(addrStatsB, box.Address, -int64(box.Value)); err != nil {
			return err
		}
	}
	for _, box := range unspent {
		box.SpentTxID = ""
		box.SpentHeight = 0
		if err := putJSON(boxesB, box.BoxID, box); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if err := reverseAddressBalance(addrStatsB, box.Address, int64(box.Value)); err != nil {
			return err
		}
	}

	// Same collect-then-mutate discipline for tokens minted by this tx.
	var mintedKeys [][]byte
	tokCursor := tokensB.Cursor()
	for k, v := tokCursor.First(); k != nil; k, v = tokCursor.Next() {
		var tok TokenRow
		if err := unmarshalInto(v, &tok); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if tok.MintingTxID == txRow.ID {
			mintedKeys = append(mintedKeys, append([]byte(nil), k...))
		}
	}
	for _, k := range mintedKeys {
		if err := tokensB.Delete(k); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if err := bumpCounter(meta, metaKeyTokenCount, -1); err != nil {
			return err
		}
	}
	return nil
}
