package chainstore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ergo-indexer/indexer/internal/chaintypes"
)

// ApplyBatch atomically inserts a contiguous, ordered batch starting at
// blocks[0].Height = tip+1 with blocks[0].ParentID = tip.ID, per spec.md
// §4.2's write protocol. The whole batch commits as a single bbolt
// transaction; a reader started before the transaction commits sees the
// old tip, one started after sees the new tip, and no intermediate height
// is ever observable (I6).
func (s *Store) ApplyBatch(blocks []chaintypes.FullBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Height != blocks[i-1].Height+1 {
			return fmt.Errorf("%w: block %d follows %d", ErrNonContiguous, blocks[i].Height, blocks[i-1].Height)
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var tipHeight chaintypes.Height
		var tipID string
		if h := meta.Get([]byte(metaKeyTipHeight)); h != nil {
			tipHeight = binary.BigEndian.Uint64(h)
		}
		if id := meta.Get([]byte(metaKeyTipID)); id != nil {
			tipID = string(id)
		}

		first := blocks[0]
		if tipID == "" {
			if first.Height != 1 {
				return fmt.Errorf("%w: first batch must start at height 1, got %d", ErrNonContiguous, first.Height)
			}
		} else {
			if first.Height != tipHeight+1 {
				return fmt.Errorf("%w: expected height %d, got %d", ErrNonContiguous, tipHeight+1, first.Height)
			}
			if first.ParentID != tipID {
				return fmt.Errorf("%w: expected parent %s, got %s", ErrParentMismatch, tipID, first.ParentID)
			}
		}

		for _, blk := range blocks {
			if err := applyOneBlock(tx, blk); err != nil {
				return err
			}
		}

		last := blocks[len(blocks)-1]
		h := make([]byte, 8)
		binary.BigEndian.PutUint64(h, last.Height)
		if err := meta.Put([]byte(metaKeyTipHeight), h); err != nil {
			return err
		}
		if err := meta.Put([]byte(metaKeyTipID), []byte(last.ID)); err != nil {
			return err
		}
		return nil
	})
}

func applyOneBlock(tx *bolt.Tx, blk chaintypes.FullBlock) error {
	blocks := tx.Bucket(bucketBlocks)
	txsB := tx.Bucket(bucketTransactions)
	boxesB := tx.Bucket(bucketBoxes)
	assetsB := tx.Bucket(bucketBoxAssets)
	inputsB := tx.Bucket(bucketInputs)
	dataInputsB := tx.Bucket(bucketDataInputs)
	tokensB := tx.Bucket(bucketTokens)
	addrStatsB := tx.Bucket(bucketAddressStats)
	heightIdxB := tx.Bucket(bucketHeightIndex)
	meta := tx.Bucket(bucketMeta)

	row := BlockRow{
		ID:           blk.ID,
		Height:       blk.Height,
		ParentID:     blk.ParentID,
		Timestamp:    blk.Timestamp,
		TxCount:      len(blk.Transactions),
		BlockSize:    blk.BlockSize,
		Difficulty:   blk.Difficulty,
		MinerAddress: blk.MinerAddress,
		MinerReward:  blk.MinerReward,
		MainChain:    true,
	}
	if err := putJSON(blocks, blk.ID, row); err != nil {
		return fmt.Errorf("%w: put block %s: %v", ErrStorageError, blk.ID, err)
	}
	hk := heightKey(blk.Height)
	if err := heightIdxB.Put(hk, []byte(blk.ID)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := bumpCounter(meta, metaKeyBlockCount, 1); err != nil {
		return err
	}

	for _, txn := range blk.Transactions {
		if err := applyOneTx(tx, txsB, boxesB, assetsB, inputsB, dataInputsB, tokensB, addrStatsB, meta, blk.ID, txn); err != nil {
			return err
		}
	}
	return nil
}

func applyOneTx(
	tx *bolt.Tx,
	txsB, boxesB, assetsB, inputsB, dataInputsB, tokensB, addrStatsB, meta *bolt.Bucket,
	blockID string,
	txn chaintypes.Transaction,
) error {
	row := TxRow{
		ID:              txn.ID,
		BlockID:         blockID,
		InclusionHeight: txn.InclusionHeight,
		Timestamp:       txn.Timestamp,
		Size:            txn.Size,
		IndexInBlock:    txn.IndexInBlock,
		MainChain:       true,
	}
	if err := putJSON(txsB, txn.ID, row); err != nil {
		return fmt.Errorf("%w: put tx %s: %v", ErrStorageError, txn.ID, err)
	}
	if err := bumpCounter(meta, metaKeyTxCount, 1); err != nil {
		return err
	}

	addrSeen := map[string]bool{}

	// Inputs: mark referenced boxes spent and debit their owning address.
	for _, in := range txn.Inputs {
		inRow := InputRow{TxID: txn.ID, BoxID: in.BoxID, IndexInTx: in.IndexInTx, ProofBytes: in.ProofBytes}
		if err := putJSON(inputsB, fmt.Sprintf("%s:%d", txn.ID, in.IndexInTx), inRow); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}

		var box BoxRow
		ok, err := getJSON(boxesB, in.BoxID, &box)
		if err != nil {
			return fmt.Errorf("%w: decode box %s: %v", ErrStorageError, in.BoxID, err)
		}
		if !ok {
			// Referenced box was produced outside the window we have
			// (bootstrap/genesis import); nothing to debit.
			continue
		}
		box.SpentTxID = txn.ID
		box.SpentHeight = txn.InclusionHeight
		if err := putJSON(boxesB, in.BoxID, box); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		addrSeen[box.Address] = true
		firstSeen, err := adjustAddressStats(addrStatsB, box.Address, txn.InclusionHeight, -int64(box.Value))
		if err != nil {
			return err
		}
		if firstSeen {
			if err := bumpCounter(meta, metaKeyAddressCount, 1); err != nil {
				return err
			}
		}
	}

	for _, di := range txn.DataInputs {
		diRow := DataInputRow{TxID: txn.ID, BoxID: di.BoxID, IndexInTx: di.IndexInTx}
		if err := putJSON(dataInputsB, fmt.Sprintf("%s:%d", txn.ID, di.IndexInTx), diRow); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
	}

	// Outputs: new boxes, credit owning address, first-seen token mints.
	for _, box := range txn.Outputs {
		boxRow := BoxRow{
			BoxID:               box.BoxID,
			TxID:                txn.ID,
			IndexInTx:           box.IndexInTx,
			Value:               box.Value,
			ErgoTree:            box.ErgoTree,
			Address:             box.Address,
			CreationHeight:      box.CreationHeight,
			AdditionalRegisters: encodeRegisters(box.AdditionalRegisters),
		}
		if err := putJSON(boxesB, box.BoxID, boxRow); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		firstSeen, err := adjustAddressStats(addrStatsB, box.Address, txn.InclusionHeight, int64(box.Value))
		if err != nil {
			return err
		}
		if firstSeen {
			if err := bumpCounter(meta, metaKeyAddressCount, 1); err != nil {
				return err
			}
		}
		addrSeen[box.Address] = true

		for _, asset := range box.Assets {
			assetRow := BoxAssetRow{BoxID: box.BoxID, TokenID: asset.TokenID, Amount: asset.Amount, IndexInBox: asset.IndexInBox}
			key := fmt.Sprintf("%s:%d", box.BoxID, asset.IndexInBox)
			if err := putJSON(assetsB, key, assetRow); err != nil {
				return fmt.Errorf("%w: %v", ErrStorageError, err)
			}
			var existing TokenRow
			ok, err := getJSON(tokensB, asset.TokenID, &existing)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStorageError, err)
			}
			if !ok {
				tokenRow := TokenRow{
					ID:             asset.TokenID,
					MintingBoxID:   box.BoxID,
					MintingTxID:    txn.ID,
					EmissionAmount: asset.Amount,
					CreationHeight: box.CreationHeight,
				}
				if err := putJSON(tokensB, asset.TokenID, tokenRow); err != nil {
					return fmt.Errorf("%w: %v", ErrStorageError, err)
				}
				if err := bumpCounter(meta, metaKeyTokenCount, 1); err != nil {
					return err
				}
			}
		}
	}

	for a := range addrSeen {
		if a == "" {
			continue
		}
		if err := bumpAddressTxCount(addrStatsB, a); err != nil {
			return err
		}
	}
	return nil
}

// adjustAddressStats applies delta to address's confirmed balance, creating
// the address_stats row on first sight, and reports whether this call is
// the one that created it (so callers can bump the address_count counter
// exactly once per address, spec.md §4.5).
func adjustAddressStats(b *bolt.Bucket, address string, height chaintypes.Height, delta int64) (firstSeen bool, err error) {
	if address == "" {
		return false, nil
	}
	var row AddressStatsRow
	ok, err := getJSON(b, address, &row)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if !ok {
		row = AddressStatsRow{Address: address, FirstSeenHeight: height}
	}
	row.ConfirmedBalance = uint64(int64(row.ConfirmedBalance) + delta)
	if height > row.LastSeenHeight {
		row.LastSeenHeight = height
	}
	if row.FirstSeenHeight == 0 || height < row.FirstSeenHeight {
		row.FirstSeenHeight = height
	}
	if err := putJSON(b, address, row); err != nil {
		return false, err
	}
	return !ok, nil
}

// reverseAddressBalance undoes a prior balance delta during rollback
// without disturbing first/last-seen height bookkeeping, which is only
// meaningful on the forward (apply) path.
func reverseAddressBalance(b *bolt.Bucket, address string, delta int64) error {
	if address == "" {
		return nil
	}
	var row AddressStatsRow
	ok, err := getJSON(b, address, &row)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if !ok {
		return nil
	}
	row.ConfirmedBalance = uint64(int64(row.ConfirmedBalance) + delta)
	return putJSON(b, address, row)
}

// bumpAddressTxCount increments tx_count once per (address, tx), spec.md
// §4.2 write protocol step 2. The row always exists by this point: every
// caller reaches here via addrSeen, which is only populated after a
// successful adjustAddressStats call for the same address.
func bumpAddressTxCount(b *bolt.Bucket, address string) error {
	var row AddressStatsRow
	ok, err := getJSON(b, address, &row)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if !ok {
		row = AddressStatsRow{Address: address}
	}
	row.TxCount++
	return putJSON(b, address, row)
}

// encodeRegisters hex-encodes each register's raw bytes, keeping
// additional_registers an opaque blob per spec.md §3 rather than trying
// to interpret Ergo's typed register values.
func encodeRegisters(m map[int]string) map[int]string {
	if m == nil {
		return nil
	}
	out := make(map[int]string, len(m))
	for k, v := range m {
		if _, err := hex.DecodeString(v); err == nil {
			out[k] = v
			continue
		}
		out[k] = hex.EncodeToString([]byte(v))
	}
	return out
}
