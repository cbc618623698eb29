package chainstore

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/ergo-indexer/indexer/internal/chaintypes"
)

// Snapshot is a read-only view pinned to one bbolt read transaction, so a
// caller sees exactly one tip_height across however many lookups it
// performs (I6, P6). Callers MUST call Close when done; a held snapshot
// blocks the reclamation of stale pages in bbolt's free list.
type Snapshot struct {
	tx  *bolt.Tx
	tip Tip
}

// ReadSnapshot opens a logical read view, spec.md §4.2.
func (s *Store) ReadSnapshot() (*Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("%w: begin read tx: %v", ErrStorageError, err)
	}
	var tip Tip
	meta := tx.Bucket(bucketMeta)
	if h := meta.Get([]byte(metaKeyTipHeight)); h != nil {
		tip.Height = binary.BigEndian.Uint64(h)
	}
	if id := meta.Get([]byte(metaKeyTipID)); id != nil {
		tip.ID = string(id)
	}
	return &Snapshot{tx: tx, tip: tip}, nil
}

// Close releases the underlying read transaction.
func (snap *Snapshot) Close() error { return snap.tx.Rollback() }

// Tip returns the tip height/id this snapshot was opened at.
func (snap *Snapshot) Tip() Tip { return snap.tip }

// BlockByID returns the main-chain (or any) block row by id.
func (snap *Snapshot) BlockByID(id string) (BlockRow, bool, error) {
	var row BlockRow
	ok, err := getJSON(snap.tx.Bucket(bucketBlocks), id, &row)
	return row, ok, err
}

// BlockByHeight returns the main-chain block row at height, if any.
func (snap *Snapshot) BlockByHeight(h chaintypes.Height) (BlockRow, bool, error) {
	id := snap.tx.Bucket(bucketHeightIndex).Get(heightKey(h))
	if id == nil {
		return BlockRow{}, false, nil
	}
	return snap.BlockByID(string(id))
}

// BlocksByHeightDesc returns up to limit main-chain blocks starting offset
// rows back from the tip, newest first, per §6's height-desc listing order.
// An offset at or beyond the tip yields an empty page rather than
// underflowing the unsigned height arithmetic below.
func (snap *Snapshot) BlocksByHeightDesc(offset, limit int) ([]BlockRow, int, error) {
	total := int(snap.tip.Height)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	var out []BlockRow
	start := snap.tip.Height - chaintypes.Height(offset)
	for h := start; h > 0 && len(out) < limit; h-- {
		row, ok, err := snap.BlockByHeight(h)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, total, nil
}

// TxByID returns a transaction row by id.
func (snap *Snapshot) TxByID(id string) (TxRow, bool, error) {
	var row TxRow
	ok, err := getJSON(snap.tx.Bucket(bucketTransactions), id, &row)
	return row, ok, err
}

// BoxByID returns a box row by id.
func (snap *Snapshot) BoxByID(id string) (BoxRow, bool, error) {
	var row BoxRow
	ok, err := getJSON(snap.tx.Bucket(bucketBoxes), id, &row)
	return row, ok, err
}

// TokenByID returns a token row by id.
func (snap *Snapshot) TokenByID(id string) (TokenRow, bool, error) {
	var row TokenRow
	ok, err := getJSON(snap.tx.Bucket(bucketTokens), id, &row)
	return row, ok, err
}

// AddressStats returns the address_stats row for an address.
func (snap *Snapshot) AddressStats(address string) (AddressStatsRow, bool, error) {
	var row AddressStatsRow
	ok, err := getJSON(snap.tx.Bucket(bucketAddressStats), address, &row)
	return row, ok, err
}

// UnspentBoxesByAddress scans boxes for unspent, main-chain boxes owned
// by address. The scan is a full-bucket walk; acceptable at the pack's
// expected data volumes and consistent with the teacher's own ledger
// doing linear UTXO scans (core/ledger.go's applyBlock bookkeeping).
func (snap *Snapshot) UnspentBoxesByAddress(address string) ([]BoxRow, error) {
	var out []BoxRow
	c := snap.tx.Bucket(bucketBoxes).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var box BoxRow
		if err := unmarshalInto(v, &box); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if box.Address != address || box.SpentTxID != "" {
			continue
		}
		txRow, ok, err := snap.TxByID(box.TxID)
		if err != nil {
			return nil, err
		}
		if ok && txRow.MainChain {
			out = append(out, box)
		}
	}
	return out, nil
}

// TokenHolders returns addresses holding tokenID over unspent main-chain
// boxes, grouped and summed, ordered desc by amount and tie-broken
// lexicographically by address, per spec.md §4.5.
func (snap *Snapshot) TokenHolders(tokenID string, offset, limit int) ([]TokenHolder, int, error) {
	totals := map[string]uint64{}

	boxValues := map[string]BoxRow{}
	bc := snap.tx.Bucket(bucketBoxes).Cursor()
	for k, v := bc.First(); k != nil; k, v = bc.Next() {
		var box BoxRow
		if err := unmarshalInto(v, &box); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if box.SpentTxID != "" {
			continue
		}
		txRow, ok, err := snap.TxByID(box.TxID)
		if err != nil {
			return nil, 0, err
		}
		if ok && txRow.MainChain {
			boxValues[box.BoxID] = box
		}
	}

	ac := snap.tx.Bucket(bucketBoxAssets).Cursor()
	for k, v := ac.First(); k != nil; k, v = ac.Next() {
		var asset BoxAssetRow
		if err := unmarshalInto(v, &asset); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if asset.TokenID != tokenID {
			continue
		}
		box, unspent := boxValues[asset.BoxID]
		if !unspent {
			continue
		}
		totals[box.Address] += asset.Amount
	}

	holders := make([]TokenHolder, 0, len(totals))
	for addr, amt := range totals {
		holders = append(holders, TokenHolder{Address: addr, Amount: amt})
	}
	sort.Slice(holders, func(i, j int) bool {
		if holders[i].Amount != holders[j].Amount {
			return holders[i].Amount > holders[j].Amount
		}
		return holders[i].Address < holders[j].Address
	})

	total := len(holders)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return holders[offset:end], total, nil
}

// TokenHolder is one row of a token-holders listing.
type TokenHolder struct {
	Address string
	Amount  uint64
}

// AddressTokenTotals returns the token balances for address over unspent
// main-chain boxes, per spec.md §4.5's address-info derived query.
func (snap *Snapshot) AddressTokenTotals(address string) (map[string]uint64, error) {
	boxes, err := snap.UnspentBoxesByAddress(address)
	if err != nil {
		return nil, err
	}
	owned := map[string]bool{}
	for _, b := range boxes {
		owned[b.BoxID] = true
	}
	totals := map[string]uint64{}
	ac := snap.tx.Bucket(bucketBoxAssets).Cursor()
	for k, v := ac.First(); k != nil; k, v = ac.Next() {
		var asset BoxAssetRow
		if err := unmarshalInto(v, &asset); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if owned[asset.BoxID] {
			totals[asset.TokenID] += asset.Amount
		}
	}
	return totals, nil
}

// TransactionsByAddress lists transactions touching address (as an input
// or output owner), newest first.
func (snap *Snapshot) TransactionsByAddress(address string, offset, limit int) ([]TxRow, int, error) {
	var matchTxIDs []string
	seen := map[string]bool{}

	bc := snap.tx.Bucket(bucketBoxes).Cursor()
	for k, v := bc.First(); k != nil; k, v = bc.Next() {
		var box BoxRow
		if err := unmarshalInto(v, &box); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		if box.Address != address {
			continue
		}
		if !seen[box.TxID] {
			seen[box.TxID] = true
			matchTxIDs = append(matchTxIDs, box.TxID)
		}
		if box.SpentTxID != "" && !seen[box.SpentTxID] {
			seen[box.SpentTxID] = true
			matchTxIDs = append(matchTxIDs, box.SpentTxID)
		}
	}

	var rows []TxRow
	for _, id := range matchTxIDs {
		row, ok, err := snap.TxByID(id)
		if err != nil {
			return nil, 0, err
		}
		if ok && row.MainChain {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].InclusionHeight > rows[j].InclusionHeight })

	total := len(rows)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return rows[offset:end], total, nil
}

// SearchKind tags what kind of entity a universal-search hit resolved to.
type SearchKind string

const (
	SearchBlock   SearchKind = "block"
	SearchTx      SearchKind = "transaction"
	SearchBox     SearchKind = "box"
	SearchToken   SearchKind = "token"
	SearchAddress SearchKind = "address"
	SearchHeight  SearchKind = "height"
)

// SearchHit is one universal-search result.
type SearchHit struct {
	Kind SearchKind
	ID   string
}

// Search probes query in the fixed order from spec.md §4.5: block id, tx
// id, box id, token id (all hex length 64), then address prefix, then
// integer height. An ambiguous short string may return multiple hits.
func (snap *Snapshot) Search(query, addressPrefix string) ([]SearchHit, error) {
	var hits []SearchHit

	if isHex64(query) {
		if _, ok, err := snap.BlockByID(query); err != nil {
			return nil, err
		} else if ok {
			hits = append(hits, SearchHit{Kind: SearchBlock, ID: query})
		}
		if _, ok, err := snap.TxByID(query); err != nil {
			return nil, err
		} else if ok {
			hits = append(hits, SearchHit{Kind: SearchTx, ID: query})
		}
		if _, ok, err := snap.BoxByID(query); err != nil {
			return nil, err
		} else if ok {
			hits = append(hits, SearchHit{Kind: SearchBox, ID: query})
		}
		if _, ok, err := snap.TokenByID(query); err != nil {
			return nil, err
		} else if ok {
			hits = append(hits, SearchHit{Kind: SearchToken, ID: query})
		}
	}

	if addressPrefix != "" && strings.HasPrefix(query, addressPrefix) {
		if _, ok, err := snap.AddressStats(query); err != nil {
			return nil, err
		} else if ok {
			hits = append(hits, SearchHit{Kind: SearchAddress, ID: query})
		}
	}

	if h, ok := parseHeight(query); ok {
		if row, found, err := snap.BlockByHeight(h); err != nil {
			return nil, err
		} else if found {
			hits = append(hits, SearchHit{Kind: SearchHeight, ID: row.ID})
		}
	}

	return hits, nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func parseHeight(s string) (chaintypes.Height, bool) {
	if s == "" {
		return 0, false
	}
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}
