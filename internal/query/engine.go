// Package query implements the Query Engine (C5): the read surface over
// a Chain Store snapshot plus the Mempool Tracker's volatile view,
// spec.md §4.5. Grounded on the teacher's core/indexing_node.go
// (QueryTxHistory-style indexed lookups over an in-memory index) and
// cmd/explorer/service.go (a thin service layer wrapping the ledger for
// an HTTP handler to call), generalized from the teacher's account model
// to the UTXO relations in chainstore.
package query

import (
	"github.com/ergo-indexer/indexer/internal/chainstore"
	"github.com/ergo-indexer/indexer/internal/mempool"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// Page is the pagination envelope every listing endpoint returns,
// spec.md §4.5.
type Page struct {
	Items  interface{} `json:"items"`
	Total  int         `json:"total"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

// NormalizeLimit clamps a requested limit to [1, maxLimit], defaulting to
// defaultLimit when unset, per spec.md §4.5.
func NormalizeLimit(requested int) int {
	if requested <= 0 {
		return defaultLimit
	}
	if requested > maxLimit {
		return maxLimit
	}
	return requested
}

// Engine is the Query Engine (C5).
type Engine struct {
	store         *chainstore.Store
	mempool       *mempool.Tracker
	addressPrefix string
}

// New constructs a Query Engine over store and mempool. addressPrefix is
// the configured network's address prefix, used by Search to recognize
// address-shaped query strings, spec.md §4.5.
func New(store *chainstore.Store, mp *mempool.Tracker, addressPrefix string) *Engine {
	return &Engine{store: store, mempool: mp, addressPrefix: addressPrefix}
}

// Blocks returns a height-desc page of main-chain blocks.
func (e *Engine) Blocks(offset, limit int) (Page, error) {
	limit = NormalizeLimit(limit)
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return Page{}, err
	}
	defer snap.Close()

	rows, total, err := snap.BlocksByHeightDesc(offset, limit)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: rows, Total: total, Offset: offset, Limit: limit}, nil
}

// Block returns a single block by id.
func (e *Engine) Block(id string) (chainstore.BlockRow, bool, error) {
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return chainstore.BlockRow{}, false, err
	}
	defer snap.Close()
	return snap.BlockByID(id)
}

// Transaction returns a single transaction by id, checking the chain
// store first and falling back to the mempool for unconfirmed ones.
func (e *Engine) Transaction(id string) (interface{}, bool, error) {
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return nil, false, err
	}
	defer snap.Close()

	if row, ok, err := snap.TxByID(id); err != nil {
		return nil, false, err
	} else if ok {
		return row, true, nil
	}

	if tx, ok := e.mempool.ByTxID(id); ok {
		return tx, true, nil
	}
	return nil, false, nil
}

// Box returns a single box by id.
func (e *Engine) Box(id string) (chainstore.BoxRow, bool, error) {
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return chainstore.BoxRow{}, false, err
	}
	defer snap.Close()
	return snap.BoxByID(id)
}

// AddressInfo is the derived view spec.md §4.5 describes: confirmed
// balance and token totals from the chain store, plus an unconfirmed
// delta derived from the mempool.
type AddressInfo struct {
	Address          string           `json:"address"`
	ConfirmedBalance uint64           `json:"confirmed_balance"`
	TokenTotals      map[string]uint64 `json:"token_totals"`
	UnconfirmedDelta int64            `json:"unconfirmed_delta"`
	TxCount          int              `json:"tx_count"`
}

// AddressInfo returns the derived address-info view.
func (e *Engine) AddressInfo(address string) (AddressInfo, error) {
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return AddressInfo{}, err
	}
	defer snap.Close()

	stats, _, err := snap.AddressStats(address)
	if err != nil {
		return AddressInfo{}, err
	}
	totals, err := snap.AddressTokenTotals(address)
	if err != nil {
		return AddressInfo{}, err
	}

	resolver := func(boxID string) (string, uint64, bool) {
		box, ok, err := snap.BoxByID(boxID)
		if err != nil || !ok {
			return "", 0, false
		}
		return box.Address, box.Value, true
	}
	delta := e.mempool.UnconfirmedDelta(address, resolver)

	return AddressInfo{
		Address:          address,
		ConfirmedBalance: stats.ConfirmedBalance,
		TokenTotals:      totals,
		UnconfirmedDelta: delta,
		TxCount:          stats.TxCount,
	}, nil
}

// AddressTransactions returns a height-desc page of transactions
// touching address.
func (e *Engine) AddressTransactions(address string, offset, limit int) (Page, error) {
	limit = NormalizeLimit(limit)
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return Page{}, err
	}
	defer snap.Close()

	rows, total, err := snap.TransactionsByAddress(address, offset, limit)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: rows, Total: total, Offset: offset, Limit: limit}, nil
}

// TokenHolders returns a page of token holders, ordered desc by amount
// with a lexicographic tie-break, spec.md §4.5.
func (e *Engine) TokenHolders(tokenID string, offset, limit int) (Page, error) {
	limit = NormalizeLimit(limit)
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return Page{}, err
	}
	defer snap.Close()

	holders, total, err := snap.TokenHolders(tokenID, offset, limit)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: holders, Total: total, Offset: offset, Limit: limit}, nil
}

// Token returns a single token by id.
func (e *Engine) Token(id string) (chainstore.TokenRow, bool, error) {
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return chainstore.TokenRow{}, false, err
	}
	defer snap.Close()
	return snap.TokenByID(id)
}

// Search runs the universal search probe order from spec.md §4.5.
func (e *Engine) Search(q string) ([]chainstore.SearchHit, error) {
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	return snap.Search(q, e.addressPrefix)
}

// Stats is the network-summary view spec.md §4.5 describes.
type Stats struct {
	BlockCount       uint64                       `json:"block_count"`
	TransactionCount uint64                       `json:"transaction_count"`
	AddressCount     uint64                       `json:"address_count"`
	TokenCount       uint64                       `json:"token_count"`
	Network          *chainstore.NetworkStatsRow  `json:"network,omitempty"`
}

// Stats returns O(1) counters plus the latest network_stats row.
func (e *Engine) Stats() (Stats, error) {
	blocks, txs, addrs, tokens, err := e.store.Counters()
	if err != nil {
		return Stats{}, err
	}
	out := Stats{BlockCount: blocks, TransactionCount: txs, AddressCount: addrs, TokenCount: tokens}
	if net, ok, err := e.store.LatestNetworkStats(); err != nil {
		return Stats{}, err
	} else if ok {
		out.Network = &net
	}
	return out, nil
}

// MempoolTransactions returns a page of unconfirmed transactions.
func (e *Engine) MempoolTransactions(offset, limit int) Page {
	limit = NormalizeLimit(limit)
	items, total := e.mempool.All(offset, limit)
	return Page{Items: items, Total: total, Offset: offset, Limit: limit}
}
