// Package chaintypes holds the wire and storage types shared by every
// component of the indexer: the shapes returned by an upstream node, and
// the shapes persisted into the chain store. Keeping them in one
// dependency-light package (no functions, only data) avoids the import
// cycles that would otherwise appear between nodeclient, chainstore,
// syncengine and query.
package chaintypes

import "time"

// Height is a block height. Heights start at 1; height 0 is reserved for
// "no block" / genesis parent.
type Height = uint64

// BlockHeader is the part of a block available before its body has been
// fetched. header_ids_at and info() deal in these.
type BlockHeader struct {
	ID        string
	ParentID  string
	Height    Height
	Timestamp int64
	Difficulty uint64
}

// FullBlock is a complete block as returned by block_by_id: header plus
// transactions, inputs, outputs and registers.
type FullBlock struct {
	BlockHeader
	BlockSize    int
	MinerAddress string
	MinerReward  uint64
	Transactions []Transaction
}

// Transaction is one transaction inside a FullBlock or the mempool.
type Transaction struct {
	ID              string
	InclusionHeight Height // 0 for unconfirmed
	Timestamp       int64
	Size            int
	IndexInBlock    int
	Inputs          []Input
	DataInputs      []DataInput
	Outputs         []Box
}

// Input references a box being spent, with its unlocking proof.
type Input struct {
	BoxID      string
	IndexInTx  int
	ProofBytes []byte
}

// DataInput references a box read (not spent) by a transaction.
type DataInput struct {
	BoxID     string
	IndexInTx int
}

// Box is a UTXO: value, locking script, optional tokens and registers.
type Box struct {
	BoxID                string
	IndexInTx            int
	Value                uint64
	ErgoTree             []byte
	Address              string
	CreationHeight       Height
	Assets               []BoxAsset
	AdditionalRegisters  map[int]string // register index -> hex-encoded bytes, opaque
}

// BoxAsset is one token amount carried by a box.
type BoxAsset struct {
	TokenID   string
	Amount    uint64
	IndexInBox int
}

// TokenMint describes a token the first time it is observed (minting box).
type TokenMint struct {
	ID              string
	MintingBoxID    string
	EmissionAmount  uint64
	Name            string
	Description     string
	Decimals        int
	CreationHeight  Height
}

// NodeInfo mirrors the upstream node's /info response.
type NodeInfo struct {
	AppVersion     string
	StateType      string
	HeadersHeight  Height
	FullHeight     Height
	PeerCount      int
	Difficulty     uint64
	IsMining       bool
	MempoolSize    int
	Latency        time.Duration
}

// UnconfirmedTx is a mempool transaction as returned by mempool().
type UnconfirmedTx struct {
	Transaction
	SeenAt time.Time
}
