// Package scripting derives a human-facing address from an Ergo box's
// locking script (ergo_tree), per spec.md §3's supplemented feature set.
// It is deliberately narrow: only the P2PK shape is decoded; anything else
// falls back to a stable placeholder so every box still gets an address to
// index against, without the indexer growing a full Sigma interpreter.
package scripting

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// Scripting derives the address a box's ergo_tree locks value to. Kept as
// an interface so a fuller Sigma decoder can replace Default without the
// chain store or node client caring how an address was derived.
type Scripting interface {
	DeriveAddress(ergoTree []byte) (string, error)
}

// p2pkPrefix is the byte sequence Ergo uses for a plain pay-to-public-key
// tree: DLog op, followed by the 33-byte compressed secp256k1 point.
var p2pkPrefix = []byte{0x00, 0x08, 0xcd}

const p2pkTreeLen = 3 + 33 // len(p2pkPrefix) + compressed secp256k1 point

const (
	mainnetPrefix byte = 0x00
	testnetPrefix byte = 0x10
)

// Default is a minimal P2PK-aware address deriver, mainnet unless
// constructed with NewTestnet.
type Default struct {
	networkPrefix byte
}

// New returns a Default deriver for mainnet addresses.
func New() Default { return Default{networkPrefix: mainnetPrefix} }

// NewTestnet returns a Default deriver for testnet addresses.
func NewTestnet() Default { return Default{networkPrefix: testnetPrefix} }

// DeriveAddress implements Scripting.
func (d Default) DeriveAddress(ergoTree []byte) (string, error) {
	if len(ergoTree) == 0 {
		return "", nil
	}
	if len(ergoTree) == p2pkTreeLen && hasPrefix(ergoTree, p2pkPrefix) {
		return d.encode(0x01, ergoTree[len(p2pkPrefix):]), nil
	}
	// P2S/P2SH and anything more exotic: a tree-hash placeholder that is
	// stable per distinct script but not a real Ergo explorer address.
	sum := sha256.Sum256(ergoTree)
	return d.encode(0x02, sum[:24]), nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if b[i] != p {
			return false
		}
	}
	return true
}

// encode base58check-encodes addressType||content with a sha256-derived
// checksum. Real Ergo addresses use blake2b256; this stub trades exact
// wire compatibility (out of scope, spec.md §1) for one fewer dependency.
func (d Default) encode(addressType byte, content []byte) string {
	payload := append([]byte{d.networkPrefix + addressType}, content...)
	sum := sha256.Sum256(payload)
	return base58.Encode(append(payload, sum[:4]...))
}
