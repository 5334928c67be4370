// Package block defines the Block entity of spec.md §3 and the §4.2
// validation pipeline run on every candidate block before storage.
package block

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/jayendramadaram/btc-node/pkg/chainerr"
	"github.com/jayendramadaram/btc-node/pkg/merkle"
	"github.com/jayendramadaram/btc-node/pkg/pow"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// headerSize is the fixed 80-byte encoding of (version, prev_hash,
// merkle_root, timestamp, bits, nonce), spec.md §6.
const headerSize = 80

// UnassignedHeight is the sentinel spec.md §3 uses before a block is
// threaded into the chain index.
const UnassignedHeight int32 = -1

// Block is the typed record of spec.md §3. ChainWork and Height start
// unset (nil / UnassignedHeight) until internal/chain.Add computes them.
type Block struct {
	Version    uint32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32

	Hash      chainhash.Hash
	Height    int32
	Size      uint32
	Active    bool
	ChainWork *big.Int
}

// New builds a Block from header fields and derives Hash/Size from the
// serialized header plus the supplied transactions' combined size. It
// does not validate anything; callers run Validate separately.
func New(version uint32, prevHash, merkleRoot chainhash.Hash, timestamp, bits, nonce uint32, txs []*tx.Transaction) *Block {
	b := &Block{
		Version:    version,
		PrevHash:   prevHash,
		MerkleRoot: merkleRoot,
		Timestamp:  timestamp,
		Bits:       bits,
		Nonce:      nonce,
		Height:     UnassignedHeight,
	}
	b.Hash = chainhash.DoubleHashH(b.Header())
	b.Size = uint32(headerSize)
	for _, t := range txs {
		b.Size += uint32(len(t.Serialize()))
	}
	return b
}

// Header returns the canonical 80-byte header encoding whose
// double-SHA-256 is the block hash.
func (b *Block) Header() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], b.Version)
	copy(buf[4:36], b.PrevHash[:])
	copy(buf[36:68], b.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], b.Timestamp)
	binary.LittleEndian.PutUint32(buf[72:76], b.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], b.Nonce)
	return buf
}

// IsGenesis reports whether PrevHash is the all-zero sentinel spec.md §3
// reserves for the genesis block.
func (b *Block) IsGenesis() bool {
	return b.PrevHash == (chainhash.Hash{})
}

// Validate runs the five checks of spec.md §4.2 in order and returns the
// first failure. now is the wall clock to compare the timestamp bound
// against, threaded in explicitly so validation stays deterministic in
// tests.
func Validate(b *Block, txs []*tx.Transaction, now time.Time) error {
	// 1. Hash integrity.
	if chainhash.DoubleHashH(b.Header()) != b.Hash {
		return chainerr.ErrInvalidStructure
	}

	// 2. Proof of work.
	if !pow.CheckProofOfWork(b.Hash, b.Bits) {
		return chainerr.ErrInvalidProofOfWork
	}

	// 3. Timestamp bound: no more than two hours ahead of wall clock.
	maxTimestamp := uint32(now.Add(2 * time.Hour).Unix())
	if b.Timestamp > maxTimestamp {
		return chainerr.ErrInvalidTimestamp
	}

	// 4. Transaction list shape.
	if len(txs) == 0 {
		return chainerr.ErrInvalidStructure
	}
	if !txs[0].IsCoinbase() {
		return chainerr.ErrInvalidStructure
	}
	for _, t := range txs[1:] {
		if t.IsCoinbase() {
			return chainerr.ErrInvalidStructure
		}
	}

	// 5. Merkle root.
	hashes := make([]chainhash.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	if merkle.Root(hashes) != b.MerkleRoot {
		return chainerr.ErrInvalidMerkle
	}

	return nil
}
