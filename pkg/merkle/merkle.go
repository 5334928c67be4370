// Package merkle computes the canonical transaction merkle root
// (spec.md §4.2 item 5), resolving the two open questions in spec.md §9:
// the root is accepted iff it equals the stored value (never the
// source's inverted condition), and level sizing duplicates the last
// hash on an odd count rather than using non-integer arithmetic.
package merkle

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Root computes the merkle root over an ordered list of transaction
// hashes by the same pairwise double-SHA-256 reduction
// blockchain.BuildMerkleTreeStore performs internally, applied directly
// to hashes we already hold rather than requiring fully-populated
// wire.MsgTx values. An empty list has no defined root and returns the
// zero hash; callers must reject empty transaction lists before calling
// Root (spec.md §4.2 item 4 runs first).
func Root(txHashes []chainhash.Hash) chainhash.Hash {
	if len(txHashes) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(txHashes))
	copy(level, txHashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
	}

	return level[0]
}

// hashPair computes dSHA256(left || right), the node-combining step of
// the merkle tree.
func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}
