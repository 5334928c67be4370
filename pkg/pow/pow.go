// Package pow implements the compact-difficulty-bits arithmetic of
// spec.md §4.1: target decoding, chain work accumulation, and the
// numeric comparison that backs the proof-of-work check in §4.2.
//
// Difficulty-retarget verification is an acknowledged gap (spec.md §9):
// Target and Work accept whatever bits a peer sends without checking it
// against the retarget schedule for the block's height.
package pow

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Target decodes the compact-form difficulty bits into the 256-bit
// target a block hash must not exceed.
func Target(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// Work returns the expected number of hashes needed to produce a block at
// this difficulty: floor(2^256 / (target+1)).
func Work(bits uint32) *big.Int {
	return blockchain.CalcWork(bits)
}

// HashToBig interprets a block hash as an unsigned 256-bit little-endian
// integer (i.e. after reversing the hash's big-endian display form), the
// representation the proof-of-work inequality is evaluated against.
func HashToBig(h chainhash.Hash) *big.Int {
	return blockchain.HashToBig(&h)
}

// CheckProofOfWork reports whether hash satisfies the target encoded by
// bits: spec.md §4.2 check 2.
func CheckProofOfWork(h chainhash.Hash, bits uint32) bool {
	target := Target(bits)
	if target.Sign() <= 0 {
		return false
	}
	return HashToBig(h).Cmp(target) <= 0
}

// SumWork returns parentWork + Work(bits), the chain_work recurrence of
// spec.md §3.
func SumWork(parentWork *big.Int, bits uint32) *big.Int {
	sum := new(big.Int)
	if parentWork != nil {
		sum.Set(parentWork)
	}
	return sum.Add(sum, Work(bits))
}
