// Package addressindex derives base58check address keys from
// transaction scripts, for the per-address mempool indices
// feature.live_accounting enables (spec.md §4.4, §6). The encoding —
// version byte + Hash160(pubkey) + 4-byte double-SHA-256 checksum,
// base58 — is the scheme implemented natively in
// original_source/native.cc's pubkey_to_address256/base58_encode, here
// built on btcsuite's published libraries instead of hand-rolled bignum
// division.
package addressindex

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// FromScript extracts the set of addresses a script pays to or spends
// from. A script may resolve to zero addresses (e.g. OP_RETURN, bare
// multisig) or more than one (bare multisig without a P2SH wrapper);
// both are valid, expected outcomes, not errors.
func FromScript(script []byte, params *chaincfg.Params) []string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.EncodeAddress())
	}
	return out
}
