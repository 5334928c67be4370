package chain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// log2FloorMasks and fastLog2Floor are carried unchanged from the
// teacher's pkg/blockchain/chain.go: a branch-free floor(log2(n)) used to
// size the locator's capacity for tips above height 12.
var log2FloorMasks = []uint32{0xffff0000, 0xff00, 0xf0, 0xc, 0x2}

func fastLog2Floor(n uint32) uint8 {
	rv := uint8(0)
	exponent := uint8(16)
	for i := 0; i < 5; i++ {
		if n&log2FloorMasks[i] != 0 {
			rv += exponent
			n >>= exponent
		}
		exponent >>= 1
	}
	return rv
}

// BuildLocator constructs the exponential-backoff block locator the
// teacher's getBlockLocator built from a local height, generalized here
// to start from the current active tip: the most recent twelve heights
// (tip down to tip-11) verbatim, then doubling steps back toward
// genesis, always ending with genesis itself. peeradapter sends
// this to a peer in a getblocks request to resume sync from the first
// hash the peer still recognizes as active.
func (c *Chain) BuildLocator(ctx context.Context) ([]chainhash.Hash, error) {
	tip, err := c.ActiveTip(ctx)
	if err != nil {
		return nil, err
	}

	height := tip.Height
	var maxEntries uint8
	if height <= 12 {
		maxEntries = uint8(height) + 1
	} else {
		maxEntries = 12 + fastLog2Floor(uint32(height)-10)
	}

	locator := make([]chainhash.Hash, 0, maxEntries)
	if height < 0 {
		return locator, nil
	}

	step := int32(1)
	for height >= 0 {
		h, err := c.store.GetHashByHeight(ctx, height)
		if err != nil {
			return nil, err
		}
		locator = append(locator, h)

		if height == 0 {
			break
		}
		height -= step
		if height < 0 {
			height = 0
		}
		if len(locator) > 10 {
			step *= 2
		}
	}

	return locator, nil
}
