package chain

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/jayendramadaram/btc-node/internal/storage"
	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/events"
	"github.com/jayendramadaram/btc-node/pkg/merkle"
	"github.com/jayendramadaram/btc-node/pkg/pow"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// easyBits is a regtest-grade difficulty: almost every candidate hash
// satisfies it, so tests don't need to actually mine.
const easyBits = uint32(0x207fffff)

func coinbase(extra byte) *tx.Transaction {
	return tx.New(1,
		[]tx.In{{PrevOut: tx.Outpoint{Index: 0xffffffff}, Script: []byte{extra}}},
		[]tx.Out{{Value: 5000000000, Script: []byte{0x51}}},
		0,
	)
}

// mineBlock finds a nonce satisfying easyBits and returns the block.
func mineBlock(t *testing.T, version uint32, prevHash chainhash.Hash, timestamp uint32, txs []*tx.Transaction) *block.Block {
	t.Helper()
	hashes := make([]chainhash.Hash, len(txs))
	for i, tr := range txs {
		hashes[i] = tr.Hash()
	}
	root := merkle.Root(hashes)

	for nonce := uint32(0); nonce < 1_000_000; nonce++ {
		b := block.New(version, prevHash, root, timestamp, easyBits, nonce, txs)
		if pow.CheckProofOfWork(b.Hash, easyBits) {
			return b
		}
	}
	t.Fatal("failed to mine test block within bound")
	return nil
}

func newTestChain(t *testing.T) (*Chain, *storage.Memory, *events.ChainBus) {
	t.Helper()
	store := storage.NewMemory()
	bus := events.NewChainBus()

	genesisTxs := []*tx.Transaction{coinbase(0)}
	genesis := mineBlock(t, 1, chainhash.Hash{}, 1, genesisTxs)

	c := New(store, bus, genesis, genesisTxs)
	require.NoError(t, c.Init(context.Background()))
	return c, store, bus
}

func TestLinearExtension(t *testing.T) {
	ctx := context.Background()
	c, store, bus := newTestChain(t)

	var saved []chainhash.Hash
	bus.OnBlockSave(func(e *events.BlockSaveEvent) { saved = append(saved, e.Block.Hash) })

	genesis, err := c.ActiveTip(ctx)
	require.NoError(t, err)

	txs := []*tx.Transaction{coinbase(1)}
	b1 := mineBlock(t, 1, genesis.Hash, 2, txs)

	status, err := c.Add(ctx, b1, txs)
	require.NoError(t, err)
	require.Equal(t, AddAccepted, status)

	tip, err := c.ActiveTip(ctx)
	require.NoError(t, err)
	require.Equal(t, b1.Hash, tip.Hash)
	require.Equal(t, int32(1), tip.Height)
	require.Contains(t, saved, b1.Hash)

	known, err := store.KnowsBlock(ctx, b1.Hash)
	require.NoError(t, err)
	require.True(t, known)
}

func TestOrphanBlockBuffering(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestChain(t)

	genesis, err := c.ActiveTip(ctx)
	require.NoError(t, err)

	txs1 := []*tx.Transaction{coinbase(1)}
	b1 := mineBlock(t, 1, genesis.Hash, 2, txs1)
	txs2 := []*tx.Transaction{coinbase(2)}
	b2 := mineBlock(t, 1, b1.Hash, 3, txs2)

	// b2 arrives before its parent b1: must be parked, not rejected.
	status, err := c.Add(ctx, b2, txs2)
	require.NoError(t, err)
	require.Equal(t, AddPending, status)

	tip, err := c.ActiveTip(ctx)
	require.NoError(t, err)
	require.Equal(t, genesis.Hash, tip.Hash)

	// Now b1 arrives: both should attach and the tip should advance to b2.
	status, err = c.Add(ctx, b1, txs1)
	require.NoError(t, err)
	require.Equal(t, AddAccepted, status)

	tip, err = c.ActiveTip(ctx)
	require.NoError(t, err)
	require.Equal(t, b2.Hash, tip.Hash)
	require.Equal(t, int32(2), tip.Height)
}

func TestReorgSwitchesActiveBranch(t *testing.T) {
	ctx := context.Background()
	c, _, bus := newTestChain(t)

	var revoked, saved []chainhash.Hash
	bus.OnBlockRevoke(func(e *events.BlockRevokeEvent) { revoked = append(revoked, e.Block.Hash) })
	bus.OnBlockSave(func(e *events.BlockSaveEvent) { saved = append(saved, e.Block.Hash) })

	genesis, err := c.ActiveTip(ctx)
	require.NoError(t, err)

	// Branch A: genesis -> a1 -> a2 (two blocks, becomes the active tip).
	txsA1 := []*tx.Transaction{coinbase(1)}
	a1 := mineBlock(t, 1, genesis.Hash, 2, txsA1)
	status, err := c.Add(ctx, a1, txsA1)
	require.NoError(t, err)
	require.Equal(t, AddAccepted, status)

	txsA2 := []*tx.Transaction{coinbase(2)}
	a2 := mineBlock(t, 1, a1.Hash, 3, txsA2)
	status, err = c.Add(ctx, a2, txsA2)
	require.NoError(t, err)
	require.Equal(t, AddAccepted, status)

	// Branch B: genesis -> b1 -> b2 -> b3, arriving after A is active.
	// b1/b2 attach as an inactive side chain until b3 pushes its
	// chain_work past branch A's.
	txsB1 := []*tx.Transaction{coinbase(3)}
	b1 := mineBlock(t, 1, genesis.Hash, 2, txsB1)
	status, err = c.Add(ctx, b1, txsB1)
	require.NoError(t, err)
	require.Equal(t, AddAccepted, status)

	tip, err := c.ActiveTip(ctx)
	require.NoError(t, err)
	require.Equal(t, a2.Hash, tip.Hash, "side chain must not preempt the active tip")

	txsB2 := []*tx.Transaction{coinbase(4)}
	b2 := mineBlock(t, 1, b1.Hash, 3, txsB2)
	status, err = c.Add(ctx, b2, txsB2)
	require.NoError(t, err)
	require.Equal(t, AddAccepted, status)

	txsB3 := []*tx.Transaction{coinbase(5)}
	b3 := mineBlock(t, 1, b2.Hash, 4, txsB3)
	status, err = c.Add(ctx, b3, txsB3)
	require.NoError(t, err)
	require.Equal(t, AddAccepted, status)

	tip, err = c.ActiveTip(ctx)
	require.NoError(t, err)
	require.Equal(t, b3.Hash, tip.Hash, "higher chain_work branch must become active")
	require.Equal(t, []chainhash.Hash{a2.Hash, a1.Hash}, revoked, "revoke order: tip down to fork, exclusive")
	require.Contains(t, saved, b3.Hash)
}
