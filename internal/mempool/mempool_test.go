package mempool

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/jayendramadaram/btc-node/internal/storage"
	"github.com/jayendramadaram/btc-node/internal/workerpool"
	"github.com/jayendramadaram/btc-node/pkg/events"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// opTrueScript is a trivial always-true output script: with an empty
// signature script, execution leaves a single truthy value on the stack
// and standard verification (clean stack, no non-push sigScript ops)
// holds, so these tests don't need real key material to exercise
// script verification end to end.
var opTrueScript = []byte{0x51} // OP_TRUE

func newTestPool(t *testing.T) (*Pool, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	bus := events.NewPoolBus()
	workers := workerpool.New(2)
	t.Cleanup(workers.Close)
	return New(store, bus, workers, &chaincfg.MainNetParams, false), store
}

func confirmedOutput(t *testing.T, store *storage.Memory, value int64) (*tx.Transaction, tx.Outpoint) {
	t.Helper()
	funding := tx.New(1,
		[]tx.In{{PrevOut: tx.Outpoint{Index: 0xffffffff}, Script: []byte{0x00}}},
		[]tx.Out{{Value: value, Script: opTrueScript}},
		0,
	)
	require.NoError(t, store.PutTx(context.Background(), funding, chainhash.Hash{}, 0))
	return funding, tx.Outpoint{Hash: funding.Hash(), Index: 0}
}

func spend(prev tx.Outpoint, value int64) *tx.Transaction {
	return tx.New(1,
		[]tx.In{{PrevOut: prev}},
		[]tx.Out{{Value: value, Script: opTrueScript}},
		0,
	)
}

func TestAddAcceptsAndDedupsConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPool(t)
	_, out := confirmedOutput(t, store, 1000)
	child := spend(out, 900)

	wasNew1, ch1 := p.Add(ctx, child)
	wasNew2, ch2 := p.Add(ctx, child)
	require.True(t, wasNew1)
	require.False(t, wasNew2, "second concurrent Add for the same hash must not relaunch verification")

	r1 := <-ch1
	r2 := <-ch2
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	require.Equal(t, child.Hash(), r1.Tx.Hash())

	require.True(t, p.IsKnown(child.Hash()))
	require.NotNil(t, p.Get(child.Hash()))

	wasNew3, ch3 := p.Add(ctx, child)
	require.False(t, wasNew3, "already-accepted entry must short-circuit")
	r3 := <-ch3
	require.NoError(t, r3.Err)
}

func TestOrphanPromotionOnParentAcceptance(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPool(t)

	_, parentOut := confirmedOutput(t, store, 1000)
	parent := spend(parentOut, 900)
	childOut := tx.Outpoint{Hash: parent.Hash(), Index: 0}
	child := spend(childOut, 800)

	// child arrives first; its source (parent) is neither in storage nor
	// the mempool yet, so it must park as an orphan, not fail outright.
	_, childCh := p.Add(ctx, child)
	childResult := <-childCh
	require.Error(t, childResult.Err)
	require.True(t, p.IsKnown(child.Hash()))
	require.Nil(t, p.Get(child.Hash()), "orphan entries are not yet accepted")

	// parent now arrives and is accepted; the orphan must be promoted
	// without the caller re-submitting it.
	_, parentCh := p.Add(ctx, parent)
	parentResult := <-parentCh
	require.NoError(t, parentResult.Err)

	require.Eventually(t, func() bool {
		return p.Get(child.Hash()) != nil
	}, time.Second, 5*time.Millisecond, "orphan must be promoted once its source is accepted")
}

func TestConfirmationEvictsConflictingSpender(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPool(t)
	_, out := confirmedOutput(t, store, 1000)

	mempoolSpend := spend(out, 900)
	_, ch := p.Add(ctx, mempoolSpend)
	require.NoError(t, (<-ch).Err)
	require.True(t, p.IsKnown(mempoolSpend.Hash()))

	// A block confirms a different transaction spending the same
	// outpoint: the mempool's conflicting entry must be evicted.
	confirmingSpend := spend(out, 950)
	p.HandleTxAdd(&events.TxAddEvent{Tx: confirmingSpend, Index: 0})

	require.False(t, p.IsKnown(mempoolSpend.Hash()), "conflicting mempool entry must be evicted on confirmation")
}
