package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/jayendramadaram/btc-node/internal/chain"
	"github.com/jayendramadaram/btc-node/internal/mempool"
	"github.com/jayendramadaram/btc-node/internal/storage"
	"github.com/jayendramadaram/btc-node/internal/workerpool"
	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/events"
	"github.com/jayendramadaram/btc-node/pkg/merkle"
	"github.com/jayendramadaram/btc-node/pkg/pow"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

const easyBits = uint32(0x207fffff)

var opTrueScript = []byte{0x51}

func coinbase(extra byte) *tx.Transaction {
	return tx.New(1,
		[]tx.In{{PrevOut: tx.Outpoint{Index: 0xffffffff}, Script: []byte{extra}}},
		[]tx.Out{{Value: 5000000000, Script: opTrueScript}},
		0,
	)
}

func mineBlock(t *testing.T, prevHash chainhash.Hash, timestamp uint32, txs []*tx.Transaction) *block.Block {
	t.Helper()
	hashes := make([]chainhash.Hash, len(txs))
	for i, tr := range txs {
		hashes[i] = tr.Hash()
	}
	root := merkle.Root(hashes)

	for nonce := uint32(0); nonce < 1_000_000; nonce++ {
		b := block.New(1, prevHash, root, timestamp, easyBits, nonce, txs)
		if pow.CheckProofOfWork(b.Hash, easyBits) {
			return b
		}
	}
	t.Fatal("failed to mine test block within bound")
	return nil
}

// fakeConn records every reply Node sends back over a connection.
type fakeConn struct {
	mu       sync.Mutex
	sentTx   []*wire.MsgTx
	sentInv  []*wire.MsgInv
	sentData []*wire.MsgGetData
}

func (c *fakeConn) SendTx(t *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentTx = append(c.sentTx, t)
	return nil
}

func (c *fakeConn) SendInv(inv *wire.MsgInv) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentInv = append(c.sentInv, inv)
	return nil
}

func (c *fakeConn) SendGetData(gd *wire.MsgGetData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentData = append(c.sentData, gd)
	return nil
}

type fakePeerManager struct {
	conns []Connection
}

func (m *fakePeerManager) ActiveConnections() []Connection { return m.conns }

func newTestNode(t *testing.T) (*Node, *chain.Chain, *mempool.Pool, *fakeConn) {
	t.Helper()
	store := storage.NewMemory()
	chainBus := events.NewChainBus()
	poolBus := events.NewPoolBus()

	genesisTxs := []*tx.Transaction{coinbase(0)}
	genesis := mineBlock(t, chainhash.Hash{}, 1, genesisTxs)
	c := chain.New(store, chainBus, genesis, genesisTxs)

	workers := workerpool.New(2)
	t.Cleanup(workers.Close)
	p := mempool.New(store, poolBus, workers, &chaincfg.MainNetParams, false)

	conn := &fakeConn{}
	n := New(c, p, &fakePeerManager{conns: []Connection{conn}}, nil)
	require.NoError(t, n.Start(context.Background()))
	return n, c, p, conn
}

func TestStartTransitionsAndForbidsReentry(t *testing.T) {
	n, _, _, _ := newTestNode(t)
	require.Equal(t, NetConnect, n.State())
	require.True(t, n.Running())

	err := n.Start(context.Background())
	require.ErrorIs(t, err, ErrReentryForbidden)
}

func TestNotifyPeerConnectedAdvancesToBlockDownload(t *testing.T) {
	n, _, _, _ := newTestNode(t)
	n.NotifyPeerConnected()
	require.Equal(t, BlockDownload, n.State())
	require.True(t, n.Running())
}

func fundAndSpend(t *testing.T, store *storage.Memory, value int64) (*tx.Transaction, *tx.Transaction) {
	t.Helper()
	funding := tx.New(1,
		[]tx.In{{PrevOut: tx.Outpoint{Index: 0xffffffff}, Script: []byte{0x00}}},
		[]tx.Out{{Value: value, Script: opTrueScript}},
		0,
	)
	require.NoError(t, store.PutTx(context.Background(), funding, chainhash.Hash{}, 0))
	spend := tx.New(1,
		[]tx.In{{PrevOut: tx.Outpoint{Hash: funding.Hash(), Index: 0}}},
		[]tx.Out{{Value: value - 100, Script: opTrueScript}},
		0,
	)
	return funding, spend
}

func TestHandleTxShortCircuitsKnownElseDispatches(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	n, _, p, _ := newTestNodeWithStore(t, store)
	_, spend := fundAndSpend(t, store, 1000)

	n.HandleTx(ctx, spend.ToWire())
	require.Eventually(t, func() bool {
		return p.Get(spend.Hash()) != nil
	}, time.Second, 5*time.Millisecond)

	// Re-delivering the now-known tx must not relaunch verification;
	// IsKnown short-circuits before TransactionStore.Add is even called.
	n.HandleTx(ctx, spend.ToWire())
	require.True(t, p.IsKnown(spend.Hash()))
}

func newTestNodeWithStore(t *testing.T, store *storage.Memory) (*Node, *chain.Chain, *mempool.Pool, *fakeConn) {
	t.Helper()
	chainBus := events.NewChainBus()
	poolBus := events.NewPoolBus()

	genesisTxs := []*tx.Transaction{coinbase(0)}
	genesis := mineBlock(t, chainhash.Hash{}, 1, genesisTxs)
	c := chain.New(store, chainBus, genesis, genesisTxs)

	workers := workerpool.New(2)
	t.Cleanup(workers.Close)
	p := mempool.New(store, poolBus, workers, &chaincfg.MainNetParams, false)

	conn := &fakeConn{}
	n := New(c, p, &fakePeerManager{conns: []Connection{conn}}, nil)
	require.NoError(t, n.Start(context.Background()))
	return n, c, p, conn
}

func TestHandleInvRequestsOnlyUnknownPreservingOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	n, c, p, conn := newTestNodeWithStore(t, store)

	_, knownSpend := fundAndSpend(t, store, 1000)
	_, ch := p.Add(ctx, knownSpend)
	require.NoError(t, (<-ch).Err)

	genesis, err := c.ActiveTip(ctx)
	require.NoError(t, err)

	unknownTxHash := chainhash.Hash{0xaa}
	unknownBlockHash := chainhash.Hash{0xbb}

	msg := wire.NewMsgInv()
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeTx, knownTxPtr(knownSpend))))
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &unknownTxHash)))
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &genesis.Hash)))
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &unknownBlockHash)))

	require.NoError(t, n.HandleInv(ctx, conn, msg))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.sentData, 1)
	require.Len(t, conn.sentData[0].InvList, 2, "only the unknown tx and unknown block should be requested")
	require.Equal(t, unknownTxHash, conn.sentData[0].InvList[0].Hash, "order must match the inv's own order")
	require.Equal(t, unknownBlockHash, conn.sentData[0].InvList[1].Hash)
}

func knownTxPtr(t *tx.Transaction) *chainhash.Hash {
	h := t.Hash()
	return &h
}

func TestHandleGetDataRepliesWithKnownTx(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	n, _, p, conn := newTestNodeWithStore(t, store)
	_, spend := fundAndSpend(t, store, 1000)

	_, ch := p.Add(ctx, spend)
	require.NoError(t, (<-ch).Err)

	msg := wire.NewMsgGetData()
	h := spend.Hash()
	require.NoError(t, msg.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &h)))

	require.NoError(t, n.HandleGetData(conn, msg))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.sentTx, 1)
	require.Equal(t, spend.Hash(), func() chainhash.Hash {
		parsed := tx.FromWire(conn.sentTx[0])
		return parsed.Hash()
	}())
}

func TestHandleGetBlocksRepliesWithNextActiveHashes(t *testing.T) {
	ctx := context.Background()
	n, c, _, conn := newTestNode(t)

	genesis, err := c.ActiveTip(ctx)
	require.NoError(t, err)

	txs1 := []*tx.Transaction{coinbase(1)}
	b1 := mineBlock(t, genesis.Hash, 2, txs1)
	status, err := c.Add(ctx, b1, txs1)
	require.NoError(t, err)
	require.Equal(t, chain.AddAccepted, status)

	msg := &wire.MsgGetBlocks{BlockLocatorHashes: []*chainhash.Hash{&genesis.Hash}}
	require.NoError(t, n.HandleGetBlocks(ctx, conn, msg))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.sentInv, 1)
	require.Len(t, conn.sentInv[0].InvList, 1)
	require.Equal(t, b1.Hash, conn.sentInv[0].InvList[0].Hash)
}

func TestSendInvBroadcastsToAllActiveConnections(t *testing.T) {
	n, _, _, conn1 := newTestNode(t)
	conn2 := &fakeConn{}
	n.peers = &fakePeerManager{conns: []Connection{conn1, conn2}}

	h := chainhash.Hash{0x01}
	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &h)))
	n.SendInv(inv)

	conn1.mu.Lock()
	require.Len(t, conn1.sentInv, 1)
	conn1.mu.Unlock()
	conn2.mu.Lock()
	require.Len(t, conn2.sentInv, 1)
	conn2.mu.Unlock()
}
