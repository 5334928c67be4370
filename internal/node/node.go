// Package node implements the Node state machine of spec.md §4.5: it
// sequences uninitialized → init → netConnect → blockDownload and
// dispatches the five inbound wire messages the core cares about (inv,
// block, tx, getdata, getblocks) onto internal/chain and
// internal/mempool.
package node

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/jayendramadaram/btc-node/internal/chain"
	"github.com/jayendramadaram/btc-node/internal/mempool"
	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/chainerr"
	"github.com/jayendramadaram/btc-node/pkg/logger"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// MaxGetBlocksResponse bounds how many hashes a single getblocks reply
// carries, mirroring the reference client's 500-header cap (spec.md
// §4.5: "up to a protocol-defined cap").
const MaxGetBlocksResponse = 500

// State is one of the five positions of spec.md §4.5's state machine.
// Active is reserved for future JSON-RPC/mining wiring the core doesn't
// implement; blockDownload is the terminal state this package reaches.
type State int

const (
	Uninitialized State = iota
	Init
	NetConnect
	BlockDownload
	Active
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Init:
		return "init"
	case NetConnect:
		return "netConnect"
	case BlockDownload:
		return "blockDownload"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// ErrReentryForbidden is returned when a caller tries to transition
// back into Init once the node has left it (spec.md §4.5).
var ErrReentryForbidden = errors.New("node: re-entry to init is forbidden")

// Connection is the per-peer handle spec.md §6 describes: the thing a
// dispatch method uses to reply to (or rebroadcast from) the
// connection that delivered the inbound message.
type Connection interface {
	SendTx(t *wire.MsgTx) error
	SendInv(inv *wire.MsgInv) error
	SendGetData(gd *wire.MsgGetData) error
}

// PeerManager exposes the active connection set Node broadcasts over
// (spec.md §6: "exposes getActiveConnections()").
type PeerManager interface {
	ActiveConnections() []Connection
}

// Rebroadcaster is the external TransactionSender collaborator spec.md
// §1 names as out of core scope; SendTx registers successfully-relayed
// transactions with it when one is wired, and is a no-op otherwise.
type Rebroadcaster interface {
	Register(h chainhash.Hash)
}

// Node is the state machine plus message dispatcher. It owns no wire
// I/O itself: Connection/PeerManager are collaborators supplied by
// internal/peeradapter.
type Node struct {
	chain *chain.Chain
	pool  *mempool.Pool
	peers PeerManager
	rebro Rebroadcaster
	log   *logger.CustomLogger

	mu    sync.Mutex
	state State

	getDataBlockGapOnce sync.Once
}

// New constructs a Node in the Uninitialized state. rebro may be nil.
func New(c *chain.Chain, p *mempool.Pool, peers PeerManager, rebro Rebroadcaster) *Node {
	return &Node{
		chain: c,
		pool:  p,
		peers: peers,
		rebro: rebro,
		log:   logger.NewDefaultLogger(),
		state: Uninitialized,
	}
}

// SetPeerManager wires the PeerManager collaborator after construction,
// breaking the otherwise-circular dependency between Node and
// internal/peeradapter.Manager (which itself needs a *Node to dispatch
// inbound messages onto).
func (n *Node) SetPeerManager(p PeerManager) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = p
}

// State returns the current state under lock.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Running mirrors spec.md §4.5: "running is true in netConnect,
// blockDownload, and active."
func (n *Node) Running() bool {
	s := n.State()
	return s == NetConnect || s == BlockDownload || s == Active
}

// Start runs uninitialized → init → netConnect: BlockChain is
// initialized (genesis ensured, tip rehydrated) and, once that
// completes, the node is ready for PeerManager/TransactionSender/RPC to
// be enabled by the caller (internal/peeradapter wires those up once
// Start returns without error).
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != Uninitialized {
		n.mu.Unlock()
		return ErrReentryForbidden
	}
	n.state = Init
	n.mu.Unlock()

	if err := n.chain.Init(ctx); err != nil {
		return err
	}

	// BlockChain's initComplete: advance past init. Re-entry to init is
	// now permanently forbidden (enforced by the guard above, since
	// Uninitialized is the only state Start accepts from).
	n.mu.Lock()
	n.state = NetConnect
	n.mu.Unlock()
	return nil
}

// NotifyPeerConnected is PeerManager's netConnected signal: the first
// fully-handshaken peer advances netConnect → blockDownload.
func (n *Node) NotifyPeerConnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == NetConnect {
		n.state = BlockDownload
	}
}

// HandleInv partitions an inv message by type (spec.md §4.5): unknown
// tx hashes are checked synchronously against the mempool, unknown
// block hashes are checked against Storage concurrently, and exactly
// one getdata is sent back (if anything was unknown) preserving inv
// order.
func (n *Node) HandleInv(ctx context.Context, conn Connection, msg *wire.MsgInv) error {
	unknown := make([]bool, len(msg.InvList))
	var wg sync.WaitGroup

	for i, inv := range msg.InvList {
		switch inv.Type {
		case wire.InvTypeTx:
			if !n.pool.IsKnown(inv.Hash) {
				unknown[i] = true
			}
		case wire.InvTypeBlock:
			i, inv := i, inv
			wg.Add(1)
			go func() {
				defer wg.Done()
				known, err := n.chain.KnowsBlock(ctx, inv.Hash)
				if err != nil {
					n.log.Errorf("inv: KnowsBlock(%s): %v", inv.Hash, err)
					return
				}
				if !known {
					unknown[i] = true
				}
			}()
		}
	}
	wg.Wait()

	var getData *wire.MsgGetData
	for i, inv := range msg.InvList {
		if !unknown[i] {
			continue
		}
		if getData == nil {
			getData = wire.NewMsgGetData()
		}
		if err := getData.AddInvVect(inv); err != nil {
			return err
		}
	}
	if getData == nil {
		return nil
	}
	return conn.SendGetData(getData)
}

// HandleBlock builds a Block entity from the wire header, pairs it
// with its parsed transactions, and hands both to BlockChain.Add.
// Validation failures are logged and the block is dropped (spec.md
// §7); they are not propagated as a dispatch error.
func (n *Node) HandleBlock(ctx context.Context, msg *wire.MsgBlock) {
	txs := make([]*tx.Transaction, len(msg.Transactions))
	for i, mtx := range msg.Transactions {
		txs[i] = tx.FromWire(mtx)
	}

	b := block.New(
		uint32(msg.Header.Version),
		msg.Header.PrevBlock,
		msg.Header.MerkleRoot,
		uint32(msg.Header.Timestamp.Unix()),
		msg.Header.Bits,
		msg.Header.Nonce,
		txs,
	)

	if _, err := n.chain.Add(ctx, b, txs); err != nil {
		n.log.Warnf("block %s rejected: %v", b.Hash, err)
	}
}

// HandleTx short-circuits already-known hashes, otherwise submits to
// TransactionStore.Add and logs the asynchronous outcome, distinguishing
// an orphaned-on-missing-source result from an outright rejection
// (spec.md §4.5).
func (n *Node) HandleTx(ctx context.Context, msg *wire.MsgTx) {
	t := tx.FromWire(msg)
	if n.pool.IsKnown(t.Hash()) {
		return
	}

	_, result := n.pool.Add(ctx, t)
	go func() {
		r := <-result
		if r.Err == nil {
			return
		}
		var missing *chainerr.MissingSourceError
		if errors.As(r.Err, &missing) {
			n.log.Debugf("tx %s parked as orphan: missing source %s", t.Hash(), chainhash.Hash(missing.MissingTxHash))
			return
		}
		n.log.Warnf("tx %s rejected: %v", t.Hash(), r.Err)
	}()
}

// HandleGetData replies to type-1 (tx) entries present in the mempool.
// Type-2 (block) getdata is an acknowledged gap (spec.md §4.5): logged
// once per Node lifetime rather than once per request, so a peer
// replaying the same gap doesn't flood the log.
func (n *Node) HandleGetData(conn Connection, msg *wire.MsgGetData) error {
	for _, inv := range msg.InvList {
		switch inv.Type {
		case wire.InvTypeTx:
			t := n.pool.Get(inv.Hash)
			if t == nil {
				continue
			}
			if err := conn.SendTx(t.ToWire()); err != nil {
				return err
			}
		case wire.InvTypeBlock:
			n.getDataBlockGapOnce.Do(func() {
				n.log.Warnf("getdata: type-2 (block) requests are not served (acknowledged gap)")
			})
		}
	}
	return nil
}

// HandleGetBlocks resolves the requester's locator against the active
// chain and replies with an inv of up to MaxGetBlocksResponse
// subsequent hashes (spec.md §4.5).
func (n *Node) HandleGetBlocks(ctx context.Context, conn Connection, msg *wire.MsgGetBlocks) error {
	locator := make([]chainhash.Hash, len(msg.BlockLocatorHashes))
	for i, h := range msg.BlockLocatorHashes {
		locator[i] = *h
	}

	from, err := n.chain.GetBlockByLocator(ctx, locator)
	if err != nil {
		return err
	}
	hashes, err := n.chain.NextActiveHashes(ctx, from.Hash, MaxGetBlocksResponse)
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}

	inv := wire.NewMsgInv()
	for i := range hashes {
		if err := inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hashes[i])); err != nil {
			return err
		}
	}
	return conn.SendInv(inv)
}

// SendInv fans inv out to every active connection (spec.md §4.5
// broadcast: "sendInv(inv) fans the inv out to every active connection").
func (n *Node) SendInv(inv *wire.MsgInv) {
	for _, c := range n.peers.ActiveConnections() {
		if err := c.SendInv(inv); err != nil {
			n.log.Warnf("sendInv: %v", err)
		}
	}
}

// SendTx runs TransactionStore.Add for a locally-originated
// transaction; on acceptance it registers with the rebroadcaster (if
// any) and fans an inv to every peer.
func (n *Node) SendTx(ctx context.Context, t *tx.Transaction) error {
	_, result := n.pool.Add(ctx, t)
	r := <-result
	if r.Err != nil {
		return r.Err
	}

	h := t.Hash()
	if n.rebro != nil {
		n.rebro.Register(h)
	}

	inv := wire.NewMsgInv()
	if err := inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &h)); err != nil {
		return err
	}
	n.SendInv(inv)
	return nil
}
