// Package chain implements the BlockChain component of spec.md §4.3: tip
// tracking over the Storage collaborator, orphan-block buffering, and the
// admission pipeline (validate, attach, decide chain membership, reorg on
// a higher-work side chain).
package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/jayendramadaram/btc-node/internal/metrics"
	"github.com/jayendramadaram/btc-node/internal/storage"
	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/chainerr"
	"github.com/jayendramadaram/btc-node/pkg/events"
	"github.com/jayendramadaram/btc-node/pkg/logger"
	"github.com/jayendramadaram/btc-node/pkg/pow"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// AddStatus classifies the outcome of an Add call.
type AddStatus int

const (
	// AddRejected means the block failed validation or a collaborator
	// call failed; it was not stored.
	AddRejected AddStatus = iota
	// AddAccepted means the block is now known to Storage, whether or
	// not it is on the active chain.
	AddAccepted
	// AddPending means the block's parent is unknown; it was placed in
	// the orphan pool.
	AddPending
	// AddKnown means the block was already stored; Add was a no-op.
	AddKnown
)

type pendingBlock struct {
	Block *block.Block
	Txs   []*tx.Transaction
}

// Chain is the BlockChain component. A single mutex serializes every Add
// call (including the recursive orphan drain it may trigger), modeling
// the cooperative single-event-loop concurrency spec.md §5 assumes: two
// blocks are never validated, attached, or reorg'd concurrently against
// each other.
type Chain struct {
	store storage.Storage
	bus   *events.ChainBus

	genesis    *block.Block
	genesisTxs []*tx.Transaction
	log        *logger.CustomLogger

	mu                 sync.Mutex
	orphanBlocks       map[chainhash.Hash]pendingBlock
	orphanBlocksByPrev map[chainhash.Hash][]chainhash.Hash
}

// New constructs a Chain. genesis/genesisTxs are stored by Init if not
// already present.
func New(store storage.Storage, bus *events.ChainBus, genesis *block.Block, genesisTxs []*tx.Transaction) *Chain {
	return &Chain{
		store:              store,
		bus:                bus,
		genesis:            genesis,
		genesisTxs:         genesisTxs,
		log:                logger.NewDefaultLogger(),
		orphanBlocks:       make(map[chainhash.Hash]pendingBlock),
		orphanBlocksByPrev: make(map[chainhash.Hash][]chainhash.Hash),
	}
}

// Init stores the genesis block and its coinbase if Storage doesn't
// already know it. Node calls Init once during its own init state and,
// on success, advances to netConnect itself rather than waiting on a
// separate event — BlockChain has no other work to do before genesis is
// durable, so the synchronous call *is* the "initComplete" signal.
func (c *Chain) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	known, err := c.store.KnowsBlock(ctx, c.genesis.Hash)
	if err != nil {
		return &chainerr.StorageError{Op: "KnowsBlock", Err: err}
	}
	if known {
		return nil
	}

	g := *c.genesis
	g.Height = 0
	g.Active = true
	g.ChainWork = pow.Work(g.Bits)

	hashes := make([]chainhash.Hash, len(c.genesisTxs))
	for i, t := range c.genesisTxs {
		hashes[i] = t.Hash()
		if err := c.store.PutTx(ctx, t, g.Hash, i); err != nil {
			return &chainerr.StorageError{Op: "PutTx", Err: err}
		}
	}
	if err := c.store.PutBlock(ctx, &g, hashes); err != nil {
		return &chainerr.StorageError{Op: "PutBlock", Err: err}
	}
	if err := c.store.SetActiveTip(ctx, g.Hash); err != nil {
		return &chainerr.StorageError{Op: "SetActiveTip", Err: err}
	}
	c.bus.EmitBlockSave(&events.BlockSaveEvent{Block: &g})
	return nil
}

// Add runs the spec.md §4.3 admission pipeline for b: no-op if already
// known, validate, attach to its parent (or park as an orphan), decide
// chain membership, then drain any orphans that were waiting on b.
func (c *Chain) Add(ctx context.Context, b *block.Block, txs []*tx.Transaction) (AddStatus, error) {
	started := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.addOne(ctx, b, txs)
	metrics.ObserveAddBlock(statusLabel(status), started)
	if status == AddAccepted {
		metrics.ObserveBlockAdded(activeLabel(b.Active))
		c.drainOrphans(ctx, b.Hash)
	}
	return status, err
}

// activeLabel distinguishes an AddAccepted block that moved the active
// tip from one that was merely stored on a side chain, the "active" vs.
// "sidechain" split metrics.ObserveBlockAdded's label promises.
func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "sidechain"
}

func statusLabel(s AddStatus) string {
	switch s {
	case AddAccepted:
		return "accepted"
	case AddPending:
		return "pending"
	case AddKnown:
		return "known"
	default:
		return "rejected"
	}
}

// addOne runs one pass of the pipeline without touching the orphan pool's
// downstream children; callers (Add, drainOrphans) decide whether to
// recurse.
func (c *Chain) addOne(ctx context.Context, b *block.Block, txs []*tx.Transaction) (AddStatus, error) {
	known, err := c.store.KnowsBlock(ctx, b.Hash)
	if err != nil {
		return AddRejected, &chainerr.StorageError{Op: "KnowsBlock", Err: err}
	}
	if known {
		return AddKnown, nil
	}

	if err := block.Validate(b, txs, time.Now()); err != nil {
		return AddRejected, err
	}

	// A block claiming the zero-prevhash genesis sentinel is only valid
	// if it actually is this chain's genesis (already known, handled
	// above); anything else is a spoofed genesis and would otherwise sit
	// forever as an unparentable orphan.
	if b.IsGenesis() {
		return AddRejected, chainerr.ErrInvalidStructure
	}

	parent, err := c.store.GetBlockByHash(ctx, b.PrevHash)
	if errors.Is(err, storage.ErrNotFound) {
		c.addOrphan(b, txs)
		return AddPending, nil
	}
	if err != nil {
		return AddRejected, &chainerr.StorageError{Op: "GetBlockByHash", Err: err}
	}

	b.Height = parent.Height + 1
	b.ChainWork = pow.SumWork(parent.ChainWork, b.Bits)

	if err := c.bus.EmitBlockAdd(&events.BlockAddEvent{Block: b, Txs: txs}); err != nil {
		return AddRejected, err
	}

	tipHash, err := c.store.ActiveTip(ctx)
	if err != nil {
		return AddRejected, &chainerr.StorageError{Op: "ActiveTip", Err: err}
	}

	if tipHash == b.PrevHash {
		b.Active = true
		if err := c.persistAndActivate(ctx, b, txs); err != nil {
			return AddRejected, err
		}
		return AddAccepted, nil
	}

	tipBlock, err := c.store.GetBlockByHash(ctx, tipHash)
	if err != nil {
		return AddRejected, &chainerr.StorageError{Op: "GetBlockByHash", Err: err}
	}

	if b.ChainWork.Cmp(tipBlock.ChainWork) > 0 {
		if err := c.reorg(ctx, tipBlock, b, txs); err != nil {
			return AddRejected, err
		}
		return AddAccepted, nil
	}

	// Side chain: stored but not active. A strict ">" above means equal
	// work favors the incumbent tip, so b stays inactive here too.
	// Its transactions are stored too (without tx events), so a later
	// reorg onto this branch can load them back by hash.
	b.Active = false
	for i, t := range txs {
		if err := c.store.PutTx(ctx, t, b.Hash, i); err != nil {
			return AddRejected, &chainerr.StorageError{Op: "PutTx", Err: err}
		}
	}
	hashes := txHashes(txs)
	if err := c.store.PutBlock(ctx, b, hashes); err != nil {
		return AddRejected, &chainerr.StorageError{Op: "PutBlock", Err: err}
	}
	c.bus.EmitBlockSave(&events.BlockSaveEvent{Block: b})
	return AddAccepted, nil
}

// persistAndActivate writes b and its transactions and moves the active
// tip onto b, emitting txAdd/txSave per transaction (in that order, each
// flanking the transaction's own PutTx) followed by blockSave.
func (c *Chain) persistAndActivate(ctx context.Context, b *block.Block, txs []*tx.Transaction) error {
	for i, t := range txs {
		c.bus.EmitTxAdd(&events.TxAddEvent{Tx: t, Block: b, Index: i})
		if err := c.store.PutTx(ctx, t, b.Hash, i); err != nil {
			return &chainerr.StorageError{Op: "PutTx", Err: err}
		}
		c.bus.EmitTxSave(&events.TxSaveEvent{Tx: t, Block: b, Index: i})
	}
	if err := c.store.PutBlock(ctx, b, txHashes(txs)); err != nil {
		return &chainerr.StorageError{Op: "PutBlock", Err: err}
	}
	if err := c.store.SetActiveTip(ctx, b.Hash); err != nil {
		return &chainerr.StorageError{Op: "SetActiveTip", Err: err}
	}
	c.bus.EmitBlockSave(&events.BlockSaveEvent{Block: b})
	return nil
}

// reorg demotes the branch rooted at oldTip down to (exclusive) the fork
// point, then promotes the branch from the fork point up to newTip,
// finally moving the active tip to newTip. newTxs are the transactions of
// newTip itself (already in hand from the Add call); every other block on
// the applied branch was already stored, inactive, by an earlier Add.
// The steps are written to Storage one at a time: a Storage failure part
// way through returns the error and leaves the writes already made in
// place; they are not rolled back.
func (c *Chain) reorg(ctx context.Context, oldTip, newTip *block.Block, newTxs []*tx.Transaction) error {
	revokePath, applyPath, err := c.forkPaths(ctx, oldTip, newTip)
	if err != nil {
		return err
	}

	for _, rb := range revokePath {
		hashes, err := c.store.GetBlockTxHashes(ctx, rb.Hash)
		if err != nil {
			return &chainerr.StorageError{Op: "GetBlockTxHashes", Err: err}
		}
		for i, h := range hashes {
			t, err := c.store.GetTx(ctx, h)
			if err != nil {
				return &chainerr.StorageError{Op: "GetTx", Err: err}
			}
			c.bus.EmitTxRevoke(&events.TxRevokeEvent{Tx: t, Block: rb, Index: i})
		}
		rb.Active = false
		if err := c.store.PutBlock(ctx, rb, hashes); err != nil {
			return &chainerr.StorageError{Op: "PutBlock", Err: err}
		}
		c.bus.EmitBlockRevoke(&events.BlockRevokeEvent{Block: rb})
	}

	for _, ab := range applyPath {
		var txs []*tx.Transaction
		var hashes []chainhash.Hash
		if ab.Hash == newTip.Hash {
			txs = newTxs
			hashes = txHashes(txs)
		} else {
			hashes, err = c.store.GetBlockTxHashes(ctx, ab.Hash)
			if err != nil {
				return &chainerr.StorageError{Op: "GetBlockTxHashes", Err: err}
			}
			for _, h := range hashes {
				t, err := c.store.GetTx(ctx, h)
				if err != nil {
					return &chainerr.StorageError{Op: "GetTx", Err: err}
				}
				txs = append(txs, t)
			}
		}

		ab.Active = true
		for i, t := range txs {
			c.bus.EmitTxAdd(&events.TxAddEvent{Tx: t, Block: ab, Index: i})
			if err := c.store.PutTx(ctx, t, ab.Hash, i); err != nil {
				return &chainerr.StorageError{Op: "PutTx", Err: err}
			}
			c.bus.EmitTxSave(&events.TxSaveEvent{Tx: t, Block: ab, Index: i})
		}
		if err := c.store.PutBlock(ctx, ab, hashes); err != nil {
			return &chainerr.StorageError{Op: "PutBlock", Err: err}
		}
		c.bus.EmitBlockSave(&events.BlockSaveEvent{Block: ab})
	}

	if err := c.store.SetActiveTip(ctx, newTip.Hash); err != nil {
		return &chainerr.StorageError{Op: "SetActiveTip", Err: err}
	}
	metrics.ObserveReorg(len(revokePath))
	return nil
}

// forkPaths walks both branches back to their lowest common ancestor.
// revoke is oldTip..fork+1 in descending-height order (the order spec.md
// §4.3 revokes in); apply is fork+1..newTip in ascending-height order.
func (c *Chain) forkPaths(ctx context.Context, oldTip, newTip *block.Block) (revoke, apply []*block.Block, err error) {
	a, b := oldTip, newTip

	for a.Height > b.Height {
		revoke = append(revoke, a)
		if a, err = c.store.GetBlockByHash(ctx, a.PrevHash); err != nil {
			return nil, nil, &chainerr.StorageError{Op: "GetBlockByHash", Err: err}
		}
	}
	for b.Height > a.Height {
		apply = append(apply, b)
		if b, err = c.store.GetBlockByHash(ctx, b.PrevHash); err != nil {
			return nil, nil, &chainerr.StorageError{Op: "GetBlockByHash", Err: err}
		}
	}
	for a.Hash != b.Hash {
		revoke = append(revoke, a)
		apply = append(apply, b)
		if a, err = c.store.GetBlockByHash(ctx, a.PrevHash); err != nil {
			return nil, nil, &chainerr.StorageError{Op: "GetBlockByHash", Err: err}
		}
		if b, err = c.store.GetBlockByHash(ctx, b.PrevHash); err != nil {
			return nil, nil, &chainerr.StorageError{Op: "GetBlockByHash", Err: err}
		}
	}

	for i, j := 0, len(apply)-1; i < j; i, j = i+1, j-1 {
		apply[i], apply[j] = apply[j], apply[i]
	}
	return revoke, apply, nil
}

func txHashes(txs []*tx.Transaction) []chainhash.Hash {
	out := make([]chainhash.Hash, len(txs))
	for i, t := range txs {
		out[i] = t.Hash()
	}
	return out
}

func (c *Chain) addOrphan(b *block.Block, txs []*tx.Transaction) {
	if _, exists := c.orphanBlocks[b.Hash]; exists {
		return
	}
	c.orphanBlocks[b.Hash] = pendingBlock{Block: b, Txs: txs}
	c.orphanBlocksByPrev[b.PrevHash] = append(c.orphanBlocksByPrev[b.PrevHash], b.Hash)
	metrics.SetOrphanBlocks(len(c.orphanBlocks))
}

// drainOrphans re-feeds, breadth-first, every orphan whose prev_hash
// chains back to parentHash, to a fixpoint: accepting one orphan may
// unblock others that were waiting on it.
func (c *Chain) drainOrphans(ctx context.Context, parentHash chainhash.Hash) {
	queue := []chainhash.Hash{parentHash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		children := c.orphanBlocksByPrev[h]
		delete(c.orphanBlocksByPrev, h)
		for _, childHash := range children {
			pending, ok := c.orphanBlocks[childHash]
			if !ok {
				continue
			}
			delete(c.orphanBlocks, childHash)

			status, err := c.addOne(ctx, pending.Block, pending.Txs)
			if err != nil {
				c.log.Errorf("orphan block %s rejected on drain: %v", childHash, err)
				continue
			}
			if status == AddAccepted {
				queue = append(queue, childHash)
			}
		}
	}
	metrics.SetOrphanBlocks(len(c.orphanBlocks))
}

// GetBlockByHash exposes a direct Storage lookup for callers that
// already have a hash in hand.
func (c *Chain) GetBlockByHash(ctx context.Context, h chainhash.Hash) (*block.Block, error) {
	return c.store.GetBlockByHash(ctx, h)
}

// KnowsBlock exposes a direct Storage presence check for Node's inv
// dispatch (spec.md §4.5: "for each type-2 inv, query Storage
// asynchronously").
func (c *Chain) KnowsBlock(ctx context.Context, h chainhash.Hash) (bool, error) {
	return c.store.KnowsBlock(ctx, h)
}

// ActiveTip returns the current active tip block.
func (c *Chain) ActiveTip(ctx context.Context) (*block.Block, error) {
	h, err := c.store.ActiveTip(ctx)
	if err != nil {
		return nil, err
	}
	return c.store.GetBlockByHash(ctx, h)
}

// GetBlockByLocator returns the first locator hash present and active on
// the chain, falling back to genesis (spec.md §4.3).
func (c *Chain) GetBlockByLocator(ctx context.Context, locator []chainhash.Hash) (*block.Block, error) {
	for _, h := range locator {
		b, err := c.store.GetBlockByHash(ctx, h)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if b.Active {
			return b, nil
		}
	}
	return c.store.GetBlockByHash(ctx, c.genesis.Hash)
}

// NextActiveHashes returns up to limit active-chain block hashes
// immediately following after, for answering a getblocks request with an
// inv message.
func (c *Chain) NextActiveHashes(ctx context.Context, after chainhash.Hash, limit int) ([]chainhash.Hash, error) {
	afterBlock, err := c.store.GetBlockByHash(ctx, after)
	if err != nil {
		return nil, err
	}
	tip, err := c.ActiveTip(ctx)
	if err != nil {
		return nil, err
	}

	var out []chainhash.Hash
	for h := afterBlock.Height + 1; h <= tip.Height && len(out) < limit; h++ {
		hash, err := c.store.GetHashByHeight(ctx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, hash)
	}
	return out, nil
}

// MakeBlockObject builds a Block entity from header fields plus its
// transactions, for callers assembling a candidate block off the wire
// before handing it to Add. It is a thin alias for block.New, which
// Node.HandleBlock calls directly.
func MakeBlockObject(version uint32, prevHash, merkleRoot chainhash.Hash, timestamp, bits, nonce uint32, txs []*tx.Transaction) *block.Block {
	return block.New(version, prevHash, merkleRoot, timestamp, bits, nonce, txs)
}
