// Package mempool implements the TransactionStore of spec.md §4.4: a
// tri-state (verifying/accepted/orphan) map keyed by transaction hash,
// with in-flight verification deduplication, orphan promotion, and
// conflict eviction on confirmation.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/sync/singleflight"

	"github.com/jayendramadaram/btc-node/internal/metrics"
	"github.com/jayendramadaram/btc-node/internal/storage"
	"github.com/jayendramadaram/btc-node/internal/workerpool"
	"github.com/jayendramadaram/btc-node/pkg/addressindex"
	"github.com/jayendramadaram/btc-node/pkg/chainerr"
	"github.com/jayendramadaram/btc-node/pkg/events"
	"github.com/jayendramadaram/btc-node/pkg/logger"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// Result is delivered to every waiter once a transaction's verification
// (or synchronous rejection) settles.
type Result struct {
	Tx  *tx.Transaction
	Err error
}

type entryState int

const (
	stateAccepted entryState = iota
	stateOrphan
)

type entry struct {
	state     entryState
	tx        *tx.Transaction
	firstSeen time.Time
	missing   chainhash.Hash // valid when state == stateOrphan
}

// Pool is the TransactionStore. A single mutex guards the tri-state map
// and the orphan/address indices; the expensive part of verification
// (script execution) happens outside the lock, on internal/workerpool,
// with exactly one verification per hash enforced by singleflight.Group.
type Pool struct {
	store   storage.Storage
	bus     *events.PoolBus
	workers *workerpool.Pool
	params  *chaincfg.Params
	live    bool
	log     *logger.CustomLogger

	sf singleflight.Group

	mu                  sync.Mutex
	entries             map[chainhash.Hash]*entry
	verifying           map[chainhash.Hash]bool
	pendingRemoval      map[chainhash.Hash]bool
	orphanByMissingPrev map[chainhash.Hash][]chainhash.Hash
	addressIndex        map[string][]chainhash.Hash
}

// New constructs a Pool. liveAccounting gates per-address indexing and
// the txNotify:<addr>/txCancel:<addr> event variants (feature.live_accounting).
func New(store storage.Storage, bus *events.PoolBus, workers *workerpool.Pool, params *chaincfg.Params, liveAccounting bool) *Pool {
	return &Pool{
		store:               store,
		bus:                 bus,
		workers:             workers,
		params:              params,
		live:                liveAccounting,
		log:                 logger.NewDefaultLogger(),
		entries:             make(map[chainhash.Hash]*entry),
		verifying:           make(map[chainhash.Hash]bool),
		pendingRemoval:      make(map[chainhash.Hash]bool),
		orphanByMissingPrev: make(map[chainhash.Hash][]chainhash.Hash),
		addressIndex:        make(map[string][]chainhash.Hash),
	}
}

// Add runs the spec.md §4.4 add contract. wasNew is true only for the
// caller that actually launched verification; every caller, new or not,
// receives the eventual (or immediate) result on the returned channel.
func (p *Pool) Add(ctx context.Context, t *tx.Transaction) (wasNew bool, result <-chan Result) {
	h := t.Hash()

	p.mu.Lock()
	if e, ok := p.entries[h]; ok {
		p.mu.Unlock()
		switch e.state {
		case stateAccepted:
			return false, immediate(Result{Tx: e.tx})
		case stateOrphan:
			return false, immediate(Result{Tx: e.tx, Err: &chainerr.MissingSourceError{MissingTxHash: e.missing}})
		}
	}
	alreadyVerifying := p.verifying[h]
	if !alreadyVerifying {
		p.verifying[h] = true
	}
	p.mu.Unlock()

	if !alreadyVerifying {
		if t.IsCoinbase() {
			p.mu.Lock()
			delete(p.verifying, h)
			p.mu.Unlock()
			return false, immediate(Result{Err: fmt.Errorf("coinbase outside block: %w", chainerr.ErrInvalidStructure)})
		}
		if !isStandard(t) {
			p.mu.Lock()
			delete(p.verifying, h)
			p.mu.Unlock()
			return false, immediate(Result{Err: chainerr.ErrNonStandard})
		}
	}

	out := make(chan Result, 1)
	sfCh := p.sf.DoChan(h.String(), func() (interface{}, error) {
		return p.verify(ctx, t), nil
	})
	go func() {
		r := <-sfCh
		out <- r.Val.(Result)
		close(out)
	}()

	return !alreadyVerifying, out
}

func immediate(r Result) <-chan Result {
	ch := make(chan Result, 1)
	ch <- r
	close(ch)
	return ch
}

// verify resolves every input's source, runs script verification, and
// commits the transaction to accepted/orphan state. It always runs on
// singleflight's goroutine, at most once per hash at a time.
func (p *Pool) verify(ctx context.Context, t *tx.Transaction) Result {
	started := time.Now()
	h := t.Hash()

	sources := make([]*tx.Out, len(t.Ins))
	for i, in := range t.Ins {
		src, err := p.resolveSource(ctx, in)
		if err != nil {
			var missing *chainerr.MissingSourceError
			if errors.As(err, &missing) {
				p.commitOrphan(h, t, missing.MissingTxHash)
				metrics.ObserveVerify("orphan", started)
				return Result{Tx: t, Err: err}
			}
			p.clearVerifying(h)
			metrics.ObserveVerify("rejected", started)
			return Result{Err: err}
		}
		sources[i] = src
	}

	if err := p.verifyScripts(t, sources); err != nil {
		p.clearVerifying(h)
		metrics.ObserveVerify("rejected", started)
		return Result{Err: err}
	}

	addrs, removed := p.commitAccepted(h, t, sources, started)
	metrics.ObserveVerify("accepted", started)
	metrics.SetMempoolSize(p.acceptedCount())

	if removed {
		// Confirmed on-chain while verification was still in flight
		// (spec.md §4.4: "if verifying, schedule removal after
		// verification completes"). It never becomes a live mempool
		// entry, so txCancel fires instead of txNotify.
		p.bus.EmitTxCancel(&events.TxCancelEvent{Tx: t, Hash: h, Store: "mempool"}, p.addressesFor(t))
	} else {
		p.bus.EmitTxNotify(&events.TxNotifyEvent{Tx: t, Store: "mempool"}, addrs)
	}
	p.promoteOrphans(ctx, h)
	return Result{Tx: t}
}

// resolveSource finds the output an input spends, checking other
// accepted mempool entries first, then Storage.
func (p *Pool) resolveSource(ctx context.Context, in tx.In) (*tx.Out, error) {
	p.mu.Lock()
	if e, ok := p.entries[in.PrevOut.Hash]; ok && e.state == stateAccepted {
		if int(in.PrevOut.Index) < len(e.tx.Outs) {
			out := e.tx.Outs[in.PrevOut.Index]
			p.mu.Unlock()
			return &out, nil
		}
	}
	p.mu.Unlock()

	prevTx, err := p.store.GetTx(ctx, in.PrevOut.Hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &chainerr.MissingSourceError{MissingTxHash: in.PrevOut.Hash}
	}
	if err != nil {
		return nil, &chainerr.StorageError{Op: "GetTx", Err: err}
	}
	if int(in.PrevOut.Index) >= len(prevTx.Outs) {
		return nil, &chainerr.MissingSourceError{MissingTxHash: in.PrevOut.Hash}
	}
	out := prevTx.Outs[in.PrevOut.Index]
	return &out, nil
}

// verifyScripts runs one txscript engine per input, fanned out over
// internal/workerpool so verification never blocks the event-loop
// goroutine that called Add.
func (p *Pool) verifyScripts(t *tx.Transaction, sources []*tx.Out) error {
	if len(t.Ins) == 0 {
		return nil
	}
	mtx := t.ToWire()

	var wg sync.WaitGroup
	errs := make([]error, len(t.Ins))
	for i := range t.Ins {
		i := i
		wg.Add(1)
		p.workers.Submit(func(context.Context) {
			defer wg.Done()
			// hashCache is nil: pkg/tx's canonical serialization drops
			// witness data (Serialize uses SerializeNoWitness), so there
			// is never a BIP143 sighash cache to prime.
			prevOutFetcher := txscript.NewCannedPrevOutputFetcher(sources[i].Script, sources[i].Value)
			engine, err := txscript.NewEngine(sources[i].Script, mtx, i,
				txscript.StandardVerifyFlags, nil, nil, sources[i].Value, prevOutFetcher)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = engine.Execute()
		})
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return fmt.Errorf("%w: %v", chainerr.ErrNonStandard, e)
		}
	}
	return nil
}

func (p *Pool) commitOrphan(h chainhash.Hash, t *tx.Transaction, missing chainhash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.verifying, h)
	delete(p.pendingRemoval, h)
	p.entries[h] = &entry{state: stateOrphan, tx: t, missing: missing}
	p.orphanByMissingPrev[missing] = append(p.orphanByMissingPrev[missing], h)
	metrics.SetOrphanTxs(len(p.orphanByMissingPrev))
}

func (p *Pool) clearVerifying(h chainhash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.verifying, h)
	delete(p.pendingRemoval, h)
}

// commitAccepted transitions h to accepted and, when live accounting is
// on, indexes it by every address derivable from its outputs and its
// resolved input sources, returning that address set for the caller to
// fan txNotify:<addr> over (nil when live accounting is off). If h was marked for removal while it was
// still verifying (spec.md §4.4's deferred-removal case — confirmed
// on-chain before its own verification settled), the entry is never
// installed and removed is true instead.
func (p *Pool) commitAccepted(h chainhash.Hash, t *tx.Transaction, sources []*tx.Out, firstSeen time.Time) (addrs []string, removed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.verifying, h)

	if p.pendingRemoval[h] {
		delete(p.pendingRemoval, h)
		return nil, true
	}

	p.entries[h] = &entry{state: stateAccepted, tx: t, firstSeen: firstSeen}

	if !p.live || p.params == nil {
		return nil, false
	}
	seen := make(map[string]bool)
	collect := func(script []byte) {
		for _, a := range addressindex.FromScript(script, p.params) {
			if !seen[a] {
				seen[a] = true
				addrs = append(addrs, a)
				p.addressIndex[a] = append(p.addressIndex[a], h)
			}
		}
	}
	for _, out := range t.Outs {
		collect(out.Script)
	}
	for _, src := range sources {
		if src != nil {
			collect(src.Script)
		}
	}
	return addrs, false
}

// promoteOrphans re-feeds every orphan waiting on h now that h is
// accepted, removing them from the orphan index first (spec.md §4.4).
func (p *Pool) promoteOrphans(ctx context.Context, h chainhash.Hash) {
	p.mu.Lock()
	waiting := p.orphanByMissingPrev[h]
	delete(p.orphanByMissingPrev, h)
	var toPromote []*tx.Transaction
	for _, oh := range waiting {
		if e, ok := p.entries[oh]; ok && e.state == stateOrphan {
			toPromote = append(toPromote, e.tx)
			delete(p.entries, oh)
		}
	}
	metrics.SetOrphanTxs(len(p.orphanByMissingPrev))
	p.mu.Unlock()

	for _, ot := range toPromote {
		_, ch := p.Add(ctx, ot)
		go func(c <-chan Result) { <-c }(ch)
	}
}

// Get returns the accepted transaction synchronously, or nil if it is
// verifying, orphaned, or unknown.
func (p *Pool) Get(h chainhash.Hash) *tx.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[h]; ok && e.state == stateAccepted {
		return e.tx
	}
	return nil
}

// IsKnown is true for verifying, accepted, or orphan entries.
func (p *Pool) IsKnown(h chainhash.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifying[h] {
		return true
	}
	_, ok := p.entries[h]
	return ok
}

// Remove drops an accepted entry, emitting txCancel and its per-address
// variants. For a hash still in the verifying state it schedules
// removal instead of dropping the request (spec.md §4.4): commitAccepted
// checks pendingRemoval once verification settles and, only if it
// succeeds, removes the entry immediately rather than letting it linger
// in the pool past its own on-chain confirmation. It is a true no-op
// only for hashes that are neither accepted nor verifying (orphan or
// unknown).
func (p *Pool) Remove(h chainhash.Hash) {
	p.mu.Lock()
	if e, ok := p.entries[h]; ok && e.state == stateAccepted {
		delete(p.entries, h)
		addrs := p.addressesFor(e.tx)
		p.mu.Unlock()

		metrics.SetMempoolSize(p.acceptedCount())
		p.bus.EmitTxCancel(&events.TxCancelEvent{Tx: e.tx, Hash: h, Store: "mempool"}, addrs)
		return
	}
	if p.verifying[h] {
		p.pendingRemoval[h] = true
	}
	p.mu.Unlock()
}

func (p *Pool) addressesFor(t *tx.Transaction) []string {
	if !p.live || p.params == nil {
		return nil
	}
	seen := make(map[string]bool)
	var addrs []string
	for _, out := range t.Outs {
		for _, a := range addressindex.FromScript(out.Script, p.params) {
			if !seen[a] {
				seen[a] = true
				addrs = append(addrs, a)
			}
		}
	}
	return addrs
}

func (p *Pool) acceptedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.state == stateAccepted {
			n++
		}
	}
	return n
}

// HandleTxAdd is the txAdd listener BlockChain invokes as a transaction
// is admitted onto the active chain: it evicts the now-confirmed
// transaction from the pool and recursively evicts any mempool
// transaction that conflicted with one of its inputs.
func (p *Pool) HandleTxAdd(e *events.TxAddEvent) {
	h := e.Tx.Hash()
	p.Remove(h)

	for _, in := range e.Tx.Ins {
		if in.PrevOut.IsNull() {
			continue
		}
		p.evictSpenders(in.PrevOut)
	}
}

// evictSpenders removes, recursively, every mempool transaction that
// spends outpoint — a conflict now that it has been spent on-chain —
// along with anything in the mempool that in turn spent one of the
// evicted transaction's own outputs.
func (p *Pool) evictSpenders(outpoint tx.Outpoint) {
	p.mu.Lock()
	var conflict chainhash.Hash
	var conflictTx *tx.Transaction
	found := false
	for hash, e := range p.entries {
		if e.state != stateAccepted {
			continue
		}
		for _, in := range e.tx.Ins {
			if in.PrevOut == outpoint {
				conflict, conflictTx, found = hash, e.tx, true
				break
			}
		}
		if found {
			break
		}
	}
	p.mu.Unlock()

	if !found {
		return
	}
	p.Remove(conflict)
	for i := range conflictTx.Outs {
		p.evictSpenders(tx.Outpoint{Hash: conflict, Index: uint32(i)})
	}
}

// isStandard rejects the handful of shapes spec.md §4.4 calls out as
// non-standard: a transaction with no outputs, and oversized scripts on
// either side that would make script verification needlessly expensive.
// Empty scripts are accepted. This is
// intentionally looser than Bitcoin Core's full standardness policy —
// spec.md's Non-goals exclude "non-standard script acceptance" as a
// feature, not a policy surface this implementation owns in full.
func isStandard(t *tx.Transaction) bool {
	const maxScriptSize = 10000
	if len(t.Outs) == 0 {
		return false
	}
	for _, in := range t.Ins {
		if len(in.Script) > maxScriptSize {
			return false
		}
	}
	for _, out := range t.Outs {
		if len(out.Script) > maxScriptSize {
			return false
		}
	}
	return true
}
