// Package events replaces the source's string-keyed emitter (spec.md §9
// design note) with a finite set of typed event variants and,
// separately, a per-address subscription table for the mempool's
// txNotify:<addr>/txCancel:<addr> fan-out.
package events

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// BlockAddEvent is the pre-persist hook of spec.md §4.3 step 5.
// Listeners may return an error to abort admission of this block.
type BlockAddEvent struct {
	Block *block.Block
	Txs   []*tx.Transaction
}

// BlockSaveEvent fires once a block (and its transactions) are durably
// written and, if active, the tip has moved onto it.
type BlockSaveEvent struct {
	Block *block.Block
}

// BlockRevokeEvent fires for each block demoted off the active chain
// during a reorg.
type BlockRevokeEvent struct {
	Block *block.Block
}

// TxAddEvent fires once per transaction as its containing block is
// admitted onto the active chain.
type TxAddEvent struct {
	Tx    *tx.Transaction
	Block *block.Block
	Index int
}

// TxSaveEvent mirrors TxAddEvent once the transaction is durably stored.
type TxSaveEvent struct {
	Tx    *tx.Transaction
	Block *block.Block
	Index int
}

// TxRevokeEvent fires for each transaction in a block demoted during a
// reorg, before the block's own BlockRevokeEvent.
type TxRevokeEvent struct {
	Tx    *tx.Transaction
	Block *block.Block
	Index int
}

// TxNotifyEvent announces a mempool transaction's acceptance.
type TxNotifyEvent struct {
	Tx    *tx.Transaction
	Store string
}

// TxCancelEvent announces a mempool transaction's removal, whether by
// explicit Remove, confirmation, or conflict eviction.
type TxCancelEvent struct {
	Tx    *tx.Transaction
	Hash  chainhash.Hash
	Store string
}

// ChainBus is the BlockChain's typed event surface (spec.md §4.3):
// blockAdd, blockSave, blockRevoke, txAdd, txSave, txRevoke.
type ChainBus struct {
	mu sync.RWMutex

	onBlockAdd    []func(*BlockAddEvent) error
	onBlockSave   []func(*BlockSaveEvent)
	onBlockRevoke []func(*BlockRevokeEvent)
	onTxAdd       []func(*TxAddEvent)
	onTxSave      []func(*TxSaveEvent)
	onTxRevoke    []func(*TxRevokeEvent)
}

func NewChainBus() *ChainBus { return &ChainBus{} }

func (b *ChainBus) OnBlockAdd(fn func(*BlockAddEvent) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBlockAdd = append(b.onBlockAdd, fn)
}

func (b *ChainBus) OnBlockSave(fn func(*BlockSaveEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBlockSave = append(b.onBlockSave, fn)
}

func (b *ChainBus) OnBlockRevoke(fn func(*BlockRevokeEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBlockRevoke = append(b.onBlockRevoke, fn)
}

func (b *ChainBus) OnTxAdd(fn func(*TxAddEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTxAdd = append(b.onTxAdd, fn)
}

func (b *ChainBus) OnTxSave(fn func(*TxSaveEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTxSave = append(b.onTxSave, fn)
}

func (b *ChainBus) OnTxRevoke(fn func(*TxRevokeEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTxRevoke = append(b.onTxRevoke, fn)
}

// EmitBlockAdd runs every blockAdd listener in registration order,
// stopping and returning the first error (abort is fatal for this
// block, spec.md §4.3 step 5).
func (b *ChainBus) EmitBlockAdd(e *BlockAddEvent) error {
	b.mu.RLock()
	handlers := append([]func(*BlockAddEvent) error(nil), b.onBlockAdd...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (b *ChainBus) EmitBlockSave(e *BlockSaveEvent) {
	b.mu.RLock()
	handlers := append([]func(*BlockSaveEvent){}, b.onBlockSave...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (b *ChainBus) EmitBlockRevoke(e *BlockRevokeEvent) {
	b.mu.RLock()
	handlers := append([]func(*BlockRevokeEvent){}, b.onBlockRevoke...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (b *ChainBus) EmitTxAdd(e *TxAddEvent) {
	b.mu.RLock()
	handlers := append([]func(*TxAddEvent){}, b.onTxAdd...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (b *ChainBus) EmitTxSave(e *TxSaveEvent) {
	b.mu.RLock()
	handlers := append([]func(*TxSaveEvent){}, b.onTxSave...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (b *ChainBus) EmitTxRevoke(e *TxRevokeEvent) {
	b.mu.RLock()
	handlers := append([]func(*TxRevokeEvent){}, b.onTxRevoke...)
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

// PoolBus is the TransactionStore's typed event surface (spec.md §4.4):
// txNotify, txCancel, and their per-address variants.
type PoolBus struct {
	mu sync.RWMutex

	onNotify []func(*TxNotifyEvent)
	onCancel []func(*TxCancelEvent)

	onNotifyAddr map[string][]func(*TxNotifyEvent)
	onCancelAddr map[string][]func(*TxCancelEvent)
}

func NewPoolBus() *PoolBus {
	return &PoolBus{
		onNotifyAddr: make(map[string][]func(*TxNotifyEvent)),
		onCancelAddr: make(map[string][]func(*TxCancelEvent)),
	}
}

func (b *PoolBus) OnTxNotify(fn func(*TxNotifyEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onNotify = append(b.onNotify, fn)
}

func (b *PoolBus) OnTxCancel(fn func(*TxCancelEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCancel = append(b.onCancel, fn)
}

func (b *PoolBus) OnTxNotifyAddress(addr string, fn func(*TxNotifyEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onNotifyAddr[addr] = append(b.onNotifyAddr[addr], fn)
}

func (b *PoolBus) OnTxCancelAddress(addr string, fn func(*TxCancelEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCancelAddr[addr] = append(b.onCancelAddr[addr], fn)
}

// EmitTxNotify fires txNotify, then txNotify:<addr> for each address.
func (b *PoolBus) EmitTxNotify(e *TxNotifyEvent, addrs []string) {
	b.mu.RLock()
	handlers := append([]func(*TxNotifyEvent){}, b.onNotify...)
	addrHandlers := make(map[string][]func(*TxNotifyEvent), len(addrs))
	for _, a := range addrs {
		addrHandlers[a] = append([]func(*TxNotifyEvent){}, b.onNotifyAddr[a]...)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
	for _, a := range addrs {
		for _, fn := range addrHandlers[a] {
			fn(e)
		}
	}
}

// EmitTxCancel fires txCancel, then txCancel:<addr> for each address.
func (b *PoolBus) EmitTxCancel(e *TxCancelEvent, addrs []string) {
	b.mu.RLock()
	handlers := append([]func(*TxCancelEvent){}, b.onCancel...)
	addrHandlers := make(map[string][]func(*TxCancelEvent), len(addrs))
	for _, a := range addrs {
		addrHandlers[a] = append([]func(*TxCancelEvent){}, b.onCancelAddr[a]...)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
	for _, a := range addrs {
		for _, fn := range addrHandlers[a] {
			fn(e)
		}
	}
}
