package storage

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// Memory is an in-process Storage implementation used by regtest-style
// runs and by internal/chain and internal/mempool's unit tests. It
// carries no third-party dependency because it exists purely to satisfy
// the Storage interface with plain Go maps; the durable implementation
// is Mongo (see mongo.go).
type Memory struct {
	mu sync.RWMutex

	blocks    map[chainhash.Hash]*block.Block
	byPrev    map[chainhash.Hash][]chainhash.Hash
	byHeight  map[int32]chainhash.Hash
	blockTxs  map[chainhash.Hash][]chainhash.Hash
	txs       map[chainhash.Hash]*tx.Transaction
	activeTip chainhash.Hash
	hasTip    bool
}

func NewMemory() *Memory {
	return &Memory{
		blocks:   make(map[chainhash.Hash]*block.Block),
		byPrev:   make(map[chainhash.Hash][]chainhash.Hash),
		byHeight: make(map[int32]chainhash.Hash),
		blockTxs: make(map[chainhash.Hash][]chainhash.Hash),
		txs:      make(map[chainhash.Hash]*tx.Transaction),
	}
}

func (m *Memory) PutBlock(_ context.Context, b *block.Block, txHashes []chainhash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	if _, exists := m.blocks[b.Hash]; !exists {
		m.byPrev[b.PrevHash] = append(m.byPrev[b.PrevHash], b.Hash)
	}
	m.blocks[b.Hash] = &cp
	if txHashes != nil {
		m.blockTxs[b.Hash] = txHashes
	}
	if b.Active {
		m.byHeight[b.Height] = b.Hash
	}
	return nil
}

func (m *Memory) GetBlockTxHashes(_ context.Context, h chainhash.Hash) ([]chainhash.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hashes, ok := m.blockTxs[h]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]chainhash.Hash, len(hashes))
	copy(out, hashes)
	return out, nil
}

func (m *Memory) GetBlockByHash(_ context.Context, h chainhash.Hash) (*block.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[h]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) GetBlocksByPrev(_ context.Context, prev chainhash.Hash) ([]*block.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hashes := m.byPrev[prev]
	out := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		if b, ok := m.blocks[h]; ok {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) KnowsBlock(_ context.Context, h chainhash.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[h]
	return ok, nil
}

func (m *Memory) PutTx(_ context.Context, t *tx.Transaction, blockHash chainhash.Hash, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = blockHash
	_ = index
	m.txs[t.Hash()] = t
	return nil
}

func (m *Memory) GetTx(_ context.Context, h chainhash.Hash) (*tx.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[h]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *Memory) GetHashByHeight(_ context.Context, height int32) (chainhash.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byHeight[height]
	if !ok {
		return chainhash.Hash{}, ErrNotFound
	}
	return h, nil
}

func (m *Memory) ActiveTip(_ context.Context) (chainhash.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasTip {
		return chainhash.Hash{}, ErrNotFound
	}
	return m.activeTip, nil
}

func (m *Memory) SetActiveTip(_ context.Context, h chainhash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeTip = h
	m.hasTip = true
	return nil
}
