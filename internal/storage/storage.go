// Package storage is the Storage collaborator of spec.md §6: an opaque
// durable map from hash to block and hash to transaction, plus the
// indexed lookups (by prev_hash, by height) BlockChain needs for orphan
// draining and locator resolution. Hashes are stored as raw 32-byte
// keys, not base58 strings, per the "hash-as-key" design note.
package storage

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// ErrNotFound is returned by the Get* methods when the key is absent.
// It is not a StorageError: a miss is an expected outcome the caller
// (BlockChain, TransactionStore) interprets, not a collaborator failure.
var ErrNotFound = errors.New("storage: not found")

// Storage is the opaque collaborator interface of spec.md §6.
type Storage interface {
	// PutBlock durably writes b, indexed by its own hash and by
	// b.PrevHash for GetBlocksByPrev, along with the ordered hashes of
	// the transactions it contains (the reorg path needs to re-walk a
	// previously-stored block's transactions without holding them all
	// in memory, an index spec.md §6 gestures at with "a way to
	// enumerate the active chain" without naming). If b.Active, it also
	// becomes addressable by height for GetHashByHeight.
	PutBlock(ctx context.Context, b *block.Block, txHashes []chainhash.Hash) error

	GetBlockByHash(ctx context.Context, h chainhash.Hash) (*block.Block, error)
	GetBlocksByPrev(ctx context.Context, prev chainhash.Hash) ([]*block.Block, error)
	KnowsBlock(ctx context.Context, h chainhash.Hash) (bool, error)
	GetBlockTxHashes(ctx context.Context, h chainhash.Hash) ([]chainhash.Hash, error)

	// PutTx writes t, recording the block it confirmed in and its
	// position within that block.
	PutTx(ctx context.Context, t *tx.Transaction, blockHash chainhash.Hash, index int) error
	GetTx(ctx context.Context, h chainhash.Hash) (*tx.Transaction, error)

	// GetHashByHeight resolves a height to the hash of the block at
	// that height on the active chain, for locator building.
	GetHashByHeight(ctx context.Context, height int32) (chainhash.Hash, error)

	// ActiveTip returns the current active tip's hash, or ErrNotFound
	// before genesis has been stored.
	ActiveTip(ctx context.Context) (chainhash.Hash, error)
	SetActiveTip(ctx context.Context, h chainhash.Hash) error
}
