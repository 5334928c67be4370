package storage

import (
	"context"
	"math/big"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/jayendramadaram/btc-node/pkg/block"
	"github.com/jayendramadaram/btc-node/pkg/tx"
)

// Mongo is the durable Storage implementation, generalized from the
// teacher's database/conn.go and database/store.go: raw 32-byte hash
// keys instead of hex/base58 strings, and the full spec.md §3 Block
// fields instead of a block-explorer row shape.
type Mongo struct {
	blocks *mongo.Collection
	txs    *mongo.Collection
	tips   *mongo.Collection
}

// Connect dials uri and pings it, mirroring the teacher's
// NewMongoDBConnection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// NewMongo wires up the blocks/txs/tips collections and their indices.
func NewMongo(ctx context.Context, client *mongo.Client, database string) (*Mongo, error) {
	db := client.Database(database)
	m := &Mongo{
		blocks: db.Collection("blocks"),
		txs:    db.Collection("transactions"),
		tips:   db.Collection("tips"),
	}

	_, err := m.blocks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "prev_hash", Value: 1}}},
		{Keys: bson.D{{Key: "height", Value: 1}, {Key: "active", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

type blockDoc struct {
	Hash       []byte   `bson:"_id"`
	Version    uint32   `bson:"version"`
	PrevHash   []byte   `bson:"prev_hash"`
	MerkleRoot []byte   `bson:"merkle_root"`
	Timestamp  uint32   `bson:"timestamp"`
	Bits       uint32   `bson:"bits"`
	Nonce      uint32   `bson:"nonce"`
	Height     int32    `bson:"height"`
	Size       uint32   `bson:"size"`
	Active     bool     `bson:"active"`
	ChainWork  []byte   `bson:"chain_work"`
	TxHashes   [][]byte `bson:"tx_hashes,omitempty"`
}

func toBlockDoc(b *block.Block, txHashes []chainhash.Hash) blockDoc {
	work := []byte(nil)
	if b.ChainWork != nil {
		work = b.ChainWork.Bytes()
	}
	var hashes [][]byte
	for _, h := range txHashes {
		hh := h
		hashes = append(hashes, hh[:])
	}
	return blockDoc{
		Hash:       b.Hash[:],
		Version:    b.Version,
		PrevHash:   b.PrevHash[:],
		MerkleRoot: b.MerkleRoot[:],
		Timestamp:  b.Timestamp,
		Bits:       b.Bits,
		Nonce:      b.Nonce,
		Height:     b.Height,
		Size:       b.Size,
		Active:     b.Active,
		ChainWork:  work,
		TxHashes:   hashes,
	}
}

func fromBlockDoc(d blockDoc) *block.Block {
	b := &block.Block{
		Version:   d.Version,
		Timestamp: d.Timestamp,
		Bits:      d.Bits,
		Nonce:     d.Nonce,
		Height:    d.Height,
		Size:      d.Size,
		Active:    d.Active,
	}
	copy(b.Hash[:], d.Hash)
	copy(b.PrevHash[:], d.PrevHash)
	copy(b.MerkleRoot[:], d.MerkleRoot)
	if len(d.ChainWork) > 0 {
		b.ChainWork = new(big.Int).SetBytes(d.ChainWork)
	}
	return b
}

func (m *Mongo) PutBlock(ctx context.Context, b *block.Block, txHashes []chainhash.Hash) error {
	doc := toBlockDoc(b, txHashes)
	_, err := m.blocks.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Hash}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &wrappedStorageErr{op: "PutBlock", err: err}
	}
	return nil
}

func (m *Mongo) GetBlockTxHashes(ctx context.Context, h chainhash.Hash) ([]chainhash.Hash, error) {
	var doc struct {
		TxHashes [][]byte `bson:"tx_hashes"`
	}
	err := m.blocks.FindOne(ctx, bson.D{{Key: "_id", Value: h[:]}}, options.FindOne().SetProjection(bson.M{"tx_hashes": 1})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &wrappedStorageErr{op: "GetBlockTxHashes", err: err}
	}
	out := make([]chainhash.Hash, len(doc.TxHashes))
	for i, raw := range doc.TxHashes {
		copy(out[i][:], raw)
	}
	return out, nil
}

func (m *Mongo) GetBlockByHash(ctx context.Context, h chainhash.Hash) (*block.Block, error) {
	var doc blockDoc
	err := m.blocks.FindOne(ctx, bson.D{{Key: "_id", Value: h[:]}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &wrappedStorageErr{op: "GetBlockByHash", err: err}
	}
	return fromBlockDoc(doc), nil
}

func (m *Mongo) GetBlocksByPrev(ctx context.Context, prev chainhash.Hash) ([]*block.Block, error) {
	cur, err := m.blocks.Find(ctx, bson.D{{Key: "prev_hash", Value: prev[:]}})
	if err != nil {
		return nil, &wrappedStorageErr{op: "GetBlocksByPrev", err: err}
	}
	defer cur.Close(ctx)

	var out []*block.Block
	for cur.Next(ctx) {
		var doc blockDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, &wrappedStorageErr{op: "GetBlocksByPrev", err: err}
		}
		out = append(out, fromBlockDoc(doc))
	}
	return out, cur.Err()
}

func (m *Mongo) KnowsBlock(ctx context.Context, h chainhash.Hash) (bool, error) {
	n, err := m.blocks.CountDocuments(ctx, bson.D{{Key: "_id", Value: h[:]}})
	if err != nil {
		return false, &wrappedStorageErr{op: "KnowsBlock", err: err}
	}
	return n > 0, nil
}

type txDoc struct {
	Hash      []byte `bson:"_id"`
	Raw       []byte `bson:"raw"`
	BlockHash []byte `bson:"block_hash"`
	Index     int32  `bson:"block_index"`
}

func (m *Mongo) PutTx(ctx context.Context, t *tx.Transaction, blockHash chainhash.Hash, index int) error {
	h := t.Hash()
	doc := txDoc{Hash: h[:], Raw: t.Serialize(), BlockHash: blockHash[:], Index: int32(index)}
	_, err := m.txs.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Hash}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &wrappedStorageErr{op: "PutTx", err: err}
	}
	return nil
}

func (m *Mongo) GetTx(ctx context.Context, h chainhash.Hash) (*tx.Transaction, error) {
	var doc txDoc
	err := m.txs.FindOne(ctx, bson.D{{Key: "_id", Value: h[:]}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &wrappedStorageErr{op: "GetTx", err: err}
	}
	return tx.Parse(doc.Raw)
}

func (m *Mongo) GetHashByHeight(ctx context.Context, height int32) (chainhash.Hash, error) {
	var doc struct {
		Hash []byte `bson:"_id"`
	}
	filter := bson.D{{Key: "height", Value: height}, {Key: "active", Value: true}}
	err := m.blocks.FindOne(ctx, filter, options.FindOne().SetProjection(bson.M{"_id": 1})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return chainhash.Hash{}, ErrNotFound
	}
	if err != nil {
		return chainhash.Hash{}, &wrappedStorageErr{op: "GetHashByHeight", err: err}
	}
	var h chainhash.Hash
	copy(h[:], doc.Hash)
	return h, nil
}

type tipDoc struct {
	ID   string `bson:"_id"`
	Hash []byte `bson:"hash"`
}

func (m *Mongo) ActiveTip(ctx context.Context) (chainhash.Hash, error) {
	var doc tipDoc
	err := m.tips.FindOne(ctx, bson.D{{Key: "_id", Value: "active"}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return chainhash.Hash{}, ErrNotFound
	}
	if err != nil {
		return chainhash.Hash{}, &wrappedStorageErr{op: "ActiveTip", err: err}
	}
	var h chainhash.Hash
	copy(h[:], doc.Hash)
	return h, nil
}

func (m *Mongo) SetActiveTip(ctx context.Context, h chainhash.Hash) error {
	doc := tipDoc{ID: "active", Hash: h[:]}
	_, err := m.tips.ReplaceOne(ctx, bson.D{{Key: "_id", Value: "active"}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &wrappedStorageErr{op: "SetActiveTip", err: err}
	}
	return nil
}

type wrappedStorageErr struct {
	op  string
	err error
}

func (e *wrappedStorageErr) Error() string { return "storage: " + e.op + ": " + e.err.Error() }
func (e *wrappedStorageErr) Unwrap() error { return e.err }
