// Package tx defines the Transaction entity of spec.md §3: ordered
// inputs/outputs, canonical serialization, coinbase detection, and the
// outpoint reference type the mempool and chain use to track spends.
package tx

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Outpoint is a (tx_hash, out_index) reference to a past output
// (spec.md §3 "Outpoint reference").
type Outpoint struct {
	Hash  chainhash.Hash
	Index uint32
}

// IsNull reports whether this is the null outpoint coinbase inputs use.
func (o Outpoint) IsNull() bool {
	return o.Index == wire.MaxPrevOutIndex && o.Hash == (chainhash.Hash{})
}

// In is one transaction input.
type In struct {
	PrevOut  Outpoint
	Script   []byte
	Sequence uint32
}

// Out is one transaction output.
type Out struct {
	Value  int64
	Script []byte
}

// Transaction is the typed record of spec.md §3. Hash is derived, never
// set directly by callers outside this package; use Hash() to read it.
type Transaction struct {
	Version  int32
	Ins      []In
	Outs     []Out
	LockTime uint32

	hash    chainhash.Hash
	hasHash bool
}

// New constructs a Transaction and derives its hash immediately, so the
// invariant "hash matches serialization" holds for every value in
// circulation (spec.md §3).
func New(version int32, ins []In, outs []Out, lockTime uint32) *Transaction {
	t := &Transaction{Version: version, Ins: ins, Outs: outs, LockTime: lockTime}
	t.deriveHash()
	return t
}

// Hash returns the cached double-SHA-256 of the canonical serialization.
func (t *Transaction) Hash() chainhash.Hash {
	if !t.hasHash {
		t.deriveHash()
	}
	return t.hash
}

func (t *Transaction) deriveHash() {
	t.hash = chainhash.DoubleHashH(t.Serialize())
	t.hasHash = true
}

// IsCoinbase reports whether this is a coinbase transaction: a single
// input with a null outpoint (spec.md §3).
func (t *Transaction) IsCoinbase() bool {
	return len(t.Ins) == 1 && t.Ins[0].PrevOut.IsNull()
}

// ToWire converts to the wire representation used for canonical
// (de)serialization and, downstream, script verification input.
func (t *Transaction) ToWire() *wire.MsgTx {
	mtx := wire.NewMsgTx(t.Version)
	mtx.LockTime = t.LockTime
	for _, in := range t.Ins {
		mtx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: in.PrevOut.Hash, Index: in.PrevOut.Index},
			SignatureScript:  in.Script,
			Sequence:         in.Sequence,
		})
	}
	for _, out := range t.Outs {
		mtx.AddTxOut(&wire.TxOut{Value: out.Value, PkScript: out.Script})
	}
	return mtx
}

// FromWire builds a Transaction from a decoded wire.MsgTx, deriving the
// hash by re-serializing it in the canonical non-witness form, so
// Hash()==dSHA256(Serialize()) holds even for segwit-encoded inputs; any
// witness data on mtx is not carried over.
func FromWire(mtx *wire.MsgTx) *Transaction {
	t := &Transaction{Version: mtx.Version, LockTime: mtx.LockTime}
	for _, in := range mtx.TxIn {
		t.Ins = append(t.Ins, In{
			PrevOut:  Outpoint{Hash: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index},
			Script:   in.SignatureScript,
			Sequence: in.Sequence,
		})
	}
	for _, out := range mtx.TxOut {
		t.Outs = append(t.Outs, Out{Value: out.Value, Script: out.PkScript})
	}
	t.deriveHash()
	return t
}

// Serialize returns the canonical non-witness encoding used to derive
// Hash and to round-trip through Parse.
func (t *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	_ = t.ToWire().SerializeNoWitness(&buf)
	return buf.Bytes()
}

// Parse decodes a Transaction from its canonical serialization,
// completing the round-trip law of spec.md §8: Parse(Serialize(t)) == t.
func Parse(raw []byte) (*Transaction, error) {
	mtx := &wire.MsgTx{}
	if err := mtx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return FromWire(mtx), nil
}
