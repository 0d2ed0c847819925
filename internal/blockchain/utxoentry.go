// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

const (
	// baseEntrySize is the base size of a utxo entry on a 64-bit platform,
	// excluding the contents of the script.  It is equivalent to what
	// unsafe.Sizeof(UtxoEntry{}) returns on a 64-bit platform.
	baseEntrySize = 48
)

// utxoState defines the in-memory state of a utxo entry.
//
// The bit representation is:
//
//	bit  0    - transaction output has been spent
//	bit  1    - transaction output has been modified since it was loaded
//	bit  2    - transaction output is fresh
//	bits 3-7  - unused
type utxoState uint8

const (
	// utxoStateSpent indicates that a txout is spent.
	utxoStateSpent utxoState = 1 << iota

	// utxoStateModified indicates that a txout has been modified since it was
	// loaded.
	utxoStateModified

	// utxoStateFresh indicates that a txout is fresh, which means that it
	// exists in the utxo cache but does not exist in the underlying backend.
	utxoStateFresh
)

// utxoFlags defines additional information for the containing transaction of a
// utxo entry.
//
// The bit representation is:
//
//	bit  0    - containing transaction is a coinbase
//	bits 1-7  - unused
type utxoFlags uint8

const (
	// utxoFlagCoinBase indicates that a txout was contained in a coinbase tx.
	utxoFlagCoinBase utxoFlags = 1 << iota
)

// UtxoEntry houses details about an individual transaction output in a utxo
// view such as whether or not it was contained in a coinbase tx, the height of
// the block that contains the tx, whether or not it is spent, its public key
// script, and how much it pays.
//
// The struct is aligned for memory efficiency.
type UtxoEntry struct {
	amount   int64
	pkScript []byte

	blockHeight   uint32
	scriptVersion uint16

	// state contains info for the in-memory state of the output as defined by
	// utxoState.
	state utxoState

	// packedFlags contains additional info for the containing transaction of
	// the output as defined by utxoFlags.
	packedFlags utxoFlags
}

// NewUtxoEntry returns a new unspent entry for an output with the provided
// details.
func NewUtxoEntry(amount int64, pkScript []byte, scriptVersion uint16, blockHeight uint32, coinbase bool) *UtxoEntry {
	var flags utxoFlags
	if coinbase {
		flags |= utxoFlagCoinBase
	}
	return &UtxoEntry{
		amount:        amount,
		pkScript:      pkScript,
		blockHeight:   blockHeight,
		scriptVersion: scriptVersion,
		packedFlags:   flags,
	}
}

// size returns the number of bytes that the entry uses on a 64-bit platform.
func (entry *UtxoEntry) size() uint64 {
	return uint64(baseEntrySize + len(entry.pkScript))
}

// isModified returns whether or not the output has been modified since it was
// loaded.
func (entry *UtxoEntry) isModified() bool {
	return entry.state&utxoStateModified == utxoStateModified
}

// isFresh returns whether or not the output is fresh.
func (entry *UtxoEntry) isFresh() bool {
	return entry.state&utxoStateFresh == utxoStateFresh
}

// IsCoinBase returns whether or not the output was contained in a coinbase
// transaction.
func (entry *UtxoEntry) IsCoinBase() bool {
	return entry.packedFlags&utxoFlagCoinBase == utxoFlagCoinBase
}

// IsSpent returns whether or not the output has been spent based upon the
// current state of the unspent transaction output view it was obtained from.
func (entry *UtxoEntry) IsSpent() bool {
	return entry.state&utxoStateSpent == utxoStateSpent
}

// BlockHeight returns the height of the block containing the output.
func (entry *UtxoEntry) BlockHeight() int64 {
	return int64(entry.blockHeight)
}

// Spend marks the output as spent.  Spending an output that is already spent
// has no effect.
func (entry *UtxoEntry) Spend() {
	if entry.IsSpent() {
		return
	}
	entry.state |= utxoStateSpent | utxoStateModified
}

// Amount returns the amount of the output.
func (entry *UtxoEntry) Amount() int64 {
	return entry.amount
}

// PkScript returns the public key script for the output.
func (entry *UtxoEntry) PkScript() []byte {
	return entry.pkScript
}

// ScriptVersion returns the public key script version for the output.
func (entry *UtxoEntry) ScriptVersion() uint16 {
	return entry.scriptVersion
}

// Clone returns a copy of the utxo entry.  The script is not deep copied since
// it is immutable.
func (entry *UtxoEntry) Clone() *UtxoEntry {
	if entry == nil {
		return nil
	}

	newEntry := *entry
	return &newEntry
}

// equalCoin returns whether the two entries describe the same unspent output
// ignoring their in-memory state.
func (entry *UtxoEntry) equalCoin(other *UtxoEntry) bool {
	if entry == nil || other == nil {
		return entry == other
	}
	return entry.amount == other.amount &&
		entry.blockHeight == other.blockHeight &&
		entry.scriptVersion == other.scriptVersion &&
		entry.packedFlags == other.packedFlags &&
		string(entry.pkScript) == string(other.pkScript)
}
