// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// -----------------------------------------------------------------------------
// The unspent transaction output (utxo) set consists of an entry for each
// unspent output.
//
// Each entry is keyed by an outpoint as specified below.  It is important to
// note that the key encoding uses a VLQ, which employs an MSB encoding so
// iteration of utxos when doing byte-wise comparisons will produce them in
// order.
//
// The serialized key format is:
//
//   <prefix><hash><output index>
//
//   Field                Type             Size
//   prefix               []byte           2 bytes
//   hash                 chainhash.Hash   chainhash.HashSize
//   output index         VLQ              variable
//
// The serialized value format is:
//
//   <header code><amount><script version><script len><script>
//
//   Field                Type     Size
//   header code          VLQ      variable
//   amount               VLQ      variable
//   script version       VLQ      variable
//   script len           VLQ      variable
//   script               []byte   variable
//
// The header code is the block height shifted left by one with the lowest bit
// set when the containing transaction is a coinbase.
// -----------------------------------------------------------------------------

// maxUint32VLQSerializeSize is the maximum number of bytes a max uint32 takes
// to serialize as a VLQ.
var maxUint32VLQSerializeSize = serializeSizeVLQ(1<<32 - 1)

// utxoSetDbPrefixSize is the number of bytes that the prefix for UTXO set
// entries takes.
var utxoSetDbPrefixSize = len(utxoPrefixUtxoSet)

// outpointKeyPool defines a concurrent safe free list of byte slices used to
// provide temporary buffers for outpoint database keys.
var outpointKeyPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, utxoSetDbPrefixSize+chainhash.HashSize+
			maxUint32VLQSerializeSize)
		return &b // Pointer to slice to avoid boxing alloc.
	},
}

// outpointKey returns a key suitable for use as a database key in the utxo set
// while making use of a free list.  A new buffer is allocated if there are not
// already any available on the free list.  The returned byte slice should be
// returned to the free list by using the recycleOutpointKey function when the
// caller is done with it _unless_ the slice will need to live for longer than
// the caller can calculate such as when used to write to the database.
func outpointKey(outpoint wire.OutPoint) *[]byte {
	key := outpointKeyPool.Get().(*[]byte)
	idx := uint64(outpoint.Index)
	*key = (*key)[:utxoSetDbPrefixSize+chainhash.HashSize+serializeSizeVLQ(idx)]
	copy(*key, utxoPrefixUtxoSet)
	offset := utxoSetDbPrefixSize
	copy((*key)[offset:], outpoint.Hash[:])
	offset += chainhash.HashSize
	putVLQ((*key)[offset:], idx)
	return key
}

// decodeOutpointKey decodes the passed serialized key into the passed outpoint.
func decodeOutpointKey(serialized []byte, outpoint *wire.OutPoint) error {
	if utxoSetDbPrefixSize+chainhash.HashSize >= len(serialized) {
		return errDeserialize("unexpected length for serialized outpoint key")
	}

	offset := utxoSetDbPrefixSize
	var hash chainhash.Hash
	copy(hash[:], serialized[offset:offset+chainhash.HashSize])
	offset += chainhash.HashSize

	idx, bytesRead := deserializeVLQ(serialized[offset:])
	if bytesRead == 0 || offset+bytesRead != len(serialized) {
		return errDeserialize("unexpected end of data after hash")
	}
	if idx > 1<<32-1 {
		return errDeserialize("output index overflows uint32")
	}

	outpoint.Hash = hash
	outpoint.Index = uint32(idx)
	outpoint.Tree = wire.TxTreeRegular
	return nil
}

// recycleOutpointKey puts the provided byte slice, which should have been
// obtained via the outpointKey function, back on the free list.
func recycleOutpointKey(key *[]byte) {
	outpointKeyPool.Put(key)
}

// serializeUtxoEntry returns the entry serialized to a format that is suitable
// for long-term storage.  The format is described in detail above.
func serializeUtxoEntry(entry *UtxoEntry) []byte {
	headerCode := uint64(entry.blockHeight) << 1
	if entry.IsCoinBase() {
		headerCode |= 1
	}
	scriptLen := uint64(len(entry.pkScript))
	size := serializeSizeVLQ(headerCode) +
		serializeSizeVLQ(uint64(entry.amount)) +
		serializeSizeVLQ(uint64(entry.scriptVersion)) +
		serializeSizeVLQ(scriptLen) + len(entry.pkScript)

	serialized := make([]byte, 0, size)
	serialized = appendVLQ(serialized, headerCode)
	serialized = appendVLQ(serialized, uint64(entry.amount))
	serialized = appendVLQ(serialized, uint64(entry.scriptVersion))
	serialized = appendVLQ(serialized, scriptLen)
	serialized = append(serialized, entry.pkScript...)
	return serialized
}

// deserializeUtxoEntry decodes a utxo entry from the passed serialized byte
// slice into a new UtxoEntry using a format that is suitable for long-term
// storage.  The format is described in detail above.
func deserializeUtxoEntry(serialized []byte) (*UtxoEntry, error) {
	headerCode, bytesRead := deserializeVLQ(serialized)
	offset := bytesRead
	if bytesRead == 0 || offset >= len(serialized) {
		return nil, errDeserialize("unexpected end of data after header code")
	}

	amount, bytesRead := deserializeVLQ(serialized[offset:])
	offset += bytesRead
	if offset >= len(serialized) {
		return nil, errDeserialize("unexpected end of data after amount")
	}

	scriptVersion, bytesRead := deserializeVLQ(serialized[offset:])
	offset += bytesRead
	if offset >= len(serialized) {
		return nil, errDeserialize("unexpected end of data after script " +
			"version")
	}

	scriptLen, bytesRead := deserializeVLQ(serialized[offset:])
	offset += bytesRead
	if uint64(len(serialized)-offset) != scriptLen {
		return nil, errDeserialize(fmt.Sprintf("script length %d does not "+
			"match remaining %d bytes", scriptLen, len(serialized)-offset))
	}
	if amount > 1<<63-1 || scriptVersion > 1<<16-1 || headerCode>>1 > 1<<32-1 {
		return nil, errDeserialize("utxo entry field out of range")
	}

	script := make([]byte, scriptLen)
	copy(script, serialized[offset:])
	return NewUtxoEntry(int64(amount), script, uint16(scriptVersion),
		uint32(headerCode>>1), headerCode&1 == 1), nil
}

// -----------------------------------------------------------------------------
// The utxo set state contains information regarding the current state of the
// utxo set.  In particular, it tracks the block height and block hash of the
// last completed flush.
//
// Note: The utxo set state MUST always be updated in the same backend
// transaction that the utxo set is updated in to guarantee that they stay in
// sync in the backend.
//
// The serialized format is:
//
//   <block height><block hash>
//
//   Field          Type             Size
//   block height   VLQ              variable
//   block hash     chainhash.Hash   chainhash.HashSize
//
// -----------------------------------------------------------------------------

// UtxoSetState represents the current state of the utxo set.  In particular,
// it tracks the block height and block hash of the last completed flush.
type UtxoSetState struct {
	lastFlushHeight uint32
	lastFlushHash   chainhash.Hash
}

// serializeUtxoSetState serializes the provided utxo set state.  The format is
// described in detail above.
func serializeUtxoSetState(state *UtxoSetState) []byte {
	size := serializeSizeVLQ(uint64(state.lastFlushHeight)) + chainhash.HashSize
	serialized := make([]byte, size)
	offset := putVLQ(serialized, uint64(state.lastFlushHeight))
	copy(serialized[offset:], state.lastFlushHash[:])
	return serialized
}

// deserializeUtxoSetState deserializes the passed serialized byte slice into
// the utxo set state.  The format is described in detail above.
func deserializeUtxoSetState(serialized []byte) (*UtxoSetState, error) {
	blockHeight, bytesRead := deserializeVLQ(serialized)
	offset := bytesRead
	if offset >= len(serialized) {
		return nil, errDeserialize("unexpected end of data after height")
	}

	if len(serialized[offset:]) != chainhash.HashSize {
		return nil, errDeserialize("unexpected length for serialized hash")
	}
	var hash chainhash.Hash
	copy(hash[:], serialized[offset:offset+chainhash.HashSize])

	return &UtxoSetState{
		lastFlushHeight: uint32(blockHeight),
		lastFlushHash:   hash,
	}, nil
}
