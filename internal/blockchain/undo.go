// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/dcrutil/v4"
)

// -----------------------------------------------------------------------------
// The undo data for a block, also known as its spend journal, consists of an
// entry for every output spent by the transactions in the block, in the order
// they were spent.  It is stored in the undo files alongside a checksum that
// commits to the hash of the parent block.
//
// The serialized format is:
//
//   <num spent outputs>[<spent output>,...]
//
//   Field                Type     Size
//   num spent outputs    VLQ      variable
//   spent output         []byte   variable
//
// Each spent output is serialized as:
//
//   <header code><amount><script version><script len><script>
//
// which is identical to the format of unspent outputs in the utxo set so the
// original entry can be recreated exactly when the block is disconnected.
// -----------------------------------------------------------------------------

// spentTxOut contains a spent transaction output and potentially additional
// contextual information such as whether or not it was contained in a coinbase
// transaction and the height of the block that contains the transaction.
type spentTxOut struct {
	amount        int64
	pkScript      []byte
	blockHeight   uint32
	scriptVersion uint16
	coinbase      bool
}

// entry returns a new unspent utxo entry recreated from the spent output.
func (stxo *spentTxOut) entry() *UtxoEntry {
	return NewUtxoEntry(stxo.amount, stxo.pkScript, stxo.scriptVersion,
		stxo.blockHeight, stxo.coinbase)
}

// spentTxOutHeaderCode returns the calculated header code to be used when
// serializing the provided stxo entry.
func spentTxOutHeaderCode(stxo *spentTxOut) uint64 {
	headerCode := uint64(stxo.blockHeight) << 1
	if stxo.coinbase {
		headerCode |= 1
	}
	return headerCode
}

// spentTxOutSerializeSize returns the number of bytes it would take to
// serialize the passed stxo according to the format described above.
func spentTxOutSerializeSize(stxo *spentTxOut) int {
	return serializeSizeVLQ(spentTxOutHeaderCode(stxo)) +
		serializeSizeVLQ(uint64(stxo.amount)) +
		serializeSizeVLQ(uint64(stxo.scriptVersion)) +
		serializeSizeVLQ(uint64(len(stxo.pkScript))) + len(stxo.pkScript)
}

// serializeSpendJournal serializes the passed slice of spent txouts according
// to the format described above.
func serializeSpendJournal(stxos []spentTxOut) []byte {
	size := serializeSizeVLQ(uint64(len(stxos)))
	for i := range stxos {
		size += spentTxOutSerializeSize(&stxos[i])
	}

	serialized := make([]byte, 0, size)
	serialized = appendVLQ(serialized, uint64(len(stxos)))
	for i := range stxos {
		stxo := &stxos[i]
		serialized = appendVLQ(serialized, spentTxOutHeaderCode(stxo))
		serialized = appendVLQ(serialized, uint64(stxo.amount))
		serialized = appendVLQ(serialized, uint64(stxo.scriptVersion))
		serialized = appendVLQ(serialized, uint64(len(stxo.pkScript)))
		serialized = append(serialized, stxo.pkScript...)
	}
	return serialized
}

// deserializeSpendJournal decodes the passed serialized byte slice into a slice
// of spent txouts according to the format described above.
func deserializeSpendJournal(serialized []byte) ([]spentTxOut, error) {
	numStxos, offset := deserializeVLQ(serialized)
	if offset == 0 {
		return nil, errDeserialize("unexpected end of data for number of " +
			"spent outputs")
	}

	// Each spent output takes at least four bytes, so a count larger than that
	// allows can't possibly be valid.
	if numStxos > uint64(len(serialized)-offset)/4 {
		return nil, errDeserialize(fmt.Sprintf("spend journal claims %d "+
			"spent outputs in %d bytes", numStxos, len(serialized)-offset))
	}

	stxos := make([]spentTxOut, numStxos)
	for i := range stxos {
		stxo := &stxos[i]
		headerCode, bytesRead := deserializeVLQ(serialized[offset:])
		offset += bytesRead
		if bytesRead == 0 || offset >= len(serialized) {
			return nil, errDeserialize(fmt.Sprintf("unexpected end of data "+
				"after header code of spent output %d", i))
		}
		amount, bytesRead := deserializeVLQ(serialized[offset:])
		offset += bytesRead
		if bytesRead == 0 || offset >= len(serialized) {
			return nil, errDeserialize(fmt.Sprintf("unexpected end of data "+
				"after amount of spent output %d", i))
		}
		scriptVersion, bytesRead := deserializeVLQ(serialized[offset:])
		offset += bytesRead
		if bytesRead == 0 || offset >= len(serialized) {
			return nil, errDeserialize(fmt.Sprintf("unexpected end of data "+
				"after script version of spent output %d", i))
		}
		scriptLen, bytesRead := deserializeVLQ(serialized[offset:])
		offset += bytesRead
		if bytesRead == 0 || uint64(len(serialized)-offset) < scriptLen {
			return nil, errDeserialize(fmt.Sprintf("unexpected end of data "+
				"in script of spent output %d", i))
		}
		if amount > 1<<63-1 || scriptVersion > 1<<16-1 ||
			headerCode>>1 > 1<<32-1 {

			return nil, errDeserialize(fmt.Sprintf("spent output %d field "+
				"out of range", i))
		}

		stxo.blockHeight = uint32(headerCode >> 1)
		stxo.coinbase = headerCode&1 == 1
		stxo.amount = int64(amount)
		stxo.scriptVersion = uint16(scriptVersion)
		stxo.pkScript = make([]byte, scriptLen)
		copy(stxo.pkScript, serialized[offset:offset+int(scriptLen)])
		offset += int(scriptLen)
	}
	if offset != len(serialized) {
		return nil, errDeserialize(fmt.Sprintf("%d trailing bytes after spend "+
			"journal", len(serialized)-offset))
	}

	return stxos, nil
}

// countSpentOutputs returns the number of utxos the passed block spends.
func countSpentOutputs(block *dcrutil.Block) int {
	var numSpent int
	for _, tx := range block.Transactions() {
		if standalone.IsCoinBaseTx(tx.MsgTx(), noTreasury) {
			continue
		}
		numSpent += len(tx.MsgTx().TxIn)
	}
	return numSpent
}
