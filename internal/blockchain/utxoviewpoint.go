// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
)

// UtxoViewpoint represents a view into the set of unspent transaction outputs
// from a specific point of view in the chain.  For example, it could be for
// the end of the main chain, some point in the history of the main chain, or
// down a side chain.
//
// Every block is connected and disconnected against its own view which is only
// committed to the utxo cache once the whole block succeeded.
type UtxoViewpoint struct {
	cache    UtxoCacher
	entries  map[wire.OutPoint]*UtxoEntry
	bestHash chainhash.Hash
}

// BestHash returns the hash of the best block in the chain the view currently
// represents.
func (view *UtxoViewpoint) BestHash() *chainhash.Hash {
	return &view.bestHash
}

// SetBestHash sets the hash of the best block in the chain the view currently
// represents.
func (view *UtxoViewpoint) SetBestHash(hash *chainhash.Hash) {
	view.bestHash = *hash
}

// LookupEntry returns information about a given transaction output according to
// the current state of the view.  It will return nil if the passed output does
// not exist in the view or is otherwise not available such as when it has been
// disconnected during a reorg.
func (view *UtxoViewpoint) LookupEntry(outpoint wire.OutPoint) *UtxoEntry {
	return view.entries[outpoint]
}

// addTxOut adds the specified output to the view if it is not provably
// unspendable.  When the view already has an entry for the output, it will be
// marked unspent.  All fields will be updated for existing entries since it's
// possible it has changed during a reorg.
func (view *UtxoViewpoint) addTxOut(outpoint wire.OutPoint, txOut *wire.TxOut,
	coinbase bool, blockHeight int64) {

	// Don't add provably unspendable outputs.
	if txscript.IsUnspendable(txOut.Value, txOut.PkScript) {
		return
	}

	// Deep copy the script.  The tx out script is a subslice of the overall
	// contiguous buffer that the msg tx houses for all scripts within the tx
	// and the cache must not keep that buffer alive.
	var pkScript []byte
	if len(txOut.PkScript) != 0 {
		pkScript = make([]byte, len(txOut.PkScript))
		copy(pkScript, txOut.PkScript)
	}

	entry := view.LookupEntry(outpoint)
	if entry == nil {
		entry = new(UtxoEntry)
		view.entries[outpoint] = entry
	}
	entry.amount = txOut.Value
	entry.pkScript = pkScript
	entry.blockHeight = uint32(blockHeight)
	entry.scriptVersion = txOut.Version
	entry.packedFlags = 0
	if coinbase {
		entry.packedFlags |= utxoFlagCoinBase
	}

	// The referenced transaction output should always be marked as unspent and
	// modified when being added to the view.
	entry.state &^= utxoStateSpent
	entry.state |= utxoStateModified
}

// AddTxOuts adds all outputs in the passed transaction which are not provably
// unspendable to the view.  When the view already has entries for any of the
// outputs, they are simply marked unspent.  All fields will be updated for
// existing entries since it's possible it has changed during a reorg.
func (view *UtxoViewpoint) AddTxOuts(tx *dcrutil.Tx, blockHeight int64) {
	msgTx := tx.MsgTx()
	isCoinBase := standalone.IsCoinBaseTx(msgTx, noTreasury)
	outpoint := wire.OutPoint{Hash: *tx.Hash(), Tree: wire.TxTreeRegular}
	for txOutIdx, txOut := range msgTx.TxOut {
		outpoint.Index = uint32(txOutIdx)
		view.addTxOut(outpoint, txOut, isCoinBase, blockHeight)
	}
}

// PrevScript returns the script and script version associated with the provided
// previous outpoint along with a bool that indicates whether or not the
// requested entry exists.  This ensures the caller is able to distinguish
// between missing entries and empty v0 scripts.
func (view *UtxoViewpoint) PrevScript(prevOut *wire.OutPoint) (uint16, []byte, bool) {
	entry := view.LookupEntry(*prevOut)
	if entry == nil || entry.IsSpent() {
		return 0, nil, false
	}

	return entry.ScriptVersion(), entry.PkScript(), true
}

// connectTransaction updates the view by adding all new utxos created by the
// passed transaction and marking all utxos that the transaction spends as
// spent.  In addition, when the 'stxos' argument is not nil, it will be updated
// to append an entry for each spent txout.  An error will be returned if the
// view does not contain the required utxos.
func (view *UtxoViewpoint) connectTransaction(tx *dcrutil.Tx, blockHeight int64,
	stxos *[]spentTxOut) error {

	// Coinbase transactions don't have any inputs to spend.
	msgTx := tx.MsgTx()
	if standalone.IsCoinBaseTx(msgTx, noTreasury) {
		view.AddTxOuts(tx, blockHeight)
		return nil
	}

	for _, txIn := range msgTx.TxIn {
		// Ensure the referenced utxo exists in the view.  This should never
		// happen unless there is a bug since the inputs are checked first.
		entry := view.entries[txIn.PreviousOutPoint]
		if entry == nil || entry.IsSpent() {
			return AssertError(fmt.Sprintf("view missing input %v",
				txIn.PreviousOutPoint))
		}

		if stxos != nil {
			*stxos = append(*stxos, spentTxOut{
				amount:        entry.Amount(),
				pkScript:      entry.PkScript(),
				blockHeight:   entry.blockHeight,
				scriptVersion: entry.ScriptVersion(),
				coinbase:      entry.IsCoinBase(),
			})
		}

		entry.Spend()
	}

	view.AddTxOuts(tx, blockHeight)
	return nil
}

// disconnectTransactions updates the view by removing all utxos created by the
// transactions of the block and unspending all of the txos spent by those same
// transactions by using the provided spent txo information.
//
// It returns false when the view was found in a state that does not exactly
// match the state the block left behind when it was connected.  Such an
// inconsistency is recoverable since the resulting view is still the best
// possible reconstruction.
func (view *UtxoViewpoint) disconnectTransactions(block *dcrutil.Block,
	stxos []spentTxOut) bool {

	clean := true
	stxoIdx := len(stxos) - 1
	transactions := block.Transactions()
	for txIdx := len(transactions) - 1; txIdx > -1; txIdx-- {
		tx := transactions[txIdx]
		msgTx := tx.MsgTx()
		isCoinBase := txIdx == 0

		// There is no practical difference between a utxo that does not exist
		// and one that has been spent, so missing entries are added to the view
		// and marked spent because the code relies on their existence in the
		// view in order to signal modifications have happened.
		outpoint := wire.OutPoint{Hash: *tx.Hash(), Tree: wire.TxTreeRegular}
		for txOutIdx, txOut := range msgTx.TxOut {
			if txscript.IsUnspendable(txOut.Value, txOut.PkScript) {
				continue
			}

			outpoint.Index = uint32(txOutIdx)
			want := NewUtxoEntry(txOut.Value, txOut.PkScript, txOut.Version,
				uint32(block.Height()), isCoinBase)
			entry := view.entries[outpoint]
			if entry == nil || entry.IsSpent() || !entry.equalCoin(want) {
				log.Debugf("Output %v created by block %s is not in the "+
					"expected state", outpoint, block.Hash())
				clean = false
			}
			if entry == nil {
				entry = want
				entry.state = utxoStateModified
				view.entries[outpoint] = entry
			}
			entry.Spend()
		}

		// Loop backwards through all of the transaction inputs (except for the
		// coinbase which has no inputs) and unspend the referenced txos.  This
		// is necessary to match the order of the spent txout entries.
		if isCoinBase {
			continue
		}
		for txInIdx := len(msgTx.TxIn) - 1; txInIdx > -1; txInIdx-- {
			stxo := &stxos[stxoIdx]
			stxoIdx--

			prevOut := msgTx.TxIn[txInIdx].PreviousOutPoint
			if entry := view.entries[prevOut]; entry != nil && !entry.IsSpent() {
				log.Debugf("Output %v spent by block %s is already unspent",
					prevOut, block.Hash())
				clean = false
			}
			entry := stxo.entry()
			entry.state = utxoStateModified
			view.entries[prevOut] = entry
		}
	}

	return clean
}

// RemoveEntry removes the given transaction output from the current state of
// the view.  It will have no effect if the passed output does not exist in the
// view.
func (view *UtxoViewpoint) RemoveEntry(outpoint wire.OutPoint) {
	delete(view.entries, outpoint)
}

// disconnectBlock updates the view by disconnecting all transactions of the
// passed block using the provided spent txout information and setting the
// best hash for the view to the parent block.
//
// The outputs created by the block and the outputs it spent are loaded first
// so their current state can be compared against what the block left behind.
// A spend journal that does not match the block is reported as corrupt undo
// data.
func (view *UtxoViewpoint) disconnectBlock(block *dcrutil.Block,
	stxos []spentTxOut) (bool, error) {

	if len(stxos) != countSpentOutputs(block) {
		str := fmt.Sprintf("undo data for block %s (height %d) has %d spent "+
			"outputs while the block spends %d", block.Hash(), block.Height(),
			len(stxos), countSpentOutputs(block))
		return false, contextError(ErrUndoDataCorrupt, str)
	}

	if err := view.fetchBlockUtxos(block); err != nil {
		return false, err
	}

	clean := view.disconnectTransactions(block, stxos)
	view.SetBestHash(&block.MsgBlock().Header.PrevBlock)
	return clean, nil
}

// Entries returns the underlying map that stores of all the utxo entries.
func (view *UtxoViewpoint) Entries() map[wire.OutPoint]*UtxoEntry {
	return view.entries
}

// ViewFilteredSet represents a set of utxos to fetch from the cache that are
// not already in a view.
type ViewFilteredSet map[wire.OutPoint]struct{}

// add conditionally adds the provided outpoint to the set if it does not
// already exist in the provided view.
func (set ViewFilteredSet) add(view *UtxoViewpoint, outpoint *wire.OutPoint) {
	if _, ok := view.entries[*outpoint]; !ok {
		set[*outpoint] = struct{}{}
	}
}

// fetchUtxosMain fetches unspent transaction output data about the provided
// set of outpoints from the point of view of the chain tip at the time of the
// call.
//
// Upon completion of this function, the view will contain an entry for each
// requested outpoint.  Spent outputs, or those which otherwise don't exist,
// will result in a nil entry in the view.
func (view *UtxoViewpoint) fetchUtxosMain(filteredSet ViewFilteredSet) error {
	if len(filteredSet) == 0 {
		return nil
	}

	return view.cache.FetchEntries(filteredSet, view)
}

// fetchBlockUtxos loads the outputs referenced by the inputs of the passed
// block along with the outputs the block itself creates into the view as
// needed.  Inputs that reference a transaction earlier in the same block are
// skipped since that transaction creates them while the block is connected.
// Entries that are already in the view are not modified.
func (view *UtxoViewpoint) fetchBlockUtxos(block *dcrutil.Block) error {
	// Build a map of in-flight transactions because some of the inputs of
	// this block could be referencing other transactions earlier in the block
	// which are not yet in the chain.
	transactions := block.Transactions()
	txInFlight := make(map[chainhash.Hash]int, len(transactions))
	for i, tx := range transactions {
		txInFlight[*tx.Hash()] = i
	}

	filteredSet := make(ViewFilteredSet)
	for i, tx := range transactions {
		msgTx := tx.MsgTx()
		outpoint := wire.OutPoint{Hash: *tx.Hash(), Tree: wire.TxTreeRegular}
		for txOutIdx, txOut := range msgTx.TxOut {
			if txscript.IsUnspendable(txOut.Value, txOut.PkScript) {
				continue
			}
			outpoint.Index = uint32(txOutIdx)
			filteredSet.add(view, &outpoint)
		}

		if i == 0 {
			continue
		}
		for _, txIn := range msgTx.TxIn {
			originHash := &txIn.PreviousOutPoint.Hash
			if inFlightIndex, ok := txInFlight[*originHash]; ok &&
				inFlightIndex < i {

				continue
			}
			filteredSet.add(view, &txIn.PreviousOutPoint)
		}
	}

	return view.fetchUtxosMain(filteredSet)
}

// clone returns a deep copy of the view.
func (view *UtxoViewpoint) clone() *UtxoViewpoint {
	clonedView := &UtxoViewpoint{
		cache:    view.cache,
		entries:  make(map[wire.OutPoint]*UtxoEntry, len(view.entries)),
		bestHash: view.bestHash,
	}

	for outpoint, entry := range view.entries {
		clonedView.entries[outpoint] = entry.Clone()
	}

	return clonedView
}

// NewUtxoViewpoint returns a new empty unspent transaction output view.
func NewUtxoViewpoint(cache UtxoCacher) *UtxoViewpoint {
	return &UtxoViewpoint{
		cache:   cache,
		entries: make(map[wire.OutPoint]*UtxoEntry),
	}
}
