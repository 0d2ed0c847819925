// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
)

const (
	// MaxTimeOffsetSeconds is the maximum number of seconds a block time is
	// allowed to be ahead of the current time.
	MaxTimeOffsetSeconds = 2 * 60 * 60

	// MinCoinbaseScriptLen is the minimum length a coinbase script can be.
	MinCoinbaseScriptLen = 2

	// MaxCoinbaseScriptLen is the maximum length a coinbase script can be.
	MaxCoinbaseScriptLen = 100

	// maxUniqueCoinbaseNullDataSize is the maximum number of bytes allowed in
	// the pushed data output of the coinbase output that is used to ensure
	// the coinbase has a unique hash.
	maxUniqueCoinbaseNullDataSize = 256

	// coinbaseHeightOutIdx is the index of the coinbase output that commits
	// to the block height.
	coinbaseHeightOutIdx = 1

	// noTreasury signals the treasury agenda is never active.  Only the
	// regular transaction tree is supported, so treasury transactions can't
	// exist.
	noTreasury = false
)

// zeroHash is the zero value for a chainhash.Hash and is defined as a package
// level variable to avoid the need to create a new instance every time a check
// is needed.
var zeroHash chainhash.Hash

// checkProofOfWork ensures the block header bits which indicate the target
// difficulty is in min/max range and that the block hash is less than the
// target difficulty as claimed.
func checkProofOfWork(header *wire.BlockHeader, powLimit *big.Int) error {
	blockHash := header.BlockHash()
	err := standalone.CheckProofOfWork(&blockHash, header.Bits, powLimit)
	return standaloneToChainRuleError(err)
}

// checkBlockHeaderSanity performs some preliminary checks on a block header to
// ensure it is sane before continuing with processing.  These checks are
// context free.
func checkBlockHeaderSanity(header *wire.BlockHeader, chainParams *chaincfg.Params, now time.Time) error {
	// Ensure the proof of work bits in the block header is in min/max range
	// and the block hash is less than the target value described by the bits.
	if err := checkProofOfWork(header, chainParams.PowLimit); err != nil {
		return err
	}

	// A block timestamp must not have a greater precision than one second.
	if !header.Timestamp.Equal(time.Unix(header.Timestamp.Unix(), 0)) {
		str := fmt.Sprintf("block timestamp of %v has a higher precision "+
			"than one second", header.Timestamp)
		return ruleError(ErrInvalidTime, str)
	}

	// Ensure the block time is not too far in the future.
	maxTimestamp := now.Add(time.Second * MaxTimeOffsetSeconds)
	if header.Timestamp.After(maxTimestamp) {
		str := fmt.Sprintf("block timestamp of %v is too far in the future",
			header.Timestamp)
		return ruleError(ErrTimeTooNew, str)
	}

	return nil
}

// checkBlockHeaderPositional performs several validation checks on the block
// header which depend on its position within the block chain and having the
// headers of all ancestors available.  These checks do not, and must not, rely
// on having the full block data of all ancestors available.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) checkBlockHeaderPositional(header *wire.BlockHeader, hash *chainhash.Hash, prevNode *blockNode) error {
	// Ensure the timestamp for the block header is after the median time of
	// the last several blocks (medianTimeBlocks).
	medianTime := prevNode.CalcPastMedianTime()
	if !header.Timestamp.After(medianTime) {
		str := fmt.Sprintf("block timestamp of %v is not after expected %v",
			header.Timestamp, medianTime)
		return ruleError(ErrTimeTooOld, str)
	}

	// Ensure the header commits to the correct height based on the height it
	// actually connects in the blockchain.
	blockHeight := prevNode.height + 1
	if int64(header.Height) != blockHeight {
		str := fmt.Sprintf("block header commitment to height %d does not "+
			"match chain height %d", header.Height, blockHeight)
		return ruleError(ErrBadBlockHeight, str)
	}

	// Ensure chain matches up to predetermined checkpoints.
	if !bi.verifyCheckpoint(blockHeight, hash) {
		str := fmt.Sprintf("block at height %d does not match checkpoint "+
			"hash", blockHeight)
		return ruleError(ErrBadCheckpoint, str)
	}

	// Prevent blocks that fork the chain before the most recently known
	// checkpoint.
	checkpointNode := bi.checkpointNode()
	if checkpointNode != nil && blockHeight <= checkpointNode.height &&
		checkpointNode.Ancestor(prevNode.height) != prevNode {

		str := fmt.Sprintf("block at height %d forks the chain before the "+
			"previous checkpoint at height %d", blockHeight,
			checkpointNode.height)
		return ruleError(ErrForkTooOld, str)
	}

	return nil
}

// checkTransactionSanity performs some preliminary checks on a transaction to
// ensure it is sane.  These checks are context free.
func checkTransactionSanity(tx *wire.MsgTx, chainParams *chaincfg.Params) error {
	err := standalone.CheckTransactionSanity(tx, uint64(chainParams.MaxTxSize))
	return standaloneToChainRuleError(err)
}

// checkCoinbaseScript ensures the signature script of the passed coinbase
// transaction is within the allowed length.
func checkCoinbaseScript(tx *wire.MsgTx) error {
	slen := len(tx.TxIn[0].SignatureScript)
	if slen < MinCoinbaseScriptLen || slen > MaxCoinbaseScriptLen {
		str := fmt.Sprintf("coinbase transaction script length of %d is "+
			"out of range (min: %d, max: %d)", slen, MinCoinbaseScriptLen,
			MaxCoinbaseScriptLen)
		return ruleError(ErrBadCoinbaseScriptLen, str)
	}
	return nil
}

// checkCoinbaseUniqueHeight ensures that for all blocks height > 1 the
// coinbase commits to the block height in a nulldata output so coinbase hash
// collisions are impossible.
func checkCoinbaseUniqueHeight(blockHeight int64, block *dcrutil.Block) error {
	// Block 0 and 1 are special and don't need the coinbase height checks.
	if blockHeight < 2 {
		return nil
	}

	coinbaseTx := block.MsgBlock().Transactions[0]
	if len(coinbaseTx.TxOut) < coinbaseHeightOutIdx+1 {
		str := fmt.Sprintf("block %s is missing required coinbase outputs ("+
			"num outputs: %d, min required: %d)", block.Hash(),
			len(coinbaseTx.TxOut), coinbaseHeightOutIdx+1)
		return ruleError(ErrFirstTxNotCoinbase, str)
	}

	// Only version 0 scripts are currently valid.
	const scriptVersion = 0
	nullDataOut := coinbaseTx.TxOut[coinbaseHeightOutIdx]
	if nullDataOut.Version != scriptVersion {
		str := fmt.Sprintf("block %s coinbase output %d script version %d is "+
			"not the required version %d", block.Hash(), coinbaseHeightOutIdx,
			nullDataOut.Version, scriptVersion)
		return ruleError(ErrFirstTxNotCoinbase, str)
	}

	// The output must be a single OP_RETURN followed by a canonical data push
	// whose first 4 bytes are the little endian block height.
	var nullData []byte
	pkScript := nullDataOut.PkScript
	if len(pkScript) > 1 && pkScript[0] == txscript.OP_RETURN {
		tokenizer := txscript.MakeScriptTokenizer(scriptVersion, pkScript[1:])
		if tokenizer.Next() && tokenizer.Done() && tokenizer.Opcode() <=
			txscript.OP_PUSHDATA4 {

			nullData = tokenizer.Data()
		}
	}
	if len(nullData) > maxUniqueCoinbaseNullDataSize {
		str := fmt.Sprintf("block %s coinbase output %d pushes %d bytes which "+
			"is more than allowed value of %d", block.Hash(),
			coinbaseHeightOutIdx, len(nullData), maxUniqueCoinbaseNullDataSize)
		return ruleError(ErrFirstTxNotCoinbase, str)
	}
	if len(nullData) < 4 {
		str := fmt.Sprintf("block %s coinbase output %d pushes %d bytes which "+
			"is too short to encode height", block.Hash(),
			coinbaseHeightOutIdx, len(nullData))
		return ruleError(ErrFirstTxNotCoinbase, str)
	}

	cbHeight := binary.LittleEndian.Uint32(nullData[0:4])
	if cbHeight != uint32(blockHeight) {
		str := fmt.Sprintf("block %s coinbase output %d encodes height %d "+
			"instead of expected height %d", block.Hash(),
			coinbaseHeightOutIdx, cbHeight, uint32(blockHeight))
		return ruleError(ErrCoinbaseHeight, str)
	}

	return nil
}

// checkBlockSanity performs some preliminary checks on a block to ensure it is
// sane before continuing with block processing.  These checks are context
// free.
func checkBlockSanity(block *dcrutil.Block, chainParams *chaincfg.Params, now time.Time) error {
	msgBlock := block.MsgBlock()
	header := &msgBlock.Header
	if err := checkBlockHeaderSanity(header, chainParams, now); err != nil {
		return err
	}

	// A block must have at least one regular transaction.
	numTx := len(msgBlock.Transactions)
	if numTx == 0 {
		return ruleError(ErrNoTransactions, "block does not contain any "+
			"transactions")
	}

	// Stake transactions are not supported.
	if len(msgBlock.STransactions) != 0 || header.StakeRoot != zeroHash {
		str := fmt.Sprintf("block contains %d stake transactions",
			len(msgBlock.STransactions))
		return ruleError(ErrStakeTransactions, str)
	}

	// A block must not exceed the maximum allowed block payload when
	// serialized and must be the size committed to by the header.
	serializedSize := msgBlock.SerializeSize()
	maxBlockSize := wire.MaxBlockPayload
	if len(chainParams.MaximumBlockSizes) > 0 {
		maxBlockSize = chainParams.MaximumBlockSizes[0]
	}
	if serializedSize > maxBlockSize {
		str := fmt.Sprintf("serialized block is too big - got %d, max %d",
			serializedSize, maxBlockSize)
		return ruleError(ErrBlockTooBig, str)
	}
	if header.Size != uint32(serializedSize) {
		str := fmt.Sprintf("serialized block is not size indicated in "+
			"header - got %d, expected %d", header.Size, serializedSize)
		return ruleError(ErrWrongBlockSize, str)
	}

	// The first transaction in a block must be a coinbase and it must be the
	// only one.
	transactions := block.Transactions()
	if !standalone.IsCoinBaseTx(transactions[0].MsgTx(), noTreasury) {
		return ruleError(ErrFirstTxNotCoinbase, "first transaction in "+
			"block is not a coinbase")
	}
	if err := checkCoinbaseScript(transactions[0].MsgTx()); err != nil {
		return err
	}
	err := checkCoinbaseUniqueHeight(int64(header.Height), block)
	if err != nil {
		return err
	}
	for i, tx := range transactions[1:] {
		if standalone.IsCoinBaseTx(tx.MsgTx(), noTreasury) {
			str := fmt.Sprintf("block contains second coinbase at index %d",
				i+1)
			return ruleError(ErrMultipleCoinbases, str)
		}
	}

	// Do some preliminary checks on each transaction to ensure they are sane.
	for _, tx := range transactions {
		if err := checkTransactionSanity(tx.MsgTx(), chainParams); err != nil {
			return err
		}
	}

	// Build merkle tree and ensure the calculated merkle root matches the
	// entry in the block header.
	merkleRoot := standalone.CalcTxTreeMerkleRoot(msgBlock.Transactions)
	if header.MerkleRoot != merkleRoot {
		str := fmt.Sprintf("block merkle root is invalid - block header "+
			"indicates %v, but calculated value is %v", header.MerkleRoot,
			merkleRoot)
		return ruleError(ErrBadMerkleRoot, str)
	}

	// Check for duplicate transactions.
	existingTxHashes := make(map[chainhash.Hash]struct{}, numTx)
	for _, tx := range transactions {
		hash := tx.Hash()
		if _, exists := existingTxHashes[*hash]; exists {
			str := fmt.Sprintf("block contains duplicate transaction %v", hash)
			return ruleError(ErrDuplicateTx, str)
		}
		existingTxHashes[*hash] = struct{}{}
	}

	return nil
}

// CheckBlockSanity performs some preliminary checks on a block to ensure it is
// sane before continuing with block processing.  These checks are context
// free.
func CheckBlockSanity(block *dcrutil.Block, chainParams *chaincfg.Params) error {
	return checkBlockSanity(block, chainParams, time.Now())
}

// CheckTransactionSanity performs some preliminary checks on a transaction to
// ensure it is sane.  These checks are context free.
func CheckTransactionSanity(tx *wire.MsgTx, chainParams *chaincfg.Params) error {
	return checkTransactionSanity(tx, chainParams)
}

// CheckTransactionInputs performs a series of checks on the inputs to a
// transaction to ensure they are valid.  The checks include verifying all
// inputs exist and are unspent, ensuring the coinbase maturity requirements
// are met and that the total output amount doesn't exceed the input amount.
// As it checks the inputs, it also calculates the total fees for the
// transaction and returns that value.
//
// NOTE: The transaction MUST have already been sanity checked with the
// CheckTransactionSanity function prior to calling this function.
func CheckTransactionInputs(tx *dcrutil.Tx, txHeight int64, view *UtxoViewpoint, chainParams *chaincfg.Params) (int64, error) {
	// Coinbase transactions have no inputs.
	msgTx := tx.MsgTx()
	if standalone.IsCoinBaseTx(msgTx, noTreasury) {
		return 0, nil
	}

	txHash := tx.Hash()
	coinbaseMaturity := int64(chainParams.CoinbaseMaturity)
	var totalAtomIn int64
	for idx, txIn := range msgTx.TxIn {
		entry := view.LookupEntry(txIn.PreviousOutPoint)
		if entry == nil || entry.IsSpent() {
			str := fmt.Sprintf("output %v referenced from transaction %s:%d "+
				"either does not exist or has already been spent",
				txIn.PreviousOutPoint, txHash, idx)
			return 0, ruleError(ErrMissingTxOut, str)
		}

		// Ensure the transaction is not spending coins which have not yet
		// reached the required coinbase maturity.
		if entry.IsCoinBase() {
			originHeight := entry.BlockHeight()
			blocksSincePrev := txHeight - originHeight
			if blocksSincePrev < coinbaseMaturity {
				str := fmt.Sprintf("tx %v tried to spend coinbase "+
					"transaction output %v from height %v at height %v "+
					"before required maturity of %v blocks", txHash,
					txIn.PreviousOutPoint, originHeight, txHeight,
					coinbaseMaturity)
				return 0, ruleError(ErrImmatureSpend, str)
			}
		}

		// The total of all outputs must not be more than the max allowed per
		// transaction.  Also, we could potentially overflow the accumulator so
		// check for overflow.
		originTxAtom := entry.Amount()
		lastAtomIn := totalAtomIn
		totalAtomIn += originTxAtom
		if totalAtomIn < lastAtomIn || totalAtomIn > dcrutil.MaxAmount {
			str := fmt.Sprintf("total value of all transaction inputs is %v "+
				"which is higher than max allowed value of %v", totalAtomIn,
				int64(dcrutil.MaxAmount))
			return 0, ruleError(ErrBadTxInput, str)
		}
	}

	// Calculate the total output amount for this transaction.  It is safe to
	// ignore overflow and out of range errors here because those error
	// conditions would have already been caught by the sanity checks.
	var totalAtomOut int64
	for _, txOut := range msgTx.TxOut {
		totalAtomOut += txOut.Value
	}

	// Ensure the transaction does not spend more than its inputs.
	if totalAtomIn < totalAtomOut {
		str := fmt.Sprintf("total value of all transaction inputs for "+
			"transaction %v is %v which is less than the amount spent of "+
			"%v", txHash, totalAtomIn, totalAtomOut)
		return 0, ruleError(ErrSpendTooHigh, str)
	}

	return totalAtomIn - totalAtomOut, nil
}

// checkNoOverwrite ensures none of the outputs created by the passed
// transaction already exist as unspent outputs in the view.  Replacing an
// unspent output would destroy it without it ever being spent.
func checkNoOverwrite(tx *dcrutil.Tx, view *UtxoViewpoint) error {
	outpoint := wire.OutPoint{Hash: *tx.Hash(), Tree: wire.TxTreeRegular}
	for txOutIdx := range tx.MsgTx().TxOut {
		outpoint.Index = uint32(txOutIdx)
		if entry := view.LookupEntry(outpoint); entry != nil &&
			!entry.IsSpent() {

			str := fmt.Sprintf("tried to overwrite transaction %v at block "+
				"height %d that is not fully spent", outpoint,
				entry.BlockHeight())
			return ruleError(ErrOverwriteTx, str)
		}
	}
	return nil
}

// checkConnectBlock performs several checks to confirm connecting the passed
// block to the chain represented by the passed view does not violate any
// rules and connects every transaction in the view along the way.  In
// addition, when the 'stxos' argument is not nil, it will be updated to
// append an entry for each spent txout.
//
// The view must represent the state of the chain as of the parent of the
// block, which means its best hash is the hash of the parent.
//
// This function MUST be called with the chain lock held (for writes).
func checkConnectBlock(node *blockNode, block *dcrutil.Block, view *UtxoViewpoint,
	stxos *[]spentTxOut, subsidyCache *standalone.SubsidyCache,
	chainParams *chaincfg.Params) error {

	// Ensure the view is for the node being checked.
	parentHash := &block.MsgBlock().Header.PrevBlock
	if !view.BestHash().IsEqual(parentHash) {
		return AssertError(fmt.Sprintf("inconsistent view when checking "+
			"block connection: best hash is %v instead of expected %v",
			view.BestHash(), parentHash))
	}

	if err := view.fetchBlockUtxos(block); err != nil {
		return err
	}

	// Ensure the block does not recreate any unspent outputs.  This check is
	// done before connecting anything since outputs of earlier transactions
	// in the block are added to the view as they are connected.
	for _, tx := range block.Transactions() {
		if err := checkNoOverwrite(tx, view); err != nil {
			return err
		}
	}

	// Perform several checks on the inputs for each transaction and connect
	// it to the view while tallying the total fees.
	var totalFees int64
	for _, tx := range block.Transactions() {
		txFee, err := CheckTransactionInputs(tx, node.height, view,
			chainParams)
		if err != nil {
			return err
		}

		// Sum the total fees and ensure we don't overflow the accumulator.
		lastTotalFees := totalFees
		totalFees += txFee
		if totalFees < lastTotalFees {
			return ruleError(ErrBadTxInput, "total fees for block "+
				"overflows accumulator")
		}

		if err := view.connectTransaction(tx, node.height, stxos); err != nil {
			return err
		}
	}

	// The total output values of the coinbase transaction must not exceed the
	// expected subsidy value plus total transaction fees gained from mining
	// the block.
	var totalAtomOutCoinbase int64
	for _, txOut := range block.Transactions()[0].MsgTx().TxOut {
		totalAtomOutCoinbase += txOut.Value
	}
	expectedAtomOut := subsidyCache.CalcBlockSubsidy(node.height)
	if expectedAtomOut > math.MaxInt64-totalFees {
		expectedAtomOut = math.MaxInt64
	} else {
		expectedAtomOut += totalFees
	}
	if totalAtomOutCoinbase > expectedAtomOut {
		str := fmt.Sprintf("coinbase transaction for block pays %v which "+
			"is more than expected value of %v", totalAtomOutCoinbase,
			expectedAtomOut)
		return ruleError(ErrBadCoinbaseValue, str)
	}

	// Update the best hash for view to include this block since all of its
	// transactions have been connected.
	view.SetBestHash(&node.hash)
	return nil
}
