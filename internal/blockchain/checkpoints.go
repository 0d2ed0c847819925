// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4/stdscript"
)

// CheckpointConfirmations is the number of blocks before the end of the current
// best block chain that a good checkpoint candidate must be.
const CheckpointConfirmations = 4096

// latestCheckpoint returns the most recent checkpoint (regardless of whether it
// is already known).  It returns nil when there are no checkpoints for the
// active network.
func (bi *blockIndex) latestCheckpoint() *chaincfg.Checkpoint {
	if len(bi.checkpoints) == 0 {
		return nil
	}

	return &bi.checkpoints[len(bi.checkpoints)-1]
}

// verifyCheckpoint returns whether the passed block height and hash combination
// match the hard-coded checkpoint data.  It also returns true if there is no
// checkpoint data for the passed block height.
func (bi *blockIndex) verifyCheckpoint(height int64, hash *chainhash.Hash) bool {
	for i := range bi.checkpoints {
		checkpoint := &bi.checkpoints[i]
		if checkpoint.Height != height {
			continue
		}
		if *checkpoint.Hash != *hash {
			return false
		}
		log.Infof("Verified checkpoint at height %d/block %s",
			checkpoint.Height, checkpoint.Hash)
		return true
	}
	return true
}

// checkpointNode returns the node of the most recent checkpoint that is known
// to the index or nil when none of them are known.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) checkpointNode() *blockNode {
	for i := len(bi.checkpoints) - 1; i >= 0; i-- {
		if node := bi.lookupNode(bi.checkpoints[i].Hash); node != nil {
			return node
		}
	}
	return nil
}

// totalBlocksEstimate returns a rough estimate of the total number of blocks in
// the chain based on the latest checkpoint.
func (bi *blockIndex) totalBlocksEstimate() int64 {
	if checkpoint := bi.latestCheckpoint(); checkpoint != nil {
		return checkpoint.Height
	}
	return 0
}

// isNonstandardTransaction determines whether a transaction contains any
// scripts which are not one of the standard types.
func isNonstandardTransaction(tx *dcrutil.Tx) bool {
	for _, txOut := range tx.MsgTx().TxOut {
		scriptType := stdscript.DetermineScriptType(txOut.Version,
			txOut.PkScript)
		if scriptType == stdscript.STNonStandard {
			return true
		}
	}
	return false
}

// IsCheckpointCandidate returns whether or not the passed block is a good
// checkpoint candidate for the active chain.
//
// The factors used to determine a good checkpoint are:
//   - The block must be in the active chain
//   - The block must be at least 'CheckpointConfirmations' blocks prior to the
//     current end of the active chain
//   - The timestamps for the blocks before and after the checkpoint must have
//     timestamps which are also before and after the checkpoint, respectively
//   - The block must not contain any strange transaction such as those with
//     nonstandard scripts
//
// This function is safe for concurrent access.
func (m *ChainStateManager) IsCheckpointCandidate(block *dcrutil.Block) (bool, error) {
	return m.isCheckpointCandidate(block, CheckpointConfirmations)
}

// isCheckpointCandidate implements IsCheckpointCandidate with the passed
// number of required confirmations.
func (m *ChainStateManager) isCheckpointCandidate(block *dcrutil.Block, confirmations int64) (bool, error) {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()

	bestChain := m.activeChainState().bestChain
	node := m.index.LookupNode(block.Hash())
	if node == nil || !bestChain.Contains(node) {
		return false, nil
	}

	if node.height != block.Height() {
		return false, fmt.Errorf("passed block height of %d does not "+
			"match the main chain height of %d", block.Height(),
			node.height)
	}

	if node.height > bestChain.Tip().height-confirmations {
		return false, nil
	}

	nextNode := bestChain.Next(node)
	if nextNode == nil || node.parent == nil {
		return false, nil
	}

	prevTime := time.Unix(node.parent.timestamp, 0)
	curTime := block.MsgBlock().Header.Timestamp
	nextTime := time.Unix(nextNode.timestamp, 0)
	if prevTime.After(curTime) || nextTime.Before(curTime) {
		return false, nil
	}

	for _, tx := range block.Transactions() {
		if isNonstandardTransaction(tx) {
			return false, nil
		}
	}

	return true, nil
}
