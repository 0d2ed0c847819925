// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sort"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
)

const (
	// MinBlocksToKeep is the number of blocks from the tip of the chain whose
	// block and undo data is never pruned so that reorganizations of up to
	// that depth remain possible.
	MinBlocksToKeep = 288

	// MinPruneTarget is the smallest allowed prune target in bytes.
	MinPruneTarget = 550 * 1024 * 1024
)

// pruneAfterHeight returns the height the chain must exceed before any block
// files are pruned for the provided network.
func pruneAfterHeight(params *chaincfg.Params) int64 {
	switch params.Net {
	case wire.MainNet, wire.TestNet3:
		return 100000
	}
	return 1000
}

// chainPruner is used to occasionally prune the flat block and undo files so
// their total size stays below a configured target.
type chainPruner struct {
	index           *blockIndex
	files           *blockFileManager
	target          uint64
	afterHeight     int64
	lastPruneTime   time.Time
	pruningInterval time.Duration

	// checkPending is set when a block write pushed the usage over the
	// target and cleared once a prune check runs.
	checkPending bool

	// pendingUnlink holds the files pruned from the index that may only be
	// removed from disk once the index is written.
	pendingUnlink []uint32
}

// newChainPruner returns a new chain pruner.  A zero target disables pruning.
func newChainPruner(index *blockIndex, files *blockFileManager, params *chaincfg.Params, target uint64) *chainPruner {
	return &chainPruner{
		index:           index,
		files:           files,
		target:          target,
		afterHeight:     pruneAfterHeight(params),
		pruningInterval: params.TargetTimePerBlock,
	}
}

// enabled returns whether pruning is configured.
func (p *chainPruner) enabled() bool {
	return p.target != 0
}

// noteBlockWritten schedules a prune check when the block files have grown
// beyond the target.
//
// This function MUST be called with the chain lock held (for writes).
func (p *chainPruner) noteBlockWritten() {
	if p.enabled() && p.files.CurrentUsage() >= p.target {
		p.checkPending = true
	}
}

// pruneFilesIfNeeded runs a prune check when one is pending and the pruning
// interval has elapsed, or unconditionally when forced.  It returns the block
// files that were pruned from the index and queues them to be unlinked after
// the next successful block index write.
//
// Files holding any block above keepAbove are never selected.  Callers pass
// the lowest height whose data must remain available, such as the tip of a
// chain that is still validating.
//
// This function MUST be called with the chain lock held (for writes).
func (p *chainPruner) pruneFilesIfNeeded(tipHeight, keepAbove int64, force bool) []uint32 {
	if !p.enabled() || (!p.checkPending && !force) {
		return nil
	}
	now := time.Now()
	if !force && now.Sub(p.lastPruneTime) < p.pruningInterval {
		return nil
	}
	p.lastPruneTime = now
	p.checkPending = false

	lastPrunable := tipHeight - MinBlocksToKeep
	if keepAbove < lastPrunable {
		lastPrunable = keepAbove
	}
	pruned := p.findFilesToPrune(tipHeight, lastPrunable)
	p.pendingUnlink = append(p.pendingUnlink, pruned...)
	return pruned
}

// unlinkPending removes the files queued by pruneFilesIfNeeded from disk and
// returns how many there were.  It must only be called once the block index no
// longer refers to them.
//
// This function MUST be called with the chain lock held (for writes).
func (p *chainPruner) unlinkPending() int {
	n := len(p.pendingUnlink)
	if n > 0 {
		p.files.UnlinkFiles(p.pendingUnlink)
		p.pendingUnlink = nil
	}
	return n
}

// findFilesToPrune selects the oldest block files to remove until the total
// size of the block and undo files is under the target, prunes the block
// index accordingly and returns the selected file numbers.
//
// Nothing is selected until the tip exceeds the network prune height, the file
// currently being written is never selected and neither is any file holding a
// block above lastPrunable.
//
// This function MUST be called with the chain lock held (for writes).
func (p *chainPruner) findFilesToPrune(tipHeight, lastPrunable int64) []uint32 {
	if !p.enabled() || tipHeight <= p.afterHeight || lastPrunable < 0 {
		return nil
	}

	usage := p.files.CurrentUsage()
	const buffer = blockFileChunkSize + undoFileChunkSize
	if usage+buffer < p.target {
		return nil
	}

	var pruned []uint32
	lastFile := p.files.LastFile()
	for fileNum := uint32(0); fileNum < lastFile; fileNum++ {
		info, ok := p.files.FileInfo(fileNum)
		if !ok || info.size == 0 {
			continue
		}
		if usage+buffer < p.target {
			break
		}
		if int64(info.heightLast) > lastPrunable {
			continue
		}

		p.index.PruneBlockFile(fileNum)
		p.files.resetFile(fileNum)
		pruned = append(pruned, fileNum)
		usage -= uint64(info.size) + uint64(info.undoSize)
	}

	log.Debugf("Prune: target=%dMiB actual=%dMiB diff=%dMiB max_prune_height=%d "+
		"removed %d blk/rev pairs", p.target/1024/1024, usage/1024/1024,
		(int64(p.target)-int64(usage))/1024/1024, lastPrunable, len(pruned))
	return pruned
}

// PruneBlockFile clears the data and undo status of every block stored in the
// provided block file.  The blocks are removed from the unlinked tracking
// since their data is no longer available.
//
// This function is safe for concurrent access.
func (bi *blockIndex) PruneBlockFile(fileNum uint32) {
	bi.Lock()
	defer bi.Unlock()

	var prunedNodes []*blockNode
	for _, node := range bi.index {
		if node.status.HaveData() && node.dataPos.fileNum == fileNum {
			bi.unsetStatusFlags(node, statusDataStored|statusUndoStored)
			node.dataPos = flatFilePos{}
			node.undoPos = flatFilePos{}
			prunedNodes = append(prunedNodes, node)
		}
	}
	sort.Slice(prunedNodes, func(i, j int) bool {
		return prunedNodes[i].height < prunedNodes[j].height
	})

	// Remove the pruned nodes from the unlinked children of their parents.
	for _, node := range prunedNodes {
		if node.parent == nil {
			continue
		}
		children := bi.unlinkedChildrenOf[node.parent]
		for i, child := range children {
			if child == node {
				children = append(children[:i], children[i+1:]...)
				break
			}
		}
		if len(children) == 0 {
			delete(bi.unlinkedChildrenOf, node.parent)
		} else {
			bi.unlinkedChildrenOf[node.parent] = children
		}
	}
}
