// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
)

// blockStatus is a bit field representing the validation state of the block.
//
// The bit representation is:
//
//	bits 0-1  - validity level (header, transactions, chain)
//	bit  2    - block data is stored in a block file
//	bit  3    - undo data is stored in an undo file
//	bit  4    - block failed validation
//	bit  5    - an ancestor of the block failed validation
//	bit  6    - block is assumed valid by a UTXO snapshot
//	bit  7    - unused
type blockStatus byte

// The following constants specify possible status bit flags for a block.
//
// NOTE: This section specifically does not use iota since the block status is
// serialized and must be stable for long-term storage.
const (
	// statusNone indicates that the block has no validation state flags set.
	statusNone blockStatus = 0

	// statusValidHeader indicates the header passed all sanity and
	// positional checks.
	statusValidHeader blockStatus = 1

	// statusValidTransactions indicates the block data passed all context
	// free and positional checks.
	statusValidTransactions blockStatus = 2

	// statusValidChain indicates the block has been connected to a chain.
	// It also means that all of its ancestors have been connected.
	statusValidChain blockStatus = 3

	// statusValidMask is the mask for the validity level.
	statusValidMask blockStatus = 3

	// statusDataStored indicates that the block's payload is stored on disk.
	statusDataStored blockStatus = 1 << 2

	// statusUndoStored indicates that the undo data for the block is stored
	// on disk.
	statusUndoStored blockStatus = 1 << 3

	// statusValidateFailed indicates that the block has failed validation.
	statusValidateFailed blockStatus = 1 << 4

	// statusInvalidAncestor indicates that one of the ancestors of the block
	// has failed validation, thus the block is also invalid.
	statusInvalidAncestor blockStatus = 1 << 5

	// statusAssumedValid indicates the transaction counts of the block were
	// fabricated from snapshot metadata rather than from validated data.
	statusAssumedValid blockStatus = 1 << 6

	// statusFailedMask is the mask for both kinds of failures.
	statusFailedMask = statusValidateFailed | statusInvalidAncestor
)

// medianTimeBlocks is the number of previous blocks which should be used to
// calculate the median time used to validate block timestamps.
const medianTimeBlocks = 11

// HaveData returns whether the full block data is stored on disk.  This will
// return false for a block node where only the header is downloaded or the data
// has been pruned.
func (status blockStatus) HaveData() bool {
	return status&statusDataStored != 0
}

// HaveUndo returns whether the undo data for the block is stored on disk.
func (status blockStatus) HaveUndo() bool {
	return status&statusUndoStored != 0
}

// Validity returns the validity level of the block.
func (status blockStatus) Validity() blockStatus {
	return status & statusValidMask
}

// IsValid returns whether the block has reached at least the provided
// validity level without being known invalid.
func (status blockStatus) IsValid(upTo blockStatus) bool {
	if status.KnownInvalid() {
		return false
	}
	return status.Validity() >= upTo
}

// KnownInvalid returns whether either the block itself is known to be invalid
// or to have an invalid ancestor.  A return value of false in no way implies
// the block is valid or only has valid ancestors.
func (status blockStatus) KnownInvalid() bool {
	return status&statusFailedMask != 0
}

// KnownInvalidAncestor returns whether the block is known to have an invalid
// ancestor.
func (status blockStatus) KnownInvalidAncestor() bool {
	return status&statusInvalidAncestor != 0
}

// KnownValidateFailed returns whether the block is known to have failed
// validation.
func (status blockStatus) KnownValidateFailed() bool {
	return status&statusValidateFailed != 0
}

// AssumedValid returns whether the block counts come from snapshot metadata.
func (status blockStatus) AssumedValid() bool {
	return status&statusAssumedValid != 0
}

// flatFilePos identifies a record within the sequentially numbered block and
// undo files.
type flatFilePos struct {
	fileNum uint32
	offset  uint32
}

// String returns the position in a human-readable form.
func (p flatFilePos) String() string {
	return fmt.Sprintf("file %d offset %d", p.fileNum, p.offset)
}

// blockNode represents a block within the block chain and is primarily used to
// aid in selecting the best chain to be the main chain.
//
// Nodes are owned by the block index and are never removed from it, so
// references handed out by the index remain valid for the lifetime of the
// index.  The parent and skip list pointers only ever point backwards.
type blockNode struct {
	// parent is the parent block for this node.
	parent *blockNode

	// skipToAncestor is used to provide a skip list to significantly speed up
	// traversal to ancestors deep in history.
	skipToAncestor *blockNode

	// hash is the hash of the block this node represents.
	hash chainhash.Hash

	// workSum is the total amount of work in the chain up to and including
	// this node.
	workSum uint256.Uint256

	// Some fields from block headers to aid in best chain selection and
	// reconstructing headers from memory.  These must be treated as
	// immutable.
	height       int64
	voteBits     uint16
	finalState   [6]byte
	blockVersion int32
	voters       uint16
	freshStake   uint8
	revocations  uint8
	poolSize     uint32
	bits         uint32
	sbits        int64
	timestamp    int64
	merkleRoot   chainhash.Hash
	stakeRoot    chainhash.Hash
	blockSize    uint32
	nonce        uint32
	extraData    [32]byte
	stakeVersion uint32

	// status is a bitfield representing the validation state of the block.
	// It must only be modified through the block index so the change is
	// persisted.
	status blockStatus

	// dataPos and undoPos are the locations of the block and undo records.
	// They are only meaningful when the matching status flag is set.
	dataPos flatFilePos
	undoPos flatFilePos

	// numTxns is the number of transactions in the block.  It is zero until
	// the block data has been received.
	numTxns uint32

	// chainTxns is the total number of transactions in the chain up to and
	// including this block.  A non-zero value means the block and all of its
	// ancestors have had their data received, or the value was fabricated
	// from snapshot metadata, and therefore the block is eligible for
	// becoming a best chain candidate.
	chainTxns uint64

	// sequenceID tracks the order block data was linked and is only stored
	// in memory.  Nodes loaded from disk have zero, newly linked nodes get
	// increasing positive values and nodes manually marked precious get
	// decreasing negative values.
	sequenceID int32
}

// clearLowestOneBit clears the lowest set bit in the passed value.
func clearLowestOneBit(n int64) int64 {
	return n & (n - 1)
}

// calcSkipListHeight calculates the height of an ancestor block to use when
// constructing the ancestor traversal skip list.
func calcSkipListHeight(height int64) int64 {
	if height < 0 {
		return 0
	}

	// The chain is append only, so this is a deterministic skip list with a
	// single level that is reasonably close to O(log n).  The only real
	// requirement for proper operation is that the calculated height is less
	// than the provided height.
	return clearLowestOneBit(clearLowestOneBit(height))
}

// calcWork returns the work represented by the provided difficulty bits as a
// uint256.
func calcWork(bits uint32) uint256.Uint256 {
	var work uint256.Uint256
	work.SetBig(standalone.CalcWork(bits))
	return work
}

// initBlockNode initializes a block node from the given header and parent
// node.  The workSum is calculated based on the parent, or, in the case no
// parent is provided, it will just be the work for the passed block.
//
// This function is NOT safe for concurrent access.  It must only be called when
// initially creating a node.
func initBlockNode(node *blockNode, blockHeader *wire.BlockHeader, parent *blockNode) {
	*node = blockNode{
		hash:         blockHeader.BlockHash(),
		workSum:      calcWork(blockHeader.Bits),
		height:       int64(blockHeader.Height),
		blockVersion: blockHeader.Version,
		voteBits:     blockHeader.VoteBits,
		finalState:   blockHeader.FinalState,
		voters:       blockHeader.Voters,
		freshStake:   blockHeader.FreshStake,
		poolSize:     blockHeader.PoolSize,
		bits:         blockHeader.Bits,
		sbits:        blockHeader.SBits,
		timestamp:    blockHeader.Timestamp.Unix(),
		merkleRoot:   blockHeader.MerkleRoot,
		stakeRoot:    blockHeader.StakeRoot,
		revocations:  blockHeader.Revocations,
		blockSize:    blockHeader.Size,
		nonce:        blockHeader.Nonce,
		extraData:    blockHeader.ExtraData,
		stakeVersion: blockHeader.StakeVersion,
		status:       statusNone,
	}
	if parent != nil {
		node.parent = parent
		node.skipToAncestor = parent.Ancestor(calcSkipListHeight(node.height))
		node.workSum.Add(&parent.workSum)
	}
}

// newBlockNode returns a new block node for the given block header and parent
// node.
func newBlockNode(blockHeader *wire.BlockHeader, parent *blockNode) *blockNode {
	var node blockNode
	initBlockNode(&node, blockHeader, parent)
	return &node
}

// Header constructs a block header from the node and returns it.
//
// This function is safe for concurrent access.
func (node *blockNode) Header() wire.BlockHeader {
	// No lock is needed because all accessed fields are immutable.
	var prevHash chainhash.Hash
	if node.parent != nil {
		prevHash = node.parent.hash
	}
	return wire.BlockHeader{
		Version:      node.blockVersion,
		PrevBlock:    prevHash,
		MerkleRoot:   node.merkleRoot,
		StakeRoot:    node.stakeRoot,
		VoteBits:     node.voteBits,
		FinalState:   node.finalState,
		Voters:       node.voters,
		FreshStake:   node.freshStake,
		Revocations:  node.revocations,
		PoolSize:     node.poolSize,
		Bits:         node.bits,
		SBits:        node.sbits,
		Height:       uint32(node.height),
		Size:         node.blockSize,
		Timestamp:    time.Unix(node.timestamp, 0),
		Nonce:        node.nonce,
		ExtraData:    node.extraData,
		StakeVersion: node.stakeVersion,
	}
}

// isLinked returns whether the node and all of its ancestors have their
// transaction data accounted for.
func (node *blockNode) isLinked() bool {
	return node.chainTxns > 0
}

// Ancestor returns the ancestor block node at the provided height by following
// the chain backwards from this node.  The returned block will be nil when a
// height is requested that is after the height of the passed node or is less
// than zero.
//
// This function is safe for concurrent access.
func (node *blockNode) Ancestor(height int64) *blockNode {
	if height < 0 || height > node.height {
		return nil
	}

	n := node
	for n != nil && n.height != height {
		// Skip to the linked ancestor when it won't overshoot the target
		// height.
		if n.skipToAncestor != nil && calcSkipListHeight(n.height) >= height {
			n = n.skipToAncestor
			continue
		}

		n = n.parent
	}

	return n
}

// RelativeAncestor returns the ancestor block node a relative 'distance' blocks
// before this node.
//
// This function is safe for concurrent access.
func (node *blockNode) RelativeAncestor(distance int64) *blockNode {
	return node.Ancestor(node.height - distance)
}

// CalcPastMedianTime calculates the median time of the previous few blocks
// prior to, and including, the block node.
//
// This function is safe for concurrent access.
func (node *blockNode) CalcPastMedianTime() time.Time {
	timestamps := make([]int64, 0, medianTimeBlocks)
	iterNode := node
	for i := 0; i < medianTimeBlocks && iterNode != nil; i++ {
		timestamps = append(timestamps, iterNode.timestamp)
		iterNode = iterNode.parent
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	// NOTE: The median is not averaged for even numbers of blocks which only
	// happens for the first few blocks of the chain.
	medianTimestamp := timestamps[len(timestamps)/2]
	return time.Unix(medianTimestamp, 0)
}

// compareHashesAsUint256LE compares two raw hashes treated as if they were
// little-endian uint256s.  It returns 1 when a > b, -1 when a < b, and 0 when
// a == b.
func compareHashesAsUint256LE(a, b *chainhash.Hash) int {
	// Find the index of the first byte that differs.
	index := len(a) - 1
	for ; index >= 0 && a[index] == b[index]; index-- {
		// Nothing to do.
	}
	if index < 0 {
		return 0
	}
	if a[index] > b[index] {
		return 1
	}
	return -1
}

// workSorterLess returns whether node 'a' is a worse candidate than 'b' for the
// purposes of best chain selection.
//
// The criteria for determining what constitutes a worse candidate, in order of
// priority, is as follows:
//
// 1. Less total cumulative work
// 2. Higher sequence id (data linked later and not marked precious)
// 3. Hash that represents less work (larger value as a little-endian uint256)
//
// Nodes marked precious have negative sequence ids, so they win ties against
// every node that was linked normally, including nodes loaded from disk.  Among
// precious nodes the most recently marked one wins.
//
// This function MUST be called with the block index lock held (for reads).
func workSorterLess(a, b *blockNode) bool {
	if workCmp := a.workSum.Cmp(&b.workSum); workCmp != 0 {
		return workCmp < 0
	}

	if a.sequenceID != b.sequenceID {
		return a.sequenceID > b.sequenceID
	}

	// It is more difficult to find hashes with more leading zeros when treated
	// as a little-endian uint256, so larger values represent less work and
	// are therefore worse candidates.
	return compareHashesAsUint256LE(&a.hash, &b.hash) > 0
}

// chainTipEntry defines an entry used to track the chain tips and is structured
// such that there is a single statically-allocated field to house a tip, and a
// dynamically-allocated slice for the rare case when there are multiple
// tips at the same height.
type chainTipEntry struct {
	tip       *blockNode
	otherTips []*blockNode
}

// blockIndex provides facilities for keeping track of an in-memory index of the
// block chain.  Although the name block chain suggests a single chain of
// blocks, it is actually a tree-shaped structure where any node can have
// multiple children.
type blockIndex struct {
	// The following fields are set when the instance is created and can't
	// be changed afterwards, so there is no need to protect them with a
	// separate mutex.
	db          *blockIndexDB
	params      *chaincfg.Params
	checkpoints []chaincfg.Checkpoint
	timeNow     func() time.Time

	// These following fields are protected by the embedded mutex.
	//
	// index contains an entry for every known block tracked by the block
	// index.
	//
	// modified contains an entry for all nodes that have been modified
	// since the last time the index was flushed to disk.
	//
	// chainTips contains an entry with the tip of all known side chains.
	//
	// totalTips tracks the total number of all known chain tips.
	sync.RWMutex
	index     map[chainhash.Hash]*blockNode
	modified  map[*blockNode]struct{}
	chainTips map[int64]chainTipEntry
	totalTips uint64

	// genesis is the root of the tree.
	genesis *blockNode

	// bestHeader tracks the highest work block node in the index that is not
	// known to be invalid.
	//
	// bestInvalid tracks the highest work block node that was found to be
	// invalid.
	//
	// unlinkedChildrenOf maps blocks that are not yet linked to any immediate
	// children that have their data available.
	//
	// failedBlocks tracks the blocks that failed validation themselves so
	// new headers that build on them are rejected without walking the tree.
	//
	// nextSequenceID is assigned to block nodes and incremented each time
	// block data is linked.
	bestHeader         *blockNode
	bestInvalid        *blockNode
	unlinkedChildrenOf map[*blockNode][]*blockNode
	failedBlocks       map[*blockNode]struct{}
	nextSequenceID     int32

	// headerNotify is closed and replaced every time a header is added so
	// callers can wait for specific headers to arrive.
	headerNotify chan struct{}
}

// newBlockIndex returns a new empty instance of a block index.  The index will
// be dynamically populated as block nodes are loaded from the database and
// manually added.
func newBlockIndex(db *blockIndexDB, params *chaincfg.Params) *blockIndex {
	// Notice the next sequence id starts at one since all entries loaded from
	// disk will be zero.
	return &blockIndex{
		db:                 db,
		params:             params,
		checkpoints:        params.Checkpoints,
		timeNow:            time.Now,
		index:              make(map[chainhash.Hash]*blockNode),
		modified:           make(map[*blockNode]struct{}),
		chainTips:          make(map[int64]chainTipEntry),
		unlinkedChildrenOf: make(map[*blockNode][]*blockNode),
		failedBlocks:       make(map[*blockNode]struct{}),
		nextSequenceID:     1,
		headerNotify:       make(chan struct{}),
	}
}

// HaveBlock returns whether or not the block index contains the provided hash
// and the block data is available.
//
// This function is safe for concurrent access.
func (bi *blockIndex) HaveBlock(hash *chainhash.Hash) bool {
	bi.RLock()
	node := bi.lookupNode(hash)
	hasBlock := node != nil && node.status.HaveData()
	bi.RUnlock()
	return hasBlock
}

// addNode adds the provided node to the block index.  Duplicate entries are not
// checked so it is up to caller to avoid adding them.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) addNode(node *blockNode) {
	bi.index[node.hash] = node
	if node.parent == nil {
		bi.genesis = node
	}

	// All new nodes are either extending an existing chain or are on a side
	// chain, but in either case, are a new chain tip.  In the case the node
	// is extending a chain, the parent is no longer a tip.
	bi.addChainTip(node)
	if node.parent != nil {
		bi.removeChainTip(node.parent)
	}

	// Update the header with most known work that is also not known to be
	// invalid to this node if needed.
	if !node.status.KnownInvalid() &&
		(bi.bestHeader == nil || workSorterLess(bi.bestHeader, node)) {

		bi.bestHeader = node
	}
}

// AddNode adds the provided node to the block index and marks it as modified.
// Duplicate entries are not checked so it is up to caller to avoid adding them.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AddNode(node *blockNode) {
	bi.Lock()
	bi.addNode(node)
	bi.modified[node] = struct{}{}
	close(bi.headerNotify)
	bi.headerNotify = make(chan struct{})
	bi.Unlock()
}

// addChainTip adds the passed block node as a new chain tip.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) addChainTip(tip *blockNode) {
	bi.totalTips++

	// When an entry does not already exist for the given tip height, add an
	// entry to the map with the tip stored in the statically-allocated field.
	entry, ok := bi.chainTips[tip.height]
	if !ok {
		bi.chainTips[tip.height] = chainTipEntry{tip: tip}
		return
	}

	// Otherwise, an entry already exists for the given tip height, so store the
	// tip in the dynamically-allocated slice.
	entry.otherTips = append(entry.otherTips, tip)
	bi.chainTips[tip.height] = entry
}

// removeChainTip removes the passed block node from the available chain tips.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) removeChainTip(tip *blockNode) {
	entry, ok := bi.chainTips[tip.height]
	if !ok {
		return
	}

	if entry.tip == tip {
		bi.totalTips--
		entry.tip = nil

		// Remove the map entry altogether if there are no more tips left.
		if len(entry.otherTips) == 0 {
			delete(bi.chainTips, tip.height)
			return
		}

		// Move the first tip from the slice to the statically-allocated
		// field.
		entry.tip = entry.otherTips[0]
		entry.otherTips = entry.otherTips[1:]
		if len(entry.otherTips) == 0 {
			entry.otherTips = nil
		}
		bi.chainTips[tip.height] = entry
		return
	}

	for i, n := range entry.otherTips {
		if n == tip {
			bi.totalTips--

			copy(entry.otherTips[i:], entry.otherTips[i+1:])
			entry.otherTips[len(entry.otherTips)-1] = nil
			entry.otherTips = entry.otherTips[:len(entry.otherTips)-1]
			if len(entry.otherTips) == 0 {
				entry.otherTips = nil
			}
			bi.chainTips[tip.height] = entry
			return
		}
	}
}

// forEachChainTip calls the provided function with each chain tip known to the
// block index.  Returning an error from the provided function will stop the
// iteration early and return said error from this function.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) forEachChainTip(f func(tip *blockNode) error) error {
	for _, tipEntry := range bi.chainTips {
		if err := f(tipEntry.tip); err != nil {
			return err
		}
		for _, tip := range tipEntry.otherTips {
			if err := f(tip); err != nil {
				return err
			}
		}
	}
	return nil
}

// forEachChainTipAfterHeight calls the provided function with each chain tip
// known to the block index that has a height which is greater than the provided
// filter node.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) forEachChainTipAfterHeight(filter *blockNode, f func(tip *blockNode) error) error {
	return bi.forEachChainTip(func(tip *blockNode) error {
		if tip.height <= filter.height {
			return nil
		}
		return f(tip)
	})
}

// lookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) lookupNode(hash *chainhash.Hash) *blockNode {
	return bi.index[*hash]
}

// LookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function is safe for concurrent access.
func (bi *blockIndex) LookupNode(hash *chainhash.Hash) *blockNode {
	bi.RLock()
	node := bi.lookupNode(hash)
	bi.RUnlock()
	return node
}

// NodeStatus returns the status associated with the provided node.
//
// This function is safe for concurrent access.
func (bi *blockIndex) NodeStatus(node *blockNode) blockStatus {
	bi.RLock()
	status := node.status
	bi.RUnlock()
	return status
}

// BestHeader returns the header with the most cumulative work that is not
// known to be invalid.
//
// This function is safe for concurrent access.
func (bi *blockIndex) BestHeader() *blockNode {
	bi.RLock()
	bestHeader := bi.bestHeader
	bi.RUnlock()
	return bestHeader
}

// setStatusFlags sets the provided status flags for the given block node
// regardless of their previous state.  It does not unset any flags.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) setStatusFlags(node *blockNode, flags blockStatus) {
	origStatus := node.status
	node.status |= flags
	if node.status != origStatus {
		bi.modified[node] = struct{}{}
	}
}

// SetStatusFlags sets the provided status flags for the given block node
// regardless of their previous state.  It does not unset any flags.
//
// This function is safe for concurrent access.
func (bi *blockIndex) SetStatusFlags(node *blockNode, flags blockStatus) {
	bi.Lock()
	bi.setStatusFlags(node, flags)
	bi.Unlock()
}

// unsetStatusFlags unsets the provided status flags for the given block node
// regardless of their previous state.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) unsetStatusFlags(node *blockNode, flags blockStatus) {
	origStatus := node.status
	node.status &^= flags
	if node.status != origStatus {
		bi.modified[node] = struct{}{}
	}
}

// UnsetStatusFlags unsets the provided status flags for the given block node
// regardless of their previous state.
//
// This function is safe for concurrent access.
func (bi *blockIndex) UnsetStatusFlags(node *blockNode, flags blockStatus) {
	bi.Lock()
	bi.unsetStatusFlags(node, flags)
	bi.Unlock()
}

// RaiseValidity raises the validity level of the node to the provided level.
// Nothing is changed when the node is known invalid or already at or above
// the level.  It returns whether the level was changed.
//
// This function is safe for concurrent access.
func (bi *blockIndex) RaiseValidity(node *blockNode, upTo blockStatus) bool {
	bi.Lock()
	defer bi.Unlock()
	if node.status.KnownInvalid() || node.status.Validity() >= upTo {
		return false
	}
	node.status = (node.status &^ statusValidMask) | upTo
	bi.modified[node] = struct{}{}
	return true
}

// maybeUpdateBestInvalid potentially updates the best known invalid block, as
// determined by having the most cumulative work, by comparing the passed block
// node, which must have already been determined to be invalid, against the
// current one.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) maybeUpdateBestInvalid(invalidNode *blockNode) {
	if bi.bestInvalid == nil || workSorterLess(bi.bestInvalid, invalidNode) {
		bi.bestInvalid = invalidNode
	}
}

// maybeUpdateBestHeaderForTip potentially updates the best known header that is
// not known to be invalid by walking backwards from the provided tip so long
// as those headers have more work than the current best header and selecting
// the first one that is not known to be invalid.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) maybeUpdateBestHeaderForTip(tip *blockNode) {
	for n := tip; n != nil && workSorterLess(bi.bestHeader, n); n = n.parent {
		if !n.status.KnownInvalid() {
			bi.bestHeader = n
			return
		}
	}
}

// markDescendantsInvalid marks every known descendant of the passed node as
// having an invalid ancestor by walking each chain tip that descends from it
// back to the node.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) markDescendantsInvalid(node *blockNode) {
	// Chain tips at the same or lower heights than the failed block can't
	// possibly be descendants of it.  Note that blocks already known to have
	// an invalid ancestor are not skipped over entirely since an earlier block
	// might be marked invalid after a later one.
	bi.forEachChainTipAfterHeight(node, func(tip *blockNode) error {
		if tip.Ancestor(node.height) != node {
			return nil
		}
		bi.maybeUpdateBestInvalid(tip)
		for n := tip; n != node; n = n.parent {
			if n.status.KnownInvalidAncestor() {
				continue
			}
			bi.setStatusFlags(n, statusInvalidAncestor)
			delete(bi.unlinkedChildrenOf, n)
		}
		return nil
	})
}

// MarkBlockFailedValidation marks the passed node as having failed validation
// and then marks all of its descendants (if any) as having a failed ancestor.
//
// This function is safe for concurrent access.
func (bi *blockIndex) MarkBlockFailedValidation(node *blockNode) {
	bi.Lock()
	bi.setStatusFlags(node, statusValidateFailed)
	bi.failedBlocks[node] = struct{}{}
	bi.maybeUpdateBestInvalid(node)
	delete(bi.unlinkedChildrenOf, node)
	bi.markDescendantsInvalid(node)

	// Update the best header if the current one is now invalid which will be
	// the case when the best header is a descendant of the failed block.
	if bi.bestHeader.status.KnownInvalid() {
		// Use the first ancestor of the failed block that is not known to be
		// invalid as the lower bound for the best header.
		n := node.parent
		for n != nil && n.status.KnownInvalid() {
			n = n.parent
		}
		bi.bestHeader = n

		// Scour the block tree to find a new best header.
		bi.forEachChainTip(func(tip *blockNode) error {
			if tip.Ancestor(node.height) == node {
				return nil
			}
			bi.maybeUpdateBestHeaderForTip(tip)
			return nil
		})
	}
	bi.Unlock()
}

// ResetFailureFlags clears the failure flags from the passed node, all of its
// descendants and all of its ancestors.  It returns every node whose flags
// were cleared so callers can re-admit them as candidates.
//
// This function is safe for concurrent access.
func (bi *blockIndex) ResetFailureFlags(node *blockNode) []*blockNode {
	bi.Lock()
	defer bi.Unlock()

	var cleared []*blockNode
	clearFlags := func(n *blockNode) {
		if n.status.KnownInvalid() {
			bi.unsetStatusFlags(n, statusFailedMask)
			cleared = append(cleared, n)
		}
		delete(bi.failedBlocks, n)
	}

	// Remove the invalidity flags from the block and all of its descendants.
	seen := make(map[*blockNode]struct{})
	bi.forEachChainTipAfterHeight(node, func(tip *blockNode) error {
		if tip.Ancestor(node.height) != node {
			return nil
		}
		for n := tip; n != node; n = n.parent {
			if _, ok := seen[n]; ok {
				break
			}
			seen[n] = struct{}{}
			clearFlags(n)
		}
		return nil
	})

	// Remove the invalidity flags from all ancestors too.
	for n := node; n != nil; n = n.parent {
		clearFlags(n)
	}

	// Link any descendants with data that were dropped from the unlinked
	// tracking when they were marked invalid.
	sort.Slice(cleared, func(i, j int) bool {
		return cleared[i].height < cleared[j].height
	})
	for _, n := range cleared {
		if n.isLinked() || !n.status.HaveData() || n.parent == nil {
			continue
		}
		if n.parent.isLinked() {
			bi.linkBlockData(n)
			continue
		}
		children := bi.unlinkedChildrenOf[n.parent]
		found := false
		for _, child := range children {
			if child == n {
				found = true
				break
			}
		}
		if !found {
			bi.unlinkedChildrenOf[n.parent] = append(children, n)
		}
	}

	// Reset the best invalid and best header tracking.
	bi.bestInvalid = nil
	for n := range bi.failedBlocks {
		bi.maybeUpdateBestInvalid(n)
	}
	bi.forEachChainTip(func(tip *blockNode) error {
		bi.maybeUpdateBestHeaderForTip(tip)
		return nil
	})

	return cleared
}

// linkBlockData marks the provided block as linked to indicate that both it
// and all of its ancestors have their data available and then determines if
// there are any unlinked blocks which depend on the passed block and links
// those as well until there are no more.  It returns a list of blocks that were
// linked.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) linkBlockData(node *blockNode) []*blockNode {
	linkedNodes := []*blockNode{node}
	for nodeIndex := 0; nodeIndex < len(linkedNodes); nodeIndex++ {
		linkedNode := linkedNodes[nodeIndex]

		var parentTxns uint64
		if linkedNode.parent != nil {
			parentTxns = linkedNode.parent.chainTxns
		}
		linkedNode.chainTxns = parentTxns + uint64(linkedNode.numTxns)
		linkedNode.status &^= statusAssumedValid
		bi.modified[linkedNode] = struct{}{}

		// Keep track of the order in which the block data was linked to
		// ensure miners gain no advantage by advertising the header first.
		linkedNode.sequenceID = bi.nextSequenceID
		if bi.nextSequenceID < math.MaxInt32 {
			bi.nextSequenceID++
		}

		unlinkedChildren := bi.unlinkedChildrenOf[linkedNode]
		if len(unlinkedChildren) > 0 {
			linkedNodes = append(linkedNodes, unlinkedChildren...)
			delete(bi.unlinkedChildrenOf, linkedNode)
		}
	}

	return linkedNodes
}

// AcceptBlockData updates the block index state to account for the full data
// for a block becoming available at the provided position.  Blocks that are
// currently not linked might become linked as a result.  It returns a list of
// all blocks that were linked, if any.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AcceptBlockData(node *blockNode, numTxns uint32, pos flatFilePos) []*blockNode {
	bi.Lock()
	defer bi.Unlock()

	node.numTxns = numTxns
	node.dataPos = pos
	bi.setStatusFlags(node, statusDataStored)
	if node.status.Validity() < statusValidTransactions &&
		!node.status.KnownInvalid() {

		node.status = (node.status &^ statusValidMask) | statusValidTransactions
	}
	bi.modified[node] = struct{}{}

	if node.parent == nil || node.parent.isLinked() {
		return bi.linkBlockData(node)
	}
	if !node.parent.status.KnownInvalid() {
		unlinkedChildren := bi.unlinkedChildrenOf[node.parent]
		bi.unlinkedChildrenOf[node.parent] = append(unlinkedChildren, node)
	}
	return nil
}

// SetUndoData records the position of the undo data for the passed block.
//
// This function is safe for concurrent access.
func (bi *blockIndex) SetUndoData(node *blockNode, pos flatFilePos) {
	bi.Lock()
	node.undoPos = pos
	bi.setStatusFlags(node, statusUndoStored)
	bi.modified[node] = struct{}{}
	bi.Unlock()
}

// SetSequenceID overrides the tie-breaking sequence id of the passed block.
//
// This function is safe for concurrent access.
func (bi *blockIndex) SetSequenceID(node *blockNode, id int32) {
	bi.Lock()
	node.sequenceID = id
	bi.Unlock()
}

// MarkAssumedValid fabricates the cumulative transaction count of the passed
// block from snapshot metadata so that it, and any children with data that
// were waiting on it, become eligible as best chain candidates without their
// ancestors having data.  It returns every block that became linked.
//
// Nothing is done for a block that is already linked by real data.
//
// This function is safe for concurrent access.
func (bi *blockIndex) MarkAssumedValid(node *blockNode, chainTxns uint64) []*blockNode {
	bi.Lock()
	defer bi.Unlock()

	if node.isLinked() && !node.status.AssumedValid() {
		return nil
	}
	node.chainTxns = chainTxns
	bi.setStatusFlags(node, statusAssumedValid)
	bi.modified[node] = struct{}{}

	linked := []*blockNode{node}
	for _, child := range bi.unlinkedChildrenOf[node] {
		linked = append(linked, bi.linkBlockData(child)...)
	}
	delete(bi.unlinkedChildrenOf, node)
	return linked
}

// ClearAssumedValid removes the assumed valid status from every block that
// still relies on it.  Such blocks no longer count as having their data
// available for best chain selection.
//
// This function is safe for concurrent access.
func (bi *blockIndex) ClearAssumedValid() {
	bi.Lock()
	for _, node := range bi.index {
		if node.status.AssumedValid() {
			bi.unsetStatusFlags(node, statusAssumedValid)
		}
	}
	bi.Unlock()
}

// checkFailedAncestors rejects a header whose parent descends from a block in
// the failed block set, marking every block between the parent and the failed
// block along the way.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) checkFailedAncestors(parent *blockNode) error {
	for failed := range bi.failedBlocks {
		if parent.Ancestor(failed.height) != failed {
			continue
		}
		for n := parent; n != failed; n = n.parent {
			bi.setStatusFlags(n, statusInvalidAncestor)
		}
		str := fmt.Sprintf("previous block %s descends from failed block %s",
			parent.hash, failed.hash)
		return ruleError(ErrInvalidAncestorBlock, str)
	}
	return nil
}

// AcceptHeader validates the provided header and inserts it into the index
// when it is not already known.  The proof of work, timestamp, positional and
// checkpoint rules are enforced and headers that build on a known invalid
// block are rejected.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AcceptHeader(header *wire.BlockHeader) (*blockNode, error) {
	hash := header.BlockHash()

	bi.Lock()
	if node := bi.lookupNode(&hash); node != nil {
		bi.Unlock()
		if node.status.KnownInvalid() {
			str := fmt.Sprintf("block %s is known to be invalid", hash)
			return nil, ruleError(ErrKnownInvalidBlock, str)
		}
		return node, nil
	}
	bi.Unlock()

	if err := checkBlockHeaderSanity(header, bi.params, bi.timeNow()); err != nil {
		return nil, err
	}

	bi.Lock()
	defer bi.Unlock()

	parent := bi.lookupNode(&header.PrevBlock)
	if parent == nil {
		str := fmt.Sprintf("previous block %s is not known", header.PrevBlock)
		return nil, ruleError(ErrMissingParent, str)
	}
	if parent.status.KnownInvalid() {
		str := fmt.Sprintf("previous block %s is known to be invalid",
			header.PrevBlock)
		return nil, ruleError(ErrInvalidAncestorBlock, str)
	}
	if err := bi.checkFailedAncestors(parent); err != nil {
		return nil, err
	}
	if err := bi.checkBlockHeaderPositional(header, &hash, parent); err != nil {
		return nil, err
	}

	node := newBlockNode(header, parent)
	node.status = statusValidHeader
	bi.addNode(node)
	bi.modified[node] = struct{}{}
	close(bi.headerNotify)
	bi.headerNotify = make(chan struct{})
	return node, nil
}

// headerWaiter returns a channel that is closed the next time a header is
// added to the index.
//
// This function is safe for concurrent access.
func (bi *blockIndex) headerWaiter() <-chan struct{} {
	bi.RLock()
	ch := bi.headerNotify
	bi.RUnlock()
	return ch
}

// flush writes all of the modified block nodes along with the provided block
// file information to the database in a single transaction and clears the set
// of modified nodes if it succeeds.
func (bi *blockIndex) flush(fileInfos map[uint32]*blockFileInfo, lastFile uint32) error {
	bi.Lock()
	defer bi.Unlock()
	if len(bi.modified) == 0 && len(fileInfos) == 0 {
		return nil
	}

	nodes := make([]*blockNode, 0, len(bi.modified))
	for node := range bi.modified {
		nodes = append(nodes, node)
	}
	if err := bi.db.putBlockIndexBatch(nodes, fileInfos, lastFile); err != nil {
		return err
	}

	bi.modified = make(map[*blockNode]struct{})
	return nil
}

// loadBlockIndex loads every persisted block node from the database into the
// index.  Nodes are read in height order so that every parent is known before
// its children, the cumulative transaction counts are recomputed and the
// invalid ancestor flags are derived in the same single pass.  Any
// inconsistency is reported as ErrBlockIndexCorruption.
//
// This function is NOT safe for concurrent access and therefore must only be
// called during initialization.
func (bi *blockIndex) loadBlockIndex() error {
	var lastHeight int64 = -1
	var numLoaded int
	err := bi.db.forEachBlockNode(func(entry *blockIndexEntry) error {
		header := &entry.header
		hash := header.BlockHash()
		height := int64(header.Height)
		if height < lastHeight {
			str := fmt.Sprintf("block index entry %s at height %d is out "+
				"of order", hash, height)
			return contextError(ErrBlockIndexCorruption, str)
		}
		lastHeight = height

		var parent *blockNode
		if height == 0 {
			if hash != bi.params.GenesisHash {
				str := fmt.Sprintf("block index root %s is not the genesis "+
					"block %s", hash, bi.params.GenesisHash)
				return contextError(ErrBlockIndexCorruption, str)
			}
		} else {
			parent = bi.index[header.PrevBlock]
			if parent == nil {
				str := fmt.Sprintf("block index entry %s at height %d has "+
					"unknown parent %s", hash, height, header.PrevBlock)
				return contextError(ErrBlockIndexCorruption, str)
			}
			if parent.height != height-1 {
				str := fmt.Sprintf("block index entry %s at height %d has "+
					"parent at height %d", hash, height, parent.height)
				return contextError(ErrBlockIndexCorruption, str)
			}
		}

		node := newBlockNode(header, parent)
		node.status = entry.status
		node.dataPos = entry.dataPos
		node.undoPos = entry.undoPos
		node.numTxns = entry.numTxns

		switch {
		case node.numTxns > 0 && (parent == nil || parent.isLinked()):
			var parentTxns uint64
			if parent != nil {
				parentTxns = parent.chainTxns
			}
			node.chainTxns = parentTxns + uint64(node.numTxns)

		case node.status.AssumedValid():
			node.chainTxns = entry.chainTxns
		}

		if parent != nil && parent.status.KnownInvalid() &&
			!node.status.KnownInvalid() {

			node.status |= statusInvalidAncestor
			bi.modified[node] = struct{}{}
		}

		bi.addNode(node)
		if node.status.KnownValidateFailed() {
			bi.failedBlocks[node] = struct{}{}
		}
		if node.status.KnownInvalid() {
			bi.maybeUpdateBestInvalid(node)
		}
		if !node.isLinked() && node.status.HaveData() && parent != nil &&
			!parent.status.KnownInvalid() {

			unlinkedChildren := bi.unlinkedChildrenOf[parent]
			bi.unlinkedChildrenOf[parent] = append(unlinkedChildren, node)
		}
		numLoaded++
		return nil
	})
	if err != nil {
		return err
	}

	log.Debugf("Loaded %d block index entries", numLoaded)
	return nil
}

// checkBlockIndex performs a full consistency check of the block index tree.
// It is expensive and only intended for testing and debugging.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) checkBlockIndex() error {
	if bi.genesis == nil {
		return AssertError("block index has no genesis block")
	}
	if bi.genesis.hash != bi.params.GenesisHash {
		return AssertError(fmt.Sprintf("block index root %s is not the "+
			"genesis block", bi.genesis.hash))
	}

	hasChild := make(map[*blockNode]bool, len(bi.index))
	for hash, node := range bi.index {
		if node.hash != hash {
			return AssertError(fmt.Sprintf("block index key %s maps to "+
				"node %s", hash, node.hash))
		}
		if node.parent == nil {
			if node != bi.genesis {
				return AssertError(fmt.Sprintf("non-genesis block %s has "+
					"no parent", hash))
			}
			continue
		}
		hasChild[node.parent] = true

		if bi.index[node.parent.hash] != node.parent {
			return AssertError(fmt.Sprintf("parent of block %s is not in "+
				"the index", hash))
		}
		if node.height != node.parent.height+1 {
			return AssertError(fmt.Sprintf("block %s height %d does not "+
				"follow parent height %d", hash, node.height,
				node.parent.height))
		}
		wantWork := calcWork(node.bits)
		wantWork.Add(&node.parent.workSum)
		if wantWork != node.workSum {
			return AssertError(fmt.Sprintf("block %s has wrong cumulative "+
				"work", hash))
		}
		if node.parent.status.KnownInvalid() && !node.status.KnownInvalid() {
			return AssertError(fmt.Sprintf("block %s has invalid parent "+
				"but is not marked invalid", hash))
		}
		if node.isLinked() && !node.status.AssumedValid() &&
			!node.parent.status.AssumedValid() {

			want := node.parent.chainTxns + uint64(node.numTxns)
			if node.chainTxns != want {
				return AssertError(fmt.Sprintf("block %s has chain tx "+
					"count %d, want %d", hash, node.chainTxns, want))
			}
		}
		if !node.parent.isLinked() && node.isLinked() &&
			!node.status.AssumedValid() && !node.parent.status.AssumedValid() {

			return AssertError(fmt.Sprintf("block %s is linked while its "+
				"parent is not", hash))
		}
	}

	// Every chain tip must be childless and every childless node must be a
	// chain tip.
	var numTips uint64
	err := bi.forEachChainTip(func(tip *blockNode) error {
		numTips++
		if hasChild[tip] {
			return AssertError(fmt.Sprintf("chain tip %s has children",
				tip.hash))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if numTips != bi.totalTips || int(numTips) != len(bi.index)-len(hasChild) {
		return AssertError(fmt.Sprintf("chain tip count %d does not match "+
			"the index", numTips))
	}
	return nil
}
