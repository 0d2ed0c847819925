// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrchain/internal/progresslog"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/math/uint256"
)

const (
	// blockIndexWriteInterval is the amount of time to wait before block
	// files and the block index are written during a periodic flush even
	// when the utxo cache does not need to be flushed.
	blockIndexWriteInterval = time.Minute

	// maxTipAge is the maximum age of the tip timestamp for a chain state to
	// be considered current.
	maxTipAge = 24 * time.Hour
)

// FlushMode defines how aggressively the state of a chain state is written to
// disk.
type FlushMode int

// These constants define the supported flush modes.
const (
	// FlushNone only flushes when block files were pruned.
	FlushNone FlushMode = iota

	// FlushIfNeeded additionally flushes when the utxo cache is at its
	// maximum size.
	FlushIfNeeded

	// FlushPeriodic additionally flushes when the utxo cache is large or the
	// periodic flush interval elapsed.
	FlushPeriodic

	// FlushAlways flushes unconditionally.
	FlushAlways
)

// String returns the flush mode as a human-readable name.
func (mode FlushMode) String() string {
	switch mode {
	case FlushNone:
		return "none"
	case FlushIfNeeded:
		return "if needed"
	case FlushPeriodic:
		return "periodic"
	case FlushAlways:
		return "always"
	}
	return fmt.Sprintf("unknown(%d)", int(mode))
}

// DisconnectResult describes the outcome of disconnecting a block.
type DisconnectResult int

// These constants define the possible disconnect results.
const (
	// DisconnectOK indicates the block was reversed exactly.
	DisconnectOK DisconnectResult = iota

	// DisconnectUnclean indicates the block was reversed but the resulting
	// utxo set did not match what the undo data expected.  The chain state
	// remains usable.
	DisconnectUnclean

	// DisconnectFailed indicates the undo data is missing or corrupt and the
	// block could not be reversed.
	DisconnectFailed
)

// String returns the disconnect result as a human-readable name.
func (r DisconnectResult) String() string {
	switch r {
	case DisconnectOK:
		return "ok"
	case DisconnectUnclean:
		return "unclean"
	case DisconnectFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// BestState houses information about the current best block and other info
// related to the state of a chain state as of the current point in time.
//
// The returned instances must be treated as immutable since they are shared
// by all callers.
type BestState struct {
	Hash       chainhash.Hash  // The hash of the block.
	PrevHash   chainhash.Hash  // The previous block hash.
	Height     int64           // The height of the block.
	Bits       uint32          // The difficulty bits of the block.
	BlockSize  uint64          // The size of the block.
	NumTxns    uint64          // The number of txns in the block.
	TotalTxns  uint64          // The total number of txns in the chain.
	MedianTime time.Time       // Median time as per CalcPastMedianTime.
	WorkSum    uint256.Uint256 // The total work of the chain.
}

// newBestState returns a new best stats instance for the given node.
func newBestState(node *blockNode) *BestState {
	var prevHash chainhash.Hash
	if node.parent != nil {
		prevHash = node.parent.hash
	}
	return &BestState{
		Hash:       node.hash,
		PrevHash:   prevHash,
		Height:     node.height,
		Bits:       node.bits,
		BlockSize:  uint64(node.blockSize),
		NumTxns:    uint64(node.numTxns),
		TotalTxns:  node.chainTxns,
		MedianTime: node.CalcPastMedianTime(),
		WorkSum:    node.workSum,
	}
}

// chainStateVariant defines the behavior that differs between the kinds of
// chain states a manager holds.
type chainStateVariant interface {
	// acceptsCandidate returns whether the passed linked block may become the
	// tip of the chain state.
	acceptsCandidate(node *blockNode) bool

	// tipUpdated is invoked with the chain lock held after a block was
	// connected to the chain state.
	tipUpdated(cs *ChainState, pending *pendingNotifications) error

	// String returns a human-readable description of the variant.
	String() string
}

// fullVariant validates every block from genesis.
type fullVariant struct{}

func (fullVariant) acceptsCandidate(*blockNode) bool { return true }

func (fullVariant) tipUpdated(*ChainState, *pendingNotifications) error {
	return nil
}

func (fullVariant) String() string { return "fully validating" }

// backgroundVariant validates every block from genesis up to the base block of
// an active snapshot and then compares the result with the snapshot.
type backgroundVariant struct {
	target *blockNode
}

// acceptsCandidate only allows blocks on the way to the snapshot base whose
// ancestors all have real data.
func (v backgroundVariant) acceptsCandidate(node *blockNode) bool {
	return !node.status.AssumedValid() && v.target.Ancestor(node.height) == node
}

func (v backgroundVariant) tipUpdated(cs *ChainState, pending *pendingNotifications) error {
	if cs.bestChain.Tip() != v.target {
		return nil
	}
	return cs.m.completeSnapshotValidation(cs, pending)
}

func (v backgroundVariant) String() string { return "background validation" }

// snapshotVariant builds on top of the base block of a loaded snapshot.
type snapshotVariant struct {
	base *blockNode
}

func (v snapshotVariant) acceptsCandidate(node *blockNode) bool {
	return node.Ancestor(v.base.height) == v.base
}

func (v snapshotVariant) tipUpdated(*ChainState, *pendingNotifications) error {
	return nil
}

func (v snapshotVariant) String() string { return "snapshot" }

// ChainState houses one active chain along with its utxo set and the set of
// blocks that are candidates for becoming its tip.  Every chain state of a
// manager shares the block index and block files of the manager.
type ChainState struct {
	m       *ChainStateManager
	name    string
	dir     string
	variant chainStateVariant

	// backend is the utxo database and coins is the cache that sits on top
	// of it through an error catcher.  All reads and writes go through the
	// cache.
	backend *levelDbUtxoBackend
	coins   *UtxoCache

	// These fields are protected by the chain lock of the manager.
	//
	// candidates houses every block that is at least as good as the current
	// tip and eligible to become the tip.
	//
	// preciousSeq is the next sequence id handed out to a block manually
	// marked precious and lastPreciousWork is the tip work at that time.
	bestChain        *chainView
	candidates       map[*blockNode]struct{}
	disconnected     *disconnectedTxPool
	preciousSeq      int32
	lastPreciousWork uint256.Uint256
	lastBlockWrite   time.Time
	progress         *progresslog.Logger

	// isCurrentLatch is set once the chain state leaves initial block
	// download and is never cleared again.
	isCurrentLatch atomic.Bool

	// stateLock protects the best state snapshot.
	stateLock     sync.RWMutex
	stateSnapshot *BestState
}

// openChainState opens (or creates) the utxo database of a chain state in the
// provided directory.  The tip is not loaded until loadTip is called.
func openChainState(m *ChainStateManager, name, dir string, variant chainStateVariant,
	cacheSize, dbCacheSize uint64) (*ChainState, error) {

	backend, err := openUtxoBackend(dir, dbCacheSize)
	if err != nil {
		return nil, err
	}
	catcher := newUtxoErrorCatcher(backend, func(err error) {
		m.fatalError(err)
	})
	return &ChainState{
		m:       m,
		name:    name,
		dir:     dir,
		variant: variant,
		backend: backend,
		coins: NewUtxoCache(&UtxoCacheConfig{
			Backend: catcher,
			MaxSize: cacheSize,
		}),
		candidates:     make(map[*blockNode]struct{}),
		disconnected:   newDisconnectedTxPool(m.maxDisconnectedPoolSize),
		preciousSeq:    -1,
		lastBlockWrite: time.Now(),
		progress:       progresslog.New("Processed", log),
	}, nil
}

// loadTip sets the tip of the chain state to the block its utxo set was last
// flushed through, or the genesis block for a new utxo set, and rebuilds the
// candidates.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) loadTip() error {
	haveState, err := cs.coins.Initialize()
	if err != nil {
		return err
	}

	tip := cs.m.index.LookupNode(&cs.m.params.GenesisHash)
	if haveState {
		hash, _ := cs.coins.LastFlush()
		tip = cs.m.index.LookupNode(&hash)
		if tip == nil {
			str := fmt.Sprintf("utxo set of chain state %s references "+
				"unknown block %s", cs.name, hash)
			return contextError(ErrBlockIndexCorruption, str)
		}
	}
	if tip == nil {
		return contextError(ErrBlockIndexCorruption, "block index does not "+
			"contain the genesis block")
	}

	cs.bestChain = newChainView(tip)
	cs.rebuildCandidates()
	cs.updateStateSnapshot(tip)
	cs.updateCacheMetrics()
	log.Infof("Chain state %s (%v): height %d, hash %v, total transactions "+
		"%d", cs.name, cs.variant, tip.height, tip.hash, tip.chainTxns)
	return nil
}

// Name returns the name of the chain state.
func (cs *ChainState) Name() string {
	return cs.name
}

// BestSnapshot returns information about the current best block of the chain
// state as of the current point in time.  The returned instance must be
// treated as immutable since it is shared by all callers.
//
// This function is safe for concurrent access.
func (cs *ChainState) BestSnapshot() *BestState {
	cs.stateLock.RLock()
	snapshot := cs.stateSnapshot
	cs.stateLock.RUnlock()
	return snapshot
}

// updateStateSnapshot replaces the best state snapshot with one for the
// passed tip.
func (cs *ChainState) updateStateSnapshot(tip *blockNode) {
	state := newBestState(tip)
	cs.stateLock.Lock()
	cs.stateSnapshot = state
	cs.stateLock.Unlock()
	chainTipHeight.WithLabelValues(cs.name).Set(float64(tip.height))
}

// IsInitialBlockDownload returns whether the chain state is still catching up
// to the network.  Once it returns false it never returns true again.
//
// This function is safe for concurrent access.
func (cs *ChainState) IsInitialBlockDownload() bool {
	return !cs.isCurrentLatch.Load()
}

// maybeUpdateIsCurrent latches the chain state to current once the passed tip
// has at least the minimum known chain work, is not before the latest
// checkpoint and has a recent timestamp.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) maybeUpdateIsCurrent(tip *blockNode) {
	if cs.isCurrentLatch.Load() {
		return
	}
	if cs.m.minKnownWork != nil && tip.workSum.Lt(cs.m.minKnownWork) {
		return
	}
	if checkpoint := cs.m.index.latestCheckpoint(); checkpoint != nil &&
		tip.height < checkpoint.Height {

		return
	}
	if tip.timestamp < cs.m.timeNow().Add(-maxTipAge).Unix() {
		return
	}

	cs.isCurrentLatch.Store(true)
	log.Infof("Chain state %s latched to current at block %s (height %d)",
		cs.name, tip.hash, tip.height)
}

// snapshotBase returns the base block of the snapshot the chain state was
// loaded from or nil when it validates from genesis.
func (cs *ChainState) snapshotBase() *blockNode {
	if v, ok := cs.variant.(snapshotVariant); ok {
		return v.base
	}
	return nil
}

// txPool returns the transaction pool to keep in sync with the chain state.
// Only the active chain state has one.
//
// This function MUST be called with the chain lock held (for reads).
func (cs *ChainState) txPool() TxPool {
	if cs.m.txPool == nil || cs.m.activeChainState() != cs {
		return nil
	}
	return cs.m.txPool
}

// MainChainHasBlock returns whether or not the block with the given hash is in
// the active chain of the chain state.
//
// This function is safe for concurrent access.
func (cs *ChainState) MainChainHasBlock(hash *chainhash.Hash) bool {
	node := cs.m.index.LookupNode(hash)
	return node != nil && cs.bestChain.Contains(node)
}

// isCandidate returns whether the passed block may become the tip of the
// chain state, ignoring its work.
//
// This function MUST be called with the chain lock held (for reads).
func (cs *ChainState) isCandidate(node *blockNode) bool {
	if !node.isLinked() {
		return false
	}
	status := node.status
	if status.KnownInvalid() {
		return false
	}
	if !status.IsValid(statusValidTransactions) && !status.AssumedValid() {
		return false
	}
	return cs.variant.acceptsCandidate(node)
}

// addCandidate adds the passed block to the candidates when it is eligible
// and at least as good as the current tip.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) addCandidate(node *blockNode) {
	tip := cs.bestChain.Tip()
	if node != tip && workSorterLess(node, tip) {
		return
	}
	if !cs.isCandidate(node) {
		return
	}
	cs.candidates[node] = struct{}{}
}

// addCandidates adds every eligible block in the passed slice.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) addCandidates(nodes []*blockNode) {
	for _, node := range nodes {
		cs.addCandidate(node)
	}
}

// rebuildCandidates recreates the candidates from the full block index.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) rebuildCandidates() {
	cs.candidates = make(map[*blockNode]struct{})
	bi := cs.m.index
	bi.RLock()
	for _, node := range bi.index {
		cs.addCandidate(node)
	}
	bi.RUnlock()
}

// removeCandidatesFrom removes the passed block and every candidate that
// descends from it.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) removeCandidatesFrom(node *blockNode) {
	for candidate := range cs.candidates {
		if candidate.Ancestor(node.height) == node {
			delete(cs.candidates, candidate)
		}
	}
}

// trimCandidates removes every candidate that is worse than the current tip.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) trimCandidates() {
	tip := cs.bestChain.Tip()
	for candidate := range cs.candidates {
		if candidate != tip && workSorterLess(candidate, tip) {
			delete(cs.candidates, candidate)
		}
	}
}

// findMostWorkChain returns the best candidate whose blocks between it and the
// active chain are all not known to be invalid and have their data
// available.  Candidates that fail those conditions are removed along with
// all other candidates that share the offending block.  It returns nil when
// there are no viable candidates.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) findMostWorkChain() *blockNode {
	for {
		var best *blockNode
		for candidate := range cs.candidates {
			if best == nil || workSorterLess(best, candidate) {
				best = candidate
			}
		}
		if best == nil {
			return nil
		}

		var failed *blockNode
		for n := best; n != nil && !cs.bestChain.Contains(n); n = n.parent {
			if n.status.KnownInvalid() {
				failed = n
				break
			}
			if !n.status.HaveData() && !n.status.AssumedValid() {
				log.Debugf("Block %s (height %d) is missing data needed by "+
					"candidate %s", n.hash, n.height, best.hash)
				failed = n
				break
			}
		}
		if failed == nil {
			return best
		}
		delete(cs.candidates, best)
		cs.removeCandidatesFrom(failed)
	}
}

// activationState tracks the progress of a single call to ActivateBestChain
// across the individual steps.
type activationState struct {
	reorging bool
	origTip  *blockNode
	errs     []error
}

// result returns the rule errors encountered during activation, if any.
func (state *activationState) result() error {
	switch len(state.errs) {
	case 0:
		return nil
	case 1:
		return state.errs[0]
	}
	return MultiError(state.errs)
}

// ActivateBestChain moves the chain state to the best candidate, one block at
// a time.  The chain lock is only held for a single disconnect or connect and
// released in between so other callers make progress during long
// reorganizations and initial sync.  The context is checked between blocks.
//
// Blocks found to be invalid along the way are marked as such and the best
// candidate is selected again.  The resulting rule errors are returned once
// the chain state reached a tip it can't improve on, as a MultiError when
// there is more than one.
//
// This function MUST NOT be called with the chain lock held.
func (cs *ChainState) ActivateBestChain(ctx context.Context) error {
	m := cs.m
	var state activationState
	var pending pendingNotifications
	for {
		var done bool
		var err error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ContextError{Err: ErrShutdown, Description: "best chain " +
				"activation interrupted", RawErr: ctxErr}
		}

		m.chainLock.Lock()
		if err == nil {
			done, err = cs.activateBestChainStep(&state, &pending)
		}
		if done || err != nil {
			if finishErr := cs.finishActivation(&state, &pending); err == nil {
				err = finishErr
			}
		}
		m.chainLock.Unlock()
		m.deliver(&pending)

		if err != nil {
			return err
		}
		if done {
			return state.result()
		}
	}
}

// activateBestChainStep performs a single disconnect or connect towards the
// best candidate.  It returns true once there is nothing left to do.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) activateBestChainStep(state *activationState, pending *pendingNotifications) (bool, error) {
	// Bound memory usage before doing any more work.
	if err := cs.flushStateToDisk(FlushIfNeeded); err != nil {
		return false, err
	}

	tip := cs.bestChain.Tip()
	cs.trimCandidates()
	target := cs.findMostWorkChain()
	if target == nil || target == tip {
		return true, nil
	}

	// Rewind to the fork point before moving forward.
	fork := cs.bestChain.FindFork(target)
	if fork != tip {
		if !state.reorging {
			state.reorging = true
			state.origTip = tip
			pending.add(NTChainReorgStarted, nil)
			reorgsTotal.Inc()
		}
		return false, cs.disconnectTip(pending)
	}

	next := target.Ancestor(tip.height + 1)
	if err := cs.connectTip(next, pending); err != nil {
		if !isRuleError(err) {
			return false, err
		}
		log.Infof("Block %s (height %d) failed validation: %v", next.hash,
			next.height, err)
		cs.invalidBlockFound(next)
		state.errs = append(state.errs, err)
	}
	return false, nil
}

// finishActivation returns the transactions of disconnected blocks to the
// transaction pool, updates the current latch, reports a completed
// reorganization and gives the chain state a chance to write its state.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) finishActivation(state *activationState, pending *pendingNotifications) error {
	cs.reconcileTxPool()

	tip := cs.bestChain.Tip()
	cs.maybeUpdateIsCurrent(tip)

	if state.reorging {
		state.reorging = false
		pending.add(NTChainReorgDone, &ReorganizationNtfnsData{
			OldHash:   state.origTip.hash,
			OldHeight: state.origTip.height,
			NewHash:   tip.hash,
			NewHeight: tip.height,
		})

		if fork := cs.bestChain.FindFork(state.origTip); fork != nil {
			log.Infof("REORGANIZE: Chain forks at %v (height %v)", fork.hash,
				fork.height)
		}
		log.Infof("REORGANIZE: Old best chain tip was %v (height %v)",
			&state.origTip.hash, state.origTip.height)
		log.Infof("REORGANIZE: New best chain tip is %v (height %v)",
			&tip.hash, tip.height)
	}

	err := cs.flushStateToDisk(FlushPeriodic)
	cs.updateCacheMetrics()
	return err
}

// reconcileTxPool offers every transaction of the disconnected transaction
// pool back to the transaction pool in dependency order.  Transactions that
// are rejected are removed from the transaction pool along with everything
// that spends them.  The disconnected pool is empty afterwards.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) reconcileTxPool() {
	txns := cs.disconnected.takeAll()
	txPool := cs.txPool()
	if txPool == nil {
		return
	}
	for _, tx := range txns {
		_, err := txPool.MaybeAcceptTransaction(tx, false)
		if err != nil {
			log.Debugf("Dropping transaction %v of a disconnected block: %v",
				tx.Hash(), err)
			txPool.RemoveTransaction(tx, true)
		}
	}
}

// invalidBlockFound marks the passed block as having failed validation and
// removes it and its descendants from the candidates of every chain state.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) invalidBlockFound(node *blockNode) {
	cs.m.index.MarkBlockFailedValidation(node)
	for _, other := range cs.m.chainStates() {
		other.removeCandidatesFrom(node)
	}
	invalidBlocksTotal.Inc()
}

// connectBlock validates the passed block against the passed view, which
// must represent the state of the chain as of the parent of the block, and
// connects it to the view.
//
// When justCheck is false, the undo data is written for blocks that don't
// already have it, the block is marked fully valid and the view is committed
// to the utxo cache.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) connectBlock(node *blockNode, block *dcrutil.Block, view *UtxoViewpoint, justCheck bool) error {
	var stxos *[]spentTxOut
	if !justCheck {
		journal := make([]spentTxOut, 0, countSpentOutputs(block))
		stxos = &journal
	}
	err := checkConnectBlock(node, block, view, stxos, cs.m.subsidyCache,
		cs.m.params)
	if err != nil {
		return err
	}
	if justCheck {
		return nil
	}

	if !node.status.HaveUndo() {
		pos, err := cs.m.blockFiles.WriteUndo(node.dataPos.fileNum,
			&node.parent.hash, serializeSpendJournal(*stxos))
		if err != nil {
			return err
		}
		cs.m.index.SetUndoData(node, pos)
	}
	cs.m.index.RaiseValidity(node, statusValidChain)
	return cs.coins.Commit(view)
}

// disconnectBlock reverses the passed block against the passed view, which
// must represent the state of the chain as of the block, using the stored undo
// data.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) disconnectBlock(node *blockNode, block *dcrutil.Block, view *UtxoViewpoint) DisconnectResult {
	if !node.status.HaveUndo() {
		log.Errorf("No undo data for block %s (height %d)", node.hash,
			node.height)
		return DisconnectFailed
	}
	serialized, err := cs.m.blockFiles.ReadUndo(node.undoPos, &node.parent.hash)
	if err != nil {
		log.Errorf("Unable to read undo data for block %s: %v", node.hash, err)
		return DisconnectFailed
	}
	stxos, err := deserializeSpendJournal(serialized)
	if err != nil {
		log.Errorf("Unable to decode undo data for block %s: %v", node.hash,
			err)
		return DisconnectFailed
	}
	clean, err := view.disconnectBlock(block, stxos)
	if err != nil {
		log.Errorf("Unable to disconnect block %s: %v", node.hash, err)
		return DisconnectFailed
	}
	if !clean {
		return DisconnectUnclean
	}
	return DisconnectOK
}

// connectTip connects the passed block, which must be a child of the current
// tip, and updates the transaction pools accordingly.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) connectTip(node *blockNode, pending *pendingNotifications) error {
	start := time.Now()
	block, err := cs.m.fetchBlockByNode(node)
	if err != nil {
		return err
	}

	tip := cs.bestChain.Tip()
	view := NewUtxoViewpoint(cs.coins)
	view.SetBestHash(&tip.hash)
	if err := cs.connectBlock(node, block, view, false); err != nil {
		return err
	}
	cs.bestChain.SetTip(node)

	// Transactions confirmed by the block are no longer pending.
	cs.disconnected.removeForBlock(block.Transactions())
	if txPool := cs.txPool(); txPool != nil {
		for _, tx := range block.Transactions()[1:] {
			txPool.RemoveTransaction(tx, false)
			txPool.RemoveDoubleSpends(tx)
		}
	}

	pending.add(NTBlockConnected, &BlockConnectedNtfnsData{
		Block:      block,
		ChainState: cs.name,
	})
	cs.updateStateSnapshot(node)
	blocksConnected.WithLabelValues(cs.name).Inc()
	blockConnectDuration.WithLabelValues(cs.name).Observe(
		time.Since(start).Seconds())
	cs.progress.LogProgress(block.MsgBlock(), cs.coins.TotalSize(), false,
		func() float64 { return cs.m.verificationProgress(node) })

	return cs.variant.tipUpdated(cs, pending)
}

// disconnectTip disconnects the current tip and queues its transactions in
// the disconnected transaction pool.  A failure to reverse the block is fatal.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) disconnectTip(pending *pendingNotifications) error {
	tip := cs.bestChain.Tip()
	if tip.parent == nil {
		return AssertError("attempt to disconnect the genesis block")
	}
	if tip == cs.snapshotBase() {
		str := fmt.Sprintf("unable to disconnect snapshot base block %s",
			tip.hash)
		return contextError(ErrSnapshotBaseInvalid, str)
	}
	block, err := cs.m.fetchBlockByNode(tip)
	if err != nil {
		return err
	}

	view := NewUtxoViewpoint(cs.coins)
	view.SetBestHash(&tip.hash)
	switch cs.disconnectBlock(tip, block, view) {
	case DisconnectFailed:
		str := fmt.Sprintf("failed to disconnect block %s (height %d) from "+
			"chain state %s", tip.hash, tip.height, cs.name)
		return cs.m.fatalError(contextError(ErrUndoDataCorrupt, str))
	case DisconnectUnclean:
		log.Warnf("Disconnecting block %s (height %d) from chain state %s "+
			"left an inconsistent utxo set", tip.hash, tip.height, cs.name)
	}
	if err := cs.coins.Commit(view); err != nil {
		return err
	}
	cs.bestChain.SetTip(tip.parent)

	// Outputs of the coinbase no longer exist so anything spending them is
	// removed from the transaction pool along with the transactions the
	// disconnected pool had no room for.
	evicted := cs.disconnected.addTransactionsForBlock(block.Transactions())
	if txPool := cs.txPool(); txPool != nil {
		txPool.RemoveTransaction(block.Transactions()[0], true)
		for _, tx := range evicted {
			txPool.RemoveTransaction(tx, true)
		}
	}

	pending.add(NTBlockDisconnected, &BlockDisconnectedNtfnsData{
		Block:      block,
		ChainState: cs.name,
	})
	cs.updateStateSnapshot(tip.parent)
	blocksDisconnected.WithLabelValues(cs.name).Inc()
	return cs.flushStateToDisk(FlushIfNeeded)
}

// DisconnectTip disconnects the current tip of the chain state and offers its
// transactions back to the transaction pool.  The block remains a candidate,
// so a later activation reconnects it unless it was invalidated.
//
// This function MUST NOT be called with the chain lock held.
func (cs *ChainState) DisconnectTip() error {
	m := cs.m
	var pending pendingNotifications
	m.chainLock.Lock()
	err := cs.disconnectTip(&pending)
	cs.reconcileTxPool()
	m.chainLock.Unlock()
	m.deliver(&pending)
	return err
}

// flushStateToDisk writes the state of the chain state according to the
// provided mode.  A flush writes the pending block and undo files, then the
// block index and finally the utxo cache along with the tip.  Pruning
// decisions of the active chain state always force a flush so the index never
// refers to removed files.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) flushStateToDisk(mode FlushMode) error {
	m := cs.m
	tip := cs.bestChain.Tip()

	if cs == m.activeChainState() {
		m.pruner.pruneFilesIfNeeded(tip.height, m.pruneKeepAbove(), false)
	}
	pruned := len(m.pruner.pendingUnlink) > 0

	sizeState := cs.coins.SizeState()
	large := mode >= FlushPeriodic && sizeState >= CacheSizeLarge
	critical := mode >= FlushIfNeeded && sizeState == CacheSizeCritical
	periodic := mode == FlushPeriodic && cs.coins.PeriodicFlushDue()
	fullFlush := mode == FlushAlways || large || critical || periodic ||
		pruned
	writeIndex := fullFlush || (mode == FlushPeriodic &&
		time.Since(cs.lastBlockWrite) >= blockIndexWriteInterval)
	if !writeIndex {
		return nil
	}

	start := time.Now()
	if err := m.writeBlockIndex(); err != nil {
		return m.fatalError(err)
	}
	cs.lastBlockWrite = time.Now()
	if !fullFlush {
		return nil
	}

	if err := cs.coins.Flush(&tip.hash, uint32(tip.height), true); err != nil {
		return m.fatalError(err)
	}
	flushDuration.WithLabelValues(cs.name).Observe(time.Since(start).Seconds())
	cs.updateCacheMetrics()
	return nil
}

// FlushStateToDisk writes the state of the chain state according to the
// provided mode.
//
// This function is safe for concurrent access.
func (cs *ChainState) FlushStateToDisk(mode FlushMode) error {
	cs.m.chainLock.Lock()
	err := cs.flushStateToDisk(mode)
	cs.m.chainLock.Unlock()
	return err
}

// markPrecious gives the passed block a tie-break priority over every other
// block with the same work, including blocks that were seen earlier.  Blocks
// marked later take priority over blocks marked earlier while the tip work
// stays the same.  Nothing is done for blocks with less work than the tip.
//
// This function MUST be called with the chain lock held (for writes).
func (cs *ChainState) markPrecious(node *blockNode) {
	tip := cs.bestChain.Tip()
	if node.workSum.Lt(&tip.workSum) {
		return
	}

	// The counter restarts whenever the chain moved on since the last call.
	if tip.workSum.Gt(&cs.lastPreciousWork) {
		cs.preciousSeq = -1
	}
	cs.lastPreciousWork = tip.workSum
	cs.m.index.SetSequenceID(node, cs.preciousSeq)
	if cs.preciousSeq > math.MinInt32 {
		cs.preciousSeq--
	}
	cs.addCandidate(node)
}

// rewindPast disconnects blocks, one per chain lock hold, until the passed
// block is no longer part of the active chain.
//
// This function MUST NOT be called with the chain lock held.
func (cs *ChainState) rewindPast(ctx context.Context, node *blockNode) error {
	m := cs.m
	var pending pendingNotifications
	for {
		if err := ctx.Err(); err != nil {
			return ContextError{Err: ErrShutdown, Description: "block " +
				"invalidation interrupted", RawErr: err}
		}

		m.chainLock.Lock()
		if !cs.bestChain.Contains(node) {
			m.chainLock.Unlock()
			return nil
		}
		err := cs.disconnectTip(&pending)
		m.chainLock.Unlock()
		m.deliver(&pending)
		if err != nil {
			return err
		}
	}
}

// checkChainState performs a consistency check of the candidates and the
// active chain of the chain state.  It is only intended for testing and
// debugging.
//
// This function MUST be called with the chain lock held (for reads).
func (cs *ChainState) checkChainState() error {
	tip := cs.bestChain.Tip()
	if _, ok := cs.candidates[tip]; !ok && cs.isCandidate(tip) {
		return AssertError(fmt.Sprintf("tip %s of chain state %s is not a "+
			"candidate", tip.hash, cs.name))
	}
	for candidate := range cs.candidates {
		if candidate != tip && workSorterLess(candidate, tip) {
			return AssertError(fmt.Sprintf("candidate %s of chain state %s "+
				"is worse than the tip", candidate.hash, cs.name))
		}
		if candidate.status.KnownInvalid() {
			return AssertError(fmt.Sprintf("candidate %s of chain state %s "+
				"is known invalid", candidate.hash, cs.name))
		}
	}
	for n := tip; n != nil; n = n.parent {
		if cs.bestChain.NodeByHeight(n.height) != n {
			return AssertError(fmt.Sprintf("active chain of %s does not "+
				"contain %s at height %d", cs.name, n.hash, n.height))
		}
	}
	return nil
}

// close releases the utxo database of the chain state.
func (cs *ChainState) close() error {
	return cs.backend.Close()
}
