// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrchain/internal/progresslog"
	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultUtxoCacheMaxSize is the default total memory budget of the utxo
	// caches of all chain states.
	DefaultUtxoCacheMaxSize = 150 * 1024 * 1024

	// DefaultDbCacheSize is the default total size of the leveldb block
	// caches of all chain states.
	DefaultDbCacheSize = 64 * 1024 * 1024

	// minChainStateCacheSize is the smallest budget ever handed to a single
	// chain state when the budgets are split.
	minChainStateCacheSize = 8 * 1024 * 1024

	// recentBlockCacheSize is the number of recently accepted blocks kept in
	// memory so they don't need to be reread from the block files when they
	// are connected shortly after.
	recentBlockCacheSize = 32

	// ibdChainStateDir and snapshotChainStateDir are the names of the
	// directories under the data directory that house the utxo databases of
	// the fully validating and snapshot chain states.
	ibdChainStateDir      = "chainstate"
	snapshotChainStateDir = "chainstate_snapshot"
)

// AssumeUTXOData houses the trusted metadata of a utxo snapshot that may be
// activated.
type AssumeUTXOData struct {
	// Height and BlockHash identify the base block of the snapshot.
	Height    int64
	BlockHash chainhash.Hash

	// ContentHash is the expected content hash of the utxo set as of the base
	// block.
	ContentHash chainhash.Hash

	// ChainTxCount is the total number of transactions in the chain up to
	// and including the base block.
	ChainTxCount uint64
}

// Config is a descriptor which specifies the chain state manager instance
// configuration.
type Config struct {
	// DataDir is the directory that houses the block index database, the
	// block files and the utxo databases.
	//
	// This field is required.
	DataDir string

	// ChainParams identifies which chain parameters the chain is associated
	// with.
	//
	// This field is required.
	ChainParams *chaincfg.Params

	// TimeSource defines the function used to obtain the current time.  It
	// defaults to time.Now.
	TimeSource func() time.Time

	// UtxoCacheMaxSize is the total memory budget of the utxo caches and
	// DbCacheSize the total leveldb block cache size.  They are split between
	// the chain states when a snapshot is being validated in the background.
	// Zero selects the defaults.
	UtxoCacheMaxSize uint64
	DbCacheSize      uint64

	// PruneTarget is the total size the block and undo files are kept under.
	// Zero disables pruning.
	PruneTarget uint64

	// MaxBlockFileSize is the maximum size of a single block file.  Zero
	// selects the default.
	MaxBlockFileSize uint32

	// MaxDisconnectedPoolSize bounds the serialized size of the transactions
	// held across a reorganization.  Zero selects the default.
	MaxDisconnectedPoolSize int

	// CheckBlockIndex enables expensive consistency checks of the block index
	// and chain states after every accepted block.
	CheckBlockIndex bool

	// Notifications defines a callback to which notifications will be sent
	// by the manager.
	//
	// This field can be nil if the caller is not interested in receiving
	// notifications.
	Notifications NotificationCallback

	// OnFatalError is invoked when the manager runs into a condition it can't
	// recover from, such as a failing storage layer.  The caller is expected
	// to shut down.
	OnFatalError func(error)

	// AssumeUTXO holds the metadata of the snapshots that may be activated.
	AssumeUTXO []AssumeUTXOData
}

// ChainStateManager owns the block index and the block files and manages one
// or two chain states built on top of them: the fully validating chain state
// and, after a snapshot was activated, the snapshot chain state which becomes
// the active one while the former validates in the background up to the
// snapshot base.
type ChainStateManager struct {
	// The following fields are set when the instance is created and can't
	// be changed afterwards, so there is no need to protect them with a
	// separate mutex.
	params                  *chaincfg.Params
	dataDir                 string
	timeNow                 func() time.Time
	minKnownWork            *uint256.Uint256
	subsidyCache            *standalone.SubsidyCache
	assumeUTXO              []AssumeUTXOData
	notifications           NotificationCallback
	onFatalError            func(error)
	checkBlockIndex         bool
	maxDisconnectedPoolSize int
	utxoCacheSize           uint64
	dbCacheSize             uint64
	db                      *blockIndexDB
	index                   *blockIndex
	blockFiles              *blockFileManager
	pruner                  *chainPruner
	recentBlocks            *lru.Map[chainhash.Hash, *dcrutil.Block]
	headerProgress          *progresslog.Logger

	// chainLock protects the chain states, their candidates and utxo caches
	// and serializes every mutation of the block index.  The lock order is
	// the chain lock, then the block index lock, then any lock of the
	// transaction pool.
	//
	// ibd is the fully validating chain state.  It is nil once a snapshot
	// was validated and the chain state retired.
	//
	// snapshot is the chain state loaded from a utxo snapshot, if any.
	//
	// discarded houses chain states that are no longer used but still need
	// to be closed.
	chainLock sync.Mutex
	ibd       *ChainState
	snapshot  *ChainState
	discarded []*ChainState
	txPool    TxPool

	// active is the chain state that serves the transaction pool and external
	// queries.  It is only replaced with the chain lock held, but may be
	// loaded without it.
	active atomic.Pointer[ChainState]

	// snapshotValidated is set once the background chain state reached the
	// snapshot base block and produced the same utxo set.
	snapshotValidated atomic.Bool

	// activatingSnapshot is set while a snapshot is being loaded and
	// snapshotHeaderTimeout bounds the wait for its base block header.
	activatingSnapshot    atomic.Bool
	snapshotHeaderTimeout time.Duration

	// These fields drive the background validation worker.
	bgWake   chan struct{}
	bgCancel context.CancelFunc
	bgCtx    context.Context
	bgGroup  *errgroup.Group

	// Fatal errors are queued by fatalError, which is usually invoked with
	// the chain lock held, and handed to the fatal error callback by
	// fatalErrorHandler.
	fatalMtx  sync.Mutex
	fatalErrs []error
	fatalWake chan struct{}
	fatalQuit chan struct{}
	fatalDone chan struct{}
}

// New returns a chain state manager for the provided configuration.  The block
// index is loaded, the chain states found on disk are opened and activated and
// background validation resumes if it was interrupted.
func New(ctx context.Context, config *Config) (*ChainStateManager, error) {
	// Enforce required config fields.
	if config.DataDir == "" {
		return nil, AssertError("blockchain.New data directory is empty")
	}
	if config.ChainParams == nil {
		return nil, AssertError("blockchain.New chain parameters nil")
	}
	initPrometheusMetrics()

	params := config.ChainParams
	var minKnownWork *uint256.Uint256
	if params.MinKnownChainWork != nil {
		minKnownWork = new(uint256.Uint256).SetBig(params.MinKnownChainWork)
	}
	timeNow := config.TimeSource
	if timeNow == nil {
		timeNow = time.Now
	}
	utxoCacheSize := config.UtxoCacheMaxSize
	if utxoCacheSize == 0 {
		utxoCacheSize = DefaultUtxoCacheMaxSize
	}
	dbCacheSize := config.DbCacheSize
	if dbCacheSize == 0 {
		dbCacheSize = DefaultDbCacheSize
	}
	if config.PruneTarget != 0 && config.PruneTarget < MinPruneTarget {
		return nil, fmt.Errorf("prune target %d MiB is below the minimum of "+
			"%d MiB", config.PruneTarget/1024/1024, MinPruneTarget/1024/1024)
	}

	db, err := openBlockIndexDB(config.DataDir, params.Net)
	if err != nil {
		return nil, err
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	bgGroup, bgCtx := errgroup.WithContext(bgCtx)
	m := &ChainStateManager{
		params:                  params,
		dataDir:                 config.DataDir,
		timeNow:                 timeNow,
		minKnownWork:            minKnownWork,
		subsidyCache:            standalone.NewSubsidyCache(params),
		assumeUTXO:              config.AssumeUTXO,
		notifications:           config.Notifications,
		onFatalError:            config.OnFatalError,
		checkBlockIndex:         config.CheckBlockIndex,
		maxDisconnectedPoolSize: config.MaxDisconnectedPoolSize,
		utxoCacheSize:           utxoCacheSize,
		dbCacheSize:             dbCacheSize,
		db:                      db,
		recentBlocks:            lru.NewMap[chainhash.Hash, *dcrutil.Block](recentBlockCacheSize),
		headerProgress:          progresslog.New("Processed", log),
		snapshotHeaderTimeout:   defaultSnapshotHeaderTimeout,
		bgWake:                  make(chan struct{}, 1),
		bgCancel:                bgCancel,
		bgCtx:                   bgCtx,
		bgGroup:                 bgGroup,
		fatalWake:               make(chan struct{}, 1),
		fatalQuit:               make(chan struct{}),
		fatalDone:               make(chan struct{}),
	}
	m.index = newBlockIndex(db, params)
	m.index.timeNow = timeNow
	go m.fatalErrorHandler()

	if err := m.init(config); err != nil {
		m.chainLock.Lock()
		for _, cs := range m.chainStates() {
			cs.close()
		}
		m.chainLock.Unlock()
		m.stopFatalErrorHandler()
		bgCancel()
		db.Close()
		return nil, err
	}

	if err := m.activateAll(ctx); err != nil && !isRuleError(err) {
		m.Close()
		return nil, err
	}
	return m, nil
}

// init loads the block index and the block files, creates the genesis block
// for a new database and opens the chain states.
func (m *ChainStateManager) init(config *Config) error {
	if err := m.index.loadBlockIndex(); err != nil {
		return err
	}

	blockFiles, err := newBlockFileManager(config.DataDir, m.params.Net,
		config.MaxBlockFileSize)
	if err != nil {
		return err
	}
	infos, lastFile, err := m.db.fetchBlockFileInfos()
	if err != nil {
		return err
	}
	if len(infos) > 0 {
		blockFiles.load(infos, lastFile)
	}
	m.blockFiles = blockFiles

	pruned, err := m.db.havePruned()
	if err != nil {
		return err
	}
	if pruned && config.PruneTarget == 0 {
		return errors.New("block files were previously pruned; restart with " +
			"pruning enabled or remove the data directory to sync from " +
			"scratch")
	}
	m.pruner = newChainPruner(m.index, blockFiles, m.params, config.PruneTarget)

	if m.index.genesis == nil {
		if err := m.createGenesis(); err != nil {
			return err
		}
	}
	if m.checkBlockIndex {
		m.index.RLock()
		err := m.index.checkBlockIndex()
		m.index.RUnlock()
		if err != nil {
			return err
		}
	}

	m.chainLock.Lock()
	defer m.chainLock.Unlock()
	if err := m.loadChainStates(); err != nil {
		return err
	}
	m.maybeRebalanceCaches()
	if bg := m.backgroundChainState(); bg != nil {
		m.startBackgroundValidation(bg)
	}
	return nil
}

// createGenesis stores the genesis block of the network and adds it to the
// block index as the fully valid root of the tree.
func (m *ChainStateManager) createGenesis() error {
	genesis := m.params.GenesisBlock
	node := newBlockNode(&genesis.Header, nil)
	node.status = statusValidHeader
	m.index.AddNode(node)

	pos, err := m.blockFiles.WriteBlock(genesis)
	if err != nil {
		return err
	}
	m.index.AcceptBlockData(node, uint32(len(genesis.Transactions)), pos)
	m.index.RaiseValidity(node, statusValidChain)
	log.Infof("Created block index with genesis block %s", node.hash)
	return m.writeBlockIndex()
}

// loadChainStates opens the chain states found in the data directory.  A
// snapshot chain state is only reopened when the base block it was loaded for
// is recorded in the block index database.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) loadChainStates() error {
	ibdDir := filepath.Join(m.dataDir, ibdChainStateDir)
	snapshotDir := filepath.Join(m.dataDir, snapshotChainStateDir)

	baseHash, err := m.db.fetchSnapshotBase()
	if err != nil {
		return err
	}
	if baseHash == nil || !fileExists(snapshotDir) {
		if fileExists(snapshotDir) {
			log.Infof("Removing unused snapshot chain state")
			if err := removeUtxoBackend(snapshotDir); err != nil {
				return err
			}
		}
		cs, err := openChainState(m, ibdChainStateDir, ibdDir, fullVariant{},
			m.utxoCacheSize, m.dbCacheSize)
		if err != nil {
			return err
		}
		m.ibd = cs
		m.active.Store(cs)
		return cs.loadTip()
	}

	base := m.index.LookupNode(baseHash)
	if base == nil {
		str := fmt.Sprintf("snapshot base block %s is not in the block index",
			baseHash)
		return contextError(ErrBlockIndexCorruption, str)
	}
	snap, err := openChainState(m, snapshotChainStateDir, snapshotDir,
		snapshotVariant{base: base}, m.utxoCacheSize, m.dbCacheSize)
	if err != nil {
		return err
	}
	m.snapshot = snap
	m.active.Store(snap)
	if err := snap.loadTip(); err != nil {
		return err
	}

	if !fileExists(ibdDir) {
		m.snapshotValidated.Store(true)
		snapshotValidated.Set(1)
		log.Infof("Snapshot chain state based on block %s (height %d) was "+
			"previously validated", base.hash, base.height)
		return nil
	}
	cs, err := openChainState(m, ibdChainStateDir, ibdDir,
		backgroundVariant{target: base}, m.utxoCacheSize, m.dbCacheSize)
	if err != nil {
		return err
	}
	m.ibd = cs
	return cs.loadTip()
}

// chainStates returns every open chain state.
//
// This function MUST be called with the chain lock held (for reads).
func (m *ChainStateManager) chainStates() []*ChainState {
	states := make([]*ChainState, 0, 2)
	if m.ibd != nil {
		states = append(states, m.ibd)
	}
	if m.snapshot != nil {
		states = append(states, m.snapshot)
	}
	return states
}

// activeChainState returns the chain state that is currently active.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) activeChainState() *ChainState {
	return m.active.Load()
}

// backgroundChainState returns the chain state that validates the active
// snapshot in the background or nil when there is none.
//
// This function MUST be called with the chain lock held (for reads).
func (m *ChainStateManager) backgroundChainState() *ChainState {
	if m.snapshot == nil || m.snapshotValidated.Load() {
		return nil
	}
	return m.ibd
}

// fatalError reports a condition the manager can't recover from and returns
// the passed error.  The fatal error callback is invoked asynchronously, so it
// may call back into the manager.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) fatalError(err error) error {
	log.Criticalf("Fatal chain state error: %v", err)
	if m.onFatalError == nil {
		return err
	}
	m.fatalMtx.Lock()
	m.fatalErrs = append(m.fatalErrs, err)
	m.fatalMtx.Unlock()
	select {
	case m.fatalWake <- struct{}{}:
	default:
	}
	return err
}

// reportFatalErrors hands every queued fatal error to the fatal error callback
// in the order they were raised.
//
// This function MUST NOT be called with the chain lock held.
func (m *ChainStateManager) reportFatalErrors() {
	m.fatalMtx.Lock()
	errs := m.fatalErrs
	m.fatalErrs = nil
	m.fatalMtx.Unlock()
	for _, err := range errs {
		m.onFatalError(err)
	}
}

// fatalErrorHandler reports fatal errors as they are raised until the manager
// is closed.
//
// This MUST be run as a goroutine.
func (m *ChainStateManager) fatalErrorHandler() {
	defer close(m.fatalDone)
	for {
		select {
		case <-m.fatalWake:
			m.reportFatalErrors()
		case <-m.fatalQuit:
			return
		}
	}
}

// stopFatalErrorHandler stops the fatal error handler and reports the errors
// raised after it last ran.
//
// This function MUST NOT be called with the chain lock held.
func (m *ChainStateManager) stopFatalErrorHandler() {
	close(m.fatalQuit)
	<-m.fatalDone
	m.reportFatalErrors()
}

// writeBlockIndex syncs the block files, writes the modified block index
// entries and file information and then removes the pruned files, in that
// order, so the index never refers to data that is not on disk.  Pruned files
// stay queued when any step fails.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) writeBlockIndex() error {
	if err := m.blockFiles.Sync(); err != nil {
		return err
	}
	infos, lastFile := m.blockFiles.DirtyFileInfos()
	if err := m.index.flush(infos, lastFile); err != nil {
		return err
	}
	m.blockFiles.MarkClean(infos)

	if len(m.pruner.pendingUnlink) > 0 {
		if err := m.db.setPruned(); err != nil {
			return err
		}
		prunedFilesTotal.Add(float64(m.pruner.unlinkPending()))
	}
	blockFilesBytes.Set(float64(m.blockFiles.CurrentUsage()))
	return nil
}

// pruneKeepAbove returns the height above which no block files may be pruned
// because the background chain state still needs them.
//
// This function MUST be called with the chain lock held (for reads).
func (m *ChainStateManager) pruneKeepAbove() int64 {
	if bg := m.backgroundChainState(); bg != nil && bg.bestChain != nil {
		return bg.bestChain.Tip().height
	}
	return math.MaxInt64
}

// fetchBlockByNode returns the block for the passed node from the recent block
// cache or the block files.
//
// This function MUST be called with the chain lock held (for reads).
func (m *ChainStateManager) fetchBlockByNode(node *blockNode) (*dcrutil.Block, error) {
	if block, ok := m.recentBlocks.Get(node.hash); ok {
		return block, nil
	}
	if !node.status.HaveData() {
		str := fmt.Sprintf("block data for %s (height %d) is not available",
			node.hash, node.height)
		return nil, contextError(ErrNoBlockData, str)
	}

	msgBlock, err := m.blockFiles.ReadBlock(node.dataPos)
	if err != nil {
		return nil, err
	}
	block := dcrutil.NewBlock(msgBlock)
	if *block.Hash() != node.hash {
		str := fmt.Sprintf("block stored at %v is %s instead of %s",
			node.dataPos, block.Hash(), node.hash)
		return nil, contextError(ErrBlockStoreIO, str)
	}
	return block, nil
}

// verificationProgress returns an estimate of the percentage of the chain that
// is validated once the passed block is connected.
func (m *ChainStateManager) verificationProgress(node *blockNode) float64 {
	total := m.index.totalBlocksEstimate()
	if best := m.index.BestHeader(); best != nil && best.height > total {
		total = best.height
	}
	if total <= 0 || node.height >= total {
		return 100
	}
	return float64(node.height) / float64(total) * 100
}

// splitCacheBudget divides the passed total between the active and the
// background chain state according to the provided share of the active one.
func splitCacheBudget(total uint64, activeShare float64) (uint64, uint64) {
	active := uint64(float64(total) * activeShare)
	if active < minChainStateCacheSize {
		active = minChainStateCacheSize
	}
	var background uint64 = minChainStateCacheSize
	if total > active+minChainStateCacheSize {
		background = total - active
	}
	return active, background
}

// maybeRebalanceCaches splits the cache budgets between the chain states.  A
// single chain state gets everything.  While a snapshot is validated in the
// background, most of the budget goes to the active chain state while it is
// still syncing and to the background chain state once the active one is
// current.  Caches that shrink are resized first to bound the memory usage.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) maybeRebalanceCaches() {
	active := m.activeChainState()
	bg := m.backgroundChainState()
	if bg == nil {
		m.resizeChainState(active, m.utxoCacheSize, m.dbCacheSize)
		return
	}

	activeShare := 0.1
	if active.IsInitialBlockDownload() {
		activeShare = 0.7
	}
	activeCache, bgCache := splitCacheBudget(m.utxoCacheSize, activeShare)
	activeDb, bgDb := splitCacheBudget(m.dbCacheSize, activeShare)
	if activeCache < active.coins.MaxSize() {
		m.resizeChainState(active, activeCache, activeDb)
		m.resizeChainState(bg, bgCache, bgDb)
	} else {
		m.resizeChainState(bg, bgCache, bgDb)
		m.resizeChainState(active, activeCache, activeDb)
	}
}

// resizeChainState applies new cache budgets to the passed chain state,
// flushing its utxo cache when it no longer fits.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) resizeChainState(cs *ChainState, cacheSize, dbCacheSize uint64) {
	if cs.coins.MaxSize() != cacheSize {
		log.Infof("Resizing utxo cache of chain state %s to %d MiB (leveldb "+
			"cache %d MiB)", cs.name, cacheSize/1024/1024, dbCacheSize/1024/1024)
	}
	cs.coins.SetMaxSize(cacheSize)
	if err := cs.flushStateToDisk(FlushIfNeeded); err != nil {
		log.Errorf("Unable to flush chain state %s: %v", cs.name, err)
	}
	if err := cs.backend.Resize(dbCacheSize); err != nil {
		m.fatalError(err)
	}
	cs.updateCacheMetrics()
}

// assumeUTXOForHash returns the snapshot metadata for the passed base block
// hash or nil when there is none.
func (m *ChainStateManager) assumeUTXOForHash(hash *chainhash.Hash) *AssumeUTXOData {
	for i := range m.assumeUTXO {
		if m.assumeUTXO[i].BlockHash == *hash {
			return &m.assumeUTXO[i]
		}
	}
	return nil
}

// SetTxPool registers the transaction pool that is kept consistent with the
// active chain state.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) SetTxPool(pool TxPool) {
	m.chainLock.Lock()
	m.txPool = pool
	m.chainLock.Unlock()
}

// acceptBlock stores the passed block, which must have passed the sanity
// checks, and adds it to the candidates of every chain state it may extend.
// It returns whether the block data was new.
//
// Unless forced, blocks with less work than the active tip and blocks too far
// ahead of it are not stored since they were not asked for.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) acceptBlock(block *dcrutil.Block, force bool, pending *pendingNotifications) (bool, error) {
	header := &block.MsgBlock().Header
	node, err := m.index.AcceptHeader(header)
	if err != nil {
		return false, err
	}
	if m.index.NodeStatus(node).HaveData() {
		return false, nil
	}

	active := m.activeChainState()
	tip := active.bestChain.Tip()
	if !force {
		if node.workSum.Lt(&tip.workSum) {
			log.Debugf("Ignoring unrequested block %s with less work than "+
				"the tip", node.hash)
			return false, nil
		}
		if node.height > tip.height+MinBlocksToKeep {
			log.Debugf("Ignoring unrequested block %s at height %d too far "+
				"ahead of the tip", node.hash, node.height)
			return false, nil
		}
	}

	pos, err := m.blockFiles.WriteBlock(block.MsgBlock())
	if err != nil {
		return false, m.fatalError(err)
	}
	m.pruner.noteBlockWritten()
	linked := m.index.AcceptBlockData(node, uint32(len(block.Transactions())),
		pos)
	for _, cs := range m.chainStates() {
		cs.addCandidates(linked)
	}
	m.recentBlocks.Put(node.hash, block)
	pending.add(NTBlockAccepted, &BlockAcceptedNtfnsData{
		BestHeight: tip.height,
		Block:      block,
	})

	if err := active.flushStateToDisk(FlushNone); err != nil {
		return true, err
	}
	if m.checkBlockIndex {
		if err := m.checkConsistency(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// checkConsistency runs the expensive consistency checks of the block index
// and every chain state.
//
// This function MUST be called with the chain lock held (for reads).
func (m *ChainStateManager) checkConsistency() error {
	m.index.RLock()
	err := m.index.checkBlockIndex()
	m.index.RUnlock()
	if err != nil {
		return err
	}
	for _, cs := range m.chainStates() {
		if err := cs.checkChainState(); err != nil {
			return err
		}
	}
	return nil
}

// ProcessNewBlock is the main workhorse for handling insertion of new blocks
// into the block chain.  It performs the context free checks, stores the
// block, makes it a candidate of every chain state it may extend and then
// activates the best chain of the active chain state.  The background chain
// state, if any, is woken up to catch up in its own goroutine.
//
// The force flag stores the block even when it was not asked for.  The
// returned flag indicates whether the block data was new.  An NTBlockChecked
// notification is sent exactly once per call.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) ProcessNewBlock(ctx context.Context, block *dcrutil.Block, force bool) (bool, error) {
	isNew, err := m.processNewBlock(ctx, block, force)
	m.sendNotification(NTBlockChecked, &BlockCheckedNtfnsData{
		Block: block,
		Err:   err,
	})
	return isNew, err
}

func (m *ChainStateManager) processNewBlock(ctx context.Context, block *dcrutil.Block, force bool) (bool, error) {
	if err := checkBlockSanity(block, m.params, m.timeNow()); err != nil {
		return false, err
	}

	var pending pendingNotifications
	m.chainLock.Lock()
	isNew, err := m.acceptBlock(block, force, &pending)
	m.chainLock.Unlock()
	m.deliver(&pending)
	if err != nil {
		return isNew, err
	}

	active := m.activeChainState()
	wasIBD := active.IsInitialBlockDownload()
	err = active.ActivateBestChain(ctx)
	m.wakeBackground()
	if wasIBD && !active.IsInitialBlockDownload() {
		m.chainLock.Lock()
		m.maybeRebalanceCaches()
		m.chainLock.Unlock()
	}
	return isNew, err
}

// ProcessNewBlockHeaders validates the passed headers, which must be in
// order, and adds them to the block index.  Processing stops at the first
// invalid header.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) ProcessNewBlockHeaders(headers []*wire.BlockHeader) error {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()

	for _, header := range headers {
		if _, err := m.index.AcceptHeader(header); err != nil {
			return err
		}
	}
	if len(headers) > 0 {
		m.headerProgress.LogHeaderProgress(uint64(len(headers)), false,
			func() float64 {
				best := m.index.BestHeader()
				return m.verificationProgress(best)
			})
	}
	return nil
}

// wakeBackground signals the background validation worker that new blocks
// might be available.
func (m *ChainStateManager) wakeBackground() {
	select {
	case m.bgWake <- struct{}{}:
	default:
	}
}

// startBackgroundValidation launches the worker that validates the passed
// chain state up to the snapshot base.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) startBackgroundValidation(bg *ChainState) {
	m.bgGroup.Go(func() error {
		err := m.backgroundValidationHandler(m.bgCtx, bg)
		if err != nil {
			log.Errorf("Background validation of chain state %s stopped: %v",
				bg.name, err)
		}
		return err
	})
}

// backgroundValidationHandler keeps activating the best chain of the
// background chain state whenever new blocks arrive until the snapshot is
// validated, at which point the chain state is retired.
//
// This MUST be run as a goroutine.
func (m *ChainStateManager) backgroundValidationHandler(ctx context.Context, bg *ChainState) error {
	log.Infof("Starting background validation of chain state %s from height "+
		"%d", bg.name, bg.BestSnapshot().Height)

	// The chain state might already be at the snapshot base when validation
	// was interrupted right before it completed.
	var pending pendingNotifications
	m.chainLock.Lock()
	err := bg.variant.tipUpdated(bg, &pending)
	m.chainLock.Unlock()
	m.deliver(&pending)
	if err != nil {
		return err
	}

	for {
		if m.snapshotValidated.Load() {
			return m.retireBackground(bg)
		}
		err := bg.ActivateBestChain(ctx)
		if errors.Is(err, ErrShutdown) {
			return nil
		}
		if err != nil && !isRuleError(err) {
			return err
		}
		if m.snapshotValidated.Load() {
			return m.retireBackground(bg)
		}

		select {
		case <-m.bgWake:
		case <-ctx.Done():
			return nil
		}
	}
}

// retireBackground closes the background chain state once the snapshot was
// validated, removes its utxo database and hands its cache budget to the
// snapshot chain state.
func (m *ChainStateManager) retireBackground(bg *ChainState) error {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()
	if m.ibd != bg {
		return nil
	}
	if err := bg.flushStateToDisk(FlushAlways); err != nil {
		return err
	}
	m.ibd = nil
	if err := bg.close(); err != nil {
		log.Warnf("Unable to close chain state %s: %v", bg.name, err)
	}
	if err := removeUtxoBackend(bg.dir); err != nil {
		log.Warnf("Unable to remove chain state %s: %v", bg.name, err)
	}
	m.maybeRebalanceCaches()
	log.Infof("Background validation complete, chain state %s retired",
		bg.name)
	return nil
}

// completeSnapshotValidation compares the utxo set of the background chain
// state, which must be at the snapshot base, with the content hash of the
// snapshot.  On a match the snapshot is marked validated.  Otherwise the
// snapshot chain state is discarded in favor of the background chain state
// and a fatal error is reported.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) completeSnapshotValidation(bg *ChainState, pending *pendingNotifications) error {
	if m.snapshot == nil || m.snapshotValidated.Load() {
		return nil
	}
	base := m.snapshot.snapshotBase()
	data := m.assumeUTXOForHash(&base.hash)
	if data == nil {
		return AssertError(fmt.Sprintf("no snapshot metadata for active "+
			"snapshot base %s", base.hash))
	}

	if err := bg.flushStateToDisk(FlushAlways); err != nil {
		return err
	}
	start := time.Now()
	contentHash, err := computeUtxoContentHash(bg.backend)
	if err != nil {
		return m.fatalError(err)
	}
	log.Debugf("Computed utxo content hash %s in %v", contentHash,
		time.Since(start))

	if contentHash != data.ContentHash {
		str := fmt.Sprintf("utxo set of chain state %s at snapshot base %s "+
			"(height %d) has content hash %s instead of %s", bg.name,
			base.hash, base.height, contentHash, data.ContentHash)
		m.discardSnapshot()
		return m.fatalError(contextError(ErrSnapshotValidationFailed, str))
	}

	m.snapshotValidated.Store(true)
	snapshotValidated.Set(1)
	pending.add(NTSnapshotValidated, &SnapshotValidatedNtfnsData{
		BaseHash:   base.hash,
		BaseHeight: base.height,
	})
	log.Infof("Snapshot based on block %s (height %d) validated", base.hash,
		base.height)
	return nil
}

// discardSnapshot makes the fully validating chain state the active one again
// after its utxo set disagreed with the snapshot.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) discardSnapshot() {
	snap := m.snapshot
	m.snapshot = nil
	m.discarded = append(m.discarded, snap)
	if err := m.db.putSnapshotBase(nil); err != nil {
		log.Errorf("Unable to remove snapshot base record: %v", err)
	}
	m.index.ClearAssumedValid()

	m.ibd.variant = fullVariant{}
	m.ibd.rebuildCandidates()
	m.active.Store(m.ibd)
	snapshotValidated.Set(0)
	m.maybeRebalanceCaches()
	log.Warnf("Discarded snapshot chain state %s", snap.name)
}

// activateAll activates the best chain of the active chain state and wakes
// the background chain state.
//
// This function MUST NOT be called with the chain lock held.
func (m *ChainStateManager) activateAll(ctx context.Context) error {
	err := m.activeChainState().ActivateBestChain(ctx)
	m.wakeBackground()
	return err
}

// ActiveChainState returns the chain state that is currently active.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) ActiveChainState() *ChainState {
	return m.activeChainState()
}

// ValidatedChainState returns the chain state whose utxo set was fully
// validated from genesis: the snapshot chain state once it was validated and
// the fully validating chain state otherwise.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) ValidatedChainState() *ChainState {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()
	if m.snapshot != nil && m.snapshotValidated.Load() {
		return m.snapshot
	}
	return m.ibd
}

// IsBackgroundIBD returns whether the passed chain state is validating a
// snapshot in the background.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) IsBackgroundIBD(cs *ChainState) bool {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()
	return cs != nil && cs == m.backgroundChainState()
}

// GetAll returns every open chain state.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) GetAll() []*ChainState {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()
	return m.chainStates()
}

// IsSnapshotActive returns whether a snapshot chain state is in use.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) IsSnapshotActive() bool {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()
	return m.snapshot != nil
}

// IsSnapshotValidated returns whether the active snapshot was validated by the
// background chain state.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) IsSnapshotValidated() bool {
	return m.snapshotValidated.Load()
}

// InvalidateBlock manually marks the block with the passed hash and all of its
// descendants as invalid, rewinds the active chain state past it and then
// activates the best remaining chain.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) InvalidateBlock(ctx context.Context, hash *chainhash.Hash) error {
	m.chainLock.Lock()
	node := m.index.LookupNode(hash)
	if node == nil {
		m.chainLock.Unlock()
		return unknownBlockError(hash)
	}
	if node.parent == nil {
		m.chainLock.Unlock()
		str := fmt.Sprintf("invalidating genesis block %s is not allowed", hash)
		return contextError(ErrInvalidateGenesisBlock, str)
	}
	if m.snapshot != nil {
		if base := m.snapshot.snapshotBase(); base.Ancestor(node.height) == node {
			m.chainLock.Unlock()
			str := fmt.Sprintf("block %s is an ancestor of the snapshot base "+
				"%s", hash, base.hash)
			return contextError(ErrSnapshotBaseInvalid, str)
		}
	}
	m.index.MarkBlockFailedValidation(node)
	for _, cs := range m.chainStates() {
		cs.removeCandidatesFrom(node)
	}
	active := m.activeChainState()
	m.chainLock.Unlock()

	log.Infof("Invalidating block %s (height %d)", node.hash, node.height)
	if err := active.rewindPast(ctx, node); err != nil {
		return err
	}

	m.chainLock.Lock()
	for _, cs := range m.chainStates() {
		cs.rebuildCandidates()
	}
	active.reconcileTxPool()
	m.chainLock.Unlock()

	return m.activateAll(ctx)
}

// ReconsiderBlock removes the invalidity status from the block with the passed
// hash, its ancestors and its descendants and then activates the best chain.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) ReconsiderBlock(ctx context.Context, hash *chainhash.Hash) error {
	m.chainLock.Lock()
	node := m.index.LookupNode(hash)
	if node == nil {
		m.chainLock.Unlock()
		return unknownBlockError(hash)
	}
	log.Infof("Reconsidering block %s (height %d)", node.hash, node.height)
	m.index.ResetFailureFlags(node)
	for _, cs := range m.chainStates() {
		cs.rebuildCandidates()
	}
	m.chainLock.Unlock()

	return m.activateAll(ctx)
}

// PreciousBlock treats the block with the passed hash as if it was received
// before any other block with the same work and then activates the best chain.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) PreciousBlock(ctx context.Context, hash *chainhash.Hash) error {
	m.chainLock.Lock()
	node := m.index.LookupNode(hash)
	if node == nil {
		m.chainLock.Unlock()
		return unknownBlockError(hash)
	}
	active := m.activeChainState()
	active.markPrecious(node)
	m.chainLock.Unlock()

	return active.ActivateBestChain(ctx)
}

// CheckConnectBlock performs the full set of checks needed to connect the
// passed block to the tip of the active chain state without modifying any
// state.  The block must extend the current tip.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) CheckConnectBlock(block *dcrutil.Block) error {
	if err := checkBlockSanity(block, m.params, m.timeNow()); err != nil {
		return err
	}

	m.chainLock.Lock()
	defer m.chainLock.Unlock()

	cs := m.activeChainState()
	tip := cs.bestChain.Tip()
	header := &block.MsgBlock().Header
	if header.PrevBlock != tip.hash {
		str := fmt.Sprintf("previous block must be the current chain tip %s, "+
			"but got %s", tip.hash, header.PrevBlock)
		return ruleError(ErrPrevBlockNotBest, str)
	}

	m.index.RLock()
	err := m.index.checkBlockHeaderPositional(header, block.Hash(), tip)
	m.index.RUnlock()
	if err != nil {
		return err
	}

	node := newBlockNode(header, tip)
	view := NewUtxoViewpoint(cs.coins)
	view.SetBestHash(&tip.hash)
	return cs.connectBlock(node, block, view, true)
}

// ProcessTransaction offers the passed transaction to the transaction pool
// while holding the chain lock so the pool sees a stable utxo set.  It returns
// the hashes of any missing parents.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) ProcessTransaction(tx *dcrutil.Tx) ([]*chainhash.Hash, error) {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()
	if m.txPool == nil {
		return nil, AssertError("no transaction pool registered")
	}
	return m.txPool.MaybeAcceptTransaction(tx, true)
}

// FetchUtxoView loads the outputs referenced by the inputs of the passed
// transaction, along with the outputs of the transaction itself, from the
// active chain state into a new view.  Outputs that are spent or don't exist
// are nil in the view.
//
// This function does not take the chain lock so it may be used by the
// transaction pool while the chain lock is held.
func (m *ChainStateManager) FetchUtxoView(tx *dcrutil.Tx) (*UtxoViewpoint, error) {
	cs := m.activeChainState()
	view := NewUtxoViewpoint(cs.coins)
	view.SetBestHash(&cs.BestSnapshot().Hash)

	filteredSet := make(ViewFilteredSet)
	msgTx := tx.MsgTx()
	if !standalone.IsCoinBaseTx(msgTx, noTreasury) {
		for _, txIn := range msgTx.TxIn {
			filteredSet.add(view, &txIn.PreviousOutPoint)
		}
	}
	outpoint := wire.OutPoint{Hash: *tx.Hash(), Tree: wire.TxTreeRegular}
	for txOutIdx := range msgTx.TxOut {
		outpoint.Index = uint32(txOutIdx)
		filteredSet.add(view, &outpoint)
	}
	if err := view.fetchUtxosMain(filteredSet); err != nil {
		return nil, err
	}
	return view, nil
}

// FetchUtxoEntry returns the unspent output for the passed outpoint from the
// active chain state or nil when it does not exist or is spent.  The returned
// entry is a copy that may be freely modified.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) FetchUtxoEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	entry, err := m.activeChainState().coins.FetchEntry(outpoint)
	if err != nil || entry == nil || entry.IsSpent() {
		return nil, err
	}
	return entry.Clone(), nil
}

// HaveBlock returns whether the data of the block with the passed hash is
// stored.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) HaveBlock(hash *chainhash.Hash) bool {
	return m.index.HaveBlock(hash)
}

// HaveHeader returns whether the header with the passed hash is known.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) HaveHeader(hash *chainhash.Hash) bool {
	return m.index.LookupNode(hash) != nil
}

// BlockByHash returns the block with the passed hash.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) BlockByHash(hash *chainhash.Hash) (*dcrutil.Block, error) {
	m.chainLock.Lock()
	defer m.chainLock.Unlock()
	node := m.index.LookupNode(hash)
	if node == nil {
		return nil, unknownBlockError(hash)
	}
	return m.fetchBlockByNode(node)
}

// HeaderByHash returns the header of the block with the passed hash.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) HeaderByHash(hash *chainhash.Hash) (wire.BlockHeader, error) {
	node := m.index.LookupNode(hash)
	if node == nil {
		return wire.BlockHeader{}, unknownBlockError(hash)
	}
	return node.Header(), nil
}

// BestSnapshot returns information about the tip of the active chain state.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) BestSnapshot() *BestState {
	return m.activeChainState().BestSnapshot()
}

// BestHeader returns the hash and height of the header with the most work
// that is not known to be invalid.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) BestHeader() (chainhash.Hash, int64) {
	best := m.index.BestHeader()
	return best.hash, best.height
}

// Close stops the background validation, writes the state of every chain
// state to disk and closes all databases.
func (m *ChainStateManager) Close() error {
	m.bgCancel()
	if err := m.bgGroup.Wait(); err != nil {
		log.Debugf("Background validation exited with: %v", err)
	}

	m.chainLock.Lock()
	var firstErr error
	for _, cs := range m.chainStates() {
		if err := cs.flushStateToDisk(FlushAlways); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := cs.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, cs := range m.discarded {
		cs.close()
	}
	m.discarded = nil
	if err := m.db.Close(); err != nil && firstErr == nil {
		firstErr = blockStoreError(err, "failed to close block index database")
	}
	m.chainLock.Unlock()

	m.stopFatalErrorHandler()
	return firstErr
}
