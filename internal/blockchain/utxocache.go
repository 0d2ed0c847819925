// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

const (
	// outpointSize is the size of an outpoint on a 64-bit platform.  It is
	// equivalent to what unsafe.Sizeof(wire.OutPoint{}) returns on a 64-bit
	// platform.
	outpointSize = 56

	// pointerSize is the size of a pointer on a 64-bit platform.
	pointerSize = 8

	// p2pkhScriptLen is the length of a standard pay-to-pubkey-hash script.  It
	// is used in the calculation to approximate the average size of a utxo entry
	// when setting the initial capacity of the cache.
	p2pkhScriptLen = 25

	// mapOverhead is the number of bytes per entry to use when approximating the
	// memory overhead of the entries map itself (i.e. the memory usage due to
	// internals of the map, such as the underlying buckets that are allocated).
	mapOverhead = 57

	// evictionPercentage is the targeted percentage of entries to evict from the
	// cache when its maximum size has been reached.
	evictionPercentage = 0.15

	// largeCachePercentage is the percentage of the maximum size at which the
	// cache is considered large.
	largeCachePercentage = 90

	// periodicFlushInterval is the amount of time to wait before a periodic
	// flush is required.
	periodicFlushInterval = time.Minute * 2
)

// CacheSizeState describes how close the utxo cache is to its maximum size.
type CacheSizeState int

// These constants define the possible cache size states.
const (
	// CacheSizeOK indicates the cache is below the large threshold.
	CacheSizeOK CacheSizeState = iota

	// CacheSizeLarge indicates the cache is at or above 90% of its maximum
	// size.
	CacheSizeLarge

	// CacheSizeCritical indicates the cache has reached its maximum size and
	// must be flushed before any more blocks are connected.
	CacheSizeCritical
)

// String returns the cache size state as a human-readable name.
func (s CacheSizeState) String() string {
	switch s {
	case CacheSizeOK:
		return "ok"
	case CacheSizeLarge:
		return "large"
	case CacheSizeCritical:
		return "critical"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// UtxoCacher represents a utxo cache that sits on top of a utxo set backend.
//
// The interface contract requires that all of these methods are safe for
// concurrent access.
type UtxoCacher interface {
	// Commit updates the entries in the cache based on the state of each
	// entry in the provided view.
	Commit(view *UtxoViewpoint) error

	// FetchEntries adds the requested transaction outputs to the provided
	// view.
	FetchEntries(filteredSet ViewFilteredSet, view *UtxoViewpoint) error

	// FetchEntry returns the specified transaction output from the utxo set.
	FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error)

	// HaveEntry returns whether an unspent entry exists for the output.
	HaveEntry(outpoint wire.OutPoint) (bool, error)

	// SizeState returns how close the cache is to its maximum size.
	SizeState() CacheSizeState

	// Flush commits all modified entries to the backend along with the
	// provided best block.
	Flush(bestHash *chainhash.Hash, bestHeight uint32, logFlush bool) error
}

// UtxoCache is an unspent transaction output cache that sits on top of a utxo
// set backend and provides significant runtime performance benefits at the
// cost of some additional memory usage.
//
// The UtxoCache is a read-through cache.  All utxo reads go through the cache.
// When there is a cache miss, the cache loads the missing data from the
// backend, caches it, and returns it to the caller.
//
// The UtxoCache is a write-back cache.  Writes to the cache are acknowledged
// by the cache immediately but are only periodically flushed to the backend.
// This allows intermediate steps to effectively be skipped.  For example, a
// utxo that is created and then spent in between flushes never needs to be
// written to the backend.
//
// Due to the write-back nature of the cache, at any given time the backend may
// not be in sync with the cache, and therefore all utxo reads and writes MUST
// go through the cache, and never read or write to the backend directly.
type UtxoCache struct {
	// backend is the backend that contains the utxo set.  It is set when the
	// instance is created and is not changed afterward.
	backend UtxoBackend

	// cacheLock protects access to the fields in the struct below this point.
	// A standard mutex is used rather than a read-write mutex since the cache
	// will often write when reads result in a cache miss.
	cacheLock sync.Mutex

	// maxSize is the maximum allowed size of the utxo cache, in bytes.  It may
	// be changed when the cache budgets are rebalanced.
	maxSize uint64

	// entries holds the cached utxo entries.
	entries map[wire.OutPoint]*UtxoEntry

	// lastFlushHash and lastFlushHeight identify the block the backend was
	// last flushed through.
	lastFlushHash   chainhash.Hash
	lastFlushHeight uint32

	// lastFlushTime is the last time that the cache was flushed to the
	// backend.
	lastFlushTime time.Time

	// lastEvictionHeight is the block height of the last eviction.
	lastEvictionHeight uint32

	// totalEntrySize is the total size of all utxo entries in the cache, in
	// bytes.
	totalEntrySize uint64

	// The following fields track the total number of cache hits and misses and
	// are used to measure the overall cache hit ratio.
	hits   uint64
	misses uint64

	// timeNow defines the function to use to get the current local time.  It
	// defaults to time.Now but an alternative function can be provided for
	// testing purposes.
	timeNow func() time.Time
}

// Ensure UtxoCache implements the UtxoCacher interface.
var _ UtxoCacher = (*UtxoCache)(nil)

// UtxoCacheConfig is a descriptor which specifies the utxo cache instance
// configuration.
type UtxoCacheConfig struct {
	// Backend defines the backend which houses the utxo set.
	//
	// This field is required.
	Backend UtxoBackend

	// MaxSize defines the maximum allowed size of the utxo cache, in bytes.
	//
	// This field is required.
	MaxSize uint64
}

// NewUtxoCache returns a UtxoCache instance using the provided configuration
// details.
func NewUtxoCache(config *UtxoCacheConfig) *UtxoCache {
	// Approximate the maximum number of entries allowed in the cache in order
	// to set the initial capacity of the entries map.
	avgEntrySize := mapOverhead + outpointSize + pointerSize + baseEntrySize +
		p2pkhScriptLen
	maxEntries := math.Ceil(float64(config.MaxSize) / float64(avgEntrySize))

	return &UtxoCache{
		backend:       config.Backend,
		maxSize:       config.MaxSize,
		entries:       make(map[wire.OutPoint]*UtxoEntry, uint64(maxEntries)),
		lastFlushTime: time.Now(),
		timeNow:       time.Now,
	}
}

// Initialize loads the utxo set state from the backend so the cache knows the
// block the backend was last flushed through.  It returns false when the
// backend has never been written to.
//
// This function should only be called during initialization.
func (c *UtxoCache) Initialize() (bool, error) {
	state, err := c.backend.FetchState()
	if err != nil {
		return false, err
	}

	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()
	if state == nil {
		return false, nil
	}
	c.lastFlushHash = state.lastFlushHash
	c.lastFlushHeight = state.lastFlushHeight
	c.lastEvictionHeight = state.lastFlushHeight
	c.lastFlushTime = c.timeNow()
	return true, nil
}

// LastFlush returns the hash and height of the block the backend was last
// flushed through.
//
// This function is safe for concurrent access.
func (c *UtxoCache) LastFlush() (chainhash.Hash, uint32) {
	c.cacheLock.Lock()
	hash, height := c.lastFlushHash, c.lastFlushHeight
	c.cacheLock.Unlock()
	return hash, height
}

// totalSize returns the total size of the cache on a 64-bit platform, in bytes.
// Note that this only takes the entries map into account, which represents the
// vast majority of the memory that the cache uses.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) totalSize() uint64 {
	numEntries := uint64(len(c.entries))
	return mapOverhead*numEntries + outpointSize*numEntries +
		pointerSize*numEntries + c.totalEntrySize
}

// TotalSize returns the approximate memory usage of the cache in bytes.
//
// This function is safe for concurrent access.
func (c *UtxoCache) TotalSize() uint64 {
	c.cacheLock.Lock()
	size := c.totalSize()
	c.cacheLock.Unlock()
	return size
}

// hitRatio returns the percentage of cache lookups that resulted in a cache
// hit.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) hitRatio() float64 {
	totalLookups := c.hits + c.misses
	if totalLookups == 0 {
		return 100
	}

	return float64(c.hits) / float64(totalLookups) * 100
}

// HitRatio returns the percentage of cache lookups that resulted in a cache
// hit.
//
// This function is safe for concurrent access.
func (c *UtxoCache) HitRatio() float64 {
	c.cacheLock.Lock()
	ratio := c.hitRatio()
	c.cacheLock.Unlock()
	return ratio
}

// sizeState returns the size state of the cache.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) sizeState() CacheSizeState {
	size := c.totalSize()
	switch {
	case size >= c.maxSize:
		return CacheSizeCritical
	case size*100 >= c.maxSize*largeCachePercentage:
		return CacheSizeLarge
	}
	return CacheSizeOK
}

// SizeState returns how close the cache is to its maximum size.
//
// This function is safe for concurrent access.
func (c *UtxoCache) SizeState() CacheSizeState {
	c.cacheLock.Lock()
	state := c.sizeState()
	c.cacheLock.Unlock()
	return state
}

// MaxSize returns the maximum allowed size of the cache in bytes.
//
// This function is safe for concurrent access.
func (c *UtxoCache) MaxSize() uint64 {
	c.cacheLock.Lock()
	maxSize := c.maxSize
	c.cacheLock.Unlock()
	return maxSize
}

// SetMaxSize changes the maximum allowed size of the cache.  The new size
// takes effect on the next size check, so callers that shrink the cache
// should flush it afterwards when it reports a critical state.
//
// This function is safe for concurrent access.
func (c *UtxoCache) SetMaxSize(maxSize uint64) {
	c.cacheLock.Lock()
	c.maxSize = maxSize
	c.cacheLock.Unlock()
}

// addEntry adds the specified output to the cache.  The entry being added MUST
// NOT be mutated by the caller after being passed to this function.
//
// Note that this function does not check if the entry is unspendable and
// therefore the caller should ensure that the entry is spendable before adding
// it to the cache.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) addEntry(outpoint wire.OutPoint, entry *UtxoEntry) {
	// Attempt to get an existing entry from the cache.
	cachedEntry := c.entries[outpoint]

	// If an existing entry does not exist, the added entry should be marked as
	// modified and fresh.
	if cachedEntry == nil {
		entry.state |= utxoStateModified | utxoStateFresh
	}

	// Add the entry to the cache.  In the case that an entry already exists,
	// the existing entry is overwritten.
	c.entries[outpoint] = entry

	// Update the total entry size of the cache.
	if cachedEntry != nil {
		c.totalEntrySize -= cachedEntry.size()
	}
	c.totalEntrySize += entry.size()
}

// AddEntry adds the specified output to the cache.  The entry being added MUST
// NOT be mutated by the caller after being passed to this function.
//
// This function is safe for concurrent access.
func (c *UtxoCache) AddEntry(outpoint wire.OutPoint, entry *UtxoEntry) {
	c.cacheLock.Lock()
	c.addEntry(outpoint, entry)
	c.cacheLock.Unlock()
}

// spendEntry marks the specified output as spent.  The provided entry is the
// spent entry from the view and is only used when the cache does not know
// about the output at all, in which case it is stored as a tombstone so the
// spend reaches the backend on the next flush.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) spendEntry(outpoint wire.OutPoint, spent *UtxoEntry) {
	// Attempt to get an existing entry from the cache.
	cachedEntry, found := c.entries[outpoint]
	if !found {
		if spent != nil {
			spent.state = utxoStateSpent | utxoStateModified
			c.entries[outpoint] = spent
			c.totalEntrySize += spent.size()
		}
		return
	}

	// If the entry is nil or already spent, return immediately.
	if cachedEntry == nil || cachedEntry.IsSpent() {
		return
	}

	// If the entry is fresh, and is now being spent, it can safely be removed.
	// The entry in the map is marked as nil rather than deleting it so that
	// subsequent lookups for the outpoint will still result in a cache hit and
	// avoid querying the backend.
	if cachedEntry.isFresh() {
		c.entries[outpoint] = nil
		c.totalEntrySize -= cachedEntry.size()
		return
	}

	// Mark the output as spent and modified.
	cachedEntry.Spend()
}

// SpendEntry marks the specified output as spent.
//
// This function is safe for concurrent access.
func (c *UtxoCache) SpendEntry(outpoint wire.OutPoint) {
	c.cacheLock.Lock()
	c.spendEntry(outpoint, nil)
	c.cacheLock.Unlock()
}

// fetchEntry returns the specified transaction output from the utxo set.  If
// the output exists in the cache, it is returned immediately.  Otherwise, it
// fetches the output from the backend, caches it, and returns it to the
// caller.  A cloned copy of the entry is returned so it can safely be mutated
// by the caller without invalidating the cache.
//
// When there is no entry for the provided output, nil will be returned for both
// the entry and the error.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) fetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	if entry, found := c.entries[outpoint]; found {
		c.hits++
		return entry.Clone(), nil
	}

	c.misses++

	// Missing entries are not considered an error here and instead will
	// result in nil entries in the cache so repeated lookups do not query
	// the backend again.  Backend failures are never reported as missing
	// entries since the backend is wrapped with the error catcher.
	entry, err := c.backend.FetchEntry(outpoint)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		c.totalEntrySize += entry.size()
	}
	c.entries[outpoint] = entry
	return entry.Clone(), nil
}

// FetchEntry returns the specified transaction output from the utxo set.  A
// cloned copy of the entry is returned so it can safely be mutated by the
// caller without invalidating the cache.
//
// When there is no entry for the provided output, nil will be returned for both
// the entry and the error.
//
// This function is safe for concurrent access.
func (c *UtxoCache) FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	c.cacheLock.Lock()
	entry, err := c.fetchEntry(outpoint)
	c.cacheLock.Unlock()
	return entry, err
}

// HaveEntry returns whether the utxo set contains an unspent entry for the
// provided output.
//
// This function is safe for concurrent access.
func (c *UtxoCache) HaveEntry(outpoint wire.OutPoint) (bool, error) {
	entry, err := c.FetchEntry(outpoint)
	if err != nil {
		return false, err
	}
	return entry != nil && !entry.IsSpent(), nil
}

// FetchEntries adds the requested transaction outputs to the provided view.  It
// first checks the cache for each output, and if an output does not exist in
// the cache, it will fetch it from the backend.
//
// Upon completion of this function, the view will contain an entry for each
// requested outpoint.  Spent outputs, or those which otherwise don't exist,
// will result in a nil entry in the view.
//
// This function is safe for concurrent access.
func (c *UtxoCache) FetchEntries(filteredSet ViewFilteredSet, view *UtxoViewpoint) error {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()
	for outpoint := range filteredSet {
		entry, err := c.fetchEntry(outpoint)
		if err != nil {
			return err
		}
		view.entries[outpoint] = entry
	}
	return nil
}

// Commit updates all entries in the cache based on the state of each entry in
// the provided view.
//
// All entries in the provided view that are marked as modified and spent are
// removed from the view.  Additionally, all entries that are added to the cache
// are removed from the provided view.
//
// This function is safe for concurrent access.
func (c *UtxoCache) Commit(view *UtxoViewpoint) error {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()
	for outpoint, entry := range view.entries {
		if entry == nil {
			delete(view.entries, outpoint)
			continue
		}

		// Nothing to do for entries that were only read.
		if !entry.isModified() && !entry.isFresh() {
			continue
		}

		if entry.isModified() && entry.IsSpent() {
			c.spendEntry(outpoint, entry)
			delete(view.entries, outpoint)
			continue
		}

		// The entry is modified or fresh, but not spent, and the cache takes
		// ownership of it.  It is removed from the view to ensure it is not
		// mutated by the caller after being added to the cache.
		c.addEntry(outpoint, entry)
		delete(view.entries, outpoint)
	}
	return nil
}

// calcEvictionHeight returns the eviction height based on the best height of
// the chain and the last eviction height.  All entries that are contained in a
// block at a height less than the eviction height will be evicted from the
// cache when the cache reaches its maximum allowed size.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) calcEvictionHeight(bestHeight uint32) uint32 {
	if bestHeight < c.lastEvictionHeight {
		return bestHeight
	}

	lastEvictionDepth := bestHeight - c.lastEvictionHeight
	numBlocksToEvict := math.Ceil(float64(lastEvictionDepth) * evictionPercentage)
	return c.lastEvictionHeight + uint32(numBlocksToEvict)
}

// PeriodicFlushDue returns whether the periodic flush interval has elapsed
// since the last flush.
//
// This function is safe for concurrent access.
func (c *UtxoCache) PeriodicFlushDue() bool {
	c.cacheLock.Lock()
	due := c.timeNow().Sub(c.lastFlushTime) >= periodicFlushInterval
	c.cacheLock.Unlock()
	return due
}

// flush commits all modified entries to the backend and conditionally evicts
// entries.
//
// Entries that are nil or spent are always evicted since they are unlikely to
// be accessed again.  Additionally, if the cache has reached its maximum size,
// entries are evicted based on the height of the block that they are contained
// in and, should the cache still be large afterwards, every remaining entry is
// evicted since they are all clean.
//
// This function MUST be called with the cache lock held.
func (c *UtxoCache) flush(bestHash *chainhash.Hash, bestHeight uint32, logFlush bool) error {
	var evictionHeight uint32
	memUsage := c.totalSize()
	if memUsage >= c.maxSize {
		evictionHeight = c.calcEvictionHeight(bestHeight)
	}

	var preFlushNumEntries int
	if logFlush {
		preFlushNumEntries = len(c.entries)
		memUsageMiB := float64(memUsage) / 1024 / 1024
		memUsagePercent := float64(memUsage) / float64(c.maxSize) * 100
		var evictionLog string
		if evictionHeight != 0 {
			evictionLog = fmt.Sprintf(", eviction height: %d", evictionHeight)
		}
		log.Debugf("UTXO cache flush starting (%d entries, %.2f MiB (%.2f%%), "+
			"%.2f%% hit ratio, height: %d%s)", preFlushNumEntries, memUsageMiB,
			memUsagePercent, c.hitRatio(), bestHeight, evictionLog)
	}

	// Write the modified entries along with the new state in one atomic batch
	// so the state never refers to a partially written set.
	err := c.backend.PutUtxos(c.entries, &UtxoSetState{
		lastFlushHeight: bestHeight,
		lastFlushHash:   *bestHash,
	})
	if err != nil {
		return err
	}

	// Update the entries in the cache after flushing to the backend.  This is
	// done after the backend write succeeded to ensure that an unexpected
	// failure would not leave the cache in an inconsistent state.
	for outpoint, entry := range c.entries {
		if entry == nil || entry.IsSpent() ||
			entry.BlockHeight() < int64(evictionHeight) {

			delete(c.entries, outpoint)
			if entry != nil {
				c.totalEntrySize -= entry.size()
			}
			continue
		}

		entry.state &^= utxoStateModified | utxoStateFresh
	}
	if c.sizeState() != CacheSizeOK {
		c.entries = make(map[wire.OutPoint]*UtxoEntry)
		c.totalEntrySize = 0
	}

	c.lastFlushHash = *bestHash
	c.lastFlushHeight = bestHeight
	c.lastFlushTime = c.timeNow()
	if evictionHeight != 0 {
		c.lastEvictionHeight = evictionHeight
	}

	if logFlush {
		remainingEntries := len(c.entries)
		flushedEntries := preFlushNumEntries - remainingEntries
		memUsage = c.totalSize()
		memUsageMiB := float64(memUsage) / 1024 / 1024
		memUsagePercent := float64(memUsage) / float64(c.maxSize) * 100
		log.Debugf("UTXO cache flush completed (%d entries flushed, %d entries "+
			"remaining, %.2f MiB (%.2f%%))", flushedEntries, remainingEntries,
			memUsageMiB, memUsagePercent)
	}

	return nil
}

// Flush commits all modified entries to the backend along with the provided
// best block and evicts entries as needed.
//
// This function is safe for concurrent access.
func (c *UtxoCache) Flush(bestHash *chainhash.Hash, bestHeight uint32, logFlush bool) error {
	c.cacheLock.Lock()
	err := c.flush(bestHash, bestHeight, logFlush)
	c.cacheLock.Unlock()
	return err
}

// NumEntries returns the number of entries currently held by the cache.
//
// This function is safe for concurrent access.
func (c *UtxoCache) NumEntries() int {
	c.cacheLock.Lock()
	n := len(c.entries)
	c.cacheLock.Unlock()
	return n
}
