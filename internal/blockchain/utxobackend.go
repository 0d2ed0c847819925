// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	// currentUtxoDatabaseVersion indicates the current UTXO database version.
	currentUtxoDatabaseVersion = 1

	// minBackendCacheSize is the smallest leveldb block cache that is used
	// for a UTXO backend.
	minBackendCacheSize = 8 * 1024 * 1024
)

// -----------------------------------------------------------------------------
// utxoKeySet represents a top level key set in the UTXO backend.  All keys in
// the UTXO backend start with a serialized prefix consisting of the key set
// and version of that key set as follows:
//
//	<key set><version>
//
//	Key        Value    Size      Description
//	key set    uint8    1 byte    The key set identifier, as defined below
//	version    uint8    1 byte    The version of the key set
//
// -----------------------------------------------------------------------------
type utxoKeySet uint8

// These constants define the available UTXO backend key sets.
const (
	utxoKeySetDbInfo    utxoKeySet = iota + 1 // 1
	utxoKeySetUtxoState                       // 2
	utxoKeySetUtxoSet                         // 3
)

// utxoKeySetNoVersion defines the value to be used for the version of key sets
// where versioning does not apply.
const utxoKeySetNoVersion = 0

// utxoKeySetVersions defines the current version for each UTXO backend key
// set.
var utxoKeySetVersions = map[utxoKeySet]uint8{
	utxoKeySetDbInfo:    utxoKeySetNoVersion,
	utxoKeySetUtxoState: 1,
	utxoKeySetUtxoSet:   1,
}

// These variables define the serialized prefix for each key set and associated
// version.
var (
	// utxoPrefixDbInfo is the prefix for all keys in the database info
	// key set.
	utxoPrefixDbInfo = []byte{byte(utxoKeySetDbInfo),
		utxoKeySetVersions[utxoKeySetDbInfo]}

	// utxoPrefixUtxoState is the prefix for all keys in the UTXO state key set.
	utxoPrefixUtxoState = []byte{byte(utxoKeySetUtxoState),
		utxoKeySetVersions[utxoKeySetUtxoState]}

	// utxoPrefixUtxoSet is the prefix for all keys in the UTXO set key set.
	utxoPrefixUtxoSet = []byte{byte(utxoKeySetUtxoSet),
		utxoKeySetVersions[utxoKeySetUtxoSet]}
)

// prefixedKey returns a new byte slice that consists of the provided prefix
// appended with the provided key.
func prefixedKey(prefix []byte, key []byte) []byte {
	lenPrefix := len(prefix)
	prefixedKey := make([]byte, lenPrefix+len(key))
	_ = copy(prefixedKey, prefix)
	_ = copy(prefixedKey[lenPrefix:], key)
	return prefixedKey
}

var (
	// utxoDbInfoVersionKey is the database key used to house the database
	// version.
	utxoDbInfoVersionKey = prefixedKey(utxoPrefixDbInfo, []byte("version"))

	// utxoDbInfoCreatedKey is the database key used to house the date the
	// database was created.
	utxoDbInfoCreatedKey = prefixedKey(utxoPrefixDbInfo, []byte("created"))

	// utxoSetStateKey is the database key used to house the state of the
	// unspent transaction output set.
	utxoSetStateKey = prefixedKey(utxoPrefixUtxoState, []byte("utxosetstate"))
)

// UtxoStats represents unspent output statistics on the current utxo set.
type UtxoStats struct {
	Utxos          int64
	Transactions   int64
	Size           int64
	Total          int64
	SerializedHash chainhash.Hash
}

// UtxoBackendIterator represents an iterator over the key/value pairs of a UTXO
// backend in key order.
type UtxoBackendIterator interface {
	// Next moves the iterator to the next key/value pair.  It returns false
	// when the iterator is exhausted.
	Next() bool

	// Key returns the key of the current key/value pair.  The returned slice
	// must not be modified and is only valid until the next call to Next.
	Key() []byte

	// Value returns the value of the current key/value pair.  The returned
	// slice must not be modified and is only valid until the next call to
	// Next.
	Value() []byte

	// Error returns any accumulated error.
	Error() error

	// Release releases the associated resources.
	Release()
}

// UtxoBackend represents a persistent storage layer for the UTXO set.
//
// The interface contract requires that all of these methods are safe for
// concurrent access.
type UtxoBackend interface {
	// FetchEntry returns the specified transaction output from the UTXO set.
	//
	// When there is no entry for the provided output, nil will be returned for
	// both the entry and the error.
	FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error)

	// FetchState returns the current state of the UTXO set.  Nil is returned
	// for a backend that has never been written to.
	FetchState() (*UtxoSetState, error)

	// FetchStats returns statistics on the current UTXO set.
	FetchStats() (*UtxoStats, error)

	// NewIterator returns an iterator over the key/value pairs in the UTXO
	// backend with the given prefix.
	//
	// The iterator must be released after use, by calling the Release method.
	NewIterator(prefix []byte) UtxoBackendIterator

	// PutUtxos atomically updates the UTXO set with the entries from the
	// provided map along with the current state.
	PutUtxos(utxos map[wire.OutPoint]*UtxoEntry, state *UtxoSetState) error

	// Close closes the backend.
	Close() error
}

// levelDbUtxoBackend implements the UtxoBackend interface using an underlying
// leveldb database instance.
type levelDbUtxoBackend struct {
	path string

	// mtx protects the database handle which is replaced when the backend is
	// resized.
	mtx       sync.RWMutex
	db        *leveldb.DB
	cacheSize uint64
}

// Ensure levelDbUtxoBackend implements the UtxoBackend interface.
var _ UtxoBackend = (*levelDbUtxoBackend)(nil)

// convertLdbErr converts the passed leveldb error into a context error with an
// equivalent error kind and the passed description.  It also sets the passed
// error as the underlying error and adds its error string to the description.
func convertLdbErr(ldbErr error, desc string) ContextError {
	// Use the general UTXO backend error kind by default.  The code below will
	// update this with the converted error if it's recognized.
	var kind = ErrUtxoBackend

	switch {
	// Database corruption errors.
	case ldberrors.IsCorrupted(ldbErr):
		kind = ErrUtxoBackendCorruption

	// Database open/create errors.
	case errors.Is(ldbErr, leveldb.ErrClosed):
		kind = ErrUtxoBackendNotOpen
	}

	// Include the original error in description.
	desc = fmt.Sprintf("%s: %v", desc, ldbErr)

	err := contextError(kind, desc)
	err.RawErr = ldbErr

	return err
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// openLevelDB opens (or creates when needed) the leveldb database at the
// provided path using a block cache of the given size.
func openLevelDB(dbPath string, cacheSize uint64) (*leveldb.DB, error) {
	if cacheSize < minBackendCacheSize {
		cacheSize = minBackendCacheSize
	}
	opts := opt.Options{
		Strict:             opt.DefaultStrict,
		Compression:        opt.NoCompression,
		Filter:             filter.NewBloomFilter(10),
		BlockCacheCapacity: int(cacheSize / 2),
		WriteBuffer:        int(cacheSize / 4),
	}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, convertLdbErr(err, "failed to open UTXO database")
	}
	return db, nil
}

// openUtxoBackend loads (or creates when needed) the UTXO database at the
// provided path and returns a backend for it.
func openUtxoBackend(dbPath string, cacheSize uint64) (*levelDbUtxoBackend, error) {
	log.Infof("Loading UTXO database from '%s'", dbPath)
	db, err := openLevelDB(dbPath, cacheSize)
	if err != nil {
		return nil, err
	}
	l := &levelDbUtxoBackend{path: dbPath, db: db, cacheSize: cacheSize}
	if err := l.initInfo(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// initInfo creates the versioning information for a new backend and rejects
// backends that were written by a newer version.
func (l *levelDbUtxoBackend) initInfo() error {
	version, err := l.get(utxoDbInfoVersionKey)
	if err != nil {
		return err
	}
	if version != nil {
		if len(version) != 4 {
			return contextError(ErrUtxoBackendCorruption, "malformed UTXO "+
				"database version")
		}
		if v := byteOrder.Uint32(version); v > currentUtxoDatabaseVersion {
			return fmt.Errorf("the current UTXO database is no longer "+
				"compatible with this version of the software (%d > %d)", v,
				currentUtxoDatabaseVersion)
		}
		return nil
	}

	batch := new(leveldb.Batch)
	var versionBytes [4]byte
	byteOrder.PutUint32(versionBytes[:], currentUtxoDatabaseVersion)
	batch.Put(utxoDbInfoVersionKey, versionBytes[:])
	var created [8]byte
	byteOrder.PutUint64(created[:], uint64(time.Now().Unix()))
	batch.Put(utxoDbInfoCreatedKey, created[:])
	if err := l.db.Write(batch, nil); err != nil {
		return convertLdbErr(err, "failed to initialize UTXO database")
	}
	return nil
}

// get returns the value for the given key.  It returns nil for both the value
// and the error if the database does not contain the key.
//
// This function MUST be called with the backend mutex held (for reads).
func (l *levelDbUtxoBackend) get(key []byte) ([]byte, error) {
	serialized, err := l.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		str := fmt.Sprintf("failed to get key %x from leveldb", key)
		return nil, convertLdbErr(err, str)
	}
	return serialized, nil
}

// FetchEntry returns the specified transaction output from the UTXO set.
//
// When there is no entry for the provided output, nil will be returned for both
// the entry and the error.
func (l *levelDbUtxoBackend) FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	key := outpointKey(outpoint)
	l.mtx.RLock()
	serializedUtxo, err := l.get(*key)
	l.mtx.RUnlock()
	recycleOutpointKey(key)
	if err != nil {
		return nil, err
	}
	if serializedUtxo == nil {
		return nil, nil
	}

	// A non-nil zero-length entry means there is an entry in the database for a
	// spent transaction output which should never be the case.
	if len(serializedUtxo) == 0 {
		return nil, AssertError(fmt.Sprintf("database contains entry for "+
			"spent tx output %v", outpoint))
	}

	entry, err := deserializeUtxoEntry(serializedUtxo)
	if err != nil {
		str := fmt.Sprintf("corrupt utxo entry for %v: %v", outpoint, err)
		return nil, contextError(ErrUtxoBackendCorruption, str)
	}
	return entry, nil
}

// FetchState returns the current state of the UTXO set.
func (l *levelDbUtxoBackend) FetchState() (*UtxoSetState, error) {
	l.mtx.RLock()
	serialized, err := l.get(utxoSetStateKey)
	l.mtx.RUnlock()
	if err != nil {
		return nil, err
	}

	// Return nil if the utxo set state does not exist in the database.  This
	// should only be the case when starting from a fresh database.
	if len(serialized) == 0 {
		return nil, nil
	}

	state, err := deserializeUtxoSetState(serialized)
	if err != nil {
		return nil, contextError(ErrUtxoBackendCorruption, err.Error())
	}
	return state, nil
}

// FetchStats returns statistics on the current UTXO set.
func (l *levelDbUtxoBackend) FetchStats() (*UtxoStats, error) {
	var stats UtxoStats
	transactions := make(map[chainhash.Hash]struct{})
	leaves := make([]chainhash.Hash, 0)
	iter := l.NewIterator(utxoPrefixUtxoSet)
	defer iter.Release()

	for iter.Next() {
		key := iter.Key()
		var outpoint wire.OutPoint
		err := decodeOutpointKey(key, &outpoint)
		if err != nil {
			str := fmt.Sprintf("corrupt outpoint for key %x: %v", key, err)
			return nil, contextError(ErrUtxoBackendCorruption, str)
		}

		serializedUtxo := iter.Value()
		entry, err := deserializeUtxoEntry(serializedUtxo)
		if err != nil {
			str := fmt.Sprintf("corrupt utxo entry for %v: %v", outpoint, err)
			return nil, contextError(ErrUtxoBackendCorruption, str)
		}

		stats.Utxos++
		stats.Size += int64(len(serializedUtxo))
		stats.Total += entry.amount
		transactions[outpoint.Hash] = struct{}{}
		leaves = append(leaves, chainhash.HashH(serializedUtxo))
	}
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, "failed to fetch stats")
	}

	stats.SerializedHash = standalone.CalcMerkleRootInPlace(leaves)
	stats.Transactions = int64(len(transactions))
	return &stats, nil
}

// levelDbIterator wraps a leveldb iterator so the backend read lock is held
// until the iterator is released.
type levelDbIterator struct {
	iter interface {
		Next() bool
		Key() []byte
		Value() []byte
		Error() error
		Release()
	}
	release func()
}

func (it *levelDbIterator) Next() bool    { return it.iter.Next() }
func (it *levelDbIterator) Key() []byte   { return it.iter.Key() }
func (it *levelDbIterator) Value() []byte { return it.iter.Value() }
func (it *levelDbIterator) Error() error  { return it.iter.Error() }

func (it *levelDbIterator) Release() {
	it.iter.Release()
	if it.release != nil {
		it.release()
		it.release = nil
	}
}

// NewIterator returns an iterator over the key/value pairs in the UTXO backend.
// The returned iterator is NOT safe for concurrent use, but it is safe to use
// multiple iterators concurrently, with each in a dedicated goroutine.
//
// The prefix parameter allows for slicing the iterator to only contain keys
// with the given prefix.  A nil prefix is treated as a key BEFORE all keys.
//
// The iterator must be released after use, by calling the Release method.
func (l *levelDbUtxoBackend) NewIterator(prefix []byte) UtxoBackendIterator {
	var slice *util.Range
	if prefix != nil {
		slice = util.BytesPrefix(prefix)
	}
	l.mtx.RLock()
	return &levelDbIterator{
		iter:    l.db.NewIterator(slice, nil),
		release: l.mtx.RUnlock,
	}
}

// PutUtxos atomically updates the UTXO set with the entries from the provided
// map along with the current state.  Only entries marked as modified are
// written and spent entries are removed.
func (l *levelDbUtxoBackend) PutUtxos(utxos map[wire.OutPoint]*UtxoEntry, state *UtxoSetState) error {
	// It is important that the UTXO set state is always updated in the same
	// batch as the utxo set itself so that it is always in sync.
	batch := new(leveldb.Batch)
	for outpoint, entry := range utxos {
		if entry == nil || !entry.isModified() {
			continue
		}
		key := outpointKey(outpoint)
		if entry.IsSpent() {
			batch.Delete(*key)
		} else {
			batch.Put(*key, serializeUtxoEntry(entry))
		}
		recycleOutpointKey(key)
	}
	batch.Put(utxoSetStateKey, serializeUtxoSetState(state))

	l.mtx.RLock()
	err := l.db.Write(batch, &opt.WriteOptions{Sync: true})
	l.mtx.RUnlock()
	if err != nil {
		return convertLdbErr(err, "failed to write utxo batch")
	}
	return nil
}

// putRaw writes the provided serialized entries without a state update.  It
// is used to bulk load a snapshot before the state is known to be valid.
func (l *levelDbUtxoBackend) putRaw(batch *leveldb.Batch) error {
	l.mtx.RLock()
	err := l.db.Write(batch, nil)
	l.mtx.RUnlock()
	if err != nil {
		return convertLdbErr(err, "failed to write snapshot coins")
	}
	return nil
}

// Resize closes and reopens the underlying database with a block cache of the
// provided size.
func (l *levelDbUtxoBackend) Resize(cacheSize uint64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if cacheSize == l.cacheSize {
		return nil
	}
	if err := l.db.Close(); err != nil {
		return convertLdbErr(err, "failed to close UTXO database for resize")
	}
	db, err := openLevelDB(l.path, cacheSize)
	if err != nil {
		return err
	}
	l.db = db
	l.cacheSize = cacheSize
	log.Debugf("Resized UTXO database %s cache to %d MiB", l.path,
		cacheSize/1024/1024)
	return nil
}

// Close closes the underlying database.
func (l *levelDbUtxoBackend) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.db.Close(); err != nil && !errors.Is(err, leveldb.ErrClosed) {
		return convertLdbErr(err, "failed to close UTXO database")
	}
	return nil
}

// removeUtxoBackend removes the UTXO database at the provided path.
func removeUtxoBackend(dbPath string) error {
	if !fileExists(dbPath) {
		return nil
	}
	log.Infof("Removing UTXO database '%s'", dbPath)
	return os.RemoveAll(dbPath)
}
