// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/database/v3"
	_ "github.com/decred/dcrd/database/v3/ffldb"
	"github.com/decred/dcrd/wire"
)

const (
	// currentBlockIndexVersion indicates the current block index database
	// version.
	currentBlockIndexVersion = 1

	// blockIndexDbType is the database driver used for the block index.
	blockIndexDbType = "ffldb"

	// blockIndexDbName is the name of the block index database directory.
	blockIndexDbName = "blockindex_ffldb"

	// blockHdrSize is the size of a block header.  This is simply the
	// constant from wire and is only provided here for convenience since
	// wire.MaxBlockHeaderPayload is quite long.
	blockHdrSize = wire.MaxBlockHeaderPayload
)

var (
	// byteOrder is the preferred byte order used for serializing numeric fields
	// for storage in the database.
	byteOrder = binary.LittleEndian

	// blockIndexBucketName is the name of the db bucket used to house the block
	// index which consists of metadata for all known blocks both in the main
	// chain and on side chains.
	blockIndexBucketName = []byte("blockidx")

	// blockFilesBucketName is the name of the db bucket used to house the
	// information about each flat block file.
	blockFilesBucketName = []byte("blockfiles")

	// metaBucketName is the name of the db bucket used to house global
	// information such as the version and the last block file.
	metaBucketName = []byte("meta")

	// metaVersionKeyName is the name of the key that houses the version.
	metaVersionKeyName = []byte("version")

	// metaCreatedKeyName is the name of the key that houses the date the
	// database was created.
	metaCreatedKeyName = []byte("created")

	// metaLastBlockFileKeyName is the name of the key that houses the number
	// of the block file currently being written.
	metaLastBlockFileKeyName = []byte("lastblockfile")

	// metaPrunedKeyName is the name of the key that records whether any
	// block files have ever been pruned.
	metaPrunedKeyName = []byte("pruned")

	// metaSnapshotBaseKeyName is the name of the key that houses the hash of
	// the base block of an activated UTXO snapshot.
	metaSnapshotBaseKeyName = []byte("snapshotbase")
)

// -----------------------------------------------------------------------------
// The block index consists of an entry for every known block.  It consists of
// information such as the block header and information about votes.
//
// The serialized key format is:
//
//   <block height><block hash>
//
//   Field           Type              Size
//   block height    uint32            4 bytes
//   block hash      chainhash.Hash    chainhash.HashSize
//
// The serialized value format is:
//
//   <block header><status><num txns><chain txns>[<data pos>][<undo pos>]
//
//   Field              Type                Size
//   block header       wire.BlockHeader    180 bytes
//   status             blockStatus         1 byte
//   num txns           VLQ                 variable
//   chain txns         VLQ                 variable
//   data file          VLQ                 variable (only with data stored)
//   data offset        VLQ                 variable (only with data stored)
//   undo file          VLQ                 variable (only with undo stored)
//   undo offset        VLQ                 variable (only with undo stored)
// -----------------------------------------------------------------------------

// blockIndexEntry represents a block index database entry.
type blockIndexEntry struct {
	header    wire.BlockHeader
	status    blockStatus
	numTxns   uint32
	chainTxns uint64
	dataPos   flatFilePos
	undoPos   flatFilePos
}

// blockIndexKey generates the binary key for an entry in the block index
// bucket.  The key is composed of the block height encoded as a big-endian
// 32-bit unsigned int followed by the 32 byte block hash.  Big endian is used
// here so the entries can easily be iterated by height.
func blockIndexKey(blockHash *chainhash.Hash, blockHeight uint32) []byte {
	indexKey := make([]byte, chainhash.HashSize+4)
	binary.BigEndian.PutUint32(indexKey[0:4], blockHeight)
	copy(indexKey[4:chainhash.HashSize+4], blockHash[:])
	return indexKey
}

// serializeBlockIndexEntry serializes the passed block index entry into a
// single byte slice according to the format described in detail above.
func serializeBlockIndexEntry(entry *blockIndexEntry) ([]byte, error) {
	w := bytes.NewBuffer(make([]byte, 0, blockHdrSize+32))
	if err := entry.header.Serialize(w); err != nil {
		return nil, err
	}
	serialized := w.Bytes()
	serialized = append(serialized, byte(entry.status))
	serialized = appendVLQ(serialized, uint64(entry.numTxns))
	serialized = appendVLQ(serialized, entry.chainTxns)
	if entry.status.HaveData() {
		serialized = appendVLQ(serialized, uint64(entry.dataPos.fileNum))
		serialized = appendVLQ(serialized, uint64(entry.dataPos.offset))
	}
	if entry.status.HaveUndo() {
		serialized = appendVLQ(serialized, uint64(entry.undoPos.fileNum))
		serialized = appendVLQ(serialized, uint64(entry.undoPos.offset))
	}
	return serialized, nil
}

// decodeBlockIndexEntry decodes the passed serialized block index entry into
// the passed struct according to the format described above.
func decodeBlockIndexEntry(serialized []byte, entry *blockIndexEntry) error {
	if len(serialized) < blockHdrSize+1 {
		return errDeserialize("unexpected end of data while reading block " +
			"header and status")
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(serialized[:blockHdrSize])); err != nil {
		return errDeserialize(fmt.Sprintf("unable to decode block header: %v",
			err))
	}
	offset := blockHdrSize
	status := blockStatus(serialized[offset])
	offset++

	readVLQ := func(field string) (uint64, error) {
		val, bytesRead := deserializeVLQ(serialized[offset:])
		if bytesRead == 0 {
			return 0, errDeserialize(fmt.Sprintf("unexpected end of data "+
				"while reading %s", field))
		}
		offset += bytesRead
		return val, nil
	}

	numTxns, err := readVLQ("num txns")
	if err != nil {
		return err
	}
	chainTxns, err := readVLQ("chain txns")
	if err != nil {
		return err
	}
	var dataPos, undoPos flatFilePos
	if status.HaveData() {
		fileNum, err := readVLQ("data file")
		if err != nil {
			return err
		}
		fileOffset, err := readVLQ("data offset")
		if err != nil {
			return err
		}
		dataPos = flatFilePos{uint32(fileNum), uint32(fileOffset)}
	}
	if status.HaveUndo() {
		fileNum, err := readVLQ("undo file")
		if err != nil {
			return err
		}
		fileOffset, err := readVLQ("undo offset")
		if err != nil {
			return err
		}
		undoPos = flatFilePos{uint32(fileNum), uint32(fileOffset)}
	}

	entry.header = header
	entry.status = status
	entry.numTxns = uint32(numTxns)
	entry.chainTxns = chainTxns
	entry.dataPos = dataPos
	entry.undoPos = undoPos
	return nil
}

// -----------------------------------------------------------------------------
// The block file information describes the contents of one pair of flat block
// and undo files.
//
// The serialized key is the file number encoded as a big-endian uint32.
//
// The serialized value format is:
//
//   <num blocks><size><undo size><height first><height last><time first>
//   <time last>
//
//   All fields are VLQ encoded.
// -----------------------------------------------------------------------------

// blockFileInfo houses information about the contents of a pair of flat block
// and undo files.
type blockFileInfo struct {
	numBlocks   uint32
	size        uint32
	undoSize    uint32
	heightFirst uint32
	heightLast  uint32
	timeFirst   uint64
	timeLast    uint64
}

// addBlock updates the information to account for a new block stored in the
// file.
func (info *blockFileInfo) addBlock(height uint32, timestamp uint64) {
	if info.numBlocks == 0 || info.heightFirst > height {
		info.heightFirst = height
	}
	if info.numBlocks == 0 || info.timeFirst > timestamp {
		info.timeFirst = timestamp
	}
	info.numBlocks++
	if height > info.heightLast {
		info.heightLast = height
	}
	if timestamp > info.timeLast {
		info.timeLast = timestamp
	}
}

// serializeBlockFileInfo serializes the passed information according to the
// format described above.
func serializeBlockFileInfo(info *blockFileInfo) []byte {
	serialized := make([]byte, 0, 32)
	serialized = appendVLQ(serialized, uint64(info.numBlocks))
	serialized = appendVLQ(serialized, uint64(info.size))
	serialized = appendVLQ(serialized, uint64(info.undoSize))
	serialized = appendVLQ(serialized, uint64(info.heightFirst))
	serialized = appendVLQ(serialized, uint64(info.heightLast))
	serialized = appendVLQ(serialized, info.timeFirst)
	serialized = appendVLQ(serialized, info.timeLast)
	return serialized
}

// deserializeBlockFileInfo decodes the passed serialized block file
// information according to the format described above.
func deserializeBlockFileInfo(serialized []byte) (*blockFileInfo, error) {
	var fields [7]uint64
	offset := 0
	for i := range fields {
		val, bytesRead := deserializeVLQ(serialized[offset:])
		if bytesRead == 0 {
			return nil, errDeserialize(fmt.Sprintf("unexpected end of data "+
				"while reading block file info field %d", i))
		}
		offset += bytesRead
		fields[i] = val
	}
	return &blockFileInfo{
		numBlocks:   uint32(fields[0]),
		size:        uint32(fields[1]),
		undoSize:    uint32(fields[2]),
		heightFirst: uint32(fields[3]),
		heightLast:  uint32(fields[4]),
		timeFirst:   fields[5],
		timeLast:    fields[6],
	}, nil
}

// fileNumKey returns the key used for the passed file number.
func fileNumKey(fileNum uint32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], fileNum)
	return key[:]
}

// blockIndexDB houses the persisted block index, the block file information
// and a few global values in the metadata buckets of a block database.  Block
// data itself lives in the flat block files, so the block storage of the
// database is never used.
type blockIndexDB struct {
	db database.DB
}

// blockStoreError converts the passed database error into a context error with
// the block store kind and the passed description.
func blockStoreError(dbErr error, desc string) ContextError {
	err := contextError(ErrBlockStoreIO, fmt.Sprintf("%s: %v", desc, dbErr))
	err.RawErr = dbErr
	return err
}

// openBlockIndexDB opens (or creates when needed) the block index database for
// the passed network in the provided data directory.
func openBlockIndexDB(dataDir string, net wire.CurrencyNet) (*blockIndexDB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		str := fmt.Sprintf("failed to create data directory %s", dataDir)
		return nil, blockStoreError(err, str)
	}

	dbPath := filepath.Join(dataDir, blockIndexDbName)
	log.Infof("Loading block index database from '%s'", dbPath)
	db, err := database.Open(blockIndexDbType, dbPath, net)
	if err != nil {
		if !errors.Is(err, database.ErrDbDoesNotExist) {
			return nil, blockStoreError(err, "failed to open block index "+
				"database")
		}
		db, err = database.Create(blockIndexDbType, dbPath, net)
		if err != nil {
			return nil, blockStoreError(err, "failed to create block index "+
				"database")
		}
	}

	err = db.Update(func(dbTx database.Tx) error {
		meta := dbTx.Metadata()
		for _, name := range [][]byte{blockIndexBucketName,
			blockFilesBucketName, metaBucketName} {

			if _, err := meta.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		bucket := meta.Bucket(metaBucketName)
		if version := bucket.Get(metaVersionKeyName); version != nil {
			if len(version) != 4 {
				return errDeserialize("malformed block index version")
			}
			if v := byteOrder.Uint32(version); v > currentBlockIndexVersion {
				return fmt.Errorf("block index version %d is newer than "+
					"supported version %d", v, currentBlockIndexVersion)
			}
			return nil
		}
		var version [4]byte
		byteOrder.PutUint32(version[:], currentBlockIndexVersion)
		if err := bucket.Put(metaVersionKeyName, version[:]); err != nil {
			return err
		}
		var created [8]byte
		byteOrder.PutUint64(created[:], uint64(time.Now().Unix()))
		return bucket.Put(metaCreatedKeyName, created[:])
	})
	if err == nil {
		err = db.Flush()
	}
	if err != nil {
		db.Close()
		if isDeserializeErr(err) {
			return nil, contextError(ErrBlockIndexCorruption, err.Error())
		}
		return nil, blockStoreError(err, "failed to initialize block index "+
			"database")
	}

	return &blockIndexDB{db: db}, nil
}

// Close closes the underlying database.
func (bdb *blockIndexDB) Close() error {
	return bdb.db.Close()
}

// update runs the passed function in a writable database transaction and then
// flushes the database cache so the changes are on disk once it returns.
func (bdb *blockIndexDB) update(fn func(dbTx database.Tx) error) error {
	if err := bdb.db.Update(fn); err != nil {
		return err
	}
	return bdb.db.Flush()
}

// putBlockIndexBatch writes the provided nodes, block file information and
// last block file number in a single atomic transaction that is on disk when
// it returns.
func (bdb *blockIndexDB) putBlockIndexBatch(nodes []*blockNode, fileInfos map[uint32]*blockFileInfo, lastFile uint32) error {
	err := bdb.update(func(dbTx database.Tx) error {
		meta := dbTx.Metadata()
		files := meta.Bucket(blockFilesBucketName)
		for fileNum, info := range fileInfos {
			err := files.Put(fileNumKey(fileNum), serializeBlockFileInfo(info))
			if err != nil {
				return err
			}
		}
		err := meta.Bucket(metaBucketName).Put(metaLastBlockFileKeyName,
			fileNumKey(lastFile))
		if err != nil {
			return err
		}

		index := meta.Bucket(blockIndexBucketName)
		for _, node := range nodes {
			serialized, err := serializeBlockIndexEntry(&blockIndexEntry{
				header:    node.Header(),
				status:    node.status,
				numTxns:   node.numTxns,
				chainTxns: node.chainTxns,
				dataPos:   node.dataPos,
				undoPos:   node.undoPos,
			})
			if err != nil {
				return err
			}
			key := blockIndexKey(&node.hash, uint32(node.height))
			if err := index.Put(key, serialized); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return blockStoreError(err, "failed to write block index")
	}
	return nil
}

// forEachBlockNode invokes the provided function with every persisted block
// index entry in height order.
func (bdb *blockIndexDB) forEachBlockNode(fn func(entry *blockIndexEntry) error) error {
	return bdb.db.View(func(dbTx database.Tx) error {
		index := dbTx.Metadata().Bucket(blockIndexBucketName)
		return index.ForEach(func(k, v []byte) error {
			var entry blockIndexEntry
			if err := decodeBlockIndexEntry(v, &entry); err != nil {
				str := fmt.Sprintf("corrupt block index entry %x: %v", k, err)
				return contextError(ErrBlockIndexCorruption, str)
			}
			return fn(&entry)
		})
	})
}

// fetchBlockFileInfos returns the information for every block file along with
// the number of the block file currently being written.
func (bdb *blockIndexDB) fetchBlockFileInfos() (map[uint32]*blockFileInfo, uint32, error) {
	infos := make(map[uint32]*blockFileInfo)
	var lastFile uint32
	err := bdb.db.View(func(dbTx database.Tx) error {
		meta := dbTx.Metadata()
		files := meta.Bucket(blockFilesBucketName)
		err := files.ForEach(func(k, v []byte) error {
			if len(k) != 4 {
				return errDeserialize(fmt.Sprintf("malformed block file "+
					"key %x", k))
			}
			info, err := deserializeBlockFileInfo(v)
			if err != nil {
				return err
			}
			infos[binary.BigEndian.Uint32(k)] = info
			return nil
		})
		if err != nil {
			return err
		}
		v := meta.Bucket(metaBucketName).Get(metaLastBlockFileKeyName)
		if v != nil {
			if len(v) != 4 {
				return errDeserialize("malformed last block file")
			}
			lastFile = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	if err != nil {
		if isDeserializeErr(err) {
			return nil, 0, contextError(ErrBlockIndexCorruption, err.Error())
		}
		return nil, 0, blockStoreError(err, "failed to load block file info")
	}
	return infos, lastFile, nil
}

// putMeta stores the passed value under the provided key in the meta bucket.
// A nil value deletes the key.
func (bdb *blockIndexDB) putMeta(key, value []byte) error {
	err := bdb.update(func(dbTx database.Tx) error {
		meta := dbTx.Metadata().Bucket(metaBucketName)
		if value == nil {
			return meta.Delete(key)
		}
		return meta.Put(key, value)
	})
	if err != nil {
		return blockStoreError(err, fmt.Sprintf("failed to store %s", key))
	}
	return nil
}

// fetchMeta returns a copy of the value stored under the provided key in the
// meta bucket or nil when there is none.
func (bdb *blockIndexDB) fetchMeta(key []byte) ([]byte, error) {
	var value []byte
	err := bdb.db.View(func(dbTx database.Tx) error {
		meta := dbTx.Metadata().Bucket(metaBucketName)
		if v := meta.Get(key); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, blockStoreError(err, fmt.Sprintf("failed to fetch %s", key))
	}
	return value, nil
}

// setPruned records that block files have been pruned.
func (bdb *blockIndexDB) setPruned() error {
	return bdb.putMeta(metaPrunedKeyName, []byte{1})
}

// havePruned returns whether block files have ever been pruned.
func (bdb *blockIndexDB) havePruned() (bool, error) {
	v, err := bdb.fetchMeta(metaPrunedKeyName)
	return len(v) == 1 && v[0] == 1, err
}

// putSnapshotBase records the base block of the active UTXO snapshot.  A nil
// hash removes the record.
func (bdb *blockIndexDB) putSnapshotBase(hash *chainhash.Hash) error {
	if hash == nil {
		return bdb.putMeta(metaSnapshotBaseKeyName, nil)
	}
	return bdb.putMeta(metaSnapshotBaseKeyName, hash[:])
}

// fetchSnapshotBase returns the base block of the active UTXO snapshot or nil
// when there is none.
func (bdb *blockIndexDB) fetchSnapshotBase() (*chainhash.Hash, error) {
	v, err := bdb.fetchMeta(metaSnapshotBaseKeyName)
	if err != nil || v == nil {
		return nil, err
	}
	hash, err := chainhash.NewHash(v)
	if err != nil {
		return nil, contextError(ErrBlockIndexCorruption, err.Error())
	}
	return hash, nil
}
