// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/wire"
)

const (
	// blocksDirName is the name of the directory that houses the flat block
	// and undo files.
	blocksDirName = "blocks"

	// defaultMaxBlockFileSize is the default maximum size of a single block
	// file.
	defaultMaxBlockFileSize = 128 * 1024 * 1024

	// blockFileChunkSize and undoFileChunkSize are the allocation units of
	// the block and undo files.  They are used as the buffer that is kept
	// under the prune target.
	blockFileChunkSize = 16 * 1024 * 1024
	undoFileChunkSize  = 1024 * 1024

	// recordHeaderSize is the size of the network magic and length that
	// prefix every record.
	recordHeaderSize = 8

	// undoChecksumSize is the size of the checksum appended to every undo
	// record.
	undoChecksumSize = blake256.Size

	// minDiskSpace is the minimum amount of free disk space that must remain
	// after writing block data.
	minDiskSpace = 50 * 1024 * 1024
)

// blockFileManager manages the sequentially numbered flat files that house the
// serialized blocks (blkNNNNN.dat) and their undo data (revNNNNN.dat).
//
// Each block record is laid out as:
//
//	<network magic><payload length><serialized block>
//
// Each undo record is laid out as:
//
//	<network magic><payload length><serialized undo data><checksum>
//
// where the checksum is the BLAKE-256 hash of the parent block hash followed
// by the serialized undo data.  The undo data for a block is always stored in
// the undo file with the same number as the file that houses the block.
type blockFileManager struct {
	dir         string
	net         wire.CurrencyNet
	maxFileSize uint32

	// diskSpace returns the available space for the block directory.  It
	// is replaced in tests.
	diskSpace func(dir string) (uint64, error)

	// The following fields are protected by the mutex.
	//
	// fileInfos tracks the information for each file.
	//
	// dirty tracks the files whose information changed since the last time
	// it was written to the block index database.
	//
	// unsynced tracks the files that have been written to since they were
	// last synced to disk.
	mtx       sync.Mutex
	fileInfos map[uint32]*blockFileInfo
	dirty     map[uint32]struct{}
	unsynced  map[uint32]struct{}
	lastFile  uint32
}

// newBlockFileManager returns a manager for the flat files in the blocks
// directory under the provided data directory.
func newBlockFileManager(dataDir string, net wire.CurrencyNet, maxFileSize uint32) (*blockFileManager, error) {
	dir := filepath.Join(dataDir, blocksDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		str := fmt.Sprintf("failed to create blocks directory %s", dir)
		return nil, blockStoreError(err, str)
	}
	if maxFileSize == 0 {
		maxFileSize = defaultMaxBlockFileSize
	}
	return &blockFileManager{
		dir:         dir,
		net:         net,
		maxFileSize: maxFileSize,
		diskSpace:   freeDiskSpace,
		fileInfos:   map[uint32]*blockFileInfo{0: {}},
		dirty:       make(map[uint32]struct{}),
		unsynced:    make(map[uint32]struct{}),
	}, nil
}

// load replaces the tracked file information with the provided persisted
// information.
func (m *blockFileManager) load(infos map[uint32]*blockFileInfo, lastFile uint32) {
	m.mtx.Lock()
	m.fileInfos = infos
	if _, ok := m.fileInfos[lastFile]; !ok {
		m.fileInfos[lastFile] = &blockFileInfo{}
	}
	m.lastFile = lastFile
	m.mtx.Unlock()
}

// filePath returns the path of the file with the provided prefix and number.
func (m *blockFileManager) filePath(prefix string, fileNum uint32) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%05d.dat", prefix, fileNum))
}

// checkDiskSpace returns ErrDiskSpace when writing the provided number of
// additional bytes would leave less than the minimum free disk space.
func (m *blockFileManager) checkDiskSpace(additional uint64) error {
	free, err := m.diskSpace(m.dir)
	if err != nil {
		log.Warnf("Unable to determine free disk space: %v", err)
		return nil
	}
	if free < minDiskSpace+additional {
		str := fmt.Sprintf("disk space is low (%d bytes available)", free)
		return contextError(ErrDiskSpace, str)
	}
	return nil
}

// writeRecord appends the provided record to the file with the passed prefix
// and number at the provided offset.
func (m *blockFileManager) writeRecord(prefix string, fileNum, offset uint32, payload, trailer []byte) error {
	path := m.filePath(prefix, fileNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return blockStoreError(err, fmt.Sprintf("failed to open %s", path))
	}
	defer f.Close()

	record := make([]byte, 0, recordHeaderSize+len(payload)+len(trailer))
	record = binary.LittleEndian.AppendUint32(record, uint32(m.net))
	record = binary.LittleEndian.AppendUint32(record, uint32(len(payload)))
	record = append(record, payload...)
	record = append(record, trailer...)
	if _, err := f.WriteAt(record, int64(offset)); err != nil {
		return blockStoreError(err, fmt.Sprintf("failed to write %s", path))
	}
	return nil
}

// readRecord reads the payload and the provided number of trailing bytes of
// the record at the passed position of the file with the given prefix.
func (m *blockFileManager) readRecord(prefix string, pos flatFilePos, trailerSize int) ([]byte, []byte, error) {
	path := m.filePath(prefix, pos.fileNum)
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, blockStoreError(err, fmt.Sprintf("failed to open %s",
			path))
	}
	defer f.Close()

	var hdr [recordHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], int64(pos.offset)); err != nil {
		return nil, nil, blockStoreError(err, fmt.Sprintf("failed to read "+
			"record header at %v in %s", pos, path))
	}
	if magic := wire.CurrencyNet(binary.LittleEndian.Uint32(hdr[0:4])); magic != m.net {
		str := fmt.Sprintf("record at %v in %s has network magic %v, want %v",
			pos, path, magic, m.net)
		return nil, nil, contextError(ErrBlockStoreIO, str)
	}
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size > wire.MaxBlockPayload {
		str := fmt.Sprintf("record at %v in %s has size %d", pos, path, size)
		return nil, nil, contextError(ErrBlockStoreIO, str)
	}
	data := make([]byte, int(size)+trailerSize)
	_, err = f.ReadAt(data, int64(pos.offset)+recordHeaderSize)
	if err != nil && err != io.EOF {
		return nil, nil, blockStoreError(err, fmt.Sprintf("failed to read "+
			"record at %v in %s", pos, path))
	}
	if err == io.EOF {
		str := fmt.Sprintf("record at %v in %s is truncated", pos, path)
		return nil, nil, contextError(ErrBlockStoreIO, str)
	}
	return data[:size], data[size:], nil
}

// findBlockPos reserves space for a block record of the provided size and
// returns its position.  A new file is started when the record would not fit
// in the current one.
//
// This function MUST be called with the manager mutex held.
func (m *blockFileManager) findBlockPos(size uint32, height uint32, timestamp uint64) (flatFilePos, error) {
	fileNum := m.lastFile
	for {
		info := m.fileInfos[fileNum]
		if info == nil {
			info = &blockFileInfo{}
			m.fileInfos[fileNum] = info
		}
		if info.size == 0 || info.size+size < m.maxFileSize {
			break
		}
		fileNum++
	}
	if fileNum != m.lastFile {
		log.Debugf("Leaving block file %d (%d blocks, heights %d-%d)",
			m.lastFile, m.fileInfos[m.lastFile].numBlocks,
			m.fileInfos[m.lastFile].heightFirst,
			m.fileInfos[m.lastFile].heightLast)
		m.lastFile = fileNum
	}

	if err := m.checkDiskSpace(uint64(size)); err != nil {
		return flatFilePos{}, err
	}

	info := m.fileInfos[fileNum]
	pos := flatFilePos{fileNum: fileNum, offset: info.size}
	info.addBlock(height, timestamp)
	info.size += size
	m.dirty[fileNum] = struct{}{}
	return pos, nil
}

// WriteBlock stores the provided block in the current block file and returns
// its position.
//
// This function is safe for concurrent access.
func (m *blockFileManager) WriteBlock(block *wire.MsgBlock) (flatFilePos, error) {
	var buf bytes.Buffer
	buf.Grow(block.SerializeSize())
	if err := block.Serialize(&buf); err != nil {
		return flatFilePos{}, err
	}
	payload := buf.Bytes()

	m.mtx.Lock()
	defer m.mtx.Unlock()
	size := uint32(recordHeaderSize + len(payload))
	pos, err := m.findBlockPos(size, block.Header.Height,
		uint64(block.Header.Timestamp.Unix()))
	if err != nil {
		return flatFilePos{}, err
	}
	if err := m.writeRecord("blk", pos.fileNum, pos.offset, payload, nil); err != nil {
		return flatFilePos{}, err
	}
	m.unsynced[pos.fileNum] = struct{}{}
	return pos, nil
}

// ReadBlock loads the block stored at the provided position.
//
// This function is safe for concurrent access.
func (m *blockFileManager) ReadBlock(pos flatFilePos) (*wire.MsgBlock, error) {
	payload, _, err := m.readRecord("blk", pos, 0)
	if err != nil {
		return nil, err
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(payload)); err != nil {
		str := fmt.Sprintf("failed to decode block at %v: %v", pos, err)
		return nil, contextError(ErrBlockStoreIO, str)
	}
	return &block, nil
}

// undoChecksum returns the checksum of the provided undo payload bound to the
// parent block hash.
func undoChecksum(parentHash *chainhash.Hash, payload []byte) [blake256.Size]byte {
	h := blake256.New()
	h.Write(parentHash[:])
	h.Write(payload)
	var sum [blake256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// WriteUndo stores the provided serialized undo data in the undo file with the
// passed number and returns its position.
//
// This function is safe for concurrent access.
func (m *blockFileManager) WriteUndo(fileNum uint32, parentHash *chainhash.Hash, payload []byte) (flatFilePos, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	info := m.fileInfos[fileNum]
	if info == nil {
		info = &blockFileInfo{}
		m.fileInfos[fileNum] = info
	}
	size := uint32(recordHeaderSize + len(payload) + undoChecksumSize)
	if err := m.checkDiskSpace(uint64(size)); err != nil {
		return flatFilePos{}, err
	}
	pos := flatFilePos{fileNum: fileNum, offset: info.undoSize}
	sum := undoChecksum(parentHash, payload)
	if err := m.writeRecord("rev", fileNum, pos.offset, payload, sum[:]); err != nil {
		return flatFilePos{}, err
	}
	info.undoSize += size
	m.dirty[fileNum] = struct{}{}
	m.unsynced[fileNum] = struct{}{}
	return pos, nil
}

// ReadUndo loads the serialized undo data stored at the provided position and
// verifies its checksum against the passed parent block hash.  Any failure is
// reported as ErrUndoDataCorrupt.
//
// This function is safe for concurrent access.
func (m *blockFileManager) ReadUndo(pos flatFilePos, parentHash *chainhash.Hash) ([]byte, error) {
	payload, trailer, err := m.readRecord("rev", pos, undoChecksumSize)
	if err != nil {
		str := fmt.Sprintf("unable to read undo data at %v: %v", pos, err)
		return nil, contextError(ErrUndoDataCorrupt, str)
	}
	sum := undoChecksum(parentHash, payload)
	if !bytes.Equal(sum[:], trailer) {
		str := fmt.Sprintf("undo data at %v has a checksum mismatch", pos)
		return nil, contextError(ErrUndoDataCorrupt, str)
	}
	return payload, nil
}

// Sync flushes every file written since the last sync to disk.
//
// This function is safe for concurrent access.
func (m *blockFileManager) Sync() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for fileNum := range m.unsynced {
		for _, prefix := range []string{"blk", "rev"} {
			path := m.filePath(prefix, fileNum)
			f, err := os.OpenFile(path, os.O_WRONLY, 0600)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return blockStoreError(err, fmt.Sprintf("failed to open %s",
					path))
			}
			err = f.Sync()
			f.Close()
			if err != nil {
				return blockStoreError(err, fmt.Sprintf("failed to sync %s",
					path))
			}
		}
		delete(m.unsynced, fileNum)
	}
	return nil
}

// DirtyFileInfos returns a copy of the information of every file that changed
// since the last time the information was persisted along with the number of
// the file currently being written.
//
// This function is safe for concurrent access.
func (m *blockFileManager) DirtyFileInfos() (map[uint32]*blockFileInfo, uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	infos := make(map[uint32]*blockFileInfo, len(m.dirty))
	for fileNum := range m.dirty {
		info := *m.fileInfos[fileNum]
		infos[fileNum] = &info
	}
	return infos, m.lastFile
}

// MarkClean clears the dirty flag of the provided files once their
// information has been persisted.
//
// This function is safe for concurrent access.
func (m *blockFileManager) MarkClean(infos map[uint32]*blockFileInfo) {
	m.mtx.Lock()
	for fileNum, info := range infos {
		if current := m.fileInfos[fileNum]; current != nil && *current == *info {
			delete(m.dirty, fileNum)
		}
	}
	m.mtx.Unlock()
}

// CurrentUsage returns the total size of all block and undo files.
//
// This function is safe for concurrent access.
func (m *blockFileManager) CurrentUsage() uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var usage uint64
	for _, info := range m.fileInfos {
		usage += uint64(info.size) + uint64(info.undoSize)
	}
	return usage
}

// LastFile returns the number of the file currently being written.
//
// This function is safe for concurrent access.
func (m *blockFileManager) LastFile() uint32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.lastFile
}

// FileInfo returns a copy of the information for the provided file.
//
// This function is safe for concurrent access.
func (m *blockFileManager) FileInfo(fileNum uint32) (blockFileInfo, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	info, ok := m.fileInfos[fileNum]
	if !ok {
		return blockFileInfo{}, false
	}
	return *info, true
}

// resetFile clears the information for the provided file so that it is no
// longer accounted for.  The file itself is removed by UnlinkFiles.
//
// This function is safe for concurrent access.
func (m *blockFileManager) resetFile(fileNum uint32) {
	m.mtx.Lock()
	m.fileInfos[fileNum] = &blockFileInfo{}
	m.dirty[fileNum] = struct{}{}
	delete(m.unsynced, fileNum)
	m.mtx.Unlock()
}

// UnlinkFiles removes the block and undo files with the provided numbers.
func (m *blockFileManager) UnlinkFiles(fileNums []uint32) {
	for _, fileNum := range fileNums {
		for _, prefix := range []string{"blk", "rev"} {
			path := m.filePath(prefix, fileNum)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warnf("Unable to remove %s: %v", path, err)
			}
		}
		log.Infof("Prune: deleted blk/rev (%05d)", fileNum)
	}
}
