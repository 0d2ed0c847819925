// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"path/filepath"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"lukechampine.com/blake3"
)

// -----------------------------------------------------------------------------
// A utxo snapshot is a serialized dump of the utxo set of a chain state as of
// a specific block.  It consists of a header followed by every unspent output
// in the key order of the utxo database:
//
//   Field            Type             Size
//   magic            [5]byte          5 bytes ("utxo\xff")
//   version          uint16 (LE)      2 bytes
//   network          uint32 (LE)      4 bytes
//   base block hash  chainhash.Hash   32 bytes
//   num coins        uint64 (LE)      8 bytes
//   coins            []coin           variable
//
// Each coin is serialized as:
//
//   Field            Type             Size
//   tx hash          chainhash.Hash   32 bytes
//   output index     VLQ              variable
//   entry len        VLQ              variable
//   entry            []byte           variable (utxo database format)
//
// The content hash of a utxo set is the 32 byte blake3 hash of
// VLQ(len key) | key | VLQ(len entry) | entry for every coin in key order
// where key is the tx hash followed by the VLQ encoded output index.
// -----------------------------------------------------------------------------

const (
	// snapshotVersion is the current version of the snapshot format.
	snapshotVersion = 1

	// maxSnapshotEntrySize is the maximum allowed size of a single serialized
	// entry in a snapshot.
	maxSnapshotEntrySize = wire.MaxBlockPayload

	// snapshotBatchSize is the number of coins written to the utxo database
	// in a single batch while loading a snapshot.
	snapshotBatchSize = 20000

	// snapshotCtxCheckInterval is the number of coins between context checks
	// while loading or dumping a snapshot.
	snapshotCtxCheckInterval = 10000

	// defaultSnapshotHeaderTimeout is the default maximum amount of time to
	// wait for the header of the snapshot base block to arrive.
	defaultSnapshotHeaderTimeout = 10 * time.Minute
)

// snapshotMagic identifies a utxo snapshot.
var snapshotMagic = [5]byte{'u', 't', 'x', 'o', 0xff}

// SnapshotMetadata describes a utxo snapshot.
type SnapshotMetadata struct {
	Network    wire.CurrencyNet
	BaseHash   chainhash.Hash
	BaseHeight int64
	NumCoins   uint64

	// ContentHash is only known for snapshots that were dumped locally.
	ContentHash chainhash.Hash
}

// ReadSnapshotMetadata reads and validates the header of a utxo snapshot from
// the passed reader which is left positioned at the first coin.
func ReadSnapshotMetadata(r io.Reader) (*SnapshotMetadata, error) {
	var hdr [5 + 2 + 4 + chainhash.HashSize + 8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		str := fmt.Sprintf("unable to read snapshot header: %v", err)
		return nil, contextError(ErrSnapshotMalformed, str)
	}
	if [5]byte(hdr[:5]) != snapshotMagic {
		return nil, contextError(ErrSnapshotMalformed, "invalid snapshot magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[5:7]); v != snapshotVersion {
		str := fmt.Sprintf("unsupported snapshot version %d", v)
		return nil, contextError(ErrSnapshotMalformed, str)
	}
	var metadata SnapshotMetadata
	metadata.Network = wire.CurrencyNet(binary.LittleEndian.Uint32(hdr[7:11]))
	copy(metadata.BaseHash[:], hdr[11:11+chainhash.HashSize])
	metadata.NumCoins = binary.LittleEndian.Uint64(hdr[11+chainhash.HashSize:])
	return &metadata, nil
}

// writeSnapshotHeader writes the header of a utxo snapshot.
func writeSnapshotHeader(w io.Writer, metadata *SnapshotMetadata) error {
	var hdr [5 + 2 + 4 + chainhash.HashSize + 8]byte
	copy(hdr[:5], snapshotMagic[:])
	binary.LittleEndian.PutUint16(hdr[5:7], snapshotVersion)
	binary.LittleEndian.PutUint32(hdr[7:11], uint32(metadata.Network))
	copy(hdr[11:11+chainhash.HashSize], metadata.BaseHash[:])
	binary.LittleEndian.PutUint64(hdr[11+chainhash.HashSize:], metadata.NumCoins)
	_, err := w.Write(hdr[:])
	return err
}

// readVLQ reads a variable-length quantity from the passed reader.
func readVLQ(r io.ByteReader) (uint64, error) {
	var n uint64
	for i := 0; ; i++ {
		if i == 10 {
			return 0, errDeserialize("variable-length quantity overflows")
		}
		val, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		n = (n << 7) | uint64(val&0x7f)
		if val&0x80 != 0x80 {
			return n, nil
		}
		n++
	}
}

// hashCoin adds a single coin, keyed without the utxo set prefix, to the
// passed content hasher.
func hashCoin(h hash.Hash, key, value []byte) {
	var buf [10]byte
	h.Write(buf[:putVLQ(buf[:], uint64(len(key)))])
	h.Write(key)
	h.Write(buf[:putVLQ(buf[:], uint64(len(value)))])
	h.Write(value)
}

// hashSum returns the content hash accumulated by the passed hasher.
func hashSum(h hash.Hash) chainhash.Hash {
	var sum chainhash.Hash
	copy(sum[:], h.Sum(nil))
	return sum
}

// computeUtxoContentHash returns the content hash of the utxo set stored in the
// passed backend.
func computeUtxoContentHash(backend UtxoBackend) (chainhash.Hash, error) {
	h := blake3.New(chainhash.HashSize, nil)
	iter := backend.NewIterator(utxoPrefixUtxoSet)
	defer iter.Release()
	for iter.Next() {
		hashCoin(h, iter.Key()[utxoSetDbPrefixSize:], iter.Value())
	}
	if err := iter.Error(); err != nil {
		return chainhash.Hash{}, convertLdbErr(err, "failed to iterate utxo set")
	}
	return hashSum(h), nil
}

// DumpSnapshot writes the utxo set of the active chain state as of its current
// tip to the passed writer.  The chain lock is only held while the state is
// flushed, so the chain keeps moving while the dump is written.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) DumpSnapshot(ctx context.Context, w io.Writer) (*SnapshotMetadata, error) {
	m.chainLock.Lock()
	cs := m.activeChainState()
	if err := cs.flushStateToDisk(FlushAlways); err != nil {
		m.chainLock.Unlock()
		return nil, err
	}
	tip := cs.bestChain.Tip()
	countIter := cs.backend.NewIterator(utxoPrefixUtxoSet)
	iter := cs.backend.NewIterator(utxoPrefixUtxoSet)
	m.chainLock.Unlock()
	defer iter.Release()

	var numCoins uint64
	for countIter.Next() {
		numCoins++
	}
	err := countIter.Error()
	countIter.Release()
	if err != nil {
		return nil, convertLdbErr(err, "failed to count utxo set")
	}

	metadata := &SnapshotMetadata{
		Network:    m.params.Net,
		BaseHash:   tip.hash,
		BaseHeight: tip.height,
		NumCoins:   numCoins,
	}
	bw := bufio.NewWriterSize(w, 1<<20)
	if err := writeSnapshotHeader(bw, metadata); err != nil {
		return nil, err
	}

	h := blake3.New(chainhash.HashSize, nil)
	var buf [10]byte
	var written uint64
	for iter.Next() {
		if written%snapshotCtxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, ContextError{Err: ErrShutdown, Description: "utxo " +
					"snapshot dump interrupted", RawErr: err}
			}
		}
		key, value := iter.Key()[utxoSetDbPrefixSize:], iter.Value()
		hashCoin(h, key, value)
		if _, err := bw.Write(key); err != nil {
			return nil, err
		}
		if _, err := bw.Write(buf[:putVLQ(buf[:], uint64(len(value)))]); err != nil {
			return nil, err
		}
		if _, err := bw.Write(value); err != nil {
			return nil, err
		}
		written++
	}
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, "failed to iterate utxo set")
	}
	if written != numCoins {
		return nil, AssertError(fmt.Sprintf("dumped %d coins instead of %d",
			written, numCoins))
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	metadata.ContentHash = hashSum(h)
	log.Infof("Dumped %d coins as of block %s (height %d), content hash %s",
		numCoins, tip.hash, tip.height, metadata.ContentHash)
	return metadata, nil
}

// loadSnapshotCoins bulk loads the coins that follow the snapshot header in
// the passed reader into the utxo database of the passed chain state.  Every
// coin must have been created at or below the base height and no data may
// follow the last coin.
func (m *ChainStateManager) loadSnapshotCoins(ctx context.Context, r io.Reader, cs *ChainState, metadata *SnapshotMetadata, baseHeight int64) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 1<<20)
	}
	malformed := func(i uint64, err error) error {
		str := fmt.Sprintf("unable to read coin %d of %d: %v", i,
			metadata.NumCoins, err)
		return contextError(ErrSnapshotMalformed, str)
	}

	batch := new(leveldb.Batch)
	var outpoint wire.OutPoint
	for i := uint64(0); i < metadata.NumCoins; i++ {
		if i%snapshotCtxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return ContextError{Err: ErrShutdown, Description: "utxo " +
					"snapshot load interrupted", RawErr: err}
			}
		}

		if _, err := io.ReadFull(br, outpoint.Hash[:]); err != nil {
			return malformed(i, err)
		}
		index, err := readVLQ(br)
		if err != nil {
			return malformed(i, err)
		}
		if index > 1<<32-1 {
			return malformed(i, errors.New("output index overflows uint32"))
		}
		size, err := readVLQ(br)
		if err != nil {
			return malformed(i, err)
		}
		if size == 0 || size > maxSnapshotEntrySize {
			return malformed(i, fmt.Errorf("entry size %d out of range", size))
		}
		value := make([]byte, size)
		if _, err := io.ReadFull(br, value); err != nil {
			return malformed(i, err)
		}
		entry, err := deserializeUtxoEntry(value)
		if err != nil {
			return malformed(i, err)
		}
		if entry.BlockHeight() > baseHeight {
			return malformed(i, fmt.Errorf("coin created at height %d after "+
				"the base height %d", entry.BlockHeight(), baseHeight))
		}

		outpoint.Index = uint32(index)
		key := outpointKey(outpoint)
		batch.Put(*key, value)
		recycleOutpointKey(key)
		if batch.Len() >= snapshotBatchSize {
			if err := cs.backend.putRaw(batch); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if batch.Len() > 0 {
		if err := cs.backend.putRaw(batch); err != nil {
			return err
		}
	}

	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return contextError(ErrSnapshotMalformed, "unexpected data after the "+
			"last coin")
	}
	return nil
}

// waitForHeader returns the block index node for the passed hash, waiting for
// the header to arrive for up to the snapshot header timeout.
func (m *ChainStateManager) waitForHeader(ctx context.Context, hash *chainhash.Hash) (*blockNode, error) {
	timer := time.NewTimer(m.snapshotHeaderTimeout)
	defer timer.Stop()
	for {
		added := m.index.headerWaiter()
		if node := m.index.LookupNode(hash); node != nil {
			return node, nil
		}
		select {
		case <-added:
		case <-timer.C:
			str := fmt.Sprintf("header of snapshot base block %s did not "+
				"arrive", hash)
			return nil, contextError(ErrSnapshotBaseUnknown, str)
		case <-ctx.Done():
			return nil, ContextError{Err: ErrShutdown, Description: "waiting " +
				"for snapshot base header interrupted", RawErr: ctx.Err()}
		}
	}
}

// ActivateSnapshot loads the utxo snapshot that follows the header described
// by the passed metadata in the passed reader into a new chain state and makes
// it the active chain state.  The former active chain state continues to
// validate from genesis in the background until it reaches the snapshot base,
// at which point both utxo sets are compared.
//
// The snapshot must match the trusted metadata of the network, its content
// hash must match, the header of its base block must be known (or arrive
// shortly) and must neither be invalid nor behind the active tip.  Nothing
// changes when any of those conditions fail.
//
// This function is safe for concurrent access.
func (m *ChainStateManager) ActivateSnapshot(ctx context.Context, r io.Reader, metadata *SnapshotMetadata) error {
	if !m.activatingSnapshot.CompareAndSwap(false, true) {
		return contextError(ErrSnapshotActive, "a snapshot is already being "+
			"activated")
	}
	defer m.activatingSnapshot.Store(false)

	m.chainLock.Lock()
	inUse := m.snapshot != nil || len(m.discarded) > 0
	m.chainLock.Unlock()
	if inUse {
		return contextError(ErrSnapshotActive, "a snapshot chain state is "+
			"already in use")
	}
	if metadata.Network != m.params.Net {
		str := fmt.Sprintf("snapshot is for network %v instead of %v",
			metadata.Network, m.params.Net)
		return contextError(ErrSnapshotMalformed, str)
	}
	data := m.assumeUTXOForHash(&metadata.BaseHash)
	if data == nil {
		str := fmt.Sprintf("no trusted snapshot metadata for base block %s",
			metadata.BaseHash)
		return contextError(ErrNoSnapshotData, str)
	}

	// Create a fresh chain state to load the coins into.
	dir := filepath.Join(m.dataDir, snapshotChainStateDir)
	if err := removeUtxoBackend(dir); err != nil {
		return err
	}
	snap, err := openChainState(m, snapshotChainStateDir, dir, nil,
		minChainStateCacheSize, minChainStateCacheSize)
	if err != nil {
		return err
	}
	discard := func() {
		if err := snap.close(); err != nil {
			log.Warnf("Unable to close snapshot chain state: %v", err)
		}
		if err := removeUtxoBackend(dir); err != nil {
			log.Warnf("Unable to remove snapshot chain state: %v", err)
		}
	}

	log.Infof("Loading %d coins from snapshot based on block %s (height %d)",
		metadata.NumCoins, data.BlockHash, data.Height)
	start := time.Now()
	if err := m.loadSnapshotCoins(ctx, r, snap, metadata, data.Height); err != nil {
		discard()
		return err
	}

	contentHash, err := computeUtxoContentHash(snap.backend)
	if err != nil {
		discard()
		return err
	}
	if contentHash != data.ContentHash {
		discard()
		str := fmt.Sprintf("snapshot content hash %s does not match the "+
			"expected %s", contentHash, data.ContentHash)
		return contextError(ErrSnapshotHashMismatch, str)
	}
	log.Infof("Loaded snapshot coins in %v", time.Since(start).Round(
		time.Millisecond))

	base, err := m.waitForHeader(ctx, &data.BlockHash)
	if err != nil {
		discard()
		return err
	}

	m.chainLock.Lock()
	err = m.installSnapshot(snap, base, data)
	m.chainLock.Unlock()
	if err != nil {
		discard()
		return err
	}

	err = snap.ActivateBestChain(ctx)
	if err != nil && !isRuleError(err) {
		return err
	}
	return nil
}

// installSnapshot makes the passed loaded snapshot chain state the active
// chain state on top of the passed base block and turns the former active
// chain state into the background chain state.
//
// This function MUST be called with the chain lock held (for writes).
func (m *ChainStateManager) installSnapshot(snap *ChainState, base *blockNode, data *AssumeUTXOData) error {
	if m.snapshot != nil {
		return contextError(ErrSnapshotActive, "a snapshot chain state is "+
			"already in use")
	}
	if base.height != data.Height {
		str := fmt.Sprintf("snapshot base block %s is at height %d instead "+
			"of %d", base.hash, base.height, data.Height)
		return contextError(ErrSnapshotMalformed, str)
	}
	if m.index.NodeStatus(base).KnownInvalid() {
		str := fmt.Sprintf("snapshot base block %s is known to be invalid",
			base.hash)
		return contextError(ErrSnapshotBaseInvalid, str)
	}
	if best := m.index.BestHeader(); best.Ancestor(base.height) != base {
		str := fmt.Sprintf("snapshot base block %s is not an ancestor of the "+
			"best header %s", base.hash, best.hash)
		return contextError(ErrSnapshotBaseInvalid, str)
	}
	active := m.activeChainState()
	if tip := active.bestChain.Tip(); tip.height >= base.height {
		str := fmt.Sprintf("active chain tip %s (height %d) is not behind "+
			"the snapshot base height %d", tip.hash, tip.height, base.height)
		return contextError(ErrSnapshotUnneeded, str)
	}

	m.index.MarkAssumedValid(base, data.ChainTxCount)
	snap.variant = snapshotVariant{base: base}
	state := &UtxoSetState{
		lastFlushHeight: uint32(base.height),
		lastFlushHash:   base.hash,
	}
	err := snap.backend.PutUtxos(nil, state)
	if err == nil {
		err = snap.loadTip()
	}
	if err == nil {
		err = m.writeBlockIndex()
	}
	if err == nil {
		err = m.db.putSnapshotBase(&base.hash)
	}
	if err != nil {
		m.index.ClearAssumedValid()
		return err
	}

	active.variant = backgroundVariant{target: base}
	active.rebuildCandidates()
	m.snapshot = snap
	m.active.Store(snap)
	m.maybeRebalanceCaches()
	m.startBackgroundValidation(active)
	log.Infof("Activated snapshot chain state based on block %s (height %d)",
		base.hash, base.height)
	return nil
}
