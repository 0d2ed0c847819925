// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
)

const (
	// testCoinbaseValue is the amount paid by the coinbase of every generated
	// block.
	testCoinbaseValue = 1e8

	// testCacheSize is the utxo and leveldb cache budget used by the test
	// managers to keep the memory usage of the tests low.
	testCacheSize = 2 * minChainStateCacheSize
)

var (
	// opTrueScript is a public key script that anyone can spend.
	opTrueScript = []byte{txscript.OP_TRUE}

	// coinbaseSigScript is the signature script of generated coinbases.
	coinbaseSigScript = []byte{txscript.OP_0, txscript.OP_0}
)

// hexToBytes converts the passed hex string into bytes and will panic if there
// is an error.  This is only provided for the hard-coded constants so errors in
// the source code can be detected. It will only (and must only) be called with
// hard-coded values.
func hexToBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("invalid hex in source file: " + s)
	}
	return b
}

// mustParseHash converts the passed big-endian hex string into a
// chainhash.Hash and will panic if there is an error.  It only differs from the
// one available in chainhash in that it will panic so errors in the source code
// be detected.  It will only (and must only) be called with hard-coded, and
// therefore known good, hashes.
func mustParseHash(s string) *chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic("invalid hash in source file: " + s)
	}
	return hash
}

// chainGen generates named blocks that satisfy the consensus rules enforced by
// the package on top of the regression test network genesis block.  Every
// block pays its coinbase to an anyone-can-spend script so later blocks can
// spend it.
type chainGen struct {
	t      testing.TB
	params *chaincfg.Params
	blocks map[string]*dcrutil.Block
	names  map[chainhash.Hash]string
	uniq   uint32
}

// newChainGen returns a generator that knows the genesis block of the passed
// network as "genesis".
func newChainGen(t testing.TB, params *chaincfg.Params) *chainGen {
	genesis := dcrutil.NewBlock(params.GenesisBlock)
	return &chainGen{
		t:      t,
		params: params,
		blocks: map[string]*dcrutil.Block{"genesis": genesis},
		names:  map[chainhash.Hash]string{*genesis.Hash(): "genesis"},
	}
}

// Block returns the previously generated block with the passed name.
func (g *chainGen) Block(name string) *dcrutil.Block {
	g.t.Helper()
	block, ok := g.blocks[name]
	if !ok {
		g.t.Fatalf("no block named %q", name)
	}
	return block
}

// Hash returns the hash of the previously generated block with the passed
// name.
func (g *chainGen) Hash(name string) *chainhash.Hash {
	g.t.Helper()
	return g.Block(name).Hash()
}

// Name returns the name of the block with the passed hash.
func (g *chainGen) Name(hash *chainhash.Hash) string {
	if name, ok := g.names[*hash]; ok {
		return name
	}
	return hash.String()
}

// coinbaseTx returns a coinbase transaction for the passed height.  The
// second output commits to the height along with a counter so sibling blocks
// never share a coinbase hash.
func (g *chainGen) coinbaseTx(height uint32) *wire.MsgTx {
	g.uniq++
	var nullData [8]byte
	binary.LittleEndian.PutUint32(nullData[0:4], height)
	binary.LittleEndian.PutUint32(nullData[4:8], g.uniq)

	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex, wire.TxTreeRegular),
		Sequence:        wire.MaxTxInSequenceNum,
		ValueIn:         testCoinbaseValue,
		BlockHeight:     wire.NullBlockHeight,
		BlockIndex:      wire.NullBlockIndex,
		SignatureScript: coinbaseSigScript,
	})
	tx.AddTxOut(wire.NewTxOut(testCoinbaseValue, opTrueScript))
	tx.AddTxOut(wire.NewTxOut(0, nullDataScript(nullData[:])))
	return tx
}

// nullDataScript returns a provably unspendable script that pushes the passed
// data.
func nullDataScript(data []byte) []byte {
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).
		AddData(data).Script()
	if err != nil {
		panic(err)
	}
	return script
}

// solveBlock grinds the nonce of the passed block until its hash satisfies the
// target difficulty claimed by its header.
func (g *chainGen) solveBlock(block *wire.MsgBlock) {
	g.t.Helper()
	header := &block.Header
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		err := standalone.CheckProofOfWork(&hash, header.Bits,
			g.params.PowLimit)
		if err == nil {
			return
		}
		if nonce == ^uint32(0) {
			g.t.Fatalf("unable to solve block at height %d", header.Height)
		}
	}
}

// NextBlock generates a new block with the passed name on top of the named
// parent block.  The mungers are applied before the merkle root and size are
// calculated and the block is solved, so they may freely add transactions.
func (g *chainGen) NextBlock(name, parentName string, mungers ...func(*wire.MsgBlock)) *dcrutil.Block {
	g.t.Helper()
	if _, ok := g.blocks[name]; ok {
		g.t.Fatalf("block named %q already exists", name)
	}
	parent := g.Block(parentName).MsgBlock()
	height := parent.Header.Height + 1

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: parent.Header.BlockHash(),
			Bits:      g.params.PowLimitBits,
			Height:    height,
			Timestamp: parent.Header.Timestamp.Add(time.Second),
		},
	}
	block.AddTransaction(g.coinbaseTx(height))
	for _, f := range mungers {
		f(block)
	}
	block.Header.MerkleRoot = standalone.CalcTxTreeMerkleRoot(
		block.Transactions)
	block.Header.Size = uint32(block.SerializeSize())
	g.solveBlock(block)

	b := dcrutil.NewBlock(block)
	g.blocks[name] = b
	g.names[*b.Hash()] = name
	return b
}

// NextBlocks generates a chain of count blocks named prefix0, prefix1, ...
// on top of the named parent block and returns the name of the last one.
func (g *chainGen) NextBlocks(prefix, parentName string, count int) string {
	g.t.Helper()
	parent := parentName
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		g.NextBlock(name, parent)
		parent = name
	}
	return parent
}

// CreateSpendTx returns a transaction that spends the coinbase output of the
// named block, paying the passed fee.
func (g *chainGen) CreateSpendTx(fromBlock string, fee int64) *wire.MsgTx {
	g.t.Helper()
	coinbase := g.Block(fromBlock).MsgBlock().Transactions[0]
	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(ptrHash(coinbase.TxHash()), 0,
			wire.TxTreeRegular),
		Sequence:    wire.MaxTxInSequenceNum,
		ValueIn:     coinbase.TxOut[0].Value,
		BlockHeight: wire.NullBlockHeight,
		BlockIndex:  wire.NullBlockIndex,
	})
	tx.AddTxOut(wire.NewTxOut(coinbase.TxOut[0].Value-fee, opTrueScript))
	return tx
}

// ptrHash returns a pointer to a copy of the passed hash.
func ptrHash(hash chainhash.Hash) *chainhash.Hash {
	return &hash
}

// additionalTx returns a block munger that adds the passed transaction.
func additionalTx(tx *wire.MsgTx) func(*wire.MsgBlock) {
	return func(b *wire.MsgBlock) {
		b.AddTransaction(tx)
	}
}

// withBits returns a block munger that sets the difficulty bits of the block.
// The block is solved for the passed bits.
func withBits(bits uint32) func(*wire.MsgBlock) {
	return func(b *wire.MsgBlock) {
		b.Header.Bits = bits
	}
}

// harderBits returns difficulty bits for a target a sixteenth of the network
// proof of work limit, so a block solved for them has roughly sixteen times
// the work of a block at the limit.
func (g *chainGen) harderBits() uint32 {
	target := new(big.Int).Rsh(g.params.PowLimit, 4)
	return standalone.BigToCompact(target)
}

// chainHarness wraps a chain state manager along with a block generator and
// provides convenience functions for processing the generated blocks and
// asserting the resulting state.
type chainHarness struct {
	*chainGen
	t       *testing.T
	ctx     context.Context
	cfg     Config
	m       *ChainStateManager
	closed  bool
	ntfnMtx sync.Mutex
	ntfns   []NotificationType
	fatalCh chan error

	// onFatal, when set, is invoked with every fatal error after it was
	// recorded.
	onFatal func(error)
}

// newChainHarness returns a harness around a new chain state manager on the
// regression test network backed by a temporary data directory.  The passed
// function, when not nil, may modify the configuration before the manager is
// created.
func newChainHarness(t *testing.T, configure func(*Config)) *chainHarness {
	t.Helper()

	params := chaincfg.RegNetParams()
	h := &chainHarness{
		chainGen: newChainGen(t, params),
		t:        t,
		ctx:      context.Background(),
		fatalCh:  make(chan error, 16),
	}
	h.cfg = Config{
		DataDir:          t.TempDir(),
		ChainParams:      params,
		UtxoCacheMaxSize: testCacheSize,
		DbCacheSize:      testCacheSize,
		CheckBlockIndex:  true,
	}
	if configure != nil {
		configure(&h.cfg)
	}
	h.cfg.Notifications = h.handleNotification
	h.cfg.OnFatalError = func(err error) {
		h.ntfnMtx.Lock()
		onFatal := h.onFatal
		h.ntfnMtx.Unlock()
		if onFatal != nil {
			onFatal(err)
		}
		select {
		case h.fatalCh <- err:
		default:
		}
	}
	h.open()
	t.Cleanup(func() {
		if !h.closed {
			h.m.Close()
		}
	})
	return h
}

// open creates the chain state manager from the harness configuration.
func (h *chainHarness) open() {
	h.t.Helper()
	m, err := New(h.ctx, &h.cfg)
	if err != nil {
		h.t.Fatalf("failed to create chain state manager: %v", err)
	}
	h.m = m
	h.closed = false
}

// Restart closes the chain state manager and opens it again from the same data
// directory.
func (h *chainHarness) Restart() {
	h.t.Helper()
	if err := h.m.Close(); err != nil {
		h.t.Fatalf("failed to close chain state manager: %v", err)
	}
	h.closed = true
	h.open()
}

// WaitFatal waits for the next fatal error reported by the manager.
func (h *chainHarness) WaitFatal() error {
	h.t.Helper()
	select {
	case err := <-h.fatalCh:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("timeout waiting for a fatal error")
	}
	return nil
}

// handleNotification records the type of every notification sent by the
// manager.
func (h *chainHarness) handleNotification(n *Notification) {
	h.ntfnMtx.Lock()
	h.ntfns = append(h.ntfns, n.Type)
	h.ntfnMtx.Unlock()
}

// countNotifications returns how many notifications of the passed type were
// received.
func (h *chainHarness) countNotifications(typ NotificationType) int {
	h.ntfnMtx.Lock()
	defer h.ntfnMtx.Unlock()
	var n int
	for _, t := range h.ntfns {
		if t == typ {
			n++
		}
	}
	return n
}

// AcceptBlock processes the named block and ensures it is accepted without
// error.
func (h *chainHarness) AcceptBlock(name string) {
	h.t.Helper()
	block := h.Block(name)
	if _, err := h.m.ProcessNewBlock(h.ctx, block, true); err != nil {
		h.t.Fatalf("block %q (hash %s, height %d) should have been "+
			"accepted: %v", name, block.Hash(), block.Height(), err)
	}
}

// AcceptBlocks processes the blocks named prefix0 through prefix<count-1> in
// order.
func (h *chainHarness) AcceptBlocks(prefix string, count int) {
	h.t.Helper()
	for i := 0; i < count; i++ {
		h.AcceptBlock(fmt.Sprintf("%s%d", prefix, i))
	}
}

// RejectBlock processes the named block and ensures it is rejected with the
// passed error kind.
func (h *chainHarness) RejectBlock(name string, kind ErrorKind) {
	h.t.Helper()
	block := h.Block(name)
	_, err := h.m.ProcessNewBlock(h.ctx, block, true)
	if !errors.Is(err, kind) {
		h.t.Fatalf("block %q (hash %s, height %d) should have been "+
			"rejected with %v, got %v", name, block.Hash(), block.Height(),
			kind, err)
	}
}

// AcceptHeaders processes the headers of the named blocks and ensures they are
// accepted.
func (h *chainHarness) AcceptHeaders(names ...string) {
	h.t.Helper()
	headers := make([]*wire.BlockHeader, 0, len(names))
	for _, name := range names {
		headers = append(headers, &h.Block(name).MsgBlock().Header)
	}
	if err := h.m.ProcessNewBlockHeaders(headers); err != nil {
		h.t.Fatalf("headers should have been accepted: %v", err)
	}
}

// ExpectTip ensures the tip of the active chain state is the named block.
func (h *chainHarness) ExpectTip(name string) {
	h.t.Helper()
	block := h.Block(name)
	best := h.m.BestSnapshot()
	if best.Hash != *block.Hash() || best.Height != block.Height() {
		h.t.Fatalf("tip should be %q (hash %s, height %d), but is %q "+
			"(hash %s, height %d)", name, block.Hash(), block.Height(),
			h.Name(&best.Hash), best.Hash, best.Height)
	}
}

// ExpectStatus ensures the named block has all of the passed status flags set
// in the block index.
func (h *chainHarness) ExpectStatus(name string, flags blockStatus) {
	h.t.Helper()
	node := h.m.index.LookupNode(h.Hash(name))
	if node == nil {
		h.t.Fatalf("block %q is not in the block index", name)
	}
	status := h.m.index.NodeStatus(node)
	if status&flags != flags {
		h.t.Fatalf("block %q has status %08b, want flags %08b set", name,
			status, flags)
	}
}

// InvalidateBlockAndExpectTip manually invalidates the named block and ensures
// the tip afterwards is the named expected block.
func (h *chainHarness) InvalidateBlockAndExpectTip(name string, wantTip string) {
	h.t.Helper()
	if err := h.m.InvalidateBlock(h.ctx, h.Hash(name)); err != nil {
		h.t.Fatalf("failed to invalidate block %q: %v", name, err)
	}
	h.ExpectTip(wantTip)
}

// ReconsiderBlockAndExpectTip reconsiders the named block and ensures the tip
// afterwards is the named expected block.
func (h *chainHarness) ReconsiderBlockAndExpectTip(name string, wantTip string) {
	h.t.Helper()
	if err := h.m.ReconsiderBlock(h.ctx, h.Hash(name)); err != nil {
		h.t.Fatalf("failed to reconsider block %q: %v", name, err)
	}
	h.ExpectTip(wantTip)
}

// PreciousBlockAndExpectTip marks the named block precious and ensures the tip
// afterwards is the named expected block.
func (h *chainHarness) PreciousBlockAndExpectTip(name string, wantTip string) {
	h.t.Helper()
	if err := h.m.PreciousBlock(h.ctx, h.Hash(name)); err != nil {
		h.t.Fatalf("failed to mark block %q precious: %v", name, err)
	}
	h.ExpectTip(wantTip)
}

// ExpectUtxo ensures the coinbase output of the named block is unspent in the
// active chain state when want is true and does not exist otherwise.
func (h *chainHarness) ExpectUtxo(name string, want bool) {
	h.t.Helper()
	coinbase := h.Block(name).Transactions()[0]
	outpoint := wire.OutPoint{Hash: *coinbase.Hash(), Tree: wire.TxTreeRegular}
	entry, err := h.m.FetchUtxoEntry(outpoint)
	if err != nil {
		h.t.Fatalf("failed to fetch utxo %v: %v", outpoint, err)
	}
	if got := entry != nil; got != want {
		h.t.Fatalf("coinbase output of block %q exists: got %v, want %v",
			name, got, want)
	}
}

// waitFor polls the passed condition until it is true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
