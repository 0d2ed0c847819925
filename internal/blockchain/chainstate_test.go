// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
)

// recordingTxPool is a transaction pool that accepts everything and records
// the transactions offered to it in order.
type recordingTxPool struct {
	mtx      sync.Mutex
	accepted []chainhash.Hash
	removed  []chainhash.Hash
}

// Ensure recordingTxPool implements the TxPool interface.
var _ TxPool = (*recordingTxPool)(nil)

func (p *recordingTxPool) MaybeAcceptTransaction(tx *dcrutil.Tx, isNew bool) ([]*chainhash.Hash, error) {
	p.mtx.Lock()
	p.accepted = append(p.accepted, *tx.Hash())
	p.mtx.Unlock()
	return nil, nil
}

func (p *recordingTxPool) RemoveTransaction(tx *dcrutil.Tx, removeRedeemers bool) {
	p.mtx.Lock()
	p.removed = append(p.removed, *tx.Hash())
	p.mtx.Unlock()
}

func (p *recordingTxPool) RemoveDoubleSpends(tx *dcrutil.Tx) {}

// TestDisconnectTipAndReactivate ensures disconnecting the tip of a chain
// state removes its outputs from the utxo set and that activating the best
// chain afterwards connects it again.
func TestDisconnectTipAndReactivate(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	tip := h.NextBlocks("b", "genesis", 3)
	h.AcceptBlocks("b", 3)
	h.ExpectTip(tip)
	h.ExpectUtxo("b2", true)

	cs := h.m.ActiveChainState()
	if err := cs.DisconnectTip(); err != nil {
		t.Fatalf("unexpected disconnect error: %v", err)
	}
	h.ExpectTip("b1")
	h.ExpectUtxo("b2", false)
	h.ExpectUtxo("b1", true)
	if cs.MainChainHasBlock(h.Hash("b2")) {
		t.Fatal("disconnected block still reported in the main chain")
	}
	if got := h.countNotifications(NTBlockDisconnected); got != 1 {
		t.Fatalf("got %d disconnected notifications, want 1", got)
	}

	// The block remains a candidate so activation connects it again.
	if err := cs.ActivateBestChain(h.ctx); err != nil {
		t.Fatalf("unexpected activation error: %v", err)
	}
	h.ExpectTip("b2")
	h.ExpectUtxo("b2", true)
	if !cs.MainChainHasBlock(h.Hash("b2")) {
		t.Fatal("reconnected block not reported in the main chain")
	}

	// The genesis block can never be disconnected.
	for i := 0; i < 3; i++ {
		if err := cs.DisconnectTip(); err != nil {
			t.Fatalf("unexpected disconnect error: %v", err)
		}
	}
	h.ExpectTip("genesis")
	var aErr AssertError
	if err := cs.DisconnectTip(); !errors.As(err, &aErr) {
		t.Fatalf("disconnecting genesis: got %v, want AssertError", err)
	}
}

// TestMoreWorkChainWins ensures the chain with the most work becomes the tip
// regardless of the order in which the blocks of the competing chains are
// processed.
func TestMoreWorkChainWins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		order []string
	}{{
		name:  "shorter chain first",
		order: []string{"a0", "a1", "a2", "c0", "c1", "c2", "c3"},
	}, {
		name:  "longer chain first",
		order: []string{"c0", "c1", "c2", "c3", "a0", "a1", "a2"},
	}, {
		name:  "interleaved",
		order: []string{"a0", "c0", "a1", "c1", "a2", "c2", "c3"},
	}, {
		name:  "children before parents",
		order: []string{"c3", "a2", "c2", "a1", "c1", "a0", "c0"},
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newChainHarness(t, nil)
			h.NextBlocks("a", "genesis", 3)
			h.NextBlocks("c", "genesis", 4)

			// Blocks with unknown parents are rejected, so the headers
			// are made known first for the out of order variants.
			h.AcceptHeaders("a0", "a1", "a2")
			h.AcceptHeaders("c0", "c1", "c2", "c3")
			for _, name := range test.order {
				h.AcceptBlock(name)
			}
			h.ExpectTip("c3")
			for _, name := range []string{"a0", "a1", "a2"} {
				h.ExpectUtxo(name, false)
				h.ExpectStatus(name, statusDataStored)
			}
			for _, name := range []string{"c0", "c1", "c2", "c3"} {
				h.ExpectUtxo(name, true)
				h.ExpectStatus(name, statusValidChain|statusUndoStored)
			}
		})
	}
}

// TestHarderChainWins ensures that among chains of equal length the one with a
// harder block has more work and becomes the tip regardless of the order in
// which the chains arrive.
func TestHarderChainWins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		order []string
	}{{
		name:  "easier chain first",
		order: []string{"e0", "e1", "h0", "h1"},
	}, {
		name:  "harder chain first",
		order: []string{"h0", "h1", "e0", "e1"},
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newChainHarness(t, nil)
			h.NextBlocks("e", "genesis", 2)
			h.NextBlock("h0", "genesis")
			h.NextBlock("h1", "h0", withBits(h.harderBits()))

			for _, name := range test.order {
				h.AcceptBlock(name)
			}
			h.ExpectTip("h1")
			h.ExpectUtxo("h1", true)
			h.ExpectUtxo("e1", false)

			easy := h.m.index.LookupNode(h.Hash("e1"))
			hard := h.m.index.LookupNode(h.Hash("h1"))
			if easy.height != hard.height {
				t.Fatalf("chains have heights %d and %d, want equal",
					easy.height, hard.height)
			}
			if !easy.workSum.Lt(&hard.workSum) {
				t.Fatalf("harder chain work %v is not more than %v",
					&hard.workSum, &easy.workSum)
			}
		})
	}
}

// TestPreciousBeatsEarlierSeen ensures that among competing blocks with the
// same work the one seen first is kept until another is marked precious, that
// the most recently marked block wins and that more work always wins.
func TestPreciousBeatsEarlierSeen(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlock("b0", "genesis")
	h.NextBlock("x1", "b0")
	h.NextBlock("y1", "b0")
	h.NextBlock("y2", "y1")

	h.AcceptBlock("b0")
	h.AcceptBlock("x1")
	h.AcceptBlock("y1")
	h.ExpectTip("x1")

	h.PreciousBlockAndExpectTip("y1", "y1")
	h.ExpectUtxo("x1", false)
	h.ExpectUtxo("y1", true)

	// Marking the other block precious later gives it priority again.
	h.PreciousBlockAndExpectTip("x1", "x1")

	// Marking a block with less work than the tip does nothing.
	h.PreciousBlockAndExpectTip("b0", "x1")

	h.AcceptBlock("y2")
	h.ExpectTip("y2")
	h.PreciousBlockAndExpectTip("x1", "y2")

	if err := h.m.PreciousBlock(h.ctx, &chainhash.Hash{0x01}); !errors.Is(err,
		ErrUnknownBlock) {

		t.Fatalf("precious unknown block: got %v, want %v", err,
			ErrUnknownBlock)
	}
}

// TestInvalidateAndReconsider ensures manually invalidating a block rewinds the
// active chain past it and marks its descendants, that an alternative chain
// takes over and that reconsidering the block restores the original chain.
func TestInvalidateAndReconsider(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlocks("b", "genesis", 4)
	h.NextBlock("c1", "b0")
	h.AcceptBlocks("b", 4)
	h.ExpectTip("b3")

	h.InvalidateBlockAndExpectTip("b1", "b0")
	h.ExpectStatus("b1", statusValidateFailed)
	h.ExpectStatus("b2", statusInvalidAncestor)
	h.ExpectStatus("b3", statusInvalidAncestor)
	h.ExpectUtxo("b1", false)

	// Children of invalid blocks are rejected outright.
	h.NextBlock("b4", "b3")
	h.RejectBlock("b4", ErrInvalidAncestorBlock)
	h.RejectBlock("b2", ErrKnownInvalidBlock)

	h.AcceptBlock("c1")
	h.ExpectTip("c1")

	h.ReconsiderBlockAndExpectTip("b2", "b3")
	if got := h.countNotifications(NTChainReorgDone); got == 0 {
		t.Fatal("no reorganization notification sent")
	}
	h.ExpectUtxo("c1", false)
	h.ExpectUtxo("b1", true)

	err := h.m.InvalidateBlock(h.ctx, h.Hash("genesis"))
	if !errors.Is(err, ErrInvalidateGenesisBlock) {
		t.Fatalf("invalidate genesis: got %v, want %v", err,
			ErrInvalidateGenesisBlock)
	}
	err = h.m.InvalidateBlock(h.ctx, &chainhash.Hash{0x01})
	if !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("invalidate unknown block: got %v, want %v", err,
			ErrUnknownBlock)
	}
	h.ExpectTip("b3")
}

// TestRejectInvalidBlocks ensures blocks that violate the context free rules
// are rejected without being stored and blocks that fail to connect are marked
// invalid while the tip stays on the last valid block.
func TestRejectInvalidBlocks(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	params := h.params
	h.NextBlock("b0", "genesis")
	h.AcceptBlock("b0")

	// Context free violations.
	h.NextBlock("unknownParent", "b0")
	h.NextBlock("orphan", "unknownParent")
	h.RejectBlock("orphan", ErrMissingParent)

	dupTx := h.CreateSpendTx("b0", 0)
	h.NextBlock("dupTx", "b0", additionalTx(dupTx), additionalTx(dupTx))
	h.RejectBlock("dupTx", ErrDuplicateTx)

	h.NextBlock("twoCoinbases", "b0", func(b *wire.MsgBlock) {
		b.AddTransaction(h.coinbaseTx(b.Header.Height))
	})
	h.RejectBlock("twoCoinbases", ErrMultipleCoinbases)

	h.NextBlock("noHeightCommitment", "b0", func(b *wire.MsgBlock) {
		b.Transactions[0].TxOut = b.Transactions[0].TxOut[:1]
	})
	h.RejectBlock("noHeightCommitment", ErrFirstTxNotCoinbase)

	h.NextBlock("wrongHeightCommitment", "b0", func(b *wire.MsgBlock) {
		var nullData [4]byte
		binary.LittleEndian.PutUint32(nullData[:], b.Header.Height+1)
		b.Transactions[0].TxOut[1].PkScript = nullDataScript(nullData[:])
	})
	h.RejectBlock("wrongHeightCommitment", ErrCoinbaseHeight)

	h.NextBlock("stakeTx", "b0", func(b *wire.MsgBlock) {
		b.AddSTransaction(h.CreateSpendTx("b0", 1))
	})
	h.RejectBlock("stakeTx", ErrStakeTransactions)

	h.NextBlock("badHeight", "b0", func(b *wire.MsgBlock) {
		b.Header.Height++
	})
	h.RejectBlock("badHeight", ErrBadBlockHeight)

	h.NextBlock("oldTime", "b0", func(b *wire.MsgBlock) {
		b.Header.Timestamp = params.GenesisBlock.Header.Timestamp
	})
	h.RejectBlock("oldTime", ErrTimeTooOld)
	if h.m.HaveHeader(h.Hash("oldTime")) {
		t.Fatal("header with invalid timestamp was added to the index")
	}
	h.ExpectTip("b0")

	// Connection failures.  The coinbase of b0 is immature at height 2.
	h.NextBlock("immature", "b0", additionalTx(h.CreateSpendTx("b0", 0)))
	h.RejectBlock("immature", ErrImmatureSpend)
	h.ExpectStatus("immature", statusValidateFailed|statusDataStored)
	h.ExpectTip("b0")

	missing := h.CreateSpendTx("unknownParent", 0)
	h.NextBlock("missingInput", "b0", additionalTx(missing))
	h.RejectBlock("missingInput", ErrMissingTxOut)
	h.ExpectTip("b0")

	subsidy := standalone.NewSubsidyCache(params).CalcBlockSubsidy(2)
	h.NextBlock("overpay", "b0", func(b *wire.MsgBlock) {
		b.Transactions[0].TxOut[0].Value = subsidy + 1
	})
	h.RejectBlock("overpay", ErrBadCoinbaseValue)
	h.ExpectTip("b0")

	// Processing a known invalid block again or a child of it is rejected.
	h.RejectBlock("overpay", ErrKnownInvalidBlock)
	h.NextBlock("overpayChild", "overpay")
	h.RejectBlock("overpayChild", ErrInvalidAncestorBlock)

	// A valid sibling is still accepted.
	h.NextBlock("b1", "b0")
	h.AcceptBlock("b1")
	h.ExpectTip("b1")
}

// TestUniqueCoinbases ensures every block of a chain and its siblings commit to
// a distinct coinbase so each of them adds a new spendable output.
func TestUniqueCoinbases(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	tip := h.NextBlocks("b", "genesis", 5)
	h.NextBlock("s3", "b2")

	seen := make(map[chainhash.Hash]string)
	for _, name := range []string{"b0", "b1", "b2", "b3", "b4", "s3"} {
		hash := *h.Block(name).Transactions()[0].Hash()
		if other, ok := seen[hash]; ok {
			t.Fatalf("blocks %q and %q share coinbase %s", other, name, hash)
		}
		seen[hash] = name
	}

	h.AcceptBlocks("b", 5)
	h.ExpectTip(tip)
	for _, name := range []string{"b0", "b1", "b2", "b3", "b4"} {
		h.ExpectUtxo(name, true)
	}

	// The height commitment output is unspendable and never enters the utxo
	// set.
	coinbase := h.Block("b4").Transactions()[0]
	outpoint := wire.OutPoint{Hash: *coinbase.Hash(), Index: 1}
	entry, err := h.m.FetchUtxoEntry(outpoint)
	if err != nil {
		t.Fatalf("failed to fetch utxo %v: %v", outpoint, err)
	}
	if entry != nil {
		t.Fatalf("height commitment output %v is in the utxo set", outpoint)
	}
}

// TestSpendAndReorgUtxos ensures spending outputs updates the utxo set and that
// a reorganization away from the spending blocks restores the spent outputs
// from the undo data and offers the transactions back to the transaction pool
// in an order where parents come before the transactions spending them.
func TestSpendAndReorgUtxos(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	pool := &recordingTxPool{}
	h.m.SetTxPool(pool)

	maturity := int(h.params.CoinbaseMaturity)
	fork := h.NextBlocks("b", "genesis", maturity+1)
	h.AcceptBlocks("b", maturity+1)

	// Spend the coinbase of b0 and then the output of that spend in the
	// same block, followed by a block that spends the coinbase of b1.
	tx1 := h.CreateSpendTx("b0", 1000)
	tx2 := wire.NewMsgTx()
	tx2.AddTxIn(wire.NewTxIn(wire.NewOutPoint(ptrHash(tx1.TxHash()), 0,
		wire.TxTreeRegular), tx1.TxOut[0].Value, nil))
	tx2.AddTxOut(wire.NewTxOut(tx1.TxOut[0].Value-1000, opTrueScript))
	tx3 := h.CreateSpendTx("b1", 1000)
	h.NextBlock("s0", fork, additionalTx(tx1), additionalTx(tx2))
	h.NextBlock("s1", "s0", additionalTx(tx3))
	h.AcceptBlock("s0")
	h.AcceptBlock("s1")
	h.ExpectTip("s1")
	h.ExpectUtxo("b0", false)
	h.ExpectUtxo("b1", false)

	tx2Out := wire.OutPoint{Hash: tx2.TxHash(), Tree: wire.TxTreeRegular}
	entry, err := h.m.FetchUtxoEntry(tx2Out)
	if err != nil || entry == nil {
		t.Fatalf("spend output missing: %v, %v", entry, err)
	}
	if entry.Amount() != tx2.TxOut[0].Value || entry.IsCoinBase() {
		t.Fatalf("unexpected spend output %+v", entry)
	}

	// Transactions confirmed by connected blocks are removed from the pool.
	pool.mtx.Lock()
	removed := len(pool.removed)
	pool.mtx.Unlock()
	if removed < 3 {
		t.Fatalf("got %d removals from the transaction pool, want >= 3",
			removed)
	}

	// Reorganize to a longer chain that does not spend anything.
	h.NextBlocks("c", fork, 3)
	h.AcceptBlocks("c", 3)
	h.ExpectTip("c2")
	h.ExpectUtxo("b0", true)
	h.ExpectUtxo("b1", true)
	if entry, err := h.m.FetchUtxoEntry(tx2Out); err != nil || entry != nil {
		t.Fatalf("spend output survived the reorganization: %v, %v", entry,
			err)
	}

	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	want := []chainhash.Hash{tx1.TxHash(), tx2.TxHash(), tx3.TxHash()}
	if len(pool.accepted) != len(want) {
		t.Fatalf("got %d transactions offered to the pool, want %d",
			len(pool.accepted), len(want))
	}
	for i := range want {
		if pool.accepted[i] != want[i] {
			t.Fatalf("transaction %d offered to the pool is %s, want %s", i,
				pool.accepted[i], want[i])
		}
	}
}

// TestCheckConnectBlock ensures a block template can be checked against the
// active tip without modifying any state.
func TestCheckConnectBlock(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlock("b0", "genesis")
	h.AcceptBlock("b0")

	h.NextBlock("b1", "b0")
	if err := h.m.CheckConnectBlock(h.Block("b1")); err != nil {
		t.Fatalf("unexpected error checking valid block: %v", err)
	}
	if h.m.HaveHeader(h.Hash("b1")) {
		t.Fatal("checking a block added it to the block index")
	}
	h.ExpectTip("b0")

	h.NextBlock("notTip", "genesis")
	err := h.m.CheckConnectBlock(h.Block("notTip"))
	if !errors.Is(err, ErrPrevBlockNotBest) {
		t.Fatalf("got %v, want %v", err, ErrPrevBlockNotBest)
	}

	h.NextBlock("immature", "b0", additionalTx(h.CreateSpendTx("b0", 0)))
	err = h.m.CheckConnectBlock(h.Block("immature"))
	if !errors.Is(err, ErrImmatureSpend) {
		t.Fatalf("got %v, want %v", err, ErrImmatureSpend)
	}
}

// TestInitialBlockDownloadLatch ensures a chain state leaves initial block
// download once its tip is recent and never enters it again.
func TestInitialBlockDownloadLatch(t *testing.T) {
	t.Parallel()

	var now time.Time
	h := newChainHarness(t, func(cfg *Config) {
		now = cfg.ChainParams.GenesisBlock.Header.Timestamp.Add(2 * maxTipAge)
		cfg.TimeSource = func() time.Time { return now }
	})
	cs := h.m.ActiveChainState()
	if !cs.IsInitialBlockDownload() {
		t.Fatal("chain state with an old tip is not in initial block " +
			"download")
	}

	h.NextBlock("old", "genesis")
	h.AcceptBlock("old")
	if !cs.IsInitialBlockDownload() {
		t.Fatal("chain state left initial block download with an old tip")
	}

	h.NextBlock("recent", "old", func(b *wire.MsgBlock) {
		b.Header.Timestamp = now.Add(-time.Minute)
	})
	h.AcceptBlock("recent")
	if cs.IsInitialBlockDownload() {
		t.Fatal("chain state did not leave initial block download")
	}

	h.InvalidateBlockAndExpectTip("recent", "old")
	if cs.IsInitialBlockDownload() {
		t.Fatal("chain state entered initial block download again")
	}
}

// TestActivateBestChainInterrupted ensures a cancelled context stops the best
// chain activation between blocks with a shutdown error.
func TestActivateBestChainInterrupted(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlocks("b", "genesis", 3)
	h.AcceptBlocks("b", 3)
	cs := h.m.ActiveChainState()
	for i := 0; i < 3; i++ {
		if err := cs.DisconnectTip(); err != nil {
			t.Fatalf("unexpected disconnect error: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cs.ActivateBestChain(ctx); !errors.Is(err, ErrShutdown) {
		t.Fatalf("got %v, want %v", err, ErrShutdown)
	}
	h.ExpectTip("genesis")

	if err := cs.ActivateBestChain(h.ctx); err != nil {
		t.Fatalf("unexpected activation error: %v", err)
	}
	h.ExpectTip("b2")
}

// TestFlushModes ensures the flush modes only write the utxo cache when
// required and that a forced flush records the tip in the utxo database.
func TestFlushModes(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlocks("b", "genesis", 2)
	h.AcceptBlocks("b", 2)
	cs := h.m.ActiveChainState()

	if err := cs.FlushStateToDisk(FlushIfNeeded); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if hash, _ := cs.coins.LastFlush(); hash == *h.Hash("b1") {
		t.Fatal("utxo cache flushed although it was not needed")
	}

	if err := cs.FlushStateToDisk(FlushAlways); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	state, err := cs.backend.FetchState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.lastFlushHash != *h.Hash("b1") || state.lastFlushHeight != 2 {
		t.Fatalf("unexpected utxo set state %+v", state)
	}
	if n := cs.coins.NumEntries(); n == 0 {
		t.Fatal("flush evicted unspent entries from a small cache")
	}
}

// TestDisconnectWithCorruptUndo ensures a block whose undo data fails its
// checksum can't be disconnected and that the failure is reported as fatal.
func TestDisconnectWithCorruptUndo(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlocks("b", "genesis", 2)
	h.AcceptBlocks("b", 2)

	// Point the undo data of the tip at the record of its parent so the
	// checksum, which commits to the parent hash, no longer matches.
	node := h.m.index.LookupNode(h.Hash("b1"))
	parent := h.m.index.LookupNode(h.Hash("b0"))
	h.m.index.SetUndoData(node, parent.undoPos)

	cs := h.m.ActiveChainState()
	if err := cs.DisconnectTip(); !errors.Is(err, ErrUndoDataCorrupt) {
		t.Fatalf("got %v, want %v", err, ErrUndoDataCorrupt)
	}
	h.ExpectTip("b1")
	if err := h.WaitFatal(); !errors.Is(err, ErrUndoDataCorrupt) {
		t.Fatalf("got fatal error %v, want %v", err, ErrUndoDataCorrupt)
	}
}

// TestFatalErrorCallbackReentry ensures the fatal error callback may query the
// manager even though the error was raised with the chain lock held.
func TestFatalErrorCallbackReentry(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlocks("b", "genesis", 2)
	h.AcceptBlocks("b", 2)

	tips := make(chan chainhash.Hash, 1)
	h.ntfnMtx.Lock()
	h.onFatal = func(error) {
		select {
		case tips <- h.m.BestSnapshot().Hash:
		default:
		}
	}
	h.ntfnMtx.Unlock()

	node := h.m.index.LookupNode(h.Hash("b1"))
	parent := h.m.index.LookupNode(h.Hash("b0"))
	h.m.index.SetUndoData(node, parent.undoPos)
	if err := h.m.ActiveChainState().DisconnectTip(); !errors.Is(err, ErrUndoDataCorrupt) {
		t.Fatalf("got %v, want %v", err, ErrUndoDataCorrupt)
	}
	h.WaitFatal()
	select {
	case tip := <-tips:
		if tip != *h.Hash("b1") {
			t.Fatalf("callback saw tip %s, want %s", tip, h.Hash("b1"))
		}
	default:
		t.Fatal("fatal error callback did not run")
	}
}

// dumpUtxoSet returns the serialized utxo set of the active chain state as of
// its tip.
func (h *chainHarness) dumpUtxoSet() []byte {
	h.t.Helper()
	var buf bytes.Buffer
	if _, err := h.m.DumpSnapshot(h.ctx, &buf); err != nil {
		h.t.Fatalf("failed to dump utxo set: %v", err)
	}
	return buf.Bytes()
}

// queuedTxHashes returns the hashes of the transactions held by the passed
// disconnected transaction pool from the oldest to the newest entry.
func queuedTxHashes(p *disconnectedTxPool) []chainhash.Hash {
	var hashes []chainhash.Hash
	for elem := p.queue.Front(); elem != nil; elem = elem.Next() {
		hashes = append(hashes, *elem.Value.(*disconnectedTx).tx.Hash())
	}
	return hashes
}

// disconnectTips disconnects the passed number of blocks from the tip of the
// chain state while holding the chain lock and returns the hashes queued in
// the disconnected transaction pool before it is reconciled.
func (h *chainHarness) disconnectTips(cs *ChainState, n int) []chainhash.Hash {
	h.t.Helper()
	var pending pendingNotifications
	var err error
	h.m.chainLock.Lock()
	for i := 0; i < n && err == nil; i++ {
		err = cs.disconnectTip(&pending)
	}
	queued := queuedTxHashes(cs.disconnected)
	h.m.chainLock.Unlock()
	h.m.deliver(&pending)
	if err != nil {
		h.t.Fatalf("unexpected disconnect error: %v", err)
	}
	return queued
}

// TestDisconnectTipQueuesTransactions ensures disconnecting a block queues
// exactly its non-coinbase transactions in reverse block order and that
// reconciliation offers them to the transaction pool in block order.
func TestDisconnectTipQueuesTransactions(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	pool := &recordingTxPool{}
	h.m.SetTxPool(pool)

	maturity := int(h.params.CoinbaseMaturity)
	fork := h.NextBlocks("b", "genesis", maturity+2)
	h.AcceptBlocks("b", maturity+2)

	tx1 := h.CreateSpendTx("b0", 1000)
	tx2 := wire.NewMsgTx()
	tx2.AddTxIn(wire.NewTxIn(wire.NewOutPoint(ptrHash(tx1.TxHash()), 0,
		wire.TxTreeRegular), tx1.TxOut[0].Value, nil))
	tx2.AddTxOut(wire.NewTxOut(tx1.TxOut[0].Value-1000, opTrueScript))
	tx3 := h.CreateSpendTx("b1", 1000)
	h.NextBlock("s0", fork, additionalTx(tx1), additionalTx(tx2),
		additionalTx(tx3))
	h.AcceptBlock("s0")

	cs := h.m.ActiveChainState()
	queued := h.disconnectTips(cs, 1)
	h.ExpectTip(fork)
	want := []chainhash.Hash{tx3.TxHash(), tx2.TxHash(), tx1.TxHash()}
	if !equalHashes(queued, want) {
		t.Fatalf("mismatched queued transactions:\ngot:\n%s\nwant:\n%s",
			spew.Sdump(queued), spew.Sdump(want))
	}

	h.m.chainLock.Lock()
	cs.reconcileTxPool()
	remaining := cs.disconnected.Len()
	h.m.chainLock.Unlock()
	if remaining != 0 {
		t.Fatalf("%d transactions left after reconciliation", remaining)
	}
	pool.mtx.Lock()
	accepted := append([]chainhash.Hash(nil), pool.accepted...)
	pool.mtx.Unlock()
	want = []chainhash.Hash{tx1.TxHash(), tx2.TxHash(), tx3.TxHash()}
	if !equalHashes(accepted, want) {
		t.Fatalf("mismatched replay order:\ngot:\n%s\nwant:\n%s",
			spew.Sdump(accepted), spew.Sdump(want))
	}
}

// TestDisconnectReconnectRestoresUtxoSet ensures disconnecting two blocks and
// connecting them again leaves the disconnected transaction pool empty
// without offering anything to the transaction pool and restores the exact
// utxo set.
func TestDisconnectReconnectRestoresUtxoSet(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	pool := &recordingTxPool{}
	h.m.SetTxPool(pool)

	maturity := int(h.params.CoinbaseMaturity)
	fork := h.NextBlocks("b", "genesis", maturity+2)
	h.AcceptBlocks("b", maturity+2)
	tx1 := h.CreateSpendTx("b0", 1000)
	tx2 := h.CreateSpendTx("b1", 1000)
	h.NextBlock("s0", fork, additionalTx(tx1))
	h.NextBlock("s1", "s0", additionalTx(tx2))
	h.AcceptBlock("s0")
	h.AcceptBlock("s1")
	h.ExpectUtxo("b0", false)
	h.ExpectUtxo("b1", false)
	before := h.dumpUtxoSet()

	cs := h.m.ActiveChainState()
	queued := h.disconnectTips(cs, 2)
	want := []chainhash.Hash{tx2.TxHash(), tx1.TxHash()}
	if !equalHashes(queued, want) {
		t.Fatalf("mismatched queued transactions:\ngot:\n%s\nwant:\n%s",
			spew.Sdump(queued), spew.Sdump(want))
	}
	h.ExpectTip(fork)
	h.ExpectUtxo("b0", true)
	h.ExpectUtxo("b1", true)

	if err := cs.ActivateBestChain(h.ctx); err != nil {
		t.Fatalf("unexpected activation error: %v", err)
	}
	h.ExpectTip("s1")

	h.m.chainLock.Lock()
	remaining := cs.disconnected.Len()
	h.m.chainLock.Unlock()
	if remaining != 0 {
		t.Fatalf("%d transactions left in the disconnected pool", remaining)
	}
	pool.mtx.Lock()
	numAccepted := len(pool.accepted)
	pool.mtx.Unlock()
	if numAccepted != 0 {
		t.Fatalf("%d reconfirmed transactions offered to the pool",
			numAccepted)
	}

	if after := h.dumpUtxoSet(); !bytes.Equal(before, after) {
		t.Fatalf("utxo set differs after reconnecting (%d bytes before, %d "+
			"after)", len(before), len(after))
	}
}

// equalHashes returns whether the passed hash slices have the same elements in
// the same order.
func equalHashes(a, b []chainhash.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
