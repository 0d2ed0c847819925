// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"context"
	"errors"
	"testing"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
)

// TestNewConfigErrors ensures invalid configurations are rejected.
func TestNewConfigErrors(t *testing.T) {
	t.Parallel()

	params := chaincfg.RegNetParams()
	tests := []struct {
		name string
		cfg  Config
	}{{
		name: "no data directory",
		cfg:  Config{ChainParams: params},
	}, {
		name: "no chain params",
		cfg:  Config{DataDir: t.TempDir()},
	}, {
		name: "prune target below minimum",
		cfg: Config{
			DataDir:     t.TempDir(),
			ChainParams: params,
			PruneTarget: MinPruneTarget - 1,
		},
	}}

	for _, test := range tests {
		m, err := New(context.Background(), &test.cfg)
		if err == nil {
			m.Close()
			t.Errorf("%q: did not receive expected error", test.name)
		}
	}
}

// TestRestartPersistence ensures the block index, the tip, the utxo set and
// invalidity of blocks survive a restart.
func TestRestartPersistence(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	maturity := int(h.params.CoinbaseMaturity)
	last := h.NextBlocks("b", "genesis", maturity+1)
	spend := h.CreateSpendTx("b0", 1000)
	h.NextBlock("spend", last, additionalTx(spend))
	h.NextBlock("bad", "spend")
	h.AcceptBlocks("b", maturity+1)
	h.AcceptBlock("spend")
	h.AcceptBlock("bad")
	h.InvalidateBlockAndExpectTip("bad", "spend")

	h.Restart()
	h.ExpectTip("spend")
	h.ExpectUtxo("b0", false)
	h.ExpectUtxo("b1", true)
	h.ExpectStatus("bad", statusValidateFailed|statusDataStored)
	h.ExpectStatus("spend", statusValidChain|statusDataStored|statusUndoStored)
	h.RejectBlock("bad", ErrKnownInvalidBlock)

	outpoint := wire.OutPoint{Hash: spend.TxHash(), Tree: wire.TxTreeRegular}
	entry, err := h.m.FetchUtxoEntry(outpoint)
	if err != nil || entry == nil {
		t.Fatalf("spend output missing after restart: %v, %v", entry, err)
	}
	if entry.BlockHeight() != h.Block("spend").Height() {
		t.Fatalf("spend output at height %d, want %d", entry.BlockHeight(),
			h.Block("spend").Height())
	}

	block, err := h.m.BlockByHash(h.Hash("b3"))
	if err != nil {
		t.Fatalf("unexpected error loading block: %v", err)
	}
	if *block.Hash() != *h.Hash("b3") {
		t.Fatalf("loaded block %s, want %s", block.Hash(), h.Hash("b3"))
	}
	if !h.m.HaveBlock(h.Hash("b3")) {
		t.Fatal("stored block not reported after restart")
	}

	// The chain keeps growing and old blocks can still be disconnected.
	h.NextBlock("next", "spend")
	h.AcceptBlock("next")
	h.ExpectTip("next")
	h.InvalidateBlockAndExpectTip("spend", last)
	h.ExpectUtxo("b0", true)
}

// TestProcessNewBlockNotifications ensures a checked notification is sent for
// every processed block regardless of the outcome while the other
// notifications are only sent for the corresponding state changes.
func TestProcessNewBlockNotifications(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlocks("b", "genesis", 3)
	h.NextBlock("orphanParent", "b2")
	h.NextBlock("orphan", "orphanParent")

	h.AcceptBlocks("b", 3)
	if isNew, err := h.m.ProcessNewBlock(h.ctx, h.Block("b1"), true); err != nil ||
		isNew {

		t.Fatalf("reprocessing block: got new %v, error %v", isNew, err)
	}
	h.RejectBlock("orphan", ErrMissingParent)

	tests := []struct {
		typ  NotificationType
		want int
	}{
		{NTBlockChecked, 5},
		{NTBlockAccepted, 3},
		{NTBlockConnected, 3},
		{NTBlockDisconnected, 0},
		{NTChainReorgStarted, 0},
		{NTChainReorgDone, 0},
	}
	for _, test := range tests {
		if got := h.countNotifications(test.typ); got != test.want {
			t.Errorf("%v: got %d notifications, want %d", test.typ, got,
				test.want)
		}
	}
}

// TestProcessNewBlockHeaders ensures headers are added to the block index
// without their data and that processing stops at the first invalid header.
func TestProcessNewBlockHeaders(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlocks("b", "genesis", 3)
	h.NextBlock("badHeight", "b2", func(b *wire.MsgBlock) {
		b.Header.Height += 2
	})
	h.NextBlock("afterBad", "badHeight")

	h.AcceptHeaders("b0", "b1", "b2")
	hash, height := h.m.BestHeader()
	if hash != *h.Hash("b2") || height != 3 {
		t.Fatalf("best header is %s (height %d), want %s (height 3)", hash,
			height, h.Hash("b2"))
	}
	if h.m.HaveBlock(h.Hash("b2")) || !h.m.HaveHeader(h.Hash("b2")) {
		t.Fatal("header only block reported with data or header missing")
	}
	header, err := h.m.HeaderByHash(h.Hash("b1"))
	if err != nil || header.BlockHash() != *h.Hash("b1") {
		t.Fatalf("unexpected header %v, error %v", header.BlockHash(), err)
	}
	h.ExpectTip("genesis")

	headers := []*wire.BlockHeader{
		&h.Block("badHeight").MsgBlock().Header,
		&h.Block("afterBad").MsgBlock().Header,
	}
	err = h.m.ProcessNewBlockHeaders(headers)
	if !errors.Is(err, ErrBadBlockHeight) {
		t.Fatalf("got %v, want %v", err, ErrBadBlockHeight)
	}
	if h.m.HaveHeader(h.Hash("afterBad")) {
		t.Fatal("header after an invalid header was processed")
	}

	// The blocks connect once their data arrives.
	h.AcceptBlocks("b", 3)
	h.ExpectTip("b2")
}

// TestUnrequestedBlocks ensures blocks that are not forced are only stored
// when they may extend the chain.
func TestUnrequestedBlocks(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlocks("b", "genesis", 2)
	h.NextBlock("side", "genesis")
	h.AcceptBlocks("b", 2)

	isNew, err := h.m.ProcessNewBlock(h.ctx, h.Block("side"), false)
	if err != nil || isNew {
		t.Fatalf("processing side block: got new %v, error %v", isNew, err)
	}
	if h.m.HaveBlock(h.Hash("side")) {
		t.Fatal("unrequested block with less work was stored")
	}

	h.NextBlock("b2", "b1")
	isNew, err = h.m.ProcessNewBlock(h.ctx, h.Block("b2"), false)
	if err != nil || !isNew {
		t.Fatalf("processing next block: got new %v, error %v", isNew, err)
	}
	h.ExpectTip("b2")
}

// TestProcessTransaction ensures transactions are only processed when a
// transaction pool is registered.
func TestProcessTransaction(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	h.NextBlock("b0", "genesis")
	tx := h.Block("b0").Transactions()[0]

	var aErr AssertError
	if _, err := h.m.ProcessTransaction(tx); !errors.As(err, &aErr) {
		t.Fatalf("got %v, want AssertError", err)
	}

	pool := &recordingTxPool{}
	h.m.SetTxPool(pool)
	if _, err := h.m.ProcessTransaction(tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.accepted) != 1 || pool.accepted[0] != *tx.Hash() {
		t.Fatalf("unexpected accepted transactions %v", pool.accepted)
	}
}

// TestSplitCacheBudget ensures cache budgets are split between two chain
// states without handing either less than the minimum.
func TestSplitCacheBudget(t *testing.T) {
	t.Parallel()

	const mib = 1024 * 1024
	tests := []struct {
		name           string
		total          uint64
		share          float64
		wantActive     uint64
		wantBackground uint64
	}{{
		name:           "even split",
		total:          100 * mib,
		share:          0.5,
		wantActive:     50 * mib,
		wantBackground: 50 * mib,
	}, {
		name:           "mostly active",
		total:          100 * mib,
		share:          0.75,
		wantActive:     75 * mib,
		wantBackground: 25 * mib,
	}, {
		name:           "active clamped to minimum",
		total:          100 * mib,
		share:          0.0625,
		wantActive:     minChainStateCacheSize,
		wantBackground: 92 * mib,
	}, {
		name:           "background clamped to minimum",
		total:          16 * mib,
		share:          0.75,
		wantActive:     12 * mib,
		wantBackground: minChainStateCacheSize,
	}, {
		name:           "both clamped to minimum",
		total:          4 * mib,
		share:          0.5,
		wantActive:     minChainStateCacheSize,
		wantBackground: minChainStateCacheSize,
	}}

	for _, test := range tests {
		active, background := splitCacheBudget(test.total, test.share)
		if active != test.wantActive || background != test.wantBackground {
			t.Errorf("%q: got %d/%d, want %d/%d", test.name, active,
				background, test.wantActive, test.wantBackground)
		}
	}
}

// TestSingleChainStateBudget ensures a lone chain state receives the entire
// cache budget.
func TestSingleChainStateBudget(t *testing.T) {
	t.Parallel()

	h := newChainHarness(t, nil)
	if got := h.m.ActiveChainState().coins.MaxSize(); got != testCacheSize {
		t.Fatalf("got cache size %d, want %d", got, testCacheSize)
	}
}
