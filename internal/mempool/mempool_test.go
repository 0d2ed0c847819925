// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrchain/internal/blockchain"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
)

// opTrueScript is a simple public key script that contains the OP_TRUE opcode.
var opTrueScript = []byte{txscript.OP_TRUE}

// fakeChain is used by the pool harness to provide generated test utxos and
// a current faked chain height to the pool callbacks.  This, in turn, allows
// transactions to appear as though they are spending completely valid utxos.
type fakeChain struct {
	sync.RWMutex
	utxos         *blockchain.UtxoViewpoint
	currentHeight int64
}

// FetchUtxoView loads unspent transaction outputs for the inputs referenced by
// the passed transaction from the point of view of the fake chain.  It also
// attempts to fetch the utxos for the outputs of the transaction so the
// returned view can be examined for duplicate transactions.
//
// This function is safe for concurrent access however the returned view is NOT.
func (s *fakeChain) FetchUtxoView(tx *dcrutil.Tx) (*blockchain.UtxoViewpoint, error) {
	s.RLock()
	defer s.RUnlock()

	// All entries are cloned to ensure modifications to the returned view
	// do not affect the fake chain's view.
	viewpoint := blockchain.NewUtxoViewpoint(nil)
	entries := viewpoint.Entries()
	fetch := func(outpoint wire.OutPoint) {
		entry := s.utxos.LookupEntry(outpoint)
		if entry == nil || entry.IsSpent() {
			entries[outpoint] = nil
			return
		}
		entries[outpoint] = entry.Clone()
	}
	prevOut := wire.OutPoint{Hash: *tx.Hash(), Tree: wire.TxTreeRegular}
	for txOutIdx := range tx.MsgTx().TxOut {
		prevOut.Index = uint32(txOutIdx)
		fetch(prevOut)
	}
	for _, txIn := range tx.MsgTx().TxIn {
		fetch(txIn.PreviousOutPoint)
	}

	return viewpoint, nil
}

// BestHeight returns the current height associated with the fake chain
// instance.
func (s *fakeChain) BestHeight() int64 {
	s.RLock()
	height := s.currentHeight
	s.RUnlock()
	return height
}

// SetHeight sets the current height associated with the fake chain instance.
func (s *fakeChain) SetHeight(height int64) {
	s.Lock()
	s.currentHeight = height
	s.Unlock()
}

// spendableOutput is a convenience type that houses a particular utxo and the
// amount associated with it.
type spendableOutput struct {
	outPoint wire.OutPoint
	amount   dcrutil.Amount
}

// txOutToSpendableOut returns a spendable output given a transaction and index
// of the output to use.  This is useful as a convenience when creating test
// transactions.
func txOutToSpendableOut(tx *dcrutil.Tx, outputNum uint32) spendableOutput {
	return spendableOutput{
		outPoint: wire.OutPoint{
			Hash:  *tx.Hash(),
			Index: outputNum,
			Tree:  wire.TxTreeRegular,
		},
		amount: dcrutil.Amount(tx.MsgTx().TxOut[outputNum].Value),
	}
}

// poolHarness provides a harness that includes functionality for creating and
// signing transactions as well as a fake chain that provides utxos for use in
// generating valid transactions.
type poolHarness struct {
	chainParams *chaincfg.Params
	chain       *fakeChain
	txPool      *TxPool
}

// CreateTxChain creates a chain of zero-fee transactions (each subsequent
// transaction spends the entire amount from the previous one) with the first
// one spending the provided outpoint.  Each transaction spends the entire
// amount of the previous one and as such does not include any fees.
func (p *poolHarness) CreateTxChain(firstOutput spendableOutput, numTxns uint32) []*dcrutil.Tx {
	txChain := make([]*dcrutil.Tx, 0, numTxns)
	prevOutPoint := firstOutput.outPoint
	spendableAmount := firstOutput.amount
	for i := uint32(0); i < numTxns; i++ {
		// Create the transaction using the previous transaction output
		// and paying the full amount to the payment address associated
		// with the harness.
		tx := wire.NewMsgTx()
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: prevOutPoint,
			SignatureScript:  nil,
			Sequence:         wire.MaxTxInSequenceNum,
			ValueIn:          int64(spendableAmount),
		})
		tx.AddTxOut(wire.NewTxOut(int64(spendableAmount), opTrueScript))

		txChain = append(txChain, dcrutil.NewTx(tx))

		// Next transaction uses outputs from this one.
		prevOutPoint = wire.OutPoint{Hash: tx.TxHash(), Index: 0}
	}

	return txChain
}

// CreateSignedTx creates a new transaction that spends the passed outputs and
// pays the total less the fee to the given number of outputs.
func (p *poolHarness) CreateSignedTx(inputs []spendableOutput, numOutputs uint32, fee dcrutil.Amount) *dcrutil.Tx {
	var totalInput dcrutil.Amount
	tx := wire.NewMsgTx()
	for _, input := range inputs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: input.outPoint,
			Sequence:         wire.MaxTxInSequenceNum,
			ValueIn:          int64(input.amount),
		})
		totalInput += input.amount
	}
	amountPerOutput := int64(totalInput-fee) / int64(numOutputs)
	for i := uint32(0); i < numOutputs; i++ {
		tx.AddTxOut(wire.NewTxOut(amountPerOutput, opTrueScript))
	}
	return dcrutil.NewTx(tx)
}

// AddFakeUTXO adds the outputs of the passed transaction to the fake chain at
// the given height.
func (p *poolHarness) AddFakeUTXO(tx *dcrutil.Tx, blockHeight int64) {
	p.chain.Lock()
	p.chain.utxos.AddTxOuts(tx, blockHeight)
	p.chain.Unlock()
}

// newPoolHarness returns a new instance of a pool harness initialized with a
// fake chain and a TxPool bound to it that is configured with a policy
// suitable for testing.  Also, the fake chain is populated with the returned
// spendable outputs so the caller can easily create new valid transactions
// which build off of it.
func newPoolHarness(chainParams *chaincfg.Params, numOutputs uint32) (*poolHarness, []spendableOutput) {
	chain := &fakeChain{
		utxos:         blockchain.NewUtxoViewpoint(nil),
		currentHeight: int64(chainParams.CoinbaseMaturity) + 1,
	}
	harness := poolHarness{
		chainParams: chainParams,
		chain:       chain,
		txPool: New(&Config{
			ChainParams:   chainParams,
			FetchUtxoView: chain.FetchUtxoView,
			BestHeight:    chain.BestHeight,
			TimeSource:    time.Now,
		}),
	}

	// Create a funding transaction that pays to the requested number of
	// outputs and add it to the fake chain at height one so the outputs are
	// spendable.
	funding := wire.NewMsgTx()
	funding.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for i := uint32(0); i < numOutputs; i++ {
		funding.AddTxOut(wire.NewTxOut(1e8, opTrueScript))
	}
	fundingTx := dcrutil.NewTx(funding)
	harness.AddFakeUTXO(fundingTx, 1)

	outputs := make([]spendableOutput, 0, numOutputs)
	for i := uint32(0); i < numOutputs; i++ {
		outputs = append(outputs, txOutToSpendableOut(fundingTx, i))
	}
	return &harness, outputs
}

// testPoolMembership tests the transaction pool associated with the provided
// test context to determine if the passed transaction matches the provided
// main pool expectation.
func testPoolMembership(t *testing.T, harness *poolHarness, tx *dcrutil.Tx, inPool bool) {
	t.Helper()

	txHash := tx.Hash()
	gotPoolHave := harness.txPool.HaveTransaction(txHash)
	if gotPoolHave != inPool {
		t.Fatalf("HaveTransaction: want %v, got %v", inPool, gotPoolHave)
	}
	_, err := harness.txPool.FetchTransaction(txHash)
	if (err == nil) != inPool {
		t.Fatalf("FetchTransaction: want in pool %v, got err %v", inPool, err)
	}
}

// TestChainedTransactions ensures that transactions which spend outputs of
// other transactions in the pool are accepted and that removing the first
// transaction with the redeemers flag removes the whole chain.
func TestChainedTransactions(t *testing.T) {
	t.Parallel()

	harness, spendableOuts := newPoolHarness(chaincfg.RegNetParams(), 1)
	const maxChained = 5
	chainedTxns := harness.CreateTxChain(spendableOuts[0], maxChained)

	for _, tx := range chainedTxns {
		missing, err := harness.txPool.MaybeAcceptTransaction(tx, true)
		if err != nil {
			t.Fatalf("MaybeAcceptTransaction: failed to accept tx: %v", err)
		}
		if len(missing) != 0 {
			t.Fatalf("MaybeAcceptTransaction: unexpected missing parents %v",
				missing)
		}
		testPoolMembership(t, harness, tx, true)
	}
	if got := harness.txPool.Count(); got != maxChained {
		t.Fatalf("Count: want %d, got %d", maxChained, got)
	}
	if got := len(harness.txPool.TxHashes()); got != maxChained {
		t.Fatalf("TxHashes: want %d hashes, got %d", maxChained, got)
	}

	// Removing the first transaction without its redeemers leaves the
	// remainder of the chain in place.
	harness.txPool.RemoveTransaction(chainedTxns[0], false)
	testPoolMembership(t, harness, chainedTxns[0], false)
	for _, tx := range chainedTxns[1:] {
		testPoolMembership(t, harness, tx, true)
	}

	// Removing the second transaction with its redeemers removes every
	// descendant.
	harness.txPool.RemoveTransaction(chainedTxns[1], true)
	for _, tx := range chainedTxns {
		testPoolMembership(t, harness, tx, false)
	}
	if got := harness.txPool.Count(); got != 0 {
		t.Fatalf("Count: want empty pool, got %d", got)
	}
}

// TestMissingParents ensures transactions that spend unknown outputs are not
// added and report their missing parents.
func TestMissingParents(t *testing.T) {
	t.Parallel()

	harness, spendableOuts := newPoolHarness(chaincfg.RegNetParams(), 1)
	chainedTxns := harness.CreateTxChain(spendableOuts[0], 2)

	missing, err := harness.txPool.MaybeAcceptTransaction(chainedTxns[1], true)
	if err != nil {
		t.Fatalf("MaybeAcceptTransaction: unexpected error: %v", err)
	}
	if len(missing) != 1 || *missing[0] != *chainedTxns[0].Hash() {
		t.Fatalf("MaybeAcceptTransaction: unexpected missing parents %v",
			missing)
	}
	testPoolMembership(t, harness, chainedTxns[1], false)

	// Once the parent is added the child is accepted.
	for _, tx := range chainedTxns {
		if _, err := harness.txPool.MaybeAcceptTransaction(tx, true); err != nil {
			t.Fatalf("MaybeAcceptTransaction: failed to accept tx: %v", err)
		}
		testPoolMembership(t, harness, tx, true)
	}
}

// TestDoubleSpends ensures the pool rejects transactions that spend outputs
// already spent by the pool and that RemoveDoubleSpends evicts conflicting
// transactions along with their descendants.
func TestDoubleSpends(t *testing.T) {
	t.Parallel()

	harness, spendableOuts := newPoolHarness(chaincfg.RegNetParams(), 2)
	tx1 := harness.CreateSignedTx(spendableOuts[:1], 1, 1000)
	tx2 := harness.CreateSignedTx(spendableOuts[:1], 2, 2000)
	child := harness.CreateSignedTx([]spendableOutput{
		txOutToSpendableOut(tx1, 0)}, 1, 1000)

	for _, tx := range []*dcrutil.Tx{tx1, child} {
		if _, err := harness.txPool.MaybeAcceptTransaction(tx, true); err != nil {
			t.Fatalf("MaybeAcceptTransaction: failed to accept tx: %v", err)
		}
	}

	_, err := harness.txPool.MaybeAcceptTransaction(tx2, true)
	if !errors.Is(err, ErrMempoolDoubleSpend) {
		t.Fatalf("MaybeAcceptTransaction: want %v, got %v",
			ErrMempoolDoubleSpend, err)
	}
	testPoolMembership(t, harness, tx2, false)

	// A block containing tx2 evicts tx1 and everything spending it.
	harness.txPool.RemoveDoubleSpends(tx2)
	testPoolMembership(t, harness, tx1, false)
	testPoolMembership(t, harness, child, false)

	// The pool no longer considers the output spent.
	if _, err := harness.txPool.MaybeAcceptTransaction(tx2, true); err != nil {
		t.Fatalf("MaybeAcceptTransaction: failed to accept tx: %v", err)
	}

	// Removing double spends of a transaction that is itself in the pool
	// leaves it in place.
	harness.txPool.RemoveDoubleSpends(tx2)
	testPoolMembership(t, harness, tx2, true)
}

// TestRejections ensures the various rejection conditions are reported with
// the expected error kinds.
func TestRejections(t *testing.T) {
	t.Parallel()

	params := chaincfg.RegNetParams()
	harness, spendableOuts := newPoolHarness(params, 3)

	// Duplicate.
	tx := harness.CreateSignedTx(spendableOuts[:1], 1, 1000)
	if _, err := harness.txPool.MaybeAcceptTransaction(tx, true); err != nil {
		t.Fatalf("MaybeAcceptTransaction: failed to accept tx: %v", err)
	}
	_, err := harness.txPool.MaybeAcceptTransaction(tx, true)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate: want %v, got %v", ErrDuplicate, err)
	}

	// Standalone coinbase.
	coinbase := wire.NewMsgTx()
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex, wire.TxTreeRegular),
		SignatureScript: []byte{0x51, 0x51},
		Sequence:        wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(1000, opTrueScript))
	_, err = harness.txPool.MaybeAcceptTransaction(dcrutil.NewTx(coinbase), true)
	if !errors.Is(err, ErrCoinbase) {
		t.Fatalf("coinbase: want %v, got %v", ErrCoinbase, err)
	}

	// Spending more than the inputs.
	overspend := harness.CreateSignedTx(spendableOuts[1:2], 1, 0)
	overspend.MsgTx().TxOut[0].Value++
	overspend = dcrutil.NewTx(overspend.MsgTx())
	_, err = harness.txPool.MaybeAcceptTransaction(overspend, true)
	if !errors.Is(err, blockchain.ErrSpendTooHigh) {
		t.Fatalf("overspend: want %v, got %v", blockchain.ErrSpendTooHigh, err)
	}

	// Transaction with no outputs fails the sanity checks.
	noOutputs := harness.CreateSignedTx(spendableOuts[1:2], 1, 0)
	noOutputs.MsgTx().TxOut = nil
	noOutputs = dcrutil.NewTx(noOutputs.MsgTx())
	_, err = harness.txPool.MaybeAcceptTransaction(noOutputs, true)
	if !errors.Is(err, blockchain.ErrTxSanity) {
		t.Fatalf("sanity: want %v, got %v", blockchain.ErrTxSanity, err)
	}

	// Transaction whose outputs are already unspent in the chain.
	confirmed := harness.CreateSignedTx(spendableOuts[2:3], 1, 1000)
	harness.AddFakeUTXO(confirmed, harness.chain.BestHeight())
	_, err = harness.txPool.MaybeAcceptTransaction(confirmed, true)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("confirmed: want %v, got %v", ErrAlreadyExists, err)
	}
}

// TestImmatureCoinbaseSpend ensures transactions spending a coinbase output
// before it reaches maturity are rejected until the chain grows enough.
func TestImmatureCoinbaseSpend(t *testing.T) {
	t.Parallel()

	params := chaincfg.RegNetParams()
	harness, _ := newPoolHarness(params, 1)

	coinbase := wire.NewMsgTx()
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex, wire.TxTreeRegular),
		SignatureScript: []byte{0x51, 0x51},
		Sequence:        wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(1e8, opTrueScript))
	coinbaseTx := dcrutil.NewTx(coinbase)
	harness.AddFakeUTXO(coinbaseTx, 10)
	harness.chain.SetHeight(10)

	spend := harness.CreateSignedTx([]spendableOutput{
		txOutToSpendableOut(coinbaseTx, 0)}, 1, 1000)
	_, err := harness.txPool.MaybeAcceptTransaction(spend, true)
	if !errors.Is(err, blockchain.ErrImmatureSpend) {
		t.Fatalf("want %v, got %v", blockchain.ErrImmatureSpend, err)
	}

	// The spend is allowed once the next block height reaches maturity.
	harness.chain.SetHeight(10 + int64(params.CoinbaseMaturity) - 1)
	if _, err := harness.txPool.MaybeAcceptTransaction(spend, true); err != nil {
		t.Fatalf("MaybeAcceptTransaction: failed to accept tx: %v", err)
	}
}

// TestPoolSizeLimit ensures new transactions are rejected once the pool is
// full while transactions returned from disconnected blocks are still
// accepted.
func TestPoolSizeLimit(t *testing.T) {
	t.Parallel()

	harness, spendableOuts := newPoolHarness(chaincfg.RegNetParams(), 3)
	harness.txPool.cfg.MaxPoolSize = 1

	txns := make([]*dcrutil.Tx, 0, len(spendableOuts))
	for i := range spendableOuts {
		txns = append(txns, harness.CreateSignedTx(spendableOuts[i:i+1], 1,
			1000))
	}
	if _, err := harness.txPool.MaybeAcceptTransaction(txns[0], true); err != nil {
		t.Fatalf("MaybeAcceptTransaction: failed to accept tx: %v", err)
	}
	_, err := harness.txPool.MaybeAcceptTransaction(txns[1], true)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("want %v, got %v", ErrPoolFull, err)
	}
	if _, err := harness.txPool.MaybeAcceptTransaction(txns[2], false); err != nil {
		t.Fatalf("MaybeAcceptTransaction: failed to accept reorged tx: %v", err)
	}
	if got := harness.txPool.Count(); got != 2 {
		t.Fatalf("Count: want 2, got %d", got)
	}
}

// TestTxDescs ensures the descriptors report the fee and height of accepted
// transactions.
func TestTxDescs(t *testing.T) {
	t.Parallel()

	harness, spendableOuts := newPoolHarness(chaincfg.RegNetParams(), 1)
	tx := harness.CreateSignedTx(spendableOuts, 1, 5000)
	before := harness.txPool.LastUpdated()
	if _, err := harness.txPool.MaybeAcceptTransaction(tx, true); err != nil {
		t.Fatalf("MaybeAcceptTransaction: failed to accept tx: %v", err)
	}

	descs := harness.txPool.TxDescs()
	if len(descs) != 1 {
		t.Fatalf("TxDescs: want 1 descriptor, got %d", len(descs))
	}
	desc := descs[0]
	if desc.Fee != 5000 {
		t.Fatalf("fee: want 5000, got %d", desc.Fee)
	}
	if desc.Height != harness.chain.BestHeight() {
		t.Fatalf("height: want %d, got %d", harness.chain.BestHeight(),
			desc.Height)
	}
	if desc.TxSize != int64(tx.MsgTx().SerializeSize()) {
		t.Fatalf("size: want %d, got %d", tx.MsgTx().SerializeSize(),
			desc.TxSize)
	}
	if harness.txPool.LastUpdated().Before(before) {
		t.Fatal("last updated time did not advance")
	}
}
