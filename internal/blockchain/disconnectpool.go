// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"container/list"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
)

// DefaultMaxDisconnectedPoolSize is the default maximum number of serialized
// transaction bytes held by the disconnected transaction pool.
const DefaultMaxDisconnectedPoolSize = 20 * 1024 * 1024

// disconnectedTx houses a transaction held by the disconnected transaction
// pool along with its full hash and serialized size.
type disconnectedTx struct {
	tx       *dcrutil.Tx
	fullHash chainhash.Hash
	size     int
}

// disconnectedTxPool holds the transactions of blocks disconnected during a
// reorganization until the reorganization completes so they can be returned
// to the transaction pool.
//
// Transactions are queued in the reverse of their order in the block and
// blocks are disconnected from the tip backwards, so the queue is built in
// reverse dependency order.  Replaying it from the back therefore yields
// every transaction after the transactions it depends on.  When the pool
// grows beyond its byte limit, the oldest entries, which belong to the most
// recently connected of the disconnected blocks, are evicted first.
//
// Entries are keyed by the full transaction hash which commits to both the
// prefix and the witness, so a connected block only removes transactions that
// are byte for byte identical.
//
// The pool is not safe for concurrent access.  It only lives for the duration
// of a single best chain activation step under the chain lock.
type disconnectedTxPool struct {
	queue      *list.List
	byFullHash map[chainhash.Hash]*list.Element
	totalBytes int
	maxBytes   int
}

// newDisconnectedTxPool returns an empty pool limited to the provided number of
// serialized bytes.  A non-positive limit selects the default.
func newDisconnectedTxPool(maxBytes int) *disconnectedTxPool {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDisconnectedPoolSize
	}
	return &disconnectedTxPool{
		queue:      list.New(),
		byFullHash: make(map[chainhash.Hash]*list.Element),
		maxBytes:   maxBytes,
	}
}

// addTransactionsForBlock queues the transactions of a disconnected block in
// reverse order, skipping the coinbase, and then evicts the oldest entries if
// the pool exceeds its limit.  It returns the evicted transactions.
func (p *disconnectedTxPool) addTransactionsForBlock(txns []*dcrutil.Tx) []*dcrutil.Tx {
	for i := len(txns) - 1; i >= 0; i-- {
		tx := txns[i]
		if standalone.IsCoinBaseTx(tx.MsgTx(), noTreasury) {
			continue
		}
		entry := &disconnectedTx{
			tx:       tx,
			fullHash: tx.MsgTx().TxHashFull(),
			size:     tx.MsgTx().SerializeSize(),
		}
		if _, ok := p.byFullHash[entry.fullHash]; ok {
			continue
		}
		p.byFullHash[entry.fullHash] = p.queue.PushBack(entry)
		p.totalBytes += entry.size
	}
	return p.evictOldest()
}

// evictOldest removes entries from the front of the queue until the pool is
// within its limit and returns them.
func (p *disconnectedTxPool) evictOldest() []*dcrutil.Tx {
	var evicted []*dcrutil.Tx
	for p.totalBytes > p.maxBytes && p.queue.Len() > 0 {
		entry := p.removeElement(p.queue.Front())
		evicted = append(evicted, entry.tx)
	}
	if len(evicted) > 0 {
		log.Debugf("Evicted %d transactions from the disconnected "+
			"transaction pool", len(evicted))
	}
	return evicted
}

// removeElement removes the provided queue element from the pool.
func (p *disconnectedTxPool) removeElement(elem *list.Element) *disconnectedTx {
	entry := p.queue.Remove(elem).(*disconnectedTx)
	delete(p.byFullHash, entry.fullHash)
	p.totalBytes -= entry.size
	return entry
}

// removeForBlock removes every transaction confirmed by a connected block.
func (p *disconnectedTxPool) removeForBlock(txns []*dcrutil.Tx) {
	if p.queue.Len() == 0 {
		return
	}
	for _, tx := range txns {
		if elem, ok := p.byFullHash[tx.MsgTx().TxHashFull()]; ok {
			p.removeElement(elem)
		}
	}
}

// contains returns whether a transaction with the same full hash is queued.
func (p *disconnectedTxPool) contains(tx *dcrutil.Tx) bool {
	_, ok := p.byFullHash[tx.MsgTx().TxHashFull()]
	return ok
}

// Len returns the number of queued transactions.
func (p *disconnectedTxPool) Len() int {
	return p.queue.Len()
}

// Size returns the total serialized size of the queued transactions.
func (p *disconnectedTxPool) Size() int {
	return p.totalBytes
}

// replayOrder returns the queued transactions in the order they must be
// offered back to the transaction pool without modifying the pool.
func (p *disconnectedTxPool) replayOrder() []*dcrutil.Tx {
	txns := make([]*dcrutil.Tx, 0, p.queue.Len())
	for elem := p.queue.Back(); elem != nil; elem = elem.Prev() {
		txns = append(txns, elem.Value.(*disconnectedTx).tx)
	}
	return txns
}

// takeAll empties the pool and returns its transactions in replay order.
func (p *disconnectedTxPool) takeAll() []*dcrutil.Tx {
	txns := p.replayOrder()
	p.clear()
	return txns
}

// clear removes every transaction from the pool.
func (p *disconnectedTxPool) clear() {
	p.queue.Init()
	p.byFullHash = make(map[chainhash.Hash]*list.Element)
	p.totalBytes = 0
}
