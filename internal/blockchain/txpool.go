// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
)

// TxPool defines the operations the chain state manager performs on the
// transaction pool to keep it consistent with the active chain.
//
// The methods are always invoked with the chain lock held, so implementations
// must take their own lock after it and must not call back into any manager
// method that acquires the chain lock.  FetchUtxoView and BestSnapshot of the
// manager are safe to use.
type TxPool interface {
	// MaybeAcceptTransaction attempts to add the transaction to the pool.
	// The isNew flag is false for transactions returned from disconnected
	// blocks.  It returns the hashes of any missing parents.
	MaybeAcceptTransaction(tx *dcrutil.Tx, isNew bool) ([]*chainhash.Hash, error)

	// RemoveTransaction removes the transaction from the pool along with,
	// when removeRedeemers is set, every transaction that spends its outputs
	// recursively.
	RemoveTransaction(tx *dcrutil.Tx, removeRedeemers bool)

	// RemoveDoubleSpends removes every transaction in the pool that spends
	// any of the outputs spent by the passed transaction, along with
	// everything that spends them.
	RemoveDoubleSpends(tx *dcrutil.Tx)
}
