// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"sync"

	"github.com/decred/dcrd/wire"
)

// utxoErrorCatcher sits between the utxo cache and a UTXO backend and turns
// every failure reported by the backend into a fatal condition.
//
// A read failure must never be reported to validation code as a missing entry
// since that would be indistinguishable from a spent output.  Instead, the
// registered fatal error handler is invoked once and the failure is returned
// wrapped with ErrUtxoBackendFatal so callers abort whatever they were doing.
type utxoErrorCatcher struct {
	backend UtxoBackend
	onFatal func(error)
	once    sync.Once
}

// Ensure utxoErrorCatcher implements the UtxoBackend interface.
var _ UtxoBackend = (*utxoErrorCatcher)(nil)

// newUtxoErrorCatcher returns a new error catcher wrapping the provided backend.
// The onFatal handler may be nil.
func newUtxoErrorCatcher(backend UtxoBackend, onFatal func(error)) *utxoErrorCatcher {
	return &utxoErrorCatcher{backend: backend, onFatal: onFatal}
}

// fatal wraps the passed error with ErrUtxoBackendFatal and invokes the fatal
// error handler the first time it is called.
func (c *utxoErrorCatcher) fatal(op string, err error) error {
	str := fmt.Sprintf("UTXO backend %s failed: %v", op, err)
	fatalErr := ContextError{Err: ErrUtxoBackendFatal, Description: str,
		RawErr: err}
	c.once.Do(func() {
		log.Criticalf("%v: a restart is required", str)
		if c.onFatal != nil {
			c.onFatal(fatalErr)
		}
	})
	return fatalErr
}

// FetchEntry returns the specified transaction output from the wrapped backend.
func (c *utxoErrorCatcher) FetchEntry(outpoint wire.OutPoint) (*UtxoEntry, error) {
	entry, err := c.backend.FetchEntry(outpoint)
	if err != nil {
		return nil, c.fatal("read", err)
	}
	return entry, nil
}

// FetchState returns the current state of the UTXO set from the wrapped
// backend.
func (c *utxoErrorCatcher) FetchState() (*UtxoSetState, error) {
	state, err := c.backend.FetchState()
	if err != nil {
		return nil, c.fatal("state read", err)
	}
	return state, nil
}

// FetchStats returns statistics on the UTXO set of the wrapped backend.
func (c *utxoErrorCatcher) FetchStats() (*UtxoStats, error) {
	stats, err := c.backend.FetchStats()
	if err != nil {
		return nil, c.fatal("stats", err)
	}
	return stats, nil
}

// NewIterator returns an iterator over the wrapped backend.  Iteration errors
// are converted when they are retrieved.
func (c *utxoErrorCatcher) NewIterator(prefix []byte) UtxoBackendIterator {
	return &catchingIterator{UtxoBackendIterator: c.backend.NewIterator(prefix),
		catcher: c}
}

// catchingIterator converts the accumulated error of the wrapped iterator.
type catchingIterator struct {
	UtxoBackendIterator
	catcher *utxoErrorCatcher
}

// Error returns the accumulated error of the iterator as a fatal error.
func (it *catchingIterator) Error() error {
	if err := it.UtxoBackendIterator.Error(); err != nil {
		return it.catcher.fatal("iteration", err)
	}
	return nil
}

// PutUtxos atomically writes the provided entries and state to the wrapped
// backend.
func (c *utxoErrorCatcher) PutUtxos(utxos map[wire.OutPoint]*UtxoEntry, state *UtxoSetState) error {
	if err := c.backend.PutUtxos(utxos, state); err != nil {
		return c.fatal("write", err)
	}
	return nil
}

// Close closes the wrapped backend.
func (c *utxoErrorCatcher) Close() error {
	return c.backend.Close()
}
