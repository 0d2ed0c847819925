// Copyright (c) 2020-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"io"
	"testing"

	"github.com/decred/dcrchain/internal/blockchain"
)

// TestErrorKindStringer tests the stringized output for the ErrorKind type.
func TestErrorKindStringer(t *testing.T) {
	tests := []struct {
		in   ErrorKind
		want string
	}{
		{ErrInvalid, "ErrInvalid"},
		{ErrMempoolDoubleSpend, "ErrMempoolDoubleSpend"},
		{ErrDuplicate, "ErrDuplicate"},
		{ErrCoinbase, "ErrCoinbase"},
		{ErrAlreadyExists, "ErrAlreadyExists"},
		{ErrPoolFull, "ErrPoolFull"},
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("#%d\n got: %s want: %s", i, result,
				test.want)
			continue
		}
	}
}

// TestRuleError tests the error output for the RuleError type.
func TestRuleError(t *testing.T) {
	tests := []struct {
		in   RuleError
		want string
	}{
		{
			RuleError{Description: "duplicate transaction"},
			"duplicate transaction",
		},
		{
			RuleError{Description: "human-readable error"},
			"human-readable error",
		},
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("#%d\n got: %s want: %s", i, result, test.want)
			continue
		}
	}
}

// TestErrorKindIsAs ensures both ErrorKind and Error can be identified as being
// a specific error kind via errors.Is and unwrapped via errors.As.
func TestErrorKindIsAs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
		wantAs    ErrorKind
	}{{
		name:      "ErrDuplicate == ErrDuplicate",
		err:       ErrDuplicate,
		target:    ErrDuplicate,
		wantMatch: true,
		wantAs:    ErrDuplicate,
	}, {
		name:      "RuleError.ErrDuplicate == ErrDuplicate",
		err:       txRuleError(ErrDuplicate, ""),
		target:    ErrDuplicate,
		wantMatch: true,
		wantAs:    ErrDuplicate,
	}, {
		name:      "RuleError.ErrDuplicate == RuleError.ErrDuplicate",
		err:       txRuleError(ErrDuplicate, ""),
		target:    txRuleError(ErrDuplicate, ""),
		wantMatch: true,
		wantAs:    ErrDuplicate,
	}, {
		name:      "ErrDuplicate != ErrMempoolDoubleSpend",
		err:       ErrDuplicate,
		target:    ErrMempoolDoubleSpend,
		wantMatch: false,
		wantAs:    ErrDuplicate,
	}, {
		name:      "RuleError.ErrDuplicate != ErrMempoolDoubleSpend",
		err:       txRuleError(ErrDuplicate, ""),
		target:    ErrMempoolDoubleSpend,
		wantMatch: false,
		wantAs:    ErrDuplicate,
	}, {
		name:      "ErrDuplicate != RuleError.ErrMempoolDoubleSpend",
		err:       ErrDuplicate,
		target:    txRuleError(ErrMempoolDoubleSpend, ""),
		wantMatch: false,
		wantAs:    ErrDuplicate,
	}, {
		name:      "RuleError.ErrDuplicate != io.EOF",
		err:       txRuleError(ErrDuplicate, ""),
		target:    io.EOF,
		wantMatch: false,
		wantAs:    ErrDuplicate,
	}}

	for _, test := range tests {
		// Ensure the error matches or not depending on the expected result.
		result := errors.Is(test.err, test.target)
		if result != test.wantMatch {
			t.Errorf("%s: incorrect error identification -- got %v, want %v",
				test.name, result, test.wantMatch)
			continue
		}

		// Ensure the underlying error kind can be unwrapped and is the
		// expected kind.
		var kind ErrorKind
		if !errors.As(test.err, &kind) {
			t.Errorf("%s: unable to unwrap to error kind", test.name)
			continue
		}
		if kind != test.wantAs {
			t.Errorf("%s: unexpected unwrapped error kind -- got %v, want %v",
				test.name, kind, test.wantAs)
			continue
		}
	}
}

// TestChainRuleError ensures rule errors from the chain keep their kind when
// wrapped by the pool.
func TestChainRuleError(t *testing.T) {
	chainErr := blockchain.RuleError{
		Err:         blockchain.ErrMissingTxOut,
		Description: "missing output",
	}
	err := error(chainRuleError(chainErr))
	if !errors.Is(err, blockchain.ErrMissingTxOut) {
		t.Fatalf("wrapped error does not match %v", blockchain.ErrMissingTxOut)
	}
	if err.Error() != "missing output" {
		t.Fatalf("unexpected description %q", err.Error())
	}
	var rErr blockchain.RuleError
	if !errors.As(err, &rErr) {
		t.Fatal("unable to unwrap chain rule error")
	}
}
