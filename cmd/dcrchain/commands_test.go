// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
)

// blockRecord returns the bootstrap file record of the passed block.
func blockRecord(t *testing.T, net wire.CurrencyNet, block *wire.MsgBlock) []byte {
	t.Helper()

	serialized, err := block.Bytes()
	if err != nil {
		t.Fatalf("unable to serialize block: %v", err)
	}
	record := make([]byte, 8, 8+len(serialized))
	binary.LittleEndian.PutUint32(record[:4], uint32(net))
	binary.LittleEndian.PutUint32(record[4:], uint32(len(serialized)))
	return append(record, serialized...)
}

// TestBlockFileReader ensures the blocks of bootstrap files are read back and
// malformed records are rejected.
func TestBlockFileReader(t *testing.T) {
	params := chaincfg.RegNetParams()
	genesis := params.GenesisBlock
	record := blockRecord(t, params.Net, genesis)

	newReader := func(data []byte) *blockFileReader {
		return &blockFileReader{
			r:   bufio.NewReader(bytes.NewReader(data)),
			net: params.Net,
		}
	}

	// Two records followed by the end of the file.
	r := newReader(append(append([]byte(nil), record...), record...))
	for i := 0; i < 2; i++ {
		block, err := r.next()
		if err != nil {
			t.Fatalf("record %d: unexpected error: %v", i, err)
		}
		if *block.Hash() != genesis.BlockHash() {
			t.Fatalf("record %d: got block %s, want %s", i, block.Hash(),
				genesis.BlockHash())
		}
	}
	if _, err := r.next(); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v at the end of the file, want io.EOF", err)
	}

	oversized := append([]byte(nil), record[:8]...)
	binary.LittleEndian.PutUint32(oversized[4:], maxImportBlockSize+1)
	tests := []struct {
		name string
		data []byte
	}{
		{"wrong network", blockRecord(t, chaincfg.SimNetParams().Net, genesis)},
		{"truncated header", record[:5]},
		{"truncated block", record[:len(record)-1]},
		{"oversized block", oversized},
	}
	for _, test := range tests {
		_, err := newReader(test.data).next()
		if err == nil || errors.Is(err, io.EOF) {
			t.Errorf("%q: got %v, want a malformed record error", test.name,
				err)
		}
	}
}
