// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"
	"testing"

	"github.com/decred/dcrchain/internal/blockchain"
)

// TestLoadConfig ensures the command line options are parsed into the chain
// state manager configuration along with the command to run.
func TestLoadConfig(t *testing.T) {
	homeDir := t.TempDir()
	args := []string{
		"--appdata=" + homeDir,
		"--nofilelogging",
		"--network=regnet",
		"--utxocachemaxsize=300",
		"--prune=1000",
		"--assumeutxo=110:" +
			"5b0ae6e5fe50fb1c32c4e1d6bc2a81e08c7ca1bc0d3b0e5b4e0b4c1d8e8e1a10:" +
			"0000000000000000000000000000000000000000000000000000000000000001:" +
			"111",
		"precious",
		"5b0ae6e5fe50fb1c32c4e1d6bc2a81e08c7ca1bc0d3b0e5b4e0b4c1d8e8e1a10",
	}
	cfg, remaining, err := loadConfig(args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 2 || remaining[0] != "precious" {
		t.Fatalf("unexpected remaining arguments %v", remaining)
	}
	if want := filepath.Join(homeDir, defaultDataDirname, "regnet"); cfg.DataDir != want {
		t.Fatalf("data dir %s, want %s", cfg.DataDir, want)
	}

	chainCfg := cfg.chainConfig()
	if chainCfg.ChainParams.Name != "regnet" {
		t.Fatalf("unexpected network %s", chainCfg.ChainParams.Name)
	}
	if chainCfg.UtxoCacheMaxSize != 300<<20 {
		t.Fatalf("utxo cache size %d, want %d", chainCfg.UtxoCacheMaxSize,
			300<<20)
	}
	if chainCfg.DbCacheSize != blockchain.DefaultDbCacheSize {
		t.Fatalf("db cache size %d, want the default", chainCfg.DbCacheSize)
	}
	if chainCfg.PruneTarget != 1000<<20 {
		t.Fatalf("prune target %d, want %d", chainCfg.PruneTarget, 1000<<20)
	}
	if chainCfg.MaxDisconnectedPoolSize != blockchain.DefaultMaxDisconnectedPoolSize {
		t.Fatalf("disconnected pool size %d, want the default",
			chainCfg.MaxDisconnectedPoolSize)
	}
	if len(chainCfg.AssumeUTXO) != 1 || chainCfg.AssumeUTXO[0].Height != 110 ||
		chainCfg.AssumeUTXO[0].ChainTxCount != 111 {

		t.Fatalf("unexpected assumeutxo data %+v", chainCfg.AssumeUTXO)
	}
}

// TestLoadConfigErrors ensures invalid options are rejected.
func TestLoadConfigErrors(t *testing.T) {
	homeDir := t.TempDir()
	base := []string{"--appdata=" + homeDir, "--nofilelogging"}
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown network", []string{"--network=bogus", "info"}},
		{"prune target too small", []string{"--prune=549", "info"}},
		{"zero utxo cache", []string{"--utxocachemaxsize=0", "info"}},
		{"bad debug level", []string{"--debuglevel=loud", "info"}},
		{"bad subsystem", []string{"--debuglevel=NOPE=info", "info"}},
		{"bad log size", []string{"--logsize=abc", "info"}},
		{"bad assumeutxo", []string{"--assumeutxo=1:2", "info"}},
		{"unknown flag", []string{"--bogus", "info"}},
	}
	for _, test := range tests {
		args := append(append([]string(nil), base...), test.args...)
		if _, _, err := loadConfig(args); err == nil {
			t.Errorf("%q: did not receive expected error", test.name)
		}
	}
}

// TestParseAssumeUTXO ensures trusted snapshot descriptions are parsed and
// malformed ones rejected.
func TestParseAssumeUTXO(t *testing.T) {
	const (
		blockHash   = "00000000000000000000000000000000000000000000000000000000000000aa"
		contentHash = "00000000000000000000000000000000000000000000000000000000000000bb"
	)
	data, err := parseAssumeUTXO("200:" + blockHash + ":" + contentHash + ":201")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Height != 200 || data.ChainTxCount != 201 ||
		data.BlockHash.String() != blockHash ||
		data.ContentHash.String() != contentHash {

		t.Fatalf("unexpected data %+v", data)
	}

	bad := []string{
		"",
		"200:" + blockHash + ":" + contentHash,
		"0:" + blockHash + ":" + contentHash + ":201",
		"-1:" + blockHash + ":" + contentHash + ":201",
		"200:xyz:" + contentHash + ":201",
		"200:" + blockHash + ":" + contentHash + "00:201",
		"200:" + blockHash + ":" + contentHash + ":0",
		"200:" + blockHash + ":" + contentHash + ":201:1",
	}
	for _, s := range bad {
		if _, err := parseAssumeUTXO(s); err == nil {
			t.Errorf("%q: did not receive expected error", s)
		}
	}
}

// TestParseLogSize ensures log sizes with and without unit suffixes are parsed.
func TestParseLogSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		invalid bool
	}{
		{in: "1024", want: 1024},
		{in: "10K", want: 10 << 10},
		{in: "10M", want: 10 << 20},
		{in: "2g", want: 2 << 30},
		{in: "", invalid: true},
		{in: "M", invalid: true},
		{in: "0M", invalid: true},
		{in: "-5K", invalid: true},
	}
	for _, test := range tests {
		got, err := parseLogSize(test.in)
		if test.invalid {
			if err == nil {
				t.Errorf("%q: did not receive expected error", test.in)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("%q: got %d (err %v), want %d", test.in, got, err,
				test.want)
		}
	}
}

// TestCommandArgs ensures commands enforce their number of arguments.
func TestCommandArgs(t *testing.T) {
	tests := []struct {
		cmd   string
		nargs int
		valid bool
	}{
		{"import", 0, false},
		{"import", 3, true},
		{"dumpsnapshot", 1, true},
		{"dumpsnapshot", 2, false},
		{"invalidate", 0, false},
		{"checkpoint", 1, true},
		{"checkpoint", 0, false},
		{"info", 0, true},
		{"info", 1, false},
	}
	for _, test := range tests {
		err := commands[test.cmd].checkArgs(make([]string, test.nargs))
		if (err == nil) != test.valid {
			t.Errorf("%s with %d args: got %v, want valid %v", test.cmd,
				test.nargs, err, test.valid)
		}
	}
}
