// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/decred/dcrchain/internal/blockchain"
	"github.com/decred/dcrchain/internal/mempool"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
)

// commandContext houses the state shared by all commands.
type commandContext struct {
	cfg    *config
	chain  *blockchain.ChainStateManager
	txPool *mempool.TxPool
	out    io.Writer
}

// command describes a command along with the number of arguments it accepts.
type command struct {
	usage   string
	summary string
	minArgs int
	maxArgs int // -1 for unbounded
	run     func(ctx context.Context, c *commandContext, args []string) error
}

// checkArgs returns an error when the number of passed arguments is not
// accepted by the command.
func (cmd *command) checkArgs(args []string) error {
	if len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs) {
		return errors.New("wrong number of arguments")
	}
	return nil
}

// commands maps every supported command name to its description.
var commands = map[string]*command{
	"import": {
		usage:   "import <blockfile> [blockfile...]",
		summary: "Process the blocks of bootstrap files as if they were received from the network",
		minArgs: 1,
		maxArgs: -1,
		run:     runImport,
	},
	"dumpsnapshot": {
		usage:   "dumpsnapshot <file>",
		summary: "Write the utxo set of the active chain state to a snapshot file",
		minArgs: 1,
		maxArgs: 1,
		run:     runDumpSnapshot,
	},
	"loadsnapshot": {
		usage:   "loadsnapshot <file>",
		summary: "Activate a trusted utxo snapshot and validate it in the background",
		minArgs: 1,
		maxArgs: 1,
		run:     runLoadSnapshot,
	},
	"invalidate": {
		usage:   "invalidate <blockhash>",
		summary: "Permanently mark a block and its descendants invalid",
		minArgs: 1,
		maxArgs: 1,
		run: hashCommand(func(ctx context.Context, c *commandContext, hash *chainhash.Hash) error {
			return c.chain.InvalidateBlock(ctx, hash)
		}),
	},
	"reconsider": {
		usage:   "reconsider <blockhash>",
		summary: "Remove the invalidity status of a block, its ancestors and descendants",
		minArgs: 1,
		maxArgs: 1,
		run: hashCommand(func(ctx context.Context, c *commandContext, hash *chainhash.Hash) error {
			return c.chain.ReconsiderBlock(ctx, hash)
		}),
	},
	"precious": {
		usage:   "precious <blockhash>",
		summary: "Treat a block as if it were received before others with the same work",
		minArgs: 1,
		maxArgs: 1,
		run: hashCommand(func(ctx context.Context, c *commandContext, hash *chainhash.Hash) error {
			return c.chain.PreciousBlock(ctx, hash)
		}),
	},
	"checkpoint": {
		usage:   "checkpoint <blockhash>",
		summary: "Report whether a block is a good checkpoint candidate",
		minArgs: 1,
		maxArgs: 1,
		run:     runCheckpoint,
	},
	"info": {
		usage:   "info",
		summary: "Show the state of the block index and the chain states",
		run:     runInfo,
	},
	"run": {
		usage:   "run",
		summary: "Keep running until interrupted, validating a snapshot in the background",
		run: func(ctx context.Context, c *commandContext, _ []string) error {
			<-ctx.Done()
			return nil
		},
	},
}

// commandUsage returns the usage text listing every command.
func commandUsage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(&b, "  %-36s %s\n", cmd.usage, cmd.summary)
	}
	return b.String()
}

// hashCommand returns a command function that parses its single argument as a
// block hash and applies fn to it.
func hashCommand(fn func(context.Context, *commandContext, *chainhash.Hash) error) func(context.Context, *commandContext, []string) error {
	return func(ctx context.Context, c *commandContext, args []string) error {
		hash, err := chainhash.NewHashFromStr(args[0])
		if err != nil {
			return fmt.Errorf("malformed block hash: %w", err)
		}
		if err := fn(ctx, c, hash); err != nil {
			return err
		}
		best := c.chain.BestSnapshot()
		fmt.Fprintf(c.out, "best block %s (height %d)\n", best.Hash,
			best.Height)
		return nil
	}
}

// maxImportBlockSize is the largest block record accepted by import.
const maxImportBlockSize = wire.MaxBlockPayload

// blockFileReader reads the blocks of a bootstrap file.  Each record is the
// network magic and the block size as little endian uint32s followed by the
// serialized block.
type blockFileReader struct {
	r   *bufio.Reader
	net wire.CurrencyNet
}

// next returns the next block of the file or io.EOF after the last one.
func (r *blockFileReader) next() (*dcrutil.Block, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.New("truncated block record header")
		}
		return nil, err
	}
	if net := wire.CurrencyNet(binary.LittleEndian.Uint32(hdr[:4])); net != r.net {
		return nil, fmt.Errorf("block record for network %v, expected %v",
			net, r.net)
	}
	size := binary.LittleEndian.Uint32(hdr[4:])
	if size > maxImportBlockSize {
		return nil, fmt.Errorf("block record size %d exceeds the maximum "+
			"allowed %d", size, maxImportBlockSize)
	}
	// The block keeps a reference to the buffer, so it can't be reused.
	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("truncated block record: %w", err)
	}
	return dcrutil.NewBlockFromBytes(buf)
}

// importFile processes every block of the passed bootstrap file.  Blocks that
// are already known are skipped.
func importFile(ctx context.Context, c *commandContext, path string) (processed, known int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := blockFileReader{r: bufio.NewReaderSize(f, 1<<20), net: c.cfg.params.Net}
	for !shutdownRequested(ctx) {
		block, err := r.next()
		if errors.Is(err, io.EOF) {
			return processed, known, nil
		}
		if err != nil {
			return processed, known, fmt.Errorf("%s: %w", path, err)
		}
		if c.chain.HaveBlock(block.Hash()) {
			known++
			continue
		}
		if _, err := c.chain.ProcessNewBlock(ctx, block, true); err != nil {
			return processed, known, fmt.Errorf("%s: block %s: %w", path,
				block.Hash(), err)
		}
		processed++
	}
	return processed, known, ctx.Err()
}

func runImport(ctx context.Context, c *commandContext, args []string) error {
	for _, path := range args {
		dchnLog.Infof("Importing blocks from %s", path)
		processed, known, err := importFile(ctx, c, path)
		dchnLog.Infof("Processed %d blocks from %s (%d already known)",
			processed, path, known)
		if err != nil {
			return err
		}
	}
	best := c.chain.BestSnapshot()
	fmt.Fprintf(c.out, "best block %s (height %d)\n", best.Hash, best.Height)
	return nil
}

func runDumpSnapshot(ctx context.Context, c *commandContext, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	tmpPath := path + ".incomplete"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	metadata, err := c.chain.DumpSnapshot(ctx, w)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "base block:   %s\n", metadata.BaseHash)
	fmt.Fprintf(c.out, "base height:  %d\n", metadata.BaseHeight)
	fmt.Fprintf(c.out, "coins:        %d\n", metadata.NumCoins)
	fmt.Fprintf(c.out, "content hash: %s\n", metadata.ContentHash)
	return nil
}

func runLoadSnapshot(ctx context.Context, c *commandContext, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	metadata, err := blockchain.ReadSnapshotMetadata(r)
	if err != nil {
		return err
	}
	dchnLog.Infof("Loading snapshot of %d coins based on block %s",
		metadata.NumCoins, metadata.BaseHash)
	if err := c.chain.ActivateSnapshot(ctx, r, metadata); err != nil {
		return err
	}
	best := c.chain.BestSnapshot()
	fmt.Fprintf(c.out, "snapshot active at block %s (height %d)\n", best.Hash,
		best.Height)
	return nil
}

func runCheckpoint(_ context.Context, c *commandContext, args []string) error {
	hash, err := chainhash.NewHashFromStr(args[0])
	if err != nil {
		return fmt.Errorf("malformed block hash: %w", err)
	}
	block, err := c.chain.BlockByHash(hash)
	if err != nil {
		return err
	}
	candidate, err := c.chain.IsCheckpointCandidate(block)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "block %s (height %d) checkpoint candidate: %v\n",
		hash, block.Height(), candidate)
	return nil
}

func runInfo(_ context.Context, c *commandContext, _ []string) error {
	headerHash, headerHeight := c.chain.BestHeader()
	fmt.Fprintf(c.out, "network:           %s\n", c.cfg.params.Name)
	fmt.Fprintf(c.out, "best header:       %s (height %d)\n", headerHash,
		headerHeight)
	fmt.Fprintf(c.out, "snapshot active:   %v\n", c.chain.IsSnapshotActive())
	fmt.Fprintf(c.out, "snapshot validated: %v\n", c.chain.IsSnapshotValidated())
	active := c.chain.ActiveChainState()
	for _, cs := range c.chain.GetAll() {
		best := cs.BestSnapshot()
		marker := " "
		if cs == active {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %-20s %s (height %d, %d txns, ibd %v)\n",
			marker, cs.Name(), best.Hash, best.Height, best.TotalTxns,
			cs.IsInitialBlockDownload())
	}
	fmt.Fprintf(c.out, "mempool:           %d transactions\n",
		c.txPool.Count())
	return nil
}
