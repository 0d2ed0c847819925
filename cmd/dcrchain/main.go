// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/decred/dcrchain/internal/blockchain"
	"github.com/decred/dcrchain/internal/mempool"
	"github.com/decred/dcrchain/internal/version"
)

// dcrchainMain is the real main function for dcrchain.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func dcrchainMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	cfg, args, err := loadConfig(os.Args[1:])
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	defer closeLogRotator()

	cmd, ok := commands[args[0]]
	if !ok {
		err := fmt.Errorf("unknown command %q", args[0])
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, commandUsage())
		return err
	}
	if err := cmd.checkArgs(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\nUsage: %s %s\n", err, appName, cmd.usage)
		return err
	}

	// Get a context that will be canceled when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from a
	// fatal error in the chain state manager.
	ctx := shutdownListener()
	defer dchnLog.Info("Shutdown complete")

	// Show version and data dir at startup.
	dchnLog.Info(version.Summary())
	dchnLog.Infof("Data dir: %s", cfg.DataDir)

	// Block connection causes bursty allocations, mostly from the utxo cache.
	// Impose a soft memory limit for a base amount along with any extra utxo
	// cache over and above the default max cache size.
	const memLimitBase = 1 << 30 // 1 GiB
	softMemLimit := int64(memLimitBase)
	if cfg.UtxoCacheMaxSize > defaultUtxoCacheMaxSize {
		extra := int64(cfg.UtxoCacheMaxSize) - defaultUtxoCacheMaxSize
		softMemLimit += extra * (1 << 20)
	}
	debug.SetMemoryLimit(softMemLimit)
	dchnLog.Debugf("Soft memory limit: %d MiB", softMemLimit/(1<<20))

	// Serve metrics when requested.
	if cfg.MetricsListen != "" {
		srv, err := startMetricsServer(cfg.MetricsListen)
		if err != nil {
			dchnLog.Errorf("Unable to start metrics server: %v", err)
			return err
		}
		defer srv.Stop()
	}

	// Load the block index and chain states.
	chainCfg := cfg.chainConfig()
	chainCfg.Notifications = logNotification
	chainCfg.OnFatalError = func(err error) {
		dchnLog.Criticalf("Unrecoverable chain state failure: %v", err)
		requestShutdown()
	}
	chain, err := blockchain.New(ctx, chainCfg)
	if err != nil {
		dchnLog.Errorf("Unable to load chain state: %v", err)
		return err
	}
	defer func() {
		if err := chain.Close(); err != nil {
			dchnLog.Errorf("Unable to close chain state: %v", err)
		}
	}()

	// The transaction pool tracks the active chain state so transactions of
	// disconnected blocks are resurrected during reorganizations.
	txPool := mempool.New(&mempool.Config{
		ChainParams:   cfg.params,
		MaxPoolSize:   cfg.MaxMempool,
		FetchUtxoView: chain.FetchUtxoView,
		BestHeight:    func() int64 { return chain.BestSnapshot().Height },
	})
	chain.SetTxPool(txPool)

	if shutdownRequested(ctx) {
		return nil
	}
	return cmd.run(ctx, &commandContext{
		cfg:    cfg,
		chain:  chain,
		txPool: txPool,
		out:    os.Stdout,
	}, args[1:])
}

// logNotification logs the notifications of the chain state manager that are
// of interest to the operator.
func logNotification(n *blockchain.Notification) {
	switch data := n.Data.(type) {
	case *blockchain.ReorganizationNtfnsData:
		if n.Type != blockchain.NTChainReorgDone {
			return
		}
		dchnLog.Infof("Reorganized from %s (height %d) to %s (height %d)",
			data.OldHash, data.OldHeight, data.NewHash, data.NewHeight)

	case *blockchain.SnapshotValidatedNtfnsData:
		dchnLog.Infof("Snapshot based on block %s (height %d) validated",
			data.BaseHash, data.BaseHeight)
	}
}

func main() {
	// Work around defer not working after os.Exit().
	if err := dcrchainMain(); err != nil {
		os.Exit(1)
	}
}
