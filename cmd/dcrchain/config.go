// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/decred/dcrchain/internal/blockchain"
	"github.com/decred/dcrchain/internal/version"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "dcrchain.log"
	defaultDataDirname = "data"
	defaultNetwork     = "mainnet"
	defaultMaxLogZips  = 16
	defaultLogSize     = "10M"

	// defaultUtxoCacheMaxSize and defaultDbCache are in MiB.
	defaultUtxoCacheMaxSize = blockchain.DefaultUtxoCacheMaxSize / (1 << 20)
	defaultDbCache          = blockchain.DefaultDbCacheSize / (1 << 20)

	// minPruneTarget is in MiB.
	minPruneTarget = blockchain.MinPruneTarget / (1 << 20)
)

var (
	defaultHomeDir = dcrutil.AppDataDir("dcrchain", false)
	defaultDataDir = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// config defines the configuration options for dcrchain.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion   bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir       string `short:"A" long:"appdata" description:"Path to application home directory"`
	DataDir       string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir        string `long:"logdir" description:"Directory to log output"`
	LogSize       string `long:"logsize" description:"Maximum size of log file before it is rotated"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Network       string `long:"network" description:"Network to use {mainnet, testnet, simnet, regnet}"`

	// Chain state tuning.
	UtxoCacheMaxSize    uint     `long:"utxocachemaxsize" description:"The maximum size in MiB of the utxo caches; split between chain states while a snapshot is validated"`
	DbCache             uint     `long:"dbcache" description:"The size in MiB of the block caches of the utxo databases"`
	Prune               uint     `long:"prune" description:"Delete old block files to keep disk usage below the target in MiB; 0 disables pruning"`
	MaxDisconnectedPool uint     `long:"maxdisconnectedpool" description:"The maximum size in MiB of transactions held from disconnected blocks during a reorganization"`
	CheckBlockIndex     bool     `long:"checkblockindex" description:"Verify the consistency of the block index after every change (slow)"`
	AssumeUTXO          []string `long:"assumeutxo" description:"Trust a utxo snapshot in the form height:blockhash:contenthash:chaintxcount; may be specified multiple times"`

	// Operational.
	MetricsListen string `long:"metricslisten" description:"Serve prometheus metrics on the provided interface/port"`
	MaxMempool    int    `long:"maxmempool" description:"The maximum number of transactions held in the transaction pool"`

	// The following fields are set by loadConfig.
	params     *chaincfg.Params
	logSize    int64
	assumeUTXO []blockchain.AssumeUTXOData
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := slog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// parseLogSize parses a log size of the form <number>[K|M|G] into bytes.
func parseLogSize(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty log size")
	}
	multiplier := int64(1)
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid log size %q", s)
	}
	return n * multiplier, nil
}

// netParamsForName returns the chain parameters for the named network.
func netParamsForName(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return chaincfg.MainNetParams(), nil
	case "testnet":
		return chaincfg.TestNet3Params(), nil
	case "simnet":
		return chaincfg.SimNetParams(), nil
	case "regnet":
		return chaincfg.RegNetParams(), nil
	}
	return nil, fmt.Errorf("unknown network %q -- supported networks are "+
		"mainnet, testnet, simnet and regnet", name)
}

// parseAssumeUTXO parses a trusted snapshot description of the form
// height:blockhash:contenthash:chaintxcount.
func parseAssumeUTXO(s string) (blockchain.AssumeUTXOData, error) {
	var data blockchain.AssumeUTXOData
	fields := strings.Split(s, ":")
	if len(fields) != 4 {
		return data, fmt.Errorf("malformed assumeutxo %q: want "+
			"height:blockhash:contenthash:chaintxcount", s)
	}
	height, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || height <= 0 {
		return data, fmt.Errorf("malformed assumeutxo height %q", fields[0])
	}
	blockHash, err := chainhash.NewHashFromStr(fields[1])
	if err != nil {
		return data, fmt.Errorf("malformed assumeutxo block hash: %w", err)
	}
	contentHash, err := chainhash.NewHashFromStr(fields[2])
	if err != nil {
		return data, fmt.Errorf("malformed assumeutxo content hash: %w", err)
	}
	txCount, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil || txCount == 0 {
		return data, fmt.Errorf("malformed assumeutxo chain tx count %q",
			fields[3])
	}
	data.Height = height
	data.BlockHash = *blockHash
	data.ContentHash = *contentHash
	data.ChainTxCount = txCount
	return data, nil
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	parser := flags.NewParser(cfg, options)
	parser.Usage = "[OPTIONS] <command> [args]\n\n" + commandUsage()
	return parser
}

// loadConfig initializes and parses the config using command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Parse the command line options and leave the remaining arguments as the
//     command to run
//  3. Validate the options and derive the values used by the application
//
// The above results in dcrchain functioning properly without any config
// settings while still allowing the user to override settings with command
// line options.
func loadConfig(args []string) (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:          defaultHomeDir,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		LogSize:          defaultLogSize,
		DebugLevel:       defaultLogLevel,
		Network:          defaultNetwork,
		UtxoCacheMaxSize: defaultUtxoCacheMaxSize,
		DbCache:          defaultDbCache,
		MaxDisconnectedPool: blockchain.DefaultMaxDisconnectedPoolSize /
			(1 << 20),
	}

	parser := newConfigParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	remaining, err := parser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	if cfg.ShowVersion {
		fmt.Println(version.Summary())
		os.Exit(0)
	}

	// Update the home directory for dcrchain if specified.  Since the home
	// directory is updated, other variables need to be updated to reflect the
	// new changes.
	if cfg.HomeDir != defaultHomeDir {
		cfg.HomeDir = cleanAndExpandPath(cfg.HomeDir)
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	}

	// Choose the network and append its name to the data and log directories
	// so multiple networks can share a home directory.
	params, err := netParamsForName(cfg.Network)
	if err != nil {
		return nil, nil, err
	}
	cfg.params = params
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	cfg.logSize, err = parseLogSize(cfg.LogSize)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.NoFileLogging {
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		if err := initLogRotator(logFile, cfg.logSize, defaultMaxLogZips); err != nil {
			return nil, nil, errSuppressUsage(err.Error())
		}
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, err
	}

	// Validate the chain state tuning options.
	if cfg.Prune != 0 && cfg.Prune < minPruneTarget {
		return nil, nil, fmt.Errorf("the prune target must be at least %d "+
			"MiB", minPruneTarget)
	}
	if cfg.UtxoCacheMaxSize == 0 {
		return nil, nil, errors.New("the utxo cache size must be positive")
	}
	for _, s := range cfg.AssumeUTXO {
		data, err := parseAssumeUTXO(s)
		if err != nil {
			return nil, nil, err
		}
		cfg.assumeUTXO = append(cfg.assumeUTXO, data)
	}

	if len(remaining) == 0 {
		return nil, nil, errors.New("no command specified")
	}
	return &cfg, remaining, nil
}

// chainConfig returns the chain state manager configuration described by the
// options.
func (cfg *config) chainConfig() *blockchain.Config {
	return &blockchain.Config{
		DataDir:                 cfg.DataDir,
		ChainParams:             cfg.params,
		UtxoCacheMaxSize:        uint64(cfg.UtxoCacheMaxSize) * (1 << 20),
		DbCacheSize:             uint64(cfg.DbCache) * (1 << 20),
		PruneTarget:             uint64(cfg.Prune) * (1 << 20),
		MaxDisconnectedPoolSize: int(cfg.MaxDisconnectedPool) * (1 << 20),
		CheckBlockIndex:         cfg.CheckBlockIndex,
		AssumeUTXO:              cfg.assumeUTXO,
	}
}
