// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wallet"
	"github.com/btcsuite/walletcore/wallet/coinselect"
	"github.com/jessevdk/go-flags"
)

const (
	defaultLogLevel    = "info"
	defaultLogFilename = "walletcored.log"
	defaultDBFilename  = "wallet.db"
	defaultMaxLogFiles = 3
	defaultMaxLogSize  = 10 // MB
)

var (
	defaultAppDataDir = btcutil.AppDataDir("walletcored", false)
	defaultLogDir     = filepath.Join(defaultAppDataDir, "logs")
)

// config defines the configuration options for walletcored.
//
// Options left unset keep the values of defaultConfig.
type config struct {
	AppDataDir string `short:"A" long:"appdata" description:"Application data directory for the database and logs"`
	Network    string `long:"network" description:"Bitcoin network" choice:"mainnet" choice:"testnet3" choice:"signet" choice:"regtest"`

	AccountXpub       string `long:"xpub" description:"Extended public key of the account to watch"`
	Scope             string `long:"scope" description:"Derivation scheme of the account" choice:"bip84" choice:"bip86"`
	MasterFingerprint string `long:"masterfingerprint" description:"Hex fingerprint of the master key, written to PSBT derivations"`
	Lookahead         uint32 `long:"lookahead" description:"Number of unused addresses watched on each keychain"`
	BirthdayHeight    int32  `long:"birthday" description:"Height to start scanning from on the first sync"`

	DBBackend string `long:"db.backend" description:"Database backend" choice:"bdb" choice:"sqlite" choice:"postgres"`
	DBPath    string `long:"db.path" description:"Database file of the bdb and sqlite backends"`
	DBDSN     string `long:"db.dsn" description:"Connection string of the postgres backend"`

	RPCHost string `long:"bitcoind.rpchost" description:"host:port of the bitcoind RPC server"`
	RPCUser string `long:"bitcoind.rpcuser" description:"Username for bitcoind RPC"`
	RPCPass string `long:"bitcoind.rpcpass" default-mask:"-" description:"Password for bitcoind RPC"`

	LogDir       string        `long:"logdir" description:"Directory to log output"`
	MaxLogFiles  int           `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogSize   int           `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel   string        `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	SyncInterval time.Duration `long:"syncinterval" description:"Time between syncs of the run command"`

	FeeRate  uint64 `long:"feerate" description:"Fee rate in sat/vB used when a command does not set one"`
	Strategy string `long:"strategy" description:"Coin selection strategy" choice:"largest" choice:"oldest" choice:"bnb"`
	Dust     int64  `long:"dust" description:"Change below this amount in satoshis is paid to fees (0 uses the relay dust limit)"`

	chainParams *chaincfg.Params
	scope       waddrmgr.KeyScope
}

// defaultConfig returns the config with every default filled in.
func defaultConfig() config {
	return config{
		AppDataDir:   defaultAppDataDir,
		Network:      "mainnet",
		Scope:        "bip84",
		Lookahead:    waddrmgr.DefaultLookahead,
		DBBackend:    string(wallet.BackendSQLite),
		LogDir:       defaultLogDir,
		MaxLogFiles:  defaultMaxLogFiles,
		MaxLogSize:   defaultMaxLogSize,
		DebugLevel:   defaultLogLevel,
		SyncInterval: wallet.DefaultSyncInterval,
		FeeRate:      1,
		Strategy:     "largest",
	}
}

// newParser returns the option parser over cfg. Values already set in cfg
// are shown as the defaults in the help output.
func newParser(cfg *config) *flags.Parser {
	return flags.NewParser(cfg, flags.Default)
}

// validate checks the parsed options and resolves the derived fields.
func (c *config) validate() error {
	params, err := networkParams(c.Network)
	if err != nil {
		return err
	}
	c.chainParams = params

	switch c.Scope {
	case "bip84":
		c.scope = waddrmgr.KeyScopeBIP0084

	case "bip86":
		c.scope = waddrmgr.KeyScopeBIP0086

	default:
		return fmt.Errorf("unknown scope %q", c.Scope)
	}

	if c.AccountXpub == "" {
		return errors.New("--xpub is required")
	}

	if c.MasterFingerprint != "" {
		if _, err := c.fingerprint(); err != nil {
			return err
		}
	}

	if c.Lookahead == 0 {
		return errors.New("--lookahead must be positive")
	}

	if c.RPCHost == "" {
		return errors.New("--bitcoind.rpchost is required")
	}

	c.AppDataDir = cleanAndExpandPath(c.AppDataDir)
	c.LogDir = filepath.Join(cleanAndExpandPath(c.LogDir), c.Network)

	switch wallet.DBBackend(c.DBBackend) {
	case wallet.BackendBdb, wallet.BackendSQLite:
		if c.DBPath == "" {
			c.DBPath = filepath.Join(
				c.AppDataDir, c.Network,
				c.DBBackend+"-"+defaultDBFilename,
			)
		}
		c.DBPath = cleanAndExpandPath(c.DBPath)

		err := os.MkdirAll(filepath.Dir(c.DBPath), 0o700)
		if err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}

	case wallet.BackendPostgres:
		if c.DBDSN == "" {
			return errors.New("--db.dsn is required for postgres")
		}
	}

	if c.FeeRate == 0 {
		return errors.New("--feerate must be positive")
	}

	if c.Dust < 0 {
		return errors.New("--dust cannot be negative")
	}

	return nil
}

// fingerprint parses the master key fingerprint option.
func (c *config) fingerprint() (uint32, error) {
	fp, err := strconv.ParseUint(
		strings.TrimPrefix(c.MasterFingerprint, "0x"), 16, 32,
	)
	if err != nil {
		return 0, fmt.Errorf("invalid master fingerprint %q: %w",
			c.MasterFingerprint, err)
	}

	return uint32(fp), nil
}

// feeRate returns the default fee rate option as a weight rate.
func (c *config) feeRate() btcunit.SatPerKWeight {
	return btcunit.NewSatPerVByte(btcutil.Amount(c.FeeRate))
}

// strategy returns the configured coin selection strategy.
func (c *config) strategy() coinselect.Strategy {
	switch c.Strategy {
	case "oldest":
		return coinselect.CoinSelectionOldest

	case "bnb":
		return &coinselect.BranchAndBound{}

	default:
		return coinselect.CoinSelectionLargest
	}
}

// networkParams maps a network name to its chain parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet3":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}

	return nil, fmt.Errorf("unknown network %q", network)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
