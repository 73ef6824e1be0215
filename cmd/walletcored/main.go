// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wallet"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
)

func main() {
	if err := walletMain(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		os.Exit(1)
	}
}

// walletMain parses the command line and runs the selected command.
func walletMain() error {
	cfg := defaultConfig()
	parser := newParser(&cfg)
	registerCommands(parser, &cfg)

	// Logging is set up between option parsing and the command itself.
	parser.CommandHandler = func(command flags.Commander,
		args []string) error {

		if command == nil {
			return errors.New("no command given")
		}

		if err := cfg.validate(); err != nil {
			return err
		}

		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		err := initLogRotator(logFile, cfg.MaxLogSize, cfg.MaxLogFiles)
		if err != nil {
			return err
		}
		defer logRotator.Close()

		if err := setLogLevels(cfg.DebugLevel); err != nil {
			return err
		}

		err = command.Execute(args)
		if err != nil {
			log.Errorf("Command failed: %v", err)
		}

		return err
	}

	_, err := parser.Parse()

	return err
}

// withWallet opens the database, connects the chain source, loads the
// wallet and hands it to f. Everything is closed again when f returns or
// the process is interrupted.
func withWallet(cfg *config,
	f func(ctx context.Context, w *wallet.Wallet) error) error {

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	var providerOpts []waddrmgr.ProviderOption
	if cfg.MasterFingerprint != "" {
		fp, err := cfg.fingerprint()
		if err != nil {
			return err
		}
		providerOpts = append(
			providerOpts, waddrmgr.WithMasterFingerprint(fp),
		)
	}

	provider, err := waddrmgr.NewProvider(
		cfg.chainParams, cfg.scope, cfg.AccountXpub, cfg.Lookahead,
		providerOpts...,
	)
	if err != nil {
		return fmt.Errorf("unable to parse account key: %w", err)
	}

	source, err := chain.NewBitcoindSource(chain.BitcoindConfig{
		Host:           cfg.RPCHost,
		User:           cfg.RPCUser,
		Pass:           cfg.RPCPass,
		ChainParams:    cfg.chainParams,
		BirthdayHeight: cfg.BirthdayHeight,
	})
	if err != nil {
		return fmt.Errorf("unable to create chain source: %w", err)
	}
	defer source.Stop()

	persister, err := wallet.OpenDB(ctx, wallet.DBConfig{
		Backend: wallet.DBBackend(cfg.DBBackend),
		Path:    cfg.DBPath,
		DSN:     cfg.DBDSN,
	})
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}

	changeDust := fn.None[btcutil.Amount]()
	if cfg.Dust > 0 {
		changeDust = fn.Some(btcutil.Amount(cfg.Dust))
	}

	w, err := wallet.New(wallet.Config{
		ChainParams:     cfg.chainParams,
		ChainSource:     source,
		Persister:       persister,
		Provider:        provider,
		FeeRate:         cfg.feeRate(),
		ChangeDust:      changeDust,
		DefaultStrategy: cfg.strategy(),
		SyncInterval:    cfg.SyncInterval,
	})
	if err != nil {
		persister.Close()
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Errorf("Unable to close database: %v", err)
		}
	}()

	if err := w.Load(ctx); err != nil {
		return err
	}

	log.Infof("Loaded %v wallet on %s, synced to %v", cfg.scope,
		cfg.chainParams.Name, describeSync(w.SyncedTo()))

	return f(ctx, w)
}
