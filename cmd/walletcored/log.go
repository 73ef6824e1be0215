// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/walletcore/chain"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wallet"
	"github.com/btcsuite/walletcore/wallet/coinselect"
	"github.com/btcsuite/walletcore/wallet/reconciler"
	"github.com/btcsuite/walletcore/wallet/txbuilder"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers. The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("WCRD")
	wlltLog = backendLog.Logger("WLLT")
	tmgrLog = backendLog.Logger("TMGR")
	rconLog = backendLog.Logger("RCON")
	cselLog = backendLog.Logger("CSEL")
	txblLog = backendLog.Logger("TXBL")
	chioLog = backendLog.Logger("CHIO")
	amgrLog = backendLog.Logger("AMGR")
	wldbLog = backendLog.Logger("WLDB")
	rpccLog = backendLog.Logger("RPCC")
)

// Initialize package-global logger variables.
func init() {
	wallet.UseLogger(wlltLog)
	wallet.UseDBLogger(wldbLog)
	wtxmgr.UseLogger(tmgrLog)
	reconciler.UseLogger(rconLog)
	coinselect.UseLogger(cselLog)
	txbuilder.UseLogger(txblLog)
	chain.UseLogger(chioLog)
	waddrmgr.UseLogger(amgrLog)
	rpcclient.UseLogger(rpccLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"WCRD": log,
	"WLLT": wlltLog,
	"TMGR": tmgrLog,
	"RCON": rconLog,
	"CSEL": cselLog,
	"TXBL": txblLog,
	"CHIO": chioLog,
	"AMGR": amgrLog,
	"WLDB": wldbLog,
	"RPCC": rpccLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxSizeMB, maxFiles int) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0o700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r

	return nil
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, level btclog.Level) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level. An unknown level is an error.
func setLogLevels(logLevel string) error {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		return fmt.Errorf("invalid debug level %q", logLevel)
	}

	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, level)
	}

	return nil
}
