// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrWalletAlreadyStarted is returned when Run is called while the
	// sync loop is already running.
	ErrWalletAlreadyStarted = errors.New("wallet already started")

	// ErrWalletAlreadyLoaded is returned when Load is called twice.
	ErrWalletAlreadyLoaded = errors.New("wallet already loaded")
)

// lifecycle represents the lifecycle state of the wallet's sync loop.
type lifecycle uint32

const (
	// lifecycleStopped indicates the sync loop is not running.
	lifecycleStopped lifecycle = iota

	// lifecycleStarted indicates the sync loop is running.
	lifecycleStarted

	// lifecycleStopping indicates the sync loop is shutting down.
	lifecycleStopping
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "stopped"

	case lifecycleStarted:
		return "started"

	case lifecycleStopping:
		return "stopping"

	default:
		return "unknown lifecycle state"
	}
}

// walletState tracks the sync loop and whether the stored state has been
// loaded. Both are read without the wallet lock.
type walletState struct {
	lifecycle atomic.Uint32
	loaded    atomic.Bool
}

// String returns a summary of the wallet's state.
func (s *walletState) String() string {
	return fmt.Sprintf("status=%v, loaded=%v",
		lifecycle(s.lifecycle.Load()), s.loaded.Load())
}

// toStarted marks the sync loop as running. It fails if it already runs.
func (s *walletState) toStarted() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarted)) {

		return fmt.Errorf("%w: current state is %v",
			ErrWalletAlreadyStarted, lifecycle(s.lifecycle.Load()))
	}

	return nil
}

// toStopping marks the sync loop as shutting down.
func (s *walletState) toStopping() {
	s.lifecycle.Store(uint32(lifecycleStopping))
}

// toStopped marks the sync loop as stopped.
func (s *walletState) toStopped() {
	s.lifecycle.Store(uint32(lifecycleStopped))
}

// isRunning reports whether the sync loop is running.
func (s *walletState) isRunning() bool {
	return lifecycle(s.lifecycle.Load()) == lifecycleStarted
}

// toLoaded marks the stored state as loaded. It fails on a second call.
func (s *walletState) toLoaded() error {
	if !s.loaded.CompareAndSwap(false, true) {
		return ErrWalletAlreadyLoaded
	}

	return nil
}
