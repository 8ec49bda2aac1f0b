// Package syncutil provides the mutex types used by shared daemon state.
// The default build uses the standard library; -tags=deadlock swaps in
// go-deadlock for development.

//go:build !deadlock

package syncutil

import "sync"

// DeadlockEnabled reports whether the deadlock detector is compiled in.
const DeadlockEnabled = false

// Mutex is a mutual exclusion lock.
type Mutex struct {
	sync.Mutex
}

// RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	sync.RWMutex
}
