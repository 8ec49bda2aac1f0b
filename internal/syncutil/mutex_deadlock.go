// mutex_deadlock.go swaps the state locks for go-deadlock implementations.
// Build with -tags=deadlock to get lock-order and timeout reports while
// debugging the polling loops.

//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DeadlockEnabled reports whether the deadlock detector is compiled in.
const DeadlockEnabled = true

func init() {
	deadlock.Opts.DeadlockTimeout = time.Minute
}

// Mutex is a mutual exclusion lock with deadlock detection.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is a reader/writer lock with deadlock detection.
type RWMutex struct {
	deadlock.RWMutex
}
