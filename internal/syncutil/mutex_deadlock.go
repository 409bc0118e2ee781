//go:build deadlock

// Package syncutil wraps the mutexes used by the session and emulator so a
// build with -tags deadlock swaps in go-deadlock's detecting versions.
package syncutil

import (
	"sync"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	// No lock is ever held across a device wait.
	deadlock.Opts.DeadlockTimeout = 10 * time.Second
}

// Mutex is deadlock.Mutex under the deadlock build.
type Mutex struct {
	deadlock.Mutex
}

// NewCond returns a condition variable bound to m.
func NewCond(m *Mutex) *sync.Cond {
	return sync.NewCond(m)
}
