//go:build !deadlock

// Package syncutil wraps the mutexes used by the session and emulator so a
// build with -tags deadlock swaps in go-deadlock's detecting versions.
package syncutil

import "sync"

// Mutex is sync.Mutex under the default build.
type Mutex struct {
	sync.Mutex
}

// NewCond returns a condition variable bound to m.
func NewCond(m *Mutex) *sync.Cond {
	return sync.NewCond(m)
}
