// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ports hands out remote-debugging ports from a bounded range.
//
// The allocator is the single source of truth for port availability: a port
// is never handed out twice while leased, and a lease survives until Release
// is called explicitly. Release is idempotent so the crash path and an
// overlapping delete can both run it without error.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

var ErrPortsExhausted = errors.New("no free ports in range")

// Allocator tracks port leases over a fixed inclusive range [low, high].
type Allocator struct {
	mu     sync.Mutex
	low    int
	high   int
	leased map[int]string // port -> session id holding the lease
}

func NewAllocator(low, high int) (*Allocator, error) {
	if low <= 0 || high < low {
		return nil, fmt.Errorf("invalid port range %d-%d", low, high)
	}
	return &Allocator{
		low:    low,
		high:   high,
		leased: make(map[int]string),
	}, nil
}

// Acquire leases the lowest free port in the range to the given session.
// The scan and the lease update happen under one lock so two sessions can
// never race onto the same port.
func (a *Allocator) Acquire(sessionID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.low; port <= a.high; port++ {
		if _, taken := a.leased[port]; !taken {
			a.leased[port] = sessionID
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w %d-%d", ErrPortsExhausted, a.low, a.high)
}

// Release returns a leased port to the free set. Releasing a port that is
// already free (or outside the range) is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// Leased reports how many ports are currently leased.
func (a *Allocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

// Range returns the configured inclusive port range.
func (a *Allocator) Range() (low, high int) {
	return a.low, a.high
}
