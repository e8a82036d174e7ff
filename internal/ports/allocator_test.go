// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUniquePorts(t *testing.T) {
	a, err := NewAllocator(9222, 9224)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		port, err := a.Acquire("s")
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d handed out twice", port)
		assert.GreaterOrEqual(t, port, 9222)
		assert.LessOrEqual(t, port, 9224)
		seen[port] = true
	}
}

func TestAcquireExhausted(t *testing.T) {
	a, err := NewAllocator(9222, 9223)
	require.NoError(t, err)

	_, err = a.Acquire("a")
	require.NoError(t, err)
	_, err = a.Acquire("b")
	require.NoError(t, err)

	_, err = a.Acquire("c")
	assert.ErrorIs(t, err, ErrPortsExhausted)
}

func TestReleaseMakesPortReusable(t *testing.T) {
	a, err := NewAllocator(9222, 9222)
	require.NoError(t, err)

	port, err := a.Acquire("a")
	require.NoError(t, err)

	_, err = a.Acquire("b")
	require.ErrorIs(t, err, ErrPortsExhausted)

	a.Release(port)
	again, err := a.Acquire("b")
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestReleaseIdempotent(t *testing.T) {
	a, err := NewAllocator(9222, 9223)
	require.NoError(t, err)

	port, err := a.Acquire("a")
	require.NoError(t, err)

	// Double release must be a no-op, not free someone else's lease.
	a.Release(port)
	a.Release(port)
	a.Release(99999)

	assert.Equal(t, 0, a.Leased())

	p1, err := a.Acquire("b")
	require.NoError(t, err)
	p2, err := a.Acquire("c")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestNewAllocatorValidation(t *testing.T) {
	_, err := NewAllocator(9300, 9222)
	assert.Error(t, err)
	_, err = NewAllocator(0, 10)
	assert.Error(t, err)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	a, err := NewAllocator(9222, 9321)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	held := make(map[int]bool)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Acquire("s")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			if held[port] {
				t.Errorf("port %d leased twice concurrently", port)
			}
			held[port] = true
			mu.Unlock()

			a.Release(port)

			mu.Lock()
			delete(held, port)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, a.Leased())
}
