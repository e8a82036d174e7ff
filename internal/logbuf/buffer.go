// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package logbuf holds the per-session monitoring log: an append-only,
// size-bounded, sequence-ordered window of protocol events.
package logbuf

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Entry is one ingested monitoring event. Entries are immutable after append.
type Entry struct {
	Seq        uint64          `json:"seq"`
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Buffer is a bounded FIFO of entries with a per-session monotonic sequence.
// Sequence numbers are assigned at ingestion, so the order they establish is
// independent of reader timing. Once the cap is reached the oldest entry is
// evicted on each append.
type Buffer struct {
	mu      sync.Mutex
	clock   clock.Clock
	cap     int
	entries []Entry
	nextSeq uint64
}

func NewBuffer(capacity int) *Buffer {
	return NewBufferWithClock(capacity, clock.New())
}

func NewBufferWithClock(capacity int, c clock.Clock) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		clock:   c,
		cap:     capacity,
		entries: make([]Entry, 0, capacity),
		nextSeq: 1,
	}
}

// Append ingests one event. Implements the tailer's sink contract.
func (b *Buffer) Append(category string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.cap {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, Entry{
		Seq:        b.nextSeq,
		Category:   category,
		Payload:    payload,
		ReceivedAt: b.clock.Now(),
	})
	b.nextSeq++
}

// Since returns all retained entries with sequence number greater than seq,
// in ascending order. A seq at or beyond the newest entry yields an empty
// slice. The result is a copy; repeated reads are stable.
func (b *Buffer) Since(seq uint64) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := len(b.entries)
	for i, e := range b.entries {
		if e.Seq > seq {
			start = i
			break
		}
	}
	out := make([]Entry, len(b.entries)-start)
	copy(out, b.entries[start:])
	return out
}

// Tail returns the newest n entries in ascending order. n <= 0 returns all
// retained entries.
func (b *Buffer) Tail(n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	if n > 0 && len(b.entries) > n {
		start = len(b.entries) - n
	}
	out := make([]Entry, len(b.entries)-start)
	copy(out, b.entries[start:])
	return out
}

// Len reports how many entries are currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// LastSeq returns the sequence number of the newest entry, or 0 if empty.
func (b *Buffer) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}
