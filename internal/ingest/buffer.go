// Package ingest holds the in-memory record buffer shared by the feed and the persist pipeline.
package ingest

import (
	"sync"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
)

// Buffer is an unbounded, append-only sequence of records safe for concurrent use.
// Records are never evicted.
type Buffer struct {
	mu      sync.RWMutex
	entries []records.Record
}

// NewBuffer constructs an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds a record to the end of the buffer.
func (b *Buffer) Append(record records.Record) {
	b.mu.Lock()
	b.entries = append(b.entries, record)
	b.mu.Unlock()
}

// Snapshot returns an independent copy of the buffered records in arrival order.
func (b *Buffer) Snapshot() []records.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return nil
	}
	copied := make([]records.Record, len(b.entries))
	copy(copied, b.entries)
	return copied
}

// Len reports the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
