package journal

import (
	"context"
	"sync"
)

// Sink stores journal entries. Implementations chain entries themselves so
// the sequence and hash reflect the stored order.
type Sink interface {
	// Name identifies the sink in metrics and logs
	Name() string

	// Initialize loads the chain head
	Initialize(ctx context.Context) error

	// Append seals and stores entry
	Append(ctx context.Context, entry *Entry) error

	// List returns the newest entries first
	List(ctx context.Context, filter Filter) ([]*Entry, error)

	// Verify checks the whole chain, oldest first
	Verify(ctx context.Context) (*VerifyResult, error)
}

var (
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*KurrentSink)(nil)
	_ Sink = (*PostgresSink)(nil)
)

// MemorySink keeps the journal in process. It is used when no durable sink
// is configured.
type MemorySink struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemorySink creates an empty in-process journal.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Initialize(context.Context) error { return nil }

func (m *MemorySink) Append(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := ""
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].Hash
	}
	chain(entry, prev, int64(len(m.entries))+1)
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemorySink) List(_ context.Context, filter Filter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Entry{}
	for i := len(m.entries) - 1; i >= 0 && len(out) < filter.limit(); i-- {
		if filter.matches(m.entries[i]) {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemorySink) Verify(context.Context) (*VerifyResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return verifyEntries(m.entries), nil
}
