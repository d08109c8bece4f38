package audit

import (
	"context"
	"sort"
	"sync"
)

// MemorySink keeps records in process. It backs the memory storage mode and
// tests; FailWith simulates an outage.
type MemorySink struct {
	mu      sync.RWMutex
	records map[string]*Record
	failErr error
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]*Record)}
}

// FailWith makes every Write fail with err until called again with nil
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Write stores rec once per id
func (m *MemorySink) Write(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	if _, ok := m.records[rec.ID]; !ok {
		cp := *rec
		m.records[rec.ID] = &cp
	}
	return nil
}

// Len returns the number of stored records
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Search returns matching records in id order
func (m *MemorySink) Search(_ context.Context, filter Filter) ([]*Record, error) {
	m.mu.RLock()
	out := make([]*Record, 0)
	for _, rec := range m.records {
		if filter.Matches(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	limit := filter.Limit
	if limit <= 0 || limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stream calls fn for every matching record in id order
func (m *MemorySink) Stream(ctx context.Context, filter Filter, fn func(*Record) error) error {
	return streamPages(ctx, m.Search, DefaultPageSize, filter, fn)
}

// MemorySpool is a process-local Spool. It does not survive restarts and is
// meant for the memory storage mode and tests.
type MemorySpool struct {
	mu      sync.Mutex
	entries []SpoolEntry
	dead    []SpoolEntry
	failErr error
}

// NewMemorySpool creates an empty in-memory spool
func NewMemorySpool() *MemorySpool {
	return &MemorySpool{}
}

// FailWith makes every Push fail with err until called again with nil
func (m *MemorySpool) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Push appends rec
func (m *MemorySpool) Push(_ context.Context, rec *Record) error {
	payload, err := encodeEntry(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.entries = append(m.entries, SpoolEntry{Payload: payload})
	return nil
}

// Peek returns up to n entries from the head
func (m *MemorySpool) Peek(_ context.Context, n int) ([]SpoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.entries) {
		n = len(m.entries)
	}
	return append([]SpoolEntry(nil), m.entries[:n]...), nil
}

// Ack removes entry if it is still the head
func (m *MemorySpool) Ack(_ context.Context, entry SpoolEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 && m.entries[0].Payload == entry.Payload {
		m.entries = m.entries[1:]
	}
	return nil
}

// DeadLetter moves entry from the head to the dead letter list
func (m *MemorySpool) DeadLetter(_ context.Context, entry SpoolEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 && m.entries[0].Payload == entry.Payload {
		m.entries = m.entries[1:]
		m.dead = append(m.dead, entry)
	}
	return nil
}

// Len returns the number of queued entries
func (m *MemorySpool) Len(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}
