package persist

import (
	"context"
	"sort"
	"sync"
)

type memoryDoc struct {
	snapshot string
	hasSnap  bool
	updates  []Update
	nextSeq  int64
}

// MemoryBridge keeps everything in process memory.
type MemoryBridge struct {
	mu   sync.Mutex
	docs map[string]*memoryDoc
	fail error
	puts int
}

func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{docs: make(map[string]*memoryDoc)}
}

func (m *MemoryBridge) doc(docID string) *memoryDoc {
	d, ok := m.docs[docID]
	if !ok {
		d = &memoryDoc{}
		m.docs[docID] = d
	}
	return d
}

func (m *MemoryBridge) GetSnapshot(_ context.Context, docID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Snapshot{}, m.fail
	}
	d, ok := m.docs[docID]
	if !ok || (!d.hasSnap && len(d.updates) == 0) {
		return Snapshot{}, ErrNotFound
	}
	return Snapshot{SnapshotBase64: d.snapshot, NextSeq: max(d.nextSeq, 1)}, nil
}

func (m *MemoryBridge) PutSnapshot(_ context.Context, docID string, snapshotBase64 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	d := m.doc(docID)
	d.snapshot = snapshotBase64
	d.hasSnap = true
	m.puts++
	return nil
}

func (m *MemoryBridge) AppendUpdate(_ context.Context, docID string, update Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	d := m.doc(docID)
	d.updates = append(d.updates, update)
	sort.Slice(d.updates, func(i, j int) bool { return d.updates[i].Seq < d.updates[j].Seq })
	if update.Seq >= d.nextSeq {
		d.nextSeq = update.Seq + 1
	}
	return nil
}

func (m *MemoryBridge) Updates(_ context.Context, docID string, fromSeq int64) ([]Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	d, ok := m.docs[docID]
	if !ok {
		return nil, nil
	}
	out := make([]Update, 0, len(d.updates))
	for _, u := range d.updates {
		if u.Seq >= fromSeq {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemoryBridge) TrimUpdates(_ context.Context, docID string, throughSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	d, ok := m.docs[docID]
	if !ok {
		return nil
	}
	kept := d.updates[:0]
	for _, u := range d.updates {
		if u.Seq > throughSeq {
			kept = append(kept, u)
		}
	}
	d.updates = kept
	return nil
}

func (m *MemoryBridge) Close() error {
	return nil
}

// SetFail makes every subsequent call return err until cleared with nil.
func (m *MemoryBridge) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// PutCount returns the number of successful PutSnapshot calls.
func (m *MemoryBridge) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
