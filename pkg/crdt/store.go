// Package crdt wraps a single automerge document behind the small surface the rest of the
// system relies on: apply an update, encode the full state, and encode the diff a remote
// replica is missing given its state vector.
package crdt

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/automerge/automerge-go"
)

// Origin tags passed to Apply and reported to observers.
const (
	OriginLocal   = "local"
	OriginRemote  = "remote"
	OriginStorage = "storage"
)

// UpdateFunc observes every update applied to a Store.
type UpdateFunc func(delta []byte, origin string)

// Store owns one mergeable document. All methods are safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	known     map[automerge.ChangeHash]struct{}
	observers []UpdateFunc
}

func New() *Store {
	return &Store{
		doc:   automerge.New(),
		known: make(map[automerge.ChangeHash]struct{}),
	}
}

// Load builds a Store from a full encoded state as returned by Encode.
func Load(raw []byte) (*Store, error) {
	s := New()
	if err := s.Apply(raw, OriginStorage); err != nil {
		return nil, err
	}
	return s, nil
}

// OnUpdate registers an observer called after every successful Apply or Change.
func (s *Store) OnUpdate(fn UpdateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Apply merges an update (a set of encoded changes or a full encoded state) into the
// document. Applying the same update twice is a no-op.
func (s *Store) Apply(update []byte, origin string) error {
	if len(update) == 0 {
		return nil
	}
	s.mu.Lock()
	before := s.doc.Heads()
	if err := s.doc.LoadIncremental(update); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to apply update: %w", err)
	}
	changed := s.trackLocked(before)
	observers := append([]UpdateFunc(nil), s.observers...)
	s.mu.Unlock()

	if changed {
		for _, fn := range observers {
			fn(update, origin)
		}
	}
	return nil
}

// Change runs a local mutation against the document and returns the encoded delta it
// produced, or nil when the mutation did not change anything.
func (s *Store) Change(fn func(doc *automerge.Doc) error) ([]byte, error) {
	s.mu.Lock()
	before := s.doc.Heads()
	if err := fn(s.doc); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	delta, err := s.changesSinceLocked(before)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.trackLocked(before)
	observers := append([]UpdateFunc(nil), s.observers...)
	s.mu.Unlock()

	if len(delta) > 0 {
		for _, fn := range observers {
			fn(delta, OriginLocal)
		}
	}
	return delta, nil
}

// Encode returns the complete encoded state. An empty document encodes to nil so callers
// can distinguish "no prior state" from content.
func (s *Store) Encode() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encodeLocked()
}

func (s *Store) encodeLocked() []byte {
	if len(s.known) == 0 && len(s.doc.Heads()) == 0 {
		return nil
	}
	return s.doc.Save()
}

// EncodeDiff returns the changes a replica summarised by stateVector is missing. An empty
// vector yields the full state. Hashes this document has never seen are ignored, which can
// only make the diff larger than necessary.
func (s *Store) EncodeDiff(stateVector []byte) ([]byte, error) {
	remote, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	have := make([]automerge.ChangeHash, 0, len(remote))
	for _, h := range remote {
		if _, ok := s.known[h]; ok {
			have = append(have, h)
		}
	}
	if len(have) == 0 {
		return s.encodeLocked(), nil
	}
	return s.changesSinceLocked(have)
}

// StateVector summarises which changes this replica has seen.
func (s *Store) StateVector() []byte {
	return EncodeStateVector(s.Heads())
}

// Heads returns the current head hashes in a stable order.
func (s *Store) Heads() []automerge.ChangeHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	heads := s.doc.Heads()
	sort.Slice(heads, func(i, j int) bool {
		return bytes.Compare(heads[i][:], heads[j][:]) < 0
	})
	return heads
}

// IsEmpty reports whether no operation has ever been applied.
func (s *Store) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known) == 0 && len(s.doc.Heads()) == 0
}

// Len is the number of distinct changes in the document.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known)
}

// View runs fn with exclusive read access to the underlying document.
func (s *Store) View(fn func(doc *automerge.Doc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.doc)
}

// Fork returns an independent copy of the document.
func (s *Store) Fork() (*automerge.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	return doc, nil
}

func (s *Store) changesSinceLocked(since []automerge.ChangeHash) ([]byte, error) {
	changes, err := s.doc.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	var buff bytes.Buffer
	for _, c := range changes {
		buff.Write(c.Save())
	}
	return buff.Bytes(), nil
}

// trackLocked records the hashes of changes added since before and reports whether any
// were new.
func (s *Store) trackLocked(before []automerge.ChangeHash) bool {
	changes, err := s.doc.Changes(before...)
	if err != nil {
		changes, err = s.doc.Changes()
		if err != nil {
			return true
		}
	}
	added := false
	for _, c := range changes {
		if _, ok := s.known[c.Hash()]; !ok {
			s.known[c.Hash()] = struct{}{}
			added = true
		}
	}
	return added
}
