// Package doccache keeps one CRDT store per content id in memory, hydrates it lazily from
// the persistence bridge, flushes dirty documents back periodically and evicts idle ones.
package doccache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astromechza/wavesync/pkg/crdt"
	"github.com/astromechza/wavesync/pkg/persist"
)

type Options struct {
	// TTL is how long an unreferenced entry may stay idle before the sweep evicts it.
	TTL           time.Duration
	FlushInterval time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 10 * time.Minute
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	store      *crdt.Store
	lastAccess time.Time
	refCount   int
	dirty      bool
	version    uint64
	hydrated   bool
}

// Cache is the single owner of server side CRDT stores.
type Cache struct {
	bridge persist.Bridge
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	hydrating singleflight.Group
	flushMu   sync.Mutex
}

func New(bridge persist.Bridge, opts Options) *Cache {
	opts.defaults()
	return &Cache{
		bridge:  bridge,
		opts:    opts,
		logger:  opts.Logger,
		entries: make(map[string]*entry),
	}
}

// entryLocked returns the entry for id, creating it if needed, and refreshes its access time.
func (c *Cache) entryLocked(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{store: crdt.New()}
		c.entries[id] = e
	}
	e.lastAccess = c.opts.Now()
	return e
}

// GetOrCreate returns the store for id, creating an empty one if absent.
func (c *Cache) GetOrCreate(id string) *crdt.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entryLocked(id).store
}

// Lookup returns the store for id without creating it.
func (c *Cache) Lookup(id string) (*crdt.Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	e.lastAccess = c.opts.Now()
	return e.store, true
}

func (c *Cache) AddRef(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(id).refCount++
}

// RemoveRef decrements the reference count of id, never below zero.
func (c *Cache) RemoveRef(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.lastAccess = c.opts.Now()
	if e.refCount > 0 {
		e.refCount--
	}
}

// RefCount reports the current reference count of id, 0 when unknown.
func (c *Cache) RefCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.refCount
	}
	return 0
}

// ApplyUpdate merges update into the document for id, creating it if needed, and marks it
// dirty. It does not broadcast.
func (c *Cache) ApplyUpdate(id string, update []byte, origin string) error {
	c.mu.Lock()
	e := c.entryLocked(id)
	c.mu.Unlock()

	if err := e.store.Apply(update, origin); err != nil {
		return fmt.Errorf("failed to apply update to %s: %w", id, err)
	}

	c.mu.Lock()
	e.dirty = true
	e.version++
	c.mu.Unlock()
	return nil
}

// EncodeFullState returns the complete encoded state of id; ok is false for unknown ids.
// An empty document yields an empty payload.
func (c *Cache) EncodeFullState(id string) (state []byte, ok bool) {
	store, ok := c.Lookup(id)
	if !ok {
		return nil, false
	}
	return store.Encode(), true
}

// EncodeDiff returns the changes a peer with remoteStateVector is missing; ok is false for
// unknown ids.
func (c *Cache) EncodeDiff(id string, remoteStateVector []byte) (diff []byte, ok bool, err error) {
	store, ok := c.Lookup(id)
	if !ok {
		return nil, false, nil
	}
	diff, err = store.EncodeDiff(remoteStateVector)
	if err != nil {
		return nil, true, fmt.Errorf("failed to encode diff for %s: %w", id, err)
	}
	return diff, true, nil
}

// Hydrate loads the persisted snapshot and stored updates for id the first time it is
// called for an entry. Later calls are no-ops. Concurrent calls for the same id share one
// load. On error the document is left as it is and the next call tries again.
func (c *Cache) Hydrate(ctx context.Context, id string) error {
	c.mu.Lock()
	e := c.entryLocked(id)
	done := e.hydrated
	c.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := c.hydrating.Do(id, func() (interface{}, error) {
		c.mu.Lock()
		done := e.hydrated
		c.mu.Unlock()
		if done {
			return nil, nil
		}

		loaded, err := persist.Load(ctx, c.bridge, id)
		if err != nil && !errors.Is(err, persist.ErrNotFound) {
			return nil, err
		}
		if err := e.store.Apply(loaded.Snapshot, crdt.OriginStorage); err != nil {
			return nil, fmt.Errorf("failed to apply snapshot: %w", err)
		}
		for _, u := range loaded.Updates {
			if err := e.store.Apply(u, crdt.OriginStorage); err != nil {
				return nil, fmt.Errorf("failed to apply stored update: %w", err)
			}
		}

		c.mu.Lock()
		e.hydrated = true
		c.mu.Unlock()
		c.logger.Debug("hydrated", "doc", id, "changes", e.store.Len(), "updates", len(loaded.Updates))
		return nil, nil
	})
	if err != nil {
		c.logger.Error("failed to hydrate", "doc", id, "err", err)
		return fmt.Errorf("failed to hydrate %s: %w", id, err)
	}
	return nil
}

type FlushResult struct {
	Flushed int
	Failed  int
}

// FlushDirty writes every dirty document to the bridge as a base64 snapshot. Before each
// write the stored snapshot and updates are merged in, and the merged updates are trimmed
// once the snapshot is stored. Entries that fail stay dirty for the next call; so do
// entries updated while their write was in flight.
func (c *Cache) FlushDirty(ctx context.Context) FlushResult {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	type pending struct {
		id      string
		e       *entry
		version uint64
	}
	c.mu.Lock()
	work := make([]pending, 0)
	for id, e := range c.entries {
		if e.dirty {
			work = append(work, pending{id: id, e: e, version: e.version})
		}
	}
	c.mu.Unlock()
	sort.Slice(work, func(i, j int) bool { return work[i].id < work[j].id })

	var res FlushResult
	for _, p := range work {
		// never overwrite stored state the document has not merged
		lastSeq, err := c.mergeStored(ctx, p.id, p.e)
		if err != nil {
			c.logger.Error("failed to merge stored state", "doc", p.id, "err", err)
			res.Failed++
			continue
		}
		content := base64.StdEncoding.EncodeToString(p.e.store.Encode())
		if err := c.bridge.PutSnapshot(ctx, p.id, content); err != nil {
			c.logger.Error("failed to backup doc", "doc", p.id, "err", err)
			res.Failed++
			continue
		}
		if lastSeq > 0 {
			if err := c.bridge.TrimUpdates(ctx, p.id, lastSeq); err != nil {
				c.logger.Warn("failed to trim stored updates", "doc", p.id, "through", lastSeq, "err", err)
			}
		}
		c.mu.Lock()
		if p.e.version == p.version {
			p.e.dirty = false
		}
		c.mu.Unlock()
		c.logger.Debug("backed up", "doc", p.id, "heads", len(p.e.store.Heads()))
		res.Flushed++
	}
	return res
}

// mergeStored applies the stored snapshot and every stored update to e and returns the
// sequence number of the last update applied. Merging is idempotent, so state the entry
// already holds is harmless to apply again.
func (c *Cache) mergeStored(ctx context.Context, id string, e *entry) (int64, error) {
	loaded, err := persist.Load(ctx, c.bridge, id)
	if errors.Is(err, persist.ErrNotFound) {
		c.mu.Lock()
		e.hydrated = true
		c.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := e.store.Apply(loaded.Snapshot, crdt.OriginStorage); err != nil {
		return 0, fmt.Errorf("failed to apply snapshot: %w", err)
	}
	for _, u := range loaded.Updates {
		if err := e.store.Apply(u, crdt.OriginStorage); err != nil {
			return 0, fmt.Errorf("failed to apply stored update: %w", err)
		}
	}
	c.mu.Lock()
	e.hydrated = true
	c.mu.Unlock()
	return loaded.LastSeq, nil
}

// SweepIdle evicts unreferenced entries idle for longer than the TTL and returns their ids.
// Dirty entries are kept until a flush has persisted them.
func (c *Cache) SweepIdle() []string {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var evicted []string
	for id, e := range c.entries {
		if e.refCount > 0 || now.Sub(e.lastAccess) <= c.opts.TTL {
			continue
		}
		if e.dirty {
			c.logger.Debug("keeping idle dirty doc", "doc", id)
			continue
		}
		delete(c.entries, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

type Stats struct {
	Entries    int
	Dirty      int
	Referenced int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	s.Entries = len(c.entries)
	for _, e := range c.entries {
		if e.dirty {
			s.Dirty++
		}
		if e.refCount > 0 {
			s.Referenced++
		}
	}
	return s
}

// Run drives periodic flushes and sweeps until ctx is cancelled, then flushes once more.
func (c *Cache) Run(ctx context.Context) error {
	flush := time.NewTicker(c.opts.FlushInterval)
	defer flush.Stop()
	sweep := time.NewTicker(c.opts.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-flush.C:
			if res := c.FlushDirty(ctx); res.Flushed > 0 || res.Failed > 0 {
				c.logger.Info("flushed", "flushed", res.Flushed, "failed", res.Failed)
			}
		case <-sweep.C:
			if evicted := c.SweepIdle(); len(evicted) > 0 {
				c.logger.Info("evicted idle docs", "count", len(evicted))
			}
		case <-ctx.Done():
			return c.Close(context.WithoutCancel(ctx))
		}
	}
}

// Close performs a final flush with a bounded deadline.
func (c *Cache) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if res := c.FlushDirty(ctx); res.Failed > 0 {
		return fmt.Errorf("failed to flush %d docs on close", res.Failed)
	}
	return nil
}
