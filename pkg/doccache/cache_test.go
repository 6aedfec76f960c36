package doccache

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"

	"github.com/astromechza/wavesync/pkg/crdt"
	"github.com/astromechza/wavesync/pkg/persist"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(bridge persist.Bridge) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(bridge, Options{TTL: time.Minute, Now: clock.Now}), clock
}

func makeUpdate(t *testing.T, key, value string) []byte {
	t.Helper()
	s := crdt.New()
	delta, err := s.Change(func(doc *automerge.Doc) error { return doc.Path(key).Set(value) })
	if err != nil {
		t.Fatalf("failed to build update: %v", err)
	}
	return delta
}

func TestRefCountNeverNegative(t *testing.T) {
	c, _ := newTestCache(persist.NewMemoryBridge())
	c.AddRef("doc")
	c.RemoveRef("doc")
	c.RemoveRef("doc")
	c.RemoveRef("unknown")
	assert.Equal(t, 0, c.RefCount("doc"))
	c.AddRef("doc")
	assert.Equal(t, 1, c.RefCount("doc"))
}

func TestEncodeUnknownAndEmpty(t *testing.T) {
	c, _ := newTestCache(persist.NewMemoryBridge())
	_, ok := c.EncodeFullState("nope")
	assert.Equal(t, false, ok)
	_, ok, err := c.EncodeDiff("nope", nil)
	assert.Equal(t, false, ok)
	assert.Equal(t, nil, err)

	c.GetOrCreate("empty")
	state, ok := c.EncodeFullState("empty")
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(state))
}

func TestApplyUpdateMarksDirtyAndFlushClears(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	c, _ := newTestCache(bridge)
	ctx := context.Background()

	assert.Equal(t, nil, c.ApplyUpdate("doc", makeUpdate(t, "a", "1"), crdt.OriginRemote))
	assert.Equal(t, 1, c.Stats().Dirty)

	res := c.FlushDirty(ctx)
	assert.Equal(t, FlushResult{Flushed: 1}, res)
	assert.Equal(t, 0, c.Stats().Dirty)

	snap, err := bridge.GetSnapshot(ctx, "doc")
	assert.Equal(t, nil, err)
	raw, err := base64.StdEncoding.DecodeString(snap.SnapshotBase64)
	assert.Equal(t, nil, err)
	restored, err := crdt.Load(raw)
	assert.Equal(t, nil, err)
	assert.Equal(t, c.GetOrCreate("doc").Heads(), restored.Heads())

	// nothing dirty, nothing written
	assert.Equal(t, FlushResult{}, c.FlushDirty(ctx))
	assert.Equal(t, 1, bridge.PutCount())
}

func TestFlushFailureStaysDirty(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	c, _ := newTestCache(bridge)
	ctx := context.Background()
	assert.Equal(t, nil, c.Hydrate(ctx, "doc"))
	assert.Equal(t, nil, c.ApplyUpdate("doc", makeUpdate(t, "a", "1"), crdt.OriginRemote))

	bridge.SetFail(errors.New("disk on fire"))
	assert.Equal(t, FlushResult{Failed: 1}, c.FlushDirty(ctx))
	assert.Equal(t, 1, c.Stats().Dirty)

	bridge.SetFail(nil)
	assert.Equal(t, FlushResult{Flushed: 1}, c.FlushDirty(ctx))
	assert.Equal(t, 0, c.Stats().Dirty)
}

type hookBridge struct {
	persist.Bridge
	onPut func()
}

func (h *hookBridge) PutSnapshot(ctx context.Context, docID string, snapshotBase64 string) error {
	if h.onPut != nil {
		h.onPut()
	}
	return h.Bridge.PutSnapshot(ctx, docID, snapshotBase64)
}

func TestUpdateDuringFlushStaysDirty(t *testing.T) {
	hb := &hookBridge{Bridge: persist.NewMemoryBridge()}
	c, _ := newTestCache(hb)
	ctx := context.Background()
	assert.Equal(t, nil, c.ApplyUpdate("doc", makeUpdate(t, "a", "1"), crdt.OriginRemote))

	late := makeUpdate(t, "b", "2")
	hb.onPut = func() {
		hb.onPut = nil
		assert.Equal(t, nil, c.ApplyUpdate("doc", late, crdt.OriginRemote))
	}
	assert.Equal(t, FlushResult{Flushed: 1}, c.FlushDirty(ctx))
	assert.Equal(t, 1, c.Stats().Dirty)
	assert.Equal(t, FlushResult{Flushed: 1}, c.FlushDirty(ctx))
	assert.Equal(t, 0, c.Stats().Dirty)
}

func TestHydrateLoadsOnce(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	ctx := context.Background()
	src := crdt.New()
	assert.Equal(t, nil, src.Apply(makeUpdate(t, "a", "1"), crdt.OriginRemote))
	assert.Equal(t, nil, bridge.PutSnapshot(ctx, "doc", base64.StdEncoding.EncodeToString(src.Encode())))

	c, _ := newTestCache(bridge)
	assert.Equal(t, nil, c.Hydrate(ctx, "doc"))
	assert.Equal(t, src.Heads(), c.GetOrCreate("doc").Heads())

	// a newer stored snapshot is not re-applied over the live document
	assert.Equal(t, nil, src.Apply(makeUpdate(t, "b", "2"), crdt.OriginRemote))
	assert.Equal(t, nil, bridge.PutSnapshot(ctx, "doc", base64.StdEncoding.EncodeToString(src.Encode())))
	assert.Equal(t, nil, c.Hydrate(ctx, "doc"))
	assert.Equal(t, 1, c.GetOrCreate("doc").Len())
}

func TestHydrateAppliesStoredUpdates(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	ctx := context.Background()
	u := makeUpdate(t, "a", "1")
	assert.Equal(t, nil, bridge.AppendUpdate(ctx, "doc", persist.Update{Seq: 1, UpdateBase64: base64.StdEncoding.EncodeToString(u)}))

	c, _ := newTestCache(bridge)
	assert.Equal(t, nil, c.Hydrate(ctx, "doc"))
	assert.Equal(t, 1, c.GetOrCreate("doc").Len())
}

func TestHydrateErrorLeavesEmptyDocument(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	ctx := context.Background()
	src := crdt.New()
	assert.Equal(t, nil, src.Apply(makeUpdate(t, "a", "1"), crdt.OriginRemote))
	assert.Equal(t, nil, bridge.PutSnapshot(ctx, "doc", base64.StdEncoding.EncodeToString(src.Encode())))

	c, _ := newTestCache(bridge)
	bridge.SetFail(errors.New("unreachable"))
	assert.NotEqual(t, nil, c.Hydrate(ctx, "doc"))
	assert.Equal(t, true, c.GetOrCreate("doc").IsEmpty())

	bridge.SetFail(nil)
	assert.Equal(t, nil, c.Hydrate(ctx, "doc"))
	assert.Equal(t, false, c.GetOrCreate("doc").IsEmpty())
}

func TestFlushMergesStoredStateFirst(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	ctx := context.Background()
	src := crdt.New()
	assert.Equal(t, nil, src.Apply(makeUpdate(t, "a", "1"), crdt.OriginRemote))
	assert.Equal(t, nil, bridge.PutSnapshot(ctx, "doc", base64.StdEncoding.EncodeToString(src.Encode())))

	c, _ := newTestCache(bridge)
	// update arrives before anyone hydrated the document
	assert.Equal(t, nil, c.ApplyUpdate("doc", makeUpdate(t, "b", "2"), crdt.OriginRemote))
	assert.Equal(t, FlushResult{Flushed: 1}, c.FlushDirty(ctx))
	assert.Equal(t, 2, c.GetOrCreate("doc").Len())
}

func TestSweepIdle(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	c, clock := newTestCache(bridge)
	ctx := context.Background()

	assert.Equal(t, nil, c.ApplyUpdate("idle", makeUpdate(t, "a", "1"), crdt.OriginRemote))
	c.FlushDirty(ctx)
	c.AddRef("held")
	assert.Equal(t, nil, c.ApplyUpdate("dirty", makeUpdate(t, "a", "1"), crdt.OriginRemote))
	bridge.SetFail(errors.New("down"))
	c.FlushDirty(ctx)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, len(c.SweepIdle()))

	clock.Advance(31 * time.Second)
	assert.Equal(t, []string{"idle"}, c.SweepIdle())

	fresh := c.GetOrCreate("idle")
	assert.Equal(t, true, fresh.IsEmpty())
	assert.Equal(t, 3, c.Stats().Entries)
}

func has(s *crdt.Store, key string) bool {
	found := false
	_ = s.View(func(doc *automerge.Doc) error {
		v, err := doc.Path(key).Get()
		found = err == nil && v.Interface() != nil
		return nil
	})
	return found
}

func storedSnapshot(t *testing.T, bridge persist.Bridge, id string) *crdt.Store {
	t.Helper()
	snap, err := bridge.GetSnapshot(context.Background(), id)
	assert.Equal(t, nil, err)
	raw, err := base64.StdEncoding.DecodeString(snap.SnapshotBase64)
	assert.Equal(t, nil, err)
	s, err := crdt.Load(raw)
	assert.Equal(t, nil, err)
	return s
}

func TestFlushKeepsUpdatesFoldedByRebuild(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	c, _ := newTestCache(bridge)
	ctx := context.Background()
	assert.Equal(t, nil, c.Hydrate(ctx, "doc"))
	assert.Equal(t, nil, c.ApplyUpdate("doc", makeUpdate(t, "live", "1"), crdt.OriginRemote))
	assert.Equal(t, FlushResult{Flushed: 1}, c.FlushDirty(ctx))

	// stored behind the cache's back, then folded into the snapshot
	backup := makeUpdate(t, "backup", "2")
	assert.Equal(t, nil, bridge.AppendUpdate(ctx, "doc", persist.Update{Seq: 1, UpdateBase64: base64.StdEncoding.EncodeToString(backup)}))
	assert.Equal(t, nil, persist.Rebuild(ctx, bridge, "doc"))

	assert.Equal(t, nil, c.ApplyUpdate("doc", makeUpdate(t, "later", "3"), crdt.OriginRemote))
	assert.Equal(t, FlushResult{Flushed: 1}, c.FlushDirty(ctx))

	stored := storedSnapshot(t, bridge, "doc")
	assert.Equal(t, true, has(stored, "live"))
	assert.Equal(t, true, has(stored, "backup"))
	assert.Equal(t, true, has(stored, "later"))
	assert.Equal(t, true, has(c.GetOrCreate("doc"), "backup"))
}

func TestFlushTrimsMergedUpdates(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	c, _ := newTestCache(bridge)
	ctx := context.Background()
	assert.Equal(t, nil, c.Hydrate(ctx, "doc"))

	for seq, key := range []string{"a", "b", "c"} {
		u := makeUpdate(t, key, "x")
		assert.Equal(t, nil, bridge.AppendUpdate(ctx, "doc", persist.Update{Seq: int64(seq + 1), UpdateBase64: base64.StdEncoding.EncodeToString(u)}))
	}
	assert.Equal(t, nil, c.ApplyUpdate("doc", makeUpdate(t, "d", "x"), crdt.OriginRemote))
	assert.Equal(t, FlushResult{Flushed: 1}, c.FlushDirty(ctx))

	updates, err := bridge.Updates(ctx, "doc", 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(updates))
	stored := storedSnapshot(t, bridge, "doc")
	for _, key := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, true, has(stored, key))
	}
	snap, err := bridge.GetSnapshot(ctx, "doc")
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(4), snap.NextSeq)
}

func TestDirtyIdleEntrySurvivesUntilFlushed(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	c, clock := newTestCache(bridge)
	ctx := context.Background()

	bridge.SetFail(errors.New("down"))
	assert.Equal(t, nil, c.ApplyUpdate("doc", makeUpdate(t, "a", "1"), crdt.OriginRemote))
	assert.Equal(t, FlushResult{Failed: 1}, c.FlushDirty(ctx))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, len(c.SweepIdle()))
	assert.Equal(t, 1, c.Stats().Dirty)

	bridge.SetFail(nil)
	assert.Equal(t, FlushResult{Flushed: 1}, c.FlushDirty(ctx))
	assert.Equal(t, []string{"doc"}, c.SweepIdle())
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, true, has(storedSnapshot(t, bridge, "doc"), "a"))
}
