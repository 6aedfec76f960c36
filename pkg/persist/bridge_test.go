package persist

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"

	"github.com/astromechza/wavesync/pkg/crdt"
)

func exerciseBridge(t *testing.T, b Bridge) {
	ctx := context.Background()

	_, err := b.GetSnapshot(ctx, "missing")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	assert.Equal(t, nil, b.PutSnapshot(ctx, "doc", "c25hcA=="))
	snap, err := b.GetSnapshot(ctx, "doc")
	assert.Equal(t, nil, err)
	assert.Equal(t, "c25hcA==", snap.SnapshotBase64)
	assert.Equal(t, int64(1), snap.NextSeq)

	// update replaces rather than duplicating
	assert.Equal(t, nil, b.PutSnapshot(ctx, "doc", "c25hcDI="))
	snap, err = b.GetSnapshot(ctx, "doc")
	assert.Equal(t, nil, err)
	assert.Equal(t, "c25hcDI=", snap.SnapshotBase64)

	assert.Equal(t, nil, b.AppendUpdate(ctx, "doc", Update{Seq: 1, UpdateBase64: "AQ=="}))
	assert.Equal(t, nil, b.AppendUpdate(ctx, "doc", Update{Seq: 3, UpdateBase64: "Aw=="}))
	assert.Equal(t, nil, b.AppendUpdate(ctx, "doc", Update{Seq: 2, UpdateBase64: "Ag=="}))
	snap, err = b.GetSnapshot(ctx, "doc")
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(4), snap.NextSeq)

	updates, err := b.Updates(ctx, "doc", 2)
	assert.Equal(t, nil, err)
	assert.Equal(t, []Update{{Seq: 2, UpdateBase64: "Ag=="}, {Seq: 3, UpdateBase64: "Aw=="}}, updates)

	assert.Equal(t, nil, b.TrimUpdates(ctx, "doc", 2))
	updates, err = b.Updates(ctx, "doc", 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(updates))
	assert.Equal(t, int64(3), updates[0].Seq)
}

func TestMemoryBridge(t *testing.T) {
	exerciseBridge(t, NewMemoryBridge())
}

func TestSQLiteBridge(t *testing.T) {
	b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer b.Close()
	exerciseBridge(t, b)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "carrier-pigeon", "")
	assert.NotEqual(t, nil, err)
}

func TestRebuildFoldsUpdates(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBridge()

	src := crdt.New()
	_, err := src.Change(func(doc *automerge.Doc) error { return doc.Path("a").Set("1") })
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, b.PutSnapshot(ctx, "doc", base64.StdEncoding.EncodeToString(src.Encode())))

	second, err := src.Change(func(doc *automerge.Doc) error { return doc.Path("b").Set("2") })
	assert.Equal(t, nil, err)
	third, err := src.Change(func(doc *automerge.Doc) error { return doc.Path("c").Set("3") })
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, b.AppendUpdate(ctx, "doc", Update{Seq: 1, UpdateBase64: base64.StdEncoding.EncodeToString(second)}))
	assert.Equal(t, nil, b.AppendUpdate(ctx, "doc", Update{Seq: 2, UpdateBase64: base64.StdEncoding.EncodeToString(third)}))

	assert.Equal(t, nil, Rebuild(ctx, b, "doc"))

	updates, err := b.Updates(ctx, "doc", 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(updates))

	loaded, err := Load(ctx, b, "doc")
	assert.Equal(t, nil, err)
	rebuilt, err := crdt.Load(loaded.Snapshot)
	assert.Equal(t, nil, err)
	assert.Equal(t, src.Heads(), rebuilt.Heads())
}

func TestRebuildMissing(t *testing.T) {
	err := Rebuild(context.Background(), NewMemoryBridge(), "nothing")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}
