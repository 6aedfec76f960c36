package persist

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/astromechza/wavesync/pkg/crdt"
)

// Loaded is the decoded persisted history of one document.
type Loaded struct {
	Snapshot []byte
	Updates  [][]byte
	// LastSeq is the sequence number of the last update in Updates, or 0.
	LastSeq int64
}

// Load fetches and decodes the snapshot and every stored incremental update. It returns
// ErrNotFound when nothing is stored for docID.
func Load(ctx context.Context, b Bridge, docID string) (Loaded, error) {
	var out Loaded
	snap, err := b.GetSnapshot(ctx, docID)
	if err != nil {
		return out, err
	}
	if snap.SnapshotBase64 != "" {
		if out.Snapshot, err = base64.StdEncoding.DecodeString(snap.SnapshotBase64); err != nil {
			return out, fmt.Errorf("failed to decode snapshot: %w", err)
		}
	}
	updates, err := b.Updates(ctx, docID, 0)
	if err != nil {
		return out, err
	}
	for _, u := range updates {
		raw, err := base64.StdEncoding.DecodeString(u.UpdateBase64)
		if err != nil {
			return out, fmt.Errorf("failed to decode update %d: %w", u.Seq, err)
		}
		out.Updates = append(out.Updates, raw)
		out.LastSeq = u.Seq
	}
	return out, nil
}

// Rebuilder is implemented by bridges that can rebuild on the remote side.
type Rebuilder interface {
	Rebuild(ctx context.Context, docID string) error
}

// Rebuild replays the stored snapshot and incremental updates of docID into a fresh
// document, stores the result as the new snapshot, and drops the replayed updates.
func Rebuild(ctx context.Context, b Bridge, docID string) error {
	if r, ok := b.(Rebuilder); ok {
		return r.Rebuild(ctx, docID)
	}
	loaded, err := Load(ctx, b, docID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to load %s: %w", docID, err)
	}
	store := crdt.New()
	if err := store.Apply(loaded.Snapshot, crdt.OriginStorage); err != nil {
		return fmt.Errorf("failed to apply snapshot: %w", err)
	}
	for i, u := range loaded.Updates {
		if err := store.Apply(u, crdt.OriginStorage); err != nil {
			return fmt.Errorf("failed to apply update %d: %w", i, err)
		}
	}
	if err := b.PutSnapshot(ctx, docID, base64.StdEncoding.EncodeToString(store.Encode())); err != nil {
		return err
	}
	if loaded.LastSeq > 0 {
		if err := b.TrimUpdates(ctx, docID, loaded.LastSeq); err != nil {
			return err
		}
	}
	return nil
}
