// Package persist stores base64 encoded CRDT snapshots and incremental updates.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

// Snapshot is the persisted full state of a document. NextSeq is the sequence number the
// next incremental update will receive.
type Snapshot struct {
	SnapshotBase64 string `json:"snapshotBase64"`
	NextSeq        int64  `json:"nextSeq"`
}

// Update is one stored incremental update.
type Update struct {
	Seq          int64  `json:"seq"`
	UpdateBase64 string `json:"updateBase64"`
}

// Bridge is the document database holding snapshots and incremental updates.
type Bridge interface {
	// GetSnapshot returns ErrNotFound when the document has neither a snapshot nor updates.
	GetSnapshot(ctx context.Context, docID string) (Snapshot, error)
	// PutSnapshot inserts or replaces the snapshot.
	PutSnapshot(ctx context.Context, docID string, snapshotBase64 string) error
	AppendUpdate(ctx context.Context, docID string, update Update) error
	// Updates returns stored updates with Seq >= fromSeq in sequence order.
	Updates(ctx context.Context, docID string, fromSeq int64) ([]Update, error)
	// TrimUpdates removes updates with Seq <= throughSeq.
	TrimUpdates(ctx context.Context, docID string, throughSeq int64) error
	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverHTTP     = "http"
)

// Open constructs the bridge for driver using dsn.
func Open(ctx context.Context, driver string, dsn string) (Bridge, error) {
	switch strings.ToLower(driver) {
	case DriverMemory, "":
		return NewMemoryBridge(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverMongo:
		return OpenMongo(ctx, dsn)
	case DriverHTTP:
		return NewHTTPBridge(dsn, nil)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", driver)
	}
}
