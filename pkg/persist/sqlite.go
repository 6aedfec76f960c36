package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBridge stores snapshots in a `stores` table and incremental updates in `updates`.
type SQLiteBridge struct {
	database *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteBridge, error) {
	if path == "" {
		path = "wavesync.sqlite3"
	}
	slog.Info("opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer; serialise at the pool.
	db.SetMaxOpenConns(1)
	b := &SQLiteBridge{database: db}
	if err := b.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBridge) init(ctx context.Context) error {
	if _, err := b.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS stores (
		id text not null primary key,
		content text not null default '',
		next_seq integer not null default 1
		)`,
	); err != nil {
		return fmt.Errorf("failed to create stores table: %w", err)
	}
	if _, err := b.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS updates (
		store_id text not null,
		seq integer not null,
		content text not null,
		primary key (store_id, seq)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create updates table: %w", err)
	}
	slog.Info("ensured initial tables exist")
	return nil
}

func (b *SQLiteBridge) GetSnapshot(ctx context.Context, docID string) (Snapshot, error) {
	var snap Snapshot
	if err := b.database.QueryRowContext(ctx,
		`SELECT content, next_seq FROM stores WHERE id = ?`, docID,
	).Scan(&snap.SnapshotBase64, &snap.NextSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return snap, nil
}

func (b *SQLiteBridge) PutSnapshot(ctx context.Context, docID string, snapshotBase64 string) error {
	if _, err := b.database.ExecContext(ctx,
		`INSERT INTO stores (id, content) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content WHERE content != excluded.content`,
		docID, snapshotBase64,
	); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (b *SQLiteBridge) AppendUpdate(ctx context.Context, docID string, update Update) error {
	tx, err := b.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO updates (store_id, seq, content) VALUES (?, ?, ?)`,
		docID, update.Seq, update.UpdateBase64,
	); err != nil {
		return fmt.Errorf("failed to insert update: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stores (id, next_seq) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET next_seq = max(next_seq, excluded.next_seq)`,
		docID, update.Seq+1,
	); err != nil {
		return fmt.Errorf("failed to advance sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (b *SQLiteBridge) Updates(ctx context.Context, docID string, fromSeq int64) ([]Update, error) {
	rows, err := b.database.QueryContext(ctx,
		`SELECT seq, content FROM updates WHERE store_id = ? AND seq >= ? ORDER BY seq`,
		docID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(rows)
	var out []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.Seq, &u.UpdateBase64); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (b *SQLiteBridge) TrimUpdates(ctx context.Context, docID string, throughSeq int64) error {
	if _, err := b.database.ExecContext(ctx,
		`DELETE FROM updates WHERE store_id = ? AND seq <= ?`, docID, throughSeq,
	); err != nil {
		return fmt.Errorf("failed to trim updates: %w", err)
	}
	return nil
}

func (b *SQLiteBridge) Close() error {
	return b.database.Close()
}
