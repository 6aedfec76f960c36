package persist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoSnapshot struct {
	ID      string `bson:"_id"`
	Content string `bson:"content"`
	NextSeq int64  `bson:"next_seq"`
}

type mongoUpdate struct {
	StoreID string `bson:"store_id"`
	Seq     int64  `bson:"seq"`
	Content string `bson:"content"`
}

// MongoBridge keeps snapshots in a `snapshots` collection and updates in `updates`.
type MongoBridge struct {
	client    *mongo.Client
	snapshots *mongo.Collection
	updates   *mongo.Collection
}

// OpenMongo connects to uri. The database name is taken from the uri path and defaults to
// "wavesync".
func OpenMongo(ctx context.Context, uri string) (*MongoBridge, error) {
	if uri == "" {
		uri = "mongodb://localhost:27017/wavesync"
	}
	dbName := "wavesync"
	if u, err := url.Parse(uri); err == nil {
		if p := strings.Trim(u.Path, "/"); p != "" {
			dbName = p
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	db := client.Database(dbName)
	b := &MongoBridge{
		client:    client,
		snapshots: db.Collection("snapshots"),
		updates:   db.Collection("updates"),
	}
	if _, err := b.updates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "store_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ensure index: %w", err)
	}
	return b, nil
}

func (b *MongoBridge) GetSnapshot(ctx context.Context, docID string) (Snapshot, error) {
	var doc mongoSnapshot
	if err := b.snapshots.FindOne(ctx, bson.M{"_id": docID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return Snapshot{SnapshotBase64: doc.Content, NextSeq: max(doc.NextSeq, 1)}, nil
}

func (b *MongoBridge) PutSnapshot(ctx context.Context, docID string, snapshotBase64 string) error {
	if _, err := b.snapshots.UpdateOne(ctx,
		bson.M{"_id": docID},
		bson.M{"$set": bson.M{"content": snapshotBase64}},
		options.Update().SetUpsert(true),
	); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (b *MongoBridge) AppendUpdate(ctx context.Context, docID string, update Update) error {
	if _, err := b.updates.InsertOne(ctx, mongoUpdate{
		StoreID: docID,
		Seq:     update.Seq,
		Content: update.UpdateBase64,
	}); err != nil {
		return fmt.Errorf("failed to insert update: %w", err)
	}
	if _, err := b.snapshots.UpdateOne(ctx,
		bson.M{"_id": docID},
		bson.M{"$max": bson.M{"next_seq": update.Seq + 1}},
		options.Update().SetUpsert(true),
	); err != nil {
		return fmt.Errorf("failed to advance sequence: %w", err)
	}
	return nil
}

func (b *MongoBridge) Updates(ctx context.Context, docID string, fromSeq int64) ([]Update, error) {
	cursor, err := b.updates.Find(ctx,
		bson.M{"store_id": docID, "seq": bson.M{"$gte": fromSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	var docs []mongoUpdate
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	out := make([]Update, 0, len(docs))
	for _, d := range docs {
		out = append(out, Update{Seq: d.Seq, UpdateBase64: d.Content})
	}
	return out, nil
}

func (b *MongoBridge) TrimUpdates(ctx context.Context, docID string, throughSeq int64) error {
	if _, err := b.updates.DeleteMany(ctx,
		bson.M{"store_id": docID, "seq": bson.M{"$lte": throughSeq}},
	); err != nil {
		return fmt.Errorf("failed to trim updates: %w", err)
	}
	return nil
}

func (b *MongoBridge) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}
