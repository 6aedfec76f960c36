package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/astromechza/wavesync/internal/config"
	"github.com/astromechza/wavesync/pkg/crdt"
	"github.com/astromechza/wavesync/pkg/offline"
	"github.com/astromechza/wavesync/pkg/persist"
	"github.com/astromechza/wavesync/pkg/presence"
	"github.com/astromechza/wavesync/pkg/room"
	"github.com/astromechza/wavesync/pkg/syncclient"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.ParseClient(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	storage, err := offline.OpenBoltStorage(cfg.QueuePath)
	if err != nil {
		return err
	}
	queue, err := offline.New(storage, offline.Options{
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		ItemDelay:      cfg.ItemDelay,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer queue.Close()
	queue.Subscribe(func(ev offline.Event) {
		switch ev.Type {
		case offline.EventFailed:
			slog.Warn("mutation dropped", "id", ev.Mutation.ID, "url", ev.Mutation.URL, "err", ev.Err)
		case offline.EventSuccess:
			slog.Info("mutation delivered", "id", ev.Mutation.ID, "conflict", ev.Conflict)
		}
	})

	client := syncclient.New(syncclient.Options{URL: cfg.RelayURL, Queue: queue, Logger: logger})
	doc := client.Doc(cfg.DocID)
	userID := uuid.NewString()
	waveID, _, _ := strings.Cut(cfg.DocID, ":")
	_ = client.JoinPresence(room.Presence(waveID, ""), presence.Identity{UserID: userID, Name: fmt.Sprintf("client-%d", os.Getpid())})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = client.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = queue.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		incrementRandomlyContinuously(ctx, doc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		backupPeriodically(ctx, queue, cfg.RestURL, cfg.DocID, doc)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()
	slog.Info("stopped", "pending_mutations", len(queue.Pending()), "heads", len(doc.Heads()))
	return nil
}

func incrementRandomlyContinuously(ctx context.Context, doc *crdt.Store) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			var value int64
			if _, err := doc.Change(func(d *automerge.Doc) error {
				counter := d.Path("counter").Counter()
				if err := counter.Inc(1); err != nil {
					return err
				}
				value, _ = counter.Get()
				return nil
			}); err != nil {
				slog.Error("failed to increment counter", "err", err)
			} else {
				slog.Info("incremented", "heads", len(doc.Heads()), "value", value)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled increment")
			return
		}
	}
}

// backupPeriodically appends the local state to the server's stored updates through the
// snapshot REST contract. While offline the POST lands in the mutation queue and is replayed
// later. Stored updates are merged on hydration, so repeats are harmless.
func backupPeriodically(ctx context.Context, queue *offline.Queue, restURL, docID string, doc *crdt.Store) {
	base, err := url.Parse(restURL)
	if err != nil {
		slog.Error("invalid rest url", "err", err)
		return
	}
	target := base.JoinPath("snapshots", docID, "updates").String()
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if doc.IsEmpty() {
				continue
			}
			update := persist.Update{
				Seq:          time.Now().UnixNano(),
				UpdateBase64: base64.StdEncoding.EncodeToString(doc.Encode()),
			}
			res, err := queue.Do(ctx, http.MethodPost, target, update)
			if err != nil {
				slog.Error("failed to back up", "err", err)
			} else if res.Queued {
				slog.Info("backup queued", "id", res.Mutation.ID)
			} else {
				slog.Info("backed up", "status", res.StatusCode)
			}
		case <-ctx.Done():
			return
		}
	}
}
