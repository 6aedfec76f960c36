package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/wavesync/pkg/crdt"
	"github.com/astromechza/wavesync/pkg/persist"
	"github.com/astromechza/wavesync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	driverVar := flag.String("driver", "", "read the document from this persistence driver instead of a file")
	dsnVar := flag.String("dsn", "wavesync.sqlite3", "persistence connection string when -driver is set")
	svgVar := flag.String("svg", "", "render the change graph to this svg file")
	pathVar := flag.String("path", "", "dotted document path to label each change with, e.g. counter")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read, or the doc id with -driver")
	}

	store, err := load(context.Background(), *driverVar, *dsnVar, flag.Arg(0))
	if err != nil {
		return err
	}
	doc, err := store.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork doc: %w", err)
	}
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *svgVar != "" {
		if err := viz.RenderToFile(doc, viz.ParsePath(*pathVar), *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}

func load(ctx context.Context, driver, dsn, target string) (*crdt.Store, error) {
	if driver == "" {
		raw, err := os.ReadFile(target)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		if _, err := automerge.Load(raw); err != nil {
			return nil, fmt.Errorf("failed to load doc: %w", err)
		}
		return crdt.Load(raw)
	}

	bridge, err := persist.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	defer bridge.Close()
	loaded, err := persist.Load(ctx, bridge, target)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", target, err)
	}
	store := crdt.New()
	if err := store.Apply(loaded.Snapshot, crdt.OriginStorage); err != nil {
		return nil, err
	}
	for _, u := range loaded.Updates {
		if err := store.Apply(u, crdt.OriginStorage); err != nil {
			return nil, err
		}
	}
	slog.Info("loaded from persistence", "doc", target, "updates", len(loaded.Updates))
	return store, nil
}
