// Package server exposes the relay websocket, document inspection endpoints and the
// snapshot REST contract over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/wavesync/pkg/doccache"
	"github.com/astromechza/wavesync/pkg/persist"
	"github.com/astromechza/wavesync/pkg/relay"
)

type Options struct {
	Addr   string
	Logger *slog.Logger
}

type Server struct {
	cache  *doccache.Cache
	relay  *relay.Relay
	bridge persist.Bridge
	opts   Options
	logger *slog.Logger
}

func New(cache *doccache.Cache, r *relay.Relay, bridge persist.Bridge, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{cache: cache, relay: r, bridge: bridge, opts: opts, logger: opts.Logger}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/relay").HandlerFunc(s.relay.ServeWS)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)

	r.Methods(http.MethodGet).Path("/docs/{doc}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/docs/{doc}/graph.svg").HandlerFunc(s.getGraph)

	r.Methods(http.MethodGet).Path("/snapshots/{doc}").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodPut).Path("/snapshots/{doc}").HandlerFunc(s.putSnapshot)
	r.Methods(http.MethodGet).Path("/snapshots/{doc}/updates").HandlerFunc(s.listUpdates)
	r.Methods(http.MethodPost).Path("/snapshots/{doc}/updates").HandlerFunc(s.appendUpdate)
	r.Methods(http.MethodDelete).Path("/snapshots/{doc}/updates").HandlerFunc(s.trimUpdates)
	r.Methods(http.MethodPost).Path("/snapshots/{doc}/rebuild").HandlerFunc(s.rebuild)
	return r
}

// Run serves HTTP and drives the cache and relay background loops until ctx is cancelled.
// The cache performs a final flush on the way out.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{Addr: s.opts.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.logger.Info("listening", "addr", s.opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
		}
		return nil
	})
	eg.Go(func() error {
		return s.cache.Run(ctx)
	})
	eg.Go(func() error {
		return s.relay.Run(ctx)
	})
	return eg.Wait()
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) healthz(writer http.ResponseWriter, request *http.Request) {
	stats := s.cache.Stats()
	writeJSON(writer, http.StatusOK, map[string]any{
		"status":     "ok",
		"docs":       stats.Entries,
		"dirty":      stats.Dirty,
		"referenced": stats.Referenced,
		"rooms":      len(s.relay.Presence().Rooms()),
	})
}
