// Package config builds server and client configuration from flags whose defaults come from
// the environment (optionally seeded from a .env file).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads path into the environment if it exists. Variables already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

type Logging struct {
	Level  string
	Format string
}

func (l *Logging) register(fs *flag.FlagSet) {
	fs.StringVar(&l.Level, "log-level", envString("WAVESYNC_LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.StringVar(&l.Format, "log-format", envString("WAVESYNC_LOG_FORMAT", "text"), "text or json")
}

// Logger builds the process logger described by l.
func (l Logging) Logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", l.Format)
	}
}

type Server struct {
	Addr          string
	Driver        string
	DSN           string
	FlushInterval time.Duration
	SweepInterval time.Duration
	CacheTTL      time.Duration

	PresenceDebounce      time.Duration
	PresenceTTL           time.Duration
	PresencePruneInterval time.Duration

	RedisURL string
	NodeID   string
	Logging
}

// ParseServer parses server flags from args (without the program name).
func ParseServer(args []string) (Server, error) {
	var c Server
	fs := flag.NewFlagSet("wavesync-server", flag.ContinueOnError)
	fs.StringVar(&c.Addr, "addr", envString("WAVESYNC_ADDR", "localhost:8080"), "the address to listen on")
	fs.StringVar(&c.Driver, "driver", envString("WAVESYNC_DRIVER", "sqlite"), "persistence driver: memory, sqlite, postgres, mongo or http")
	fs.StringVar(&c.DSN, "dsn", envString("WAVESYNC_DSN", "wavesync.sqlite3"), "persistence connection string, file path or base url")
	fs.DurationVar(&c.FlushInterval, "flush-interval", envDuration("WAVESYNC_FLUSH_INTERVAL", 5*time.Second), "how often dirty documents are persisted")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", envDuration("WAVESYNC_SWEEP_INTERVAL", time.Minute), "how often idle documents are evicted")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", envDuration("WAVESYNC_CACHE_TTL", 10*time.Minute), "idle time before an unreferenced document is evicted")
	fs.DurationVar(&c.PresenceDebounce, "presence-debounce", envDuration("WAVESYNC_PRESENCE_DEBOUNCE", 250*time.Millisecond), "presence emit debounce window")
	fs.DurationVar(&c.PresenceTTL, "presence-ttl", envDuration("WAVESYNC_PRESENCE_TTL", time.Minute), "presence entry lifetime without heartbeat")
	fs.DurationVar(&c.PresencePruneInterval, "presence-prune-interval", envDuration("WAVESYNC_PRESENCE_PRUNE_INTERVAL", 15*time.Second), "how often expired presence is pruned")
	fs.StringVar(&c.RedisURL, "redis", envString("WAVESYNC_REDIS_URL", ""), "optional redis url for multi-node fan-out")
	fs.StringVar(&c.NodeID, "node-id", envString("WAVESYNC_NODE_ID", ""), "node id for fan-out (defaults to a random id)")
	c.Logging.register(fs)
	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}
	if c.FlushInterval <= 0 || c.SweepInterval <= 0 || c.CacheTTL <= 0 {
		return Server{}, fmt.Errorf("intervals must be positive")
	}
	return c, nil
}

type Client struct {
	RelayURL       string
	RestURL        string
	DocID          string
	QueuePath      string
	MaxRetries     int
	RetryDelay     time.Duration
	ItemDelay      time.Duration
	RequestTimeout time.Duration
	Logging
}

func ParseClient(args []string) (Client, error) {
	var c Client
	fs := flag.NewFlagSet("wavesync-client", flag.ContinueOnError)
	fs.StringVar(&c.RelayURL, "relay", envString("WAVESYNC_RELAY_URL", "ws://127.0.0.1:8080/relay"), "the relay websocket url")
	fs.StringVar(&c.RestURL, "rest", envString("WAVESYNC_REST_URL", "http://127.0.0.1:8080"), "the base url for REST mutations")
	fs.StringVar(&c.DocID, "doc", envString("WAVESYNC_DOC", "default"), "the document to edit")
	fs.StringVar(&c.QueuePath, "queue", envString("WAVESYNC_QUEUE_PATH", "wavesync-client.db"), "offline mutation queue file")
	fs.IntVar(&c.MaxRetries, "max-retries", envInt("WAVESYNC_MAX_RETRIES", 3), "attempts before a queued mutation is dropped")
	fs.DurationVar(&c.RetryDelay, "retry-delay", envDuration("WAVESYNC_RETRY_DELAY", time.Second), "base delay between attempts")
	fs.DurationVar(&c.ItemDelay, "item-delay", envDuration("WAVESYNC_ITEM_DELAY", 100*time.Millisecond), "delay between replayed mutations")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", envDuration("WAVESYNC_REQUEST_TIMEOUT", 10*time.Second), "per request timeout")
	c.Logging.register(fs)
	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}
	return c, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
