package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "wavesync:doc:"

// FanoutMessage is an update relayed between server nodes.
type FanoutMessage struct {
	Node  string `json:"node"`
	DocID string `json:"docId"`
	Delta []byte `json:"delta"`
	From  string `json:"from,omitempty"`
}

// Fanout spreads updates to the other relay nodes that share a document.
type Fanout interface {
	Publish(ctx context.Context, msg FanoutMessage) error
	// Run delivers messages from every node, including this one, until ctx is cancelled.
	Run(ctx context.Context, deliver func(FanoutMessage)) error
	Close() error
}

type RedisFanout struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisFanout connects to the redis server at url (redis://host:port/db).
func NewRedisFanout(ctx context.Context, url string, logger *slog.Logger) (*RedisFanout, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFanout{client: client, logger: logger}, nil
}

func (f *RedisFanout) Publish(ctx context.Context, msg FanoutMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode fanout message: %w", err)
	}
	if err := f.client.Publish(ctx, channelPrefix+msg.DocID, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (f *RedisFanout) Run(ctx context.Context, deliver func(FanoutMessage)) error {
	pubsub := f.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to redis: %w", err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg FanoutMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				f.logger.Warn("dropping malformed fanout message", "channel", m.Channel, "err", err)
				continue
			}
			if msg.DocID == "" {
				msg.DocID = strings.TrimPrefix(m.Channel, channelPrefix)
			}
			deliver(msg)
		}
	}
}

func (f *RedisFanout) Close() error {
	return f.client.Close()
}

// MemoryFanout connects relays within one process.
type MemoryFanout struct {
	mu   sync.Mutex
	subs map[int]chan FanoutMessage
	next int
}

func NewMemoryFanout() *MemoryFanout {
	return &MemoryFanout{subs: make(map[int]chan FanoutMessage)}
}

func (f *MemoryFanout) Publish(ctx context.Context, msg FanoutMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- msg:
		default:
			return ErrSlowConsumer
		}
	}
	return nil
}

func (f *MemoryFanout) Run(ctx context.Context, deliver func(FanoutMessage)) error {
	ch := make(chan FanoutMessage, 64)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			deliver(msg)
		}
	}
}

// Subscribers reports how many Run loops are attached.
func (f *MemoryFanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *MemoryFanout) Close() error { return nil }
