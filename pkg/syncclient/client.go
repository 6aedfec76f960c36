// Package syncclient is the client side of the relay protocol. It keeps a local CRDT store
// per document, pushes local changes, merges remote ones, and resumes after reconnecting by
// exchanging state vector diffs.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/wavesync/pkg/crdt"
	"github.com/astromechza/wavesync/pkg/offline"
	"github.com/astromechza/wavesync/pkg/presence"
	"github.com/astromechza/wavesync/pkg/relay"
)

var ErrNotConnected = errors.New("not connected")

type Options struct {
	// URL is the websocket relay endpoint, e.g. ws://localhost:8080/relay.
	URL               string
	SyncInterval      time.Duration
	HeartbeatInterval time.Duration
	// Queue, when set, is switched online and offline with the connection.
	Queue  *offline.Queue
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type document struct {
	store *crdt.Store
	// syncedVector is the local state vector at the last join the server answered. Every
	// change after it is replayed on reconnect.
	syncedVector []byte
	pendingJoin  []byte
	synced       chan struct{}
	syncedOnce   sync.Once
	awareness    map[string]json.RawMessage
	ownAwareness json.RawMessage
}

type Client struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	docs      map[string]*document
	presence  map[string]presence.Identity
	occupancy map[string]presence.Snapshot

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func New(opts Options) *Client {
	opts.defaults()
	return &Client{
		opts:      opts,
		logger:    opts.Logger,
		docs:      make(map[string]*document),
		presence:  make(map[string]presence.Identity),
		occupancy: make(map[string]presence.Snapshot),
	}
}

// Doc returns the local store for docID, opening and joining it on first use. Local changes
// made through the store are sent to the relay; remote ones are merged into it.
func (c *Client) Doc(docID string) *crdt.Store {
	c.mu.Lock()
	d, ok := c.docs[docID]
	if !ok {
		d = &document{
			store:     crdt.New(),
			synced:    make(chan struct{}),
			awareness: make(map[string]json.RawMessage),
		}
		c.docs[docID] = d
	}
	c.mu.Unlock()
	if ok {
		return d.store
	}

	d.store.OnUpdate(func(delta []byte, origin string) {
		if origin != crdt.OriginLocal {
			return
		}
		if err := c.send(relay.Update{DocID: docID, Delta: delta}); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn("failed to send update", "doc", docID, "err", err)
		}
	})
	if err := c.resync(docID, d); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("failed to join", "doc", docID, "err", err)
	}
	return d.store
}

// Synced is closed once the relay has answered the first join of docID.
func (c *Client) Synced(docID string) <-chan struct{} {
	c.Doc(docID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs[docID].synced
}

// Awareness returns the awareness states of the other peers on docID keyed by peer id.
func (c *Client) Awareness(docID string) map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]json.RawMessage)
	if d, ok := c.docs[docID]; ok {
		for k, v := range d.awareness {
			out[k] = v
		}
	}
	return out
}

// SetAwareness publishes this client's awareness state for docID. It is re-sent after a
// reconnect.
func (c *Client) SetAwareness(docID string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode awareness: %w", err)
	}
	c.Doc(docID)
	c.mu.Lock()
	c.docs[docID].ownAwareness = raw
	c.mu.Unlock()
	return c.send(relay.Awareness{DocID: docID, State: raw})
}

// JoinPresence announces identity in a presence room, now and after every reconnect.
func (c *Client) JoinPresence(room string, identity presence.Identity) error {
	c.mu.Lock()
	c.presence[room] = identity
	c.mu.Unlock()
	return c.send(relay.PresenceJoin{Room: room, Identity: identity})
}

func (c *Client) LeavePresence(room string) error {
	c.mu.Lock()
	delete(c.presence, room)
	delete(c.occupancy, room)
	c.mu.Unlock()
	return c.send(relay.PresenceLeave{Room: room})
}

// Occupancy returns the last presence snapshot received for room.
func (c *Client) Occupancy(room string) (presence.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.occupancy[room]
	return s, ok
}

func (c *Client) Connected() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn != nil
}

func (c *Client) send(msg relay.Message) error {
	raw, err := relay.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// resync pushes every local change the server may have missed and joins with the local
// state vector, so the reply carries only what this client is missing.
func (c *Client) resync(docID string, d *document) error {
	c.mu.Lock()
	since := d.syncedVector
	c.mu.Unlock()

	if !d.store.IsEmpty() {
		missing, err := d.store.EncodeDiff(since)
		if err != nil {
			return fmt.Errorf("failed to encode local changes: %w", err)
		}
		if len(missing) > 0 {
			if err := c.send(relay.Update{DocID: docID, Delta: missing}); err != nil {
				return err
			}
		}
	}
	vector := d.store.StateVector()
	c.mu.Lock()
	d.pendingJoin = vector
	c.mu.Unlock()
	return c.send(relay.Join{DocID: docID, StateVector: vector})
}

func (c *Client) handle(msg relay.Message) {
	switch m := msg.(type) {
	case relay.Sync:
		c.mu.Lock()
		d, ok := c.docs[m.DocID]
		c.mu.Unlock()
		if !ok {
			return
		}
		if err := d.store.Apply(m.State, crdt.OriginRemote); err != nil {
			c.logger.Error("failed to apply sync", "doc", m.DocID, "err", err)
			return
		}
		c.mu.Lock()
		if d.pendingJoin != nil {
			d.syncedVector = d.pendingJoin
			d.pendingJoin = nil
		}
		c.mu.Unlock()
		d.syncedOnce.Do(func() { close(d.synced) })
	case relay.Update:
		c.mu.Lock()
		d, ok := c.docs[m.DocID]
		c.mu.Unlock()
		if !ok {
			return
		}
		if err := d.store.Apply(m.Delta, crdt.OriginRemote); err != nil {
			c.logger.Error("failed to apply update", "doc", m.DocID, "err", err)
		}
	case relay.Awareness:
		c.mu.Lock()
		if d, ok := c.docs[m.DocID]; ok {
			if len(m.State) == 0 || string(m.State) == "null" {
				delete(d.awareness, m.From)
			} else {
				d.awareness[m.From] = m.State
			}
		}
		c.mu.Unlock()
	case relay.Presence:
		c.mu.Lock()
		if _, ok := c.presence[m.Room]; ok {
			c.occupancy[m.Room] = m.Snapshot
		}
		c.mu.Unlock()
	case relay.Error:
		c.logger.Warn("relay error", "code", m.Code, "message", m.Message)
	}
}

// Run keeps a connection to the relay until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.Warn("disconnected from relay", "err", err, "retry_in", wait)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	if c.opts.Queue != nil {
		c.opts.Queue.SetOnline(conn != nil)
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	c.logger.Info("connected to relay", "url", c.opts.URL)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- fmt.Errorf("failed to read message: %w", err)
				return
			}
			msg, err := relay.Decode(raw)
			if err != nil {
				c.logger.Warn("dropping message", "err", err)
				continue
			}
			c.handle(msg)
		}
	}()

	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		_ = conn.Close()
	}()
	c.rejoin()

	syncTicker := time.NewTicker(c.opts.SyncInterval)
	defer syncTicker.Stop()
	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-syncTicker.C:
			c.requestSync()
		case <-heartbeat.C:
			c.mu.Lock()
			rooms := len(c.presence)
			c.mu.Unlock()
			if rooms > 0 {
				_ = c.send(relay.PresenceHeartbeat{})
			}
		case <-sessCtx.Done():
			c.setConn(nil)
			_ = conn.Close()
			select {
			case err := <-readErr:
				if ctx.Err() != nil {
					return nil
				}
				return err
			case <-time.After(time.Second):
				return sessCtx.Err()
			}
		}
	}
}

func (c *Client) rejoin() {
	c.mu.Lock()
	docs := make(map[string]*document, len(c.docs))
	for id, d := range c.docs {
		docs[id] = d
	}
	rooms := make(map[string]presence.Identity, len(c.presence))
	for r, id := range c.presence {
		rooms[r] = id
	}
	c.mu.Unlock()

	for id, d := range docs {
		if err := c.resync(id, d); err != nil {
			c.logger.Warn("failed to rejoin", "doc", id, "err", err)
			continue
		}
		c.mu.Lock()
		own := d.ownAwareness
		c.mu.Unlock()
		if own != nil {
			_ = c.send(relay.Awareness{DocID: id, State: own})
		}
	}
	for r, identity := range rooms {
		_ = c.send(relay.PresenceJoin{Room: r, Identity: identity})
	}
}

func (c *Client) requestSync() {
	c.mu.Lock()
	docs := make(map[string]*document, len(c.docs))
	for id, d := range c.docs {
		docs[id] = d
	}
	c.mu.Unlock()
	for id, d := range docs {
		if err := c.send(relay.SyncRequest{DocID: id, StateVector: d.store.StateVector()}); err != nil {
			c.logger.Debug("failed to request sync", "doc", id, "err", err)
		}
	}
}
