// Package relay implements the per-connection sync protocol: joining a document's update
// room, rebroadcasting incremental updates, answering state vector diffs, relaying
// awareness, and feeding the presence tracker.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/wavesync/pkg/crdt"
	"github.com/astromechza/wavesync/pkg/doccache"
	"github.com/astromechza/wavesync/pkg/presence"
	"github.com/astromechza/wavesync/pkg/room"
)

type Options struct {
	// NodeID tags updates published to the fan-out so a node ignores its own.
	NodeID   string
	Fanout   Fanout
	Presence presence.Options
	Logger   *slog.Logger
}

// session is the relay state of one connection. A document is Joined while present in docs;
// anything else is Unjoined (or Left, which behaves the same).
type session struct {
	peer      Peer
	docs      map[string]struct{}
	awareness map[string]struct{}
	presence  map[string]struct{}
}

type Relay struct {
	cache    *doccache.Cache
	hub      *Hub
	presence *presence.Tracker
	fanout   Fanout
	nodeID   string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cache *doccache.Cache, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Presence.Logger == nil {
		opts.Presence.Logger = opts.Logger
	}
	r := &Relay{
		cache:    cache,
		hub:      NewHub(),
		fanout:   opts.Fanout,
		nodeID:   opts.NodeID,
		logger:   opts.Logger,
		sessions: make(map[string]*session),
	}
	r.presence = presence.NewTracker(r.emitPresence, opts.Presence)
	return r
}

func (r *Relay) Hub() *Hub                   { return r.hub }
func (r *Relay) Presence() *presence.Tracker { return r.presence }

func (r *Relay) emitPresence(s presence.Snapshot) {
	r.hub.Broadcast(s.Room, Presence{Snapshot: s}, "")
}

// Connect registers a peer. It must be called before Handle.
func (r *Relay) Connect(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[p.ID()] = &session{
		peer:      p,
		docs:      make(map[string]struct{}),
		awareness: make(map[string]struct{}),
		presence:  make(map[string]struct{}),
	}
	r.logger.Debug("connected", "conn", p.ID())
}

// Disconnect leaves every document and presence room of the peer and tells the remaining
// members of its documents to drop its awareness state.
func (r *Relay) Disconnect(p Peer) {
	r.mu.Lock()
	s, ok := r.sessions[p.ID()]
	delete(r.sessions, p.ID())
	r.mu.Unlock()
	if !ok {
		return
	}
	for docID := range s.awareness {
		r.hub.Broadcast(room.Doc(docID), Awareness{DocID: docID, From: p.ID(), State: json.RawMessage("null")}, p.ID())
	}
	for docID := range s.docs {
		r.hub.Leave(room.Doc(docID), p.ID())
		r.cache.RemoveRef(docID)
	}
	for name := range s.presence {
		r.hub.Leave(name, p.ID())
	}
	r.presence.Disconnect(p.ID())
	r.logger.Debug("disconnected", "conn", p.ID(), "docs", len(s.docs))
}

func (r *Relay) session(p Peer) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[p.ID()]
}

// Handle processes one inbound message from p. Messages from a peer must be handled
// sequentially, in arrival order.
func (r *Relay) Handle(ctx context.Context, p Peer, msg Message) {
	s := r.session(p)
	if s == nil {
		r.logger.Warn("message from unknown connection", "conn", p.ID(), "type", msg.Kind())
		return
	}
	switch m := msg.(type) {
	case Join:
		r.join(ctx, s, m)
	case Leave:
		r.leave(s, m)
	case Update:
		r.update(ctx, s, m)
	case SyncRequest:
		r.syncRequest(ctx, s, m)
	case Awareness:
		r.awareness(s, m)
	case PresenceJoin:
		r.presenceJoin(s, m)
	case PresenceLeave:
		r.presenceLeave(s, m)
	case PresenceHeartbeat:
		r.presence.Heartbeat(p.ID())
	default:
		r.reply(s, Error{Code: "unexpected", Message: "clients may not send " + string(msg.Kind())})
	}
}

func (r *Relay) reply(s *session, msg Message) {
	if err := s.peer.Send(msg); err != nil {
		r.logger.Warn("failed to reply", "conn", s.peer.ID(), "type", msg.Kind(), "err", err)
	}
}

func (r *Relay) join(ctx context.Context, s *session, m Join) {
	r.mu.Lock()
	_, already := s.docs[m.DocID]
	s.docs[m.DocID] = struct{}{}
	r.mu.Unlock()

	if !already {
		r.hub.Join(room.Doc(m.DocID), s.peer)
		r.cache.AddRef(m.DocID)
	}
	// a failed hydration degrades to an empty document
	_ = r.cache.Hydrate(ctx, m.DocID)

	var state []byte
	if len(m.StateVector) > 0 {
		diff, _, err := r.cache.EncodeDiff(m.DocID, m.StateVector)
		if err != nil {
			r.reply(s, Error{Code: "bad_state_vector", Message: err.Error()})
			return
		}
		state = diff
	} else {
		state, _ = r.cache.EncodeFullState(m.DocID)
	}
	// a join is always answered so the client knows it is caught up
	if state == nil {
		state = []byte{}
	}
	r.reply(s, Sync{DocID: m.DocID, State: state})
}

func (r *Relay) leave(s *session, m Leave) {
	r.mu.Lock()
	_, joined := s.docs[m.DocID]
	delete(s.docs, m.DocID)
	r.mu.Unlock()
	if !joined {
		return
	}
	r.hub.Leave(room.Doc(m.DocID), s.peer.ID())
	r.cache.RemoveRef(m.DocID)
}

// update rebroadcasts first, then applies to the cache. The origin connection never gets
// its own update back.
func (r *Relay) update(ctx context.Context, s *session, m Update) {
	out := Update{DocID: m.DocID, Delta: m.Delta, From: s.peer.ID()}
	r.hub.Broadcast(room.Doc(m.DocID), out, s.peer.ID())

	if r.fanout != nil {
		if err := r.fanout.Publish(ctx, FanoutMessage{Node: r.nodeID, DocID: m.DocID, Delta: m.Delta, From: s.peer.ID()}); err != nil {
			r.logger.Error("failed to publish update", "doc", m.DocID, "err", err)
		}
	}

	if err := r.cache.ApplyUpdate(m.DocID, m.Delta, crdt.OriginRemote); err != nil {
		r.logger.Error("failed to apply update", "doc", m.DocID, "conn", s.peer.ID(), "err", err)
		r.reply(s, Error{Code: "apply_failed", Message: err.Error()})
	}
}

func (r *Relay) syncRequest(ctx context.Context, s *session, m SyncRequest) {
	_ = r.cache.Hydrate(ctx, m.DocID)
	diff, ok, err := r.cache.EncodeDiff(m.DocID, m.StateVector)
	if err != nil {
		r.reply(s, Error{Code: "bad_state_vector", Message: err.Error()})
		return
	}
	if !ok || len(diff) == 0 {
		return
	}
	r.reply(s, Sync{DocID: m.DocID, State: diff})
}

func (r *Relay) awareness(s *session, m Awareness) {
	r.mu.Lock()
	if string(m.State) == "null" || len(m.State) == 0 {
		delete(s.awareness, m.DocID)
	} else {
		s.awareness[m.DocID] = struct{}{}
	}
	r.mu.Unlock()
	state := m.State
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	r.hub.Broadcast(room.Doc(m.DocID), Awareness{DocID: m.DocID, From: s.peer.ID(), State: state}, s.peer.ID())
}

func (r *Relay) presenceJoin(s *session, m PresenceJoin) {
	r.mu.Lock()
	s.presence[m.Room] = struct{}{}
	r.mu.Unlock()
	r.hub.Join(m.Room, s.peer)
	r.presence.JoinRooms(s.peer.ID(), []string{m.Room}, m.Identity)
}

func (r *Relay) presenceLeave(s *session, m PresenceLeave) {
	r.mu.Lock()
	delete(s.presence, m.Room)
	r.mu.Unlock()
	r.hub.Leave(m.Room, s.peer.ID())
	r.presence.LeaveRooms(s.peer.ID(), []string{m.Room})
}

// deliverRemote handles an update published by another node. Only documents this node
// holds in memory are updated; the origin node persists the rest.
func (r *Relay) deliverRemote(m FanoutMessage) {
	if m.Node == r.nodeID {
		return
	}
	r.hub.Broadcast(room.Doc(m.DocID), Update{DocID: m.DocID, Delta: m.Delta, From: m.From}, "")
	if _, ok := r.cache.Lookup(m.DocID); !ok {
		return
	}
	if err := r.cache.ApplyUpdate(m.DocID, m.Delta, crdt.OriginRemote); err != nil {
		r.logger.Error("failed to apply fanned out update", "doc", m.DocID, "node", m.Node, "err", err)
	}
}

// Run drives the presence prune loop and, when configured, the fan-out subscription.
func (r *Relay) Run(ctx context.Context) error {
	if r.fanout == nil {
		return r.presence.Run(ctx)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return r.fanout.Run(ctx, r.deliverRemote)
	})
	eg.Go(func() error {
		return r.presence.Run(ctx)
	})
	return eg.Wait()
}
