package relay

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrPeerClosed   = errors.New("peer closed")
	ErrSlowConsumer = errors.New("peer send buffer full")
)

// Peer is one connected client as seen by the relay.
type Peer interface {
	ID() string
	// Send queues msg for delivery without blocking.
	Send(msg Message) error
}

// Hub maps room names to subscribed peers.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Peer
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]Peer)}
}

// Join subscribes p to room and reports whether it was not already subscribed.
func (h *Hub) Join(room string, p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.rooms[room]
	if !ok {
		peers = make(map[string]Peer)
		h.rooms[room] = peers
	}
	if _, ok := peers[p.ID()]; ok {
		return false
	}
	peers[p.ID()] = p
	return true
}

func (h *Hub) Leave(room string, peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := peers[peerID]; !ok {
		return false
	}
	delete(peers, peerID)
	if len(peers) == 0 {
		delete(h.rooms, room)
	}
	return true
}

// Broadcast sends msg to every peer in room except the one with id except, and returns the
// number of peers it was queued for.
func (h *Hub) Broadcast(room string, msg Message, except string) int {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.rooms[room]))
	for id, p := range h.rooms[room] {
		if id != except {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// Members lists the peer ids subscribed to room.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
