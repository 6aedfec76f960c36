// Package presence tracks which connections occupy which rooms and publishes debounced
// occupancy snapshots.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/astromechza/wavesync/pkg/room"
)

type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Color  string `json:"color,omitempty"`
}

// Snapshot is the occupancy of one room at emit time. Count is the number of distinct
// users, so several tabs of one user count once; Connections counts every live connection.
type Snapshot struct {
	Room        string     `json:"room"`
	WaveID      string     `json:"waveId"`
	BlipID      string     `json:"blipId,omitempty"`
	Count       int        `json:"count"`
	Connections int        `json:"connections"`
	Users       []Identity `json:"users"`
}

type EmitFunc func(Snapshot)

type Options struct {
	Debounce      time.Duration
	TTL           time.Duration
	PruneInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if o.TTL <= 0 {
		o.TTL = 60 * time.Second
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type member struct {
	identity Identity
	lastSeen time.Time
}

type Tracker struct {
	opts     Options
	emit     EmitFunc
	debounce *Debouncer

	mu    sync.Mutex
	rooms map[string]map[string]*member
	conns map[string]map[string]struct{}
}

func NewTracker(emit EmitFunc, opts Options) *Tracker {
	opts.defaults()
	return &Tracker{
		opts:     opts,
		emit:     emit,
		debounce: NewDebouncer(opts.Debounce),
		rooms:    make(map[string]map[string]*member),
		conns:    make(map[string]map[string]struct{}),
	}
}

func (t *Tracker) JoinRooms(connID string, rooms []string, identity Identity) {
	now := t.opts.Now()
	t.mu.Lock()
	for _, r := range rooms {
		members, ok := t.rooms[r]
		if !ok {
			members = make(map[string]*member)
			t.rooms[r] = members
		}
		members[connID] = &member{identity: identity, lastSeen: now}
		memberships, ok := t.conns[connID]
		if !ok {
			memberships = make(map[string]struct{})
			t.conns[connID] = memberships
		}
		memberships[r] = struct{}{}
	}
	t.mu.Unlock()
	for _, r := range rooms {
		t.schedule(r)
	}
}

func (t *Tracker) LeaveRooms(connID string, rooms []string) {
	t.mu.Lock()
	changed := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if t.removeLocked(connID, r) {
			changed = append(changed, r)
		}
	}
	t.mu.Unlock()
	for _, r := range changed {
		t.schedule(r)
	}
}

// Disconnect removes connID from every room it is present in.
func (t *Tracker) Disconnect(connID string) {
	t.mu.Lock()
	rooms := maps.Keys(t.conns[connID])
	t.mu.Unlock()
	t.LeaveRooms(connID, rooms)
}

// Heartbeat extends the TTL of every presence entry of connID without emitting.
func (t *Tracker) Heartbeat(connID string) {
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for r := range t.conns[connID] {
		if m, ok := t.rooms[r][connID]; ok {
			m.lastSeen = now
		}
	}
}

// PruneExpired removes entries not seen within the TTL and re-emits affected rooms. It
// returns the number of removed entries.
func (t *Tracker) PruneExpired(now time.Time) int {
	t.mu.Lock()
	pruned := 0
	changed := make(map[string]struct{})
	for r, members := range t.rooms {
		for connID, m := range members {
			if now.Sub(m.lastSeen) > t.opts.TTL {
				t.removeLocked(connID, r)
				changed[r] = struct{}{}
				pruned++
			}
		}
	}
	t.mu.Unlock()
	for r := range changed {
		t.schedule(r)
	}
	return pruned
}

// removeLocked drops connID from room r. Empty rooms stay until their next emit.
func (t *Tracker) removeLocked(connID, r string) bool {
	members, ok := t.rooms[r]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if memberships, ok := t.conns[connID]; ok {
		delete(memberships, r)
		if len(memberships) == 0 {
			delete(t.conns, connID)
		}
	}
	return true
}

func (t *Tracker) schedule(r string) {
	t.debounce.Trigger(r, func() { t.emitRoom(r) })
}

// Occupancy builds the current snapshot of a room.
func (t *Tracker) Occupancy(r string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(r, t.opts.Now())
}

func (t *Tracker) snapshotLocked(r string, now time.Time) Snapshot {
	waveID, blipID, _ := room.Parse(r)
	snap := Snapshot{Room: r, WaveID: waveID, BlipID: blipID, Users: []Identity{}}
	seen := make(map[string]struct{})
	for connID, m := range t.rooms[r] {
		if now.Sub(m.lastSeen) > t.opts.TTL {
			continue
		}
		snap.Connections++
		key := m.identity.UserID
		if key == "" {
			key = "conn:" + connID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		snap.Users = append(snap.Users, m.identity)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].UserID < snap.Users[j].UserID })
	snap.Count = len(snap.Users)
	return snap
}

func (t *Tracker) emitRoom(r string) {
	t.mu.Lock()
	if _, ok := t.rooms[r]; !ok {
		t.mu.Unlock()
		return
	}
	snap := t.snapshotLocked(r, t.opts.Now())
	if len(t.rooms[r]) == 0 {
		delete(t.rooms, r)
	}
	t.mu.Unlock()

	t.opts.Logger.Debug("presence", "room", r, "count", snap.Count)
	if t.emit != nil {
		t.emit(snap)
	}
}

// Rooms lists rooms that currently have an entry, including rooms awaiting their final
// empty emit.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := maps.Keys(t.rooms)
	sort.Strings(out)
	return out
}

// Run prunes expired entries periodically until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := t.PruneExpired(t.opts.Now()); n > 0 {
				t.opts.Logger.Info("pruned presence", "count", n)
			}
		case <-ctx.Done():
			t.debounce.Stop()
			return nil
		}
	}
}
