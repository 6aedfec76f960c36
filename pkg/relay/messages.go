package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/wavesync/pkg/presence"
	"github.com/astromechza/wavesync/pkg/room"
)

var ErrMalformed = errors.New("malformed message")

type Kind string

const (
	KindJoin              Kind = "join"
	KindLeave             Kind = "leave"
	KindUpdate            Kind = "update"
	KindSyncRequest       Kind = "syncRequest"
	KindSync              Kind = "sync"
	KindAwareness         Kind = "awareness"
	KindPresenceJoin      Kind = "presenceJoin"
	KindPresenceLeave     Kind = "presenceLeave"
	KindPresenceHeartbeat Kind = "presenceHeartbeat"
	KindPresence          Kind = "presence"
	KindError             Kind = "error"
)

// Message is one of the closed set of relay messages below.
type Message interface {
	Kind() Kind
	validate() error
}

// Join subscribes to a document. Without a state vector the reply is the full state; with
// one it is the diff the sender is missing.
type Join struct {
	DocID       string `json:"docId"`
	StateVector []byte `json:"stateVector,omitempty"`
}

type Leave struct {
	DocID string `json:"docId"`
}

// Update carries an incremental delta. From is set by the relay when rebroadcasting.
type Update struct {
	DocID string `json:"docId"`
	Delta []byte `json:"delta"`
	From  string `json:"from,omitempty"`
}

type SyncRequest struct {
	DocID       string `json:"docId"`
	StateVector []byte `json:"stateVector"`
}

// Sync answers join and syncRequest. An empty State on a plain join means the server has
// no prior state for the document.
type Sync struct {
	DocID string `json:"docId"`
	State []byte `json:"state"`
}

// Awareness is ephemeral per-peer metadata. A null State removes the peer.
type Awareness struct {
	DocID string          `json:"docId"`
	From  string          `json:"from,omitempty"`
	State json.RawMessage `json:"state"`
}

type PresenceJoin struct {
	Room     string            `json:"room"`
	Identity presence.Identity `json:"identity"`
}

type PresenceLeave struct {
	Room string `json:"room"`
}

type PresenceHeartbeat struct{}

type Presence struct {
	presence.Snapshot
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Join) Kind() Kind              { return KindJoin }
func (Leave) Kind() Kind             { return KindLeave }
func (Update) Kind() Kind            { return KindUpdate }
func (SyncRequest) Kind() Kind       { return KindSyncRequest }
func (Sync) Kind() Kind              { return KindSync }
func (Awareness) Kind() Kind         { return KindAwareness }
func (PresenceJoin) Kind() Kind      { return KindPresenceJoin }
func (PresenceLeave) Kind() Kind     { return KindPresenceLeave }
func (PresenceHeartbeat) Kind() Kind { return KindPresenceHeartbeat }
func (Presence) Kind() Kind          { return KindPresence }
func (Error) Kind() Kind             { return KindError }

func requireDoc(docID string) error {
	if docID == "" {
		return fmt.Errorf("%w: missing docId", ErrMalformed)
	}
	return nil
}

func requirePresenceRoom(name string) error {
	if _, _, ok := room.Parse(name); !ok {
		return fmt.Errorf("%w: %q is not a presence room", ErrMalformed, name)
	}
	return nil
}

func (m Join) validate() error  { return requireDoc(m.DocID) }
func (m Leave) validate() error { return requireDoc(m.DocID) }
func (m Update) validate() error {
	if err := requireDoc(m.DocID); err != nil {
		return err
	}
	if len(m.Delta) == 0 {
		return fmt.Errorf("%w: empty delta", ErrMalformed)
	}
	return nil
}
func (m SyncRequest) validate() error { return requireDoc(m.DocID) }
func (m Sync) validate() error        { return requireDoc(m.DocID) }
func (m Awareness) validate() error {
	if err := requireDoc(m.DocID); err != nil {
		return err
	}
	if len(m.State) > 0 && !json.Valid(m.State) {
		return fmt.Errorf("%w: awareness state is not json", ErrMalformed)
	}
	return nil
}
func (m PresenceJoin) validate() error {
	if err := requirePresenceRoom(m.Room); err != nil {
		return err
	}
	if m.Identity.UserID == "" {
		return fmt.Errorf("%w: missing identity.userId", ErrMalformed)
	}
	return nil
}
func (m PresenceLeave) validate() error   { return requirePresenceRoom(m.Room) }
func (PresenceHeartbeat) validate() error { return nil }
func (m Presence) validate() error        { return nil }
func (m Error) validate() error           { return nil }

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps m in its tagged envelope.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Type: m.Kind(), Payload: payload})
}

// Decode parses and validates a tagged envelope. Unknown kinds and invalid payloads are
// reported as ErrMalformed.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var (
		msg Message
		err error
	)
	switch env.Type {
	case KindJoin:
		msg, err = decodeAs[Join](env.Payload)
	case KindLeave:
		msg, err = decodeAs[Leave](env.Payload)
	case KindUpdate:
		msg, err = decodeAs[Update](env.Payload)
	case KindSyncRequest:
		msg, err = decodeAs[SyncRequest](env.Payload)
	case KindSync:
		msg, err = decodeAs[Sync](env.Payload)
	case KindAwareness:
		msg, err = decodeAs[Awareness](env.Payload)
	case KindPresenceJoin:
		msg, err = decodeAs[PresenceJoin](env.Payload)
	case KindPresenceLeave:
		msg, err = decodeAs[PresenceLeave](env.Payload)
	case KindPresenceHeartbeat:
		msg = PresenceHeartbeat{}
	case KindPresence:
		msg, err = decodeAs[Presence](env.Payload)
	case KindError:
		msg, err = decodeAs[Error](env.Payload)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T Message](payload json.RawMessage) (Message, error) {
	var m T
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
