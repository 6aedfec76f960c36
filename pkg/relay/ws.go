package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendBuffer   = 256
	// updates carry whole snapshots on first sync, so allow large frames
	maxFrameSize = 32 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsPeer struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string { return p.id }

// Send queues msg. A peer that cannot keep up is disconnected rather than stalling the room.
func (p *wsPeer) Send(msg Message) error {
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.out <- raw:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		p.close()
		return ErrSlowConsumer
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *wsPeer) writePump() error {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case raw := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		}
	}
}

func (p *wsPeer) readPump(ctx context.Context, r *Relay) error {
	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		msg, err := Decode(raw)
		if err != nil {
			r.logger.Warn("dropping message", "conn", p.id, "err", err)
			_ = p.Send(Error{Code: "malformed", Message: err.Error()})
			continue
		}
		r.Handle(ctx, p, msg)
	}
}

// ServeWS upgrades the request and runs the connection until either side closes it.
func (r *Relay) ServeWS(writer http.ResponseWriter, request *http.Request) {
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		r.logger.Error("failed to upgrade", "err", err)
		return
	}
	p := newWSPeer(conn)
	r.Connect(p)
	defer r.Disconnect(p)

	ctx := request.Context()
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.close()
		if err := p.writePump(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			r.logger.Debug("write pump stopped", "conn", p.id, "err", err)
		}
	}()

	if err := p.readPump(ctx, r); err != nil {
		select {
		case <-p.done:
		default:
			r.logger.Info("connection closed", "conn", p.id, "err", err)
		}
	}
	p.close()
	wg.Wait()
}
