// Package hub implements the per-user fleet actor and the singleton parking
// lot for unauthenticated clients. Each hub runs a single goroutine that owns
// all of its state; sockets feed it through channels.
package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Per-connection send buffer. A subscriber that falls this far behind
	// starts missing broadcasts.
	sendBuffer = 256
)

// Session kinds.
const (
	kindClient  = "client"
	kindBrowser = "browser"
	kindPending = "pending"
)

// session is one WebSocket connection attached to a hub.
type session struct {
	conn *websocket.Conn
	send chan []byte
	kind string

	// clientID tags a client session; pending sessions use it for the
	// pending_id. Mutated only inside the owning actor.
	clientID string

	// closeFrame, when set before the send channel is closed, becomes the
	// close frame the write pump emits after draining queued messages. The
	// channel close orders the write.
	closeFrame []byte

	inbound chan<- inboundFrame
	closed  chan<- *session
	log     zerolog.Logger
}

// inboundFrame is one raw frame delivered to the actor.
type inboundFrame struct {
	sess   *session
	data   []byte
	binary bool
}

func newSession(conn *websocket.Conn, kind, clientID string, inbound chan<- inboundFrame, closed chan<- *session, log zerolog.Logger) *session {
	return &session{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		kind:     kind,
		clientID: clientID,
		inbound:  inbound,
		closed:   closed,
		log:      log,
	}
}

// enqueue hands data to the write pump without blocking the actor. A full
// buffer drops the frame; the subscriber catches up or times out.
func (s *session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// readPump reads frames from the WebSocket connection and feeds the actor.
func (s *session) readPump() {
	defer func() {
		s.closed <- s
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// Answer protocol-level pings explicitly so keepalive survives proxies
	// that drop unsolicited pongs.
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("kind", s.kind).Msg("read error")
			}
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.inbound <- inboundFrame{sess: s, data: data, binary: mt == websocket.BinaryMessage}
	}
}

// writePump pumps frames from the send channel to the WebSocket connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				frame := s.closeFrame
				if frame == nil {
					frame = []byte{}
				}
				_ = s.conn.WriteMessage(websocket.CloseMessage, frame)
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
