// Package agent implements a reference client: it connects to the gateway
// with a bearer token, registers, answers forwarded requests, and keeps the
// connection alive across drops.
package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/protocol"
)

// Connection parameters
const (
	pingInterval   = 30 * time.Second
	pongWait       = 45 * time.Second
	writeWait      = 10 * time.Second
	maxBackoff     = 60 * time.Second
	initialBackoff = 1 * time.Second
)

// RequestHandler answers a forwarded request. The returned payload is sent
// back verbatim as the completing response.
type RequestHandler func(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error)

// Agent maintains the client connection to the gateway.
type Agent struct {
	cfg     Config
	log     zerolog.Logger
	handler RequestHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	backoff time.Duration
}

// New creates an agent. handler may be nil; forwarded requests are then
// answered with an error payload.
func New(cfg Config, log zerolog.Logger, handler RequestHandler) *Agent {
	return &Agent{
		cfg:     cfg,
		log:     log.With().Str("component", "agent").Logger(),
		handler: handler,
		backoff: initialBackoff,
	}
}

// Run connects to the gateway and maintains the connection until the context
// is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.log.Debug().Msg("context cancelled, stopping")
			return ctx.Err()
		default:
		}

		if err := a.connect(ctx); err != nil {
			a.log.Error().Err(err).Dur("backoff", a.backoff).Msg("connection failed, retrying")
			a.waitBackoff(ctx)
			continue
		}

		// Connected - reset backoff
		a.backoff = initialBackoff

		a.readLoop(ctx)
		a.waitBackoff(ctx)
	}
}

// ConnectURL builds the client upgrade URL from the configured server base.
func (a *Agent) ConnectURL() string {
	q := url.Values{}
	q.Set("client_id", a.cfg.ClientID)
	q.Set("token", a.cfg.Token)
	return wsBase(a.cfg.ServerURL) + "/ws/connect?" + q.Encode()
}

func (a *Agent) connect(ctx context.Context) error {
	target := a.ConnectURL()
	a.log.Debug().Str("url", wsBase(a.cfg.ServerURL)).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			a.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return err
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	go a.pingLoop(ctx, conn)

	if err := a.send(protocol.Register{
		Type:     protocol.TypeRegister,
		ClientID: a.cfg.ClientID,
		Metadata: protocol.ClientMetadata{
			Hostname:    a.cfg.Hostname,
			Project:     a.cfg.Project,
			CallbackURL: a.cfg.CallbackURL,
		},
	}); err != nil {
		return err
	}

	a.log.Info().Str("client_id", a.cfg.ClientID).Msg("connected to gateway")
	return nil
}

func (a *Agent) readLoop(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		if a.conn != nil {
			_ = a.conn.Close()
			a.conn = nil
		}
		a.mu.Unlock()
		a.log.Warn().Msg("disconnected from gateway")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.log.Error().Err(err).Msg("read error")
			}
			return
		}
		a.handleFrame(ctx, data)
	}
}

func (a *Agent) handleFrame(ctx context.Context, data []byte) {
	typ, err := protocol.FrameType(data)
	if err != nil {
		a.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse frame")
		return
	}

	switch typ {
	case protocol.TypeRegistered:
		var ack protocol.Registered
		if err := json.Unmarshal(data, &ack); err != nil || !ack.Success {
			a.log.Error().Str("message", ack.Message).Msg("registration rejected")
			return
		}
		a.log.Info().Msg("registered with gateway")

	case protocol.TypeUserRequest:
		var req protocol.UserRequest
		if err := json.Unmarshal(data, &req); err != nil {
			a.log.Error().Err(err).Msg("failed to parse user_request")
			return
		}
		a.handleRequest(ctx, req)

	case protocol.TypePong:
		// keepalive answered

	case protocol.TypeError:
		var frame protocol.Error
		_ = json.Unmarshal(data, &frame)
		a.log.Warn().Str("message", frame.Message).Msg("error from gateway")

	default:
		a.log.Debug().Str("type", typ).Msg("ignoring frame")
	}
}

// handleRequest runs the handler and completes the in-flight request. The
// client reports busy for the duration.
func (a *Agent) handleRequest(ctx context.Context, req protocol.UserRequest) {
	a.setStatus(protocol.StatusBusy)
	defer a.setStatus(protocol.StatusIdle)

	var result json.RawMessage
	var err error
	if a.handler != nil {
		result, err = a.handler(ctx, req.Action, req.Payload)
	} else {
		err = errUnsupported(req.Action)
	}

	if err != nil {
		result, _ = json.Marshal(map[string]any{"error": true, "message": err.Error()})
	}
	if serr := a.send(protocol.ResponseComplete{
		Type:      protocol.TypeResponseComplete,
		RequestID: req.RequestID,
		Data:      result,
	}); serr != nil {
		a.log.Error().Err(serr).Str("request_id", req.RequestID).Msg("failed to send response")
	}
}

func (a *Agent) setStatus(status protocol.ClientStatus) {
	if err := a.send(protocol.StatusUpdate{
		Type:     protocol.TypeStatusUpdate,
		ClientID: a.cfg.ClientID,
		Status:   status,
	}); err != nil {
		a.log.Debug().Err(err).Msg("status update failed")
	}
}

// pingLoop sends application-level pings so the gateway keeps touching
// last_seen.
func (a *Agent) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			current := a.conn
			a.mu.Unlock()
			if current != conn {
				return
			}
			if err := a.send(protocol.Ping{
				Type:     protocol.TypePing,
				ClientID: a.cfg.ClientID,
			}); err != nil {
				a.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (a *Agent) send(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(websocket.TextMessage, protocol.Marshal(v))
}

// Close shuts the connection down gracefully.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	_ = a.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(writeWait),
	)
	return a.conn.Close()
}

func (a *Agent) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(a.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	a.backoff *= 2
	if a.backoff > maxBackoff {
		a.backoff = maxBackoff
	}
}

// wsBase converts an http(s) base URL to its ws(s) form.
func wsBase(serverURL string) string {
	base := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

type errUnsupported string

func (e errUnsupported) Error() string { return "unsupported action: " + string(e) }
