package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/protocol"
	"github.com/aogate/aogate/internal/store"
)

// Sentinel errors mapped to HTTP statuses at the gateway boundary.
var (
	ErrNotFound      = errors.New("client not found")
	ErrNoCallbackURL = errors.New("client has no callback URL configured")
	ErrUpstreamFetch = errors.New("callback fetch failed")
)

// inFlight correlates a forwarded request with the browser that issued it.
type inFlight struct {
	clientID string
	browser  *session
}

// UserHub owns one user's fleet: live client sockets, browser subscribers,
// durable records, and in-flight forwarded requests. All state is confined
// to the run goroutine.
type UserHub struct {
	userID string
	store  *store.Store
	log    zerolog.Logger
	fetch  *http.Client

	inbound chan inboundFrame
	closed  chan *session
	calls   chan func()

	sessions map[*session]bool
	clients  map[string]*session
	records  map[string]*store.ClientRecord
	browsers map[*session]bool
	inflight map[string]*inFlight
}

// NewUserHub creates the hub for userID and starts its actor goroutine.
func NewUserHub(userID string, st *store.Store, log zerolog.Logger) *UserHub {
	h := &UserHub{
		userID:   userID,
		store:    st,
		log:      log.With().Str("component", "userhub").Str("user_id", userID).Logger(),
		fetch:    &http.Client{Timeout: 30 * time.Second},
		inbound:  make(chan inboundFrame, 256),
		closed:   make(chan *session),
		calls:    make(chan func()),
		sessions: make(map[*session]bool),
		clients:  make(map[string]*session),
		records:  make(map[string]*store.ClientRecord),
		browsers: make(map[*session]bool),
		inflight: make(map[string]*inFlight),
	}
	go h.run()
	return h
}

func (h *UserHub) run() {
	for {
		select {
		case sess := <-h.closed:
			h.handleClose(sess)
		case f := <-h.inbound:
			h.handleFrame(f)
		case fn := <-h.calls:
			fn()
		}
	}
}

// do executes fn inside the actor and waits for it to finish.
func (h *UserHub) do(fn func()) {
	done := make(chan struct{})
	h.calls <- func() {
		fn()
		close(done)
	}
	<-done
}

// AttachClient hands an authenticated client socket to the hub. clientID is
// the tag from the upgrade URL; the durable record is created when the
// register frame arrives.
func (h *UserHub) AttachClient(conn *websocket.Conn, clientID string) {
	sess := newSession(conn, kindClient, clientID, h.inbound, h.closed, h.log)
	h.do(func() {
		h.sessions[sess] = true
	})
	go sess.writePump()
	go sess.readPump()
	h.log.Debug().Str("client_id", clientID).Msg("client socket attached")
}

// AttachBrowser hands an authenticated browser socket to the hub and joins
// it to the subscriber set.
func (h *UserHub) AttachBrowser(conn *websocket.Conn) {
	sess := newSession(conn, kindBrowser, "", h.inbound, h.closed, h.log)
	h.do(func() {
		h.sessions[sess] = true
		h.browsers[sess] = true
	})
	go sess.writePump()
	go sess.readPump()
	h.log.Debug().Msg("browser socket attached")
}

// handleClose runs inside the actor when a socket's read pump exits.
func (h *UserHub) handleClose(sess *session) {
	if !h.sessions[sess] {
		// Already detached (replaced or force-disconnected).
		return
	}
	delete(h.sessions, sess)
	delete(h.browsers, sess)
	close(sess.send)

	switch sess.kind {
	case kindBrowser:
		for rid, fl := range h.inflight {
			if fl.browser == sess {
				delete(h.inflight, rid)
			}
		}
		h.log.Debug().Msg("browser socket closed")

	case kindClient:
		id := sess.clientID
		if id == "" || h.clients[id] != sess {
			return
		}
		delete(h.clients, id)
		rec := h.records[id]
		delete(h.records, id)

		if rec != nil {
			rec.Status = protocol.StatusDisconnected
			rec.LastSeen = time.Now().UTC()
			if err := h.store.UpdateClientStatus(h.userID, id, rec.Status, rec.LastSeen); err != nil {
				h.log.Error().Err(err).Str("client_id", id).Msg("failed to persist disconnect")
			}
		}
		for rid, fl := range h.inflight {
			if fl.clientID == id {
				delete(h.inflight, rid)
			}
		}
		h.broadcast(protocol.Marshal(protocol.ClientDisconnected{
			Type:     protocol.TypeClientDisconnected,
			ClientID: id,
		}))
		h.log.Info().Str("client_id", id).Msg("client socket closed")
	}
}

// handleFrame runs inside the actor for every inbound WebSocket frame.
func (h *UserHub) handleFrame(f inboundFrame) {
	if !h.sessions[f.sess] {
		return
	}
	if f.binary {
		h.sendError(f.sess, "Binary messages not supported")
		return
	}

	typ, err := protocol.FrameType(f.data)
	if err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}

	switch typ {
	case protocol.TypeRegister:
		h.handleRegister(f)
	case protocol.TypeStatusUpdate:
		h.handleStatusUpdate(f)
	case protocol.TypePing:
		h.handlePing(f)
	case protocol.TypeGetClients:
		h.handleGetClients(f)
	case protocol.TypeConnectClient:
		h.handleConnectClient(f)
	case protocol.TypeForwardToClient:
		h.handleForward(f)
	case protocol.TypeResponseChunk:
		h.handleResponseChunk(f)
	case protocol.TypeResponseComplete:
		h.handleResponseComplete(f)
	case protocol.TypeHTTPProxyRequest, protocol.TypeHTTPProxyResponse:
		h.sendError(f.sess, "HTTP proxying is served by the /clients/{id}/proxy endpoint, not the WebSocket")
	default:
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: unknown type %q", typ))
	}
}

func (h *UserHub) handleRegister(f inboundFrame) {
	var reg protocol.Register
	if err := json.Unmarshal(f.data, &reg); err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}
	if f.sess.kind != kindClient {
		h.sendError(f.sess, "register is a client message")
		return
	}
	if reg.ClientID == "" {
		h.sendError(f.sess, "register requires client_id")
		return
	}

	// A duplicate id takes over: the previous socket is detached.
	if old := h.clients[reg.ClientID]; old != nil && old != f.sess {
		delete(h.sessions, old)
		delete(h.clients, reg.ClientID)
		close(old.send)
		h.log.Warn().Str("client_id", reg.ClientID).Msg("replaced duplicate client connection")
	}

	now := time.Now().UTC()
	rec := &store.ClientRecord{
		ID:           reg.ClientID,
		UserID:       h.userID,
		Hostname:     reg.Metadata.Hostname,
		Project:      reg.Metadata.Project,
		Status:       protocol.StatusIdle,
		LastActivity: reg.Metadata.LastActivity,
		CallbackURL:  reg.Metadata.CallbackURL,
		ConnectedAt:  now,
		LastSeen:     now,
	}

	f.sess.clientID = reg.ClientID
	h.clients[reg.ClientID] = f.sess
	h.records[reg.ClientID] = rec

	if err := h.store.UpsertClient(rec); err != nil {
		h.log.Error().Err(err).Str("client_id", reg.ClientID).Msg("failed to persist client")
	}

	f.sess.enqueue(protocol.Marshal(protocol.Registered{
		Type:    protocol.TypeRegistered,
		Success: true,
	}))
	h.broadcastUpdate(rec)

	h.log.Info().
		Str("client_id", reg.ClientID).
		Str("hostname", reg.Metadata.Hostname).
		Msg("client registered")
}

func (h *UserHub) handleStatusUpdate(f inboundFrame) {
	var upd protocol.StatusUpdate
	if err := json.Unmarshal(f.data, &upd); err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}
	if f.sess.kind != kindClient {
		h.sendError(f.sess, "status_update is a client message")
		return
	}
	if !upd.Status.Valid() {
		h.sendError(f.sess, fmt.Sprintf("invalid status %q", upd.Status))
		return
	}

	rec := h.records[upd.ClientID]
	if rec == nil {
		return
	}
	now := time.Now().UTC()
	rec.Status = upd.Status
	rec.LastActivity = now.Format(time.RFC3339)
	rec.LastSeen = now

	if err := h.store.UpsertClient(rec); err != nil {
		h.log.Error().Err(err).Str("client_id", upd.ClientID).Msg("failed to persist status")
	}
	h.broadcastUpdate(rec)
}

func (h *UserHub) handlePing(f inboundFrame) {
	var ping protocol.Ping
	if err := json.Unmarshal(f.data, &ping); err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}
	if f.sess.kind != kindClient {
		h.sendError(f.sess, "ping is a client message")
		return
	}

	if rec := h.records[ping.ClientID]; rec != nil {
		rec.LastSeen = time.Now().UTC()
		if err := h.store.TouchClient(h.userID, ping.ClientID, rec.LastSeen); err != nil {
			h.log.Error().Err(err).Str("client_id", ping.ClientID).Msg("failed to touch client")
		}
	}

	f.sess.enqueue(protocol.Marshal(protocol.Pong{
		Type:     protocol.TypePong,
		ClientID: ping.ClientID,
	}))
}

func (h *UserHub) handleGetClients(f inboundFrame) {
	if f.sess.kind != kindBrowser {
		h.sendError(f.sess, "get_clients is a browser message")
		return
	}
	h.browsers[f.sess] = true

	f.sess.enqueue(protocol.Marshal(protocol.ClientList{
		Type:    protocol.TypeClientList,
		Clients: h.reconcileList(),
	}))
}

func (h *UserHub) handleConnectClient(f inboundFrame) {
	var req protocol.ConnectClient
	if err := json.Unmarshal(f.data, &req); err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}
	if f.sess.kind != kindBrowser {
		h.sendError(f.sess, "connect_client is a browser message")
		return
	}

	resp := protocol.ConnectResponse{
		Type:     protocol.TypeConnectResponse,
		ClientID: req.ClientID,
	}
	if h.clients[req.ClientID] != nil {
		resp.Success = true
		resp.Message = fmt.Sprintf("Connected to %q. Use forward_to_client to send commands.", req.ClientID)
	} else if h.reconcileStale(req.ClientID) {
		resp.Message = "Client is offline (no active connection)"
	} else {
		resp.Message = "Client not found"
	}
	f.sess.enqueue(protocol.Marshal(resp))
}

func (h *UserHub) handleForward(f inboundFrame) {
	var fwd protocol.ForwardToClient
	if err := json.Unmarshal(f.data, &fwd); err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}
	if f.sess.kind != kindBrowser {
		h.sendError(f.sess, "forward_to_client is a browser message")
		return
	}

	target := h.clients[fwd.ClientID]
	if target == nil {
		message := "Client not found"
		if h.reconcileStale(fwd.ClientID) {
			message = "Client is offline (no active connection)"
		}
		f.sess.enqueue(protocol.Marshal(protocol.ForwardedResponse{
			Type:      protocol.TypeForwardedResponse,
			ClientID:  fwd.ClientID,
			RequestID: fwd.RequestID,
			Data:      errorData(message),
			Complete:  true,
		}))
		return
	}

	h.inflight[fwd.RequestID] = &inFlight{clientID: fwd.ClientID, browser: f.sess}
	target.enqueue(protocol.Marshal(protocol.UserRequest{
		Type:      protocol.TypeUserRequest,
		RequestID: fwd.RequestID,
		Action:    fwd.Action,
		Payload:   fwd.Payload,
	}))
}

func (h *UserHub) handleResponseChunk(f inboundFrame) {
	var chunk protocol.ResponseChunk
	if err := json.Unmarshal(f.data, &chunk); err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}
	if f.sess.kind != kindClient {
		h.sendError(f.sess, "response_chunk is a client message")
		return
	}

	fl := h.inflight[chunk.RequestID]
	if fl == nil {
		return
	}
	fl.browser.enqueue(protocol.Marshal(protocol.ForwardedResponse{
		Type:      protocol.TypeForwardedResponse,
		ClientID:  fl.clientID,
		RequestID: chunk.RequestID,
		Data:      chunk.Data,
		Complete:  false,
	}))
}

func (h *UserHub) handleResponseComplete(f inboundFrame) {
	var done protocol.ResponseComplete
	if err := json.Unmarshal(f.data, &done); err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}
	if f.sess.kind != kindClient {
		h.sendError(f.sess, "response_complete is a client message")
		return
	}

	fl := h.inflight[done.RequestID]
	if fl == nil {
		return
	}
	delete(h.inflight, done.RequestID)

	data := done.Data
	if len(data) == 0 {
		data = json.RawMessage(`{"complete": true}`)
	}
	fl.browser.enqueue(protocol.Marshal(protocol.ForwardedResponse{
		Type:      protocol.TypeForwardedResponse,
		ClientID:  fl.clientID,
		RequestID: done.RequestID,
		Data:      data,
		Complete:  true,
	}))
}

// reconcileList returns the full fleet snapshot: live records plus stored
// ones, demoting any stored record that claims to be live but has no socket.
func (h *UserHub) reconcileList() []protocol.Client {
	out := make([]protocol.Client, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, rec.Wire())
	}

	stored, err := h.store.ListClients(h.userID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load stored clients")
		return out
	}
	for _, sr := range stored {
		if _, live := h.records[sr.ID]; live {
			continue
		}
		if sr.Status != protocol.StatusDisconnected {
			sr.Status = protocol.StatusDisconnected
			if err := h.store.UpdateClientStatus(h.userID, sr.ID, sr.Status, sr.LastSeen); err != nil {
				h.log.Error().Err(err).Str("client_id", sr.ID).Msg("failed to demote stale client")
			}
			h.broadcastUpdate(sr)
		}
		out = append(out, sr.Wire())
	}
	return out
}

// reconcileStale demotes a single stored record with no live socket. Reports
// whether the record exists at all.
func (h *UserHub) reconcileStale(clientID string) bool {
	sr, err := h.store.GetClient(h.userID, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		h.log.Error().Err(err).Str("client_id", clientID).Msg("failed to load client")
		return false
	}
	if sr.Status != protocol.StatusDisconnected {
		sr.Status = protocol.StatusDisconnected
		if err := h.store.UpdateClientStatus(h.userID, clientID, sr.Status, sr.LastSeen); err != nil {
			h.log.Error().Err(err).Str("client_id", clientID).Msg("failed to demote stale client")
		}
		h.broadcastUpdate(sr)
	}
	return true
}

func (h *UserHub) broadcastUpdate(rec *store.ClientRecord) {
	h.broadcast(protocol.Marshal(protocol.ClientUpdate{
		Type:   protocol.TypeClientUpdate,
		Client: rec.Wire(),
	}))
}

// broadcast fans a frame out to all browser subscribers. Full buffers are
// skipped; the lagging socket is cleaned up on its close event.
func (h *UserHub) broadcast(data []byte) {
	for sess := range h.browsers {
		if !sess.enqueue(data) {
			h.log.Warn().Msg("browser send buffer full, frame dropped")
		}
	}
}

func (h *UserHub) sendError(sess *session, message string) {
	sess.enqueue(protocol.Marshal(protocol.Error{
		Type:    protocol.TypeError,
		Message: message,
	}))
}

func errorData(message string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{"error": true, "message": message})
	return data
}

// List returns the fleet snapshot, reconciling stale records.
func (h *UserHub) List() []protocol.Client {
	var out []protocol.Client
	h.do(func() {
		out = h.reconcileList()
	})
	return out
}

// Get returns one client, live or stored.
func (h *UserHub) Get(clientID string) (protocol.Client, error) {
	var (
		out protocol.Client
		err error
	)
	h.do(func() {
		if rec := h.records[clientID]; rec != nil {
			out = rec.Wire()
			return
		}
		if !h.reconcileStale(clientID) {
			err = ErrNotFound
			return
		}
		sr, gerr := h.store.GetClient(h.userID, clientID)
		if gerr != nil {
			err = ErrNotFound
			return
		}
		out = sr.Wire()
	})
	return out, err
}

// Disconnect force-closes a live client socket, deletes its record, and
// notifies browsers. Returns ErrNotFound when no live socket exists.
func (h *UserHub) Disconnect(clientID string) error {
	var err error
	h.do(func() {
		sess := h.clients[clientID]
		if sess == nil {
			err = ErrNotFound
			return
		}

		h.sendError(sess, "Disconnected by user")

		delete(h.sessions, sess)
		delete(h.clients, clientID)
		delete(h.records, clientID)
		sess.closeFrame = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by user")
		close(sess.send)

		if derr := h.store.DeleteClient(h.userID, clientID); derr != nil {
			h.log.Error().Err(derr).Str("client_id", clientID).Msg("failed to delete client record")
		}
		for rid, fl := range h.inflight {
			if fl.clientID == clientID {
				delete(h.inflight, rid)
			}
		}
		h.broadcast(protocol.Marshal(protocol.ClientDisconnected{
			Type:     protocol.TypeClientDisconnected,
			ClientID: clientID,
		}))
		h.log.Info().Str("client_id", clientID).Msg("client disconnected by user")
	})
	return err
}

// ProxyRequest is the envelope handed to ProxyHTTP by the gateway.
type ProxyRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// ProxyResponse is the answer from the client's callback endpoint.
type ProxyResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// ProxyHTTP tunnels one HTTP request to the client's callback URL. The fetch
// runs inside the actor turn; queued frames wait until it finishes.
func (h *UserHub) ProxyHTTP(ctx context.Context, clientID string, preq *ProxyRequest) (*ProxyResponse, error) {
	var (
		out *ProxyResponse
		err error
	)
	h.do(func() {
		callbackURL := ""
		if rec := h.records[clientID]; rec != nil {
			callbackURL = rec.CallbackURL
		} else {
			sr, gerr := h.store.GetClient(h.userID, clientID)
			if errors.Is(gerr, store.ErrNotFound) {
				err = ErrNotFound
				return
			}
			if gerr != nil {
				err = gerr
				return
			}
			callbackURL = sr.CallbackURL
		}
		if callbackURL == "" {
			err = ErrNoCallbackURL
			return
		}

		target := strings.TrimSuffix(callbackURL, "/") + preq.Path
		if preq.Query != "" {
			target += "?" + preq.Query
		}

		req, rerr := http.NewRequestWithContext(ctx, preq.Method, target, bytes.NewReader(preq.Body))
		if rerr != nil {
			err = fmt.Errorf("%w: %v", ErrUpstreamFetch, rerr)
			return
		}
		for k, vs := range preq.Header {
			req.Header[k] = vs
		}

		resp, ferr := h.fetch.Do(req)
		if ferr != nil {
			err = fmt.Errorf("%w: %v", ErrUpstreamFetch, ferr)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		body, berr := io.ReadAll(resp.Body)
		if berr != nil {
			err = fmt.Errorf("%w: %v", ErrUpstreamFetch, berr)
			return
		}
		out = &ProxyResponse{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   body,
		}
	})
	return out, err
}
