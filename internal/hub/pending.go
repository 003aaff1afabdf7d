package hub

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/auth"
	"github.com/aogate/aogate/internal/protocol"
	"github.com/aogate/aogate/internal/store"
)

// How long a parked client may wait for a claim.
const pendingTimeout = 10 * time.Minute

// Close code sent when the authorization window expires.
const closeAuthTimeout = 4000

// ClaimPatterns names who may claim a parked client. At least one entry is
// required across the three sets.
type ClaimPatterns struct {
	Users []string
	Orgs  []string
	Teams []string // "org/team-slug"
}

// Empty reports whether no pattern was supplied.
func (p ClaimPatterns) Empty() bool {
	return len(p.Users) == 0 && len(p.Orgs) == 0 && len(p.Teams) == 0
}

// Geo carries the optional location hints from the upgrade URL.
type Geo struct {
	IP      string
	Country string
	City    string
	Region  string
}

// PendingInfo is the JSON shape of a claimable client.
type PendingInfo struct {
	PendingID    string   `json:"pending_id"`
	Hostname     string   `json:"hostname"`
	Project      string   `json:"project"`
	Platform     string   `json:"platform"`
	IPAddress    string   `json:"ip_address,omitempty"`
	Country      string   `json:"country,omitempty"`
	City         string   `json:"city,omitempty"`
	Region       string   `json:"region,omitempty"`
	ConnectedAt  int64    `json:"connected_at"`
	AllowedUsers []string `json:"allowed_users"`
	AllowedOrgs  []string `json:"allowed_orgs"`
	AllowedTeams []string `json:"allowed_teams"`
}

// ClaimResult is returned to the claiming browser.
type ClaimResult struct {
	ClientID string
	TokenID  string
}

type pendingClient struct {
	sess *session
	id   string

	// assignedID is the id handed out at attach. Registration may re-key
	// the entry to a client-chosen id, but a dashboard that listed the
	// assigned id before the register frame landed must still be able to
	// claim by it, so both keys stay in the pending map.
	assignedID string

	hostname    string
	project     string
	platform    string
	geo         Geo
	connectedAt time.Time
	patterns    ClaimPatterns
}

func (p *pendingClient) info() PendingInfo {
	return PendingInfo{
		PendingID:    p.id,
		Hostname:     p.hostname,
		Project:      p.project,
		Platform:     p.platform,
		IPAddress:    p.geo.IP,
		Country:      p.geo.Country,
		City:         p.geo.City,
		Region:       p.geo.Region,
		ConnectedAt:  p.connectedAt.UnixMilli(),
		AllowedUsers: p.patterns.Users,
		AllowedOrgs:  p.patterns.Orgs,
		AllowedTeams: p.patterns.Teams,
	}
}

// PendingHub parks unauthenticated clients until a user with a matching
// claim pattern mints them a token, or the 10 minute window runs out.
type PendingHub struct {
	store   *store.Store
	log     zerolog.Logger
	timeout time.Duration

	inbound chan inboundFrame
	closed  chan *session
	calls   chan func()

	pending  map[string]*pendingClient
	sessions map[*session]*pendingClient
	alarmSet bool
}

// NewPendingHub creates the singleton pending hub and starts its actor.
func NewPendingHub(st *store.Store, log zerolog.Logger) *PendingHub {
	h := &PendingHub{
		store:    st,
		log:      log.With().Str("component", "pendinghub").Logger(),
		timeout:  pendingTimeout,
		inbound:  make(chan inboundFrame, 64),
		closed:   make(chan *session),
		calls:    make(chan func()),
		pending:  make(map[string]*pendingClient),
		sessions: make(map[*session]*pendingClient),
	}
	go h.run()
	return h
}

func (h *PendingHub) run() {
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

func (h *PendingHub) do(fn func()) {
	done := make(chan struct{})
	h.calls <- func() {
		fn()
		close(done)
	}
	<-done
}

// Attach parks a new socket with its claim patterns and returns the assigned
// pending id. The descriptive fields arrive later in pending_register.
func (h *PendingHub) Attach(conn *websocket.Conn, patterns ClaimPatterns, geo Geo) (string, error) {
	pendingID, err := generatePendingID()
	if err != nil {
		return "", err
	}

	sess := newSession(conn, kindPending, pendingID, h.inbound, h.closed, h.log)
	pc := &pendingClient{
		sess:        sess,
		id:          pendingID,
		assignedID:  pendingID,
		geo:         geo,
		connectedAt: time.Now().UTC(),
		patterns:    patterns,
	}
	h.do(func() {
		h.pending[pendingID] = pc
		h.sessions[sess] = pc
		h.scheduleAlarm()
	})
	go sess.writePump()
	go sess.readPump()

	h.log.Info().Str("pending_id", pendingID).Msg("pending client parked")
	return pendingID, nil
}

func (h *PendingHub) handleClose(sess *session) {
	pc, ok := h.sessions[sess]
	if !ok {
		return
	}
	h.removeEntry(pc)
	close(sess.send)
	h.log.Debug().Str("pending_id", pc.id).Msg("pending client left")
}

// removeEntry drops a parked client under all of its ids. Runs inside the
// actor.
func (h *PendingHub) removeEntry(pc *pendingClient) {
	delete(h.pending, pc.id)
	delete(h.pending, pc.assignedID)
	delete(h.sessions, pc.sess)
}

func (h *PendingHub) handleFrame(f inboundFrame) {
	pc, ok := h.sessions[f.sess]
	if !ok {
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
	case protocol.TypePendingRegister:
		h.handleRegister(f, pc)
	case protocol.TypePing:
		var ping protocol.Ping
		if err := json.Unmarshal(f.data, &ping); err != nil {
			h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
			return
		}
		f.sess.enqueue(protocol.Marshal(protocol.Pong{
			Type:     protocol.TypePong,
			ClientID: ping.ClientID,
		}))
	default:
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: unknown type %q", typ))
	}
}

func (h *PendingHub) handleRegister(f inboundFrame, pc *pendingClient) {
	var reg protocol.PendingRegister
	if err := json.Unmarshal(f.data, &reg); err != nil {
		h.sendError(f.sess, fmt.Sprintf("Invalid message format: %v", err))
		return
	}

	// Clients generate their own pending_id before they can learn the
	// assigned one; re-key this socket's entry so claims by the supplied id
	// find it. The assigned id stays in the map as an alias, since a
	// dashboard may have listed it already. A collision with someone else's
	// entry is rejected.
	if reg.PendingID != "" && reg.PendingID != pc.id {
		if other, taken := h.pending[reg.PendingID]; taken && other != pc {
			f.sess.enqueue(protocol.Marshal(protocol.PendingRegistered{
				Type:    protocol.TypePendingRegistered,
				Success: false,
				Message: "Pending session not found. Please reconnect.",
			}))
			return
		}
		pc.id = reg.PendingID
		f.sess.clientID = reg.PendingID
		h.pending[pc.id] = pc
	}

	pc.hostname = reg.Hostname
	pc.project = reg.Project
	pc.platform = reg.Platform

	f.sess.enqueue(protocol.Marshal(protocol.PendingRegistered{
		Type:      protocol.TypePendingRegistered,
		Success:   true,
		PendingID: pc.id,
		Message:   "Waiting for authorization. A user with access will see you in their dashboard.",
	}))

	h.log.Info().
		Str("pending_id", pc.id).
		Str("hostname", reg.Hostname).
		Str("platform", reg.Platform).
		Msg("pending client registered")
}

// List returns the parked clients the given identity may claim. Matching is
// case-insensitive across login, org, and org/team names.
func (h *PendingHub) List(login string, orgs, teams []string) []PendingInfo {
	out := []PendingInfo{}
	h.do(func() {
		// h.pending may hold an entry under two ids; sessions is one per
		// parked client.
		for _, pc := range h.sessions {
			if claimable(pc.patterns, login, orgs, teams) {
				out = append(out, pc.info())
			}
		}
	})
	return out
}

func claimable(p ClaimPatterns, login string, orgs, teams []string) bool {
	for _, u := range p.Users {
		if login != "" && strings.EqualFold(u, login) {
			return true
		}
	}
	for _, o := range p.Orgs {
		for _, uo := range orgs {
			if strings.EqualFold(o, uo) {
				return true
			}
		}
	}
	for _, t := range p.Teams {
		for _, ut := range teams {
			if strings.EqualFold(t, ut) {
				return true
			}
		}
	}
	return false
}

// Claim removes the parked client, mints it a bearer token owned by userID,
// and delivers token_granted on its socket. The client then reconnects to
// its user's hub with the new credential.
func (h *PendingHub) Claim(pendingID, userID, name string) (*ClaimResult, error) {
	var (
		out *ClaimResult
		err error
	)
	h.do(func() {
		pc, ok := h.pending[pendingID]
		if !ok {
			err = ErrNotFound
			return
		}
		h.removeEntry(pc)

		minted, merr := auth.MintToken(h.store, userID, name, time.Now().UTC())
		if merr != nil {
			err = merr
			return
		}
		clientID, gerr := generateClientID()
		if gerr != nil {
			err = gerr
			return
		}

		pc.sess.enqueue(protocol.Marshal(protocol.TokenGranted{
			Type:     protocol.TypeTokenGranted,
			Token:    minted.Raw,
			ClientID: clientID,
		}))

		out = &ClaimResult{ClientID: clientID, TokenID: minted.ID}
		h.log.Info().
			Str("pending_id", pendingID).
			Str("client_id", clientID).
			Str("user_id", userID).
			Msg("pending client claimed")
	})
	return out, err
}

// scheduleAlarm arms the expiry timer. Runs inside the actor.
func (h *PendingHub) scheduleAlarm() {
	if h.alarmSet {
		return
	}
	h.alarmSet = true
	time.AfterFunc(h.timeout, func() {
		h.calls <- h.onAlarm
	})
}

// onAlarm terminates every parked client past the timeout and re-arms the
// timer while entries remain.
func (h *PendingHub) onAlarm() {
	h.alarmSet = false
	cutoff := time.Now().Add(-h.timeout)

	for _, pc := range h.sessions {
		if pc.connectedAt.After(cutoff) {
			continue
		}
		h.removeEntry(pc)

		pc.sess.enqueue(protocol.Marshal(protocol.AuthorizationTimeout{
			Type:    protocol.TypeAuthorizationTimeout,
			Message: "Authorization timed out after 10 minutes. Please try again.",
		}))
		pc.sess.closeFrame = websocket.FormatCloseMessage(closeAuthTimeout, "Authorization timeout")
		close(pc.sess.send)

		h.log.Info().Str("pending_id", pc.id).Msg("pending client timed out")
	}

	if len(h.sessions) > 0 {
		h.scheduleAlarm()
	}
}

func (h *PendingHub) sendError(sess *session, message string) {
	sess.enqueue(protocol.Marshal(protocol.Error{
		Type:    protocol.TypeError,
		Message: message,
	}))
}

func generatePendingID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return "pending_" + hex.EncodeToString(b), nil
}

func generateClientID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
