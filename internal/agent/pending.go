package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/protocol"
)

// Credential is the result of a successful authorization.
type Credential struct {
	Token    string
	ClientID string
}

// ErrAuthorizationTimeout is returned when no user claims the agent within
// the gateway's authorization window.
var ErrAuthorizationTimeout = errors.New("authorization timed out")

// RequestToken parks the agent on the pending endpoint and blocks until a
// user claims it, the window expires, or ctx is cancelled. The returned
// credential should be persisted; the raw token is never recoverable later.
func RequestToken(ctx context.Context, cfg *Config, log zerolog.Logger) (*Credential, error) {
	q := url.Values{}
	if len(cfg.AllowedUsers) > 0 {
		q.Set("user", strings.Join(cfg.AllowedUsers, ","))
	}
	if len(cfg.AllowedOrgs) > 0 {
		q.Set("org", strings.Join(cfg.AllowedOrgs, ","))
	}
	if len(cfg.AllowedTeams) > 0 {
		q.Set("team", strings.Join(cfg.AllowedTeams, ","))
	}
	target := wsBase(cfg.ServerURL) + "/ws/pending?" + q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial pending endpoint: %w", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	pendingID, err := localPendingID()
	if err != nil {
		return nil, err
	}
	reg := protocol.Marshal(protocol.PendingRegister{
		Type:      protocol.TypePendingRegister,
		PendingID: pendingID,
		Hostname:  cfg.Hostname,
		Project:   cfg.Project,
		Platform:  runtime.GOOS,
	})
	if err := conn.WriteMessage(websocket.TextMessage, reg); err != nil {
		return nil, fmt.Errorf("send pending_register: %w", err)
	}

	log.Info().Str("pending_id", pendingID).Msg("waiting for authorization")

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, 4000) {
				return nil, ErrAuthorizationTimeout
			}
			return nil, fmt.Errorf("waiting for authorization: %w", err)
		}

		typ, err := protocol.FrameType(data)
		if err != nil {
			continue
		}
		switch typ {
		case protocol.TypePendingRegistered:
			var ack protocol.PendingRegistered
			if err := json.Unmarshal(data, &ack); err != nil || !ack.Success {
				return nil, fmt.Errorf("pending registration rejected: %s", ack.Message)
			}
		case protocol.TypeTokenGranted:
			var granted protocol.TokenGranted
			if err := json.Unmarshal(data, &granted); err != nil {
				return nil, fmt.Errorf("parse token_granted: %w", err)
			}
			log.Info().Str("client_id", granted.ClientID).Msg("authorized")
			return &Credential{Token: granted.Token, ClientID: granted.ClientID}, nil
		case protocol.TypeAuthorizationTimeout, protocol.TypeAuthorizationDenied:
			return nil, ErrAuthorizationTimeout
		}
	}
}

func localPendingID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return "pending_" + hex.EncodeToString(b), nil
}
