// Package protocol defines the WebSocket wire format shared by clients,
// browsers, and the gateway. Every frame is a flat JSON object carrying a
// snake_case "type" discriminator at the top level.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types (client → hub)
const (
	TypeRegister         = "register"
	TypeStatusUpdate     = "status_update"
	TypePing             = "ping"
	TypeResponseChunk    = "response_chunk"
	TypeResponseComplete = "response_complete"
)

// Frame types (browser → hub)
const (
	TypeGetClients      = "get_clients"
	TypeConnectClient   = "connect_client"
	TypeForwardToClient = "forward_to_client"
)

// Frame types (hub → client / browser)
const (
	TypeRegistered         = "registered"
	TypePong               = "pong"
	TypeClientList         = "client_list"
	TypeClientUpdate       = "client_update"
	TypeClientDisconnected = "client_disconnected"
	TypeConnectResponse    = "connect_response"
	TypeUserRequest        = "user_request"
	TypeForwardedResponse  = "forwarded_response"
	TypeError              = "error"
)

// Frame types on the pending endpoint.
const (
	TypePendingRegister      = "pending_register"
	TypePendingRegistered    = "pending_registered"
	TypeTokenGranted         = "token_granted"
	TypeAuthorizationDenied  = "authorization_denied"
	TypeAuthorizationTimeout = "authorization_timeout"
)

// Reserved for WebSocket-tunneled HTTP proxying. The gateway proxies via a
// direct fetch to the client's callback URL; these frames are acknowledged
// with an error frame pointing at that path.
const (
	TypeHTTPProxyRequest  = "http_proxy_request"
	TypeHTTPProxyResponse = "http_proxy_response"
)

// ClientStatus is the lifecycle state of a client record.
type ClientStatus string

const (
	StatusIdle         ClientStatus = "idle"
	StatusActive       ClientStatus = "active"
	StatusBusy         ClientStatus = "busy"
	StatusDisconnected ClientStatus = "disconnected"
)

// Valid reports whether s is one of the four wire statuses.
func (s ClientStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusBusy, StatusDisconnected:
		return true
	}
	return false
}

// ClientMetadata is the descriptive block a client supplies at registration.
type ClientMetadata struct {
	Hostname     string       `json:"hostname"`
	Project      string       `json:"project"`
	Status       ClientStatus `json:"status,omitempty"`
	LastActivity string       `json:"last_activity,omitempty"`
	CallbackURL  string       `json:"callback_url,omitempty"`
}

// Client is the wire form of a client record as browsers see it.
type Client struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Metadata    ClientMetadata `json:"metadata"`
	ConnectedAt string         `json:"connected_at"`
	LastSeen    string         `json:"last_seen"`
}

// Register is sent by a client right after connecting. UserToken is accepted
// for wire compatibility but ignored; authentication happened at the upgrade.
type Register struct {
	Type      string         `json:"type"`
	ClientID  string         `json:"client_id"`
	UserToken string         `json:"user_token,omitempty"`
	Metadata  ClientMetadata `json:"metadata"`
}

// Registered acknowledges a Register.
type Registered struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StatusUpdate changes a client's status.
type StatusUpdate struct {
	Type     string       `json:"type"`
	ClientID string       `json:"client_id"`
	Status   ClientStatus `json:"status"`
}

// Ping is a client-level keepalive, answered with Pong and a last_seen touch.
type Ping struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// Pong answers a Ping.
type Pong struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
}

// GetClients subscribes a browser to fleet updates and requests a snapshot.
type GetClients struct {
	Type string `json:"type"`
}

// ClientList answers GetClients.
type ClientList struct {
	Type    string   `json:"type"`
	Clients []Client `json:"clients"`
}

// ClientUpdate is broadcast to browsers when a record changes.
type ClientUpdate struct {
	Type   string `json:"type"`
	Client Client `json:"client"`
}

// ClientDisconnected is broadcast to browsers when a client socket closes.
type ClientDisconnected struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// ConnectClient asks whether a client currently has a live socket.
type ConnectClient struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// ConnectResponse answers ConnectClient.
type ConnectResponse struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// ForwardToClient asks the hub to relay a request to a client socket.
type ForwardToClient struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id"`
	RequestID string          `json:"request_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UserRequest is the relayed form of ForwardToClient on the client socket.
type UserRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ResponseChunk carries a partial answer from a client for an in-flight
// request.
type ResponseChunk struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ResponseComplete terminates an in-flight request.
type ResponseComplete struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ForwardedResponse is delivered to the originating browser for every chunk
// and once more, with Complete set, when the request finishes.
type ForwardedResponse struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Complete  bool            `json:"complete"`
}

// Error is sent on the originating socket for malformed or unrecognized
// frames. The socket stays open.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PendingRegister fills in the descriptive fields of a parked client.
type PendingRegister struct {
	Type      string `json:"type"`
	PendingID string `json:"pending_id"`
	Hostname  string `json:"hostname"`
	Project   string `json:"project"`
	Platform  string `json:"platform"`
}

// PendingRegistered acknowledges a PendingRegister.
type PendingRegistered struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	PendingID string `json:"pending_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TokenGranted delivers a freshly minted bearer token to a claimed client.
type TokenGranted struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// AuthorizationDenied tells a parked client its claim was refused.
type AuthorizationDenied struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AuthorizationTimeout tells a parked client its window expired. It is
// followed by a close with code 4000.
type AuthorizationTimeout struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrMissingType is returned by FrameType when a frame parses as JSON but
// carries no type discriminator.
var ErrMissingType = errors.New("missing type field")

// Marshal encodes a frame struct to its wire bytes. Frame structs contain
// only marshalable fields, so a failure is a programming error.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}

// FrameType extracts the type discriminator from a raw frame.
func FrameType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("invalid message format: %w", err)
	}
	if head.Type == "" {
		return "", ErrMissingType
	}
	return head.Type, nil
}
