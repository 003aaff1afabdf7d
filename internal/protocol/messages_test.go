package protocol

import (
	"encoding/json"
	"testing"
)

func TestFrameType(t *testing.T) {
	typ, err := FrameType([]byte(`{"type":"register","client_id":"c1"}`))
	if err != nil {
		t.Fatalf("FrameType: %v", err)
	}
	if typ != TypeRegister {
		t.Errorf("type = %q, want %q", typ, TypeRegister)
	}
}

func TestFrameTypeMissing(t *testing.T) {
	if _, err := FrameType([]byte(`{"client_id":"c1"}`)); err == nil {
		t.Error("expected error for frame without type")
	}
}

func TestFrameTypeMalformed(t *testing.T) {
	if _, err := FrameType([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestClientStatusValid(t *testing.T) {
	for _, s := range []ClientStatus{StatusIdle, StatusActive, StatusBusy, StatusDisconnected} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if ClientStatus("online").Valid() {
		t.Error("\"online\" should not be valid")
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"register","client_id":"abc123","metadata":{"hostname":"dev-box","project":"demo","callback_url":"http://localhost:8377"}}`)

	var reg Register
	if err := json.Unmarshal(raw, &reg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reg.ClientID != "abc123" {
		t.Errorf("client_id = %q", reg.ClientID)
	}
	if reg.Metadata.CallbackURL != "http://localhost:8377" {
		t.Errorf("callback_url = %q", reg.Metadata.CallbackURL)
	}
}

func TestMarshalFlatFrames(t *testing.T) {
	data := Marshal(ForwardedResponse{
		Type:      TypeForwardedResponse,
		ClientID:  "c1",
		RequestID: "r1",
		Data:      json.RawMessage(`{"ok":true}`),
		Complete:  true,
	})

	// The discriminator and payload fields must sit at the top level.
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(flat["type"]) != `"forwarded_response"` {
		t.Errorf("type = %s", flat["type"])
	}
	if _, ok := flat["request_id"]; !ok {
		t.Error("request_id missing from top level")
	}
	if _, ok := flat["payload"]; ok {
		t.Error("unexpected payload envelope")
	}
}

func TestForwardedResponseOmitsEmptyData(t *testing.T) {
	data := Marshal(ForwardedResponse{Type: TypeForwardedResponse, ClientID: "c1", RequestID: "r1", Complete: true})
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := flat["data"]; ok {
		t.Error("data should be omitted when empty")
	}
}
