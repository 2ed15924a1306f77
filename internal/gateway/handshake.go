package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Handshake is the first JSON message a client sends after connecting.
// Unknown fields are ignored so newer clients keep working against older
// servers.
type Handshake struct {
	UID        string `json:"uid"`
	Platform   string `json:"platform"`
	MeetingURL string `json:"meeting_url"`
	Token      string `json:"token"`
	MeetingID  string `json:"meeting_id"`

	Language      string `json:"language"`
	Task          string `json:"task"`
	Model         string `json:"model"`
	InitialPrompt string `json:"initial_prompt"`

	// UseVAD opts the session out of voice gating when explicitly false.
	// Absent means enabled.
	UseVAD *bool `json:"use_vad"`

	// MaxClients and MaxConnectionTime may tune the server limits once,
	// on the first connection after startup.
	MaxClients        int `json:"max_clients"`
	MaxConnectionTime int `json:"max_connection_time"`

	// VADParameters is accepted for wire compatibility with clients that
	// tune an engine-side filter; the server does not interpret it.
	VADParameters json.RawMessage `json:"vad_parameters"`
}

// useVAD reports the client's voice-gating preference, defaulting to on.
func (h Handshake) useVAD() bool {
	return h.UseVAD == nil || *h.UseVAD
}

// missingFields returns the required fields the handshake left absent or
// empty, in wire order.
func (h Handshake) missingFields() []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"uid", h.UID},
		{"platform", h.Platform},
		{"meeting_url", h.MeetingURL},
		{"token", h.Token},
		{"meeting_id", h.MeetingID},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// readHandshake blocks for the first client message and decodes it.
func readHandshake(ctx context.Context, c *websocket.Conn) (Handshake, error) {
	_, data, err := c.Read(ctx)
	if err != nil {
		return Handshake{}, fmt.Errorf("gateway: read handshake: %w", err)
	}
	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return Handshake{}, fmt.Errorf("gateway: decode handshake: %w", err)
	}
	return hs, nil
}
