// Package audio provides the vocabulary shared with external audio endpoints.
package audio

import "github.com/cockroachdb/errors"

// Endpoint errors
var (
	ErrConnectTimeout   = errors.New("voice connection timed out")
	ErrNoAvailableNode  = errors.New("no audio node available")
	ErrPermissionDenied = errors.New("missing permission to join voice channel")
	ErrPlayRejected     = errors.New("play command rejected")
)

// VoiceTarget identifies the voice channel a guild should stream into.
type VoiceTarget struct {
	GuildID   string
	ChannelID string
}

// IsZero reports whether no channel was given.
func (v VoiceTarget) IsZero() bool {
	return v.ChannelID == ""
}

// VoiceCredentials is the voice-session handshake produced by the chat platform.
type VoiceCredentials struct {
	SessionID string
	Token     string
	Endpoint  string
}

// Complete reports whether both halves of the handshake arrived.
func (c VoiceCredentials) Complete() bool {
	return c.SessionID != "" && c.Token != "" && c.Endpoint != ""
}
