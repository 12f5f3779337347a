package playback

import (
	"context"
	"time"

	"github.com/osa030/19dj/internal/domain/audio"
	"github.com/osa030/19dj/internal/domain/track"
)

// Endpoint opens audio sessions for guilds.
type Endpoint interface {
	Connect(ctx context.Context, guildID string, target audio.VoiceTarget, creds audio.VoiceCredentials) (Connection, error)
}

// Connection is an audio session owned by exactly one controller.
// Events must be closed once the connection is disconnected.
type Connection interface {
	Play(ctx context.Context, token string, volume int) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context, paused bool) error
	SetVolume(ctx context.Context, volume int) error
	Disconnect(ctx context.Context) error
	Events() <-chan audio.Event
}

// VoiceGateway performs the voice handshake with the chat platform.
type VoiceGateway interface {
	Join(ctx context.Context, guildID, channelID string) (audio.VoiceCredentials, error)
	Leave(ctx context.Context, guildID string) error
}

// Handle identifies a rendered "now playing" view.
type Handle struct {
	ChannelID string
	MessageID string
}

// IsZero reports whether nothing has been rendered.
func (h Handle) IsZero() bool {
	return h.MessageID == ""
}

// Sink renders the controller state to users.
type Sink interface {
	Show(ctx context.Context, guildID, channelID string, snap Snapshot) (Handle, error)
	Update(ctx context.Context, handle Handle, snap Snapshot) error
	Clear(ctx context.Context, handle Handle) error
	Error(ctx context.Context, guildID, channelID string, t track.Track, detail string) error
}

// Snapshot is a point-in-time view of a guild queue.
type Snapshot struct {
	GuildID     string
	State       State
	Current     *track.QueuedTrack
	QueueLength int
	Loop        LoopMode
	Volume      int
	Paused      bool
	Playing     bool
	StartedAt   time.Time // Set once the endpoint confirmed the current track
}
