// Package discord adapts the chat platform to the playback ports.
package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/domain/audio"
)

// requiredVoicePerms are the channel permissions needed to stream audio.
const requiredVoicePerms = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak

// voiceSession is the part of *discordgo.Session the gateway uses.
type voiceSession interface {
	ChannelVoiceJoinManual(gID, cID string, mute, deaf bool) error
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// handshake collects the two halves of a voice connection for one guild.
type handshake struct {
	channelID string
	creds     audio.VoiceCredentials
	done      chan struct{}
}

// VoiceGateway joins voice channels and returns the credentials an audio node needs.
type VoiceGateway struct {
	session voiceSession
	userID  string

	mu      sync.Mutex
	pending map[string]*handshake
}

// NewVoiceGateway creates a gateway and registers its voice event handlers.
// The session must be open so the bot user is known.
func NewVoiceGateway(s *discordgo.Session) *VoiceGateway {
	g := newVoiceGateway(s, s.State.User.ID)
	s.AddHandler(g.onVoiceStateUpdate)
	s.AddHandler(g.onVoiceServerUpdate)
	return g
}

func newVoiceGateway(s voiceSession, userID string) *VoiceGateway {
	return &VoiceGateway{
		session: s,
		userID:  userID,
		pending: make(map[string]*handshake),
	}
}

// Join asks the platform to move the bot into the channel and waits for the handshake.
func (g *VoiceGateway) Join(ctx context.Context, guildID, channelID string) (audio.VoiceCredentials, error) {
	perms, err := g.session.UserChannelPermissions(g.userID, channelID)
	if err != nil {
		return audio.VoiceCredentials{}, errors.Wrapf(err, "failed to read permissions: channel=%s", channelID)
	}
	if perms&discordgo.PermissionAdministrator == 0 && perms&requiredVoicePerms != requiredVoicePerms {
		return audio.VoiceCredentials{}, errors.Wrapf(audio.ErrPermissionDenied, "channel %s", channelID)
	}

	hs := &handshake{channelID: channelID, done: make(chan struct{})}
	g.mu.Lock()
	g.pending[guildID] = hs
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.pending[guildID] == hs {
			delete(g.pending, guildID)
		}
		g.mu.Unlock()
	}()

	if err := g.session.ChannelVoiceJoinManual(guildID, channelID, false, true); err != nil {
		return audio.VoiceCredentials{}, errors.Wrap(err, "failed to send voice state update")
	}
	zlog.Debug().Msgf("discord: voice join requested: guild=%s channel=%s", guildID, channelID)

	select {
	case <-hs.done:
		g.mu.Lock()
		creds := hs.creds
		g.mu.Unlock()
		zlog.Info().Msgf("discord: voice handshake complete: guild=%s channel=%s", guildID, channelID)
		return creds, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return audio.VoiceCredentials{}, errors.Wrapf(audio.ErrConnectTimeout, "guild %s", guildID)
		}
		return audio.VoiceCredentials{}, ctx.Err()
	}
}

// Leave disconnects the bot from voice in the guild.
func (g *VoiceGateway) Leave(ctx context.Context, guildID string) error {
	if err := g.session.ChannelVoiceJoinManual(guildID, "", false, false); err != nil {
		return errors.Wrapf(err, "failed to leave voice: guild=%s", guildID)
	}
	zlog.Debug().Msgf("discord: voice leave requested: guild=%s", guildID)
	return nil
}

func (g *VoiceGateway) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || v.UserID != g.userID {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	hs, ok := g.pending[v.GuildID]
	if !ok || v.ChannelID != hs.channelID {
		return
	}
	hs.creds.SessionID = v.SessionID
	g.completeLocked(hs)
}

func (g *VoiceGateway) onVoiceServerUpdate(_ *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hs, ok := g.pending[v.GuildID]
	if !ok {
		return
	}
	hs.creds.Token = v.Token
	hs.creds.Endpoint = v.Endpoint
	g.completeLocked(hs)
}

func (g *VoiceGateway) completeLocked(hs *handshake) {
	if !hs.creds.Complete() {
		return
	}
	select {
	case <-hs.done:
	default:
		close(hs.done)
	}
}
