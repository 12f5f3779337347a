package discord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/domain/audio"
)

type fakeVoiceSession struct {
	mu      sync.Mutex
	perms   int64
	joins   []string
	joinErr error
	onJoin  func(guildID, channelID string)
}

func (f *fakeVoiceSession) ChannelVoiceJoinManual(gID, cID string, mute, deaf bool) error {
	f.mu.Lock()
	f.joins = append(f.joins, cID)
	joinErr, onJoin := f.joinErr, f.onJoin
	f.mu.Unlock()

	if joinErr != nil {
		return joinErr
	}
	if onJoin != nil && cID != "" {
		go onJoin(gID, cID)
	}
	return nil
}

func (f *fakeVoiceSession) UserChannelPermissions(userID, channelID string, _ ...discordgo.RequestOption) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perms, nil
}

func (f *fakeVoiceSession) joinedChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func stateUpdate(guildID, channelID, userID, sessionID string) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		SessionID: sessionID,
	}}
}

func TestVoiceGatewayImplementsPort(t *testing.T) {
	var _ playback.VoiceGateway = (*VoiceGateway)(nil)
}

func TestJoinCompletesHandshake(t *testing.T) {
	fake := &fakeVoiceSession{perms: requiredVoicePerms}
	g := newVoiceGateway(fake, "bot")
	fake.onJoin = func(guildID, channelID string) {
		// Someone else's voice state must be ignored
		g.onVoiceStateUpdate(nil, stateUpdate(guildID, channelID, "user-1", "other"))
		g.onVoiceServerUpdate(nil, &discordgo.VoiceServerUpdate{GuildID: guildID, Token: "tok", Endpoint: "voice.example"})
		g.onVoiceStateUpdate(nil, stateUpdate(guildID, channelID, "bot", "sess"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	creds, err := g.Join(ctx, "g1", "c1")
	require.NoError(t, err)
	assert.Equal(t, audio.VoiceCredentials{SessionID: "sess", Token: "tok", Endpoint: "voice.example"}, creds)
	assert.Equal(t, []string{"c1"}, fake.joinedChannels())

	g.mu.Lock()
	assert.Empty(t, g.pending)
	g.mu.Unlock()
}

func TestJoinTimesOut(t *testing.T) {
	fake := &fakeVoiceSession{perms: requiredVoicePerms}
	g := newVoiceGateway(fake, "bot")
	fake.onJoin = func(guildID, channelID string) {
		g.onVoiceStateUpdate(nil, stateUpdate(guildID, channelID, "bot", "sess"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Join(ctx, "g1", "c1")
	assert.True(t, errors.Is(err, audio.ErrConnectTimeout))
}

func TestJoinCancelled(t *testing.T) {
	fake := &fakeVoiceSession{perms: requiredVoicePerms}
	g := newVoiceGateway(fake, "bot")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Join(ctx, "g1", "c1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, audio.ErrConnectTimeout))
}

func TestJoinPermissions(t *testing.T) {
	tests := []struct {
		name    string
		perms   int64
		allowed bool
	}{
		{name: "connect and speak", perms: requiredVoicePerms, allowed: true},
		{name: "administrator", perms: discordgo.PermissionAdministrator, allowed: true},
		{name: "connect only", perms: discordgo.PermissionVoiceConnect, allowed: false},
		{name: "none", perms: 0, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeVoiceSession{perms: tt.perms}
			g := newVoiceGateway(fake, "bot")

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			_, err := g.Join(ctx, "g1", "c1")
			if tt.allowed {
				assert.False(t, errors.Is(err, audio.ErrPermissionDenied))
				assert.Len(t, fake.joinedChannels(), 1)
			} else {
				assert.True(t, errors.Is(err, audio.ErrPermissionDenied))
				assert.Empty(t, fake.joinedChannels())
			}
		})
	}
}

func TestJoinSendFailure(t *testing.T) {
	fake := &fakeVoiceSession{perms: requiredVoicePerms, joinErr: errors.New("gateway closed")}
	g := newVoiceGateway(fake, "bot")

	_, err := g.Join(context.Background(), "g1", "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway closed")
}

func TestLeaveSendsNullChannel(t *testing.T) {
	fake := &fakeVoiceSession{}
	g := newVoiceGateway(fake, "bot")

	require.NoError(t, g.Leave(context.Background(), "g1"))
	assert.Equal(t, []string{""}, fake.joinedChannels())
}

func TestUpdatesWithoutPendingJoinAreIgnored(t *testing.T) {
	g := newVoiceGateway(&fakeVoiceSession{}, "bot")

	g.onVoiceStateUpdate(nil, stateUpdate("g1", "c1", "bot", "sess"))
	g.onVoiceServerUpdate(nil, &discordgo.VoiceServerUpdate{GuildID: "g1", Token: "tok", Endpoint: "e"})
	g.onVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{})

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Empty(t, g.pending)
}
