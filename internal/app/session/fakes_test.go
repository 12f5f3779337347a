package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/require"

	"github.com/osa030/19dj/internal/app/filter"
	"github.com/osa030/19dj/internal/app/notification"
	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/app/resolver"
	"github.com/osa030/19dj/internal/app/session/registry"
	"github.com/osa030/19dj/internal/domain/audio"
	"github.com/osa030/19dj/internal/domain/track"
	"github.com/osa030/19dj/internal/infra/config"
)

type stubConn struct {
	mu        sync.Mutex
	plays     []string
	events    chan audio.Event
	closeOnce sync.Once
}

func (c *stubConn) Play(ctx context.Context, token string, volume int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plays = append(c.plays, token)
	return nil
}

func (c *stubConn) Stop(ctx context.Context) error { return nil }

func (c *stubConn) Pause(ctx context.Context, paused bool) error { return nil }

func (c *stubConn) SetVolume(ctx context.Context, volume int) error { return nil }

func (c *stubConn) Events() <-chan audio.Event { return c.events }

func (c *stubConn) Disconnect(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *stubConn) playTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.plays...)
}

type stubEndpoint struct {
	mu    sync.Mutex
	conns []*stubConn
}

func (e *stubEndpoint) Connect(ctx context.Context, guildID string, target audio.VoiceTarget, creds audio.VoiceCredentials) (playback.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn := &stubConn{events: make(chan audio.Event, 16)}
	e.conns = append(e.conns, conn)
	return conn, nil
}

func (e *stubEndpoint) plays() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var result []string
	for _, c := range e.conns {
		result = append(result, c.playTokens()...)
	}
	return result
}

type stubVoice struct {
	mu      sync.Mutex
	joinErr error
	leaves  int
}

func (v *stubVoice) Join(ctx context.Context, guildID, channelID string) (audio.VoiceCredentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.joinErr != nil {
		return audio.VoiceCredentials{}, v.joinErr
	}
	return audio.VoiceCredentials{SessionID: "s", Token: "t", Endpoint: "e"}, nil
}

func (v *stubVoice) Leave(ctx context.Context, guildID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaves++
	return nil
}

type stubResolver struct {
	results map[string][]track.Draft
}

func (r *stubResolver) Resolve(ctx context.Context, query string) ([]track.Draft, error) {
	drafts, ok := r.results[query]
	if !ok {
		return nil, resolver.ErrNotFound
	}
	return drafts, nil
}

func (r *stubResolver) PlayableToken(ctx context.Context, d track.Draft) (string, error) {
	if d.Token != "" {
		return d.Token, nil
	}
	if d.CatalogID == "" {
		return "", resolver.ErrUnplayable
	}
	return "tok-" + d.Title, nil
}

type memPrefs struct {
	mu      sync.Mutex
	volumes map[string]int
}

func (p *memPrefs) Volume(ctx context.Context, userID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volumes[userID], nil
}

func (p *memPrefs) SetVolume(ctx context.Context, userID string, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[userID] = volume
	return nil
}

type countingRecorder struct {
	mu       sync.Mutex
	started  int
	rejected map[string]int
	active   int
}

func (r *countingRecorder) TrackStarted(string) {}

func (r *countingRecorder) TrackFailed(string) {}

func (r *countingRecorder) EnqueueRejected(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[code]++
}

func (r *countingRecorder) ActiveQueues(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func (r *countingRecorder) ObserveConnect(time.Duration, error) {}

func (r *countingRecorder) activeQueues() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *countingRecorder) rejections(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected[code]
}

func draft(title string) track.Draft {
	return track.Draft{
		Title: title,
		URI:   "https://example.com/tracks/" + title,
		Token: "tok-" + title,
	}
}

type env struct {
	m        *Manager
	store    *registry.GuildRegistry
	endpoint *stubEndpoint
	voice    *stubVoice
	prefs    *memPrefs
	notifier *notification.Manager
	metrics  *countingRecorder
}

func newEnv(t *testing.T, filters *filter.Chain) *env {
	t.Helper()

	cfg := &config.Config{}
	require.NoError(t, defaults.Set(cfg))
	cfg.Playback.IdleTimeoutSec = 0
	cfg.Playback.MaxQueueSize = 5
	cfg.Playback.Retry.BackoffMs = 0

	e := &env{
		store:    registry.NewGuildRegistry(),
		endpoint: &stubEndpoint{},
		voice:    &stubVoice{},
		prefs:    &memPrefs{volumes: make(map[string]int)},
		notifier: notification.NewManager(),
		metrics:  &countingRecorder{rejected: make(map[string]int)},
	}
	res := &stubResolver{results: map[string][]track.Draft{
		"lofi":                            {draft("lofi-1"), draft("lofi-2")},
		"https://example.com/playlist/p1": {draft("A"), draft("B"), draft("A"), {Title: "broken", URI: "https://example.com/x"}, draft("C")},
	}}

	m, err := NewManager(Deps{
		Config:   cfg,
		Store:    e.store,
		Resolver: res,
		Filters:  filters,
		Endpoint: e.endpoint,
		Voice:    e.voice,
		Prefs:    e.prefs,
		Notifier: e.notifier,
		Metrics:  e.metrics,
	})
	require.NoError(t, err)
	e.m = m
	t.Cleanup(func() { m.Close(context.Background()) })
	return e
}

func enqueue(guildID, title string) EnqueueRequest {
	return EnqueueRequest{
		GuildID:        guildID,
		Requester:      track.Requester{ID: "u1", Name: "user"},
		Draft:          draft(title),
		VoiceChannelID: "voice-1",
		TextChannelID:  "text-1",
	}
}
