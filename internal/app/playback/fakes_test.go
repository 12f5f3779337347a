package playback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/osa030/19dj/internal/domain/audio"
	"github.com/osa030/19dj/internal/domain/track"
)

type fakeConn struct {
	mu           sync.Mutex
	plays        []string
	volumes      []int
	paused       []bool
	stops        int
	disconnected bool
	reject       map[string]bool
	block        chan struct{}
	events       chan audio.Event
	closeOnce    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reject: make(map[string]bool),
		events: make(chan audio.Event, 16),
	}
}

func (f *fakeConn) Play(ctx context.Context, token string, volume int) error {
	f.mu.Lock()
	f.plays = append(f.plays, token)
	rejected := f.reject[token]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if rejected {
		return audio.ErrPlayRejected
	}
	return nil
}

func (f *fakeConn) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeConn) Pause(ctx context.Context, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, paused)
	return nil
}

func (f *fakeConn) SetVolume(ctx context.Context, volume int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, volume)
	return nil
}

func (f *fakeConn) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeConn) Events() <-chan audio.Event {
	return f.events
}

func (f *fakeConn) playTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.plays...)
}

func (f *fakeConn) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeConn) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type fakeEndpoint struct {
	mu         sync.Mutex
	conns      []*fakeConn
	connectErr error
	reject     map[string]bool
	block      chan struct{}
}

func (e *fakeEndpoint) Connect(ctx context.Context, guildID string, target audio.VoiceTarget, creds audio.VoiceCredentials) (Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connectErr != nil {
		return nil, e.connectErr
	}
	conn := newFakeConn()
	for token := range e.reject {
		conn.reject[token] = true
	}
	conn.block = e.block
	e.conns = append(e.conns, conn)
	return conn, nil
}

func (e *fakeEndpoint) setConnectErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErr = err
}

func (e *fakeEndpoint) connCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *fakeEndpoint) conn(i int) *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[i]
}

func (e *fakeEndpoint) last() *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[len(e.conns)-1]
}

type fakeVoice struct {
	mu      sync.Mutex
	joins   []string
	leaves  int
	joinErr error
	block   bool
}

func (v *fakeVoice) Join(ctx context.Context, guildID, channelID string) (audio.VoiceCredentials, error) {
	v.mu.Lock()
	v.joins = append(v.joins, channelID)
	joinErr, block := v.joinErr, v.block
	v.mu.Unlock()

	if block {
		<-ctx.Done()
		return audio.VoiceCredentials{}, ctx.Err()
	}
	if joinErr != nil {
		return audio.VoiceCredentials{}, joinErr
	}
	return audio.VoiceCredentials{SessionID: "sess", Token: "tok", Endpoint: "voice.example"}, nil
}

func (v *fakeVoice) Leave(ctx context.Context, guildID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaves++
	return nil
}

func (v *fakeVoice) set(block bool, joinErr error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.block = block
	v.joinErr = joinErr
}

func (v *fakeVoice) joinCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.joins)
}

func (v *fakeVoice) leaveCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.leaves
}

type fakeSink struct {
	mu     sync.Mutex
	shows  int
	clears int
	last   Snapshot
	errors []string
}

func (s *fakeSink) Show(ctx context.Context, guildID, channelID string, snap Snapshot) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shows++
	s.last = snap
	return Handle{ChannelID: channelID, MessageID: fmt.Sprintf("msg-%d", s.shows)}, nil
}

func (s *fakeSink) Update(ctx context.Context, handle Handle, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = snap
	return nil
}

func (s *fakeSink) Clear(ctx context.Context, handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *fakeSink) Error(ctx context.Context, guildID, channelID string, t track.Track, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, t.Title)
	return nil
}

func (s *fakeSink) lastSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *fakeSink) errorTitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

func (s *fakeSink) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func testConfig() Config {
	return Config{
		MaxQueueSize:     10,
		Volume:           80,
		ConnectTimeout:   time.Second,
		PlayTimeout:      time.Second,
		SocketGrace:      time.Second,
		MaxTrackFailures: 3,
		Retry:            RetryPolicy{MaxAttempts: 2},
	}
}

func queued(title string) track.QueuedTrack {
	return track.QueuedTrack{
		Track: track.Track{
			Title: title,
			URI:   "https://example.com/tracks/" + title,
			Token: "tok-" + title,
		},
		Requester: track.Requester{ID: "u1", Name: "user"},
	}
}

type harness struct {
	c        *Controller
	endpoint *fakeEndpoint
	voice    *fakeVoice
	sink     *fakeSink
}

// newHarness queues titles before connecting so no advance starts on its own.
func newHarness(t *testing.T, cfg Config, titles ...string) *harness {
	t.Helper()

	h := &harness{
		endpoint: &fakeEndpoint{reject: make(map[string]bool)},
		voice:    &fakeVoice{},
		sink:     &fakeSink{},
	}
	h.c = NewController("g1", cfg, h.endpoint, h.voice, h.sink)
	h.c.BindTextChannel("text-1")
	for _, title := range titles {
		require.NoError(t, h.c.Enqueue(queued(title)))
	}
	require.NoError(t, h.c.EnsureConnected(context.Background(), audio.VoiceTarget{ChannelID: "voice-1"}))
	t.Cleanup(func() { _ = h.c.Stop(context.Background()) })
	return h
}

func titles(qts []track.QueuedTrack) []string {
	result := make([]string, 0, len(qts))
	for _, qt := range qts {
		result = append(result, qt.Track.Title)
	}
	return result
}

func currentTitle(c *Controller) string {
	snap := c.Snapshot()
	if snap.Current == nil {
		return ""
	}
	return snap.Current.Track.Title
}

func started(title string) audio.Event {
	return audio.Event{Kind: audio.EventStarted, Token: "tok-" + title}
}

func ended(title string, reason audio.EndReason) audio.Event {
	return audio.Event{Kind: audio.EventEnded, Token: "tok-" + title, Reason: reason}
}

func exception(title string) audio.Event {
	return audio.Event{Kind: audio.EventException, Token: "tok-" + title, Detail: "decoder error"}
}
