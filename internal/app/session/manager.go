// Package session provides the user action surface over the per-guild queue controllers.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/app/filter"
	"github.com/osa030/19dj/internal/app/notification"
	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/app/session/registry"
	"github.com/osa030/19dj/internal/domain/audio"
	"github.com/osa030/19dj/internal/domain/track"
	"github.com/osa030/19dj/internal/infra/config"
)

// Resolver turns queries into drafts and drafts into playable tokens.
type Resolver interface {
	Resolve(ctx context.Context, query string) ([]track.Draft, error)
	PlayableToken(ctx context.Context, draft track.Draft) (string, error)
}

// Preferences stores per-user settings.
type Preferences interface {
	// Volume returns the stored volume, or 0 when unset.
	Volume(ctx context.Context, userID string) (int, error)
	SetVolume(ctx context.Context, userID string, volume int) error
}

// Recorder receives operational measurements.
type Recorder interface {
	TrackStarted(guildID string)
	TrackFailed(reason string)
	EnqueueRejected(code string)
	ActiveQueues(n int)
	ObserveConnect(d time.Duration, err error)
}

type noopRecorder struct{}

func (noopRecorder) TrackStarted(string)                 {}
func (noopRecorder) TrackFailed(string)                  {}
func (noopRecorder) EnqueueRejected(string)              {}
func (noopRecorder) ActiveQueues(int)                    {}
func (noopRecorder) ObserveConnect(time.Duration, error) {}

// Deps holds the collaborators of the manager. Filters, Prefs, Notifier and Metrics are optional.
type Deps struct {
	Config   *config.Config
	Store    *registry.GuildRegistry
	Resolver Resolver
	Filters  *filter.Chain
	Endpoint playback.Endpoint
	Voice    playback.VoiceGateway
	Sink     playback.Sink
	Prefs    Preferences
	Notifier *notification.Manager
	Metrics  Recorder
}

// Manager routes user actions to guild controllers and reports typed results.
type Manager struct {
	config   *config.Config
	store    *registry.GuildRegistry
	resolver Resolver
	filters  *filter.Chain
	endpoint playback.Endpoint
	voice    playback.VoiceGateway
	sink     playback.Sink
	prefs    Preferences
	notifier *notification.Manager
	metrics  Recorder

	wg sync.WaitGroup
}

// EnqueueRequest asks for one resolved draft to be queued.
type EnqueueRequest struct {
	GuildID        string
	Requester      track.Requester
	Draft          track.Draft
	VoiceChannelID string
	TextChannelID  string
}

// PlayRequest asks for a free-text query or URL to be resolved and queued.
type PlayRequest struct {
	GuildID        string
	Requester      track.Requester
	Query          string
	VoiceChannelID string
	TextChannelID  string
}

// Status is a guild's queue view.
type Status struct {
	Snapshot playback.Snapshot
	Pending  []track.QueuedTrack
}

// NewManager creates a new session manager.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Config == nil || deps.Resolver == nil || deps.Endpoint == nil || deps.Voice == nil {
		return nil, errors.New("session manager requires config, resolver, endpoint and voice gateway")
	}
	m := &Manager{
		config:   deps.Config,
		store:    deps.Store,
		resolver: deps.Resolver,
		filters:  deps.Filters,
		endpoint: deps.Endpoint,
		voice:    deps.Voice,
		sink:     deps.Sink,
		prefs:    deps.Prefs,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
	}
	if m.store == nil {
		m.store = registry.NewGuildRegistry()
	}
	if m.filters == nil {
		m.filters = filter.NewChain()
	}
	if m.metrics == nil {
		m.metrics = noopRecorder{}
	}
	return m, nil
}

// Play resolves a query and queues the result. URLs that expand to several
// tracks are queued in order until the queue is full; text searches queue the best match.
func (m *Manager) Play(ctx context.Context, req PlayRequest) Result {
	if req.VoiceChannelID == "" {
		return m.reject("play", req.GuildID, playback.ErrNoVoiceTarget)
	}

	drafts, err := m.resolver.Resolve(ctx, req.Query)
	if err != nil {
		return m.reject("play", req.GuildID, err)
	}
	if !isURL(req.Query) {
		drafts = drafts[:1]
	}

	var first *track.Track
	var last Result
	added := 0
	for _, d := range drafts {
		res := m.EnqueueTrack(ctx, EnqueueRequest{
			GuildID:        req.GuildID,
			Requester:      req.Requester,
			Draft:          d,
			VoiceChannelID: req.VoiceChannelID,
			TextChannelID:  req.TextChannelID,
		})
		if !res.OK {
			last = res
			if res.Code == "duplicate_track" || res.Code == "unplayable" || m.isFilterCode(res.Code) {
				continue
			}
			if added == 0 {
				return res
			}
			break
		}
		if first == nil {
			first = res.Track
		}
		added++
	}

	if added == 0 {
		return last
	}
	return Result{OK: true, Code: "success", Message: m.config.GetMessage("success"), Track: first, Added: added}
}

// EnqueueTrack validates a draft, connects to the requester's voice channel and queues it.
func (m *Manager) EnqueueTrack(ctx context.Context, req EnqueueRequest) Result {
	if req.VoiceChannelID == "" {
		return m.reject("enqueue", req.GuildID, playback.ErrNoVoiceTarget)
	}

	if result := m.filters.Execute(ctx, filter.Request{
		GuildID:   req.GuildID,
		Requester: req.Requester,
		Query:     req.Draft.URI,
	}, req.Draft); !result.Accepted {
		m.metrics.EnqueueRejected(result.Code)
		zlog.Info().Msgf("enqueue rejected by filter: guild=%s title=%s code=%s", req.GuildID, req.Draft.Title, result.Code)
		return Result{Code: result.Code, Message: m.config.GetMessage(result.Code)}
	}

	token, err := m.resolver.PlayableToken(ctx, req.Draft)
	if err != nil {
		return m.reject("enqueue", req.GuildID, err)
	}
	qt := track.QueuedTrack{
		Track:     req.Draft.WithToken(token),
		Requester: req.Requester,
		AddedAt:   time.Now(),
	}

	c, created := m.controllerFor(ctx, req.GuildID, req.Requester.ID)
	if req.TextChannelID != "" {
		c.BindTextChannel(req.TextChannelID)
	}

	wasConnected := c.State().Connected()
	start := time.Now()
	err = c.EnsureConnected(ctx, audio.VoiceTarget{GuildID: req.GuildID, ChannelID: req.VoiceChannelID})
	if !wasConnected {
		m.metrics.ObserveConnect(time.Since(start), err)
	}
	if err != nil {
		m.discardIfUnused(ctx, c, created)
		return m.reject("enqueue", req.GuildID, err)
	}

	if err := c.Enqueue(qt); err != nil {
		m.discardIfUnused(ctx, c, created)
		return m.reject("enqueue", req.GuildID, err)
	}

	zlog.Info().Msgf("track queued: guild=%s title=%s requester=%s", req.GuildID, qt.Track.Title, req.Requester.Name)
	return Result{OK: true, Code: "success", Message: m.config.GetMessage("success"), Track: &qt.Track, Added: 1}
}

// Search returns candidates for a query without queueing anything.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]track.Draft, Result) {
	drafts, err := m.resolver.Resolve(ctx, query)
	if err != nil {
		return nil, m.reject("search", "", err)
	}
	if limit > 0 && len(drafts) > limit {
		drafts = drafts[:limit]
	}
	return drafts, m.success()
}

// Skip discards the current track of a guild.
func (m *Manager) Skip(ctx context.Context, guildID string) Result {
	return m.act("skip", guildID, func(c *playback.Controller) error {
		return c.Skip(ctx)
	})
}

// Stop clears a guild's queue and leaves voice.
func (m *Manager) Stop(ctx context.Context, guildID string) Result {
	return m.act("stop", guildID, func(c *playback.Controller) error {
		return c.Stop(ctx)
	})
}

// SetVolume changes a guild's volume and remembers it for the acting user.
func (m *Manager) SetVolume(ctx context.Context, guildID, userID string, percent int) Result {
	if percent < playback.MinVolume || percent > playback.MaxVolume {
		return m.reject("volume", guildID, playback.ErrInvalidVolume)
	}
	res := m.act("volume", guildID, func(c *playback.Controller) error {
		return c.SetVolume(ctx, percent)
	})
	if res.OK && m.prefs != nil && userID != "" {
		if err := m.prefs.SetVolume(ctx, userID, percent); err != nil {
			zlog.Warn().Msgf("failed to store preferred volume: user=%s error=%v", userID, err)
		}
	}
	return res
}

// SetLoop changes a guild's loop mode.
func (m *Manager) SetLoop(ctx context.Context, guildID, mode string) Result {
	lm, err := playback.ParseLoopMode(mode)
	if err != nil {
		return m.reject("loop", guildID, err)
	}
	return m.act("loop", guildID, func(c *playback.Controller) error {
		return c.SetLoop(ctx, lm)
	})
}

// Pause pauses a guild's current track.
func (m *Manager) Pause(ctx context.Context, guildID string) Result {
	return m.act("pause", guildID, func(c *playback.Controller) error {
		return c.Pause(ctx)
	})
}

// Resume resumes a guild's paused track.
func (m *Manager) Resume(ctx context.Context, guildID string) Result {
	return m.act("resume", guildID, func(c *playback.Controller) error {
		return c.Resume(ctx)
	})
}

// Status returns the queue view of a guild.
func (m *Manager) Status(guildID string) (*Status, error) {
	c, err := m.store.Get(guildID)
	if err != nil {
		return nil, err
	}
	return &Status{Snapshot: c.Snapshot(), Pending: c.Queue()}, nil
}

// Statuses returns the queue view of every active guild.
func (m *Manager) Statuses() []*Status {
	controllers := m.store.All()
	result := make([]*Status, 0, len(controllers))
	for _, c := range controllers {
		result = append(result, &Status{Snapshot: c.Snapshot(), Pending: c.Queue()})
	}
	return result
}

// Message renders a message code with the configured text.
func (m *Manager) Message(code string) string {
	return m.config.GetMessage(code)
}

// Close stops every guild queue and waits for their event consumers to finish.
func (m *Manager) Close(ctx context.Context) {
	for _, c := range m.store.All() {
		if err := c.Stop(ctx); err != nil {
			zlog.Warn().Msgf("failed to stop queue: guild=%s error=%v", c.GuildID(), err)
		}
	}
	m.wg.Wait()
}

// controllerFor returns the guild's controller, creating it on first use.
func (m *Manager) controllerFor(ctx context.Context, guildID, requesterID string) (*playback.Controller, bool) {
	c, created := m.store.GetOrCreate(guildID, func() *playback.Controller {
		return playback.NewController(guildID, m.controllerConfig(ctx, requesterID), m.endpoint, m.voice, m.sink)
	})
	if !created {
		return c, false
	}

	c.OnDestroy(func(dc *playback.Controller) {
		if m.store.Remove(dc.GuildID(), dc) {
			zlog.Info().Msgf("guild queue removed: guild=%s", dc.GuildID())
		}
		m.metrics.ActiveQueues(m.store.Count())
	})
	m.metrics.ActiveQueues(m.store.Count())

	m.wg.Add(1)
	go m.consume(c)

	zlog.Info().Msgf("guild queue created: guild=%s id=%s", guildID, c.ID())
	return c, true
}

// controllerConfig builds a controller config, starting at the requester's preferred volume.
func (m *Manager) controllerConfig(ctx context.Context, requesterID string) playback.Config {
	p := m.config.Playback
	volume := p.DefaultVolume
	if m.prefs != nil && requesterID != "" {
		v, err := m.prefs.Volume(ctx, requesterID)
		if err != nil {
			zlog.Warn().Msgf("failed to load preferred volume: user=%s error=%v", requesterID, err)
		} else if v >= playback.MinVolume && v <= playback.MaxVolume {
			volume = v
		}
	}
	return playback.Config{
		MaxQueueSize:     p.MaxQueueSize,
		AllowDuplicates:  p.AllowDuplicates,
		Volume:           volume,
		IdleTimeout:      p.IdleTimeout(),
		ConnectTimeout:   p.ConnectTimeout(),
		PlayTimeout:      p.PlayTimeout(),
		SocketGrace:      p.SocketGrace(),
		MaxTrackFailures: p.MaxTrackFailures,
		Retry: playback.RetryPolicy{
			MaxAttempts: p.Retry.MaxAttempts,
			Backoff:     p.Retry.Backoff(),
		},
	}
}

// consume records and publishes a controller's events until it is torn down.
func (m *Manager) consume(c *playback.Controller) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("event consumer panicked: guild=%s panic=%v", c.GuildID(), r)
		}
	}()

	for ev := range c.Events() {
		zlog.Debug().Msgf("playback event: guild=%s type=%s", ev.GuildID, ev.Type)

		switch ev.Type {
		case playback.EventTrackStarted:
			m.metrics.TrackStarted(ev.GuildID)
		case playback.EventTrackFailed:
			m.metrics.TrackFailed(ev.Reason)
		}

		if m.notifier != nil {
			m.notifier.Publish(ev.Type.String(), c.Snapshot())
		}
	}
}

// discardIfUnused tears down a controller this request created and never used.
func (m *Manager) discardIfUnused(ctx context.Context, c *playback.Controller, created bool) {
	if !created {
		return
	}
	if c.Snapshot().Current != nil || len(c.Queue()) > 0 {
		return
	}
	_ = c.Stop(ctx)
}

func (m *Manager) act(action, guildID string, fn func(*playback.Controller) error) Result {
	c, err := m.store.Get(guildID)
	if err != nil {
		return m.reject(action, guildID, err)
	}
	if err := fn(c); err != nil {
		return m.reject(action, guildID, err)
	}
	zlog.Info().Msgf("action done: action=%s guild=%s", action, guildID)
	return m.success()
}

func (m *Manager) reject(action, guildID string, err error) Result {
	code := CodeOf(err)
	if action == "enqueue" || action == "play" {
		m.metrics.EnqueueRejected(code)
	}
	zlog.Info().Msgf("action rejected: action=%s guild=%s code=%s error=%v", action, guildID, code, err)
	return Result{Code: code, Message: m.config.GetMessage(code)}
}

func (m *Manager) success() Result {
	return Result{OK: true, Code: "success", Message: m.config.GetMessage("success")}
}

func (m *Manager) isFilterCode(code string) bool {
	for _, f := range m.filters.Filters() {
		for _, c := range f.ReturnCodes() {
			if c == code {
				return true
			}
		}
	}
	return false
}

func isURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "spotify:")
}
