package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/domain/audio"
	"github.com/osa030/19dj/internal/domain/track"
)

// Errors
var (
	ErrNoTrack              = errors.New("no track playing")
	ErrNotPlaying           = errors.New("not playing")
	ErrNotPaused            = errors.New("not paused")
	ErrDuplicateTrack       = errors.New("track already queued")
	ErrQueueFull            = errors.New("queue is full")
	ErrUnplayable           = errors.New("track has no playable source")
	ErrInvalidVolume        = errors.New("volume out of range")
	ErrInvalidLoopMode      = errors.New("invalid loop mode")
	ErrNoVoiceTarget        = errors.New("no voice channel given")
	ErrNotConnected         = errors.New("not connected")
	ErrDestroyed            = errors.New("queue has been torn down")
	ErrTransitionInProgress = errors.New("track transition in progress")
)

// Volume bounds in percent.
const (
	MinVolume = 1
	MaxVolume = 100
)

const cleanupTimeout = 5 * time.Second

// Config holds controller configuration.
type Config struct {
	MaxQueueSize     int           // Cap on current + pending, 0 for unlimited
	AllowDuplicates  bool          // Skip duplicate detection
	Volume           int           // Initial volume percent
	IdleTimeout      time.Duration // Leave after idling this long, 0 to stay
	ConnectTimeout   time.Duration // Bound on one handshake + endpoint connect attempt
	PlayTimeout      time.Duration // Bound on a play command acknowledgement
	SocketGrace      time.Duration // Time a closed voice socket has to recover
	MaxTrackFailures int           // Drop a track after this many failures, 0 to never drop
	Retry            RetryPolicy   // Applied to connect and play
}

// Controller is the queue state machine of one guild.
// All queue mutations happen under mu; endpoint and sink calls never do.
type Controller struct {
	mu sync.Mutex

	id      string
	guildID string
	config  Config

	endpoint Endpoint
	voice    VoiceGateway
	sink     Sink

	// Queue management
	pending []track.QueuedTrack
	current *track.QueuedTrack
	loop    LoopMode
	volume  int

	// Playback state
	state     State
	playing   bool      // Last known endpoint playing state
	startedAt time.Time // When the endpoint confirmed current
	expectEnd string    // Token whose next ended event the controller caused itself

	// Connection
	conn   Connection
	target audio.VoiceTarget
	creds  audio.VoiceCredentials
	gen    uint64 // Bumped whenever conn changes, stale events are dropped

	// Presentation
	textChannelID string
	handle        Handle

	// Timers
	idleCancel  func()
	idleSeq     uint64
	graceCancel func()
	graceSeq    uint64

	destroyed bool
	onDestroy func(*Controller)

	connMu    sync.Mutex // Serializes connection changes
	presentMu sync.Mutex // Serializes sink calls

	eventCh chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates the controller of one guild.
func NewController(guildID string, config Config, endpoint Endpoint, voice VoiceGateway, sink Sink) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:       uuid.NewString(),
		guildID:  guildID,
		config:   config,
		endpoint: endpoint,
		voice:    voice,
		sink:     sink,
		pending:  make([]track.QueuedTrack, 0),
		volume:   clampVolume(config.Volume),
		state:    StateDisconnected,
		eventCh:  make(chan Event, 32),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the unique id of this controller instance.
func (c *Controller) ID() string {
	return c.id
}

// GuildID returns the guild the controller belongs to.
func (c *Controller) GuildID() string {
	return c.guildID
}

// Events returns the event channel. It is closed on teardown.
func (c *Controller) Events() <-chan Event {
	return c.eventCh
}

// OnDestroy registers fn to run once the controller has been torn down.
func (c *Controller) OnDestroy(fn func(*Controller)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDestroy = fn
}

// BindTextChannel sets the channel the presentation is rendered into.
func (c *Controller) BindTextChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channelID != "" {
		c.textChannelID = channelID
	}
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Destroyed reports whether the controller has been torn down.
func (c *Controller) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Snapshot returns a point-in-time view of the queue.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Queue returns a copy of the pending tracks.
func (c *Controller) Queue() []track.QueuedTrack {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]track.QueuedTrack, len(c.pending))
	copy(result, c.pending)
	return result
}

// Enqueue appends a track to pending. It never performs network I/O;
// when the controller is connected and idle it starts an asynchronous advance.
func (c *Controller) Enqueue(qt track.QueuedTrack) error {
	if !qt.Track.Playable() {
		return ErrUnplayable
	}
	if qt.AddedAt.IsZero() {
		qt.AddedAt = time.Now()
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if !c.config.AllowDuplicates && c.containsLocked(&qt.Track) {
		c.mu.Unlock()
		return errors.Wrapf(ErrDuplicateTrack, "%q", qt.Track.Title)
	}
	if c.config.MaxQueueSize > 0 && c.lengthLocked() >= c.config.MaxQueueSize {
		c.mu.Unlock()
		return errors.Wrapf(ErrQueueFull, "max %d", c.config.MaxQueueSize)
	}

	c.pending = append(c.pending, qt)
	c.cancelIdleTimerLocked()
	trigger := c.state == StateIdle
	refresh := c.current != nil
	c.sendEventLocked(Event{Type: EventTrackQueued, Track: &qt})
	c.mu.Unlock()

	zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: track queued: title=%s requester=%s", qt.Track.Title, qt.Requester.Name)

	if trigger {
		go c.Advance(c.ctx)
	} else if refresh {
		go c.refresh(c.ctx)
	}
	return nil
}

// EnsureConnected connects the guild to the voice target. It is a no-op when
// already connected there and moves the connection when connected elsewhere.
// On failure the controller is left disconnected with its queue intact.
// A move is refused while a track transition is in flight, and a failed move
// leaves the guild to the idle timer.
func (c *Controller) EnsureConnected(ctx context.Context, target audio.VoiceTarget) error {
	if target.IsZero() {
		return ErrNoVoiceTarget
	}
	target.GuildID = c.guildID

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.conn != nil && c.target.ChannelID == target.ChannelID {
		c.mu.Unlock()
		return nil
	}
	old := c.conn
	moved := old != nil
	if moved && c.state == StateAdvancing {
		c.mu.Unlock()
		return errors.Wrapf(ErrTransitionInProgress, "move to channel %s", target.ChannelID)
	}
	if moved {
		c.conn = nil
		c.gen++
		if c.current != nil {
			// The interrupted track restarts in the new channel
			c.pending = append([]track.QueuedTrack{*c.current}, c.pending...)
			c.current = nil
		}
		c.playing = false
		c.startedAt = time.Time{}
	}
	c.cancelIdleTimerLocked()
	c.cancelGraceTimerLocked()
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		zlog.Info().Str("guild_id", c.guildID).Msgf("playback: moving voice connection: channel=%s", target.ChannelID)
		if err := old.Disconnect(ctx); err != nil {
			zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: failed to disconnect previous session: %v", err)
		}
	}

	start := time.Now()
	var (
		creds audio.VoiceCredentials
		conn  Connection
	)
	err := c.config.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := withTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()

		var err error
		creds, err = c.voice.Join(attemptCtx, c.guildID, target.ChannelID)
		if err != nil {
			return classifyConnectErr(ctx, attemptCtx, errors.Wrap(err, "voice handshake"))
		}
		conn, err = c.endpoint.Connect(attemptCtx, c.guildID, target, creds)
		if err != nil {
			return classifyConnectErr(ctx, attemptCtx, errors.Wrap(err, "endpoint connect"))
		}
		return nil
	})
	if err != nil {
		c.mu.Lock()
		if !c.destroyed {
			c.state = StateDisconnected
			if moved {
				c.startIdleTimerLocked()
			}
			c.sendEventLocked(Event{Type: EventStateChanged, Reason: err.Error()})
		}
		c.mu.Unlock()

		zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: connect failed: channel=%s error=%v", target.ChannelID, err)
		c.leave(ctx)
		if moved {
			// The interrupted track is pending again, so this clears the stale view
			c.refresh(ctx)
		}
		return err
	}

	if err := c.attach(conn, target, creds); err != nil {
		c.leave(ctx)
		return err
	}

	c.mu.Lock()
	resume := moved && len(c.pending) > 0
	if !resume && c.current == nil {
		c.startIdleTimerLocked()
	}
	c.sendEventLocked(Event{Type: EventStateChanged})
	c.mu.Unlock()

	zlog.Info().Str("guild_id", c.guildID).Msgf("playback: connected: channel=%s elapsed=%v", target.ChannelID, time.Since(start))

	if resume {
		go c.Advance(c.ctx)
	}
	return nil
}

// Advance promotes the next pending track and commands the endpoint to play it.
// It returns immediately when another advance is in flight or a track is current.
func (c *Controller) Advance(ctx context.Context) {
	c.mu.Lock()
	if c.destroyed || !c.state.Connected() || c.state == StateAdvancing || c.current != nil {
		c.mu.Unlock()
		return
	}
	c.state = StateAdvancing
	c.mu.Unlock()

	for c.advanceOnce(ctx) {
	}
}

// advanceOnce pops one track and plays it. It returns true when the loop must
// continue with the next pending track.
func (c *Controller) advanceOnce(ctx context.Context) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	if len(c.pending) == 0 {
		c.current = nil
		c.playing = false
		c.state = StateIdle
		c.startIdleTimerLocked()
		c.sendEventLocked(Event{Type: EventQueueEmpty})
		c.mu.Unlock()

		zlog.Info().Str("guild_id", c.guildID).Msg("playback: queue finished")
		c.refresh(ctx)
		return false
	}

	next := c.pending[0]
	c.pending = c.pending[1:]
	cur := &next
	c.current = cur
	c.playing = false
	c.startedAt = time.Time{}
	volume := c.volume
	c.mu.Unlock()

	err := c.play(ctx, next.Track.Token, volume)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}

	if err != nil && ctx.Err() != nil {
		// Cancelled, not failed: the track goes back untouched
		if c.current == cur {
			c.current = nil
			c.pending = append([]track.QueuedTrack{next}, c.pending...)
		}
		c.state = StateIdle
		c.mu.Unlock()
		return false
	}

	if err != nil {
		if c.current == cur {
			c.current = nil
		}
		lost := c.conn == nil
		c.sendEventLocked(Event{Type: EventTrackFailed, Track: cur, Reason: err.Error()})
		c.mu.Unlock()

		zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: failed to play track: title=%s error=%v", next.Track.Title, err)
		c.reportError(ctx, next.Track, err.Error())

		if lost {
			c.teardown(ctx, "voice connection lost")
			return false
		}
		return true
	}

	if c.current != cur {
		// An endpoint event consumed the track while the command was in flight
		c.mu.Unlock()
		return true
	}
	c.state = StatePlaying
	c.mu.Unlock()

	zlog.Info().Str("guild_id", c.guildID).Msgf("playback: playing: title=%s volume=%d", next.Track.Title, volume)
	c.refresh(ctx)
	return false
}

// play sends the play command, reconnecting to a healthy node before a retry.
func (c *Controller) play(ctx context.Context, token string, volume int) error {
	return c.config.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		conn, err := c.connection()
		if attempt > 1 {
			conn, err = c.reconnect(ctx)
		}
		if err != nil {
			return err
		}

		playCtx, cancel := withTimeout(ctx, c.config.PlayTimeout)
		defer cancel()

		if err := conn.Play(playCtx, token, volume); err != nil {
			if playCtx.Err() != nil && ctx.Err() == nil {
				return errors.Mark(errors.Wrap(err, "play not acknowledged"), audio.ErrPlayRejected)
			}
			return errors.Wrap(err, "play")
		}
		return nil
	})
}

// HandleEvent applies one endpoint event for the active connection.
func (c *Controller) HandleEvent(ctx context.Context, ev audio.Event) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.handleEvent(ctx, gen, ev)
}

// outcome is the I/O an event handler asks for once the lock is released.
type outcome struct {
	refresh  bool
	advance  bool
	teardown string
	stop     Connection
	failed   *track.Track
	detail   string
}

func (c *Controller) handleEvent(ctx context.Context, gen uint64, ev audio.Event) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: dropping event from stale connection: kind=%s", ev.Kind)
		return
	}

	var out outcome
	switch ev.Kind {
	case audio.EventStarted:
		out = c.onStartedLocked(ev)
	case audio.EventEnded:
		out = c.onEndedLocked(ev)
	case audio.EventException:
		out = c.onFailureLocked(ev, ev.Detail, true)
	case audio.EventStuck:
		out = c.onFailureLocked(ev, "track stuck", true)
		if out.failed != nil {
			out.stop = c.conn
		}
	case audio.EventSocketClosed:
		out = c.onSocketClosedLocked(ev)
	case audio.EventRecovered:
		out = c.onRecoveredLocked()
	}
	c.mu.Unlock()

	if out.stop != nil {
		if err := out.stop.Stop(ctx); err != nil {
			zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: failed to stop stuck track: %v", err)
		}
	}
	if out.failed != nil {
		c.reportError(ctx, *out.failed, out.detail)
	}
	switch {
	case out.teardown != "":
		c.teardown(ctx, out.teardown)
	case out.advance:
		c.Advance(ctx)
	case out.refresh:
		c.refresh(ctx)
	}
}

func (c *Controller) onStartedLocked(ev audio.Event) outcome {
	if !c.isCurrentLocked(ev.Token) {
		zlog.Debug().Str("guild_id", c.guildID).Msg("playback: ignoring started event for a stale track")
		return outcome{}
	}
	if c.expectEnd == ev.Token {
		c.expectEnd = ""
	}
	c.playing = true
	c.startedAt = time.Now()
	c.cancelIdleTimerLocked()
	c.cancelGraceTimerLocked()
	c.sendEventLocked(Event{Type: EventTrackStarted, Track: c.currentCopyLocked()})
	return outcome{refresh: true}
}

func (c *Controller) onEndedLocked(ev audio.Event) outcome {
	if ev.Token != "" && ev.Token == c.expectEnd {
		c.expectEnd = ""
		return outcome{}
	}
	if ev.Reason == audio.EndReplaced || ev.Reason == audio.EndCleanup {
		return outcome{}
	}
	if !c.isCurrentLocked(ev.Token) {
		zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: ignoring ended event for a stale track: reason=%s", ev.Reason)
		return outcome{}
	}
	if ev.Reason == audio.EndLoadFailed {
		return c.onFailureLocked(ev, "track failed to load", false)
	}

	// Finished, or stopped by something other than this controller
	ended := *c.current
	c.clearCurrentLocked()
	switch c.loop {
	case LoopTrack:
		c.pending = append([]track.QueuedTrack{ended}, c.pending...)
	case LoopQueue:
		c.pending = append(c.pending, ended)
	}
	c.sendEventLocked(Event{Type: EventTrackEnded, Track: &ended, Reason: string(ev.Reason)})
	return outcome{advance: true}
}

// onFailureLocked discards or re-queues current after a failed playback.
// Looped tracks go to the back so a broken track cannot spin at the front.
func (c *Controller) onFailureLocked(ev audio.Event, detail string, expectEnd bool) outcome {
	if !c.isCurrentLocked(ev.Token) {
		return outcome{}
	}

	failed := *c.current
	failed.Failures++
	c.clearCurrentLocked()
	if expectEnd {
		c.expectEnd = failed.Track.Token
	}

	maxFailures := c.config.MaxTrackFailures
	switch {
	case maxFailures > 0 && failed.Failures >= maxFailures:
		zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: dropping track after repeated failures: title=%s failures=%d", failed.Track.Title, failed.Failures)
	case c.loop != LoopOff:
		c.pending = append(c.pending, failed)
	}

	zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: track failed: title=%s detail=%s", failed.Track.Title, detail)
	c.sendEventLocked(Event{Type: EventTrackFailed, Track: &failed, Reason: detail})
	return outcome{advance: true, failed: &failed.Track, detail: detail}
}

func (c *Controller) onSocketClosedLocked(ev audio.Event) outcome {
	zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: voice socket closed: code=%d reason=%s by_remote=%v", ev.Code, ev.Detail, ev.ByRemote)

	c.playing = false
	c.sendEventLocked(Event{Type: EventStateChanged, Reason: "voice socket closed"})
	if c.config.SocketGrace <= 0 {
		return outcome{teardown: "voice socket closed"}
	}
	if c.graceCancel == nil {
		c.startGraceTimerLocked()
	}
	return outcome{refresh: true}
}

func (c *Controller) onRecoveredLocked() outcome {
	if c.graceCancel == nil {
		return outcome{}
	}
	c.cancelGraceTimerLocked()
	c.playing = c.current != nil && c.state == StatePlaying && !c.startedAt.IsZero()
	zlog.Info().Str("guild_id", c.guildID).Msg("playback: voice connection recovered")
	c.sendEventLocked(Event{Type: EventStateChanged})
	return outcome{refresh: true}
}

// Skip discards the current track exactly once and advances.
// Under queue loop the skipped track is requeued at the back.
func (c *Controller) Skip(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state == StateAdvancing {
		c.mu.Unlock()
		return ErrTransitionInProgress
	}
	if c.current == nil {
		c.mu.Unlock()
		return ErrNoTrack
	}

	skipped := *c.current
	c.clearCurrentLocked()
	c.expectEnd = skipped.Track.Token
	if c.loop == LoopQueue {
		c.pending = append(c.pending, skipped)
	}
	conn := c.conn
	c.sendEventLocked(Event{Type: EventTrackSkipped, Track: &skipped})
	c.mu.Unlock()

	zlog.Info().Str("guild_id", c.guildID).Msgf("playback: skipped: title=%s", skipped.Track.Title)

	if conn != nil {
		if err := conn.Stop(ctx); err != nil {
			zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: failed to stop skipped track: %v", err)
		}
	}
	c.Advance(c.ctx)
	return nil
}

// Stop clears the queue, disconnects and tears the controller down.
func (c *Controller) Stop(ctx context.Context) error {
	c.teardown(ctx, "stopped")
	return nil
}

// SetVolume updates the volume, applying it live when a track is assigned.
func (c *Controller) SetVolume(ctx context.Context, percent int) error {
	if percent < MinVolume || percent > MaxVolume {
		return errors.Wrapf(ErrInvalidVolume, "volume %d", percent)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.volume = percent
	var conn Connection
	if c.current != nil && (c.state == StatePlaying || c.state == StatePaused) {
		conn = c.conn
	}
	c.sendEventLocked(Event{Type: EventStateChanged})
	c.mu.Unlock()

	if conn != nil {
		if err := conn.SetVolume(ctx, percent); err != nil {
			zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: live volume change failed, applies to next track: %v", err)
		}
	}
	c.refresh(ctx)
	return nil
}

// SetLoop sets the loop mode.
func (c *Controller) SetLoop(ctx context.Context, mode LoopMode) error {
	if mode < LoopOff || mode > LoopQueue {
		return errors.Wrapf(ErrInvalidLoopMode, "loop mode %d", mode)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.loop = mode
	c.sendEventLocked(Event{Type: EventStateChanged})
	c.mu.Unlock()

	c.refresh(ctx)
	return nil
}

// Pause pauses the current track.
func (c *Controller) Pause(ctx context.Context) error {
	return c.setPaused(ctx, true)
}

// Resume resumes the paused track.
func (c *Controller) Resume(ctx context.Context) error {
	return c.setPaused(ctx, false)
}

func (c *Controller) setPaused(ctx context.Context, paused bool) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.current == nil {
		c.mu.Unlock()
		return ErrNoTrack
	}
	if paused && c.state != StatePlaying {
		c.mu.Unlock()
		return ErrNotPlaying
	}
	if !paused && c.state != StatePaused {
		c.mu.Unlock()
		return ErrNotPaused
	}
	conn := c.conn
	cur := c.current
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Pause(ctx, paused); err != nil {
		return errors.Wrap(err, "pause")
	}

	c.mu.Lock()
	if !c.destroyed && c.current == cur {
		if paused {
			c.state = StatePaused
		} else {
			c.state = StatePlaying
		}
		c.sendEventLocked(Event{Type: EventStateChanged})
	}
	c.mu.Unlock()

	c.refresh(ctx)
	return nil
}

// teardown destroys the queue state. It is idempotent.
func (c *Controller) teardown(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	joined := c.state != StateDisconnected
	conn := c.conn
	c.conn = nil
	c.gen++
	c.pending = nil
	c.current = nil
	c.loop = LoopOff
	c.playing = false
	c.state = StateDisconnected
	c.cancelIdleTimerLocked()
	c.cancelGraceTimerLocked()
	onDestroy := c.onDestroy
	c.sendEventLocked(Event{Type: EventDestroyed, Reason: reason})
	close(c.eventCh)
	c.mu.Unlock()

	c.cancel()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if conn != nil {
		if err := conn.Disconnect(cleanupCtx); err != nil {
			zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: failed to disconnect: %v", err)
		}
	}
	if joined {
		c.leave(cleanupCtx)
	}
	c.clearPresentation(cleanupCtx)

	if onDestroy != nil {
		onDestroy(c)
	}
	zlog.Info().Str("guild_id", c.guildID).Msgf("playback: queue torn down: reason=%s", reason)
}

// connection returns the active connection.
func (c *Controller) connection() (Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// reconnect replaces the active connection with one on a healthy node,
// reusing the voice credentials of the current session.
func (c *Controller) reconnect(ctx context.Context) (Connection, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	old := c.conn
	target, creds := c.target, c.creds
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	if old != nil {
		if err := old.Disconnect(ctx); err != nil {
			zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: failed to disconnect unhealthy session: %v", err)
		}
	}

	connectCtx, cancel := withTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, err := c.endpoint.Connect(connectCtx, c.guildID, target, creds)
	if err != nil {
		return nil, classifyConnectErr(ctx, connectCtx, errors.Wrap(err, "reconnect"))
	}
	if err := c.attach(conn, target, creds); err != nil {
		return nil, err
	}
	zlog.Info().Str("guild_id", c.guildID).Msg("playback: reconnected to audio endpoint")
	return conn, nil
}

// attach installs conn as the active connection and starts consuming its events.
func (c *Controller) attach(conn Connection, target audio.VoiceTarget, creds audio.VoiceCredentials) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		if err := conn.Disconnect(context.Background()); err != nil {
			zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: failed to disconnect late session: %v", err)
		}
		return ErrDestroyed
	}
	c.conn = conn
	c.target = target
	c.creds = creds
	c.gen++
	gen := c.gen
	if c.state == StateConnecting {
		c.state = StateIdle
	}
	c.mu.Unlock()

	go c.pump(conn, gen)
	return nil
}

// pump feeds the events of one connection into the state machine in order.
func (c *Controller) pump(conn Connection, gen uint64) {
	for ev := range conn.Events() {
		c.handleEvent(c.ctx, gen, ev)
	}
}

func (c *Controller) leave(ctx context.Context) {
	if err := c.voice.Leave(context.WithoutCancel(ctx), c.guildID); err != nil {
		zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: failed to leave voice channel: %v", err)
	}
}

// refresh renders the current snapshot, or clears the view when nothing is current.
func (c *Controller) refresh(ctx context.Context) {
	if c.sink == nil {
		return
	}
	c.presentMu.Lock()
	defer c.presentMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	handle := c.handle
	channelID := c.textChannelID
	c.mu.Unlock()

	if snap.Current == nil {
		if !handle.IsZero() {
			if err := c.sink.Clear(ctx, handle); err != nil {
				zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: failed to clear presentation: %v", err)
			}
			c.setHandle(Handle{})
		}
		return
	}

	if handle.IsZero() {
		if channelID == "" {
			return
		}
		h, err := c.sink.Show(ctx, c.guildID, channelID, snap)
		if err != nil {
			zlog.Warn().Str("guild_id", c.guildID).Msgf("playback: failed to show presentation: %v", err)
			return
		}
		c.setHandle(h)
		return
	}
	if err := c.sink.Update(ctx, handle, snap); err != nil {
		zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: failed to update presentation: %v", err)
	}
}

func (c *Controller) clearPresentation(ctx context.Context) {
	if c.sink == nil {
		return
	}
	c.presentMu.Lock()
	defer c.presentMu.Unlock()

	c.mu.Lock()
	handle := c.handle
	c.handle = Handle{}
	c.mu.Unlock()

	if handle.IsZero() {
		return
	}
	if err := c.sink.Clear(ctx, handle); err != nil {
		zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: failed to clear presentation: %v", err)
	}
}

func (c *Controller) setHandle(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

// reportError sends an asynchronous failure to the sink. Best effort.
func (c *Controller) reportError(ctx context.Context, t track.Track, detail string) {
	if c.sink == nil {
		return
	}
	c.mu.Lock()
	channelID := c.textChannelID
	c.mu.Unlock()
	if channelID == "" {
		return
	}
	if err := c.sink.Error(context.WithoutCancel(ctx), c.guildID, channelID, t, detail); err != nil {
		zlog.Debug().Str("guild_id", c.guildID).Msgf("playback: failed to report error: %v", err)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		GuildID:     c.guildID,
		State:       c.state,
		Current:     c.currentCopyLocked(),
		QueueLength: len(c.pending),
		Loop:        c.loop,
		Volume:      c.volume,
		Paused:      c.state == StatePaused,
		Playing:     c.playing,
		StartedAt:   c.startedAt,
	}
}

func (c *Controller) currentCopyLocked() *track.QueuedTrack {
	if c.current == nil {
		return nil
	}
	cur := *c.current
	return &cur
}

func (c *Controller) isCurrentLocked(token string) bool {
	return c.current != nil && c.current.Track.Token == token
}

// clearCurrentLocked drops current. A running advance keeps its state.
func (c *Controller) clearCurrentLocked() {
	c.current = nil
	c.playing = false
	c.startedAt = time.Time{}
	if c.state != StateAdvancing {
		c.state = StateIdle
	}
}

func (c *Controller) containsLocked(t *track.Track) bool {
	if c.current != nil && c.current.Track.SameAs(t) {
		return true
	}
	for i := range c.pending {
		if c.pending[i].Track.SameAs(t) {
			return true
		}
	}
	return false
}

// lengthLocked counts current and pending against the queue cap,
// so loop re-insertion never pushes pending past it.
func (c *Controller) lengthLocked() int {
	n := len(c.pending)
	if c.current != nil {
		n++
	}
	return n
}

func (c *Controller) startIdleTimerLocked() {
	c.cancelIdleTimerLocked()
	if c.config.IdleTimeout <= 0 {
		return
	}
	seq := c.idleSeq
	c.idleCancel = afterFunc(c.config.IdleTimeout, func() {
		c.onIdleTimeout(seq)
	})
}

func (c *Controller) cancelIdleTimerLocked() {
	c.idleSeq++
	if c.idleCancel != nil {
		c.idleCancel()
		c.idleCancel = nil
	}
}

func (c *Controller) onIdleTimeout(seq uint64) {
	c.mu.Lock()
	if c.destroyed || seq != c.idleSeq || c.playing || (c.state != StateIdle && c.state != StateDisconnected) {
		c.mu.Unlock()
		return
	}
	c.idleCancel = nil
	c.mu.Unlock()

	zlog.Info().Str("guild_id", c.guildID).Msg("playback: idle timeout reached, leaving")
	c.teardown(context.Background(), "idle timeout")
}

func (c *Controller) startGraceTimerLocked() {
	c.cancelGraceTimerLocked()
	seq := c.graceSeq
	c.graceCancel = afterFunc(c.config.SocketGrace, func() {
		c.onGraceExpired(seq)
	})
}

func (c *Controller) cancelGraceTimerLocked() {
	c.graceSeq++
	if c.graceCancel != nil {
		c.graceCancel()
		c.graceCancel = nil
	}
}

func (c *Controller) onGraceExpired(seq uint64) {
	c.mu.Lock()
	if c.destroyed || seq != c.graceSeq {
		c.mu.Unlock()
		return
	}
	c.graceCancel = nil
	c.mu.Unlock()

	zlog.Warn().Str("guild_id", c.guildID).Msg("playback: voice socket did not recover in time")
	c.teardown(context.Background(), "voice connection lost")
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (c *Controller) sendEventLocked(e Event) {
	if c.destroyed && e.Type != EventDestroyed {
		return
	}
	e.GuildID = c.guildID
	e.State = c.state
	select {
	case c.eventCh <- e:
	default:
		// Channel full, drop event
	}
}

// classifyConnectErr marks a per-attempt deadline as a connect timeout.
func classifyConnectErr(parent, attempt context.Context, err error) error {
	if errors.Is(err, audio.ErrConnectTimeout) {
		return err
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return errors.Mark(err, audio.ErrConnectTimeout)
	}
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func clampVolume(v int) int {
	switch {
	case v < MinVolume:
		return MaxVolume
	case v > MaxVolume:
		return MaxVolume
	default:
		return v
	}
}
