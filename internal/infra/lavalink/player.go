package lavalink

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/domain/audio"
)

const eventBuffer = 64

// Player is the audio session of one guild on one node.
type Player struct {
	node    *Node
	guildID string
	events  chan audio.Event

	mu         sync.Mutex
	closed     bool
	invalid    bool // The node restarted without resuming this player
	socketLost bool
}

func newPlayer(node *Node, guildID string) *Player {
	return &Player{
		node:    node,
		guildID: guildID,
		events:  make(chan audio.Event, eventBuffer),
	}
}

// Node returns the node hosting the player.
func (p *Player) Node() *Node {
	return p.node
}

// Play starts the track, replacing whatever is playing.
func (p *Player) Play(ctx context.Context, token string, volume int) error {
	paused := false
	err := p.update(ctx, playerUpdate{
		Track:  &updateTrack{Encoded: &token},
		Volume: &volume,
		Paused: &paused,
	})
	if errors.Is(err, errHTTP) {
		return errors.Mark(err, audio.ErrPlayRejected)
	}
	return err
}

// Stop stops the current track.
func (p *Player) Stop(ctx context.Context) error {
	return p.update(ctx, playerUpdate{Track: &updateTrack{}})
}

// Pause pauses or resumes.
func (p *Player) Pause(ctx context.Context, paused bool) error {
	return p.update(ctx, playerUpdate{Paused: &paused})
}

// SetVolume sets the volume in percent.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	return p.update(ctx, playerUpdate{Volume: &volume})
}

// Disconnect destroys the player and closes its event channel.
func (p *Player) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	invalid := p.invalid
	close(p.events)
	p.mu.Unlock()

	p.node.removePlayer(p)
	if invalid {
		return nil
	}
	if err := p.node.destroyPlayer(ctx, p.guildID); err != nil {
		return errors.Wrapf(err, "destroy player: guild=%s", p.guildID)
	}
	return nil
}

// Events returns the lifecycle events of the player.
func (p *Player) Events() <-chan audio.Event {
	return p.events
}

func (p *Player) update(ctx context.Context, update playerUpdate) error {
	p.mu.Lock()
	closed, invalid := p.closed, p.invalid
	p.mu.Unlock()

	if closed {
		return errors.Newf("player closed: guild=%s", p.guildID)
	}
	if invalid {
		return errors.Wrapf(audio.ErrNoAvailableNode, "player lost on node %s", p.node.Name())
	}
	return p.node.updatePlayer(ctx, p.guildID, update)
}

func (p *Player) emit(ev audio.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(ev)
}

func (p *Player) emitLocked(ev audio.Event) {
	if p.closed {
		return
	}
	ev.GuildID = p.guildID
	select {
	case p.events <- ev:
	default:
		zlog.Warn().Msgf("lavalink: event buffer full, dropping event: guild=%s kind=%s", p.guildID, ev.Kind)
	}
}

func (p *Player) onSocketClosed(code int, reason string, byRemote bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socketLost {
		return
	}
	p.socketLost = true
	p.emitLocked(audio.Event{Kind: audio.EventSocketClosed, Code: code, Detail: reason, ByRemote: byRemote})
}

// onStateUpdate reports recovery once the node says the voice socket is back.
func (p *Player) onStateUpdate(connected bool) {
	if !connected {
		return
	}
	p.recovered()
}

func (p *Player) onNodeRecovered() {
	p.recovered()
}

func (p *Player) recovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.socketLost || p.invalid {
		return
	}
	p.socketLost = false
	p.emitLocked(audio.Event{Kind: audio.EventRecovered})
}

// invalidate marks the player gone so the next command fails and a new node is used.
func (p *Player) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalid = true
}
