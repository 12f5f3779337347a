package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/domain/track"
)

// messageSession is the part of *discordgo.Session the presenter uses.
type messageSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// PresenterConfig represents message throttling.
type PresenterConfig struct {
	EditsPerSecond float64
	Burst          int
}

// Presenter renders guild queues as embeds in text channels.
// Writes are throttled per channel so a busy queue cannot hit platform rate limits.
type Presenter struct {
	session messageSession
	limit   rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPresenter creates a presenter over a discordgo session.
func NewPresenter(s *discordgo.Session, cfg PresenterConfig) *Presenter {
	return newPresenter(s, cfg)
}

func newPresenter(s messageSession, cfg PresenterConfig) *Presenter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.EditsPerSecond)
	if cfg.EditsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Presenter{
		session:  s,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Show sends a new "now playing" message.
func (p *Presenter) Show(ctx context.Context, guildID, channelID string, snap playback.Snapshot) (playback.Handle, error) {
	if err := p.wait(ctx, channelID); err != nil {
		return playback.Handle{}, err
	}
	msg, err := p.session.ChannelMessageSendEmbed(channelID, nowPlayingEmbed(snap), discordgo.WithContext(ctx))
	if err != nil {
		return playback.Handle{}, errors.Wrapf(err, "failed to send message: guild=%s channel=%s", guildID, channelID)
	}
	return playback.Handle{ChannelID: channelID, MessageID: msg.ID}, nil
}

// Update edits an existing "now playing" message.
func (p *Presenter) Update(ctx context.Context, handle playback.Handle, snap playback.Snapshot) error {
	if err := p.wait(ctx, handle.ChannelID); err != nil {
		return err
	}
	_, err := p.session.ChannelMessageEditEmbed(handle.ChannelID, handle.MessageID, nowPlayingEmbed(snap), discordgo.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "failed to edit message: channel=%s message=%s", handle.ChannelID, handle.MessageID)
	}
	return nil
}

// Clear deletes the "now playing" message.
func (p *Presenter) Clear(ctx context.Context, handle playback.Handle) error {
	if handle.IsZero() {
		return nil
	}
	if err := p.wait(ctx, handle.ChannelID); err != nil {
		return err
	}
	if err := p.session.ChannelMessageDelete(handle.ChannelID, handle.MessageID, discordgo.WithContext(ctx)); err != nil {
		return errors.Wrapf(err, "failed to delete message: channel=%s message=%s", handle.ChannelID, handle.MessageID)
	}
	return nil
}

// Error reports a track that failed asynchronously.
func (p *Presenter) Error(ctx context.Context, guildID, channelID string, t track.Track, detail string) error {
	if channelID == "" {
		zlog.Debug().Msgf("discord: no text channel for error report: guild=%s", guildID)
		return nil
	}
	if err := p.wait(ctx, channelID); err != nil {
		return err
	}
	if _, err := p.session.ChannelMessageSendEmbed(channelID, errorEmbed(t, detail), discordgo.WithContext(ctx)); err != nil {
		return errors.Wrapf(err, "failed to send error message: guild=%s channel=%s", guildID, channelID)
	}
	return nil
}

func (p *Presenter) wait(ctx context.Context, channelID string) error {
	if err := p.limiter(channelID).Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limit wait: channel=%s", channelID)
	}
	return nil
}

func (p *Presenter) limiter(channelID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[channelID] = l
	}
	return l
}
