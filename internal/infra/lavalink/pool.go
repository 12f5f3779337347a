// Package lavalink connects guild queues to Lavalink v4 audio nodes.
package lavalink

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/domain/audio"
	"github.com/osa030/19dj/internal/domain/track"
)

// Config represents the pool configuration.
type Config struct {
	UserID         string // Bot user id, sent on the websocket handshake
	ClientName     string
	ReconnectDelay time.Duration
	RequestTimeout time.Duration
	Nodes          []NodeConfig
}

// Pool holds every configured node and places players on the least-loaded one.
type Pool struct {
	nodes  []*Node
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. Nodes connect once Start is called.
func NewPool(cfg Config) (*Pool, error) {
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("at least one node is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}

	p := &Pool{}
	for _, nc := range cfg.Nodes {
		p.nodes = append(p.nodes, newNode(nc, cfg.UserID, cfg.ClientName, cfg.ReconnectDelay, cfg.RequestTimeout))
	}
	return p, nil
}

// Start connects every node in the background.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, n := range p.nodes {
		p.wg.Add(1)
		go func(n *Node) {
			defer p.wg.Done()
			n.run(ctx)
		}(n)
	}
	zlog.Info().Msgf("lavalink: pool started: nodes=%d", len(p.nodes))
}

// Close disconnects every node.
func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Ready reports whether at least one node can take players.
func (p *Pool) Ready() bool {
	for _, n := range p.nodes {
		if n.Ready() {
			return true
		}
	}
	return false
}

// Nodes returns the configured nodes.
func (p *Pool) Nodes() []*Node {
	return p.nodes
}

// best returns the ready node with the lowest penalty.
func (p *Pool) best() (*Node, error) {
	var (
		best    *Node
		penalty int
	)
	for _, n := range p.nodes {
		if !n.Ready() {
			continue
		}
		if pen := n.penalty(); best == nil || pen < penalty {
			best, penalty = n, pen
		}
	}
	if best == nil {
		return nil, audio.ErrNoAvailableNode
	}
	return best, nil
}

// Connect creates a player for the guild on the least-loaded node.
func (p *Pool) Connect(ctx context.Context, guildID string, target audio.VoiceTarget, creds audio.VoiceCredentials) (playback.Connection, error) {
	if !creds.Complete() {
		return nil, errors.Newf("incomplete voice credentials: guild=%s", guildID)
	}

	node, err := p.best()
	if err != nil {
		return nil, err
	}

	player := newPlayer(node, guildID)
	if old := node.addPlayer(player); old != nil {
		zlog.Debug().Msgf("lavalink: replacing player: guild=%s node=%s", guildID, node.Name())
	}

	err = node.updatePlayer(ctx, guildID, playerUpdate{
		Voice: &voiceState{Token: creds.Token, Endpoint: creds.Endpoint, SessionID: creds.SessionID},
	})
	if err != nil {
		node.removePlayer(player)
		return nil, errors.Mark(errors.Wrapf(err, "attach voice on node %s", node.Name()), audio.ErrNoAvailableNode)
	}

	zlog.Info().Msgf("lavalink: player created: guild=%s channel=%s node=%s", guildID, target.ChannelID, node.Name())
	return player, nil
}

// LoadTracks resolves an identifier or search query into drafts.
func (p *Pool) LoadTracks(ctx context.Context, identifier string) ([]track.Draft, error) {
	node, err := p.best()
	if err != nil {
		return nil, err
	}

	result, err := node.loadTracks(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return decodeLoadResult(result)
}

func decodeLoadResult(result *loadResult) ([]track.Draft, error) {
	switch result.LoadType {
	case loadTrack:
		var t trackData
		if err := json.Unmarshal(result.Data, &t); err != nil {
			return nil, errors.Wrap(err, "failed to decode track")
		}
		return []track.Draft{t.draft()}, nil
	case loadPlaylist:
		var pl playlistData
		if err := json.Unmarshal(result.Data, &pl); err != nil {
			return nil, errors.Wrap(err, "failed to decode playlist")
		}
		return drafts(pl.Tracks), nil
	case loadSearch:
		var ts []trackData
		if err := json.Unmarshal(result.Data, &ts); err != nil {
			return nil, errors.Wrap(err, "failed to decode search results")
		}
		return drafts(ts), nil
	case loadEmpty:
		return nil, nil
	case loadError:
		var e exception
		if err := json.Unmarshal(result.Data, &e); err != nil {
			return nil, errors.Wrap(err, "failed to decode load error")
		}
		return nil, errors.Newf("load failed: severity=%s message=%s", e.Severity, e.Message)
	default:
		return nil, errors.Newf("unknown load type %q", result.LoadType)
	}
}

func drafts(ts []trackData) []track.Draft {
	result := make([]track.Draft, 0, len(ts))
	for _, t := range ts {
		result = append(result, t.draft())
	}
	return result
}
