package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/domain/audio"
)

// resumeTimeoutSec is how long the node keeps players alive after the websocket drops.
const resumeTimeoutSec = 60

// errHTTP marks a non-2xx REST response.
var errHTTP = errors.New("lavalink request failed")

// NodeConfig identifies one audio node.
type NodeConfig struct {
	Name     string
	Address  string // host:port
	Password string
	Secure   bool
}

// Stats is the last load report of a node.
type Stats struct {
	Players        int
	PlayingPlayers int
	SystemLoad     float64
}

// Node is one audio node: a websocket for events plus a REST client for commands.
type Node struct {
	config         NodeConfig
	userID         string
	clientName     string
	reconnectDelay time.Duration
	http           *http.Client
	dialer         *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	sessionID string
	ready     bool
	stats     Stats
	players   map[string]*Player
}

func newNode(cfg NodeConfig, userID, clientName string, reconnectDelay, requestTimeout time.Duration) *Node {
	return &Node{
		config:         cfg,
		userID:         userID,
		clientName:     clientName,
		reconnectDelay: reconnectDelay,
		http:           &http.Client{Timeout: requestTimeout},
		dialer:         &websocket.Dialer{HandshakeTimeout: requestTimeout},
		players:        make(map[string]*Player),
	}
}

// Name returns the configured node name.
func (n *Node) Name() string {
	return n.config.Name
}

// Ready reports whether the node has an open session.
func (n *Node) Ready() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ready
}

// Stats returns the last reported load.
func (n *Node) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// penalty ranks nodes; lower is better.
func (n *Node) penalty() int {
	s := n.Stats()
	cpu := int(math.Pow(1.05, 100*s.SystemLoad)*10 - 10)
	return s.PlayingPlayers + cpu
}

func (n *Node) baseURL(scheme string) string {
	if n.config.Secure {
		scheme += "s"
	}
	return scheme + "://" + n.config.Address
}

// run keeps the websocket connected until ctx is cancelled.
func (n *Node) run(ctx context.Context) {
	for {
		err := n.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		zlog.Warn().Msgf("lavalink: node disconnected, reconnecting: node=%s delay=%s error=%v",
			n.config.Name, n.reconnectDelay, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(n.reconnectDelay):
		}
	}
}

// connect dials the node and reads frames until the socket fails.
func (n *Node) connect(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", n.config.Password)
	headers.Set("User-Id", n.userID)
	headers.Set("Client-Name", n.clientName)

	n.mu.RLock()
	if n.sessionID != "" {
		headers.Set("Session-Id", n.sessionID)
	}
	n.mu.RUnlock()

	conn, resp, err := n.dialer.DialContext(ctx, n.baseURL("ws")+"/v4/websocket", headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "dial node %s", n.config.Name)
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	zlog.Info().Msgf("lavalink: connected to node: node=%s", n.config.Name)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.lost()
			return errors.Wrap(err, "read")
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			zlog.Debug().Msgf("lavalink: ignoring malformed frame: node=%s error=%v", n.config.Name, err)
			continue
		}
		n.handle(ctx, &msg)
	}
}

func (n *Node) handle(ctx context.Context, msg *message) {
	switch msg.Op {
	case opReady:
		n.onReady(ctx, msg)
	case opStats:
		n.onStats(msg)
	case opPlayerUpdate:
		if p := n.player(msg.GuildID); p != nil && msg.State != nil {
			p.onStateUpdate(msg.State.Connected)
		}
	case opEvent:
		n.onEvent(msg)
	default:
		zlog.Debug().Msgf("lavalink: unknown op: node=%s op=%s", n.config.Name, msg.Op)
	}
}

func (n *Node) onReady(ctx context.Context, msg *message) {
	n.mu.Lock()
	previous := n.sessionID
	for _, p := range n.players {
		if msg.Resumed {
			p.onNodeRecovered()
		} else if previous != "" {
			p.invalidate()
		}
	}
	n.sessionID = msg.SessionID
	n.ready = true
	n.mu.Unlock()

	zlog.Info().Msgf("lavalink: node ready: node=%s session=%s resumed=%v", n.config.Name, msg.SessionID, msg.Resumed)

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, n.http.Timeout)
		defer cancel()
		path := "/v4/sessions/" + url.PathEscape(msg.SessionID)
		if err := n.request(reqCtx, http.MethodPatch, path, sessionUpdate{Resuming: true, Timeout: resumeTimeoutSec}, nil); err != nil {
			zlog.Warn().Msgf("lavalink: failed to enable session resuming: node=%s error=%v", n.config.Name, err)
		}
	}()
}

func (n *Node) onStats(msg *message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats.Players = msg.Players
	n.stats.PlayingPlayers = msg.PlayingPlayers
	if msg.CPU != nil {
		n.stats.SystemLoad = msg.CPU.SystemLoad
	}
}

func (n *Node) onEvent(msg *message) {
	p := n.player(msg.GuildID)
	if p == nil {
		zlog.Debug().Msgf("lavalink: event for unknown player: node=%s guild=%s type=%s", n.config.Name, msg.GuildID, msg.Type)
		return
	}

	ev := audio.Event{GuildID: msg.GuildID}
	if msg.Track != nil {
		ev.Token = msg.Track.Encoded
	}

	switch msg.Type {
	case eventTrackStart:
		ev.Kind = audio.EventStarted
	case eventTrackEnd:
		ev.Kind = audio.EventEnded
		ev.Reason = audio.EndReason(msg.Reason)
	case eventTrackException:
		ev.Kind = audio.EventException
		if msg.Exception != nil {
			ev.Detail = msg.Exception.Message
		}
	case eventTrackStuck:
		ev.Kind = audio.EventStuck
		ev.Detail = "stuck"
	case eventWebSocketClosed:
		p.onSocketClosed(msg.Code, msg.Reason, msg.ByRemote)
		return
	default:
		zlog.Debug().Msgf("lavalink: unknown event: node=%s type=%s", n.config.Name, msg.Type)
		return
	}
	p.emit(ev)
}

// lost marks the node unusable and tells its players their audio stopped.
func (n *Node) lost() {
	n.mu.Lock()
	n.ready = false
	n.conn = nil
	players := n.playersLocked()
	n.mu.Unlock()

	for _, p := range players {
		p.onSocketClosed(0, "audio node connection lost", false)
	}
}

func (n *Node) session() (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.ready {
		return "", errors.Wrapf(audio.ErrNoAvailableNode, "node %s is not ready", n.config.Name)
	}
	return n.sessionID, nil
}

func (n *Node) player(guildID string) *Player {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.players[guildID]
}

func (n *Node) playersLocked() []*Player {
	result := make([]*Player, 0, len(n.players))
	for _, p := range n.players {
		result = append(result, p)
	}
	return result
}

func (n *Node) addPlayer(p *Player) *Player {
	n.mu.Lock()
	defer n.mu.Unlock()
	old := n.players[p.guildID]
	n.players[p.guildID] = p
	return old
}

func (n *Node) removePlayer(p *Player) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.players[p.guildID] == p {
		delete(n.players, p.guildID)
	}
}

// updatePlayer sends a player PATCH.
func (n *Node) updatePlayer(ctx context.Context, guildID string, update playerUpdate) error {
	sid, err := n.session()
	if err != nil {
		return err
	}
	path := "/v4/sessions/" + url.PathEscape(sid) + "/players/" + url.PathEscape(guildID)
	return n.request(ctx, http.MethodPatch, path, update, nil)
}

// destroyPlayer removes the player from the node.
func (n *Node) destroyPlayer(ctx context.Context, guildID string) error {
	sid, err := n.session()
	if err != nil {
		return err
	}
	path := "/v4/sessions/" + url.PathEscape(sid) + "/players/" + url.PathEscape(guildID)
	return n.request(ctx, http.MethodDelete, path, nil, nil)
}

// loadTracks resolves an identifier on the node.
func (n *Node) loadTracks(ctx context.Context, identifier string) (*loadResult, error) {
	var result loadResult
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := n.request(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (n *Node) request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, n.baseURL("http")+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", n.config.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return errors.Mark(errors.Newf("%s %s: status=%d message=%s", method, path, resp.StatusCode, e.Message), errHTTP)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}
