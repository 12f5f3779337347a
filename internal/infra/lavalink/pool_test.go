package lavalink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/domain/audio"
)

type patchCall struct {
	path string
	body map[string]any
}

// fakeNode is a minimal Lavalink v4 server.
type fakeNode struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	connCount  int
	resume     bool
	handshakes []http.Header
	patches    []patchCall
	deletes    []string
	loadBody   string
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	f := &fakeNode{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v4/websocket", f.handleWebsocket)
	mux.HandleFunc("PATCH /v4/sessions/{sid}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"resuming":true,"timeout":60}`))
	})
	mux.HandleFunc("PATCH /v4/sessions/{sid}/players/{gid}", f.handlePatch)
	mux.HandleFunc("DELETE /v4/sessions/{sid}/players/{gid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deletes = append(f.deletes, r.PathValue("gid"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v4/loadtracks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		f.mu.Lock()
		body := f.loadBody
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeNode) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.connCount++
	count := f.connCount
	resumed := f.resume && count > 1
	f.handshakes = append(f.handshakes, r.Header.Clone())
	f.conn = conn
	f.mu.Unlock()

	ready := fmt.Sprintf(`{"op":"ready","resumed":%v,"sessionId":"s%d"}`, resumed, count)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ready)); err != nil {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeNode) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))

	f.mu.Lock()
	f.patches = append(f.patches, patchCall{path: r.URL.Path, body: body})
	f.mu.Unlock()

	if tr, ok := body["track"].(map[string]any); ok && tr["encoded"] == "bad" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"error":"Bad Request","message":"invalid track"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{}`))
}

func (f *fakeNode) send(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (f *fakeNode) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.Close()
}

func (f *fakeNode) setResume(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resume = v
}

func (f *fakeNode) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connCount
}

func (f *fakeNode) lastPatch() patchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.patches) - 1; i >= 0; i-- {
		if strings.Contains(f.patches[i].path, "/players/") {
			return f.patches[i]
		}
	}
	return patchCall{}
}

func (f *fakeNode) setLoadBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadBody = body
}

func (f *fakeNode) config(name string) NodeConfig {
	return NodeConfig{
		Name:     name,
		Address:  strings.TrimPrefix(f.srv.URL, "http://"),
		Password: "secret",
	}
}

func startPool(t *testing.T, nodes ...*fakeNode) *Pool {
	t.Helper()
	cfg := Config{
		UserID:         "bot-1",
		ClientName:     "19dj-test",
		ReconnectDelay: 10 * time.Millisecond,
		RequestTimeout: time.Second,
	}
	for i, n := range nodes {
		cfg.Nodes = append(cfg.Nodes, n.config(fmt.Sprintf("node-%d", i)))
	}
	pool, err := NewPool(cfg)
	require.NoError(t, err)
	pool.Start(context.Background())
	t.Cleanup(pool.Close)

	require.Eventually(t, pool.Ready, 2*time.Second, 5*time.Millisecond)
	return pool
}

var testCreds = audio.VoiceCredentials{SessionID: "voice-sess", Token: "voice-tok", Endpoint: "voice.example"}

func connect(t *testing.T, pool *Pool) *Player {
	t.Helper()
	conn, err := pool.Connect(context.Background(), "g1", audio.VoiceTarget{GuildID: "g1", ChannelID: "c1"}, testCreds)
	require.NoError(t, err)
	return conn.(*Player)
}

func nextEvent(t *testing.T, p *Player) audio.Event {
	t.Helper()
	select {
	case ev, ok := <-p.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return audio.Event{}
	}
}

func TestPlayerImplementsConnection(t *testing.T) {
	var _ playback.Connection = (*Player)(nil)
	var _ playback.Endpoint = (*Pool)(nil)
}

func TestHandshakeHeaders(t *testing.T) {
	node := newFakeNode(t)
	startPool(t, node)

	node.mu.Lock()
	h := node.handshakes[0]
	node.mu.Unlock()
	assert.Equal(t, "secret", h.Get("Authorization"))
	assert.Equal(t, "bot-1", h.Get("User-Id"))
	assert.Equal(t, "19dj-test", h.Get("Client-Name"))
	assert.Empty(t, h.Get("Session-Id"))
}

func TestConnectSendsVoiceState(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)

	connect(t, pool)

	patch := node.lastPatch()
	assert.Equal(t, "/v4/sessions/s1/players/g1", patch.path)
	voice, ok := patch.body["voice"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "voice-tok", voice["token"])
	assert.Equal(t, "voice.example", voice["endpoint"])
	assert.Equal(t, "voice-sess", voice["sessionId"])
}

func TestConnectRequiresCredentials(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)

	_, err := pool.Connect(context.Background(), "g1", audio.VoiceTarget{ChannelID: "c1"}, audio.VoiceCredentials{SessionID: "s"})
	assert.Error(t, err)
}

func TestPlayCommands(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)
	p := connect(t, pool)
	ctx := context.Background()

	require.NoError(t, p.Play(ctx, "tok-a", 40))
	body := node.lastPatch().body
	assert.Equal(t, map[string]any{"encoded": "tok-a"}, body["track"])
	assert.Equal(t, 40.0, body["volume"])
	assert.Equal(t, false, body["paused"])

	require.NoError(t, p.Pause(ctx, true))
	assert.Equal(t, map[string]any{"paused": true}, node.lastPatch().body)

	require.NoError(t, p.SetVolume(ctx, 70))
	assert.Equal(t, map[string]any{"volume": 70.0}, node.lastPatch().body)

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, map[string]any{"track": map[string]any{"encoded": nil}}, node.lastPatch().body)
}

func TestPlayRejected(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)
	p := connect(t, pool)

	err := p.Play(context.Background(), "bad", 50)
	require.Error(t, err)
	assert.True(t, errors.Is(err, audio.ErrPlayRejected))
	assert.Contains(t, err.Error(), "invalid track")
}

func TestTrackEventsAreRouted(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)
	p := connect(t, pool)

	node.send(`{"op":"event","type":"TrackStartEvent","guildId":"g1","track":{"encoded":"tok-a","info":{"title":"A"}}}`)
	ev := nextEvent(t, p)
	assert.Equal(t, audio.EventStarted, ev.Kind)
	assert.Equal(t, "tok-a", ev.Token)
	assert.Equal(t, "g1", ev.GuildID)

	node.send(`{"op":"event","type":"TrackExceptionEvent","guildId":"g1","track":{"encoded":"tok-a"},"exception":{"message":"decoder error","severity":"common"}}`)
	ev = nextEvent(t, p)
	assert.Equal(t, audio.EventException, ev.Kind)
	assert.Equal(t, "decoder error", ev.Detail)

	node.send(`{"op":"event","type":"TrackStuckEvent","guildId":"g1","track":{"encoded":"tok-a"},"thresholdMs":10000}`)
	assert.Equal(t, audio.EventStuck, nextEvent(t, p).Kind)

	node.send(`{"op":"event","type":"TrackEndEvent","guildId":"g1","track":{"encoded":"tok-a"},"reason":"finished"}`)
	ev = nextEvent(t, p)
	assert.Equal(t, audio.EventEnded, ev.Kind)
	assert.Equal(t, audio.EndFinished, ev.Reason)

	// Events for other guilds are not delivered
	node.send(`{"op":"event","type":"TrackStartEvent","guildId":"g2","track":{"encoded":"tok-b"}}`)
	node.send(`{"op":"event","type":"TrackStartEvent","guildId":"g1","track":{"encoded":"tok-c"}}`)
	assert.Equal(t, "tok-c", nextEvent(t, p).Token)
}

func TestVoiceSocketClosedAndRecovered(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)
	p := connect(t, pool)

	node.send(`{"op":"event","type":"WebSocketClosedEvent","guildId":"g1","code":4006,"reason":"session invalid","byRemote":true}`)
	ev := nextEvent(t, p)
	assert.Equal(t, audio.EventSocketClosed, ev.Kind)
	assert.Equal(t, 4006, ev.Code)
	assert.Equal(t, "session invalid", ev.Detail)
	assert.True(t, ev.ByRemote)

	node.send(`{"op":"playerUpdate","guildId":"g1","state":{"time":1,"position":0,"connected":true,"ping":5}}`)
	assert.Equal(t, audio.EventRecovered, nextEvent(t, p).Kind)
}

func TestNodeLossResumes(t *testing.T) {
	node := newFakeNode(t)
	node.setResume(true)
	pool := startPool(t, node)
	p := connect(t, pool)

	node.drop()
	assert.Equal(t, audio.EventSocketClosed, nextEvent(t, p).Kind)
	assert.Equal(t, audio.EventRecovered, nextEvent(t, p).Kind)

	node.mu.Lock()
	h := node.handshakes[1]
	node.mu.Unlock()
	assert.Equal(t, "s1", h.Get("Session-Id"))
}

func TestNodeRestartInvalidatesPlayer(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)
	p := connect(t, pool)

	node.drop()
	assert.Equal(t, audio.EventSocketClosed, nextEvent(t, p).Kind)
	require.Eventually(t, func() bool {
		return node.connections() == 2 && pool.Ready()
	}, 2*time.Second, 5*time.Millisecond)

	err := p.Play(context.Background(), "tok-a", 50)
	assert.True(t, errors.Is(err, audio.ErrNoAvailableNode))

	fresh := connect(t, pool)
	require.NoError(t, fresh.Play(context.Background(), "tok-a", 50))
	assert.Equal(t, "/v4/sessions/s2/players/g1", node.lastPatch().path)
}

func TestDisconnect(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)
	p := connect(t, pool)

	require.NoError(t, p.Disconnect(context.Background()))
	require.NoError(t, p.Disconnect(context.Background()))

	_, ok := <-p.Events()
	assert.False(t, ok)

	node.mu.Lock()
	assert.Equal(t, []string{"g1"}, node.deletes)
	node.mu.Unlock()

	assert.Error(t, p.Play(context.Background(), "tok-a", 50))
}

func TestNoReadyNode(t *testing.T) {
	pool, err := NewPool(Config{
		UserID: "bot-1",
		Nodes:  []NodeConfig{{Name: "offline", Address: "127.0.0.1:1"}},
	})
	require.NoError(t, err)

	_, err = pool.Connect(context.Background(), "g1", audio.VoiceTarget{ChannelID: "c1"}, testCreds)
	assert.True(t, errors.Is(err, audio.ErrNoAvailableNode))

	_, err = pool.LoadTracks(context.Background(), "ytsearch:x")
	assert.True(t, errors.Is(err, audio.ErrNoAvailableNode))
}

func TestNewPoolValidates(t *testing.T) {
	_, err := NewPool(Config{UserID: "bot-1"})
	assert.Error(t, err)

	_, err = NewPool(Config{Nodes: []NodeConfig{{Name: "n", Address: "localhost:2333"}}})
	assert.Error(t, err)
}

func TestBestNodeByPenalty(t *testing.T) {
	busy := newNode(NodeConfig{Name: "busy"}, "bot", "test", time.Second, time.Second)
	busy.ready = true
	busy.stats = Stats{PlayingPlayers: 10}

	loaded := newNode(NodeConfig{Name: "loaded"}, "bot", "test", time.Second, time.Second)
	loaded.ready = true
	loaded.stats = Stats{PlayingPlayers: 1, SystemLoad: 0.5}

	idle := newNode(NodeConfig{Name: "idle"}, "bot", "test", time.Second, time.Second)
	idle.ready = true
	idle.stats = Stats{PlayingPlayers: 2}

	down := newNode(NodeConfig{Name: "down"}, "bot", "test", time.Second, time.Second)

	pool := &Pool{nodes: []*Node{busy, loaded, down, idle}}
	best, err := pool.best()
	require.NoError(t, err)
	assert.Equal(t, "idle", best.Name())
}

func TestStatsUpdatePenalty(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)

	node.send(`{"op":"stats","players":3,"playingPlayers":2,"cpu":{"cores":4,"systemLoad":0.1,"lavalinkLoad":0.05}}`)
	require.Eventually(t, func() bool {
		return pool.Nodes()[0].Stats().PlayingPlayers == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, pool.Nodes()[0].Stats().Players)
	assert.InDelta(t, 0.1, pool.Nodes()[0].Stats().SystemLoad, 0.0001)
}

func TestLoadTracks(t *testing.T) {
	node := newFakeNode(t)
	pool := startPool(t, node)
	ctx := context.Background()

	t.Run("search", func(t *testing.T) {
		node.setLoadBody(`{"loadType":"search","data":[
			{"encoded":"e1","info":{"title":"One","author":"A","length":180000,"uri":"https://example.com/1","artworkUrl":"https://img/1"}},
			{"encoded":"e2","info":{"title":"Radio","author":"B","length":9223372036854775807,"isStream":true,"uri":"https://example.com/live"}}
		]}`)
		drafts, err := pool.LoadTracks(ctx, "ytsearch:one")
		require.NoError(t, err)
		require.Len(t, drafts, 2)
		assert.Equal(t, "One", drafts[0].Title)
		assert.Equal(t, "A", drafts[0].Author)
		assert.Equal(t, 3*time.Minute, drafts[0].Duration)
		assert.Equal(t, "e1", drafts[0].Token)
		assert.Equal(t, "https://img/1", drafts[0].ArtworkURL)
		assert.True(t, drafts[1].IsStream)
		assert.Zero(t, drafts[1].Duration)
	})

	t.Run("track", func(t *testing.T) {
		node.setLoadBody(`{"loadType":"track","data":{"encoded":"e1","info":{"title":"One","length":1000}}}`)
		drafts, err := pool.LoadTracks(ctx, "https://example.com/1")
		require.NoError(t, err)
		require.Len(t, drafts, 1)
		assert.Equal(t, time.Second, drafts[0].Duration)
	})

	t.Run("playlist", func(t *testing.T) {
		node.setLoadBody(`{"loadType":"playlist","data":{"info":{"name":"Mix","selectedTrack":-1},"tracks":[
			{"encoded":"e1","info":{"title":"One"}},{"encoded":"e2","info":{"title":"Two"}}]}}`)
		drafts, err := pool.LoadTracks(ctx, "https://example.com/list")
		require.NoError(t, err)
		require.Len(t, drafts, 2)
		assert.Equal(t, "Two", drafts[1].Title)
	})

	t.Run("empty", func(t *testing.T) {
		node.setLoadBody(`{"loadType":"empty","data":{}}`)
		drafts, err := pool.LoadTracks(ctx, "ytsearch:nothing")
		require.NoError(t, err)
		assert.Empty(t, drafts)
	})

	t.Run("error", func(t *testing.T) {
		node.setLoadBody(`{"loadType":"error","data":{"message":"video unavailable","severity":"common"}}`)
		_, err := pool.LoadTracks(ctx, "https://example.com/gone")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "video unavailable")
	})
}
