package lavalink

import (
	"encoding/json"
	"time"

	"github.com/osa030/19dj/internal/domain/track"
)

// Websocket ops
const (
	opReady        = "ready"
	opPlayerUpdate = "playerUpdate"
	opStats        = "stats"
	opEvent        = "event"
)

// Event types
const (
	eventTrackStart      = "TrackStartEvent"
	eventTrackEnd        = "TrackEndEvent"
	eventTrackException  = "TrackExceptionEvent"
	eventTrackStuck      = "TrackStuckEvent"
	eventWebSocketClosed = "WebSocketClosedEvent"
)

// Load result types
const (
	loadTrack    = "track"
	loadPlaylist = "playlist"
	loadSearch   = "search"
	loadEmpty    = "empty"
	loadError    = "error"
)

// message is any frame received on the node websocket.
type message struct {
	Op string `json:"op"`

	// ready
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`

	// playerUpdate, event
	GuildID string       `json:"guildId"`
	State   *playerState `json:"state"`

	// event
	Type        string     `json:"type"`
	Track       *trackData `json:"track"`
	Reason      string     `json:"reason"`
	Exception   *exception `json:"exception"`
	ThresholdMs int64      `json:"thresholdMs"`
	Code        int        `json:"code"`
	ByRemote    bool       `json:"byRemote"`

	// stats
	Players        int       `json:"players"`
	PlayingPlayers int       `json:"playingPlayers"`
	CPU            *cpuStats `json:"cpu"`
}

type playerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

type cpuStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

type exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

type trackData struct {
	Encoded string    `json:"encoded"`
	Info    trackInfo `json:"info"`
}

type trackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl"`
	ISRC       string `json:"isrc"`
	SourceName string `json:"sourceName"`
}

type loadResult struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

type playlistData struct {
	Info struct {
		Name          string `json:"name"`
		SelectedTrack int    `json:"selectedTrack"`
	} `json:"info"`
	Tracks []trackData `json:"tracks"`
}

// playerUpdate is the body of a player PATCH. Nil fields are left unchanged.
type playerUpdate struct {
	Track  *updateTrack `json:"track,omitempty"`
	Volume *int         `json:"volume,omitempty"`
	Paused *bool        `json:"paused,omitempty"`
	Voice  *voiceState  `json:"voice,omitempty"`
}

// updateTrack with a nil Encoded stops the player.
type updateTrack struct {
	Encoded *string `json:"encoded"`
}

type voiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

type sessionUpdate struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

type errorResponse struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (t trackData) draft() track.Draft {
	d := track.Draft{
		Title:      t.Info.Title,
		Author:     t.Info.Author,
		URI:        t.Info.URI,
		IsStream:   t.Info.IsStream,
		ArtworkURL: t.Info.ArtworkURL,
		Token:      t.Encoded,
	}
	if !t.Info.IsStream {
		d.Duration = time.Duration(t.Info.Length) * time.Millisecond
	}
	return d
}
