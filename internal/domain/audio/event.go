package audio

// EventKind represents an audio endpoint lifecycle event type.
type EventKind int

const (
	EventStarted      EventKind = iota // Track started streaming
	EventEnded                         // Track ended (see EndReason)
	EventException                     // Track failed mid-playback
	EventStuck                         // Track stalled
	EventSocketClosed                  // Voice socket closed
	EventRecovered                     // Endpoint recovered after a socket loss
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventEnded:
		return "ended"
	case EventException:
		return "exception"
	case EventStuck:
		return "stuck"
	case EventSocketClosed:
		return "socket_closed"
	case EventRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// EndReason explains why a track ended.
type EndReason string

const (
	EndFinished   EndReason = "finished"
	EndLoadFailed EndReason = "loadFailed"
	EndStopped    EndReason = "stopped"
	EndReplaced   EndReason = "replaced"
	EndCleanup    EndReason = "cleanup"
)

// Deliberate reports whether the end was caused by a command rather than the track itself.
func (r EndReason) Deliberate() bool {
	return r == EndStopped || r == EndReplaced || r == EndCleanup
}

// Event is one lifecycle notification for a single guild connection.
type Event struct {
	Kind     EventKind
	GuildID  string
	Token    string    // Playable-source token of the track the event refers to
	Reason   EndReason // EventEnded only
	Detail   string    // Exception message or close reason
	Code     int       // EventSocketClosed close code
	ByRemote bool      // EventSocketClosed only
}
