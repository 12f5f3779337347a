package playback

import "github.com/osa030/19dj/internal/domain/track"

// EventType represents a controller event type.
type EventType int

const (
	EventTrackQueued  EventType = iota // Track appended to pending
	EventTrackStarted                  // Endpoint confirmed playback
	EventTrackEnded                    // Track finished playing
	EventTrackSkipped                  // Track was skipped
	EventTrackFailed                   // Track failed to play or errored mid-playback
	EventStateChanged                  // Loop, volume, pause or connection change
	EventQueueEmpty                    // Queue became empty
	EventDestroyed                     // Queue state torn down
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventTrackQueued:
		return "track_queued"
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventTrackSkipped:
		return "track_skipped"
	case EventTrackFailed:
		return "track_failed"
	case EventStateChanged:
		return "state_changed"
	case EventQueueEmpty:
		return "queue_empty"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event represents a controller event.
type Event struct {
	Type    EventType
	GuildID string
	Track   *track.QueuedTrack // Track the event refers to (nil for some events)
	State   State              // Controller state after the event
	Reason  string             // Failure detail or teardown reason
}
