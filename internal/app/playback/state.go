// Package playback provides the per-guild queue controller that drives an audio endpoint.
package playback

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// State represents the controller state.
type State int

const (
	StateDisconnected State = iota // No voice connection
	StateConnecting                // Voice handshake in progress
	StateIdle                      // Connected, nothing assigned to the endpoint
	StateAdvancing                 // Promoting the next pending track
	StatePlaying                   // Current track commanded to play
	StatePaused                    // Current track paused
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateAdvancing:
		return "advancing"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Connected reports whether the state holds a live endpoint connection.
func (s State) Connected() bool {
	return s >= StateIdle
}

// LoopMode controls re-insertion of the current track when it ends.
type LoopMode int

const (
	LoopOff   LoopMode = iota // Finished tracks are dropped
	LoopTrack                 // Finished track goes back to the front
	LoopQueue                 // Finished track goes back to the end
)

// String returns the string representation of the loop mode.
func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "off"
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// ParseLoopMode parses a loop mode name.
func ParseLoopMode(s string) (LoopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none", "":
		return LoopOff, nil
	case "track", "song":
		return LoopTrack, nil
	case "queue", "all":
		return LoopQueue, nil
	default:
		return LoopOff, errors.Wrapf(ErrInvalidLoopMode, "loop mode %q", s)
	}
}
