package session

import (
	"github.com/cockroachdb/errors"

	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/app/resolver"
	"github.com/osa030/19dj/internal/app/session/registry"
	"github.com/osa030/19dj/internal/domain/audio"
	"github.com/osa030/19dj/internal/domain/track"
)

// Result is the outcome of a user action.
type Result struct {
	OK      bool
	Code    string // Message code, "success" when OK
	Message string // User-displayable text for Code
	Track   *track.Track
	Added   int // Tracks added by an enqueue
}

// errorCodes maps action errors to message codes, checked in order.
var errorCodes = []struct {
	err  error
	code string
}{
	{playback.ErrDuplicateTrack, "duplicate_track"},
	{playback.ErrQueueFull, "queue_full"},
	{playback.ErrUnplayable, "unplayable"},
	{resolver.ErrUnplayable, "unplayable"},
	{playback.ErrInvalidVolume, "invalid_volume"},
	{playback.ErrInvalidLoopMode, "invalid_loop_mode"},
	{playback.ErrNoVoiceTarget, "no_voice_target"},
	{playback.ErrNoTrack, "no_track"},
	{playback.ErrNotPlaying, "not_playing"},
	{playback.ErrNotPaused, "not_paused"},
	{playback.ErrNotConnected, "not_playing"},
	{playback.ErrTransitionInProgress, "transition_in_progress"},
	{playback.ErrDestroyed, "no_queue"},
	{registry.ErrNoQueue, "no_queue"},
	{audio.ErrConnectTimeout, "connect_timeout"},
	{audio.ErrNoAvailableNode, "no_available_node"},
	{audio.ErrPermissionDenied, "permission_denied"},
	{resolver.ErrResolution, "resolution_failed"},
	{resolver.ErrNotFound, "track_not_found"},
}

// CodeOf returns the message code for an action error.
func CodeOf(err error) string {
	if err == nil {
		return "success"
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "default_error"
}
