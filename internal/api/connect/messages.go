package connect

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/19dj/internal/app/notification"
	"github.com/osa030/19dj/internal/app/playback"
	"github.com/osa030/19dj/internal/app/session"
	"github.com/osa030/19dj/internal/domain/track"
)

// Request field accessors. Missing or mistyped fields read as zero values.

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func intField(s *structpb.Struct, key string) int {
	if s == nil {
		return 0
	}
	return int(s.GetFields()[key].GetNumberValue())
}

func resultStruct(r session.Result) map[string]any {
	m := map[string]any{
		"success": r.OK,
		"code":    r.Code,
		"message": r.Message,
		"added":   r.Added,
	}
	if r.Track != nil {
		m["track"] = trackMap(*r.Track)
	}
	return m
}

func trackMap(t track.Track) map[string]any {
	return map[string]any{
		"title":       t.Title,
		"author":      t.Author,
		"uri":         t.URI,
		"duration_ms": t.Duration.Milliseconds(),
		"is_stream":   t.IsStream,
		"origin":      t.Origin,
	}
}

func queuedMap(qt track.QueuedTrack) map[string]any {
	m := trackMap(qt.Track)
	m["requester"] = qt.Requester.Name
	m["failures"] = qt.Failures
	return m
}

func draftMap(d track.Draft) map[string]any {
	return map[string]any{
		"title":       d.Title,
		"author":      d.Author,
		"uri":         d.URI,
		"duration_ms": d.Duration.Milliseconds(),
		"is_stream":   d.IsStream,
		"origin":      d.Origin,
	}
}

func snapshotMap(s playback.Snapshot) map[string]any {
	m := map[string]any{
		"guild_id":     s.GuildID,
		"state":        s.State.String(),
		"queue_length": s.QueueLength,
		"loop":         s.Loop.String(),
		"volume":       s.Volume,
		"paused":       s.Paused,
		"playing":      s.Playing,
	}
	if s.Current != nil {
		m["current"] = queuedMap(*s.Current)
	}
	if !s.StartedAt.IsZero() {
		m["started_at"] = s.StartedAt.Format(time.RFC3339)
	}
	return m
}

func statusMap(st *session.Status) map[string]any {
	pending := make([]any, 0, len(st.Pending))
	for _, qt := range st.Pending {
		pending = append(pending, queuedMap(qt))
	}
	m := snapshotMap(st.Snapshot)
	m["pending"] = pending
	return m
}

func notificationMap(n *notification.Notification) map[string]any {
	return map[string]any{
		"sequence_no": n.SequenceNo,
		"event":       n.Event,
		"guild_id":    n.GuildID,
		"time":        n.Time.Format(time.RFC3339),
		"snapshot":    snapshotMap(n.Snapshot),
	}
}
