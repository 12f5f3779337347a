// Package track provides the Track domain entity.
package track

import (
	"strings"
	"time"
)

// Track is one playable unit. It is immutable once enqueued.
type Track struct {
	Title      string        // Display title
	Author     string        // Artist / uploader
	URI        string        // Source URI
	Duration   time.Duration // Zero when unknown (live streams)
	IsStream   bool          // Live stream flag
	ArtworkURL string        // Thumbnail URL (optional)
	Origin     string        // Resolver that produced the track
	CatalogID  string        // Catalog id, set when the source was found by secondary search
	Token      string        // Opaque playable-source token
}

// Requester represents the user who requested the track.
type Requester struct {
	ID   string // Chat platform user id
	Name string // Display name
}

// QueuedTrack represents a track in a guild queue.
type QueuedTrack struct {
	Track     Track
	Requester Requester
	AddedAt   time.Time
	Failures  int // Failed playback attempts so far
}

// Draft is a resolver candidate that may not have a playable token yet.
type Draft struct {
	Title      string
	Author     string
	URI        string
	Duration   time.Duration
	IsStream   bool
	ArtworkURL string
	Origin     string
	CatalogID  string
	Token      string
}

// Resolved reports whether the draft already carries a playable token.
func (d Draft) Resolved() bool {
	return d.Token != ""
}

// WithToken builds the immutable Track for this draft.
func (d Draft) WithToken(token string) Track {
	return Track{
		Title:      d.Title,
		Author:     d.Author,
		URI:        d.URI,
		Duration:   d.Duration,
		IsStream:   d.IsStream,
		ArtworkURL: d.ArtworkURL,
		Origin:     d.Origin,
		CatalogID:  d.CatalogID,
		Token:      token,
	}
}

// Playable reports whether the track has a playable-source token.
func (t *Track) Playable() bool {
	return t.Token != ""
}

// Key returns the identity used for duplicate detection, or "" when the track has none.
// Tracks found by secondary search are keyed by catalog id since their source URI varies.
// Sources without a URI fall back to their playable token.
func (t *Track) Key() string {
	if id := strings.TrimSpace(t.CatalogID); id != "" {
		return "catalog:" + id
	}
	if uri := NormalizeURI(t.URI); uri != "" {
		return "uri:" + uri
	}
	if t.Token != "" {
		return "token:" + t.Token
	}
	return ""
}

// SameAs reports whether two tracks are duplicates of each other.
// Tracks without an identity are never duplicates.
func (t *Track) SameAs(other *Track) bool {
	if other == nil {
		return false
	}
	key := t.Key()
	return key != "" && key == other.Key()
}
