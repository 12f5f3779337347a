// Package resolver turns user queries into playable track drafts.
package resolver

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/osa030/19dj/internal/domain/track"
)

// Errors
var (
	ErrNotFound   = errors.New("no tracks found")
	ErrResolution = errors.New("track resolution failed")
	ErrUnplayable = errors.New("no playable source for track")
)

// Provider resolves queries of the kinds it accepts.
type Provider interface {
	// Name returns the provider type name (used in config).
	Name() string

	// Accepts reports whether the provider understands the query.
	Accepts(query string) bool

	// Resolve returns candidate drafts for the query.
	Resolve(ctx context.Context, query string) ([]track.Draft, error)

	// PlayableToken finds a playable-source token for a draft this provider produced.
	PlayableToken(ctx context.Context, draft track.Draft) (string, error)
}

// Loader defines the audio node operations needed by providers.
type Loader interface {
	LoadTracks(ctx context.Context, identifier string) ([]track.Draft, error)
}

// Catalog defines the music catalog operations needed by providers.
type Catalog interface {
	GetTrack(ctx context.Context, trackID string) (*track.Draft, error)
	GetPlaylistTracks(ctx context.Context, playlistURL string, limit int) ([]track.Draft, error)
	GetAlbumTracks(ctx context.Context, albumURL string, limit int) ([]track.Draft, error)
}
