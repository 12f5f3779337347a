package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/domain/track"
)

type SpotifyProviderConfig struct {
	SearchPrefix   string `mapstructure:"search_prefix" default:"ytmsearch" validate:"oneof=ytsearch ytmsearch scsearch"`
	PlaylistLimit  int    `mapstructure:"playlist_limit" default:"50" validate:"gte=1,lte=100"`
	MatchTolerance int    `mapstructure:"match_tolerance_sec" default:"10" validate:"gte=0"`
}

// SpotifyProvider resolves catalog links and finds a playable source by searching the audio node.
// Its drafts carry the catalog id, since the source found by search may differ between lookups.
type SpotifyProvider struct {
	catalog Catalog
	loader  Loader
	config  *SpotifyProviderConfig
}

// NewSpotifyProvider creates a new SpotifyProvider.
func NewSpotifyProvider(catalog Catalog, loader Loader, settings map[string]any) (*SpotifyProvider, error) {
	if catalog == nil {
		return nil, errors.New("spotify provider requires a catalog client")
	}

	var config SpotifyProviderConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	zlog.Debug().Msgf("spotify provider config: %+v", config)
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}
	return &SpotifyProvider{catalog: catalog, loader: loader, config: &config}, nil
}

// Name returns the provider name.
func (p *SpotifyProvider) Name() string {
	return "spotify"
}

// Accepts reports whether the query is a catalog link or URI.
func (p *SpotifyProvider) Accepts(query string) bool {
	return catalogKind(query) != ""
}

// Resolve expands a track, album or playlist link into drafts without tokens.
func (p *SpotifyProvider) Resolve(ctx context.Context, query string) ([]track.Draft, error) {
	switch catalogKind(query) {
	case "track":
		d, err := p.catalog.GetTrack(ctx, query)
		if err != nil {
			return nil, errors.Wrap(err, "get track")
		}
		if d == nil {
			return nil, ErrNotFound
		}
		return []track.Draft{*d}, nil
	case "playlist":
		drafts, err := p.catalog.GetPlaylistTracks(ctx, query, p.config.PlaylistLimit)
		return drafts, errors.Wrap(err, "get playlist")
	case "album":
		drafts, err := p.catalog.GetAlbumTracks(ctx, query, p.config.PlaylistLimit)
		return drafts, errors.Wrap(err, "get album")
	default:
		return nil, ErrNotFound
	}
}

// PlayableToken searches the audio node for "<artist> - <title>" and
// prefers the first result whose length matches the catalog entry.
func (p *SpotifyProvider) PlayableToken(ctx context.Context, draft track.Draft) (string, error) {
	if p.loader == nil {
		return "", errors.Wrap(ErrUnplayable, "no loader configured")
	}

	q := draft.Title
	if draft.Author != "" {
		q = draft.Author + " - " + draft.Title
	}
	candidates, err := p.loader.LoadTracks(ctx, p.config.SearchPrefix+":"+q)
	if err != nil {
		return "", errors.Wrapf(err, "search %q", q)
	}

	tolerance := time.Duration(p.config.MatchTolerance) * time.Second
	var fallback string
	for _, c := range candidates {
		if c.Token == "" {
			continue
		}
		if fallback == "" {
			fallback = c.Token
		}
		if draft.Duration == 0 || absDuration(c.Duration-draft.Duration) <= tolerance {
			return c.Token, nil
		}
	}
	if fallback == "" {
		return "", errors.Wrapf(ErrUnplayable, "no search results for %q", q)
	}
	return fallback, nil
}

// catalogKind returns track, album or playlist for catalog links, or "".
func catalogKind(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	if !strings.HasPrefix(q, "spotify:") && !strings.Contains(q, "open.spotify.com/") {
		return ""
	}
	for _, kind := range []string{"track", "album", "playlist"} {
		if strings.Contains(q, "spotify:"+kind+":") || strings.Contains(q, "/"+kind+"/") {
			return kind
		}
	}
	return ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
