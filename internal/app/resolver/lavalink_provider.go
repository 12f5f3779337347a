package resolver

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/domain/track"
)

// Search prefixes understood by the audio node.
var searchPrefixes = []string{"ytsearch:", "ytmsearch:", "scsearch:"}

type LavalinkProviderConfig struct {
	SearchPrefix string `mapstructure:"search_prefix" default:"ytsearch" validate:"oneof=ytsearch ytmsearch scsearch"`
	Limit        int    `mapstructure:"limit" default:"5" validate:"gte=1,lte=25"`
}

// LavalinkProvider resolves URLs and free text through the audio node's track loader.
// It accepts every query, so it normally sits last in the chain.
type LavalinkProvider struct {
	loader Loader
	config *LavalinkProviderConfig
}

// NewLavalinkProvider creates a new LavalinkProvider.
func NewLavalinkProvider(loader Loader, settings map[string]any) (*LavalinkProvider, error) {
	var config LavalinkProviderConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	zlog.Debug().Msgf("lavalink provider config: %+v", config)
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}
	return &LavalinkProvider{loader: loader, config: &config}, nil
}

// Name returns the provider name.
func (p *LavalinkProvider) Name() string {
	return "lavalink"
}

// Accepts reports whether the provider understands the query.
func (p *LavalinkProvider) Accepts(query string) bool {
	return strings.TrimSpace(query) != ""
}

// Resolve loads a URL directly or searches free text.
func (p *LavalinkProvider) Resolve(ctx context.Context, query string) ([]track.Draft, error) {
	identifier, search := p.identifier(query)

	drafts, err := p.loader.LoadTracks(ctx, identifier)
	if err != nil {
		return nil, errors.Wrapf(err, "load %q", identifier)
	}
	if search && len(drafts) > p.config.Limit {
		drafts = drafts[:p.config.Limit]
	}
	return drafts, nil
}

// PlayableToken reloads the draft's source URI.
func (p *LavalinkProvider) PlayableToken(ctx context.Context, draft track.Draft) (string, error) {
	if draft.URI == "" {
		return "", errors.Wrap(ErrUnplayable, "draft has no source uri")
	}
	drafts, err := p.loader.LoadTracks(ctx, draft.URI)
	if err != nil {
		return "", errors.Wrapf(err, "load %q", draft.URI)
	}
	for _, d := range drafts {
		if d.Token != "" {
			return d.Token, nil
		}
	}
	return "", ErrUnplayable
}

// identifier returns the loader identifier and whether it is a search.
func (p *LavalinkProvider) identifier(query string) (string, bool) {
	query = strings.TrimSpace(query)
	if isURL(query) {
		return query, false
	}
	for _, prefix := range searchPrefixes {
		if strings.HasPrefix(query, prefix) {
			return query, true
		}
	}
	return p.config.SearchPrefix + ":" + query, true
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
