package resolver

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/infra/config"
)

// NewChainFromConfig creates a provider chain from configuration.
func NewChainFromConfig(cfg *config.Config, loader Loader, catalog Catalog) (*Chain, error) {
	if len(cfg.Resolvers) == 0 {
		return nil, errors.New("no resolvers configured")
	}

	var providers []ProviderWithMetadata

	for i, pcfg := range cfg.Resolvers {
		var provider Provider
		var err error
		zlog.Debug().Msgf("creating resolver provider: index=%d type=%s settings=%+v", i+1, pcfg.Type, pcfg.Settings)
		switch pcfg.Type {
		case "lavalink":
			provider, err = NewLavalinkProvider(loader, pcfg.Settings)

		case "spotify":
			provider, err = NewSpotifyProvider(catalog, loader, pcfg.Settings)

		default:
			return nil, errors.Newf("unsupported provider type: %s (provider index %d)", pcfg.Type, i)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider (index %d, type %s)", i, pcfg.Type)
		}

		providers = append(providers, ProviderWithMetadata{
			Provider:    provider,
			DisplayName: pcfg.DisplayName,
		})

		zlog.Info().Msgf("registered resolver provider: index=%d type=%s display_name=%s", i+1, pcfg.Type, pcfg.DisplayName)
	}

	return NewChain(providers, cfg.ResolverCache.Size, cfg.ResolverCache.TTL())
}
