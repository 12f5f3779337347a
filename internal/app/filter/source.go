package filter

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/domain/track"
)

// SourceConfig represents the configuration for SourceFilter.
// An empty list allows everything for that dimension.
type SourceConfig struct {
	AllowedHosts   []string `mapstructure:"allowed_hosts" validate:"dive,hostname"`
	AllowedOrigins []string `mapstructure:"allowed_origins" validate:"dive,oneof=lavalink spotify"`
}

// SourceFilter checks that a track comes from an allowed host and resolver.
type SourceFilter struct {
	hosts   map[string]struct{}
	origins map[string]struct{}
}

// NewSourceFilter creates a new SourceFilter.
func NewSourceFilter() *SourceFilter {
	return &SourceFilter{}
}

func (f *SourceFilter) Name() string {
	return "source_filter"
}

func (f *SourceFilter) Description() string {
	return "Checks if the track source host and resolver are allowed"
}

func (f *SourceFilter) ReturnCodes() []string {
	return []string{"source_not_allowed"}
}

func (f *SourceFilter) ValidateConfig(settings map[string]any) error {
	var config SourceConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	if err := validator.New().Struct(config); err != nil {
		return errors.Wrap(err, "validation failed")
	}

	f.hosts = make(map[string]struct{}, len(config.AllowedHosts))
	for _, h := range config.AllowedHosts {
		f.hosts[canonicalHost(h)] = struct{}{}
	}
	f.origins = make(map[string]struct{}, len(config.AllowedOrigins))
	for _, o := range config.AllowedOrigins {
		f.origins[o] = struct{}{}
	}
	zlog.Info().Msgf("source filter config: %+v", config)
	return nil
}

func (f *SourceFilter) Check(ctx context.Context, req Request, d track.Draft) Result {
	if len(f.origins) > 0 {
		if _, ok := f.origins[d.Origin]; !ok {
			return Reject("source_not_allowed")
		}
	}
	if len(f.hosts) > 0 && d.URI != "" {
		if !f.hostAllowed(d.URI) {
			return Reject("source_not_allowed")
		}
	}
	return Accept()
}

// hostAllowed matches the URI host or any parent domain against the allow-list.
func (f *SourceFilter) hostAllowed(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return false
	}
	host := canonicalHost(u.Hostname())
	for host != "" {
		if _, ok := f.hosts[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return false
}

func canonicalHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www.")
}

func init() {
	Register("source_filter", func() Filter {
		return &SourceFilter{}
	})
}
