package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/osa030/19dj/internal/domain/track"
)

// ProviderWithMetadata wraps a provider with its metadata.
type ProviderWithMetadata struct {
	Provider    Provider
	DisplayName string
}

type cacheEntry struct {
	drafts   []track.Draft
	storedAt time.Time
}

// Chain tries providers in order until one resolves the query.
// Results are cached per normalized query and concurrent identical lookups share one call.
type Chain struct {
	providers []ProviderWithMetadata
	cache     *lru.Cache[string, cacheEntry]
	ttl       time.Duration
	group     singleflight.Group
	byName    map[string]Provider
	now       func() time.Time
}

// NewChain creates a new provider chain. A cacheSize of 0 disables caching.
func NewChain(providers []ProviderWithMetadata, cacheSize int, ttl time.Duration) (*Chain, error) {
	c := &Chain{
		providers: providers,
		ttl:       ttl,
		byName:    make(map[string]Provider),
		now:       time.Now,
	}
	for _, pm := range providers {
		if _, ok := c.byName[pm.Provider.Name()]; !ok {
			c.byName[pm.Provider.Name()] = pm.Provider
		}
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, cacheEntry](cacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create resolver cache")
		}
		c.cache = cache
	}
	return c, nil
}

// Resolve returns candidate drafts for a free-text query or URL.
func (c *Chain) Resolve(ctx context.Context, query string) ([]track.Draft, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.Wrap(ErrNotFound, "empty query")
	}

	key := track.NormalizeURI(query)
	if drafts, ok := c.cached(key); ok {
		zlog.Debug().Msgf("resolver: cache hit: query=%s count=%d", query, len(drafts))
		return drafts, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		drafts, err := c.resolve(ctx, query)
		if err != nil {
			return nil, err
		}
		c.store(key, drafts)
		return drafts, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		zlog.Debug().Msgf("resolver: shared in-flight lookup: query=%s", query)
	}
	return copyDrafts(v.([]track.Draft)), nil
}

func (c *Chain) resolve(ctx context.Context, query string) ([]track.Draft, error) {
	var lastErr error
	tried := 0

	for i, pm := range c.providers {
		if !pm.Provider.Accepts(query) {
			continue
		}
		tried++
		zlog.Debug().Msgf("trying provider: index=%d total=%d name=%s provider_type=%s",
			i+1, len(c.providers), pm.DisplayName, pm.Provider.Name())

		drafts, err := pm.Provider.Resolve(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Mark(errors.Wrap(err, "resolve cancelled"), ErrResolution)
			}
			zlog.Warn().Msgf("provider failed, trying next: provider=%s error=%v", pm.DisplayName, err)
			lastErr = err
			continue
		}
		if len(drafts) == 0 {
			zlog.Debug().Msgf("provider returned no candidates: provider=%s", pm.DisplayName)
			continue
		}

		for j := range drafts {
			if drafts[j].Origin == "" {
				drafts[j].Origin = pm.Provider.Name()
			}
		}
		zlog.Info().Msgf("provider resolved query: provider=%s count=%d", pm.DisplayName, len(drafts))
		return drafts, nil
	}

	if lastErr != nil && !errors.Is(lastErr, ErrNotFound) {
		return nil, errors.Mark(errors.Wrapf(lastErr, "all %d providers failed", tried), ErrResolution)
	}
	return nil, errors.Wrapf(ErrNotFound, "query %q", query)
}

// PlayableToken returns the draft's token, asking the provider that produced it when missing.
func (c *Chain) PlayableToken(ctx context.Context, draft track.Draft) (string, error) {
	if draft.Resolved() {
		return draft.Token, nil
	}

	p, ok := c.byName[draft.Origin]
	if !ok {
		return "", errors.Wrapf(ErrUnplayable, "unknown origin %q", draft.Origin)
	}

	token, err := p.PlayableToken(ctx, draft)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "%q", draft.Title), ErrUnplayable)
	}
	if token == "" {
		return "", errors.Wrapf(ErrUnplayable, "%q", draft.Title)
	}
	return token, nil
}

// Name returns the chain name.
func (c *Chain) Name() string {
	return "provider_chain"
}

func (c *Chain) cached(key string) ([]track.Draft, bool) {
	if c.cache == nil {
		return nil, false
	}
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		c.cache.Remove(key)
		return nil, false
	}
	return copyDrafts(entry.drafts), true
}

func (c *Chain) store(key string, drafts []track.Draft) {
	if c.cache == nil {
		return
	}
	c.cache.Add(key, cacheEntry{drafts: copyDrafts(drafts), storedAt: c.now()})
}

func copyDrafts(drafts []track.Draft) []track.Draft {
	result := make([]track.Draft, len(drafts))
	copy(result, drafts)
	return result
}
