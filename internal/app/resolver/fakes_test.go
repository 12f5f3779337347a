package resolver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/osa030/19dj/internal/domain/track"
)

type fakeProvider struct {
	name    string
	accepts func(string) bool
	drafts  []track.Draft
	err     error
	token   string
	calls   atomic.Int32
	gate    chan struct{}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Accepts(query string) bool {
	if p.accepts == nil {
		return true
	}
	return p.accepts(query)
}

func (p *fakeProvider) Resolve(ctx context.Context, query string) ([]track.Draft, error) {
	p.calls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	if p.err != nil {
		return nil, p.err
	}
	return copyDrafts(p.drafts), nil
}

func (p *fakeProvider) PlayableToken(ctx context.Context, draft track.Draft) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.token, nil
}

type fakeLoader struct {
	mu      sync.Mutex
	results map[string][]track.Draft
	err     error
	queries []string
}

func (l *fakeLoader) LoadTracks(ctx context.Context, identifier string) ([]track.Draft, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, identifier)
	if l.err != nil {
		return nil, l.err
	}
	return copyDrafts(l.results[identifier]), nil
}

func (l *fakeLoader) lastQuery() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queries) == 0 {
		return ""
	}
	return l.queries[len(l.queries)-1]
}

type fakeCatalog struct {
	tracks   map[string]*track.Draft
	lists    map[string][]track.Draft
	lastSize int
}

func (c *fakeCatalog) GetTrack(ctx context.Context, id string) (*track.Draft, error) {
	return c.tracks[id], nil
}

func (c *fakeCatalog) GetPlaylistTracks(ctx context.Context, url string, limit int) ([]track.Draft, error) {
	c.lastSize = limit
	return c.lists[url], nil
}

func (c *fakeCatalog) GetAlbumTracks(ctx context.Context, url string, limit int) ([]track.Draft, error) {
	c.lastSize = limit
	return c.lists[url], nil
}
