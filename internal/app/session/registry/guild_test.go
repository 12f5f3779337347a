package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/19dj/internal/app/playback"
)

func newController(guildID string) *playback.Controller {
	return playback.NewController(guildID, playback.Config{}, nil, nil, nil)
}

func TestGuildRegistry_GetOrCreate(t *testing.T) {
	r := NewGuildRegistry()

	c1, created := r.GetOrCreate("g1", func() *playback.Controller { return newController("g1") })
	assert.True(t, created)

	c2, created := r.GetOrCreate("g1", func() *playback.Controller { return newController("g1") })
	assert.False(t, created)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, r.Count())
}

func TestGuildRegistry_GetOrCreateConcurrent(t *testing.T) {
	r := NewGuildRegistry()
	var creations atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.GetOrCreate("g1", func() *playback.Controller {
				creations.Add(1)
				return newController("g1")
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), creations.Load())
	assert.Equal(t, 1, r.Count())
}

func TestGuildRegistry_Remove(t *testing.T) {
	r := NewGuildRegistry()
	c1, _ := r.GetOrCreate("g1", func() *playback.Controller { return newController("g1") })
	stranger := newController("g1")

	assert.False(t, r.Remove("g1", stranger))
	assert.True(t, r.Remove("g1", c1))
	assert.False(t, r.Remove("g1", c1))

	_, err := r.Get("g1")
	assert.ErrorIs(t, err, ErrNoQueue)
}

func TestGuildRegistry_DestroyedControllerIsReplaced(t *testing.T) {
	r := NewGuildRegistry()
	c1, _ := r.GetOrCreate("g1", func() *playback.Controller { return newController("g1") })
	require.NoError(t, c1.Stop(context.Background()))

	_, err := r.Get("g1")
	assert.ErrorIs(t, err, ErrNoQueue)

	c2, created := r.GetOrCreate("g1", func() *playback.Controller { return newController("g1") })
	assert.True(t, created)
	assert.NotSame(t, c1, c2)
}

func TestGuildRegistry_All(t *testing.T) {
	r := NewGuildRegistry()
	for _, id := range []string{"g3", "g1", "g2"} {
		r.GetOrCreate(id, func() *playback.Controller { return newController(id) })
	}

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "g1", all[0].GuildID())
	assert.Equal(t, "g3", all[2].GuildID())
}
