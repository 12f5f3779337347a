// Package registry holds the per-guild queue controllers.
package registry

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/osa030/19dj/internal/app/playback"
)

var ErrNoQueue = errors.New("no queue for guild")

// GuildRegistry maps guild IDs to their queue controller with thread-safe access.
// It only guards whole-entry insert and removal; each controller serializes its own state.
type GuildRegistry struct {
	mu     sync.RWMutex
	queues map[string]*playback.Controller
}

// NewGuildRegistry creates a new guild registry.
func NewGuildRegistry() *GuildRegistry {
	return &GuildRegistry{
		queues: make(map[string]*playback.Controller),
	}
}

// GetOrCreate returns the guild's controller, creating it with create on first use.
// A controller that has already been torn down is replaced.
func (r *GuildRegistry) GetOrCreate(guildID string, create func() *playback.Controller) (*playback.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.queues[guildID]; ok && !c.Destroyed() {
		return c, false
	}
	c := create()
	r.queues[guildID] = c
	return c, true
}

// Get retrieves the controller of a guild.
func (r *GuildRegistry) Get(guildID string) (*playback.Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.queues[guildID]
	if !ok || c.Destroyed() {
		return nil, ErrNoQueue
	}
	return c, nil
}

// Remove deletes the guild's entry if it still belongs to c.
func (r *GuildRegistry) Remove(guildID string, c *playback.Controller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.queues[guildID]; ok && current == c {
		delete(r.queues, guildID)
		return true
	}
	return false
}

// All returns all controllers ordered by guild ID.
func (r *GuildRegistry) All() []*playback.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]*playback.Controller, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.queues[id])
	}
	return result
}

// Count returns the number of guild queues.
func (r *GuildRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}
