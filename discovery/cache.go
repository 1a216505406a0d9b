package discovery

import (
	"sync"
	"time"

	"github.com/a2a-fabric/core/types"
)

// ProfileCache holds Discovery's own view of discovered agent profiles,
// independent of the Registry's catalog. On agent:lost, the peer is
// removed from Discovery's own cache; the Registry removes it only
// on explicit unregister or cleanup.
type ProfileCache struct {
	mu      sync.RWMutex
	entries map[string]*profileEntry
}

type profileEntry struct {
	profile   types.AgentProfile
	origin    string // "central" or "p2p", for hybrid precedence
	expiresAt time.Time
}

// NewProfileCache creates an empty profile cache.
func NewProfileCache() *ProfileCache {
	return &ProfileCache{entries: make(map[string]*profileEntry)}
}

// Put stores or refreshes a profile learned from origin ("central" or
// "p2p"), valid for ttl. A zero ttl means the entry never expires on
// its own (typical for central entries, which are removed explicitly).
func (c *ProfileCache) Put(profile types.AgentProfile, origin string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &profileEntry{profile: profile, origin: origin}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[profile.AgentID] = e
}

// Get returns the cached profile for id, if present and unexpired.
func (c *ProfileCache) Get(id string) (types.AgentProfile, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return types.AgentProfile{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.Delete(id)
		return types.AgentProfile{}, false
	}
	return e.profile, true
}

// Delete removes an entry, e.g. on agent:lost.
func (c *ProfileCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Sweep evicts every expired entry and returns the ids removed, so the
// caller can emit agent:lost for each.
func (c *ProfileCache) Sweep() []string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var lost []string
	for id, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, id)
			lost = append(lost, id)
		}
	}
	return lost
}

// All returns a snapshot of every cached profile, keyed by agent id.
// In hybrid mode, entries of origin "central" take precedence over
// "p2p" entries for the same id; MergePreferCentral, not All, performs
// that precedence resolution across two ProfileCaches.
func (c *ProfileCache) All() map[string]types.AgentProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.AgentProfile, len(c.entries))
	for id, e := range c.entries {
		out[id] = e.profile
	}
	return out
}

// Len reports the number of cached entries.
func (c *ProfileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MergePreferCentral merges p2p entries under central, keeping the
// central profile whenever both caches know an id.
func MergePreferCentral(central, p2p map[string]types.AgentProfile) map[string]types.AgentProfile {
	merged := make(map[string]types.AgentProfile, len(central)+len(p2p))
	for id, p := range p2p {
		merged[id] = p
	}
	for id, p := range central {
		merged[id] = p
	}
	return merged
}
