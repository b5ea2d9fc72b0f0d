package metadata

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pinpox/nitrous-inbox/internal/profile"
)

// Cache holds the newest known profile per public key. Reads never block writers.
type Cache struct {
	m *xsync.MapOf[string, profile.Profile]
}

func NewCache() *Cache {
	return &Cache{m: xsync.NewMapOf[string, profile.Profile]()}
}

func (c *Cache) Get(pubkey string) (profile.Profile, bool) {
	return c.m.Load(pubkey)
}

// Lookup returns the cached profile or an unknown placeholder.
func (c *Cache) Lookup(pubkey string) profile.Profile {
	if p, ok := c.m.Load(pubkey); ok {
		return p
	}
	return profile.Unknown(pubkey)
}

// Put stores p unless a newer profile for the same key is already cached.
// It reports whether p was stored.
func (c *Cache) Put(p profile.Profile) bool {
	stored := false
	c.m.Compute(p.PubKey, func(old profile.Profile, loaded bool) (profile.Profile, bool) {
		if loaded && old.UpdatedAt > p.UpdatedAt {
			return old, false
		}
		stored = true
		return p, false
	})
	return stored
}

func (c *Cache) Len() int {
	return c.m.Size()
}

func (c *Cache) Clear() {
	c.m.Clear()
}
