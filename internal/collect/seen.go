package collect

import (
	"log"
	"os"
	"time"

	"github.com/robsok/content-pipeline/internal/rundir"
)

// SeenCache remembers links already fetched on earlier days, keyed by item
// key with the first-seen timestamp as value.
type SeenCache struct {
	path string
	now  func() time.Time
}

// NewSeenCache creates a cache backed by the JSON file at path.
func NewSeenCache(path string) *SeenCache {
	return &SeenCache{path: path, now: time.Now}
}

// Load returns the cached keys. A missing or corrupt file yields an empty cache.
func (c *SeenCache) Load() map[string]string {
	seen := map[string]string{}
	if _, err := os.Stat(c.path); err != nil {
		return seen
	}
	if err := rundir.ReadJSON(c.path, &seen); err != nil {
		log.Printf("[WARN] seen-links cache unreadable, ignoring: %v", err)
		return map[string]string{}
	}
	return seen
}

// FilterNew returns items not seen before and records them in the cache.
func (c *SeenCache) FilterNew(items []Item) []Item {
	seen := c.Load()
	stamp := c.now().UTC().Format(time.RFC3339)

	fresh := make([]Item, 0, len(items))
	for _, it := range items {
		key := it.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = stamp
		fresh = append(fresh, it)
	}

	if len(fresh) > 0 {
		if err := rundir.SaveJSON(c.path, seen); err != nil {
			log.Printf("[WARN] could not save seen-links cache: %v", err)
		}
	}
	return fresh
}
