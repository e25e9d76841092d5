package cache

import "sync"

// Entity names the write targets that trigger invalidation.
type Entity string

const (
	EntityAgent   Entity = "agent"
	EntityProject Entity = "project"
	EntityThread  Entity = "thread"
	EntityAccount Entity = "account"
	EntityUser    Entity = "user"
	EntityRun     Entity = "run"
)

// Evictable is the eviction surface every cache exposes.
type Evictable interface {
	Remove(key string)
	RemovePrefix(prefix string)
}

// Invalidator expands an entity write into its dependent cache keys and
// evicts them from every registered cache. Writers call Invalidate once;
// the dependency set lives here instead of being scattered over call sites.
type Invalidator struct {
	mu     sync.RWMutex
	caches []Evictable
}

// NewInvalidator returns an empty invalidator.
func NewInvalidator() *Invalidator {
	return &Invalidator{}
}

// Register adds a cache to the eviction fan-out.
func (inv *Invalidator) Register(c Evictable) {
	inv.mu.Lock()
	inv.caches = append(inv.caches, c)
	inv.mu.Unlock()
}

// Invalidate evicts everything derived from the given entity id.
func (inv *Invalidator) Invalidate(entity Entity, id string) {
	exact, prefixes := dependentKeys(entity, id)

	inv.mu.RLock()
	caches := inv.caches
	inv.mu.RUnlock()

	for _, c := range caches {
		for _, k := range exact {
			c.Remove(k)
		}
		for _, p := range prefixes {
			c.RemovePrefix(p)
		}
	}
}

// dependentKeys is the invalidation set per entity.
func dependentKeys(entity Entity, id string) (exact []string, prefixes []string) {
	switch entity {
	case EntityAgent:
		// Versioned configs are cached under a version suffix, so evict by prefix.
		prefixes = []string{AgentConfigKey(id, "")}
		exact = []string{AgentToolsKey(id), AgentTypeKey(id), KBContextKey(id)}
	case EntityProject:
		exact = []string{ProjectMetaKey(id)}
	case EntityThread:
		exact = []string{MessageHistoryKey(id)}
	case EntityAccount:
		exact = []string{RunningRunsKey(id), ThreadCountKey(id), TierInfoKey(id)}
	case EntityUser:
		exact = []string{UserContextKey(id)}
	case EntityRun:
		exact = []string{StreamHandleKey(id)}
	}
	return exact, prefixes
}
