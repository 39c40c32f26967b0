package hexfile

import (
	"sync"

	"github.com/chazu/flashlink/target"
)

// MaxCacheEntries bounds the number of parsed templates kept in memory.
// The cache is emptied when a template beyond the bound arrives.
const MaxCacheEntries = 10

// Store persists parsed templates across processes.
type Store interface {
	// Load returns the context stored for sha, or nil if there is none.
	Load(sha string) (*Context, error)
	Save(ctx *Context) error
}

// Cache holds parsed templates keyed by template SHA. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Context
	store   Store
}

// NewCache creates a cache. store may be nil.
func NewCache(store Store) *Cache {
	return &Cache{
		entries: make(map[string]*Context),
		store:   store,
	}
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetupFor returns the parsed template of ext for target t, parsing it on
// first use. Templates without a SHA are parsed every time.
func (c *Cache) SetupFor(t *target.CompileTarget, ext *target.ExtensionInfo) (*Context, error) {
	if ext.SHA == "" {
		return Parse(t, ext)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx, ok := c.entries[ext.SHA]; ok && ctx.Target == *t {
		return ctx, nil
	}

	ctx := c.loadStored(t, ext.SHA)
	if ctx == nil {
		var err error
		ctx, err = Parse(t, ext)
		if err != nil {
			return nil, err
		}
		if c.store != nil {
			if err := c.store.Save(ctx); err != nil {
				log.Warningf("cannot store template %s: %s", ext.SHA, err)
			}
		}
	}

	if _, ok := c.entries[ext.SHA]; !ok && len(c.entries) >= MaxCacheEntries {
		log.Debugf("template cache full, clearing %d entries", len(c.entries))
		clear(c.entries)
	}
	c.entries[ext.SHA] = ctx
	return ctx, nil
}

func (c *Cache) loadStored(t *target.CompileTarget, sha string) *Context {
	if c.store == nil {
		return nil
	}
	ctx, err := c.store.Load(sha)
	if err != nil {
		log.Warningf("cannot load stored template %s: %s", sha, err)
		return nil
	}
	if ctx == nil || ctx.Target != *t {
		return nil
	}
	log.Debugf("template %s loaded from store", sha)
	return ctx
}
