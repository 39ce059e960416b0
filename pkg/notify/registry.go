package notify

import (
	"sort"
	"sync"
	"time"
)

// Collection is what the local engine does for one target.
type Collection struct {
	Target     string    `json:"target"`
	Collecting bool      `json:"collecting"`
	Config     []byte    `json:"-"`
	ConfigSize int       `json:"config_size"`
	Since      time.Time `json:"since"`
}

// Registry tracks which targets the local engine collects and with which
// config. It stands in for the metrics engine's view of its work.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*Collection
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]*Collection), now: time.Now}
}

func (r *Registry) entry(target string) *Collection {
	c, ok := r.targets[target]
	if !ok {
		c = &Collection{Target: target, Since: r.now()}
		r.targets[target] = c
	}
	return c
}

func (r *Registry) OnConfigChanged(target string, config []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.entry(target)
	c.Config = append([]byte(nil), config...)
	c.ConfigSize = len(config)
}

func (r *Registry) OnOwnershipChanged(target string, isOwner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.entry(target)
	if c.Collecting != isOwner {
		c.Collecting = isOwner
		c.Since = r.now()
	}
}

// Get returns a copy of the target's entry.
func (r *Registry) Get(target string) (Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.targets[target]
	if !ok {
		return Collection{}, false
	}
	out := *c
	out.Config = append([]byte(nil), c.Config...)
	return out, true
}

// Collecting returns the sorted aliases of the targets being collected.
func (r *Registry) Collecting() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for alias, c := range r.targets {
		if c.Collecting {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}
