package ca

import (
	"sort"
	"sync"

	"github.com/coolhoo/xipki/internal/util"
)

// Registry is the explicit, owned set of active authorities, keyed by
// canonical CA name, with an alias table for protocol adapters. It replaces
// any ambient singleton: callers construct one at startup, register every
// configured CA, and reconfigure explicitly.
type Registry struct {
	mu      sync.RWMutex
	cas     map[string]*Authority
	aliases map[string]string // canonical alias -> canonical CA name
	ids     *NameIDStore
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	ids, _ := NewNameIDStore("CA", nil)
	return &Registry{
		cas:     make(map[string]*Authority),
		aliases: make(map[string]string),
		ids:     ids,
	}
}

// Register adds an authority under its canonical name and aliases. It fails
// with DuplicateEntry when the name, numeric id or any alias is already
// taken.
func (r *Registry) Register(a *Authority, aliases ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := util.CanonicalName(a.Info().Name)
	if _, ok := r.cas[name]; ok {
		return opErr(KindDuplicateEntry, "CA %s already registered", name)
	}
	canonical := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		alias = util.CanonicalName(alias)
		if _, ok := r.aliases[alias]; ok {
			return opErr(KindDuplicateEntry, "CA alias %s already registered", alias)
		}
		canonical = append(canonical, alias)
	}
	if err := r.ids.AddEntry(name, a.Info().ID); err != nil {
		return err
	}

	r.cas[name] = a
	for _, alias := range canonical {
		r.aliases[alias] = name
	}
	return nil
}

// Reconfigure replaces the authority registered under the same canonical
// name and numeric id. It fails with BadRequest when no authority with
// that identity is registered.
func (r *Registry) Reconfigure(a *Authority) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := util.CanonicalName(a.Info().Name)
	existing, ok := r.cas[name]
	if !ok || existing.Info().ID != a.Info().ID {
		return opErr(KindBadRequest, "CA %s (id %d) is not registered", name, a.Info().ID)
	}
	r.cas[name] = a
	return nil
}

// Get returns the authority registered under the canonical name.
func (r *Registry) Get(name string) (*Authority, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.cas[util.CanonicalName(name)]
	return a, ok
}

// ResolveAlias maps a request path alias to the canonical CA name. An
// unknown alias resolves to its own canonical form, matching the fallback
// of the original REST surface.
func (r *Registry) ResolveAlias(alias string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical := util.CanonicalName(alias)
	if name, ok := r.aliases[canonical]; ok {
		return name
	}
	return canonical
}

// NameByID resolves a numeric CA id to its canonical name.
func (r *Registry) NameByID(id int) (string, bool) {
	return r.ids.GetName(id)
}

// Names returns the canonical names of all registered authorities, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cas))
	for name := range r.cas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
