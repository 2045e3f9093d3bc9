package template

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Registry resolves template names to validated templates. Loaded templates
// are cached, so repeated loads return the same object.
type Registry struct {
	mu    sync.Mutex
	defs  map[string][]Definition
	cache map[string]entry
}

type entry struct {
	tpl *WorkflowTemplate
	err error
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{
		defs:  make(map[string][]Definition),
		cache: make(map[string]entry),
	}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Register adds a definition. Validation happens on first load.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := strings.TrimSpace(def.ID)
	r.defs[id] = append(r.defs[id], def)
	for k := range r.cache {
		if k == id || strings.HasPrefix(k, id+"@") {
			delete(r.cache, k)
		}
	}
}

// Load resolves "id" (highest version) or "id@version".
func (r *Registry) Load(name string) (*WorkflowTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(strings.TrimSpace(name))
}

func (r *Registry) loadLocked(name string) (*WorkflowTemplate, error) {
	if e, ok := r.cache[name]; ok {
		return e.tpl, e.err
	}
	id, want, _ := strings.Cut(name, "@")
	defs, ok := r.defs[id]
	if !ok || id == "" {
		return nil, configErr(id, "unknown template %q", name)
	}
	var wantVersion *semver.Version
	if want != "" {
		v, err := semver.NewVersion(want)
		if err != nil {
			return nil, configErr(id, "invalid version %q", want)
		}
		wantVersion = v
	}

	var best *WorkflowTemplate
	for _, d := range defs {
		tpl, err := r.buildLocked(d)
		if err != nil {
			r.cache[name] = entry{err: err}
			return nil, err
		}
		if wantVersion != nil {
			if tpl.Version.Equal(wantVersion) {
				best = tpl
				break
			}
			continue
		}
		if best == nil || tpl.Version.GreaterThan(best.Version) {
			best = tpl
		}
	}
	if best == nil {
		return nil, configErr(id, "version %s not found", want)
	}
	r.cache[name] = entry{tpl: best}
	return best, nil
}

func (r *Registry) buildLocked(d Definition) (*WorkflowTemplate, error) {
	raw := d.Version
	if raw == "" {
		raw = DefaultVersion
	}
	key := strings.TrimSpace(d.ID) + "@" + raw
	if e, ok := r.cache[key]; ok {
		return e.tpl, e.err
	}
	tpl, err := New(d)
	r.cache[key] = entry{tpl: tpl, err: err}
	if err == nil {
		r.cache[tpl.Ref()] = entry{tpl: tpl}
	}
	return tpl, err
}

// LoadAll validates every registered template and fails on the first broken one.
func (r *Registry) LoadAll() ([]*WorkflowTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.defs) == 0 {
		return nil, configErr("", "no templates registered")
	}
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*WorkflowTemplate
	for _, id := range ids {
		for _, d := range r.defs[id] {
			tpl, err := r.buildLocked(d)
			if err != nil {
				return nil, err
			}
			out = append(out, tpl)
		}
	}
	return out, nil
}

// List returns every valid template, ordered by id then descending version.
func (r *Registry) List() []*WorkflowTemplate {
	all, err := r.LoadAll()
	if err != nil {
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			return nil
		}
		all = r.validOnly()
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ID != all[j].ID {
			return all[i].ID < all[j].ID
		}
		return all[i].Version.GreaterThan(all[j].Version)
	})
	return all
}

func (r *Registry) validOnly() []*WorkflowTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*WorkflowTemplate
	for _, defs := range r.defs {
		for _, d := range defs {
			if tpl, err := r.buildLocked(d); err == nil {
				out = append(out, tpl)
			}
		}
	}
	return out
}
