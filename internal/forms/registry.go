package forms

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/auth"
	"github.com/rennteam/pitwall/internal/store"
)

// Registry holds the loaded form schemas, one per role. Loading happens at
// boot and on explicit Reload; reads take a snapshot under a short lock.
type Registry struct {
	dir string

	mu      sync.RWMutex
	byRole  map[string]*Schema
	ordered []*Schema
}

// NewRegistry loads all descriptors from dir. A missing directory yields an
// empty registry, not an error; teams without forms still get telemetry.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every descriptor from disk, replacing the current set
// atomically. Errors leave the previous set in place.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		r.mu.Lock()
		r.byRole = map[string]*Schema{}
		r.ordered = nil
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.External, err, "read forms directory")
	}

	byRole := map[string]*Schema{}
	var ordered []*Schema

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		s, err := loadSchema(filepath.Join(r.dir, name))
		if err != nil {
			return err
		}
		if _, dup := byRole[s.Role]; dup {
			return apperr.Newf(apperr.Validation, "duplicate form for role %q in %s", s.Role, name)
		}
		byRole[s.Role] = s
		ordered = append(ordered, s)
	}

	r.mu.Lock()
	r.byRole = byRole
	r.ordered = ordered
	r.mu.Unlock()
	return nil
}

func loadSchema(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.External, err, "read form descriptor")
	}
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "parse form descriptor "+filepath.Base(path))
	}

	base := filepath.Base(path)
	if s.FormName == "" {
		return nil, apperr.Newf(apperr.Validation, "form descriptor %s: form_name is required", base)
	}
	if !auth.IsRole(s.Role) {
		return nil, apperr.Newf(apperr.Validation, "form descriptor %s: unknown role %q", base, s.Role)
	}
	seen := map[string]struct{}{}
	for i, f := range s.Fields {
		if f.Name == "" {
			return nil, apperr.Newf(apperr.Validation, "form descriptor %s: field %d has no name", base, i)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, apperr.Newf(apperr.Validation, "form descriptor %s: duplicate field %q", base, f.Name)
		}
		seen[f.Name] = struct{}{}
		if !f.Type.valid() {
			return nil, apperr.Newf(apperr.Validation, "form descriptor %s: field %q has invalid type %q", base, f.Name, f.Type)
		}
		if f.Type == FieldSelect && len(f.Options) == 0 {
			return nil, apperr.Newf(apperr.Validation, "form descriptor %s: select field %q has no options", base, f.Name)
		}
	}
	return &s, nil
}

// Get returns the schema for role, or nil.
func (r *Registry) Get(role string) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRole[role]
}

// All returns every loaded schema in file order.
func (r *Registry) All() []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Schema, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ListForUser returns the schemas the user may access.
func (r *Registry) ListForUser(u *store.User) []*Schema {
	var out []*Schema
	for _, s := range r.All() {
		if auth.CanAccessForm(u, s.Role) {
			out = append(out, s)
		}
	}
	return out
}

// Roles returns the roles that currently have a form, in file order.
func (r *Registry) Roles() []string {
	var out []string
	for _, s := range r.All() {
		out = append(out, s.Role)
	}
	return out
}
