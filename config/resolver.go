package config

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/BaSui01/enzymeflow/types"
)

// Resolver maps a (data root, subarea) pair to a concrete directory.
//
// A Resolver is immutable once built: both registries are copied and every
// base path is normalized up front, so Resolve is a pure lookup. It never
// touches the filesystem.
type Resolver struct {
	roots    map[string]string
	subareas map[string]string
	def      string
}

// NewResolver builds a resolver from the storage registry. Relative root
// bases are anchored at baseDir (normally the config file's directory).
func NewResolver(cfg StorageConfig, baseDir string) (*Resolver, error) {
	if len(cfg.Roots) == 0 {
		return nil, types.NewError(types.ErrInvalidConfig, "no data roots configured")
	}
	if baseDir == "" {
		baseDir = "."
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidConfig, "cannot resolve config directory").WithCause(err)
	}

	r := &Resolver{
		roots:    make(map[string]string, len(cfg.Roots)),
		subareas: make(map[string]string, len(cfg.SubAreas)),
		def:      cfg.DefaultRoot,
	}
	for name, base := range cfg.Roots {
		r.roots[name] = normalizeBase(base, absBase)
	}
	for name, seg := range cfg.SubAreas {
		if err := validateSegment(seg); err != nil {
			return nil, types.Errorf(types.ErrInvalidConfig, "subarea %q: %v", name, err)
		}
		r.subareas[name] = filepath.Clean(seg)
	}
	if r.def != "" {
		if _, ok := r.roots[r.def]; !ok {
			return nil, types.Errorf(types.ErrUnknownRoot, "default root %q is not declared", r.def)
		}
	}
	return r, nil
}

// NewResolverFromConfig is a convenience wrapper around NewResolver.
func NewResolverFromConfig(cfg *Config) (*Resolver, error) {
	return NewResolver(cfg.Storage, cfg.BaseDir())
}

func normalizeBase(base, anchor string) string {
	base = strings.TrimPrefix(strings.TrimSpace(base), "file://")
	if !filepath.IsAbs(base) {
		base = filepath.Join(anchor, base)
	}
	return filepath.Clean(base)
}

// Resolve returns the directory for subarea under root.
func (r *Resolver) Resolve(root, subarea string) (string, error) {
	base, err := r.RootPath(root)
	if err != nil {
		return "", err
	}
	seg, err := r.Segment(subarea)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, seg), nil
}

// RootPath returns the normalized base path of a data root.
func (r *Resolver) RootPath(root string) (string, error) {
	base, ok := r.roots[root]
	if !ok {
		return "", types.Errorf(types.ErrUnknownRoot, "unknown data root %q", root).
			WithDetail("root", root)
	}
	return base, nil
}

// Segment returns the relative path segment of a subarea.
func (r *Resolver) Segment(subarea string) (string, error) {
	seg, ok := r.subareas[subarea]
	if !ok {
		return "", types.Errorf(types.ErrUnknownSubarea, "unknown subarea %q", subarea).
			WithDetail("subarea", subarea)
	}
	return seg, nil
}

// ResolveInput resolves a user-supplied path: absolute paths are returned
// cleaned, relative ones are anchored at the root's base.
func (r *Resolver) ResolveInput(root, p string) (string, error) {
	p = strings.TrimPrefix(strings.TrimSpace(p), "file://")
	if p == "" {
		return "", types.NewError(types.ErrInvalidInput, "empty input path")
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	base, err := r.RootPath(root)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p), nil
}

// DefaultRoot returns the configured default root, "" if none.
func (r *Resolver) DefaultRoot() string {
	return r.def
}

// Roots returns the declared root names, sorted.
func (r *Resolver) Roots() []string {
	return sortedKeys(r.roots)
}

// SubAreas returns the declared subarea names, sorted.
func (r *Resolver) SubAreas() []string {
	return sortedKeys(r.subareas)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
