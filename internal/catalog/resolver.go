package catalog

import "strings"

// Resolver maps the names customers type to canonical item ids.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	canonical map[string]string
	aliases   map[string]string
}

func NewResolver(canonical []string, aliases map[string]string) *Resolver {
	r := &Resolver{
		canonical: make(map[string]string, len(canonical)),
		aliases:   make(map[string]string, len(aliases)),
	}
	for _, id := range canonical {
		r.canonical[normalize(id)] = id
	}
	for alias, id := range aliases {
		r.aliases[normalize(alias)] = id
	}
	return r
}

// Resolve returns the canonical id for raw. Names that match nothing are
// returned unchanged.
func (r *Resolver) Resolve(raw string) string {
	name := normalize(raw)
	if name == "" {
		return raw
	}
	if id, ok := r.match(name); ok {
		return id
	}
	if singular, found := strings.CutSuffix(name, "s"); found && singular != "" {
		if id, ok := r.match(singular); ok {
			return id
		}
	}
	return raw
}

func (r *Resolver) match(name string) (string, bool) {
	if id, ok := r.aliases[name]; ok {
		return id, true
	}
	if id, ok := r.canonical[name]; ok {
		return id, true
	}
	return "", false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", " ", "").Replace(s)
}
