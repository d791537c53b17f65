// Package tools holds the static catalog of function definitions that an
// automation configuration may enable for the realtime model.
//
// The catalog is read-only after construction. Unknown tool names are never
// fatal: [Catalog.Resolve] reports them together with a best-effort spelling
// suggestion computed with Double Metaphone codes and Jaro-Winkler similarity.
package tools

import (
	"maps"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// suggestThreshold is the minimum Jaro-Winkler score for a suggestion.
const suggestThreshold = 0.80

// Unknown describes a tool name that is not in the catalog.
type Unknown struct {
	// Name is the rejected name as it appeared in the configuration.
	Name string

	// Suggestion is the closest catalog entry, or "" if nothing is close.
	Suggestion string
}

// Catalog maps tool names to their realtime function definitions.
// It is safe for concurrent use.
type Catalog struct {
	defs map[string]realtime.Tool
}

// New returns a catalog containing exactly defs. Later duplicates replace
// earlier ones.
func New(defs ...realtime.Tool) *Catalog {
	c := &Catalog{defs: make(map[string]realtime.Tool, len(defs))}
	for _, d := range defs {
		c.defs[d.Name] = cloneTool(d)
	}
	return c
}

// Default returns the catalog of built-in tools: calendar, crm and weather.
func Default() *Catalog {
	return New(Calendar(), CRM(), Weather())
}

// Names returns the sorted catalog entry names.
func (c *Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c.defs))
}

// Lookup returns a copy of the definition registered under name.
func (c *Catalog) Lookup(name string) (realtime.Tool, bool) {
	d, ok := c.defs[name]
	if !ok {
		return realtime.Tool{}, false
	}
	return cloneTool(d), true
}

// Resolve maps names to definitions in the given order. Duplicates are
// resolved once. Names that are not registered are returned in unknown.
func (c *Catalog) Resolve(names []string) (defs []realtime.Tool, unknown []Unknown) {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		d, ok := c.Lookup(name)
		if !ok {
			unknown = append(unknown, Unknown{Name: name, Suggestion: c.suggest(name)})
			continue
		}
		defs = append(defs, d)
	}
	return defs, unknown
}

// suggest returns the catalog entry that sounds or reads most like name.
func (c *Catalog) suggest(name string) string {
	in := strings.ToLower(strings.TrimSpace(name))
	if in == "" {
		return ""
	}
	inPrimary, inSecondary := matchr.DoubleMetaphone(in)

	best, bestScore := "", 0.0
	for _, candidate := range c.Names() {
		score := matchr.JaroWinkler(in, candidate, false)
		p, s := matchr.DoubleMetaphone(candidate)
		if p != "" && (p == inPrimary || p == inSecondary || (s != "" && s == inPrimary)) {
			score += 0.1
		}
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

// cloneTool deep-copies the parameter schema so callers cannot mutate the
// catalog through a returned definition.
func cloneTool(t realtime.Tool) realtime.Tool {
	t.Parameters = cloneMap(t.Parameters)
	return t
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(x)
	default:
		return v
	}
}
