// Package catalog exposes canonical function identities parsed from
// tree-sitter output (C3 FunctionCatalog). Tree-sitter parsing itself
// is handled by an external tool; this package only consumes its
// structural result.
//
// Grounded on internal/graph/graph.go and internal/graph/task.go: a
// read-only map built once, keyed by a canonical identity, with a
// deterministic tie-break (sort by file then start line, take the
// first) for ambiguous lookups — the same idiom graph.go uses to break
// ties when filtering ready tasks.
package catalog

import (
	"sort"
	"strings"
)

// Entry is one FunctionEntry.
type Entry struct {
	Container  string
	Name       string
	Signature  string
	FilePath   string
	StartLine  int
	EndLine    int
	Visibility string
	Body       string
}

// CanonicalID returns the "Container.name" identity used as the catalog's
// primary key. Multiple entries may share a CanonicalID (overloads); they
// are disambiguated by Signature when present.
func (e Entry) CanonicalID() string {
	return e.Container + "." + e.Name
}

// Catalog is the immutable, once-built set of FunctionEntry items for a
// single project's planning run (a Flow's function_refs must be
// a subset of this set).
type Catalog struct {
	entries   []Entry
	byID      map[string][]int // canonical id -> indices into entries, sorted by FilePath,StartLine
	bySigID   map[string]int   // "Container.name(signature)" -> index, exact match
}

// receiverAliases maps legacy/alternate spellings to their canonical form,
// per the catalog's normalization rule.
var receiverAliases = map[string]string{
	"constructor": "constructor",
	"receive":     "receive",
	"fallback":    "fallback",
	"ctor":        "constructor",
	"recv":        "receive",
}

// Build constructs a Catalog from parsed tree-sitter function entries.
// The entry order is preserved for iteration; lookup indices are
// precomputed once so resolve() never mutates state.
func Build(entries []Entry) *Catalog {
	c := &Catalog{
		entries: make([]Entry, len(entries)),
		byID:    make(map[string][]int),
		bySigID: make(map[string]int),
	}
	copy(c.entries, entries)

	for i, e := range c.entries {
		id := normalizeID(e.CanonicalID())
		c.byID[id] = append(c.byID[id], i)
		if e.Signature != "" {
			c.bySigID[normalizeID(e.Container+"."+e.Name+"("+e.Signature+")")] = i
		}
	}
	for id, idxs := range c.byID {
		sort.SliceStable(idxs, func(a, b int) bool {
			ea, eb := c.entries[idxs[a]], c.entries[idxs[b]]
			if ea.FilePath != eb.FilePath {
				return ea.FilePath < eb.FilePath
			}
			return ea.StartLine < eb.StartLine
		})
		c.byID[id] = idxs
	}

	return c
}

// List returns all FunctionEntry items. The returned slice must not be
// mutated by callers; it aliases the Catalog's internal storage.
func (c *Catalog) List() []Entry {
	if c == nil {
		return nil
	}
	return c.entries
}

// Len returns the number of entries in the catalog.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// ResolveStatus classifies the outcome of Resolve.
type ResolveStatus string

const (
	ResolveMatched   ResolveStatus = "matched"
	ResolveAmbiguous ResolveStatus = "ambiguous"
	ResolveMissing   ResolveStatus = "missing"
)

// Resolution is the result of resolving one external textual reference.
type Resolution struct {
	Ref    string
	Status ResolveStatus
	Entry  Entry // valid when Status != ResolveMissing
}

// Resolve maps an external textual reference ("Container.name" optionally
// with a "(signature)" suffix) to 0, 1, or N catalog entries, per the
// normalization and tie-break rules above.
func (c *Catalog) Resolve(ref string) Resolution {
	raw := strings.TrimSpace(ref)
	if c == nil || raw == "" {
		return Resolution{Ref: ref, Status: ResolveMissing}
	}

	container, name, sig := splitRef(raw)
	name = canonicalizeName(name)
	id := normalizeID(container + "." + name)

	if sig != "" {
		if idx, ok := c.bySigID[normalizeID(container+"."+name+"("+sig+")")]; ok {
			return Resolution{Ref: ref, Status: ResolveMatched, Entry: c.entries[idx]}
		}
	}

	idxs := c.byID[id]
	switch len(idxs) {
	case 0:
		return Resolution{Ref: ref, Status: ResolveMissing}
	case 1:
		return Resolution{Ref: ref, Status: ResolveMatched, Entry: c.entries[idxs[0]]}
	default:
		// Deterministic candidate: idxs is pre-sorted by FilePath,StartLine.
		return Resolution{Ref: ref, Status: ResolveAmbiguous, Entry: c.entries[idxs[0]]}
	}
}

// Contains reports whether ref resolves to a member of this catalog
// (matched or ambiguous both count as membership; missing does not).
func (c *Catalog) Contains(ref string) bool {
	res := c.Resolve(ref)
	return res.Status == ResolveMatched || res.Status == ResolveAmbiguous
}

func splitRef(ref string) (container, name, sig string) {
	base := ref
	if i := strings.IndexByte(ref, '('); i >= 0 && strings.HasSuffix(ref, ")") {
		base = ref[:i]
		sig = strings.TrimSpace(ref[i+1 : len(ref)-1])
	}
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return strings.TrimSpace(base[:i]), strings.TrimSpace(base[i+1:]), sig
	}
	return "", strings.TrimSpace(base), sig
}

func canonicalizeName(name string) string {
	if canon, ok := receiverAliases[strings.ToLower(name)]; ok {
		return canon
	}
	return name
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
