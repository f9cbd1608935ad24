package activation

import (
	"fmt"
	"os"
	"strings"

	"github.com/tldr-it-stepankutaj/modkit/internal/catalog"
)

// Set is the ordered, duplicate-free list of module names the administrator
// wants active right now. Its durable form is the rendered descriptor itself:
// the external applier imports the descriptor directly, and Parse recovers the
// name list from the per-entry name tags.
type Set struct {
	names []string
}

// Empty returns a set with no active modules.
func Empty() *Set {
	return &Set{}
}

// FromNames builds a set from names, dropping duplicates in first-seen order.
func FromNames(names []string) *Set {
	s := Empty()
	s.AddAll(names)
	return s
}

// Load reads the descriptor at path and recovers the active name list.
// A missing file is not an error: it means the base system, an empty set.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	return FromNames(Parse(string(data))), nil
}

// Parse extracts the ordered module name list from descriptor content. An
// entry line is a quoted import path followed by a "# name" tag; everything
// else (header comments, braces, the imports wrapper) is ignored. Parse is
// the formal inverse of Render for any catalog-legal name list.
func Parse(content string) []string {
	var names []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, `"`) {
			continue
		}
		closing := strings.Index(line[1:], `"`)
		if closing < 0 {
			continue
		}
		rest := line[closing+2:]
		hash := strings.Index(rest, "#")
		if hash < 0 {
			continue
		}
		if name := strings.TrimSpace(rest[hash+1:]); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Names returns a copy of the active names in order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of active modules.
func (s *Set) Len() int {
	return len(s.names)
}

// Contains reports whether name is active.
func (s *Set) Contains(name string) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}

// AddAll inserts every name not already present, preserving first-seen order,
// and reports whether at least one name was newly inserted.
func (s *Set) AddAll(names []string) bool {
	changed := false
	for _, name := range names {
		if !s.Contains(name) {
			s.names = append(s.names, name)
			changed = true
		}
	}
	return changed
}

// RemoveAll removes every listed name and reports whether the set shrank.
func (s *Set) RemoveAll(names []string) bool {
	drop := make(map[string]struct{}, len(names))
	for _, name := range names {
		drop[name] = struct{}{}
	}
	kept := s.names[:0]
	for _, name := range s.names {
		if _, ok := drop[name]; !ok {
			kept = append(kept, name)
		}
	}
	changed := len(kept) != len(s.names)
	s.names = kept
	return changed
}

// Clear empties the set.
func (s *Set) Clear() {
	s.names = nil
}

// Render produces the descriptor consumed by the external applier: one tagged
// import line per active module, resolved through the catalog. Names that do
// not resolve are skipped and returned; the descriptor is still produced for
// the resolvable rest.
func (s *Set) Render(cat *catalog.Catalog) (content string, skipped []string) {
	var b strings.Builder
	b.WriteString("# This file is generated by modkit; do not edit.\n")
	b.WriteString("{ ... }:\n")
	b.WriteString("{\n")

	var entries []string
	for _, name := range s.names {
		if path, ok := cat.PathOf(name); ok {
			entries = append(entries, fmt.Sprintf("    %q # %s\n", path, name))
		} else {
			skipped = append(skipped, name)
		}
	}

	if len(entries) == 0 {
		b.WriteString("  # no active modules\n")
	} else {
		b.WriteString("  imports = [\n")
		for _, entry := range entries {
			b.WriteString(entry)
		}
		b.WriteString("  ];\n")
	}
	b.WriteString("}\n")
	return b.String(), skipped
}

// Save renders the set through the catalog and writes the descriptor to path,
// world-readable. Skipped dangling names are returned for the caller to log.
func (s *Set) Save(path string, cat *catalog.Catalog) ([]string, error) {
	content, skipped := s.Render(cat)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return skipped, fmt.Errorf("write descriptor %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		return skipped, fmt.Errorf("chmod descriptor %s: %w", path, err)
	}
	return skipped, nil
}
