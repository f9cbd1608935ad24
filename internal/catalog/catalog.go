package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// State is a module's last-confirmed tri-state. The zero value is Disabled.
type State int

const (
	Disabled State = iota
	Enabled
	// Uncertain means an apply affecting the module was attempted and its
	// outcome was never confirmed. Only ConfirmStates clears it.
	Uncertain
)

func (s State) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case Uncertain:
		return "uncertain"
	default:
		return "disabled"
	}
}

// MarshalJSON encodes the state as its lowercase name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a lowercase state name. Unknown names are a parse error.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "enabled":
		*s = Enabled
	case "disabled":
		*s = Disabled
	case "uncertain":
		*s = Uncertain
	default:
		return fmt.Errorf("unknown module state %q", raw)
	}
	return nil
}

// Module is immutable catalog metadata plus the module's last-confirmed state.
type Module struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Desc  string `json:"desc,omitempty"`
	State State  `json:"state,omitempty"`
}

// Catalog is the ordered list of known modules. It is the sole source of
// truth for last-confirmed and in-flight module state. The name index is
// rebuilt on every construction and load; lookups never fall back to a scan.
type Catalog struct {
	Modules []Module `json:"modules"`

	index map[string]int
}

// New builds a catalog over the given modules and its name index.
func New(modules []Module) (*Catalog, error) {
	c := &Catalog{Modules: modules}
	if err := c.reindex(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := c.reindex(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return &c, nil
}

func (c *Catalog) reindex() error {
	index := make(map[string]int, len(c.Modules))
	for i, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("module at position %d has no name", i)
		}
		if strings.ContainsAny(m.Name, "#\"\n") {
			return fmt.Errorf("module name %q contains reserved characters", m.Name)
		}
		if strings.ContainsAny(m.Path, "#\"\n") {
			return fmt.Errorf("module %q path contains reserved characters", m.Name)
		}
		if _, dup := index[m.Name]; dup {
			return fmt.Errorf("duplicate module name %q", m.Name)
		}
		index[m.Name] = i
	}
	c.index = index
	return nil
}

// Save writes the full catalog to path, world-readable.
func (c *Catalog) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write catalog %s: %w", path, err)
	}
	// WriteFile honors umask; the applier runs unprivileged reads.
	if err := os.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("chmod catalog %s: %w", path, err)
	}
	return nil
}

// Get returns the module with the given name.
func (c *Catalog) Get(name string) (Module, bool) {
	i, ok := c.index[name]
	if !ok {
		return Module{}, false
	}
	return c.Modules[i], true
}

// StateOf returns the stored state for name, Disabled when unknown.
// Callers that mutate must check existence separately.
func (c *Catalog) StateOf(name string) State {
	if i, ok := c.index[name]; ok {
		return c.Modules[i].State
	}
	return Disabled
}

// PathOf resolves a module name to its install path.
func (c *Catalog) PathOf(name string) (string, bool) {
	if i, ok := c.index[name]; ok {
		return c.Modules[i].Path, true
	}
	return "", false
}

// SetState updates the stored state and reports whether name exists.
func (c *Catalog) SetState(name string, state State) bool {
	i, ok := c.index[name]
	if !ok {
		return false
	}
	c.Modules[i].State = state
	return true
}

// MarkUncertain sets every listed, existing module to Uncertain. Used as the
// optimistic pre-apply marker and after a failed apply.
func (c *Catalog) MarkUncertain(names []string) {
	for _, name := range names {
		c.SetState(name, Uncertain)
	}
}

// ConfirmStates authoritatively recomputes every module's state: Enabled when
// the name is in active, Disabled otherwise. This is the only way a module
// leaves Uncertain, and it must cover the complete activation set.
func (c *Catalog) ConfirmStates(active []string) {
	activeSet := make(map[string]struct{}, len(active))
	for _, name := range active {
		activeSet[name] = struct{}{}
	}
	for i := range c.Modules {
		if _, ok := activeSet[c.Modules[i].Name]; ok {
			c.Modules[i].State = Enabled
		} else {
			c.Modules[i].State = Disabled
		}
	}
}

// VerifyAllExist reports whether every listed name is in the catalog.
func (c *Catalog) VerifyAllExist(names []string) bool {
	return len(c.Missing(names)) == 0
}

// Missing returns the listed names that are not in the catalog.
func (c *Catalog) Missing(names []string) []string {
	var missing []string
	for _, name := range names {
		if _, ok := c.index[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
