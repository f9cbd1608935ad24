package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/tldr-it-stepankutaj/modkit/internal/activation"
	"github.com/tldr-it-stepankutaj/modkit/internal/catalog"
)

var (
	// ErrUnknownModule marks a request naming modules absent from the
	// catalog. Raised before any mutation, so rejected commands leave both
	// artifacts untouched.
	ErrUnknownModule = errors.New("unknown module")

	// ErrApplyFailed marks a failed external apply. The catalog has already
	// been persisted with the affected modules marked uncertain; the
	// operation itself still failed and `rebuild` is the retry path.
	ErrApplyFailed = errors.New("apply failed")
)

// Applier realizes the current descriptor on the live system. It blocks until
// the attempt finishes and reports success or failure only.
type Applier interface {
	Apply(ctx context.Context) error
}

// Config locates the two persisted artifacts.
type Config struct {
	CatalogPath    string
	DescriptorPath string
}

// ModuleStatus is one row of a status or list query.
type ModuleStatus struct {
	Name  string        `json:"name"`
	Path  string        `json:"path"`
	State catalog.State `json:"state"`
	Desc  string        `json:"desc,omitempty"`
}

// Engine reconciles the desired activation set against the catalog's
// confirmed tri-state record and drives the external applier. One engine
// serves one operation: load, reconcile, persist, done.
type Engine struct {
	cfg     Config
	cat     *catalog.Catalog
	act     *activation.Set
	applier Applier
	logger  *log.Logger
}

// New loads both persisted artifacts and syncs the in-memory catalog with the
// activation set: active modules keep Uncertain if set, otherwise show
// Enabled. The sync is in-memory only; nothing is persisted by construction.
func New(cfg Config, applier Applier, logger *log.Logger) (*Engine, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load module catalog: %w", err)
	}
	act, err := activation.Load(cfg.DescriptorPath)
	if err != nil {
		return nil, fmt.Errorf("load activation set: %w", err)
	}
	e := &Engine{cfg: cfg, cat: cat, act: act, applier: applier, logger: logger}
	for _, name := range act.Names() {
		if cat.StateOf(name) != catalog.Uncertain {
			cat.SetState(name, catalog.Enabled)
		}
	}
	return e, nil
}

// EffectiveState derives the externally observable state of a module.
// Uncertain outranks activation membership: an unresolved prior apply wins
// over the desired-state signal until confirmed.
func (e *Engine) EffectiveState(name string) catalog.State {
	if e.cat.StateOf(name) == catalog.Uncertain {
		return catalog.Uncertain
	}
	if e.act.Contains(name) {
		return catalog.Enabled
	}
	return catalog.Disabled
}

// VerifyExist rejects requests naming modules outside the catalog.
func (e *Engine) VerifyExist(names []string) error {
	if missing := e.cat.Missing(names); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownModule, strings.Join(missing, ", "))
	}
	return nil
}

// Status resolves the effective state of each named module. Pure read.
func (e *Engine) Status(names []string) ([]ModuleStatus, error) {
	if err := e.VerifyExist(names); err != nil {
		return nil, err
	}
	out := make([]ModuleStatus, 0, len(names))
	for _, name := range names {
		m, _ := e.cat.Get(name)
		out = append(out, ModuleStatus{
			Name:  name,
			Path:  m.Path,
			State: e.EffectiveState(name),
			Desc:  m.Desc,
		})
	}
	return out, nil
}

// List returns every cataloged module with its effective state. Pure read.
func (e *Engine) List() []ModuleStatus {
	out := make([]ModuleStatus, 0, len(e.cat.Modules))
	for _, m := range e.cat.Modules {
		out = append(out, ModuleStatus{
			Name:  m.Name,
			Path:  m.Path,
			State: e.EffectiveState(m.Name),
			Desc:  m.Desc,
		})
	}
	return out
}

// ActiveNames returns the current activation set contents.
func (e *Engine) ActiveNames() []string {
	return e.act.Names()
}

// Enable activates the named modules. Modules already effectively enabled are
// left alone; disabled ones are optimistically marked Uncertain before the
// apply. Reports whether anything changed.
func (e *Engine) Enable(ctx context.Context, names []string, force bool) (bool, error) {
	if err := e.VerifyExist(names); err != nil {
		return false, err
	}

	changed := false
	for _, name := range names {
		switch e.EffectiveState(name) {
		case catalog.Enabled:
			e.logger.Info("module already enabled", "module", name)
		case catalog.Uncertain:
			e.logger.Warn("module is in an uncertain state, retrying apply", "module", name)
			changed = true
		case catalog.Disabled:
			e.cat.SetState(name, catalog.Uncertain)
			changed = true
		}
	}
	if e.act.AddAll(names) {
		changed = true
	}

	if !changed && !force {
		e.logger.Info("no changes needed, skipping apply")
		return false, nil
	}
	return changed, e.apply(ctx)
}

// Disable deactivates the named modules, symmetric to Enable.
func (e *Engine) Disable(ctx context.Context, names []string, force bool) (bool, error) {
	if err := e.VerifyExist(names); err != nil {
		return false, err
	}

	changed := false
	for _, name := range names {
		switch e.EffectiveState(name) {
		case catalog.Enabled:
			e.logger.Info("disabling module", "module", name)
			e.cat.SetState(name, catalog.Uncertain)
			changed = true
		case catalog.Uncertain:
			e.logger.Warn("module is in an uncertain state, retrying apply", "module", name)
			changed = true
		case catalog.Disabled:
			e.logger.Info("module already disabled", "module", name)
		}
	}
	if e.act.RemoveAll(names) {
		changed = true
	}

	if !changed && !force {
		e.logger.Info("no changes needed, skipping apply")
		return false, nil
	}
	return changed, e.apply(ctx)
}

// Reset deactivates everything, returning to the base system.
func (e *Engine) Reset(ctx context.Context, force bool) (bool, error) {
	if e.act.Len() == 0 && !force {
		e.logger.Info("already at base system, skipping apply")
		return false, nil
	}
	changed := e.act.Len() > 0
	e.cat.MarkUncertain(e.act.Names())
	e.act.Clear()
	return changed, e.apply(ctx)
}

// Rebuild re-applies the unchanged activation set. This is the retry path for
// modules stuck in Uncertain. The desired state never changes here, so unlike
// Enable/Disable/Reset the returned bool reports whether an apply ran, not
// whether anything changed.
func (e *Engine) Rebuild(ctx context.Context, force bool) (bool, error) {
	if e.act.Len() == 0 && !force {
		e.logger.Info("no active modules to rebuild")
		return false, nil
	}
	if e.act.Len() == 0 {
		e.logger.Info("rebuilding base system only")
	} else {
		e.logger.Info("rebuilding with active modules", "modules", e.act.Names())
	}
	return true, e.apply(ctx)
}

// apply is the shared apply step: write the descriptor, invoke the external
// applier, fold the outcome back into the catalog. The descriptor is written
// before the catalog so that a write failure leaves the catalog untouched and
// the inconsistency window stays at "apply never attempted".
func (e *Engine) apply(ctx context.Context) error {
	skipped, err := e.act.Save(e.cfg.DescriptorPath, e.cat)
	for _, name := range skipped {
		e.logger.Warn("active module missing from catalog, left out of descriptor", "module", name)
	}
	if err != nil {
		return err
	}
	e.logger.Info("descriptor generated", "path", e.cfg.DescriptorPath)

	if applyErr := e.applier.Apply(ctx); applyErr != nil {
		e.logger.Warn("active modules marked uncertain after failed apply")
		e.cat.MarkUncertain(e.act.Names())
		if saveErr := e.cat.Save(e.cfg.CatalogPath); saveErr != nil {
			return fmt.Errorf("%w: %v (catalog save also failed: %v)", ErrApplyFailed, applyErr, saveErr)
		}
		return fmt.Errorf("%w: %v", ErrApplyFailed, applyErr)
	}

	e.cat.ConfirmStates(e.act.Names())
	if err := e.cat.Save(e.cfg.CatalogPath); err != nil {
		return fmt.Errorf("save catalog after successful apply: %w", err)
	}
	return nil
}
