package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/tldr-it-stepankutaj/modkit/internal/activation"
	"github.com/tldr-it-stepankutaj/modkit/internal/catalog"
)

type fakeApplier struct {
	calls int
	err   error
}

func (f *fakeApplier) Apply(ctx context.Context) error {
	f.calls++
	return f.err
}

// newTestEngine seeds a state dir with a three-module catalog, all disabled,
// and returns an engine over it backed by the given applier.
func newTestEngine(t *testing.T, dir string, applier Applier) *Engine {
	t.Helper()

	cfg := Config{
		CatalogPath:    filepath.Join(dir, "modules.json"),
		DescriptorPath: filepath.Join(dir, "modules.nix"),
	}
	if _, err := os.Stat(cfg.CatalogPath); os.IsNotExist(err) {
		cat, err := catalog.New([]Module{
			{Name: "test1", Path: "/nix/store/aaa-test1.nix", Desc: "first"},
			{Name: "test2", Path: "/nix/store/bbb-test2.nix"},
			{Name: "test3", Path: "/nix/store/ccc-test3.nix"},
		})
		if err != nil {
			t.Fatalf("catalog.New: %v", err)
		}
		if err := cat.Save(cfg.CatalogPath); err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}

	e, err := New(cfg, applier, log.New(io.Discard))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return e
}

type Module = catalog.Module

func states(t *testing.T, e *Engine, names ...string) []catalog.State {
	t.Helper()
	st, err := e.Status(names)
	if err != nil {
		t.Fatalf("Status(%v): %v", names, err)
	}
	out := make([]catalog.State, len(st))
	for i, s := range st {
		out[i] = s.State
	}
	return out
}

func TestEnableSucceedingApply(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	applier := &fakeApplier{}
	e := newTestEngine(t, dir, applier)

	changed, err := e.Enable(context.Background(), []string{"test1"}, false)
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !changed {
		t.Fatal("Enable reported no change")
	}
	if applier.calls != 1 {
		t.Fatalf("applier calls = %d", applier.calls)
	}

	got := states(t, e, "test1", "test2", "test3")
	want := []catalog.State{catalog.Enabled, catalog.Disabled, catalog.Disabled}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}

	// Everything survives a fresh load.
	reloaded := newTestEngine(t, dir, &fakeApplier{})
	if got := reloaded.EffectiveState("test1"); got != catalog.Enabled {
		t.Fatalf("EffectiveState(test1) after reload = %v", got)
	}
}

func TestEnableFailingApplyMarksUncertain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{err: errors.New("rebuild blew up")})

	changed, err := e.Enable(context.Background(), []string{"test1"}, false)
	if !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("Enable err = %v, want ErrApplyFailed", err)
	}
	if !changed {
		t.Fatal("Enable reported no change despite transition")
	}

	// The uncertain marking must be durable, not just in memory.
	reloaded := newTestEngine(t, dir, &fakeApplier{})
	if got := reloaded.EffectiveState("test1"); got != catalog.Uncertain {
		t.Fatalf("EffectiveState(test1) after failed apply = %v", got)
	}

	// Rebuild is the documented retry path.
	applied, err := reloaded.Rebuild(context.Background(), true)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !applied {
		t.Fatal("Rebuild did not apply")
	}
	if got := reloaded.EffectiveState("test1"); got != catalog.Enabled {
		t.Fatalf("EffectiveState(test1) after rebuild = %v", got)
	}
}

func TestEnableIdempotentNoOp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	if _, err := e.Enable(context.Background(), []string{"test1"}, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	descriptor, err := os.ReadFile(filepath.Join(dir, "modules.nix"))
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}

	applier := &fakeApplier{}
	again := newTestEngine(t, dir, applier)
	changed, err := again.Enable(context.Background(), []string{"test1"}, false)
	if err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if changed {
		t.Fatal("second Enable reported change")
	}
	if applier.calls != 0 {
		t.Fatalf("applier called %d times on a no-op", applier.calls)
	}
	after, err := os.ReadFile(filepath.Join(dir, "modules.nix"))
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	if string(after) != string(descriptor) {
		t.Fatal("descriptor rewritten on a no-op")
	}
}

func TestEnableForceAppliesWithoutChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	if _, err := e.Enable(context.Background(), []string{"test1"}, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	applier := &fakeApplier{}
	again := newTestEngine(t, dir, applier)
	changed, err := again.Enable(context.Background(), []string{"test1"}, true)
	if err != nil {
		t.Fatalf("forced Enable: %v", err)
	}
	if changed {
		t.Fatal("forced Enable reported change")
	}
	if applier.calls != 1 {
		t.Fatalf("applier calls = %d", applier.calls)
	}
}

func TestDisableAlreadyDisabledIsNoOp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	applier := &fakeApplier{}
	e := newTestEngine(t, dir, applier)

	changed, err := e.Disable(context.Background(), []string{"test1"}, false)
	if err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if changed {
		t.Fatal("Disable of disabled module reported change")
	}
	if applier.calls != 0 {
		t.Fatalf("applier calls = %d", applier.calls)
	}
}

func TestDisableEnabledModule(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	if _, err := e.Enable(context.Background(), []string{"test1", "test2"}, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	applier := &fakeApplier{}
	again := newTestEngine(t, dir, applier)
	changed, err := again.Disable(context.Background(), []string{"test1"}, false)
	if err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if !changed || applier.calls != 1 {
		t.Fatalf("changed = %v, applier calls = %d", changed, applier.calls)
	}

	got := states(t, again, "test1", "test2")
	if got[0] != catalog.Disabled || got[1] != catalog.Enabled {
		t.Fatalf("states = %v", got)
	}
}

func TestResetEmptySetIsNoOp(t *testing.T) {
	t.Parallel()

	applier := &fakeApplier{}
	e := newTestEngine(t, t.TempDir(), applier)

	changed, err := e.Reset(context.Background(), false)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if changed || applier.calls != 0 {
		t.Fatalf("changed = %v, applier calls = %d", changed, applier.calls)
	}
}

func TestResetClearsActivation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	if _, err := e.Enable(context.Background(), []string{"test1", "test3"}, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	again := newTestEngine(t, dir, &fakeApplier{})
	changed, err := again.Reset(context.Background(), false)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !changed {
		t.Fatal("Reset reported no change")
	}

	reloaded := newTestEngine(t, dir, &fakeApplier{})
	if n := len(reloaded.ActiveNames()); n != 0 {
		t.Fatalf("%d active modules after reset", n)
	}
	got := states(t, reloaded, "test1", "test2", "test3")
	for i, s := range got {
		if s != catalog.Disabled {
			t.Fatalf("state %d = %v after reset", i, s)
		}
	}
}

func TestNewSyncsCatalogWithDescriptor(t *testing.T) {
	t.Parallel()

	// Crash window: the descriptor already lists active modules while the
	// catalog still carries the pre-apply record.
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "modules.json")
	descriptorPath := filepath.Join(dir, "modules.nix")

	cat, err := catalog.New([]Module{
		{Name: "test1", Path: "/nix/store/aaa-test1.nix"},
		{Name: "test2", Path: "/nix/store/bbb-test2.nix", State: catalog.Uncertain},
		{Name: "test3", Path: "/nix/store/ccc-test3.nix"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	if err := cat.Save(catalogPath); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	if _, err := activation.FromNames([]string{"test1", "test2"}).Save(descriptorPath, cat); err != nil {
		t.Fatalf("seed descriptor: %v", err)
	}

	e, err := New(Config{CatalogPath: catalogPath, DescriptorPath: descriptorPath}, &fakeApplier{}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	// Active and not uncertain: surfaced as enabled despite the stale
	// disabled record.
	if got := e.EffectiveState("test1"); got != catalog.Enabled {
		t.Fatalf("EffectiveState(test1) = %v, want enabled", got)
	}
	// An unresolved prior apply survives the sync.
	if got := e.EffectiveState("test2"); got != catalog.Uncertain {
		t.Fatalf("EffectiveState(test2) = %v, want uncertain", got)
	}
	if got := e.EffectiveState("test3"); got != catalog.Disabled {
		t.Fatalf("EffectiveState(test3) = %v, want disabled", got)
	}

	list := e.List()
	if list[0].State != catalog.Enabled || list[1].State != catalog.Uncertain || list[2].State != catalog.Disabled {
		t.Fatalf("List states = %v %v %v", list[0].State, list[1].State, list[2].State)
	}

	// The sync is in-memory only; construction persists nothing.
	onDisk, err := catalog.Load(catalogPath)
	if err != nil {
		t.Fatalf("reload catalog: %v", err)
	}
	if got := onDisk.StateOf("test1"); got != catalog.Disabled {
		t.Fatalf("on-disk state of test1 = %v, want disabled", got)
	}
}

func TestRebuildEmptySetIsNoOp(t *testing.T) {
	t.Parallel()

	applier := &fakeApplier{}
	e := newTestEngine(t, t.TempDir(), applier)

	applied, err := e.Rebuild(context.Background(), false)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if applied || applier.calls != 0 {
		t.Fatalf("applied = %v, applier calls = %d", applied, applier.calls)
	}
}

func TestRebuildForceAppliesEmptySet(t *testing.T) {
	t.Parallel()

	applier := &fakeApplier{}
	e := newTestEngine(t, t.TempDir(), applier)

	applied, err := e.Rebuild(context.Background(), true)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !applied || applier.calls != 1 {
		t.Fatalf("applied = %v, applier calls = %d", applied, applier.calls)
	}
}

func TestConfirmSweepsStaleUncertain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	failing := newTestEngine(t, dir, &fakeApplier{err: errors.New("boom")})
	if _, err := failing.Enable(context.Background(), []string{"test2"}, false); !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("Enable err = %v", err)
	}

	// A later successful apply confirms the whole activation set, resolving
	// the stale uncertain entry from the failed attempt too.
	e := newTestEngine(t, dir, &fakeApplier{})
	if _, err := e.Enable(context.Background(), []string{"test1"}, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	got := states(t, e, "test1", "test2")
	if got[0] != catalog.Enabled || got[1] != catalog.Enabled {
		t.Fatalf("states = %v", got)
	}
}

func TestUnknownModuleRejectedBeforeMutation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	applier := &fakeApplier{}
	e := newTestEngine(t, dir, applier)

	before, err := os.ReadFile(filepath.Join(dir, "modules.json"))
	if err != nil {
		t.Fatalf("read catalog: %v", err)
	}

	if _, err := e.Enable(context.Background(), []string{"test1", "ghost"}, false); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("Enable err = %v, want ErrUnknownModule", err)
	}
	if _, err := e.Status([]string{"ghost"}); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("Status err = %v, want ErrUnknownModule", err)
	}
	if applier.calls != 0 {
		t.Fatalf("applier calls = %d", applier.calls)
	}

	after, err := os.ReadFile(filepath.Join(dir, "modules.json"))
	if err != nil {
		t.Fatalf("read catalog: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("catalog mutated by rejected command")
	}
	if _, err := os.Stat(filepath.Join(dir, "modules.nix")); !os.IsNotExist(err) {
		t.Fatal("descriptor written by rejected command")
	}
}

func TestUncertainOutranksActivation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	failing := newTestEngine(t, dir, &fakeApplier{err: errors.New("boom")})
	if _, err := failing.Enable(context.Background(), []string{"test1"}, false); !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("Enable err = %v", err)
	}

	// test1 is in the activation set, but the unresolved apply wins.
	e := newTestEngine(t, dir, &fakeApplier{})
	if got := e.EffectiveState("test1"); got != catalog.Uncertain {
		t.Fatalf("EffectiveState(test1) = %v", got)
	}
}

func TestListCoversWholeCatalog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	if _, err := e.Enable(context.Background(), []string{"test2"}, false); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	list := e.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d rows", len(list))
	}
	if list[0].Name != "test1" || list[0].State != catalog.Disabled {
		t.Fatalf("row 0 = %+v", list[0])
	}
	if list[1].Name != "test2" || list[1].State != catalog.Enabled || list[1].Path == "" {
		t.Fatalf("row 1 = %+v", list[1])
	}
}
