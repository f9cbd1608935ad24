package system

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/charmbracelet/log"
)

// NixApplier realizes the generated descriptor by rebuilding the system flake
// in Dir. It blocks until the rebuild finishes; cancellation is the caller's
// context, not a timeout of its own.
type NixApplier struct {
	Dir    string
	Logger *log.Logger
}

// Apply updates the flake inputs and test-activates the configuration. A
// failed flake update is logged and tolerated; a failed rebuild is the error
// the engine folds back into the catalog.
func (a NixApplier) Apply(ctx context.Context) error {
	a.Logger.Info("updating flake", "dir", a.Dir)
	update := exec.CommandContext(ctx, "nix", "flake", "update", "--accept-flake-config", "--impure")
	update.Dir = a.Dir
	update.Stdout = os.Stdout
	update.Stderr = os.Stderr
	if err := update.Run(); err != nil {
		a.Logger.Warn("flake update failed, continuing", "err", err)
	}

	a.Logger.Info("applying configuration")
	rebuild := exec.CommandContext(ctx, "nixos-rebuild",
		"test", "--accept-flake-config", "--impure", "--flake", ".#runtime")
	rebuild.Dir = a.Dir
	rebuild.Stdout = os.Stdout
	rebuild.Stderr = os.Stderr
	if err := rebuild.Run(); err != nil {
		return fmt.Errorf("nixos-rebuild test: %w", err)
	}
	return nil
}

// EnsureRoot guarantees the process holds root before a mutating operation.
// When it does not, the same logical command is re-invoked through sudo with
// its force flag and extra flags passed through, and the process exits with
// the child's exit code. On return the caller is guaranteed to be root.
func EnsureRoot(logger *log.Logger, action string, args []string, force bool, extraFlags ...string) error {
	if os.Geteuid() == 0 {
		return nil
	}
	logger.Info("elevated privileges are required for this action")

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve current executable: %w", err)
	}

	sudoArgs := []string{exe}
	if force {
		sudoArgs = append(sudoArgs, "--force")
	}
	sudoArgs = append(sudoArgs, extraFlags...)
	sudoArgs = append(sudoArgs, action)
	sudoArgs = append(sudoArgs, args...)

	cmd := exec.Command("sudo", sudoArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err = cmd.Run()
	if err == nil {
		os.Exit(0)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		os.Exit(exitErr.ExitCode())
	}
	return fmt.Errorf("re-exec through sudo: %w", err)
}
