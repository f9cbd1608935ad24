package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tldr-it-stepankutaj/modkit/internal/app"
	"github.com/tldr-it-stepankutaj/modkit/internal/catalog"
	"github.com/tldr-it-stepankutaj/modkit/internal/engine"
	"github.com/tldr-it-stepankutaj/modkit/internal/system"
	"github.com/tldr-it-stepankutaj/modkit/internal/tui"
	"github.com/tldr-it-stepankutaj/modkit/internal/workspace"
	"github.com/tldr-it-stepankutaj/modkit/pkg/version"
)

// upstreamPrefix separates modules shipped with the base system from
// user-defined ones in list output.
const upstreamPrefix = "base."

var rootCmd = &cobra.Command{
	Use:           "modkit",
	Short:         "modkit: toggle optional system modules on a fixed base system",
	Long:          "modkit toggles optional configuration modules layered on a fixed base system and keeps a durable record of each module's confirmed state across applies.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Persistent flags (available to all subcommands).
	rootCmd.PersistentFlags().String("state-dir", "/run/modkit", "Directory holding the catalog and generated descriptor")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output results in JSON format")
	rootCmd.PersistentFlags().BoolP("force", "f", false, "Apply even if no changes are detected")

	// Bind flags to Viper.
	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))

	// Env support: MODKIT_STATE_DIR, MODKIT_LOG_LEVEL, etc.
	viper.SetEnvPrefix("MODKIT")
	viper.AutomaticEnv()

	// Register subcommands.
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

// Helper to create app context.
func createAppContext() (app.Context, error) {
	cfg := app.MustLoadConfigFromViper()
	ws, err := workspace.Ensure(cfg.StateDir)
	if err != nil {
		return app.Context{}, err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: level})
	return app.Context{
		Ctx:       context.Background(),
		Config:    cfg,
		Workspace: ws,
		Logger:    logger,
		Now:       time.Now(),
	}, nil
}

func newEngine(appCtx app.Context) (*engine.Engine, error) {
	applier := system.NixApplier{
		Dir:    appCtx.Config.StateDir,
		Logger: appCtx.Logger,
	}
	return engine.New(engine.Config{
		CatalogPath:    appCtx.Config.CatalogPath(),
		DescriptorPath: appCtx.Config.DescriptorPath(),
	}, applier, appCtx.Logger)
}

// verifyModules rejects requests naming unknown modules before anything is
// elevated or mutated, printing the available modules for orientation.
func verifyModules(appCtx app.Context, names []string) error {
	eng, err := newEngine(appCtx)
	if err != nil {
		return err
	}
	if err := eng.VerifyExist(names); err != nil {
		fmt.Println(errorStyle.Render("error: one or more modules not found"))
		printModuleList(eng.List())
		return err
	}
	return nil
}

// passthroughFlags reproduces the relevant persistent flags on the elevated
// re-exec so the child operates on the same state dir.
func passthroughFlags(cfg app.Config) []string {
	return []string{"--state-dir", cfg.StateDir, "--log-level", cfg.LogLevel}
}

// `init` subcommand to initialize the state directory layout.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the state directory structure",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.MustLoadConfigFromViper()
		ws, err := workspace.Ensure(cfg.StateDir)
		if err != nil {
			return err
		}
		fmt.Printf("State directory ready at: %s\n", ws.Root)
		return nil
	},
}

// `list` subcommand: all modules with their effective state.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx, err := createAppContext()
		if err != nil {
			return err
		}
		eng, err := newEngine(appCtx)
		if err != nil {
			return err
		}
		items := eng.List()

		if viper.GetBool("json") {
			user, upstream := partitionModules(items)
			return printJSON(categorizedModules{UserModules: user, UpstreamModules: upstream})
		}
		printModuleList(items)
		return nil
	},
}

// categorizedModules shapes the JSON list output.
type categorizedModules struct {
	UserModules     []engine.ModuleStatus `json:"user_modules"`
	UpstreamModules []engine.ModuleStatus `json:"upstream_modules"`
}

func partitionModules(items []engine.ModuleStatus) (user, upstream []engine.ModuleStatus) {
	user = []engine.ModuleStatus{}
	upstream = []engine.ModuleStatus{}
	for _, item := range items {
		if strings.HasPrefix(item.Name, upstreamPrefix) {
			upstream = append(upstream, item)
		} else {
			user = append(user, item)
		}
	}
	return user, upstream
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printModuleList(items []engine.ModuleStatus) {
	if len(items) == 0 {
		fmt.Println("no modules available")
		return
	}

	user, upstream := partitionModules(items)

	maxName := 0
	for _, item := range items {
		if len(item.Name) > maxName {
			maxName = len(item.Name)
		}
	}

	fmt.Println(titleStyle.Render("Available modules:"))
	for _, item := range user {
		printModuleRow(item, maxName)
	}
	if len(upstream) > 0 {
		if len(user) > 0 {
			fmt.Println()
			fmt.Println(titleStyle.Render("Upstream modules:"))
		}
		for _, item := range upstream {
			printModuleRow(item, maxName)
		}
	}
}

func printModuleRow(item engine.ModuleStatus, maxName int) {
	marker := stateMarker(item.State)
	padded := fmt.Sprintf("%-*s", maxName, item.Name)
	if item.Desc == "" {
		fmt.Printf("  %s %s\n", marker, padded)
		return
	}
	fmt.Printf("  %s %s  %s\n", marker, padded, mutedStyle.Render(item.Desc))
}

func stateMarker(s catalog.State) string {
	switch s {
	case catalog.Enabled:
		return successStyle.Render("[✓]")
	case catalog.Uncertain:
		return warningStyle.Render("[?]")
	default:
		return "[ ]"
	}
}

// `status` subcommand: effective state per named module. Exits non-zero when
// any queried module is not enabled.
var statusCmd = &cobra.Command{
	Use:   "status <module>...",
	Short: "Show module status (enabled/disabled/uncertain)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx, err := createAppContext()
		if err != nil {
			return err
		}
		eng, err := newEngine(appCtx)
		if err != nil {
			return err
		}
		statuses, err := eng.Status(args)
		if errors.Is(err, engine.ErrUnknownModule) {
			fmt.Println(errorStyle.Render("error: one or more modules not found"))
			printModuleList(eng.List())
			return err
		}
		if err != nil {
			return err
		}

		if viper.GetBool("json") {
			if err := printJSON(statuses); err != nil {
				return err
			}
		} else {
			for _, s := range statuses {
				fmt.Println(s.State)
			}
		}

		for _, s := range statuses {
			if s.State != catalog.Enabled {
				os.Exit(1)
			}
		}
		return nil
	},
}

// `enable` subcommand.
var enableCmd = &cobra.Command{
	Use:   "enable <module>...",
	Short: "Build and enable one or more modules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation("enable", args, func(ctx context.Context, eng *engine.Engine, force bool) (bool, error) {
			return eng.Enable(ctx, args, force)
		})
	},
}

// `disable` subcommand.
var disableCmd = &cobra.Command{
	Use:   "disable <module>...",
	Short: "Disable one or more specific modules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation("disable", args, func(ctx context.Context, eng *engine.Engine, force bool) (bool, error) {
			return eng.Disable(ctx, args, force)
		})
	},
}

// `reset` subcommand.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Disable all modules (revert to base system)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation("reset", nil, func(ctx context.Context, eng *engine.Engine, force bool) (bool, error) {
			return eng.Reset(ctx, force)
		})
	},
}

// `rebuild` subcommand: re-applies the current activation set; the retry path
// for modules left uncertain by a failed apply.
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-apply the system with currently enabled modules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation("rebuild", nil, func(ctx context.Context, eng *engine.Engine, force bool) (bool, error) {
			return eng.Rebuild(ctx, force)
		})
	},
}

// runMutation is the shared path of the four mutating commands: verify the
// request, guarantee root (re-exec through sudo when needed), then run the
// operation against a freshly loaded engine.
func runMutation(action string, names []string, op func(context.Context, *engine.Engine, bool) (bool, error)) error {
	appCtx, err := createAppContext()
	if err != nil {
		return err
	}
	force := viper.GetBool("force")

	if len(names) > 0 {
		if err := verifyModules(appCtx, names); err != nil {
			return err
		}
	}
	if err := system.EnsureRoot(appCtx.Logger, action, names, force, passthroughFlags(appCtx.Config)...); err != nil {
		return err
	}

	eng, err := newEngine(appCtx)
	if err != nil {
		return err
	}
	changed, err := op(appCtx.Ctx, eng, force)
	if err != nil {
		return err
	}
	if changed || force {
		fmt.Println(successStyle.Render(fmt.Sprintf("%s completed successfully", action)))
	}
	return nil
}

// `tui` subcommand: interactive module browser.
var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Browse modules interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx, err := createAppContext()
		if err != nil {
			return err
		}
		eng, err := newEngine(appCtx)
		if err != nil {
			return err
		}
		return tui.Run(appCtx, eng.List())
	},
}

// `version` subcommand.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
