// Command forge is the CLI entry point: plan/run/resolve/tui over a
// build.toml, wired with cobra the same way the teacher's cmd/devcmd
// wires rootCmd and subcommands with PersistentFlags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forge-build/forge/internal/checkpoint"
	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/executor"
	"github.com/forge-build/forge/internal/inputs"
	"github.com/forge-build/forge/internal/modules/buildroot"
	"github.com/forge-build/forge/internal/modules/checkpoints"
	"github.com/forge-build/forge/internal/modules/core"
	"github.com/forge-build/forge/internal/modules/program"
	"github.com/forge-build/forge/internal/modules/stage"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/registry"
	"github.com/forge-build/forge/internal/workspace"
)

var (
	dotOut      bool
	dryRun      bool
	maxParallel int
	serial      bool
	buildsDir   string
	inputFlags  []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == executor.ErrCancelled {
		return 130
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Declarative, reproducible Linux image builder",
	Long: `forge turns a build.toml description of a target image into a task
graph, orders it, and executes it -- fetching and building the upstream
build framework, staging overlays and units, compiling program artifacts,
and restoring/capturing a content-addressed checkpoint store along the way.`,
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would run without executing it")
	runCmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "bounded worker pool size (0 = number of CPU cores)")
	runCmd.Flags().BoolVar(&serial, "serial", false, "run tasks one at a time in topological order")
	runCmd.Flags().StringArrayVar(&inputFlags, "input", nil, "override an input option, name=value")

	planCmd.Flags().BoolVar(&dotOut, "dot", false, "render the plan as a GraphViz digraph instead of a task list")

	tuiCmd.Flags().StringVar(&buildsDir, "builds-dir", ".", "directory to scan for build.toml files")
	tuiCmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "bounded worker pool size (0 = number of CPU cores)")

	rootCmd.AddCommand(planCmd, runCmd, resolveCmd, tuiCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan <build.toml>",
	Short: "Resolve the task graph and print its order (or DOT)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, plan, err := buildPlan(args[0])
		if err != nil {
			return err
		}
		if dotOut {
			fmt.Println(plan.ToDot())
			return nil
		}
		order, err := plan.Ordered()
		if err != nil {
			return err
		}
		for _, id := range order {
			fmt.Println(id)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <build.toml>",
	Short: "Execute the plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := newRegistry()
		doc, plan, err := buildPlanWith(reg, args[0])
		if err != nil {
			return err
		}
		ws, err := workspace.LoadPaths(doc)
		if err != nil {
			return err
		}

		sink := executor.NewStdoutSink(ws.BuildDir)
		exec := executor.New(reg, plan, sink, executor.Config{
			Serial:      serial,
			MaxParallel: maxParallel,
			DryRun:      dryRun,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			for range sigCh {
				exec.RequestCancel()
			}
		}()

		return exec.Run(ctx, doc, ws)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <build.toml>",
	Short: "Resolve and print input values and checkpoint point status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := configdoc.Load(args[0])
		if err != nil {
			return err
		}
		overrides, err := parseInputOverrides(inputFlags)
		if err != nil {
			return err
		}
		resolver, err := inputs.NewResolver(doc, overrides)
		if err != nil {
			return err
		}
		resolved, err := resolver.Resolve()
		if err != nil {
			return err
		}
		fmt.Println("inputs:")
		for name, v := range resolved {
			fmt.Printf("  %s = %v\n", name, v)
		}
		return printCheckpointStatus(doc)
	},
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive terminal UI over builds found under --builds-dir",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("tui: terminal UI rendering is outside the core builder; use 'forge plan' or 'forge run' directly against a build under %s", buildsDir)
	},
}

func parseInputOverrides(flags []string) (map[string]string, error) {
	out := map[string]string{}
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("--input %q: expected name=value", f)
		}
		out[name] = value
	}
	return out, nil
}

// newRegistry builds the static module catalogue. checkpoints is
// registered last: its Plan call needs every anchor-owning module's
// tasks already present in the plan.
func newRegistry() *registry.Registry {
	reg := registry.New()
	_ = reg.RegisterModule(core.Module{})
	_ = reg.RegisterModule(buildroot.Module{})
	_ = reg.RegisterModule(&program.Module{})
	_ = reg.RegisterModule(&stage.Module{})
	_ = reg.RegisterModule(&checkpoints.Module{})
	return reg
}

func buildPlan(path string) (*configdoc.Doc, *planner.Plan, error) {
	return buildPlanWith(newRegistry(), path)
}

func buildPlanWith(reg *registry.Registry, path string) (*configdoc.Doc, *planner.Plan, error) {
	doc, err := configdoc.Load(path)
	if err != nil {
		return nil, nil, err
	}
	plan := planner.New()
	if err := reg.PlanAll(doc, plan); err != nil {
		return nil, nil, err
	}
	return doc, plan, nil
}

func printCheckpointStatus(doc *configdoc.Doc) error {
	cfg, ok, err := configdoc.DeserializeAt[checkpoint.Config](doc, "checkpoints")
	if err != nil {
		return err
	}
	if !ok || !cfg.Enabled {
		return nil
	}
	ws, err := workspace.LoadPaths(doc)
	if err != nil {
		return err
	}
	dir, err := ws.ResolveUnderBuild("checkpoints")
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(dir)
	if err != nil {
		return err
	}
	fmt.Println("checkpoints:")
	for id, point := range cfg.Points {
		point.ID = id
		fingerprint, _, err := checkpoint.ComputeFingerprint(point, doc)
		if err != nil {
			return err
		}
		exists := store.HasManifest(point.ID, fingerprint)
		fmt.Printf("  %s: fingerprint=%s exists=%v\n", id, fingerprint, exists)
	}
	return nil
}
