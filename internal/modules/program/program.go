// Package program compiles user "program" artifacts: native (Rust-style
// release builds), JVM (Gradle-style builds), and arbitrary configured
// commands. Because the task set is data-driven (one task per declared
// artifact, not a fixed static id), this module implements registry.Module
// directly instead of going through the single-task TaskSpec helper.
package program

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/modules/util"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/registry"
)

// artifactConfig is the shape every program kind shares.
type artifactConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	Install string `toml:"install"`
}

// RustArtifact builds with `cargo build`.
type RustArtifact struct {
	artifactConfig
	Release  bool   `toml:"release"`
	Artifact string `toml:"artifact"`
}

// JavaArtifact builds with a Gradle wrapper task.
type JavaArtifact struct {
	artifactConfig
	GradleTask string `toml:"gradle_task"`
	Artifact   string `toml:"artifact"`
}

// CustomArtifact runs an arbitrary configured command.
type CustomArtifact struct {
	artifactConfig
	Command  []string `toml:"command"`
	Artifact string   `toml:"artifact"`
}

// Config mirrors [program], [program.rust], [program.java],
// [program.custom]; each is a map keyed by the artifact's id.
type Config struct {
	Rust   map[string]RustArtifact   `toml:"rust"`
	Java   map[string]JavaArtifact   `toml:"java"`
	Custom map[string]CustomArtifact `toml:"custom"`
}

func (c *Config) total() int { return len(c.Rust) + len(c.Java) + len(c.Custom) }

// buildEntry is one artifact flattened across the three kinds, carrying
// everything its task needs.
type buildEntry struct {
	taskID    string
	name      string
	kind      string
	dir       string
	install   string
	artifact  string
	enabled   bool
	rustRel   bool
	javaTask  string
	customCmd []string
}

func entries(cfg *Config) []buildEntry {
	out := make([]buildEntry, 0, cfg.total())
	for name, a := range cfg.Rust {
		out = append(out, buildEntry{
			taskID: "program.rust." + name, name: name, kind: "rust",
			dir: a.Dir, install: a.Install, artifact: a.Artifact,
			enabled: a.Enabled, rustRel: a.Release,
		})
	}
	for name, a := range cfg.Java {
		out = append(out, buildEntry{
			taskID: "program.java." + name, name: name, kind: "java",
			dir: a.Dir, install: a.Install, artifact: a.Artifact,
			enabled: a.Enabled, javaTask: a.GradleTask,
		})
	}
	for name, a := range cfg.Custom {
		out = append(out, buildEntry{
			taskID: "program.custom." + name, name: name, kind: "custom",
			dir: a.Dir, install: a.Install, artifact: a.Artifact,
			enabled: a.Enabled, customCmd: a.Command,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].taskID < out[j].taskID })
	return out
}

func (e buildEntry) run(ectx *registry.ExecContext) error {
	dir, err := ectx.Workspace.ResolveConfigPath(e.dir)
	if err != nil {
		return fmt.Errorf("%s: resolving dir: %w", e.taskID, err)
	}
	switch e.kind {
	case "rust":
		args := []string{"build"}
		if e.rustRel {
			args = append(args, "--release")
		}
		return ectx.RunCmd(ectx.Ctx, e.taskID, dir, "cargo", args, nil)
	case "java":
		task := e.javaTask
		if task == "" {
			task = "build"
		}
		return ectx.RunCmd(ectx.Ctx, e.taskID, dir, "./gradlew", []string{task}, nil)
	case "custom":
		if len(e.customCmd) == 0 {
			return fmt.Errorf("%s: [program.custom.%s].command is required", e.taskID, e.name)
		}
		return ectx.RunCmd(ectx.Ctx, e.taskID, dir, e.customCmd[0], e.customCmd[1:], nil)
	default:
		return fmt.Errorf("%s: unknown program kind %q", e.taskID, e.kind)
	}
}

// Module registers one task per declared artifact plus a final
// program.install task that copies every built artifact into the
// artifact registry under its declared install name.
type Module struct {
	built []buildEntry // populated by Plan, consulted by RegisterTasks/install
}

// ID implements registry.Module.
func (*Module) ID() string { return "program" }

// Detect implements registry.Module.
func (*Module) Detect(doc *configdoc.Doc) bool { return doc.HasTable("program") }

// Plan implements registry.Module.
func (m *Module) Plan(doc *configdoc.Doc, plan *planner.Plan) error {
	cfg, _, err := configdoc.DeserializeAt[Config](doc, "program")
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}
	m.built = entries(cfg)

	installAfter := make([]planner.DepEdge, 0, len(m.built)+1)
	installAfter = append(installAfter, planner.DepEdge{Target: "core.init"})
	for _, e := range m.built {
		if !e.enabled {
			continue
		}
		provide := "program:" + e.name
		if err := plan.Add(&planner.Task{
			ID: e.taskID, Label: "build program " + e.name, Module: "program",
			Phase:    "program",
			After:    []planner.DepEdge{{Target: "core.init"}},
			Provides: []string{provide},
		}); err != nil {
			return err
		}
		installAfter = append(installAfter, planner.DepEdge{Target: provide})
	}

	return plan.Add(&planner.Task{
		ID:       "program.install",
		Label:    "install program artifacts",
		Module:   "program",
		Phase:    "program",
		After:    installAfter,
		Provides: []string{"stage:program-install"},
	})
}

// RegisterTasks implements registry.Module.
func (m *Module) RegisterTasks(r *registry.Registry) {
	for _, e := range m.built {
		if !e.enabled {
			continue
		}
		entry := e
		_ = r.RegisterExec(entry.taskID, func(ectx *registry.ExecContext) error { return entry.run(ectx) })
	}
	_ = r.RegisterExec("program.install", func(ectx *registry.ExecContext) error { return m.install(ectx) })
}

func (m *Module) install(ectx *registry.ExecContext) error {
	dest := util.ArtifactRegistryDir(ectx.Workspace)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("program.install: %w", err)
	}
	for _, e := range m.built {
		if !e.enabled || e.install == "" {
			continue
		}
		dir, err := ectx.Workspace.ResolveConfigPath(e.dir)
		if err != nil {
			return fmt.Errorf("program.install: %w", err)
		}
		artifact := e.artifact
		if artifact == "" {
			artifact = e.name
		}
		name := util.ExpandBuildTemplate(e.install, util.BuildName(ectx.Doc), util.BuildVersion(ectx.Doc))
		if err := util.ValidateRelLikePath(name); err != nil {
			return fmt.Errorf("program.install: %w", err)
		}
		data, err := os.ReadFile(filepath.Join(dir, artifact))
		if err != nil {
			return fmt.Errorf("program.install: reading artifact for %q: %w", e.name, err)
		}
		if err := os.WriteFile(filepath.Join(dest, name), data, 0o755); err != nil {
			return fmt.Errorf("program.install: writing %q: %w", name, err)
		}
		ectx.Log(fmt.Sprintf("installed %s -> %s", e.name, name))
	}
	return nil
}
