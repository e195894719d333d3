// Package stage renders overlay files and systemd units into a staging
// tree (util.StageRootDir). buildroot.configure runs after the stage
// barrier, but no buildroot task reads the staging tree. Each
// declared overlay or unit becomes its own task providing a "stage:*"
// token, so the stage barrier (injected by Plan.FinalizeDefault) waits
// for all of them without any other module enumerating them by name.
package stage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/modules/util"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/registry"
)

// OverlayConfig copies a source tree or file into the staging tree.
type OverlayConfig struct {
	Src  string `toml:"src"`
	Dest string `toml:"dest"`
}

// UnitConfig renders a systemd unit file into the staging tree's unit
// directory, optionally enabling it via a symlink in <target>.wants
// (target defaults to multi-user.target).
type UnitConfig struct {
	Src    string `toml:"src"`
	Name   string `toml:"name"`
	Enable bool   `toml:"enable"`
	Target string `toml:"target"`
}

// Config mirrors [stage].
type Config struct {
	Overlays map[string]OverlayConfig `toml:"overlays"`
	Units    map[string]UnitConfig    `toml:"units"`
}

// Module registers one task per overlay and unit declared under [stage].
type Module struct {
	cfg *Config // populated by Plan, consulted by RegisterTasks
}

// ID implements registry.Module.
func (*Module) ID() string { return "stage" }

// Detect implements registry.Module.
func (*Module) Detect(doc *configdoc.Doc) bool { return doc.HasTable("stage") }

// Plan implements registry.Module.
func (m *Module) Plan(doc *configdoc.Doc, plan *planner.Plan) error {
	cfg, _, err := configdoc.DeserializeAt[Config](doc, "stage")
	if err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	m.cfg = cfg
	for name := range cfg.Overlays {
		taskID := "stage.overlay." + name
		if err := plan.Add(&planner.Task{
			ID: taskID, Label: "stage overlay " + name, Module: "stage", Phase: "stage",
			After:    []planner.DepEdge{{Target: "core.init"}},
			Provides: []string{"stage:overlay-" + name},
		}); err != nil {
			return err
		}
	}
	for name := range cfg.Units {
		taskID := "stage.unit." + name
		if err := plan.Add(&planner.Task{
			ID: taskID, Label: "stage systemd unit " + name, Module: "stage", Phase: "stage",
			After:    []planner.DepEdge{{Target: "core.init"}},
			Provides: []string{"stage:unit-" + name},
		}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTasks implements registry.Module: it registers one executor
// per overlay/unit captured by the preceding Plan call.
func (m *Module) RegisterTasks(r *registry.Registry) {
	if m.cfg == nil {
		return
	}
	for name, o := range m.cfg.Overlays {
		entry := o
		n := name
		_ = r.RegisterExec("stage.overlay."+n, func(ectx *registry.ExecContext) error {
			return runOverlay(entry, n, ectx)
		})
	}
	for name, u := range m.cfg.Units {
		entry := u
		n := name
		_ = r.RegisterExec("stage.unit."+n, func(ectx *registry.ExecContext) error {
			return runUnit(entry, n, ectx)
		})
	}
}

func runOverlay(o OverlayConfig, name string, ectx *registry.ExecContext) error {
	src, err := ectx.Workspace.ResolveConfigPath(o.Src)
	if err != nil {
		return fmt.Errorf("stage.overlay.%s: resolving src: %w", name, err)
	}
	dest := o.Dest
	if dest == "" {
		dest = name
	}
	destPath, err := util.StagePath(ectx.Workspace, dest)
	if err != nil {
		return fmt.Errorf("stage.overlay.%s: %w", name, err)
	}
	if err := copyAny(src, destPath); err != nil {
		return fmt.Errorf("stage.overlay.%s: %w", name, err)
	}
	ectx.Log(fmt.Sprintf("staged overlay %s -> %s", name, dest))
	return nil
}

func runUnit(u UnitConfig, name string, ectx *registry.ExecContext) error {
	src, err := ectx.Workspace.ResolveConfigPath(u.Src)
	if err != nil {
		return fmt.Errorf("stage.unit.%s: resolving src: %w", name, err)
	}
	unitName := u.Name
	if unitName == "" {
		unitName = name + ".service"
	}
	destRel := filepath.Join("etc", "systemd", "system", unitName)
	destPath, err := util.StagePath(ectx.Workspace, destRel)
	if err != nil {
		return fmt.Errorf("stage.unit.%s: %w", name, err)
	}
	if err := copyAny(src, destPath); err != nil {
		return fmt.Errorf("stage.unit.%s: %w", name, err)
	}
	if u.Enable {
		target := u.Target
		if target == "" {
			target = "multi-user.target"
		}
		wantsDir, err := util.StagePath(ectx.Workspace, filepath.Join("etc", "systemd", "system", target+".wants"))
		if err != nil {
			return fmt.Errorf("stage.unit.%s: %w", name, err)
		}
		if err := os.MkdirAll(wantsDir, 0o755); err != nil {
			return fmt.Errorf("stage.unit.%s: %w", name, err)
		}
		link := filepath.Join(wantsDir, unitName)
		_ = os.Remove(link)
		if err := os.Symlink(filepath.Join("..", unitName), link); err != nil {
			return fmt.Errorf("stage.unit.%s: enabling: %w", name, err)
		}
	}
	ectx.Log(fmt.Sprintf("staged unit %s -> %s", name, destRel))
	return nil
}

func copyAny(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst, info.Mode())
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDir(s, d); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := copyFile(s, d, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
