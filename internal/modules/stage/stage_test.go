package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/modules/util"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/registry"
	"github.com/forge-build/forge/internal/workspace"
)

func testWorkspace(t *testing.T) *workspace.Paths {
	t.Helper()
	root := t.TempDir()
	return &workspace.Paths{
		Root:     root,
		BuildDir: filepath.Join(root, "build"),
		OutDir:   filepath.Join(root, "out"),
		Named:    map[string]string{},
	}
}

func TestModulePlanRegistersOverlaysAndUnits(t *testing.T) {
	doc := &configdoc.Doc{
		Path: "build.toml",
		Value: map[string]interface{}{
			"stage": map[string]interface{}{
				"overlays": map[string]interface{}{
					"rootfs": map[string]interface{}{"src": "overlays/rootfs", "dest": "."},
				},
				"units": map[string]interface{}{
					"agent": map[string]interface{}{"src": "units/agent.service", "enable": true},
				},
			},
		},
	}
	plan := planner.New()
	if err := plan.Add(&planner.Task{ID: "core.init", Provides: []string{"core:init"}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	m := &Module{}
	if err := m.Plan(doc, plan); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, ok := plan.Tasks()["stage.overlay.rootfs"]; !ok {
		t.Fatalf("expected stage.overlay.rootfs task")
	}
	if _, ok := plan.Tasks()["stage.unit.agent"]; !ok {
		t.Fatalf("expected stage.unit.agent task")
	}
}

func TestRunOverlayCopiesDirectoryTree(t *testing.T) {
	ws := testWorkspace(t)
	src := filepath.Join(ws.Root, "overlays", "rootfs")
	if err := os.MkdirAll(filepath.Join(src, "etc"), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "etc", "hostname"), []byte("gw\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ectx := &registry.ExecContext{Ctx: context.Background(), Workspace: ws, Log: func(string) {}}
	o := OverlayConfig{Src: "overlays/rootfs", Dest: "."}
	if err := runOverlay(o, "rootfs", ectx); err != nil {
		t.Fatalf("runOverlay: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(util.StageRootDir(ws), "etc", "hostname"))
	if err != nil {
		t.Fatalf("expected staged file: %v", err)
	}
	if string(got) != "gw\n" {
		t.Fatalf("unexpected staged content: %q", got)
	}
}

func TestRunUnitEnablesWithSymlink(t *testing.T) {
	ws := testWorkspace(t)
	src := filepath.Join(ws.Root, "units", "agent.service")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(src, []byte("[Unit]\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ectx := &registry.ExecContext{Ctx: context.Background(), Workspace: ws, Log: func(string) {}}
	u := UnitConfig{Src: "units/agent.service", Enable: true}
	if err := runUnit(u, "agent", ectx); err != nil {
		t.Fatalf("runUnit: %v", err)
	}

	unitPath := filepath.Join(util.StageRootDir(ws), "etc", "systemd", "system", "agent.service")
	if _, err := os.Stat(unitPath); err != nil {
		t.Fatalf("expected rendered unit file: %v", err)
	}
	link := filepath.Join(util.StageRootDir(ws), "etc", "systemd", "system", "multi-user.target.wants", "agent.service")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("expected wants symlink: %v", err)
	}
	if target != filepath.Join("..", "agent.service") {
		t.Fatalf("unexpected symlink target: %q", target)
	}
}

