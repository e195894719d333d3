// Package core implements the core.init task: the one always-present,
// always-CORE task every other module's tasks depend on, directly or
// through the stage barrier. It rejects the legacy top-level config
// tables the previous (Rust) generation of this tool used, and performs
// the workspace's one-time directory initialization.
package core

import (
	"fmt"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/registry"
	"github.com/forge-build/forge/internal/workspace"
)

// legacyTables are top-level config tables from the tool's previous
// generation; a config that still carries one is rejected outright
// rather than silently ignored.
var legacyTables = []string{
	"build", "target", "profile", "toolchain", "overlay", "units",
	"artifacts", "image", "rpi", "output", "cache", "remote",
	"secrets", "hooks", "env", "variables", "options",
}

// Config is core.init's config sub-tree. It carries no fields of its
// own; CORE tasks are never gated by an enabled flag.
type Config struct {
	registry.AlwaysEnabled
}

var spec = registry.TaskSpec[Config, *Config]{
	ID:           "core.init",
	Module:       "core",
	Phase:        "init",
	Core:         true,
	DefaultLabel: "initialize workspace",
	ConfigPath:   "core",
	Provides:     []string{"core:init"},
	Body:         run,
}

func run(_ *Config, ectx *registry.ExecContext) error {
	for _, name := range legacyTables {
		if ectx.Doc.HasTable(name) {
			return fmt.Errorf("core.init: legacy table %q is no longer supported", name)
		}
	}
	if _, err := workspace.InitDirs(ectx.Doc); err != nil {
		return fmt.Errorf("core.init: %w", err)
	}
	ectx.Log("workspace initialized")
	return nil
}

// Module registers the always-present core.init task.
type Module struct{}

// ID implements registry.Module.
func (Module) ID() string { return "core" }

// Detect implements registry.Module: the core module always applies.
func (Module) Detect(_ *configdoc.Doc) bool { return true }

// Plan implements registry.Module.
func (Module) Plan(doc *configdoc.Doc, plan *planner.Plan) error {
	return spec.Plan(doc, plan)
}

// RegisterTasks implements registry.Module.
func (Module) RegisterTasks(r *registry.Registry) {
	_ = r.RegisterExec(spec.ID, spec.Exec)
}
