// Package registry implements the static module/task catalogue described
// in the module design: each module contributes tasks to the plan and an
// executor function keyed by task id. In place of the source-language
// macro this framework is generated from elsewhere, task shape here is a
// small generic helper (TaskSpec) plus two type parameters binding a
// config struct to the Configurable contract via its pointer receiver.
package registry

import (
	"context"
	"fmt"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/workspace"
)

// Configurable is implemented by every task's config struct (by pointer
// receiver) so the framework can apply the shared enabled/disabled rule
// without per-task boilerplate.
type Configurable interface {
	IsEnabled() bool
}

// Enabled is embedded into config structs that want the default
// enabled-flag behavior: zero value is disabled, matching the spec's
// "if not CORE and C.enabled == false, skip" rule.
type Enabled struct {
	EnabledFlag bool `toml:"enabled"`
}

// IsEnabled implements Configurable.
func (e *Enabled) IsEnabled() bool { return e.EnabledFlag }

// AlwaysEnabled is embedded into config structs for CORE tasks, which are
// never skipped at plan time (disabling them at exec time is fatal).
type AlwaysEnabled struct{}

// IsEnabled implements Configurable.
func (AlwaysEnabled) IsEnabled() bool { return true }

// CondKind identifies which of the three supported conditional-edge forms
// a Cond represents.
type CondKind int

const (
	CondBare CondKind = iota
	CondEnabledPrefixed
	CondAnyEnabledUnder
)

// Cond is a conditional dependency-edge gate evaluated at plan time
// against the ConfigDoc: a bare path (table exists), "enabled:<path>"
// (table exists and its own enabled flag, defaulting to true, holds), or
// "any_enabled_under:<path>" (root enabled and some child table enabled).
type Cond struct {
	Kind CondKind
	Path string
}

const (
	enabledPrefix         = "enabled:"
	anyEnabledUnderPrefix = "any_enabled_under:"
)

// ParseCond parses one of the three supported conditional-edge forms.
func ParseCond(raw string) Cond {
	if rest, ok := trimPrefix(raw, enabledPrefix); ok {
		return Cond{Kind: CondEnabledPrefixed, Path: rest}
	}
	if rest, ok := trimPrefix(raw, anyEnabledUnderPrefix); ok {
		return Cond{Kind: CondAnyEnabledUnder, Path: rest}
	}
	return Cond{Kind: CondBare, Path: raw}
}

func trimPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

// Matches evaluates the condition against doc.
func (c Cond) Matches(doc *configdoc.Doc) bool {
	switch c.Kind {
	case CondBare:
		return doc.HasTable(c.Path)
	case CondEnabledPrefixed:
		table, ok := doc.TableAt(c.Path)
		if !ok {
			return false
		}
		return tableEnabled(table)
	case CondAnyEnabledUnder:
		root, ok := doc.TableAt(c.Path)
		if !ok || !tableEnabled(root) {
			return false
		}
		for _, v := range root {
			if child, ok := v.(map[string]interface{}); ok && tableEnabled(child) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func tableEnabled(table map[string]interface{}) bool {
	v, ok := table["enabled"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	if !ok {
		return true
	}
	return b
}

// CondEdge pairs a conditional gate with the dependency edge to add when
// the gate matches.
type CondEdge struct {
	Cond Cond
	Edge planner.DepEdge
}

// ExecContext is everything a task body needs to run: the resolved
// config document, the initialized workspace layout, cancellation, and a
// process launcher that applies the process-group subprocess discipline
// and routes output through the log sanitizer.
type ExecContext struct {
	Ctx       context.Context
	Doc       *configdoc.Doc
	Workspace *workspace.Paths
	RunCmd    RunCmdFunc
	Log       func(line string)
}

// RunCmdFunc matches the executor's subprocess launcher signature so
// task bodies never import the executor package directly.
type RunCmdFunc func(ctx context.Context, taskID string, dir string, name string, args []string, env map[string]string) error

// TaskSpec declares one task: a static id, owning module, phase, CORE
// flag, default label, config sub-path, after edges (static and
// conditional), provide tokens, and the task body itself. PC binds C to
// Configurable via pointer receiver, the idiomatic Go substitute for the
// source-language macro that generated this shape in the original.
type TaskSpec[C any, PC interface {
	*C
	Configurable
}] struct {
	ID           string
	Module       string
	Phase        string
	Core         bool
	DefaultLabel string
	ConfigPath   string
	After        []string
	CondAfter    []CondEdge
	Provides     []string
	Body         func(cfg *C, ectx *ExecContext) error
}

func (s *TaskSpec[C, PC]) load(doc *configdoc.Doc) (*C, error) {
	cfg, _, err := configdoc.DeserializeAt[C](doc, s.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", s.ID, err)
	}
	return cfg, nil
}

// Plan loads C at ConfigPath (falling back to C's zero value when the
// table is absent); if the task is not CORE and the config is disabled,
// it is skipped, otherwise a Task is appended to plan with After resolved
// from the static and conditional edges.
func (s *TaskSpec[C, PC]) Plan(doc *configdoc.Doc, plan *planner.Plan) error {
	cfg, err := s.load(doc)
	if err != nil {
		return err
	}
	if !s.Core && !PC(cfg).IsEnabled() {
		return nil
	}

	after := make([]planner.DepEdge, 0, len(s.After)+len(s.CondAfter))
	for _, raw := range s.After {
		after = append(after, planner.ParseDepEdge(raw))
	}
	for _, ce := range s.CondAfter {
		if ce.Cond.Matches(doc) {
			after = append(after, ce.Edge)
		}
	}

	return plan.Add(&planner.Task{
		ID:       s.ID,
		Label:    s.DefaultLabel,
		Module:   s.Module,
		Phase:    s.Phase,
		After:    after,
		Provides: s.Provides,
	})
}

// Exec loads C again at exec time; a disabled non-CORE task is a no-op, a
// disabled CORE task is fatal, otherwise the task body runs.
func (s *TaskSpec[C, PC]) Exec(ectx *ExecContext) error {
	cfg, err := s.load(ectx.Doc)
	if err != nil {
		return err
	}
	if !PC(cfg).IsEnabled() {
		if s.Core {
			return fmt.Errorf("task %s: core task is disabled", s.ID)
		}
		return nil
	}
	return s.Body(cfg, ectx)
}

// Module is the static catalogue contract: each module decides whether it
// applies to this config, contributes tasks to the plan, and registers
// its own task executor functions.
type Module interface {
	ID() string
	Detect(doc *configdoc.Doc) bool
	Plan(doc *configdoc.Doc, plan *planner.Plan) error
	RegisterTasks(r *Registry)
}

// Registry is the catalogue of task executor functions keyed by task id.
type Registry struct {
	execs   map[string]func(ectx *ExecContext) error
	modules []Module
}

// New returns a Registry with the stage barrier's no-op executor already
// registered: the barrier is synthesized by Plan.FinalizeDefault, not by
// any module, so no module ever registers it itself.
func New() *Registry {
	r := &Registry{execs: map[string]func(ectx *ExecContext) error{}}
	r.execs[planner.StageBarrierID] = func(ectx *ExecContext) error { return nil }
	return r
}

// RegisterModule adds a module to the catalogue. Its task executors are
// registered later, by PlanAll, once the module has seen the ConfigDoc
// and (for data-driven modules like program/stage) knows which per-entry
// task ids it actually needs to register.
func (r *Registry) RegisterModule(m Module) error {
	r.modules = append(r.modules, m)
	return nil
}

// RegisterExec registers a task's executor function, failing if the id is
// already registered.
func (r *Registry) RegisterExec(taskID string, fn func(ectx *ExecContext) error) error {
	if _, exists := r.execs[taskID]; exists {
		return fmt.Errorf("registry: task %q already registered", taskID)
	}
	r.execs[taskID] = fn
	return nil
}

// Exec looks up and runs the executor function registered for taskID.
func (r *Registry) Exec(taskID string, ectx *ExecContext) error {
	fn, ok := r.execs[taskID]
	if !ok {
		return fmt.Errorf("registry: no executor registered for task %q", taskID)
	}
	return fn(ectx)
}

// PlanAll runs every applicable module's Plan against doc, then lets it
// register the executors for whatever tasks it just planned.
func (r *Registry) PlanAll(doc *configdoc.Doc, plan *planner.Plan) error {
	for _, m := range r.modules {
		if !m.Detect(doc) {
			continue
		}
		if err := m.Plan(doc, plan); err != nil {
			return fmt.Errorf("module %s: %w", m.ID(), err)
		}
		m.RegisterTasks(r)
	}
	return plan.FinalizeDefault()
}
