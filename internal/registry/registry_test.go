package registry

import (
	"testing"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/planner"
)

// dataDrivenModule mimics program/stage/checkpoints: the set of task ids it
// registers is only known after Plan has seen the ConfigDoc.
type dataDrivenModule struct {
	names []string
}

func (m *dataDrivenModule) ID() string { return "data-driven" }

func (m *dataDrivenModule) Detect(doc *configdoc.Doc) bool { return true }

func (m *dataDrivenModule) Plan(doc *configdoc.Doc, plan *planner.Plan) error {
	for name := range doc.Value {
		m.names = append(m.names, name)
		if err := plan.Add(&planner.Task{ID: "dyn." + name}); err != nil {
			return err
		}
	}
	return nil
}

func (m *dataDrivenModule) RegisterTasks(r *Registry) {
	for _, name := range m.names {
		n := name
		_ = r.RegisterExec("dyn."+n, func(*ExecContext) error { return nil })
	}
}

func TestPlanAllRegistersExecutorsForDataDrivenTasks(t *testing.T) {
	reg := New()
	m := &dataDrivenModule{}
	if err := reg.RegisterModule(m); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	doc := &configdoc.Doc{Value: map[string]interface{}{"a": 1, "b": 2}}
	plan := planner.New()
	if err := reg.PlanAll(doc, plan); err != nil {
		t.Fatalf("PlanAll: %v", err)
	}

	for _, id := range []string{"dyn.a", "dyn.b"} {
		if err := reg.Exec(id, &ExecContext{}); err != nil {
			t.Fatalf("Exec(%q): %v", id, err)
		}
	}
}

func TestRegisterModuleDoesNotEagerlyRegisterExecutors(t *testing.T) {
	reg := New()
	m := &dataDrivenModule{}
	if err := reg.RegisterModule(m); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}
	// Before PlanAll runs, the module has not seen a ConfigDoc yet, so no
	// task ids exist to register executors for.
	if err := reg.Exec("dyn.a", &ExecContext{}); err == nil {
		t.Fatalf("expected Exec to fail before PlanAll runs")
	}
}

func TestCondMatchesBareEnabledAndAnyEnabledUnder(t *testing.T) {
	doc := &configdoc.Doc{Value: map[string]interface{}{
		"stage": map[string]interface{}{
			"overlays": map[string]interface{}{
				"rootfs": map[string]interface{}{"enabled": true},
				"extra":  map[string]interface{}{"enabled": false},
			},
		},
	}}

	if !ParseCond("stage").Matches(doc) {
		t.Fatalf("bare cond should match an existing table")
	}
	if !ParseCond("enabled:stage").Matches(doc) {
		t.Fatalf("stage has no explicit enabled flag, should default true")
	}
	if !ParseCond("any_enabled_under:stage.overlays").Matches(doc) {
		t.Fatalf("expected at least one enabled child under stage.overlays")
	}
	if ParseCond("any_enabled_under:missing").Matches(doc) {
		t.Fatalf("missing root table should not match any_enabled_under")
	}
}

func TestTaskSpecPlanSkipsDisabledNonCoreTask(t *testing.T) {
	type cfg struct{ Enabled }
	spec := TaskSpec[cfg, *cfg]{
		ID: "optional.task", ConfigPath: "optional",
		Body: func(*cfg, *ExecContext) error { return nil },
	}
	doc := &configdoc.Doc{Value: map[string]interface{}{
		"optional": map[string]interface{}{"enabled": false},
	}}
	plan := planner.New()
	if err := spec.Plan(doc, plan); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, ok := plan.Tasks()["optional.task"]; ok {
		t.Fatalf("disabled non-core task should not be added to the plan")
	}
}

func TestTaskSpecExecFailsDisabledCoreTask(t *testing.T) {
	type cfg struct{ Enabled }
	spec := TaskSpec[cfg, *cfg]{
		ID: "core.task", Core: true, ConfigPath: "core",
		Body: func(*cfg, *ExecContext) error { return nil },
	}
	doc := &configdoc.Doc{Value: map[string]interface{}{
		"core": map[string]interface{}{"enabled": false},
	}}
	if err := spec.Exec(&ExecContext{Doc: doc}); err == nil {
		t.Fatalf("expected a disabled core task to fail at exec time")
	}
}
