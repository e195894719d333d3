// Package checkpoints wires the checkpoint engine into the plan: for
// every configured point it inserts a restore task before the anchor and
// a capture task after it, redirects the anchor to depend on its own
// restore, and at exec time drives MaybeRestoreAnchor/CaptureAnchor
// against the on-disk store. It must be registered after every module
// that can own an anchor task, so the anchor is already in the plan when
// this module's Plan runs.
package checkpoints

import (
	"fmt"

	"github.com/forge-build/forge/internal/checkpoint"
	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/modules/util"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/registry"
)

// Module registers checkpoints.restore.<anchor> / checkpoints.capture.<anchor>
// for every point declared in [checkpoints] when checkpoints are enabled.
type Module struct {
	cfg *checkpoint.Config // populated by Plan, consulted by RegisterTasks
}

// ID implements registry.Module.
func (*Module) ID() string { return "checkpoints" }

// Detect implements registry.Module.
func (*Module) Detect(doc *configdoc.Doc) bool {
	cfg, ok, err := configdoc.DeserializeAt[checkpoint.Config](doc, "checkpoints")
	return err == nil && ok && cfg.Enabled
}

func pointWithID(cfg *checkpoint.Config) []checkpoint.PointConfig {
	out := make([]checkpoint.PointConfig, 0, len(cfg.Points))
	for id, p := range cfg.Points {
		p.ID = id
		out = append(out, p)
	}
	return out
}

// Plan implements registry.Module: for each point, it inserts the
// restore/capture pair and redirects the anchor's dependency edges to
// run after its own restore.
func (m *Module) Plan(doc *configdoc.Doc, plan *planner.Plan) error {
	cfg, _, err := configdoc.DeserializeAt[checkpoint.Config](doc, "checkpoints")
	if err != nil {
		return fmt.Errorf("checkpoints: %w", err)
	}
	m.cfg = cfg

	for _, point := range pointWithID(cfg) {
		anchor, ok := plan.Tasks()[point.AnchorTask]
		if !ok {
			return fmt.Errorf("checkpoints: point %q names unsupported anchor %q", point.ID, point.AnchorTask)
		}
		if point.AnchorTask != "buildroot.build" {
			return fmt.Errorf("checkpoints: point %q: anchor %q has no known capture targets", point.ID, point.AnchorTask)
		}

		restoreID := "checkpoints.restore." + point.AnchorTask
		captureID := "checkpoints.capture." + point.AnchorTask

		restoreAfter := append([]planner.DepEdge{{Target: "core.init"}}, anchor.After...)
		if err := plan.Add(&planner.Task{
			ID: restoreID, Label: "restore checkpoint for " + point.AnchorTask,
			Module: "checkpoints", Phase: "checkpoint",
			After:    restoreAfter,
			Provides: []string{"checkpoint:restore:" + point.AnchorTask},
		}); err != nil {
			return err
		}
		anchor.After = append(anchor.After, planner.DepEdge{Target: restoreID})

		if err := plan.Add(&planner.Task{
			ID: captureID, Label: "capture checkpoint for " + point.AnchorTask,
			Module: "checkpoints", Phase: "checkpoint",
			After:    []planner.DepEdge{{Target: point.AnchorTask}},
			Provides: []string{"checkpoint:capture:" + point.AnchorTask},
		}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTasks implements registry.Module.
func (m *Module) RegisterTasks(r *registry.Registry) {
	if m.cfg == nil {
		return
	}
	for _, point := range pointWithID(m.cfg) {
		p := point
		restoreID := "checkpoints.restore." + p.AnchorTask
		captureID := "checkpoints.capture." + p.AnchorTask
		_ = r.RegisterExec(restoreID, func(ectx *registry.ExecContext) error { return m.restore(p, ectx) })
		_ = r.RegisterExec(captureID, func(ectx *registry.ExecContext) error { return m.capture(p, ectx) })
	}
}

func (m *Module) store(ectx *registry.ExecContext) (*checkpoint.Store, error) {
	dir, err := ectx.Workspace.ResolveUnderBuild("checkpoints")
	if err != nil {
		return nil, err
	}
	return checkpoint.NewStore(dir)
}

func targetsFor(anchorTask string, ectx *registry.ExecContext) []checkpoint.TargetSpec {
	switch anchorTask {
	case "buildroot.build":
		return []checkpoint.TargetSpec{{Name: "artifacts", AbsPath: util.ArtifactRegistryDir(ectx.Workspace)}}
	default:
		return nil
	}
}

func (m *Module) restore(point checkpoint.PointConfig, ectx *registry.ExecContext) error {
	store, err := m.store(ectx)
	if err != nil {
		return fmt.Errorf("checkpoints.restore.%s: %w", point.AnchorTask, err)
	}
	targets := targetsFor(point.AnchorTask, ectx)
	status, err := checkpoint.MaybeRestoreAnchor(ectx.Ctx, store, point, ectx.Doc, targets, m.cfg, checkpoint.RunCmdFunc(ectx.RunCmd))
	if err != nil {
		return fmt.Errorf("checkpoints.restore.%s: %w", point.AnchorTask, err)
	}
	ectx.Log(fmt.Sprintf("checkpoint %s: %s", point.ID, status.Reason))
	return nil
}

func (m *Module) capture(point checkpoint.PointConfig, ectx *registry.ExecContext) error {
	store, err := m.store(ectx)
	if err != nil {
		return fmt.Errorf("checkpoints.capture.%s: %w", point.AnchorTask, err)
	}

	fingerprint, _, err := checkpoint.ComputeFingerprint(point, ectx.Doc)
	if err != nil {
		return fmt.Errorf("checkpoints.capture.%s: %w", point.AnchorTask, err)
	}
	if restored, ok := store.WasRestored(point.ID); ok && restored == fingerprint {
		ectx.Log(fmt.Sprintf("checkpoint %s: capture skipped, anchor outputs were restored this run", point.ID))
		return nil
	}

	targets := targetsFor(point.AnchorTask, ectx)
	if _, err := checkpoint.CaptureAnchor(ectx.Ctx, store, point, ectx.Doc, targets, m.cfg, checkpoint.RunCmdFunc(ectx.RunCmd)); err != nil {
		return fmt.Errorf("checkpoints.capture.%s: %w", point.AnchorTask, err)
	}
	ectx.Log(fmt.Sprintf("checkpoint %s: captured at fingerprint %s", point.ID, fingerprint))
	return nil
}
