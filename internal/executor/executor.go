// Package executor drives a Plan serially or in parallel with a bounded
// worker pool, runs task bodies through a process-group subprocess
// discipline, and emits an ordered event stream to a Sink.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/execlog"
	"github.com/forge-build/forge/internal/invariant"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/registry"
	"github.com/forge-build/forge/internal/workspace"
)

// ErrCancelled is reported as ExecutorDone's error after a cancel request
// stops scheduling with no other failure.
var ErrCancelled = errors.New("cancelled")

// Config selects the scheduling mode.
type Config struct {
	// Serial runs tasks one at a time in topological order. When false,
	// a bounded worker pool of MaxParallel (0 = number of CPU cores) runs
	// ready tasks concurrently.
	Serial      bool
	MaxParallel int
	DryRun      bool
}

// Executor runs a Plan against a Registry, consulting ConfigDoc and
// Workspace, and emits events to Sink.
type Executor struct {
	reg    *registry.Registry
	plan   *planner.Plan
	sink   Sink
	cfg    Config

	cancelLevel int32 // 0 = none, 1 = first cancel, 2 = forced

	mu    sync.Mutex
	pgids map[int]struct{}
}

// New constructs an Executor.
func New(reg *registry.Registry, plan *planner.Plan, sink Sink, cfg Config) *Executor {
	invariant.NotNil(reg, "reg")
	invariant.NotNil(plan, "plan")
	invariant.NotNil(sink, "sink")
	return &Executor{reg: reg, plan: plan, sink: sink, cfg: cfg, pgids: map[int]struct{}{}}
}

// RequestCancel sets the monotonic one-shot cancellation flag. A second
// call escalates: every tracked process group is force-killed immediately.
func (e *Executor) RequestCancel() {
	level := atomic.AddInt32(&e.cancelLevel, 1)
	if level >= 2 {
		e.killAllGroups()
	}
}

func (e *Executor) cancelRequested() bool {
	return atomic.LoadInt32(&e.cancelLevel) >= 1
}

func (e *Executor) killAllGroups() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for pgid := range e.pgids {
		killProcessGroup(pgid, true)
	}
}

// Run executes the plan to completion (or until cancelled/failed) and
// returns the first task failure, if any.
func (e *Executor) Run(ctx context.Context, doc *configdoc.Doc, ws *workspace.Paths) error {
	invariant.NotNil(ctx, "ctx")
	invariant.NotNil(doc, "doc")

	var err error
	if e.cfg.Serial {
		err = e.runSerial(ctx, doc, ws)
	} else {
		err = e.runParallel(ctx, doc, ws)
	}
	return err
}

func (e *Executor) runSerial(ctx context.Context, doc *configdoc.Doc, ws *workspace.Paths) error {
	order, err := e.plan.Ordered()
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range order {
		if e.cancelRequested() {
			break
		}
		if err := e.runOne(ctx, id, doc, ws); err != nil {
			firstErr = err
			break
		}
	}

	doneErr := firstErr
	if doneErr == nil && e.cancelRequested() {
		doneErr = ErrCancelled
	}
	e.sink.Emit(Event{Kind: ExecutorDone, OK: doneErr == nil, Err: doneErr})
	return doneErr
}

// runParallel implements the bounded-worker scheduler: a deterministic,
// lexicographically-sorted ready queue feeds up to MaxParallel concurrent
// workers; on failure no new tasks are spawned, in-flight workers drain,
// and the first error wins.
func (e *Executor) runParallel(ctx context.Context, doc *configdoc.Doc, ws *workspace.Paths) error {
	indegree, adj, err := e.plan.Graph()
	if err != nil {
		return err
	}

	maxParallel := e.cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}

	type result struct {
		id       string
		err      error
		dependOn []string
	}

	var mu sync.Mutex
	ready := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	inFlight := 0
	remaining := len(indegree)
	completions := make(chan result, len(indegree))
	var firstErr error
	spawnBlocked := false

	spawnNext := func() {
		for len(ready) > 0 && inFlight < maxParallel {
			if spawnBlocked || e.cancelRequested() {
				return
			}
			sort.Strings(ready)
			id := ready[0]
			ready = ready[1:]
			inFlight++
			go func(id string) {
				err := e.runOne(ctx, id, doc, ws)
				completions <- result{id: id, err: err, dependOn: adj[id]}
			}(id)
		}
	}

	mu.Lock()
	spawnNext()
	mu.Unlock()

	for remaining > 0 && inFlight > 0 {
		res := <-completions
		mu.Lock()
		inFlight--
		remaining--
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			spawnBlocked = true
		} else if !spawnBlocked && !e.cancelRequested() {
			for _, dep := range res.dependOn {
				indegree[dep]--
				if indegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
		spawnNext()
		mu.Unlock()
	}

	doneErr := firstErr
	if doneErr == nil && e.cancelRequested() {
		doneErr = ErrCancelled
	}
	e.sink.Emit(Event{Kind: ExecutorDone, OK: doneErr == nil, Err: doneErr})
	return doneErr
}

func (e *Executor) runOne(ctx context.Context, id string, doc *configdoc.Doc, ws *workspace.Paths) error {
	e.sink.Emit(Event{Kind: TaskSpawned, TaskID: id})

	if e.cancelRequested() {
		e.sink.Emit(Event{Kind: TaskFinished, TaskID: id, OK: false, Err: ErrCancelled})
		return ErrCancelled
	}

	e.sink.Emit(Event{Kind: TaskStarted, TaskID: id})
	start := time.Now()

	ectx := &registry.ExecContext{
		Ctx:       ctx,
		Doc:       doc,
		Workspace: ws,
		RunCmd:    e.runCmd,
		Log: func(line string) {
			e.sink.Emit(Event{Kind: TaskLog, TaskID: id, Line: execlog.SanitizeLogLine(line)})
		},
	}

	var err error
	if e.cfg.DryRun {
		ectx.Log(fmt.Sprintf("DRY-RUN: %s", id))
		err = nil
	} else {
		err = e.reg.Exec(id, ectx)
	}

	elapsed := time.Since(start).Milliseconds()
	if e.cfg.DryRun {
		elapsed = 0
	}
	e.sink.Emit(Event{Kind: TaskFinished, TaskID: id, OK: err == nil, Err: err, ElapsedMS: elapsed})
	return err
}

func (e *Executor) trackGroup(pgid int) {
	e.mu.Lock()
	e.pgids[pgid] = struct{}{}
	e.mu.Unlock()
}

func (e *Executor) untrackGroup(pgid int) {
	e.mu.Lock()
	delete(e.pgids, pgid)
	e.mu.Unlock()
}

// devNull is opened once and reused as every subprocess's stdin, closing
// the stop-by-TTY-read hole without needing a dedicated file per spawn.
var devNull = sync.OnceValue(func() *os.File {
	f, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		panic(err)
	}
	return f
})
