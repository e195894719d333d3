// Package planner owns the task set: dependency resolution including
// provide-tokens and optional "?" edges, Kahn topological ordering, the
// stage barrier, and GraphViz export.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forge-build/forge/internal/invariant"
)

// DepEdge is a structured "after" entry: either a task id or a provide
// token, with an optional flag replacing any "trailing ?" string check in
// task-body code.
type DepEdge struct {
	Target   string
	Optional bool
}

// ParseDepEdge splits the trailing "?" off a raw "after" entry.
func ParseDepEdge(raw string) DepEdge {
	if strings.HasSuffix(raw, "?") {
		return DepEdge{Target: strings.TrimSuffix(raw, "?"), Optional: true}
	}
	return DepEdge{Target: raw}
}

// Task is a planned unit of work.
type Task struct {
	ID       string
	Label    string
	Module   string
	Phase    string
	After    []DepEdge
	Provides []string
}

// StageBarrierID is the synthetic task injected by FinalizeDefault.
const StageBarrierID = "core.barrier.stage"

// StageDoneToken is provided by the stage barrier.
const StageDoneToken = "stage:done"

const stageTokenPrefix = "stage:"

// Plan is a mapping from task id to Task, id-unique.
type Plan struct {
	tasks map[string]*Task
	order []string // insertion order, used for deterministic DOT export

	barrierAdded bool
}

// New returns an empty plan.
func New() *Plan {
	return &Plan{tasks: map[string]*Task{}}
}

// Add inserts a task, failing on a duplicate id or a duplicate provide
// token across tasks.
func (p *Plan) Add(t *Task) error {
	invariant.NotNil(t, "task")
	if _, exists := p.tasks[t.ID]; exists {
		return fmt.Errorf("planner: duplicate task id %q", t.ID)
	}
	for _, token := range t.Provides {
		if owner, ok := p.providesOwner(token); ok {
			return fmt.Errorf("planner: duplicate provide token %q (already provided by %q)", token, owner)
		}
	}
	p.tasks[t.ID] = t
	p.order = append(p.order, t.ID)
	return nil
}

func (p *Plan) providesOwner(token string) (string, bool) {
	for id, t := range p.tasks {
		for _, pr := range t.Provides {
			if pr == token {
				return id, true
			}
		}
	}
	return "", false
}

// Tasks returns the task by id.
func (p *Plan) Tasks() map[string]*Task {
	return p.tasks
}

func (p *Plan) providesIndex() map[string]string {
	idx := make(map[string]string)
	for id, t := range p.tasks {
		for _, token := range t.Provides {
			idx[token] = id
		}
	}
	return idx
}

// resolveDep resolves a dependency edge to a concrete task id: first a
// task-id match, then a provide-token match. Unresolved optional edges
// are dropped (ok=false, err=nil); unresolved required edges fail.
func resolveDep(edge DepEdge, tasks map[string]*Task, provides map[string]string) (string, bool, error) {
	if _, ok := tasks[edge.Target]; ok {
		return edge.Target, true, nil
	}
	if id, ok := provides[edge.Target]; ok {
		return id, true, nil
	}
	if edge.Optional {
		return "", false, nil
	}
	return "", false, fmt.Errorf("planner: unresolved dependency %q", edge.Target)
}

// Graph resolves every task's After edges into a plain dependency graph:
// indegree counts and forward adjacency (dependency id -> dependents).
// Both Ordered and the parallel executor's scheduler are built on this.
func (p *Plan) Graph() (indegree map[string]int, adj map[string][]string, err error) {
	provides := p.providesIndex()

	indegree = make(map[string]int, len(p.tasks))
	adj = make(map[string][]string, len(p.tasks))

	for id, t := range p.tasks {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, edge := range t.After {
			depID, ok, err := resolveDep(edge, p.tasks, provides)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
			adj[depID] = append(adj[depID], id)
			indegree[id]++
		}
	}

	return indegree, adj, nil
}

// Ordered performs a Kahn topological sort with a deterministic,
// lexicographically-ordered ready queue. On a cycle it returns an error
// naming the tasks still blocked.
func (p *Plan) Ordered() ([]string, error) {
	indegree, adj, err := p.Graph()
	if err != nil {
		return nil, err
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var result []string
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		next := append([]string{}, adj[id]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(result) != len(p.tasks) {
		var remaining []string
		for id, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("planner: dependency cycle involving: %s", strings.Join(remaining, ", "))
	}

	return result, nil
}

// FinalizeDefault injects the stage barrier task if it is not already
// present. Idempotent.
func (p *Plan) FinalizeDefault() error {
	if p.barrierAdded {
		return nil
	}
	if _, exists := p.tasks[StageBarrierID]; exists {
		p.barrierAdded = true
		return nil
	}

	var stagers []string
	for id, t := range p.tasks {
		for _, token := range t.Provides {
			if strings.HasPrefix(token, stageTokenPrefix) {
				stagers = append(stagers, id)
				break
			}
		}
	}
	sort.Strings(stagers)

	after := make([]DepEdge, 0, len(stagers))
	for _, id := range stagers {
		after = append(after, DepEdge{Target: id})
	}

	if err := p.Add(&Task{
		ID:       StageBarrierID,
		Label:    "stage barrier",
		Module:   "core",
		Phase:    "stage",
		After:    after,
		Provides: []string{StageDoneToken},
	}); err != nil {
		return err
	}
	p.barrierAdded = true
	return nil
}

// ToDot renders the plan as a GraphViz digraph.
func (p *Plan) ToDot() string {
	var b strings.Builder
	b.WriteString("digraph plan {\n")

	ids := append([]string{}, p.order...)
	sort.Strings(ids)

	provides := p.providesIndex()
	for _, id := range ids {
		t := p.tasks[id]
		fmt.Fprintf(&b, "  %q;\n", id)
		for _, edge := range t.After {
			depID, ok, _ := resolveDep(edge, p.tasks, provides)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "  %q -> %q;\n", depID, id)
		}
	}

	b.WriteString("}\n")
	return b.String()
}
