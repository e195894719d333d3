package planner

import (
	"strings"
	"testing"
)

func TestOrderedRespectsEdges(t *testing.T) {
	p := New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	must(p.Add(&Task{ID: "a", Provides: []string{"stage:a"}}))
	must(p.Add(&Task{ID: "b", After: []DepEdge{{Target: "a"}}, Provides: []string{"stage:b"}}))
	must(p.Add(&Task{ID: "c", After: []DepEdge{{Target: "a"}}}))
	must(p.Add(&Task{ID: "d", After: []DepEdge{{Target: "b"}, {Target: "c"}}}))
	must(p.Add(&Task{ID: "e", After: []DepEdge{{Target: "d"}}}))

	order, err := p.Ordered()
	if err != nil {
		t.Fatalf("Ordered: %v", err)
	}

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] || pos["d"] > pos["e"] {
		t.Fatalf("order violates edges: %v", order)
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(order))
	}
}

func TestOrderedDropsOptionalUnresolved(t *testing.T) {
	p := New()
	if err := p.Add(&Task{ID: "a", After: []DepEdge{{Target: "missing", Optional: true}}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	order, err := p.Ordered()
	if err != nil {
		t.Fatalf("Ordered: %v", err)
	}
	if len(order) != 1 || order[0] != "a" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestOrderedFailsOnUnresolvedRequired(t *testing.T) {
	p := New()
	if err := p.Add(&Task{ID: "a", After: []DepEdge{{Target: "missing"}}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := p.Ordered(); err == nil {
		t.Fatalf("expected error for unresolved required dependency")
	}
}

func TestOrderedFailsOnCycleNamingParticipants(t *testing.T) {
	p := New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	must(p.Add(&Task{ID: "a", After: []DepEdge{{Target: "b"}}}))
	must(p.Add(&Task{ID: "b", After: []DepEdge{{Target: "a"}}}))

	_, err := p.Ordered()
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if !strings.Contains(err.Error(), "a, b") {
		t.Fatalf("error does not name a participant: %v", err)
	}
}

func TestFinalizeDefaultIdempotentAndDependsOnStagers(t *testing.T) {
	p := New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	must(p.Add(&Task{ID: "a", Provides: []string{"stage:a"}}))
	must(p.Add(&Task{ID: "b"}))

	if err := p.FinalizeDefault(); err != nil {
		t.Fatalf("FinalizeDefault: %v", err)
	}
	if err := p.FinalizeDefault(); err != nil {
		t.Fatalf("FinalizeDefault (2nd): %v", err)
	}

	barrier, ok := p.Tasks()[StageBarrierID]
	if !ok {
		t.Fatalf("barrier task missing")
	}
	if len(barrier.After) != 1 || barrier.After[0].Target != "a" {
		t.Fatalf("barrier does not depend on stager: %+v", barrier.After)
	}

	count := 0
	for id := range p.Tasks() {
		if id == StageBarrierID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one barrier task, got %d", count)
	}
}

func TestDuplicateTaskIDFails(t *testing.T) {
	p := New()
	if err := p.Add(&Task{ID: "a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add(&Task{ID: "a"}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}
