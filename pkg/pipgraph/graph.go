// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package pipgraph

import "fmt"

// PipGraph is an immutable-after-construction DAG of pips. Edges are
// derived from declared input/output overlap plus explicit order-only
// edges (e.g. a pip that must follow a service pip's start).
type PipGraph struct {
	Paths *PathTable

	pips  map[PipID]*Pip
	order []PipID // insertion order, stable for PipID tie-breaking

	orderOnly map[PipID][]PipID // extra predecessor edges not implied by artifacts

	sealed bool
	preds  map[PipID][]PipID
	succs  map[PipID][]PipID
}

// NewPipGraph returns an empty, unsealed graph over paths.
func NewPipGraph(paths *PathTable) *PipGraph {
	return &PipGraph{
		Paths:     paths,
		pips:      map[PipID]*Pip{},
		orderOnly: map[PipID][]PipID{},
	}
}

// AddPip registers a pip. Must be called before Seal.
func (g *PipGraph) AddPip(p *Pip) error {
	if g.sealed {
		return fmt.Errorf("pipgraph: cannot add pip %d after Seal", p.ID)
	}
	if _, exists := g.pips[p.ID]; exists {
		return fmt.Errorf("pipgraph: duplicate pip id %d", p.ID)
	}
	g.pips[p.ID] = p
	g.order = append(g.order, p.ID)
	return nil
}

// AddOrderOnlyEdge declares that `after` must not start before `before`
// reaches a terminal state, independent of any artifact dependency.
func (g *PipGraph) AddOrderOnlyEdge(before, after PipID) error {
	if g.sealed {
		return fmt.Errorf("pipgraph: cannot add edge after Seal")
	}
	g.orderOnly[after] = append(g.orderOnly[after], before)
	return nil
}

// Pip returns the pip with id, or nil if absent.
func (g *PipGraph) Pip(id PipID) *Pip { return g.pips[id] }

// Order returns all pip ids in insertion order.
func (g *PipGraph) Order() []PipID {
	out := make([]PipID, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of pips in the graph.
func (g *PipGraph) Len() int { return len(g.pips) }

// outputProducers maps a FileArtifact to the pip that declares it as an
// output; used to derive artifact-implied edges and to enforce that
// every (Path, RewriteCount>0) is claimed by at most one pip statically.
func (g *PipGraph) outputProducers() (map[FileArtifact]PipID, error) {
	producers := map[FileArtifact]PipID{}
	for _, id := range g.order {
		p := g.pips[id]
		for _, out := range p.DeclaredOutputs {
			if prev, exists := producers[out]; exists {
				return nil, fmt.Errorf("pipgraph: outputs %v claimed by both pip %d and pip %d", out, prev, id)
			}
			producers[out] = id
		}
	}
	return producers, nil
}

// Seal finalizes the graph: builds the predecessor/successor indices
// from declared-input/output overlap and order-only edges, and verifies
// acyclicity via DFS. On success the graph becomes read-only.
func (g *PipGraph) Seal() error {
	if g.sealed {
		return nil
	}
	producers, err := g.outputProducers()
	if err != nil {
		return err
	}

	preds := map[PipID][]PipID{}
	succs := map[PipID][]PipID{}
	addEdge := func(before, after PipID) {
		if before == after {
			return
		}
		preds[after] = append(preds[after], before)
		succs[before] = append(succs[before], after)
	}

	for _, id := range g.order {
		p := g.pips[id]
		for _, in := range p.DeclaredInputs {
			if producer, ok := producers[in]; ok {
				addEdge(producer, id)
			}
		}
		for _, before := range g.orderOnly[id] {
			addEdge(before, id)
		}
	}

	if cyclePath, ok := findCycle(g.order, succs); ok {
		return fmt.Errorf("pipgraph: cycle detected: %v", cyclePath)
	}

	g.preds = preds
	g.succs = succs
	g.sealed = true
	return nil
}

// Predecessors returns the ids that must reach a terminal state before
// id may start. Valid only after Seal.
func (g *PipGraph) Predecessors(id PipID) []PipID { return g.preds[id] }

// Successors returns the ids that depend on id. Valid only after Seal.
func (g *PipGraph) Successors(id PipID) []PipID { return g.succs[id] }

// TopoOrder returns a topological order of all pips. Valid only after
// Seal; panics if called before Seal since the result would be ill-defined.
func (g *PipGraph) TopoOrder() []PipID {
	if !g.sealed {
		panic("pipgraph: TopoOrder called before Seal")
	}
	indegree := map[PipID]int{}
	for _, id := range g.order {
		indegree[id] = len(g.preds[id])
	}
	var ready []PipID
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	var out []PipID
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, succ := range g.succs[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}
	return out
}

const (
	dfsUnvisited = 0
	dfsVisiting  = 1
	dfsDone      = 2
)

// findCycle runs DFS over succs in `order`'s iteration order and returns
// the first cycle found, as the chain of pip ids from the back-edge's
// target to its source.
func findCycle(order []PipID, succs map[PipID][]PipID) ([]PipID, bool) {
	state := map[PipID]int{}
	var stack []PipID

	var visit func(id PipID) ([]PipID, bool)
	visit = func(id PipID) ([]PipID, bool) {
		state[id] = dfsVisiting
		stack = append(stack, id)
		for _, next := range succs[id] {
			switch state[next] {
			case dfsUnvisited:
				if cycle, found := visit(next); found {
					return cycle, true
				}
			case dfsVisiting:
				// found back-edge id -> next; extract the cycle from stack
				start := -1
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle := append([]PipID{}, stack[start:]...)
				cycle = append(cycle, next)
				return cycle, true
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = dfsDone
		return nil, false
	}

	for _, id := range order {
		if state[id] == dfsUnvisited {
			if cycle, found := visit(id); found {
				return cycle, true
			}
		}
	}
	return nil, false
}
