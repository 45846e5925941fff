package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the requisite graph of a list of states.
type Graph struct {
	// Levels groups state IDs by execution level. States in a level only
	// depend on states in earlier levels, so a level can run in parallel.
	Levels [][]string

	states map[string]State
	order  map[string]int

	// dependents maps a state ID to the states that depend on it.
	dependents map[string][]string
}

// BuildGraph validates requisites and computes execution levels with
// Kahn's algorithm. Within a level, states keep their declaration order.
func BuildGraph(states []State) (*Graph, error) {
	g := &Graph{
		states:     make(map[string]State, len(states)),
		order:      make(map[string]int, len(states)),
		dependents: make(map[string][]string),
	}

	for i, st := range states {
		if st.ID == "" {
			return nil, NewPermanentError(fmt.Sprintf("state #%d has an empty ID", i), nil).
				WithCode(ErrCodeValidation)
		}
		if st.Function == "" {
			return nil, NewPermanentError("state has no function", nil).
				WithCode(ErrCodeValidation).WithState(st.ID, "")
		}
		if _, exists := g.states[st.ID]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate state ID: %s", st.ID), nil).
				WithCode(ErrCodeValidation)
		}
		g.states[st.ID] = st
		g.order[st.ID] = i
	}

	inDegree := make(map[string]int, len(states))
	for _, st := range states {
		for _, req := range st.Requisites() {
			if _, exists := g.states[req]; !exists {
				return nil, NewPermanentError(
					fmt.Sprintf("state %s requires non-existent state %s", st.ID, req), nil,
				).WithCode(ErrCodeMissingRequisite).WithState(st.ID, st.Function)
			}
			g.dependents[req] = append(g.dependents[req], st.ID)
			inDegree[st.ID]++
		}
	}

	var current []string
	for _, st := range states {
		if inDegree[st.ID] == 0 {
			current = append(current, st.ID)
		}
	}

	processed := 0
	for len(current) > 0 {
		g.Levels = append(g.Levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range g.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return g.order[next[i]] < g.order[next[j]] })
		current = next
	}

	if processed != len(states) {
		return nil, NewPermanentError(
			fmt.Sprintf("requisite cycle detected: %s", formatCycle(g.findCycle(inDegree))), nil,
		).WithCode(ErrCodeCycle)
	}

	return g, nil
}

// State returns the declaration of a state by ID.
func (g *Graph) State(id string) (State, bool) {
	st, ok := g.states[id]
	return st, ok
}

// Len returns the number of states in the graph.
func (g *Graph) Len() int {
	return len(g.states)
}

// Order returns state IDs in execution order.
func (g *Graph) Order() []string {
	out := make([]string, 0, len(g.states))
	for _, level := range g.Levels {
		out = append(out, level...)
	}
	return out
}

// findCycle walks the states left unprocessed by Kahn's algorithm and
// returns one cycle among them.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	var remaining []string
	for id, d := range inDegree {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return g.order[remaining[i]] < g.order[remaining[j]] })

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, req := range g.states[id].Requisites() {
			if onStack[req] {
				for i, p := range path {
					if p == req {
						cycle = append(append([]string{}, path[i:]...), req)
						return true
					}
				}
			}
			if !visited[req] && visit(req) {
				return true
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return false
	}

	for _, id := range remaining {
		if !visited[id] && visit(id) {
			return cycle
		}
	}
	return remaining
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per level.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph States {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			st := g.states[id]
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\"];\n", id, id, st.Function))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.Order() {
		st := g.states[id]
		for _, req := range st.Require {
			sb.WriteString(fmt.Sprintf("  %q -> %q [style=solid];\n", req, id))
		}
		for _, req := range st.Watch {
			sb.WriteString(fmt.Sprintf("  %q -> %q [style=dashed, color=blue];\n", req, id))
		}
		for _, req := range st.OnChanges {
			sb.WriteString(fmt.Sprintf("  %q -> %q [style=dotted, color=orange];\n", req, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
