package orchestration

import (
	"fmt"
	"sort"
	"strings"
)

// planDAG is the dependency graph of a validated node set.
// Edges point from a dependency to its dependents.
type planDAG struct {
	order      []string
	position   map[string]int
	deps       map[string][]string
	dependents map[string][]string
}

func newPlanDAG(nodes []PlanNode) *planDAG {
	d := &planDAG{
		order:      make([]string, 0, len(nodes)),
		position:   make(map[string]int, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}
	for i, n := range nodes {
		d.order = append(d.order, n.ID)
		d.position[n.ID] = i
		d.deps[n.ID] = n.DependsOn
	}
	// Dependents are appended in plan order so layers stay deterministic.
	for _, id := range d.order {
		for _, dep := range d.deps[id] {
			d.dependents[dep] = append(d.dependents[dep], id)
		}
	}
	return d
}

// layers groups nodes into execution levels with Kahn's algorithm.
// A node lands one level after its deepest dependency, so level(n) is the
// longest dependency path ending at n. Within a level nodes keep plan order.
// A node left unvisited means the graph has a cycle.
func (d *planDAG) layers() ([][]string, map[string]int, error) {
	indegree := make(map[string]int, len(d.order))
	for _, id := range d.order {
		indegree[id] = len(d.deps[id])
	}

	var current []string
	for _, id := range d.order {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	levelOf := make(map[string]int, len(d.order))
	visited := 0

	for len(current) > 0 {
		level := len(levels)
		levels = append(levels, current)
		visited += len(current)

		var next []string
		for _, id := range current {
			levelOf[id] = level
			for _, dependent := range d.dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.SliceStable(next, func(i, j int) bool {
			return d.position[next[i]] < d.position[next[j]]
		})
		current = next
	}

	if visited != len(d.order) {
		var cyclic []string
		for _, id := range d.order {
			if indegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, nil, &InvalidPlanError{
			Reason: fmt.Sprintf("dependency cycle among nodes [%s]", strings.Join(cyclic, ", ")),
		}
	}

	return levels, levelOf, nil
}
