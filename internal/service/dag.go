package service

import (
	"sort"

	"github.com/ensemble-ai/ensemble/internal/core"
)

// Schedule is a compiled design: a validated DAG of blocks with a
// stable topological order and parallelizable levels.
type Schedule struct {
	Design *core.Design
	Order  []string
	Levels [][]string

	deps       map[string][]string // block -> upstream blocks
	dependents map[string][]string // block -> downstream blocks
}

// Compile validates a design and produces its execution schedule.
// Ties in the topological order break by block id so runs are stable.
func Compile(design *core.Design) (*Schedule, error) {
	if err := design.Validate(); err != nil {
		return nil, err
	}

	deps := make(map[string][]string)
	dependents := make(map[string][]string)
	for _, b := range design.Blocks {
		deps[b.ID] = nil
		dependents[b.ID] = nil
	}
	for _, c := range design.Connections {
		deps[c.TargetBlock] = append(deps[c.TargetBlock], c.SourceBlock)
		dependents[c.SourceBlock] = append(dependents[c.SourceBlock], c.TargetBlock)
	}

	order, err := topoSort(deps, dependents)
	if err != nil {
		return nil, err
	}

	return &Schedule{
		Design:     design,
		Order:      order,
		Levels:     calculateLevels(deps),
		deps:       deps,
		dependents: dependents,
	}, nil
}

// topoSort is Kahn's algorithm with a sorted ready-queue.
func topoSort(deps, dependents map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(deps))
	for id, ds := range deps {
		inDegree[id] = len(ds)
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(deps))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		ready := make([]string, 0)
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = mergeSorted(queue, ready)
	}

	if len(result) != len(deps) {
		return nil, core.ErrInvalidDesign(core.CodeCycleDetected, "design graph contains a cycle")
	}
	return result, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// calculateLevels groups blocks into waves whose members have no
// dependencies on one another.
func calculateLevels(deps map[string][]string) [][]string {
	levels := make([][]string, 0)
	assigned := make(map[string]bool)

	for len(assigned) < len(deps) {
		level := make([]string, 0)
		for id, ds := range deps {
			if assigned[id] {
				continue
			}
			ready := true
			for _, dep := range ds {
				if !assigned[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break // unreachable after topoSort validates acyclicity
		}
		sort.Strings(level)
		for _, id := range level {
			assigned[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

// Upstream returns a block's direct dependencies.
func (s *Schedule) Upstream(blockID string) []string {
	out := append([]string{}, s.deps[blockID]...)
	sort.Strings(out)
	return out
}

// TransitiveDownstream returns every block reachable from the given one.
func (s *Schedule) TransitiveDownstream(blockID string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, next := range s.dependents[id] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(blockID)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
