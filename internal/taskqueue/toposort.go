package taskqueue

import (
	"fmt"
	"sort"
)

// TopoSort returns task ids in dependency order: every task appears after
// all of its dependencies. Insertion order breaks ties so the result is
// deterministic. A dependency cycle is an invariant violation and panics;
// the orchestrator's top-level recover turns that into a failed session.
func (q *Queue) TopoSort() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	indegree := make(map[string]int, len(q.tasks))
	for _, id := range q.order {
		indegree[id] = len(q.tasks[id].DependsOn)
	}

	var frontier []string
	for _, id := range q.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	pos := make(map[string]int, len(q.order))
	for i, id := range q.order {
		pos[id] = i
	}

	var sorted []string
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return pos[frontier[i]] < pos[frontier[j]] })
		id := frontier[0]
		frontier = frontier[1:]
		sorted = append(sorted, id)

		for _, dep := range q.tasks[id].Dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	if len(sorted) != len(q.tasks) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		panic(fmt.Sprintf("taskqueue: dependency cycle among tasks %v", stuck))
	}
	return sorted
}
