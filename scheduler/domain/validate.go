package domain

import (
	"github.com/helixfarm/helix/cluster"
)

// ValidateJob checks a submission before it is accepted. Violations are
// returned as an InfeasibleRequestError so the API can reject synchronously.
// nodeCapacities holds the full capacity vector of each farm node; every task
// must fit at least one node whole, not a per-dimension composite of several.
// Pass an empty list to skip the capacity feasibility check (e.g. an empty
// farm at startup still accepts jobs).
func ValidateJob(def JobDefinition, nodeCapacities []cluster.ResourceVector) error {
	if len(def.Tasks) == 0 {
		return NewInfeasibleRequest("job must have at least 1 task; was empty")
	}
	if def.TenantID == "" {
		return NewInfeasibleRequest("missing tenant id")
	}
	seen := map[string]bool{}
	for _, t := range def.Tasks {
		if t.TaskID == "" {
			return NewInfeasibleRequest("invalid task id \"\"")
		}
		if seen[t.TaskID] {
			return NewInfeasibleRequest("duplicate task id %q", t.TaskID)
		}
		seen[t.TaskID] = true
		if t.Resources.IsZero() {
			return NewInfeasibleRequest("task %q requests no resources", t.TaskID)
		}
		if len(nodeCapacities) > 0 && !fitsAnyNode(t.Resources, nodeCapacities) {
			return NewInfeasibleRequest("task %q resources {%s} exceed every node's capacity",
				t.TaskID, t.Resources)
		}
	}
	for _, t := range def.Tasks {
		for _, dep := range t.Deps {
			if !seen[dep] {
				return NewInfeasibleRequest("task %q depends on unknown task %q", t.TaskID, dep)
			}
			if dep == t.TaskID {
				return NewInfeasibleRequest("task %q depends on itself", t.TaskID)
			}
		}
	}
	if cyclic, path := findCycle(def.Tasks); cyclic {
		return NewInfeasibleRequest("cyclic dependency: %v", path)
	}
	return nil
}

func fitsAnyNode(res cluster.ResourceVector, capacities []cluster.ResourceVector) bool {
	for _, c := range capacities {
		if res.Fits(c) {
			return true
		}
	}
	return false
}

// findCycle runs a three-color DFS over the task dependency graph and
// returns the first cycle found.
func findCycle(tasks []TaskDefinition) (bool, []string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	deps := make(map[string][]string, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		deps[t.TaskID] = t.Deps
		order = append(order, t.TaskID)
	}
	color := map[string]int{}

	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Found the back edge; slice out the cycle for the error.
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
				return []string{dep, id, dep}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range order {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return true, cycle
			}
		}
	}
	return false, nil
}

// TransitiveDependents returns the ids of every task that directly or
// indirectly depends on root. Used to cascade Skips after an unretryable
// failure.
func TransitiveDependents(tasks []TaskDefinition, root string) []string {
	dependents := map[string][]string{}
	for _, t := range tasks {
		for _, dep := range t.Deps {
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}
	seen := map[string]bool{}
	var out []string
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range dependents[id] {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				queue = append(queue, d)
			}
		}
	}
	return out
}
