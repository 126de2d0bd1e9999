package orchestrator

import (
	"sort"
	"strings"
)

// buildWaves computes a stage-ordered execution plan over sub-tasks'
// DependsOn names using Kahn's algorithm keyed on SubTask.Name. A
// dependency cycle never errors: any tasks left unresolved after the
// topological sort are forced into one final wave together rather than
// blocking the task.
func buildWaves(tasks []SubTask) [][]SubTask {
	if len(tasks) == 0 {
		return nil
	}

	byName := make(map[string]SubTask, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))

	for _, st := range tasks {
		name := strings.TrimSpace(st.Name)
		byName[name] = st
		indegree[name] = 0
	}
	for _, st := range tasks {
		name := strings.TrimSpace(st.Name)
		for _, depRaw := range st.DependsOn {
			dep := strings.TrimSpace(depRaw)
			if dep == "" || dep == name {
				continue
			}
			if _, ok := byName[dep]; !ok {
				continue // unknown dependency: treat as satisfied, never block
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0)
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	resolved := make(map[string]bool, len(tasks))
	var waves [][]SubTask

	for len(ready) > 0 {
		stageNames := append([]string(nil), ready...)
		sort.Strings(stageNames)
		waves = append(waves, subTasksFor(stageNames, byName))

		next := make([]string, 0)
		for _, name := range stageNames {
			resolved[name] = true
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}

	if len(resolved) != len(byName) {
		var remaining []string
		for name := range byName {
			if !resolved[name] {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		waves = append(waves, subTasksFor(remaining, byName))
	}

	return waves
}

func subTasksFor(names []string, byName map[string]SubTask) []SubTask {
	out := make([]SubTask, 0, len(names))
	for _, n := range names {
		out = append(out, byName[n])
	}
	return out
}
