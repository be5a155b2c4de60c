// File: internal/pipeline/validate.go
// Brief: Dependency-graph validation for pipeline definitions.

package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Violation codes emitted by Validate.
const (
	ViolationMissingDependency = "missing-dependency"
	ViolationSelfDependency    = "self-dependency"
	ViolationDuplicateStage    = "duplicate-stage"
	ViolationDependencyCycle   = "dependency-cycle"
	ViolationInvalidTimeout    = "invalid-timeout"
	ViolationInvalidRetry      = "invalid-retry"
)

// Validate checks that a definition's stage graph is a well-formed DAG and
// that per-stage attributes are usable. A definition with any violation must
// be rejected before it is stored.
func Validate(def Definition) []Violation {
	var out []Violation

	byName := make(map[string]StageDefinition, len(def.Stages))
	for _, st := range def.Stages {
		if _, dup := byName[st.Name]; !dup {
			byName[st.Name] = st
		}
	}

	for _, st := range def.Stages {
		for _, dep := range st.DependsOn {
			if dep == st.Name {
				continue // reported as self-dependency below
			}
			if _, ok := byName[dep]; !ok {
				out = append(out, Violation{
					Code:    ViolationMissingDependency,
					Stage:   st.Name,
					Message: fmt.Sprintf("depends on non-existent stage %q", dep),
				})
			}
		}
	}

	for _, st := range def.Stages {
		for _, dep := range st.DependsOn {
			if dep == st.Name {
				out = append(out, Violation{
					Code:    ViolationSelfDependency,
					Stage:   st.Name,
					Message: "stage depends on itself",
				})
			}
		}
	}

	seen := map[string]bool{}
	for _, st := range def.Stages {
		if seen[st.Name] {
			out = append(out, Violation{
				Code:    ViolationDuplicateStage,
				Stage:   st.Name,
				Message: "stage name declared more than once",
			})
		}
		seen[st.Name] = true
	}

	if cycle := findCycle(def.Stages, byName); len(cycle) > 0 {
		out = append(out, Violation{
			Code:    ViolationDependencyCycle,
			Stage:   cycle[0],
			Message: fmt.Sprintf("dependency cycle detected: %s", cycleString(cycle)),
		})
	}

	for _, st := range def.Stages {
		if st.Timeout < time.Second {
			out = append(out, Violation{
				Code:    ViolationInvalidTimeout,
				Stage:   st.Name,
				Message: "timeout must be at least 1 second",
			})
		}
		if st.RetryCount < 0 {
			out = append(out, Violation{
				Code:    ViolationInvalidRetry,
				Stage:   st.Name,
				Message: "retry count cannot be negative",
			})
		}
	}

	return out
}

// findCycle runs a depth-first search over depends_on edges with an explicit
// recursion stack and returns the first cycle encountered, as a path of stage
// names. Stages are visited in declared order so the report is deterministic.
func findCycle(stages []StageDefinition, byName map[string]StageDefinition) []string {
	vis := map[string]bool{}
	onStack := map[string]bool{}
	var stack []string
	var cycle []string

	var dfs func(name string) bool
	dfs = func(name string) bool {
		vis[name] = true
		onStack[name] = true
		stack = append(stack, name)
		for _, dep := range byName[name].DependsOn {
			if dep == name {
				continue
			}
			if _, ok := byName[dep]; !ok {
				continue
			}
			if !vis[dep] {
				if dfs(dep) {
					return true
				}
				continue
			}
			if onStack[dep] {
				// Extract the cycle from dep to the top of the stack.
				idx := 0
				for i := range stack {
					if stack[i] == dep {
						idx = i
						break
					}
				}
				cycle = append([]string(nil), stack[idx:]...)
				return true
			}
		}
		onStack[name] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for _, st := range stages {
		if vis[st.Name] {
			continue
		}
		if dfs(st.Name) {
			return cycle
		}
	}
	return nil
}

func cycleString(cycle []string) string {
	parts := append([]string(nil), cycle...)
	if len(cycle) > 0 {
		parts = append(parts, cycle[0])
	}
	return strings.Join(parts, " -> ")
}
