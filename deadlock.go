package maestro

import (
	"fmt"
	"sort"
)

// DeadlockDetector analyzes the wait-for structure of an in-flight
// execution: which fan-in records wait on which branch cursors, and which
// of those waits can never be satisfied. Detection is advisory — callers
// fail the execution with the diagnostic rather than attempting automatic
// resolution.
type DeadlockDetector struct {
	workflow *Workflow
}

// NewDeadlockDetector builds a detector for one workflow definition.
func NewDeadlockDetector(workflow *Workflow) *DeadlockDetector {
	return &DeadlockDetector{workflow: workflow}
}

// CheckGateway validates a parallel gateway before any branch spawns. A
// fan-in dependency naming a branch the gateway never spawns is a lost
// wakeup: the join would block forever.
func (d *DeadlockDetector) CheckGateway(executionID string, step *Step) error {
	spawned := map[string]bool{}
	for _, branch := range step.Gateway.Branches {
		spawned[branch.Name] = true
	}
	for _, name := range step.Gateway.DependsOn {
		if !spawned[name] {
			return &DeadlockError{
				ExecutionID: executionID,
				Diagnostic: fmt.Sprintf(
					"fan-in of gateway %q depends on branch %q, which the gateway never spawns",
					step.Name, name),
			}
		}
	}
	return nil
}

// Check inspects a live execution for unsatisfiable waits: cycles in the
// wait-for graph across nested gateways, and joins waiting on branches
// that no longer exist or terminated without satisfying the dependency.
// Invoked periodically by a supervising scheduler for long-suspended
// executions.
func (d *DeadlockDetector) Check(state *ExecutionState) error {
	joins := state.GetJoinStates()
	if len(joins) == 0 {
		return nil
	}
	branches := state.GetBranchStates()

	// Branch cursors by (gateway, branch name) so joins can find the
	// cursor satisfying each declared dependency.
	cursorsByDep := map[string]map[string]*BranchState{}
	for _, branch := range branches {
		if branch.Gateway == "" {
			continue
		}
		byName, ok := cursorsByDep[branch.Gateway]
		if !ok {
			byName = map[string]*BranchState{}
			cursorsByDep[branch.Gateway] = byName
		}
		byName[branch.GatewayBranch] = branch
	}

	// Lost wakeups: a join expecting a branch cursor that was never
	// spawned, or one that terminated without being recorded as done.
	for gateway, join := range joins {
		for _, name := range join.Expected {
			if join.Done[name] {
				continue
			}
			cursor, ok := cursorsByDep[gateway][name]
			if !ok {
				return &DeadlockError{
					ExecutionID: state.ID(),
					Diagnostic: fmt.Sprintf(
						"fan-in of gateway %q waits on branch %q, but no such cursor was spawned",
						gateway, name),
				}
			}
			if cursor.Status.Terminal() {
				return &DeadlockError{
					ExecutionID: state.ID(),
					Diagnostic: fmt.Sprintf(
						"fan-in of gateway %q waits on branch %q, which terminated (%s) without satisfying the dependency",
						gateway, name, cursor.Status),
				}
			}
		}
	}

	// Cycle detection over the wait-for graph: a join waits on its
	// expected branch cursors; a branch cursor parked at a nested gateway
	// waits on that gateway's join. Tri-color DFS.
	waitsOn := map[string][]string{}
	for gateway, join := range joins {
		joinNode := "join:" + gateway
		for _, name := range join.Expected {
			if cursor, ok := cursorsByDep[gateway][name]; ok && !join.Done[name] {
				waitsOn[joinNode] = append(waitsOn[joinNode], "branch:"+cursor.ID)
			}
		}
	}
	for _, branch := range branches {
		if branch.Status.Terminal() {
			continue
		}
		// A cursor whose current step is an open gateway is waiting on
		// that gateway's join.
		if _, open := joins[branch.CurrentStep]; open {
			waitsOn["branch:"+branch.ID] = append(waitsOn["branch:"+branch.ID], "join:"+branch.CurrentStep)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	colors := map[string]int{}
	var cycle string
	var dfs func(node string)
	dfs = func(node string) {
		if cycle != "" {
			return
		}
		colors[node] = visiting
		for _, next := range waitsOn[node] {
			switch colors[next] {
			case visiting:
				cycle = next
				return
			case unvisited:
				dfs(next)
			}
		}
		colors[node] = visited
	}
	nodes := make([]string, 0, len(waitsOn))
	for node := range waitsOn {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if colors[node] == unvisited {
			dfs(node)
		}
	}
	if cycle != "" {
		return &DeadlockError{
			ExecutionID: state.ID(),
			Diagnostic:  fmt.Sprintf("cycle in wait-for graph through %s", cycle),
		}
	}
	return nil
}
