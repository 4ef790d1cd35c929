package orchestrator

import "fmt"

// MissingDependencyError reports a Config field the orchestrator cannot
// run without.
type MissingDependencyError struct {
	Field string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("orchestrator: Config.%s is required", e.Field)
}

// InvalidConstellationError wraps the DAG validation errors reported by
// ValidateDAG during the preparation phase.
type InvalidConstellationError struct {
	Errs []error
}

func (e *InvalidConstellationError) Error() string {
	return fmt.Sprintf("orchestrator: constellation fails validation: %v", e.Errs)
}

// UnresolvedAssignmentError reports that one or more tasks still have no
// target device after the assignment phase, and the configured policy is
// to treat that as fatal rather than auto-assign.
type UnresolvedAssignmentError struct {
	TaskIDs []string
}

func (e *UnresolvedAssignmentError) Error() string {
	return fmt.Sprintf("orchestrator: tasks without a device assignment: %v", e.TaskIDs)
}
