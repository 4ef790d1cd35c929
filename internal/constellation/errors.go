package constellation

import "fmt"

// CycleError reports that a proposed dependency would close a cycle in the
// task graph. The edge is rejected before it is ever added (I2).
type CycleError struct {
	FromTaskID string
	ToTaskID   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("constellation: adding dependency %s -> %s would introduce a cycle", e.FromTaskID, e.ToTaskID)
}

// ImmutableTaskError reports an attempted mutation of a task that is no
// longer modifiable because it has started or finished executing (I3).
type ImmutableTaskError struct {
	TaskID string
	Status Status
}

func (e *ImmutableTaskError) Error() string {
	return fmt.Sprintf("constellation: task %s is immutable in status %s", e.TaskID, e.Status)
}

// UnknownTaskError reports a reference to a task id not present in the
// constellation.
type UnknownTaskError struct {
	TaskID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("constellation: unknown task %s", e.TaskID)
}

// UnknownDependencyError reports a reference to a dependency id not present
// in the constellation.
type UnknownDependencyError struct {
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("constellation: unknown dependency %s", e.DependencyID)
}

// DuplicateIDError reports an add_task or add_dependency call whose id
// collides with an existing one.
type DuplicateIDError struct {
	Kind string // "task" or "dependency"
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("constellation: duplicate %s id %s", e.Kind, e.ID)
}

// MissingEndpointError reports a dependency whose endpoints do not both
// refer to tasks already in the constellation (I4).
type MissingEndpointError struct {
	FromTaskID string
	ToTaskID   string
	MissingID  string
}

func (e *MissingEndpointError) Error() string {
	return fmt.Sprintf("constellation: dependency %s -> %s references unknown task %s", e.FromTaskID, e.ToTaskID, e.MissingID)
}
