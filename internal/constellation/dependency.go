package constellation

// Dependency is a directed edge: the task named by FromTaskID must reach
// COMPLETED before the task named by ToTaskID is considered ready.
// Dependencies carry no runtime condition evaluation; ConditionDescription
// is opaque text the planner attaches for its own purposes.
type Dependency struct {
	ID                    string
	FromTaskID            string
	ToTaskID              string
	ConditionDescription string
}

func (d *Dependency) clone() *Dependency {
	c := *d
	return &c
}
