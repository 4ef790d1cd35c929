package constellation

import "gopkg.in/yaml.v3"

// Snapshot is an immutable, yaml-serializable rendering of a constellation's
// current shape, used by debug logging and by the synchronizer / event bus
// to hand observers a stable view without exposing the live, lock-guarded
// Constellation value.
type Snapshot struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	State     State            `yaml:"state"`
	Tasks     []*Task          `yaml:"tasks"`
	Dependencies []*Dependency `yaml:"dependencies"`
	Stats     Stats            `yaml:"stats"`
}

// Snapshot captures the constellation's current topology, task states, and
// statistics into a value safe to read after the lock is released.
func (c *Constellation) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tasks := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t.clone())
	}
	deps := make([]*Dependency, 0, len(c.deps))
	for _, d := range c.deps {
		deps = append(deps, d.clone())
	}

	return &Snapshot{
		ID:           c.id,
		Name:         c.name,
		State:        c.state,
		Tasks:        tasks,
		Dependencies: deps,
		Stats:        c.statsLocked(),
	}
}

// Dump renders the snapshot as YAML for debug logging. Marshal errors are
// not expected for this plain-data shape; Dump returns the error text
// inline rather than panicking so a failed render never crashes a log call.
func (s *Snapshot) Dump() string {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "error rendering snapshot: " + err.Error()
	}
	return string(out)
}
