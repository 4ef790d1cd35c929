// Package constellation implements the mutable task DAG at the center of
// the orchestrator: tasks, dependencies, per-task status and device
// assignment, and the operations that mutate them while preserving the
// invariants a concurrently-executing scheduler depends on.
//
// Tasks and dependencies are stored in two indexed collections keyed by id;
// edges are recorded as (from, to) id pairs rather than direct pointers, so
// there are never ownership cycles to reason about, only graph cycles,
// which add_dependency rejects outright.
package constellation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the constellation's own aggregate lifecycle state.
type State string

const (
	StateCreated   State = "CREATED"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	// StatePartial is this implementation's pinned answer to the terminal
	// state of a constellation whose tasks are all terminal but mixed
	// between COMPLETED, FAILED, and CANCELLED with at least one non-FAILED
	// non-COMPLETED outcome: distinct from both StateCompleted (requires
	// every task COMPLETED) and StateFailed (requires at least one FAILED).
	StatePartial   State = "PARTIAL"
	StateCancelled State = "CANCELLED"
)

// Stats is a point-in-time statistics snapshot over task statuses.
type Stats struct {
	Total             int
	Pending           int
	WaitingDependency int
	Running           int
	Completed         int
	Failed            int
	Cancelled         int
	ParallelismRatio  float64
}

// Constellation is a container of tasks and dependencies plus aggregate
// state. The zero value is not usable; construct with New.
type Constellation struct {
	mu sync.RWMutex

	id        string
	name      string
	state     State
	createdAt time.Time
	updatedAt time.Time

	tasks map[string]*Task
	deps  map[string]*Dependency
	// order records task ids in add_task call order, so operations that
	// must iterate tasks "in insertion order" (round-robin assignment) do
	// not depend on Go's randomized map iteration.
	order []string

	// incoming[taskID] / outgoing[taskID] index dependency ids by endpoint,
	// so predecessor/successor lookups never walk the full dependency set.
	incoming map[string][]string
	outgoing map[string][]string
}

// New creates an empty constellation. If id is empty a uuid is generated.
func New(id, name string) *Constellation {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Constellation{
		id:        id,
		name:      name,
		state:     StateCreated,
		createdAt: now,
		updatedAt: now,
		tasks:     make(map[string]*Task),
		deps:      make(map[string]*Dependency),
		incoming:  make(map[string][]string),
		outgoing:  make(map[string][]string),
	}
}

// RefreshState recomputes the aggregate constellation state from current
// task statuses. Exposed for callers (the synchronizer's merge rule) that
// populate tasks outside the normal mutation path.
func (c *Constellation) RefreshState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshStateLocked()
}

// ID returns the constellation's id.
func (c *Constellation) ID() string { return c.id }

// Name returns the constellation's name.
func (c *Constellation) Name() string { return c.name }

// State returns the current aggregate lifecycle state.
func (c *Constellation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// MarkExecuting transitions the constellation out of CREATED once the
// orchestrator begins dispatching. A no-op once the constellation already
// has a more advanced state.
func (c *Constellation) MarkExecuting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCreated {
		c.state = StateExecuting
		c.updatedAt = time.Now()
	}
}

// MarkCancelled forces the constellation into CANCELLED, overriding any
// derived terminal state. Used when the whole orchestration is cancelled.
func (c *Constellation) MarkCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateCancelled
	c.updatedAt = time.Now()
}

// AddTask adds task to the constellation. Fails with DuplicateIDError if
// its id is already present. A freshly added task with no incoming edges
// starts PENDING; one with incoming edges starts WAITING_DEPENDENCY.
func (c *Constellation) AddTask(t *Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tasks[t.ID]; exists {
		return &DuplicateIDError{Kind: "task", ID: t.ID}
	}

	stored := t.clone()
	if stored.Status == "" {
		if len(c.incoming[stored.ID]) > 0 {
			stored.Status = StatusWaitingDependency
		} else {
			stored.Status = StatusPending
		}
	}
	c.tasks[stored.ID] = stored
	c.order = append(c.order, stored.ID)
	c.touch()
	return nil
}

// RemoveTask removes a task and every dependency touching it. Fails if the
// task is RUNNING or terminal (I3).
func (c *Constellation) RemoveTask(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if !t.Status.IsModifiable() {
		return &ImmutableTaskError{TaskID: id, Status: t.Status}
	}

	for _, depID := range append(append([]string{}, c.incoming[id]...), c.outgoing[id]...) {
		c.removeDependencyLocked(depID)
	}
	delete(c.tasks, id)
	delete(c.incoming, id)
	delete(c.outgoing, id)
	c.order = removeString(c.order, id)
	c.touch()
	return nil
}

// UpdateTask applies the modifiable subset of fields named by update.
// Fails if the task is RUNNING or terminal (I3).
func (c *Constellation) UpdateTask(id string, update TaskUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if !t.Status.IsModifiable() {
		return &ImmutableTaskError{TaskID: id, Status: t.Status}
	}

	if update.Name != nil {
		t.Name = *update.Name
	}
	if update.Description != nil {
		t.Description = *update.Description
	}
	if update.Priority != nil {
		t.Priority = *update.Priority
	}
	if update.DeviceType != nil {
		t.DeviceType = *update.DeviceType
	}
	if update.Tips != nil {
		t.Tips = update.Tips
	}
	c.touch()
	return nil
}

// SetTargetDevice assigns deviceID to task id. Fails if the task is RUNNING
// or terminal (I1, I3). Used by the constellation manager's assignment
// strategies and by reassign_task.
func (c *Constellation) SetTargetDevice(id, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if !t.Status.IsModifiable() {
		return &ImmutableTaskError{TaskID: id, Status: t.Status}
	}
	t.TargetDeviceID = deviceID
	c.touch()
	return nil
}

// ClearAssignments removes every task's device assignment. Terminal and
// RUNNING tasks are left untouched (I3).
func (c *Constellation) ClearAssignments() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tasks {
		if t.Status.IsModifiable() {
			t.TargetDeviceID = ""
		}
	}
	c.touch()
}

// AddDependency adds a directed edge. Fails with MissingEndpointError if
// either endpoint is unknown (I4), with DuplicateIDError if the id
// collides, or with CycleError if the edge would close a cycle (I2).
func (c *Constellation) AddDependency(d *Dependency) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.deps[d.ID]; exists {
		return &DuplicateIDError{Kind: "dependency", ID: d.ID}
	}
	if _, ok := c.tasks[d.FromTaskID]; !ok {
		return &MissingEndpointError{FromTaskID: d.FromTaskID, ToTaskID: d.ToTaskID, MissingID: d.FromTaskID}
	}
	if _, ok := c.tasks[d.ToTaskID]; !ok {
		return &MissingEndpointError{FromTaskID: d.FromTaskID, ToTaskID: d.ToTaskID, MissingID: d.ToTaskID}
	}
	// Only the to-endpoint's modifiability matters here (I3): a completed
	// or running task may still gain new dependents, it just cannot gain a
	// new unmet predecessor of its own once it is no longer modifiable.
	if to := c.tasks[d.ToTaskID]; !to.Status.IsModifiable() {
		return &ImmutableTaskError{TaskID: to.ID, Status: to.Status}
	}
	if c.reachable(d.ToTaskID, d.FromTaskID) {
		return &CycleError{FromTaskID: d.FromTaskID, ToTaskID: d.ToTaskID}
	}

	stored := d.clone()
	c.deps[stored.ID] = stored
	c.outgoing[stored.FromTaskID] = append(c.outgoing[stored.FromTaskID], stored.ID)
	c.incoming[stored.ToTaskID] = append(c.incoming[stored.ToTaskID], stored.ID)

	// A task gaining its first unmet predecessor moves out of PENDING.
	if to := c.tasks[stored.ToTaskID]; to.Status == StatusPending && c.tasks[stored.FromTaskID].Status != StatusCompleted {
		to.Status = StatusWaitingDependency
	}

	c.touch()
	return nil
}

// reachable reports whether to is reachable from from by following
// outgoing edges, i.e. whether from -> ... -> to exists already. Called as
// reachable(to, from) during cycle detection: if from is reachable
// starting at to, adding from->to would close a cycle.
func (c *Constellation) reachable(from, to string) bool {
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, depID := range c.outgoing[cur] {
			stack = append(stack, c.deps[depID].ToTaskID)
		}
	}
	return false
}

// RemoveDependency removes a dependency. Fails if the to-task is no longer
// modifiable (I3).
func (c *Constellation) RemoveDependency(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.deps[id]
	if !ok {
		return &UnknownDependencyError{DependencyID: id}
	}
	if to, ok := c.tasks[d.ToTaskID]; ok && !to.Status.IsModifiable() {
		return &ImmutableTaskError{TaskID: to.ID, Status: to.Status}
	}

	c.removeDependencyLocked(id)
	c.touch()
	return nil
}

func (c *Constellation) removeDependencyLocked(id string) {
	d, ok := c.deps[id]
	if !ok {
		return
	}
	delete(c.deps, id)
	c.outgoing[d.FromTaskID] = removeString(c.outgoing[d.FromTaskID], id)
	c.incoming[d.ToTaskID] = removeString(c.incoming[d.ToTaskID], id)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// MarkTaskCompleted records the outcome of a dispatched task and returns
// the tasks newly made ready by this transition.
func (c *Constellation) MarkTaskCompleted(id string, success bool, result interface{}, taskErr error) ([]*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return nil, &UnknownTaskError{TaskID: id}
	}

	now := time.Now()
	if success {
		t.Status = StatusCompleted
		t.Result = result
	} else {
		t.Status = StatusFailed
		t.Err = taskErr
	}
	t.ExecutionEnd = &now

	var newlyReady []*Task
	for _, other := range c.tasks {
		if other.Status != StatusWaitingDependency {
			continue
		}
		if !c.predecessorsCompletedLocked(other.ID) {
			continue
		}
		other.Status = StatusPending
		if other.TargetDeviceID != "" {
			newlyReady = append(newlyReady, other.clone())
		}
	}

	c.refreshStateLocked()
	c.touch()
	return newlyReady, nil
}

// ReconcilePlannerState applies the planner's view of id's status, result,
// error, and execution timestamps, but only when the planner's status is
// strictly more advanced (per I5) than the scheduler's own. Otherwise the
// scheduler's live state is left untouched, since the scheduler is always
// at least as informed as a possibly-stale planner snapshot about work it
// is itself executing. This is the state half of the Modification
// Synchronizer's merge contract; the structural half (task and dependency
// set) is handled separately via AddTask/RemoveTask/AddDependency/
// RemoveDependency.
func (c *Constellation) ReconcilePlannerState(id string, plannerStatus Status, result interface{}, taskErr error, start, end *time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if plannerStatus.advancement() <= t.Status.advancement() {
		return nil
	}

	t.Status = plannerStatus
	t.Result = result
	t.Err = taskErr
	t.ExecutionStart = start
	t.ExecutionEnd = end

	if plannerStatus == StatusCompleted {
		for _, other := range c.tasks {
			if other.Status != StatusWaitingDependency {
				continue
			}
			if c.predecessorsCompletedLocked(other.ID) {
				other.Status = StatusPending
			}
		}
	}

	c.refreshStateLocked()
	c.touch()
	return nil
}

// StartTask transitions a task into RUNNING and stamps its start time. It
// is the only way a task becomes RUNNING; direct field writes are not part
// of the contract.
func (c *Constellation) StartTask(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if !t.Status.IsModifiable() {
		return &ImmutableTaskError{TaskID: id, Status: t.Status}
	}
	now := time.Now()
	t.Status = StatusRunning
	t.ExecutionStart = &now
	c.refreshStateLocked()
	c.touch()
	return nil
}

// CancelTask transitions a pre-execution task to CANCELLED. Fails if the
// task has already started running (I3 bars cancelling a RUNNING task).
func (c *Constellation) CancelTask(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return &UnknownTaskError{TaskID: id}
	}
	if t.Status.advancement() >= StatusRunning.advancement() {
		return &ImmutableTaskError{TaskID: id, Status: t.Status}
	}
	t.Status = StatusCancelled
	c.refreshStateLocked()
	c.touch()
	return nil
}

func (c *Constellation) predecessorsCompletedLocked(taskID string) bool {
	for _, depID := range c.incoming[taskID] {
		d := c.deps[depID]
		pred, ok := c.tasks[d.FromTaskID]
		if !ok || pred.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// GetTask returns a copy of the task with the given id.
func (c *Constellation) GetTask(id string) (*Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// AllTasks returns a copy of every task, in no particular order.
func (c *Constellation) AllTasks() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.clone())
	}
	return out
}

// AllTasksOrdered returns a copy of every task in add_task call order.
func (c *Constellation) AllTasksOrdered() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Task, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tasks[id].clone())
	}
	return out
}

// AllDependencies returns a copy of every dependency, in no particular
// order.
func (c *Constellation) AllDependencies() []*Dependency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Dependency, 0, len(c.deps))
	for _, d := range c.deps {
		out = append(out, d.clone())
	}
	return out
}

// GetReadyTasks returns the tasks ready to dispatch, ordered by descending
// priority then ascending task id.
func (c *Constellation) GetReadyTasks() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ready []*Task
	for _, t := range c.tasks {
		if c.isReadyLocked(t) {
			ready = append(ready, t.clone())
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (c *Constellation) isReadyLocked(t *Task) bool {
	if t.Status != StatusPending && t.Status != StatusWaitingDependency {
		return false
	}
	if t.TargetDeviceID == "" {
		return false
	}
	return c.predecessorsCompletedLocked(t.ID)
}

// GetTopologicalOrder returns a topological ordering of task ids, or a
// CycleError if the current graph contains a cycle.
func (c *Constellation) GetTopologicalOrder() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	indegree := make(map[string]int, len(c.tasks))
	for id := range c.tasks {
		indegree[id] = len(c.incoming[id])
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(c.tasks))
	for len(queue) > 0 {
		sort.Strings(queue)
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, depID := range c.outgoing[id] {
			to := c.deps[depID].ToTaskID
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(order) != len(c.tasks) {
		return nil, &CycleError{}
	}
	return order, nil
}

// ValidateDAG reports whether the constellation currently satisfies its
// invariants without mutating anything.
func (c *Constellation) ValidateDAG() (bool, []error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	for _, d := range c.deps {
		if _, ok := c.tasks[d.FromTaskID]; !ok {
			errs = append(errs, &MissingEndpointError{FromTaskID: d.FromTaskID, ToTaskID: d.ToTaskID, MissingID: d.FromTaskID})
		}
		if _, ok := c.tasks[d.ToTaskID]; !ok {
			errs = append(errs, &MissingEndpointError{FromTaskID: d.FromTaskID, ToTaskID: d.ToTaskID, MissingID: d.ToTaskID})
		}
	}

	indegree := make(map[string]int, len(c.tasks))
	for id := range c.tasks {
		indegree[id] = len(c.incoming[id])
	}
	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		visited++
		for _, depID := range c.outgoing[id] {
			to := c.deps[depID].ToTaskID
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if visited != len(c.tasks) {
		errs = append(errs, &CycleError{})
	}

	return len(errs) == 0, errs
}

// IsComplete reports whether every task is in a terminal state.
func (c *Constellation) IsComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCompleteLocked()
}

func (c *Constellation) isCompleteLocked() bool {
	for _, t := range c.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// refreshStateLocked recomputes the aggregate state after a status
// transition. CANCELLED is an external override and is never derived here.
func (c *Constellation) refreshStateLocked() {
	if c.state == StateCancelled {
		return
	}
	if len(c.tasks) == 0 {
		return
	}

	anyStarted := false
	for _, t := range c.tasks {
		if t.Status != StatusPending && t.Status != StatusWaitingDependency {
			anyStarted = true
			break
		}
	}

	if !c.isCompleteLocked() {
		if anyStarted {
			c.state = StateExecuting
		}
		return
	}

	allCompleted := true
	anyFailed := false
	for _, t := range c.tasks {
		switch t.Status {
		case StatusCompleted:
		case StatusFailed:
			allCompleted = false
			anyFailed = true
		default:
			allCompleted = false
		}
	}
	switch {
	case allCompleted:
		c.state = StateCompleted
	case anyFailed:
		c.state = StateFailed
	default:
		c.state = StatePartial
	}
}

// Stats returns a point-in-time statistics snapshot.
func (c *Constellation) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsLocked()
}

func (c *Constellation) statsLocked() Stats {
	var s Stats
	s.Total = len(c.tasks)
	for _, t := range c.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusWaitingDependency:
			s.WaitingDependency++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	nonTerminal := s.Pending + s.WaitingDependency + s.Running
	if nonTerminal > 0 {
		s.ParallelismRatio = float64(s.Running) / float64(nonTerminal)
	}
	return s
}

func (c *Constellation) touch() {
	c.updatedAt = time.Now()
}
