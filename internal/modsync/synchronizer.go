// Package modsync implements the Modification Synchronizer: the
// event-driven gate that blocks new task dispatch between a task
// completion and the planner's matching CONSTELLATION_MODIFIED signal, and
// the merge rule that reconciles the planner's latest topology with the
// scheduler's execution progress.
//
// The pending map is the one piece of shared mutable state here; it is
// touched by the event-observer path (Notify) and read by the gate
// (WaitForPending). A single mutex arbitrates both, per the rule that
// direct map writes must never race with concurrent map reads.
package modsync

import (
	"sync"
	"time"

	"github.com/haldane-systems/constellation/internal/constellation"
	"github.com/haldane-systems/constellation/internal/eventbus"
	"github.com/haldane-systems/constellation/pkg/logging"
)

const subsystem = "Synchronizer"

// DefaultTimeout is the modification_timeout applied when Config.Timeout
// is zero.
const DefaultTimeout = 600 * time.Second

// Config configures a Synchronizer.
type Config struct {
	// Timeout bounds how long an edit cycle may stay pending before the
	// synchronizer auto-releases it. Default: DefaultTimeout.
	Timeout time.Duration
}

// Stats are the synchronizer's lifetime counters.
type Stats struct {
	Total     int
	Completed int
	TimedOut  int
}

type pendingEntry struct {
	ch    chan struct{}
	timer *time.Timer
}

// Synchronizer is both an eventbus.Observer (of TASK_COMPLETED, TASK_FAILED,
// CONSTELLATION_MODIFIED) and the gate the orchestrator's scheduling loop
// consults before dispatching. The zero value is not usable; construct
// with New.
type Synchronizer struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	current *constellation.Snapshot
	timeout time.Duration
	stats   Stats

	bus    *eventbus.Bus
	subID  eventbus.SubscriptionID
}

// New creates a Synchronizer subscribed to bus for the events it must
// observe.
func New(bus *eventbus.Bus, cfg Config) *Synchronizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := &Synchronizer{
		pending: make(map[string]*pendingEntry),
		timeout: timeout,
		bus:     bus,
	}
	s.subID = bus.Subscribe(s, eventbus.TaskCompleted, eventbus.TaskFailed, eventbus.ConstellationModified)
	return s
}

// Close unsubscribes the synchronizer from its event bus.
func (s *Synchronizer) Close() {
	s.bus.Unsubscribe(s.subID)
}

// Stats returns a copy of the lifetime counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Notify implements eventbus.Observer.
func (s *Synchronizer) Notify(event eventbus.Event) error {
	switch event.Type {
	case eventbus.TaskCompleted, eventbus.TaskFailed:
		if event.Task != nil {
			s.arm(event.Task.TaskID)
		}
	case eventbus.ConstellationModified:
		if event.Constellation != nil {
			s.onModified(event.Constellation)
		}
	}
	return nil
}

// arm opens an edit cycle for taskID if one is not already open, and arms
// its auto-release timeout.
func (s *Synchronizer) arm(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[taskID]; exists {
		return
	}

	entry := &pendingEntry{ch: make(chan struct{})}
	s.pending[taskID] = entry
	s.stats.Total++
	entry.timer = time.AfterFunc(s.timeout, func() { s.onTimeout(taskID) })
}

// onTimeout fires when no CONSTELLATION_MODIFIED arrived for taskID within
// the modification timeout. Prevents indefinite blocking if the planner
// misbehaves.
func (s *Synchronizer) onTimeout(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[taskID]; !ok {
		return
	}
	s.fireLocked(taskID)
	s.stats.TimedOut++
	logging.Warn(subsystem, "edit cycle for task %s timed out after %s; releasing gate", taskID, s.timeout)
}

// onModified clears every pending entry the event closes and adopts the
// planner's updated topology as the current snapshot.
func (s *Synchronizer) onModified(event *eventbus.ConstellationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, taskID := range event.OnTaskID {
		if _, ok := s.pending[taskID]; ok {
			s.fireLocked(taskID)
			s.stats.Completed++
		}
	}
	if snap, ok := event.NewConstellation.(*constellation.Snapshot); ok {
		s.current = snap
	}
}

// fireLocked closes taskID's signal and removes it from pending. Callers
// must hold s.mu.
func (s *Synchronizer) fireLocked(taskID string) {
	entry, ok := s.pending[taskID]
	if !ok {
		return
	}
	close(entry.ch)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.pending, taskID)
}

// WaitForPending blocks until every currently pending edit cycle clears,
// including any that arrive while waiting (a settle loop), or until
// timeout elapses. It returns false when any edit cycle was released by
// its own modification timeout during the wait rather than by a
// CONSTELLATION_MODIFIED event. On the caller's own timeout it clears
// pending as a last-resort unblock and returns false.
func (s *Synchronizer) WaitForPending(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timedOutBefore := s.Stats().TimedOut

	for {
		chans := s.snapshotChans()
		if len(chans) == 0 {
			return s.Stats().TimedOut == timedOutBefore
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || !waitAll(chans, remaining) {
			s.clearPending()
			return false
		}
	}
}

func (s *Synchronizer) snapshotChans() []chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := make([]chan struct{}, 0, len(s.pending))
	for _, e := range s.pending {
		chans = append(chans, e.ch)
	}
	return chans
}

func (s *Synchronizer) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.fireLocked(id)
	}
}

// waitAll blocks until every channel in chans is closed or timeout
// elapses, returning false in the latter case. Each channel gets its own
// waiter goroutine so a single slow signal cannot starve the others.
func waitAll(chans []chan struct{}, timeout time.Duration) bool {
	if len(chans) == 0 {
		return true
	}

	var wg sync.WaitGroup
	wg.Add(len(chans))
	for _, ch := range chans {
		go func(ch chan struct{}) {
			defer wg.Done()
			<-ch
		}(ch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Merge reconciles the planner's latest snapshot into schedulerView in
// place and returns it. Structural topology — adopting tasks and
// dependencies the planner added, applying the planner's edits to
// modifiable fields of tasks still pre-execution, and dropping
// tasks/dependencies the planner removed where I3 still allows it — always
// comes from the planner's view. Per-task state (status, result, error,
// execution timestamps) is bidirectional per I5: schedulerView keeps its
// own state for a task it has advanced further than the planner's
// snapshot knows about, but adopts the planner's state when the planner's
// view is strictly more advanced (for example a planner that cancels a
// still-pending task out from under the scheduler). If no
// CONSTELLATION_MODIFIED event has ever arrived, schedulerView is returned
// unchanged.
func (s *Synchronizer) Merge(schedulerView *constellation.Constellation) *constellation.Constellation {
	s.mu.Lock()
	snap := s.current
	s.mu.Unlock()

	if snap == nil {
		return schedulerView
	}

	known := make(map[string]bool)
	for _, t := range schedulerView.AllTasksOrdered() {
		known[t.ID] = true
	}

	plannerTasks := make(map[string]bool, len(snap.Tasks))
	for _, t := range snap.Tasks {
		plannerTasks[t.ID] = true
		if known[t.ID] {
			continue
		}
		if err := schedulerView.AddTask(t); err != nil {
			logging.Warn(subsystem, "merge could not adopt planner task %s: %v", t.ID, err)
			continue
		}
		known[t.ID] = true
	}

	for _, t := range snap.Tasks {
		if !known[t.ID] {
			continue
		}
		update := constellation.TaskUpdate{
			Name:        &t.Name,
			Description: &t.Description,
			Priority:    &t.Priority,
			DeviceType:  &t.DeviceType,
		}
		if t.Tips != nil {
			update.Tips = t.Tips
		}
		if err := schedulerView.UpdateTask(t.ID, update); err != nil {
			// Task is already RUNNING or terminal: the scheduler's progress
			// wins over the planner's edit, per I3. Not an error.
		}

		if err := schedulerView.ReconcilePlannerState(t.ID, t.Status, t.Result, t.Err, t.ExecutionStart, t.ExecutionEnd); err != nil {
			logging.Warn(subsystem, "merge could not reconcile planner state for task %s: %v", t.ID, err)
		}
	}

	existingDeps := make(map[string]*constellation.Dependency)
	for _, d := range schedulerView.AllDependencies() {
		existingDeps[d.ID] = d
	}
	plannerDeps := make(map[string]bool, len(snap.Dependencies))
	for _, d := range snap.Dependencies {
		plannerDeps[d.ID] = true
		if _, ok := existingDeps[d.ID]; ok {
			continue
		}
		if err := schedulerView.AddDependency(d); err != nil {
			logging.Warn(subsystem, "merge could not adopt planner dependency %s: %v", d.ID, err)
		}
	}
	for id := range existingDeps {
		if plannerDeps[id] {
			continue
		}
		if err := schedulerView.RemoveDependency(id); err != nil {
			logging.Debug(subsystem, "merge retained dependency %s dropped by planner: %v", id, err)
		}
	}

	for id := range known {
		if plannerTasks[id] {
			continue
		}
		if err := schedulerView.RemoveTask(id); err != nil {
			logging.Debug(subsystem, "merge retained task %s dropped by planner: %v", id, err)
		}
	}

	schedulerView.RefreshState()
	return schedulerView
}
