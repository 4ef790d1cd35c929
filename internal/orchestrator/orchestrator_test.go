package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldane-systems/constellation/internal/assign"
	"github.com/haldane-systems/constellation/internal/constellation"
	"github.com/haldane-systems/constellation/internal/device"
	"github.com/haldane-systems/constellation/internal/eventbus"
	"github.com/haldane-systems/constellation/internal/modsync"
)

func newTestOrchestrator(t *testing.T, bus *eventbus.Bus, fake *device.Fake, autoAssign *bool) *Orchestrator {
	t.Helper()
	sync := modsync.New(bus, modsync.Config{Timeout: 2 * time.Second})
	o, err := New(Config{
		Bus:                      bus,
		Devices:                  fake,
		Assign:                   assign.NewManager(),
		Sync:                     sync,
		AutoAssignMissingDevices: autoAssign,
	})
	require.NoError(t, err)
	return o
}

// eventRecorder collects published events in the order the bus delivers
// them to this single observer.
type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) Notify(e eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) snapshot() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestOrchestrate_CompletesIndependentTasks(t *testing.T) {
	bus := eventbus.New()
	fake := device.NewFake(&device.Info{ID: "d1", DeviceType: "linux"})
	o := newTestOrchestrator(t, bus, fake, nil)

	rec := &eventRecorder{}
	bus.Subscribe(rec, eventbus.ConstellationCompleted, eventbus.ConstellationStarted)

	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a"}))
	require.NoError(t, c.AddTask(&constellation.Task{ID: "b"}))

	res, err := o.Orchestrate(context.Background(), c, OrchestrateOptions{})
	require.NoError(t, err)

	assert.Equal(t, constellation.StateCompleted, res.State)
	assert.Len(t, res.Results, 2)
	assert.Empty(t, res.Errors)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.ConstellationStarted, events[0].Type)
	assert.Equal(t, eventbus.ConstellationCompleted, events[1].Type)
}

func TestOrchestrate_TaskFailureMarksConstellationFailedWithoutHaltingSiblings(t *testing.T) {
	bus := eventbus.New()
	fake := device.NewFake(&device.Info{ID: "d1"})
	fake.Errors = map[string]error{"a": errors.New("device rejected task")}
	o := newTestOrchestrator(t, bus, fake, nil)

	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a"}))
	require.NoError(t, c.AddTask(&constellation.Task{ID: "b"}))

	res, err := o.Orchestrate(context.Background(), c, OrchestrateOptions{})
	require.NoError(t, err)

	assert.Equal(t, constellation.StateFailed, res.State)
	require.Contains(t, res.Errors, "a")
	require.Contains(t, res.Results, "b")
}

func TestOrchestrate_EventOrderingTaskStartedPrecedesOutcome(t *testing.T) {
	bus := eventbus.New()
	fake := device.NewFake(&device.Info{ID: "d1"})
	fake.Errors = map[string]error{"b": errors.New("boom")}
	o := newTestOrchestrator(t, bus, fake, nil)

	rec := &eventRecorder{}
	bus.Subscribe(rec, eventbus.TaskStarted, eventbus.TaskCompleted, eventbus.TaskFailed)

	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a"}))
	require.NoError(t, c.AddTask(&constellation.Task{ID: "b"}))

	_, err := o.Orchestrate(context.Background(), c, OrchestrateOptions{})
	require.NoError(t, err)

	started := map[string]int{}
	outcome := map[string]int{}
	for i, e := range rec.snapshot() {
		switch e.Type {
		case eventbus.TaskStarted:
			started[e.Task.TaskID] = i
		case eventbus.TaskCompleted, eventbus.TaskFailed:
			outcome[e.Task.TaskID] = i
		}
	}
	for _, id := range []string{"a", "b"} {
		require.Contains(t, started, id)
		require.Contains(t, outcome, id)
		assert.Less(t, started[id], outcome[id], "TASK_STARTED must precede the outcome event for task %s", id)
	}
}

func TestOrchestrate_ConcurrentEditAdoptsNewTaskAfterCompletion(t *testing.T) {
	bus := eventbus.New()
	fake := device.NewFake(&device.Info{ID: "d1"})
	s := modsync.New(bus, modsync.Config{Timeout: 250 * time.Millisecond})
	o, err := New(Config{Bus: bus, Devices: fake, Sync: s})
	require.NoError(t, err)

	// "z" depends on "a", so the loop still has work after "a" completes
	// and reaches the merge step that adopts the planner's new task.
	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a", TargetDeviceID: "d1"}))
	require.NoError(t, c.AddTask(&constellation.Task{ID: "z", TargetDeviceID: "d1"}))
	require.NoError(t, c.AddDependency(&constellation.Dependency{ID: "d-az", FromTaskID: "a", ToTaskID: "z"}))

	done := make(chan struct{})
	var res *Result
	var orchErr error
	go func() {
		res, orchErr = o.Orchestrate(context.Background(), c, OrchestrateOptions{})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Total == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for task a's edit cycle to open")
		}
		time.Sleep(2 * time.Millisecond)
	}

	planner := constellation.New("c1", "test")
	require.NoError(t, planner.AddTask(&constellation.Task{ID: "a", TargetDeviceID: "d1"}))
	require.NoError(t, planner.AddTask(&constellation.Task{ID: "z", TargetDeviceID: "d1"}))
	require.NoError(t, planner.AddDependency(&constellation.Dependency{ID: "d-az", FromTaskID: "a", ToTaskID: "z"}))
	require.NoError(t, planner.AddTask(&constellation.Task{ID: "b", TargetDeviceID: "d1"}))
	require.NoError(t, planner.AddDependency(&constellation.Dependency{ID: "d-ab", FromTaskID: "a", ToTaskID: "b"}))

	modified := eventbus.NewEvent(eventbus.ConstellationModified, "planner", nil)
	modified.Constellation = &eventbus.ConstellationEvent{OnTaskID: []string{"a"}, NewConstellation: planner.Snapshot()}
	bus.Publish(modified)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrate did not pick up the planner's new task")
	}

	require.NoError(t, orchErr)
	assert.Equal(t, constellation.StateCompleted, res.State)
	assert.Contains(t, res.Results, "a")
	assert.Contains(t, res.Results, "b")
	assert.Contains(t, fake.Dispatched, "b")
}

func TestOrchestrate_CancellationStopsBeforeDependentDispatch(t *testing.T) {
	bus := eventbus.New()
	fake := device.NewFake(&device.Info{ID: "d1"})
	release := make(chan struct{})
	fake.Delay = map[string]func(ctx context.Context) error{
		"a": func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	o := newTestOrchestrator(t, bus, fake, nil)

	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a", TargetDeviceID: "d1"}))
	require.NoError(t, c.AddTask(&constellation.Task{ID: "b", TargetDeviceID: "d1"}))
	require.NoError(t, c.AddDependency(&constellation.Dependency{ID: "d-ab", FromTaskID: "a", ToTaskID: "b"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var orchErr error
	go func() {
		_, orchErr = o.Orchestrate(ctx, c, OrchestrateOptions{})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrate did not return after cancellation")
	}

	assert.Error(t, orchErr)
	assert.NotContains(t, fake.Dispatched, "b")
	assert.Equal(t, constellation.StateCancelled, c.State())
}

func TestOrchestrate_FatalAssignmentPolicyStopsOnUnresolvedDevice(t *testing.T) {
	bus := eventbus.New()
	fake := device.NewFake(&device.Info{ID: "d1"})
	s := modsync.New(bus, modsync.Config{Timeout: 2 * time.Second})
	fatal := false
	o, err := New(Config{Bus: bus, Devices: fake, Sync: s, AutoAssignMissingDevices: &fatal})
	require.NoError(t, err)

	// "z" depends on "a", so the loop still has work after "a" completes
	// and reaches the merge step that adopts the planner's new task.
	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a", TargetDeviceID: "d1"}))
	require.NoError(t, c.AddTask(&constellation.Task{ID: "z", TargetDeviceID: "d1"}))
	require.NoError(t, c.AddDependency(&constellation.Dependency{ID: "d-az", FromTaskID: "a", ToTaskID: "z"}))

	done := make(chan struct{})
	var orchErr error
	go func() {
		_, orchErr = o.Orchestrate(context.Background(), c, OrchestrateOptions{})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Total == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for task a's edit cycle to open")
		}
		time.Sleep(2 * time.Millisecond)
	}

	planner := constellation.New("c1", "test")
	require.NoError(t, planner.AddTask(&constellation.Task{ID: "a", TargetDeviceID: "d1"}))
	require.NoError(t, planner.AddTask(&constellation.Task{ID: "z", TargetDeviceID: "d1"}))
	require.NoError(t, planner.AddDependency(&constellation.Dependency{ID: "d-az", FromTaskID: "a", ToTaskID: "z"}))
	require.NoError(t, planner.AddTask(&constellation.Task{ID: "c"})) // no device
	require.NoError(t, planner.AddDependency(&constellation.Dependency{ID: "d-ac", FromTaskID: "a", ToTaskID: "c"}))

	modified := eventbus.NewEvent(eventbus.ConstellationModified, "planner", nil)
	modified.Constellation = &eventbus.ConstellationEvent{OnTaskID: []string{"a"}, NewConstellation: planner.Snapshot()}
	bus.Publish(modified)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrate did not return after the planner introduced an unassignable task")
	}

	require.Error(t, orchErr)
	var unresolved *UnresolvedAssignmentError
	assert.ErrorAs(t, orchErr, &unresolved)
}

func TestOrchestrate_UnknownTaskInDeviceAssignmentsFailsFast(t *testing.T) {
	bus := eventbus.New()
	fake := device.NewFake(&device.Info{ID: "d1"})
	o := newTestOrchestrator(t, bus, fake, nil)

	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a"}))
	require.NoError(t, c.AddTask(&constellation.Task{ID: "b"}))
	require.NoError(t, c.AddDependency(&constellation.Dependency{ID: "d1", FromTaskID: "a", ToTaskID: "b"}))
	// An explicit device assignment naming a task that was never added
	// fails the preparation phase before any dispatch.
	_, err := o.Orchestrate(context.Background(), c, OrchestrateOptions{
		DeviceAssignments: map[string]string{"ghost": "d1"},
	})
	require.Error(t, err)
}

func TestNew_RequiresBusAndDevices(t *testing.T) {
	_, err := New(Config{})
	var missing *MissingDependencyError
	assert.ErrorAs(t, err, &missing)

	_, err = New(Config{Bus: eventbus.New()})
	assert.ErrorAs(t, err, &missing)
}
