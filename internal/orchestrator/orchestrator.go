// Package orchestrator implements the scheduling loop: the component that
// turns a validated task constellation into dispatched work, reconciling
// concurrent structural edits against in-flight execution on every pass.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ygrebnov/workers"

	"github.com/haldane-systems/constellation/internal/assign"
	"github.com/haldane-systems/constellation/internal/constellation"
	"github.com/haldane-systems/constellation/internal/device"
	"github.com/haldane-systems/constellation/internal/eventbus"
	"github.com/haldane-systems/constellation/internal/modsync"
	"github.com/haldane-systems/constellation/pkg/logging"
)

const subsystem = "Orchestrator"

// idleSleep is the pause between scheduling-loop passes when nothing is
// in flight and nothing is ready, per spec §4.5 step 4 / §5.
const idleSleep = 100 * time.Millisecond

// Config wires an Orchestrator's collaborators. Bus and Devices are
// required; Assign and Sync default to fresh instances if left nil.
type Config struct {
	Bus     *eventbus.Bus
	Devices device.Manager
	Assign  *assign.Manager
	Sync    *modsync.Synchronizer

	// AutoAssignMissingDevices governs the policy at §4.5 step 2 for tasks
	// a planner edit introduced with no target device. nil (the zero
	// value) means the default, true: auto-assign via the active
	// strategy. An explicit false makes a missing assignment a fatal
	// UnresolvedAssignmentError instead.
	AutoAssignMissingDevices *bool

	// SyncWaitTimeout bounds how long the scheduling loop waits for
	// pending edit cycles to settle on each pass. Individual edit cycles
	// are already bounded by the Synchronizer's own per-task timeout
	// (modsync.Config.Timeout); this is the loop's outer patience.
	// Default: one hour, long enough that the per-task timeout always
	// fires first in practice.
	SyncWaitTimeout time.Duration

	// SourceID identifies this orchestrator instance in every event it
	// publishes. Default: a generated uuid.
	SourceID string
}

// Orchestrator runs the scheduling loop described in spec §4.5.
type Orchestrator struct {
	bus      *eventbus.Bus
	devices  device.Manager
	assign   *assign.Manager
	sync     *modsync.Synchronizer
	sourceID string

	autoAssignMissing bool
	syncWaitTimeout   time.Duration
}

// New validates cfg and constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Bus == nil {
		return nil, &MissingDependencyError{Field: "Bus"}
	}
	if cfg.Devices == nil {
		return nil, &MissingDependencyError{Field: "Devices"}
	}
	if cfg.Assign == nil {
		cfg.Assign = assign.NewManager()
	}
	if cfg.Sync == nil {
		cfg.Sync = modsync.New(cfg.Bus, modsync.Config{})
	}
	if cfg.SyncWaitTimeout <= 0 {
		cfg.SyncWaitTimeout = time.Hour
	}
	if cfg.SourceID == "" {
		cfg.SourceID = uuid.NewString()
	}

	autoAssign := true
	if cfg.AutoAssignMissingDevices != nil {
		autoAssign = *cfg.AutoAssignMissingDevices
	}

	return &Orchestrator{
		bus:               cfg.Bus,
		devices:           cfg.Devices,
		assign:            cfg.Assign,
		sync:              cfg.Sync,
		sourceID:          cfg.SourceID,
		autoAssignMissing: autoAssign,
		syncWaitTimeout:   cfg.SyncWaitTimeout,
	}, nil
}

// OrchestrateOptions parameterizes one call to Orchestrate.
type OrchestrateOptions struct {
	// DeviceAssignments, if non-empty, is applied verbatim (task id ->
	// device id) instead of invoking the Constellation Manager.
	DeviceAssignments map[string]string
	// Strategy selects the Constellation Manager's assignment policy when
	// DeviceAssignments is empty. Default: assign.RoundRobin.
	Strategy assign.Strategy
	// Metadata is attached to the constellation's registration.
	Metadata map[string]interface{}
}

// Result is the outcome of one Orchestrate call.
type Result struct {
	ConstellationID   string
	Results           map[string]interface{}
	Errors            map[string]error
	State             constellation.State
	TaskCount         int
	Statistics        constellation.Stats
	ExecutionDuration time.Duration
}

type dispatchResult struct {
	taskID  string
	success bool
	result  interface{}
	err     error
}

// Orchestrate runs the preparation phase and scheduling loop for c until
// every task reaches a terminal state, or ctx is cancelled.
func (o *Orchestrator) Orchestrate(ctx context.Context, c *constellation.Constellation, opts OrchestrateOptions) (*Result, error) {
	start := time.Now()

	if ok, errs := c.ValidateDAG(); !ok {
		o.publishConstellationFailed(c, fmt.Sprintf("constellation failed validation: %v", errs))
		return nil, &InvalidConstellationError{Errs: errs}
	}

	devices, err := o.listDeviceInfos(ctx)
	if err != nil {
		o.publishConstellationFailed(c, err.Error())
		return nil, fmt.Errorf("orchestrator: listing devices: %w", err)
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = assign.RoundRobin
	}

	if len(opts.DeviceAssignments) > 0 {
		for taskID, deviceID := range opts.DeviceAssignments {
			if err := c.SetTargetDevice(taskID, deviceID); err != nil {
				o.publishConstellationFailed(c, err.Error())
				return nil, fmt.Errorf("orchestrator: applying device assignment for task %s: %w", taskID, err)
			}
		}
	} else if err := o.assign.AssignDevices(c, strategy, devices, nil); err != nil {
		o.publishConstellationFailed(c, err.Error())
		return nil, fmt.Errorf("orchestrator: assigning devices: %w", err)
	}

	if err := o.enforceAssignmentPolicy(c, devices, strategy); err != nil {
		o.publishConstellationFailed(c, err.Error())
		return nil, err
	}

	o.assign.Register(c.ID(), opts.Metadata)
	defer o.assign.Unregister(c.ID())

	c.MarkExecuting()
	o.publishConstellationStarted(c, strategy)

	w := workers.New[dispatchResult](ctx, &workers.Config{StartImmediately: true})

	results := make(map[string]interface{})
	taskErrs := make(map[string]error)
	inFlight := make(map[string]struct{})

	for !c.IsComplete() {
		if err := ctx.Err(); err != nil {
			o.drain(w, inFlight, results, taskErrs, c)
			c.MarkCancelled()
			return o.result(c, start, results, taskErrs), err
		}

		o.sync.WaitForPending(o.syncWaitTimeout)
		o.sync.Merge(c)

		if err := o.enforceAssignmentPolicy(c, devices, strategy); err != nil {
			o.drain(w, inFlight, results, taskErrs, c)
			o.publishConstellationFailed(c, err.Error())
			return o.result(c, start, results, taskErrs), err
		}

		for _, t := range c.GetReadyTasks() {
			if _, ok := inFlight[t.ID]; ok {
				continue
			}
			inFlight[t.ID] = struct{}{}
			task := t
			if err := w.AddTask(func(taskCtx context.Context) (dispatchResult, error) {
				return o.dispatchOne(taskCtx, c, task), nil
			}); err != nil {
				delete(inFlight, t.ID)
				logging.Error(subsystem, err, "could not enqueue task %s for dispatch", t.ID)
			}
		}

		if len(inFlight) == 0 {
			time.Sleep(idleSleep)
			continue
		}

		select {
		case res := <-w.GetResults():
			o.reap(res, inFlight, results, taskErrs)
		case err := <-w.GetErrors():
			o.reapUncorrelated(err, inFlight)
		case <-ctx.Done():
			o.drain(w, inFlight, results, taskErrs, c)
			c.MarkCancelled()
			return o.result(c, start, results, taskErrs), ctx.Err()
		}
	}

	o.drain(w, inFlight, results, taskErrs, c)

	res := o.result(c, start, results, taskErrs)
	o.publishConstellationCompleted(c, res.Statistics, res.ExecutionDuration)
	return res, nil
}

// drain blocks until every still-in-flight dispatch reports back, so a
// caller never observes a task both "in flight" and orphaned, then
// refreshes c's derived status so the caller's immediately following
// c.State()/c.Stats() call reflects every dispatch drain just reaped.
func (o *Orchestrator) drain(w workers.Workers[dispatchResult], inFlight map[string]struct{}, results map[string]interface{}, taskErrs map[string]error, c *constellation.Constellation) {
	for len(inFlight) > 0 {
		select {
		case res := <-w.GetResults():
			o.reap(res, inFlight, results, taskErrs)
		case err := <-w.GetErrors():
			o.reapUncorrelated(err, inFlight)
		}
	}
	c.RefreshState()
}

func (o *Orchestrator) reap(res dispatchResult, inFlight map[string]struct{}, results map[string]interface{}, taskErrs map[string]error) {
	delete(inFlight, res.taskID)
	if res.success {
		results[res.taskID] = res.result
	} else {
		taskErrs[res.taskID] = res.err
	}
}

// reapUncorrelated resolves one in-flight dispatch whose outcome arrived on
// the worker pool's Errors channel rather than its Results channel. This
// only happens when a dispatch is still running at the moment ctx is
// cancelled: github.com/ygrebnov/workers races <-ctx.Done() against the
// task function's own completion internally, and once ctx is cancelled
// that race is won by <-ctx.Done() before dispatchOne's own return value
// (which already carries the task id) is ever read, producing a bare
// ctx.Err() with no task id attached. Since dispatchOne's closures are
// built to never return a Go error for any other reason, any value seen
// here is exactly that race, and clearing an arbitrary in-flight entry is
// the only correlation available — cancellation only needs to propagate,
// not round-trip an acknowledgement per dispatch (spec §5).
func (o *Orchestrator) reapUncorrelated(err error, inFlight map[string]struct{}) {
	logging.Error(subsystem, err, "dispatch outcome arrived uncorrelated to a task id, most likely a cancellation race in the worker pool")
	for id := range inFlight {
		delete(inFlight, id)
		break
	}
}

func (o *Orchestrator) result(c *constellation.Constellation, start time.Time, results map[string]interface{}, taskErrs map[string]error) *Result {
	stats := c.Stats()
	return &Result{
		ConstellationID:   c.ID(),
		Results:           results,
		Errors:            taskErrs,
		State:             c.State(),
		TaskCount:         stats.Total,
		Statistics:        stats,
		ExecutionDuration: time.Since(start),
	}
}

// enforceAssignmentPolicy handles §4.5 step 2: any task still lacking a
// device after the preparation phase (or after a planner edit introduced
// new tasks) is either auto-assigned or reported as fatal.
func (o *Orchestrator) enforceAssignmentPolicy(c *constellation.Constellation, devices []*device.Info, strategy assign.Strategy) error {
	var missing []string
	for _, t := range c.AllTasksOrdered() {
		if t.TargetDeviceID == "" {
			missing = append(missing, t.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if !o.autoAssignMissing {
		return &UnresolvedAssignmentError{TaskIDs: missing}
	}
	if err := o.assign.AssignDevices(c, strategy, devices, nil); err != nil {
		return fmt.Errorf("orchestrator: auto-assigning devices: %w", err)
	}
	return nil
}

// dispatchOne runs the per-task execution sequence of §4.5. It never
// returns a Go error: a dispatch failure is an expected outcome carried in
// the returned dispatchResult, so it always correlates back to its task id
// via the workers Results channel rather than the decorrelated Errors one.
func (o *Orchestrator) dispatchOne(ctx context.Context, c *constellation.Constellation, t *constellation.Task) dispatchResult {
	o.publishTaskStarted(c, t.ID)

	if err := c.StartTask(t.ID); err != nil {
		logging.Error(subsystem, err, "could not start task %s", t.ID)
		return dispatchResult{taskID: t.ID, err: err}
	}

	deviceTask := device.Task{ID: t.ID, Name: t.Name, Description: t.Description, DeviceType: t.DeviceType, Tips: t.Tips}
	result, dispatchErr := o.devices.Dispatch(ctx, deviceTask, t.TargetDeviceID)

	success := dispatchErr == nil
	newlyReady, err := c.MarkTaskCompleted(t.ID, success, result, dispatchErr)
	if err != nil {
		logging.Error(subsystem, err, "could not record completion for task %s", t.ID)
	}

	if success {
		o.publishTaskCompleted(c, t.ID, result, newlyReady)
	} else {
		o.publishTaskFailed(c, t.ID, dispatchErr, newlyReady)
	}

	return dispatchResult{taskID: t.ID, success: success, result: result, err: dispatchErr}
}

// ExecuteSingle dispatches one task without a surrounding constellation.
func (o *Orchestrator) ExecuteSingle(ctx context.Context, task device.Task, deviceID string) (interface{}, error) {
	return o.devices.Dispatch(ctx, task, deviceID)
}

// GetStatus returns c's current statistics snapshot.
func (o *Orchestrator) GetStatus(c *constellation.Constellation) constellation.Stats {
	return c.Stats()
}

// ListAvailableDevices delegates to the configured device manager.
func (o *Orchestrator) ListAvailableDevices(ctx context.Context) ([]string, error) {
	return o.devices.ListConnected(ctx)
}

// SetDeviceManager swaps the device manager a not-yet-started orchestration
// dispatches through.
func (o *Orchestrator) SetDeviceManager(devices device.Manager) {
	o.devices = devices
}

// SetSynchronizer swaps the modification synchronizer the scheduling loop
// consults.
func (o *Orchestrator) SetSynchronizer(sync *modsync.Synchronizer) {
	o.sync = sync
}

func (o *Orchestrator) listDeviceInfos(ctx context.Context) ([]*device.Info, error) {
	ids, err := o.devices.ListConnected(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]*device.Info, 0, len(ids))
	for _, id := range ids {
		info, ok, err := o.devices.GetInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (o *Orchestrator) publishTaskStarted(c *constellation.Constellation, taskID string) {
	e := eventbus.NewEvent(eventbus.TaskStarted, o.sourceID, nil)
	e.Task = &eventbus.TaskEvent{
		ConstellationID: c.ID(),
		TaskID:          taskID,
		Status:          string(constellation.StatusRunning),
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) publishTaskCompleted(c *constellation.Constellation, taskID string, result interface{}, newlyReady []*constellation.Task) {
	e := eventbus.NewEvent(eventbus.TaskCompleted, o.sourceID, nil)
	e.Task = &eventbus.TaskEvent{
		ConstellationID:   c.ID(),
		TaskID:            taskID,
		Status:            string(constellation.StatusCompleted),
		Result:            result,
		NewlyReadyTaskIDs: taskIDs(newlyReady),
		Snapshot:          c.Snapshot(),
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) publishTaskFailed(c *constellation.Constellation, taskID string, taskErr error, newlyReady []*constellation.Task) {
	e := eventbus.NewEvent(eventbus.TaskFailed, o.sourceID, nil)
	e.Task = &eventbus.TaskEvent{
		ConstellationID:   c.ID(),
		TaskID:            taskID,
		Status:            string(constellation.StatusFailed),
		Err:               taskErr,
		NewlyReadyTaskIDs: taskIDs(newlyReady),
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) publishConstellationStarted(c *constellation.Constellation, strategy assign.Strategy) {
	e := eventbus.NewEvent(eventbus.ConstellationStarted, o.sourceID, nil)
	e.Constellation = &eventbus.ConstellationEvent{
		ConstellationID:    c.ID(),
		TotalTasks:         len(c.AllTasksOrdered()),
		AssignmentStrategy: string(strategy),
		Snapshot:           c.Snapshot(),
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) publishConstellationCompleted(c *constellation.Constellation, stats constellation.Stats, duration time.Duration) {
	e := eventbus.NewEvent(eventbus.ConstellationCompleted, o.sourceID, nil)
	e.Constellation = &eventbus.ConstellationEvent{
		ConstellationID:   c.ID(),
		TotalTasks:        stats.Total,
		Statistics:        stats,
		ExecutionDuration: duration,
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) publishConstellationFailed(c *constellation.Constellation, reason string) {
	e := eventbus.NewEvent(eventbus.ConstellationFailed, o.sourceID, nil)
	e.Constellation = &eventbus.ConstellationEvent{
		ConstellationID: c.ID(),
		Reason:          reason,
	}
	o.bus.Publish(e)
}

func taskIDs(tasks []*constellation.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
