// Package assign implements the Constellation Manager: the device-roster
// assignment strategies, per-task overrides, and the lightweight
// registration/status tracking the orchestrator uses to publish
// constellation lookups.
package assign

import (
	"sync"
	"time"

	"github.com/haldane-systems/constellation/internal/constellation"
	"github.com/haldane-systems/constellation/internal/device"
	"github.com/haldane-systems/constellation/pkg/logging"
)

const subsystem = "ConstellationManager"

// Strategy names one of the three device-assignment policies.
type Strategy string

const (
	RoundRobin      Strategy = "round_robin"
	CapabilityMatch Strategy = "capability_match"
	LoadBalance     Strategy = "load_balance"
)

// ValidationIssue reports one task whose assignment is missing or
// otherwise suspect. Issues are advisory; callers decide whether to treat
// them as fatal.
type ValidationIssue struct {
	TaskID string
	Reason string
}

// Registration is the metadata the manager keeps about a registered
// constellation for status/list queries.
type Registration struct {
	ConstellationID string
	Metadata        map[string]interface{}
	RegisteredAt    time.Time
}

// Manager tracks registered constellations and assigns devices to tasks.
// The zero value is not usable; construct with NewManager.
type Manager struct {
	mu            sync.RWMutex
	registrations map[string]*Registration
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{registrations: make(map[string]*Registration)}
}

// AssignDevices assigns a device to every task in c that does not already
// have one, using strategy over the given device roster. preferences maps
// task id to a preferred device id; a preference naming a device not in
// devices is ignored, not fatal.
func (m *Manager) AssignDevices(c *constellation.Constellation, strategy Strategy, devices []*device.Info, preferences map[string]string) error {
	if len(devices) == 0 {
		return &NoDeviceError{}
	}

	tasks := c.AllTasksOrdered()
	var unassigned []*constellation.Task
	for _, t := range tasks {
		if t.TargetDeviceID == "" {
			unassigned = append(unassigned, t)
		}
	}
	if len(unassigned) == 0 {
		return nil
	}

	var pick func(t *constellation.Task) string
	switch strategy {
	case RoundRobin:
		pick = roundRobinPicker(devices)
	case CapabilityMatch:
		pick = capabilityMatchPicker(devices)
	case LoadBalance:
		pick = loadBalancePicker(devices, tasks)
	default:
		return &UnknownStrategyError{Strategy: strategy}
	}

	available := make(map[string]bool, len(devices))
	for _, d := range devices {
		available[d.ID] = true
	}

	for _, t := range unassigned {
		deviceID := ""
		if pref, ok := preferences[t.ID]; ok && available[pref] {
			deviceID = pref
		} else {
			deviceID = pick(t)
		}
		if err := c.SetTargetDevice(t.ID, deviceID); err != nil {
			return err
		}
		logging.Debug(subsystem, "assigned task %s to device %s via %s", t.ID, deviceID, strategy)
	}
	return nil
}

func roundRobinPicker(devices []*device.Info) func(*constellation.Task) string {
	i := 0
	return func(*constellation.Task) string {
		d := devices[i%len(devices)]
		i++
		return d.ID
	}
}

func capabilityMatchPicker(devices []*device.Info) func(*constellation.Task) string {
	return func(t *constellation.Task) string {
		if t.DeviceType != "" {
			for _, d := range devices {
				if d.DeviceType == t.DeviceType {
					return d.ID
				}
			}
		}
		return devices[0].ID
	}
}

func loadBalancePicker(devices []*device.Info, tasks []*constellation.Task) func(*constellation.Task) string {
	counts := make(map[string]int, len(devices))
	order := make([]string, 0, len(devices))
	for _, d := range devices {
		counts[d.ID] = 0
		order = append(order, d.ID)
	}
	for _, t := range tasks {
		if t.TargetDeviceID != "" {
			if _, ok := counts[t.TargetDeviceID]; ok {
				counts[t.TargetDeviceID]++
			}
		}
	}

	return func(*constellation.Task) string {
		minID := order[0]
		for _, id := range order {
			if counts[id] < counts[minID] {
				minID = id
			}
		}
		counts[minID]++
		return minID
	}
}

// ReassignTask overrides a single task's device assignment. Permitted only
// in pre-execution states (enforced by constellation.SetTargetDevice's I3
// check).
func (m *Manager) ReassignTask(c *constellation.Constellation, taskID, deviceID string) error {
	return c.SetTargetDevice(taskID, deviceID)
}

// ClearAssignments removes every modifiable task's device assignment.
func (m *Manager) ClearAssignments(c *constellation.Constellation) {
	c.ClearAssignments()
}

// ValidateAssignments reports every task with no device assignment, and
// (supplementing the strict check) every task whose assigned device's type
// does not match its required device_type, when devices is non-nil.
func (m *Manager) ValidateAssignments(c *constellation.Constellation, devices []*device.Info) (bool, []ValidationIssue) {
	byID := make(map[string]*device.Info, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	var issues []ValidationIssue
	for _, t := range c.AllTasksOrdered() {
		if t.TargetDeviceID == "" {
			issues = append(issues, ValidationIssue{TaskID: t.ID, Reason: "no device assigned"})
			continue
		}
		if t.DeviceType == "" || byID == nil {
			continue
		}
		if d, ok := byID[t.TargetDeviceID]; ok && d.DeviceType != t.DeviceType {
			issues = append(issues, ValidationIssue{
				TaskID: t.ID,
				Reason: "assigned device type " + d.DeviceType + " does not match required " + t.DeviceType,
			})
		}
	}
	return len(issues) == 0, issues
}

// GetDeviceUtilization counts assigned tasks per device id.
func (m *Manager) GetDeviceUtilization(c *constellation.Constellation) map[string]int {
	util := make(map[string]int)
	for _, t := range c.AllTasksOrdered() {
		if t.TargetDeviceID != "" {
			util[t.TargetDeviceID]++
		}
	}
	return util
}

// Register records metadata for a constellation so Status/List can find it.
func (m *Manager) Register(constellationID string, metadata map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations[constellationID] = &Registration{
		ConstellationID: constellationID,
		Metadata:        metadata,
		RegisteredAt:    time.Now(),
	}
}

// Unregister removes a constellation's registration, if any.
func (m *Manager) Unregister(constellationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registrations, constellationID)
}

// Status returns the registration for constellationID.
func (m *Manager) Status(constellationID string) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registrations[constellationID]
	if !ok {
		return nil, &UnknownConstellationError{ConstellationID: constellationID}
	}
	return reg, nil
}

// List returns every currently registered constellation id.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.registrations))
	for id := range m.registrations {
		ids = append(ids, id)
	}
	return ids
}
