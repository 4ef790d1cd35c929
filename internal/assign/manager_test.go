package assign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldane-systems/constellation/internal/constellation"
	"github.com/haldane-systems/constellation/internal/device"
)

func buildConstellation(t *testing.T, ids ...string) *constellation.Constellation {
	t.Helper()
	c := constellation.New("c1", "test")
	for _, id := range ids {
		require.NoError(t, c.AddTask(&constellation.Task{ID: id}))
	}
	return c
}

func TestAssignDevices_NoDevicesFails(t *testing.T) {
	m := NewManager()
	c := buildConstellation(t, "a")

	err := m.AssignDevices(c, RoundRobin, nil, nil)
	var noDevice *NoDeviceError
	assert.ErrorAs(t, err, &noDevice)
}

func TestAssignDevices_UnknownStrategyFails(t *testing.T) {
	m := NewManager()
	c := buildConstellation(t, "a")
	devices := []*device.Info{{ID: "d1"}}

	err := m.AssignDevices(c, Strategy("bogus"), devices, nil)
	var unknown *UnknownStrategyError
	assert.ErrorAs(t, err, &unknown)
}

func TestAssignDevices_RoundRobinCyclesThroughDevices(t *testing.T) {
	m := NewManager()
	c := buildConstellation(t, "a", "b", "c")
	devices := []*device.Info{{ID: "d1"}, {ID: "d2"}}

	require.NoError(t, m.AssignDevices(c, RoundRobin, devices, nil))

	util := m.GetDeviceUtilization(c)
	assert.Equal(t, 3, util["d1"]+util["d2"])
	assert.NotZero(t, util["d1"])
	assert.NotZero(t, util["d2"])
}

func TestAssignDevices_RoundRobinHonorsPreference(t *testing.T) {
	m := NewManager()
	c := buildConstellation(t, "a")
	devices := []*device.Info{{ID: "d1"}, {ID: "d2"}}

	require.NoError(t, m.AssignDevices(c, RoundRobin, devices, map[string]string{"a": "d2"}))

	task, _ := c.GetTask("a")
	assert.Equal(t, "d2", task.TargetDeviceID)
}

func TestAssignDevices_CapabilityMatchPrefersMatchingType(t *testing.T) {
	m := NewManager()
	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a", DeviceType: "mobile"}))
	devices := []*device.Info{{ID: "d1", DeviceType: "linux"}, {ID: "d2", DeviceType: "mobile"}}

	require.NoError(t, m.AssignDevices(c, CapabilityMatch, devices, nil))

	task, _ := c.GetTask("a")
	assert.Equal(t, "d2", task.TargetDeviceID)
}

func TestAssignDevices_CapabilityMatchFallsBackWhenNoMatch(t *testing.T) {
	m := NewManager()
	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a", DeviceType: "windows"}))
	devices := []*device.Info{{ID: "d1", DeviceType: "linux"}}

	require.NoError(t, m.AssignDevices(c, CapabilityMatch, devices, nil))

	task, _ := c.GetTask("a")
	assert.Equal(t, "d1", task.TargetDeviceID)
}

func TestAssignDevices_LoadBalanceAssignsToLeastLoaded(t *testing.T) {
	m := NewManager()
	c := buildConstellation(t, "a", "b", "c", "d")
	devices := []*device.Info{{ID: "d1"}, {ID: "d2"}}

	require.NoError(t, m.AssignDevices(c, LoadBalance, devices, nil))

	util := m.GetDeviceUtilization(c)
	assert.Equal(t, 2, util["d1"])
	assert.Equal(t, 2, util["d2"])
}

func TestValidateAssignments_ReportsMissingDevice(t *testing.T) {
	m := NewManager()
	c := buildConstellation(t, "a")

	ok, issues := m.ValidateAssignments(c, nil)
	assert.False(t, ok)
	require.Len(t, issues, 1)
	assert.Equal(t, "a", issues[0].TaskID)
}

func TestValidateAssignments_ReportsDeviceTypeMismatch(t *testing.T) {
	m := NewManager()
	c := constellation.New("c1", "test")
	require.NoError(t, c.AddTask(&constellation.Task{ID: "a", DeviceType: "windows", TargetDeviceID: "d1"}))
	devices := []*device.Info{{ID: "d1", DeviceType: "linux"}}

	ok, issues := m.ValidateAssignments(c, devices)
	assert.False(t, ok)
	require.Len(t, issues, 1)
}

func TestReassignTask_FailsOnceRunning(t *testing.T) {
	m := NewManager()
	c := buildConstellation(t, "a")
	require.NoError(t, c.SetTargetDevice("a", "d1"))
	require.NoError(t, c.StartTask("a"))

	err := m.ReassignTask(c, "a", "d2")
	assert.Error(t, err)
}

func TestRegisterAndStatus(t *testing.T) {
	m := NewManager()
	m.Register("c1", map[string]interface{}{"owner": "planner"})

	reg, err := m.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", reg.ConstellationID)

	m.Unregister("c1")
	_, err = m.Status("c1")
	assert.Error(t, err)
}
