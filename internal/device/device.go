// Package device specifies the outbound contract the orchestrator consumes
// to reach remote devices. Implementations manage the actual WebSocket
// sessions, registration, heartbeats, and reconnection to device-side
// automation servers; none of that lives here — this package is the
// interface boundary only.
package device

import "context"

// Info describes one connected device as reported by a Manager.
type Info struct {
	ID           string
	DeviceType   string
	Capabilities []string
	Status       string
	Metadata     map[string]interface{}
}

// Task is the minimal shape a Manager needs to dispatch a unit of work; it
// intentionally does not depend on the constellation package so that this
// contract has no knowledge of DAG structure, only of what one device call
// needs.
type Task struct {
	ID          string
	Name        string
	Description string
	DeviceType  string
	Tips        map[string]interface{}
}

// Manager is the contract the orchestrator consumes to reach devices. It
// says nothing about transport, registration, or reconnection.
type Manager interface {
	// ListConnected returns the ids of every currently connected device.
	ListConnected(ctx context.Context) ([]string, error)

	// GetInfo resolves device_id to its info, or ok=false if unknown.
	GetInfo(ctx context.Context, deviceID string) (info *Info, ok bool, err error)

	// Dispatch sends task to deviceID and blocks until the device finishes
	// or errors. It must honor ctx cancellation by releasing the device
	// slot and returning ctx.Err().
	Dispatch(ctx context.Context, task Task, deviceID string) (result interface{}, err error)
}
