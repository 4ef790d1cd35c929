package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle event flowing through the bus.
type EventType string

const (
	TaskStarted   EventType = "TASK_STARTED"
	TaskCompleted EventType = "TASK_COMPLETED"
	TaskFailed    EventType = "TASK_FAILED"

	ConstellationStarted   EventType = "CONSTELLATION_STARTED"
	ConstellationCompleted EventType = "CONSTELLATION_COMPLETED"
	ConstellationFailed    EventType = "CONSTELLATION_FAILED"
	ConstellationModified  EventType = "CONSTELLATION_MODIFIED"
)

// Event is the tagged union every producer publishes and every observer
// receives. TaskEvent and ConstellationEvent populate the envelope plus
// their own variant fields; observers switch on Type to know which fields
// are meaningful, the same way the data model's Event union is specified.
type Event struct {
	Type      EventType
	SourceID  string
	Timestamp time.Time
	Data      map[string]interface{}

	Task         *TaskEvent
	Constellation *ConstellationEvent
}

// TaskEvent carries the fields specific to TASK_STARTED, TASK_COMPLETED, and
// TASK_FAILED.
type TaskEvent struct {
	ConstellationID   string
	TaskID            string
	Status            string
	Result            interface{}
	Err               error
	NewlyReadyTaskIDs []string
	Snapshot          interface{}
}

// ConstellationEvent carries the fields specific to CONSTELLATION_STARTED,
// CONSTELLATION_COMPLETED, CONSTELLATION_FAILED, and CONSTELLATION_MODIFIED.
type ConstellationEvent struct {
	ConstellationID    string
	ConstellationState string
	NewReadyTaskIDs    []string
	TotalTasks         int
	AssignmentStrategy string
	Statistics         interface{}
	ExecutionDuration  time.Duration
	Reason             string
	Snapshot           interface{}

	// OnTaskID and NewConstellation are populated only on an inbound
	// CONSTELLATION_MODIFIED event; NewConstellation carries the planner's
	// updated topology and OnTaskID names the edit cycles it closes.
	OnTaskID         []string
	NewConstellation interface{}
	Modifications    interface{}
}

// NewEvent stamps a fresh event envelope with a generated timestamp, and a
// generated source id when sourceID is empty.
func NewEvent(eventType EventType, sourceID string, data map[string]interface{}) Event {
	if sourceID == "" {
		sourceID = uuid.NewString()
	}
	return Event{
		Type:      eventType,
		SourceID:  sourceID,
		Timestamp: time.Now(),
		Data:      data,
	}
}
