// ABOUTME: Event envelope and topic names shared by the coordinator, publisher and channel server
// ABOUTME: Events are pushed to observers as {type, payload, timestamp}

package events

import "time"

// Topic names. The first three are rooms observers can join.
const (
	TopicMetrics      = "metrics"
	TopicAgentUpdates = "agent-updates"
	TopicAdmin        = "admin"

	// TopicStateChanged is internal: the coordinator pings it after a
	// mutation so the publisher can refresh without waiting for a tick.
	TopicStateChanged = "state-changed"
)

// Event types.
const (
	TypeMetrics           = "metrics"
	TypeAgentRestarted    = "AgentRestarted"
	TypeWorkflowCompleted = "WorkflowCompleted"
	TypeWorkflowFailed    = "WorkflowFailed"
	TypeCommandResult     = "command_result"
	TypeStateChanged      = "state_changed"
)

// Rooms lists the topics an observer may subscribe to.
var Rooms = []string{TopicMetrics, TopicAgentUpdates, TopicAdmin}

// IsRoom reports whether name is a joinable room.
func IsRoom(name string) bool {
	for _, r := range Rooms {
		if r == name {
			return true
		}
	}
	return false
}

// Event is one message pushed to observers. Events are immutable once published.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event stamped with at.
func New(eventType string, payload any, at time.Time) *Event {
	return &Event{Type: eventType, Payload: payload, Timestamp: at.UTC()}
}
