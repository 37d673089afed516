package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Fleet events
	AgentOnline        EventType = "agent_online"
	AgentOffline       EventType = "agent_offline"
	AgentForcedOffline EventType = "agent_forced_offline"
	AgentDeregistered  EventType = "agent_deregistered"

	// Operation events
	OperationFailed    EventType = "operation_failed"
	CompensationFailed EventType = "compensation_failed"

	// Console events
	ConsoleOpened EventType = "console_opened"
	ConsoleClosed EventType = "console_closed"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	AgentName string            `json:"agent_name,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
