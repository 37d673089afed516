package gateway

import "fmt"

// Admission rejection reasons.
const (
	ReasonTokenNotFound = "token_not_found"
	ReasonTokenExpired  = "token_expired"
	ReasonTokenUsed     = "token_already_used"
)

// AdmissionError rejects a connection before any business logic runs.
type AdmissionError struct {
	Agent  string
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected for agent %q: %s", e.Agent, e.Reason)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unrecognized envelope. It concerns a
// single frame; the connection stays open.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Detail
}

// CorrelationError reports that a correlated request could not complete:
// either the deadline elapsed or the pending entry was purged.
type CorrelationError struct {
	RequestID string
	Timeout   bool
}

func (e *CorrelationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("request %s timed out", e.RequestID)
	}
	return fmt.Sprintf("request %s abandoned", e.RequestID)
}

// AgentUnavailableError reports that no live transport exists for the agent,
// or that it disconnected mid-flight.
type AgentUnavailableError struct {
	Agent string
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %q unavailable", e.Agent)
}

// StateError rejects an operation attempted from an illegal status. It names
// the required precondition and never reaches the agent.
type StateError struct {
	Resource string // "vm", "volume"
	ID       string
	Current  string
	Required string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s is %s, operation requires %s", e.Resource, e.ID, e.Current, e.Required)
}

// RemoteError carries an error envelope the agent returned for a correlated
// request.
type RemoteError struct {
	Agent   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %q reported: %s", e.Agent, e.Message)
}

// CompensationError means a rollback itself failed, leaving persisted state
// ambiguous. It must be flagged for manual reconciliation, never swallowed.
type CompensationError struct {
	Op            string
	Cause         error // the original failure
	CompensateErr error // the rollback failure
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%s failed (%v) and compensation also failed (%v); state needs manual reconciliation",
		e.Op, e.Cause, e.CompensateErr)
}

func (e *CompensationError) Unwrap() error { return e.Cause }
