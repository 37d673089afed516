// Package orchestrator drives the VM and volume state machines. Every
// state-changing operation follows one pattern: validate the transition,
// persist an intermediate status where the model has one, issue a correlated
// command to the resource's agent, then apply the terminal status — or
// compensate back to the prior stable status and surface the error. The
// orchestrator never auto-retries; failed operations leave state where a
// caller-level retry is safe.
package orchestrator

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"

	"warden/internal/agents"
	"warden/internal/events"
	"warden/internal/gateway"
	"warden/internal/vms"
)

var (
	// ErrNotFound wraps lookups of missing VMs, volumes, and snapshots.
	ErrNotFound = errors.New("not found")
	// ErrNoAgents means no connected agent could take the operation.
	ErrNoAgents = errors.New("no connected agents available")
	// ErrInvalidResize rejects non-growing resizes.
	ErrInvalidResize = errors.New("new size must be greater than current size")
)

// Commander is the gateway surface the orchestrator needs: correlated
// request/response to a named agent, and the set of live connections for
// first-fit scheduling.
type Commander interface {
	Request(agentName string, env *gateway.Envelope) (*gateway.Envelope, error)
	ConnectedAgents() []string
}

// Orchestrator coordinates store writes with agent commands.
type Orchestrator struct {
	db      *sql.DB
	gw      Commander
	bus     *events.Bus
	metrics *gateway.Metrics // optional
}

func New(db *sql.DB, gw Commander, bus *events.Bus, metrics *gateway.Metrics) *Orchestrator {
	return &Orchestrator{db: db, gw: gw, bus: bus, metrics: metrics}
}

func (o *Orchestrator) record(op, outcome string) {
	if o.metrics != nil {
		o.metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	}
}

// operationFailed publishes the non-fatal failure of an operation.
func (o *Orchestrator) operationFailed(op, resourceID string, cause error) {
	o.record(op, "failed")
	o.bus.Publish(events.Event{
		Type:     events.OperationFailed,
		Severity: events.SeverityWarning,
		Message:  fmt.Sprintf("%s on %s failed: %v", op, resourceID, cause),
	})
}

// compensationFailure handles the worst case: the rollback itself failed and
// persisted state is now ambiguous. It is logged loudly and published as
// critical so an operator reconciles it by hand.
func (o *Orchestrator) compensationFailure(op, resourceID string, cause, compErr error) error {
	cerr := &gateway.CompensationError{Op: op, Cause: cause, CompensateErr: compErr}
	log.Printf("[Orchestrator] COMPENSATION FAILED for %s on %s: %v", op, resourceID, cerr)
	o.record(op, "compensation_failed")
	o.bus.Publish(events.Event{
		Type:     events.CompensationFailed,
		Severity: events.SeverityCritical,
		Message:  cerr.Error(),
		Metadata: map[string]string{"op": op, "resource": resourceID},
	})
	return cerr
}

// agentNameForVM resolves the assigned agent of a scheduled VM.
func (o *Orchestrator) agentNameForVM(vm *vms.VM) (string, error) {
	if vm.HypervisorID == nil {
		return "", &gateway.AgentUnavailableError{Agent: "(unscheduled)"}
	}
	agent, err := agents.GetAgentByID(o.db, *vm.HypervisorID)
	if err != nil {
		return "", fmt.Errorf("lookup agent %d: %w", *vm.HypervisorID, err)
	}
	if agent == nil {
		return "", &gateway.AgentUnavailableError{Agent: fmt.Sprintf("id=%d", *vm.HypervisorID)}
	}
	return agent.Name, nil
}

// schedule assigns an unscheduled VM to a connected agent, first-fit in
// name order for determinism.
func (o *Orchestrator) schedule(vm *vms.VM) (string, error) {
	names := o.gw.ConnectedAgents()
	if len(names) == 0 {
		return "", ErrNoAgents
	}
	sort.Strings(names)

	name := names[0]
	agent, err := agents.GetAgentByName(o.db, name)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", fmt.Errorf("connected agent %q has no record: %w", name, ErrNotFound)
	}
	if err := vms.AssignAgent(o.db, vm.ID, agent.ID); err != nil {
		return "", fmt.Errorf("assign agent: %w", err)
	}
	vm.HypervisorID = &agent.ID
	log.Printf("[Orchestrator] VM %s scheduled onto agent %q", vm.ID, name)
	return name, nil
}
