package orchestrator

import (
	"fmt"
	"log"
	"strings"

	"warden/internal/gateway"
	"warden/internal/vms"
	"warden/internal/volumes"
)

// vmTransition gates an operation on the VM's current status and names the
// status applied when the agent confirms.
type vmTransition struct {
	allowed  []vms.Status
	terminal vms.Status
}

var vmTransitions = map[gateway.MessageType]vmTransition{
	gateway.TypeVMBoot:     {allowed: []vms.Status{vms.StatusCreated, vms.StatusShutdown}, terminal: vms.StatusRunning},
	gateway.TypeVMShutdown: {allowed: []vms.Status{vms.StatusRunning, vms.StatusPaused}, terminal: vms.StatusShutdown},
	gateway.TypeVMReboot:   {allowed: []vms.Status{vms.StatusRunning}, terminal: vms.StatusRunning},
	gateway.TypeVMPause:    {allowed: []vms.Status{vms.StatusRunning}, terminal: vms.StatusPaused},
	gateway.TypeVMResume:   {allowed: []vms.Status{vms.StatusPaused}, terminal: vms.StatusRunning},
	gateway.TypeVMDelete:   {allowed: []vms.Status{vms.StatusCreated, vms.StatusShutdown, vms.StatusError}, terminal: vms.StatusDeleted},
}

func allowedList(allowed []vms.Status) string {
	parts := make([]string, len(allowed))
	for i, s := range allowed {
		parts[i] = string(s)
	}
	return strings.Join(parts, " or ")
}

func vmStatusAllowed(status vms.Status, allowed []vms.Status) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// BootVM starts a VM, scheduling it onto a connected agent first if needed.
func (o *Orchestrator) BootVM(id string) error { return o.vmOp(gateway.TypeVMBoot, id) }

// ShutdownVM stops a running or paused VM.
func (o *Orchestrator) ShutdownVM(id string) error { return o.vmOp(gateway.TypeVMShutdown, id) }

// RebootVM restarts a running VM.
func (o *Orchestrator) RebootVM(id string) error { return o.vmOp(gateway.TypeVMReboot, id) }

// PauseVM suspends a running VM.
func (o *Orchestrator) PauseVM(id string) error { return o.vmOp(gateway.TypeVMPause, id) }

// ResumeVM unpauses a paused VM.
func (o *Orchestrator) ResumeVM(id string) error { return o.vmOp(gateway.TypeVMResume, id) }

// DeleteVM removes a stopped VM from its agent and marks the record deleted.
// Volumes still attached block deletion.
func (o *Orchestrator) DeleteVM(id string) error {
	attached, err := volumes.ListVolumes(o.db, "", id)
	if err != nil {
		return err
	}
	if len(attached) > 0 {
		return &gateway.StateError{
			Resource: "vm", ID: id,
			Current:  fmt.Sprintf("%d volume(s) attached", len(attached)),
			Required: "no attached volumes",
		}
	}
	return o.vmOp(gateway.TypeVMDelete, id)
}

// vmOp runs the shared lifecycle: gate on status, command the agent, apply
// the terminal status on success. VM records have no transitional statuses;
// on failure the persisted status is reconciled against the agent's reported
// truth instead of guessed.
func (o *Orchestrator) vmOp(op gateway.MessageType, id string) error {
	tr, ok := vmTransitions[op]
	if !ok {
		return fmt.Errorf("unknown vm operation %q", op)
	}

	vm, err := vms.GetVM(o.db, id)
	if err != nil {
		return err
	}
	if vm == nil {
		return fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}

	if !vmStatusAllowed(vm.Status, tr.allowed) {
		return &gateway.StateError{
			Resource: "vm", ID: id,
			Current:  string(vm.Status),
			Required: allowedList(tr.allowed),
		}
	}

	var agentName string
	if op == gateway.TypeVMBoot && vm.HypervisorID == nil {
		agentName, err = o.schedule(vm)
	} else {
		agentName, err = o.agentNameForVM(vm)
	}
	if err != nil {
		return err
	}

	resp, err := o.gw.Request(agentName, &gateway.Envelope{Type: op, VMID: id})
	if err != nil {
		o.operationFailed(string(op), id, err)
		if compErr := o.reconcileVM(id, agentName); compErr != nil {
			return o.compensationFailure(string(op), id, err, compErr)
		}
		return err
	}

	if err := vms.UpdateStatus(o.db, id, tr.terminal); err != nil {
		return o.compensationFailure(string(op), id, fmt.Errorf("persist terminal status: %w", err), err)
	}
	o.applyVMFacts(id, resp)
	o.record(string(op), "ok")
	return nil
}

// reconcileVM queries the agent for ground truth and writes the reported
// status back, rather than assuming the command's effect. Returns an error
// only when the reconcile itself could not complete.
func (o *Orchestrator) reconcileVM(id, agentName string) error {
	resp, err := o.gw.Request(agentName, &gateway.Envelope{Type: gateway.TypeVMStatus, VMID: id})
	if err != nil {
		// The agent is unreachable; the persisted status stays as-is and
		// a later status sync picks it up. Not a compensation failure.
		log.Printf("[Orchestrator] Could not reconcile VM %s against agent %q: %v", id, agentName, err)
		return nil
	}

	status := vms.Status(resp.Status)
	switch status {
	case vms.StatusCreated, vms.StatusRunning, vms.StatusPaused,
		vms.StatusShutdown, vms.StatusDeleted, vms.StatusError:
	default:
		return fmt.Errorf("agent reported unknown status %q", resp.Status)
	}
	return vms.UpdateStatus(o.db, id, status)
}

// SyncVMStatus asks the VM's agent for its current status and reconciles the
// store, returning the reported status.
func (o *Orchestrator) SyncVMStatus(id string) (vms.Status, error) {
	vm, err := vms.GetVM(o.db, id)
	if err != nil {
		return "", err
	}
	if vm == nil {
		return "", fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}

	agentName, err := o.agentNameForVM(vm)
	if err != nil {
		return "", err
	}

	resp, err := o.gw.Request(agentName, &gateway.Envelope{Type: gateway.TypeVMStatus, VMID: id})
	if err != nil {
		return "", err
	}

	status := vms.Status(resp.Status)
	switch status {
	case vms.StatusCreated, vms.StatusRunning, vms.StatusPaused,
		vms.StatusShutdown, vms.StatusDeleted, vms.StatusError:
		if err := vms.UpdateStatus(o.db, id, status); err != nil {
			return "", err
		}
		return status, nil
	}
	return "", fmt.Errorf("agent reported unknown status %q", resp.Status)
}

// applyVMFacts records agent-reported endpoint locators.
func (o *Orchestrator) applyVMFacts(id string, resp *gateway.Envelope) {
	if resp == nil || resp.Facts == nil {
		return
	}
	consolePath := resp.Facts["consolePath"]
	serialPath := resp.Facts["serialPath"]
	if consolePath == "" && serialPath == "" {
		return
	}
	if err := vms.SetEndpoints(o.db, id, consolePath, serialPath); err != nil {
		log.Printf("[Orchestrator] Failed to record endpoints for VM %s: %v", id, err)
	}
}
