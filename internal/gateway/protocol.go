package gateway

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates envelope payloads. The set is closed: decoding
// rejects anything else with a ProtocolError.
type MessageType string

const (
	// Agent lifecycle, agent → gateway
	TypeAgentRegister   MessageType = "agentRegister"
	TypeAgentHeartbeat  MessageType = "agentHeartbeat"
	TypeAgentUnregister MessageType = "agentUnregister"

	// Correlated responses, agent → gateway
	TypeSuccess      MessageType = "success"
	TypeError        MessageType = "error"
	TypeStatusUpdate MessageType = "statusUpdate"

	// VM commands, gateway → agent
	TypeVMBoot     MessageType = "vmBoot"
	TypeVMShutdown MessageType = "vmShutdown"
	TypeVMReboot   MessageType = "vmReboot"
	TypeVMPause    MessageType = "vmPause"
	TypeVMResume   MessageType = "vmResume"
	TypeVMDelete   MessageType = "vmDelete"
	TypeVMStatus   MessageType = "vmStatus"

	// Volume commands, gateway → agent
	TypeVolumeAttach   MessageType = "volumeAttach"
	TypeVolumeDetach   MessageType = "volumeDetach"
	TypeVolumeResize   MessageType = "volumeResize"
	TypeVolumeSnapshot MessageType = "volumeSnapshot"
	TypeVolumeClone    MessageType = "volumeClone"
	TypeVolumeDelete   MessageType = "volumeDelete"

	// Console session, both directions
	TypeConsoleConnect      MessageType = "consoleConnect"      // gateway → agent
	TypeConsoleDisconnect   MessageType = "consoleDisconnect"   // gateway → agent
	TypeConsoleConnected    MessageType = "consoleConnected"    // agent → gateway
	TypeConsoleDisconnected MessageType = "consoleDisconnected" // agent → gateway
	TypeConsoleData         MessageType = "consoleData"         // both directions
)

var knownTypes = map[MessageType]struct{}{
	TypeAgentRegister: {}, TypeAgentHeartbeat: {}, TypeAgentUnregister: {},
	TypeSuccess: {}, TypeError: {}, TypeStatusUpdate: {},
	TypeVMBoot: {}, TypeVMShutdown: {}, TypeVMReboot: {}, TypeVMPause: {},
	TypeVMResume: {}, TypeVMDelete: {}, TypeVMStatus: {},
	TypeVolumeAttach: {}, TypeVolumeDetach: {}, TypeVolumeResize: {},
	TypeVolumeSnapshot: {}, TypeVolumeClone: {}, TypeVolumeDelete: {},
	TypeConsoleConnect: {}, TypeConsoleDisconnect: {}, TypeConsoleConnected: {},
	TypeConsoleDisconnected: {}, TypeConsoleData: {},
}

// Envelope is the wire format for every message on an agent connection:
// a type tag, a correlation id, and the type-specific fields flattened in.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`

	AgentName  string `json:"agentName,omitempty"`
	VMID       string `json:"vmId,omitempty"`
	VolumeID   string `json:"volumeId,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
	CloneID    string `json:"cloneId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`

	DeviceName string `json:"deviceName,omitempty"`
	BootOrder  int    `json:"bootOrder,omitempty"`
	SizeGB     int    `json:"sizeGb,omitempty"`

	// Status carries the agent's reported VM status on statusUpdate and
	// vmStatus replies.
	Status string `json:"status,omitempty"`

	// Capacity carries capability/capacity metadata on agentRegister.
	Capacity string `json:"capacity,omitempty"`

	// Data carries console bytes on consoleData frames.
	Data string `json:"data,omitempty"`

	// Error carries the failure message on error envelopes.
	Error string `json:"error,omitempty"`

	// Facts are agent-reported values applied on success: final device
	// names, console/serial endpoint locators, storage paths.
	Facts map[string]string `json:"facts,omitempty"`
}

// DecodeEnvelope parses a frame. Decoding is total: malformed JSON and
// unknown type tags produce a ProtocolError instead of crashing the handler.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("malformed envelope: %v", err)}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Detail: "envelope missing type"}
	}
	if _, ok := knownTypes[env.Type]; !ok {
		return nil, &ProtocolError{Detail: fmt.Sprintf("unexpected message type %q", env.Type)}
	}
	return &env, nil
}

// isResponse reports whether the type resolves a pending correlated request.
func isResponse(t MessageType) bool {
	return t == TypeSuccess || t == TypeError || t == TypeStatusUpdate
}
