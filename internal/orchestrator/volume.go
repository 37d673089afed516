package orchestrator

import (
	"fmt"
	"sort"

	"warden/internal/gateway"
	"warden/internal/vms"
	"warden/internal/volumes"
)

var volumeFormats = map[string]struct{}{
	"qcow2": {},
	"raw":   {},
}

// AttachVolume attaches an available volume to a running VM. A missing
// device name is assigned ("disk0", "disk1", ... in attachment order). On
// any failure the volume is compensated back to available with no VM
// association, identical to its pre-attempt state.
func (o *Orchestrator) AttachVolume(volumeID, vmID, deviceName string, bootOrder int) (*volumes.Volume, error) {
	const op = "volumeAttach"

	vol, err := volumes.GetVolume(o.db, volumeID)
	if err != nil {
		return nil, err
	}
	if vol == nil {
		return nil, fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	if vol.Status != volumes.StatusAvailable {
		return nil, &gateway.StateError{
			Resource: "volume", ID: volumeID,
			Current:  string(vol.Status),
			Required: string(volumes.StatusAvailable),
		}
	}
	if _, ok := volumeFormats[vol.Format]; !ok {
		return nil, fmt.Errorf("volume format %q is not supported by the virtualization backend", vol.Format)
	}

	vm, err := vms.GetVM(o.db, vmID)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return nil, fmt.Errorf("vm %s: %w", vmID, ErrNotFound)
	}
	if vm.Status != vms.StatusRunning {
		return nil, &gateway.StateError{
			Resource: "vm", ID: vmID,
			Current:  string(vm.Status),
			Required: string(vms.StatusRunning),
		}
	}

	agentName, err := o.agentNameForVM(vm)
	if err != nil {
		return nil, err
	}

	if deviceName == "" {
		deviceName, err = o.nextDeviceName(vmID)
		if err != nil {
			return nil, err
		}
	}

	if err := volumes.UpdateStatus(o.db, volumeID, volumes.StatusAttaching); err != nil {
		return nil, err
	}

	resp, err := o.gw.Request(agentName, &gateway.Envelope{
		Type:       gateway.TypeVolumeAttach,
		VolumeID:   volumeID,
		VMID:       vmID,
		DeviceName: deviceName,
		BootOrder:  bootOrder,
		SizeGB:     vol.SizeGB,
	})
	if err != nil {
		o.operationFailed(op, volumeID, err)
		if compErr := volumes.ClearAttachment(o.db, volumeID, volumes.StatusAvailable); compErr != nil {
			return nil, o.compensationFailure(op, volumeID, err, compErr)
		}
		return nil, err
	}

	// The agent may have renamed the device.
	if resp.Facts != nil && resp.Facts["deviceName"] != "" {
		deviceName = resp.Facts["deviceName"]
	}
	if err := volumes.SetAttachment(o.db, volumeID, vmID, deviceName, bootOrder); err != nil {
		return nil, o.compensationFailure(op, volumeID, fmt.Errorf("persist attachment: %w", err), err)
	}
	o.record(op, "ok")
	return volumes.GetVolume(o.db, volumeID)
}

// DetachVolume detaches an attached volume and returns it to available.
func (o *Orchestrator) DetachVolume(volumeID string) error {
	const op = "volumeDetach"

	vol, err := volumes.GetVolume(o.db, volumeID)
	if err != nil {
		return err
	}
	if vol == nil {
		return fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	if vol.Status != volumes.StatusAttached {
		return &gateway.StateError{
			Resource: "volume", ID: volumeID,
			Current:  string(vol.Status),
			Required: string(volumes.StatusAttached),
		}
	}

	agentName, err := o.volumeAgent(vol)
	if err != nil {
		return err
	}

	if err := volumes.UpdateStatus(o.db, volumeID, volumes.StatusDetaching); err != nil {
		return err
	}

	_, err = o.gw.Request(agentName, &gateway.Envelope{
		Type:       gateway.TypeVolumeDetach,
		VolumeID:   volumeID,
		VMID:       vol.VMID,
		DeviceName: vol.DeviceName,
	})
	if err != nil {
		o.operationFailed(op, volumeID, err)
		// The attachment fields were never cleared; restoring the stable
		// status restores the pre-attempt state.
		if compErr := volumes.UpdateStatus(o.db, volumeID, volumes.StatusAttached); compErr != nil {
			return o.compensationFailure(op, volumeID, err, compErr)
		}
		return err
	}

	if err := volumes.ClearAttachment(o.db, volumeID, volumes.StatusAvailable); err != nil {
		return o.compensationFailure(op, volumeID, fmt.Errorf("persist detachment: %w", err), err)
	}
	o.record(op, "ok")
	return nil
}

// ResizeVolume grows a volume. Shrinks are rejected outright.
func (o *Orchestrator) ResizeVolume(volumeID string, newSizeGB int) error {
	const op = "volumeResize"

	vol, err := o.stableVolume(volumeID)
	if err != nil {
		return err
	}
	if newSizeGB <= vol.SizeGB {
		return fmt.Errorf("volume %s is %dGB: %w", volumeID, vol.SizeGB, ErrInvalidResize)
	}

	agentName, err := o.volumeAgent(vol)
	if err != nil {
		return err
	}

	prior := vol.Status
	if err := volumes.UpdateStatus(o.db, volumeID, volumes.StatusResizing); err != nil {
		return err
	}

	_, err = o.gw.Request(agentName, &gateway.Envelope{
		Type:     gateway.TypeVolumeResize,
		VolumeID: volumeID,
		SizeGB:   newSizeGB,
	})
	if err != nil {
		o.operationFailed(op, volumeID, err)
		if compErr := volumes.UpdateStatus(o.db, volumeID, prior); compErr != nil {
			return o.compensationFailure(op, volumeID, err, compErr)
		}
		return err
	}

	if err := volumes.SetSize(o.db, volumeID, newSizeGB, prior); err != nil {
		return o.compensationFailure(op, volumeID, fmt.Errorf("persist new size: %w", err), err)
	}
	o.record(op, "ok")
	return nil
}

// SnapshotVolume creates a point-in-time snapshot of a stable volume.
func (o *Orchestrator) SnapshotVolume(volumeID, name string) (*volumes.Snapshot, error) {
	const op = "volumeSnapshot"

	vol, err := o.stableVolume(volumeID)
	if err != nil {
		return nil, err
	}

	agentName, err := o.volumeAgent(vol)
	if err != nil {
		return nil, err
	}

	prior := vol.Status
	if err := volumes.UpdateStatus(o.db, volumeID, volumes.StatusSnapshotting); err != nil {
		return nil, err
	}

	snap, err := volumes.CreateSnapshot(o.db, volumeID, name)
	if err != nil {
		volumes.UpdateStatus(o.db, volumeID, prior)
		return nil, err
	}

	_, err = o.gw.Request(agentName, &gateway.Envelope{
		Type:       gateway.TypeVolumeSnapshot,
		VolumeID:   volumeID,
		SnapshotID: snap.ID,
	})
	if err != nil {
		o.operationFailed(op, volumeID, err)
		if compErr := o.discardSnapshot(snap.ID, volumeID, prior); compErr != nil {
			return nil, o.compensationFailure(op, volumeID, err, compErr)
		}
		return nil, err
	}

	if err := volumes.UpdateSnapshotStatus(o.db, snap.ID, volumes.SnapshotAvailable); err != nil {
		return nil, o.compensationFailure(op, volumeID, fmt.Errorf("persist snapshot status: %w", err), err)
	}
	if err := volumes.UpdateStatus(o.db, volumeID, prior); err != nil {
		return nil, o.compensationFailure(op, volumeID, fmt.Errorf("restore volume status: %w", err), err)
	}
	o.record(op, "ok")
	return volumes.GetSnapshot(o.db, snap.ID)
}

// CloneVolume produces an independent copy of a stable volume.
func (o *Orchestrator) CloneVolume(volumeID, name string) (*volumes.Volume, error) {
	const op = "volumeClone"

	vol, err := o.stableVolume(volumeID)
	if err != nil {
		return nil, err
	}

	agentName, err := o.volumeAgent(vol)
	if err != nil {
		return nil, err
	}

	prior := vol.Status
	if err := volumes.UpdateStatus(o.db, volumeID, volumes.StatusCloning); err != nil {
		return nil, err
	}

	clone, err := volumes.CreateVolume(o.db, name, vol.ProjectID, vol.SizeGB, vol.Format, volumes.StatusCreating)
	if err != nil {
		volumes.UpdateStatus(o.db, volumeID, prior)
		return nil, err
	}

	resp, err := o.gw.Request(agentName, &gateway.Envelope{
		Type:     gateway.TypeVolumeClone,
		VolumeID: volumeID,
		CloneID:  clone.ID,
	})
	if err != nil {
		o.operationFailed(op, volumeID, err)
		if compErr := o.discardClone(clone.ID, volumeID, prior); compErr != nil {
			return nil, o.compensationFailure(op, volumeID, err, compErr)
		}
		return nil, err
	}

	if resp.Facts != nil && resp.Facts["storagePath"] != "" {
		volumes.SetStoragePath(o.db, clone.ID, resp.Facts["storagePath"])
	}
	if err := volumes.UpdateStatus(o.db, clone.ID, volumes.StatusAvailable); err != nil {
		return nil, o.compensationFailure(op, volumeID, fmt.Errorf("persist clone status: %w", err), err)
	}
	if err := volumes.UpdateStatus(o.db, volumeID, prior); err != nil {
		return nil, o.compensationFailure(op, volumeID, fmt.Errorf("restore volume status: %w", err), err)
	}
	o.record(op, "ok")
	return volumes.GetVolume(o.db, clone.ID)
}

// DeleteVolume removes an available volume and, with it, its snapshots.
func (o *Orchestrator) DeleteVolume(volumeID string) error {
	const op = "volumeDelete"

	vol, err := volumes.GetVolume(o.db, volumeID)
	if err != nil {
		return err
	}
	if vol == nil {
		return fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	if vol.Status != volumes.StatusAvailable {
		return &gateway.StateError{
			Resource: "volume", ID: volumeID,
			Current:  string(vol.Status),
			Required: string(volumes.StatusAvailable),
		}
	}

	agentName, err := o.volumeAgent(vol)
	if err != nil {
		return err
	}

	if err := volumes.UpdateStatus(o.db, volumeID, volumes.StatusDeleting); err != nil {
		return err
	}

	_, err = o.gw.Request(agentName, &gateway.Envelope{
		Type:     gateway.TypeVolumeDelete,
		VolumeID: volumeID,
	})
	if err != nil {
		o.operationFailed(op, volumeID, err)
		if compErr := volumes.UpdateStatus(o.db, volumeID, volumes.StatusAvailable); compErr != nil {
			return o.compensationFailure(op, volumeID, err, compErr)
		}
		return err
	}

	if err := volumes.DeleteVolume(o.db, volumeID); err != nil {
		return o.compensationFailure(op, volumeID, fmt.Errorf("delete record: %w", err), err)
	}
	o.record(op, "ok")
	return nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// stableVolume loads a volume and requires a stable status (available or
// attached) — resize, snapshot, and clone are never legal mid-transition.
func (o *Orchestrator) stableVolume(volumeID string) (*volumes.Volume, error) {
	vol, err := volumes.GetVolume(o.db, volumeID)
	if err != nil {
		return nil, err
	}
	if vol == nil {
		return nil, fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	if vol.Status != volumes.StatusAvailable && vol.Status != volumes.StatusAttached {
		return nil, &gateway.StateError{
			Resource: "volume", ID: volumeID,
			Current:  string(vol.Status),
			Required: "available or attached",
		}
	}
	return vol, nil
}

// volumeAgent resolves which agent operates on the volume: its VM's agent
// when attached, otherwise any connected agent (storage is fleet-shared).
func (o *Orchestrator) volumeAgent(vol *volumes.Volume) (string, error) {
	if vol.VMID != "" {
		vm, err := vms.GetVM(o.db, vol.VMID)
		if err != nil {
			return "", err
		}
		if vm == nil {
			return "", fmt.Errorf("vm %s: %w", vol.VMID, ErrNotFound)
		}
		return o.agentNameForVM(vm)
	}

	names := o.gw.ConnectedAgents()
	if len(names) == 0 {
		return "", ErrNoAgents
	}
	sort.Strings(names)
	return names[0], nil
}

// nextDeviceName picks the first device name of the form diskN not yet used
// by the VM's attachments.
func (o *Orchestrator) nextDeviceName(vmID string) (string, error) {
	attached, err := volumes.ListVolumes(o.db, "", vmID)
	if err != nil {
		return "", err
	}
	used := make(map[string]struct{}, len(attached))
	for _, v := range attached {
		used[v.DeviceName] = struct{}{}
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("disk%d", i)
		if _, taken := used[name]; !taken {
			return name, nil
		}
	}
}

// discardSnapshot undoes a failed snapshot: the record goes away and the
// volume returns to its prior stable status.
func (o *Orchestrator) discardSnapshot(snapID, volumeID string, prior volumes.Status) error {
	if err := volumes.DeleteSnapshot(o.db, snapID); err != nil {
		return err
	}
	return volumes.UpdateStatus(o.db, volumeID, prior)
}

// discardClone undoes a failed clone.
func (o *Orchestrator) discardClone(cloneID, volumeID string, prior volumes.Status) error {
	if err := volumes.DeleteVolume(o.db, cloneID); err != nil {
		return err
	}
	return volumes.UpdateStatus(o.db, volumeID, prior)
}
