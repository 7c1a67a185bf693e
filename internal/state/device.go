/*
 * Copyright (c) 2024-2025, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package state

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/NVIDIA/cuda-debug-core/internal/contexts"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
)

// Device mirrors one GPU. Static descriptors are fetched once per session;
// dynamic state is invalidated on every resume.
type Device struct {
	sys *System
	id  uint32

	devType      cached[string]
	smType       cached[string]
	numSMs       cached[uint32]
	numWarps     cached[uint32]
	numLanes     cached[uint32]
	numRegisters cached[uint32]

	valid cached[bool]

	suspended bool
	// exceptionsFiltered is the one-shot latch for FilterExceptionState,
	// re-armed on resume.
	exceptionsFiltered bool

	sms      []*SM
	contexts *contexts.Registry
}

func newDevice(sys *System, id uint32) *Device {
	return &Device{
		sys:      sys,
		id:       id,
		contexts: contexts.NewRegistry(id),
	}
}

// ID returns the device index.
func (d *Device) ID() uint32 { return d.id }

// Contexts returns the device's context registry.
func (d *Device) Contexts() *contexts.Registry { return d.contexts }

// Suspended reports whether the device is currently suspended.
func (d *Device) Suspended() bool { return d.suspended }

// NumSMs returns the SM count, fetched once.
func (d *Device) NumSMs() (uint32, error) {
	if n, ok := d.numSMs.get(); ok {
		return n, nil
	}
	n, res := d.sys.api.GetNumSMs(d.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	return d.numSMs.set(n), nil
}

// NumWarps returns the warps-per-SM count, fetched once.
func (d *Device) NumWarps() (uint32, error) {
	if n, ok := d.numWarps.get(); ok {
		return n, nil
	}
	n, res := d.sys.api.GetNumWarps(d.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	return d.numWarps.set(n), nil
}

// NumLanes returns the lanes-per-warp count, fetched once.
func (d *Device) NumLanes() (uint32, error) {
	if n, ok := d.numLanes.get(); ok {
		return n, nil
	}
	n, res := d.sys.api.GetNumLanes(d.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	return d.numLanes.set(n), nil
}

// NumRegisters returns the per-lane register count, fetched once.
func (d *Device) NumRegisters() (uint32, error) {
	if n, ok := d.numRegisters.get(); ok {
		return n, nil
	}
	n, res := d.sys.api.GetNumRegisters(d.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	return d.numRegisters.set(n), nil
}

// DeviceType returns the marketing device name, fetched once.
func (d *Device) DeviceType() (string, error) {
	if t, ok := d.devType.get(); ok {
		return t, nil
	}
	t, res := d.sys.api.GetDeviceType(d.id)
	if res != cudbg.SUCCESS {
		return "", res.Error()
	}
	return d.devType.set(t), nil
}

// SMType returns the SM architecture string, fetched once.
func (d *Device) SMType() (string, error) {
	if t, ok := d.smType.get(); ok {
		return t, nil
	}
	t, res := d.sys.api.GetSMType(d.id)
	if res != cudbg.SUCCESS {
		return "", res.Error()
	}
	return d.smType.set(t), nil
}

// SM returns the mirror node for the given SM, allocating the SM array on
// first use. The index must be in range.
func (d *Device) SM(sm uint32) *SM {
	if d.sms == nil {
		n, err := d.NumSMs()
		if err != nil {
			panic(fmt.Sprintf("cannot size SM array for device %d: %v", d.id, err))
		}
		d.sms = make([]*SM, n)
		for i := uint32(0); i < n; i++ {
			d.sms[i] = newSM(d, i)
		}
	}
	if int(sm) >= len(d.sms) {
		panic(fmt.Sprintf("SM index %d out of range on device %d (%d SMs)", sm, d.id, len(d.sms)))
	}
	return d.sms[sm]
}

// IsValid reports whether any warp on the device is valid; cached.
func (d *Device) IsValid() (bool, error) {
	if v, ok := d.valid.get(); ok {
		return v, nil
	}
	numSMs, err := d.NumSMs()
	if err != nil {
		return false, err
	}
	valid := false
	for sm := uint32(0); sm < numSMs && !valid; sm++ {
		mask, err := d.SM(sm).ValidWarpsMask()
		if err != nil {
			return false, err
		}
		valid = mask != 0
	}
	return d.valid.set(valid), nil
}

// ActiveSMsMask is recomputed on demand from warp validity.
func (d *Device) ActiveSMsMask() (uint64, error) {
	numSMs, err := d.NumSMs()
	if err != nil {
		return 0, err
	}
	var mask uint64
	for sm := uint32(0); sm < numSMs; sm++ {
		valid, err := d.SM(sm).ValidWarpsMask()
		if err != nil {
			return 0, err
		}
		if valid != 0 {
			mask |= uint64(1) << sm
		}
	}
	return mask, nil
}

// invalidate drops every dynamic cache in the device subtree. Static
// descriptors survive; they cannot change while attached.
func (d *Device) invalidate() {
	d.valid.invalidate()
	d.exceptionsFiltered = false
	for _, sm := range d.sms {
		sm.invalidate()
	}
}

// Suspend stops the device. A device without any context has never touched
// the GPU and is left running.
func (d *Device) Suspend() error {
	if d.suspended {
		return nil
	}
	if d.contexts.Empty() {
		klog.V(2).Infof("Not suspending device %d: no context", d.id)
		return nil
	}
	if res := d.sys.api.SuspendDevice(d.id); res != cudbg.SUCCESS {
		return res.Error()
	}
	d.suspended = true
	d.sys.suspendedMask |= uint64(1) << d.id
	klog.V(2).Infof("Suspended device %d", d.id)
	return nil
}

// Resume invalidates the entire device subtree and resumes execution.
func (d *Device) Resume() error {
	if !d.suspended {
		return nil
	}
	d.invalidate()
	if res := d.sys.api.ResumeDevice(d.id); res != cudbg.SUCCESS {
		return res.Error()
	}
	d.suspended = false
	d.sys.suspendedMask &^= uint64(1) << d.id
	klog.V(2).Infof("Resumed device %d", d.id)
	return nil
}

// FilterExceptionState reads the per-SM exception bitmap once per
// suspension. Every SM absent from the bitmap has all its lanes' exception
// caches set to None, so the per-lane exception reads are skipped entirely
// on exception-free SMs.
func (d *Device) FilterExceptionState() error {
	if d.exceptionsFiltered {
		return nil
	}
	bitmap, res := d.sys.api.ReadDeviceExceptionState(d.id)
	if res != cudbg.SUCCESS {
		return res.Error()
	}
	numSMs, err := d.NumSMs()
	if err != nil {
		return err
	}
	numWarps, err := d.NumWarps()
	if err != nil {
		return err
	}
	numLanes, err := d.NumLanes()
	if err != nil {
		return err
	}
	for sm := uint32(0); sm < numSMs; sm++ {
		if bitmap&(uint64(1)<<sm) != 0 {
			continue
		}
		node := d.SM(sm)
		for wp := uint32(0); wp < numWarps; wp++ {
			w := node.Warp(wp)
			for ln := uint32(0); ln < numLanes; ln++ {
				w.Lane(ln).exception.set(cudbg.ExceptionNone)
			}
		}
	}
	d.exceptionsFiltered = true
	return nil
}
