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

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/kernels"
)

// System is the root of the mirror. It owns the device array and the
// suspended-devices bitmask. All access is single-threaded.
type System struct {
	api     cudbg.API
	remote  cudbg.RemoteAPI
	opts    *options.Options
	clock   *Clock
	kernels *kernels.Registry

	numDevices    cached[uint32]
	devices       []*Device
	suspendedMask uint64
}

// NewSystem builds an uninitialized mirror over the given ports. remote may
// be nil when the debug API is local.
func NewSystem(api cudbg.API, remote cudbg.RemoteAPI, opts *options.Options, clock *Clock, reg *kernels.Registry) *System {
	return &System{
		api:     api,
		remote:  remote,
		opts:    opts,
		clock:   clock,
		kernels: reg,
	}
}

// Initialize allocates the device array. It must be called once before any
// getter.
func (s *System) Initialize() error {
	n, err := s.NumDevices()
	if err != nil {
		return fmt.Errorf("error initializing system state: %w", err)
	}
	s.devices = make([]*Device, n)
	for i := uint32(0); i < n; i++ {
		s.devices[i] = newDevice(s, i)
	}
	klog.V(1).Infof("Initialized mirror for %d device(s)", n)
	return nil
}

// Finalize tears the device array down.
func (s *System) Finalize() {
	s.devices = nil
	s.numDevices.invalidate()
	s.suspendedMask = 0
}

// NumDevices returns the device count, cached once per session.
func (s *System) NumDevices() (uint32, error) {
	if n, ok := s.numDevices.get(); ok {
		return n, nil
	}
	n, res := s.api.GetNumDevices()
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	return s.numDevices.set(n), nil
}

// Device returns the device with the given index. The index must be in
// range; a violation indicates a corrupt coordinate upstream.
func (s *System) Device(dev uint32) *Device {
	if int(dev) >= len(s.devices) {
		panic(fmt.Sprintf("device index %d out of range (%d devices)", dev, len(s.devices)))
	}
	return s.devices[dev]
}

// Devices returns the device array.
func (s *System) Devices() []*Device {
	return s.devices
}

// SuspendedMask returns the bitmask of currently suspended devices.
func (s *System) SuspendedMask() uint64 {
	return s.suspendedMask
}

// Clock returns the mirror's clock.
func (s *System) Clock() *Clock {
	return s.clock
}

// Kernels returns the kernel registry the mirror resolves grid ids against.
func (s *System) Kernels() *kernels.Registry {
	return s.kernels
}

// InvalidateAll invalidates the cached state of every device.
func (s *System) InvalidateAll() {
	for _, d := range s.devices {
		d.invalidate()
	}
}

// ResumeAll resumes every suspended device.
func (s *System) ResumeAll() error {
	for _, d := range s.devices {
		if d.suspended {
			if err := d.Resume(); err != nil {
				return err
			}
		}
	}
	return nil
}

// NumSMs, ValidWarpsMask and WarpGridID satisfy kernels.WarpSource so the
// kernel registry can compute SM occupancy masks through the mirror.
func (s *System) NumSMs(dev uint32) (uint32, error) {
	return s.Device(dev).NumSMs()
}

func (s *System) ValidWarpsMask(dev, sm uint32) (uint64, error) {
	return s.Device(dev).SM(sm).ValidWarpsMask()
}

func (s *System) WarpGridID(dev, sm, wp uint32) (uint64, error) {
	return s.Device(dev).SM(sm).Warp(wp).GridID()
}

var _ kernels.WarpSource = (*System)(nil)
