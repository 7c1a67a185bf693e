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

// Package kernels maintains the process-wide registry of running kernels,
// keyed by (device, grid id).
package kernels

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
)

// Kernel is one launched grid. Contexts and modules are referenced by id;
// the registry holds no ownership over either.
type Kernel struct {
	ID           uint64
	Dev          uint32
	GridID       uint64
	ContextID    uint64
	ModuleID     uint64
	GridDim      cudbg.Dim3
	BlockDim     cudbg.Dim3
	Type         cudbg.KernelType
	ParentGridID uint64
	Origin       cudbg.GridOrigin
	EntryPC      uint64

	Finished bool
}

// Dimensions returns the launch shape pre-formatted as
// "(gx,gy,gz)x(bx,by,bz)".
func (k *Kernel) Dimensions() string {
	return fmt.Sprintf("(%d,%d,%d)x(%d,%d,%d)",
		k.GridDim.X, k.GridDim.Y, k.GridDim.Z,
		k.BlockDim.X, k.BlockDim.Y, k.BlockDim.Z)
}

// WarpSource is the slice of the state mirror the registry needs to compute
// which SMs a kernel occupies.
type WarpSource interface {
	NumSMs(dev uint32) (uint32, error)
	ValidWarpsMask(dev, sm uint32) (uint64, error)
	WarpGridID(dev, sm, wp uint32) (uint64, error)
}

// Registry is the process-wide kernel list. It is single-threaded.
type Registry struct {
	kernels []*Kernel
	nextID  uint64
}

// NewRegistry returns an empty kernel registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Kernels returns the live (non-finished) kernels in registration order.
func (r *Registry) Kernels() []*Kernel {
	var out []*Kernel
	for _, k := range r.kernels {
		if !k.Finished {
			out = append(out, k)
		}
	}
	return out
}

// Start registers a kernel from the grid information reported by the debug
// API. At most one kernel per (dev, grid id) may be live at a time.
func (r *Registry) Start(info cudbg.GridInfo) (*Kernel, error) {
	if existing := r.FindByGridID(info.Dev, info.GridID); existing != nil {
		return nil, fmt.Errorf("kernel for device %d grid %d already registered", info.Dev, info.GridID)
	}
	k := &Kernel{
		ID:           r.nextID,
		Dev:          info.Dev,
		GridID:       info.GridID,
		ContextID:    info.ContextID,
		ModuleID:     info.ModuleID,
		GridDim:      info.GridDim,
		BlockDim:     info.BlockDim,
		Type:         info.Type,
		ParentGridID: info.ParentGridID,
		Origin:       info.Origin,
		EntryPC:      info.FunctionEntry,
	}
	r.nextID++
	r.kernels = append(r.kernels, k)
	klog.V(2).Infof("Registered kernel %d for device %d grid %d %s", k.ID, k.Dev, k.GridID, k.Dimensions())
	return k, nil
}

// Terminate marks the kernel for (dev, gridID) finished and unlinks it.
// It returns the terminated kernel, nil when none was registered.
func (r *Registry) Terminate(dev uint32, gridID uint64) *Kernel {
	for i, k := range r.kernels {
		if k.Dev == dev && k.GridID == gridID && !k.Finished {
			k.Finished = true
			r.kernels = append(r.kernels[:i], r.kernels[i+1:]...)
			klog.V(2).Infof("Terminated kernel %d for device %d grid %d", k.ID, dev, gridID)
			return k
		}
	}
	return nil
}

// FindByGridID returns the live kernel for (dev, gridID), nil when absent.
func (r *Registry) FindByGridID(dev uint32, gridID uint64) *Kernel {
	for _, k := range r.kernels {
		if k.Dev == dev && k.GridID == gridID && !k.Finished {
			return k
		}
	}
	return nil
}

// FindByKernelID returns the live kernel with the given kernel id.
func (r *Registry) FindByKernelID(kernelID uint64) *Kernel {
	for _, k := range r.kernels {
		if k.ID == kernelID && !k.Finished {
			return k
		}
	}
	return nil
}

// ComputeSMsMask ORs a bit for each SM holding at least one warp whose grid
// id matches the kernel's.
func (r *Registry) ComputeSMsMask(src WarpSource, k *Kernel) (uint64, error) {
	numSMs, err := src.NumSMs(k.Dev)
	if err != nil {
		return 0, err
	}
	var mask uint64
	for sm := uint32(0); sm < numSMs; sm++ {
		valid, err := src.ValidWarpsMask(k.Dev, sm)
		if err != nil {
			return 0, err
		}
		for wp := uint32(0); valid != 0; wp, valid = wp+1, valid>>1 {
			if valid&1 == 0 {
				continue
			}
			gridID, err := src.WarpGridID(k.Dev, sm, wp)
			if err != nil {
				return 0, err
			}
			if gridID == k.GridID {
				mask |= uint64(1) << sm
				break
			}
		}
	}
	return mask, nil
}
