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
	"math/bits"

	"k8s.io/klog/v2"

	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/kernels"
)

// Warp mirrors one warp. The kernel field is a weak reference resolved from
// the registry by grid id; it is refreshed lazily and never owned.
type Warp struct {
	sm *SM
	id uint32

	gridID      cached[uint64]
	blockIdx    cached[cudbg.Dim3]
	validLanes  cached[uint32]
	activeLanes cached[uint32]
	timestamp   cached[uint64]

	kernel *kernels.Kernel

	// threadIdxsBatched is the remote bulk-fetch latch, armed once per stop.
	threadIdxsBatched bool

	lanes []*Lane
}

func newWarp(sm *SM, id uint32) *Warp {
	return &Warp{sm: sm, id: id}
}

// ID returns the warp index.
func (w *Warp) ID() uint32 { return w.id }

// Lane returns the mirror node for the given lane, allocating the lane
// array (sized by the device lane count) on first use.
func (w *Warp) Lane(ln uint32) *Lane {
	if w.lanes == nil {
		n, err := w.sm.dev.NumLanes()
		if err != nil {
			panic(fmt.Sprintf("cannot size lane array for device %d SM %d warp %d: %v", w.sm.dev.id, w.sm.id, w.id, err))
		}
		w.lanes = make([]*Lane, n)
		for i := uint32(0); i < n; i++ {
			w.lanes[i] = newLane(w, i)
		}
	}
	if int(ln) >= len(w.lanes) {
		panic(fmt.Sprintf("lane index %d out of range on device %d SM %d warp %d (%d lanes)", ln, w.sm.dev.id, w.sm.id, w.id, len(w.lanes)))
	}
	return w.lanes[ln]
}

// IsValid reports whether the warp holds live threads.
func (w *Warp) IsValid() (bool, error) {
	mask, err := w.sm.ValidWarpsMask()
	if err != nil {
		return false, err
	}
	return mask&(uint64(1)<<w.id) != 0, nil
}

// IsBroken reports whether the warp is stopped at a breakpoint.
func (w *Warp) IsBroken() (bool, error) {
	mask, err := w.sm.BrokenWarpsMask()
	if err != nil {
		return false, err
	}
	return mask&(uint64(1)<<w.id) != 0, nil
}

// IsBrokenSince reports whether the warp is broken and was first observed
// at or after the given clock tick. The timestamp comparison keeps a
// breakpoint from being re-reported on a later stop.
func (w *Warp) IsBrokenSince(since uint64) (bool, error) {
	broken, err := w.IsBroken()
	if err != nil || !broken {
		return false, err
	}
	ts, err := w.Timestamp()
	if err != nil {
		return false, err
	}
	return ts >= since, nil
}

// GridID returns the grid id of the kernel occupying the warp.
func (w *Warp) GridID() (uint64, error) {
	if id, ok := w.gridID.get(); ok {
		return id, nil
	}
	w.sm.batchGridIDs()
	id, res := w.sm.dev.sys.api.ReadGridID(w.sm.dev.id, w.sm.id, w.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	return w.gridID.set(id), nil
}

// Kernel resolves the warp's kernel from the registry by grid id. When no
// kernel is registered and launch notifications are deferred, a record is
// synthesized from GetGridInfo and the lookup retried, so this read path
// may grow the kernel registry.
func (w *Warp) Kernel() (*kernels.Kernel, error) {
	gridID, err := w.GridID()
	if err != nil {
		return nil, err
	}
	if w.kernel != nil && w.kernel.GridID == gridID && !w.kernel.Finished {
		return w.kernel, nil
	}
	sys := w.sm.dev.sys
	k := sys.kernels.FindByGridID(w.sm.dev.id, gridID)
	if k == nil && sys.opts.DeferKernelLaunchNotifications {
		info, res := sys.api.GetGridInfo(w.sm.dev.id, gridID)
		if res != cudbg.SUCCESS {
			return nil, res.Error()
		}
		if k, err = sys.kernels.Start(info); err != nil {
			return nil, err
		}
		klog.V(2).Infof("Deferred kernel registration for device %d grid %d", w.sm.dev.id, gridID)
	}
	if k == nil {
		return nil, fmt.Errorf("no kernel registered for device %d grid %d", w.sm.dev.id, gridID)
	}
	w.kernel = k
	return k, nil
}

// BlockIdx returns the block index the warp is executing.
func (w *Warp) BlockIdx() (cudbg.Dim3, error) {
	if b, ok := w.blockIdx.get(); ok {
		return b, nil
	}
	w.sm.batchBlockIdxs()
	b, res := w.sm.dev.sys.api.ReadBlockIdx(w.sm.dev.id, w.sm.id, w.id)
	if res != cudbg.SUCCESS {
		return cudbg.Dim3{}, res.Error()
	}
	return w.blockIdx.set(b), nil
}

// ValidLanesMask returns the mask of lanes holding live threads. The warp's
// timestamp is stamped on the first read.
func (w *Warp) ValidLanesMask() (uint32, error) {
	if m, ok := w.validLanes.get(); ok {
		return m, nil
	}
	m, res := w.sm.dev.sys.api.ReadValidLanes(w.sm.dev.id, w.sm.id, w.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	if _, ok := w.timestamp.get(); !ok {
		w.timestamp.set(w.sm.dev.sys.clock.Now())
	}
	return w.validLanes.set(m), nil
}

// ActiveLanesMask returns the mask of lanes active at the current PC. The
// active mask is always a subset of the valid mask.
func (w *Warp) ActiveLanesMask() (uint32, error) {
	if m, ok := w.activeLanes.get(); ok {
		return m, nil
	}
	m, res := w.sm.dev.sys.api.ReadActiveLanes(w.sm.dev.id, w.sm.id, w.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	valid, err := w.ValidLanesMask()
	if err != nil {
		return 0, err
	}
	if m&^valid != 0 {
		klog.Warningf("Device %d SM %d warp %d reports active lanes outside the valid mask (%#x &^ %#x)", w.sm.dev.id, w.sm.id, w.id, m, valid)
		m &= valid
	}
	return w.activeLanes.set(m), nil
}

// DivergentLanesMask returns the lanes that are valid but predicated off at
// the current PC.
func (w *Warp) DivergentLanesMask() (uint32, error) {
	valid, err := w.ValidLanesMask()
	if err != nil {
		return 0, err
	}
	active, err := w.ActiveLanesMask()
	if err != nil {
		return 0, err
	}
	return valid &^ active, nil
}

// LowestActiveLane returns the index of the lowest active lane. The warp
// must have at least one active lane.
func (w *Warp) LowestActiveLane() (uint32, error) {
	active, err := w.ActiveLanesMask()
	if err != nil {
		return 0, err
	}
	if active == 0 {
		return 0, fmt.Errorf("no active lane in device %d SM %d warp %d", w.sm.dev.id, w.sm.id, w.id)
	}
	return uint32(bits.TrailingZeros32(active)), nil
}

// ActivePC returns the PC shared by the warp's active lanes.
func (w *Warp) ActivePC() (uint64, error) {
	ln, err := w.LowestActiveLane()
	if err != nil {
		return 0, err
	}
	return w.Lane(ln).PC()
}

// ActiveVirtualPC returns the virtual PC shared by the warp's active lanes.
func (w *Warp) ActiveVirtualPC() (uint64, error) {
	ln, err := w.LowestActiveLane()
	if err != nil {
		return 0, err
	}
	return w.Lane(ln).VirtualPC()
}

// Timestamp returns the clock tick at which the warp was first observed in
// this stop. Reading the valid-lanes mask stamps it.
func (w *Warp) Timestamp() (uint64, error) {
	if ts, ok := w.timestamp.get(); ok {
		return ts, nil
	}
	if _, err := w.ValidLanesMask(); err != nil {
		return 0, err
	}
	ts, _ := w.timestamp.get()
	return ts, nil
}

// invalidateLocal drops the warp's own caches without touching the SM
// masks. Used when the whole SM is being invalidated anyway.
func (w *Warp) invalidateLocal() {
	w.gridID.invalidate()
	w.blockIdx.invalidate()
	w.validLanes.invalidate()
	w.activeLanes.invalidate()
	w.timestamp.invalidate()
	w.kernel = nil
	w.threadIdxsBatched = false
	for _, l := range w.lanes {
		l.invalidate()
	}
}

// invalidate drops the warp's caches and, per the cascade invariant, the
// containing SM's two masks.
func (w *Warp) invalidate() {
	w.invalidateLocal()
	w.sm.invalidateMasks()
}

// SingleStep steps the warp one instruction and returns the mask of warps
// that actually stepped. Under software preemption the warp scheduler may
// have moved anything anywhere, so the whole device is invalidated. The
// same applies when a warp other than this one stepped; that case is
// unexpected and warned about. Otherwise only the stepped warps and the
// SM's masks are dropped.
func (w *Warp) SingleStep() (uint64, error) {
	steppedMask, res := w.sm.dev.sys.api.SingleStepWarp(w.sm.dev.id, w.sm.id, w.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}

	dev := w.sm.dev
	switch {
	case dev.sys.opts.SoftwarePreemption:
		dev.invalidate()
	case steppedMask&^(uint64(1)<<w.id) != 0:
		klog.Warningf("Single-stepping device %d SM %d warp %d also stepped warps %#x; invalidating the device",
			dev.id, w.sm.id, w.id, steppedMask&^(uint64(1)<<w.id))
		dev.invalidate()
	default:
		numWarps, err := dev.NumWarps()
		if err != nil {
			return 0, err
		}
		for wp := uint32(0); wp < numWarps; wp++ {
			if steppedMask&(uint64(1)<<wp) != 0 {
				w.sm.Warp(wp).invalidateLocal()
			}
		}
		w.sm.invalidateMasks()
	}
	return steppedMask, nil
}

// batchThreadIdxs invokes the remote bulk-fetch hook for thread indices
// once per stop.
func (w *Warp) batchThreadIdxs() {
	if w.threadIdxsBatched || w.sm.dev.sys.remote == nil {
		return
	}
	w.threadIdxsBatched = true
	if res := w.sm.dev.sys.remote.UpdateThreadIdxInWarp(w.sm.dev.id, w.sm.id, w.id); res != cudbg.SUCCESS {
		klog.V(2).Infof("Bulk thread-idx fetch failed for device %d SM %d warp %d: %v", w.sm.dev.id, w.sm.id, w.id, res)
	}
}
