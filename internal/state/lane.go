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

	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
)

// Lane mirrors one SIMT thread slot. PC, virtual PC, thread index,
// exception and timestamp are cached; the remaining reads pass through to
// the debug API on every call.
type Lane struct {
	wp *Warp
	id uint32

	pc        cached[uint64]
	virtualPC cached[uint64]
	threadIdx cached[cudbg.Dim3]
	exception cached[cudbg.Exception]
	timestamp cached[uint64]
}

func newLane(wp *Warp, id uint32) *Lane {
	return &Lane{wp: wp, id: id}
}

// ID returns the lane index.
func (l *Lane) ID() uint32 { return l.id }

// assertValid panics when the lane holds no live thread; per-lane getters
// may only be called on valid lanes.
func (l *Lane) assertValid() {
	valid, err := l.IsValid()
	if err != nil {
		panic(fmt.Sprintf("cannot validate lane %d on device %d SM %d warp %d: %v", l.id, l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, err))
	}
	if !valid {
		panic(fmt.Sprintf("lane %d on device %d SM %d warp %d is not valid", l.id, l.wp.sm.dev.id, l.wp.sm.id, l.wp.id))
	}
}

// IsValid reports whether the lane holds a live thread. The lane's
// timestamp is stamped on the first call.
func (l *Lane) IsValid() (bool, error) {
	mask, err := l.wp.ValidLanesMask()
	if err != nil {
		return false, err
	}
	if _, ok := l.timestamp.get(); !ok {
		l.timestamp.set(l.wp.sm.dev.sys.clock.Now())
	}
	return mask&(uint32(1)<<l.id) != 0, nil
}

// IsActive reports whether the lane is active at the warp's current PC.
func (l *Lane) IsActive() (bool, error) {
	mask, err := l.wp.ActiveLanesMask()
	if err != nil {
		return false, err
	}
	return mask&(uint32(1)<<l.id) != 0, nil
}

// IsDivergent reports whether the lane is valid but predicated off.
func (l *Lane) IsDivergent() (bool, error) {
	mask, err := l.wp.DivergentLanesMask()
	if err != nil {
		return false, err
	}
	return mask&(uint32(1)<<l.id) != 0, nil
}

// ThreadIdx returns the logical thread index of the lane.
func (l *Lane) ThreadIdx() (cudbg.Dim3, error) {
	l.assertValid()
	if t, ok := l.threadIdx.get(); ok {
		return t, nil
	}
	l.wp.batchThreadIdxs()
	t, res := l.wp.sm.dev.sys.api.ReadThreadIdx(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id)
	if res != cudbg.SUCCESS {
		return cudbg.Dim3{}, res.Error()
	}
	return l.threadIdx.set(t), nil
}

// PC returns the lane's program counter. All active lanes of a warp share
// one PC, so the first read for any active lane populates the cache of
// every other active lane and the hardware is consulted exactly once.
func (l *Lane) PC() (uint64, error) {
	l.assertValid()
	if pc, ok := l.pc.get(); ok {
		return pc, nil
	}
	pc, res := l.wp.sm.dev.sys.api.ReadPC(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	l.pc.set(pc)
	if err := l.propagateToActive(func(peer *Lane) { peer.pc.set(pc) }); err != nil {
		return 0, err
	}
	return pc, nil
}

// VirtualPC returns the lane's virtual (relocated) program counter, with
// the same active-lane propagation as PC.
func (l *Lane) VirtualPC() (uint64, error) {
	l.assertValid()
	if pc, ok := l.virtualPC.get(); ok {
		return pc, nil
	}
	pc, res := l.wp.sm.dev.sys.api.ReadVirtualPC(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	l.virtualPC.set(pc)
	if err := l.propagateToActive(func(peer *Lane) { peer.virtualPC.set(pc) }); err != nil {
		return 0, err
	}
	return pc, nil
}

// propagateToActive applies fn to every active lane of the warp when this
// lane itself is active. A divergent lane's value is its own.
func (l *Lane) propagateToActive(fn func(*Lane)) error {
	active, err := l.wp.ActiveLanesMask()
	if err != nil {
		return err
	}
	if active&(uint32(1)<<l.id) == 0 {
		return nil
	}
	for ln := uint32(0); ln < uint32(len(l.wp.lanes)); ln++ {
		if active&(uint32(1)<<ln) != 0 {
			fn(l.wp.Lane(ln))
		}
	}
	return nil
}

// Exception returns the exception the lane hit, ExceptionNone when clean.
func (l *Lane) Exception() (cudbg.Exception, error) {
	l.assertValid()
	if e, ok := l.exception.get(); ok {
		return e, nil
	}
	e, res := l.wp.sm.dev.sys.api.ReadLaneException(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id)
	if res != cudbg.SUCCESS {
		return cudbg.ExceptionNone, res.Error()
	}
	return l.exception.set(e), nil
}

// Register reads a hardware register; uncached.
func (l *Lane) Register(regno uint32) (uint32, error) {
	l.assertValid()
	v, res := l.wp.sm.dev.sys.api.ReadRegister(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id, regno)
	return v, res.Error()
}

// CallDepth reads the lane's call depth; uncached.
func (l *Lane) CallDepth() (uint32, error) {
	l.assertValid()
	v, res := l.wp.sm.dev.sys.api.ReadCallDepth(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id)
	return v, res.Error()
}

// SyscallCallDepth reads the lane's syscall call depth; uncached.
func (l *Lane) SyscallCallDepth() (uint32, error) {
	l.assertValid()
	v, res := l.wp.sm.dev.sys.api.ReadSyscallCallDepth(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id)
	return v, res.Error()
}

// VirtualReturnAddress reads the return address at the given call level;
// uncached.
func (l *Lane) VirtualReturnAddress(level uint32) (uint64, error) {
	l.assertValid()
	v, res := l.wp.sm.dev.sys.api.ReadVirtualReturnAddress(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id, level)
	return v, res.Error()
}

// MemcheckErrorAddress reads the faulting address and its memory segment
// after a memcheck violation; uncached.
func (l *Lane) MemcheckErrorAddress() (uint64, cudbg.MemorySegment, error) {
	l.assertValid()
	addr, seg, res := l.wp.sm.dev.sys.api.MemcheckReadErrorAddress(l.wp.sm.dev.id, l.wp.sm.id, l.wp.id, l.id)
	return addr, seg, res.Error()
}

// Timestamp returns the clock tick at which the lane was first observed.
func (l *Lane) Timestamp() (uint64, error) {
	if ts, ok := l.timestamp.get(); ok {
		return ts, nil
	}
	if _, err := l.IsValid(); err != nil {
		return 0, err
	}
	ts, _ := l.timestamp.get()
	return ts, nil
}

// invalidate drops every cached field.
func (l *Lane) invalidate() {
	l.pc.invalidate()
	l.virtualPC.invalidate()
	l.threadIdx.invalidate()
	l.exception.invalidate()
	l.timestamp.invalidate()
}
