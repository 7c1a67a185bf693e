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

package cudbg

// Fake is a fully scriptable in-memory implementation of API. Tests and the
// replay harness populate its topology and queues, then hand it to the core
// as the debug-API port. Call counts are recorded per capability so tests
// can assert on cache behavior.
type Fake struct {
	Devs []*FakeDevice

	SyncQueue  []Event
	AsyncQueue []Event

	Grids map[GridKey]GridInfo

	// StepMask is returned by every SingleStepWarp call; it is never cleared.
	StepMask uint64

	Attach AttachState

	Calls map[string]int
}

// GridKey identifies a grid within the fake's grid table.
type GridKey struct {
	Dev    uint32
	GridID uint64
}

// FakeLane scripts the per-lane reads.
type FakeLane struct {
	PC               uint64
	VirtualPC        uint64
	ThreadIdx        Dim3
	Exception        Exception
	Registers        []uint32
	CallDepth        uint32
	SyscallCallDepth uint32
	VirtualRetAddr   uint64
	MemcheckAddr     uint64
	MemcheckSegment  MemorySegment
}

// FakeWarp scripts the per-warp reads.
type FakeWarp struct {
	ValidLanes  uint32
	ActiveLanes uint32
	GridID      uint64
	BlockIdx    Dim3
	Lanes       []FakeLane
}

// FakeSM scripts the per-SM mask reads.
type FakeSM struct {
	ValidWarps  uint64
	BrokenWarps uint64
	Warps       []FakeWarp
}

// FakeDevice scripts one device's topology and state.
type FakeDevice struct {
	NumSMs       uint32
	NumWarps     uint32
	NumLanes     uint32
	NumRegisters uint32
	DeviceType   string
	SMType       string

	// ExceptionSMMask is the per-SM exception bitmap returned by
	// ReadDeviceExceptionState.
	ExceptionSMMask uint64

	SMs []*FakeSM

	Suspended bool
	Resumes   int
	Suspends  int
}

var _ API = (*Fake)(nil)

// NewFake builds a fake with ndev identical devices of the given topology.
func NewFake(ndev, nsm, nwp, nln uint32) *Fake {
	f := &Fake{
		Grids: map[GridKey]GridInfo{},
		Calls: map[string]int{},
	}
	for i := uint32(0); i < ndev; i++ {
		d := &FakeDevice{
			NumSMs:       nsm,
			NumWarps:     nwp,
			NumLanes:     nln,
			NumRegisters: 255,
			DeviceType:   "NVIDIA A100-SXM4-40GB",
			SMType:       "sm_80",
		}
		for s := uint32(0); s < nsm; s++ {
			sm := &FakeSM{}
			for w := uint32(0); w < nwp; w++ {
				wp := FakeWarp{Lanes: make([]FakeLane, nln)}
				sm.Warps = append(sm.Warps, wp)
			}
			d.SMs = append(d.SMs, sm)
		}
		f.Devs = append(f.Devs, d)
	}
	return f
}

func (f *Fake) count(name string) {
	if f.Calls == nil {
		f.Calls = map[string]int{}
	}
	f.Calls[name]++
}

func (f *Fake) dev(dev uint32) (*FakeDevice, Result) {
	if int(dev) >= len(f.Devs) {
		return nil, ERROR_INVALID_DEVICE
	}
	return f.Devs[dev], SUCCESS
}

func (f *Fake) sm(dev, sm uint32) (*FakeSM, Result) {
	d, res := f.dev(dev)
	if res != SUCCESS {
		return nil, res
	}
	if int(sm) >= len(d.SMs) {
		return nil, ERROR_INVALID_SM
	}
	return d.SMs[sm], SUCCESS
}

func (f *Fake) warp(dev, sm, wp uint32) (*FakeWarp, Result) {
	s, res := f.sm(dev, sm)
	if res != SUCCESS {
		return nil, res
	}
	if int(wp) >= len(s.Warps) {
		return nil, ERROR_INVALID_WARP
	}
	return &s.Warps[wp], SUCCESS
}

func (f *Fake) lane(dev, sm, wp, ln uint32) (*FakeLane, Result) {
	w, res := f.warp(dev, sm, wp)
	if res != SUCCESS {
		return nil, res
	}
	if int(ln) >= len(w.Lanes) {
		return nil, ERROR_INVALID_LANE
	}
	return &w.Lanes[ln], SUCCESS
}

func (f *Fake) GetNumDevices() (uint32, Result) {
	f.count("GetNumDevices")
	return uint32(len(f.Devs)), SUCCESS
}

func (f *Fake) GetNumSMs(dev uint32) (uint32, Result) {
	f.count("GetNumSMs")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return 0, res
	}
	return d.NumSMs, SUCCESS
}

func (f *Fake) GetNumWarps(dev uint32) (uint32, Result) {
	f.count("GetNumWarps")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return 0, res
	}
	return d.NumWarps, SUCCESS
}

func (f *Fake) GetNumLanes(dev uint32) (uint32, Result) {
	f.count("GetNumLanes")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return 0, res
	}
	return d.NumLanes, SUCCESS
}

func (f *Fake) GetNumRegisters(dev uint32) (uint32, Result) {
	f.count("GetNumRegisters")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return 0, res
	}
	return d.NumRegisters, SUCCESS
}

func (f *Fake) GetDeviceType(dev uint32) (string, Result) {
	f.count("GetDeviceType")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return "", res
	}
	return d.DeviceType, SUCCESS
}

func (f *Fake) GetSMType(dev uint32) (string, Result) {
	f.count("GetSMType")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return "", res
	}
	return d.SMType, SUCCESS
}

func (f *Fake) ReadValidWarps(dev, sm uint32) (uint64, Result) {
	f.count("ReadValidWarps")
	s, res := f.sm(dev, sm)
	if res != SUCCESS {
		return 0, res
	}
	return s.ValidWarps, SUCCESS
}

func (f *Fake) ReadBrokenWarps(dev, sm uint32) (uint64, Result) {
	f.count("ReadBrokenWarps")
	s, res := f.sm(dev, sm)
	if res != SUCCESS {
		return 0, res
	}
	return s.BrokenWarps, SUCCESS
}

func (f *Fake) ReadValidLanes(dev, sm, wp uint32) (uint32, Result) {
	f.count("ReadValidLanes")
	w, res := f.warp(dev, sm, wp)
	if res != SUCCESS {
		return 0, res
	}
	return w.ValidLanes, SUCCESS
}

func (f *Fake) ReadActiveLanes(dev, sm, wp uint32) (uint32, Result) {
	f.count("ReadActiveLanes")
	w, res := f.warp(dev, sm, wp)
	if res != SUCCESS {
		return 0, res
	}
	return w.ActiveLanes, SUCCESS
}

func (f *Fake) ReadGridID(dev, sm, wp uint32) (uint64, Result) {
	f.count("ReadGridID")
	w, res := f.warp(dev, sm, wp)
	if res != SUCCESS {
		return 0, res
	}
	return w.GridID, SUCCESS
}

func (f *Fake) ReadBlockIdx(dev, sm, wp uint32) (Dim3, Result) {
	f.count("ReadBlockIdx")
	w, res := f.warp(dev, sm, wp)
	if res != SUCCESS {
		return Dim3{}, res
	}
	return w.BlockIdx, SUCCESS
}

func (f *Fake) ReadThreadIdx(dev, sm, wp, ln uint32) (Dim3, Result) {
	f.count("ReadThreadIdx")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return Dim3{}, res
	}
	return l.ThreadIdx, SUCCESS
}

func (f *Fake) ReadPC(dev, sm, wp, ln uint32) (uint64, Result) {
	f.count("ReadPC")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return 0, res
	}
	return l.PC, SUCCESS
}

func (f *Fake) ReadVirtualPC(dev, sm, wp, ln uint32) (uint64, Result) {
	f.count("ReadVirtualPC")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return 0, res
	}
	return l.VirtualPC, SUCCESS
}

func (f *Fake) ReadLaneException(dev, sm, wp, ln uint32) (Exception, Result) {
	f.count("ReadLaneException")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return ExceptionNone, res
	}
	return l.Exception, SUCCESS
}

func (f *Fake) ReadRegister(dev, sm, wp, ln, regno uint32) (uint32, Result) {
	f.count("ReadRegister")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return 0, res
	}
	if int(regno) >= len(l.Registers) {
		return 0, ERROR_INVALID_ARGS
	}
	return l.Registers[regno], SUCCESS
}

func (f *Fake) ReadCallDepth(dev, sm, wp, ln uint32) (uint32, Result) {
	f.count("ReadCallDepth")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return 0, res
	}
	return l.CallDepth, SUCCESS
}

func (f *Fake) ReadSyscallCallDepth(dev, sm, wp, ln uint32) (uint32, Result) {
	f.count("ReadSyscallCallDepth")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return 0, res
	}
	return l.SyscallCallDepth, SUCCESS
}

func (f *Fake) ReadVirtualReturnAddress(dev, sm, wp, ln, level uint32) (uint64, Result) {
	f.count("ReadVirtualReturnAddress")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return 0, res
	}
	return l.VirtualRetAddr, SUCCESS
}

func (f *Fake) ReadDeviceExceptionState(dev uint32) (uint64, Result) {
	f.count("ReadDeviceExceptionState")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return 0, res
	}
	return d.ExceptionSMMask, SUCCESS
}

func (f *Fake) MemcheckReadErrorAddress(dev, sm, wp, ln uint32) (uint64, MemorySegment, Result) {
	f.count("MemcheckReadErrorAddress")
	l, res := f.lane(dev, sm, wp, ln)
	if res != SUCCESS {
		return 0, SegmentInvalid, res
	}
	return l.MemcheckAddr, l.MemcheckSegment, SUCCESS
}

func (f *Fake) SingleStepWarp(dev, sm, wp uint32) (uint64, Result) {
	f.count("SingleStepWarp")
	if _, res := f.warp(dev, sm, wp); res != SUCCESS {
		return 0, res
	}
	return f.StepMask, SUCCESS
}

func (f *Fake) SuspendDevice(dev uint32) Result {
	f.count("SuspendDevice")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return res
	}
	d.Suspended = true
	d.Suspends++
	return SUCCESS
}

func (f *Fake) ResumeDevice(dev uint32) Result {
	f.count("ResumeDevice")
	d, res := f.dev(dev)
	if res != SUCCESS {
		return res
	}
	d.Suspended = false
	d.Resumes++
	return SUCCESS
}

func (f *Fake) GetGridInfo(dev uint32, gridID uint64) (GridInfo, Result) {
	f.count("GetGridInfo")
	gi, ok := f.Grids[GridKey{Dev: dev, GridID: gridID}]
	if !ok {
		return GridInfo{}, ERROR_INVALID_GRID
	}
	return gi, SUCCESS
}

func (f *Fake) GetNextSyncEvent() (Event, Result) {
	f.count("GetNextSyncEvent")
	if len(f.SyncQueue) == 0 {
		return EventInvalid{}, SUCCESS
	}
	ev := f.SyncQueue[0]
	f.SyncQueue = f.SyncQueue[1:]
	return ev, SUCCESS
}

func (f *Fake) GetNextAsyncEvent() (Event, Result) {
	f.count("GetNextAsyncEvent")
	if len(f.AsyncQueue) == 0 {
		return EventInvalid{}, SUCCESS
	}
	ev := f.AsyncQueue[0]
	f.AsyncQueue = f.AsyncQueue[1:]
	return ev, SUCCESS
}

func (f *Fake) GetAttachState() AttachState { return f.Attach }

func (f *Fake) SetAttachState(state AttachState) { f.Attach = state }
