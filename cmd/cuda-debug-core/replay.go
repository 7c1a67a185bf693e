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

package main

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
)

// Trace is a recorded device snapshot plus event queues, replayed through
// the core as if a live inferior had produced them.
type Trace struct {
	Version  string        `json:"version"`
	Devices  []TraceDevice `json:"devices"`
	Grids    []TraceGrid   `json:"grids,omitempty"`
	StepMask uint64        `json:"stepMask,omitempty"`
	Events   TraceEvents   `json:"events"`
}

// TraceDevice snapshots one device.
type TraceDevice struct {
	NumSMs          uint32    `json:"numSMs"`
	NumWarps        uint32    `json:"numWarps"`
	NumLanes        uint32    `json:"numLanes"`
	NumRegisters    uint32    `json:"numRegisters,omitempty"`
	DeviceType      string    `json:"deviceType,omitempty"`
	SMType          string    `json:"smType,omitempty"`
	ExceptionSMMask uint64    `json:"exceptionSMMask,omitempty"`
	SMs             []TraceSM `json:"sms,omitempty"`
}

// TraceSM snapshots one SM.
type TraceSM struct {
	ValidWarps  uint64      `json:"validWarps"`
	BrokenWarps uint64      `json:"brokenWarps,omitempty"`
	Warps       []TraceWarp `json:"warps,omitempty"`
}

// TraceWarp snapshots one warp.
type TraceWarp struct {
	ValidLanes  uint32      `json:"validLanes"`
	ActiveLanes uint32      `json:"activeLanes"`
	GridID      uint64      `json:"gridId"`
	BlockIdx    [3]uint32   `json:"blockIdx"`
	Lanes       []TraceLane `json:"lanes,omitempty"`
}

// TraceLane snapshots one lane.
type TraceLane struct {
	PC        uint64    `json:"pc"`
	VirtualPC uint64    `json:"virtualPc"`
	ThreadIdx [3]uint32 `json:"threadIdx"`
	Exception int32     `json:"exception,omitempty"`
}

// TraceGrid snapshots one grid for GetGridInfo.
type TraceGrid struct {
	Dev       uint32    `json:"dev"`
	GridID    uint64    `json:"gridId"`
	ContextID uint64    `json:"contextId"`
	ModuleID  uint64    `json:"moduleId"`
	EntryPC   uint64    `json:"entryPc"`
	GridDim   [3]uint32 `json:"gridDim"`
	BlockDim  [3]uint32 `json:"blockDim"`
	Type      string    `json:"type,omitempty"`
	Parent    uint64    `json:"parent,omitempty"`
	Origin    string    `json:"origin,omitempty"`
}

// TraceEvents holds the two recorded queues.
type TraceEvents struct {
	Sync  []TraceEvent `json:"sync,omitempty"`
	Async []TraceEvent `json:"async,omitempty"`
}

// TraceEvent is one recorded event in wire-neutral form.
type TraceEvent struct {
	Kind     string    `json:"kind"`
	Dev      uint32    `json:"dev,omitempty"`
	Context  uint64    `json:"context,omitempty"`
	Module   uint64    `json:"module,omitempty"`
	Grid     uint64    `json:"grid,omitempty"`
	TID      uint32    `json:"tid,omitempty"`
	Handle   uint64    `json:"handle,omitempty"`
	Size     uint64    `json:"size,omitempty"`
	EntryPC  uint64    `json:"entryPc,omitempty"`
	GridDim  [3]uint32 `json:"gridDim,omitempty"`
	BlockDim [3]uint32 `json:"blockDim,omitempty"`
	Type     string    `json:"type,omitempty"`
	Parent   uint64    `json:"parent,omitempty"`
	Origin   string    `json:"origin,omitempty"`
	Code     int32     `json:"code,omitempty"`
}

// LoadTrace parses a trace file as either YAML or JSON.
func LoadTrace(path string) (*Trace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading trace file: %v", err)
	}
	var t Trace
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("error parsing trace file: %v", err)
	}
	if t.Version == "" {
		return nil, fmt.Errorf("trace file missing version field")
	}
	return &t, nil
}

func dim3(v [3]uint32) cudbg.Dim3 {
	return cudbg.Dim3{X: v[0], Y: v[1], Z: v[2]}
}

func kernelType(s string) cudbg.KernelType {
	if s == "system" {
		return cudbg.KernelTypeSystem
	}
	return cudbg.KernelTypeApplication
}

func gridOrigin(s string) cudbg.GridOrigin {
	if s == "GPU" {
		return cudbg.OriginGPU
	}
	return cudbg.OriginCPU
}

// ToFake materializes the trace into a scriptable debug-API port.
func (t *Trace) ToFake() (*cudbg.Fake, error) {
	fake := cudbg.NewFake(0, 0, 0, 0)
	fake.StepMask = t.StepMask

	for _, td := range t.Devices {
		dev := &cudbg.FakeDevice{
			NumSMs:          td.NumSMs,
			NumWarps:        td.NumWarps,
			NumLanes:        td.NumLanes,
			NumRegisters:    td.NumRegisters,
			DeviceType:      td.DeviceType,
			SMType:          td.SMType,
			ExceptionSMMask: td.ExceptionSMMask,
		}
		if dev.NumRegisters == 0 {
			dev.NumRegisters = 255
		}
		for sm := uint32(0); sm < td.NumSMs; sm++ {
			fsm := &cudbg.FakeSM{}
			if int(sm) < len(td.SMs) {
				fsm.ValidWarps = td.SMs[sm].ValidWarps
				fsm.BrokenWarps = td.SMs[sm].BrokenWarps
			}
			for wp := uint32(0); wp < td.NumWarps; wp++ {
				fw := cudbg.FakeWarp{Lanes: make([]cudbg.FakeLane, td.NumLanes)}
				if int(sm) < len(td.SMs) && int(wp) < len(td.SMs[sm].Warps) {
					tw := td.SMs[sm].Warps[wp]
					fw.ValidLanes = tw.ValidLanes
					fw.ActiveLanes = tw.ActiveLanes
					fw.GridID = tw.GridID
					fw.BlockIdx = dim3(tw.BlockIdx)
					for ln := range fw.Lanes {
						if ln < len(tw.Lanes) {
							tl := tw.Lanes[ln]
							fw.Lanes[ln] = cudbg.FakeLane{
								PC:        tl.PC,
								VirtualPC: tl.VirtualPC,
								ThreadIdx: dim3(tl.ThreadIdx),
								Exception: cudbg.Exception(tl.Exception),
							}
						}
					}
				}
				fsm.Warps = append(fsm.Warps, fw)
			}
			dev.SMs = append(dev.SMs, fsm)
		}
		fake.Devs = append(fake.Devs, dev)
	}

	for _, g := range t.Grids {
		fake.Grids[cudbg.GridKey{Dev: g.Dev, GridID: g.GridID}] = cudbg.GridInfo{
			Dev:           g.Dev,
			GridID:        g.GridID,
			ContextID:     g.ContextID,
			ModuleID:      g.ModuleID,
			FunctionEntry: g.EntryPC,
			GridDim:       dim3(g.GridDim),
			BlockDim:      dim3(g.BlockDim),
			Type:          kernelType(g.Type),
			ParentGridID:  g.Parent,
			Origin:        gridOrigin(g.Origin),
		}
	}

	var err error
	fake.SyncQueue, err = convertEvents(t.Events.Sync)
	if err != nil {
		return nil, err
	}
	fake.AsyncQueue, err = convertEvents(t.Events.Async)
	if err != nil {
		return nil, err
	}
	return fake, nil
}

func convertEvents(in []TraceEvent) ([]cudbg.Event, error) {
	var out []cudbg.Event
	for _, e := range in {
		switch e.Kind {
		case "ctxCreate":
			out = append(out, cudbg.CtxCreate{Dev: e.Dev, ContextID: e.Context, TID: e.TID})
		case "ctxDestroy":
			out = append(out, cudbg.CtxDestroy{Dev: e.Dev, ContextID: e.Context, TID: e.TID})
		case "ctxPush":
			out = append(out, cudbg.CtxPush{Dev: e.Dev, ContextID: e.Context, TID: e.TID})
		case "ctxPop":
			out = append(out, cudbg.CtxPop{Dev: e.Dev, ContextID: e.Context, TID: e.TID})
		case "elfImageLoaded":
			out = append(out, cudbg.ElfImageLoaded{Dev: e.Dev, ContextID: e.Context, ModuleID: e.Module, Handle: e.Handle, Size: e.Size})
		case "kernelReady":
			out = append(out, cudbg.KernelReady{
				Dev: e.Dev, ContextID: e.Context, ModuleID: e.Module, GridID: e.Grid,
				TID: e.TID, EntryPC: e.EntryPC,
				GridDim: dim3(e.GridDim), BlockDim: dim3(e.BlockDim),
				Type: kernelType(e.Type), ParentGridID: e.Parent, Origin: gridOrigin(e.Origin),
			})
		case "kernelFinished":
			out = append(out, cudbg.KernelFinished{Dev: e.Dev, GridID: e.Grid})
		case "internalError":
			out = append(out, cudbg.InternalError{Code: cudbg.Result(e.Code)})
		case "timeout":
			out = append(out, cudbg.Timeout{})
		case "attachComplete":
			out = append(out, cudbg.AttachComplete{})
		case "detachComplete":
			out = append(out, cudbg.DetachComplete{})
		default:
			return nil, fmt.Errorf("unknown event kind %q in trace", e.Kind)
		}
	}
	return out, nil
}
