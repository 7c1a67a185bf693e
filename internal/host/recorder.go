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

package host

import "fmt"

// AutoBreakpoint is one auto-breakpoint recorded by the Recorder.
type AutoBreakpoint struct {
	PC        uint64
	ContextID uint64
}

// Recorder is a Debugger implementation that records every callback. It is
// the test double used across the core's packages, and doubles as a plain
// text sink for the replay harness.
type Recorder struct {
	// CallLog records callback names in invocation order.
	CallLog []string

	AutoBreakpoints []AutoBreakpoint
	Reinserts       int
	Unresolved      []uint64

	Tid        uint32
	KnownTids  map[uint32]bool
	CurrentCtx uint64

	LoadedImages map[uint64]uint64 // moduleID -> size

	Lines map[uint64]LineInfo

	// Output collects Text/Message/field output for assertions.
	Output []string

	BusyDevs map[uint32]bool
}

var _ Debugger = (*Recorder)(nil)

// NewRecorder returns an empty recorder focused on host thread tid.
func NewRecorder(tid uint32) *Recorder {
	return &Recorder{
		Tid:          tid,
		KnownTids:    map[uint32]bool{tid: true},
		LoadedImages: map[uint64]uint64{},
		Lines:        map[uint64]LineInfo{},
		BusyDevs:     map[uint32]bool{},
	}
}

func (r *Recorder) log(name string) {
	r.CallLog = append(r.CallLog, name)
}

func (r *Recorder) ResolveBreakpoints(contextID, moduleID uint64) {
	r.log(fmt.Sprintf("ResolveBreakpoints(%#x,%#x)", contextID, moduleID))
}

func (r *Recorder) UnresolveBreakpoints(contextID uint64) {
	r.log(fmt.Sprintf("UnresolveBreakpoints(%#x)", contextID))
	r.Unresolved = append(r.Unresolved, contextID)
}

func (r *Recorder) RemoveAllBreakpoints() {
	r.log("RemoveAllBreakpoints")
}

func (r *Recorder) ReinsertBreakpoints() {
	r.log("ReinsertBreakpoints")
	r.Reinserts++
}

func (r *Recorder) CreateAutoBreakpoint(pc uint64, contextID uint64) {
	r.log(fmt.Sprintf("CreateAutoBreakpoint(%#x,%#x)", pc, contextID))
	r.AutoBreakpoints = append(r.AutoBreakpoints, AutoBreakpoint{PC: pc, ContextID: contextID})
}

func (r *Recorder) RemoveAutoBreakpoints(contextID uint64) {
	r.log(fmt.Sprintf("RemoveAutoBreakpoints(%#x)", contextID))
	var kept []AutoBreakpoint
	for _, bp := range r.AutoBreakpoints {
		if bp.ContextID != contextID {
			kept = append(kept, bp)
		}
	}
	r.AutoBreakpoints = kept
}

func (r *Recorder) CurrentThread() uint32 { return r.Tid }

func (r *Recorder) SwitchToThread(tid uint32) {
	r.log(fmt.Sprintf("SwitchToThread(%d)", tid))
	r.Tid = tid
}

func (r *Recorder) FindThread(tid uint32) bool { return r.KnownTids[tid] }

func (r *Recorder) TableBegin(columns, rows int, id string) { r.log("TableBegin:" + id) }
func (r *Recorder) TableHeader(width int, align Alignment, colID, heading string) {
	r.Output = append(r.Output, "header:"+heading)
}
func (r *Recorder) TableBody() {}
func (r *Recorder) TableEnd()  { r.log("TableEnd") }

func (r *Recorder) FieldString(colID, value string) {
	r.Output = append(r.Output, colID+"="+value)
}

func (r *Recorder) FieldInt(colID string, value int64) {
	r.Output = append(r.Output, fmt.Sprintf("%s=%d", colID, value))
}

func (r *Recorder) FieldFmt(colID, format string, args ...interface{}) {
	r.Output = append(r.Output, colID+"="+fmt.Sprintf(format, args...))
}

func (r *Recorder) Text(s string) { r.Output = append(r.Output, s) }

func (r *Recorder) Message(format string, args ...interface{}) {
	r.Output = append(r.Output, fmt.Sprintf(format, args...))
}

func (r *Recorder) LookupLine(virtualPC uint64) (LineInfo, bool) {
	li, ok := r.Lines[virtualPC]
	return li, ok
}

func (r *Recorder) LoadElfImage(moduleID, handle, size uint64) {
	r.log(fmt.Sprintf("LoadElfImage(%#x)", moduleID))
	r.LoadedImages[moduleID] = size
}

func (r *Recorder) UnloadElfImage(moduleID uint64) {
	r.log(fmt.Sprintf("UnloadElfImage(%#x)", moduleID))
	delete(r.LoadedImages, moduleID)
}

func (r *Recorder) CurrentContext() uint64 { return r.CurrentCtx }

func (r *Recorder) SetCurrentContext(contextID uint64) {
	r.log(fmt.Sprintf("SetCurrentContext(%#x)", contextID))
	r.CurrentCtx = contextID
}

func (r *Recorder) ClearCurrentContext() {
	r.log("ClearCurrentContext")
	r.CurrentCtx = 0
}

func (r *Recorder) ClearCurrentSourceLine() { r.log("ClearCurrentSourceLine") }

func (r *Recorder) UpdateConvenienceVariables() { r.log("UpdateConvenienceVariables") }

func (r *Recorder) UpdateRuntimeSymbols() { r.log("UpdateRuntimeSymbols") }

func (r *Recorder) PrintFrame() { r.log("PrintFrame") }

func (r *Recorder) IsGPUBusy(dev uint32) bool { return r.BusyDevs[dev] }
