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

// Package host defines the host-debugger port: the callbacks the core
// invokes on the surrounding debugger for breakpoints, symbol lookup, thread
// control and UI output. The core never renders tables or resolves symbols
// itself.
package host

// LineInfo is the result of a symtab lookup for a code address.
type LineInfo struct {
	Filename string
	Line     int
	Function string
}

// Breakpoints is the slice of the host debugger that manages breakpoint
// storage. The core only drives resolution and lifetime.
type Breakpoints interface {
	// ResolveBreakpoints re-resolves pending breakpoints against a newly
	// loaded ELF image.
	ResolveBreakpoints(contextID, moduleID uint64)
	// UnresolveBreakpoints reverts breakpoints resolved against the
	// modules of a context about to go away.
	UnresolveBreakpoints(contextID uint64)
	// RemoveAllBreakpoints removes every device breakpoint inserted by
	// the core.
	RemoveAllBreakpoints()
	// ReinsertBreakpoints removes and re-inserts all host breakpoints;
	// invoked once after every event drain.
	ReinsertBreakpoints()
	// CreateAutoBreakpoint plants a breakpoint at pc, tagged with the
	// owning context so it can be cleaned up when the context dies.
	CreateAutoBreakpoint(pc uint64, contextID uint64)
	// RemoveAutoBreakpoints removes every auto-breakpoint tagged with
	// contextID.
	RemoveAutoBreakpoints(contextID uint64)
}

// Threads is the slice of the host debugger that controls host threads.
type Threads interface {
	// CurrentThread returns the host thread id the debugger is focused on.
	CurrentThread() uint32
	// SwitchToThread moves the debugger focus to the given host thread.
	SwitchToThread(tid uint32)
	// FindThread reports whether the host debugger knows the thread id.
	FindThread(tid uint32) bool
}

// UI is the tabular and textual output sink.
type UI interface {
	TableBegin(columns int, rows int, id string)
	TableHeader(width int, align Alignment, colID, heading string)
	TableBody()
	TableEnd()
	FieldString(colID, value string)
	FieldInt(colID string, value int64)
	FieldFmt(colID, format string, args ...interface{})
	Text(s string)
	Message(format string, args ...interface{})
}

// Alignment controls column rendering in tabular output.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// Debugger is the full host-debugger port.
type Debugger interface {
	Breakpoints
	Threads
	UI

	// LookupLine resolves a virtual PC to source file/line/function.
	LookupLine(virtualPC uint64) (LineInfo, bool)

	// LoadElfImage makes a module's ELF image visible to the symbol side
	// of the debugger; UnloadElfImage reverts it.
	LoadElfImage(moduleID uint64, handle uint64, size uint64)
	UnloadElfImage(moduleID uint64)

	// Current context tracking. The core clears the current context when
	// it is destroyed.
	CurrentContext() uint64
	SetCurrentContext(contextID uint64)
	ClearCurrentContext()

	// ClearCurrentSourceLine drops the cached source position and
	// auto-display state when a kernel finishes.
	ClearCurrentSourceLine()

	// UpdateConvenienceVariables refreshes the $cuda_* convenience
	// variables after a focus change.
	UpdateConvenienceVariables()
	// UpdateRuntimeSymbols refreshes runtime-injected symbols after a
	// module load.
	UpdateRuntimeSymbols()
	// PrintFrame prints the selected frame for the new focus.
	PrintFrame()

	// IsGPUBusy reports whether the device is currently driving graphics;
	// used by the gpu-busy check on context creation.
	IsGPUBusy(dev uint32) bool
}
