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

// InvalidThreadID is the thread id value an event may carry when the driver
// could not determine the reporting host thread. It is always fatal.
const InvalidThreadID uint32 = ^uint32(0)

// Event is a notification drained from one of the debug-API queues. The
// concrete type selects the semantics; there is no shared payload.
type Event interface {
	isEvent()
}

// EventInvalid marks the end of a queue drain.
type EventInvalid struct{}

// CtxCreate reports a new GPU context on dev, created by host thread TID.
type CtxCreate struct {
	Dev       uint32
	ContextID uint64
	TID       uint32
}

// CtxDestroy reports the destruction of a context.
type CtxDestroy struct {
	Dev       uint32
	ContextID uint64
	TID       uint32
}

// CtxPush reports that host thread TID pushed the context onto its stack.
type CtxPush struct {
	Dev       uint32
	ContextID uint64
	TID       uint32
}

// CtxPop reports that host thread TID popped its top context.
type CtxPop struct {
	Dev       uint32
	ContextID uint64
	TID       uint32
}

// ElfImageLoaded reports a relocated ELF image for a new module.
type ElfImageLoaded struct {
	Dev       uint32
	ContextID uint64
	ModuleID  uint64
	Handle    uint64
	Size      uint64
}

// KernelReady reports a grid that is ready to launch.
type KernelReady struct {
	Dev          uint32
	ContextID    uint64
	ModuleID     uint64
	GridID       uint64
	TID          uint32
	EntryPC      uint64
	GridDim      Dim3
	BlockDim     Dim3
	Type         KernelType
	ParentGridID uint64
	Origin       GridOrigin
}

// KernelFinished reports that a grid has retired.
type KernelFinished struct {
	Dev    uint32
	GridID uint64
}

// InternalError reports an unrecoverable debug-API failure.
type InternalError struct {
	Code Result
}

// Timeout is a pure trace event.
type Timeout struct{}

// AttachComplete reports that the attach protocol has finished.
type AttachComplete struct{}

// DetachComplete reports that the detach protocol has finished.
type DetachComplete struct{}

func (EventInvalid) isEvent()   {}
func (CtxCreate) isEvent()      {}
func (CtxDestroy) isEvent()     {}
func (CtxPush) isEvent()        {}
func (CtxPop) isEvent()         {}
func (ElfImageLoaded) isEvent() {}
func (KernelReady) isEvent()    {}
func (KernelFinished) isEvent() {}
func (InternalError) isEvent()  {}
func (Timeout) isEvent()        {}
func (AttachComplete) isEvent() {}
func (DetachComplete) isEvent() {}
