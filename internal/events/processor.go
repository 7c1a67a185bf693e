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

// Package events drains the debug-API event queues and applies each event to
// the context, module and kernel registries.
package events

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/contexts"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/host"
	"github.com/NVIDIA/cuda-debug-core/internal/kernels"
	"github.com/NVIDIA/cuda-debug-core/internal/state"
)

// ErrInvalidThreadID is returned for any event carrying the invalid thread
// id sentinel.
var ErrInvalidThreadID = errors.New("A CUDA event reported an invalid thread id")

// ErrGPUBusy is returned when the gpu-busy check refuses a context create.
var ErrGPUBusy = errors.New("cannot debug a GPU that is driving a display")

// CoreFatalError stops the debug session; cleanup happens on process exit.
type CoreFatalError struct {
	Code cudbg.Result
}

func (e *CoreFatalError) Error() string {
	return fmt.Sprintf("fatal CUDA debugger internal error: %v", e.Code)
}

// Processor owns the event drain. It mutates the mirror's registries and
// invokes the host's breakpoint hooks; it never reorders events.
type Processor struct {
	api  cudbg.API
	sys  *state.System
	reg  *kernels.Registry
	dbg  host.Debugger
	opts *options.Options
}

// NewProcessor wires a processor over the injected collaborators.
func NewProcessor(api cudbg.API, sys *state.System, reg *kernels.Registry, dbg host.Debugger, opts *options.Options) *Processor {
	return &Processor{api: api, sys: sys, reg: reg, dbg: dbg, opts: opts}
}

// ProcessEvents drains the selected queue until the invalid marker, applying
// each event in producer order, then re-inserts all host breakpoints once.
// The re-insert must run strictly after the drain: a KernelReady event may
// have changed breakpoint resolution.
func (p *Processor) ProcessEvents(kind cudbg.QueueKind) error {
	next := p.api.GetNextSyncEvent
	if kind == cudbg.QueueAsync {
		next = p.api.GetNextAsyncEvent
	}

	for {
		ev, res := next()
		if res != cudbg.SUCCESS {
			return fmt.Errorf("error fetching next %v event: %w", kind, res.Error())
		}
		if _, done := ev.(cudbg.EventInvalid); done {
			break
		}
		klog.V(2).Infof("Processing %v event %T", kind, ev)
		if err := p.processEvent(ev); err != nil {
			return err
		}
	}

	p.postProcess()
	return nil
}

// postProcess removes and re-inserts all host breakpoints.
func (p *Processor) postProcess() {
	p.dbg.ReinsertBreakpoints()
}

func checkTID(tid uint32) error {
	if tid == cudbg.InvalidThreadID {
		return ErrInvalidThreadID
	}
	return nil
}

func (p *Processor) banner(format string, args ...interface{}) {
	if p.opts.ShowContextEvents {
		p.dbg.Message(format, args...)
	}
}

func (p *Processor) processEvent(ev cudbg.Event) error {
	switch e := ev.(type) {
	case cudbg.CtxCreate:
		return p.ctxCreate(e)
	case cudbg.CtxDestroy:
		return p.ctxDestroy(e)
	case cudbg.CtxPush:
		return p.ctxPush(e)
	case cudbg.CtxPop:
		return p.ctxPop(e)
	case cudbg.ElfImageLoaded:
		return p.elfImageLoaded(e)
	case cudbg.KernelReady:
		return p.kernelReady(e)
	case cudbg.KernelFinished:
		return p.kernelFinished(e)
	case cudbg.InternalError:
		return &CoreFatalError{Code: e.Code}
	case cudbg.Timeout:
		klog.V(2).Info("Timeout event")
		return nil
	case cudbg.AttachComplete:
		p.api.SetAttachState(cudbg.AttachStateAppReady)
		return nil
	case cudbg.DetachComplete:
		p.api.SetAttachState(cudbg.AttachStateDetachComplete)
		return nil
	}
	return fmt.Errorf("unhandled event %T", ev)
}

func (p *Processor) ctxCreate(e cudbg.CtxCreate) error {
	if err := checkTID(e.TID); err != nil {
		return err
	}
	if p.opts.GPUBusyCheck && p.dbg.IsGPUBusy(e.Dev) {
		return fmt.Errorf("%w: device %d", ErrGPUBusy, e.Dev)
	}
	ctx := &contexts.Context{ID: e.ContextID, Dev: e.Dev}
	reg := p.sys.Device(e.Dev).Contexts()
	reg.Add(ctx)
	reg.Stack(ctx, e.TID)
	p.banner("[Context Create of context %#x on Device %d]", e.ContextID, e.Dev)
	return nil
}

func (p *Processor) ctxDestroy(e cudbg.CtxDestroy) error {
	if err := checkTID(e.TID); err != nil {
		return err
	}
	reg := p.sys.Device(e.Dev).Contexts()
	if err := reg.Destroy(p.dbg, e.ContextID, e.TID); err != nil {
		return err
	}
	p.banner("[Context Destroy of context %#x on Device %d]", e.ContextID, e.Dev)
	return nil
}

func (p *Processor) ctxPush(e cudbg.CtxPush) error {
	if err := checkTID(e.TID); err != nil {
		return err
	}
	if p.api.GetAttachState() == cudbg.AttachStateInProgress {
		return nil
	}
	reg := p.sys.Device(e.Dev).Contexts()
	ctx := reg.FindByID(e.ContextID)
	if ctx == nil {
		return fmt.Errorf("push of unknown context %#x on device %d", e.ContextID, e.Dev)
	}
	reg.Stack(ctx, e.TID)
	p.banner("[Context Push of context %#x on Device %d]", e.ContextID, e.Dev)
	return nil
}

func (p *Processor) ctxPop(e cudbg.CtxPop) error {
	if err := checkTID(e.TID); err != nil {
		return err
	}
	if p.api.GetAttachState() == cudbg.AttachStateInProgress {
		return nil
	}
	reg := p.sys.Device(e.Dev).Contexts()
	popped := reg.Unstack(e.TID)
	if popped == nil || popped.ID != e.ContextID {
		// Only a corrupt event stream can get here.
		panic(fmt.Sprintf("context pop mismatch on device %d: expected %#x, got %+v", e.Dev, e.ContextID, popped))
	}
	p.banner("[Context Pop of context %#x on Device %d]", e.ContextID, e.Dev)
	return nil
}

func (p *Processor) elfImageLoaded(e cudbg.ElfImageLoaded) error {
	reg := p.sys.Device(e.Dev).Contexts()
	ctx := reg.FindByID(e.ContextID)
	if ctx == nil {
		return fmt.Errorf("ELF image loaded into unknown context %#x on device %d", e.ContextID, e.Dev)
	}
	m := &contexts.Module{
		ID:        e.ModuleID,
		ContextID: e.ContextID,
		Handle:    e.Handle,
		Size:      e.Size,
	}
	ctx.AddModule(m)
	p.dbg.SetCurrentContext(e.ContextID)
	p.dbg.LoadElfImage(m.ID, m.Handle, m.Size)
	p.dbg.ResolveBreakpoints(e.ContextID, e.ModuleID)
	p.dbg.UpdateRuntimeSymbols()
	klog.V(2).Infof("Loaded module %#x (%d bytes) into context %#x", e.ModuleID, e.Size, e.ContextID)
	return nil
}

func (p *Processor) kernelReady(e cudbg.KernelReady) error {
	if err := checkTID(e.TID); err != nil {
		return err
	}
	if !p.dbg.FindThread(e.TID) {
		// The reporting thread is unknown to the host debugger; keep
		// going with whatever thread is current.
		klog.V(2).Infof("No host thread found for tid %d; proceeding", e.TID)
	}
	_, err := p.reg.Start(cudbg.GridInfo{
		Dev:           e.Dev,
		GridID:        e.GridID,
		ContextID:     e.ContextID,
		ModuleID:      e.ModuleID,
		FunctionEntry: e.EntryPC,
		GridDim:       e.GridDim,
		BlockDim:      e.BlockDim,
		Type:          e.Type,
		ParentGridID:  e.ParentGridID,
		Origin:        e.Origin,
	})
	if err != nil {
		return err
	}
	if p.opts.BreakOnLaunch(e.Type.String()) {
		p.dbg.CreateAutoBreakpoint(e.EntryPC, e.ContextID)
	}
	return nil
}

func (p *Processor) kernelFinished(e cudbg.KernelFinished) error {
	if k := p.reg.Terminate(e.Dev, e.GridID); k == nil {
		klog.Warningf("Kernel finished for unknown device %d grid %d", e.Dev, e.GridID)
		return nil
	}
	p.dbg.ClearCurrentSourceLine()
	return nil
}
