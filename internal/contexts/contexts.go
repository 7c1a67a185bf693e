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

// Package contexts tracks the GPU execution contexts of one device, the code
// modules loaded into them, and the per-host-thread context stacks.
package contexts

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/NVIDIA/cuda-debug-core/internal/host"
)

// Module is a loaded ELF image within a context. A module lives exactly as
// long as its owning context.
type Module struct {
	ID        uint64
	ContextID uint64
	// Handle is the relocated base of the ELF image; Size its extent.
	Handle uint64
	Size   uint64
}

// ContainsAddress reports whether a code address falls inside the module's
// ELF image.
func (m *Module) ContainsAddress(addr uint64) bool {
	return addr >= m.Handle && addr < m.Handle+m.Size
}

// Context is one GPU execution environment on a device.
type Context struct {
	ID      uint64
	Dev     uint32
	Modules []*Module
}

// AddModule appends a freshly loaded module to the context.
func (c *Context) AddModule(m *Module) {
	c.Modules = append(c.Modules, m)
}

// FindModule returns the module with the given id, nil when absent.
func (c *Context) FindModule(moduleID uint64) *Module {
	for _, m := range c.Modules {
		if m.ID == moduleID {
			return m
		}
	}
	return nil
}

// Registry holds the contexts of a single device and the per-host-thread
// stacks that track which context each thread has made current.
type Registry struct {
	dev    uint32
	list   []*Context
	stacks map[uint32][]*Context
}

// NewRegistry returns an empty registry for the given device.
func NewRegistry(dev uint32) *Registry {
	return &Registry{
		dev:    dev,
		stacks: map[uint32][]*Context{},
	}
}

// Contexts returns the live contexts in registration order.
func (r *Registry) Contexts() []*Context {
	return r.list
}

// Empty reports whether the device has no live context.
func (r *Registry) Empty() bool {
	return len(r.list) == 0
}

// Add registers a new context.
func (r *Registry) Add(ctx *Context) {
	r.list = append(r.list, ctx)
}

// Remove unlinks the context with the given id and returns it, nil when it
// was not registered.
func (r *Registry) Remove(contextID uint64) *Context {
	for i, ctx := range r.list {
		if ctx.ID == contextID {
			r.list = append(r.list[:i], r.list[i+1:]...)
			return ctx
		}
	}
	return nil
}

// Stack pushes ctx on the host thread's context stack.
func (r *Registry) Stack(ctx *Context, tid uint32) {
	r.stacks[tid] = append(r.stacks[tid], ctx)
}

// Unstack pops and returns the host thread's top context, nil when the stack
// is empty.
func (r *Registry) Unstack(tid uint32) *Context {
	stack := r.stacks[tid]
	if len(stack) == 0 {
		return nil
	}
	top := stack[len(stack)-1]
	r.stacks[tid] = stack[:len(stack)-1]
	return top
}

// Active returns the host thread's top-of-stack context, nil when none.
func (r *Registry) Active(tid uint32) *Context {
	stack := r.stacks[tid]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// FindByID returns the context with the given id, nil when absent.
func (r *Registry) FindByID(contextID uint64) *Context {
	for _, ctx := range r.list {
		if ctx.ID == contextID {
			return ctx
		}
	}
	return nil
}

// ThreadOf returns a host thread whose active context is the given one.
func (r *Registry) ThreadOf(contextID uint64) (uint32, bool) {
	for tid, stack := range r.stacks {
		if len(stack) > 0 && stack[len(stack)-1].ID == contextID {
			return tid, true
		}
	}
	return 0, false
}

// FindByAddress returns the context owning the module whose ELF image
// contains the given code address, nil when no module matches.
func (r *Registry) FindByAddress(addr uint64) *Context {
	for _, ctx := range r.list {
		for _, m := range ctx.Modules {
			if m.ContainsAddress(addr) {
				return ctx
			}
		}
	}
	return nil
}

// ResolveBreakpoints asks the host to re-resolve breakpoints against every
// module of every context.
func (r *Registry) ResolveBreakpoints(dbg host.Breakpoints) {
	for _, ctx := range r.list {
		for _, m := range ctx.Modules {
			dbg.ResolveBreakpoints(ctx.ID, m.ID)
		}
	}
}

// CleanupBreakpoints reverts breakpoint resolution for every context.
func (r *Registry) CleanupBreakpoints(dbg host.Breakpoints) {
	for _, ctx := range r.list {
		dbg.UnresolveBreakpoints(ctx.ID)
	}
}

// Destroy tears a context down: if it is the host thread's active context it
// is popped; if it is the UI's current context the pointer is cleared; every
// auto-breakpoint anchored at the context is removed and breakpoints
// resolved against its modules are unresolved, before the context is
// unlinked and its module images unloaded.
func (r *Registry) Destroy(dbg host.Debugger, contextID uint64, tid uint32) error {
	ctx := r.FindByID(contextID)
	if ctx == nil {
		return fmt.Errorf("context %#x not found on device %d", contextID, r.dev)
	}

	if active := r.Active(tid); active != nil && active.ID == contextID {
		popped := r.Unstack(tid)
		if popped.ID != contextID {
			klog.Warningf("Popped context %#x does not match destroyed context %#x", popped.ID, contextID)
		}
	}

	if dbg.CurrentContext() == contextID {
		dbg.ClearCurrentContext()
	}
	dbg.RemoveAutoBreakpoints(contextID)
	dbg.UnresolveBreakpoints(contextID)

	removed := r.Remove(contextID)
	for _, m := range removed.Modules {
		dbg.UnloadElfImage(m.ID)
	}
	removed.Modules = nil
	return nil
}
