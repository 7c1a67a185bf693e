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

// Package focus tracks the coordinate under which debugger commands are
// interpreted and implements the "cuda" focus switch/query commands.
package focus

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/NVIDIA/cuda-debug-core/internal/coords"
	"github.com/NVIDIA/cuda-debug-core/internal/host"
	"github.com/NVIDIA/cuda-debug-core/internal/inspect"
	"github.com/NVIDIA/cuda-debug-core/internal/state"
)

// ErrUnsatisfiableFocus is reported when a switch request resolves to a
// coordinate different from the exact request.
var ErrUnsatisfiableFocus = errors.New("Request cannot be satisfied")

// ErrNoCurrentDevice is reported for a query without any device focus.
var ErrNoCurrentDevice = errors.New("Focus not set on any active CUDA kernel")

// CandidateKind indexes the slots filled by FindValid.
type CandidateKind int

const (
	ExactPhysical CandidateKind = iota
	ExactLogical
	ClosestPhysical
	ClosestLogical
	candidateKinds
)

// Candidates holds one optional coordinate per candidate kind.
type Candidates struct {
	points [candidateKinds]coords.Coords
	filled [candidateKinds]bool
}

// Get returns the candidate for the given kind.
func (c *Candidates) Get(kind CandidateKind) (coords.Coords, bool) {
	return c.points[kind], c.filled[kind]
}

func (c *Candidates) set(kind CandidateKind, pt coords.Coords) {
	if !c.filled[kind] {
		c.points[kind] = pt
		c.filled[kind] = true
	}
}

// Manager holds the current focus coordinate and its save/restore stack.
type Manager struct {
	sys *state.System
	dbg host.Debugger

	cur   coords.Coords
	saved []coords.Coords
}

// NewManager returns a manager with no focus set.
func NewManager(sys *state.System, dbg host.Debugger) *Manager {
	return &Manager{sys: sys, dbg: dbg, cur: coords.NewInvalid()}
}

// SetCurrent replaces the focus coordinate.
func (m *Manager) SetCurrent(c coords.Coords) { m.cur = c }

// GetCurrent returns the focus coordinate; it may be invalid.
func (m *Manager) GetCurrent() coords.Coords { return m.cur }

// SaveCurrent pushes the focus onto the save stack for a transient
// operation.
func (m *Manager) SaveCurrent() {
	m.saved = append(m.saved, m.cur)
}

// RestoreCurrent pops the save stack back into the focus.
func (m *Manager) RestoreCurrent() {
	if len(m.saved) == 0 {
		klog.Warning("Focus restore without a matching save")
		return
	}
	m.cur = m.saved[len(m.saved)-1]
	m.saved = m.saved[:len(m.saved)-1]
}

// sortKey substitutes wildcards with zero so partially specified requests
// compare against concrete points.
func sortKey(c coords.Coords) coords.Coords {
	z32 := func(v uint32) uint32 {
		if coords.IsSpecial32(v) {
			return 0
		}
		return v
	}
	z64 := func(v uint64) uint64 {
		if coords.IsSpecial64(v) {
			return 0
		}
		return v
	}
	zDim := func(d coords.CuDim3) coords.CuDim3 {
		if d.IsSpecial() {
			return coords.CuDim3{}
		}
		return d
	}
	c.Dev = z32(c.Dev)
	c.SM = z32(c.SM)
	c.Wp = z32(c.Wp)
	c.Ln = z32(c.Ln)
	c.KernelID = z64(c.KernelID)
	c.GridID = z64(c.GridID)
	c.BlockIdx = zDim(c.BlockIdx)
	c.ThreadIdx = zDim(c.ThreadIdx)
	return c
}

// FindValid fills the four candidate slots for a requested coordinate.
// Exact candidates match every concrete field of the request; closest
// candidates are the lexicographically-nearest valid points in the
// physical and logical orders.
func (m *Manager) FindValid(requested coords.Coords) (*Candidates, error) {
	it, err := inspect.NewIterator(m.sys, inspect.Lanes, coords.NewWildcard(), inspect.SelectValid)
	if err != nil {
		return nil, err
	}
	points := it.Points()
	out := &Candidates{}
	if len(points) == 0 {
		return out, nil
	}

	key := sortKey(requested)

	// Points arrive in physical-major order.
	for _, pt := range points {
		if requested.Matches(pt) {
			out.set(ExactPhysical, pt)
			break
		}
	}
	for _, pt := range points {
		if coords.ComparePhysical(pt, key) >= 0 {
			out.set(ClosestPhysical, pt)
			break
		}
	}
	if _, ok := out.Get(ClosestPhysical); !ok {
		out.set(ClosestPhysical, points[len(points)-1])
	}

	logical := make([]coords.Coords, len(points))
	copy(logical, points)
	sortLogical(logical)
	for _, pt := range logical {
		if requested.Matches(pt) {
			out.set(ExactLogical, pt)
			break
		}
	}
	for _, pt := range logical {
		if coords.CompareLogical(pt, key) >= 0 {
			out.set(ClosestLogical, pt)
			break
		}
	}
	if _, ok := out.Get(ClosestLogical); !ok {
		out.set(ClosestLogical, logical[len(logical)-1])
	}
	return out, nil
}

func sortLogical(pts []coords.Coords) {
	for i := 1; i < len(pts); i++ {
		for j := i; j > 0 && coords.CompareLogical(pts[j], pts[j-1]) < 0; j-- {
			pts[j], pts[j-1] = pts[j-1], pts[j]
		}
	}
}

// SwitchCommand services "cuda <selector value>...": it resolves the
// request against the valid points and moves the focus, or reports why it
// cannot.
func (m *Manager) SwitchCommand(arg string) error {
	req, err := coords.Parse(arg, coords.Accepted{Switch: true, Query: true}, coords.Current)
	if err != nil {
		return err
	}
	if req.Kind == coords.CommandQuery {
		return m.query(req)
	}

	requested := req.Coords.EvaluateCurrent(m.cur)
	cands, err := m.FindValid(requested)
	if err != nil {
		return err
	}

	kind := ClosestLogical
	exact := ExactLogical
	if req.PhysicalSelector {
		kind = ClosestPhysical
		exact = ExactPhysical
	}
	resolved, ok := cands.Get(exact)
	if !ok {
		if closest, haveClosest := cands.Get(kind); haveClosest {
			klog.V(2).Infof("Focus request %v unsatisfied; closest valid is %v", requested, closest)
		}
		return ErrUnsatisfiableFocus
	}

	if m.cur.Valid && resolved == m.cur {
		m.dbg.Message("Focus unchanged: %v", m.cur)
		return nil
	}

	m.apply(resolved)
	return nil
}

// apply moves the focus and refreshes everything hanging off it: the
// convenience variables, the kernel's ELF image, the host thread and the
// printed frame.
func (m *Manager) apply(resolved coords.Coords) {
	m.cur = resolved
	m.dbg.UpdateConvenienceVariables()

	if k := m.sys.Kernels().FindByKernelID(resolved.KernelID); k != nil {
		reg := m.sys.Device(k.Dev).Contexts()
		if ctx := reg.FindByID(k.ContextID); ctx != nil {
			if mod := ctx.FindModule(k.ModuleID); mod != nil {
				m.dbg.LoadElfImage(mod.ID, mod.Handle, mod.Size)
			}
			if tid, ok := reg.ThreadOf(ctx.ID); ok {
				m.dbg.SwitchToThread(tid)
			}
		}
	}

	m.dbg.Message("[Switching focus to %v]", m.cur)
	m.dbg.PrintFrame()
}

// QueryCommand services "cuda <selector>..." without values: it prints the
// requested fields of the current focus without mutating it.
func (m *Manager) QueryCommand(arg string) error {
	req, err := coords.Parse(arg, coords.Accepted{Query: true}, coords.Current)
	if err != nil {
		return err
	}
	return m.query(req)
}

func (m *Manager) query(req coords.Request) error {
	if !m.cur.Valid || coords.IsSpecial32(m.cur.Dev) {
		return ErrNoCurrentDevice
	}
	for _, sel := range req.Queried {
		switch sel {
		case "device":
			m.dbg.Message("device %d", m.cur.Dev)
		case "sm":
			m.dbg.Message("sm %d", m.cur.SM)
		case "warp":
			m.dbg.Message("warp %d", m.cur.Wp)
		case "lane":
			m.dbg.Message("lane %d", m.cur.Ln)
		case "kernel":
			m.dbg.Message("kernel %s", formatID(m.cur.KernelID))
		case "grid":
			m.dbg.Message("grid %s", formatID(m.cur.GridID))
		case "block":
			m.dbg.Message("block %s", m.cur.BlockIdx)
		case "thread":
			m.dbg.Message("thread %s", m.cur.ThreadIdx)
		}
	}
	return nil
}

func formatID(v uint64) string {
	if coords.IsSpecial64(v) {
		return "none"
	}
	return fmt.Sprintf("%d", v)
}
