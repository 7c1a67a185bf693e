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

package inspect

import (
	"fmt"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/coords"
	"github.com/NVIDIA/cuda-debug-core/internal/host"
	"github.com/NVIDIA/cuda-debug-core/internal/state"
)

// Presenter renders the "info cuda" views through the host table sink.
type Presenter struct {
	sys  *state.System
	dbg  host.Debugger
	opts *options.Options
}

// NewPresenter wires a presenter over the mirror and the host UI.
func NewPresenter(sys *state.System, dbg host.Debugger, opts *options.Options) *Presenter {
	return &Presenter{sys: sys, dbg: dbg, opts: opts}
}

// table accumulates rows, then emits them with per-column widths computed
// from the longest cell.
type table struct {
	id      string
	headers []string
	rows    [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) emit(ui host.UI) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	ui.TableBegin(len(t.headers), len(t.rows), t.id)
	for i, h := range t.headers {
		ui.TableHeader(widths[i], host.AlignRight, h, h)
	}
	ui.TableBody()
	for _, row := range t.rows {
		for i, cell := range row {
			ui.FieldString(t.headers[i], cell)
		}
	}
	ui.TableEnd()
}

// InfoDevices renders one row per matching device.
func (p *Presenter) InfoDevices(filter coords.Coords) error {
	it, err := NewIterator(p.sys, Devices, filter, SelectAll)
	if err != nil {
		return err
	}
	t := &table{id: "InfoCudaDevicesTable",
		headers: []string{"Dev", "Description", "SM Type", "SMs", "Warps/SM", "Lanes/Warp", "Regs/Lane", "Active SMs Mask"}}
	for it.Start(); !it.End(); it.Next() {
		d := p.sys.Device(it.GetCurrent().Dev)
		devType, err := d.DeviceType()
		if err != nil {
			return err
		}
		smType, err := d.SMType()
		if err != nil {
			return err
		}
		numSMs, err := d.NumSMs()
		if err != nil {
			return err
		}
		numWarps, err := d.NumWarps()
		if err != nil {
			return err
		}
		numLanes, err := d.NumLanes()
		if err != nil {
			return err
		}
		numRegs, err := d.NumRegisters()
		if err != nil {
			return err
		}
		activeMask, err := d.ActiveSMsMask()
		if err != nil {
			return err
		}
		t.add(
			fmt.Sprintf("%d", d.ID()),
			devType,
			smType,
			fmt.Sprintf("%d", numSMs),
			fmt.Sprintf("%d", numWarps),
			fmt.Sprintf("%d", numLanes),
			fmt.Sprintf("%d", numRegs),
			fmt.Sprintf("%#x", activeMask),
		)
	}
	t.emit(p.dbg)
	return nil
}

// InfoSMs renders one row per SM holding valid warps.
func (p *Presenter) InfoSMs(filter coords.Coords) error {
	it, err := NewIterator(p.sys, SMs, filter, SelectValid)
	if err != nil {
		return err
	}
	t := &table{id: "InfoCudaSmsTable",
		headers: []string{"Dev", "SM", "Valid Warps Mask", "Broken Warps Mask"}}
	for it.Start(); !it.End(); it.Next() {
		pt := it.GetCurrent()
		sm := p.sys.Device(pt.Dev).SM(pt.SM)
		valid, err := sm.ValidWarpsMask()
		if err != nil {
			return err
		}
		broken, err := sm.BrokenWarpsMask()
		if err != nil {
			return err
		}
		t.add(
			fmt.Sprintf("%d", pt.Dev),
			fmt.Sprintf("%d", pt.SM),
			fmt.Sprintf("%#x", valid),
			fmt.Sprintf("%#x", broken),
		)
	}
	t.emit(p.dbg)
	return nil
}

// InfoWarps renders one row per valid warp.
func (p *Presenter) InfoWarps(filter coords.Coords) error {
	it, err := NewIterator(p.sys, Warps, filter, SelectValid)
	if err != nil {
		return err
	}
	t := &table{id: "InfoCudaWarpsTable",
		headers: []string{"Dev", "SM", "Wp", "Active Lanes Mask", "Divergent Lanes Mask", "Block Idx", "Kernel", "PC"}}
	for it.Start(); !it.End(); it.Next() {
		pt := it.GetCurrent()
		w := p.sys.Device(pt.Dev).SM(pt.SM).Warp(pt.Wp)
		active, err := w.ActiveLanesMask()
		if err != nil {
			return err
		}
		divergent, err := w.DivergentLanesMask()
		if err != nil {
			return err
		}
		pc := "n/a"
		if active != 0 {
			v, err := w.ActiveVirtualPC()
			if err != nil {
				return err
			}
			pc = fmt.Sprintf("%#x", v)
		}
		t.add(
			fmt.Sprintf("%d", pt.Dev),
			fmt.Sprintf("%d", pt.SM),
			fmt.Sprintf("%d", pt.Wp),
			fmt.Sprintf("%#x", active),
			fmt.Sprintf("%#x", divergent),
			pt.BlockIdx.String(),
			field64(pt.KernelID),
			pc,
		)
	}
	t.emit(p.dbg)
	return nil
}

// InfoLanes renders one row per valid lane.
func (p *Presenter) InfoLanes(filter coords.Coords) error {
	it, err := NewIterator(p.sys, Lanes, filter, SelectValid)
	if err != nil {
		return err
	}
	t := &table{id: "InfoCudaLanesTable",
		headers: []string{"Dev", "SM", "Wp", "Ln", "State", "PC", "ThreadIdx", "Exception"}}
	for it.Start(); !it.End(); it.Next() {
		pt := it.GetCurrent()
		l := p.sys.Device(pt.Dev).SM(pt.SM).Warp(pt.Wp).Lane(pt.Ln)
		active, err := l.IsActive()
		if err != nil {
			return err
		}
		st := "divergent"
		if active {
			st = "active"
		}
		pc, err := l.VirtualPC()
		if err != nil {
			return err
		}
		exc, err := l.Exception()
		if err != nil {
			return err
		}
		t.add(
			fmt.Sprintf("%d", pt.Dev),
			fmt.Sprintf("%d", pt.SM),
			fmt.Sprintf("%d", pt.Wp),
			fmt.Sprintf("%d", pt.Ln),
			st,
			fmt.Sprintf("%#x", pc),
			pt.ThreadIdx.String(),
			exc.String(),
		)
	}
	t.emit(p.dbg)
	return nil
}

// InfoKernels renders one row per live kernel.
func (p *Presenter) InfoKernels(filter coords.Coords) error {
	it, err := NewIterator(p.sys, Kernels, filter, SelectAll)
	if err != nil {
		return err
	}
	t := &table{id: "InfoCudaKernelsTable",
		headers: []string{"Kernel", "Parent", "Dev", "Grid", "Origin", "SMs Mask", "GridDim", "BlockDim"}}
	for it.Start(); !it.End(); it.Next() {
		pt := it.GetCurrent()
		k := p.sys.Kernels().FindByKernelID(pt.KernelID)
		if k == nil {
			continue
		}
		smsMask, err := p.sys.Kernels().ComputeSMsMask(p.sys, k)
		if err != nil {
			return err
		}
		parent := "-"
		if pk := p.sys.Kernels().FindByGridID(k.Dev, k.ParentGridID); pk != nil {
			parent = fmt.Sprintf("%d", pk.ID)
		}
		t.add(
			fmt.Sprintf("%d", k.ID),
			parent,
			fmt.Sprintf("%d", k.Dev),
			fmt.Sprintf("%d", k.GridID),
			k.Origin.String(),
			fmt.Sprintf("%#x", smsMask),
			fmt.Sprintf("(%d,%d,%d)", k.GridDim.X, k.GridDim.Y, k.GridDim.Z),
			fmt.Sprintf("(%d,%d,%d)", k.BlockDim.X, k.BlockDim.Y, k.BlockDim.Z),
		)
	}
	t.emit(p.dbg)
	return nil
}

// InfoBlocks renders the running blocks, coalescing contiguous ranges when
// the option is on.
func (p *Presenter) InfoBlocks(filter coords.Coords) error {
	it, err := NewIterator(p.sys, Blocks, filter, SelectValid)
	if err != nil {
		return err
	}
	t := &table{id: "InfoCudaBlocksTable",
		headers: []string{"Kernel", "Block Idx", "To Block Idx", "Count", "State"}}

	points := it.Points()
	for i := 0; i < len(points); {
		run := 1
		if p.opts.Coalescing {
			run = p.blockRun(points[i:])
		}
		from, to := points[i], points[i+run-1]
		toCell := "-"
		if run > 1 {
			toCell = to.BlockIdx.String()
		}
		t.add(
			field64(from.KernelID),
			from.BlockIdx.String(),
			toCell,
			fmt.Sprintf("%d", run),
			"running",
		)
		i += run
	}
	t.emit(p.dbg)
	return nil
}

// blockRun counts how many points starting at pts[0] form a contiguous
// row-major run of blocks of the same kernel.
func (p *Presenter) blockRun(pts []coords.Coords) int {
	k := p.sys.Kernels().FindByKernelID(pts[0].KernelID)
	if k == nil {
		return 1
	}
	gridDim := coords.CuDim3{X: k.GridDim.X, Y: k.GridDim.Y, Z: k.GridDim.Z}
	run := 1
	cur := pts[0]
	for run < len(pts) {
		next, ok := cur.IncrementBlock(gridDim)
		if !ok {
			break
		}
		if pts[run].KernelID != cur.KernelID || pts[run].BlockIdx != next.BlockIdx {
			break
		}
		cur = next
		run++
	}
	return run
}

// threadAttrs are the displayed attributes that must be unchanged for two
// thread rows to coalesce.
type threadAttrs struct {
	pc       uint64
	filename string
	line     int
}

func (p *Presenter) threadAttrs(pt coords.Coords) (threadAttrs, error) {
	l := p.sys.Device(pt.Dev).SM(pt.SM).Warp(pt.Wp).Lane(pt.Ln)
	pc, err := l.VirtualPC()
	if err != nil {
		return threadAttrs{}, err
	}
	attrs := threadAttrs{pc: pc}
	if li, ok := p.dbg.LookupLine(pc); ok {
		attrs.filename = li.Filename
		attrs.line = li.Line
	}
	return attrs, nil
}

// InfoThreads renders the valid device threads, coalescing contiguous
// ranges with identical PC and source position when the option is on.
func (p *Presenter) InfoThreads(filter coords.Coords) error {
	it, err := NewIterator(p.sys, Threads, filter, SelectValid)
	if err != nil {
		return err
	}
	t := &table{id: "InfoCudaThreadsTable",
		headers: []string{"Kernel", "Block Idx", "Thread Idx", "To Block Idx", "To Thread Idx", "Count", "Virtual PC", "Filename", "Line"}}

	points := it.Points()
	for i := 0; i < len(points); {
		attrs, err := p.threadAttrs(points[i])
		if err != nil {
			return err
		}
		run := 1
		if p.opts.Coalescing {
			run, err = p.threadRun(points[i:], attrs)
			if err != nil {
				return err
			}
		}
		from, to := points[i], points[i+run-1]
		toBlock, toThread := "-", "-"
		if run > 1 {
			toBlock = to.BlockIdx.String()
			toThread = to.ThreadIdx.String()
		}
		line := "-"
		if attrs.filename != "" {
			line = fmt.Sprintf("%d", attrs.line)
		}
		t.add(
			field64(from.KernelID),
			from.BlockIdx.String(),
			from.ThreadIdx.String(),
			toBlock,
			toThread,
			fmt.Sprintf("%d", run),
			fmt.Sprintf("%#x", attrs.pc),
			attrs.filename,
			line,
		)
		i += run
	}
	t.emit(p.dbg)
	return nil
}

// threadRun counts how many points starting at pts[0] form a contiguous
// row-major run of threads with identical displayed attributes.
func (p *Presenter) threadRun(pts []coords.Coords, attrs threadAttrs) (int, error) {
	k := p.sys.Kernels().FindByKernelID(pts[0].KernelID)
	if k == nil {
		return 1, nil
	}
	gridDim := coords.CuDim3{X: k.GridDim.X, Y: k.GridDim.Y, Z: k.GridDim.Z}
	blockDim := coords.CuDim3{X: k.BlockDim.X, Y: k.BlockDim.Y, Z: k.BlockDim.Z}
	run := 1
	cur := pts[0]
	for run < len(pts) {
		next, ok := cur.IncrementThread(gridDim, blockDim)
		if !ok {
			break
		}
		if pts[run].KernelID != cur.KernelID ||
			pts[run].BlockIdx != next.BlockIdx ||
			pts[run].ThreadIdx != next.ThreadIdx {
			break
		}
		nextAttrs, err := p.threadAttrs(pts[run])
		if err != nil {
			return 0, err
		}
		if nextAttrs != attrs {
			break
		}
		cur = next
		run++
	}
	return run, nil
}

func field64(v uint64) string {
	if v == coords.Invalid64 {
		return "-"
	}
	return fmt.Sprintf("%d", v)
}
