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

// Package inspect walks the mirror through filtered hierarchical iterators
// and renders the "info cuda" views.
package inspect

import (
	"sort"

	"github.com/NVIDIA/cuda-debug-core/internal/coords"
	"github.com/NVIDIA/cuda-debug-core/internal/state"
)

// Kind selects the hierarchy level an iterator walks.
type Kind int

const (
	Devices Kind = iota
	SMs
	Warps
	Lanes
	Kernels
	Blocks
	Threads
)

// Select restricts iteration to valid points or admits all of them.
type Select int

const (
	SelectAll Select = iota
	SelectValid
)

// Iterator walks the points matching a filter coordinate, in physical-major
// order for physical kinds and logical-major order for logical kinds. The
// point set is materialized at construction, so mirror mutations during
// iteration do not disturb it.
type Iterator struct {
	points []coords.Coords
	pos    int
}

// NewIterator builds an iterator of the given kind. The filter must not
// contain Current markers; substitute them before construction.
func NewIterator(sys *state.System, kind Kind, filter coords.Coords, sel Select) (*Iterator, error) {
	points, err := collect(sys, kind, filter, sel)
	if err != nil {
		return nil, err
	}
	switch kind {
	case Kernels, Blocks, Threads:
		sort.SliceStable(points, func(i, j int) bool {
			return coords.CompareLogical(points[i], points[j]) < 0
		})
	default:
		sort.SliceStable(points, func(i, j int) bool {
			return coords.ComparePhysical(points[i], points[j]) < 0
		})
	}
	return &Iterator{points: points}, nil
}

// Start rewinds the iterator.
func (it *Iterator) Start() { it.pos = 0 }

// End reports whether iteration is past the last point.
func (it *Iterator) End() bool { return it.pos >= len(it.points) }

// Next advances to the next point.
func (it *Iterator) Next() { it.pos++ }

// GetCurrent returns the current point. End must be false.
func (it *Iterator) GetCurrent() coords.Coords { return it.points[it.pos] }

// Size returns the number of points.
func (it *Iterator) Size() int { return len(it.points) }

// Points returns the underlying point slice.
func (it *Iterator) Points() []coords.Coords { return it.points }

func matchDev(filter coords.Coords, dev uint32) bool {
	return filter.Dev == coords.Wildcard || filter.Dev == dev
}

func matchSM(filter coords.Coords, sm uint32) bool {
	return filter.SM == coords.Wildcard || filter.SM == sm
}

// collect materializes the matching points for each iterator kind.
func collect(sys *state.System, kind Kind, filter coords.Coords, sel Select) ([]coords.Coords, error) {
	switch kind {
	case Devices:
		return collectDevices(sys, filter)
	case SMs:
		return collectSMs(sys, filter, sel)
	case Kernels:
		return collectKernels(sys, filter)
	case Warps, Lanes, Blocks, Threads:
		return collectWarpLevel(sys, kind, filter, sel)
	}
	return nil, nil
}

func collectDevices(sys *state.System, filter coords.Coords) ([]coords.Coords, error) {
	var out []coords.Coords
	for _, d := range sys.Devices() {
		if !matchDev(filter, d.ID()) {
			continue
		}
		pt := coords.NewWildcard()
		pt.Dev = d.ID()
		out = append(out, pt)
	}
	return out, nil
}

func collectSMs(sys *state.System, filter coords.Coords, sel Select) ([]coords.Coords, error) {
	var out []coords.Coords
	for _, d := range sys.Devices() {
		if !matchDev(filter, d.ID()) {
			continue
		}
		numSMs, err := d.NumSMs()
		if err != nil {
			return nil, err
		}
		for sm := uint32(0); sm < numSMs; sm++ {
			if !matchSM(filter, sm) {
				continue
			}
			if sel == SelectValid {
				mask, err := d.SM(sm).ValidWarpsMask()
				if err != nil {
					return nil, err
				}
				if mask == 0 {
					continue
				}
			}
			pt := coords.NewWildcard()
			pt.Dev = d.ID()
			pt.SM = sm
			out = append(out, pt)
		}
	}
	return out, nil
}

func collectKernels(sys *state.System, filter coords.Coords) ([]coords.Coords, error) {
	var out []coords.Coords
	for _, k := range sys.Kernels().Kernels() {
		pt := coords.NewWildcard()
		pt.Dev = k.Dev
		pt.KernelID = k.ID
		pt.GridID = k.GridID
		if !filter.Matches(pt) {
			continue
		}
		out = append(out, pt)
	}
	return out, nil
}

// collectWarpLevel walks valid warps once and derives warp, lane, block and
// thread points from them. Invalid warps are admitted only for the Warps
// kind under SelectAll.
func collectWarpLevel(sys *state.System, kind Kind, filter coords.Coords, sel Select) ([]coords.Coords, error) {
	var out []coords.Coords
	seenBlocks := map[blockKey]bool{}

	for _, d := range sys.Devices() {
		if !matchDev(filter, d.ID()) {
			continue
		}
		numSMs, err := d.NumSMs()
		if err != nil {
			return nil, err
		}
		numWarps, err := d.NumWarps()
		if err != nil {
			return nil, err
		}
		for sm := uint32(0); sm < numSMs; sm++ {
			if !matchSM(filter, sm) {
				continue
			}
			node := d.SM(sm)
			validMask, err := node.ValidWarpsMask()
			if err != nil {
				return nil, err
			}
			for wp := uint32(0); wp < numWarps; wp++ {
				valid := validMask&(uint64(1)<<wp) != 0
				if !valid {
					if kind == Warps && sel == SelectAll {
						pt := coords.NewInvalid()
						pt.Valid = true
						pt.Dev = d.ID()
						pt.SM = sm
						pt.Wp = wp
						if filter.Matches(pt) {
							out = append(out, pt)
						}
					}
					continue
				}
				pts, err := warpPoints(sys, d, sm, wp, kind, filter, sel, seenBlocks)
				if err != nil {
					return nil, err
				}
				out = append(out, pts...)
			}
		}
	}
	return out, nil
}

type blockKey struct {
	kernelID uint64
	block    coords.CuDim3
}

// warpPoints expands one valid warp into points of the requested kind.
func warpPoints(sys *state.System, d *state.Device, sm, wp uint32, kind Kind, filter coords.Coords, sel Select, seenBlocks map[blockKey]bool) ([]coords.Coords, error) {
	w := d.SM(sm).Warp(wp)

	gridID, err := w.GridID()
	if err != nil {
		return nil, err
	}
	kernelID := coords.Invalid64
	if k := sys.Kernels().FindByGridID(d.ID(), gridID); k != nil {
		kernelID = k.ID
	} else if k, err := w.Kernel(); err == nil {
		kernelID = k.ID
	}
	blockIdx, err := w.BlockIdx()
	if err != nil {
		return nil, err
	}

	base := coords.NewWildcard()
	base.Dev = d.ID()
	base.SM = sm
	base.Wp = wp
	base.KernelID = kernelID
	base.GridID = gridID
	base.BlockIdx = coords.CuDim3{X: blockIdx.X, Y: blockIdx.Y, Z: blockIdx.Z}

	switch kind {
	case Warps:
		if !filter.Matches(base) {
			return nil, nil
		}
		return []coords.Coords{base}, nil

	case Blocks:
		key := blockKey{kernelID: kernelID, block: base.BlockIdx}
		if seenBlocks[key] {
			return nil, nil
		}
		if !filter.Matches(base) {
			return nil, nil
		}
		seenBlocks[key] = true
		return []coords.Coords{base}, nil

	case Lanes, Threads:
		validLanes, err := w.ValidLanesMask()
		if err != nil {
			return nil, err
		}
		numLanes, err := d.NumLanes()
		if err != nil {
			return nil, err
		}
		var out []coords.Coords
		for ln := uint32(0); ln < numLanes; ln++ {
			laneValid := validLanes&(uint32(1)<<ln) != 0
			if !laneValid && (sel == SelectValid || kind == Threads) {
				continue
			}
			pt := base
			pt.Ln = ln
			if laneValid {
				ti, err := w.Lane(ln).ThreadIdx()
				if err != nil {
					return nil, err
				}
				pt.ThreadIdx = coords.CuDim3{X: ti.X, Y: ti.Y, Z: ti.Z}
			} else {
				pt.ThreadIdx = coords.InvalidDim()
			}
			if filter.Matches(pt) {
				out = append(out, pt)
			}
		}
		return out, nil
	}
	return nil, nil
}
