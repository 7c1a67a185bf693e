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

package coords

import "errors"

// ErrInvalidCoords is returned when a coordinate fails a definedness check.
var ErrInvalidCoords = errors.New("invalid coordinates")

func cmp64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmp32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CompareLogical imposes a total order over the logical fields in the
// sequence kernel id, block z, y, x, thread z, y, x. It is the order in which
// the logical iterators walk points and the order the presenter relies on to
// detect contiguous ranges.
func CompareLogical(a, b Coords) int {
	if c := cmp64(a.KernelID, b.KernelID); c != 0 {
		return c
	}
	if c := cmp32(a.BlockIdx.Z, b.BlockIdx.Z); c != 0 {
		return c
	}
	if c := cmp32(a.BlockIdx.Y, b.BlockIdx.Y); c != 0 {
		return c
	}
	if c := cmp32(a.BlockIdx.X, b.BlockIdx.X); c != 0 {
		return c
	}
	if c := cmp32(a.ThreadIdx.Z, b.ThreadIdx.Z); c != 0 {
		return c
	}
	if c := cmp32(a.ThreadIdx.Y, b.ThreadIdx.Y); c != 0 {
		return c
	}
	return cmp32(a.ThreadIdx.X, b.ThreadIdx.X)
}

// ComparePhysical imposes a total order over the physical fields in the
// sequence device, SM, warp, lane.
func ComparePhysical(a, b Coords) int {
	if c := cmp32(a.Dev, b.Dev); c != 0 {
		return c
	}
	if c := cmp32(a.SM, b.SM); c != 0 {
		return c
	}
	if c := cmp32(a.Wp, b.Wp); c != 0 {
		return c
	}
	return cmp32(a.Ln, b.Ln)
}

// incrementDim advances d row-major (x fastest) within bound. It reports
// false once d has stepped past the last point.
func incrementDim(d CuDim3, bound CuDim3) (CuDim3, bool) {
	d.X++
	if d.X < bound.X {
		return d, true
	}
	d.X = 0
	d.Y++
	if d.Y < bound.Y {
		return d, true
	}
	d.Y = 0
	d.Z++
	if d.Z < bound.Z {
		return d, true
	}
	return InvalidDim(), false
}

// IncrementBlock advances the block index to its row-major successor within
// gridDim. It reports false when the block index was the last in the grid;
// the block index is then invalid.
func (c Coords) IncrementBlock(gridDim CuDim3) (Coords, bool) {
	next, ok := incrementDim(c.BlockIdx, gridDim)
	c.BlockIdx = next
	return c, ok
}

// IncrementThread advances the thread index to its row-major successor,
// wrapping into the next block of gridDim once the thread index steps past
// blockDim. It reports false past the last thread of the last block.
func (c Coords) IncrementThread(gridDim, blockDim CuDim3) (Coords, bool) {
	next, ok := incrementDim(c.ThreadIdx, blockDim)
	if ok {
		c.ThreadIdx = next
		return c, true
	}
	c.ThreadIdx = CuDim3{}
	return c.IncrementBlock(gridDim)
}

// Matches reports whether the concrete point p satisfies the filter c.
// Wildcard fields match anything; Current must have been substituted away
// before filtering.
func (c Coords) Matches(p Coords) bool {
	match32 := func(f, v uint32) bool { return f == Wildcard || f == v }
	match64 := func(f, v uint64) bool { return f == Wildcard64 || f == v }
	matchDim := func(f, v CuDim3) bool {
		if f == WildcardDim() {
			return true
		}
		return match32(f.X, v.X) && match32(f.Y, v.Y) && match32(f.Z, v.Z)
	}
	return match32(c.Dev, p.Dev) &&
		match32(c.SM, p.SM) &&
		match32(c.Wp, p.Wp) &&
		match32(c.Ln, p.Ln) &&
		match64(c.KernelID, p.KernelID) &&
		match64(c.GridID, p.GridID) &&
		matchDim(c.BlockIdx, p.BlockIdx) &&
		matchDim(c.ThreadIdx, p.ThreadIdx)
}
