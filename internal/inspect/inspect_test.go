/**
# Copyright 2024-2025 NVIDIA CORPORATION
#
# Licensed under the Apache License, Version 2.0 (the "License");
# you may not use this file except in compliance with the License.
# You may obtain a copy of the License at
#
#     http://www.apache.org/licenses/LICENSE-2.0
#
# Unless required by applicable law or agreed to in writing, software
# distributed under the License is distributed on an "AS IS" BASIS,
# WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
# See the License for the specific language governing permissions and
# limitations under the License.
**/

package inspect

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/coords"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/host"
	"github.com/NVIDIA/cuda-debug-core/internal/kernels"
	"github.com/NVIDIA/cuda-debug-core/internal/state"
)

// twoWarpFixture builds one device with two valid warps of the same kernel:
// block (0,0,0) and block (1,0,0), four valid+active lanes each, contiguous
// thread indices and one shared PC.
func twoWarpFixture(t *testing.T, opts *options.Options) (*state.System, *kernels.Registry) {
	t.Helper()
	f := cudbg.NewFake(1, 2, 4, 4)
	sm0 := f.Devs[0].SMs[0]
	sm0.ValidWarps = 0b0101
	for _, wp := range []int{0, 2} {
		w := &sm0.Warps[wp]
		w.ValidLanes = 0xF
		w.ActiveLanes = 0xF
		w.GridID = 7
		w.BlockIdx = cudbg.Dim3{X: uint32(wp / 2)}
		for ln := 0; ln < 4; ln++ {
			w.Lanes[ln].ThreadIdx = cudbg.Dim3{X: uint32(ln)}
			w.Lanes[ln].PC = 0x1000
			w.Lanes[ln].VirtualPC = 0x1000
		}
	}

	reg := kernels.NewRegistry()
	_, err := reg.Start(cudbg.GridInfo{
		Dev:      0,
		GridID:   7,
		GridDim:  cudbg.Dim3{X: 2, Y: 1, Z: 1},
		BlockDim: cudbg.Dim3{X: 4, Y: 1, Z: 1},
	})
	require.NoError(t, err)

	sys := state.NewSystem(f, nil, opts, state.NewClock(), reg)
	require.NoError(t, sys.Initialize())
	return sys, reg
}

// A VALID warps iterator with a wildcard filter visits exactly the warps
// whose valid bit is set, in physical-major order.
func TestWarpIteratorCompleteness(t *testing.T) {
	sys, _ := twoWarpFixture(t, options.New())

	it, err := NewIterator(sys, Warps, coords.NewWildcard(), SelectValid)
	require.NoError(t, err)

	var visited [][3]uint32
	for it.Start(); !it.End(); it.Next() {
		pt := it.GetCurrent()
		visited = append(visited, [3]uint32{pt.Dev, pt.SM, pt.Wp})
	}
	require.Equal(t, [][3]uint32{{0, 0, 0}, {0, 0, 2}}, visited)
	require.Equal(t, 2, it.Size())
}

func TestWarpIteratorAllIncludesInvalid(t *testing.T) {
	sys, _ := twoWarpFixture(t, options.New())

	it, err := NewIterator(sys, Warps, coords.NewWildcard(), SelectAll)
	require.NoError(t, err)
	// 2 SMs x 4 warps.
	require.Equal(t, 8, it.Size())
}

func TestIteratorFilter(t *testing.T) {
	sys, _ := twoWarpFixture(t, options.New())

	filter := coords.NewWildcard()
	filter.Wp = 2
	it, err := NewIterator(sys, Warps, filter, SelectValid)
	require.NoError(t, err)
	require.Equal(t, 1, it.Size())
	require.Equal(t, uint32(2), it.Points()[0].Wp)
}

func TestLaneIteratorOrder(t *testing.T) {
	sys, _ := twoWarpFixture(t, options.New())

	it, err := NewIterator(sys, Lanes, coords.NewWildcard(), SelectValid)
	require.NoError(t, err)
	require.Equal(t, 8, it.Size())

	prev := coords.NewInvalid()
	for i, pt := range it.Points() {
		if i > 0 {
			require.Negative(t, coords.ComparePhysical(prev, pt))
		}
		prev = pt
	}
}

func TestBlockIteratorLogicalOrderAndDedup(t *testing.T) {
	sys, _ := twoWarpFixture(t, options.New())

	it, err := NewIterator(sys, Blocks, coords.NewWildcard(), SelectValid)
	require.NoError(t, err)
	require.Equal(t, 2, it.Size())
	require.Equal(t, coords.CuDim3{X: 0, Y: 0, Z: 0}, it.Points()[0].BlockIdx)
	require.Equal(t, coords.CuDim3{X: 1, Y: 0, Z: 0}, it.Points()[1].BlockIdx)
}

// threadPairs extracts the multiset of (block, thread) pairs reported by an
// "info cuda threads" rendering, expanding coalesced ranges.
func threadPairs(t *testing.T, output []string, reg *kernels.Registry) map[string]int {
	t.Helper()
	pairs := map[string]int{}

	k := reg.Kernels()[0]
	gridDim := coords.CuDim3{X: k.GridDim.X, Y: k.GridDim.Y, Z: k.GridDim.Z}
	blockDim := coords.CuDim3{X: k.BlockDim.X, Y: k.BlockDim.Y, Z: k.BlockDim.Z}

	var block, thread string
	var count int
	for _, cell := range output {
		name, value, ok := strings.Cut(cell, "=")
		if !ok {
			continue
		}
		switch name {
		case "Block Idx":
			block = value
		case "Thread Idx":
			thread = value
		case "Count":
			count, _ = strconv.Atoi(value)
			cur := coords.NewWildcard()
			cur.BlockIdx = parseDim(t, block)
			cur.ThreadIdx = parseDim(t, thread)
			for i := 0; i < count; i++ {
				pairs[cur.BlockIdx.String()+"/"+cur.ThreadIdx.String()]++
				next, ok := cur.IncrementThread(gridDim, blockDim)
				if !ok {
					break
				}
				cur = next
			}
		}
	}
	return pairs
}

func parseDim(t *testing.T, s string) coords.CuDim3 {
	t.Helper()
	s = strings.Trim(s, "()")
	parts := strings.Split(s, ",")
	require.Len(t, parts, 3)
	var d [3]uint32
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		require.NoError(t, err)
		d[i] = uint32(v)
	}
	return coords.CuDim3{X: d[0], Y: d[1], Z: d[2]}
}

// With coalescing on, the multiset of (block, thread) pairs must equal the
// multiset produced without coalescing.
func TestThreadsCoalescingRoundTrip(t *testing.T) {
	run := func(coalescing bool) (map[string]int, int) {
		opts := options.New()
		opts.Coalescing = coalescing
		sys, reg := twoWarpFixture(t, opts)
		dbg := host.NewRecorder(100)
		p := NewPresenter(sys, dbg, opts)
		require.NoError(t, p.InfoThreads(coords.NewWildcard()))

		rows := 0
		for _, cell := range dbg.Output {
			if strings.HasPrefix(cell, "Count=") {
				rows++
			}
		}
		return threadPairs(t, dbg.Output, reg), rows
	}

	coalesced, coalescedRows := run(true)
	plain, plainRows := run(false)

	require.Equal(t, plain, coalesced)
	require.Equal(t, 8, plainRows, "one row per thread without coalescing")
	require.Equal(t, 1, coalescedRows, "contiguous same-PC threads collapse to one row")
}

func TestInfoDevices(t *testing.T) {
	opts := options.New()
	sys, _ := twoWarpFixture(t, opts)
	dbg := host.NewRecorder(100)
	p := NewPresenter(sys, dbg, opts)

	require.NoError(t, p.InfoDevices(coords.NewWildcard()))
	require.Contains(t, dbg.Output, "Description=NVIDIA A100-SXM4-40GB")
	require.Contains(t, dbg.Output, "SM Type=sm_80")
	require.Contains(t, dbg.Output, "Active SMs Mask=0x1")
}

func TestInfoBlocksCoalesced(t *testing.T) {
	opts := options.New()
	sys, _ := twoWarpFixture(t, opts)
	dbg := host.NewRecorder(100)
	p := NewPresenter(sys, dbg, opts)

	require.NoError(t, p.InfoBlocks(coords.NewWildcard()))
	require.Contains(t, dbg.Output, "Count=2", "the two contiguous blocks coalesce")
}
