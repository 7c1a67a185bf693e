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

package focus

import (
	"testing"

	"github.com/stretchr/testify/require"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/contexts"
	"github.com/NVIDIA/cuda-debug-core/internal/coords"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/host"
	"github.com/NVIDIA/cuda-debug-core/internal/kernels"
	"github.com/NVIDIA/cuda-debug-core/internal/state"
)

func fixture(t *testing.T) (*Manager, *host.Recorder, *state.System) {
	t.Helper()
	f := cudbg.NewFake(1, 2, 2, 4)
	sm0 := f.Devs[0].SMs[0]
	sm0.ValidWarps = 0b01
	w := &sm0.Warps[0]
	w.ValidLanes = 0xF
	w.ActiveLanes = 0xF
	w.GridID = 7
	for ln := 0; ln < 4; ln++ {
		w.Lanes[ln].ThreadIdx = cudbg.Dim3{X: uint32(ln)}
	}

	reg := kernels.NewRegistry()
	_, err := reg.Start(cudbg.GridInfo{
		Dev:      0,
		GridID:   7,
		ContextID: 0xA,
		ModuleID: 0xD1,
		GridDim:  cudbg.Dim3{X: 1, Y: 1, Z: 1},
		BlockDim: cudbg.Dim3{X: 4, Y: 1, Z: 1},
	})
	require.NoError(t, err)

	sys := state.NewSystem(f, nil, options.New(), state.NewClock(), reg)
	require.NoError(t, sys.Initialize())

	ctx := &contexts.Context{ID: 0xA, Dev: 0}
	ctx.AddModule(&contexts.Module{ID: 0xD1, ContextID: 0xA, Handle: 0x10000, Size: 0x4000})
	sys.Device(0).Contexts().Add(ctx)
	sys.Device(0).Contexts().Stack(ctx, 100)

	dbg := host.NewRecorder(100)
	return NewManager(sys, dbg), dbg, sys
}

func TestFocusIdempotence(t *testing.T) {
	m, _, _ := fixture(t)

	c := coords.NewWildcard()
	c.Dev = 0
	c.SM = 0
	c.Wp = 0
	c.Ln = 2

	m.SetCurrent(c)
	require.Equal(t, c, m.GetCurrent())

	m.SaveCurrent()
	c2 := c
	c2.Ln = 3
	m.SetCurrent(c2)
	require.Equal(t, c2, m.GetCurrent())
	m.RestoreCurrent()
	require.Equal(t, c, m.GetCurrent())
}

func TestSwitchToValidPoint(t *testing.T) {
	m, dbg, _ := fixture(t)

	require.NoError(t, m.SwitchCommand("device 0 sm 0 warp 0 lane 2"))

	cur := m.GetCurrent()
	require.True(t, cur.Valid)
	require.Equal(t, uint32(0), cur.Dev)
	require.Equal(t, uint32(2), cur.Ln)
	require.Equal(t, uint64(7), cur.GridID)
	require.Equal(t, coords.CuDim3{X: 2, Y: 0, Z: 0}, cur.ThreadIdx)

	// The focus switch refreshes the surroundings: convenience
	// variables, the kernel's ELF image, the owning host thread and the
	// printed frame.
	require.Contains(t, dbg.CallLog, "UpdateConvenienceVariables")
	require.Contains(t, dbg.CallLog, "LoadElfImage(0xd1)")
	require.Contains(t, dbg.CallLog, "SwitchToThread(100)")
	require.Contains(t, dbg.CallLog, "PrintFrame")
}

func TestSwitchUnchanged(t *testing.T) {
	m, dbg, _ := fixture(t)

	require.NoError(t, m.SwitchCommand("device 0 sm 0 warp 0 lane 2"))
	frames := len(dbg.CallLog)

	require.NoError(t, m.SwitchCommand("device 0 sm 0 warp 0 lane 2"))
	require.Equal(t, frames, len(dbg.CallLog), "an unchanged focus does not reapply")
	require.Contains(t, dbg.Output[len(dbg.Output)-1], "unchanged")
}

func TestSwitchUnsatisfiable(t *testing.T) {
	m, _, _ := fixture(t)

	before := m.GetCurrent()
	err := m.SwitchCommand("device 0 sm 1 warp 0")
	require.ErrorIs(t, err, ErrUnsatisfiableFocus)
	require.Equal(t, before, m.GetCurrent(), "a rejected switch leaves the focus alone")
}

func TestSwitchByLogicalCoordinates(t *testing.T) {
	m, _, _ := fixture(t)

	require.NoError(t, m.SwitchCommand("kernel 0 block (0,0,0) thread (3,0,0)"))
	cur := m.GetCurrent()
	require.Equal(t, uint32(3), cur.Ln)
}

func TestQueryWithoutFocus(t *testing.T) {
	m, _, _ := fixture(t)
	require.ErrorIs(t, m.QueryCommand("device"), ErrNoCurrentDevice)
}

func TestQueryAfterSwitch(t *testing.T) {
	m, dbg, _ := fixture(t)
	require.NoError(t, m.SwitchCommand("device 0 sm 0 warp 0 lane 1"))

	require.NoError(t, m.QueryCommand("device sm lane"))
	n := len(dbg.Output)
	require.GreaterOrEqual(t, n, 3)
	require.Equal(t, "device 0", dbg.Output[n-3])
	require.Equal(t, "sm 0", dbg.Output[n-2])
	require.Equal(t, "lane 1", dbg.Output[n-1])
}

func TestFindValidCandidates(t *testing.T) {
	m, _, _ := fixture(t)

	requested := coords.NewWildcard()
	requested.Dev = 0
	requested.SM = 0
	requested.Wp = 0
	requested.Ln = 1

	cands, err := m.FindValid(requested)
	require.NoError(t, err)

	exact, ok := cands.Get(ExactPhysical)
	require.True(t, ok)
	require.Equal(t, uint32(1), exact.Ln)

	// An impossible lane still yields closest candidates.
	requested.Ln = 9
	cands, err = m.FindValid(requested)
	require.NoError(t, err)
	_, ok = cands.Get(ExactPhysical)
	require.False(t, ok)
	_, ok = cands.Get(ClosestPhysical)
	require.True(t, ok)
	_, ok = cands.Get(ClosestLogical)
	require.True(t, ok)
}
