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

package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/contexts"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/kernels"
)

func testSystem(t *testing.T, f *cudbg.Fake, opts *options.Options) *System {
	t.Helper()
	if opts == nil {
		opts = options.New()
	}
	sys := NewSystem(f, nil, opts, NewClock(), kernels.NewRegistry())
	require.NoError(t, sys.Initialize())
	return sys
}

func TestStaticDescriptorsCachedIndependently(t *testing.T) {
	f := cudbg.NewFake(1, 2, 4, 32)
	sys := testSystem(t, f, nil)
	d := sys.Device(0)

	for i := 0; i < 3; i++ {
		n, err := d.NumSMs()
		require.NoError(t, err)
		require.Equal(t, uint32(2), n)
	}
	require.Equal(t, 1, f.Calls["GetNumSMs"])

	// NumWarps was never needed, so it was never fetched.
	require.Equal(t, 0, f.Calls["GetNumWarps"])

	devType, err := d.DeviceType()
	require.NoError(t, err)
	require.Equal(t, "NVIDIA A100-SXM4-40GB", devType)
	_, err = d.DeviceType()
	require.NoError(t, err)
	require.Equal(t, 1, f.Calls["GetDeviceType"])
}

func TestLanePCPropagation(t *testing.T) {
	f := cudbg.NewFake(1, 1, 1, 32)
	f.Devs[0].SMs[0].ValidWarps = 0b1
	f.Devs[0].SMs[0].Warps[0].ValidLanes = 0xFFFFFFFF
	f.Devs[0].SMs[0].Warps[0].ActiveLanes = 0x0000000F
	f.Devs[0].SMs[0].Warps[0].Lanes[0].PC = 0xDEAD

	sys := testSystem(t, f, nil)
	w := sys.Device(0).SM(0).Warp(0)

	pc, err := w.Lane(0).PC()
	require.NoError(t, err)
	require.Equal(t, uint64(0xDEAD), pc)
	require.Equal(t, 1, f.Calls["ReadPC"])

	// Lanes 1..3 are active too; their PC comes from propagation, not
	// from the port.
	for ln := uint32(1); ln < 4; ln++ {
		pc, err := w.Lane(ln).PC()
		require.NoError(t, err)
		require.Equal(t, uint64(0xDEAD), pc, "lane %d", ln)
	}
	require.Equal(t, 1, f.Calls["ReadPC"])

	// A divergent lane has its own PC and costs a port read.
	pc, err = w.Lane(4).PC()
	require.NoError(t, err)
	require.Equal(t, uint64(0), pc)
	require.Equal(t, 2, f.Calls["ReadPC"])
}

func TestActiveLanesClampedToValid(t *testing.T) {
	f := cudbg.NewFake(1, 1, 1, 32)
	f.Devs[0].SMs[0].ValidWarps = 0b1
	f.Devs[0].SMs[0].Warps[0].ValidLanes = 0x0F
	f.Devs[0].SMs[0].Warps[0].ActiveLanes = 0xFF

	sys := testSystem(t, f, nil)
	w := sys.Device(0).SM(0).Warp(0)

	active, err := w.ActiveLanesMask()
	require.NoError(t, err)
	valid, err := w.ValidLanesMask()
	require.NoError(t, err)
	require.Zero(t, active&^valid, "active lanes must be a subset of valid lanes")

	divergent, err := w.DivergentLanesMask()
	require.NoError(t, err)
	require.Equal(t, valid&^active, divergent)
}

func TestBrokenWarpsClampedToValid(t *testing.T) {
	f := cudbg.NewFake(1, 1, 4, 32)
	f.Devs[0].SMs[0].ValidWarps = 0b0011
	f.Devs[0].SMs[0].BrokenWarps = 0b0110

	sys := testSystem(t, f, nil)
	sm := sys.Device(0).SM(0)

	broken, err := sm.BrokenWarpsMask()
	require.NoError(t, err)
	valid, err := sm.ValidWarpsMask()
	require.NoError(t, err)
	require.Zero(t, broken&^valid, "broken warps must be a subset of valid warps")
}

func primeWarp(t *testing.T, sys *System, dev, sm, wp uint32) {
	t.Helper()
	w := sys.Device(dev).SM(sm).Warp(wp)
	_, err := w.ValidLanesMask()
	require.NoError(t, err)
	_, err = w.Lane(0).PC()
	require.NoError(t, err)
}

func TestSingleStepInvalidation(t *testing.T) {
	setup := func(preemption bool, stepMask uint64) (*cudbg.Fake, *System) {
		f := cudbg.NewFake(1, 1, 8, 32)
		f.Devs[0].SMs[0].ValidWarps = 0xFF
		for wp := range f.Devs[0].SMs[0].Warps {
			f.Devs[0].SMs[0].Warps[wp].ValidLanes = 0xFFFFFFFF
			f.Devs[0].SMs[0].Warps[wp].ActiveLanes = 0xFFFFFFFF
		}
		f.StepMask = stepMask
		opts := options.New()
		opts.SoftwarePreemption = preemption
		return f, testSystem(t, f, opts)
	}

	t.Run("exact warp stepped invalidates only that warp and the SM masks", func(t *testing.T) {
		f, sys := setup(false, uint64(1)<<5)
		primeWarp(t, sys, 0, 0, 0)
		primeWarp(t, sys, 0, 0, 5)
		pcReads := f.Calls["ReadPC"]

		mask, err := sys.Device(0).SM(0).Warp(5).SingleStep()
		require.NoError(t, err)
		require.Equal(t, uint64(1)<<5, mask)

		// Warp 0's lane caches survive.
		_, err = sys.Device(0).SM(0).Warp(0).Lane(0).PC()
		require.NoError(t, err)
		require.Equal(t, pcReads, f.Calls["ReadPC"])

		// Warp 5's lane caches were dropped.
		_, err = sys.Device(0).SM(0).Warp(5).Lane(0).PC()
		require.NoError(t, err)
		require.Equal(t, pcReads+1, f.Calls["ReadPC"])

		// The SM masks were dropped and re-fetched on demand.
		maskReads := f.Calls["ReadValidWarps"]
		_, err = sys.Device(0).SM(0).ValidWarpsMask()
		require.NoError(t, err)
		require.Equal(t, maskReads+1, f.Calls["ReadValidWarps"])
	})

	t.Run("software preemption invalidates the whole device", func(t *testing.T) {
		f, sys := setup(true, uint64(1)<<5)
		primeWarp(t, sys, 0, 0, 0)
		pcReads := f.Calls["ReadPC"]

		_, err := sys.Device(0).SM(0).Warp(5).SingleStep()
		require.NoError(t, err)

		_, err = sys.Device(0).SM(0).Warp(0).Lane(0).PC()
		require.NoError(t, err)
		require.Equal(t, pcReads+1, f.Calls["ReadPC"])
	})

	t.Run("foreign warp stepped invalidates the whole device", func(t *testing.T) {
		f, sys := setup(false, uint64(1)<<6)
		primeWarp(t, sys, 0, 0, 0)
		pcReads := f.Calls["ReadPC"]

		_, err := sys.Device(0).SM(0).Warp(5).SingleStep()
		require.NoError(t, err)

		_, err = sys.Device(0).SM(0).Warp(0).Lane(0).PC()
		require.NoError(t, err)
		require.Equal(t, pcReads+1, f.Calls["ReadPC"])
	})
}

func TestResumeInvalidatesSubtree(t *testing.T) {
	f := cudbg.NewFake(1, 2, 2, 32)
	f.Devs[0].SMs[0].ValidWarps = 0b1
	f.Devs[0].SMs[0].Warps[0].ValidLanes = 0xF
	f.Devs[0].SMs[0].Warps[0].ActiveLanes = 0xF

	sys := testSystem(t, f, nil)
	d := sys.Device(0)
	d.Contexts().Add(&contexts.Context{ID: 0xA, Dev: 0})

	require.NoError(t, d.Suspend())
	require.Equal(t, uint64(1), sys.SuspendedMask())

	valid, err := d.IsValid()
	require.NoError(t, err)
	require.True(t, valid)
	primeWarp(t, sys, 0, 0, 0)
	maskReads := f.Calls["ReadValidWarps"]
	pcReads := f.Calls["ReadPC"]

	require.NoError(t, d.Resume())
	require.Zero(t, sys.SuspendedMask())
	require.Equal(t, 1, f.Devs[0].Resumes)

	// Everything under the device refetches.
	_, err = d.IsValid()
	require.NoError(t, err)
	require.Greater(t, f.Calls["ReadValidWarps"], maskReads)
	_, err = d.SM(0).Warp(0).Lane(0).PC()
	require.NoError(t, err)
	require.Equal(t, pcReads+1, f.Calls["ReadPC"])
}

func TestSuspendWithoutContextIsNoop(t *testing.T) {
	f := cudbg.NewFake(1, 1, 1, 32)
	sys := testSystem(t, f, nil)

	require.NoError(t, sys.Device(0).Suspend())
	require.Zero(t, f.Devs[0].Suspends)
	require.Zero(t, sys.SuspendedMask())
}

func TestFilterExceptionState(t *testing.T) {
	f := cudbg.NewFake(1, 2, 1, 4)
	f.Devs[0].SMs[0].ValidWarps = 0b1
	f.Devs[0].SMs[1].ValidWarps = 0b1
	for sm := range f.Devs[0].SMs {
		f.Devs[0].SMs[sm].Warps[0].ValidLanes = 0xF
		f.Devs[0].SMs[sm].Warps[0].Lanes[0].Exception = cudbg.ExceptionLaneIllegalAddress
	}
	// Only SM 0 reports an exception.
	f.Devs[0].ExceptionSMMask = 0b1

	sys := testSystem(t, f, nil)
	require.NoError(t, sys.Device(0).FilterExceptionState())
	require.Equal(t, 1, f.Calls["ReadDeviceExceptionState"])

	// SM 1 lanes are pre-filtered to None without a port read.
	exc, err := sys.Device(0).SM(1).Warp(0).Lane(0).Exception()
	require.NoError(t, err)
	require.Equal(t, cudbg.ExceptionNone, exc)
	require.Zero(t, f.Calls["ReadLaneException"])

	// SM 0 lanes still hit the port.
	exc, err = sys.Device(0).SM(0).Warp(0).Lane(0).Exception()
	require.NoError(t, err)
	require.Equal(t, cudbg.ExceptionLaneIllegalAddress, exc)
	require.Equal(t, 1, f.Calls["ReadLaneException"])

	// The filter is one-shot per suspension.
	require.NoError(t, sys.Device(0).FilterExceptionState())
	require.Equal(t, 1, f.Calls["ReadDeviceExceptionState"])
}

func TestWarpKernelDeferredRegistration(t *testing.T) {
	f := cudbg.NewFake(1, 1, 1, 32)
	f.Devs[0].SMs[0].ValidWarps = 0b1
	f.Devs[0].SMs[0].Warps[0].ValidLanes = 0xF
	f.Devs[0].SMs[0].Warps[0].GridID = 7
	f.Grids[cudbg.GridKey{Dev: 0, GridID: 7}] = cudbg.GridInfo{
		Dev:      0,
		GridID:   7,
		GridDim:  cudbg.Dim3{X: 2, Y: 1, Z: 1},
		BlockDim: cudbg.Dim3{X: 32, Y: 1, Z: 1},
	}

	opts := options.New()
	opts.DeferKernelLaunchNotifications = true
	sys := testSystem(t, f, opts)

	k, err := sys.Device(0).SM(0).Warp(0).Kernel()
	require.NoError(t, err)
	require.Equal(t, uint64(7), k.GridID)
	require.Equal(t, 1, f.Calls["GetGridInfo"])
	require.Len(t, sys.Kernels().Kernels(), 1)

	// The resolved handle is reused; no further registry or port traffic.
	again, err := sys.Device(0).SM(0).Warp(0).Kernel()
	require.NoError(t, err)
	require.Same(t, k, again)
	require.Equal(t, 1, f.Calls["GetGridInfo"])
}

func TestWarpTimestampStampedOnFirstMaskRead(t *testing.T) {
	f := cudbg.NewFake(1, 1, 2, 32)
	f.Devs[0].SMs[0].ValidWarps = 0b11
	f.Devs[0].SMs[0].Warps[0].ValidLanes = 0xF
	f.Devs[0].SMs[0].Warps[1].ValidLanes = 0xF

	sys := testSystem(t, f, nil)

	_, err := sys.Device(0).SM(0).Warp(0).ValidLanesMask()
	require.NoError(t, err)
	ts0, err := sys.Device(0).SM(0).Warp(0).Timestamp()
	require.NoError(t, err)

	sys.Clock().Tick()

	ts1, err := sys.Device(0).SM(0).Warp(1).Timestamp()
	require.NoError(t, err)
	require.Greater(t, ts1, ts0, "timestamps are monotonic across clock ticks")

	// A second read does not re-stamp.
	again, err := sys.Device(0).SM(0).Warp(0).Timestamp()
	require.NoError(t, err)
	require.Equal(t, ts0, again)
}
