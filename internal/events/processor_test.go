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

package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/host"
	"github.com/NVIDIA/cuda-debug-core/internal/kernels"
	"github.com/NVIDIA/cuda-debug-core/internal/state"
)

type fixture struct {
	fake *cudbg.Fake
	sys  *state.System
	reg  *kernels.Registry
	dbg  *host.Recorder
	proc *Processor
	opts *options.Options
}

func newFixture(t *testing.T, opts *options.Options) *fixture {
	t.Helper()
	if opts == nil {
		opts = options.New()
	}
	fake := cudbg.NewFake(1, 2, 4, 32)
	reg := kernels.NewRegistry()
	sys := state.NewSystem(fake, nil, opts, state.NewClock(), reg)
	require.NoError(t, sys.Initialize())
	dbg := host.NewRecorder(100)
	return &fixture{
		fake: fake,
		sys:  sys,
		reg:  reg,
		dbg:  dbg,
		proc: NewProcessor(fake, sys, reg, dbg, opts),
		opts: opts,
	}
}

func TestContextLifecycle(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: 100},
		cudbg.CtxPush{Dev: 0, ContextID: 0xA, TID: 100},
		cudbg.CtxPop{Dev: 0, ContextID: 0xA, TID: 100},
		cudbg.CtxDestroy{Dev: 0, ContextID: 0xA, TID: 100},
	}

	require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))

	reg := fx.sys.Device(0).Contexts()
	require.Empty(t, reg.Contexts(), "device 0 should have no contexts left")
	require.Nil(t, reg.Active(100), "tid 100 should have no active context")
	require.Zero(t, fx.dbg.CurrentCtx, "the UI current context should be cleared")
	require.Equal(t, 1, fx.dbg.Reinserts, "breakpoints re-inserted once per drain")
}

func TestElfLoadThenAutoBreakpoint(t *testing.T) {
	opts := options.New()
	opts.BreakOnLaunchApplication = true
	fx := newFixture(t, opts)

	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: 100},
		cudbg.ElfImageLoaded{Dev: 0, ContextID: 0xA, ModuleID: 0xD1, Handle: 0x10000, Size: 0x4000},
		cudbg.KernelReady{
			Dev: 0, ContextID: 0xA, ModuleID: 0xD1, GridID: 7, TID: 100,
			EntryPC: 0x1000,
			GridDim: cudbg.Dim3{X: 2, Y: 1, Z: 1}, BlockDim: cudbg.Dim3{X: 32, Y: 1, Z: 1},
			Type: cudbg.KernelTypeApplication, Origin: cudbg.OriginCPU,
		},
	}

	require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))

	ctx := fx.sys.Device(0).Contexts().FindByID(0xA)
	require.NotNil(t, ctx)
	require.NotNil(t, ctx.FindModule(0xD1), "module must be registered in its context")
	require.Equal(t, uint64(0xA), fx.dbg.CurrentCtx, "the loading context becomes current")

	require.Len(t, fx.dbg.AutoBreakpoints, 1)
	require.Equal(t, host.AutoBreakpoint{PC: 0x1000, ContextID: 0xA}, fx.dbg.AutoBreakpoints[0])

	require.NotNil(t, fx.reg.FindByGridID(0, 7), "kernel record must exist")
}

func TestContextDestroyRemovesAutoBreakpoints(t *testing.T) {
	opts := options.New()
	opts.BreakOnLaunchApplication = true
	fx := newFixture(t, opts)

	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: 100},
		cudbg.ElfImageLoaded{Dev: 0, ContextID: 0xA, ModuleID: 0xD1, Handle: 0x10000, Size: 0x4000},
		cudbg.KernelReady{
			Dev: 0, ContextID: 0xA, ModuleID: 0xD1, GridID: 7, TID: 100,
			EntryPC: 0x1000, Type: cudbg.KernelTypeApplication,
		},
		cudbg.CtxDestroy{Dev: 0, ContextID: 0xA, TID: 100},
	}

	require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))

	require.Empty(t, fx.dbg.AutoBreakpoints, "auto-breakpoints keyed by the context are removed")
	require.Contains(t, fx.dbg.Unresolved, uint64(0xA), "breakpoints for the context are unresolved")
	require.Empty(t, fx.dbg.LoadedImages, "module images are unloaded with the context")
	require.Zero(t, fx.dbg.CurrentCtx)
}

func TestInvalidThreadIDIsFatal(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: cudbg.InvalidThreadID},
	}

	err := fx.proc.ProcessEvents(cudbg.QueueSync)
	require.ErrorIs(t, err, ErrInvalidThreadID)
}

func TestPushPopIgnoredDuringAttach(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: 100},
	}
	require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))

	// CtxCreate pushed; an attach-time pop must not disturb the stack.
	fx.fake.Attach = cudbg.AttachStateInProgress
	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.CtxPop{Dev: 0, ContextID: 0xB, TID: 100},
		cudbg.CtxPush{Dev: 0, ContextID: 0xB, TID: 100},
	}
	require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))

	active := fx.sys.Device(0).Contexts().Active(100)
	require.NotNil(t, active)
	require.Equal(t, uint64(0xA), active.ID)
}

func TestKernelFinishedClearsSourceState(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: 100},
		cudbg.KernelReady{Dev: 0, ContextID: 0xA, GridID: 9, TID: 100},
		cudbg.KernelFinished{Dev: 0, GridID: 9},
	}

	require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))
	require.Nil(t, fx.reg.FindByGridID(0, 9))
	require.Contains(t, fx.dbg.CallLog, "ClearCurrentSourceLine")
}

func TestInternalErrorIsCoreFatal(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.InternalError{Code: cudbg.ERROR_INTERNAL},
	}

	err := fx.proc.ProcessEvents(cudbg.QueueSync)
	var fatal *CoreFatalError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, cudbg.ERROR_INTERNAL, fatal.Code)
}

func TestAttachDetachEvents(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.SyncQueue = []cudbg.Event{cudbg.AttachComplete{}}
	require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))
	require.Equal(t, cudbg.AttachStateAppReady, fx.fake.GetAttachState())

	fx.fake.SyncQueue = []cudbg.Event{cudbg.DetachComplete{}}
	require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))
	require.Equal(t, cudbg.AttachStateDetachComplete, fx.fake.GetAttachState())
}

func TestGPUBusyCheckRefusesContextCreate(t *testing.T) {
	fx := newFixture(t, nil)
	fx.dbg.BusyDevs[0] = true
	fx.fake.SyncQueue = []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: 100},
	}

	err := fx.proc.ProcessEvents(cudbg.QueueSync)
	require.ErrorIs(t, err, ErrGPUBusy)
}

// Replaying the same event trace through different drain batchings must
// produce the same final state, as long as each drain preserves order.
func TestEventOrderIndependentOfBatching(t *testing.T) {
	trace := []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: 100},
		cudbg.ElfImageLoaded{Dev: 0, ContextID: 0xA, ModuleID: 0xD1, Handle: 0x10000, Size: 0x4000},
		cudbg.KernelReady{Dev: 0, ContextID: 0xA, ModuleID: 0xD1, GridID: 7, TID: 100, EntryPC: 0x1000},
		cudbg.CtxCreate{Dev: 0, ContextID: 0xB, TID: 101},
		cudbg.KernelFinished{Dev: 0, GridID: 7},
		cudbg.CtxDestroy{Dev: 0, ContextID: 0xB, TID: 101},
	}

	type snapshot struct {
		contexts int
		kernels  int
		current  uint64
	}
	replay := func(batches [][]cudbg.Event) snapshot {
		fx := newFixture(t, nil)
		for _, batch := range batches {
			fx.fake.SyncQueue = batch
			require.NoError(t, fx.proc.ProcessEvents(cudbg.QueueSync))
		}
		return snapshot{
			contexts: len(fx.sys.Device(0).Contexts().Contexts()),
			kernels:  len(fx.reg.Kernels()),
			current:  fx.dbg.CurrentCtx,
		}
	}

	oneDrain := replay([][]cudbg.Event{trace})
	perEvent := replay([][]cudbg.Event{
		trace[0:1], trace[1:2], trace[2:3], trace[3:4], trace[4:5], trace[5:6],
	})
	split := replay([][]cudbg.Event{trace[0:3], trace[3:6]})

	require.Equal(t, oneDrain, perEvent)
	require.Equal(t, oneDrain, split)
}
