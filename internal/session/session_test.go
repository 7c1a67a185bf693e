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

package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/coords"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/host"
	"github.com/NVIDIA/cuda-debug-core/internal/notify"
)

type recordingSender struct{ signals []uint32 }

func (s *recordingSender) Signal(tid uint32) (uint32, error) {
	s.signals = append(s.signals, tid)
	return tid, nil
}

var _ notify.Sender = (*recordingSender)(nil)

func newTestSession(t *testing.T, opts *options.Options) (*Session, *cudbg.Fake, *host.Recorder) {
	t.Helper()
	if opts == nil {
		opts = options.New()
	}
	fake := cudbg.NewFake(1, 2, 4, 32)
	dbg := host.NewRecorder(100)
	sess := New(fake, nil, dbg, opts, &recordingSender{})
	require.NoError(t, sess.Initialize())
	return sess, fake, dbg
}

func TestStopDrainResumeCycle(t *testing.T) {
	sess, fake, dbg := newTestSession(t, nil)

	fake.SyncQueue = []cudbg.Event{
		cudbg.CtxCreate{Dev: 0, ContextID: 0xA, TID: 100},
		cudbg.ElfImageLoaded{Dev: 0, ContextID: 0xA, ModuleID: 0xD1, Handle: 0x10000, Size: 0x4000},
	}
	require.NoError(t, sess.OnStop())
	require.Equal(t, 2, dbg.Reinserts, "one breakpoint re-insert per queue drain")
	require.NotNil(t, sess.System().Device(0).Contexts().FindByID(0xA))

	// The device now has a context; the next stop suspends it.
	require.NoError(t, sess.OnStop())
	require.True(t, sess.System().Device(0).Suspended())

	tick := sess.System().Clock().Now()
	require.NoError(t, sess.Resume())
	require.False(t, sess.System().Device(0).Suspended())
	require.Equal(t, tick+1, sess.System().Clock().Now(), "the clock ticks once per drain-plus-resume cycle")
}

func TestCommandErrors(t *testing.T) {
	sess, _, _ := newTestSession(t, nil)

	require.ErrorIs(t, sess.Command("   "), ErrMissingArgument)
	require.ErrorIs(t, sess.InfoCommand(""), ErrMissingArgument)
	require.ErrorIs(t, sess.InfoCommand("gadgets"), ErrUnrecognizedOption)
}

func TestInfoDevicesEndToEnd(t *testing.T) {
	sess, _, dbg := newTestSession(t, nil)

	require.NoError(t, sess.InfoCommand("devices"))
	require.Contains(t, dbg.CallLog, "TableBegin:InfoCudaDevicesTable")
	require.Contains(t, dbg.Output, "SM Type=sm_80")
}

func TestInfoCommandWithFilter(t *testing.T) {
	sess, fake, dbg := newTestSession(t, nil)
	fake.Devs[0].SMs[0].ValidWarps = 0b1
	fake.Devs[0].SMs[0].Warps[0].ValidLanes = 0xF

	require.NoError(t, sess.InfoCommand("sms device 0"))
	require.Contains(t, dbg.CallLog, "TableBegin:InfoCudaSmsTable")

	require.ErrorIs(t, sess.InfoCommand("sms device nonsense"), coords.ErrInvalidFilter)
}
