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

package state

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
)

// SM mirrors one streaming multiprocessor.
type SM struct {
	dev *Device
	id  uint32

	validWarps  cached[uint64]
	brokenWarps cached[uint64]

	// Remote bulk-fetch latches, armed once per stop.
	gridIDsBatched   bool
	blockIdxsBatched bool

	warps []*Warp
}

func newSM(dev *Device, id uint32) *SM {
	return &SM{dev: dev, id: id}
}

// ID returns the SM index.
func (s *SM) ID() uint32 { return s.id }

// Warp returns the mirror node for the given warp, allocating the warp
// array on first use. The index must be in range.
func (s *SM) Warp(wp uint32) *Warp {
	if s.warps == nil {
		n, err := s.dev.NumWarps()
		if err != nil {
			panic(fmt.Sprintf("cannot size warp array for device %d SM %d: %v", s.dev.id, s.id, err))
		}
		s.warps = make([]*Warp, n)
		for i := uint32(0); i < n; i++ {
			s.warps[i] = newWarp(s, i)
		}
	}
	if int(wp) >= len(s.warps) {
		panic(fmt.Sprintf("warp index %d out of range on device %d SM %d (%d warps)", wp, s.dev.id, s.id, len(s.warps)))
	}
	return s.warps[wp]
}

// ValidWarpsMask returns the mask of valid warps on the SM; cached.
func (s *SM) ValidWarpsMask() (uint64, error) {
	if m, ok := s.validWarps.get(); ok {
		return m, nil
	}
	m, res := s.dev.sys.api.ReadValidWarps(s.dev.id, s.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	return s.validWarps.set(m), nil
}

// BrokenWarpsMask returns the mask of warps stopped at a breakpoint; cached.
// A warp may only be broken if it is valid.
func (s *SM) BrokenWarpsMask() (uint64, error) {
	if m, ok := s.brokenWarps.get(); ok {
		return m, nil
	}
	m, res := s.dev.sys.api.ReadBrokenWarps(s.dev.id, s.id)
	if res != cudbg.SUCCESS {
		return 0, res.Error()
	}
	valid, err := s.ValidWarpsMask()
	if err != nil {
		return 0, err
	}
	if m&^valid != 0 {
		klog.Warningf("Device %d SM %d reports broken warps outside the valid mask (%#x &^ %#x)", s.dev.id, s.id, m, valid)
		m &= valid
	}
	return s.brokenWarps.set(m), nil
}

// invalidateMasks drops the two SM masks. Invoked whenever any contained
// warp is invalidated.
func (s *SM) invalidateMasks() {
	s.validWarps.invalidate()
	s.brokenWarps.invalidate()
}

// invalidate drops the whole SM subtree.
func (s *SM) invalidate() {
	s.invalidateMasks()
	s.gridIDsBatched = false
	s.blockIdxsBatched = false
	for _, w := range s.warps {
		w.invalidateLocal()
	}
}

// batchGridIDs invokes the remote bulk-fetch hook for grid ids once per
// stop. Failures fall through to per-warp reads.
func (s *SM) batchGridIDs() {
	if s.gridIDsBatched || s.dev.sys.remote == nil {
		return
	}
	s.gridIDsBatched = true
	if res := s.dev.sys.remote.UpdateGridIDInSM(s.dev.id, s.id); res != cudbg.SUCCESS {
		klog.V(2).Infof("Bulk grid-id fetch failed for device %d SM %d: %v", s.dev.id, s.id, res)
	}
}

// batchBlockIdxs invokes the remote bulk-fetch hook for block indices once
// per stop.
func (s *SM) batchBlockIdxs() {
	if s.blockIdxsBatched || s.dev.sys.remote == nil {
		return
	}
	s.blockIdxsBatched = true
	if res := s.dev.sys.remote.UpdateBlockIdxInSM(s.dev.id, s.id); res != cudbg.SUCCESS {
		klog.V(2).Infof("Bulk block-idx fetch failed for device %d SM %d: %v", s.dev.id, s.id, res)
	}
}
