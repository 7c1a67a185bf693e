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

package notify

import (
	"fmt"
	"os"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// TrapSender delivers SIGTRAP via tgkill. When the requested thread cannot
// be signalled, it walks the process's task list and signals the first
// thread that accepts delivery.
type TrapSender struct {
	pid int
}

var _ Sender = (*TrapSender)(nil)

// NewTrapSender returns a sender targeting the given process, or the
// current process when pid is 0.
func NewTrapSender(pid int) *TrapSender {
	if pid == 0 {
		pid = os.Getpid()
	}
	return &TrapSender{pid: pid}
}

// Signal sends SIGTRAP to tid, falling back to the first signallable
// thread of the process when tid is 0 or delivery fails.
func (s *TrapSender) Signal(tid uint32) (uint32, error) {
	if tid != 0 {
		if err := unix.Tgkill(s.pid, int(tid), unix.SIGTRAP); err == nil {
			return tid, nil
		} else {
			klog.V(2).Infof("tgkill(%d, %d, SIGTRAP) failed: %v; trying other threads", s.pid, tid, err)
		}
	}

	fs, err := procfs.NewFS("/proc")
	if err != nil {
		return 0, fmt.Errorf("error opening procfs: %w", err)
	}
	tasks, err := fs.AllThreads(s.pid)
	if err != nil {
		return 0, fmt.Errorf("error listing threads of process %d: %w", s.pid, err)
	}
	for _, task := range tasks {
		if err := unix.Tgkill(s.pid, task.PID, unix.SIGTRAP); err == nil {
			return uint32(task.PID), nil
		}
	}
	return 0, fmt.Errorf("no thread of process %d accepted SIGTRAP", s.pid)
}
