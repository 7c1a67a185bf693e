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

// Package session ties the core together: it owns the mirror, the
// registries, the event processor, the notification channel and the focus
// manager, and drives the stop/drain/resume cycle on behalf of the host
// debugger.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/coords"
	"github.com/NVIDIA/cuda-debug-core/internal/cudbg"
	"github.com/NVIDIA/cuda-debug-core/internal/events"
	"github.com/NVIDIA/cuda-debug-core/internal/focus"
	"github.com/NVIDIA/cuda-debug-core/internal/host"
	"github.com/NVIDIA/cuda-debug-core/internal/inspect"
	"github.com/NVIDIA/cuda-debug-core/internal/kernels"
	"github.com/NVIDIA/cuda-debug-core/internal/notify"
	"github.com/NVIDIA/cuda-debug-core/internal/state"
)

// ErrMissingArgument is reported for a "cuda" or "info cuda" command with
// no sub-command.
var ErrMissingArgument = errors.New("Missing argument")

// ErrUnrecognizedOption is reported for an unknown "info cuda" sub-command.
var ErrUnrecognizedOption = errors.New("Unrecognized option")

// Session is one debug session over an inferior.
type Session struct {
	ID string

	api  cudbg.API
	dbg  host.Debugger
	opts *options.Options

	clock     *state.Clock
	kernels   *kernels.Registry
	sys       *state.System
	processor *events.Processor
	notify    *notify.Channel
	focus     *focus.Manager
	presenter *inspect.Presenter
}

// New wires a session over the injected ports. remote and sender may be
// nil; a nil sender is replaced by a TrapSender aimed at the current process
// (tests drive the channel with their own sender).
func New(api cudbg.API, remote cudbg.RemoteAPI, dbg host.Debugger, opts *options.Options, sender notify.Sender) *Session {
	clock := state.NewClock()
	reg := kernels.NewRegistry()
	sys := state.NewSystem(api, remote, opts, clock, reg)
	if sender == nil {
		sender = notify.NewTrapSender(0)
	}
	return &Session{
		ID:        uuid.New().String(),
		api:       api,
		dbg:       dbg,
		opts:      opts,
		clock:     clock,
		kernels:   reg,
		sys:       sys,
		processor: events.NewProcessor(api, sys, reg, dbg, opts),
		notify:    notify.NewChannel(sender, opts.DebugNotifications),
		focus:     focus.NewManager(sys, dbg),
		presenter: inspect.NewPresenter(sys, dbg, opts),
	}
}

// Initialize allocates the mirror. Must be called once before any command.
func (s *Session) Initialize() error {
	if err := s.sys.Initialize(); err != nil {
		return err
	}
	klog.V(1).Infof("Debug session %s initialized", s.ID)
	return nil
}

// Finalize tears the session down.
func (s *Session) Finalize() {
	s.sys.Finalize()
	klog.V(1).Infof("Debug session %s finalized", s.ID)
}

// System exposes the mirror for collaborators and tests.
func (s *Session) System() *state.System { return s.sys }

// Kernels exposes the kernel registry.
func (s *Session) Kernels() *kernels.Registry { return s.kernels }

// Focus exposes the focus manager.
func (s *Session) Focus() *focus.Manager { return s.focus }

// Notify exposes the notification channel.
func (s *Session) Notify() *notify.Channel { return s.notify }

// OnStop services an inferior stop: suspend the devices that have work,
// drain both event queues in order, and pre-filter exception state for
// every suspended device.
func (s *Session) OnStop() error {
	for _, d := range s.sys.Devices() {
		if err := d.Suspend(); err != nil {
			return err
		}
	}
	if err := s.processor.ProcessEvents(cudbg.QueueSync); err != nil {
		return err
	}
	if err := s.processor.ProcessEvents(cudbg.QueueAsync); err != nil {
		return err
	}
	for _, d := range s.sys.Devices() {
		if !d.Suspended() {
			continue
		}
		if err := d.FilterExceptionState(); err != nil {
			return err
		}
	}
	return nil
}

// Resume invalidates the mirror, resumes every suspended device and ticks
// the clock; the drain-plus-resume cycle is what a clock tick measures.
func (s *Session) Resume() error {
	if err := s.sys.ResumeAll(); err != nil {
		return err
	}
	s.sys.InvalidateAll()
	s.clock.Tick()
	return nil
}

// Command services the "cuda ..." prefix command (focus switch or query).
func (s *Session) Command(arg string) error {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return fmt.Errorf("%w: expected a focus selector", ErrMissingArgument)
	}
	return s.focus.SwitchCommand(arg)
}

// InfoCommand services "info cuda <what> [filter]".
func (s *Session) InfoCommand(arg string) error {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return fmt.Errorf("%w: expected one of devices|sms|warps|lanes|kernels|blocks|threads", ErrMissingArgument)
	}
	what, rest := fields[0], strings.Join(fields[1:], " ")

	filter := coords.NewWildcard()
	if rest != "" {
		req, err := coords.Parse(rest, coords.Accepted{Filter: true}, coords.Wildcard)
		if err != nil {
			return err
		}
		filter = req.Coords.EvaluateCurrent(s.focus.GetCurrent())
	}

	switch what {
	case "devices":
		return s.presenter.InfoDevices(filter)
	case "sms":
		return s.presenter.InfoSMs(filter)
	case "warps":
		return s.presenter.InfoWarps(filter)
	case "lanes":
		return s.presenter.InfoLanes(filter)
	case "kernels":
		return s.presenter.InfoKernels(filter)
	case "blocks":
		return s.presenter.InfoBlocks(filter)
	case "threads":
		return s.presenter.InfoThreads(filter)
	}
	return fmt.Errorf("%w: %q", ErrUnrecognizedOption, what)
}
