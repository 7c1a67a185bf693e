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

package v1

import (
	cli "github.com/urfave/cli/v2"
)

// Flags returns the command line flag set mirroring every option.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "show-context-events",
			Usage:   "print a banner for every GPU context create/destroy/push/pop event",
			EnvVars: []string{"CUDBG_SHOW_CONTEXT_EVENTS"},
		},
		&cli.BoolFlag{
			Name:    "break-on-launch-application",
			Usage:   "set an auto-breakpoint at the entry of every application kernel",
			EnvVars: []string{"CUDBG_BREAK_ON_LAUNCH_APPLICATION"},
		},
		&cli.BoolFlag{
			Name:    "break-on-launch-system",
			Usage:   "set an auto-breakpoint at the entry of every system kernel",
			EnvVars: []string{"CUDBG_BREAK_ON_LAUNCH_SYSTEM"},
		},
		&cli.BoolFlag{
			Name:    "gpu-busy-check",
			Value:   true,
			Usage:   "refuse to debug a GPU that is already driving graphics",
			EnvVars: []string{"CUDBG_GPU_BUSY_CHECK"},
		},
		&cli.BoolFlag{
			Name:    "software-preemption",
			Usage:   "assume software preemption; widen single-step invalidation to the whole device",
			EnvVars: []string{"CUDBG_SOFTWARE_PREEMPTION"},
		},
		&cli.BoolFlag{
			Name:    "defer-kernel-launch-notifications",
			Usage:   "register kernels lazily on first warp sighting",
			EnvVars: []string{"CUDBG_DEFER_KERNEL_LAUNCH_NOTIFICATIONS"},
		},
		&cli.BoolFlag{
			Name:    "coalescing",
			Value:   true,
			Usage:   "collapse adjacent rows in the blocks/threads views",
			EnvVars: []string{"CUDBG_COALESCING"},
		},
		&cli.BoolFlag{
			Name:    "debug-notifications",
			Usage:   "verbose tracing of the notification channel",
			EnvVars: []string{"CUDBG_DEBUG_NOTIFICATIONS"},
		},
	}
}

// NewFromCLI builds an Options struct from the flags in the cli Context,
// applying the options file first when one is given. Settings are populated
// in order of precedence from (1) command line, (2) environment variable,
// (3) options file.
func NewFromCLI(c *cli.Context) (*Options, error) {
	options := New()

	if optionsFile := c.String("options-file"); optionsFile != "" {
		loaded, err := Load(optionsFile)
		if err != nil {
			return nil, err
		}
		options = loaded
	}

	update := func(dst *bool, name string) {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}
	update(&options.ShowContextEvents, "show-context-events")
	update(&options.BreakOnLaunchApplication, "break-on-launch-application")
	update(&options.BreakOnLaunchSystem, "break-on-launch-system")
	update(&options.GPUBusyCheck, "gpu-busy-check")
	update(&options.SoftwarePreemption, "software-preemption")
	update(&options.DeferKernelLaunchNotifications, "defer-kernel-launch-notifications")
	update(&options.Coalescing, "coalescing")
	update(&options.DebugNotifications, "debug-notifications")

	return options, nil
}
