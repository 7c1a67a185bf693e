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

// Package v1 holds the versioned debugger options consumed by the core.
package v1

import (
	"fmt"
	"io"
	"os"

	"sigs.k8s.io/yaml"
)

// Version indicates the version of the 'Options' struct used to hold option settings.
const Version = "v1"

// Options is a versioned struct used to hold the debugger option settings
// the core reads from the host.
type Options struct {
	Version string `json:"version" yaml:"version"`

	// ShowContextEvents prints a banner for every context
	// create/destroy/push/pop event.
	ShowContextEvents bool `json:"showContextEvents" yaml:"showContextEvents"`

	// BreakOnLaunchApplication plants an auto-breakpoint at the entry of
	// every application kernel launch.
	BreakOnLaunchApplication bool `json:"breakOnLaunchApplication" yaml:"breakOnLaunchApplication"`

	// BreakOnLaunchSystem does the same for system kernels.
	BreakOnLaunchSystem bool `json:"breakOnLaunchSystem" yaml:"breakOnLaunchSystem"`

	// GPUBusyCheck refuses to debug a GPU that is already driving
	// graphics when its first context is created.
	GPUBusyCheck bool `json:"gpuBusyCheck" yaml:"gpuBusyCheck"`

	// SoftwarePreemption widens single-step invalidation to the whole
	// device, since the warp scheduler may migrate warps under preemption.
	SoftwarePreemption bool `json:"softwarePreemption" yaml:"softwarePreemption"`

	// DeferKernelLaunchNotifications allows kernels to be registered
	// lazily on first warp sighting instead of on a launch event.
	DeferKernelLaunchNotifications bool `json:"deferKernelLaunchNotifications" yaml:"deferKernelLaunchNotifications"`

	// Coalescing collapses adjacent rows in the blocks/threads views.
	Coalescing bool `json:"coalescing" yaml:"coalescing"`

	// DebugNotifications traces the notification channel verbosely.
	DebugNotifications bool `json:"debugNotifications" yaml:"debugNotifications"`
}

// New returns the default option settings.
func New() *Options {
	return &Options{
		Version:                  Version,
		BreakOnLaunchApplication: false,
		BreakOnLaunchSystem:      false,
		GPUBusyCheck:             true,
		Coalescing:               true,
	}
}

// BreakOnLaunch reports whether break-on-launch is enabled for a kernel of
// the given type ("application" or "system").
func (o *Options) BreakOnLaunch(kernelType string) bool {
	if kernelType == "system" {
		return o.BreakOnLaunchSystem
	}
	return o.BreakOnLaunchApplication
}

// Load parses an options file as either YAML or JSON and unmarshals it into
// an Options struct.
func Load(optionsFile string) (*Options, error) {
	reader, err := os.Open(optionsFile)
	if err != nil {
		return nil, fmt.Errorf("error opening options file: %v", err)
	}
	defer reader.Close()

	options, err := parseOptionsFrom(reader)
	if err != nil {
		return nil, fmt.Errorf("error parsing options file: %v", err)
	}
	return options, nil
}

func parseOptionsFrom(reader io.Reader) (*Options, error) {
	optionsYaml, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read error: %v", err)
	}

	var options Options
	err = yaml.Unmarshal(optionsYaml, &options)
	if err != nil {
		return nil, fmt.Errorf("unmarshal error: %v", err)
	}

	if options.Version == "" {
		return nil, fmt.Errorf("missing version field")
	}
	if options.Version != Version {
		return nil, fmt.Errorf("unknown version: %v", options.Version)
	}

	return &options, nil
}
