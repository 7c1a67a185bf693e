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

// cuda-debug-core replays a recorded device trace through the debugger core
// and services focus and info commands against it. It exists to exercise
// the core without a live inferior; the host debugger embeds the same
// packages with its own ports.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	options "github.com/NVIDIA/cuda-debug-core/api/options/v1"
	"github.com/NVIDIA/cuda-debug-core/internal/info"
	"github.com/NVIDIA/cuda-debug-core/internal/logger"
	"github.com/NVIDIA/cuda-debug-core/internal/session"
	"github.com/NVIDIA/cuda-debug-core/internal/watch"
)

func main() {
	c := cli.NewApp()
	c.Name = "cuda-debug-core"
	c.Usage = "replay a recorded CUDA debug trace through the debugger core"
	c.Version = info.GetVersionString()
	c.Action = start

	c.Flags = append([]cli.Flag{
		&cli.StringFlag{
			Name:     "trace-file",
			Usage:    "the recorded device/event trace to replay",
			Required: true,
			EnvVars:  []string{"CUDBG_TRACE_FILE"},
		},
		&cli.StringFlag{
			Name:    "options-file",
			Usage:   "debugger options file (YAML or JSON); reloaded on change",
			EnvVars: []string{"CUDBG_OPTIONS_FILE"},
		},
	}, options.Flags()...)

	if err := c.Run(os.Args); err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}

func start(c *cli.Context) error {
	klog.Infof("Starting %s %s", c.App.Name, info.GetVersionString())

	opts, err := options.NewFromCLI(c)
	if err != nil {
		return fmt.Errorf("error reading options: %v", err)
	}

	trace, err := LoadTrace(c.String("trace-file"))
	if err != nil {
		return err
	}
	fake, err := trace.ToFake()
	if err != nil {
		return err
	}

	dbg := newConsoleDebugger(os.Stdout, 1)
	sess := session.New(fake, nil, dbg, opts, noopSender{})
	if err := sess.Initialize(); err != nil {
		return err
	}
	defer sess.Finalize()

	if err := sess.OnStop(); err != nil {
		return fmt.Errorf("error processing recorded events: %v", err)
	}

	var watcher *fsnotify.Watcher
	if optionsFile := c.String("options-file"); optionsFile != "" {
		watcher, err = watch.Files(optionsFile)
		if err != nil {
			return fmt.Errorf("error watching options file: %v", err)
		}
		defer watcher.Close()
		go func() {
			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&fsnotify.Write == fsnotify.Write {
						reloaded, err := options.Load(optionsFile)
						if err != nil {
							logger.ToKlog.Warning("options reload failed:", err)
							continue
						}
						*opts = *reloaded
						klog.Infof("Reloaded options from %s", optionsFile)
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					logger.ToKlog.Warning("inotify:", err)
				}
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		klog.Infof("Received signal %q, shutting down.", s)
		os.Exit(0)
	}()

	return commandLoop(sess, dbg)
}

// commandLoop reads debugger commands from stdin until EOF or "quit".
func commandLoop(sess *session.Session, dbg *consoleDebugger) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("(cuda-core) ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch {
		case line == "":
		case line == "quit" || line == "q":
			return nil
		case line == "resume":
			err = sess.Resume()
		case strings.HasPrefix(line, "info cuda"):
			err = sess.InfoCommand(strings.TrimSpace(strings.TrimPrefix(line, "info cuda")))
		case strings.HasPrefix(line, "cuda"):
			err = sess.Command(strings.TrimSpace(strings.TrimPrefix(line, "cuda")))
		default:
			dbg.Message("Unknown command %q", line)
		}
		if err != nil {
			dbg.Message("Error: %v", err)
		}
		fmt.Print("(cuda-core) ")
	}
	return scanner.Err()
}

// noopSender keeps the replay harness from trapping itself; the recorded
// trace never exercises the notification path.
type noopSender struct{}

func (noopSender) Signal(tid uint32) (uint32, error) { return tid, nil }
