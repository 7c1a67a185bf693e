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

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/NVIDIA/cuda-debug-core/internal/host"
)

// consoleDebugger is the replay harness's host-debugger port. Breakpoint
// and thread bookkeeping reuse the recorder; the UI sinks render aligned
// tables to the console instead of buffering.
type consoleDebugger struct {
	*host.Recorder
	out io.Writer

	widths  []int
	headers []string
	row     []string
}

func newConsoleDebugger(out io.Writer, tid uint32) *consoleDebugger {
	return &consoleDebugger{Recorder: host.NewRecorder(tid), out: out}
}

func (c *consoleDebugger) TableBegin(columns, rows int, id string) {
	c.widths = make([]int, 0, columns)
	c.headers = make([]string, 0, columns)
	c.row = nil
}

func (c *consoleDebugger) TableHeader(width int, align host.Alignment, colID, heading string) {
	c.widths = append(c.widths, width)
	c.headers = append(c.headers, heading)
}

func (c *consoleDebugger) TableBody() {
	cells := make([]string, len(c.headers))
	for i, h := range c.headers {
		cells[i] = pad(h, c.widths[i])
	}
	fmt.Fprintln(c.out, strings.Join(cells, "  "))
}

func (c *consoleDebugger) FieldString(colID, value string) {
	c.row = append(c.row, pad(value, c.widths[len(c.row)]))
	if len(c.row) == len(c.headers) {
		fmt.Fprintln(c.out, strings.Join(c.row, "  "))
		c.row = nil
	}
}

func (c *consoleDebugger) FieldInt(colID string, value int64) {
	c.FieldString(colID, fmt.Sprintf("%d", value))
}

func (c *consoleDebugger) FieldFmt(colID, format string, args ...interface{}) {
	c.FieldString(colID, fmt.Sprintf(format, args...))
}

func (c *consoleDebugger) TableEnd() {
	c.row = nil
}

func (c *consoleDebugger) Text(s string) {
	fmt.Fprintln(c.out, s)
}

func (c *consoleDebugger) Message(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}
