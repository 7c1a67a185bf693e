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

// Package notify implements the SIGTRAP-based notification channel between
// the debug-API callback thread and the main debugger thread. It is the
// only object in the core shared between threads; every public operation
// holds the channel mutex for the duration of its body.
package notify

import (
	"sync"

	"k8s.io/klog/v2"
)

// Payload describes one notification request from the debug API.
type Payload struct {
	// TID is the host thread the debug API wants stopped; 0 means any.
	TID uint32
	// Timeout marks a resend request for a notification that was sent
	// but never acknowledged.
	Timeout bool
}

// WaitStatus is the subset of the host wait status the channel inspects.
type WaitStatus struct {
	Stopped bool
	Trap    bool
}

// Sender delivers a trap signal to a host thread. The production sender
// uses tgkill; tests inject their own.
type Sender interface {
	// Signal sends SIGTRAP to the given host thread, 0 for "pick one".
	// It returns the thread id actually signalled.
	Signal(tid uint32) (uint32, error)
}

// Channel is the notification record. Producer states are
// ready/pending/sent; consumer states are none/consumer-pending/received.
// The two forbidden combinations, sent with pendingSend and received
// without sent, are unreachable by construction.
type Channel struct {
	mu sync.Mutex

	initialized  bool
	blocked      bool
	pendingSend  bool
	aliasedEvent bool
	sent         bool
	received     bool

	tid            uint32
	pendingPayload Payload

	sender Sender
	debug  bool
}

// NewChannel returns an initialized channel using the given sender.
// debug enables verbose state tracing.
func NewChannel(sender Sender, debug bool) *Channel {
	return &Channel{
		initialized: true,
		sender:      sender,
		debug:       debug,
	}
}

func (c *Channel) trace(format string, args ...interface{}) {
	if c.debug {
		klog.Infof("notification: "+format, args...)
	} else {
		klog.V(3).Infof("notification: "+format, args...)
	}
}

// Notify requests that the main thread be interrupted. The exact behavior
// depends on the channel state:
//
//   - a timeout payload resends iff a prior send is still unacknowledged;
//   - while a send is outstanding, the event is recorded as aliased and no
//     new signal is raised;
//   - while a send is already pending, the request is dropped;
//   - while the channel is blocked, the payload is buffered for Accept;
//   - otherwise the signal is sent immediately.
func (c *Channel) Notify(p Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case p.Timeout:
		if c.sent && !c.received {
			c.trace("timeout, resending to tid %d", c.tid)
			c.sendLocked(Payload{TID: c.tid})
		}
	case c.sent:
		c.trace("aliased event while sent")
		c.aliasedEvent = true
	case c.pendingSend:
		c.trace("dropping notify, send already pending")
	case c.blocked:
		c.trace("blocked, buffering payload for tid %d", p.TID)
		c.pendingPayload = p
		c.pendingSend = true
	default:
		c.sendLocked(p)
	}
}

// sendLocked delivers the trap signal. The caller holds the mutex.
func (c *Channel) sendLocked(p Payload) {
	tid, err := c.sender.Signal(p.TID)
	if err != nil {
		klog.Errorf("Failed to deliver notification signal: %v", err)
		return
	}
	c.tid = tid
	c.sent = true
	c.pendingSend = false
	c.trace("sent to tid %d", tid)
}

// Block defers signal delivery until Accept.
func (c *Channel) Block() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = true
	c.trace("blocked")
}

// Accept lifts a Block and delivers the buffered payload if one arrived in
// between.
func (c *Channel) Accept() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = false
	if c.pendingSend {
		p := c.pendingPayload
		c.pendingSend = false
		c.trace("accepting buffered payload for tid %d", p.TID)
		c.sendLocked(p)
	}
}

// Analyze inspects a host stop. The notification is considered received
// when the stopped thread is the one signalled, it stopped with SIGTRAP,
// and the trap was not expected for another reason (e.g. a host
// breakpoint).
func (c *Channel) Analyze(stoppedTID uint32, status WaitStatus, trapExpected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent && c.tid == stoppedTID && status.Stopped && status.Trap && !trapExpected {
		c.received = true
		c.trace("received on tid %d", stoppedTID)
	}
}

// MarkConsumed resets the record after the main thread has serviced the
// notification.
func (c *Channel) MarkConsumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = false
	c.received = false
	c.tid = 0
	c.trace("consumed")
}

// Pending reports whether a sent notification is still unacknowledged.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent && !c.received
}

// Received reports whether the notification reached the main thread.
func (c *Channel) Received() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// AliasedEvent reports whether further events arrived while a send was
// outstanding.
func (c *Channel) AliasedEvent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aliasedEvent
}

// ResetAliasedEvent clears the aliased-event flag.
func (c *Channel) ResetAliasedEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliasedEvent = false
}

// ConsumePending drops a buffered-but-unsent payload, reporting whether
// one was dropped.
func (c *Channel) ConsumePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.pendingSend
	c.pendingSend = false
	c.pendingPayload = Payload{}
	return was
}
