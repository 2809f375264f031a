// Copyright 2024 pngfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Arm calls into one deferred callback.
// Each Arm cancels the pending fire and schedules a new one, so fn runs
// once, delay after the last Arm of a burst.
type Debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	fn       func()
	timer    *time.Timer
	gen      uint64 // cancellation token: a fire only runs fn if gen is unchanged
	disabled bool
	stopped  bool
}

// NewDebouncer creates a debouncer that runs fn delay after the last Arm.
// A disabled debouncer ignores Arm entirely.
func NewDebouncer(delay time.Duration, fn func(), disabled bool) *Debouncer {
	return &Debouncer{
		delay:    delay,
		fn:       fn,
		disabled: disabled,
	}
}

// Arm (re)starts the delay, replacing any pending fire
func (d *Debouncer) Arm() {
	if d.disabled {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Pending reports whether a fire is scheduled and not yet started
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Disabled reports whether Arm is a no-op
func (d *Debouncer) Disabled() bool {
	return d.disabled
}

// Stop cancels a pending fire and ignores later Arm calls. A callback
// already running is not interrupted.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
