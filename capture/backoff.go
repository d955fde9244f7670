/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package capture

import (
	"math"
	"time"
)

// backoff is an exponential-only specialization of the retry scheme PTP
// clients use while waiting for an unreachable Grandmaster: every failed
// open doubles the wait, bounded below by an initial delay and above by a
// cap.
type backoff struct {
	initial time.Duration
	max     time.Duration
	failure int
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max}
}

// next returns the delay to wait before the next retry and records the
// failure that triggered it.
func (b *backoff) next() time.Duration {
	d := time.Duration(float64(b.initial) * math.Pow(2, float64(b.failure)))
	b.failure++
	if d > b.max || d <= 0 {
		d = b.max
	}
	return d
}

// reset clears the failure streak after a successful open.
func (b *backoff) reset() {
	b.failure = 0
}
