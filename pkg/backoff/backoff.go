/*
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

// Package backoff computes retry delays from a fixed schedule with full jitter.
package backoff

import (
	"math/rand/v2"
	"time"
)

// DefaultSchedule is the base delay per attempt number, clamped to the last
// entry for attempts beyond its length.
var DefaultSchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	18 * time.Hour,
	24 * time.Hour,
}

// Policy draws jittered delays from a schedule.
type Policy struct {
	schedule []time.Duration
	// jitter maps a base delay to the actual delay. Replaceable in tests.
	jitter func(base time.Duration) time.Duration
}

// New returns a Policy over the default schedule with full jitter:
// delay = uniform(0, base). Full jitter smooths retry storms while keeping
// the expected delay monotone nondecreasing in the attempt number.
func New() *Policy {
	return NewWithSchedule(DefaultSchedule)
}

// NewWithSchedule returns a Policy over a caller-provided schedule.
func NewWithSchedule(schedule []time.Duration) *Policy {
	return &Policy{
		schedule: schedule,
		jitter: func(base time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(base) + 1))
		},
	}
}

// Base returns the un-jittered delay for the given attempt number (1-based),
// clamped to the final schedule entry.
func (p *Policy) Base(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	idx := attemptNumber - 1
	if idx >= len(p.schedule) {
		idx = len(p.schedule) - 1
	}
	return p.schedule[idx]
}

// Delay returns the jittered delay for the given attempt number,
// uniform in [0, Base(attemptNumber)].
func (p *Policy) Delay(attemptNumber int) time.Duration {
	return p.jitter(p.Base(attemptNumber))
}

// NextAttemptAt returns now + Delay(attemptNumber).
func (p *Policy) NextAttemptAt(now time.Time, attemptNumber int) time.Time {
	return now.Add(p.Delay(attemptNumber))
}
