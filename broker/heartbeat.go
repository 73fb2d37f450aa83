// Copyright 2022 The relaymq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"fmt"
	"time"
)

// HeartbeatScheduler tracks when the next heartbeat round is due
type HeartbeatScheduler struct {
	interval     time.Duration
	nextDeadline time.Time
}

// NewHeartbeatScheduler define a scheduler whose first round is one interval after start
func NewHeartbeatScheduler(interval time.Duration, start time.Time) (*HeartbeatScheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive: %s", interval)
	}
	return &HeartbeatScheduler{interval: interval, nextDeadline: start.Add(interval)}, nil
}

// Due whether a round should run at now
func (h *HeartbeatScheduler) Due(now time.Time) bool {
	return !now.Before(h.nextDeadline)
}

// Advance move the deadline forward by one interval after a round ran at now.
// If the loop fell more than an interval behind, the next round is one interval from now.
func (h *HeartbeatScheduler) Advance(now time.Time) time.Time {
	h.nextDeadline = h.nextDeadline.Add(h.interval)
	if !h.nextDeadline.After(now) {
		h.nextDeadline = now.Add(h.interval)
	}
	return h.nextDeadline
}

// NextDeadline when the next round is due
func (h *HeartbeatScheduler) NextDeadline() time.Time {
	return h.nextDeadline
}

// Interval the heartbeat period
func (h *HeartbeatScheduler) Interval() time.Duration {
	return h.interval
}
