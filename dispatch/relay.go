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

package dispatch

import (
	"fmt"

	"github.com/alwitt/relaymq/common"
	"github.com/alwitt/relaymq/subscription"
	"github.com/apex/log"
)

// SubmitMessage function signature for sending a message to a peer
type SubmitMessage func(msg common.Message) error

// RelayResult outcome of relaying one payload
type RelayResult struct {
	// Subscribers is the number of subscriber entries the payload was addressed to
	Subscribers int
	// Sent is the number of sends the transport accepted
	Sent int
	// Failed is the number of sends the transport rejected
	Failed int
}

// String produce ASCII representation
func (r RelayResult) String() string {
	return fmt.Sprintf("%d/%d sent (%d failed)", r.Sent, r.Subscribers, r.Failed)
}

// Relay fans a collector payload out to the collector's subscribers
type Relay interface {
	// Forward send payload to every subscriber of the collector, in subscription order
	Forward(collectorID string, payload []byte) RelayResult
}

// relayImpl implements Relay
type relayImpl struct {
	common.Component
	registry subscription.Registry
	send     SubmitMessage
}

// DefineRelay create new relay over a registry and a reader-side sender
func DefineRelay(
	instance string, registry subscription.Registry, sendCB SubmitMessage,
) Relay {
	logTags := log.Fields{
		"module": "dispatch", "component": "relay", "instance": instance,
	}
	return &relayImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		send:      sendCB,
	}
}

func (r *relayImpl) Forward(collectorID string, payload []byte) RelayResult {
	subscribers := r.registry.SubscribersOf(collectorID)
	result := RelayResult{Subscribers: len(subscribers)}
	for _, readerID := range subscribers {
		if err := r.send(common.NewMessage(readerID, payload)); err != nil {
			result.Failed++
			log.WithError(err).WithFields(r.LogTags).Debugf(
				"Relay %s -> %s failed",
				common.PrintableID(collectorID),
				common.PrintableID(readerID),
			)
			continue
		}
		result.Sent++
	}
	return result
}
