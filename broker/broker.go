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
	"bytes"
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/relaymq/common"
	"github.com/alwitt/relaymq/dispatch"
	"github.com/alwitt/relaymq/subscription"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// PayloadTap receives a copy of every non-heartbeat collector payload.
//
// Offer must never block the caller.
type PayloadTap interface {
	Offer(collectorID string, payload []byte, receivedAt time.Time) bool
}

// Broker the relay state machine. All state is owned by the event loop it runs on.
type Broker interface {
	// SubmitCollectorMessage hand a collector endpoint message to the event loop
	SubmitCollectorMessage(ctxt context.Context, msg common.Message) error
	// SubmitReaderMessage hand a reader endpoint message to the event loop
	SubmitReaderMessage(ctxt context.Context, msg common.Message) error
	// Snapshot fetch a copy of the registry from the event loop
	Snapshot(ctxt context.Context) (subscription.RegistrySnapshot, error)
}

// collectorMessage event loop request for a collector endpoint message
type collectorMessage struct {
	msg common.Message
}

// readerMessage event loop request for a reader endpoint message
type readerMessage struct {
	msg common.Message
}

// snapshotRequest event loop request for a registry copy
type snapshotRequest struct {
	resultCB func(subscription.RegistrySnapshot)
}

// brokerImpl implements Broker
type brokerImpl struct {
	common.Component
	config        common.BrokerConfig
	clock         clockwork.Clock
	tp            common.TaskProcessor
	registry      subscription.Registry
	relay         dispatch.Relay
	heartbeat     *HeartbeatScheduler
	sendCollector dispatch.SubmitMessage
	sendReader    dispatch.SubmitMessage
	metrics       *Metrics
	tap           PayloadTap
}

// DefineBroker create a new broker and install its handlers on the task processor.
//
// sendCollector and sendReader deliver outbound messages on the collector and reader
// endpoints. tap may be nil.
func DefineBroker(
	name string,
	config common.BrokerConfig,
	clock clockwork.Clock,
	tp common.TaskProcessor,
	sendCollector dispatch.SubmitMessage,
	sendReader dispatch.SubmitMessage,
	metrics *Metrics,
	tap PayloadTap,
) (Broker, error) {
	logTags := log.Fields{
		"module": "broker", "component": "relay-broker", "instance": name,
	}
	if metrics == nil {
		err := fmt.Errorf("no metrics provided")
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return nil, err
	}
	heartbeat, err := NewHeartbeatScheduler(config.Heartbeat.Interval(), clock.Now())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat scheduler")
		return nil, err
	}
	registry := subscription.NewRegistry(name)
	instance := &brokerImpl{
		Component:     common.Component{LogTags: logTags},
		config:        config,
		clock:         clock,
		tp:            tp,
		registry:      registry,
		relay:         dispatch.DefineRelay(name, registry, sendReader),
		heartbeat:     heartbeat,
		sendCollector: sendCollector,
		sendReader:    sendReader,
		metrics:       metrics,
		tap:           tap,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(collectorMessage{}), instance.processCollectorMessage,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(readerMessage{}), instance.processReaderMessage,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(snapshotRequest{}), instance.processSnapshotRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.SetWakeupHandler(heartbeat.Interval(), instance.processWakeup); err != nil {
		return nil, err
	}
	return instance, nil
}

// =========================================================================

// SubmitCollectorMessage hand a collector endpoint message to the event loop
func (b *brokerImpl) SubmitCollectorMessage(ctxt context.Context, msg common.Message) error {
	return b.tp.Submit(ctxt, collectorMessage{msg: msg})
}

// processCollectorMessage handle one collector endpoint message
func (b *brokerImpl) processCollectorMessage(param interface{}) error {
	request, ok := param.(collectorMessage)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for collector message", reflect.TypeOf(param))
	}
	msg := request.msg
	if msg.IsEmpty() {
		log.WithFields(b.LogTags).Infof("Received an empty message from %s", common.PrintableID(msg.Identity))
		b.metrics.CollectorMessages.WithLabelValues("empty").Inc()
		return nil
	}
	now := b.clock.Now()
	if b.registry.EnsureCollector(msg.Identity, now) {
		b.metrics.KnownCollectors.Set(float64(b.registry.CollectorCount()))
	}
	if msg.IsHeartbeat() {
		b.metrics.CollectorMessages.WithLabelValues("heartbeat").Inc()
		b.metrics.HeartbeatReplies.Inc()
		return nil
	}
	b.metrics.CollectorMessages.WithLabelValues("payload").Inc()
	payload := msg.Frames[0]
	log.WithFields(b.LogTags).Infof(
		"Received %d bytes from %s", len(payload), common.PrintableID(msg.Identity),
	)

	result := b.relay.Forward(msg.Identity, payload)
	if result.Subscribers == 0 {
		b.metrics.DroppedPayloads.Inc()
	} else {
		log.WithFields(b.LogTags).Debugf(
			"Relayed payload from %s: %s", common.PrintableID(msg.Identity), result.String(),
		)
	}
	b.metrics.RelayedMessages.Add(float64(result.Sent))
	b.metrics.RelayFailures.Add(float64(result.Failed))

	if b.tap != nil {
		if !b.tap.Offer(msg.Identity, payload, msg.ReceivedAt) {
			log.WithFields(b.LogTags).Debug("Tap rejected payload")
		}
	}
	return nil
}

// =========================================================================

// SubmitReaderMessage hand a reader endpoint message to the event loop
func (b *brokerImpl) SubmitReaderMessage(ctxt context.Context, msg common.Message) error {
	return b.tp.Submit(ctxt, readerMessage{msg: msg})
}

// replyReader send a single frame reply to a reader
func (b *brokerImpl) replyReader(readerID string, reply []byte) {
	if err := b.sendReader(common.NewMessage(readerID, reply)); err != nil {
		log.WithError(err).WithFields(b.LogTags).Debugf(
			"Unable to reply to %s", common.PrintableID(readerID),
		)
	}
}

// processReaderMessage handle one reader endpoint message
func (b *brokerImpl) processReaderMessage(param interface{}) error {
	request, ok := param.(readerMessage)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for reader message", reflect.TypeOf(param))
	}
	msg := request.msg
	readerID := msg.Identity
	if b.registry.RecordReader(readerID, b.clock.Now()) {
		b.metrics.KnownReaders.Set(float64(b.registry.ReaderCount()))
	}
	log.WithFields(b.LogTags).Debugf("New request from %s", msg.String())

	command, ok := msg.Frame(0)
	if !ok {
		log.WithFields(b.LogTags).Warnf("Request from %s has no command", common.PrintableID(readerID))
		b.metrics.Registrations.WithLabelValues(RegistrationBadRequest).Inc()
		b.replyReader(readerID, common.FrameBadRequest)
		return nil
	}

	if !bytes.Equal(command, common.FrameRegister) {
		log.WithFields(b.LogTags).Warnf(
			"Unknown command %q from %s", command, common.PrintableID(readerID),
		)
		b.metrics.Registrations.WithLabelValues(RegistrationUnknownCmd).Inc()
		if b.config.ReplyUnknownCommand {
			b.replyReader(readerID, common.FrameUnknownCommand)
		}
		return nil
	}

	collectorID, ok := msg.Frame(1)
	if !ok {
		log.WithFields(b.LogTags).Warnf("REGISTER from %s has no collector", common.PrintableID(readerID))
		b.metrics.Registrations.WithLabelValues(RegistrationBadRequest).Inc()
		b.replyReader(readerID, common.FrameBadRequest)
		return nil
	}
	if err := b.registry.Subscribe(string(collectorID), readerID); err != nil {
		log.WithError(err).WithFields(b.LogTags).Infof(
			"Rejected %s subscribing to %s",
			common.PrintableID(readerID),
			common.PrintableID(string(collectorID)),
		)
		b.metrics.Registrations.WithLabelValues(RegistrationBadRequest).Inc()
		b.replyReader(readerID, common.FrameBadRequest)
		return nil
	}
	log.WithFields(b.LogTags).Infof(
		"%s subscribed to %s",
		common.PrintableID(readerID),
		common.PrintableID(string(collectorID)),
	)
	b.metrics.Registrations.WithLabelValues(RegistrationOK).Inc()
	b.replyReader(readerID, common.FrameOK)
	return nil
}

// =========================================================================

// processWakeup run a heartbeat round when one is due
func (b *brokerImpl) processWakeup(now time.Time) (time.Time, error) {
	if !b.heartbeat.Due(now) {
		return b.heartbeat.NextDeadline(), nil
	}
	b.heartbeatRound()
	return b.heartbeat.Advance(now), nil
}

// heartbeatRound close out the previous round, then probe every known collector
func (b *brokerImpl) heartbeatRound() {
	evicted := b.registry.CloseRound(b.config.Heartbeat.MaxMissedBeats)
	if len(evicted) > 0 {
		b.metrics.Evictions.Add(float64(len(evicted)))
		b.metrics.KnownCollectors.Set(float64(b.registry.CollectorCount()))
	}
	for _, collectorID := range b.registry.AllCollectors() {
		if err := b.sendCollector(common.NewMessage(collectorID, common.FrameHeartbeat)); err != nil {
			log.WithError(err).WithFields(b.LogTags).Debugf(
				"Heartbeat to %s failed", common.PrintableID(collectorID),
			)
			continue
		}
		b.metrics.HeartbeatProbes.Inc()
	}
}

// =========================================================================

// Snapshot fetch a copy of the registry from the event loop
func (b *brokerImpl) Snapshot(ctxt context.Context) (subscription.RegistrySnapshot, error) {
	result := make(chan subscription.RegistrySnapshot, 1)
	request := snapshotRequest{resultCB: func(snap subscription.RegistrySnapshot) {
		result <- snap
	}}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to submit snapshot request")
		return subscription.RegistrySnapshot{}, err
	}
	select {
	case snap := <-result:
		return snap, nil
	case <-ctxt.Done():
		return subscription.RegistrySnapshot{}, ctxt.Err()
	}
}

// processSnapshotRequest copy the registry on the event loop
func (b *brokerImpl) processSnapshotRequest(param interface{}) error {
	request, ok := param.(snapshotRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for snapshot request", reflect.TypeOf(param))
	}
	request.resultCB(b.registry.Snapshot())
	return nil
}
