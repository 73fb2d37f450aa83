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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/relaymq/common"
	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// recordingSender captures outbound messages
type recordingSender struct {
	lock        sync.Mutex
	sent        []common.Message
	unreachable map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{unreachable: map[string]bool{}}
}

func (s *recordingSender) send(msg common.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.unreachable[msg.Identity] {
		return fmt.Errorf("unreachable")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) take() []common.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := s.sent
	s.sent = nil
	return result
}

// recordingTap captures tap offers
type recordingTap struct {
	offered []string
}

func (t *recordingTap) Offer(collectorID string, payload []byte, receivedAt time.Time) bool {
	t.offered = append(t.offered, fmt.Sprintf("%s:%s", collectorID, payload))
	return true
}

type brokerFixture struct {
	uut       *brokerImpl
	tp        common.TaskProcessor
	clock     clockwork.FakeClock
	collector *recordingSender
	reader    *recordingSender
	metrics   *Metrics
}

func testBrokerConfig() common.BrokerConfig {
	return common.BrokerConfig{
		CollectorEndpoint:   common.EndpointConfig{ListenOn: "127.0.0.1"},
		ReaderEndpoint:      common.EndpointConfig{ListenOn: "127.0.0.1"},
		Heartbeat:           common.HeartbeatConfig{IntervalSec: 2},
		ReplyUnknownCommand: true,
		InboundQueueLen:     16,
		OutboundQueueLen:    16,
		MaxFrameBytes:       1024,
	}
}

func defineTestBroker(
	t *testing.T, ctxt context.Context, config common.BrokerConfig, tap PayloadTap,
) brokerFixture {
	clock := clockwork.NewFakeClock()
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "unit-test", 16, clock)
	assert.Nil(t, err)
	collector := newRecordingSender()
	reader := newRecordingSender()
	metrics := NewMetrics(prometheus.NewRegistry())
	uut, err := DefineBroker(
		"unit-test", config, clock, tp, collector.send, reader.send, metrics, tap,
	)
	assert.Nil(t, err)
	return brokerFixture{
		uut:       uut.(*brokerImpl),
		tp:        tp,
		clock:     clock,
		collector: collector,
		reader:    reader,
		metrics:   metrics,
	}
}

func (f brokerFixture) fromCollector(t *testing.T, id string, frames ...string) {
	msg := common.Message{Identity: id, ReceivedAt: f.clock.Now()}
	for _, frame := range frames {
		msg.Frames = append(msg.Frames, []byte(frame))
	}
	assert.Nil(t, f.tp.ProcessNewTaskParam(collectorMessage{msg: msg}))
}

func (f brokerFixture) fromReader(t *testing.T, id string, frames ...string) {
	msg := common.Message{Identity: id, ReceivedAt: f.clock.Now()}
	for _, frame := range frames {
		msg.Frames = append(msg.Frames, []byte(frame))
	}
	assert.Nil(t, f.tp.ProcessNewTaskParam(readerMessage{msg: msg}))
}

func assertReplies(t *testing.T, expected [][2]string, actual []common.Message) {
	if !assert.Len(t, actual, len(expected)) {
		return
	}
	for idx, msg := range actual {
		assert.Equal(t, expected[idx][0], msg.Identity)
		assert.Equal(t, [][]byte{[]byte(expected[idx][1])}, msg.Frames)
	}
}

func TestBrokerRegistrationGate(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	fixture := defineTestBroker(t, utCtxt, testBrokerConfig(), nil)

	// Case 0: register against a collector never seen
	fixture.fromReader(t, "r1", "REGISTER", "c1")
	assertReplies(t, [][2]string{{"r1", "BAD REQUEST"}}, fixture.reader.take())
	assert.Empty(fixture.uut.registry.AllCollectors())

	// Case 1: collector shows up, register succeeds
	fixture.fromCollector(t, "c1", "hello")
	assert.Empty(fixture.reader.take())
	fixture.fromReader(t, "r1", "REGISTER", "c1")
	assertReplies(t, [][2]string{{"r1", "OK"}}, fixture.reader.take())
	assert.Equal([]string{"r1"}, fixture.uut.registry.SubscribersOf("c1"))

	// Case 2: more messages from the same collector keep one entry and its subscribers
	fixture.fromCollector(t, "c1", "HEARTBEAT")
	fixture.fromCollector(t, "c1", "again")
	assert.Equal([]string{"c1"}, fixture.uut.registry.AllCollectors())
	assert.Equal([]string{"r1"}, fixture.uut.registry.SubscribersOf("c1"))
	assertReplies(t, [][2]string{{"r1", "again"}}, fixture.reader.take())

	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.KnownCollectors))
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.KnownReaders))
	assert.Equal(
		float64(1),
		testutil.ToFloat64(fixture.metrics.Registrations.WithLabelValues(RegistrationOK)),
	)
	assert.Equal(
		float64(1),
		testutil.ToFloat64(fixture.metrics.Registrations.WithLabelValues(RegistrationBadRequest)),
	)
}

func TestBrokerRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	tap := &recordingTap{}
	fixture := defineTestBroker(t, utCtxt, testBrokerConfig(), tap)

	// Case 0: payloads without subscribers are dropped
	fixture.fromCollector(t, "c1", "hello")
	assert.Empty(fixture.reader.take())
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.DroppedPayloads))

	// Case 1: duplicate subscriptions get duplicate deliveries, in order
	fixture.fromReader(t, "r1", "REGISTER", "c1")
	fixture.fromReader(t, "r2", "REGISTER", "c1")
	fixture.fromReader(t, "r1", "REGISTER", "c1")
	assertReplies(
		t, [][2]string{{"r1", "OK"}, {"r2", "OK"}, {"r1", "OK"}}, fixture.reader.take(),
	)
	fixture.fromCollector(t, "c1", "m0")
	fixture.fromCollector(t, "c1", "m1")
	assertReplies(
		t,
		[][2]string{
			{"r1", "m0"}, {"r2", "m0"}, {"r1", "m0"},
			{"r1", "m1"}, {"r2", "m1"}, {"r1", "m1"},
		},
		fixture.reader.take(),
	)
	assert.Equal(float64(6), testutil.ToFloat64(fixture.metrics.RelayedMessages))

	// Case 2: heartbeat replies are never relayed
	fixture.fromCollector(t, "c1", "HEARTBEAT")
	fixture.fromCollector(t, "c1", "HEARTBEAT", "extra")
	assert.Empty(fixture.reader.take())
	assert.Equal(float64(2), testutil.ToFloat64(fixture.metrics.HeartbeatReplies))

	// Case 3: only the first payload frame is relayed
	fixture.fromCollector(t, "c1", "first", "second")
	assertReplies(
		t, [][2]string{{"r1", "first"}, {"r2", "first"}, {"r1", "first"}}, fixture.reader.take(),
	)

	// Case 4: an empty message is ignored and does not register the collector
	fixture.fromCollector(t, "c2")
	assert.Equal([]string{"c1"}, fixture.uut.registry.AllCollectors())
	assert.Empty(fixture.reader.take())

	// Case 5: a vanished reader does not stop delivery to the others
	fixture.reader.unreachable["r2"] = true
	fixture.fromCollector(t, "c1", "m2")
	assertReplies(t, [][2]string{{"r1", "m2"}, {"r1", "m2"}}, fixture.reader.take())
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.RelayFailures))

	// Every non heartbeat payload reached the tap
	assert.Equal([]string{"c1:hello", "c1:m0", "c1:m1", "c1:first", "c1:m2"}, tap.offered)
}

func TestBrokerReceiptLogging(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	recorder := memory.New()
	previous := log.Log.(*log.Logger).Handler
	log.SetHandler(recorder)
	defer log.SetHandler(previous)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	fixture := defineTestBroker(t, utCtxt, testBrokerConfig(), nil)

	infoMessages := func() []string {
		result := []string{}
		for _, entry := range recorder.Entries {
			if entry.Level == log.InfoLevel {
				result = append(result, entry.Message)
			}
		}
		return result
	}

	// Case 0: a payload receipt is logged at info
	fixture.fromCollector(t, "c1", "hello")
	assert.Contains(infoMessages(), "Received 5 bytes from c1")

	// Case 1: a heartbeat reply is not
	recorder.Entries = nil
	fixture.fromCollector(t, "c1", "HEARTBEAT")
	for _, msg := range infoMessages() {
		assert.NotContains(msg, "Received")
	}
}

func TestBrokerReaderCommands(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	// Case 0: default replies
	{
		fixture := defineTestBroker(t, utCtxt, testBrokerConfig(), nil)
		fixture.fromCollector(t, "c1", "hello")
		fixture.fromReader(t, "r1")
		fixture.fromReader(t, "r1", "REGISTER")
		fixture.fromReader(t, "r1", "SUBSCRIBE", "c1")
		fixture.fromReader(t, "r1", "register", "c1")
		assertReplies(
			t,
			[][2]string{
				{"r1", "BAD REQUEST"},
				{"r1", "BAD REQUEST"},
				{"r1", "UNKNOWN COMMAND"},
				{"r1", "UNKNOWN COMMAND"},
			},
			fixture.reader.take(),
		)
		assert.Empty(fixture.uut.registry.SubscribersOf("c1"))
		assert.Equal([]string{"r1"}, fixture.uut.registry.KnownReaders())
	}

	// Case 1: unknown commands are silently dropped when replies are disabled
	{
		config := testBrokerConfig()
		config.ReplyUnknownCommand = false
		fixture := defineTestBroker(t, utCtxt, config, nil)
		fixture.fromReader(t, "r1", "SUBSCRIBE", "c1")
		assert.Empty(fixture.reader.take())
		assert.Equal(
			float64(1),
			testutil.ToFloat64(fixture.metrics.Registrations.WithLabelValues(RegistrationUnknownCmd)),
		)
	}
}

func TestBrokerHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	fixture := defineTestBroker(t, utCtxt, testBrokerConfig(), nil)
	start := fixture.clock.Now()
	interval := time.Second * 2

	// Case 0: not yet due
	fixture.fromCollector(t, "c1", "hello")
	fixture.fromCollector(t, "c2", "hello")
	next, err := fixture.uut.processWakeup(start.Add(time.Second))
	assert.Nil(err)
	assert.Equal(start.Add(interval), next)
	assert.Empty(fixture.collector.take())

	// Case 1: due, one probe per collector in first-seen order
	next, err = fixture.uut.processWakeup(start.Add(interval))
	assert.Nil(err)
	assert.Equal(start.Add(interval*2), next)
	assertReplies(
		t, [][2]string{{"c1", "HEARTBEAT"}, {"c2", "HEARTBEAT"}}, fixture.collector.take(),
	)

	// Case 2: deadline advances by exactly one interval even when the round runs late
	next, err = fixture.uut.processWakeup(start.Add(interval*2 + time.Millisecond*500))
	assert.Nil(err)
	assert.Equal(start.Add(interval*3), next)
	assert.Len(fixture.collector.take(), 2)

	// Case 3: only one round when the loop falls far behind
	now := start.Add(interval * 10)
	next, err = fixture.uut.processWakeup(now)
	assert.Nil(err)
	assert.Equal(now.Add(interval), next)
	assert.Len(fixture.collector.take(), 2)

	assert.Equal(float64(6), testutil.ToFloat64(fixture.metrics.HeartbeatProbes))
	assert.Equal(float64(0), testutil.ToFloat64(fixture.metrics.Evictions))
	assert.Equal([]string{"c1", "c2"}, fixture.uut.registry.AllCollectors())
}

func TestBrokerEviction(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	config := testBrokerConfig()
	config.Heartbeat.MaxMissedBeats = 2
	fixture := defineTestBroker(t, utCtxt, config, nil)
	start := fixture.clock.Now()
	interval := time.Second * 2

	fixture.fromCollector(t, "c1", "hello")
	fixture.fromCollector(t, "c2", "hello")
	fixture.fromReader(t, "r1", "REGISTER", "c1")
	fixture.reader.take()

	round := func(idx int) []common.Message {
		_, err := fixture.uut.processWakeup(start.Add(interval * time.Duration(idx)))
		assert.Nil(err)
		return fixture.collector.take()
	}

	// Case 0: both collectors were active before the first round
	assert.Len(round(1), 2)

	// Case 1: c2 keeps answering, c1 goes silent
	fixture.fromCollector(t, "c2", "HEARTBEAT")
	assert.Len(round(2), 2)
	fixture.fromCollector(t, "c2", "HEARTBEAT")
	probes := round(3)
	assertReplies(t, [][2]string{{"c2", "HEARTBEAT"}}, probes)
	assert.Equal([]string{"c2"}, fixture.uut.registry.AllCollectors())
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.Evictions))
	assert.Equal(float64(1), testutil.ToFloat64(fixture.metrics.KnownCollectors))

	// Case 2: the evicted collector lost its subscribers
	fixture.fromCollector(t, "c1", "back")
	assert.Empty(fixture.reader.take())
	fixture.fromReader(t, "r1", "REGISTER", "c1")
	assertReplies(t, [][2]string{{"r1", "OK"}}, fixture.reader.take())
}

func TestBrokerEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()
	fixture := defineTestBroker(t, utCtxt, testBrokerConfig(), nil)
	assert.Nil(fixture.tp.StartEventLoop(&wg))
	defer func() {
		assert.Nil(fixture.tp.StopEventLoop())
	}()

	// Case 0: submitted messages are processed in order
	assert.Nil(fixture.uut.SubmitCollectorMessage(utCtxt, common.NewMessage("c1", []byte("hi"))))
	assert.Nil(fixture.uut.SubmitReaderMessage(
		utCtxt, common.NewMessage("r1", common.FrameRegister, []byte("c1")),
	))
	lclCtxt, lclCancel := context.WithTimeout(utCtxt, time.Second)
	defer lclCancel()
	snap, err := fixture.uut.Snapshot(lclCtxt)
	assert.Nil(err)
	assert.Len(snap.Collectors, 1)
	assert.Equal("c1", snap.Collectors[0].ID)
	assert.Equal([]string{"r1"}, snap.Collectors[0].Subscribers)
	assert.Len(snap.Readers, 1)
	assertReplies(t, [][2]string{{"r1", "OK"}}, fixture.reader.take())

	// Case 1: the loop wakes up for the heartbeat
	fixture.clock.BlockUntil(1)
	fixture.clock.Advance(time.Second * 2)
	assert.Eventually(func() bool {
		fixture.collector.lock.Lock()
		defer fixture.collector.lock.Unlock()
		return len(fixture.collector.sent) == 1
	}, time.Second, time.Millisecond*10)
	assertReplies(t, [][2]string{{"c1", "HEARTBEAT"}}, fixture.collector.take())

	// Case 2: snapshot on a stopped loop fails
	assert.Nil(fixture.tp.StopEventLoop())
	_, err = fixture.uut.Snapshot(lclCtxt)
	assert.NotNil(err)
}
