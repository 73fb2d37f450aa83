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

package tap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/relaymq/common"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Record one mirrored collector payload
type Record struct {
	Collector  string
	Payload    []byte
	ReceivedAt time.Time
}

// Sink an external system payloads are mirrored into
type Sink interface {
	// Name sink name used in logs and metrics
	Name() string
	// Publish write one record
	Publish(ctxt context.Context, record Record) error
	// Close release the sink's connection
	Close(ctxt context.Context) error
}

// Tap best-effort mirror of collector payloads into a set of sinks
type Tap interface {
	// Offer queue a payload for mirroring. Never blocks; returns false if the payload was dropped.
	Offer(collectorID string, payload []byte, receivedAt time.Time) bool
	// Start the publishing worker
	Start(wg *sync.WaitGroup) error
	// Stop the worker after publishing what is already queued, then close the sinks
	Stop() error
}

// tapMetrics tap instrumentation
type tapMetrics struct {
	published    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	dropped      prometheus.Counter
	breakerState *prometheus.GaugeVec
}

func newTapMetrics(reg prometheus.Registerer) *tapMetrics {
	factory := promauto.With(reg)
	return &tapMetrics{
		published: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaymq",
				Subsystem: "tap",
				Name:      "published_total",
				Help:      "Records published by sink",
			},
			[]string{"sink"},
		),
		failed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaymq",
				Subsystem: "tap",
				Name:      "failed_total",
				Help:      "Records a sink failed or refused to publish",
			},
			[]string{"sink"},
		),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymq",
			Subsystem: "tap",
			Name:      "dropped_total",
			Help:      "Records dropped because the tap queue was full",
		}),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relaymq",
				Subsystem: "tap",
				Name:      "breaker_state",
				Help:      "Sink circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"sink"},
		),
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// guardedSink a sink behind its circuit breaker
type guardedSink struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
}

// tapImpl implements Tap
type tapImpl struct {
	common.Component
	sinks          []guardedSink
	records        chan Record
	operationCtxt  context.Context
	cancel         context.CancelFunc
	publishTimeout time.Duration
	metrics        *tapMetrics
	started        bool
}

// DefineTap create a new tap over the given sinks
func DefineTap(
	ctxt context.Context,
	name string,
	config common.TapConfig,
	sinks []Sink,
	reg prometheus.Registerer,
) (Tap, error) {
	logTags := log.Fields{
		"module": "tap", "component": "payload-tap", "instance": name,
	}
	if config.QueueLen < 1 {
		err := fmt.Errorf("invalid tap queue length %d", config.QueueLen)
		log.WithError(err).WithFields(logTags).Error("Unable to define tap")
		return nil, err
	}
	metrics := newTapMetrics(reg)
	guarded := make([]guardedSink, 0, len(sinks))
	for _, sink := range sinks {
		sinkName := sink.Name()
		guarded = append(guarded, guardedSink{
			sink: sink,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        sinkName,
				MaxRequests: 1,
				Timeout:     time.Second * time.Duration(config.Breaker.OpenTimeout),
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= config.Breaker.MaxFailures
				},
				OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
					log.WithFields(logTags).Warnf("Sink %s breaker %s -> %s", name, from, to)
					metrics.breakerState.WithLabelValues(name).Set(breakerStateValue(to))
				},
			}),
		})
		metrics.breakerState.WithLabelValues(sinkName).Set(0)
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	return &tapImpl{
		Component:      common.Component{LogTags: logTags},
		sinks:          guarded,
		records:        make(chan Record, config.QueueLen),
		operationCtxt:  optCtxt,
		cancel:         cancel,
		publishTimeout: time.Second * 5,
		metrics:        metrics,
	}, nil
}

func (t *tapImpl) Offer(collectorID string, payload []byte, receivedAt time.Time) bool {
	if t.operationCtxt.Err() != nil {
		return false
	}
	select {
	case t.records <- Record{Collector: collectorID, Payload: payload, ReceivedAt: receivedAt}:
		return true
	default:
		t.metrics.dropped.Inc()
		return false
	}
}

// publish write one record to every sink
func (t *tapImpl) publish(record Record) {
	for _, guarded := range t.sinks {
		sinkName := guarded.sink.Name()
		_, err := guarded.breaker.Execute(func() (interface{}, error) {
			ctxt, cancel := context.WithTimeout(context.Background(), t.publishTimeout)
			defer cancel()
			return nil, guarded.sink.Publish(ctxt, record)
		})
		if err != nil {
			t.metrics.failed.WithLabelValues(sinkName).Inc()
			if err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
				log.WithError(err).WithFields(t.LogTags).Debugf(
					"Sink %s failed to publish for %s", sinkName, common.PrintableID(record.Collector),
				)
			}
			continue
		}
		t.metrics.published.WithLabelValues(sinkName).Inc()
	}
}

func (t *tapImpl) Start(wg *sync.WaitGroup) error {
	if t.started {
		return fmt.Errorf("tap already started")
	}
	t.started = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer t.closeSinks()
		log.WithFields(t.LogTags).Infof("Mirroring payloads into %d sinks", len(t.sinks))
		for {
			select {
			case <-t.operationCtxt.Done():
				t.drain()
				return
			case record := <-t.records:
				t.publish(record)
			}
		}
	}()
	return nil
}

// drain publish whatever is already queued
func (t *tapImpl) drain() {
	for {
		select {
		case record := <-t.records:
			t.publish(record)
		default:
			return
		}
	}
}

func (t *tapImpl) closeSinks() {
	ctxt, cancel := context.WithTimeout(context.Background(), t.publishTimeout)
	defer cancel()
	for _, guarded := range t.sinks {
		if err := guarded.sink.Close(ctxt); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf("Failed to close sink %s", guarded.sink.Name())
		}
	}
}

func (t *tapImpl) Stop() error {
	log.WithFields(t.LogTags).Info("Stopping tap")
	t.cancel()
	return nil
}
