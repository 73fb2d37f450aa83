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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relaymq"

// Registration outcome label values
const (
	RegistrationOK         = "ok"
	RegistrationBadRequest = "bad_request"
	RegistrationUnknownCmd = "unknown_command"
)

// Metrics broker instrumentation
type Metrics struct {
	CollectorMessages *prometheus.CounterVec
	HeartbeatReplies  prometheus.Counter
	RelayedMessages   prometheus.Counter
	RelayFailures     prometheus.Counter
	DroppedPayloads   prometheus.Counter
	Registrations     *prometheus.CounterVec
	HeartbeatProbes   prometheus.Counter
	Evictions         prometheus.Counter
	KnownCollectors   prometheus.Gauge
	KnownReaders      prometheus.Gauge
}

// NewMetrics define the broker metrics and register them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CollectorMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "collector_messages_total",
				Help:      "Messages received on the collector endpoint by kind",
			},
			[]string{"kind"},
		),
		HeartbeatReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_replies_total",
			Help:      "HEARTBEAT replies received from collectors",
		}),
		RelayedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relayed_messages_total",
			Help:      "Payload copies handed to the reader endpoint",
		}),
		RelayFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_failures_total",
			Help:      "Payload copies the reader endpoint could not route",
		}),
		DroppedPayloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_payloads_total",
			Help:      "Collector payloads dropped for lack of subscribers",
		}),
		Registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reader_requests_total",
				Help:      "Reader requests by outcome",
			},
			[]string{"outcome"},
		),
		HeartbeatProbes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_probes_total",
			Help:      "HEARTBEAT probes sent to collectors",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "collector_evictions_total",
			Help:      "Collectors evicted after missing heartbeats",
		}),
		KnownCollectors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "known_collectors",
			Help:      "Collectors currently in the registry",
		}),
		KnownReaders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "known_readers",
			Help:      "Readers observed since startup",
		}),
	}
}
