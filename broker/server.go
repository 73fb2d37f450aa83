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
	"net"
	"sync"
	"sync/atomic"

	"github.com/alwitt/relaymq/common"
	"github.com/alwitt/relaymq/dataplane"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// Server a broker bound to its collector and reader endpoints
type Server interface {
	// Start the event loop and begin accepting connections
	Start(wg *sync.WaitGroup) error
	// Stop the endpoints and the event loop
	Stop() error
	// Broker the broker run by this server
	Broker() Broker
	// CollectorAddr the collector endpoint address
	CollectorAddr() net.Addr
	// ReaderAddr the reader endpoint address
	ReaderAddr() net.Addr
	// Ready whether the server is serving traffic
	Ready() bool
}

// serverImpl implements Server
type serverImpl struct {
	common.Component
	tp        common.TaskProcessor
	collector dataplane.RouterEndpoint
	reader    dataplane.RouterEndpoint
	broker    Broker
	running   atomic.Bool
}

// DefineServer bind both endpoints and build the broker around them. Bind failures are
// returned to the caller.
func DefineServer(
	ctxt context.Context,
	name string,
	config common.BrokerConfig,
	clock clockwork.Clock,
	metrics *Metrics,
	tap PayloadTap,
) (Server, error) {
	logTags := log.Fields{
		"module": "broker", "component": "server", "instance": name,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("%s-loop", name), config.InboundQueueLen, clock,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event loop")
		return nil, err
	}
	collector, err := dataplane.GetRouterEndpoint(
		ctxt,
		fmt.Sprintf("%s-collector", name),
		config.CollectorEndpoint,
		config.MaxFrameBytes,
		config.OutboundQueueLen,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define collector endpoint")
		return nil, err
	}
	reader, err := dataplane.GetRouterEndpoint(
		ctxt,
		fmt.Sprintf("%s-reader", name),
		config.ReaderEndpoint,
		config.MaxFrameBytes,
		config.OutboundQueueLen,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reader endpoint")
		_ = collector.Stop()
		return nil, err
	}
	broker, err := DefineBroker(
		name, config, clock, tp, collector.Send, reader.Send, metrics, tap,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		_ = collector.Stop()
		_ = reader.Stop()
		return nil, err
	}
	return &serverImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		collector: collector,
		reader:    reader,
		broker:    broker,
	}, nil
}

func (s *serverImpl) Start(wg *sync.WaitGroup) error {
	if err := s.tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start event loop")
		return err
	}
	if err := s.collector.Start(wg, s.broker.SubmitCollectorMessage); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start collector endpoint")
		return err
	}
	if err := s.reader.Start(wg, s.broker.SubmitReaderMessage); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start reader endpoint")
		return err
	}
	s.running.Store(true)
	log.WithFields(s.LogTags).Infof(
		"Serving collectors on %s, readers on %s", s.collector.Addr(), s.reader.Addr(),
	)
	return nil
}

func (s *serverImpl) Stop() error {
	s.running.Store(false)
	if err := s.collector.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Collector endpoint stop failed")
	}
	if err := s.reader.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Reader endpoint stop failed")
	}
	return s.tp.StopEventLoop()
}

func (s *serverImpl) Broker() Broker {
	return s.broker
}

func (s *serverImpl) CollectorAddr() net.Addr {
	return s.collector.Addr()
}

func (s *serverImpl) ReaderAddr() net.Addr {
	return s.reader.Addr()
}

func (s *serverImpl) Ready() bool {
	return s.running.Load()
}
