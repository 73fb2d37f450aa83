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
	"encoding/hex"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/alwitt/relaymq/common"
	"github.com/alwitt/relaymq/core"
	"github.com/alwitt/relaymq/management"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// SubjectToken render a collector identity as a single NATS subject token.
// Identities made only of letters, digits, '-' and '_' are used as is; anything
// else is hex encoded.
func SubjectToken(identity string) string {
	if identity == "" {
		return "_"
	}
	for _, c := range []byte(identity) {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum && c != '-' && c != '_' {
			return "x" + hex.EncodeToString([]byte(identity))
		}
	}
	return identity
}

// =========================================================================

// natsSink publishes each record to <prefix>.<collector>
type natsSink struct {
	client core.NatsClient
	prefix string
}

// NewNATSSink define a sink publishing over an existing NATS client
func NewNATSSink(client core.NatsClient, subjectPrefix string) Sink {
	return &natsSink{
		client: client,
		prefix: subjectPrefix,
	}
}

func (s *natsSink) Name() string {
	return "nats"
}

func (s *natsSink) Publish(_ context.Context, record Record) error {
	subject := fmt.Sprintf("%s.%s", s.prefix, SubjectToken(record.Collector))
	return s.client.Conn().Publish(subject, record.Payload)
}

func (s *natsSink) Close(ctxt context.Context) error {
	s.client.Close(ctxt)
	return nil
}

// =========================================================================

// kafkaSink writes each record to one topic, keyed by collector
type kafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink define a sink over an existing producer
func NewKafkaSink(producer sarama.SyncProducer, topic string) Sink {
	return &kafkaSink{
		producer: producer,
		topic:    topic,
	}
}

// DialKafkaSink connect a Kafka producer and wrap it as a sink
func DialKafkaSink(config common.KafkaTapConfig) (Sink, error) {
	logTags := log.Fields{
		"module": "tap", "component": "kafka-sink", "instance": config.Topic,
	}
	version, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid Kafka version %s", config.Version)
		return nil, err
	}
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.ClientID = config.ClientID
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	kafkaConfig.Producer.Retry.Max = 1
	producer, err := sarama.NewSyncProducer(config.Brokers, kafkaConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to create Kafka producer")
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected to Kafka %v", config.Brokers)
	return NewKafkaSink(producer, config.Topic), nil
}

func (s *kafkaSink) Name() string {
	return "kafka"
}

func (s *kafkaSink) Publish(_ context.Context, record Record) error {
	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(record.Collector),
		Value:     sarama.ByteEncoder(record.Payload),
		Timestamp: record.ReceivedAt,
	}
	_, _, err := s.producer.SendMessage(msg)
	return err
}

func (s *kafkaSink) Close(_ context.Context) error {
	return s.producer.Close()
}

// =========================================================================

// redisSink publishes each record on channel <prefix>:<collector>
type redisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink define a sink over an existing Redis client
func NewRedisSink(client *redis.Client, channelPrefix string) Sink {
	return &redisSink{
		client: client,
		prefix: channelPrefix,
	}
}

// DialRedisSink connect to Redis and wrap the client as a sink
func DialRedisSink(ctxt context.Context, config common.RedisTapConfig) (Sink, error) {
	logTags := log.Fields{
		"module": "tap", "component": "redis-sink", "instance": config.ChannelPrefix,
	}
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to parse Redis URL")
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtxt, cancel := context.WithTimeout(ctxt, time.Second*5)
	defer cancel()
	if err := client.Ping(pingCtxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis ping failed")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected to Redis %s", opts.Addr)
	return NewRedisSink(client, config.ChannelPrefix), nil
}

// RedisChannel the channel a collector's payloads are published on
func RedisChannel(prefix, collector string) string {
	return fmt.Sprintf("%s:%s", prefix, collector)
}

func (s *redisSink) Name() string {
	return "redis"
}

func (s *redisSink) Publish(ctxt context.Context, record Record) error {
	return s.client.Publish(ctxt, RedisChannel(s.prefix, record.Collector), record.Payload).Err()
}

func (s *redisSink) Close(_ context.Context) error {
	return s.client.Close()
}

// =========================================================================

// DefineSinks connect every sink enabled in the config
func DefineSinks(ctxt context.Context, config common.TapConfig) ([]Sink, error) {
	sinks := []Sink{}
	closeAll := func() {
		for _, sink := range sinks {
			_ = sink.Close(ctxt)
		}
	}
	if config.NATS != nil {
		client, err := core.GetNATSClient(core.NATSParamsFromConfig(*config.NATS))
		if err != nil {
			return nil, err
		}
		if config.NATS.Stream != nil {
			controller, err := management.GetStreamController(client, config.NATS.Stream.Name)
			if err == nil {
				_, err = controller.EnsureStream(
					management.StreamParamFromConfig(config.NATS.SubjectPrefix, *config.NATS.Stream),
				)
			}
			if err != nil {
				client.Close(ctxt)
				return nil, err
			}
		}
		sinks = append(sinks, NewNATSSink(client, config.NATS.SubjectPrefix))
	}
	if config.Kafka != nil {
		sink, err := DialKafkaSink(*config.Kafka)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if config.Redis != nil {
		sink, err := DialRedisSink(ctxt, *config.Redis)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
