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

package management

import (
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/relaymq/common"
	"github.com/alwitt/relaymq/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// StreamLimits retention settings of a stream. Zero values leave the server default.
type StreamLimits struct {
	MaxMsgs           int64
	MaxBytes          int64
	MaxAge            time.Duration
	MaxMsgsPerSubject int64
}

// StreamParam parameters for a stream retaining mirrored payloads
type StreamParam struct {
	// Name is the stream name
	Name     string   `validate:"required"`
	Subjects []string `validate:"required,min=1"`
	StreamLimits
}

// StreamParamFromConfig build stream parameters covering every subject under the prefix
func StreamParamFromConfig(subjectPrefix string, config common.NATSStreamConfig) StreamParam {
	return StreamParam{
		Name:     config.Name,
		Subjects: []string{fmt.Sprintf("%s.>", subjectPrefix)},
		StreamLimits: StreamLimits{
			MaxMsgs:           config.MaxMsgs,
			MaxBytes:          config.MaxBytes,
			MaxAge:            time.Second * time.Duration(config.MaxAgeSec),
			MaxMsgsPerSubject: config.MaxMsgsPerSubject,
		},
	}
}

// StreamController manage the JetStream streams retaining mirrored payloads
type StreamController interface {
	// EnsureStream create the stream, or bring an existing one in line with the parameters
	EnsureStream(param StreamParam) (*nats.StreamInfo, error)
	// GetStream query for info on one stream by name
	GetStream(name string) (*nats.StreamInfo, error)
	// DeleteStream delete a stream
	DeleteStream(name string) error
}

// streamControllerImpl implements StreamController
type streamControllerImpl struct {
	common.Component
	js       nats.JetStreamContext
	validate *validator.Validate
}

// GetStreamController define StreamController
func GetStreamController(client core.NatsClient, instance string) (StreamController, error) {
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream",
		"instance":  instance,
	}
	js, err := client.Conn().JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to get JetStream context")
		return nil, err
	}
	return streamControllerImpl{
		Component: common.Component{LogTags: logTags},
		js:        js,
		validate:  validator.New(),
	}, nil
}

func applyStreamLimits(limits *StreamLimits, param *nats.StreamConfig) {
	if limits.MaxMsgs > 0 {
		param.MaxMsgs = limits.MaxMsgs
	}
	if limits.MaxBytes > 0 {
		param.MaxBytes = limits.MaxBytes
	}
	if limits.MaxAge > 0 {
		param.MaxAge = limits.MaxAge
	}
	if limits.MaxMsgsPerSubject > 0 {
		param.MaxMsgsPerSubject = limits.MaxMsgsPerSubject
	}
}

func (c streamControllerImpl) EnsureStream(param StreamParam) (*nats.StreamInfo, error) {
	if err := c.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Invalid stream parameters")
		return nil, err
	}
	info, err := c.js.StreamInfo(param.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		jsParams := nats.StreamConfig{
			Name:     param.Name,
			Subjects: param.Subjects,
		}
		applyStreamLimits(&param.StreamLimits, &jsParams)
		info, err = c.js.AddStream(&jsParams)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Unable to define new stream %s", param.Name,
			)
			return nil, err
		}
		log.WithFields(c.LogTags).Infof("Defined new stream %s on %v", param.Name, param.Subjects)
		return info, nil
	} else if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to get stream %s info", param.Name)
		return nil, err
	}

	currentConfig := info.Config
	currentConfig.Subjects = param.Subjects
	applyStreamLimits(&param.StreamLimits, &currentConfig)
	info, err = c.js.UpdateStream(&currentConfig)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to update stream %s", param.Name,
		)
		return nil, err
	}
	log.WithFields(c.LogTags).Infof("Updated stream %s on %v", param.Name, param.Subjects)
	return info, nil
}

func (c streamControllerImpl) GetStream(name string) (*nats.StreamInfo, error) {
	info, err := c.js.StreamInfo(name)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to get stream %s info", name)
	}
	return info, err
}

func (c streamControllerImpl) DeleteStream(name string) error {
	if err := c.js.DeleteStream(name); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(c.LogTags).Infof("Deleted stream %s", name)
	return nil
}
