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

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// WakeupHandler is called by the event loop after every iteration, including ones where
// no task arrived. It returns the time at which the loop should next wake up.
type WakeupHandler func(now time.Time) (time.Time, error)

// TaskProcessor processing module for implementing an event loop model
//
// All tasks and wake-ups are executed on one goroutine, so the state touched by the
// handlers needs no locking.
type TaskProcessor interface {
	Submit(ctxt context.Context, newTaskParam interface{}) error
	ProcessNewTaskParam(newTaskParam interface{}) error
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	SetWakeupHandler(maxWait time.Duration, handler WakeupHandler) error
	StartEventLoop(wg *sync.WaitGroup) error
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name          string
	clock         clockwork.Clock
	operationCtxt context.Context
	cancel        context.CancelFunc
	newTasks      chan interface{}
	executionMap  map[reflect.Type]TaskHandler
	maxWait       time.Duration
	wakeup        WakeupHandler
	started       bool
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	ctxt context.Context, name string, taskBuffer int, clock clockwork.Clock,
) (TaskProcessor, error) {
	if taskBuffer < 0 {
		return nil, fmt.Errorf("[TP %s] invalid task buffer length %d", name, taskBuffer)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:     Component{LogTags: logTags},
		name:          name,
		clock:         clock,
		operationCtxt: optCtxt,
		cancel:        cancel,
		newTasks:      make(chan interface{}, taskBuffer),
		executionMap:  make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	if p.operationCtxt.Err() != nil {
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationCtxt.Done():
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
}

// SetTaskExecutionMap update the task param to execution mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	if p.started {
		return fmt.Errorf("[TP %s] can't change execution mapping after start", p.name)
	}
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.executionMap = newMap
	return nil
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	if p.started {
		return fmt.Errorf("[TP %s] can't change execution mapping after start", p.name)
	}
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.executionMap[theType] = handler
	return nil
}

// SetWakeupHandler install the handler called after every loop iteration. The loop
// never blocks longer than maxWait.
func (p *taskProcessorImpl) SetWakeupHandler(maxWait time.Duration, handler WakeupHandler) error {
	if p.started {
		return fmt.Errorf("[TP %s] can't change wake-up handler after start", p.name)
	}
	if maxWait <= 0 {
		return fmt.Errorf("[TP %s] wake-up max wait must be positive", p.name)
	}
	p.maxWait = maxWait
	p.wakeup = handler
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.cancel()
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	if len(p.executionMap) > 0 {
		// Process task based on the parameter type
		if theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]; ok {
			return theHandler(newTaskParam)
		}
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
}

// waitDuration how long the loop may block before the next wake-up
func (p *taskProcessorImpl) waitDuration(nextWakeup time.Time) time.Duration {
	wait := p.maxWait
	if !nextWakeup.IsZero() {
		if untilNext := nextWakeup.Sub(p.clock.Now()); untilNext < wait {
			wait = untilNext
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	if p.started {
		return fmt.Errorf("[TP %s] event loop already started", p.name)
	}
	p.started = true
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		var nextWakeup time.Time
		for {
			var timer clockwork.Timer
			var timeout <-chan time.Time
			if p.wakeup != nil {
				timer = p.clock.NewTimer(p.waitDuration(nextWakeup))
				timeout = timer.Chan()
			}
			select {
			case <-p.operationCtxt.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case newTaskParam := <-p.newTasks:
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			case <-timeout:
			}
			if timer != nil {
				timer.Stop()
			}
			if p.wakeup != nil {
				next, err := p.wakeup(p.clock.Now())
				if err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Wake-up handler failed")
				}
				nextWakeup = next
			}
		}
	}()
	return nil
}
