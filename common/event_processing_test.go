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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4, clockwork.NewRealClock())
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 5: invalid wake-up setting
	{
		assert.NotNil(uut.SetWakeupHandler(0, nil))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4, clockwork.NewRealClock())
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	type testStruct1 struct{ value int }

	lock := sync.Mutex{}
	received := []int{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct1{}), func(p interface{}) error {
			lock.Lock()
			defer lock.Unlock()
			received = append(received, p.(testStruct1).value)
			return nil
		},
	))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 0: can't start twice, or change mapping after start
	{
		assert.NotNil(uut.StartEventLoop(&wg))
		assert.NotNil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct1{}), func(p interface{}) error { return nil },
		))
	}

	// Case 1: tasks are processed in submission order
	{
		for itr := 0; itr < 10; itr++ {
			useContext, cancel := context.WithTimeout(ctxt, time.Second)
			assert.Nil(uut.Submit(useContext, testStruct1{value: itr}))
			cancel()
		}
		assert.Eventually(func() bool {
			lock.Lock()
			defer lock.Unlock()
			return len(received) == 10
		}, time.Second, time.Millisecond*10)
		lock.Lock()
		for itr, value := range received {
			assert.Equal(itr, value)
		}
		lock.Unlock()
	}

	// Case 2: submit after stop
	{
		assert.Nil(uut.StopEventLoop())
		useContext, cancel := context.WithTimeout(ctxt, time.Millisecond*100)
		defer cancel()
		assert.NotNil(uut.Submit(useContext, testStruct1{value: 100}))
	}
}

func TestTaskProcessorWakeup(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4, clock)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	type testStruct1 struct{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct1{}), func(p interface{}) error { return nil },
	))

	lock := sync.Mutex{}
	wakeups := []time.Time{}
	interval := time.Second * 2
	assert.Nil(uut.SetWakeupHandler(interval, func(now time.Time) (time.Time, error) {
		lock.Lock()
		defer lock.Unlock()
		wakeups = append(wakeups, now)
		return now.Add(interval), nil
	}))
	wakeupCount := func() int {
		lock.Lock()
		defer lock.Unlock()
		return len(wakeups)
	}

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: loop wakes up with no traffic
	{
		clock.BlockUntil(1)
		clock.Advance(interval)
		assert.Eventually(func() bool { return wakeupCount() == 1 }, time.Second, time.Millisecond*5)
	}

	// Case 2: loop does not wake before the interval expires
	{
		clock.BlockUntil(1)
		clock.Advance(interval / 2)
		time.Sleep(time.Millisecond * 50)
		assert.Equal(1, wakeupCount())
		clock.Advance(interval / 2)
		assert.Eventually(func() bool { return wakeupCount() == 2 }, time.Second, time.Millisecond*5)
	}

	// Case 3: a task also triggers the wake-up handler
	{
		clock.BlockUntil(1)
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		defer cancel()
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		assert.Eventually(func() bool { return wakeupCount() == 3 }, time.Second, time.Millisecond*5)
	}
}
