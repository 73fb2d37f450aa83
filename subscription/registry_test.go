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

package subscription

import (
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestRegistrySubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry("unit-test")
	now := time.Now()

	// Case 0: subscribing to a never seen collector fails
	assert.Equal(ErrUnknownCollector, uut.Subscribe("c1", "r1"))
	assert.Empty(uut.AllCollectors())
	assert.Nil(uut.SubscribersOf("c1"))

	// Case 1: registration is idempotent
	assert.True(uut.EnsureCollector("c1", now))
	assert.False(uut.EnsureCollector("c1", now.Add(time.Second)))
	assert.Equal([]string{"c1"}, uut.AllCollectors())
	assert.Empty(uut.SubscribersOf("c1"))

	// Case 2: subscribe after the collector is known
	assert.Nil(uut.Subscribe("c1", "r1"))
	assert.Equal([]string{"r1"}, uut.SubscribersOf("c1"))

	// Case 3: re-registering the collector keeps its subscribers
	assert.False(uut.EnsureCollector("c1", now.Add(time.Second*2)))
	assert.Equal([]string{"r1"}, uut.SubscribersOf("c1"))

	// Case 4: duplicates are kept in order
	assert.Nil(uut.Subscribe("c1", "r2"))
	assert.Nil(uut.Subscribe("c1", "r1"))
	assert.Equal([]string{"r1", "r2", "r1"}, uut.SubscribersOf("c1"))

	// Case 5: returned lists are copies
	subs := uut.SubscribersOf("c1")
	subs[0] = "changed"
	assert.Equal([]string{"r1", "r2", "r1"}, uut.SubscribersOf("c1"))

	// Case 6: first-seen order of collectors
	assert.True(uut.EnsureCollector("c0", now))
	assert.True(uut.EnsureCollector("c2", now))
	assert.False(uut.EnsureCollector("c1", now))
	assert.Equal([]string{"c1", "c0", "c2"}, uut.AllCollectors())
	assert.Equal(3, uut.CollectorCount())
}

func TestRegistryReaders(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry("unit-test")
	start := time.Now()

	assert.True(uut.RecordReader("r2", start))
	assert.True(uut.RecordReader("r1", start))
	assert.False(uut.RecordReader("r2", start.Add(time.Second)))
	assert.Equal([]string{"r2", "r1"}, uut.KnownReaders())
	assert.Equal(2, uut.ReaderCount())

	snap := uut.Snapshot()
	assert.Len(snap.Readers, 2)
	assert.Equal("r2", snap.Readers[0].ID)
	assert.Equal(start, snap.Readers[0].FirstSeen)
	assert.Equal(start.Add(time.Second), snap.Readers[0].LastSeen)
}

func TestRegistryEviction(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry("unit-test")
	now := time.Now()
	uut.EnsureCollector("c1", now)
	uut.EnsureCollector("c2", now)
	assert.Nil(uut.Subscribe("c1", "r1"))

	// Case 0: eviction disabled, counters still advance
	assert.Empty(uut.CloseRound(0))
	assert.Empty(uut.CloseRound(0))
	assert.Empty(uut.CloseRound(0))
	snap := uut.Snapshot()
	assert.Equal(2, snap.Collectors[0].MissedBeats)
	assert.Equal(2, snap.Collectors[1].MissedBeats)

	// Case 1: activity resets the counter
	uut.EnsureCollector("c2", now.Add(time.Second))
	snap = uut.Snapshot()
	assert.Equal(0, snap.Collectors[1].MissedBeats)

	// Case 2: with a limit, silent collectors are evicted
	assert.Equal([]string{"c1"}, uut.CloseRound(3))
	assert.Equal([]string{"c2"}, uut.AllCollectors())
	assert.Nil(uut.SubscribersOf("c1"))
	assert.Equal(ErrUnknownCollector, uut.Subscribe("c1", "r1"))

	// Case 3: evicted collector comes back as new without subscribers
	assert.True(uut.EnsureCollector("c1", now.Add(time.Second*2)))
	assert.Empty(uut.SubscribersOf("c1"))
	assert.Equal([]string{"c2", "c1"}, uut.AllCollectors())

	// Case 4: explicit eviction
	assert.True(uut.Evict("c2"))
	assert.False(uut.Evict("c2"))
	assert.Equal([]string{"c1"}, uut.AllCollectors())
}

func TestRegistrySnapshot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry("unit-test")
	now := time.Now()
	uut.EnsureCollector("c1", now)
	assert.Nil(uut.Subscribe("c1", "r1"))
	uut.RecordReader("r1", now)

	snap := uut.Snapshot()
	validate := validator.New()
	assert.Nil(validate.Struct(&snap))
	assert.Len(snap.Collectors, 1)
	assert.Equal("c1", snap.Collectors[0].ID)
	assert.Equal([]string{"r1"}, snap.Collectors[0].Subscribers)

	// Snapshot is detached from the registry
	snap.Collectors[0].Subscribers[0] = "changed"
	assert.Nil(uut.Subscribe("c1", "r2"))
	assert.Equal([]string{"r1", "r2"}, uut.SubscribersOf("c1"))
	assert.Equal([]string{"changed"}, snap.Collectors[0].Subscribers)
}
