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
	"errors"
	"time"

	"github.com/alwitt/relaymq/common"
	"github.com/apex/log"
)

// ErrUnknownCollector the collector identity has never been observed
var ErrUnknownCollector = errors.New("unknown collector")

// CollectorRecord snapshot of one collector's registry entry
type CollectorRecord struct {
	ID          string    `json:"id" validate:"required"`
	Subscribers []string  `json:"subscribers"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	MissedBeats int       `json:"missed_beats"`
}

// ReaderRecord snapshot of one known reader
type ReaderRecord struct {
	ID        string    `json:"id" validate:"required"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// RegistrySnapshot point-in-time copy of the registry
type RegistrySnapshot struct {
	Collectors []CollectorRecord `json:"collectors" validate:"dive"`
	Readers    []ReaderRecord    `json:"readers" validate:"dive"`
}

// Registry tracks known collectors, their subscribed readers, and the known readers.
//
// A Registry is not safe for concurrent use. It is owned by a single event loop.
type Registry interface {
	// EnsureCollector record activity from a collector, creating its entry on first sight.
	// Returns whether the collector is new.
	EnsureCollector(collectorID string, now time.Time) bool
	// Subscribe append a reader to a known collector's subscriber list
	Subscribe(collectorID, readerID string) error
	// SubscribersOf the subscribers of a collector in subscription order, duplicates included
	SubscribersOf(collectorID string) []string
	// AllCollectors the known collectors in first-seen order
	AllCollectors() []string
	// RecordReader record activity from a reader. Returns whether the reader is new.
	RecordReader(readerID string, now time.Time) bool
	// KnownReaders the known readers in first-seen order
	KnownReaders() []string
	// CloseRound mark the end of a heartbeat round. Collectors silent through the whole
	// round accrue a missed beat; with maxMissed > 0 those reaching maxMissed are evicted.
	// Returns the evicted collectors.
	CloseRound(maxMissed int) []string
	// Evict remove a collector and its subscriber list
	Evict(collectorID string) bool
	// Snapshot copy the registry content
	Snapshot() RegistrySnapshot
	// CollectorCount number of known collectors
	CollectorCount() int
	// ReaderCount number of known readers
	ReaderCount() int
}

type collectorEntry struct {
	subscribers []string
	firstSeen   time.Time
	lastSeen    time.Time
	missed      int
	activeRound bool
}

type readerEntry struct {
	firstSeen time.Time
	lastSeen  time.Time
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	collectors     map[string]*collectorEntry
	collectorOrder []string
	readers        map[string]*readerEntry
	readerOrder    []string
}

// NewRegistry define a new empty Registry
func NewRegistry(instance string) Registry {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": instance,
	}
	return &registryImpl{
		Component:  common.Component{LogTags: logTags},
		collectors: make(map[string]*collectorEntry),
		readers:    make(map[string]*readerEntry),
	}
}

func (r *registryImpl) EnsureCollector(collectorID string, now time.Time) bool {
	if entry, ok := r.collectors[collectorID]; ok {
		entry.lastSeen = now
		entry.missed = 0
		entry.activeRound = true
		return false
	}
	r.collectors[collectorID] = &collectorEntry{
		subscribers: []string{},
		firstSeen:   now,
		lastSeen:    now,
		activeRound: true,
	}
	r.collectorOrder = append(r.collectorOrder, collectorID)
	log.WithFields(r.LogTags).Infof("New collector %s", common.PrintableID(collectorID))
	return true
}

func (r *registryImpl) Subscribe(collectorID, readerID string) error {
	entry, ok := r.collectors[collectorID]
	if !ok {
		return ErrUnknownCollector
	}
	entry.subscribers = append(entry.subscribers, readerID)
	return nil
}

func (r *registryImpl) SubscribersOf(collectorID string) []string {
	entry, ok := r.collectors[collectorID]
	if !ok || len(entry.subscribers) == 0 {
		return nil
	}
	result := make([]string, len(entry.subscribers))
	copy(result, entry.subscribers)
	return result
}

func (r *registryImpl) AllCollectors() []string {
	result := make([]string, len(r.collectorOrder))
	copy(result, r.collectorOrder)
	return result
}

func (r *registryImpl) RecordReader(readerID string, now time.Time) bool {
	if entry, ok := r.readers[readerID]; ok {
		entry.lastSeen = now
		return false
	}
	r.readers[readerID] = &readerEntry{firstSeen: now, lastSeen: now}
	r.readerOrder = append(r.readerOrder, readerID)
	log.WithFields(r.LogTags).Infof("New reader %s", common.PrintableID(readerID))
	return true
}

func (r *registryImpl) KnownReaders() []string {
	result := make([]string, len(r.readerOrder))
	copy(result, r.readerOrder)
	return result
}

func (r *registryImpl) CloseRound(maxMissed int) []string {
	evicted := []string{}
	for _, collectorID := range r.AllCollectors() {
		entry := r.collectors[collectorID]
		if entry.activeRound {
			entry.activeRound = false
			continue
		}
		entry.missed++
		if maxMissed > 0 && entry.missed >= maxMissed {
			log.WithFields(r.LogTags).Warnf(
				"Collector %s missed %d heartbeats", common.PrintableID(collectorID), entry.missed,
			)
			r.Evict(collectorID)
			evicted = append(evicted, collectorID)
		}
	}
	return evicted
}

func (r *registryImpl) Evict(collectorID string) bool {
	if _, ok := r.collectors[collectorID]; !ok {
		return false
	}
	delete(r.collectors, collectorID)
	for idx, id := range r.collectorOrder {
		if id == collectorID {
			r.collectorOrder = append(r.collectorOrder[:idx], r.collectorOrder[idx+1:]...)
			break
		}
	}
	log.WithFields(r.LogTags).Infof("Evicted collector %s", common.PrintableID(collectorID))
	return true
}

func (r *registryImpl) Snapshot() RegistrySnapshot {
	result := RegistrySnapshot{
		Collectors: make([]CollectorRecord, 0, len(r.collectorOrder)),
		Readers:    make([]ReaderRecord, 0, len(r.readerOrder)),
	}
	for _, collectorID := range r.collectorOrder {
		entry := r.collectors[collectorID]
		subscribers := make([]string, len(entry.subscribers))
		copy(subscribers, entry.subscribers)
		result.Collectors = append(result.Collectors, CollectorRecord{
			ID:          collectorID,
			Subscribers: subscribers,
			FirstSeen:   entry.firstSeen,
			LastSeen:    entry.lastSeen,
			MissedBeats: entry.missed,
		})
	}
	for _, readerID := range r.readerOrder {
		entry := r.readers[readerID]
		result.Readers = append(result.Readers, ReaderRecord{
			ID: readerID, FirstSeen: entry.firstSeen, LastSeen: entry.lastSeen,
		})
	}
	return result
}

func (r *registryImpl) CollectorCount() int {
	return len(r.collectorOrder)
}

func (r *registryImpl) ReaderCount() int {
	return len(r.readerOrder)
}
