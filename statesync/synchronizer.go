// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/swarm"
	"github.com/luxfi/swarm/utils/timer/mockable"
)

// SyncMode tags a history record as a full or delta propagation.
type SyncMode string

const (
	ModeFull  SyncMode = "full"
	ModeDelta SyncMode = "delta"
)

var statePrefix = []byte("statesync")

// SyncRecord is one sync attempt in the synchronizer's history.
type SyncRecord struct {
	Key       string                 `serialize:"true" json:"key"`
	Mode      SyncMode               `serialize:"true" json:"mode"`
	Version   uint64                 `serialize:"true" json:"version"`
	Delivered int                    `serialize:"true" json:"delivered"`
	Timestamp time.Time              `serialize:"true" json:"timestamp"`
	Metadata  map[string]interface{} `serialize:"true" json:"metadata,omitempty"`
}

// persistedState is the durable form of one key's state.
type persistedState struct {
	Version uint64                 `json:"version"`
	State   map[string]interface{} `json:"state"`
}

// Config wires a synchronizer to its owner and collaborators.
type Config struct {
	NodeID      ids.NodeID
	Coordinator swarm.Coordinator
	Memory      swarm.Memory
	Resolver    *Resolver
	Log         log.Logger
}

// Synchronizer propagates state across the swarm. Each key carries its own
// version counter, bumped on every successful sync; concurrent updates are
// handed to the resolver before the delta goes out.
type Synchronizer struct {
	config Config
	clock  *mockable.Clock

	mu       sync.Mutex
	versions map[string]uint64
	states   map[string]map[string]interface{}
	stamped  map[string]time.Time
	history  []SyncRecord
}

func NewSynchronizer(config Config) *Synchronizer {
	return &Synchronizer{
		config:   config,
		clock:    &mockable.Clock{},
		versions: make(map[string]uint64),
		states:   make(map[string]map[string]interface{}),
		stamped:  make(map[string]time.Time),
	}
}

// Clock exposes the synchronizer's clock for tests.
func (s *Synchronizer) Clock() *mockable.Clock {
	return s.clock
}

// Version returns the current version counter for [key].
func (s *Synchronizer) Version(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[key]
}

// State returns a copy of the last synced state for [key].
func (s *Synchronizer) State(key string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.states[key])
}

// SyncFull pushes the complete value of [key] to every participant except
// this node, bumps the key's version, and persists the result. An empty
// state is a no-op, not an error.
func (s *Synchronizer) SyncFull(
	ctx context.Context,
	key string,
	state map[string]interface{},
	participants []ids.NodeID,
) error {
	if len(state) == 0 {
		return nil
	}

	s.mu.Lock()
	s.versions[key]++
	version := s.versions[key]
	s.states[key] = copyState(state)
	s.stamped[key] = s.clock.Time()
	s.mu.Unlock()

	if err := s.persist(key, version, state); err != nil {
		return err
	}

	delivered := s.broadcast(ctx, swarm.Message{
		Type:    swarm.MessageStateFull,
		Key:     key,
		Payload: state,
	}, participants)

	s.record(SyncRecord{
		Key:       key,
		Mode:      ModeFull,
		Version:   version,
		Delivered: delivered,
		Timestamp: s.clock.Time(),
	})
	return nil
}

// SyncDelta computes the differential of [changes] against the last known
// state of [key], resolves conflicting entries through the resolver, and
// broadcasts only the delta. Re-applying an already-synced delta is a no-op.
func (s *Synchronizer) SyncDelta(
	ctx context.Context,
	key string,
	changes map[string]interface{},
	participants []ids.NodeID,
) error {
	if len(changes) == 0 {
		return nil
	}

	now := s.clock.Time()

	s.mu.Lock()
	known := s.states[key]
	knownStamp := s.stamped[key]

	delta := make(map[string]interface{}, len(changes))
	resolutions := 0
	for field, incoming := range changes {
		current, exists := known[field]
		if exists && fmt.Sprint(current) == fmt.Sprint(incoming) {
			continue
		}
		if exists {
			// Both sides wrote the field since the last sync; let the
			// resolver pick the surviving value.
			winner, err := s.config.Resolver.Resolve(key+"."+field,
				swarm.StateVersion{Value: current, Timestamp: knownStamp, NodeID: s.config.NodeID},
				swarm.StateVersion{Value: incoming, Timestamp: now, NodeID: s.config.NodeID},
			)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			incoming = winner.Value
			resolutions++
			if fmt.Sprint(current) == fmt.Sprint(incoming) {
				continue
			}
		}
		delta[field] = incoming
	}

	if len(delta) == 0 {
		s.mu.Unlock()
		return nil
	}

	if known == nil {
		known = make(map[string]interface{}, len(delta))
		s.states[key] = known
	}
	for field, value := range delta {
		known[field] = value
	}
	s.versions[key]++
	version := s.versions[key]
	s.stamped[key] = now
	persisted := copyState(known)
	s.mu.Unlock()

	if err := s.persist(key, version, persisted); err != nil {
		return err
	}

	delivered := s.broadcast(ctx, swarm.Message{
		Type:    swarm.MessageStateDelta,
		Key:     key,
		Payload: delta,
	}, participants)

	s.record(SyncRecord{
		Key:       key,
		Mode:      ModeDelta,
		Version:   version,
		Delivered: delivered,
		Timestamp: now,
		Metadata: map[string]interface{}{
			"changedFields": len(delta),
			"resolutions":   resolutions,
		},
	})
	return nil
}

func (s *Synchronizer) persist(key string, version uint64, state map[string]interface{}) error {
	blob, err := json.Marshal(persistedState{
		Version: version,
		State:   state,
	})
	if err != nil {
		return err
	}
	return s.config.Memory.Store([]byte(key), blob)
}

// Load returns the persisted state and version for [key].
func (s *Synchronizer) Load(key string) (map[string]interface{}, uint64, error) {
	blob, err := s.config.Memory.Load([]byte(key))
	if err != nil {
		return nil, 0, err
	}
	var stored persistedState
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, 0, err
	}
	return stored.State, stored.Version, nil
}

// broadcast targets [participants] minus this node by excluding every other
// known agent. Delivery is best effort: a failure is logged and absorbed,
// never surfaced to the caller.
func (s *Synchronizer) broadcast(ctx context.Context, msg swarm.Message, participants []ids.NodeID) int {
	exclude := set.Of(s.config.NodeID)
	if info, err := s.config.Coordinator.TopologyInfo(ctx); err == nil {
		targets := set.NewSet[ids.NodeID](len(participants))
		targets.Add(participants...)
		for _, agent := range info.Agents {
			if !targets.Contains(agent) {
				exclude.Add(agent)
			}
		}
	}

	delivered, err := s.config.Coordinator.Broadcast(ctx, s.config.NodeID, msg, exclude)
	if err != nil {
		s.config.Log.Warn("state broadcast failed",
			log.String("key", msg.Key),
			log.Err(err),
		)
	}
	return delivered
}

func (s *Synchronizer) record(rec SyncRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
}

// History returns a copy of the sync log.
func (s *Synchronizer) History() []SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncRecord, len(s.history))
	copy(out, s.history)
	return out
}

// ClearHistory drops the sync log.
func (s *Synchronizer) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

func copyState(state map[string]interface{}) map[string]interface{} {
	if state == nil {
		return nil
	}
	out := make(map[string]interface{}, len(state))
	for field, value := range state {
		out[field] = value
	}
	return out
}

// NewDatabaseMemory adapts a database.Database into the Memory interface,
// namespaced under a statesync prefix.
func NewDatabaseMemory(db database.Database) swarm.Memory {
	return &dbMemory{db: prefixdb.New(statePrefix, db)}
}

type dbMemory struct {
	db database.Database
}

func (m *dbMemory) Store(key []byte, value []byte) error {
	return m.db.Put(key, value)
}

func (m *dbMemory) Load(key []byte) ([]byte, error) {
	return m.db.Get(key)
}
