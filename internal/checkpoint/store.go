// Package checkpoint provides in-memory Session checkpoint storage
// (SPEC_FULL §4.7): StateCheckpoint blocks are always local, so a durable
// StateCheckpoint never leaves this process; the separate opt-in
// PersistCheckpoint block additionally submits a PersistenceIntent
// through the asyncqueue pipeline. Every checkpoint is addressed by its
// own ID so the Coordinator's Checkpoint/Restore operations can target a
// specific labeled point in a Session's history, not just the latest one.
package checkpoint

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a single checkpointed state capture for a Session at a
// labeled point in its execution.
type Snapshot struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Label         string          `json:"label"`
	BlockID       string          `json:"block_id"`
	Status        string          `json:"status"`
	PendingPrompt string          `json:"pending_prompt,omitempty"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Store holds every checkpoint taken for a session, addressable by ID,
// expiring entries after ttl. This is process-local memory, not a
// durability guarantee: a process restart loses all checkpoints,
// matching the Non-goal that excludes persistent flow/session storage.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Snapshot
	bySession map[string][]string // sessionID -> checkpoint IDs, oldest first
	ttl       time.Duration
	idFunc    func() string
}

// NewStore creates a new checkpoint store with the given entry TTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	s := &Store{
		byID:      make(map[string]*Snapshot),
		bySession: make(map[string][]string),
		ttl:       ttl,
		idFunc:    uuid.NewString,
	}
	go s.cleanupLoop()
	return s
}

// Create records a new, independently addressable checkpoint for a
// session and returns its ID. Unlike Save, it never overwrites a prior
// checkpoint: a session accumulates one Snapshot per call. status and
// pendingPrompt are carried so Restore can reproduce a Session exactly,
// including an AwaitingInput suspension, not just its state payload.
func (s *Store) Create(sessionID, label, blockID, status, pendingPrompt string, state json.RawMessage) string {
	now := time.Now()
	id := s.idFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = &Snapshot{
		ID:            id,
		SessionID:     sessionID,
		Label:         label,
		BlockID:       blockID,
		Status:        status,
		PendingPrompt: pendingPrompt,
		State:         state,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	s.bySession[sessionID] = append(s.bySession[sessionID], id)
	return id
}

// Save is Create without the returned ID or status/prompt carry-over,
// kept for callers (the StateCheckpoint block side effect) that only
// care the state was recorded, not its address or exact lifecycle phase
// (a StateCheckpoint block only ever fires mid-Running dispatch).
func (s *Store) Save(sessionID, label, blockID string, state json.RawMessage) {
	s.Create(sessionID, label, blockID, "running", "", state)
}

// Get retrieves a specific checkpoint by ID, nil if it doesn't exist, has
// expired, or (when sessionID is non-empty) belongs to a different
// session.
func (s *Store) Get(checkpointID, sessionID string) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[checkpointID]
	if !ok || time.Now().After(snap.ExpiresAt) {
		return nil
	}
	if sessionID != "" && snap.SessionID != sessionID {
		return nil
	}
	cp := *snap
	return &cp
}

// Load retrieves the most recently created, non-expired checkpoint for a
// session, nil if none exists.
func (s *Store) Load(sessionID string) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySession[sessionID]
	now := time.Now()
	for i := len(ids) - 1; i >= 0; i-- {
		snap, ok := s.byID[ids[i]]
		if ok && now.Before(snap.ExpiresAt) {
			cp := *snap
			return &cp
		}
	}
	return nil
}

// List returns every non-expired checkpoint for a session, oldest first.
func (s *Store) List(sessionID string) []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*Snapshot
	for _, id := range s.bySession[sessionID] {
		snap, ok := s.byID[id]
		if ok && now.Before(snap.ExpiresAt) {
			cp := *snap
			out = append(out, &cp)
		}
	}
	return out
}

// Delete removes every checkpoint for a session.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.bySession[sessionID] {
		delete(s.byID, id)
	}
	delete(s.bySession, sessionID)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for sessionID, ids := range s.bySession {
			live := ids[:0]
			for _, id := range ids {
				snap, ok := s.byID[id]
				if !ok {
					continue
				}
				if now.After(snap.ExpiresAt) {
					delete(s.byID, id)
					continue
				}
				live = append(live, id)
			}
			if len(live) == 0 {
				delete(s.bySession, sessionID)
			} else {
				s.bySession[sessionID] = live
			}
		}
		s.mu.Unlock()
	}
}
