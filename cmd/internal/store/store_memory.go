package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the dev/test fallback when no database is configured.
// Module records are seeded through SeedModule; everything else behaves like
// the Postgres store.
type InMemoryStore struct {
	mu       sync.Mutex
	modules  map[string]ModuleRecord  // module id -> record
	sessions map[string]SessionRecord // connection id -> record
	storage  map[string]json.RawMessage
	events   []EventRecord
}

// NewInMemoryStore constructs an empty in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		modules:  make(map[string]ModuleRecord),
		sessions: make(map[string]SessionRecord),
		storage:  make(map[string]json.RawMessage),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// SeedModule inserts or replaces a module record. Dev/test helper.
func (s *InMemoryStore) SeedModule(rec ModuleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[rec.ID] = rec
}

// FindModuleByCredentials returns the module matching (code, name, token).
func (s *InMemoryStore) FindModuleByCredentials(ctx context.Context, code, name, token string) (ModuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return ModuleRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.modules {
		if m.Code == code && m.Name == name && m.Token == token {
			return m, nil
		}
	}
	return ModuleRecord{}, ErrNotFound
}

// CreateSession persists a session, failing with ErrConflict on duplicate id.
func (s *InMemoryStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" || rec.ModuleID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[rec.ID]; ok {
		return ErrConflict
	}
	if rec.SubscribedKeys == nil {
		rec.SubscribedKeys = []string{}
	}
	s.sessions[rec.ID] = rec
	return nil
}

// GetSession returns the session for a connection id.
func (s *InMemoryStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return sess, nil
}

// GetSessionModule returns the session joined with its module record.
func (s *InMemoryStore) GetSessionModule(ctx context.Context, id string) (SessionRecord, ModuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, ModuleRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ModuleRecord{}, ErrNotFound
	}
	mod, ok := s.modules[sess.ModuleID]
	if !ok {
		return SessionRecord{}, ModuleRecord{}, ErrNotFound
	}
	return sess, mod, nil
}

// FindSessionByIdentity returns the session bound to a module identity.
func (s *InMemoryStore) FindSessionByIdentity(ctx context.Context, code, name, organizationID string) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		m, ok := s.modules[sess.ModuleID]
		if !ok {
			continue
		}
		if m.Code == code && m.Name == name && m.OrganizationID == organizationID {
			return sess, nil
		}
	}
	return SessionRecord{}, ErrNotFound
}

// ListOrganizationSessions returns sessions whose module belongs to the organization.
func (s *InMemoryStore) ListOrganizationSessions(ctx context.Context, organizationID string) ([]SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SessionRecord
	for _, sess := range s.sessions {
		m, ok := s.modules[sess.ModuleID]
		if !ok || m.OrganizationID != organizationID {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteSession removes a session (no-op when absent).
func (s *InMemoryStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// TouchSession updates the last-message timestamp.
func (s *InMemoryStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastMessageAt = at
	s.sessions[id] = sess
	return nil
}

// GetValue returns the value stored for (organization, key).
func (s *InMemoryStore) GetValue(ctx context.Context, organizationID, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.storage[storageKey(organizationID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// SetValue upserts the value stored for (organization, key).
func (s *InMemoryStore) SetValue(ctx context.Context, organizationID, key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" || organizationID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.storage[storageKey(organizationID, key)] = append(json.RawMessage(nil), value...)
	return nil
}

// CreateEvent appends an event record.
func (s *InMemoryStore) CreateEvent(ctx context.Context, rec EventRecord) error {
	if rec.ID == "" || rec.Name == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, rec)
	return nil
}

// Events returns a snapshot of appended events. Test helper.
func (s *InMemoryStore) Events() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventRecord(nil), s.events...)
}

func storageKey(organizationID, key string) string {
	return organizationID + "\x00" + key
}
