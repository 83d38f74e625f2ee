// Package store persists the gateway's module, session, storage, and event
// records. The gateway treats the backing database as an opaque lookup
// service; everything schema-related lives behind the Store interface.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// ModuleParam is one key/value configuration parameter of a module.
type ModuleParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ModuleRecord is the read-mostly module registration credential record.
type ModuleRecord struct {
	ID             string
	OrganizationID string
	Code           string
	Name           string
	Token          string
	Params         []ModuleParam
}

// SessionRecord is the persisted session for one registered connection.
// ID is the connection identifier; at most one session exists per connection
// and per (code, name, organization) module identity.
type SessionRecord struct {
	ID             string
	ModuleID       string
	SubscribedKeys []string
	LastMessageAt  time.Time
}

// EventRecord is one append-only emitted event.
type EventRecord struct {
	ID             string
	Name           string
	Payload        json.RawMessage
	EmitterCode    string
	EmitterName    string
	EmittedAt      time.Time
	OrganizationID string
}

// Modules looks up module credential records.
type Modules interface {
	// FindModuleByCredentials returns the single module matching
	// (code, name, token), or ErrNotFound.
	FindModuleByCredentials(ctx context.Context, code, name, token string) (ModuleRecord, error)
}

// Sessions manages persisted session records.
type Sessions interface {
	// CreateSession persists a new session. Returns ErrConflict when a
	// session already exists for the same id.
	CreateSession(ctx context.Context, rec SessionRecord) error

	// GetSession returns the session for a connection id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (SessionRecord, error)

	// GetSessionModule returns the session together with its module record.
	GetSessionModule(ctx context.Context, id string) (SessionRecord, ModuleRecord, error)

	// FindSessionByIdentity returns the session bound to the
	// (code, name, organization) module identity, or ErrNotFound.
	FindSessionByIdentity(ctx context.Context, code, name, organizationID string) (SessionRecord, error)

	// ListOrganizationSessions returns every session whose module belongs to
	// the organization.
	ListOrganizationSessions(ctx context.Context, organizationID string) ([]SessionRecord, error)

	// DeleteSession removes the session; deleting a missing session is a no-op.
	DeleteSession(ctx context.Context, id string) error

	// TouchSession updates the session's last-message timestamp.
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// Storage reads and writes organization-scoped key/value records.
type Storage interface {
	// GetValue returns the value for (organization, key), or ErrNotFound.
	GetValue(ctx context.Context, organizationID, key string) (json.RawMessage, error)

	// SetValue upserts the value for (organization, key).
	SetValue(ctx context.Context, organizationID, key string, value json.RawMessage) error
}

// Events appends emitted events.
type Events interface {
	CreateEvent(ctx context.Context, rec EventRecord) error
}

// Store is the full persistence surface the gateway depends on.
type Store interface {
	Modules
	Sessions
	Storage
	Events
	Close() error
}
