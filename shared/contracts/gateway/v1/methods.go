package v1

import (
	"encoding/json"
	"strings"
	"time"
)

// Methods exposed by the gateway to modules (wire-stable).
const (
	// MethodSessionRegister binds a connection to a module identity.
	MethodSessionRegister = "session.register"
	// MethodEventNew emits a new event on behalf of the registered module.
	MethodEventNew = "event.new"
	// MethodStorageGet reads one organization-scoped storage value.
	MethodStorageGet = "storage.get"
	// MethodStorageSet upserts one organization-scoped storage value.
	MethodStorageSet = "storage.set"
)

// MethodStorageSync is the notification the gateway sends to modules whose
// subscribed keys changed.
const MethodStorageSync = "storage.sync"

// minKeyLen applies to event names and storage keys.
const minKeyLen = 3

// ModuleParam is one configuration parameter returned by session.register.
type ModuleParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RegisterParams are the session.register parameters.
type RegisterParams struct {
	Code  string   `json:"code"`
	Name  string   `json:"name"`
	Token string   `json:"token"`
	Subs  []string `json:"subs,omitempty"`
}

// Validate returns the structured issues for a register request, nil when valid.
func (p RegisterParams) Validate() []Issue {
	var issues []Issue
	if strings.TrimSpace(p.Code) == "" {
		issues = append(issues, Issue{Field: "code", Message: "required"})
	}
	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, Issue{Field: "name", Message: "required"})
	}
	if strings.TrimSpace(p.Token) == "" {
		issues = append(issues, Issue{Field: "token", Message: "required"})
	}
	for _, s := range p.Subs {
		if strings.TrimSpace(s) == "" {
			issues = append(issues, Issue{Field: "subs", Message: "entries must be non-empty"})
			break
		}
	}
	return issues
}

// EventNewParams are the event.new parameters.
type EventNewParams struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate returns the structured issues for an event.new request, nil when valid.
func (p EventNewParams) Validate() []Issue {
	var issues []Issue
	if len(strings.TrimSpace(p.Name)) < minKeyLen {
		issues = append(issues, Issue{Field: "name", Message: "must be at least 3 characters"})
	}
	return issues
}

// StorageGetParams are the storage.get parameters.
type StorageGetParams struct {
	Key string `json:"key"`
}

// Validate returns the structured issues for a storage.get request, nil when valid.
func (p StorageGetParams) Validate() []Issue {
	var issues []Issue
	if len(strings.TrimSpace(p.Key)) < minKeyLen {
		issues = append(issues, Issue{Field: "key", Message: "must be at least 3 characters"})
	}
	return issues
}

// StorageSetParams are the storage.set parameters.
type StorageSetParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Validate returns the structured issues for a storage.set request, nil when valid.
func (p StorageSetParams) Validate() []Issue {
	var issues []Issue
	if len(strings.TrimSpace(p.Key)) < minKeyLen {
		issues = append(issues, Issue{Field: "key", Message: "must be at least 3 characters"})
	}
	return issues
}

// StorageSyncParams is the payload of the storage.sync notification.
type StorageSyncParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// EventRecord is the created event returned by event.new.
type EventRecord struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EmitterCode    string          `json:"emitterCode"`
	EmitterName    string          `json:"emitterName"`
	EmittedAt      time.Time       `json:"emittedAt"`
	OrganizationID string          `json:"organizationId"`
}
