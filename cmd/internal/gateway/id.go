package gateway

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewConnectionID mints the opaque identifier for one accepted connection.
// It doubles as the persisted session primary key once the module registers.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewEventID returns a ULID for an emitted event.
// ULIDs sort by emission time, which keeps event listings cheap.
func NewEventID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
