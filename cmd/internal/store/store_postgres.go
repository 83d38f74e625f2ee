package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "modgate").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "modgate",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindModuleByCredentials returns the single module matching (code, name, token).
func (s *PostgresStore) FindModuleByCredentials(ctx context.Context, code, name, token string) (ModuleRecord, error) {
	if s == nil || s.pool == nil {
		return ModuleRecord{}, errors.New("store: nil store")
	}
	if code == "" || name == "" || token == "" {
		return ModuleRecord{}, ErrInvalidInput
	}

	modules := pgIdent(s.schema, "modules")

	var (
		m         ModuleRecord
		rawParams []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, code, name, token, params
		   FROM `+modules+`
		  WHERE code = $1 AND name = $2 AND token = $3`,
		code, name, token,
	).Scan(&m.ID, &m.OrganizationID, &m.Code, &m.Name, &m.Token, &rawParams)
	if errors.Is(err, pgx.ErrNoRows) {
		return ModuleRecord{}, ErrNotFound
	}
	if err != nil {
		return ModuleRecord{}, err
	}

	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &m.Params); err != nil {
			return ModuleRecord{}, err
		}
	}
	return m, nil
}

// CreateSession persists a session, failing with ErrConflict on duplicate id.
func (s *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" || rec.ModuleID == "" {
		return ErrInvalidInput
	}

	sessions := pgIdent(s.schema, "module_sessions")

	subs := rec.SubscribedKeys
	if subs == nil {
		subs = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+sessions+` (id, module_id, subscribed_keys, last_message_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.ModuleID, subs, rec.LastMessageAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetSession returns the session for a connection id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	sessions := pgIdent(s.schema, "module_sessions")

	var rec SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, module_id, subscribed_keys, last_message_at
		   FROM `+sessions+`
		  WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.ModuleID, &rec.SubscribedKeys, &rec.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

// GetSessionModule returns the session joined with its module record.
func (s *PostgresStore) GetSessionModule(ctx context.Context, id string) (SessionRecord, ModuleRecord, error) {
	sessions := pgIdent(s.schema, "module_sessions")
	modules := pgIdent(s.schema, "modules")

	var (
		rec       SessionRecord
		m         ModuleRecord
		rawParams []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT s.id, s.module_id, s.subscribed_keys, s.last_message_at,
		        m.id, m.organization_id, m.code, m.name, m.token, m.params
		   FROM `+sessions+` s
		   JOIN `+modules+` m ON m.id = s.module_id
		  WHERE s.id = $1`,
		id,
	).Scan(
		&rec.ID, &rec.ModuleID, &rec.SubscribedKeys, &rec.LastMessageAt,
		&m.ID, &m.OrganizationID, &m.Code, &m.Name, &m.Token, &rawParams,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ModuleRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, ModuleRecord{}, err
	}

	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &m.Params); err != nil {
			return SessionRecord{}, ModuleRecord{}, err
		}
	}
	return rec, m, nil
}

// FindSessionByIdentity returns the session bound to a (code, name, organization) identity.
func (s *PostgresStore) FindSessionByIdentity(ctx context.Context, code, name, organizationID string) (SessionRecord, error) {
	sessions := pgIdent(s.schema, "module_sessions")
	modules := pgIdent(s.schema, "modules")

	var rec SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT s.id, s.module_id, s.subscribed_keys, s.last_message_at
		   FROM `+sessions+` s
		   JOIN `+modules+` m ON m.id = s.module_id
		  WHERE m.code = $1 AND m.name = $2 AND m.organization_id = $3`,
		code, name, organizationID,
	).Scan(&rec.ID, &rec.ModuleID, &rec.SubscribedKeys, &rec.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

// ListOrganizationSessions returns every session of an organization's modules.
func (s *PostgresStore) ListOrganizationSessions(ctx context.Context, organizationID string) ([]SessionRecord, error) {
	sessions := pgIdent(s.schema, "module_sessions")
	modules := pgIdent(s.schema, "modules")

	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.module_id, s.subscribed_keys, s.last_message_at
		   FROM `+sessions+` s
		   JOIN `+modules+` m ON m.id = s.module_id
		  WHERE m.organization_id = $1`,
		organizationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.ModuleID, &rec.SubscribedKeys, &rec.LastMessageAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a session (no-op when absent).
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	sessions := pgIdent(s.schema, "module_sessions")

	_, err := s.pool.Exec(ctx, `DELETE FROM `+sessions+` WHERE id = $1`, id)
	return err
}

// TouchSession updates the last-message timestamp.
func (s *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	sessions := pgIdent(s.schema, "module_sessions")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+` SET last_message_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetValue returns the value stored for (organization, key).
func (s *PostgresStore) GetValue(ctx context.Context, organizationID, key string) (json.RawMessage, error) {
	storage := pgIdent(s.schema, "storage")

	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+storage+` WHERE organization_id = $1 AND key = $2`,
		organizationID, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// SetValue upserts the value stored for (organization, key).
func (s *PostgresStore) SetValue(ctx context.Context, organizationID, key string, value json.RawMessage) error {
	if key == "" || organizationID == "" {
		return ErrInvalidInput
	}

	storage := pgIdent(s.schema, "storage")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+storage+` (organization_id, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (organization_id, key)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		organizationID, key, []byte(value),
	)
	return err
}

// CreateEvent appends an event record.
func (s *PostgresStore) CreateEvent(ctx context.Context, rec EventRecord) error {
	if rec.ID == "" || rec.Name == "" {
		return ErrInvalidInput
	}

	events := pgIdent(s.schema, "events")

	var payload []byte
	if len(rec.Payload) > 0 {
		payload = []byte(rec.Payload)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+events+` (id, name, payload, emitter_code, emitter_name, emitted_at, organization_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Name, payload, rec.EmitterCode, rec.EmitterName, rec.EmittedAt, rec.OrganizationID,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
