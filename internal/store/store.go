// Package store provides the PostgreSQL persistence layer for agent
// configurations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool the store needs. Satisfied by
// *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a database handle and exposes agent queries.
type Store struct {
	db DBTX
}

// NewStore creates a new Store over the given connection pool.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Agent is the persisted form of an agent configuration. List- and
// variant-valued fields are stored as JSONB.
type Agent struct {
	ID                   uuid.UUID
	Name                 string // normalized key, unique
	DisplayName          string
	Bio                  json.RawMessage
	Traits               json.RawMessage
	Examples             json.RawMessage
	ExampleAccounts      json.RawMessage
	LoopDelay            int32
	UseTimeBasedWeights  bool
	TimeBasedMultipliers json.RawMessage
	Config               json.RawMessage
	Tasks                json.RawMessage
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id                     UUID PRIMARY KEY,
    name                   TEXT NOT NULL UNIQUE,
    display_name           TEXT NOT NULL,
    bio                    JSONB NOT NULL DEFAULT '[]',
    traits                 JSONB NOT NULL DEFAULT '[]',
    examples               JSONB NOT NULL DEFAULT '[]',
    example_accounts       JSONB NOT NULL DEFAULT '[]',
    loop_delay             INTEGER NOT NULL DEFAULT 900,
    use_time_based_weights BOOLEAN NOT NULL DEFAULT FALSE,
    time_based_multipliers JSONB NOT NULL DEFAULT '{}',
    config                 JSONB NOT NULL DEFAULT '[]',
    tasks                  JSONB NOT NULL DEFAULT '[]',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the agents table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

const agentColumns = `id, name, display_name, bio, traits, examples, example_accounts,
	loop_delay, use_time_based_weights, time_based_multipliers, config, tasks,
	created_at, updated_at`

// CreateAgentParams holds the inputs for CreateAgent.
type CreateAgentParams struct {
	Name                 string
	DisplayName          string
	Bio                  json.RawMessage
	Traits               json.RawMessage
	Examples             json.RawMessage
	ExampleAccounts      json.RawMessage
	LoopDelay            int32
	UseTimeBasedWeights  bool
	TimeBasedMultipliers json.RawMessage
	Config               json.RawMessage
	Tasks                json.RawMessage
}

// CreateAgent inserts a new agent row. A duplicate normalized name
// surfaces as a pgconn.PgError with code 23505.
func (s *Store) CreateAgent(ctx context.Context, arg CreateAgentParams) (Agent, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO agents (
			id, name, display_name, bio, traits, examples, example_accounts,
			loop_delay, use_time_based_weights, time_based_multipliers, config, tasks
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+agentColumns,
		uuid.New(), arg.Name, arg.DisplayName,
		orEmptyList(arg.Bio), orEmptyList(arg.Traits), orEmptyList(arg.Examples), orEmptyList(arg.ExampleAccounts),
		arg.LoopDelay, arg.UseTimeBasedWeights,
		orEmptyObject(arg.TimeBasedMultipliers), orEmptyList(arg.Config), orEmptyList(arg.Tasks),
	)
	return scanAgent(row)
}

// GetAgentByName fetches an agent by its normalized name. Returns
// pgx.ErrNoRows when absent.
func (s *Store) GetAgentByName(ctx context.Context, name string) (Agent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = $1`, name)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentParams holds the full replacement state for UpdateAgent.
// The service layer performs the partial merge before calling.
type UpdateAgentParams struct {
	Name                 string
	DisplayName          string
	Bio                  json.RawMessage
	Traits               json.RawMessage
	Examples             json.RawMessage
	ExampleAccounts      json.RawMessage
	LoopDelay            int32
	UseTimeBasedWeights  bool
	TimeBasedMultipliers json.RawMessage
	Config               json.RawMessage
	Tasks                json.RawMessage
}

// UpdateAgent rewrites an agent row identified by its normalized name.
// Returns pgx.ErrNoRows when absent.
func (s *Store) UpdateAgent(ctx context.Context, arg UpdateAgentParams) (Agent, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE agents SET
			display_name = $2, bio = $3, traits = $4, examples = $5, example_accounts = $6,
			loop_delay = $7, use_time_based_weights = $8, time_based_multipliers = $9,
			config = $10, tasks = $11, updated_at = now()
		WHERE name = $1
		RETURNING `+agentColumns,
		arg.Name, arg.DisplayName,
		orEmptyList(arg.Bio), orEmptyList(arg.Traits), orEmptyList(arg.Examples), orEmptyList(arg.ExampleAccounts),
		arg.LoopDelay, arg.UseTimeBasedWeights,
		orEmptyObject(arg.TimeBasedMultipliers), orEmptyList(arg.Config), orEmptyList(arg.Tasks),
	)
	return scanAgent(row)
}

// DeleteAgentByName removes an agent row. Returns pgx.ErrNoRows if no
// row matched.
func (s *Store) DeleteAgentByName(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM agents WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.DisplayName, &a.Bio, &a.Traits, &a.Examples, &a.ExampleAccounts,
		&a.LoopDelay, &a.UseTimeBasedWeights, &a.TimeBasedMultipliers, &a.Config, &a.Tasks,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func orEmptyList(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`[]`)
	}
	return raw
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
