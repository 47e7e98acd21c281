// Package agent provides agent configuration CRUD and lifecycle
// supervision: one cancellable behavior loop per started agent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zerepy/matriarch/internal/events"
	"github.com/zerepy/matriarch/internal/store"
	"github.com/zerepy/matriarch/pkg/config"
)

// Errors returned by the agent service.
var (
	ErrNotFound       = errors.New("agent: not found")
	ErrAlreadyExists  = errors.New("agent: already exists")
	ErrAlreadyRunning = errors.New("agent: already running")
	ErrNotRunning     = errors.New("agent: not running")
	ErrStopTimeout    = errors.New("agent: stop timed out")
	ErrHandleCreation = errors.New("agent: handle creation failed")
	ErrValidation     = errors.New("agent: validation error")
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// Store defines the database operations the service needs.
type Store interface {
	CreateAgent(ctx context.Context, arg store.CreateAgentParams) (store.Agent, error)
	GetAgentByName(ctx context.Context, name string) (store.Agent, error)
	ListAgents(ctx context.Context) ([]store.Agent, error)
	UpdateAgent(ctx context.Context, arg store.UpdateAgentParams) (store.Agent, error)
	DeleteAgentByName(ctx context.Context, name string) error
}

// Record is the API-facing representation of an agent. Connection
// entries are sanitized: network private keys are never included.
type Record struct {
	ID                   uuid.UUID            `json:"id"`
	Name                 string               `json:"name"`
	DisplayName          string               `json:"display_name"`
	Bio                  []string             `json:"bio"`
	Traits               []string             `json:"traits"`
	Examples             []string             `json:"examples"`
	ExampleAccounts      []string             `json:"example_accounts"`
	LoopDelay            int32                `json:"loop_delay"`
	UseTimeBasedWeights  bool                 `json:"use_time_based_weights"`
	TimeBasedMultipliers TimeBasedMultipliers `json:"time_based_multipliers"`
	Config               ConnectionConfigs    `json:"config"`
	Tasks                []Task               `json:"tasks"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// Service is the single source of truth mapping normalized agent keys
// to their stored config and, while started, their controller. Every
// lifecycle call goes through it.
type Service struct {
	store   Store
	factory HandleFactory
	events  events.Publisher

	cadence     time.Duration
	backoff     time.Duration
	stopTimeout time.Duration

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewService creates the agent service.
func NewService(st Store, factory HandleFactory, pub events.Publisher, rt config.RuntimeConfig) *Service {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Service{
		store:       st,
		factory:     factory,
		events:      pub,
		cadence:     rt.LoopCadence,
		backoff:     rt.ErrorBackoff,
		stopTimeout: rt.StopTimeout,
		controllers: make(map[string]*Controller),
	}
}

// --- CRUD ---

// Get retrieves an agent by name. The name is normalized before lookup.
func (s *Service) Get(ctx context.Context, name string) (*Record, error) {
	row, err := s.store.GetAgentByName(ctx, Normalize(name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent: get: %w", err)
	}
	return toRecord(row)
}

// List returns all stored agents.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	rows, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Create validates and persists a new agent config. Fails with
// ErrAlreadyExists when the normalized name is taken.
func (s *Service) Create(ctx context.Context, cfg Config) (*Record, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Connections = cfg.Connections.Dedupe()

	arg, err := createParams(cfg)
	if err != nil {
		return nil, err
	}
	row, err := s.store.CreateAgent(ctx, arg)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, arg.Name)
		}
		return nil, fmt.Errorf("agent: create: %w", err)
	}

	s.events.Publish(ctx, events.New(events.TypeCreated, row.Name))
	return toRecord(row)
}

// Update merges the provided fields into an existing agent and persists
// the result. Fails with ErrNotFound when the agent is absent.
func (s *Service) Update(ctx context.Context, name string, upd Update) (*Record, error) {
	key := Normalize(name)
	row, err := s.store.GetAgentByName(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent: get for update: %w", err)
	}

	cfg, err := configFromRow(row)
	if err != nil {
		return nil, err
	}
	merged := cfg.Merge(upd)
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	arg, err := updateParams(key, merged)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateAgent(ctx, arg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent: update: %w", err)
	}

	s.events.Publish(ctx, events.New(events.TypeUpdated, key))
	return toRecord(updated)
}

// Delete stops the agent if it is running (best effort), then removes
// the stored config and any controller entry. Fails with ErrNotFound
// only when the config never existed.
func (s *Service) Delete(ctx context.Context, name string) error {
	key := Normalize(name)

	if err := s.Stop(ctx, key); err != nil {
		slog.Error("agent: stop before delete failed",
			slog.String("agent", key),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	delete(s.controllers, key)
	s.mu.Unlock()

	if err := s.store.DeleteAgentByName(ctx, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("agent: delete: %w", err)
	}

	s.events.Publish(ctx, events.New(events.TypeDeleted, key))
	return nil
}

// --- Lifecycle ---

// Start builds a fresh handle from the stored config, registers a
// controller for it, and launches its loop. Exactly one of two
// concurrent starts for the same key can succeed; the other observes
// ErrAlreadyRunning. A failed start leaves no controller behind.
func (s *Service) Start(ctx context.Context, name string) error {
	key := Normalize(name)

	row, err := s.store.GetAgentByName(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("agent: get for start: %w", err)
	}
	cfg, err := configFromRow(row)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ctrl, ok := s.controllers[key]; ok && ctrl.IsRunning() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}

	handle, err := s.factory.NewHandle(cfg)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHandleCreation, key, err)
	}

	ctrl := NewController(handle, s.cadence, s.backoff)
	s.controllers[key] = ctrl
	if err := ctrl.Start(); err != nil {
		// A controller that failed to start must not linger as a
		// phantom-running slot.
		delete(s.controllers, key)
		return err
	}

	slog.Info("agent: started", slog.String("agent", key))
	s.events.Publish(ctx, events.New(events.TypeStarted, key))
	return nil
}

// Stop halts a running agent. With no registered controller it is a
// successful no-op. On stop timeout the controller stays registered so
// the caller can retry; on success the slot's controller is cleared.
func (s *Service) Stop(ctx context.Context, name string) error {
	key := Normalize(name)

	s.mu.Lock()
	ctrl, ok := s.controllers[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := ctrl.Stop(s.stopTimeout); err != nil {
		return err
	}

	s.mu.Lock()
	// Only clear the slot if it still holds the controller we stopped;
	// a concurrent restart may have replaced it.
	if cur, ok := s.controllers[key]; ok && cur == ctrl {
		delete(s.controllers, key)
	}
	s.mu.Unlock()

	slog.Info("agent: stopped", slog.String("agent", key))
	s.events.Publish(ctx, events.New(events.TypeStopped, key))
	return nil
}

// IsRunning reports whether the agent's loop is active. False when no
// controller is registered.
func (s *Service) IsRunning(name string) bool {
	s.mu.Lock()
	ctrl, ok := s.controllers[Normalize(name)]
	s.mu.Unlock()
	return ok && ctrl.IsRunning()
}

// Actions lists the available actions per connection of a running
// agent. ErrNotFound when the config is absent; ErrNotRunning when no
// loop is active, since only a running agent has live connections.
func (s *Service) Actions(ctx context.Context, name string) (map[string][]string, error) {
	key := Normalize(name)

	if _, err := s.store.GetAgentByName(ctx, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent: get for actions: %w", err)
	}

	s.mu.Lock()
	ctrl, ok := s.controllers[key]
	s.mu.Unlock()
	if !ok || !ctrl.IsRunning() {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, key)
	}
	return ctrl.Actions(), nil
}

// RequestAction performs a one-shot action. A registered controller
// handles it whether or not its loop is running. With no controller the
// action runs on a transient handle built from the stored config and
// discarded afterwards; nothing is registered.
func (s *Service) RequestAction(ctx context.Context, name, connection, action string, params []any) (any, error) {
	key := Normalize(name)

	s.mu.Lock()
	ctrl, ok := s.controllers[key]
	s.mu.Unlock()
	if ok {
		return ctrl.RequestAction(ctx, connection, action, params)
	}

	row, err := s.store.GetAgentByName(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent: get for action: %w", err)
	}
	cfg, err := configFromRow(row)
	if err != nil {
		return nil, err
	}

	handle, err := s.factory.NewHandle(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHandleCreation, key, err)
	}
	out, err := handle.PerformAction(ctx, connection, action, params)
	if err != nil {
		return nil, fmt.Errorf("agent: action %q on %s: %w", action, key, err)
	}
	return out, nil
}

// --- Legacy import ---

// ImportLegacy loads per-agent JSON config files from dir into the
// database, skipping general.json, files that fail to parse, and agents
// that already exist. Returns the number of agents imported.
func (s *Service) ImportLegacy(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("agent: read legacy dir: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == "general.json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("agent: read legacy config", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Error("agent: parse legacy config", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if _, err := s.Create(ctx, cfg); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			slog.Error("agent: import legacy config", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		imported++
	}
	return imported, nil
}

// --- Row conversions ---

func toRecord(a store.Agent) (*Record, error) {
	cfg, err := configFromRow(a)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:                   a.ID,
		Name:                 a.Name,
		DisplayName:          a.DisplayName,
		Bio:                  cfg.Bio,
		Traits:               cfg.Traits,
		Examples:             cfg.Examples,
		ExampleAccounts:      cfg.ExampleAccounts,
		LoopDelay:            a.LoopDelay,
		UseTimeBasedWeights:  a.UseTimeBasedWeights,
		TimeBasedMultipliers: cfg.TimeBasedMultipliers,
		Config:               cfg.Connections.Sanitized(),
		Tasks:                cfg.Tasks,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}, nil
}

// configFromRow rebuilds the domain config from a stored row.
func configFromRow(a store.Agent) (Config, error) {
	cfg := Config{
		Name:                a.DisplayName,
		LoopDelay:           a.LoopDelay,
		UseTimeBasedWeights: a.UseTimeBasedWeights,
	}
	fields := []struct {
		raw json.RawMessage
		dst any
	}{
		{a.Bio, &cfg.Bio},
		{a.Traits, &cfg.Traits},
		{a.Examples, &cfg.Examples},
		{a.ExampleAccounts, &cfg.ExampleAccounts},
		{a.TimeBasedMultipliers, &cfg.TimeBasedMultipliers},
		{a.Config, &cfg.Connections},
		{a.Tasks, &cfg.Tasks},
	}
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return Config{}, fmt.Errorf("agent: decode stored config for %s: %w", a.Name, err)
		}
	}
	ensureLists(&cfg)
	return cfg, nil
}

func ensureLists(cfg *Config) {
	if cfg.Bio == nil {
		cfg.Bio = []string{}
	}
	if cfg.Traits == nil {
		cfg.Traits = []string{}
	}
	if cfg.Examples == nil {
		cfg.Examples = []string{}
	}
	if cfg.ExampleAccounts == nil {
		cfg.ExampleAccounts = []string{}
	}
	if cfg.Connections == nil {
		cfg.Connections = ConnectionConfigs{}
	}
	if cfg.Tasks == nil {
		cfg.Tasks = []Task{}
	}
}

func createParams(cfg Config) (store.CreateAgentParams, error) {
	raw, err := marshalRowFields(cfg)
	if err != nil {
		return store.CreateAgentParams{}, err
	}
	return store.CreateAgentParams{
		Name:                 Normalize(cfg.Name),
		DisplayName:          strings.TrimSpace(cfg.Name),
		Bio:                  raw.bio,
		Traits:               raw.traits,
		Examples:             raw.examples,
		ExampleAccounts:      raw.exampleAccounts,
		LoopDelay:            cfg.LoopDelay,
		UseTimeBasedWeights:  cfg.UseTimeBasedWeights,
		TimeBasedMultipliers: raw.multipliers,
		Config:               raw.connections,
		Tasks:                raw.tasks,
	}, nil
}

func updateParams(key string, cfg Config) (store.UpdateAgentParams, error) {
	raw, err := marshalRowFields(cfg)
	if err != nil {
		return store.UpdateAgentParams{}, err
	}
	return store.UpdateAgentParams{
		Name:                 key,
		DisplayName:          strings.TrimSpace(cfg.Name),
		Bio:                  raw.bio,
		Traits:               raw.traits,
		Examples:             raw.examples,
		ExampleAccounts:      raw.exampleAccounts,
		LoopDelay:            cfg.LoopDelay,
		UseTimeBasedWeights:  cfg.UseTimeBasedWeights,
		TimeBasedMultipliers: raw.multipliers,
		Config:               raw.connections,
		Tasks:                raw.tasks,
	}, nil
}

type rowFields struct {
	bio, traits, examples, exampleAccounts json.RawMessage
	multipliers, connections, tasks        json.RawMessage
}

func marshalRowFields(cfg Config) (rowFields, error) {
	ensureLists(&cfg)
	var (
		out rowFields
		err error
	)
	marshal := func(dst *json.RawMessage, v any) {
		if err != nil {
			return
		}
		var data []byte
		if data, err = json.Marshal(v); err == nil {
			*dst = data
		}
	}
	marshal(&out.bio, cfg.Bio)
	marshal(&out.traits, cfg.Traits)
	marshal(&out.examples, cfg.Examples)
	marshal(&out.exampleAccounts, cfg.ExampleAccounts)
	marshal(&out.multipliers, cfg.TimeBasedMultipliers)
	marshal(&out.connections, cfg.Connections)
	marshal(&out.tasks, cfg.Tasks)
	if err != nil {
		return rowFields{}, fmt.Errorf("agent: encode config: %w", err)
	}
	return out, nil
}
