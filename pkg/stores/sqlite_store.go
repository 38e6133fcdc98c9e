package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SavePlan inserts or replaces a plan and rewrites its steps.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	metadata, err := marshalJSON(plan.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode plan metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, goal, status, backend, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			backend = excluded.backend,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`,
		plan.ID,
		plan.Goal,
		plan.Status,
		plan.Backend,
		metadata,
		formatTime(plan.CreatedAt),
		formatTime(plan.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE plan_id = ?`, plan.ID); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO steps (plan_id, position, id, action, description, params, requires_confirmation, status, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for i, step := range plan.Steps {
		params, err := marshalJSON(step.Params)
		if err != nil {
			return fmt.Errorf("failed to encode params of step %s: %w", step.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			plan.ID,
			i,
			step.ID,
			step.Action,
			step.Description,
			params,
			step.RequiresConfirmation,
			step.Status,
			step.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan and its steps by ID
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, status, backend, metadata, created_at, updated_at
		FROM plans
		WHERE id = ?
	`, id)

	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("plan %s not found", id), nil)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadSteps(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ListPlans returns plans newest first. A non-positive limit returns all.
func (s *SQLiteStore) ListPlans(ctx context.Context, limit int) ([]*engine.Plan, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, status, backend, metadata, created_at, updated_at
		FROM plans
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*engine.Plan{}
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	for _, plan := range plans {
		if err := s.loadSteps(ctx, plan); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, plan *engine.Plan) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, description, params, requires_confirmation, status, reason
		FROM steps
		WHERE plan_id = ?
		ORDER BY position
	`, plan.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	plan.Steps = []engine.Step{}
	for rows.Next() {
		var (
			step   engine.Step
			params sql.NullString
		)
		err := rows.Scan(
			&step.ID,
			&step.Action,
			&step.Description,
			&params,
			&step.RequiresConfirmation,
			&step.Status,
			&step.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}
		if err := unmarshalJSON(params, &step.Params); err != nil {
			return fmt.Errorf("failed to decode params of step %s: %w", step.ID, err)
		}
		plan.Steps = append(plan.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating steps: %w", err)
	}
	return nil
}

// AppendExecution records one step attempt.
func (s *SQLiteStore) AppendExecution(ctx context.Context, exec engine.Execution) error {
	result, err := marshalJSON(exec.Result)
	if err != nil {
		return fmt.Errorf("failed to encode execution result: %w", err)
	}
	var envelope sql.NullString
	if exec.Error != nil {
		b, err := json.Marshal(exec.Error)
		if err != nil {
			return fmt.Errorf("failed to encode execution error: %w", err)
		}
		envelope = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, plan_id, step_id, action, status, result, error, backend, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.PlanID,
		exec.StepID,
		exec.Action,
		exec.Status,
		result,
		envelope,
		exec.Backend,
		formatTime(exec.StartedAt),
		formatTime(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append execution: %w", err)
	}
	return nil
}

// ListExecutions returns a plan's executions in the order they were recorded.
func (s *SQLiteStore) ListExecutions(ctx context.Context, planID string) ([]engine.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, step_id, action, status, result, error, backend, started_at, completed_at
		FROM executions
		WHERE plan_id = ?
		ORDER BY seq
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []engine.Execution{}
	for rows.Next() {
		var (
			exec                 engine.Execution
			result, envelope     sql.NullString
			startedAt, completed string
		)
		err := rows.Scan(
			&exec.ID,
			&exec.PlanID,
			&exec.StepID,
			&exec.Action,
			&exec.Status,
			&result,
			&envelope,
			&exec.Backend,
			&startedAt,
			&completed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if err := unmarshalJSON(result, &exec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode execution result: %w", err)
		}
		if envelope.Valid {
			exec.Error = &engine.Envelope{}
			if err := json.Unmarshal([]byte(envelope.String), exec.Error); err != nil {
				return nil, fmt.Errorf("failed to decode execution error: %w", err)
			}
		}
		if exec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		if exec.CompletedAt, err = parseTime(completed); err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return execs, nil
}

// AppendEvent records a lifecycle event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	details, err := marshalJSON(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, plan_id, step_id, backend, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Type,
		event.PlanID,
		event.StepID,
		event.Backend,
		event.Level,
		event.Message,
		details,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents retrieves events with optional filters, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]*engine.Event, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultEventLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, plan_id, step_id, backend, level, message, details, timestamp
		FROM events
		WHERE (? = '' OR plan_id = ?)
		  AND (? = '' OR type = ?)
		ORDER BY seq
		LIMIT ?
	`, q.PlanID, q.PlanID, string(q.Type), string(q.Type), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			event     engine.Event
			details   sql.NullString
			timestamp string
		)
		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.PlanID,
			&event.StepID,
			&event.Backend,
			&event.Level,
			&event.Message,
			&details,
			&timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := unmarshalJSON(details, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}
		if event.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row scanner) (*engine.Plan, error) {
	var (
		plan                 engine.Plan
		metadata             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&plan.ID,
		&plan.Goal,
		&plan.Status,
		&plan.Backend,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	if err := unmarshalJSON(metadata, &plan.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode plan metadata: %w", err)
	}
	if plan.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if plan.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &plan, nil
}

// marshalJSON stores empty maps as NULL.
func marshalJSON[M ~map[K]V, K comparable, V any](m M) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
