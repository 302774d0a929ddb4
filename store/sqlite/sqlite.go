// Package sqlite implements plexus.Store using pure-Go SQLite.
// Orchestration records are stored as JSON text. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/plexal/plexus"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key parameters.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements plexus.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ plexus.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agent_configs (
			agent_id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			template TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dags (
			id TEXT PRIMARY KEY,
			dag TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			dag_id TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scaling_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			event TEXT NOT NULL,
			at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_executions_dag ON executions(dag_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_scaling_agent ON scaling_events(agent_id, at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Agent configs ---

func (s *Store) SaveAgentConfig(ctx context.Context, cfg plexus.AgentConfig) error {
	start := time.Now()
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_configs (agent_id, config, updated_at) VALUES (?, ?, ?)`,
		cfg.AgentID, string(data), time.Now().Unix())
	if err != nil {
		s.logger.Error("sqlite: save agent config failed", "agent_id", cfg.AgentID, "error", err)
		return fmt.Errorf("save agent config: %w", err)
	}
	s.logger.Debug("sqlite: save agent config ok", "agent_id", cfg.AgentID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetAgentConfig(ctx context.Context, agentID string) (plexus.AgentConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM agent_configs WHERE agent_id = ?`, agentID).Scan(&raw)
	if err == sql.ErrNoRows {
		return plexus.AgentConfig{}, plexus.ErrNotFound
	}
	if err != nil {
		return plexus.AgentConfig{}, fmt.Errorf("get agent config: %w", err)
	}
	var cfg plexus.AgentConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return plexus.AgentConfig{}, fmt.Errorf("decode agent config: %w", err)
	}
	return cfg, nil
}

func (s *Store) ListAgentConfigs(ctx context.Context) ([]plexus.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config FROM agent_configs ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agent configs: %w", err)
	}
	defer rows.Close()

	var configs []plexus.AgentConfig
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan agent config: %w", err)
		}
		var cfg plexus.AgentConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("decode agent config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *Store) DeleteAgentConfig(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_configs WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent config: %w", err)
	}
	s.logger.Debug("sqlite: delete agent config ok", "agent_id", agentID)
	return nil
}

// --- Templates ---

func (s *Store) SaveTemplate(ctx context.Context, t plexus.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO templates (id, template, updated_at) VALUES (?, ?, ?)`,
		t.ID, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	s.logger.Debug("sqlite: save template ok", "id", t.ID)
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (plexus.Template, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT template FROM templates WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return plexus.Template{}, plexus.ErrNotFound
	}
	if err != nil {
		return plexus.Template{}, fmt.Errorf("get template: %w", err)
	}
	var t plexus.Template
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return plexus.Template{}, fmt.Errorf("decode template: %w", err)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]plexus.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT template FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []plexus.Template
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		var t plexus.Template
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// --- DAGs + executions ---

func (s *Store) SaveDAG(ctx context.Context, d plexus.DAG) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dag: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dags (id, dag, created_at) VALUES (?, ?, ?)`,
		d.ID, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save dag: %w", err)
	}
	s.logger.Debug("sqlite: save dag ok", "id", d.ID, "nodes", len(d.Nodes))
	return nil
}

func (s *Store) GetDAG(ctx context.Context, id string) (plexus.DAG, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT dag FROM dags WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return plexus.DAG{}, plexus.ErrNotFound
	}
	if err != nil {
		return plexus.DAG{}, fmt.Errorf("get dag: %w", err)
	}
	var d plexus.DAG
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return plexus.DAG{}, fmt.Errorf("decode dag: %w", err)
	}
	return d, nil
}

func (s *Store) SaveExecution(ctx context.Context, res plexus.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions (id, dag_id, result, created_at) VALUES (?, ?, ?, ?)`,
		res.ExecutionID, res.DAGID, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	s.logger.Debug("sqlite: save execution ok", "id", res.ExecutionID, "status", string(res.Status))
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (plexus.ExecutionResult, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM executions WHERE id = ?`, executionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return plexus.ExecutionResult{}, plexus.ErrNotFound
	}
	if err != nil {
		return plexus.ExecutionResult{}, fmt.Errorf("get execution: %w", err)
	}
	var res plexus.ExecutionResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return plexus.ExecutionResult{}, fmt.Errorf("decode execution: %w", err)
	}
	return res, nil
}

// --- Scaling audit trail ---

func (s *Store) RecordScalingEvent(ctx context.Context, ev plexus.ScalingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal scaling event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scaling_events (agent_id, event, at) VALUES (?, ?, ?)`,
		ev.AgentID, string(data), ev.At.Unix())
	if err != nil {
		return fmt.Errorf("record scaling event: %w", err)
	}
	return nil
}

func (s *Store) ListScalingEvents(ctx context.Context, agentID string, limit int) ([]plexus.ScalingEvent, error) {
	query := `SELECT event FROM scaling_events WHERE agent_id = ? ORDER BY at DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scaling events: %w", err)
	}
	defer rows.Close()

	var events []plexus.ScalingEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan scaling event: %w", err)
		}
		var ev plexus.ScalingEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode scaling event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	return s.db.Close()
}
