// Package postgres implements plexus.Store using PostgreSQL with JSONB
// columns for orchestration records.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexal/plexus"
)

// Store implements plexus.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ plexus.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agent_configs (
			agent_id TEXT PRIMARY KEY,
			config JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			template JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dags (
			id TEXT PRIMARY KEY,
			dag JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			dag_id TEXT NOT NULL,
			result JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scaling_events (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL,
			event JSONB NOT NULL,
			at BIGINT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_executions_dag ON executions(dag_id)`)
	_, _ = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_scaling_agent ON scaling_events(agent_id, at)`)
	return nil
}

// --- Agent configs ---

func (s *Store) SaveAgentConfig(ctx context.Context, cfg plexus.AgentConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_configs (agent_id, config, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id) DO UPDATE SET config = $2, updated_at = $3`,
		cfg.AgentID, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	return nil
}

func (s *Store) GetAgentConfig(ctx context.Context, agentID string) (plexus.AgentConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT config FROM agent_configs WHERE agent_id = $1`, agentID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return plexus.AgentConfig{}, plexus.ErrNotFound
	}
	if err != nil {
		return plexus.AgentConfig{}, fmt.Errorf("get agent config: %w", err)
	}
	var cfg plexus.AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return plexus.AgentConfig{}, fmt.Errorf("decode agent config: %w", err)
	}
	return cfg, nil
}

func (s *Store) ListAgentConfigs(ctx context.Context) ([]plexus.AgentConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT config FROM agent_configs ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agent configs: %w", err)
	}
	defer rows.Close()

	var configs []plexus.AgentConfig
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan agent config: %w", err)
		}
		var cfg plexus.AgentConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode agent config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *Store) DeleteAgentConfig(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agent_configs WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent config: %w", err)
	}
	return nil
}

// --- Templates ---

func (s *Store) SaveTemplate(ctx context.Context, t plexus.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO templates (id, template, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET template = $2, updated_at = $3`,
		t.ID, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (plexus.Template, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT template FROM templates WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return plexus.Template{}, plexus.ErrNotFound
	}
	if err != nil {
		return plexus.Template{}, fmt.Errorf("get template: %w", err)
	}
	var t plexus.Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return plexus.Template{}, fmt.Errorf("decode template: %w", err)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]plexus.Template, error) {
	rows, err := s.pool.Query(ctx, `SELECT template FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []plexus.Template
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		var t plexus.Template
		if err := json.Unmarshal(raw, &t); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dags (id, dag, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET dag = $2`,
		d.ID, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save dag: %w", err)
	}
	return nil
}

func (s *Store) GetDAG(ctx context.Context, id string) (plexus.DAG, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT dag FROM dags WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return plexus.DAG{}, plexus.ErrNotFound
	}
	if err != nil {
		return plexus.DAG{}, fmt.Errorf("get dag: %w", err)
	}
	var d plexus.DAG
	if err := json.Unmarshal(raw, &d); err != nil {
		return plexus.DAG{}, fmt.Errorf("decode dag: %w", err)
	}
	return d, nil
}

func (s *Store) SaveExecution(ctx context.Context, res plexus.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO executions (id, dag_id, result, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET result = $3`,
		res.ExecutionID, res.DAGID, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (plexus.ExecutionResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM executions WHERE id = $1`, executionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return plexus.ExecutionResult{}, plexus.ErrNotFound
	}
	if err != nil {
		return plexus.ExecutionResult{}, fmt.Errorf("get execution: %w", err)
	}
	var res plexus.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scaling_events (agent_id, event, at) VALUES ($1, $2, $3)`,
		ev.AgentID, data, ev.At.Unix())
	if err != nil {
		return fmt.Errorf("record scaling event: %w", err)
	}
	return nil
}

func (s *Store) ListScalingEvents(ctx context.Context, agentID string, limit int) ([]plexus.ScalingEvent, error) {
	query := `SELECT event FROM scaling_events WHERE agent_id = $1 ORDER BY at DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scaling events: %w", err)
	}
	defer rows.Close()

	var events []plexus.ScalingEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan scaling event: %w", err)
		}
		var ev plexus.ScalingEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode scaling event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error {
	return nil
}
