package tenantstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicedesk/secretary/internal/calldata"
)

// PostgresStore persists secretary profiles and transfer destinations
// in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS secretary_profiles (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			system_instructions TEXT NOT NULL DEFAULT '',
			greeting TEXT NOT NULL DEFAULT '',
			voice_id TEXT NOT NULL DEFAULT '',
			tool_allow_list TEXT[] NOT NULL DEFAULT '{}',
			vad_mode TEXT NOT NULL DEFAULT 'server',
			vad_thresholds JSONB NOT NULL DEFAULT '{}',
			handoff_keywords TEXT[] NOT NULL DEFAULT '{}',
			max_turns INT NOT NULL DEFAULT 0,
			fallback_message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS transfer_destinations (
			id SERIAL PRIMARY KEY,
			secretary_id TEXT NOT NULL REFERENCES secretary_profiles(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			aliases TEXT[] NOT NULL DEFAULT '{}',
			kind TEXT NOT NULL,
			address TEXT NOT NULL,
			ring_timeout_ms INT NOT NULL DEFAULT 30000,
			max_retries INT NOT NULL DEFAULT 1,
			retry_delay_ms INT NOT NULL DEFAULT 2000,
			fallback_action TEXT NOT NULL DEFAULT 'return_to_agent',
			working_hours TEXT NOT NULL DEFAULT '',
			priority INT NOT NULL DEFAULT 0,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transfer_destinations_secretary ON transfer_destinations (secretary_id, priority);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Profile(ctx context.Context, tenantID, secretaryID string) (calldata.SecretaryProfile, error) {
	var (
		p             calldata.SecretaryProfile
		thresholdsRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, system_instructions, greeting, voice_id, tool_allow_list,
		        vad_mode, vad_thresholds, handoff_keywords, max_turns, fallback_message
		 FROM secretary_profiles WHERE id=$1 AND tenant_id=$2`,
		secretaryID, tenantID,
	).Scan(&p.ID, &p.TenantID, &p.SystemInstructions, &p.Greeting, &p.VoiceID, &p.ToolAllowList,
		&p.VADMode, &thresholdsRaw, &p.HandoffKeywords, &p.MaxTurns, &p.FallbackMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calldata.SecretaryProfile{}, &NotFoundError{TenantID: tenantID, SecretaryID: secretaryID}
		}
		return calldata.SecretaryProfile{}, fmt.Errorf("query secretary profile: %w", err)
	}

	if len(thresholdsRaw) > 0 {
		if err := json.Unmarshal(thresholdsRaw, &p.VADThresholds); err != nil {
			return calldata.SecretaryProfile{}, fmt.Errorf("decode vad_thresholds: %w", err)
		}
	}

	dests, err := s.destinations(ctx, secretaryID)
	if err != nil {
		return calldata.SecretaryProfile{}, err
	}
	p.TransferDests = dests
	return p, nil
}

func (s *PostgresStore) destinations(ctx context.Context, secretaryID string) ([]calldata.TransferDestination, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, aliases, kind, address, ring_timeout_ms, max_retries, retry_delay_ms,
		        fallback_action, working_hours, priority, is_default, enabled
		 FROM transfer_destinations WHERE secretary_id=$1 ORDER BY priority ASC`,
		secretaryID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfer destinations: %w", err)
	}
	defer rows.Close()

	var out []calldata.TransferDestination
	for rows.Next() {
		var (
			d                         calldata.TransferDestination
			ringTimeoutMS, retryDelayMS int64
		)
		if err := rows.Scan(&d.Name, &d.Aliases, &d.Kind, &d.Address, &ringTimeoutMS, &d.MaxRetries,
			&retryDelayMS, &d.FallbackAction, &d.WorkingHours, &d.Priority, &d.Default, &d.Enabled); err != nil {
			return nil, fmt.Errorf("scan transfer destination: %w", err)
		}
		d.RingTimeout = time.Duration(ringTimeoutMS) * time.Millisecond
		d.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer destinations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
