// Package storage provides durable adapters for the dead letter queue and
// the replay ledger. The controller only depends on the narrow interfaces in
// internal/reliability; these adapters satisfy them against Postgres and
// Redis.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowgate/flowgate-go/internal/reliability"
)

// PostgresStore persists dead letter entries in the dead_letter_entries table.
type PostgresStore struct{ db *pgxpool.Pool }

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{db} }

// Insert implements reliability.Store
func (s *PostgresStore) Insert(ctx context.Context, entry reliability.Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.Exec(ctx, `insert into dead_letter_entries(
id, tenant_id, workflow_name, payload, error_message, error_code,
retry_count, created_at, expires_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, entry.TenantID, entry.WorkflowName, payload, entry.ErrorMessage,
		entry.ErrorCode, entry.RetryCount, entry.CreatedAt, entry.ExpiresAt,
	)
	return err
}

// Get implements reliability.Store
func (s *PostgresStore) Get(ctx context.Context, id string) (*reliability.Entry, error) {
	row := s.db.QueryRow(ctx, `select
id, tenant_id, workflow_name, payload, error_message, error_code,
retry_count, created_at, expires_at
from dead_letter_entries where id = $1`, id)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", reliability.ErrEntryNotFound, id)
		}
		return nil, err
	}
	return entry, nil
}

// List implements reliability.Store
func (s *PostgresStore) List(ctx context.Context, filter reliability.EntryFilter) ([]reliability.Entry, error) {
	query := `select
id, tenant_id, workflow_name, payload, error_message, error_code,
retry_count, created_at, expires_at
from dead_letter_entries`
	args := []any{}
	where := []string{}

	if filter.TenantID != "" {
		where = append(where, fmt.Sprintf(`tenant_id = $%d`, len(args)+1))
		args = append(args, filter.TenantID)
	}
	if !filter.LiveAt.IsZero() {
		where = append(where, fmt.Sprintf(`expires_at >= $%d`, len(args)+1))
		args = append(args, filter.LiveAt)
	}
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, ` and `)
	}
	query += ` order by created_at desc`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` limit $%d`, len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]reliability.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Update implements reliability.Store
func (s *PostgresStore) Update(ctx context.Context, entry reliability.Entry) error {
	tag, err := s.db.Exec(ctx,
		`update dead_letter_entries set retry_count = $2 where id = $1`,
		entry.ID, entry.RetryCount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", reliability.ErrEntryNotFound, entry.ID)
	}
	return nil
}

// Delete implements reliability.Store
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `delete from dead_letter_entries where id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", reliability.ErrEntryNotFound, id)
	}
	return nil
}

// DeleteExpired implements reliability.Store
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `delete from dead_letter_entries where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Count implements reliability.Store
func (s *PostgresStore) Count(ctx context.Context) (int, map[string]int, error) {
	rows, err := s.db.Query(ctx,
		`select tenant_id, count(*) from dead_letter_entries group by tenant_id`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	total := 0
	byTenant := make(map[string]int)
	for rows.Next() {
		var tenant string
		var count int
		if err := rows.Scan(&tenant, &count); err != nil {
			return 0, nil, err
		}
		byTenant[tenant] = count
		total += count
	}
	return total, byTenant, rows.Err()
}

func scanEntry(row pgx.Row) (*reliability.Entry, error) {
	var entry reliability.Entry
	var payload []byte

	err := row.Scan(&entry.ID, &entry.TenantID, &entry.WorkflowName, &payload,
		&entry.ErrorMessage, &entry.ErrorCode, &entry.RetryCount,
		&entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &entry, nil
}

// PostgresLedger persists replay ledger rows in the replay_ledger table,
// one row per tenant.
type PostgresLedger struct{ db *pgxpool.Pool }

// NewPostgresLedger creates a ledger over an existing pool.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger { return &PostgresLedger{db} }

// Get implements reliability.Ledger
func (l *PostgresLedger) Get(ctx context.Context, tenantID string) (*reliability.LedgerEntry, error) {
	var entry reliability.LedgerEntry
	err := l.db.QueryRow(ctx, `select tenant_id, last_processed_event_id, last_processed_at
from replay_ledger where tenant_id = $1`, tenantID).
		Scan(&entry.TenantID, &entry.LastProcessedEventID, &entry.LastProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Upsert implements reliability.Ledger. Row-level upsert atomicity comes from
// the database, not controller-side locking.
func (l *PostgresLedger) Upsert(ctx context.Context, entry reliability.LedgerEntry) error {
	_, err := l.db.Exec(ctx, `insert into replay_ledger(
tenant_id, last_processed_event_id, last_processed_at
) values ($1,$2,$3)
on conflict (tenant_id) do update set
last_processed_event_id = excluded.last_processed_event_id,
last_processed_at = excluded.last_processed_at`,
		entry.TenantID, entry.LastProcessedEventID, entry.LastProcessedAt,
	)
	return err
}
