package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/dns-sentinel/internal/audit"
)

// JournalRepo хранит события журнала прогонов в той же базе, что и вердикты.
type JournalRepo struct {
	pool *pgxpool.Pool
}

// NewJournalRepo переиспользует пул уже открытого Source.
func NewJournalRepo(ctx context.Context, src *Source) (*JournalRepo, error) {
	r := &JournalRepo{pool: src.pool}
	query := `
		CREATE TABLE IF NOT EXISTS run_events (
			id          UUID PRIMARY KEY,
			run_id      UUID NOT NULL,
			kind        TEXT NOT NULL,
			stage       TEXT NOT NULL DEFAULT '',
			detail      JSONB,
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			timestamp   TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id);`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return nil, fmt.Errorf("postgres: ensure run_events schema: %w", err)
	}
	return r, nil
}

// WriteBatch вставляет пачку событий одним запросом.
func (r *JournalRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	const numFields = 9
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		detail, _ := json.Marshal(e.Detail)
		vals = append(vals,
			e.ID, e.RunID, e.Kind, e.Stage, detail,
			e.Status, e.Error, e.Timestamp, e.DurationMs,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO run_events (id, run_id, kind, stage, detail, status, error, timestamp, duration_ms) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.pool.Exec(ctx, query, vals...)
	return err
}
