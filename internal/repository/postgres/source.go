package postgres

/*
Файл source.go — реализация DataSource поверх PostgreSQL (режим SIEM).
Логи резолвера складывает в таблицу внешний коллектор (fluentbit/vector),
мы их только читаем. Таблица вердиктов принадлежит нам целиком.
*/

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/infra"
)

type Source struct {
	pool   *pgxpool.Pool
	cfg    infra.PostgresConfig
	logger *zap.Logger
}

func NewSource(ctx context.Context, cfg infra.PostgresConfig, logger *zap.Logger) (*Source, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection url: %w", err)
	}
	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool init failed: %w", err)
	}

	s := &Source{pool: pool, cfg: cfg, logger: logger.Named("postgres")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema создает таблицу вердиктов, если её еще нет.
// Таблицу логов не трогаем — она принадлежит коллектору.
func (s *Source) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id            BIGSERIAL PRIMARY KEY,
			domain        TEXT NOT NULL,
			threat_level  TEXT NOT NULL,
			confidence    INT  NOT NULL,
			reasoning     TEXT NOT NULL,
			indicators    TEXT NOT NULL DEFAULT '',
			evaluated_by  TEXT NOT NULL,
			escalated     BOOLEAN NOT NULL DEFAULT FALSE,
			query_count   INT NOT NULL DEFAULT 0,
			unique_clients TEXT NOT NULL DEFAULT '',
			evaluated_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_domain ON %s (domain);
		CREATE INDEX IF NOT EXISTS idx_%s_at ON %s (evaluated_at);`,
		s.cfg.EvaluationsTable,
		s.cfg.EvaluationsTable, s.cfg.EvaluationsTable,
		s.cfg.EvaluationsTable, s.cfg.EvaluationsTable,
	)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("postgres: ensure schema failed: %w", err)
	}
	return nil
}

// FetchDomainStats агрегирует уникальные домены за окно наблюдения.
// Агрегация на стороне базы: сырые строки логов в приложение не тянем.
func (s *Source) FetchDomainStats(ctx context.Context, lookback time.Duration) ([]domain.DomainStat, error) {
	since := time.Now().UTC().Add(-lookback)

	query := fmt.Sprintf(`
		SELECT domain,
		       COUNT(*)                        AS query_count,
		       ARRAY_AGG(DISTINCT client)      AS clients,
		       ARRAY_AGG(DISTINCT query_type)  AS query_types,
		       MIN(ts)                         AS first_seen,
		       MAX(ts)                         AS last_seen
		FROM %s
		WHERE ts > $1
		GROUP BY domain`, s.cfg.QueryLogTable)

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch domain stats: %w", err)
	}
	defer rows.Close()

	var results []domain.DomainStat
	for rows.Next() {
		var st domain.DomainStat
		if err := rows.Scan(&st.Domain, &st.QueryCount, &st.UniqueClients,
			&st.QueryTypes, &st.FirstSeen, &st.LastSeen); err != nil {
			return nil, fmt.Errorf("postgres: scan domain stat: %w", err)
		}
		results = append(results, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch domain stats: %w", err)
	}

	s.logger.Info("domain stats fetched",
		zap.Int("unique_domains", len(results)), zap.Time("since", since))
	return results, nil
}

func (s *Source) FetchPreviousEvaluations(ctx context.Context, limit int) ([]domain.DomainEvaluation, error) {
	query := fmt.Sprintf(`
		SELECT domain, threat_level, confidence, reasoning, indicators,
		       evaluated_by, escalated, query_count, unique_clients, evaluated_at
		FROM %s
		ORDER BY evaluated_at DESC
		LIMIT $1`, s.cfg.EvaluationsTable)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch previous evaluations: %w", err)
	}
	defer rows.Close()

	var results []domain.DomainEvaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}

func (s *Source) FetchAlreadyEvaluated(ctx context.Context, ttl time.Duration) (map[string]struct{}, error) {
	since := time.Now().UTC().Add(-ttl)

	query := fmt.Sprintf(
		`SELECT DISTINCT domain FROM %s WHERE evaluated_at > $1`, s.cfg.EvaluationsTable)

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch already evaluated: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("postgres: scan evaluated domain: %w", err)
		}
		out[d] = struct{}{}
	}
	return out, rows.Err()
}

// StoreEvaluations пишет вердикты по одному: отказ на одной записи не
// откатывает остальные. Ошибку возвращаем только при полном отказе.
func (s *Source) StoreEvaluations(ctx context.Context, evaluations []domain.DomainEvaluation) (int, error) {
	if len(evaluations) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (domain, threat_level, confidence, reasoning, indicators,
		                evaluated_by, escalated, query_count, unique_clients, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.cfg.EvaluationsTable)

	stored := 0
	var lastErr error
	for _, ev := range evaluations {
		_, err := s.pool.Exec(ctx, query,
			ev.Domain, string(ev.ThreatLevel), ev.Confidence, ev.Reasoning,
			strings.Join(ev.Indicators, ","), ev.EvaluatedBy, ev.Escalated,
			ev.QueryCount, strings.Join(ev.UniqueClients, ","), ev.EvaluatedAt,
		)
		if err != nil {
			lastErr = err
			s.logger.Error("evaluation store failed",
				zap.String("domain", ev.Domain), zap.Error(err))
			continue
		}
		stored++
	}

	if stored == 0 && lastErr != nil {
		return 0, fmt.Errorf("postgres: all %d writes failed: %w", len(evaluations), lastErr)
	}
	return stored, nil
}

func (s *Source) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Source) Close() {
	s.pool.Close()
}

func scanEvaluation(rows pgx.Rows) (domain.DomainEvaluation, error) {
	var ev domain.DomainEvaluation
	var level, indicators, clients string

	err := rows.Scan(&ev.Domain, &level, &ev.Confidence, &ev.Reasoning, &indicators,
		&ev.EvaluatedBy, &ev.Escalated, &ev.QueryCount, &clients, &ev.EvaluatedAt)
	if err != nil {
		return ev, fmt.Errorf("postgres: scan evaluation: %w", err)
	}

	ev.ThreatLevel, _ = domain.ParseThreatLevel(level)
	ev.Indicators = splitList(indicators)
	ev.UniqueClients = splitList(clients)
	return ev, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
