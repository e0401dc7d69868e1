package duckdb

/*
Файл source.go — реализация DataSource поверх DuckDB (домашний режим).
База логов резолвера открывается read-only: её пишет коллектор и она
может быть открыта им прямо сейчас. Вердикты живут в отдельном файле,
который принадлежит только нам.
*/

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/infra"
)

// Числовые типы DNS-запросов в логе резолвера
var queryTypeNames = map[int]string{
	1: "A", 2: "AAAA", 3: "ANY", 4: "SRV", 5: "SOA",
	6: "PTR", 7: "TXT", 8: "NAPTR", 9: "MX", 10: "DS",
	11: "RRSIG", 12: "DNSKEY", 13: "NS", 14: "OTHER",
	15: "SVCB", 16: "HTTPS",
}

// Статусы, при которых запрос реально ушел наружу (не заблокирован).
// Заблокированные резолвером домены оценивать бессмысленно.
var allowedStatuses = []string{"2", "3", "12", "13", "14", "17"}

type Source struct {
	queryDB *sql.DB // лог резолвера, read-only
	evalDB  *sql.DB // наши вердикты
	logger  *zap.Logger
}

func NewSource(cfg infra.DuckDBConfig, logger *zap.Logger) (*Source, error) {
	queryDB, err := sql.Open("duckdb", cfg.QueryLogPath+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("duckdb: open query log %s: %w", cfg.QueryLogPath, err)
	}

	if dir := filepath.Dir(cfg.EvaluationsPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			queryDB.Close()
			return nil, fmt.Errorf("duckdb: create data dir: %w", err)
		}
	}
	evalDB, err := sql.Open("duckdb", cfg.EvaluationsPath)
	if err != nil {
		queryDB.Close()
		return nil, fmt.Errorf("duckdb: open evaluations %s: %w", cfg.EvaluationsPath, err)
	}

	s := &Source{queryDB: queryDB, evalDB: evalDB, logger: logger.Named("duckdb")}
	if err := s.ensureSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) ensureSchema() error {
	_, err := s.evalDB.Exec(`
		CREATE SEQUENCE IF NOT EXISTS evaluations_id_seq;
		CREATE TABLE IF NOT EXISTS evaluations (
			id             BIGINT PRIMARY KEY DEFAULT nextval('evaluations_id_seq'),
			domain         VARCHAR NOT NULL,
			threat_level   VARCHAR NOT NULL,
			confidence     INTEGER NOT NULL,
			reasoning      VARCHAR NOT NULL,
			indicators     VARCHAR NOT NULL DEFAULT '',
			evaluated_by   VARCHAR NOT NULL,
			escalated      BOOLEAN NOT NULL DEFAULT FALSE,
			query_count    INTEGER NOT NULL DEFAULT 0,
			unique_clients VARCHAR NOT NULL DEFAULT '',
			evaluated_at   TIMESTAMP NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("duckdb: ensure schema failed: %w", err)
	}
	return nil
}

// FetchDomainStats агрегирует лог резолвера за окно наблюдения.
// Лог хранит epoch-секунды и числовые типы запросов — конвертируем на выходе.
func (s *Source) FetchDomainStats(ctx context.Context, lookback time.Duration) ([]domain.DomainStat, error) {
	since := time.Now().UTC().Add(-lookback).Unix()

	query := fmt.Sprintf(`
		SELECT domain,
		       COUNT(*)                          AS query_count,
		       STRING_AGG(DISTINCT client, ',')                  AS clients,
		       STRING_AGG(DISTINCT CAST(type AS VARCHAR), ',')   AS types,
		       MIN(timestamp)                    AS first_seen,
		       MAX(timestamp)                    AS last_seen
		FROM queries
		WHERE timestamp > ? AND status IN (%s)
		GROUP BY domain`, strings.Join(allowedStatuses, ", "))

	rows, err := s.queryDB.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("duckdb: fetch domain stats: %w", err)
	}
	defer rows.Close()

	var results []domain.DomainStat
	for rows.Next() {
		var st domain.DomainStat
		var clients, types sql.NullString
		var first, last int64
		if err := rows.Scan(&st.Domain, &st.QueryCount, &clients, &types, &first, &last); err != nil {
			return nil, fmt.Errorf("duckdb: scan domain stat: %w", err)
		}
		st.UniqueClients = splitList(clients.String)
		st.QueryTypes = mapQueryTypes(splitList(types.String))
		st.FirstSeen = time.Unix(first, 0).UTC()
		st.LastSeen = time.Unix(last, 0).UTC()
		results = append(results, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("duckdb: fetch domain stats: %w", err)
	}

	s.logger.Info("domain stats fetched", zap.Int("unique_domains", len(results)))
	return results, nil
}

func (s *Source) FetchPreviousEvaluations(ctx context.Context, limit int) ([]domain.DomainEvaluation, error) {
	rows, err := s.evalDB.QueryContext(ctx, `
		SELECT domain, threat_level, confidence, reasoning, indicators,
		       evaluated_by, escalated, query_count, unique_clients, evaluated_at
		FROM evaluations
		ORDER BY evaluated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: fetch previous evaluations: %w", err)
	}
	defer rows.Close()

	var results []domain.DomainEvaluation
	for rows.Next() {
		var ev domain.DomainEvaluation
		var level, indicators, clients string
		if err := rows.Scan(&ev.Domain, &level, &ev.Confidence, &ev.Reasoning, &indicators,
			&ev.EvaluatedBy, &ev.Escalated, &ev.QueryCount, &clients, &ev.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan evaluation: %w", err)
		}
		ev.ThreatLevel, _ = domain.ParseThreatLevel(level)
		ev.Indicators = splitList(indicators)
		ev.UniqueClients = splitList(clients)
		results = append(results, ev)
	}
	return results, rows.Err()
}

func (s *Source) FetchAlreadyEvaluated(ctx context.Context, ttl time.Duration) (map[string]struct{}, error) {
	since := time.Now().UTC().Add(-ttl)

	rows, err := s.evalDB.QueryContext(ctx,
		`SELECT DISTINCT domain FROM evaluations WHERE evaluated_at > ?`, since)
	if err != nil {
		return nil, fmt.Errorf("duckdb: fetch already evaluated: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("duckdb: scan evaluated domain: %w", err)
		}
		out[d] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Source) StoreEvaluations(ctx context.Context, evaluations []domain.DomainEvaluation) (int, error) {
	if len(evaluations) == 0 {
		return 0, nil
	}

	stored := 0
	var lastErr error
	for _, ev := range evaluations {
		_, err := s.evalDB.ExecContext(ctx, `
			INSERT INTO evaluations (domain, threat_level, confidence, reasoning, indicators,
			                         evaluated_by, escalated, query_count, unique_clients, evaluated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		return 0, fmt.Errorf("duckdb: all %d writes failed: %w", len(evaluations), lastErr)
	}
	return stored, nil
}

func (s *Source) Ping(ctx context.Context) error {
	if err := s.queryDB.PingContext(ctx); err != nil {
		return fmt.Errorf("duckdb: query log unreachable: %w", err)
	}
	return s.evalDB.PingContext(ctx)
}

func (s *Source) Close() {
	s.queryDB.Close()
	s.evalDB.Close()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func mapQueryTypes(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		n, err := strconv.Atoi(r)
		if err != nil {
			out = append(out, r)
			continue
		}
		if name, ok := queryTypeNames[n]; ok {
			out = append(out, name)
		} else {
			out = append(out, "TYPE"+r)
		}
	}
	return out
}
