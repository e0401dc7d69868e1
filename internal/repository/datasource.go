package repository

import (
	"context"
	"time"

	"github.com/xela07ax/dns-sentinel/internal/domain"
)

// DataSource — бэкенд-независимый контракт на чтение DNS-логов и
// хранение вердиктов. Пайплайн зависит только от этого интерфейса,
// конкретный бэкенд (Postgres/DuckDB) выбирается конфигом при старте.
type DataSource interface {
	// FetchDomainStats возвращает уникальные домены с агрегатами за окно наблюдения.
	FetchDomainStats(ctx context.Context, lookback time.Duration) ([]domain.DomainStat, error)

	// FetchPreviousEvaluations отдает последние вердикты для few-shot контекста модели.
	FetchPreviousEvaluations(ctx context.Context, limit int) ([]domain.DomainEvaluation, error)

	// FetchAlreadyEvaluated возвращает домены с непротухшим вердиктом (внутри TTL).
	FetchAlreadyEvaluated(ctx context.Context, ttl time.Duration) (map[string]struct{}, error)

	// StoreEvaluations сохраняет вердикты по одному. Возвращает число успешно
	// записанных: частичный отказ — деградация, полный — ошибка.
	StoreEvaluations(ctx context.Context, evaluations []domain.DomainEvaluation) (int, error)

	// Ping проверяет доступность хранилища при старте.
	Ping(ctx context.Context) error

	Close()
}
