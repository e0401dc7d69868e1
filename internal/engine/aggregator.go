package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/policy"
	"github.com/xela07ax/dns-sentinel/internal/repository"
)

// Aggregator — первая стадия прогона: собирает домены из логов резолвера,
// отбрасывает известно-хорошие и недавно оценённые, режет остаток на батчи.
// Ошибки чтения логов и множества оценённых фатальны: прогон обрывается
// до того, как потрачен хоть один внешний запрос или вызов модели.
type Aggregator struct {
	src    repository.DataSource
	allow  *policy.Allowlist
	cache  *EvalCache
	logger *zap.Logger

	lookback  time.Duration
	ttl       time.Duration
	batchSize int
}

func NewAggregator(
	src repository.DataSource,
	allow *policy.Allowlist,
	cache *EvalCache,
	lookback, ttl time.Duration,
	batchSize int,
	logger *zap.Logger,
) *Aggregator {
	return &Aggregator{
		src:       src,
		allow:     allow,
		cache:     cache,
		logger:    logger,
		lookback:  lookback,
		ttl:       ttl,
		batchSize: batchSize,
	}
}

// Aggregate выполняет стадию целиком и заполняет счетчики прогона.
func (a *Aggregator) Aggregate(ctx context.Context, stats *domain.RunStats) ([]domain.Batch, error) {
	raw, err := a.src.FetchDomainStats(ctx, a.lookback)
	if err != nil {
		return nil, fmt.Errorf("fetch domain stats: %w", err)
	}
	stats.TotalDomainsQueried = len(raw)

	// Нормализация и дедупликация: бэкенд может отдать один домен дважды
	// (регистр, завершающая точка), счетчики таких записей складываются.
	byName := make(map[string]domain.DomainStat, len(raw))
	for _, st := range raw {
		name := policy.Normalize(st.Domain)
		if name == "" {
			continue
		}
		st.Domain = name
		if prev, ok := byName[name]; ok {
			st = mergeStats(prev, st)
		}
		byName[name] = st
	}

	// Фильтр известно-хороших
	filtered := make([]domain.DomainStat, 0, len(byName))
	for name, st := range byName {
		if a.allow.IsKnownGood(name) {
			continue
		}
		filtered = append(filtered, st)
	}
	stats.DomainsAfterFiltering = len(filtered)

	// Дедупликация против свежих вердиктов: множество из хранилища
	// плюс кэш. Ошибка выборки фатальна: без множества оценённых каждый
	// домен с живым вердиктом заново оплатил бы обогащение и инференс.
	evaluated, err := a.src.FetchAlreadyEvaluated(ctx, a.ttl)
	if err != nil {
		return nil, fmt.Errorf("fetch evaluated set: %w", err)
	}

	candidates := make([]string, 0, len(filtered))
	byDomain := make(map[string]domain.DomainStat, len(filtered))
	for _, st := range filtered {
		if _, done := evaluated[st.Domain]; done {
			continue
		}
		candidates = append(candidates, st.Domain)
		byDomain[st.Domain] = st
	}
	fresh := a.cache.FilterEvaluated(ctx, candidates)

	stats.DomainsToEvaluate = len(fresh)
	stats.DomainsAlreadyEvaluated = stats.DomainsAfterFiltering - stats.DomainsToEvaluate

	pending := make([]domain.DomainStat, 0, len(fresh))
	for _, name := range fresh {
		pending = append(pending, byDomain[name])
	}

	// Детерминированный порядок: самые шумные домены первыми,
	// при равенстве — лексикографически.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].QueryCount != pending[j].QueryCount {
			return pending[i].QueryCount > pending[j].QueryCount
		}
		return pending[i].Domain < pending[j].Domain
	})

	batches := splitBatches(pending, a.batchSize)
	a.logger.Info("aggregation complete",
		zap.Int("total", stats.TotalDomainsQueried),
		zap.Int("after_filter", stats.DomainsAfterFiltering),
		zap.Int("already_evaluated", stats.DomainsAlreadyEvaluated),
		zap.Int("to_evaluate", stats.DomainsToEvaluate),
		zap.Int("batches", len(batches)))
	return batches, nil
}

func mergeStats(a, b domain.DomainStat) domain.DomainStat {
	a.QueryCount += b.QueryCount
	a.UniqueClients = mergeUnique(a.UniqueClients, b.UniqueClients)
	a.QueryTypes = mergeUnique(a.QueryTypes, b.QueryTypes)
	if b.FirstSeen.Before(a.FirstSeen) {
		a.FirstSeen = b.FirstSeen
	}
	if b.LastSeen.After(a.LastSeen) {
		a.LastSeen = b.LastSeen
	}
	return a
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(a, b...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func splitBatches(stats []domain.DomainStat, size int) []domain.Batch {
	if size <= 0 {
		size = 25
	}
	var batches []domain.Batch
	for i := 0; i < len(stats); i += size {
		end := i + size
		if end > len(stats) {
			end = len(stats)
		}
		batches = append(batches, domain.Batch{
			Index:   len(batches),
			Domains: stats[i:end],
		})
	}
	return batches
}
