package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/infra"
)

// Coordinator — стадия обогащения: fan-out на все источники по каждому
// домену, fan-in в IntelBundle. Правила жесткие:
//   - по одной записи в бандле на каждый источник, что бы с ним ни случилось;
//   - таймаут и ошибка источника — это данные (status=timeout/error), не отказ;
//   - нет ни раннего выхода по первому успеху, ни аборта по первой ошибке.
// Один недоступный фид никогда не валит оценку всей пачки — классификация
// деградирует до "мало сигналов", но происходит.
type Coordinator struct {
	sources  []Source
	timeouts map[string]time.Duration

	sem     chan struct{} // общий потолок параллельных внешних запросов
	limiter *rate.Limiter
	logger  *zap.Logger

	// метрики пишем через callback, чтобы не тащить prometheus в этот пакет
	observe func(source string, status domain.SourceStatus)
}

func NewCoordinator(cfg infra.EnrichmentConfig, logger *zap.Logger) (*Coordinator, error) {
	sources, timeouts, err := BuildSources(cfg)
	if err != nil {
		return nil, err
	}

	maxConc := cfg.MaxConcurrent
	if maxConc < 1 {
		maxConc = 1
	}
	return &Coordinator{
		sources:  sources,
		timeouts: timeouts,
		sem:      make(chan struct{}, maxConc),
		limiter:  newLimiter(cfg.RatePerSec, maxConc),
		logger:   logger.Named("enrich"),
		observe:  func(string, domain.SourceStatus) {},
	}, nil
}

// newLimiter трактует нулевую и отрицательную скорость как отсутствие
// лимита. rate.Limiter с limit=0 никогда не выдает токен, и каждый
// lookup молча умирал бы по таймауту.
func newLimiter(ratePerSec float64, burst int) *rate.Limiter {
	if ratePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), burst)
}

// SetObserver подключает сборщик метрик по парам источник-статус.
func (c *Coordinator) SetObserver(fn func(source string, status domain.SourceStatus)) {
	if fn != nil {
		c.observe = fn
	}
}

// SourceNames возвращает имена активных источников (для отчета и логов).
func (c *Coordinator) SourceNames() []string {
	names := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		names = append(names, s.Name())
	}
	return names
}

// Enrich собирает бандлы для всех доменов пачки. Между доменами порядок
// не гарантируется и не нужен — результат возвращается мапой.
func (c *Coordinator) Enrich(ctx context.Context, batch domain.Batch) map[string]*domain.IntelBundle {
	bundles := make(map[string]*domain.IntelBundle, len(batch.Domains))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, stat := range batch.Domains {
		stat := stat
		g.Go(func() error {
			bundle := c.enrichOne(gctx, stat.Domain)
			mu.Lock()
			bundles[stat.Domain] = bundle
			mu.Unlock()
			return nil // ошибки свернуты в статусы, группу не роняем
		})
	}
	_ = g.Wait()

	return bundles
}

// enrichOne запускает по горутине на источник и ждет всех.
// Полный fan-in: бандл готов, когда каждый источник ответил или исчерпал таймаут.
func (c *Coordinator) enrichOne(ctx context.Context, name string) *domain.IntelBundle {
	bundle := &domain.IntelBundle{
		Domain:  name,
		Sources: make(map[string]domain.SourceResult, len(c.sources)),
	}
	var mu sync.Mutex

	var wg sync.WaitGroup
	for _, src := range c.sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.lookup(ctx, src, name)
			mu.Lock()
			bundle.Sources[src.Name()] = res
			mu.Unlock()
			c.observe(src.Name(), res.Status)
		}()
	}
	wg.Wait()

	bundle.AssembledAt = time.Now().UTC()
	if failed := bundle.FailedSources(); failed > 0 {
		c.logger.Debug("bundle assembled with degraded sources",
			zap.String("domain", name), zap.Int("failed", failed))
	}
	return bundle
}

// lookup — один вызов источника: слот общего семафора, rate limit,
// персональный таймаут, исход свернут в SourceResult.
func (c *Coordinator) lookup(ctx context.Context, src Source, name string) domain.SourceResult {
	start := time.Now()

	fail := func(status domain.SourceStatus, err error) domain.SourceResult {
		return domain.SourceResult{
			Status:  status,
			Err:     err.Error(),
			Elapsed: time.Since(start),
		}
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return fail(domain.SourceTimeout, ctx.Err())
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fail(domain.SourceTimeout, err)
	}

	timeout := c.timeouts[src.Name()]
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := src.Lookup(lctx, name)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		return domain.SourceResult{Status: domain.SourceOK, Payload: payload, Elapsed: elapsed}
	case errors.Is(err, context.DeadlineExceeded):
		return domain.SourceResult{Status: domain.SourceTimeout, Err: err.Error(), Elapsed: elapsed}
	default:
		return domain.SourceResult{Status: domain.SourceError, Err: err.Error(), Elapsed: elapsed}
	}
}
