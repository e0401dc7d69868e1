package engine

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/infra"
)

// EvalCache — двухуровневый кэш уже оценённых доменов: L1 в памяти процесса,
// L2 в Redis с TTL на каждый ключ. Redis опционален: при nil-клиенте кэш
// работает только на L1, и дедупликация между прогонами целиком ложится
// на выборку из хранилища вердиктов.
type EvalCache struct {
	mu     sync.RWMutex
	local  map[string]struct{}
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewEvalCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *EvalCache {
	return &EvalCache{
		local:  make(map[string]struct{}),
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// Warmup прогревает оба уровня из хранилища вердиктов. Распределенная
// блокировка (SetNX) гарантирует, что Redis наполняет только один инстанс.
func (c *EvalCache) Warmup(ctx context.Context, domains []string) error {
	// 1. Обновляем локальный кэш (L1)
	c.mu.Lock()
	for _, d := range domains {
		c.local[d] = struct{}{}
	}
	c.mu.Unlock()

	if c.rdb == nil || len(domains) == 0 {
		return nil
	}

	// 2. Блокировка, чтобы только один инстанс обновлял Redis
	ok, err := c.rdb.SetNX(ctx, infra.RedisKeyLockWarmup, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}

	c.logger.Info("warming evaluated-domain cache in Redis",
		zap.Int("count", len(domains)))

	pipe := c.rdb.Pipeline()
	for _, d := range domains {
		pipe.Set(ctx, infra.EvaluatedKey(d), "1", c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// FilterEvaluated возвращает подмножество candidates, которого нет в кэше.
// Ошибки Redis не фатальны: домен просто пойдёт на повторную оценку.
func (c *EvalCache) FilterEvaluated(ctx context.Context, candidates []string) []string {
	fresh := make([]string, 0, len(candidates))

	c.mu.RLock()
	var misses []string
	for _, d := range candidates {
		if _, hit := c.local[d]; !hit {
			misses = append(misses, d)
		}
	}
	c.mu.RUnlock()

	if c.rdb == nil || len(misses) == 0 {
		return misses
	}

	keys := make([]string, len(misses))
	for i, d := range misses {
		keys[i] = infra.EvaluatedKey(d)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("evaluated-domain cache lookup failed, skipping L2",
			zap.Error(err))
		return misses
	}

	for i, v := range vals {
		if v == nil {
			fresh = append(fresh, misses[i])
			continue
		}
		// Подтягиваем находку в L1, чтобы не ходить в Redis повторно
		c.mu.Lock()
		c.local[misses[i]] = struct{}{}
		c.mu.Unlock()
	}
	return fresh
}

// MarkEvaluated фиксирует свежий вердикт в обоих уровнях.
func (c *EvalCache) MarkEvaluated(ctx context.Context, domain string) {
	c.mu.Lock()
	c.local[domain] = struct{}{}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, infra.EvaluatedKey(domain), "1", c.ttl).Err(); err != nil {
		c.logger.Warn("failed to persist evaluated mark to Redis",
			zap.String("domain", domain), zap.Error(err))
	}
}
