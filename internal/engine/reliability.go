package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/dns-sentinel/internal/connectors"
	"github.com/xela07ax/dns-sentinel/internal/infra"
)

// ReliabilityWrapper оборачивает коннектор модели в три слоя защиты:
// rate limiter (локальный сервер инференса фактически однопоточный,
// параллельные запросы его только душат), circuit breaker и ретраи
// транспортных ошибок. Ретраи невалидной схемы — не здесь: это логика
// классификатора, у них свой corrective-промпт.
type ReliabilityWrapper struct {
	next    connectors.Provider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration

	onStateChange func(open bool)
}

func NewReliabilityWrapper(next connectors.Provider, cfg infra.ModelConfig) *ReliabilityWrapper {
	// Нулевая скорость означает "без лимита": limiter с limit=0
	// не выдал бы ни одного токена и навсегда заблокировал Complete.
	limit := rate.Limit(cfg.RatePerSec)
	if cfg.RatePerSec <= 0 {
		limit = rate.Inf
	}
	w := &ReliabilityWrapper{
		next:    next,
		limiter: rate.NewLimiter(limit, 1),
		timeout: cfg.Timeout,
	}

	threshold := cfg.CBThreshold
	if threshold == 0 {
		threshold = 5
	}
	w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model-" + next.Name(),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if w.onStateChange != nil {
				w.onStateChange(to == gobreaker.StateOpen)
			}
		},
	})
	return w
}

// SetStateObserver подключает метрику состояния предохранителя.
func (w *ReliabilityWrapper) SetStateObserver(fn func(open bool)) { w.onStateChange = fn }

func (w *ReliabilityWrapper) Name() string { return w.next.Name() }

func (w *ReliabilityWrapper) Complete(ctx context.Context, system, user string) ([]byte, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// 2. Circuit Breaker
	result, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Сервер сам сказал, сколько ждать — слушаемся
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// Иначе стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		var data []byte
		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			var callErr error
			data, callErr = w.next.Complete(tCtx, system, user)
			return callErr
		})
		return data, retryErr
	})

	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
