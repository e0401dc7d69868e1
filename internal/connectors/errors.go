package connectors

import (
	"fmt"
	"time"
)

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

// ThrottleError сигнализирует ретраям, сколько ждать перед повтором:
// сервер модели сам сообщил паузу через Retry-After.
func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
