package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

// Уровень L2 (Redis) проверяется интеграционно; здесь — контракт L1.
func TestEvalCacheLocalTier(t *testing.T) {
	c := NewEvalCache(nil, 7*24*time.Hour, zap.NewNop())
	ctx := context.Background()

	if err := c.Warmup(ctx, []string{"warm.test"}); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	c.MarkEvaluated(ctx, "marked.test")

	fresh := c.FilterEvaluated(ctx, []string{"warm.test", "marked.test", "new.test"})
	if len(fresh) != 1 || fresh[0] != "new.test" {
		t.Errorf("FilterEvaluated = %v, want [new.test]", fresh)
	}
}

func TestEvalCacheEmptyCandidates(t *testing.T) {
	c := NewEvalCache(nil, time.Hour, zap.NewNop())

	if fresh := c.FilterEvaluated(context.Background(), nil); len(fresh) != 0 {
		t.Errorf("FilterEvaluated(nil) = %v, want empty", fresh)
	}
}
