package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/infra"
	"github.com/xela07ax/dns-sentinel/internal/policy"
)

// ListenAllowlistSignals — живучая подписка на канал правок allowlist.
// Оператор публикует в Redis сигнал вида "домен:on" (добавить правило)
// или "домен:off" (убрать) — правка применяется ко всем инстансам сразу,
// без перезапуска и без ожидания следующего прогона.
// Цикл переживает обрывы соединения: подписка поднимается заново.
func ListenAllowlistSignals(
	ctx context.Context,
	rdb *redis.Client,
	allow *policy.Allowlist,
	logger *zap.Logger,
) {
	logger = logger.Named("allowlist-listener")

	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, infra.RedisChanAllowlist)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Error("failed to subscribe",
				zap.String("chan", infra.RedisChanAllowlist), zap.Error(err))
			pubsub.Close()
			time.Sleep(5 * time.Second)
			continue
		}
		logger.Info("subscribed to allowlist signals")

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				// Разбор формата "домен:on|off". Двоеточие в DNS-имени
				// не встречается, так что режем по последнему.
				idx := strings.LastIndex(msg.Payload, ":")
				if idx <= 0 {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				name := msg.Payload[:idx]
				state := msg.Payload[idx+1:]
				allow.Set(name, state == "on" || state == "true")
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}
