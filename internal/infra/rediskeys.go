package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "sentinel"
)

const (
	// RedisKeyEvaluatedPrefix — префикс ключей "домен уже оценен".
	// Каждый ключ живет ровно TTL вердикта, Redis сам вычищает протухшие.
	RedisKeyEvaluatedPrefix = RedisNamespace + ":evaluated:"

	// RedisKeyLockWarmup — распределенная блокировка прогрева кэша,
	// чтобы при нескольких инстансах кэш грел только один.
	RedisKeyLockWarmup = RedisNamespace + ":lock:warmup:evaluated"

	// RedisChanAllowlist — канал pub/sub с правками allowlist на лету,
	// формат сообщения "домен:on|off".
	RedisChanAllowlist = RedisNamespace + ":allowlist"
)

// EvaluatedKey Генератор ключа кэша для конкретного домена
func EvaluatedKey(domain string) string {
	return fmt.Sprintf("%s%s", RedisKeyEvaluatedPrefix, domain)
}
