package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всего сервиса.
// Собирается один раз при старте (файл + ENV + дефолты) и дальше
// передается компонентам явно, никакого глобального состояния.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	DuckDB     DuckDBConfig     `mapstructure:"duckdb"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Model      ModelConfig      `mapstructure:"model"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	KnownGood  KnownGoodConfig  `mapstructure:"known_good"`
	Prompts    PromptsConfig    `mapstructure:"prompts"`
	Output     OutputConfig     `mapstructure:"output"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// SourceConfig выбирает бэкенд логов резолвера.
type SourceConfig struct {
	Backend string `mapstructure:"backend"` // postgres | duckdb
}

// PostgresConfig описывает подключение к PostgreSQL (режим SIEM).
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`

	QueryLogTable    string `mapstructure:"query_log_table"`
	EvaluationsTable string `mapstructure:"evaluations_table"`
}

// DuckDBConfig описывает локальный файловый бэкенд (домашний режим).
type DuckDBConfig struct {
	QueryLogPath    string `mapstructure:"query_log_path"`   // база резолвера, читаем read-only
	EvaluationsPath string `mapstructure:"evaluations_path"` // наша база вердиктов
}

// RedisConfig — опциональный L2-кэш уже оцененных доменов.
// Пустой Addr отключает кэш, источником истины остается основное хранилище.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PipelineConfig — поведение прогона.
type PipelineConfig struct {
	Lookback      time.Duration `mapstructure:"lookback"`       // окно логов
	BatchSize     int           `mapstructure:"batch_size"`     // доменов в одном запросе к модели
	EvaluationTTL time.Duration `mapstructure:"evaluation_ttl"` // окно свежести вердикта
	PriorContext  int           `mapstructure:"prior_context"`  // сколько прошлых вердиктов давать модели
	RunTimeout    time.Duration `mapstructure:"run_timeout"`    // общий дедлайн прогона, 0 = без дедлайна
	Interval      time.Duration `mapstructure:"interval"`       // период между прогонами в режиме демона
}

// EnrichmentSourceConfig — один внешний источник сигналов.
type EnrichmentSourceConfig struct {
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
	Enabled bool          `mapstructure:"enabled"`
}

// EnrichmentConfig — стадия обогащения.
type EnrichmentConfig struct {
	Sources       []EnrichmentSourceConfig `mapstructure:"sources"`
	MaxConcurrent int                      `mapstructure:"max_concurrent"` // общий потолок параллельных запросов
	RatePerSec    float64                  `mapstructure:"rate_per_sec"`   // лимит на внешние вызовы
	Resolver      string                   `mapstructure:"resolver"`       // DNS-сервер для общих запросов, host:port
	OTXAPIKey     string                   `mapstructure:"otx_api_key"`
}

// ModelConfig — первичная модель (локальный Ollama).
type ModelConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Name        string        `mapstructure:"name"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`  // ретраи на невалидную схему ответа
	RatePerSec  float64       `mapstructure:"rate_per_sec"` // локальный сервер фактически однопоточный
	CBThreshold uint32        `mapstructure:"cb_threshold"` // подряд идущих отказов до открытия предохранителя
}

// EscalationConfig — вторичная модель для перепроверки слабых вердиктов.
// Пустой BaseURL означает, что эскалация выключена.
type EscalationConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Model               string        `mapstructure:"model"`
	APIKey              string        `mapstructure:"api_key"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConfidenceThreshold int           `mapstructure:"confidence_threshold"`
}

// KnownGoodConfig — allow-list заведомо безопасной инфраструктуры.
type KnownGoodConfig struct {
	Exact    []string `mapstructure:"exact"`
	Suffixes []string `mapstructure:"suffixes"`
}

// PromptsConfig — тексты промптов. Это данные, а не логика:
// ядро только подставляет значения в шаблоны.
type PromptsConfig struct {
	System           string `mapstructure:"system"`
	EscalationSystem string `mapstructure:"escalation_system"`
	Corrective       string `mapstructure:"corrective"` // добавка при ретрае после невалидной схемы
}

// OutputConfig — каналы доставки отчета.
type OutputConfig struct {
	Console    bool          `mapstructure:"console"`
	WebhookURL string        `mapstructure:"webhook_url"` // пустой = выключен
	Timeout    time.Duration `mapstructure:"webhook_timeout"`
}

// OpsConfig — служебный HTTP-сервер (healthz, metrics, последний отчет).
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. Настройка переменных окружения (ENV)
	// SENTINEL_PIPELINE_BATCH_SIZE=10 перекроет pipeline.batch_size
	v.SetEnvPrefix("SENTINEL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("config: pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.Lookback <= 0 {
		return fmt.Errorf("config: pipeline.lookback must be positive")
	}
	if c.Escalation.ConfidenceThreshold < 0 || c.Escalation.ConfidenceThreshold > 100 {
		return fmt.Errorf("config: escalation.confidence_threshold out of range: %d", c.Escalation.ConfidenceThreshold)
	}
	switch c.Source.Backend {
	case "postgres", "duckdb":
	default:
		return fmt.Errorf("config: unknown source.backend %q", c.Source.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.backend", "duckdb")

	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.query_log_table", "dns_queries")
	v.SetDefault("postgres.evaluations_table", "evaluations")

	v.SetDefault("duckdb.query_log_path", "/var/lib/sentinel/queries.duckdb")
	v.SetDefault("duckdb.evaluations_path", "/var/lib/sentinel/evaluations.duckdb")

	v.SetDefault("pipeline.lookback", 24*time.Hour)
	v.SetDefault("pipeline.batch_size", 25)
	v.SetDefault("pipeline.evaluation_ttl", 7*24*time.Hour)
	v.SetDefault("pipeline.prior_context", 20)
	v.SetDefault("pipeline.run_timeout", 30*time.Minute)
	v.SetDefault("pipeline.interval", 6*time.Hour)

	v.SetDefault("enrichment.max_concurrent", 10)
	v.SetDefault("enrichment.rate_per_sec", 20)
	v.SetDefault("enrichment.resolver", "127.0.0.1:53")
	v.SetDefault("enrichment.sources", []map[string]any{
		{"name": "dns_records", "timeout": "5s", "enabled": true},
		{"name": "quad9", "timeout": "5s", "enabled": true},
		{"name": "cloudflare_families", "timeout": "5s", "enabled": true},
		{"name": "spamhaus_dbl", "timeout": "5s", "enabled": true},
		{"name": "surbl", "timeout": "5s", "enabled": true},
		{"name": "rdap", "timeout": "8s", "enabled": true},
		{"name": "otx", "timeout": "8s", "enabled": true},
	})

	v.SetDefault("model.base_url", "http://localhost:11434")
	v.SetDefault("model.name", "qwen3:14b")
	v.SetDefault("model.timeout", 120*time.Second)
	v.SetDefault("model.max_retries", 3)
	v.SetDefault("model.rate_per_sec", 1)
	v.SetDefault("model.cb_threshold", 5)

	v.SetDefault("escalation.confidence_threshold", 70)
	v.SetDefault("escalation.timeout", 60*time.Second)

	v.SetDefault("prompts.system", defaultSystemPrompt)
	v.SetDefault("prompts.escalation_system", defaultSystemPrompt)
	v.SetDefault("prompts.corrective", defaultCorrectivePrompt)

	v.SetDefault("output.console", true)
	v.SetDefault("output.webhook_timeout", 10*time.Second)

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.addr", ":9090")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Промпты по умолчанию. Переопределяются в конфиге целиком, без шаблонных
// подстановок: динамические части (контекст, список доменов) дописывает движок.
const defaultSystemPrompt = `You are a DNS security analyst. You receive a list of domains queried on a
home network, each with query statistics and threat-intelligence signals.
Classify each domain as benign, suspicious, or malicious and explain briefly.

Respond with a single JSON object of the form:
{"evaluations": [{"domain": "...", "threat_level": "benign|suspicious|malicious",
"confidence": 0-100, "reasoning": "...", "indicators": ["..."]}]}

Rules:
- evaluate every domain in the list, one entry per domain
- confidence is an integer from 0 to 100
- indicators name the concrete signals behind the verdict (blocklist hits,
  domain age, DGA-looking name, threat reports); empty list if none
- well-known CDN, telemetry and advertising domains are benign
- do not invent signals that are not in the input`

const defaultCorrectivePrompt = `Your previous answer did not match the required JSON schema. Respond again
with ONLY the JSON object described in the instructions, no extra text.`
