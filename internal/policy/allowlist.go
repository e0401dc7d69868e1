package policy

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/infra"
)

// Allowlist — фильтр заведомо безопасных доменов (known-good).
// Срезает дешево весь фоновый шум (CDN, телеметрия, апдейты) до того,
// как домен попадет на платные стадии: сеть и инференс.
// Потокобезопасная мапа в памяти, перечитывается через Refresh.
type Allowlist struct {
	mu       sync.RWMutex
	exact    map[string]struct{}
	suffixes []string

	logger *zap.Logger
}

func NewAllowlist(cfg infra.KnownGoodConfig, logger *zap.Logger) *Allowlist {
	a := &Allowlist{logger: logger.Named("allowlist")}
	a.Refresh(cfg)
	return a
}

// Refresh атомарно заменяет набор правил. Правила нормализуются так же,
// как и проверяемые домены: нижний регистр, без завершающей точки.
func (a *Allowlist) Refresh(cfg infra.KnownGoodConfig) {
	exact := make(map[string]struct{}, len(cfg.Exact))
	for _, d := range cfg.Exact {
		exact[Normalize(d)] = struct{}{}
	}
	suffixes := make([]string, 0, len(cfg.Suffixes))
	for _, s := range cfg.Suffixes {
		s = Normalize(s)
		// Суффикс без ведущей точки матчил бы и середину имени:
		// "oogle.com" не должен закрывать "notgoogle.com".
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		suffixes = append(suffixes, s)
	}

	a.mu.Lock()
	a.exact = exact
	a.suffixes = suffixes
	a.mu.Unlock()

	a.logger.Info("allowlist refreshed",
		zap.Int("exact", len(exact)), zap.Int("suffixes", len(suffixes)))
}

// IsKnownGood проверяет домен по точному совпадению и по суффиксам.
// Суффикс ".google.com" закрывает и сам "google.com".
func (a *Allowlist) IsKnownGood(domain string) bool {
	d := Normalize(domain)

	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.exact[d]; ok {
		return true
	}
	for _, suf := range a.suffixes {
		if strings.HasSuffix(d, suf) || d == suf[1:] {
			return true
		}
	}
	return false
}

// Set добавляет или убирает одно точное правило на лету.
// Используется слушателем сигналов: оператор разобрался с доменом
// и исключает его из будущих прогонов, не дожидаясь перезапуска.
func (a *Allowlist) Set(domain string, allowed bool) {
	d := Normalize(domain)
	if d == "" {
		return
	}

	a.mu.Lock()
	if allowed {
		a.exact[d] = struct{}{}
	} else {
		delete(a.exact, d)
	}
	a.mu.Unlock()

	a.logger.Info("allowlist rule updated",
		zap.String("domain", d), zap.Bool("allowed", allowed))
}

// Normalize приводит DNS-имя к канонической форме для сравнения.
func Normalize(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}
