package domain

import (
	"sort"
	"time"
)

// DomainStat — агрегат по одному домену из логов резолвера за окно наблюдения.
// Значение неизменяемо после чтения из бэкенда.
type DomainStat struct {
	Domain        string    `json:"domain"`
	QueryCount    int       `json:"query_count"`
	UniqueClients []string  `json:"unique_clients"`
	QueryTypes    []string  `json:"query_types"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Batch — упорядоченная пачка доменов для одного запроса к модели.
// Размер ограничен сверху batch_size из конфига.
type Batch struct {
	Index   int
	Domains []DomainStat
}

// RunStats — счетчики одного прогона пайплайна.
type RunStats struct {
	TotalDomainsQueried     int `json:"total_domains_queried"`
	DomainsAfterFiltering   int `json:"domains_after_filtering"`
	DomainsAlreadyEvaluated int `json:"domains_already_evaluated"`
	DomainsToEvaluate       int `json:"domains_to_evaluate"`
	BatchesProcessed        int `json:"batches_processed"`
	EvaluationsProduced     int `json:"evaluations_produced"`
	EvaluationsStored       int `json:"evaluations_stored"`
	Escalations             int `json:"escalations"`

	// Деградации: пайплайн продолжил работу, но часть результата неполная
	EnrichmentFailures int `json:"enrichment_failures"` // пары домен-источник со статусом error/timeout
	ValidationFallback int `json:"validation_fallback"` // домены, ушедшие в unknown после исчерпания ретраев
	StoreFailures      int `json:"store_failures"`      // вердикты, которые не удалось сохранить
	EscalationFailures int `json:"escalation_failures"` // эскалации, после которых остался первичный вердикт

	BenignCount     int `json:"benign_count"`
	SuspiciousCount int `json:"suspicious_count"`
	MaliciousCount  int `json:"malicious_count"`
	UnknownCount    int `json:"unknown_count"`
}

// Tally раскладывает вердикты по счетчикам уровней угрозы.
func (s *RunStats) Tally(evaluations []DomainEvaluation) {
	for _, ev := range evaluations {
		switch ev.ThreatLevel {
		case ThreatBenign:
			s.BenignCount++
		case ThreatSuspicious:
			s.SuspiciousCount++
		case ThreatMalicious:
			s.MaliciousCount++
		default:
			s.UnknownCount++
		}
		if ev.Escalated {
			s.Escalations++
		}
	}
	s.EvaluationsProduced = len(evaluations)
}

// Report — итог прогона для каналов вывода. Всегда формируется,
// даже если прогон завершился частично.
type Report struct {
	RunID       string             `json:"run_id"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Partial     bool               `json:"partial"` // прогон прерван дедлайном, часть батчей пропущена
	Stats       RunStats           `json:"stats"`
	Evaluations []DomainEvaluation `json:"evaluations"`
}

// Threats возвращает небенигные вердикты, отсортированные по убыванию уверенности.
func (r *Report) Threats() []DomainEvaluation {
	out := make([]DomainEvaluation, 0, len(r.Evaluations))
	for _, ev := range r.Evaluations {
		if ev.ThreatLevel != ThreatBenign {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
