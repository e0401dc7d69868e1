package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/dns-sentinel/internal/domain"
)

// Сборка пользовательского промпта. Модель получает компактные строки,
// а не сырой JSON обогащения: локальные модели заметно лучше держат
// схему ответа на коротком структурированном входе.

const (
	previousEvaluationsHeader = "Previous evaluations from this network (for calibration):"
	noPreviousEvaluations     = "No previous evaluations are available for this network."
)

// FormatPriorContext превращает прошлые вердикты в few-shot контекст.
func FormatPriorContext(previous []domain.DomainEvaluation) string {
	if len(previous) == 0 {
		return noPreviousEvaluations
	}
	var b strings.Builder
	b.WriteString(previousEvaluationsHeader)
	for _, ev := range previous {
		indicators := "none"
		if len(ev.Indicators) > 0 {
			indicators = strings.Join(ev.Indicators, ", ")
		}
		fmt.Fprintf(&b, "\n- %s: %s (confidence: %d) -- %s",
			ev.Domain, ev.ThreatLevel, ev.Confidence, indicators)
	}
	return b.String()
}

// FormatBatchPrompt собирает промпт для одного батча: контекст прошлых
// вердиктов плюс строка на домен с его статистикой и сигналами обогащения.
func FormatBatchPrompt(batch domain.Batch, bundles map[string]*domain.IntelBundle, priorContext string) string {
	var b strings.Builder
	b.WriteString(priorContext)
	b.WriteString("\n\nEvaluate the following domains:\n")
	for _, st := range batch.Domains {
		b.WriteString(formatDomainLine(st, bundles[st.Domain]))
		b.WriteString("\n")
	}
	return b.String()
}

func formatDomainLine(st domain.DomainStat, bundle *domain.IntelBundle) string {
	clients := st.UniqueClients
	if len(clients) > 5 {
		clients = clients[:5]
	}
	head := fmt.Sprintf("- %s | queries: %d | clients: %s | types: %s",
		st.Domain, st.QueryCount, strings.Join(clients, ", "), strings.Join(st.QueryTypes, ", "))

	signals := intelSignals(bundle)
	if len(signals) == 0 {
		return head + "\n  Intel: no signals (not listed in any blocklist)"
	}
	return head + "\n  Intel: " + strings.Join(signals, " | ")
}

// intelSignals сводит успешные результаты источников в короткие фразы.
// Источники со статусом error/timeout молча пропускаются: отсутствие
// сигнала не упоминается, чтобы модель не трактовала сбой как улику.
func intelSignals(bundle *domain.IntelBundle) []string {
	if bundle == nil {
		return nil
	}
	var signals []string

	if p := okPayload(bundle, "quad9"); p != nil {
		var r struct {
			Blocked bool `json:"blocked"`
		}
		if json.Unmarshal(p, &r) == nil && r.Blocked {
			signals = append(signals, "BLOCKED by Quad9 (malicious)")
		}
	}
	if p := okPayload(bundle, "cloudflare_families"); p != nil {
		var r struct {
			Blocked bool `json:"blocked"`
		}
		if json.Unmarshal(p, &r) == nil && r.Blocked {
			signals = append(signals, "BLOCKED by Cloudflare (malicious)")
		}
	}
	for _, name := range []string{"spamhaus_dbl", "surbl"} {
		p := okPayload(bundle, name)
		if p == nil {
			continue
		}
		var r struct {
			Listed     bool     `json:"listed"`
			Categories []string `json:"categories"`
		}
		if json.Unmarshal(p, &r) == nil && r.Listed {
			label := "Spamhaus"
			if name == "surbl" {
				label = "SURBL"
			}
			signals = append(signals, fmt.Sprintf("%s: %s", label, strings.Join(r.Categories, ", ")))
		}
	}
	if p := okPayload(bundle, "rdap"); p != nil {
		var r struct {
			AgeDays   *int   `json:"age_days"`
			Registrar string `json:"registrar"`
		}
		if json.Unmarshal(p, &r) == nil {
			if r.AgeDays != nil {
				switch {
				case *r.AgeDays < 30:
					signals = append(signals, fmt.Sprintf("Domain age: %d days (NEW)", *r.AgeDays))
				case *r.AgeDays < 365:
					signals = append(signals, fmt.Sprintf("Domain age: %d days", *r.AgeDays))
				}
			}
			if r.Registrar != "" {
				signals = append(signals, "Registrar: "+r.Registrar)
			}
		}
	}
	if p := okPayload(bundle, "otx"); p != nil {
		var r struct {
			PulseCount   int `json:"pulse_count"`
			MalwareCount int `json:"malware_count"`
		}
		if json.Unmarshal(p, &r) == nil {
			if r.PulseCount > 0 {
				signals = append(signals, fmt.Sprintf("AlienVault OTX: %d threat reports", r.PulseCount))
			}
			if r.MalwareCount > 0 {
				signals = append(signals, fmt.Sprintf("OTX malware samples: %d", r.MalwareCount))
			}
		}
	}
	if p := okPayload(bundle, "dns_records"); p != nil {
		var r struct {
			A  []string `json:"a"`
			MX []string `json:"mx"`
			NS []string `json:"ns"`
		}
		if json.Unmarshal(p, &r) == nil {
			if len(r.A) > 0 {
				signals = append(signals, "A: "+strings.Join(capList(r.A, 3), ", "))
			}
			if len(r.MX) > 0 {
				signals = append(signals, "MX: "+strings.Join(capList(r.MX, 2), ", "))
			}
			if len(r.NS) > 0 {
				signals = append(signals, "NS: "+strings.Join(capList(r.NS, 2), ", "))
			}
		}
	}
	return signals
}

func okPayload(bundle *domain.IntelBundle, source string) json.RawMessage {
	res, ok := bundle.Sources[source]
	if !ok || res.Status != domain.SourceOK {
		return nil
	}
	return res.Payload
}

func capList(vals []string, n int) []string {
	if len(vals) > n {
		return vals[:n]
	}
	return vals
}
