package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/connectors"
	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/risk"
)

// Classifier — стадия вердиктов: один запрос к модели на батч, строгая
// проверка схемы ответа, ретраи с корректирующей добавкой и опциональная
// эскалация слабых вердиктов на вторичную модель.
//
// Инвариант стадии: на каждый домен батча ровно один вердикт на выходе,
// что бы ни ответила (или не ответила) модель.
type Classifier struct {
	primary    connectors.Provider
	secondary  connectors.Provider // nil — эскалация выключена
	analyzer   *risk.Analyzer
	logger     *zap.Logger
	system     string
	escSystem  string
	corrective string
	maxRetries int
}

// ClassifierDeps — зависимости стадии, собираются в cmd.
type ClassifierDeps struct {
	Primary    connectors.Provider
	Secondary  connectors.Provider
	Analyzer   *risk.Analyzer
	Logger     *zap.Logger
	System     string
	EscSystem  string
	Corrective string
	MaxRetries int
}

func NewClassifier(d ClassifierDeps) *Classifier {
	if d.MaxRetries <= 0 {
		d.MaxRetries = 3
	}
	return &Classifier{
		primary:    d.Primary,
		secondary:  d.Secondary,
		analyzer:   d.Analyzer,
		logger:     d.Logger.Named("classifier"),
		system:     d.System,
		escSystem:  d.EscSystem,
		corrective: d.Corrective,
		maxRetries: d.MaxRetries,
	}
}

// rawEvaluation — то, что модель обязана вернуть на каждый домен.
type rawEvaluation struct {
	Domain      string   `json:"domain"`
	ThreatLevel string   `json:"threat_level"`
	Confidence  int      `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	Indicators  []string `json:"indicators"`
}

type modelResponse struct {
	Evaluations []rawEvaluation `json:"evaluations"`
}

// Classify оценивает один батч. Ошибки модели и невалидная схема не
// фатальны: после исчерпания ретраев оставшиеся домены получают вердикт
// unknown с нулевой уверенностью, чтобы прогон дошел до отчета.
func (c *Classifier) Classify(
	ctx context.Context,
	batch domain.Batch,
	bundles map[string]*domain.IntelBundle,
	priorContext string,
	stats *domain.RunStats,
) []domain.DomainEvaluation {
	userPrompt := FormatBatchPrompt(batch, bundles, priorContext)

	verdicts := c.evaluate(ctx, c.primary, c.system, userPrompt, batch, stats)
	c.escalate(ctx, batch, bundles, priorContext, verdicts, stats)

	// Порядок вывода повторяет порядок батча
	out := make([]domain.DomainEvaluation, 0, len(batch.Domains))
	for _, st := range batch.Domains {
		out = append(out, verdicts[st.Domain])
	}
	return out
}

// evaluate гоняет модель до валидного ответа и раскладывает вердикты по
// доменам батча. Домены, на которые модель так и не ответила валидно,
// получают fallback.
func (c *Classifier) evaluate(
	ctx context.Context,
	provider connectors.Provider,
	system, userPrompt string,
	batch domain.Batch,
	stats *domain.RunStats,
) map[string]domain.DomainEvaluation {
	inBatch := make(map[string]domain.DomainStat, len(batch.Domains))
	for _, st := range batch.Domains {
		inBatch[st.Domain] = st
	}

	verdicts := make(map[string]domain.DomainEvaluation, len(batch.Domains))
	prompt := userPrompt

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			prompt = userPrompt + "\n\n" + c.corrective
		}

		raw, err := provider.Complete(ctx, system, prompt)
		if err != nil {
			c.logger.Warn("model call failed",
				zap.String("model", provider.Name()),
				zap.Int("batch", batch.Index),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if ctx.Err() != nil {
				break // дедлайн прогона, ретраи бессмысленны
			}
			continue
		}

		evals, parseErr := parseResponse(raw, inBatch)
		for _, ev := range evals {
			if _, seen := verdicts[ev.Domain]; seen {
				continue // первый валидный вердикт побеждает
			}
			ev.EvaluatedBy = provider.Name()
			ev.EvaluatedAt = time.Now().UTC()
			st := inBatch[ev.Domain]
			ev.QueryCount = st.QueryCount
			ev.UniqueClients = st.UniqueClients
			verdicts[ev.Domain] = ev
		}

		if parseErr == nil && len(verdicts) == len(inBatch) {
			return verdicts
		}
		c.logger.Warn("model response failed validation, retrying",
			zap.String("model", provider.Name()),
			zap.Int("batch", batch.Index),
			zap.Int("attempt", attempt+1),
			zap.Int("accepted", len(verdicts)),
			zap.Int("expected", len(inBatch)),
			zap.NamedError("reason", parseErr))
	}

	// Ретраи исчерпаны: добиваем недостающие домены fallback-вердиктами
	for _, st := range batch.Domains {
		if _, ok := verdicts[st.Domain]; ok {
			continue
		}
		stats.ValidationFallback++
		verdicts[st.Domain] = domain.DomainEvaluation{
			Domain:        st.Domain,
			ThreatLevel:   domain.ThreatUnknown,
			Confidence:    0,
			Reasoning:     "model did not return a valid verdict for this domain",
			Indicators:    []string{},
			EvaluatedBy:   provider.Name(),
			QueryCount:    st.QueryCount,
			UniqueClients: st.UniqueClients,
			EvaluatedAt:   time.Now().UTC(),
		}
	}
	return verdicts
}

// parseResponse валидирует ответ модели. Возвращает все пригодные вердикты
// даже при частично битом ответе: ошибка описывает первую проблему и
// служит основанием для ретрая.
func parseResponse(raw []byte, inBatch map[string]domain.DomainStat) ([]domain.DomainEvaluation, error) {
	var resp modelResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Evaluations) == 0 {
		return nil, fmt.Errorf("response contains no evaluations")
	}

	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	out := make([]domain.DomainEvaluation, 0, len(resp.Evaluations))
	for _, r := range resp.Evaluations {
		if _, ok := inBatch[r.Domain]; !ok {
			keep(fmt.Errorf("verdict for domain %q not in batch", r.Domain))
			continue
		}
		level, ok := domain.ParseThreatLevel(r.ThreatLevel)
		if !ok {
			keep(fmt.Errorf("invalid threat_level %q for %s", r.ThreatLevel, r.Domain))
			continue
		}
		indicators := r.Indicators
		if indicators == nil {
			indicators = []string{}
		}
		ev := domain.DomainEvaluation{
			Domain:      r.Domain,
			ThreatLevel: level,
			Confidence:  r.Confidence,
			Reasoning:   r.Reasoning,
			Indicators:  indicators,
		}
		ev.ClampConfidence()
		out = append(out, ev)
	}
	return out, firstErr
}

// escalate перепроверяет слабые небенигные вердикты вторичной моделью.
// Любой сбой эскалации не фатален: остается вердикт первичной модели.
func (c *Classifier) escalate(
	ctx context.Context,
	batch domain.Batch,
	bundles map[string]*domain.IntelBundle,
	priorContext string,
	verdicts map[string]domain.DomainEvaluation,
	stats *domain.RunStats,
) {
	if c.secondary == nil || c.analyzer == nil {
		return
	}

	ordered := make([]domain.DomainEvaluation, 0, len(batch.Domains))
	for _, st := range batch.Domains {
		ordered = append(ordered, verdicts[st.Domain])
	}
	candidates := c.analyzer.SelectCandidates(ordered)
	if len(candidates) == 0 {
		return
	}

	byDomain := make(map[string]domain.DomainStat, len(batch.Domains))
	for _, st := range batch.Domains {
		byDomain[st.Domain] = st
	}

	c.logger.Info("escalating weak verdicts to secondary model",
		zap.Int("batch", batch.Index),
		zap.Int("candidates", len(candidates)),
		zap.String("model", c.secondary.Name()))

	// Вторичная модель получает по одному домену за вызов вместе с его
	// бандлом: сбой одной эскалации не задевает остальные кандидаты.
	for _, cand := range candidates {
		st := byDomain[cand.Domain]
		sub := domain.Batch{Index: batch.Index, Domains: []domain.DomainStat{st}}

		prompt := FormatBatchPrompt(sub, bundles, priorContext)
		raw, err := c.secondary.Complete(ctx, c.escSystem, prompt)
		if err != nil {
			c.logger.Warn("escalation failed, keeping primary verdict",
				zap.String("domain", cand.Domain), zap.Error(err))
			stats.EscalationFailures++
			if ctx.Err() != nil {
				return
			}
			continue
		}

		evals, parseErr := parseResponse(raw, map[string]domain.DomainStat{st.Domain: st})
		if parseErr != nil {
			c.logger.Warn("escalation response invalid, keeping primary verdict",
				zap.String("domain", cand.Domain), zap.Error(parseErr))
		}
		if len(evals) == 0 {
			stats.EscalationFailures++
		}
		for _, ev := range evals {
			ev.EvaluatedBy = c.secondary.Name()
			ev.Escalated = true
			ev.EvaluatedAt = time.Now().UTC()
			ev.QueryCount = st.QueryCount
			ev.UniqueClients = st.UniqueClients
			verdicts[ev.Domain] = ev
		}
	}
}
