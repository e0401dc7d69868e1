package risk

import (
	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/domain"
)

// Analyzer решает, какие вердикты первичной модели заслуживают перепроверки
// вторичной. Эскалация дорогая (внешний API, деньги), поэтому отбираем
// только небенигные вердикты, в которых модель сама не уверена.
type Analyzer struct {
	threshold int // порог уверенности; ниже — кандидат на эскалацию
	logger    *zap.Logger
}

func NewAnalyzer(threshold int, logger *zap.Logger) *Analyzer {
	return &Analyzer{threshold: threshold, logger: logger.Named("risk")}
}

// NeedsEscalation проверяет один вердикт.
func (a *Analyzer) NeedsEscalation(ev domain.DomainEvaluation) bool {
	if ev.ThreatLevel == domain.ThreatBenign {
		return false
	}
	if ev.Confidence >= a.threshold {
		return false
	}
	a.logger.Debug("weak verdict, escalation candidate",
		zap.String("domain", ev.Domain),
		zap.String("threat_level", string(ev.ThreatLevel)),
		zap.Int("confidence", ev.Confidence),
		zap.Int("threshold", a.threshold),
	)
	return true
}

// SelectCandidates отбирает из батча вердикты на перепроверку.
func (a *Analyzer) SelectCandidates(evals []domain.DomainEvaluation) []domain.DomainEvaluation {
	var out []domain.DomainEvaluation
	for _, ev := range evals {
		if a.NeedsEscalation(ev) {
			out = append(out, ev)
		}
	}
	return out
}
