package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/audit"
	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/enrich"
	"github.com/xela07ax/dns-sentinel/internal/output"
	"github.com/xela07ax/dns-sentinel/internal/repository"
)

// Stage — текущее состояние прогона. Пайплайн строго последовательный:
// параллелизм живет внутри стадий (обогащение), а не между ними.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageAggregating Stage = "aggregating"
	StageEnriching   Stage = "enriching"
	StageClassifying Stage = "classifying"
	StagePersisting  Stage = "persisting"
	StageReporting   Stage = "reporting"

	// Терминальное состояние фатального сбоя. Держится до следующего
	// прогона, чтобы ops-статус показывал аварию, а не idle.
	StageFailed Stage = "failed"
)

// порядковые номера стадий для гейджа
var stageOrdinal = map[Stage]float64{
	StageIdle:        0,
	StageAggregating: 1,
	StageEnriching:   2,
	StageClassifying: 3,
	StagePersisting:  4,
	StageReporting:   5,
	StageFailed:      -1,
}

// Pipeline связывает стадии в один прогон. Потокобезопасен для чтения
// статуса, но Run не реентерабелен: планировщик запускает прогоны строго
// по одному.
type Pipeline struct {
	agg        *Aggregator
	coord      *enrich.Coordinator
	classifier *Classifier
	src        repository.DataSource
	cache      *EvalCache
	metrics    *Metrics
	journal    *audit.Journal
	sinks      []output.Sink
	logger     *zap.Logger

	priorContext int
	runTimeout   time.Duration

	mu         sync.RWMutex
	stage      Stage
	lastReport *domain.Report
}

// PipelineDeps — сборка пайплайна, выполняется в cmd.
type PipelineDeps struct {
	Aggregator   *Aggregator
	Coordinator  *enrich.Coordinator
	Classifier   *Classifier
	Source       repository.DataSource
	Cache        *EvalCache
	Metrics      *Metrics
	Journal      *audit.Journal
	Sinks        []output.Sink
	Logger       *zap.Logger
	PriorContext int
	RunTimeout   time.Duration
}

func NewPipeline(d PipelineDeps) *Pipeline {
	return &Pipeline{
		agg:          d.Aggregator,
		coord:        d.Coordinator,
		classifier:   d.Classifier,
		src:          d.Source,
		cache:        d.Cache,
		metrics:      d.Metrics,
		journal:      d.Journal,
		sinks:        d.Sinks,
		logger:       d.Logger.Named("pipeline"),
		priorContext: d.PriorContext,
		runTimeout:   d.RunTimeout,
		stage:        StageIdle,
	}
}

// Stage возвращает текущую стадию для ops-эндпоинта.
func (p *Pipeline) Stage() Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stage
}

// LastReport возвращает отчет последнего завершенного прогона, либо nil.
func (p *Pipeline) LastReport() *domain.Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastReport
}

func (p *Pipeline) setStage(s Stage) {
	p.mu.Lock()
	p.stage = s
	p.mu.Unlock()
	p.metrics.PipelineStage.Set(stageOrdinal[s])
}

// Run выполняет один прогон от логов до отчета. Фатальны две вещи:
// сбой агрегации и полностью недоступный бэкенд хранения. Остальные
// сбои деградируют прогон, а не роняют его.
func (p *Pipeline) Run(ctx context.Context) (*domain.Report, error) {
	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	logger := p.logger.With(zap.String("run_id", runID))

	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	p.journal.Log(audit.Event{
		ID: uuid.NewString(), RunID: runID, Kind: audit.EventRunStarted,
		Status: "SUCCESS", Timestamp: startedAt,
	})

	var stats domain.RunStats

	// --- Агрегация ---
	batches, err := p.timedStage(runID, StageAggregating, func() ([]domain.Batch, error) {
		return p.agg.Aggregate(ctx, &stats)
	})
	if err != nil {
		logger.Error("aggregation failed, run aborted", zap.Error(err))
		p.finishRun(runID, startedAt, "failed")
		p.setStage(StageFailed)
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	p.metrics.DomainsSeen.Add(float64(stats.TotalDomainsQueried))
	p.metrics.DomainsSkipped.WithLabelValues("known_good").
		Add(float64(stats.TotalDomainsQueried - stats.DomainsAfterFiltering))
	p.metrics.DomainsSkipped.WithLabelValues("cached").
		Add(float64(stats.DomainsAlreadyEvaluated))

	// Пустое окно — валидный исход, отчет все равно отдаем
	if len(batches) == 0 {
		logger.Info("no domains to evaluate, emitting empty report")
		report := p.buildReport(runID, startedAt, false, stats, nil)
		p.emit(ctx, logger, report)
		p.finishRun(runID, startedAt, "empty")
		p.setStage(StageIdle)
		return report, nil
	}

	// Прошлые вердикты — few-shot контекст. Сбой не фатален.
	prior, err := p.src.FetchPreviousEvaluations(ctx, p.priorContext)
	if err != nil {
		logger.Warn("prior evaluations unavailable", zap.Error(err))
	}
	priorContext := FormatPriorContext(prior)

	var evaluations []domain.DomainEvaluation
	partial := false

	for _, batch := range batches {
		if ctx.Err() != nil {
			logger.Warn("run deadline reached, remaining batches skipped",
				zap.Int("processed", stats.BatchesProcessed),
				zap.Int("total", len(batches)))
			partial = true
			break
		}
		batchStart := time.Now()

		// --- Обогащение ---
		p.setStage(StageEnriching)
		bundles := p.coord.Enrich(ctx, batch)
		for _, b := range bundles {
			stats.EnrichmentFailures += b.FailedSources()
		}

		// --- Классификация ---
		p.setStage(StageClassifying)
		evals := p.classifier.Classify(ctx, batch, bundles, priorContext, &stats)
		p.metrics.DomainsEvaluated.Add(float64(len(evals)))

		// --- Персистентность: вердикты сохраняются по мере готовности
		// и на собственном контексте, чтобы дедлайн прогона не терял
		// уже оплаченные ответы модели ---
		p.setStage(StagePersisting)
		storeCtx, cancelStore := context.WithTimeout(context.Background(), 30*time.Second)
		stored, storeErr := p.src.StoreEvaluations(storeCtx, evals)
		if storeErr != nil {
			logger.Error("batch store failed", zap.Int("batch", batch.Index), zap.Error(storeErr))
		}
		stats.EvaluationsStored += stored
		stats.StoreFailures += len(evals) - stored
		if stored == len(evals) {
			for _, ev := range evals {
				p.cache.MarkEvaluated(storeCtx, ev.Domain)
			}
		}
		cancelStore()

		evaluations = append(evaluations, evals...)
		stats.BatchesProcessed++

		p.journal.Log(audit.Event{
			ID: uuid.NewString(), RunID: runID, Kind: audit.EventBatchDone,
			Stage: string(StagePersisting),
			Detail: map[string]interface{}{
				"batch": batch.Index, "domains": len(batch.Domains), "stored": stored,
			},
			Status:     batchStatus(stored, len(evals)),
			DurationMs: time.Since(batchStart).Milliseconds(),
		})

		// Ни одной записи при ошибке — бэкенд недоступен, не просто
		// споткнулся на строке. Дальнейшие батчи жгли бы обогащение
		// и инференс впустую: отдаем частичный отчет и роняем прогон.
		if storeErr != nil && stored == 0 {
			p.flushMetrics(evaluations, &stats)
			p.setStage(StageReporting)
			report := p.buildReport(runID, startedAt, true, stats, evaluations)
			p.emit(ctx, logger, report)
			p.finishRun(runID, startedAt, "failed")
			p.setStage(StageFailed)
			return report, fmt.Errorf("run %s: store batch %d: %w", runID, batch.Index, storeErr)
		}
	}

	p.flushMetrics(evaluations, &stats)

	// --- Отчет ---
	p.setStage(StageReporting)
	report := p.buildReport(runID, startedAt, partial, stats, evaluations)
	p.emit(ctx, logger, report)

	status := "completed"
	if partial {
		status = "partial"
	}
	p.finishRun(runID, startedAt, status)
	p.setStage(StageIdle)
	logger.Info("run finished",
		zap.String("status", status),
		zap.Int("evaluated", stats.EvaluationsProduced),
		zap.Int("stored", stats.EvaluationsStored),
		zap.Int("malicious", stats.MaliciousCount),
		zap.Int("suspicious", stats.SuspiciousCount))
	return report, nil
}

// flushMetrics переносит счетчики прогона в prometheus. Вызывается один
// раз на прогон: и при нормальном завершении, и перед фатальным выходом.
func (p *Pipeline) flushMetrics(evaluations []domain.DomainEvaluation, stats *domain.RunStats) {
	stats.Tally(evaluations)
	for _, ev := range evaluations {
		p.metrics.Verdicts.WithLabelValues(string(ev.ThreatLevel)).Inc()
		if ev.Escalated {
			p.metrics.Escalations.WithLabelValues("replaced").Inc()
		}
	}
	p.metrics.Escalations.WithLabelValues("failed").
		Add(float64(stats.EscalationFailures))
	p.metrics.DegradedTotal.WithLabelValues("validation_fallback").
		Add(float64(stats.ValidationFallback))
	p.metrics.DegradedTotal.WithLabelValues("store_failure").
		Add(float64(stats.StoreFailures))
}

func (p *Pipeline) timedStage(runID string, s Stage, fn func() ([]domain.Batch, error)) ([]domain.Batch, error) {
	p.setStage(s)
	start := time.Now()
	out, err := fn()
	p.metrics.StageDuration.WithLabelValues(string(s)).Observe(time.Since(start).Seconds())

	status := "SUCCESS"
	var errText string
	if err != nil {
		status, errText = "FAILED", err.Error()
	}
	p.journal.Log(audit.Event{
		ID: uuid.NewString(), RunID: runID, Kind: audit.EventStageChanged,
		Stage: string(s), Status: status, Error: errText,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return out, err
}

func (p *Pipeline) buildReport(runID string, startedAt time.Time, partial bool,
	stats domain.RunStats, evaluations []domain.DomainEvaluation) *domain.Report {

	report := &domain.Report{
		RunID:       runID,
		StartedAt:   startedAt,
		FinishedAt:  time.Now().UTC(),
		Partial:     partial,
		Stats:       stats,
		Evaluations: evaluations,
	}
	p.mu.Lock()
	p.lastReport = report
	p.mu.Unlock()
	return report
}

// emit доставляет отчет во все каналы. Вердикты уже сохранены,
// поэтому отказ канала — только предупреждение. Контекст прогона к этому
// моменту может быть уже истекшим, поэтому доставка живет на своем.
func (p *Pipeline) emit(_ context.Context, logger *zap.Logger, report *domain.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, sink := range p.sinks {
		if err := sink.Emit(ctx, report); err != nil {
			logger.Warn("report delivery failed",
				zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}

func (p *Pipeline) finishRun(runID string, startedAt time.Time, status string) {
	elapsed := time.Since(startedAt)
	p.metrics.RunDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	p.journal.Log(audit.Event{
		ID: uuid.NewString(), RunID: runID, Kind: audit.EventRunFinished,
		Status:     runJournalStatus(status),
		Detail:     map[string]interface{}{"run_status": status},
		DurationMs: elapsed.Milliseconds(),
	})
}

func batchStatus(stored, total int) string {
	switch {
	case stored == total:
		return "SUCCESS"
	case stored > 0:
		return "PARTIAL"
	default:
		return "FAILED"
	}
}

func runJournalStatus(status string) string {
	switch status {
	case "completed", "empty":
		return "SUCCESS"
	case "partial":
		return "PARTIAL"
	default:
		return "FAILED"
	}
}
