package audit

import "time"

// Виды событий журнала прогонов.
const (
	EventRunStarted   = "RUN_STARTED"
	EventStageChanged = "STAGE_CHANGED"
	EventBatchDone    = "BATCH_DONE"
	EventRunFinished  = "RUN_FINISHED"
	EventDegraded     = "DEGRADED" // частичный сбой, прогон продолжился
)

// Event — одна запись журнала. Журнал дополняется только в конец,
// записи после сохранения не меняются.
type Event struct {
	ID    string `json:"id"`     // UUID события
	RunID string `json:"run_id"` // Сквозной ID прогона
	Kind  string `json:"kind"`   // См. константы Event*
	Stage string `json:"stage"`  // Стадия пайплайна на момент события

	Detail map[string]interface{} `json:"detail"` // Параметры события

	Status     string    `json:"status"` // "SUCCESS", "FAILED", "PARTIAL"
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
