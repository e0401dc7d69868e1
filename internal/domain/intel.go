package domain

import (
	"encoding/json"
	"time"
)

type SourceStatus string

const (
	SourceOK      SourceStatus = "ok"
	SourceTimeout SourceStatus = "timeout"
	SourceError   SourceStatus = "error"
)

// SourceResult — ответ одного источника обогащения по одному домену.
// Payload заполнен только при статусе ok.
type SourceResult struct {
	Status  SourceStatus    `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"error,omitempty"`
	Elapsed time.Duration   `json:"elapsed"`
}

// IntelBundle — собранные сигналы по домену со всех настроенных источников.
// Инвариант: по одной записи на каждый источник, независимо от его исхода.
// Бандл живет только в рамках прогона и отдельно не персистится.
type IntelBundle struct {
	Domain      string                  `json:"domain"`
	Sources     map[string]SourceResult `json:"sources"`
	AssembledAt time.Time               `json:"assembled_at"`
}

// FailedSources возвращает количество источников, не ответивших успешно.
func (b *IntelBundle) FailedSources() int {
	n := 0
	for _, r := range b.Sources {
		if r.Status != SourceOK {
			n++
		}
	}
	return n
}
