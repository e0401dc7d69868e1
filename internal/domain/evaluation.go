package domain

import (
	"fmt"
	"time"
)

type ThreatLevel string

const (
	ThreatBenign     ThreatLevel = "benign"     // Обычная инфраструктура, угрозы нет
	ThreatSuspicious ThreatLevel = "suspicious" // Есть тревожные сигналы, нужен контроль
	ThreatMalicious  ThreatLevel = "malicious"  // Подтвержденные индикаторы угрозы
	ThreatUnknown    ThreatLevel = "unknown"    // Модель не дала валидного вердикта
)

// ParseThreatLevel нормализует строку из ответа модели.
// Любое значение вне словаря трактуем как unknown — модель не источник истины.
func ParseThreatLevel(s string) (ThreatLevel, bool) {
	switch ThreatLevel(s) {
	case ThreatBenign, ThreatSuspicious, ThreatMalicious, ThreatUnknown:
		return ThreatLevel(s), true
	}
	return ThreatUnknown, false
}

// DomainEvaluation — итоговый вердикт по одному домену.
// После сохранения запись неизменяема: новый прогон по истечении TTL
// создает новую запись, а не правит старую.
type DomainEvaluation struct {
	Domain      string      `json:"domain"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Confidence  int         `json:"confidence"` // 0..100 включительно
	Reasoning   string      `json:"reasoning"`
	Indicators  []string    `json:"indicators"`

	// Контекст исполнения
	EvaluatedBy string `json:"evaluated_by"` // Имя модели, давшей вердикт
	Escalated   bool   `json:"escalated"`    // Перепроверен вторичной моделью

	// Снимок статистики запросов на момент оценки
	QueryCount    int      `json:"query_count"`
	UniqueClients []string `json:"unique_clients"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// ClampConfidence приводит значение к диапазону 0..100.
// Выход за диапазон помечается в reasoning — это сигнал о качестве ответа модели.
func (e *DomainEvaluation) ClampConfidence() {
	if e.Confidence >= 0 && e.Confidence <= 100 {
		return
	}
	orig := e.Confidence
	if e.Confidence < 0 {
		e.Confidence = 0
	} else {
		e.Confidence = 100
	}
	e.Reasoning = fmt.Sprintf("%s [confidence %d out of range, clamped to %d]",
		e.Reasoning, orig, e.Confidence)
}
