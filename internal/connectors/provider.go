package connectors

import "context"

// Provider — контракт на один вызов инференса.
// Возвращает сырые байты ответа модели: разбор и валидацию схемы
// делает ClassificationEngine, коннектор отвечает только за транспорт.
type Provider interface {
	// Name — имя модели для поля evaluated_by в вердикте
	Name() string

	// Complete выполняет один запрос: системный промпт + пользовательский.
	Complete(ctx context.Context, system, user string) ([]byte, error)
}
