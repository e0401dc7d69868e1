// Package output доставляет готовый отчет прогона. Ошибка любого канала
// не фатальна для пайплайна: вердикты к этому моменту уже сохранены.
package output

import (
	"context"

	"github.com/xela07ax/dns-sentinel/internal/domain"
)

type Sink interface {
	Name() string
	Emit(ctx context.Context, report *domain.Report) error
}
