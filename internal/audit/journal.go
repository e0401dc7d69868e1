package audit

/*
Журнал прогонов. События пишутся неблокирующе: стадии пайплайна не должны
ждать БД. События копятся в памяти и сбрасываются пачкой по таймеру или
при достижении лимита. При остановке буфер вычитывается полностью
(закрытие входного канала — единственный сигнал завершения воркера),
так что перезапуск сервиса событий не теряет.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события.
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Journal struct {
	ch     chan Event
	repo   Storage
	logger *zap.Logger
	wg     sync.WaitGroup

	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewJournal(repo Storage, logger *zap.Logger) *Journal {
	return &Journal{
		ch:     make(chan Event, 1024),
		repo:   repo,
		logger: logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	atomic.StoreInt32(&j.isClosed, 1)

	// Даем крошечную паузу, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	// Переполненный буфер не тормозит пайплайн: событие уходит в обычный лог
	select {
	case j.ch <- event:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("run_id", event.RunID),
			zap.String("kind", event.Kind),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к моменту финального сброса может быть закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush() // Финальный сброс
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// ZapStorage пишет события в структурный лог. Используется, когда бэкенд
// вердиктов не умеет хранить журнал (duckdb) или журнал в БД выключен.
type ZapStorage struct {
	Logger *zap.Logger
}

func (s *ZapStorage) WriteBatch(_ context.Context, events []Event) error {
	for _, ev := range events {
		s.Logger.Info("run event",
			zap.String("run_id", ev.RunID),
			zap.String("kind", ev.Kind),
			zap.String("stage", ev.Stage),
			zap.String("status", ev.Status),
			zap.Any("detail", ev.Detail),
			zap.Int64("duration_ms", ev.DurationMs),
		)
	}
	return nil
}
