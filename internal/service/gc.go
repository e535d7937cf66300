// gc.go — фоновая очистка служебных файлов хранилища.
//
// GC выполняет три задачи:
//  1. Удаляет temp файлы записи старше maxTempAge, если по их id
//     не открыт поток записи (остатки прерванных записей)
//  2. Удаляет файлы корзины, которые не ждут закрытия дескрипторов
//     (остатки удалений до рестарта)
//  3. Удаляет завершённые записи WAL
//
// Запускается как горутина с периодическим тикером (CS_GC_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/contentstore"
)

// Prometheus метрики GC
var (
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_gc_runs_total",
		Help: "Общее количество запусков GC",
	})

	// gcRemovedTotal — удалённые файлы по виду.
	gcRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_gc_removed_total",
		Help: "Общее количество файлов, удалённых GC",
	}, []string{"kind"})

	gcDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs_gc_duration_seconds",
		Help:    "Длительность выполнения GC в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// GCResult — результат одного запуска GC.
type GCResult struct {
	// TempRemoved — удалённые temp файлы
	TempRemoved int
	// TrashRemoved — удалённые файлы корзины
	TrashRemoved int
	// WALCleaned — удалённые завершённые записи WAL
	WALCleaned int
	// Errors — количество ошибок
	Errors   int
	Duration time.Duration
}

// GCService — сервис фоновой очистки.
type GCService struct {
	storage    *Storage
	interval   time.Duration
	maxTempAge time.Duration
	logger     *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGCService создаёт сервис GC.
func NewGCService(storage *Storage, interval, maxTempAge time.Duration, logger *slog.Logger) *GCService {
	return &GCService{
		storage:    storage,
		interval:   interval,
		maxTempAge: maxTempAge,
		logger:     logger.With(slog.String("component", "gc")),
	}
}

// Start запускает фоновую горутину GC.
func (gc *GCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel
	gc.done = make(chan struct{})

	go gc.run(gcCtx)

	gc.logger.Info("GC запущен",
		slog.String("interval", gc.interval.String()),
		slog.String("max_temp_age", gc.maxTempAge.String()),
	)
}

// Stop останавливает GC и дожидается завершения текущего прохода.
func (gc *GCService) Stop() {
	if gc.cancel == nil {
		return
	}
	gc.cancel()
	<-gc.done
	gc.logger.Info("GC остановлен")
}

func (gc *GCService) run(ctx context.Context) {
	defer close(gc.done)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(time.Now())
		}
	}
}

// RunOnce выполняет один проход GC. now задаёт момент отсчёта возраста temp файлов.
func (gc *GCService) RunOnce(now time.Time) *GCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &GCResult{}
	s := gc.storage

	tmp, err := s.content.ListTmp()
	if err != nil {
		gc.logger.Error("GC: ошибка чтения .tmp", slog.String("error", err.Error()))
		result.Errors++
	}
	for _, e := range tmp {
		if now.Sub(e.ModTime) < gc.maxTempAge {
			continue
		}
		if id, err := contentstore.IDFromContentName(e.Name); err == nil && s.locks.IsWriting(id) {
			continue
		}
		if gc.remove(e, "temp") {
			result.TempRemoved++
		} else {
			result.Errors++
		}
	}

	trash, err := s.content.ListTrash()
	if err != nil {
		gc.logger.Error("GC: ошибка чтения .trash", slog.String("error", err.Error()))
		result.Errors++
	}
	for _, e := range trash {
		if s.trashOwned(e.Path) {
			continue
		}
		if gc.remove(e, "trash") {
			result.TrashRemoved++
		} else {
			result.Errors++
		}
	}

	cleaned, err := s.wal.CleanCommitted()
	if err != nil {
		gc.logger.Error("GC: ошибка очистки WAL", slog.String("error", err.Error()))
		result.Errors++
	}
	result.WALCleaned = cleaned
	result.Duration = time.Since(start)

	gcRunsTotal.Inc()
	gcRemovedTotal.WithLabelValues("wal").Add(float64(cleaned))
	gcDurationSeconds.Observe(result.Duration.Seconds())

	gc.logger.Info("GC завершён",
		slog.Int("temp_removed", result.TempRemoved),
		slog.Int("trash_removed", result.TrashRemoved),
		slog.Int("wal_cleaned", result.WALCleaned),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

func (gc *GCService) remove(e contentstore.Entry, kind string) bool {
	if err := gc.storage.content.RemovePath(e.Path); err != nil {
		gc.logger.Error("GC: ошибка удаления файла",
			slog.String("path", e.Path),
			slog.String("error", err.Error()),
		)
		return false
	}
	gcRemovedTotal.WithLabelValues(kind).Inc()
	gc.logger.Debug("GC: файл удалён", slog.String("path", e.Path), slog.String("kind", kind))
	return true
}
