// reconcile.go — фоновая сверка размещения содержимого с метаданными.
//
// Сверка обходит разделы public/ и protected/ и индекс и обнаруживает:
//   - orphaned_content: файл содержимого без метаданных (переносится в корзину)
//   - misplaced_content: содержимое лежит не по пути, вычисленному из
//     метаданных (переносится на место; если там уже есть файл, лишняя
//     копия уходит в корзину)
//   - missing_content: метаданные без содержимого (только отчёт,
//     содержимое могло не записываться)
//
// Записи, по которым открыты потоки, пропускаются. Первый проход после
// старта начинает с записей, чьи WAL-транзакции были прерваны.
// Запускается один раз при старте и далее по тикеру (CS_RECONCILE_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/contentstore"
)

// Prometheus метрики сверки
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	// reconcileIssuesTotal — обнаруженные расхождения по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_reconcile_issues_total",
		Help: "Общее количество расхождений, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// IssueType — вид расхождения.
type IssueType string

const (
	IssueOrphanedContent  IssueType = "orphaned_content"
	IssueMisplacedContent IssueType = "misplaced_content"
	IssueMissingContent   IssueType = "missing_content"
)

// ReconcileIssue — одно расхождение.
type ReconcileIssue struct {
	Type   IssueType
	FileID uuid.UUID
	Path   string
	// Fixed — расхождение исправлено во время сверки
	Fixed bool
}

// ReconcileResult — результат одного запуска сверки.
type ReconcileResult struct {
	StartedAt    time.Time
	Duration     time.Duration
	FilesChecked int
	Skipped      int
	Issues       []ReconcileIssue
}

// Count возвращает количество расхождений типа t.
func (r *ReconcileResult) Count(t IssueType) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Type == t {
			n++
		}
	}
	return n
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	storage  *Storage
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(storage *Storage, interval time.Duration, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{
		storage:  storage,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину сверки.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена", slog.String("interval", rs.interval.String()))
}

// Stop останавливает сверку и дожидается завершения текущего прохода.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result := &ReconcileResult{StartedAt: time.Now().UTC()}

	rs.checkRecovered(result)
	for _, public := range []bool{true, false} {
		if ctx.Err() != nil {
			break
		}
		rs.checkPartition(public, result)
	}
	if ctx.Err() == nil {
		rs.checkMissing(result)
	}

	result.Duration = time.Since(result.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(result.Duration.Seconds())
	for _, issue := range result.Issues {
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("files_checked", result.FilesChecked),
		slog.Int("skipped", result.Skipped),
		slog.Int("issues", len(result.Issues)),
		slog.Duration("duration", result.Duration),
	)
	return result, false
}

// checkPartition сверяет файлы одного раздела с индексом.
func (rs *ReconcileService) checkPartition(public bool, result *ReconcileResult) {
	s := rs.storage
	entries, err := s.content.ListContent(public)
	if err != nil {
		rs.logger.Error("Ошибка чтения раздела", slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		id, err := contentstore.IDFromContentName(e.Name)
		if err != nil {
			rs.logger.Warn("Файл с нераспознанным именем в разделе",
				slog.String("path", e.Path),
			)
			continue
		}
		result.FilesChecked++

		if issue, skipped := rs.checkEntry(id, e); skipped {
			result.Skipped++
		} else if issue != nil {
			result.Issues = append(result.Issues, *issue)
		}
	}
}

// checkRecovered сверяет файлы записей из прерванных транзакций.
// Исправленные здесь файлы при обходе разделов уже не дают расхождений.
func (rs *ReconcileService) checkRecovered(result *ReconcileResult) {
	s := rs.storage
	ids := s.takeRecovered()
	if len(ids) == 0 {
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		entries, err := s.content.Locate(id)
		if err != nil {
			rs.logger.Error("Ошибка поиска содержимого записи",
				slog.String("file_id", id.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, e := range entries {
			if issue, skipped := rs.checkEntry(id, e); skipped {
				result.Skipped++
			} else if issue != nil {
				result.Issues = append(result.Issues, *issue)
			}
		}
	}
	rs.logger.Info("Проверены записи прерванных транзакций", slog.Int("count", len(seen)))
}

// checkEntry проверяет один файл содержимого под s.mu, чтобы не пересечься
// с фиксацией записи или удалением.
func (rs *ReconcileService) checkEntry(id uuid.UUID, e contentstore.Entry) (*ReconcileIssue, bool) {
	s := rs.storage
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks.IsBusy(id) {
		return nil, true
	}

	meta := s.idx.Get(id)
	if meta == nil {
		issue := &ReconcileIssue{Type: IssueOrphanedContent, FileID: id, Path: e.Path}
		if _, err := s.content.MovePathToTrash(e.Path, id); err != nil {
			rs.logger.Error("Не удалось перенести файл без метаданных в корзину",
				slog.String("path", e.Path),
				slog.String("error", err.Error()),
			)
		} else {
			issue.Fixed = true
		}
		rs.logIssue(issue)
		return issue, false
	}

	if s.content.Path(meta) == e.Path {
		return nil, false
	}

	issue := &ReconcileIssue{Type: IssueMisplacedContent, FileID: id, Path: e.Path}
	moved, err := s.content.MoveInto(e.Path, meta)
	switch {
	case err != nil:
		rs.logger.Error("Не удалось перенести содержимое",
			slog.String("path", e.Path),
			slog.String("error", err.Error()),
		)
	case moved:
		issue.Fixed = true
		s.cache.Invalidate(id)
	default:
		// На правильном месте уже есть содержимое, эта копия лишняя
		if _, err := s.content.MovePathToTrash(e.Path, id); err == nil {
			issue.Fixed = true
		}
	}
	rs.logIssue(issue)
	return issue, false
}

// checkMissing находит записи без содержимого.
func (rs *ReconcileService) checkMissing(result *ReconcileResult) {
	s := rs.storage
	for _, meta := range s.idx.Snapshot(nil) {
		if s.locks.IsBusy(meta.ID) || s.contentExists(meta) {
			continue
		}
		issue := ReconcileIssue{Type: IssueMissingContent, FileID: meta.ID, Path: s.content.Path(meta)}
		rs.logIssue(&issue)
		result.Issues = append(result.Issues, issue)
	}
}

// contentExists проверяет наличие содержимого по актуальным метаданным.
func (s *Storage) contentExists(meta *model.FileMetadata) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.idx.Get(meta.ID)
	if current == nil {
		// Запись удалена во время сверки
		return true
	}
	return s.content.Exists(current)
}

func (rs *ReconcileService) logIssue(issue *ReconcileIssue) {
	rs.logger.Warn("Обнаружено расхождение",
		slog.String("type", string(issue.Type)),
		slog.String("file_id", issue.FileID.String()),
		slog.String("path", issue.Path),
		slog.Bool("fixed", issue.Fixed),
	)
}
