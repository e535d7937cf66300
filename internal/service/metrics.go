package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики хранилища
var (
	// operationsTotal — операции хранилища по результату.
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_operations_total",
		Help: "Общее количество операций хранилища",
	}, []string{"operation", "result"})

	// operationDuration — длительность операций изменения.
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cs_operation_duration_seconds",
		Help:    "Длительность операций хранилища в секундах",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	// filesTotal — количество записей по видимости.
	filesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cs_files_total",
		Help: "Количество записей в индексе",
	}, []string{"visibility"})

	// openStreams — открытые потоки чтения и записи.
	openStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cs_open_streams",
		Help: "Количество открытых потоков",
	}, []string{"kind"})

	// queryDuration — длительность выборок.
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cs_query_duration_seconds",
		Help:    "Длительность выборок в секундах",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kind"})

	// cacheRequestsTotal — обращения к кэшу содержимого.
	cacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_content_cache_requests_total",
		Help: "Обращения к кэшу содержимого",
	}, []string{"result"})
)

// Имена операций в метриках.
const (
	opInsert         = "insert"
	opWriteStream    = "write_stream"
	opReadStream     = "read_stream"
	opUpdateMetadata = "update_metadata"
	opDelete         = "delete"
	opGetFileState   = "get_file_state"
)

// observe фиксирует результат и длительность операции.
func observe(op string, start time.Time, err error) {
	operationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "error"
	}
}

// refreshFileGauges обновляет cs_files_total по индексу.
func (s *Storage) refreshFileGauges() {
	public, protected := s.idx.CountByVisibility()
	filesTotal.WithLabelValues("public").Set(float64(public))
	filesTotal.WithLabelValues("protected").Set(float64(protected))
}
