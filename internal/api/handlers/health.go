// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/catalog-storage/internal/config"
	"github.com/bigkaa/goartstore/catalog-storage/internal/service"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// StorageInspector — состояние хранилища для readiness.
type StorageInspector interface {
	Ready() bool
	Stats() service.Stats
}

// ReconcileStatus — признак выполняющейся сверки.
type ReconcileStatus interface {
	IsInProgress() bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// dataDir — корень хранилища (проверка записи и ёмкости диска)
	dataDir string
	// walDir — директория WAL
	walDir    string
	storage   StorageInspector
	reconcile ReconcileStatus
	// diskUsage подменяется в тестах
	diskUsage func(path string) (total, used, available int64, err error)
}

// NewHealthHandler создаёт обработчик health endpoints.
// reconcile может быть nil.
func NewHealthHandler(dataDir, walDir string, storage StorageInspector, reconcile ReconcileStatus) *HealthHandler {
	return &HealthHandler{
		version:   config.Version,
		dataDir:   dataDir,
		walDir:    walDir,
		storage:   storage,
		reconcile: reconcile,
		diskUsage: getDiskUsage,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "catalog-storage",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: директорию данных, директорию WAL, готовность индекса.
// В ответ включается статистика хранилища и ёмкость диска.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	fsCheck := checkWritable(h.dataDir, "Директория данных")
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	// WAL недоступен: чтение работает, запись нет
	walCheck := checkWritable(h.walDir, "Директория WAL")
	if walCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	indexCheck := map[string]any{"status": "ok"}
	if !h.storage.Ready() {
		indexCheck = map[string]any{"status": statusFail, "message": "Индекс не построен"}
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	checks := map[string]any{
		"filesystem": fsCheck,
		"wal":        walCheck,
		"index":      indexCheck,
		"disk":       h.checkDisk(),
	}
	if h.reconcile != nil {
		checks["reconcile"] = map[string]any{"in_progress": h.reconcile.IsInProgress()}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "catalog-storage",
		"checks":    checks,
		"storage":   h.storage.Stats(),
	})
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir, title string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": title + " недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{"status": "ok"}
}

// checkDisk возвращает ёмкость диска. Ошибка statfs не влияет на готовность.
func (h *HealthHandler) checkDisk() map[string]any {
	total, used, available, err := h.diskUsage(h.dataDir)
	if err != nil {
		return map[string]any{"status": "unknown", "message": err.Error()}
	}
	return map[string]any{
		"status":          "ok",
		"total_bytes":     total,
		"used_bytes":      used,
		"available_bytes": available,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
