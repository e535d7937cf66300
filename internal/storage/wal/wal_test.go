package wal

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "wal"), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания WAL: %v", err)
	}
	return w
}

// TestNew_CreatesDirectory проверяет, что New создаёт директорию WAL.
func TestNew_CreatesDirectory(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "nested", "wal")

	w, err := New(walDir, testLogger())
	if err != nil {
		t.Fatalf("ожидалось успешное создание WAL, получена ошибка: %v", err)
	}
	if w.dir != walDir {
		t.Errorf("ожидался путь %s, получен %s", walDir, w.dir)
	}
	if info, err := os.Stat(walDir); err != nil || !info.IsDir() {
		t.Fatalf("директория WAL не создана: %v", err)
	}
	if _, err := os.Stat(filepath.Join(walDir, ".wal_write_test")); !os.IsNotExist(err) {
		t.Error("пробный файл должен быть удалён")
	}
}

// TestStartTransaction проверяет создание pending-записи на диске.
func TestStartTransaction(t *testing.T) {
	w := newTestWAL(t)
	id := uuid.New()
	dep := uuid.New()

	entry, err := w.StartTransaction(OpFileDelete, id, dep)
	if err != nil {
		t.Fatalf("ошибка создания транзакции: %v", err)
	}
	if entry.Status != StatusPending || entry.FileID != id {
		t.Errorf("неожиданная запись: %+v", entry)
	}

	data, err := os.ReadFile(filepath.Join(w.dir, walFileName(entry.TransactionID)))
	if err != nil {
		t.Fatalf("файл WAL не создан: %v", err)
	}
	var onDisk Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("невалидный JSON: %v", err)
	}
	if onDisk.Operation != OpFileDelete || len(onDisk.Affected) != 1 || onDisk.Affected[0] != dep {
		t.Errorf("на диске записано %+v", onDisk)
	}
	if ids := onDisk.IDs(); len(ids) != 2 || ids[0] != id {
		t.Errorf("IDs: %v", ids)
	}
}

// TestCommitAndRollback проверяет переходы статусов.
func TestCommitAndRollback(t *testing.T) {
	w := newTestWAL(t)

	tx1, _ := w.StartTransaction(OpFileWrite, uuid.New())
	tx2, _ := w.StartTransaction(OpMetadataUpdate, uuid.New())

	if err := w.Commit(tx1.TransactionID); err != nil {
		t.Fatalf("ошибка commit: %v", err)
	}
	if err := w.Rollback(tx2.TransactionID); err != nil {
		t.Fatalf("ошибка rollback: %v", err)
	}

	got1, _ := w.GetTransaction(tx1.TransactionID)
	if got1.Status != StatusCommitted || got1.CompletedAt == nil {
		t.Errorf("ожидался committed с временем завершения: %+v", got1)
	}
	got2, _ := w.GetTransaction(tx2.TransactionID)
	if got2.Status != StatusRolledBack {
		t.Errorf("ожидался rolled_back, получен %s", got2.Status)
	}

	// Повторное закрытие недопустимо
	if err := w.Commit(tx1.TransactionID); err == nil {
		t.Error("ожидалась ошибка повторного commit")
	}
	if err := w.Rollback(tx1.TransactionID); err == nil {
		t.Error("ожидалась ошибка rollback завершённой транзакции")
	}
}

// TestGetTransaction_NotFound проверяет ошибку для неизвестной транзакции.
func TestGetTransaction_NotFound(t *testing.T) {
	w := newTestWAL(t)
	if _, err := w.GetTransaction("missing"); err == nil {
		t.Error("ожидалась ошибка")
	}
	if err := w.Commit("missing"); err == nil {
		t.Error("ожидалась ошибка commit неизвестной транзакции")
	}
}

// TestRecoverPending проверяет поиск незавершённых транзакций.
func TestRecoverPending(t *testing.T) {
	w := newTestWAL(t)

	pendingID := uuid.New()
	w.StartTransaction(OpFileWrite, pendingID)
	done, _ := w.StartTransaction(OpFileWrite, uuid.New())
	w.Commit(done.TransactionID)

	// Повреждённый файл пропускается
	os.WriteFile(filepath.Join(w.dir, "broken"+fileSuffix), []byte("{"), 0o640)

	pending, err := w.RecoverPending()
	if err != nil {
		t.Fatalf("ошибка восстановления: %v", err)
	}
	if len(pending) != 1 || pending[0].FileID != pendingID {
		t.Errorf("ожидалась одна pending-транзакция для %s: %+v", pendingID, pending)
	}
}

// TestCleanCommitted проверяет очистку завершённых записей.
func TestCleanCommitted(t *testing.T) {
	w := newTestWAL(t)

	keep, _ := w.StartTransaction(OpFileWrite, uuid.New())
	c, _ := w.StartTransaction(OpFileWrite, uuid.New())
	r, _ := w.StartTransaction(OpFileDelete, uuid.New())
	w.Commit(c.TransactionID)
	w.Rollback(r.TransactionID)

	cleaned, err := w.CleanCommitted()
	if err != nil {
		t.Fatalf("ошибка очистки: %v", err)
	}
	if cleaned != 2 {
		t.Errorf("ожидалось 2 удалённых записи, получено %d", cleaned)
	}
	if _, err := w.GetTransaction(keep.TransactionID); err != nil {
		t.Error("pending-запись должна остаться")
	}
}

// TestAtomicWrite проверяет отсутствие temp файлов после записи.
func TestAtomicWrite(t *testing.T) {
	w := newTestWAL(t)
	tx, _ := w.StartTransaction(OpFileWrite, uuid.New())
	w.Commit(tx.TransactionID)

	tmp, _ := filepath.Glob(filepath.Join(w.dir, "*.tmp"))
	if len(tmp) != 0 {
		t.Errorf("временные файлы не должны оставаться: %v", tmp)
	}
}

// TestConcurrentAccess проверяет параллельные транзакции.
func TestConcurrentAccess(t *testing.T) {
	w := newTestWAL(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := w.StartTransaction(OpFileWrite, uuid.New())
			if err != nil {
				t.Errorf("ошибка создания транзакции: %v", err)
				return
			}
			if err := w.Commit(tx.TransactionID); err != nil {
				t.Errorf("ошибка commit: %v", err)
			}
		}()
	}
	wg.Wait()

	pending, _ := w.RecoverPending()
	if len(pending) != 0 {
		t.Errorf("не должно остаться pending-транзакций: %d", len(pending))
	}
}
