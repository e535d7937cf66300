package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
)

// writeTmp создаёт temp файл записи id с заданным временем изменения.
func writeTmp(t *testing.T, s *Storage, id uuid.UUID, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(s.content.TmpDir(), model.CompactID(id)+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(path, []byte("partial"), 0o640); err != nil {
		t.Fatalf("ошибка создания temp файла: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("ошибка установки времени: %v", err)
	}
	return path
}

func TestGC_TempFiles(t *testing.T) {
	s := newTestStorage(t)
	gc := NewGCService(s, time.Hour, time.Hour, testLogger())
	now := time.Now()

	old := writeTmp(t, s, uuid.New(), now.Add(-2*time.Hour))
	fresh := writeTmp(t, s, uuid.New(), now)

	// Старый temp файл открытой записи не трогаем
	meta := record(model.FileTypeDatasetRegistration, "P1", true)
	w, err := s.OpenWriteStream(context.Background(), meta, false, allowAll)
	if err != nil {
		t.Fatalf("ошибка открытия потока записи: %v", err)
	}
	defer w.Abort()
	active := writeTmp(t, s, meta.ID, now.Add(-2*time.Hour))

	result := gc.RunOnce(now)
	if result.TempRemoved != 1 || result.Errors != 0 {
		t.Errorf("ожидалось удаление 1 temp файла: %+v", result)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("старый temp файл должен быть удалён")
	}
	for _, p := range []string{fresh, active} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("temp файл %s должен сохраниться: %v", filepath.Base(p), err)
		}
	}
}

func TestGC_Trash(t *testing.T) {
	s := newTestStorage(t)
	gc := NewGCService(s, time.Hour, time.Hour, testLogger())

	// Остаток удаления до рестарта
	stray := filepath.Join(s.content.TrashDir(), model.CompactID(uuid.New())+"."+uuid.NewString())
	if err := os.WriteFile(stray, []byte("old"), 0o640); err != nil {
		t.Fatalf("ошибка подготовки корзины: %v", err)
	}

	// Удаление при открытом потоке чтения оставляет файл в корзине
	meta := record(model.FileTypeDatasetRegistration, "P1", true)
	insert(t, s, meta, "held")
	r, err := s.OpenReadStream(context.Background(), meta.ID, allowAll)
	if err != nil || r == nil {
		t.Fatalf("ошибка открытия потока чтения: %v", err)
	}
	if err := s.DeleteFile(context.Background(), meta.ID, allowAll); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}

	result := gc.RunOnce(time.Now())
	if result.TrashRemoved != 1 {
		t.Errorf("ожидалось удаление 1 файла корзины: %+v", result)
	}
	if s.Stats().PendingTrash != 1 {
		t.Error("файл открытого потока должен остаться в корзине")
	}

	r.Close()
	if s.Stats().PendingTrash != 0 {
		t.Error("после закрытия потока корзина должна освободиться")
	}
	trash, _ := s.content.ListTrash()
	if len(trash) != 0 {
		t.Errorf("корзина должна быть пуста: %+v", trash)
	}
}

func TestGC_CleansCommittedWAL(t *testing.T) {
	s := newTestStorage(t)
	gc := NewGCService(s, time.Hour, time.Hour, testLogger())

	insert(t, s, record(model.FileTypeDatasetRegistration, "P1", true), "a")
	insert(t, s, record(model.FileTypeDatasetRegistration, "P1", true), "b")

	result := gc.RunOnce(time.Now())
	if result.WALCleaned != 2 {
		t.Errorf("ожидалась очистка 2 записей WAL, получено %d", result.WALCleaned)
	}

	result = gc.RunOnce(time.Now())
	if result.WALCleaned != 0 {
		t.Errorf("повторный проход не должен ничего чистить: %d", result.WALCleaned)
	}
}

func TestGC_StartStop(t *testing.T) {
	s := newTestStorage(t)
	gc := NewGCService(s, 10*time.Millisecond, time.Hour, testLogger())

	gc.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	gc.Stop()
	gc.Stop()
}
