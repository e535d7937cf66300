// Пакет metastore — чтение и запись файлов метаданных (*.metadata).
// Каждая запись хранилища имеет сопутствующий protected/<id>.metadata,
// который является единственным источником истины для метаданных,
// независимо от того, в каком разделе лежит содержимое.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
)

// Suffix — суффикс файла метаданных.
const Suffix = ".metadata"

// maxMetadataFileSize — максимальный допустимый размер *.metadata (64 КБ).
const maxMetadataFileSize = 64 * 1024

// Store — файлы метаданных в директории dir (раздел protected).
type Store struct {
	dir    string
	logger *slog.Logger
}

// New создаёт Store. Создаёт директорию, если она не существует.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию метаданных %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "metastore")),
	}, nil
}

// Dir возвращает директорию метаданных.
func (s *Store) Dir() string {
	return s.dir
}

// Path возвращает путь к файлу метаданных записи.
// Пример: protected/0b6a4f5e1c2d4e3f8a9b0c1d2e3f4a5b.metadata
func (s *Store) Path(id uuid.UUID) string {
	return filepath.Join(s.dir, FileName(id))
}

// FileName возвращает имя файла метаданных без директории.
func FileName(id uuid.UUID) string {
	return model.CompactID(id) + Suffix
}

// IsMetadataFile проверяет, является ли путь файлом метаданных.
func IsMetadataFile(path string) bool {
	return strings.HasSuffix(path, Suffix)
}

// IDFromFileName извлекает идентификатор из имени файла метаданных.
func IDFromFileName(name string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSuffix(filepath.Base(name), Suffix))
}

// Write атомарно записывает метаданные записи.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func (s *Store) Write(meta *model.FileMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	if len(data) > maxMetadataFileSize {
		return fmt.Errorf("размер метаданных (%d байт) превышает максимум (%d байт)", len(data), maxMetadataFileSize)
	}

	path := s.Path(meta.ID)
	tmpPath := path + "." + uuid.NewString() + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Read читает метаданные записи по идентификатору.
func (s *Store) Read(id uuid.UUID) (*model.FileMetadata, error) {
	return ReadFile(s.Path(id))
}

// ReadFile читает и десериализует метаданные из файла.
// Возвращает ошибку, если файл не найден или содержит невалидный JSON.
func ReadFile(path string) (*model.FileMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения метаданных %s: %w", path, err)
	}

	var meta model.FileMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("ошибка десериализации метаданных %s: %w", path, err)
	}

	return &meta, nil
}

// Delete удаляет файл метаданных записи.
// Возвращает nil, если файл уже не существует.
func (s *Store) Delete(id uuid.UUID) error {
	path := s.Path(id)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления метаданных %s: %w", path, err)
	}
	return nil
}

// Exists проверяет наличие файла метаданных.
func (s *Store) Exists(id uuid.UUID) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Scan читает все файлы метаданных директории.
// Файлы декодируются параллельно; невалидные пропускаются с предупреждением,
// как и файлы, имя которых не совпадает с идентификатором внутри.
// Используется при построении in-memory индекса при старте.
func (s *Store) Scan(ctx context.Context) ([]*model.FileMetadata, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+Suffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", s.dir, err)
	}

	var (
		mu     sync.Mutex
		result = make([]*model.FileMetadata, 0, len(matches))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, path := range matches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			meta, err := ReadFile(path)
			if err != nil {
				s.logger.Warn("Пропущен невалидный файл метаданных",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				return nil
			}

			if id, err := IDFromFileName(path); err != nil || id != meta.ID {
				s.logger.Warn("Имя файла метаданных не совпадает с идентификатором",
					slog.String("path", path),
					slog.String("file_id", meta.ID.String()),
				)
				return nil
			}

			mu.Lock()
			result = append(result, meta)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("сканирование метаданных прервано: %w", err)
	}

	return result, nil
}
