// Пакет index — потокобезопасный in-memory индекс метаданных записей.
//
// Индекс строится при старте из файлов *.metadata (BuildFromDir)
// и обновляется синхронно при операциях записи (Put, Remove).
// Помимо основной карты id → метаданные ведётся вторичная карта
// владелец → зависимые записи, чтобы каскадное удаление и выборка
// зависимых не требовали полного обхода.
//
// Не персистентный: при рестарте пересобирается из *.metadata.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/metastore"
)

// Index — потокобезопасный in-memory индекс метаданных.
type Index struct {
	mu       sync.RWMutex
	files    map[uuid.UUID]*model.FileMetadata
	children map[uuid.UUID]map[uuid.UUID]struct{} // parent → dependents
	ready    bool
	logger   *slog.Logger
}

// New создаёт пустой индекс. Для заполнения вызовите BuildFromDir.
func New(logger *slog.Logger) *Index {
	return &Index{
		files:    make(map[uuid.UUID]*model.FileMetadata),
		children: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		logger:   logger.With(slog.String("component", "index")),
	}
}

// BuildFromDir строит индекс из файлов метаданных store.
// Заменяет текущее содержимое индекса и помечает его как ready.
func (idx *Index) BuildFromDir(ctx context.Context, store *metastore.Store) error {
	metas, err := store.Scan(ctx)
	if err != nil {
		return fmt.Errorf("ошибка сканирования метаданных %s: %w", store.Dir(), err)
	}

	files := make(map[uuid.UUID]*model.FileMetadata, len(metas))
	children := make(map[uuid.UUID]map[uuid.UUID]struct{})
	for _, meta := range metas {
		files[meta.ID] = meta
		if meta.ParentFile != nil {
			link(children, *meta.ParentFile, meta.ID)
		}
	}

	idx.mu.Lock()
	idx.files = files
	idx.children = children
	idx.ready = true
	idx.mu.Unlock()

	idx.logger.Info("Индекс метаданных построен",
		slog.Int("files", len(files)),
		slog.String("dir", store.Dir()),
	)
	return nil
}

// IsReady возвращает true, если индекс построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Put добавляет или заменяет метаданные записи.
// Индекс хранит собственную копию значения.
func (idx *Index) Put(meta *model.FileMetadata) {
	copied := meta.Clone()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.files[meta.ID]; ok && old.ParentFile != nil {
		unlink(idx.children, *old.ParentFile, meta.ID)
	}
	idx.files[meta.ID] = copied
	if copied.ParentFile != nil {
		link(idx.children, *copied.ParentFile, copied.ID)
	}
}

// Remove удаляет запись из индекса.
// Возвращает удалённые метаданные или nil, если записи не было.
// Ссылки зависимых записей на id не трогаются.
func (idx *Index) Remove(id uuid.UUID) *model.FileMetadata {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old, ok := idx.files[id]
	if !ok {
		return nil
	}
	delete(idx.files, id)
	if old.ParentFile != nil {
		unlink(idx.children, *old.ParentFile, id)
	}
	return old
}

// Get возвращает копию метаданных записи или nil.
func (idx *Index) Get(id uuid.UUID) *model.FileMetadata {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	meta, ok := idx.files[id]
	if !ok {
		return nil
	}
	return meta.Clone()
}

// Children возвращает идентификаторы прямых зависимых записей parent.
func (idx *Index) Children(parent uuid.UUID) []uuid.UUID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	set := idx.children[parent]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Descendants возвращает все транзитивно зависимые записи root
// (без самого root). Порядок: обход в ширину.
func (idx *Index) Descendants(root uuid.UUID) []uuid.UUID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := map[uuid.UUID]bool{root: true}
	queue := []uuid.UUID{root}
	var result []uuid.UUID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for id := range idx.children[cur] {
			if seen[id] {
				continue
			}
			seen[id] = true
			result = append(result, id)
			queue = append(queue, id)
		}
	}
	return result
}

// Snapshot возвращает копии всех метаданных, удовлетворяющих filter.
// filter == nil означает «все записи».
func (idx *Index) Snapshot(filter func(*model.FileMetadata) bool) []*model.FileMetadata {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	result := make([]*model.FileMetadata, 0, len(idx.files))
	for _, meta := range idx.files {
		if filter != nil && !filter(meta) {
			continue
		}
		result = append(result, meta.Clone())
	}
	return result
}

// Count возвращает общее количество записей.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.files)
}

// CountByVisibility возвращает количество опубликованных и неопубликованных записей.
func (idx *Index) CountByVisibility() (public, protected int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, meta := range idx.files {
		if meta.IsPublic {
			public++
		} else {
			protected++
		}
	}
	return public, protected
}

func link(children map[uuid.UUID]map[uuid.UUID]struct{}, parent, id uuid.UUID) {
	set, ok := children[parent]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		children[parent] = set
	}
	set[id] = struct{}{}
}

func unlink(children map[uuid.UUID]map[uuid.UUID]struct{}, parent, id uuid.UUID) {
	set, ok := children[parent]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(children, parent)
	}
}
