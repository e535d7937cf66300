// storage.go — хранилище записей каталога.
//
// Storage владеет индексом метаданных, таблицей блокировок, файлами
// содержимого и журналом WAL. Все операции синхронные и безопасны
// для вызова из нескольких горутин.
//
// Видимость записи определяется тремя условиями: запись есть в индексе,
// политика разрешает чтение и по её id не идёт запись содержимого.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/bigkaa/goartstore/catalog-storage/pkg/access"
	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/contentstore"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/index"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/locktable"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/metastore"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/wal"
)

// Options — параметры хранилища.
type Options struct {
	// DataDir — корень хранилища (public/, protected/, .tmp/, .trash/)
	DataDir string
	// WALDir — директория WAL; пусто = <DataDir>/.wal
	WALDir string
	// CacheSize — ёмкость кэша содержимого (0 = без кэша)
	CacheSize int
	// CacheTTL — время жизни записи кэша
	CacheTTL time.Duration
	// SortLanguage — язык сортировки по имени по умолчанию
	SortLanguage string
}

// Storage — хранилище записей каталога.
type Storage struct {
	content *contentstore.ContentStore
	meta    *metastore.Store
	idx     *index.Index
	locks   *locktable.Table
	wal     *wal.WAL
	cache   *contentCache
	lang    language.Tag
	logger  *slog.Logger

	// mu сериализует фиксацию изменений (содержимое + метаданные + индекс)
	// с каскадным удалением. Удерживается только на время переименований.
	mu sync.Mutex

	// trash — файлы корзины, ожидающие закрытия последнего дескриптора
	trashMu sync.Mutex
	trash   map[string]struct{}

	// recovered — записи незавершённых транзакций предыдущего процесса,
	// сверка проверяет их первыми (под mu)
	recovered []uuid.UUID
}

// New открывает хранилище: создаёт директории, закрывает незавершённые
// транзакции WAL и строит индекс из файлов метаданных.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Storage, error) {
	if opts.DataDir == "" {
		return nil, errors.New("не задана директория хранилища")
	}
	if opts.WALDir == "" {
		opts.WALDir = filepath.Join(opts.DataDir, ".wal")
	}

	lang := language.Slovak
	if opts.SortLanguage != "" {
		tag, err := language.Parse(opts.SortLanguage)
		if err != nil {
			return nil, fmt.Errorf("недопустимый язык сортировки %q: %w", opts.SortLanguage, err)
		}
		lang = tag
	}

	content, err := contentstore.New(opts.DataDir)
	if err != nil {
		return nil, err
	}
	meta, err := metastore.New(content.ProtectedDir(), logger)
	if err != nil {
		return nil, err
	}
	w, err := wal.New(opts.WALDir, logger)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		content: content,
		meta:    meta,
		idx:     index.New(logger),
		locks:   locktable.New(),
		wal:     w,
		cache:   newContentCache(opts.CacheSize, opts.CacheTTL),
		lang:    lang,
		logger:  logger.With(slog.String("component", "storage")),
		trash:   make(map[string]struct{}),
	}

	if err := s.recoverWAL(); err != nil {
		return nil, err
	}
	if err := s.idx.BuildFromDir(ctx, meta); err != nil {
		return nil, err
	}
	s.refreshFileGauges()

	s.logger.Info("Хранилище открыто",
		slog.String("data_dir", opts.DataDir),
		slog.String("wal_dir", opts.WALDir),
		slog.Int("files", s.idx.Count()),
	)
	return s, nil
}

// recoverWAL откатывает транзакции, прерванные предыдущим процессом.
// Незафиксированные temp файлы остаются в .tmp/ и удаляются GC.
// Затронутые записи запоминаются: первая сверка начинает с них.
func (s *Storage) recoverWAL() error {
	pending, err := s.wal.RecoverPending()
	if err != nil {
		return fmt.Errorf("ошибка восстановления WAL: %w", err)
	}
	for _, entry := range pending {
		s.recovered = append(s.recovered, entry.IDs()...)
		if err := s.wal.Rollback(entry.TransactionID); err != nil {
			s.logger.Warn("Не удалось откатить WAL-транзакцию",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(pending) > 0 {
		s.logger.Warn("Незавершённые транзакции откачены", slog.Int("count", len(pending)))
	}
	return nil
}

// takeRecovered возвращает записи прерванных транзакций и очищает список.
func (s *Storage) takeRecovered() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.recovered
	s.recovered = nil
	return ids
}

// Insert записывает содержимое и метаданные записи целиком.
// Эквивалентно OpenWriteStream + копирование + Close.
func (s *Storage) Insert(ctx context.Context, content io.Reader, meta *model.FileMetadata, overwrite bool, policy access.Policy) (err error) {
	start := time.Now()
	defer func() { observe(opInsert, start, err) }()

	ws, err := s.openWriteStream(ctx, meta, overwrite, policy)
	if err != nil {
		return err
	}
	if _, err := io.Copy(ws, content); err != nil {
		ws.Abort()
		return fmt.Errorf("ошибка записи содержимого %s: %w", meta.ID, err)
	}
	return ws.Close()
}

// UpdateMetadata заменяет метаданные записи, не трогая содержимое.
// Если изменился раздел, содержимое переносится. Допускается при
// открытых потоках чтения; при записи содержимого возвращает ErrConflict.
func (s *Storage) UpdateMetadata(ctx context.Context, meta *model.FileMetadata, policy access.Policy) (err error) {
	start := time.Now()
	defer func() { observe(opUpdateMetadata, start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	target := meta.Clone()
	log := s.logger.With(slog.String("file_id", target.ID.String()))

	existing := s.idx.Get(target.ID)
	if existing == nil {
		if s.locks.IsWriting(target.ID) {
			log.Debug("Обновление метаданных отклонено: идёт запись содержимого")
			return ErrConflict
		}
		return ErrNotFound
	}
	if !access.CanModifyBoth(policy, existing, target) {
		return ErrAccessDenied
	}

	h, ok := s.locks.AcquireMetaUpdate(target.ID)
	if !ok {
		log.Debug("Обновление метаданных отклонено: запись занята")
		return ErrConflict
	}
	defer h.Release()

	tx, err := s.wal.StartTransaction(wal.OpMetadataUpdate, target.ID)
	if err != nil {
		return err
	}

	if err := s.commitMetadata(h, target, policy); err != nil {
		s.rollback(tx)
		return err
	}

	s.commit(tx)
	log.Debug("Метаданные обновлены", slog.Bool("is_public", target.IsPublic))
	return nil
}

// commitMetadata применяет target под s.mu. Политика проверяется повторно
// по актуальным метаданным: между первой проверкой и захватом блокировки
// запись могла сменить владельца.
func (s *Storage) commitMetadata(h *locktable.Handle, target *model.FileMetadata, policy access.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.idx.Get(target.ID)
	if h.Doomed() || current == nil {
		return ErrNotFound
	}
	if !access.CanModifyBoth(policy, current, target) {
		return ErrAccessDenied
	}

	if target.Created.IsZero() {
		target.Created = current.Created
	}
	if target.LastModified.IsZero() {
		// Повтор того же обновления не сдвигает lastModified
		target.LastModified = current.LastModified
		if !target.Equal(current) {
			target.LastModified = time.Now().UTC()
		}
	}

	if _, err := s.content.Relocate(current, target); err != nil {
		return err
	}
	if err := s.meta.Write(target); err != nil {
		// Возвращаем содержимое на место, чтобы раздел соответствовал метаданным
		if _, rerr := s.content.Relocate(target, current); rerr != nil {
			s.logger.Error("Не удалось вернуть содержимое после ошибки",
				slog.String("file_id", target.ID.String()),
				slog.String("error", rerr.Error()),
			)
		}
		return err
	}
	s.idx.Put(target)
	s.cache.Invalidate(target.ID)
	s.refreshFileGauges()
	return nil
}

// DeleteFile удаляет запись и все транзитивно зависимые записи.
// Если политика запрещает удаление хотя бы одной из них, ничего не удаляется.
// Открытые потоки дочитывают свои данные; файлы стираются при их закрытии.
func (s *Storage) DeleteFile(ctx context.Context, id uuid.UUID, policy access.Policy) (err error) {
	start := time.Now()
	defer func() { observe(opDelete, start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	root := s.idx.Get(id)
	if root == nil {
		return ErrNotFound
	}

	dependents := s.idx.Descendants(id)
	targets := make([]*model.FileMetadata, 0, len(dependents)+1)
	targets = append(targets, root)
	for _, depID := range dependents {
		if m := s.idx.Get(depID); m != nil {
			targets = append(targets, m)
		}
	}

	for _, m := range targets {
		if !policy.CanDelete(m) {
			s.logger.Debug("Удаление отклонено политикой",
				slog.String("file_id", id.String()),
				slog.String("denied_id", m.ID.String()),
			)
			return ErrAccessDenied
		}
	}

	tx, err := s.wal.StartTransaction(wal.OpFileDelete, id, dependents...)
	if err != nil {
		return err
	}

	var firstErr error
	for _, m := range targets {
		if err := s.removeRecord(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.refreshFileGauges()

	if firstErr != nil {
		s.rollback(tx)
		return firstErr
	}
	s.commit(tx)

	s.logger.Info("Запись удалена",
		slog.String("file_id", id.String()),
		slog.Int("dependents", len(targets)-1),
	)
	return nil
}

// removeRecord убирает запись из индекса и с диска. Вызывается под s.mu.
// Если на id открыты дескрипторы, содержимое уходит в корзину и
// стирается при закрытии последнего из них.
func (s *Storage) removeRecord(m *model.FileMetadata) error {
	s.idx.Remove(m.ID)
	s.cache.Invalidate(m.ID)

	var errs []error
	if err := s.meta.Delete(m.ID); err != nil {
		errs = append(errs, err)
	}

	trashPath, err := s.content.MoveToTrash(m)
	if err != nil {
		errs = append(errs, err)
	}

	if trashPath == "" {
		// Содержимого нет, но незакрытый писатель должен узнать об удалении
		s.locks.Doom(m.ID, nil)
		return errors.Join(errs...)
	}

	s.trackTrash(trashPath)
	deferred := s.locks.Doom(m.ID, func() { s.purgeTrash(trashPath) })
	if !deferred {
		s.purgeTrash(trashPath)
	}
	return errors.Join(errs...)
}

func (s *Storage) trackTrash(path string) {
	s.trashMu.Lock()
	s.trash[path] = struct{}{}
	s.trashMu.Unlock()
}

// purgeTrash физически удаляет файл корзины.
func (s *Storage) purgeTrash(path string) {
	if err := s.content.RemovePath(path); err != nil {
		s.logger.Error("Не удалось удалить файл корзины",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		// Файл останется для GC
	}
	s.trashMu.Lock()
	delete(s.trash, path)
	s.trashMu.Unlock()
}

// trashOwned сообщает, ждёт ли файл корзины закрытия дескрипторов.
func (s *Storage) trashOwned(path string) bool {
	s.trashMu.Lock()
	defer s.trashMu.Unlock()
	_, ok := s.trash[path]
	return ok
}

// GetFileState возвращает запись с содержимым.
// Возвращает nil без ошибки, если записи нет, политика запрещает
// чтение или по id идёт запись содержимого.
func (s *Storage) GetFileState(ctx context.Context, id uuid.UUID, policy access.Policy) (_ *model.FileState, err error) {
	start := time.Now()
	defer func() { observe(opGetFileState, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := s.visible(id, policy)
	if meta == nil {
		return nil, nil
	}

	state, err := s.fileState(meta, true)
	if err != nil {
		return nil, err
	}
	if s.locks.IsWriting(id) {
		// Запись началась во время чтения содержимого
		return nil, nil
	}
	return state, nil
}

// visible возвращает метаданные id, если запись видима для policy.
func (s *Storage) visible(id uuid.UUID, policy access.Policy) *model.FileMetadata {
	if s.locks.IsWriting(id) {
		return nil
	}
	meta := s.idx.Get(id)
	if meta == nil || !policy.CanRead(meta) {
		return nil
	}
	return meta
}

// fileState собирает FileState; при withContent содержимое читается через кэш.
func (s *Storage) fileState(meta *model.FileMetadata, withContent bool) (*model.FileState, error) {
	state := &model.FileState{Metadata: *meta}
	if !withContent {
		return state, nil
	}

	content, ok, err := s.loadContent(meta)
	if err != nil {
		return nil, err
	}
	if ok {
		state.Content = &content
	}
	return state, nil
}

// loadContent читает содержимое записи. Если файл переехал в другой раздел
// между чтением индекса и открытием, повторяет попытку по свежим метаданным.
func (s *Storage) loadContent(meta *model.FileMetadata) (string, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current := meta
		content, ok, err := s.cache.Load(meta.ID, func() (string, bool, error) {
			return s.content.ReadAll(current)
		})
		if err != nil || ok {
			return content, ok, err
		}

		fresh := s.idx.Get(meta.ID)
		if fresh == nil || s.content.Path(fresh) == s.content.Path(meta) {
			return "", false, nil
		}
		meta = fresh
	}
	return "", false, nil
}

// Stats — сводка состояния хранилища.
type Stats struct {
	Files         int `json:"files"`
	Public        int `json:"public"`
	Protected     int `json:"protected"`
	OpenReaders   int `json:"open_readers"`
	OpenWriters   int `json:"open_writers"`
	CachedEntries int `json:"cached_entries"`
	PendingTrash  int `json:"pending_trash"`
}

// Stats возвращает текущую сводку.
func (s *Storage) Stats() Stats {
	public, protected := s.idx.CountByVisibility()
	locks := s.locks.Stats()

	s.trashMu.Lock()
	pending := len(s.trash)
	s.trashMu.Unlock()

	return Stats{
		Files:         public + protected,
		Public:        public,
		Protected:     protected,
		OpenReaders:   locks.Readers,
		OpenWriters:   locks.Writers,
		CachedEntries: s.cache.Len(),
		PendingTrash:  pending,
	}
}

// Ready сообщает, построен ли индекс.
func (s *Storage) Ready() bool {
	return s.idx.IsReady()
}

func (s *Storage) commit(tx *wal.Entry) {
	if err := s.wal.Commit(tx.TransactionID); err != nil {
		s.logger.Error("Ошибка фиксации WAL",
			slog.String("tx_id", tx.TransactionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Storage) rollback(tx *wal.Entry) {
	if err := s.wal.Rollback(tx.TransactionID); err != nil {
		s.logger.Error("Ошибка отката WAL",
			slog.String("tx_id", tx.TransactionID),
			slog.String("error", err.Error()),
		)
	}
}

// isNotExist проверяет отсутствие файла в обёрнутой ошибке.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
