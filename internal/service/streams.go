// streams.go — потоки чтения и записи содержимого.
//
// Поток записи удерживает монопольную блокировку id с момента открытия
// до Close/Abort: всё это время запись невидима для чтения и выборок.
// Поток чтения удерживает разделяемую блокировку и не даёт начать запись.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/catalog-storage/pkg/access"
	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/contentstore"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/locktable"
	"github.com/bigkaa/goartstore/catalog-storage/internal/storage/wal"
)

// ReadStream — открытый поток чтения содержимого записи.
type ReadStream struct {
	f      *os.File
	handle *locktable.Handle
	meta   *model.FileMetadata
	once   sync.Once
}

// Read читает содержимое.
func (r *ReadStream) Read(p []byte) (int, error) {
	return r.f.Read(p)
}

// Metadata возвращает метаданные записи на момент открытия.
func (r *ReadStream) Metadata() model.FileMetadata {
	return *r.meta
}

// Close закрывает файл и освобождает блокировку.
// Если запись была удалена, пока поток был открыт, её данные стираются здесь.
func (r *ReadStream) Close() error {
	var err error
	r.once.Do(func() {
		err = r.f.Close()
		r.handle.Release()
		openStreams.WithLabelValues("read").Dec()
	})
	return err
}

// OpenReadStream открывает поток чтения содержимого id.
// Возвращает nil без ошибки, если записи нет, политика запрещает чтение,
// по id идёт запись или содержимое не записывалось.
func (s *Storage) OpenReadStream(ctx context.Context, id uuid.UUID, policy access.Policy) (_ *ReadStream, err error) {
	start := time.Now()
	defer func() { observe(opReadStream, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, ok := s.locks.AcquireRead(id)
	if !ok {
		return nil, nil
	}

	// Обновление метаданных допускается при читателях и может перенести
	// содержимое в другой раздел между чтением индекса и открытием файла
	for attempt := 0; attempt < 2; attempt++ {
		meta := s.idx.Get(id)
		if meta == nil || !policy.CanRead(meta) {
			break
		}

		f, err := s.content.Open(meta)
		if err == nil {
			openStreams.WithLabelValues("read").Inc()
			return &ReadStream{f: f, handle: h, meta: meta}, nil
		}
		if !isNotExist(err) {
			h.Release()
			return nil, err
		}

		fresh := s.idx.Get(id)
		if fresh == nil || s.content.Path(fresh) == s.content.Path(meta) {
			break
		}
	}

	h.Release()
	return nil, nil
}

// WriteStream — открытый поток записи содержимого.
// Close фиксирует записанные байты как содержимое записи вместе с
// метаданными, переданными при открытии. Abort отменяет запись.
type WriteStream struct {
	s      *Storage
	tmp    *contentstore.TempFile
	handle *locktable.Handle
	tx     *wal.Entry
	meta   *model.FileMetadata
	log    *slog.Logger

	mu   sync.Mutex
	done bool
}

// Write дописывает данные во временный файл.
func (w *WriteStream) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, os.ErrClosed
	}
	return w.tmp.Write(p)
}

// Close фиксирует содержимое и метаданные и освобождает блокировку.
// Если запись была удалена во время записи, данные отбрасываются
// и возвращается nil.
func (w *WriteStream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	defer w.finish()

	if err := w.s.commitContent(w); err != nil {
		w.s.rollback(w.tx)
		return err
	}
	return nil
}

// Abort отбрасывает записанные данные без фиксации.
func (w *WriteStream) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	defer w.finish()

	if err := w.tmp.Discard(); err != nil {
		w.log.Warn("Не удалось удалить временный файл", slog.String("error", err.Error()))
	}
	w.s.rollback(w.tx)
	w.log.Debug("Запись отменена")
}

func (w *WriteStream) finish() {
	w.handle.Release()
	openStreams.WithLabelValues("write").Dec()
}

// OpenWriteStream открывает поток записи содержимого для meta.
// Проверки те же, что у Insert: политика для существующей и новой
// версии (ErrAccessDenied), существование без overwrite и занятость
// id (ErrConflict).
func (s *Storage) OpenWriteStream(ctx context.Context, meta *model.FileMetadata, overwrite bool, policy access.Policy) (_ *WriteStream, err error) {
	start := time.Now()
	defer func() { observe(opWriteStream, start, err) }()
	return s.openWriteStream(ctx, meta, overwrite, policy)
}

func (s *Storage) openWriteStream(ctx context.Context, meta *model.FileMetadata, overwrite bool, policy access.Policy) (*WriteStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	target := meta.Clone()
	log := s.logger.With(slog.String("file_id", target.ID.String()))

	existing := s.idx.Get(target.ID)
	if !access.CanModifyBoth(policy, existing, target) {
		return nil, ErrAccessDenied
	}
	if existing != nil && !overwrite {
		log.Debug("Запись отклонена: запись уже существует")
		return nil, ErrConflict
	}

	h, ok := s.locks.AcquireWrite(target.ID)
	if !ok {
		log.Debug("Запись отклонена: идентификатор занят")
		return nil, ErrConflict
	}

	// Повторная проверка под блокировкой: до захвата запись могли
	// создать или сменить ей владельца
	current := s.idx.Get(target.ID)
	if !overwrite && current != nil {
		h.Release()
		log.Debug("Запись отклонена: запись уже существует")
		return nil, ErrConflict
	}
	if !access.CanModifyBoth(policy, current, target) {
		h.Release()
		return nil, ErrAccessDenied
	}

	tx, err := s.wal.StartTransaction(wal.OpFileWrite, target.ID)
	if err != nil {
		h.Release()
		return nil, err
	}

	tmp, err := s.content.CreateTemp(target.ID)
	if err != nil {
		s.rollback(tx)
		h.Release()
		return nil, err
	}

	openStreams.WithLabelValues("write").Inc()
	return &WriteStream{
		s:      s,
		tmp:    tmp,
		handle: h,
		tx:     tx,
		meta:   target,
		log:    log,
	}, nil
}

// commitContent переносит временный файл в раздел, пишет метаданные
// и обновляет индекс.
func (s *Storage) commitContent(w *WriteStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.handle.Doomed() {
		if err := w.tmp.Discard(); err != nil {
			w.log.Warn("Не удалось удалить временный файл", slog.String("error", err.Error()))
		}
		s.rollback(w.tx)
		w.log.Debug("Запись отброшена: запись удалена во время записи")
		return nil
	}

	target := w.meta
	previous := s.idx.Get(target.ID)
	now := time.Now().UTC()
	if target.Created.IsZero() {
		if previous != nil {
			target.Created = previous.Created
		} else {
			target.Created = now
		}
	}
	if target.LastModified.IsZero() {
		if previous != nil {
			target.LastModified = now
		} else {
			target.LastModified = target.Created
		}
	}

	res, err := s.content.Commit(w.tmp, target, previous)
	if err != nil {
		return err
	}
	if err := s.meta.Write(target); err != nil {
		return err
	}
	s.idx.Put(target)
	s.cache.Invalidate(target.ID)
	s.refreshFileGauges()
	s.commit(w.tx)

	w.log.Debug("Содержимое записано",
		slog.Int64("size", res.Size),
		slog.String("checksum", res.Checksum),
		slog.Bool("is_public", target.IsPublic),
	)
	return nil
}
