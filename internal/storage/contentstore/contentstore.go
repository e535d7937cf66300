// Пакет contentstore — операции с содержимым записей на диске.
//
// Содержимое лежит в одном из двух разделов:
//   - public/<id><ext> — опубликованные записи (с расширением)
//   - protected/<id>   — неопубликованные записи (без расширения)
//
// Раздел — чистая функция флага IsPublic из метаданных.
// Запись идёт во временный файл (.tmp/) с подсчётом SHA-256 на лету,
// затем fsync → atomic rename в целевой раздел.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
)

// Имена служебных директорий внутри корня хранилища.
const (
	PublicDirName    = "public"
	ProtectedDirName = "protected"
	TmpDirName       = ".tmp"
	TrashDirName     = ".trash"
)

// rdfExtension — расширение содержимого RDF-записей (Turtle).
const rdfExtension = ".ttl"

// ContentStore — управление файлами содержимого на диске.
type ContentStore struct {
	root string
}

// CommitResult — результат фиксации содержимого.
type CommitResult struct {
	// Path — абсолютный путь файла в разделе
	Path string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 хэш содержимого
	Checksum string
}

// Entry — файл в служебной директории (для GC и сверки).
type Entry struct {
	Name    string
	Path    string
	ModTime time.Time
}

// New создаёт ContentStore и все директории разделов.
func New(root string) (*ContentStore, error) {
	cs := &ContentStore{root: root}
	for _, dir := range []string{cs.PublicDir(), cs.ProtectedDir(), cs.TmpDir(), cs.TrashDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}
	return cs, nil
}

// Root возвращает корневую директорию хранилища.
func (cs *ContentStore) Root() string { return cs.root }

// PublicDir возвращает директорию раздела public.
func (cs *ContentStore) PublicDir() string { return filepath.Join(cs.root, PublicDirName) }

// ProtectedDir возвращает директорию раздела protected.
func (cs *ContentStore) ProtectedDir() string { return filepath.Join(cs.root, ProtectedDirName) }

// TmpDir возвращает директорию временных файлов записи.
func (cs *ContentStore) TmpDir() string { return filepath.Join(cs.root, TmpDirName) }

// TrashDir возвращает директорию содержимого, ожидающего физического удаления.
func (cs *ContentStore) TrashDir() string { return filepath.Join(cs.root, TrashDirName) }

// Extension возвращает расширение файла содержимого в разделе public.
// Приоритет: расширение OriginalFileName, затем .ttl для RDF-записей.
func Extension(meta *model.FileMetadata) string {
	if ext := filepath.Ext(meta.OriginalFileName); ext != "" {
		return strings.ToLower(ext)
	}
	if meta.Type.IsRDF() {
		return rdfExtension
	}
	return ""
}

// Path возвращает путь к содержимому записи согласно её метаданным.
func (cs *ContentStore) Path(meta *model.FileMetadata) string {
	name := model.CompactID(meta.ID)
	if meta.IsPublic {
		return filepath.Join(cs.PublicDir(), name+Extension(meta))
	}
	return filepath.Join(cs.ProtectedDir(), name)
}

// IDFromContentName извлекает идентификатор из имени файла содержимого.
func IDFromContentName(name string) (uuid.UUID, error) {
	base := filepath.Base(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return uuid.Parse(base)
}

// TempFile — временный файл записи содержимого.
// Реализует io.Writer; SHA-256 и размер считаются на лету.
type TempFile struct {
	f      *os.File
	path   string
	hasher hash.Hash
	size   int64
	closed bool
}

// CreateTemp создаёт временный файл для записи содержимого id.
// Формат имени: <id>.<uuid>.tmp
func (cs *ContentStore) CreateTemp(id uuid.UUID) (*TempFile, error) {
	path := filepath.Join(cs.TmpDir(), model.CompactID(id)+"."+uuid.NewString()+".tmp")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	return &TempFile{f: f, path: path, hasher: sha256.New()}, nil
}

// Write записывает данные во временный файл.
func (t *TempFile) Write(p []byte) (int, error) {
	n, err := t.f.Write(p)
	t.hasher.Write(p[:n])
	t.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("ошибка записи данных: %w", err)
	}
	return n, nil
}

// Path возвращает путь временного файла.
func (t *TempFile) Path() string { return t.path }

// Size возвращает количество записанных байт.
func (t *TempFile) Size() int64 { return t.size }

// finish выполняет fsync и закрывает файл.
func (t *TempFile) finish() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.f.Sync(); err != nil {
		t.f.Close()
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	return nil
}

// Discard закрывает и удаляет временный файл без фиксации.
func (t *TempFile) Discard() error {
	if !t.closed {
		t.closed = true
		t.f.Close()
	}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления временного файла %s: %w", t.path, err)
	}
	return nil
}

// Commit переносит временный файл в раздел, определяемый meta.
// Если previous задан и его путь отличается (смена раздела или расширения),
// старый файл содержимого удаляется.
//
// Паттерн: fsync → atomic rename. При ошибке temp файл удаляется.
func (cs *ContentStore) Commit(tmp *TempFile, meta, previous *model.FileMetadata) (*CommitResult, error) {
	if err := tmp.finish(); err != nil {
		tmp.Discard()
		return nil, err
	}

	target := cs.Path(meta)
	if err := os.Rename(tmp.path, target); err != nil {
		tmp.Discard()
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	if previous != nil {
		if old := cs.Path(previous); old != target {
			if err := removeIfExists(old); err != nil {
				return nil, err
			}
		}
	}

	return &CommitResult{
		Path:     target,
		Size:     tmp.size,
		Checksum: hex.EncodeToString(tmp.hasher.Sum(nil)),
	}, nil
}

// Relocate переносит содержимое из раздела from в раздел to.
// Ничего не делает, если пути совпадают или содержимого нет.
// Возвращает true, если файл был перенесён.
func (cs *ContentStore) Relocate(from, to *model.FileMetadata) (bool, error) {
	src, dst := cs.Path(from), cs.Path(to)
	if src == dst {
		return false, nil
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка переноса содержимого %s → %s: %w", src, dst, err)
	}
	return true, nil
}

// Open открывает содержимое записи для чтения.
// Ошибка удовлетворяет errors.Is(err, os.ErrNotExist), если содержимого нет.
func (cs *ContentStore) Open(meta *model.FileMetadata) (*os.File, error) {
	f, err := os.Open(cs.Path(meta))
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия содержимого %s: %w", meta.ID, err)
	}
	return f, nil
}

// ReadAll читает содержимое целиком.
// Возвращает ok=false без ошибки, если содержимое не записывалось.
func (cs *ContentStore) ReadAll(meta *model.FileMetadata) (string, bool, error) {
	data, err := os.ReadFile(cs.Path(meta))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("ошибка чтения содержимого %s: %w", meta.ID, err)
	}
	return string(data), true, nil
}

// Exists проверяет наличие содержимого на диске.
func (cs *ContentStore) Exists(meta *model.FileMetadata) bool {
	_, err := os.Stat(cs.Path(meta))
	return err == nil
}

// MoveToTrash переносит содержимое в .trash/ и возвращает новый путь.
// Уже открытые дескрипторы продолжают читать перенесённый файл.
// Возвращает пустую строку, если содержимого нет.
func (cs *ContentStore) MoveToTrash(meta *model.FileMetadata) (string, error) {
	return cs.MovePathToTrash(cs.Path(meta), meta.ID)
}

// MovePathToTrash переносит произвольный файл раздела в .trash/.
// Имя в корзине: <id>.<uuid>, чтобы повторные удаления одного id не совпадали.
func (cs *ContentStore) MovePathToTrash(src string, id uuid.UUID) (string, error) {
	dst := filepath.Join(cs.TrashDir(), model.CompactID(id)+"."+uuid.NewString())
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("ошибка переноса %s в корзину: %w", src, err)
	}
	return dst, nil
}

// MoveInto переносит файл src на место содержимого meta.
// Существующий файл назначения не перезаписывается: возвращается false.
func (cs *ContentStore) MoveInto(src string, meta *model.FileMetadata) (bool, error) {
	dst := cs.Path(meta)
	if src == dst {
		return false, nil
	}
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}
	if err := os.Rename(src, dst); err != nil {
		return false, fmt.Errorf("ошибка переноса содержимого %s → %s: %w", src, dst, err)
	}
	return true, nil
}

// RemovePath удаляет файл по абсолютному пути. Возвращает nil, если его нет.
func (cs *ContentStore) RemovePath(path string) error {
	return removeIfExists(path)
}

// ListTmp возвращает временные файлы записи.
func (cs *ContentStore) ListTmp() ([]Entry, error) {
	return listDir(cs.TmpDir(), func(string) bool { return true })
}

// ListTrash возвращает файлы корзины.
func (cs *ContentStore) ListTrash() ([]Entry, error) {
	return listDir(cs.TrashDir(), func(string) bool { return true })
}

// ListContent возвращает файлы содержимого раздела (без метаданных и temp файлов).
func (cs *ContentStore) ListContent(public bool) ([]Entry, error) {
	if public {
		return listDir(cs.PublicDir(), func(name string) bool {
			return !strings.HasSuffix(name, ".tmp")
		})
	}
	return listDir(cs.ProtectedDir(), func(name string) bool {
		// В protected содержимое хранится без расширения
		return !strings.Contains(name, ".")
	})
}

// Locate возвращает файлы содержимого записи id в обоих разделах,
// независимо от того, где она должна лежать по метаданным.
func (cs *ContentStore) Locate(id uuid.UUID) ([]Entry, error) {
	var found []Entry
	for _, public := range []bool{true, false} {
		entries, err := cs.ListContent(public)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if got, err := IDFromContentName(e.Name); err == nil && got == id {
				found = append(found, e)
			}
		}
	}
	return found, nil
}

func listDir(dir string, keep func(name string) bool) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
	}

	var result []Entry
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !keep(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Файл удалён между ReadDir и Info
			continue
		}
		result = append(result, Entry{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			ModTime: info.ModTime(),
		})
	}
	return result, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}
