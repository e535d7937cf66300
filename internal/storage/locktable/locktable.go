// Пакет locktable — таблица блокировок записей по идентификатору.
//
// Для каждого идентификатора хранится запись {readers, writing, metaUpdate}:
//   - любое количество читателей одновременно;
//   - писатель требует монопольного владения: не стартует при открытых
//     читателях или другом писателе и сам блокирует новых читателей;
//   - обновление метаданных допускается при читателях, но не при писателе.
//
// Захват неблокирующий: при конфликте Acquire* возвращает ok=false.
// Удаление (Doom) не ждёт освобождения: запись отсоединяется от таблицы,
// а колбэк выполняется при закрытии последнего дескриптора.
package locktable

import (
	"sync"

	"github.com/google/uuid"
)

// Kind — вид владения записью.
type Kind int

const (
	// Read — поток чтения
	Read Kind = iota
	// Write — поток записи (или вставка)
	Write
	// MetaUpdate — обновление только метаданных
	MetaUpdate
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case MetaUpdate:
		return "meta_update"
	default:
		return "unknown"
	}
}

// entry — состояние блокировки одного идентификатора.
type entry struct {
	readers    int
	writing    bool
	metaUpdate bool
	doomed     bool
	onRelease  []func()
}

func (e *entry) idle() bool {
	return e.readers == 0 && !e.writing && !e.metaUpdate
}

// Table — таблица блокировок.
type Table struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// New создаёт пустую таблицу.
func New() *Table {
	return &Table{entries: make(map[uuid.UUID]*entry)}
}

// Handle — захваченная блокировка. Release идемпотентен,
// поэтому его можно откладывать через defer на всех путях выхода.
type Handle struct {
	table *Table
	id    uuid.UUID
	kind  Kind
	e     *entry
	once  sync.Once
}

// Doomed сообщает, была ли запись удалена, пока блокировка удерживалась.
func (h *Handle) Doomed() bool {
	h.table.mu.Lock()
	defer h.table.mu.Unlock()
	return h.e.doomed
}

// Release освобождает блокировку. Если запись была удалена и это последний
// дескриптор, выполняются отложенные колбэки удаления.
func (h *Handle) Release() {
	h.once.Do(func() {
		callbacks := h.table.release(h)
		for _, fn := range callbacks {
			fn()
		}
	})
}

// AcquireRead захватывает запись для чтения.
// Возвращает ok=false, если запись занята писателем.
func (t *Table) AcquireRead(id uuid.UUID) (*Handle, bool) {
	return t.acquire(id, Read)
}

// AcquireWrite захватывает запись монопольно.
// Возвращает ok=false, если есть читатели, писатель или обновление метаданных.
func (t *Table) AcquireWrite(id uuid.UUID) (*Handle, bool) {
	return t.acquire(id, Write)
}

// AcquireMetaUpdate захватывает запись для обновления метаданных.
// Допускается при открытых читателях; ok=false при писателе
// или другом обновлении метаданных.
func (t *Table) AcquireMetaUpdate(id uuid.UUID) (*Handle, bool) {
	return t.acquire(id, MetaUpdate)
}

func (t *Table) acquire(id uuid.UUID, kind Kind) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}

	switch kind {
	case Read:
		if e.writing {
			t.dropIfIdle(id, e)
			return nil, false
		}
		e.readers++
	case Write:
		if !e.idle() {
			return nil, false
		}
		e.writing = true
	case MetaUpdate:
		if e.writing || e.metaUpdate {
			return nil, false
		}
		e.metaUpdate = true
	}

	return &Handle{table: t, id: id, kind: kind, e: e}, true
}

func (t *Table) release(h *Handle) []func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := h.e
	switch h.kind {
	case Read:
		e.readers--
	case Write:
		e.writing = false
	case MetaUpdate:
		e.metaUpdate = false
	}

	if !e.idle() {
		return nil
	}

	if e.doomed {
		callbacks := e.onRelease
		e.onRelease = nil
		return callbacks
	}

	t.dropIfIdle(h.id, e)
	return nil
}

// dropIfIdle удаляет свободную запись из таблицы, чтобы она не росла.
func (t *Table) dropIfIdle(id uuid.UUID, e *entry) {
	if e.idle() && t.entries[id] == e {
		delete(t.entries, id)
	}
}

// IsWriting сообщает, выполняется ли запись содержимого id.
// Используется всеми путями чтения: запись в процессе невидима.
func (t *Table) IsWriting(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	return ok && e.writing
}

// IsBusy сообщает, удерживается ли id хотя бы одним дескриптором.
func (t *Table) IsBusy(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	return ok && !e.idle()
}

// Doom помечает запись удалённой. Если на id открыты дескрипторы,
// запись отсоединяется от таблицы (новые захваты начнутся с чистого
// состояния), onRelease выполнится при закрытии последнего дескриптора,
// и возвращается true. Если дескрипторов нет, возвращается false
// и onRelease не вызывается: вызывающий удаляет данные сам.
func (t *Table) Doom(id uuid.UUID, onRelease func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.idle() {
		return false
	}

	e.doomed = true
	if onRelease != nil {
		e.onRelease = append(e.onRelease, onRelease)
	}
	delete(t.entries, id)
	return true
}

// Stats — текущее число удерживаемых блокировок.
type Stats struct {
	Readers     int
	Writers     int
	MetaUpdates int
}

// Stats возвращает количество открытых читателей и писателей.
// Отсоединённые (удалённые) записи не учитываются.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Stats
	for _, e := range t.entries {
		s.Readers += e.readers
		if e.writing {
			s.Writers++
		}
		if e.metaUpdate {
			s.MetaUpdates++
		}
	}
	return s
}
