// Пакет access — политики доступа к записям хранилища.
//
// Политика — набор из трёх предикатов над метаданными записи.
// Хранилище не знает, кто его вызывает: оно спрашивает только
// переданную политику, разрешена ли операция для данного снимка метаданных.
package access

import "github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"

// Policy — проверка прав на чтение, изменение и удаление записи.
type Policy interface {
	CanRead(m *model.FileMetadata) bool
	CanModify(m *model.FileMetadata) bool
	CanDelete(m *model.FileMetadata) bool
}

// AllowAll — доверенные внутренние вызовы.
type AllowAll struct{}

func (AllowAll) CanRead(*model.FileMetadata) bool   { return true }
func (AllowAll) CanModify(*model.FileMetadata) bool { return true }
func (AllowAll) CanDelete(*model.FileMetadata) bool { return true }

// DenyAll запрещает всё.
type DenyAll struct{}

func (DenyAll) CanRead(*model.FileMetadata) bool   { return false }
func (DenyAll) CanModify(*model.FileMetadata) bool { return false }
func (DenyAll) CanDelete(*model.FileMetadata) bool { return false }

// PublicOnly — анонимный доступ: только опубликованные записи.
type PublicOnly struct{}

func (PublicOnly) CanRead(m *model.FileMetadata) bool   { return m.IsPublic }
func (PublicOnly) CanModify(m *model.FileMetadata) bool { return m.IsPublic }
func (PublicOnly) CanDelete(m *model.FileMetadata) bool { return m.IsPublic }

// Publisher — доступ в рамках организации: опубликованные записи
// и записи, принадлежащие организации Name.
type Publisher struct {
	Name string
}

func (p Publisher) allowed(m *model.FileMetadata) bool {
	return m.IsPublic || (p.Name != "" && m.Publisher == p.Name)
}

func (p Publisher) CanRead(m *model.FileMetadata) bool   { return p.allowed(m) }
func (p Publisher) CanModify(m *model.FileMetadata) bool { return p.allowed(m) }
func (p Publisher) CanDelete(m *model.FileMetadata) bool { return p.allowed(m) }

// Func — политика из произвольных предикатов. Незаданный предикат запрещает.
type Func struct {
	Read   func(m *model.FileMetadata) bool
	Modify func(m *model.FileMetadata) bool
	Delete func(m *model.FileMetadata) bool
}

func (f Func) CanRead(m *model.FileMetadata) bool {
	return f.Read != nil && f.Read(m)
}

func (f Func) CanModify(m *model.FileMetadata) bool {
	return f.Modify != nil && f.Modify(m)
}

func (f Func) CanDelete(m *model.FileMetadata) bool {
	return f.Delete != nil && f.Delete(m)
}

// CanModifyBoth проверяет право изменения и для текущей записи (если она есть),
// и для новых метаданных. Вызывающий, теряющий доступ после смены
// владельца или видимости, получает отказ.
func CanModifyBoth(p Policy, existing, target *model.FileMetadata) bool {
	if existing != nil && !p.CanModify(existing) {
		return false
	}
	return p.CanModify(target)
}
