// Пакет model — доменные модели хранилища каталога.
// FileMetadata — единая структура метаданных записи, используется
// как in-memory представление и как формат *.metadata на диске.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileType — вид сущности каталога, к которой относится запись.
type FileType string

const (
	// FileTypeDatasetRegistration — регистрация датасета
	FileTypeDatasetRegistration FileType = "DatasetRegistration"
	// FileTypeDistributionRegistration — регистрация дистрибуции
	FileTypeDistributionRegistration FileType = "DistributionRegistration"
	// FileTypeDistributionFile — загруженный файл дистрибуции
	FileTypeDistributionFile FileType = "DistributionFile"
	// FileTypeLocalCatalogRegistration — регистрация локального каталога
	FileTypeLocalCatalogRegistration FileType = "LocalCatalogRegistration"
	// FileTypePublisherRegistration — регистрация публикующей организации
	FileTypePublisherRegistration FileType = "PublisherRegistration"
	// FileTypeCodelist — кодовый список
	FileTypeCodelist FileType = "Codelist"
	// FileTypeUserRegistration — регистрация пользователя
	FileTypeUserRegistration FileType = "UserRegistration"
	// FileTypeDatasetProposal — предложение на публикацию датасета
	FileTypeDatasetProposal FileType = "DatasetProposal"
)

var validFileTypes = map[FileType]bool{
	FileTypeDatasetRegistration:      true,
	FileTypeDistributionRegistration: true,
	FileTypeDistributionFile:         true,
	FileTypeLocalCatalogRegistration: true,
	FileTypePublisherRegistration:    true,
	FileTypeCodelist:                 true,
	FileTypeUserRegistration:         true,
	FileTypeDatasetProposal:          true,
}

// Valid проверяет, что тип входит в закрытый набор.
func (t FileType) Valid() bool {
	return validFileTypes[t]
}

// IsRDF возвращает true для типов, содержимое которых сериализовано в Turtle.
// Загруженные файлы дистрибуций хранят произвольные данные.
func (t FileType) IsRDF() bool {
	return t != FileTypeDistributionFile
}

// LanguageText — многоязычный текст: код языка → значение.
type LanguageText map[string]string

// Get возвращает значение для языка lang. Если перевода нет,
// возвращается значение первого языка в алфавитном порядке.
func (t LanguageText) Get(lang string) string {
	if v, ok := t[lang]; ok {
		return v
	}
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return t[keys[0]]
}

// FileMetadata — метаданные записи. Соответствует содержимому *.metadata.
// Значение неизменяемое: каждое обновление заменяет его целиком.
type FileMetadata struct {
	// ID — уникальный идентификатор, назначается при создании
	ID uuid.UUID `json:"id"`

	// Name — человекочитаемое имя (многоязычное)
	Name LanguageText `json:"name,omitempty"`

	// Type — вид сущности
	Type FileType `json:"type"`

	// ParentFile — идентификатор записи-владельца (опционально).
	// Запись с владельцем считается зависимой.
	ParentFile *uuid.UUID `json:"parentFile,omitempty"`

	// Publisher — организация-владелец (опционально)
	Publisher string `json:"publisher,omitempty"`

	// IsPublic — флаг публикации, определяет раздел хранения содержимого
	IsPublic bool `json:"isPublic"`

	// OriginalFileName — имя загруженного файла (опционально)
	OriginalFileName string `json:"originalFileName,omitempty"`

	// Created — время создания, переносится при обновлениях
	Created time.Time `json:"created"`

	// LastModified — время последнего изменения, ключ сортировки по умолчанию
	LastModified time.Time `json:"lastModified"`

	// AdditionalValues — фасеты: имя → набор значений
	AdditionalValues map[string][]string `json:"additionalValues,omitempty"`
}

// Validate проверяет обязательные поля перед записью.
func (m *FileMetadata) Validate() error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("не задан идентификатор записи")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("недопустимый тип записи %q", m.Type)
	}
	if m.ParentFile != nil && *m.ParentFile == m.ID {
		return fmt.Errorf("запись %s не может быть владельцем самой себя", m.ID)
	}
	return nil
}

// Clone возвращает глубокую копию метаданных.
func (m *FileMetadata) Clone() *FileMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Name != nil {
		c.Name = make(LanguageText, len(m.Name))
		for k, v := range m.Name {
			c.Name[k] = v
		}
	}
	if m.ParentFile != nil {
		p := *m.ParentFile
		c.ParentFile = &p
	}
	if m.AdditionalValues != nil {
		c.AdditionalValues = make(map[string][]string, len(m.AdditionalValues))
		for k, v := range m.AdditionalValues {
			c.AdditionalValues[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// HasParent проверяет, что запись зависит от parent.
func (m *FileMetadata) HasParent(parent uuid.UUID) bool {
	return m.ParentFile != nil && *m.ParentFile == parent
}

// Equal сравнивает два значения метаданных поле за полем.
func (m *FileMetadata) Equal(o *FileMetadata) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.ID != o.ID || m.Type != o.Type || m.Publisher != o.Publisher ||
		m.IsPublic != o.IsPublic || m.OriginalFileName != o.OriginalFileName ||
		!m.Created.Equal(o.Created) || !m.LastModified.Equal(o.LastModified) {
		return false
	}
	if (m.ParentFile == nil) != (o.ParentFile == nil) {
		return false
	}
	if m.ParentFile != nil && *m.ParentFile != *o.ParentFile {
		return false
	}
	if len(m.Name) != len(o.Name) {
		return false
	}
	for k, v := range m.Name {
		if o.Name[k] != v {
			return false
		}
	}
	if len(m.AdditionalValues) != len(o.AdditionalValues) {
		return false
	}
	for k, v := range m.AdditionalValues {
		ov, ok := o.AdditionalValues[k]
		if !ok || len(ov) != len(v) {
			return false
		}
		for i := range v {
			if v[i] != ov[i] {
				return false
			}
		}
	}
	return true
}

// ContainsValues проверяет, что для фасета key присутствуют все values.
// Сравнение регистрозависимое, значения фасетов для хранилища непрозрачны.
func (m *FileMetadata) ContainsValues(key string, values []string) bool {
	have := m.AdditionalValues[key]
	for _, want := range values {
		found := false
		for _, v := range have {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CompactID возвращает идентификатор без разделителей (32 hex-символа).
// Используется в именах файлов на диске.
func CompactID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}
