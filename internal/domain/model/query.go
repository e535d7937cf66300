package model

import "github.com/google/uuid"

// FileState — запись вместе с содержимым и зависимыми записями.
type FileState struct {
	// Metadata — текущие метаданные
	Metadata FileMetadata
	// Content — содержимое; nil, если не записано или не загружалось
	Content *string
	// Dependents — зависимые записи; заполняется только по запросу
	Dependents []FileState
}

// SortProperty — поле сортировки результатов запроса.
type SortProperty string

const (
	SortCreated      SortProperty = "created"
	SortLastModified SortProperty = "lastModified"
	SortName         SortProperty = "name"
	SortRelevance    SortProperty = "relevance"
)

// OrderDefinition — один ключ сортировки.
// Сравнение по возрастанию, Reverse меняет направление.
type OrderDefinition struct {
	Property SortProperty
	Reverse  bool
}

// FileStorageQuery — параметры выборки записей.
// Пустые поля фильтров означают «без фильтра».
type FileStorageQuery struct {
	// Skip — сколько записей пропустить после сортировки
	Skip int
	// Take — сколько записей вернуть (0 = все)
	Take int
	// OnlyPublishers — только записи указанных публикующих организаций
	OnlyPublishers []string
	// OnlyTypes — только записи указанных видов
	OnlyTypes []FileType
	// ParentFile — только зависимые записи данного владельца
	ParentFile *uuid.UUID
	// OnlyPublished — только опубликованные записи
	OnlyPublished bool
	// OnlyIDs — только записи с указанными идентификаторами
	OnlyIDs []uuid.UUID
	// AdditionalFilters — фильтры по фасетам: каждое значение обязано присутствовать
	AdditionalFilters map[string][]string
	// OrderDefinitions — ключи сортировки по приоритету
	OrderDefinitions []OrderDefinition
	// IncludeContent — загрузить содержимое найденных записей
	IncludeContent bool
	// IncludeDependentFiles — загрузить зависимые записи
	IncludeDependentFiles bool
	// Language — язык для сортировки по имени ("" = язык из конфигурации)
	Language string
}

// FileStorageResponse — результат выборки с пагинацией.
type FileStorageResponse struct {
	Files      []FileState
	TotalCount int
}

// FileStorageGroup — агрегат записей одной публикующей организации.
type FileStorageGroup struct {
	// Publisher — ключ группы
	Publisher string
	// PublisherFileState — регистрация организации, если она видима
	PublisherFileState *FileState
	// Count — количество записей в группе
	Count int
	// FacetCounts — фасет → значение → количество записей
	FacetCounts map[string]map[string]int
}

// FileStorageGroupResponse — результат группировки по организациям.
type FileStorageGroupResponse struct {
	Groups     []FileStorageGroup
	TotalCount int
}
