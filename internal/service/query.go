// query.go — выборка записей с фильтрами, сортировкой и пагинацией.
//
// Кандидаты — все записи индекса, видимые для политики и не находящиеся
// в процессе записи. Фильтры объединяются по И. Сортировка задаётся
// списком ключей; ничьи разрешаются по lastModified (новые первыми),
// затем по id, чтобы порядок был детерминированным.
package service

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/bigkaa/goartstore/catalog-storage/pkg/access"
	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
)

// GetFileStates возвращает страницу записей, удовлетворяющих query.
func (s *Storage) GetFileStates(ctx context.Context, query model.FileStorageQuery, policy access.Policy) (*model.FileStorageResponse, error) {
	start := time.Now()
	defer func() { queryDuration.WithLabelValues("files").Observe(time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := newMatcher(query)
	candidates := s.candidates(policy, m.match)

	cmpFn := s.fileComparator(query)
	slices.SortFunc(candidates, cmpFn)

	total := len(candidates)
	page := paginate(candidates, query.Skip, query.Take)

	files := make([]model.FileState, 0, len(page))
	for _, meta := range page {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := s.fileState(meta, query.IncludeContent)
		if err != nil {
			return nil, err
		}
		if query.IncludeDependentFiles {
			deps, err := s.dependents(meta.ID, query, policy, cmpFn)
			if err != nil {
				return nil, err
			}
			state.Dependents = deps
		}
		files = append(files, *state)
	}

	return &model.FileStorageResponse{Files: files, TotalCount: total}, nil
}

// candidates возвращает видимые записи, прошедшие filter.
func (s *Storage) candidates(policy access.Policy, filter func(*model.FileMetadata) bool) []*model.FileMetadata {
	snapshot := s.idx.Snapshot(func(meta *model.FileMetadata) bool {
		return policy.CanRead(meta) && (filter == nil || filter(meta))
	})

	result := snapshot[:0]
	for _, meta := range snapshot {
		if !s.locks.IsWriting(meta.ID) {
			result = append(result, meta)
		}
	}
	return result
}

// dependents возвращает видимые зависимые записи parent в порядке выборки.
func (s *Storage) dependents(parent uuid.UUID, query model.FileStorageQuery, policy access.Policy, cmpFn func(a, b *model.FileMetadata) int) ([]model.FileState, error) {
	ids := s.idx.Children(parent)
	metas := make([]*model.FileMetadata, 0, len(ids))
	for _, id := range ids {
		if meta := s.visible(id, policy); meta != nil {
			metas = append(metas, meta)
		}
	}
	slices.SortFunc(metas, cmpFn)

	states := make([]model.FileState, 0, len(metas))
	for _, meta := range metas {
		state, err := s.fileState(meta, query.IncludeContent)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, nil
}

// matcher — предвычисленные фильтры запроса.
type matcher struct {
	publishers map[string]bool
	types      map[model.FileType]bool
	ids        map[uuid.UUID]bool
	parent     *uuid.UUID
	published  bool
	facets     map[string][]string
}

func newMatcher(q model.FileStorageQuery) *matcher {
	m := &matcher{
		parent:    q.ParentFile,
		published: q.OnlyPublished,
		facets:    q.AdditionalFilters,
	}
	if len(q.OnlyPublishers) > 0 {
		m.publishers = make(map[string]bool, len(q.OnlyPublishers))
		for _, p := range q.OnlyPublishers {
			m.publishers[p] = true
		}
	}
	if len(q.OnlyTypes) > 0 {
		m.types = make(map[model.FileType]bool, len(q.OnlyTypes))
		for _, t := range q.OnlyTypes {
			m.types[t] = true
		}
	}
	if len(q.OnlyIDs) > 0 {
		m.ids = make(map[uuid.UUID]bool, len(q.OnlyIDs))
		for _, id := range q.OnlyIDs {
			m.ids[id] = true
		}
	}
	return m
}

func (m *matcher) match(meta *model.FileMetadata) bool {
	if m.publishers != nil && !m.publishers[meta.Publisher] {
		return false
	}
	if m.types != nil && !m.types[meta.Type] {
		return false
	}
	if m.ids != nil && !m.ids[meta.ID] {
		return false
	}
	if m.parent != nil && !meta.HasParent(*m.parent) {
		return false
	}
	if m.published && !meta.IsPublic {
		return false
	}
	for key, values := range m.facets {
		if !meta.ContainsValues(key, values) {
			return false
		}
	}
	return true
}

// queryLanguage возвращает язык сравнения имён для запроса и код языка
// для выбора перевода имени.
func (s *Storage) queryLanguage(q model.FileStorageQuery) (language.Tag, string) {
	tag := s.lang
	if q.Language != "" {
		if parsed, err := language.Parse(q.Language); err == nil {
			tag = parsed
		}
	}
	base, _ := tag.Base()
	return tag, base.String()
}

// fileComparator строит функцию сравнения по OrderDefinitions.
// Ключ relevance для записей не определён и пропускается.
func (s *Storage) fileComparator(q model.FileStorageQuery) func(a, b *model.FileMetadata) int {
	tag, lang := s.queryLanguage(q)
	// Collator не потокобезопасен, поэтому создаётся на каждый запрос
	col := collate.New(tag, collate.IgnoreCase)

	type key struct {
		cmp     func(a, b *model.FileMetadata) int
		reverse bool
	}
	var keys []key
	hasLastModified := false

	for _, od := range q.OrderDefinitions {
		switch od.Property {
		case model.SortCreated:
			keys = append(keys, key{cmp: func(a, b *model.FileMetadata) int {
				return a.Created.Compare(b.Created)
			}, reverse: od.Reverse})
		case model.SortLastModified:
			hasLastModified = true
			keys = append(keys, key{cmp: compareLastModified, reverse: od.Reverse})
		case model.SortName:
			keys = append(keys, key{cmp: func(a, b *model.FileMetadata) int {
				return col.CompareString(a.Name.Get(lang), b.Name.Get(lang))
			}, reverse: od.Reverse})
		}
	}
	if !hasLastModified {
		keys = append(keys, key{cmp: compareLastModified, reverse: true})
	}

	return func(a, b *model.FileMetadata) int {
		for _, k := range keys {
			c := k.cmp(a, b)
			if k.reverse {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return compareIDs(a.ID, b.ID)
	}
}

func compareLastModified(a, b *model.FileMetadata) int {
	return a.LastModified.Compare(b.LastModified)
}

func compareIDs(a, b uuid.UUID) int {
	return cmp.Compare(a.String(), b.String())
}

// paginate применяет skip, затем take (0 = все).
func paginate[T any](items []T, skip, take int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if take > 0 && take < len(items) {
		items = items[:take]
	}
	return items
}
