package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/catalog-storage/pkg/access"
	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
)

// catalogFixture — три записи: R1, её зависимая R2 и закрытая R3 другой организации.
type catalogFixture struct {
	s          *Storage
	r1, r2, r3 *model.FileMetadata
}

func newCatalogFixture(t *testing.T) *catalogFixture {
	t.Helper()
	s := newTestStorage(t)

	r1 := record(model.FileTypeDatasetRegistration, "P1", true)
	r1.LastModified = baseTime

	r2 := record(model.FileTypeDistributionRegistration, "P1", true)
	r2.ParentFile = &r1.ID
	r2.LastModified = baseTime.Add(2 * time.Hour)

	r3 := record(model.FileTypeLocalCatalogRegistration, "P2", false)
	r3.LastModified = baseTime.Add(time.Hour)

	insert(t, s, r1, "r1")
	insert(t, s, r2, "r2")
	insert(t, s, r3, "r3")

	return &catalogFixture{s: s, r1: r1, r2: r2, r3: r3}
}

func query(t *testing.T, s *Storage, q model.FileStorageQuery, policy access.Policy) *model.FileStorageResponse {
	t.Helper()
	resp, err := s.GetFileStates(context.Background(), q, policy)
	if err != nil {
		t.Fatalf("ошибка выборки: %v", err)
	}
	return resp
}

func assertOrder(t *testing.T, resp *model.FileStorageResponse, want ...*model.FileMetadata) {
	t.Helper()
	if len(resp.Files) != len(want) {
		t.Fatalf("ожидалось %d записей, получено %d", len(want), len(resp.Files))
	}
	for i, w := range want {
		if resp.Files[i].Metadata.ID != w.ID {
			t.Errorf("позиция %d: ожидалась %s, получена %s", i, w.ID, resp.Files[i].Metadata.ID)
		}
	}
}

// TestGetFileStates_DefaultOrder проверяет сортировку по умолчанию:
// lastModified по убыванию.
func TestGetFileStates_DefaultOrder(t *testing.T) {
	f := newCatalogFixture(t)

	resp := query(t, f.s, model.FileStorageQuery{}, allowAll)
	assertOrder(t, resp, f.r2, f.r3, f.r1)
	if resp.TotalCount != 3 {
		t.Errorf("ожидалось totalCount=3, получено %d", resp.TotalCount)
	}
	if resp.Files[0].Content != nil {
		t.Error("содержимое загружается только по запросу")
	}
}

// TestGetFileStates_PublisherFilter проверяет фильтр по организации.
func TestGetFileStates_PublisherFilter(t *testing.T) {
	f := newCatalogFixture(t)

	resp := query(t, f.s, model.FileStorageQuery{OnlyPublishers: []string{"P1"}}, allowAll)
	assertOrder(t, resp, f.r2, f.r1)
	if resp.TotalCount != 2 {
		t.Errorf("ожидалось totalCount=2, получено %d", resp.TotalCount)
	}
}

// TestGetFileStates_PolicyFilter проверяет, что политика скрывает закрытые записи.
func TestGetFileStates_PolicyFilter(t *testing.T) {
	f := newCatalogFixture(t)

	resp := query(t, f.s, model.FileStorageQuery{}, access.PublicOnly{})
	assertOrder(t, resp, f.r2, f.r1)
}

// TestGetFileStates_Filters проверяет остальные фильтры.
func TestGetFileStates_Filters(t *testing.T) {
	f := newCatalogFixture(t)

	tests := []struct {
		name string
		q    model.FileStorageQuery
		want []*model.FileMetadata
	}{
		{
			name: "types",
			q:    model.FileStorageQuery{OnlyTypes: []model.FileType{model.FileTypeDatasetRegistration, model.FileTypeLocalCatalogRegistration}},
			want: []*model.FileMetadata{f.r3, f.r1},
		},
		{
			name: "parent",
			q:    model.FileStorageQuery{ParentFile: &f.r1.ID},
			want: []*model.FileMetadata{f.r2},
		},
		{
			name: "published",
			q:    model.FileStorageQuery{OnlyPublished: true},
			want: []*model.FileMetadata{f.r2, f.r1},
		},
		{
			name: "ids",
			q:    model.FileStorageQuery{OnlyIDs: []uuid.UUID{f.r1.ID, f.r3.ID}},
			want: []*model.FileMetadata{f.r3, f.r1},
		},
		{
			name: "combined",
			q: model.FileStorageQuery{
				OnlyPublishers: []string{"P1"},
				OnlyTypes:      []model.FileType{model.FileTypeLocalCatalogRegistration},
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertOrder(t, query(t, f.s, tt.q, allowAll), tt.want...)
		})
	}
}

// TestGetFileStates_FacetFilter проверяет фильтр по фасетам.
func TestGetFileStates_FacetFilter(t *testing.T) {
	s := newTestStorage(t)

	a := record(model.FileTypeDatasetRegistration, "P1", true)
	a.AdditionalValues = map[string][]string{"tag": {"a"}}
	b := record(model.FileTypeDatasetRegistration, "P1", true)
	b.AdditionalValues = map[string][]string{"tag": {"b"}}
	ab := record(model.FileTypeDatasetRegistration, "P1", true)
	ab.AdditionalValues = map[string][]string{"tag": {"a", "b"}}
	for _, m := range []*model.FileMetadata{a, b, ab} {
		insert(t, s, m, "")
	}

	resp := query(t, s, model.FileStorageQuery{
		AdditionalFilters: map[string][]string{"tag": {"a"}},
		OrderDefinitions:  []model.OrderDefinition{{Property: model.SortCreated}},
	}, allowAll)
	if resp.TotalCount != 2 {
		t.Fatalf("ожидалось 2 записи с tag=a, получено %d", resp.TotalCount)
	}
	for _, f := range resp.Files {
		if f.Metadata.ID == b.ID {
			t.Error("запись с tag=b не должна совпадать")
		}
	}

	// Требуются все значения фасета
	resp = query(t, s, model.FileStorageQuery{
		AdditionalFilters: map[string][]string{"tag": {"a", "b"}},
	}, allowAll)
	assertOrder(t, resp, ab)
}

// TestGetFileStates_Pagination проверяет skip/take и totalCount.
func TestGetFileStates_Pagination(t *testing.T) {
	f := newCatalogFixture(t)

	resp := query(t, f.s, model.FileStorageQuery{Skip: 1, Take: 1}, allowAll)
	assertOrder(t, resp, f.r3)
	if resp.TotalCount != 3 {
		t.Errorf("totalCount должен учитывать все записи: %d", resp.TotalCount)
	}

	resp = query(t, f.s, model.FileStorageQuery{Skip: 5}, allowAll)
	if len(resp.Files) != 0 || resp.TotalCount != 3 {
		t.Errorf("skip за пределами: %d записей, total %d", len(resp.Files), resp.TotalCount)
	}
}

// TestGetFileStates_Order проверяет явные ключи сортировки.
func TestGetFileStates_Order(t *testing.T) {
	f := newCatalogFixture(t)

	resp := query(t, f.s, model.FileStorageQuery{
		OrderDefinitions: []model.OrderDefinition{{Property: model.SortLastModified}},
	}, allowAll)
	assertOrder(t, resp, f.r1, f.r3, f.r2)

	// relevance для записей пропускается, действует порядок по умолчанию
	resp = query(t, f.s, model.FileStorageQuery{
		OrderDefinitions: []model.OrderDefinition{{Property: model.SortRelevance}},
	}, allowAll)
	assertOrder(t, resp, f.r2, f.r3, f.r1)
}

// TestGetFileStates_NameCollation проверяет сортировку по имени
// без учёта регистра и по правилам словацкого языка (ch после h).
func TestGetFileStates_NameCollation(t *testing.T) {
	s := newTestStorage(t)

	names := []string{"Hora", "chata", "Dom", "auto"}
	byName := make(map[string]*model.FileMetadata)
	for _, n := range names {
		m := record(model.FileTypeCodelist, "", true)
		m.Name = model.LanguageText{"sk": n, "en": "same"}
		insert(t, s, m, "")
		byName[n] = m
	}

	resp := query(t, s, model.FileStorageQuery{
		OrderDefinitions: []model.OrderDefinition{{Property: model.SortName}},
	}, allowAll)
	assertOrder(t, resp, byName["auto"], byName["Dom"], byName["Hora"], byName["chata"])

	resp = query(t, s, model.FileStorageQuery{
		OrderDefinitions: []model.OrderDefinition{{Property: model.SortName, Reverse: true}},
	}, allowAll)
	assertOrder(t, resp, byName["chata"], byName["Hora"], byName["Dom"], byName["auto"])
}

// TestGetFileStates_IncludeContentAndDependents проверяет загрузку
// содержимого и зависимых записей.
func TestGetFileStates_IncludeContentAndDependents(t *testing.T) {
	f := newCatalogFixture(t)

	resp := query(t, f.s, model.FileStorageQuery{
		OnlyIDs:               []uuid.UUID{f.r1.ID},
		IncludeContent:        true,
		IncludeDependentFiles: true,
	}, allowAll)
	assertOrder(t, resp, f.r1)

	got := resp.Files[0]
	if got.Content == nil || *got.Content != "r1" {
		t.Errorf("ожидалось содержимое r1, получено %v", got.Content)
	}
	if len(got.Dependents) != 1 || got.Dependents[0].Metadata.ID != f.r2.ID {
		t.Fatalf("ожидалась зависимая R2: %+v", got.Dependents)
	}
	if got.Dependents[0].Content == nil || *got.Dependents[0].Content != "r2" {
		t.Error("содержимое зависимой записи должно загружаться")
	}

	// Зависимые фильтруются политикой
	hidden := f.r2.Clone()
	hidden.IsPublic = false
	if err := f.s.UpdateMetadata(context.Background(), hidden, allowAll); err != nil {
		t.Fatalf("ошибка обновления: %v", err)
	}
	resp = query(t, f.s, model.FileStorageQuery{
		OnlyIDs:               []uuid.UUID{f.r1.ID},
		IncludeDependentFiles: true,
	}, access.PublicOnly{})
	if len(resp.Files[0].Dependents) != 0 {
		t.Error("закрытая зависимая запись не должна попадать в выборку")
	}
}

// TestGetFileStates_CacheInvalidation проверяет, что выборка видит новое содержимое.
func TestGetFileStates_CacheInvalidation(t *testing.T) {
	f := newCatalogFixture(t)
	q := model.FileStorageQuery{OnlyIDs: []uuid.UUID{f.r1.ID}, IncludeContent: true}

	query(t, f.s, q, allowAll) // прогрев кэша
	if f.s.Stats().CachedEntries == 0 {
		t.Error("содержимое должно попасть в кэш")
	}

	if err := f.s.Insert(context.Background(), strings.NewReader("r1 v2"), f.r1, true, allowAll); err != nil {
		t.Fatalf("ошибка перезаписи: %v", err)
	}
	resp := query(t, f.s, q, allowAll)
	if got := resp.Files[0].Content; got == nil || *got != "r1 v2" {
		t.Errorf("ожидалось обновлённое содержимое, получено %v", got)
	}
}
