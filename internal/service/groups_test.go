package service

import (
	"context"
	"testing"

	"github.com/bigkaa/goartstore/catalog-storage/pkg/access"
	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
)

type groupFixture struct {
	s   *Storage
	reg *model.FileMetadata
}

// newGroupFixture: у P1 регистрация и два датасета, у P2 один датасет,
// плюс датасет без организации.
func newGroupFixture(t *testing.T, regPublic bool) *groupFixture {
	t.Helper()
	s := newTestStorage(t)

	reg := record(model.FileTypePublisherRegistration, "P1", regPublic)
	reg.Name = model.LanguageText{"sk": "Úrad pre dáta"}
	insert(t, s, reg, "")

	d1 := record(model.FileTypeDatasetRegistration, "P1", true)
	d1.AdditionalValues = map[string][]string{"theme": {"x"}}
	d2 := record(model.FileTypeDatasetRegistration, "P1", true)
	d2.AdditionalValues = map[string][]string{"theme": {"x", "y", "y"}}
	d3 := record(model.FileTypeDatasetRegistration, "P2", true)
	d3.AdditionalValues = map[string][]string{"theme": {"y"}}
	orphan := record(model.FileTypeDatasetRegistration, "", true)

	for _, m := range []*model.FileMetadata{d1, d2, d3, orphan} {
		insert(t, s, m, "")
	}
	return &groupFixture{s: s, reg: reg}
}

func groups(t *testing.T, s *Storage, q model.FileStorageQuery, policy access.Policy) *model.FileStorageGroupResponse {
	t.Helper()
	resp, err := s.GetFileStatesByPublisher(context.Background(), q, policy)
	if err != nil {
		t.Fatalf("ошибка группировки: %v", err)
	}
	return resp
}

func datasetsOnly() model.FileStorageQuery {
	return model.FileStorageQuery{OnlyTypes: []model.FileType{model.FileTypeDatasetRegistration}}
}

// TestGroups_Default проверяет состав групп и порядок по умолчанию.
func TestGroups_Default(t *testing.T) {
	f := newGroupFixture(t, true)

	resp := groups(t, f.s, datasetsOnly(), allowAll)
	if resp.TotalCount != 2 || len(resp.Groups) != 2 {
		t.Fatalf("ожидалось 2 группы, получено %d (total %d)", len(resp.Groups), resp.TotalCount)
	}

	p1, p2 := resp.Groups[0], resp.Groups[1]
	if p1.Publisher != "P1" || p2.Publisher != "P2" {
		t.Fatalf("ожидался порядок P1, P2 по убыванию количества: %s, %s", p1.Publisher, p2.Publisher)
	}
	if p1.Count != 2 || p2.Count != 1 {
		t.Errorf("неверные количества: %d, %d", p1.Count, p2.Count)
	}

	// Повторы значений внутри одной записи считаются один раз
	if got := p1.FacetCounts["theme"]; got["x"] != 2 || got["y"] != 1 {
		t.Errorf("неверные фасеты P1: %v", got)
	}

	if p1.PublisherFileState == nil || p1.PublisherFileState.Metadata.ID != f.reg.ID {
		t.Error("группа P1 должна содержать регистрацию организации")
	}
	if p2.PublisherFileState != nil {
		t.Error("у P2 нет регистрации")
	}
}

// TestGroups_RegistrationHiddenByPolicy проверяет, что недоступная
// регистрация не раскрывается.
func TestGroups_RegistrationHiddenByPolicy(t *testing.T) {
	f := newGroupFixture(t, false)

	resp := groups(t, f.s, datasetsOnly(), access.PublicOnly{})
	for _, g := range resp.Groups {
		if g.PublisherFileState != nil {
			t.Errorf("регистрация %s не должна быть видна", g.Publisher)
		}
	}
}

// TestGroups_Order проверяет явные ключи сортировки групп.
func TestGroups_Order(t *testing.T) {
	f := newGroupFixture(t, true)

	q := datasetsOnly()
	q.OrderDefinitions = []model.OrderDefinition{{Property: model.SortRelevance}}
	resp := groups(t, f.s, q, allowAll)
	if resp.Groups[0].Publisher != "P2" {
		t.Errorf("relevance по возрастанию: первой ожидалась P2, получена %s", resp.Groups[0].Publisher)
	}

	q.OrderDefinitions = []model.OrderDefinition{{Property: model.SortRelevance, Reverse: true}}
	resp = groups(t, f.s, q, allowAll)
	if resp.Groups[0].Publisher != "P1" {
		t.Errorf("relevance по убыванию: первой ожидалась P1, получена %s", resp.Groups[0].Publisher)
	}

	// P2 без регистрации сравнивается по ключу "P2", P1 по имени "Úrad pre dáta"
	q.OrderDefinitions = []model.OrderDefinition{{Property: model.SortName}}
	resp = groups(t, f.s, q, allowAll)
	if resp.Groups[0].Publisher != "P2" {
		t.Errorf("по имени первой ожидалась P2, получена %s", resp.Groups[0].Publisher)
	}
}

// TestGroups_Pagination проверяет пагинацию групп.
func TestGroups_Pagination(t *testing.T) {
	f := newGroupFixture(t, true)

	q := datasetsOnly()
	q.Skip = 1
	q.Take = 1
	resp := groups(t, f.s, q, allowAll)
	if len(resp.Groups) != 1 || resp.Groups[0].Publisher != "P2" || resp.TotalCount != 2 {
		t.Errorf("неожиданная страница: %+v (total %d)", resp.Groups, resp.TotalCount)
	}
}

// TestGroups_WithoutTypeFilter проверяет, что регистрация сама входит в группу.
func TestGroups_WithoutTypeFilter(t *testing.T) {
	f := newGroupFixture(t, true)

	resp := groups(t, f.s, model.FileStorageQuery{}, allowAll)
	if resp.Groups[0].Publisher != "P1" || resp.Groups[0].Count != 3 {
		t.Errorf("ожидалась группа P1 из 3 записей: %+v", resp.Groups[0])
	}
}
