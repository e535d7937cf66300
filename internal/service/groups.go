// groups.go — группировка выборки по публикующим организациям.
package service

import (
	"cmp"
	"context"
	"slices"
	"time"

	"golang.org/x/text/collate"

	"github.com/bigkaa/goartstore/catalog-storage/pkg/access"
	"github.com/bigkaa/goartstore/catalog-storage/internal/domain/model"
)

// publisherGroup — группа в процессе агрегации.
type publisherGroup struct {
	key    string
	record *model.FileMetadata
	count  int
	facets map[string]map[string]int
}

// GetFileStatesByPublisher группирует записи, удовлетворяющие query,
// по полю Publisher. Записи без организации в группы не попадают.
// Порядок по умолчанию: по убыванию количества записей.
func (s *Storage) GetFileStatesByPublisher(ctx context.Context, query model.FileStorageQuery, policy access.Policy) (*model.FileStorageGroupResponse, error) {
	start := time.Now()
	defer func() { queryDuration.WithLabelValues("groups").Observe(time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := newMatcher(query)
	candidates := s.candidates(policy, func(meta *model.FileMetadata) bool {
		return meta.Publisher != "" && m.match(meta)
	})

	groups := make(map[string]*publisherGroup)
	for _, meta := range candidates {
		g, ok := groups[meta.Publisher]
		if !ok {
			g = &publisherGroup{key: meta.Publisher, facets: make(map[string]map[string]int)}
			groups[meta.Publisher] = g
		}
		g.count++
		for facet, values := range meta.AdditionalValues {
			counts, ok := g.facets[facet]
			if !ok {
				counts = make(map[string]int)
				g.facets[facet] = counts
			}
			for _, v := range distinct(values) {
				counts[v]++
			}
		}
	}

	// Регистрации организаций ищутся среди всех видимых записей,
	// а не только среди прошедших фильтры запроса
	registrations := s.candidates(policy, func(meta *model.FileMetadata) bool {
		if meta.Type != model.FileTypePublisherRegistration {
			return false
		}
		_, ok := groups[meta.Publisher]
		return ok
	})
	for _, reg := range registrations {
		g := groups[reg.Publisher]
		if g.record == nil || reg.LastModified.After(g.record.LastModified) {
			g.record = reg
		}
	}

	list := make([]*publisherGroup, 0, len(groups))
	for _, g := range groups {
		list = append(list, g)
	}
	slices.SortFunc(list, s.groupComparator(query))

	total := len(list)
	page := paginate(list, query.Skip, query.Take)

	result := make([]model.FileStorageGroup, 0, len(page))
	for _, g := range page {
		group := model.FileStorageGroup{
			Publisher:   g.key,
			Count:       g.count,
			FacetCounts: g.facets,
		}
		if g.record != nil {
			state, err := s.fileState(g.record, query.IncludeContent)
			if err != nil {
				return nil, err
			}
			group.PublisherFileState = state
		}
		result = append(result, group)
	}

	return &model.FileStorageGroupResponse{Groups: result, TotalCount: total}, nil
}

// groupComparator строит сравнение групп. relevance сортирует по количеству
// записей, name — по имени регистрации организации (или ключу группы),
// created/lastModified — по времени регистрации. Без ключей — по убыванию
// количества. Ничьи разрешаются по ключу группы.
func (s *Storage) groupComparator(q model.FileStorageQuery) func(a, b *publisherGroup) int {
	tag, lang := s.queryLanguage(q)
	col := collate.New(tag, collate.IgnoreCase)

	name := func(g *publisherGroup) string {
		if g.record != nil {
			if n := g.record.Name.Get(lang); n != "" {
				return n
			}
		}
		return g.key
	}
	timeOf := func(g *publisherGroup, created bool) time.Time {
		switch {
		case g.record == nil:
			return time.Time{}
		case created:
			return g.record.Created
		default:
			return g.record.LastModified
		}
	}

	type key struct {
		cmp     func(a, b *publisherGroup) int
		reverse bool
	}
	var keys []key
	for _, od := range q.OrderDefinitions {
		switch od.Property {
		case model.SortRelevance:
			keys = append(keys, key{cmp: func(a, b *publisherGroup) int {
				return cmp.Compare(a.count, b.count)
			}, reverse: od.Reverse})
		case model.SortName:
			keys = append(keys, key{cmp: func(a, b *publisherGroup) int {
				return col.CompareString(name(a), name(b))
			}, reverse: od.Reverse})
		case model.SortCreated, model.SortLastModified:
			created := od.Property == model.SortCreated
			keys = append(keys, key{cmp: func(a, b *publisherGroup) int {
				return timeOf(a, created).Compare(timeOf(b, created))
			}, reverse: od.Reverse})
		}
	}
	if len(keys) == 0 {
		keys = append(keys, key{cmp: func(a, b *publisherGroup) int {
			return cmp.Compare(a.count, b.count)
		}, reverse: true})
	}

	return func(a, b *publisherGroup) int {
		for _, k := range keys {
			c := k.cmp(a, b)
			if k.reverse {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.key, b.key)
	}
}

func distinct(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
