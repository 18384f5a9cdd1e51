package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"metricmaster/internal/domain"
)

// MemoryCatalogRepository 内存目录存储（DB 未就绪时的联测实现，也是单测基座）
type MemoryCatalogRepository struct {
	mu       sync.RWMutex
	metrics  map[string]domain.MetricDefinition // metric_id -> definition
	synonyms map[string]domain.Synonym          // synonym_id -> synonym
	groups   []domain.ConversionGroup
}

// NewMemoryCatalogRepository 创建内存目录存储
func NewMemoryCatalogRepository() *MemoryCatalogRepository {
	return &MemoryCatalogRepository{
		metrics:  map[string]domain.MetricDefinition{},
		synonyms: map[string]domain.Synonym{},
	}
}

// 确保实现了接口
var _ CatalogRepository = (*MemoryCatalogRepository)(nil)

// Replace 整体替换目录内容（版本提交/回滚路径调用）
func (r *MemoryCatalogRepository) Replace(parsed *domain.ParsedCatalog) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics = make(map[string]domain.MetricDefinition, len(parsed.Metrics))
	for _, m := range parsed.Metrics {
		if m.MetricID == "" {
			continue
		}
		if _, dup := r.metrics[m.MetricID]; dup {
			continue
		}
		r.metrics[m.MetricID] = m
	}

	r.synonyms = make(map[string]domain.Synonym, len(parsed.Synonyms))
	for _, s := range parsed.Synonyms {
		if _, ok := r.metrics[s.MetricID]; !ok {
			continue
		}
		r.synonyms[s.SynonymID] = s
	}

	r.groups = append([]domain.ConversionGroup(nil), parsed.ConversionGroups...)
}

func (r *MemoryCatalogRepository) GetByID(_ context.Context, metricID string) (*domain.MetricDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.metrics[metricID]
	if !ok {
		return nil, nil
	}
	hit := m
	return &hit, nil
}

func (r *MemoryCatalogRepository) LookupByExactName(_ context.Context, name string) (*domain.MetricDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(name)
	for _, m := range r.metrics {
		if strings.ToLower(m.MetricName) == needle {
			hit := m
			return &hit, nil
		}
	}
	return nil, nil
}

func (r *MemoryCatalogRepository) LookupBySynonym(_ context.Context, name string) (*domain.MetricDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(name)
	matched := map[string]bool{}
	for _, s := range r.synonyms {
		if strings.ToLower(s.SynonymName) == needle {
			matched[s.MetricID] = true
		}
	}

	switch len(matched) {
	case 0:
		return nil, nil
	case 1:
		for id := range matched {
			if m, ok := r.metrics[id]; ok {
				hit := m
				return &hit, nil
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("synonym %q: %w", name, domain.ErrAmbiguousSynonym)
	}
}

func (r *MemoryCatalogRepository) GetRangeForID(_ context.Context, metricID string) (*domain.ReferenceRange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.metrics[metricID]
	if !ok || m.NormalMin == nil || m.NormalMax == nil {
		return nil, nil
	}
	return &domain.ReferenceRange{Min: *m.NormalMin, Max: *m.NormalMax}, nil
}

func (r *MemoryCatalogRepository) AllMetrics(_ context.Context, limit int) ([]domain.MetricDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 1000
	}
	all := make([]domain.MetricDefinition, 0, len(r.metrics))
	for _, m := range r.metrics {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].MetricID < all[j].MetricID })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryCatalogRepository) ConversionGroup(_ context.Context, groupID string) ([]domain.ConversionGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []domain.ConversionGroup
	for _, g := range r.groups {
		if g.ConversionGroupID == groupID {
			rows = append(rows, g)
		}
	}
	return rows, nil
}

func (r *MemoryCatalogRepository) InsertLearnedSynonym(_ context.Context, syn domain.Synonym) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.synonyms[syn.SynonymID]; exists {
		return nil
	}
	// 对应 Postgres 的 LOWER(synonym_name) 唯一索引
	needle := strings.ToLower(syn.SynonymName)
	for _, s := range r.synonyms {
		if strings.ToLower(s.SynonymName) == needle {
			if s.MetricID == syn.MetricID {
				return nil
			}
			return fmt.Errorf("synonym %q already maps to metric %s", syn.SynonymName, s.MetricID)
		}
	}
	r.synonyms[syn.SynonymID] = syn
	return nil
}
