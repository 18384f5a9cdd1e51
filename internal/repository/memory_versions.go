package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"metricmaster/internal/domain"
)

// MemoryVersionsRepository 内存目录版本Repository。
// 持有目录存储的引用以模拟 Postgres 实现里同事务的目录表替换
type MemoryVersionsRepository struct {
	mu        sync.Mutex // 串行化 commit/rollback（TryLock 失败 = 并发冲突）
	stateMu   sync.RWMutex
	catalog   *MemoryCatalogRepository
	versions  map[int64]domain.CatalogVersion
	snapshots map[int64]domain.CatalogSnapshot
	nextID    int64
	activeID  int64
}

// NewMemoryVersionsRepository 创建内存版本Repository
func NewMemoryVersionsRepository(catalog *MemoryCatalogRepository) *MemoryVersionsRepository {
	return &MemoryVersionsRepository{
		catalog:   catalog,
		versions:  map[int64]domain.CatalogVersion{},
		snapshots: map[int64]domain.CatalogSnapshot{},
		nextID:    1,
	}
}

// 确保实现了接口
var _ VersionsRepository = (*MemoryVersionsRepository)(nil)

func (r *MemoryVersionsRepository) ActiveVersion(_ context.Context) (*domain.CatalogVersion, error) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	if r.activeID == 0 {
		return nil, nil
	}
	v := r.versions[r.activeID]
	return &v, nil
}

func (r *MemoryVersionsRepository) GetVersion(_ context.Context, versionID int64) (*domain.CatalogVersion, error) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	v, ok := r.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("version %d: %w", versionID, domain.ErrVersionNotFound)
	}
	return &v, nil
}

func (r *MemoryVersionsRepository) ListVersions(_ context.Context) ([]domain.CatalogVersion, error) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	all := make([]domain.CatalogVersion, 0, len(r.versions))
	for _, v := range r.versions {
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].VersionID > all[j].VersionID })
	return all, nil
}

func (r *MemoryVersionsRepository) FindByHash(_ context.Context, dataHash string) (*domain.CatalogVersion, error) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	var best *domain.CatalogVersion
	for _, v := range r.versions {
		if v.DataHash != dataHash {
			continue
		}
		if best == nil || v.VersionID > best.VersionID {
			hit := v
			best = &hit
		}
	}
	return best, nil
}

func (r *MemoryVersionsRepository) GetSnapshot(_ context.Context, versionID int64) (*domain.CatalogSnapshot, error) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	s, ok := r.snapshots[versionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *MemoryVersionsRepository) CommitVersion(_ context.Context, version *domain.CatalogVersion, parsed *domain.ParsedCatalog) (int64, error) {
	if !r.mu.TryLock() {
		return 0, domain.ErrConcurrentModification
	}
	defer r.mu.Unlock()

	metricsJSON, err := json.Marshal(parsed.Metrics)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metrics snapshot: %w", err)
	}
	synonymsJSON, err := json.Marshal(parsed.Synonyms)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal synonyms snapshot: %w", err)
	}
	groupsJSON, err := json.Marshal(parsed.ConversionGroups)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal conversion groups snapshot: %w", err)
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	id := r.nextID
	r.nextID++

	v := *version
	v.VersionID = id
	v.CreatedAt = time.Now()
	v.IsActive = false
	r.versions[id] = v
	r.snapshots[id] = domain.CatalogSnapshot{
		VersionID:            id,
		MetricsJSON:          metricsJSON,
		SynonymsJSON:         synonymsJSON,
		ConversionGroupsJSON: groupsJSON,
	}

	r.catalog.Replace(parsed)
	r.flipActiveLocked(id)
	return id, nil
}

func (r *MemoryVersionsRepository) ActivateVersion(_ context.Context, versionID int64, parsed *domain.ParsedCatalog) error {
	if !r.mu.TryLock() {
		return domain.ErrConcurrentModification
	}
	defer r.mu.Unlock()

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if _, ok := r.versions[versionID]; !ok {
		return fmt.Errorf("version %d: %w", versionID, domain.ErrVersionNotFound)
	}

	r.catalog.Replace(parsed)
	r.flipActiveLocked(versionID)
	return nil
}

// flipActiveLocked 调用方持有 stateMu 写锁
func (r *MemoryVersionsRepository) flipActiveLocked(versionID int64) {
	if r.activeID != 0 {
		old := r.versions[r.activeID]
		old.IsActive = false
		r.versions[r.activeID] = old
	}
	v := r.versions[versionID]
	v.IsActive = true
	r.versions[versionID] = v
	r.activeID = versionID
}
