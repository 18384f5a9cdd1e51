package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"metricmaster/internal/domain"

	"github.com/google/uuid"
)

// MemoryPendingRepository 内存待复核记录Repository
type MemoryPendingRepository struct {
	mu     sync.RWMutex
	byID   map[string]*domain.PendingResolution
	byKey  map[string]string // "userID/uploadID" -> id
}

// NewMemoryPendingRepository 创建内存待复核Repository
func NewMemoryPendingRepository() *MemoryPendingRepository {
	return &MemoryPendingRepository{
		byID:  map[string]*domain.PendingResolution{},
		byKey: map[string]string{},
	}
}

// 确保实现了接口
var _ PendingResolutionsRepository = (*MemoryPendingRepository)(nil)

func pendingKey(userID, uploadID string) string {
	return userID + "/" + uploadID
}

func (r *MemoryPendingRepository) Merge(_ context.Context, p *domain.PendingResolution) (*domain.PendingResolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	key := pendingKey(p.UserID, p.UploadID)

	if id, ok := r.byKey[key]; ok {
		existing := r.byID[id]
		if existing.Terminal() {
			// 终态行载荷不再变化
			cp := *existing
			return &cp, nil
		}
		existing.Unmatched = append([]domain.RawMetric(nil), p.Unmatched...)
		existing.Suggestions = append([]domain.MetricSuggestion(nil), p.Suggestions...)
		existing.TestDate = p.TestDate
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}

	stored := *p
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = domain.PendingStatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.byID[stored.ID] = &stored
	r.byKey[key] = stored.ID

	cp := stored
	return &cp, nil
}

func (r *MemoryPendingRepository) GetByID(_ context.Context, id string) (*domain.PendingResolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("pending resolution %s: %w", id, domain.ErrPendingNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryPendingRepository) ListPending(_ context.Context, userID, uploadID string) ([]*domain.PendingResolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.PendingResolution
	for _, p := range r.byID {
		if p.Status != domain.PendingStatusPending {
			continue
		}
		if userID != "" && p.UserID != userID {
			continue
		}
		if uploadID != "" && p.UploadID != uploadID {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (r *MemoryPendingRepository) MarkTerminal(_ context.Context, id string, status string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok || p.Terminal() {
		return false, nil
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return true, nil
}
