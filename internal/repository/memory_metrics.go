package repository

import (
	"context"
	"sort"
	"sync"

	"metricmaster/internal/domain"
)

// MemoryMetricsRepository 内存用户指标存储
type MemoryMetricsRepository struct {
	mu     sync.RWMutex
	rows   map[string]domain.RecordedMetric // 幂等键 -> 行
	nextID int64
}

// NewMemoryMetricsRepository 创建内存用户指标Repository
func NewMemoryMetricsRepository() *MemoryMetricsRepository {
	return &MemoryMetricsRepository{rows: map[string]domain.RecordedMetric{}, nextID: 1}
}

// 确保实现了接口
var _ RecordedMetricsRepository = (*MemoryMetricsRepository)(nil)

func metricKey(m *domain.RecordedMetric) string {
	return m.UserID + "\x00" + m.MetricName + "\x00" + m.TestDate + "\x00" + m.UploadID
}

func (r *MemoryMetricsRepository) Insert(_ context.Context, m *domain.RecordedMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(m)
	stored := *m
	if existing, ok := r.rows[key]; ok {
		stored.ID = existing.ID
	} else {
		stored.ID = r.nextID
		r.nextID++
	}
	r.rows[key] = stored
	return nil
}

func (r *MemoryMetricsRepository) ListForUpload(_ context.Context, userID, uploadID string) ([]domain.RecordedMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.RecordedMetric
	for _, m := range r.rows {
		if m.UserID == userID && m.UploadID == uploadID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MetricName < result[j].MetricName })
	return result, nil
}
