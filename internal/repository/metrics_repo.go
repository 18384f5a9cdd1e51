package repository

import (
	"context"

	"metricmaster/internal/domain"
)

// RecordedMetricsRepository 用户指标存储（Metrics Store）接口
type RecordedMetricsRepository interface {
	// Insert 幂等写入：(user_id, metric_name, test_date, upload_id) 冲突时覆盖
	// 数值/单位/范围等字段
	Insert(ctx context.Context, m *domain.RecordedMetric) error

	// ListForUpload 列出一次上传写入的指标（审计/测试用）
	ListForUpload(ctx context.Context, userID, uploadID string) ([]domain.RecordedMetric, error)
}
