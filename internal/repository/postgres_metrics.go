package repository

import (
	"context"
	"database/sql"
	"fmt"

	"metricmaster/internal/domain"
)

// PostgresMetricsRepository 用户指标存储Repository实现
type PostgresMetricsRepository struct {
	db *sql.DB
}

// NewPostgresMetricsRepository 创建用户指标Repository
func NewPostgresMetricsRepository(db *sql.DB) *PostgresMetricsRepository {
	return &PostgresMetricsRepository{db: db}
}

// 确保实现了接口
var _ RecordedMetricsRepository = (*PostgresMetricsRepository)(nil)

// Insert 幂等写入用户指标
func (r *PostgresMetricsRepository) Insert(ctx context.Context, m *domain.RecordedMetric) error {
	var systemID any
	if m.SystemID != nil {
		systemID = *m.SystemID
	}

	query := `
		INSERT INTO metrics (
			user_id, upload_id, metric_id, metric_name, metric_value, metric_unit,
			system_id, reference_range, is_key_metric, test_date, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10::date, CURRENT_DATE), $11)
		ON CONFLICT (user_id, metric_name, test_date, upload_id) DO UPDATE SET
			metric_value = EXCLUDED.metric_value,
			metric_unit = EXCLUDED.metric_unit,
			reference_range = EXCLUDED.reference_range,
			is_key_metric = EXCLUDED.is_key_metric,
			source = EXCLUDED.source
	`
	_, err := r.db.ExecContext(ctx, query,
		m.UserID, m.UploadID, nullString(m.MetricID), m.MetricName, m.MetricValue, nullString(m.MetricUnit),
		systemID, nullString(m.ReferenceRange), m.IsKeyMetric, nullString(m.TestDate), nullString(m.Source))
	if err != nil {
		return fmt.Errorf("failed to insert metric %s: %w", m.MetricName, err)
	}
	return nil
}

// ListForUpload 列出一次上传写入的指标
func (r *PostgresMetricsRepository) ListForUpload(ctx context.Context, userID, uploadID string) ([]domain.RecordedMetric, error) {
	query := `
		SELECT
			id,
			user_id,
			upload_id,
			COALESCE(metric_id, ''),
			metric_name,
			metric_value,
			COALESCE(metric_unit, ''),
			system_id,
			COALESCE(reference_range, ''),
			is_key_metric,
			test_date::text,
			COALESCE(source, '')
		FROM metrics
		WHERE user_id = $1 AND upload_id = $2
		ORDER BY metric_name
	`

	rows, err := r.db.QueryContext(ctx, query, userID, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var metrics []domain.RecordedMetric
	for rows.Next() {
		var m domain.RecordedMetric
		var systemID sql.NullInt64
		err := rows.Scan(&m.ID, &m.UserID, &m.UploadID, &m.MetricID, &m.MetricName, &m.MetricValue,
			&m.MetricUnit, &systemID, &m.ReferenceRange, &m.IsKeyMetric, &m.TestDate, &m.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		if systemID.Valid {
			v := int(systemID.Int64)
			m.SystemID = &v
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
