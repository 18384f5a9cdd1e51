package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"metricmaster/internal/domain"

	"github.com/google/uuid"
)

// PostgresPendingRepository 待复核记录Repository实现
type PostgresPendingRepository struct {
	db *sql.DB
}

// NewPostgresPendingRepository 创建待复核记录Repository
func NewPostgresPendingRepository(db *sql.DB) *PostgresPendingRepository {
	return &PostgresPendingRepository{db: db}
}

// 确保实现了接口
var _ PendingResolutionsRepository = (*PostgresPendingRepository)(nil)

const pendingColumns = `
	id::text,
	user_id,
	upload_id,
	unmatched_metrics,
	candidate_suggestions,
	status,
	COALESCE(test_date::text, ''),
	created_at,
	updated_at
`

func scanPending(row interface{ Scan(...any) error }) (*domain.PendingResolution, error) {
	var p domain.PendingResolution
	var unmatched, suggestions []byte

	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.UploadID,
		&unmatched,
		&suggestions,
		&p.Status,
		&p.TestDate,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(unmatched) > 0 {
		if err := json.Unmarshal(unmatched, &p.Unmatched); err != nil {
			return nil, fmt.Errorf("failed to unmarshal unmatched_metrics: %w", err)
		}
	}
	if len(suggestions) > 0 {
		if err := json.Unmarshal(suggestions, &p.Suggestions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidate_suggestions: %w", err)
		}
	}
	return &p, nil
}

// Merge 按 (user_id, upload_id) 合并写入。
// DO UPDATE 带 status='pending' 守卫：终态行的载荷不再变化
func (r *PostgresPendingRepository) Merge(ctx context.Context, p *domain.PendingResolution) (*domain.PendingResolution, error) {
	unmatched, err := json.Marshal(p.Unmatched)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal unmatched_metrics: %w", err)
	}
	suggestions, err := json.Marshal(p.Suggestions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal candidate_suggestions: %w", err)
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	var testDate any
	if p.TestDate != "" {
		testDate = p.TestDate
	}

	query := `
		INSERT INTO pending_metric_suggestions (id, user_id, upload_id, unmatched_metrics, candidate_suggestions, status, test_date)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, 'pending', $6)
		ON CONFLICT (user_id, upload_id) DO UPDATE SET
			unmatched_metrics = EXCLUDED.unmatched_metrics,
			candidate_suggestions = EXCLUDED.candidate_suggestions,
			test_date = EXCLUDED.test_date,
			updated_at = CURRENT_TIMESTAMP
		WHERE pending_metric_suggestions.status = 'pending'
	`
	if _, err := r.db.ExecContext(ctx, query, p.ID, p.UserID, p.UploadID, string(unmatched), string(suggestions), testDate); err != nil {
		return nil, fmt.Errorf("failed to merge pending resolution: %w", err)
	}

	// 读回合并结果（冲突且终态时返回既有行原样）
	merged, err := scanPending(r.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_metric_suggestions WHERE user_id = $1 AND upload_id = $2`,
		p.UserID, p.UploadID))
	if err != nil {
		return nil, fmt.Errorf("failed to read merged pending resolution: %w", err)
	}
	return merged, nil
}

// GetByID 按 id 获取
func (r *PostgresPendingRepository) GetByID(ctx context.Context, id string) (*domain.PendingResolution, error) {
	p, err := scanPending(r.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_metric_suggestions WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pending resolution %s: %w", id, domain.ErrPendingNotFound)
		}
		return nil, fmt.Errorf("failed to get pending resolution: %w", err)
	}
	return p, nil
}

// ListPending 列出 pending 行；userID 为空时扫全量（离线批处理用）
func (r *PostgresPendingRepository) ListPending(ctx context.Context, userID, uploadID string) ([]*domain.PendingResolution, error) {
	query := `SELECT ` + pendingColumns + `
		FROM pending_metric_suggestions
		WHERE status = 'pending'`
	var args []any
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if uploadID != "" {
		args = append(args, uploadID)
		query += fmt.Sprintf(` AND upload_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending resolutions: %w", err)
	}
	defer rows.Close()

	var result []*domain.PendingResolution
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending resolution: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// MarkTerminal 条件转移 pending → status。
// RowsAffected == 0 表示行已处于终态（或不存在），调用方据此报告 no-op
func (r *PostgresPendingRepository) MarkTerminal(ctx context.Context, id string, status string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_metric_suggestions
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'pending'
	`, id, status)
	if err != nil {
		return false, fmt.Errorf("failed to mark pending resolution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
