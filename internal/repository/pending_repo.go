package repository

import (
	"context"

	"metricmaster/internal/domain"
)

// PendingResolutionsRepository 待复核记录Repository接口（Review Queue 持久层）
type PendingResolutionsRepository interface {
	// Merge 按 (user_id, upload_id) 合并写入：已有 pending 行则整体替换其载荷，
	// 终态行不受影响（此时插入会因唯一键冲突被忽略，返回已有行）。
	// 返回合并后的行
	Merge(ctx context.Context, p *domain.PendingResolution) (*domain.PendingResolution, error)

	// GetByID 按 id 获取；不存在返回 domain.ErrPendingNotFound
	GetByID(ctx context.Context, id string) (*domain.PendingResolution, error)

	// ListPending 列出 pending 行；userID/uploadID 为空时不按该维度过滤
	// （离线批处理会用空 userID 扫全量）
	ListPending(ctx context.Context, userID, uploadID string) ([]*domain.PendingResolution, error)

	// MarkTerminal 条件转移 pending → status（approved/rejected/processed）。
	// 行已处于终态时返回 false（幂等 no-op），让并发的第二个调用观察到非 pending
	MarkTerminal(ctx context.Context, id string, status string) (bool, error)
}
