package repository

import (
	"context"

	"metricmaster/internal/domain"
)

// VersionsRepository 目录版本Repository接口。
// CommitVersion / ActivateVersion 各自是一个可串行化事务：
// 版本行、快照、目录表替换、活动标记翻转要么全部生效要么全部回滚；
// 两者相互排斥，竞争失败返回 domain.ErrConcurrentModification
type VersionsRepository interface {
	// ActiveVersion 获取当前活动版本；目录尚未初始化时返回 (nil, nil)
	ActiveVersion(ctx context.Context) (*domain.CatalogVersion, error)

	// GetVersion 按 version_id 获取版本；不存在返回 domain.ErrVersionNotFound
	GetVersion(ctx context.Context, versionID int64) (*domain.CatalogVersion, error)

	// ListVersions 版本列表（新的在前）
	ListVersions(ctx context.Context) ([]domain.CatalogVersion, error)

	// FindByHash 按 data_hash 查找版本（提交幂等判定）；未命中返回 (nil, nil)
	FindByHash(ctx context.Context, dataHash string) (*domain.CatalogVersion, error)

	// GetSnapshot 获取版本快照；快照行缺失返回 (nil, nil)
	GetSnapshot(ctx context.Context, versionID int64) (*domain.CatalogSnapshot, error)

	// CommitVersion 原子提交：写版本行（is_active=false）、物化快照、
	// 替换目录表、翻转活动标记。返回新 version_id
	CommitVersion(ctx context.Context, version *domain.CatalogVersion, parsed *domain.ParsedCatalog) (int64, error)

	// ActivateVersion 回滚路径：用 parsed 重建目录表并把活动标记翻到 versionID
	ActivateVersion(ctx context.Context, versionID int64, parsed *domain.ParsedCatalog) error
}
