package repository

import (
	"context"

	"metricmaster/internal/domain"
)

// CatalogRepository 目录存储（Catalog Store）接口。
// 读路径无副作用；目录表的写入只发生在 VersionsRepository 的原子替换
// 和人工审批的学习同义词插入（InsertLearnedSynonym）两处
type CatalogRepository interface {
	// GetByID 按 metric_id 获取定义；不存在返回 (nil, nil)
	GetByID(ctx context.Context, metricID string) (*domain.MetricDefinition, error)

	// LookupByExactName 按规范名称精确匹配（大小写不敏感）；未命中返回 (nil, nil)
	LookupByExactName(ctx context.Context, name string) (*domain.MetricDefinition, error)

	// LookupBySynonym 按同义词匹配（大小写不敏感）；未命中返回 (nil, nil)。
	// 同一规范化文本命中多个指标时返回 domain.ErrAmbiguousSynonym（数据完整性故障）
	LookupBySynonym(ctx context.Context, name string) (*domain.MetricDefinition, error)

	// GetRangeForID 获取参考范围；指标不存在或未配置范围时返回 (nil, nil)
	GetRangeForID(ctx context.Context, metricID string) (*domain.ReferenceRange, error)

	// AllMetrics 返回活动目录的指标列表（有界；用作候选生成的参考上下文）
	AllMetrics(ctx context.Context, limit int) ([]domain.MetricDefinition, error)

	// ConversionGroup 返回一个换算组的全部行（每行一个备选单位）
	ConversionGroup(ctx context.Context, groupID string) ([]domain.ConversionGroup, error)

	// InsertLearnedSynonym 写入学习同义词（审批通过路径；立即对后续解析生效，
	// 不等待下一次表格提交）
	InsertLearnedSynonym(ctx context.Context, syn domain.Synonym) error
}
