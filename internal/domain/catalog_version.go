package domain

import (
	"encoding/json"
	"time"
)

// CatalogVersion 目录版本领域模型（对应 master_versions 表）
// 不变式：任意时刻恰好有一个版本 is_active = true
type CatalogVersion struct {
	// 主键（单调递增）
	VersionID int64 `db:"version_id"` // BIGSERIAL, PRIMARY KEY

	// 变更摘要与提交人
	ChangeSummary string    `db:"change_summary"` // TEXT, NOT NULL
	CreatedBy     string    `db:"created_by"`     // VARCHAR(100), NOT NULL
	CreatedAt     time.Time `db:"created_at"`     // TIMESTAMPTZ, NOT NULL

	// 原始 xlsx 工件落盘路径（快照缺失时用于重建）
	XlsxPath string `db:"xlsx_path"` // VARCHAR(500), nullable

	// 解析后数据的 SHA256（提交幂等判定）
	DataHash string `db:"data_hash"` // VARCHAR(64), NOT NULL

	// 活动标记
	IsActive bool `db:"is_active"` // BOOLEAN, NOT NULL DEFAULT false

	// diff 统计（提交时记录，便于版本列表展示）
	AddedCount   int `db:"added_count"`   // INTEGER
	ChangedCount int `db:"changed_count"` // INTEGER
	RemovedCount int `db:"removed_count"` // INTEGER
}

// CatalogSnapshot 目录快照领域模型（对应 master_snapshots 表）
// 与 CatalogVersion 1:1；提交事务内同时写入，保证每个已提交版本都可回滚
type CatalogSnapshot struct {
	// 主键 = 外键
	VersionID int64 `db:"version_id"` // BIGINT, PRIMARY KEY, FK to master_versions

	// 三张目录表的不可变全量拷贝
	MetricsJSON          json.RawMessage `db:"metrics_json"`           // JSONB, NOT NULL
	SynonymsJSON         json.RawMessage `db:"synonyms_json"`          // JSONB, NOT NULL
	ConversionGroupsJSON json.RawMessage `db:"conversion_groups_json"` // JSONB, NOT NULL
}
