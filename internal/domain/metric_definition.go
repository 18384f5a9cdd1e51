package domain

// MetricDefinition 规范指标定义领域模型（对应 master_metrics 表）
// 目录中的唯一标准表示：所有同义词最终解析到这里
type MetricDefinition struct {
	// 主键（在一个目录版本内唯一）
	MetricID string `db:"metric_id"` // VARCHAR(100), PRIMARY KEY

	// 规范名称
	MetricName string `db:"metric_name"` // VARCHAR(255), NOT NULL

	// 身体系统编号（1..13）
	SystemID *int `db:"system_id"` // INTEGER, nullable

	// 规范单位
	CanonicalUnit string `db:"canonical_unit"` // VARCHAR(50), nullable

	// 换算组（可空：无换算组的指标只接受规范单位）
	ConversionGroupID string `db:"conversion_group_id"` // VARCHAR(100), nullable, FK to master_conversion_groups

	// 参考范围（可空）
	NormalMin *float64 `db:"normal_min"` // DECIMAL(10,3), nullable
	NormalMax *float64 `db:"normal_max"` // DECIMAL(10,3), nullable

	// 是否关键指标（表格中以 Y/N 表示）
	IsKeyMetric bool `db:"is_key_metric"` // BOOLEAN, NOT NULL DEFAULT false

	// 数据来源与说明
	Source      string `db:"source"`      // VARCHAR(100), nullable
	Explanation string `db:"explanation"` // TEXT, nullable
}

// ReferenceRange 参考范围（GetRangeForID 的返回值）
type ReferenceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}
