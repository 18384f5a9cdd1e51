package domain

// ConversionGroup 单位换算组领域模型（对应 master_conversion_groups 表）
// 复合主键 (conversion_group_id, alt_unit)：一行描述一个备选单位
// 与规范单位之间的双向换算公式（公式以 x 为变量，如 "x / 38.67"）
type ConversionGroup struct {
	// 复合主键
	ConversionGroupID string `db:"conversion_group_id"` // VARCHAR(100), NOT NULL
	AltUnit           string `db:"alt_unit"`            // VARCHAR(50), NOT NULL

	// 规范单位
	CanonicalUnit string `db:"canonical_unit"` // VARCHAR(50), NOT NULL

	// 换算公式
	ToCanonicalFormula   string `db:"to_canonical_formula"`   // VARCHAR(255), nullable
	FromCanonicalFormula string `db:"from_canonical_formula"` // VARCHAR(255), nullable

	// 备注
	Notes string `db:"notes"` // TEXT, nullable
}
