package domain

// Synonym 指标同义词领域模型（对应 master_metric_synonyms 表）
// 不变式：synonym_name 在活动目录内大小写不敏感唯一 ——
// 同一规范化文本的解析绝不能返回多个指标
type Synonym struct {
	// 主键
	SynonymID string `db:"synonym_id"` // VARCHAR(100), PRIMARY KEY

	// 所属指标
	MetricID string `db:"metric_id"` // VARCHAR(100), NOT NULL, FK to master_metrics

	// 同义词文本（大小写不敏感匹配）
	SynonymName string `db:"synonym_name"` // VARCHAR(255), NOT NULL

	// 备注（人工审核通过的学习同义词会记录来源）
	Notes string `db:"notes"` // TEXT, nullable
}
