package domain

// ParsedCatalog 一份表格解析出的完整目录内容。
// 提交、diff、快照重建都以它为输入
type ParsedCatalog struct {
	Metrics          []MetricDefinition `json:"metrics"`
	Synonyms         []Synonym          `json:"synonyms"`
	ConversionGroups []ConversionGroup  `json:"conversion_groups"`
}

// MetricByID 按 metric_id 建索引（diff/校验用）
func (p *ParsedCatalog) MetricByID() map[string]MetricDefinition {
	idx := make(map[string]MetricDefinition, len(p.Metrics))
	for _, m := range p.Metrics {
		idx[m.MetricID] = m
	}
	return idx
}
