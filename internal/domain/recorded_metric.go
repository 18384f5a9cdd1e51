package domain

// metrics.source 取值：记录这条指标是怎么映射进来的（审计用）
const (
	MetricSourceExactMatch   = "exact_match"
	MetricSourceSynonymMatch = "synonym_match"
	MetricSourceAutoMapped   = "auto_mapped"
	MetricSourceApproved     = "approved"
)

// RecordedMetric 已入库的用户指标（对应 metrics 表）
// 写入以 (user_id, metric_name, test_date, upload_id) 幂等
type RecordedMetric struct {
	ID             int64    `db:"id"`              // BIGSERIAL, PRIMARY KEY
	UserID         string   `db:"user_id"`         // VARCHAR(100), NOT NULL
	UploadID       string   `db:"upload_id"`       // VARCHAR(100), NOT NULL
	MetricID       string   `db:"metric_id"`       // VARCHAR(100), nullable（目录外的历史数据可空）
	MetricName     string   `db:"metric_name"`     // VARCHAR(255), NOT NULL（规范名称）
	MetricValue    float64  `db:"metric_value"`    // DECIMAL(12,4), NOT NULL（已换算到规范单位）
	MetricUnit     string   `db:"metric_unit"`     // VARCHAR(50), nullable（规范单位）
	SystemID       *int     `db:"system_id"`       // INTEGER, nullable
	ReferenceRange string   `db:"reference_range"` // VARCHAR(100), nullable（"min-max"）
	IsKeyMetric    bool     `db:"is_key_metric"`   // BOOLEAN
	TestDate       string   `db:"test_date"`       // DATE (YYYY-MM-DD)
	Source         string   `db:"source"`          // VARCHAR(50)：auto_mapped / approved / exact_match / synonym_match
}
