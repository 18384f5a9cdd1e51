package domain

import "time"

// PendingResolution 状态机：pending 为唯一非终态
const (
	PendingStatusPending   = "pending"
	PendingStatusApproved  = "approved"
	PendingStatusRejected  = "rejected"
	PendingStatusProcessed = "processed"
)

// 复核原因标记：每条待复核记录都要说明为什么没有自动映射
const (
	ReviewReasonLowConfidence  = "low_confidence"
	ReviewReasonNoCandidates   = "no_candidates"
	ReviewReasonServiceFailure = "service_failure"
	ReviewReasonStaleCandidate = "stale_candidate" // 高置信候选的 metric_id 已不在目录
)

// RawMetric 提取服务交付的原始指标（未映射）
type RawMetric struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit"`
	Category string  `json:"category"`
}

// Candidate 候选建议（来自候选生成服务，已在边界处裁剪到 [0,1]）
type Candidate struct {
	MetricID      string  `json:"metric_id,omitempty"` // 可空：模型可能只给出名称
	CandidateName string  `json:"candidate_name"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
}

// MetricSuggestion 一条未匹配指标及其候选列表（pending 行的载荷单元）
type MetricSuggestion struct {
	Metric       RawMetric   `json:"metric"`
	Candidates   []Candidate `json:"candidates"`
	ReviewReason string      `json:"review_reason"` // low_confidence / no_candidates / service_failure
}

// PendingResolution 待人工复核的解析结果（对应 pending_metric_suggestions 表）
// 同一 (user_id, upload_id) 只保留一行：重复处理同一上传时合并替换载荷
type PendingResolution struct {
	// 主键
	ID string `db:"id"` // UUID, PRIMARY KEY

	// 合并键
	UserID   string `db:"user_id"`   // VARCHAR(100), NOT NULL
	UploadID string `db:"upload_id"` // VARCHAR(100), NOT NULL

	// 载荷（仅在创建和 pending 期间的 merge 时变化）
	Unmatched   []RawMetric        `db:"unmatched_metrics"`     // JSONB, NOT NULL
	Suggestions []MetricSuggestion `db:"candidate_suggestions"` // JSONB, NOT NULL，与 Unmatched 按 name 对应

	// 状态机
	Status string `db:"status"` // VARCHAR(20), NOT NULL DEFAULT 'pending'

	// 化验日期（审批通过后写入 metrics 表用）
	TestDate string `db:"test_date"` // DATE (YYYY-MM-DD), nullable

	CreatedAt time.Time `db:"created_at"` // TIMESTAMPTZ
	UpdatedAt time.Time `db:"updated_at"` // TIMESTAMPTZ
}

// Terminal 判断是否已进入终态（approved/rejected/processed 不再变化）
func (p *PendingResolution) Terminal() bool {
	return p.Status != PendingStatusPending
}

// ApprovedMapping 人工批准的一条映射
type ApprovedMapping struct {
	OriginalName string `json:"original_name"`
	MetricID     string `json:"metric_id"`
}
