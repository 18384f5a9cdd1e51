package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"metricmaster/internal/domain"
	"metricmaster/internal/repository"
	"metricmaster/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 置信度分层（下界均为闭区间）：
// conf=1.0 精确/同义词命中；conf>=0.95 自动映射；[0.70,0.95) 单候选复核；<0.70 多候选复核
const (
	autoMapThreshold = 0.95
	reviewThreshold  = 0.70
)

// 候选建议缓存 TTL（同名原始指标短期内反复出现时省掉重复的 AI 调用）
const suggestCacheTTL = time.Hour

// MappedMetric 一条已自动入库的映射（审计用）
type MappedMetric struct {
	OriginalName  string  `json:"original_name"`
	MetricID      string  `json:"metric_id"`
	CanonicalName string  `json:"canonical_name"`
	Confidence    float64 `json:"confidence"`
	Source        string  `json:"source"`
}

// ResolutionReport 一次摄取批次的解析结果
type ResolutionReport struct {
	Mapped   []MappedMetric             `json:"mapped"`
	Review   []domain.MetricSuggestion  `json:"review"`
	Pending  *domain.PendingResolution  `json:"pending,omitempty"`
	Failures []string                   `json:"failures,omitempty"`
}

// ApproveResult 审批结果：逐条成败，单条失败不拖垮整批
type ApproveResult struct {
	Approved        []MappedMetric `json:"approved"`
	Failures        []string       `json:"failures,omitempty"`
	LearnedSynonyms int            `json:"learned_synonyms"`
	AlreadyTerminal bool           `json:"already_terminal"`
}

// ResolutionService 置信度分层的指标解析引擎
type ResolutionService struct {
	catalog   repository.CatalogRepository
	pending   repository.PendingResolutionsRepository
	metrics   repository.RecordedMetricsRepository
	suggester CandidateSuggester
	converter *ConversionService
	cache     store.KV
	logger    *zap.Logger
}

// NewResolutionService 创建解析引擎。cache 可为 nil（不启用候选缓存）
func NewResolutionService(
	catalog repository.CatalogRepository,
	pending repository.PendingResolutionsRepository,
	metrics repository.RecordedMetricsRepository,
	suggester CandidateSuggester,
	cache store.KV,
	logger *zap.Logger,
) *ResolutionService {
	return &ResolutionService{
		catalog:   catalog,
		pending:   pending,
		metrics:   metrics,
		suggester: suggester,
		converter: NewConversionService(catalog),
		cache:     cache,
		logger:    logger,
	}
}

// ProcessMetrics 处理一次摄取批次的未映射指标。
// 优先级严格：精确名称 → 同义词 → 候选打分；前两者短路于置信度 1.0。
// 需要复核的条目整批 upsert 到同一条 (user_id, upload_id) 的 pending 行
func (s *ResolutionService) ProcessMetrics(ctx context.Context, userID, uploadID, testDate string, raws []domain.RawMetric) (*ResolutionReport, error) {
	report := &ResolutionReport{}

	for _, raw := range raws {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			continue
		}
		raw.Name = name

		// 1. 精确名称匹配
		metric, err := s.catalog.LookupByExactName(ctx, name)
		if err != nil {
			return nil, err
		}
		if metric != nil {
			s.recordResolved(ctx, report, userID, uploadID, testDate, raw, metric, 1.0, domain.MetricSourceExactMatch)
			continue
		}

		// 2. 同义词匹配（歧义是数据完整性故障，整批中止）
		metric, err = s.catalog.LookupBySynonym(ctx, name)
		if err != nil {
			// ErrAmbiguousSynonym 也从这里透出：完整性故障不降级
			return nil, err
		}
		if metric != nil {
			s.recordResolved(ctx, report, userID, uploadID, testDate, raw, metric, 1.0, domain.MetricSourceSynonymMatch)
			continue
		}

		// 3. 候选打分
		suggestion := s.decideByCandidates(ctx, report, userID, uploadID, testDate, raw)
		if suggestion != nil {
			report.Review = append(report.Review, *suggestion)
		}
	}

	if len(report.Review) > 0 {
		pending, err := s.mergePending(ctx, userID, uploadID, testDate, report.Review)
		if err != nil {
			return nil, err
		}
		report.Pending = pending
	}
	return report, nil
}

// decideByCandidates 在候选打分层做分层决策；自动映射成功时返回 nil，
// 否则返回要挂入复核队列的建议
func (s *ResolutionService) decideByCandidates(ctx context.Context, report *ResolutionReport, userID, uploadID, testDate string, raw domain.RawMetric) *domain.MetricSuggestion {
	candidates, err := s.fetchCandidates(ctx, raw.Name)
	if err != nil {
		// 候选服务故障降级为人工复核，绝不拖垮整个批次
		s.logger.Warn("Candidate service unavailable, queueing for review",
			zap.String("metric_name", raw.Name),
			zap.Error(err),
		)
		return &domain.MetricSuggestion{
			Metric:       raw,
			ReviewReason: domain.ReviewReasonServiceFailure,
		}
	}
	if len(candidates) == 0 {
		return &domain.MetricSuggestion{
			Metric:       raw,
			ReviewReason: domain.ReviewReasonNoCandidates,
		}
	}

	top := candidates[0]
	if top.Confidence >= autoMapThreshold && top.MetricID != "" {
		metric, err := s.catalog.GetByID(ctx, top.MetricID)
		if err == nil && metric != nil {
			s.logger.Info("Auto-mapped metric",
				zap.String("original_name", raw.Name),
				zap.String("matched_name", metric.MetricName),
				zap.Float64("confidence", top.Confidence),
			)
			s.recordResolved(ctx, report, userID, uploadID, testDate, raw, metric, top.Confidence, domain.MetricSourceAutoMapped)
			return nil
		}
		if err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: failed to load candidate metric %s: %v", raw.Name, top.MetricID, err))
		}
		// 候选指向的 metric_id 已不在目录里（或暂时读不到）：按陈旧候选挂入复核，
		// 不是置信度问题，复核原因要据实记录
		return &domain.MetricSuggestion{
			Metric:       raw,
			Candidates:   candidates,
			ReviewReason: domain.ReviewReasonStaleCandidate,
		}
	}

	if top.Confidence >= reviewThreshold && top.Confidence < autoMapThreshold {
		return &domain.MetricSuggestion{
			Metric:       raw,
			Candidates:   candidates[:1],
			ReviewReason: domain.ReviewReasonLowConfidence,
		}
	}
	return &domain.MetricSuggestion{
		Metric:       raw,
		Candidates:   candidates,
		ReviewReason: domain.ReviewReasonLowConfidence,
	}
}

// fetchCandidates 带缓存的候选获取
func (s *ResolutionService) fetchCandidates(ctx context.Context, name string) ([]domain.Candidate, error) {
	key := "mm:suggest:" + strings.ToLower(name)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key); err == nil {
			var candidates []domain.Candidate
			if json.Unmarshal([]byte(cached), &candidates) == nil {
				return candidates, nil
			}
		}
	}

	candidates, err := s.suggester.SuggestCandidates(ctx, name, 0)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(candidates); err == nil {
			if err := s.cache.Set(ctx, key, string(data), suggestCacheTTL); err != nil {
				s.logger.Debug("Failed to cache candidates", zap.Error(err))
			}
		}
	}
	return candidates, nil
}

// recordResolved 单位换算后幂等入库；单条失败记入 Failures，不中止批次
func (s *ResolutionService) recordResolved(ctx context.Context, report *ResolutionReport, userID, uploadID, testDate string, raw domain.RawMetric, metric *domain.MetricDefinition, confidence float64, source string) {
	if err := s.insertResolved(ctx, userID, uploadID, testDate, raw, metric, source); err != nil {
		report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", raw.Name, err))
		return
	}
	report.Mapped = append(report.Mapped, MappedMetric{
		OriginalName:  raw.Name,
		MetricID:      metric.MetricID,
		CanonicalName: metric.MetricName,
		Confidence:    confidence,
		Source:        source,
	})
}

func (s *ResolutionService) insertResolved(ctx context.Context, userID, uploadID, testDate string, raw domain.RawMetric, metric *domain.MetricDefinition, source string) error {
	value, unit, err := s.converter.ConvertToCanonical(ctx, metric, raw.Value, raw.Unit)
	if err != nil {
		return err
	}

	var refRange string
	if metric.NormalMin != nil && metric.NormalMax != nil {
		refRange = fmt.Sprintf("%v-%v", *metric.NormalMin, *metric.NormalMax)
	}

	return s.metrics.Insert(ctx, &domain.RecordedMetric{
		UserID:         userID,
		UploadID:       uploadID,
		MetricID:       metric.MetricID,
		MetricName:     metric.MetricName,
		MetricValue:    value,
		MetricUnit:     unit,
		SystemID:       metric.SystemID,
		ReferenceRange: refRange,
		IsKeyMetric:    metric.IsKeyMetric,
		TestDate:       testDate,
		Source:         source,
	})
}

func (s *ResolutionService) mergePending(ctx context.Context, userID, uploadID, testDate string, suggestions []domain.MetricSuggestion) (*domain.PendingResolution, error) {
	unmatched := make([]domain.RawMetric, 0, len(suggestions))
	for _, sg := range suggestions {
		unmatched = append(unmatched, sg.Metric)
	}

	now := time.Now().UTC()
	merged, err := s.pending.Merge(ctx, &domain.PendingResolution{
		ID:          uuid.NewString(),
		UserID:      userID,
		UploadID:    uploadID,
		Unmatched:   unmatched,
		Suggestions: suggestions,
		Status:      domain.PendingStatusPending,
		TestDate:    testDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue metrics for review: %w", err)
	}
	return merged, nil
}

// Approve 审批通过：逐条入库并学习同义词，随后把行转为 approved。
// 单条映射失败（如 metric_id 已不在目录）只跳过并上报，不让整批失败。
// 行已处于终态时幂等返回 AlreadyTerminal
func (s *ResolutionService) Approve(ctx context.Context, pendingID string, mappings []domain.ApprovedMapping) (*ApproveResult, error) {
	p, err := s.pending.GetByID(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if p.Terminal() {
		return &ApproveResult{AlreadyTerminal: true}, nil
	}

	rawByName := make(map[string]domain.RawMetric, len(p.Unmatched))
	for _, raw := range p.Unmatched {
		rawByName[strings.ToLower(raw.Name)] = raw
	}

	result := &ApproveResult{}
	for _, m := range mappings {
		raw, ok := rawByName[strings.ToLower(strings.TrimSpace(m.OriginalName))]
		if !ok {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: not among this entry's unmatched metrics", m.OriginalName))
			continue
		}

		metric, err := s.catalog.GetByID(ctx, m.MetricID)
		if err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", m.OriginalName, err))
			continue
		}
		if metric == nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: metric %s no longer in catalog", m.OriginalName, m.MetricID))
			continue
		}

		if err := s.insertResolved(ctx, p.UserID, p.UploadID, p.TestDate, raw, metric, domain.MetricSourceApproved); err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", m.OriginalName, err))
			continue
		}
		result.Approved = append(result.Approved, MappedMetric{
			OriginalName:  raw.Name,
			MetricID:      metric.MetricID,
			CanonicalName: metric.MetricName,
			Confidence:    1.0,
			Source:        domain.MetricSourceApproved,
		})

		if learned, lerr := s.learnSynonym(ctx, raw.Name, metric); lerr != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: synonym not learned: %v", raw.Name, lerr))
		} else if learned {
			result.LearnedSynonyms++
		}
	}

	ok, err := s.pending.MarkTerminal(ctx, pendingID, domain.PendingStatusApproved)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 并发的 approve/reject 抢先转了终态
		result.AlreadyTerminal = true
	}
	return result, nil
}

// learnSynonym 学习 original_name → metric_id，让同名原始指标下次以置信度 1.0 命中。
// 名称已能解析到同一指标时跳过（规范名或既有同义词）；
// 已映射到另一指标时拒绝学习并返回错误 —— 再插入会让该名称从此歧义
func (s *ResolutionService) learnSynonym(ctx context.Context, originalName string, metric *domain.MetricDefinition) (bool, error) {
	if strings.EqualFold(originalName, metric.MetricName) {
		return false, nil
	}
	hit, err := s.catalog.LookupBySynonym(ctx, originalName)
	if err != nil {
		return false, fmt.Errorf("synonym lookup failed: %w", err)
	}
	if hit != nil {
		if hit.MetricID == metric.MetricID {
			return false, nil
		}
		return false, fmt.Errorf("%q already maps to metric %s", originalName, hit.MetricID)
	}

	syn := domain.Synonym{
		SynonymID:   "syn-" + uuid.NewString(),
		MetricID:    metric.MetricID,
		SynonymName: originalName,
		Notes:       "learned from manual approval",
	}
	if err := s.catalog.InsertLearnedSynonym(ctx, syn); err != nil {
		s.logger.Error("Failed to learn synonym",
			zap.String("synonym_name", originalName),
			zap.String("metric_id", metric.MetricID),
			zap.Error(err),
		)
		return false, fmt.Errorf("failed to learn synonym: %w", err)
	}

	if s.cache != nil {
		// 该名称已进入同义词路径，陈旧的候选缓存没有存在价值
		_ = s.cache.Del(ctx, "mm:suggest:"+strings.ToLower(originalName))
	}

	s.logger.Info("Learned new synonym",
		zap.String("synonym_name", originalName),
		zap.String("metric_id", metric.MetricID),
	)
	return true, nil
}

// Reject 驳回：只做状态转移，不入库、不学习。终态行幂等返回 no-op
func (s *ResolutionService) Reject(ctx context.Context, pendingID string) (bool, error) {
	if _, err := s.pending.GetByID(ctx, pendingID); err != nil {
		return false, err
	}
	return s.pending.MarkTerminal(ctx, pendingID, domain.PendingStatusRejected)
}

// ListPending 复核队列查询
func (s *ResolutionService) ListPending(ctx context.Context, userID, uploadID string) ([]*domain.PendingResolution, error) {
	return s.pending.ListPending(ctx, userID, uploadID)
}

// ReprocessPending 离线批处理：对 pending 行重新执行解析决策。
// 全部指标都解析成功的行转入 processed；仍有剩余的行按 upsert 路径替换载荷。
// 返回 (转入 processed 的行数, error)
func (s *ResolutionService) ReprocessPending(ctx context.Context, userID string) (int, error) {
	rows, err := s.pending.ListPending(ctx, userID, "")
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, p := range rows {
		report, err := s.ProcessMetrics(ctx, p.UserID, p.UploadID, p.TestDate, p.Unmatched)
		if err != nil {
			s.logger.Error("Failed to reprocess pending entry",
				zap.String("pending_id", p.ID),
				zap.Error(err),
			)
			continue
		}
		if len(report.Review) == 0 && len(report.Failures) == 0 {
			ok, err := s.pending.MarkTerminal(ctx, p.ID, domain.PendingStatusProcessed)
			if err != nil {
				return processed, err
			}
			if ok {
				processed++
			}
		}
	}
	return processed, nil
}
