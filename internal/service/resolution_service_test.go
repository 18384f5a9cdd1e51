package service

import (
	"context"
	"testing"

	"metricmaster/internal/domain"
	"metricmaster/internal/repository"
	"metricmaster/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSuggester 候选生成服务测试替身
type fakeSuggester struct {
	calls      int
	candidates []domain.Candidate
	err        error
}

func (f *fakeSuggester) SuggestCandidates(_ context.Context, _ string, _ int) ([]domain.Candidate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

type resolutionFixture struct {
	svc       *ResolutionService
	catalog   *repository.MemoryCatalogRepository
	pending   *repository.MemoryPendingRepository
	metrics   *repository.MemoryMetricsRepository
	suggester *fakeSuggester
}

func newResolutionFixture(t *testing.T, suggester *fakeSuggester) *resolutionFixture {
	t.Helper()
	catalog := repository.NewMemoryCatalogRepository()
	catalog.Replace(&domain.ParsedCatalog{
		Metrics: []domain.MetricDefinition{
			{
				MetricID: "hdl", MetricName: "HDL Cholesterol", CanonicalUnit: "mmol/L",
				ConversionGroupID: "grp-chol", NormalMin: floatPtr(1.0), NormalMax: floatPtr(2.2), IsKeyMetric: true,
			},
			{MetricID: "apob", MetricName: "Apolipoprotein B", CanonicalUnit: "g/L"},
		},
		Synonyms: []domain.Synonym{
			{SynonymID: "syn-1", MetricID: "hdl", SynonymName: "HDL-C"},
		},
		ConversionGroups: []domain.ConversionGroup{
			{ConversionGroupID: "grp-chol", CanonicalUnit: "mmol/L", AltUnit: "mg/dL", ToCanonicalFormula: "x/38.67"},
		},
	})
	pending := repository.NewMemoryPendingRepository()
	metrics := repository.NewMemoryMetricsRepository()
	svc := NewResolutionService(catalog, pending, metrics, suggester, nil, zap.NewNop())
	return &resolutionFixture{svc: svc, catalog: catalog, pending: pending, metrics: metrics, suggester: suggester}
}

// 精确/同义词命中短路于置信度 1.0，不调用候选服务
func TestExactAndSynonymShortCircuit(t *testing.T) {
	fx := newResolutionFixture(t, &fakeSuggester{})
	ctx := context.Background()

	report, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "2026-08-01", []domain.RawMetric{
		{Name: "HDL Cholesterol", Value: 1.5, Unit: "mmol/L"},
		{Name: "hdl-c", Value: 58.0, Unit: "mg/dL"}, // 同义词，大小写不敏感，且带单位换算
	})
	require.NoError(t, err)
	require.Zero(t, fx.suggester.calls)
	require.Len(t, report.Mapped, 2)
	require.Nil(t, report.Pending)

	require.Equal(t, domain.MetricSourceExactMatch, report.Mapped[0].Source)
	require.Equal(t, domain.MetricSourceSynonymMatch, report.Mapped[1].Source)
	require.Equal(t, 1.0, report.Mapped[1].Confidence)

	rows, err := fx.metrics.ListForUpload(ctx, "u1", "up1")
	require.NoError(t, err)
	require.Len(t, rows, 1) // 两条原始指标映射到同一规范名：幂等键合并
	require.Equal(t, "HDL Cholesterol", rows[0].MetricName)
	require.InDelta(t, 1.4998, rows[0].MetricValue, 1e-3) // 58/38.67，最后写入的换算值
	require.Equal(t, "mmol/L", rows[0].MetricUnit)
	require.Equal(t, "1-2.2", rows[0].ReferenceRange)
}

func TestConfidenceTierBoundaries(t *testing.T) {
	cases := []struct {
		confidence   float64
		wantMapped   bool
		wantOne      bool // 单候选复核
	}{
		{0.95, true, false},   // 下界闭区间：自动映射
		{0.9499, false, true}, // 单候选复核
		{0.70, false, true},   // 下界闭区间：仍是单候选
		{0.6999, false, false}, // 多候选复核
	}

	for _, c := range cases {
		suggester := &fakeSuggester{candidates: []domain.Candidate{
			{MetricID: "apob", CandidateName: "Apolipoprotein B", Confidence: c.confidence, Reason: "fuzzy"},
			{MetricID: "hdl", CandidateName: "HDL Cholesterol", Confidence: 0.4, Reason: "weak"},
		}}
		fx := newResolutionFixture(t, suggester)

		report, err := fx.svc.ProcessMetrics(context.Background(), "u1", "up1", "", []domain.RawMetric{
			{Name: "Apo-B", Value: 0.9, Unit: "g/L"},
		})
		require.NoError(t, err)

		if c.wantMapped {
			require.Len(t, report.Mapped, 1, "confidence %v", c.confidence)
			require.Equal(t, domain.MetricSourceAutoMapped, report.Mapped[0].Source)
			require.Nil(t, report.Pending)
			continue
		}

		require.Empty(t, report.Mapped, "confidence %v", c.confidence)
		require.NotNil(t, report.Pending, "confidence %v", c.confidence)
		require.Len(t, report.Review, 1)
		require.Equal(t, domain.ReviewReasonLowConfidence, report.Review[0].ReviewReason)
		if c.wantOne {
			require.Len(t, report.Review[0].Candidates, 1, "confidence %v", c.confidence)
		} else {
			require.Len(t, report.Review[0].Candidates, 2, "confidence %v", c.confidence)
		}
	}
}

func TestNoCandidatesAndServiceFailure(t *testing.T) {
	// 无候选
	fx := newResolutionFixture(t, &fakeSuggester{})
	report, err := fx.svc.ProcessMetrics(context.Background(), "u1", "up1", "", []domain.RawMetric{
		{Name: "Mystery Metric", Value: 1},
	})
	require.NoError(t, err)
	require.Len(t, report.Review, 1)
	require.Equal(t, domain.ReviewReasonNoCandidates, report.Review[0].ReviewReason)

	// 服务故障：降级为人工复核，不报错
	fx = newResolutionFixture(t, &fakeSuggester{err: &domain.CandidateServiceError{Err: context.DeadlineExceeded}})
	report, err = fx.svc.ProcessMetrics(context.Background(), "u1", "up1", "", []domain.RawMetric{
		{Name: "Mystery Metric", Value: 1},
	})
	require.NoError(t, err)
	require.Len(t, report.Review, 1)
	require.Equal(t, domain.ReviewReasonServiceFailure, report.Review[0].ReviewReason)
	require.NotNil(t, report.Pending)
}

// 重复处理同一上传：pending 行按 (user_id, upload_id) 整体替换，不产生新行
func TestReprocessUpsertsSamePendingRow(t *testing.T) {
	fx := newResolutionFixture(t, &fakeSuggester{})
	ctx := context.Background()

	first, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "", []domain.RawMetric{{Name: "Metric A", Value: 1}})
	require.NoError(t, err)
	second, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "", []domain.RawMetric{{Name: "Metric B", Value: 2}})
	require.NoError(t, err)
	require.Equal(t, first.Pending.ID, second.Pending.ID)

	rows, err := fx.pending.ListPending(ctx, "u1", "up1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Unmatched, 1)
	require.Equal(t, "Metric B", rows[0].Unmatched[0].Name)
}

// 审批通过：入库 + 学习同义词；之后同名指标走同义词路径，不再调用候选服务
func TestApproveLearnsSynonym(t *testing.T) {
	suggester := &fakeSuggester{candidates: []domain.Candidate{
		{MetricID: "apob", CandidateName: "Apolipoprotein B", Confidence: 0.82, Reason: "name similarity"},
	}}
	fx := newResolutionFixture(t, suggester)
	ctx := context.Background()

	report, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "2026-08-01", []domain.RawMetric{
		{Name: "Apo B lipoprotein", Value: 0.95, Unit: "g/L"},
	})
	require.NoError(t, err)
	require.NotNil(t, report.Pending)
	require.Equal(t, 1, suggester.calls)

	result, err := fx.svc.Approve(ctx, report.Pending.ID, []domain.ApprovedMapping{
		{OriginalName: "Apo B lipoprotein", MetricID: "apob"},
	})
	require.NoError(t, err)
	require.False(t, result.AlreadyTerminal)
	require.Len(t, result.Approved, 1)
	require.Equal(t, 1, result.LearnedSynonyms)

	rows, err := fx.metrics.ListForUpload(ctx, "u1", "up1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, domain.MetricSourceApproved, rows[0].Source)

	// 学到的同义词立即生效：下一次出现直接命中，不再问候选服务
	report2, err := fx.svc.ProcessMetrics(ctx, "u2", "up2", "", []domain.RawMetric{
		{Name: "apo b lipoprotein", Value: 1.1, Unit: "g/L"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, suggester.calls)
	require.Len(t, report2.Mapped, 1)
	require.Equal(t, domain.MetricSourceSynonymMatch, report2.Mapped[0].Source)
}

// 单条映射失败只跳过上报，不拖垮整批；行照常转入 approved
func TestApprovePartialFailure(t *testing.T) {
	fx := newResolutionFixture(t, &fakeSuggester{})
	ctx := context.Background()

	report, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "", []domain.RawMetric{
		{Name: "Metric A", Value: 1},
		{Name: "Metric B", Value: 2},
	})
	require.NoError(t, err)

	result, err := fx.svc.Approve(ctx, report.Pending.ID, []domain.ApprovedMapping{
		{OriginalName: "Metric A", MetricID: "apob"},
		{OriginalName: "Metric B", MetricID: "gone-from-catalog"},
	})
	require.NoError(t, err)
	require.Len(t, result.Approved, 1)
	require.Len(t, result.Failures, 1)
	require.Contains(t, result.Failures[0], "no longer in catalog")

	p, err := fx.pending.GetByID(ctx, report.Pending.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PendingStatusApproved, p.Status)
}

// approve/reject 的第二次调用观察到非 pending 行，报告 no-op 而不是错误
func TestApproveRejectIdempotent(t *testing.T) {
	fx := newResolutionFixture(t, &fakeSuggester{})
	ctx := context.Background()

	report, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "", []domain.RawMetric{{Name: "Metric A", Value: 1}})
	require.NoError(t, err)
	pendingID := report.Pending.ID

	transitioned, err := fx.svc.Reject(ctx, pendingID)
	require.NoError(t, err)
	require.True(t, transitioned)

	transitioned, err = fx.svc.Reject(ctx, pendingID)
	require.NoError(t, err)
	require.False(t, transitioned)

	result, err := fx.svc.Approve(ctx, pendingID, []domain.ApprovedMapping{{OriginalName: "Metric A", MetricID: "apob"}})
	require.NoError(t, err)
	require.True(t, result.AlreadyTerminal)
	require.Empty(t, result.Approved)

	// 驳回不入库、不学习
	rows, err := fx.metrics.ListForUpload(ctx, "u1", "up1")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestReprocessPendingMovesResolvedToProcessed(t *testing.T) {
	suggester := &fakeSuggester{}
	fx := newResolutionFixture(t, suggester)
	ctx := context.Background()

	_, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "", []domain.RawMetric{{Name: "New Metric", Value: 1}})
	require.NoError(t, err)

	// 目录随后学到了这个名字（如下一次表格提交带上了同义词）
	require.NoError(t, fx.catalog.InsertLearnedSynonym(ctx, domain.Synonym{
		SynonymID: "syn-new", MetricID: "apob", SynonymName: "New Metric",
	}))

	processed, err := fx.svc.ReprocessPending(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	rows, err := fx.pending.ListPending(ctx, "u1", "")
	require.NoError(t, err)
	require.Empty(t, rows)
}

// 候选服务给出越界置信度时在客户端边界被裁剪（这里直接验证缓存路径不破坏决策）
func TestSuggestionCacheAvoidsRepeatCalls(t *testing.T) {
	suggester := &fakeSuggester{candidates: []domain.Candidate{
		{MetricID: "apob", CandidateName: "Apolipoprotein B", Confidence: 0.5, Reason: "weak"},
	}}
	catalog := repository.NewMemoryCatalogRepository()
	catalog.Replace(&domain.ParsedCatalog{Metrics: []domain.MetricDefinition{
		{MetricID: "apob", MetricName: "Apolipoprotein B", CanonicalUnit: "g/L"},
	}})
	svc := NewResolutionService(catalog, repository.NewMemoryPendingRepository(), repository.NewMemoryMetricsRepository(),
		suggester, store.NewMemoryKV(), zap.NewNop())
	ctx := context.Background()

	_, err := svc.ProcessMetrics(ctx, "u1", "up1", "", []domain.RawMetric{{Name: "Same Unknown", Value: 1}})
	require.NoError(t, err)
	_, err = svc.ProcessMetrics(ctx, "u2", "up2", "", []domain.RawMetric{{Name: "same unknown", Value: 2}})
	require.NoError(t, err)
	require.Equal(t, 1, suggester.calls)
}

// 审批学习会制造歧义时（名称已是另一指标的同义词）跳过学习并上报，
// 该名称的后续解析保持无歧义
func TestApproveSkipsSynonymMappedToOtherMetric(t *testing.T) {
	fx := newResolutionFixture(t, &fakeSuggester{})
	ctx := context.Background()

	report, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "2026-08-01", []domain.RawMetric{
		{Name: "Chol X", Value: 0.95, Unit: "g/L"},
	})
	require.NoError(t, err)
	require.NotNil(t, report.Pending)

	// 另一条审批线先把同名学给了 hdl
	require.NoError(t, fx.catalog.InsertLearnedSynonym(ctx, domain.Synonym{
		SynonymID: "syn-race", MetricID: "hdl", SynonymName: "Chol X",
	}))

	result, err := fx.svc.Approve(ctx, report.Pending.ID, []domain.ApprovedMapping{
		{OriginalName: "Chol X", MetricID: "apob"},
	})
	require.NoError(t, err)
	require.Len(t, result.Approved, 1) // 指标本身照常入库
	require.Zero(t, result.LearnedSynonyms)
	require.Len(t, result.Failures, 1)
	require.Contains(t, result.Failures[0], "synonym not learned")

	// 名称仍然只解析到 hdl，不歧义
	again, err := fx.svc.ProcessMetrics(ctx, "u2", "up2", "2026-08-01", []domain.RawMetric{
		{Name: "chol x", Value: 1.2, Unit: "mmol/L"},
	})
	require.NoError(t, err)
	require.Len(t, again.Mapped, 1)
	require.Equal(t, "hdl", again.Mapped[0].MetricID)
	require.Equal(t, domain.MetricSourceSynonymMatch, again.Mapped[0].Source)
}

// 高置信候选的 metric_id 已不在目录：挂复核并如实记录原因，不按低置信处理
func TestStaleHighConfidenceCandidateQueuedForReview(t *testing.T) {
	suggester := &fakeSuggester{candidates: []domain.Candidate{
		{MetricID: "retired", CandidateName: "Retired Metric", Confidence: 0.97},
	}}
	fx := newResolutionFixture(t, suggester)
	ctx := context.Background()

	report, err := fx.svc.ProcessMetrics(ctx, "u1", "up1", "2026-08-01", []domain.RawMetric{
		{Name: "Mystery Metric", Value: 9.9},
	})
	require.NoError(t, err)
	require.Empty(t, report.Mapped)
	require.NotNil(t, report.Pending)
	require.Len(t, report.Pending.Suggestions, 1)

	suggestion := report.Pending.Suggestions[0]
	require.Equal(t, domain.ReviewReasonStaleCandidate, suggestion.ReviewReason)
	require.Len(t, suggestion.Candidates, 1)
	require.Equal(t, "retired", suggestion.Candidates[0].MetricID)
}
