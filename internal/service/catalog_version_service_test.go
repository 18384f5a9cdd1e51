package service

import (
	"context"
	"errors"
	"testing"

	"metricmaster/internal/domain"
	"metricmaster/internal/repository"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestVersionService(t *testing.T) (*CatalogVersionService, *repository.MemoryCatalogRepository) {
	t.Helper()
	catalog := repository.NewMemoryCatalogRepository()
	versions := repository.NewMemoryVersionsRepository(catalog)
	return NewCatalogVersionService(versions, t.TempDir(), zap.NewNop()), catalog
}

func mustWorkbook(t *testing.T, parsed *domain.ParsedCatalog) []byte {
	t.Helper()
	data, err := BuildCatalogWorkbook(parsed)
	require.NoError(t, err)
	return data
}

func TestValidateCollectsAllErrors(t *testing.T) {
	svc, _ := newTestVersionService(t)

	parsed := &domain.ParsedCatalog{
		Metrics: []domain.MetricDefinition{
			{MetricID: "m1", MetricName: "Metric One", SystemID: intPtr(99)},
			{MetricID: "m1", MetricName: "Metric One Again"},
			{MetricID: "m2", MetricName: "Metric Two", NormalMin: floatPtr(5), NormalMax: floatPtr(1)},
			{MetricID: "m3", MetricName: "Metric Three", ConversionGroupID: "grp-missing"},
		},
		Synonyms: []domain.Synonym{
			{SynonymID: "syn-1", MetricID: "nope", SynonymName: "Orphan"},
		},
	}

	result := svc.Validate(parsed)
	// 重复 metric_id、system_id 越界、min>max、缺换算组、孤儿同义词 —— 一次全报
	require.Len(t, result.Errors, 5)
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	svc, _ := newTestVersionService(t)

	parsed := &domain.ParsedCatalog{
		Metrics: []domain.MetricDefinition{
			{MetricID: "m1", MetricName: "Metric One"},
		},
	}
	result := svc.Validate(parsed)
	require.Empty(t, result.Errors)
	require.NotEmpty(t, result.Warnings) // canonical_unit 为空
}

func TestCommitAndIdempotence(t *testing.T) {
	svc, _ := newTestVersionService(t)
	ctx := context.Background()
	data := mustWorkbook(t, sampleCatalog())

	v1, reused, err := svc.Commit(ctx, data, "initial import", "alice")
	require.NoError(t, err)
	require.False(t, reused)
	require.True(t, v1.IsActive)
	require.Equal(t, 2+1+1, v1.AddedCount) // 2 metrics + 1 synonym + 1 conversion row

	// 同一张表再提交：返回既有版本，不产生新版本
	v2, reused, err := svc.Commit(ctx, data, "same again", "bob")
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, v1.VersionID, v2.VersionID)

	versions, err := svc.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestCommitRefusedOnValidationErrors(t *testing.T) {
	svc, _ := newTestVersionService(t)

	bad := sampleCatalog()
	bad.Synonyms = append(bad.Synonyms, domain.Synonym{SynonymID: "syn-x", MetricID: "ghost", SynonymName: "Ghost"})

	_, _, err := svc.Commit(context.Background(), mustWorkbook(t, bad), "bad", "alice")
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.NotEmpty(t, validationErr.Errors)
}

func TestDiffSemantics(t *testing.T) {
	old := sampleCatalog()
	updated := sampleCatalog()

	// 改名、加指标、去掉一个参考范围端点
	updated.Metrics[1].MetricName = "Fasting Glucose"
	updated.Metrics[0].NormalMax = nil
	updated.Metrics = append(updated.Metrics, domain.MetricDefinition{MetricID: "ldl", MetricName: "LDL Cholesterol", CanonicalUnit: "mmol/L"})

	detailed := DiffCatalogsDetailed(old, updated)
	require.Equal(t, []string{"ldl"}, detailed.Summary.Metrics.Added)
	require.ElementsMatch(t, []string{"hdl", "glucose"}, detailed.Summary.Metrics.Changed)
	require.Empty(t, detailed.Summary.Metrics.Removed)

	// 参考范围从有到无也算字段变化
	require.Contains(t, detailed.FieldChanges["metrics:hdl"], "normal_max")
	require.Equal(t, []string{"metric_name"}, detailed.FieldChanges["metrics:glucose"])
}

// is_key_metric 按归一化布尔值比较：Y 与 TRUE 是同一个值，不算变化
func TestDiffNormalizesKeyFlag(t *testing.T) {
	asY := buildMetricsSheet(t,
		[]any{"m1", "Metric One", "1", "mmol/L", "", "", "", "Y", "", ""},
	)
	asTrue := buildMetricsSheet(t,
		[]any{"m1", "Metric One", "1", "mmol/L", "", "", "", "TRUE", "", ""},
	)

	parsedY, err := ParseCatalogWorkbook(asY)
	require.NoError(t, err)
	parsedTrue, err := ParseCatalogWorkbook(asTrue)
	require.NoError(t, err)

	require.True(t, DiffCatalogs(parsedY, parsedTrue).Empty())
}

func TestExactlyOneActiveAcrossCommitsAndRollback(t *testing.T) {
	svc, _ := newTestVersionService(t)
	ctx := context.Background()

	v1, _, err := svc.Commit(ctx, mustWorkbook(t, sampleCatalog()), "v1", "alice")
	require.NoError(t, err)

	updated := sampleCatalog()
	updated.Metrics = append(updated.Metrics, domain.MetricDefinition{MetricID: "ldl", MetricName: "LDL Cholesterol", CanonicalUnit: "mmol/L"})
	v2, _, err := svc.Commit(ctx, mustWorkbook(t, updated), "v2", "alice")
	require.NoError(t, err)
	require.NotEqual(t, v1.VersionID, v2.VersionID)

	assertOneActive := func(wantActive int64) {
		versions, err := svc.Versions(ctx)
		require.NoError(t, err)
		active := 0
		for _, v := range versions {
			if v.IsActive {
				active++
				require.Equal(t, wantActive, v.VersionID)
			}
		}
		require.Equal(t, 1, active)
	}
	assertOneActive(v2.VersionID)

	_, err = svc.Rollback(ctx, v1.VersionID, "alice")
	require.NoError(t, err)
	assertOneActive(v1.VersionID)
}

// 回滚到 v 之后，对 v 的原始表格 diff 必须为空
func TestRollbackCorrectness(t *testing.T) {
	svc, catalog := newTestVersionService(t)
	ctx := context.Background()

	v1Data := mustWorkbook(t, sampleCatalog())
	v1, _, err := svc.Commit(ctx, v1Data, "v1", "alice")
	require.NoError(t, err)

	updated := sampleCatalog()
	updated.Metrics = updated.Metrics[:1] // glucose 被移除
	_, _, err = svc.Commit(ctx, mustWorkbook(t, updated), "v2", "alice")
	require.NoError(t, err)

	// 回滚前 glucose 不在目录里
	m, err := catalog.LookupByExactName(ctx, "Glucose")
	require.NoError(t, err)
	require.Nil(t, m)

	_, err = svc.Rollback(ctx, v1.VersionID, "alice")
	require.NoError(t, err)

	parsedV1, err := ParseCatalogWorkbook(v1Data)
	require.NoError(t, err)
	diff, err := svc.Diff(ctx, parsedV1)
	require.NoError(t, err)
	require.True(t, diff.Empty())

	// 回滚后目录表同步恢复
	m, err = catalog.LookupByExactName(ctx, "Glucose")
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestRollbackUnknownVersion(t *testing.T) {
	svc, _ := newTestVersionService(t)
	_, err := svc.Rollback(context.Background(), 999, "alice")
	require.True(t, errors.Is(err, domain.ErrVersionNotFound))
}

// 导出 → 解析 → 对活动版本 diff 必须为空（往返格式）
func TestExportRoundTrip(t *testing.T) {
	svc, _ := newTestVersionService(t)
	ctx := context.Background()

	_, _, err := svc.Commit(ctx, mustWorkbook(t, sampleCatalog()), "v1", "alice")
	require.NoError(t, err)

	exported, err := svc.ExportActive(ctx)
	require.NoError(t, err)

	parsed, err := ParseCatalogWorkbook(exported)
	require.NoError(t, err)
	diff, err := svc.Diff(ctx, parsed)
	require.NoError(t, err)
	require.True(t, diff.Empty())
}

func TestDownloadVersionArtifact(t *testing.T) {
	svc, _ := newTestVersionService(t)
	ctx := context.Background()

	v1, _, err := svc.Commit(ctx, mustWorkbook(t, sampleCatalog()), "v1", "alice")
	require.NoError(t, err)

	data, filename, err := svc.DownloadVersion(ctx, v1.VersionID)
	require.NoError(t, err)
	require.NotEmpty(t, filename)

	parsed, err := ParseCatalogWorkbook(data)
	require.NoError(t, err)
	require.Len(t, parsed.Metrics, 2)
}

// 同一同义词名挂到两个指标会让解析端对该名称歧义，必须在校验层拒绝
func TestValidateRejectsCrossMetricDuplicateSynonym(t *testing.T) {
	svc, _ := newTestVersionService(t)

	parsed := sampleCatalog()
	parsed.Synonyms = append(parsed.Synonyms,
		domain.Synonym{SynonymID: "syn-2", MetricID: "hdl", SynonymName: "Chol"},
		domain.Synonym{SynonymID: "syn-3", MetricID: "glucose", SynonymName: "chol"}, // 大小写不敏感重名
	)

	result := svc.Validate(parsed)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "chol")
	require.Contains(t, result.Errors[0], "unique")

	_, _, err := svc.Commit(context.Background(), mustWorkbook(t, parsed), "dup synonyms", "alice")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

// 同指标重复同义词只是告警，提交后解析不受影响
func TestCommitAllowsSameMetricDuplicateSynonym(t *testing.T) {
	svc, catalog := newTestVersionService(t)
	ctx := context.Background()

	parsed := sampleCatalog()
	parsed.Synonyms = append(parsed.Synonyms,
		domain.Synonym{SynonymID: "syn-2", MetricID: "hdl", SynonymName: "hdl-c"},
	)

	result := svc.Validate(parsed)
	require.Empty(t, result.Errors)
	require.NotEmpty(t, result.Warnings)

	_, _, err := svc.Commit(ctx, mustWorkbook(t, parsed), "dup within metric", "alice")
	require.NoError(t, err)

	def, err := catalog.LookupBySynonym(ctx, "HDL-C")
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Equal(t, "hdl", def.MetricID)
}
