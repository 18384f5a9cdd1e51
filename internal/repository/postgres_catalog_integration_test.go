// +build integration

package repository

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"

	"metricmaster/internal/config"
	"metricmaster/internal/database"
	"metricmaster/internal/domain"

	"github.com/stretchr/testify/require"
)

// getTestDB 获取测试数据库连接（不可用时跳过）
func getTestDB(t *testing.T) *sql.DB {
	cfg := &config.DatabaseConfig{
		Host:     getEnv("TEST_DB_HOST", "localhost"),
		Port:     getEnvInt("TEST_DB_PORT", 5432),
		User:     getEnv("TEST_DB_USER", "postgres"),
		Password: getEnv("TEST_DB_PASSWORD", "postgres"),
		Database: getEnv("TEST_DB_NAME", "metricmaster"),
		SSLMode:  getEnv("TEST_DB_SSLMODE", "disable"),
	}

	db, err := database.NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
		return nil
	}
	if err := db.Ping(); err != nil {
		t.Skipf("Skipping integration test: cannot ping database: %v", err)
		return nil
	}
	return db
}

// getEnv 获取环境变量
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt 获取整数环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// cleanCatalogTables 清空目录相关表（测试间隔离）
func cleanCatalogTables(t *testing.T, db *sql.DB) {
	for _, table := range []string{
		"master_snapshots", "master_versions",
		"master_metric_synonyms", "master_conversion_groups", "master_metrics",
	} {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
}

func testParsedCatalog() *domain.ParsedCatalog {
	min, max := 1.0, 2.2
	return &domain.ParsedCatalog{
		Metrics: []domain.MetricDefinition{
			{MetricID: "hdl", MetricName: "HDL Cholesterol", CanonicalUnit: "mmol/L",
				ConversionGroupID: "grp-chol", NormalMin: &min, NormalMax: &max, IsKeyMetric: true},
		},
		Synonyms: []domain.Synonym{
			{SynonymID: "syn-1", MetricID: "hdl", SynonymName: "HDL-C"},
		},
		ConversionGroups: []domain.ConversionGroup{
			{ConversionGroupID: "grp-chol", AltUnit: "mg/dL", CanonicalUnit: "mmol/L",
				ToCanonicalFormula: "x/38.67", FromCanonicalFormula: "x*38.67"},
		},
	}
}

func TestPostgresVersionLifecycle(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()
	cleanCatalogTables(t, db)

	ctx := context.Background()
	versions := NewPostgresVersionsRepository(db)
	catalog := NewPostgresCatalogRepository(db)

	// 初始状态：无活动版本
	active, err := versions.ActiveVersion(ctx)
	require.NoError(t, err)
	require.Nil(t, active)

	// 提交第一个版本
	parsed := testParsedCatalog()
	v1ID, err := versions.CommitVersion(ctx, &domain.CatalogVersion{
		ChangeSummary: "initial import",
		CreatedBy:     "tester",
		DataHash:      "hash-v1",
		AddedCount:    1,
	}, parsed)
	require.NoError(t, err)

	// 活动版本 + hash 幂等查找
	active, err = versions.ActiveVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, v1ID, active.VersionID)

	byHash, err := versions.FindByHash(ctx, "hash-v1")
	require.NoError(t, err)
	require.NotNil(t, byHash)
	require.Equal(t, v1ID, byHash.VersionID)

	// 目录表已被替换，查询路径全部可用
	def, err := catalog.LookupByExactName(ctx, "hdl cholesterol")
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Equal(t, "hdl", def.MetricID)

	def, err = catalog.LookupBySynonym(ctx, "HDL-C")
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Equal(t, "hdl", def.MetricID)

	rows, err := catalog.ConversionGroup(ctx, "grp-chol")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "x/38.67", rows[0].ToCanonicalFormula)

	// 提交第二个版本：活动标记必须翻到新版本，且全库恰好一个活动版本
	parsed.Metrics[0].MetricName = "HDL Cholesterol (updated)"
	v2ID, err := versions.CommitVersion(ctx, &domain.CatalogVersion{
		ChangeSummary: "rename",
		CreatedBy:     "tester",
		DataHash:      "hash-v2",
		ChangedCount:  1,
	}, parsed)
	require.NoError(t, err)
	require.NotEqual(t, v1ID, v2ID)

	var activeCount int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM master_versions WHERE is_active").Scan(&activeCount))
	require.Equal(t, 1, activeCount)

	// 快照在提交事务内物化
	snap, err := versions.GetSnapshot(ctx, v1ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NotEmpty(t, snap.MetricsJSON)

	// 回滚到 v1：目录表重建、活动标记翻回，仍然恰好一个活动版本
	require.NoError(t, versions.ActivateVersion(ctx, v1ID, testParsedCatalog()))

	active, err = versions.ActiveVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, v1ID, active.VersionID)

	def, err = catalog.LookupByExactName(ctx, "HDL Cholesterol")
	require.NoError(t, err)
	require.NotNil(t, def)

	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM master_versions WHERE is_active").Scan(&activeCount))
	require.Equal(t, 1, activeCount)

	// 不存在的版本
	_, err = versions.GetVersion(ctx, 999999)
	require.ErrorIs(t, err, domain.ErrVersionNotFound)
}

func TestPostgresLearnedSynonym(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()
	cleanCatalogTables(t, db)

	ctx := context.Background()
	versions := NewPostgresVersionsRepository(db)
	catalog := NewPostgresCatalogRepository(db)

	_, err := versions.CommitVersion(ctx, &domain.CatalogVersion{
		ChangeSummary: "initial", CreatedBy: "tester", DataHash: "hash-syn",
	}, testParsedCatalog())
	require.NoError(t, err)

	// 学习同义词立即生效，不等下一次提交
	err = catalog.InsertLearnedSynonym(ctx, domain.Synonym{
		SynonymID:   "syn-learned-1",
		MetricID:    "hdl",
		SynonymName: "Good Cholesterol",
		Notes:       "learned from manual approval",
	})
	require.NoError(t, err)

	def, err := catalog.LookupBySynonym(ctx, "good cholesterol")
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Equal(t, "hdl", def.MetricID)

	def, err = catalog.GetByID(ctx, "hdl")
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Equal(t, "HDL Cholesterol", def.MetricName)
}

func TestPostgresPendingLifecycle(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()
	_, err := db.Exec("DELETE FROM pending_metric_suggestions WHERE user_id LIKE 'it-user%'")
	require.NoError(t, err)

	ctx := context.Background()
	pending := NewPostgresPendingRepository(db)

	p := &domain.PendingResolution{
		ID:       "00000000-0000-0000-0000-00000000a001",
		UserID:   "it-user-1",
		UploadID: "it-upload-1",
		Unmatched: []domain.RawMetric{
			{Name: "Mystery Metric", Value: 9.9},
		},
		Suggestions: []domain.MetricSuggestion{
			{Metric: domain.RawMetric{Name: "Mystery Metric", Value: 9.9},
				ReviewReason: domain.ReviewReasonNoCandidates},
		},
		Status: domain.PendingStatusPending,
	}
	merged, err := pending.Merge(ctx, p)
	require.NoError(t, err)

	// 同一 (user_id, upload_id) 再次 merge：同一行，载荷被替换
	p2 := *p
	p2.ID = "00000000-0000-0000-0000-00000000a002"
	p2.Unmatched = append(p2.Unmatched, domain.RawMetric{Name: "Second Metric", Value: 1})
	merged2, err := pending.Merge(ctx, &p2)
	require.NoError(t, err)
	require.Equal(t, merged.ID, merged2.ID)
	require.Len(t, merged2.Unmatched, 2)

	// 过滤语义：按用户、全量扫描都能看到这一行
	rows, err := pending.ListPending(ctx, "it-user-1", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = pending.ListPending(ctx, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	// 终态转移幂等
	ok, err := pending.MarkTerminal(ctx, merged.ID, domain.PendingStatusRejected)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pending.MarkTerminal(ctx, merged.ID, domain.PendingStatusApproved)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := pending.GetByID(ctx, merged.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PendingStatusRejected, got.Status)

	_, err = pending.GetByID(ctx, "00000000-0000-0000-0000-00000000ffff")
	require.ErrorIs(t, err, domain.ErrPendingNotFound)
}

func TestPostgresMetricsInsertIdempotent(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()
	_, err := db.Exec("DELETE FROM metrics WHERE user_id = 'it-user-m'")
	require.NoError(t, err)

	ctx := context.Background()
	metrics := NewPostgresMetricsRepository(db)

	m := &domain.RecordedMetric{
		UserID:      "it-user-m",
		UploadID:    "it-upload-m",
		MetricID:    "hdl",
		MetricName:  "HDL Cholesterol",
		MetricValue: 1.5,
		MetricUnit:  "mmol/L",
		TestDate:    "2026-08-01",
		Source:      domain.MetricSourceExactMatch,
	}
	require.NoError(t, metrics.Insert(ctx, m))

	// 幂等键冲突走覆盖而非报错
	m.MetricValue = 1.6
	require.NoError(t, metrics.Insert(ctx, m))

	rows, err := metrics.ListForUpload(ctx, "it-user-m", "it-upload-m")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.InDelta(t, 1.6, rows[0].MetricValue, 1e-9)
}
