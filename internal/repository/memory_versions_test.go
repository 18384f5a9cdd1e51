package repository

import (
	"context"
	"testing"

	"metricmaster/internal/domain"

	"github.com/stretchr/testify/require"
)

// 提交/回滚互斥：持锁期间（等价于另一事务在途）的调用拿到并发冲突错误
func TestCommitVersionConcurrentConflict(t *testing.T) {
	repo := NewMemoryVersionsRepository(NewMemoryCatalogRepository())
	ctx := context.Background()

	version := &domain.CatalogVersion{ChangeSummary: "first", CreatedBy: "alice", DataHash: "h1"}
	parsed := &domain.ParsedCatalog{Metrics: []domain.MetricDefinition{
		{MetricID: "hdl", MetricName: "HDL Cholesterol"},
	}}

	repo.mu.Lock()
	_, err := repo.CommitVersion(ctx, version, parsed)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	err = repo.ActivateVersion(ctx, 1, parsed)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	repo.mu.Unlock()

	// 锁释放后正常提交
	id, err := repo.CommitVersion(ctx, version, parsed)
	require.NoError(t, err)

	active, err := repo.ActiveVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, id, active.VersionID)
}
