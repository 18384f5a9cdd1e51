package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"metricmaster/internal/domain"
)

// catalogLockKey 提交/回滚互斥的 advisory lock 键。
// 锁随事务结束自动释放（pg_try_advisory_xact_lock）
const catalogLockKey = 7240311

// PostgresVersionsRepository 目录版本Repository实现
type PostgresVersionsRepository struct {
	db *sql.DB
}

// NewPostgresVersionsRepository 创建目录版本Repository
func NewPostgresVersionsRepository(db *sql.DB) *PostgresVersionsRepository {
	return &PostgresVersionsRepository{db: db}
}

// 确保实现了接口
var _ VersionsRepository = (*PostgresVersionsRepository)(nil)

const versionColumns = `
	version_id,
	change_summary,
	created_by,
	created_at,
	xlsx_path,
	data_hash,
	is_active,
	added_count,
	changed_count,
	removed_count
`

func scanVersion(row interface{ Scan(...any) error }) (*domain.CatalogVersion, error) {
	var v domain.CatalogVersion
	var xlsxPath sql.NullString

	err := row.Scan(
		&v.VersionID,
		&v.ChangeSummary,
		&v.CreatedBy,
		&v.CreatedAt,
		&xlsxPath,
		&v.DataHash,
		&v.IsActive,
		&v.AddedCount,
		&v.ChangedCount,
		&v.RemovedCount,
	)
	if err != nil {
		return nil, err
	}
	if xlsxPath.Valid {
		v.XlsxPath = xlsxPath.String
	}
	return &v, nil
}

// ActiveVersion 获取当前活动版本
func (r *PostgresVersionsRepository) ActiveVersion(ctx context.Context) (*domain.CatalogVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM master_versions WHERE is_active = true LIMIT 1`

	v, err := scanVersion(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active version: %w", err)
	}
	return v, nil
}

// GetVersion 按 version_id 获取版本
func (r *PostgresVersionsRepository) GetVersion(ctx context.Context, versionID int64) (*domain.CatalogVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM master_versions WHERE version_id = $1`

	v, err := scanVersion(r.db.QueryRowContext(ctx, query, versionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("version %d: %w", versionID, domain.ErrVersionNotFound)
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// ListVersions 版本列表（新的在前）
func (r *PostgresVersionsRepository) ListVersions(ctx context.Context) ([]domain.CatalogVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM master_versions ORDER BY version_id DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.CatalogVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// FindByHash 按 data_hash 查找版本（提交幂等判定）
func (r *PostgresVersionsRepository) FindByHash(ctx context.Context, dataHash string) (*domain.CatalogVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM master_versions WHERE data_hash = $1 ORDER BY version_id DESC LIMIT 1`

	v, err := scanVersion(r.db.QueryRowContext(ctx, query, dataHash))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find version by hash: %w", err)
	}
	return v, nil
}

// GetSnapshot 获取版本快照
func (r *PostgresVersionsRepository) GetSnapshot(ctx context.Context, versionID int64) (*domain.CatalogSnapshot, error) {
	query := `
		SELECT version_id, metrics_json, synonyms_json, conversion_groups_json
		FROM master_snapshots
		WHERE version_id = $1
	`

	var s domain.CatalogSnapshot
	err := r.db.QueryRowContext(ctx, query, versionID).Scan(
		&s.VersionID,
		&s.MetricsJSON,
		&s.SynonymsJSON,
		&s.ConversionGroupsJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &s, nil
}

// CommitVersion 原子提交新版本
func (r *PostgresVersionsRepository) CommitVersion(ctx context.Context, version *domain.CatalogVersion, parsed *domain.ParsedCatalog) (int64, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := acquireCatalogLock(ctx, tx); err != nil {
		return 0, err
	}

	// 版本行（活动标记稍后统一翻转）
	var versionID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO master_versions (change_summary, created_by, xlsx_path, data_hash, is_active, added_count, changed_count, removed_count)
		VALUES ($1, $2, $3, $4, false, $5, $6, $7)
		RETURNING version_id
	`, version.ChangeSummary, version.CreatedBy, nullString(version.XlsxPath), version.DataHash,
		version.AddedCount, version.ChangedCount, version.RemovedCount).Scan(&versionID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert version: %w", err)
	}

	// 物化快照（与版本行同事务，保证每个已提交版本都可回滚）
	metricsJSON, err := json.Marshal(parsed.Metrics)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metrics snapshot: %w", err)
	}
	synonymsJSON, err := json.Marshal(parsed.Synonyms)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal synonyms snapshot: %w", err)
	}
	groupsJSON, err := json.Marshal(parsed.ConversionGroups)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal conversion groups snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO master_snapshots (version_id, metrics_json, synonyms_json, conversion_groups_json)
		VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb)
	`, versionID, string(metricsJSON), string(synonymsJSON), string(groupsJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	// 替换目录表并翻转活动标记
	if err := replaceCatalogTables(ctx, tx, parsed); err != nil {
		return 0, err
	}
	if err := flipActiveVersion(ctx, tx, versionID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return versionID, nil
}

// ActivateVersion 回滚路径：重建目录表并把活动标记翻到 versionID
func (r *PostgresVersionsRepository) ActivateVersion(ctx context.Context, versionID int64, parsed *domain.ParsedCatalog) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := acquireCatalogLock(ctx, tx); err != nil {
		return err
	}

	// 目标版本必须存在
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM master_versions WHERE version_id = $1)`, versionID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check version: %w", err)
	}
	if !exists {
		return fmt.Errorf("version %d: %w", versionID, domain.ErrVersionNotFound)
	}

	if err := replaceCatalogTables(ctx, tx, parsed); err != nil {
		return err
	}
	if err := flipActiveVersion(ctx, tx, versionID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// acquireCatalogLock 事务级 advisory lock；拿不到说明有并发的提交/回滚
func acquireCatalogLock(ctx context.Context, tx *sql.Tx) error {
	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, catalogLockKey).Scan(&locked); err != nil {
		return fmt.Errorf("failed to acquire catalog lock: %w", err)
	}
	if !locked {
		return domain.ErrConcurrentModification
	}
	return nil
}

// replaceCatalogTables 删除并重建三张目录表（同义词/换算组先删，满足外键顺序）
func replaceCatalogTables(ctx context.Context, tx *sql.Tx, parsed *domain.ParsedCatalog) error {
	for _, stmt := range []string{
		`DELETE FROM master_metric_synonyms`,
		`DELETE FROM master_conversion_groups`,
		`DELETE FROM master_metrics`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear catalog tables: %w", err)
		}
	}

	seen := make(map[string]bool, len(parsed.Metrics))
	for _, m := range parsed.Metrics {
		if m.MetricID == "" || seen[m.MetricID] {
			continue // 同一上传内的重复键只保留第一行
		}
		seen[m.MetricID] = true

		var systemID any
		if m.SystemID != nil {
			systemID = *m.SystemID
		}
		var normalMin, normalMax any
		if m.NormalMin != nil {
			normalMin = *m.NormalMin
		}
		if m.NormalMax != nil {
			normalMax = *m.NormalMax
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO master_metrics (
				metric_id, metric_name, system_id, canonical_unit, conversion_group_id,
				normal_min, normal_max, is_key_metric, source, explanation
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, m.MetricID, m.MetricName, systemID, nullString(m.CanonicalUnit), nullString(m.ConversionGroupID),
			normalMin, normalMax, m.IsKeyMetric, nullString(m.Source), nullString(m.Explanation))
		if err != nil {
			return fmt.Errorf("failed to insert metric %s: %w", m.MetricID, err)
		}
	}

	for _, g := range parsed.ConversionGroups {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO master_conversion_groups (
				conversion_group_id, canonical_unit, alt_unit, to_canonical_formula, from_canonical_formula, notes
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (conversion_group_id, alt_unit) DO UPDATE SET
				canonical_unit = EXCLUDED.canonical_unit,
				to_canonical_formula = EXCLUDED.to_canonical_formula,
				from_canonical_formula = EXCLUDED.from_canonical_formula,
				notes = EXCLUDED.notes
		`, g.ConversionGroupID, g.CanonicalUnit, g.AltUnit,
			nullString(g.ToCanonicalFormula), nullString(g.FromCanonicalFormula), nullString(g.Notes))
		if err != nil {
			return fmt.Errorf("failed to insert conversion group %s/%s: %w", g.ConversionGroupID, g.AltUnit, err)
		}
	}

	seenSynNames := make(map[string]bool, len(parsed.Synonyms))
	for _, s := range parsed.Synonyms {
		if !seen[s.MetricID] {
			continue // 指向被跳过指标的同义词一并跳过
		}
		// 同名重复行折叠成一行（跨指标的重名在校验层已拒绝）
		lowered := strings.ToLower(s.SynonymName)
		if seenSynNames[lowered] {
			continue
		}
		seenSynNames[lowered] = true
		_, err := tx.ExecContext(ctx, `
			INSERT INTO master_metric_synonyms (synonym_id, metric_id, synonym_name, notes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (synonym_id) DO UPDATE SET
				metric_id = EXCLUDED.metric_id,
				synonym_name = EXCLUDED.synonym_name,
				notes = EXCLUDED.notes
		`, s.SynonymID, s.MetricID, s.SynonymName, nullString(s.Notes))
		if err != nil {
			return fmt.Errorf("failed to insert synonym %s: %w", s.SynonymID, err)
		}
	}

	return nil
}

// flipActiveVersion 活动标记翻转：恰好一个版本 is_active = true
func flipActiveVersion(ctx context.Context, tx *sql.Tx, versionID int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE master_versions SET is_active = false WHERE is_active = true`); err != nil {
		return fmt.Errorf("failed to deactivate versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE master_versions SET is_active = true WHERE version_id = $1`, versionID); err != nil {
		return fmt.Errorf("failed to activate version %d: %w", versionID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
