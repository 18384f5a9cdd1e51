package repository

import (
	"context"
	"database/sql"
	"fmt"

	"metricmaster/internal/domain"
)

// PostgresCatalogRepository 目录存储Repository实现
type PostgresCatalogRepository struct {
	db *sql.DB
}

// NewPostgresCatalogRepository 创建目录存储Repository
func NewPostgresCatalogRepository(db *sql.DB) *PostgresCatalogRepository {
	return &PostgresCatalogRepository{db: db}
}

// 确保实现了接口
var _ CatalogRepository = (*PostgresCatalogRepository)(nil)

const metricColumns = `
	metric_id,
	metric_name,
	system_id,
	canonical_unit,
	conversion_group_id,
	normal_min,
	normal_max,
	is_key_metric,
	source,
	explanation
`

func scanMetric(row interface{ Scan(...any) error }) (*domain.MetricDefinition, error) {
	var m domain.MetricDefinition
	var systemID sql.NullInt64
	var canonicalUnit, conversionGroupID, source, explanation sql.NullString
	var normalMin, normalMax sql.NullFloat64

	err := row.Scan(
		&m.MetricID,
		&m.MetricName,
		&systemID,
		&canonicalUnit,
		&conversionGroupID,
		&normalMin,
		&normalMax,
		&m.IsKeyMetric,
		&source,
		&explanation,
	)
	if err != nil {
		return nil, err
	}

	if systemID.Valid {
		v := int(systemID.Int64)
		m.SystemID = &v
	}
	if canonicalUnit.Valid {
		m.CanonicalUnit = canonicalUnit.String
	}
	if conversionGroupID.Valid {
		m.ConversionGroupID = conversionGroupID.String
	}
	if normalMin.Valid {
		v := normalMin.Float64
		m.NormalMin = &v
	}
	if normalMax.Valid {
		v := normalMax.Float64
		m.NormalMax = &v
	}
	if source.Valid {
		m.Source = source.String
	}
	if explanation.Valid {
		m.Explanation = explanation.String
	}

	return &m, nil
}

// GetByID 按 metric_id 获取定义
func (r *PostgresCatalogRepository) GetByID(ctx context.Context, metricID string) (*domain.MetricDefinition, error) {
	query := `
		SELECT ` + metricColumns + `
		FROM master_metrics
		WHERE metric_id = $1
	`

	m, err := scanMetric(r.db.QueryRowContext(ctx, query, metricID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get metric %s: %w", metricID, err)
	}
	return m, nil
}

// LookupByExactName 按规范名称精确匹配（大小写不敏感）
func (r *PostgresCatalogRepository) LookupByExactName(ctx context.Context, name string) (*domain.MetricDefinition, error) {
	query := `
		SELECT ` + metricColumns + `
		FROM master_metrics
		WHERE LOWER(metric_name) = LOWER($1)
		LIMIT 1
	`

	m, err := scanMetric(r.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lookup metric by name: %w", err)
	}
	return m, nil
}

// LookupBySynonym 按同义词匹配（大小写不敏感）。
// 多于一个 metric_id 命中时返回 ErrAmbiguousSynonym —— 目录唯一性不变式被破坏
func (r *PostgresCatalogRepository) LookupBySynonym(ctx context.Context, name string) (*domain.MetricDefinition, error) {
	query := `
		SELECT ` + metricColumns + `
		FROM master_metrics
		WHERE metric_id IN (
			SELECT DISTINCT metric_id
			FROM master_metric_synonyms
			WHERE LOWER(synonym_name) = LOWER($1)
		)
		LIMIT 2
	`

	rows, err := r.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup metric by synonym: %w", err)
	}
	defer rows.Close()

	var matches []*domain.MetricDefinition
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate synonym matches: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("synonym %q: %w", name, domain.ErrAmbiguousSynonym)
	}
}

// GetRangeForID 获取参考范围
func (r *PostgresCatalogRepository) GetRangeForID(ctx context.Context, metricID string) (*domain.ReferenceRange, error) {
	query := `
		SELECT normal_min, normal_max
		FROM master_metrics
		WHERE metric_id = $1
	`

	var min, max sql.NullFloat64
	err := r.db.QueryRowContext(ctx, query, metricID).Scan(&min, &max)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get range: %w", err)
	}

	if !min.Valid || !max.Valid {
		return nil, nil
	}
	return &domain.ReferenceRange{Min: min.Float64, Max: max.Float64}, nil
}

// AllMetrics 返回活动目录的指标列表（有界）
func (r *PostgresCatalogRepository) AllMetrics(ctx context.Context, limit int) ([]domain.MetricDefinition, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT ` + metricColumns + `
		FROM master_metrics
		ORDER BY metric_id
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var metrics []domain.MetricDefinition
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics = append(metrics, *m)
	}
	return metrics, rows.Err()
}

// ConversionGroup 返回一个换算组的全部行
func (r *PostgresCatalogRepository) ConversionGroup(ctx context.Context, groupID string) ([]domain.ConversionGroup, error) {
	query := `
		SELECT
			conversion_group_id,
			canonical_unit,
			alt_unit,
			to_canonical_formula,
			from_canonical_formula,
			notes
		FROM master_conversion_groups
		WHERE conversion_group_id = $1
		ORDER BY alt_unit
	`

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversion group: %w", err)
	}
	defer rows.Close()

	var groups []domain.ConversionGroup
	for rows.Next() {
		var g domain.ConversionGroup
		var toFormula, fromFormula, notes sql.NullString
		if err := rows.Scan(&g.ConversionGroupID, &g.CanonicalUnit, &g.AltUnit, &toFormula, &fromFormula, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan conversion group: %w", err)
		}
		if toFormula.Valid {
			g.ToCanonicalFormula = toFormula.String
		}
		if fromFormula.Valid {
			g.FromCanonicalFormula = fromFormula.String
		}
		if notes.Valid {
			g.Notes = notes.String
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// InsertLearnedSynonym 写入学习同义词（审批通过路径）
func (r *PostgresCatalogRepository) InsertLearnedSynonym(ctx context.Context, syn domain.Synonym) error {
	query := `
		INSERT INTO master_metric_synonyms (synonym_id, metric_id, synonym_name, notes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (synonym_id) DO NOTHING
	`

	var notes any
	if syn.Notes != "" {
		notes = syn.Notes
	}
	_, err := r.db.ExecContext(ctx, query, syn.SynonymID, syn.MetricID, syn.SynonymName, notes)
	if err != nil {
		return fmt.Errorf("failed to insert learned synonym: %w", err)
	}
	return nil
}
