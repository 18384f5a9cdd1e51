package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"metricmaster/internal/domain"
	"metricmaster/internal/repository"

	"go.uber.org/zap"
)

// 人体系统枚举范围（system_id ∈ 1..13）
const (
	systemIDMin = 1
	systemIDMax = 13
)

// SectionDiff 单张目录表的 diff 结果，元素是各表的业务键
type SectionDiff struct {
	Added   []string `json:"added"`
	Changed []string `json:"changed"`
	Removed []string `json:"removed"`
}

// DiffSummary 三表 diff 汇总。
// metrics 以 metric_id 为键；synonyms 以 (metric_id, synonym_name)；
// conversion_groups 以 (conversion_group_id, alt_unit)
type DiffSummary struct {
	Metrics          SectionDiff `json:"metrics"`
	Synonyms         SectionDiff `json:"synonyms"`
	ConversionGroups SectionDiff `json:"conversion_groups"`
}

// Empty diff 是否为空（幂等提交与回滚正确性判定用）
func (d DiffSummary) Empty() bool {
	empty := func(s SectionDiff) bool {
		return len(s.Added) == 0 && len(s.Changed) == 0 && len(s.Removed) == 0
	}
	return empty(d.Metrics) && empty(d.Synonyms) && empty(d.ConversionGroups)
}

// AddedCount / ChangedCount / RemovedCount 三表合计（写入版本行）
func (d DiffSummary) AddedCount() int {
	return len(d.Metrics.Added) + len(d.Synonyms.Added) + len(d.ConversionGroups.Added)
}

func (d DiffSummary) ChangedCount() int {
	return len(d.Metrics.Changed) + len(d.Synonyms.Changed) + len(d.ConversionGroups.Changed)
}

func (d DiffSummary) RemovedCount() int {
	return len(d.Metrics.Removed) + len(d.Synonyms.Removed) + len(d.ConversionGroups.Removed)
}

// DetailedDiff 在汇总之上补充每个 changed 行具体变了哪些字段
type DetailedDiff struct {
	Summary      DiffSummary         `json:"summary"`
	FieldChanges map[string][]string `json:"field_changes"`
}

// CatalogVersionService 目录版本控制：解析、校验、diff、提交、回滚、导出
type CatalogVersionService struct {
	versions    repository.VersionsRepository
	versionsDir string
	logger      *zap.Logger
}

// NewCatalogVersionService 创建版本控制服务。versionsDir 存放每个版本的 xlsx 工件
func NewCatalogVersionService(versions repository.VersionsRepository, versionsDir string, logger *zap.Logger) *CatalogVersionService {
	return &CatalogVersionService{
		versions:    versions,
		versionsDir: versionsDir,
		logger:      logger,
	}
}

// Parse 解析上传的 xlsx
func (s *CatalogVersionService) Parse(data []byte) (*domain.ParsedCatalog, error) {
	return ParseCatalogWorkbook(data)
}

// Validate 引用/数值完整性校验。
// Errors 非空则提交会被拒绝；Warnings 不阻塞提交
func (s *CatalogVersionService) Validate(parsed *domain.ParsedCatalog) *domain.ValidationError {
	result := &domain.ValidationError{}

	metricIDs := make(map[string]bool, len(parsed.Metrics))
	metricNames := make(map[string]string, len(parsed.Metrics))
	for _, m := range parsed.Metrics {
		if metricIDs[m.MetricID] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate metric_id: %s", m.MetricID))
		}
		metricIDs[m.MetricID] = true

		if m.MetricName == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("metrics[%s]: metric_name is required", m.MetricID))
		} else {
			metricNames[strings.ToLower(m.MetricName)] = m.MetricID
		}
		if m.SystemID != nil && (*m.SystemID < systemIDMin || *m.SystemID > systemIDMax) {
			result.Errors = append(result.Errors, fmt.Sprintf("metrics[%s]: system_id %d out of range [%d,%d]", m.MetricID, *m.SystemID, systemIDMin, systemIDMax))
		}
		if m.NormalMin != nil && m.NormalMax != nil && *m.NormalMin > *m.NormalMax {
			result.Errors = append(result.Errors, fmt.Sprintf("metrics[%s]: normal_min %v greater than normal_max %v", m.MetricID, *m.NormalMin, *m.NormalMax))
		}
		if m.CanonicalUnit == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("metrics[%s]: canonical_unit is empty", m.MetricID))
		}
	}

	groupIDs := make(map[string]bool)
	groupKeys := make(map[string]bool, len(parsed.ConversionGroups))
	for _, g := range parsed.ConversionGroups {
		groupIDs[g.ConversionGroupID] = true
		key := g.ConversionGroupID + "\x00" + strings.ToLower(g.AltUnit)
		if groupKeys[key] {
			result.Errors = append(result.Errors, fmt.Sprintf("conversion_groups[%s]: duplicate alt_unit %q", g.ConversionGroupID, g.AltUnit))
		}
		groupKeys[key] = true

		if g.ToCanonicalFormula != "" {
			if _, err := EvalConversionFormula(g.ToCanonicalFormula, 1); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("conversion_groups[%s]: bad to_canonical_formula: %v", g.ConversionGroupID, err))
			}
		}
		if g.FromCanonicalFormula != "" {
			if _, err := EvalConversionFormula(g.FromCanonicalFormula, 1); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("conversion_groups[%s]: bad from_canonical_formula: %v", g.ConversionGroupID, err))
			}
		}
	}

	for _, m := range parsed.Metrics {
		if m.ConversionGroupID != "" && !groupIDs[m.ConversionGroupID] {
			result.Errors = append(result.Errors, fmt.Sprintf("metrics[%s]: conversion_group_id %s not found in conversion_groups sheet", m.MetricID, m.ConversionGroupID))
		}
	}

	synonymIDs := make(map[string]bool, len(parsed.Synonyms))
	synonymKeys := make(map[string]bool, len(parsed.Synonyms))
	synonymOwners := make(map[string]string, len(parsed.Synonyms))
	for _, syn := range parsed.Synonyms {
		if syn.SynonymID != "" {
			if synonymIDs[syn.SynonymID] {
				result.Errors = append(result.Errors, fmt.Sprintf("duplicate synonym_id: %s", syn.SynonymID))
			}
			synonymIDs[syn.SynonymID] = true
		}
		if !metricIDs[syn.MetricID] {
			result.Errors = append(result.Errors, fmt.Sprintf("synonyms[%s]: metric_id %s not found in metrics sheet", syn.SynonymID, syn.MetricID))
		}

		key := syn.MetricID + "\x00" + strings.ToLower(syn.SynonymName)
		if synonymKeys[key] {
			result.Warnings = append(result.Warnings, fmt.Sprintf("synonyms[%s]: duplicate synonym %q for metric %s", syn.SynonymID, syn.SynonymName, syn.MetricID))
		}
		synonymKeys[key] = true

		// 同义词全目录大小写不敏感唯一：同名挂到两个指标会让解析歧义，拒绝提交
		lowered := strings.ToLower(syn.SynonymName)
		if owner, ok := synonymOwners[lowered]; ok && owner != syn.MetricID {
			result.Errors = append(result.Errors, fmt.Sprintf("synonyms[%s]: %q already used for metric %s, synonym names must be unique across the catalog", syn.SynonymID, syn.SynonymName, owner))
		} else if !ok {
			synonymOwners[lowered] = syn.MetricID
		}

		if owner, ok := metricNames[strings.ToLower(syn.SynonymName)]; ok && owner != syn.MetricID {
			result.Warnings = append(result.Warnings, fmt.Sprintf("synonyms[%s]: %q shadows canonical name of metric %s", syn.SynonymID, syn.SynonymName, owner))
		}
	}

	return result
}

// Diff 对比 parsed 与当前活动快照
func (s *CatalogVersionService) Diff(ctx context.Context, parsed *domain.ParsedCatalog) (DiffSummary, error) {
	active, err := s.activeParsed(ctx)
	if err != nil {
		return DiffSummary{}, err
	}
	return DiffCatalogs(active, parsed), nil
}

// DiffDetailed 同 Diff，另附每个 changed 行的字段级变化
func (s *CatalogVersionService) DiffDetailed(ctx context.Context, parsed *domain.ParsedCatalog) (DetailedDiff, error) {
	active, err := s.activeParsed(ctx)
	if err != nil {
		return DetailedDiff{}, err
	}
	return DiffCatalogsDetailed(active, parsed), nil
}

// Commit 提交新版本：重新校验后原子地写版本行、物化快照、替换目录表、翻转活动标记。
// data_hash 相同的重复提交直接返回既有版本（reused=true），不产生新版本
func (s *CatalogVersionService) Commit(ctx context.Context, raw []byte, changeSummary, createdBy string) (*domain.CatalogVersion, bool, error) {
	parsed, err := ParseCatalogWorkbook(raw)
	if err != nil {
		return nil, false, err
	}
	if v := s.Validate(parsed); len(v.Errors) > 0 {
		return nil, false, v
	}

	hash, err := catalogDataHash(parsed)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.versions.FindByHash(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check for duplicate commit: %w", err)
	}
	if existing != nil {
		s.logger.Info("Commit is identical to an existing version, skipping",
			zap.Int64("version_id", existing.VersionID),
			zap.String("data_hash", hash),
		)
		return existing, true, nil
	}

	active, err := s.activeParsed(ctx)
	if err != nil {
		return nil, false, err
	}
	diff := DiffCatalogs(active, parsed)

	xlsxPath := s.writeArtifact(hash, raw)

	version := &domain.CatalogVersion{
		ChangeSummary: changeSummary,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now().UTC(),
		XlsxPath:      xlsxPath,
		DataHash:      hash,
		AddedCount:    diff.AddedCount(),
		ChangedCount:  diff.ChangedCount(),
		RemovedCount:  diff.RemovedCount(),
	}

	versionID, err := s.versions.CommitVersion(ctx, version, parsed)
	if err != nil {
		return nil, false, err
	}
	version.VersionID = versionID
	version.IsActive = true

	s.logger.Info("Committed new catalog version",
		zap.Int64("version_id", versionID),
		zap.String("created_by", createdBy),
		zap.Int("added", version.AddedCount),
		zap.Int("changed", version.ChangedCount),
		zap.Int("removed", version.RemovedCount),
	)
	return version, false, nil
}

// Rollback 把目录恢复到指定版本。优先走快照，快照缺失时从 xlsx 工件重建；
// 两者都没有返回 domain.ErrVersionNotFound。不重新校验（已提交过的版本当时即有效）
func (s *CatalogVersionService) Rollback(ctx context.Context, versionID int64, performedBy string) (*domain.CatalogVersion, error) {
	version, err := s.versions.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	parsed, err := s.parsedForVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	if err := s.versions.ActivateVersion(ctx, versionID, parsed); err != nil {
		return nil, err
	}
	version.IsActive = true

	s.logger.Info("Rolled back catalog",
		zap.Int64("version_id", versionID),
		zap.String("performed_by", performedBy),
	)
	return version, nil
}

// Versions 版本列表（新的在前）
func (s *CatalogVersionService) Versions(ctx context.Context) ([]domain.CatalogVersion, error) {
	return s.versions.ListVersions(ctx)
}

// ActiveVersion 当前活动版本；目录未初始化时返回 (nil, nil)
func (s *CatalogVersionService) ActiveVersion(ctx context.Context) (*domain.CatalogVersion, error) {
	return s.versions.ActiveVersion(ctx)
}

// DownloadVersion 取版本的原始 xlsx。工件文件缺失时退化为从快照重建同格式工作簿
func (s *CatalogVersionService) DownloadVersion(ctx context.Context, versionID int64) ([]byte, string, error) {
	version, err := s.versions.GetVersion(ctx, versionID)
	if err != nil {
		return nil, "", err
	}

	if version.XlsxPath != "" {
		data, err := os.ReadFile(version.XlsxPath)
		if err == nil {
			return data, filepath.Base(version.XlsxPath), nil
		}
		s.logger.Warn("Version artifact unreadable, rebuilding from snapshot",
			zap.Int64("version_id", versionID),
			zap.Error(err),
		)
	}

	parsed, err := s.parsedForVersion(ctx, version)
	if err != nil {
		return nil, "", err
	}
	data, err := BuildCatalogWorkbook(parsed)
	if err != nil {
		return nil, "", err
	}
	return data, fmt.Sprintf("master_v%d.xlsx", versionID), nil
}

// ExportActive 把当前活动目录导出为导入格式相同的 xlsx（往返格式）
func (s *CatalogVersionService) ExportActive(ctx context.Context) ([]byte, error) {
	parsed, err := s.activeParsed(ctx)
	if err != nil {
		return nil, err
	}
	return BuildCatalogWorkbook(parsed)
}

// activeParsed 加载活动快照为结构化目录；目录未初始化时返回空目录
func (s *CatalogVersionService) activeParsed(ctx context.Context) (*domain.ParsedCatalog, error) {
	active, err := s.versions.ActiveVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active version: %w", err)
	}
	if active == nil {
		return &domain.ParsedCatalog{}, nil
	}
	return s.parsedForVersion(ctx, active)
}

// parsedForVersion 快照优先，工件兜底
func (s *CatalogVersionService) parsedForVersion(ctx context.Context, version *domain.CatalogVersion) (*domain.ParsedCatalog, error) {
	snap, err := s.versions.GetSnapshot(ctx, version.VersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for version %d: %w", version.VersionID, err)
	}
	if snap != nil {
		return parsedFromSnapshot(snap)
	}

	if version.XlsxPath != "" {
		data, err := os.ReadFile(version.XlsxPath)
		if err == nil {
			parsed, perr := ParseCatalogWorkbook(data)
			if perr == nil {
				return parsed, nil
			}
			s.logger.Error("Stored artifact for version no longer parses",
				zap.Int64("version_id", version.VersionID),
				zap.Error(perr),
			)
		}
	}
	return nil, domain.ErrVersionNotFound
}

// writeArtifact 落盘 xlsx 工件，失败只告警不阻塞提交（xlsx_path 可空）
func (s *CatalogVersionService) writeArtifact(hash string, raw []byte) string {
	if err := os.MkdirAll(s.versionsDir, 0o755); err != nil {
		s.logger.Warn("Failed to create versions dir, committing without artifact", zap.Error(err))
		return ""
	}
	path := filepath.Join(s.versionsDir, fmt.Sprintf("master_%s.xlsx", hash[:12]))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		s.logger.Warn("Failed to store version artifact", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}

func parsedFromSnapshot(snap *domain.CatalogSnapshot) (*domain.ParsedCatalog, error) {
	parsed := &domain.ParsedCatalog{}
	if err := json.Unmarshal(snap.MetricsJSON, &parsed.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics snapshot: %w", err)
	}
	if err := json.Unmarshal(snap.SynonymsJSON, &parsed.Synonyms); err != nil {
		return nil, fmt.Errorf("failed to decode synonyms snapshot: %w", err)
	}
	if err := json.Unmarshal(snap.ConversionGroupsJSON, &parsed.ConversionGroups); err != nil {
		return nil, fmt.Errorf("failed to decode conversion groups snapshot: %w", err)
	}
	return parsed, nil
}

// catalogDataHash 解析后数据的 SHA256（提交幂等判定的键）
func catalogDataHash(parsed *domain.ParsedCatalog) (string, error) {
	data, err := json.Marshal(parsed)
	if err != nil {
		return "", fmt.Errorf("failed to hash catalog: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DiffCatalogs 三表 diff（只看键集合与归一化后的字段值）
func DiffCatalogs(old, new *domain.ParsedCatalog) DiffSummary {
	return DiffCatalogsDetailed(old, new).Summary
}

// DiffCatalogsDetailed 三表 diff，附 changed 行的字段级变化。
// is_key_metric 按归一化布尔值比较；参考范围的有无本身算变化
func DiffCatalogsDetailed(old, new *domain.ParsedCatalog) DetailedDiff {
	result := DetailedDiff{FieldChanges: map[string][]string{}}

	oldMetrics := make(map[string]domain.MetricDefinition, len(old.Metrics))
	for _, m := range old.Metrics {
		oldMetrics[m.MetricID] = m
	}
	newMetrics := make(map[string]domain.MetricDefinition, len(new.Metrics))
	for _, m := range new.Metrics {
		newMetrics[m.MetricID] = m
	}
	for id, nm := range newMetrics {
		om, ok := oldMetrics[id]
		if !ok {
			result.Summary.Metrics.Added = append(result.Summary.Metrics.Added, id)
			continue
		}
		if fields := diffMetricFields(om, nm); len(fields) > 0 {
			result.Summary.Metrics.Changed = append(result.Summary.Metrics.Changed, id)
			result.FieldChanges["metrics:"+id] = fields
		}
	}
	for id := range oldMetrics {
		if _, ok := newMetrics[id]; !ok {
			result.Summary.Metrics.Removed = append(result.Summary.Metrics.Removed, id)
		}
	}

	synKey := func(s domain.Synonym) string {
		return s.MetricID + "/" + strings.ToLower(strings.TrimSpace(s.SynonymName))
	}
	oldSyns := make(map[string]domain.Synonym, len(old.Synonyms))
	for _, s := range old.Synonyms {
		oldSyns[synKey(s)] = s
	}
	newSyns := make(map[string]domain.Synonym, len(new.Synonyms))
	for _, s := range new.Synonyms {
		newSyns[synKey(s)] = s
	}
	for key, ns := range newSyns {
		prev, ok := oldSyns[key]
		if !ok {
			result.Summary.Synonyms.Added = append(result.Summary.Synonyms.Added, key)
			continue
		}
		if strings.TrimSpace(prev.Notes) != strings.TrimSpace(ns.Notes) {
			result.Summary.Synonyms.Changed = append(result.Summary.Synonyms.Changed, key)
			result.FieldChanges["synonyms:"+key] = []string{"notes"}
		}
	}
	for key := range oldSyns {
		if _, ok := newSyns[key]; !ok {
			result.Summary.Synonyms.Removed = append(result.Summary.Synonyms.Removed, key)
		}
	}

	grpKey := func(g domain.ConversionGroup) string {
		return g.ConversionGroupID + "/" + strings.ToLower(strings.TrimSpace(g.AltUnit))
	}
	oldGroups := make(map[string]domain.ConversionGroup, len(old.ConversionGroups))
	for _, g := range old.ConversionGroups {
		oldGroups[grpKey(g)] = g
	}
	newGroups := make(map[string]domain.ConversionGroup, len(new.ConversionGroups))
	for _, g := range new.ConversionGroups {
		newGroups[grpKey(g)] = g
	}
	for key, ng := range newGroups {
		og, ok := oldGroups[key]
		if !ok {
			result.Summary.ConversionGroups.Added = append(result.Summary.ConversionGroups.Added, key)
			continue
		}
		if fields := diffGroupFields(og, ng); len(fields) > 0 {
			result.Summary.ConversionGroups.Changed = append(result.Summary.ConversionGroups.Changed, key)
			result.FieldChanges["conversion_groups:"+key] = fields
		}
	}
	for key := range oldGroups {
		if _, ok := newGroups[key]; !ok {
			result.Summary.ConversionGroups.Removed = append(result.Summary.ConversionGroups.Removed, key)
		}
	}

	sortSection := func(s *SectionDiff) {
		sort.Strings(s.Added)
		sort.Strings(s.Changed)
		sort.Strings(s.Removed)
	}
	sortSection(&result.Summary.Metrics)
	sortSection(&result.Summary.Synonyms)
	sortSection(&result.Summary.ConversionGroups)
	return result
}

func diffMetricFields(old, new domain.MetricDefinition) []string {
	var fields []string
	if strings.TrimSpace(old.MetricName) != strings.TrimSpace(new.MetricName) {
		fields = append(fields, "metric_name")
	}
	if !equalIntPtr(old.SystemID, new.SystemID) {
		fields = append(fields, "system_id")
	}
	if strings.TrimSpace(old.CanonicalUnit) != strings.TrimSpace(new.CanonicalUnit) {
		fields = append(fields, "canonical_unit")
	}
	if strings.TrimSpace(old.ConversionGroupID) != strings.TrimSpace(new.ConversionGroupID) {
		fields = append(fields, "conversion_group_id")
	}
	// 有无参考范围本身就是变化，两边都“未设置”才算相同
	if !equalFloatPtr(old.NormalMin, new.NormalMin) {
		fields = append(fields, "normal_min")
	}
	if !equalFloatPtr(old.NormalMax, new.NormalMax) {
		fields = append(fields, "normal_max")
	}
	if old.IsKeyMetric != new.IsKeyMetric {
		fields = append(fields, "is_key_metric")
	}
	if strings.TrimSpace(old.Source) != strings.TrimSpace(new.Source) {
		fields = append(fields, "source")
	}
	if strings.TrimSpace(old.Explanation) != strings.TrimSpace(new.Explanation) {
		fields = append(fields, "explanation")
	}
	return fields
}

func diffGroupFields(old, new domain.ConversionGroup) []string {
	var fields []string
	if strings.TrimSpace(old.CanonicalUnit) != strings.TrimSpace(new.CanonicalUnit) {
		fields = append(fields, "canonical_unit")
	}
	if strings.TrimSpace(old.ToCanonicalFormula) != strings.TrimSpace(new.ToCanonicalFormula) {
		fields = append(fields, "to_canonical_formula")
	}
	if strings.TrimSpace(old.FromCanonicalFormula) != strings.TrimSpace(new.FromCanonicalFormula) {
		fields = append(fields, "from_canonical_formula")
	}
	if strings.TrimSpace(old.Notes) != strings.TrimSpace(new.Notes) {
		fields = append(fields, "notes")
	}
	return fields
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
