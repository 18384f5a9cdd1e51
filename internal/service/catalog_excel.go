package service

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"metricmaster/internal/domain"

	"github.com/xuri/excelize/v2"
)

// 三张 sheet 的固定表头（导入/导出共用同一往返格式）
var (
	metricsHeader = []string{
		"metric_id", "metric_name", "system_id", "canonical_unit", "conversion_group_id",
		"normal_min", "normal_max", "is_key_metric", "source", "explanation",
	}
	synonymsHeader = []string{
		"synonym_id", "metric_id", "synonym_name", "notes",
	}
	conversionGroupsHeader = []string{
		"conversion_group_id", "canonical_unit", "alt_unit",
		"to_canonical_formula", "from_canonical_formula", "notes",
	}
)

const (
	sheetMetrics          = "metrics"
	sheetSynonyms         = "synonyms"
	sheetConversionGroups = "conversion_groups"
)

// ParseCatalogWorkbook 解析上传的 xlsx 为结构化目录。
// 缺 sheet/列、数值列非数值 → *domain.FormatError（问题全量收集，一次报完）
func ParseCatalogWorkbook(data []byte) (*domain.ParsedCatalog, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &domain.FormatError{Problems: []string{fmt.Sprintf("failed to open workbook: %v", err)}}
	}
	defer f.Close()

	var problems []string

	metricsRows, cols, errs := readSheet(f, sheetMetrics, metricsHeader, true)
	problems = append(problems, errs...)
	synonymRows, synCols, errs := readSheet(f, sheetSynonyms, synonymsHeader, false)
	problems = append(problems, errs...)
	convRows, convCols, errs := readSheet(f, sheetConversionGroups, conversionGroupsHeader, false)
	problems = append(problems, errs...)

	if len(problems) > 0 {
		return nil, &domain.FormatError{Problems: problems}
	}

	parsed := &domain.ParsedCatalog{}

	for _, row := range metricsRows {
		m := domain.MetricDefinition{
			MetricID:          cell(row, cols, "metric_id"),
			MetricName:        cell(row, cols, "metric_name"),
			CanonicalUnit:     cell(row, cols, "canonical_unit"),
			ConversionGroupID: cell(row, cols, "conversion_group_id"),
			Source:            cell(row, cols, "source"),
			Explanation:       cell(row, cols, "explanation"),
		}
		if m.MetricID == "" {
			continue // 无主键的空行跳过
		}

		if raw := cell(row, cols, "system_id"); raw != "" {
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				problems = append(problems, fmt.Sprintf("metrics[%s]: system_id must be integer (found %q)", m.MetricID, raw))
			} else {
				m.SystemID = &n
			}
		}
		m.NormalMin, problems = parseDecimalCell(row, cols, "normal_min", m.MetricID, problems)
		m.NormalMax, problems = parseDecimalCell(row, cols, "normal_max", m.MetricID, problems)

		if raw := cell(row, cols, "is_key_metric"); raw != "" {
			key, ok := parseKeyFlag(raw)
			if !ok {
				problems = append(problems, fmt.Sprintf("metrics[%s]: is_key_metric must be Y or N (found %q)", m.MetricID, raw))
			}
			m.IsKeyMetric = key
		}

		parsed.Metrics = append(parsed.Metrics, m)
	}

	for _, row := range synonymRows {
		s := domain.Synonym{
			SynonymID:   cell(row, synCols, "synonym_id"),
			MetricID:    cell(row, synCols, "metric_id"),
			SynonymName: cell(row, synCols, "synonym_name"),
			Notes:       cell(row, synCols, "notes"),
		}
		if s.SynonymID == "" && s.SynonymName == "" {
			continue
		}
		parsed.Synonyms = append(parsed.Synonyms, s)
	}

	for _, row := range convRows {
		g := domain.ConversionGroup{
			ConversionGroupID:    cell(row, convCols, "conversion_group_id"),
			CanonicalUnit:        cell(row, convCols, "canonical_unit"),
			AltUnit:              cell(row, convCols, "alt_unit"),
			ToCanonicalFormula:   cell(row, convCols, "to_canonical_formula"),
			FromCanonicalFormula: cell(row, convCols, "from_canonical_formula"),
			Notes:                cell(row, convCols, "notes"),
		}
		if g.ConversionGroupID == "" {
			continue
		}
		parsed.ConversionGroups = append(parsed.ConversionGroups, g)
	}

	if len(problems) > 0 {
		return nil, &domain.FormatError{Problems: problems}
	}
	return parsed, nil
}

// readSheet 读取一张 sheet 并校验表头列；required=false 的 sheet 允许整体缺失
func readSheet(f *excelize.File, name string, header []string, required bool) ([][]string, map[string]int, []string) {
	idx, err := f.GetSheetIndex(name)
	if err != nil || idx < 0 {
		if required {
			return nil, nil, []string{fmt.Sprintf("missing sheet: %s", name)}
		}
		return nil, map[string]int{}, nil
	}

	rows, err := f.GetRows(name)
	if err != nil {
		return nil, nil, []string{fmt.Sprintf("failed to read sheet %s: %v", name, err)}
	}
	if len(rows) == 0 {
		if required {
			return nil, nil, []string{fmt.Sprintf("%s sheet is empty", name)}
		}
		return nil, map[string]int{}, nil
	}

	cols := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		cols[strings.TrimSpace(h)] = i
	}

	var problems []string
	for _, c := range header {
		if _, ok := cols[c]; !ok {
			problems = append(problems, fmt.Sprintf("%s missing column: %s", name, c))
		}
	}
	if len(problems) > 0 {
		return nil, nil, problems
	}
	if required && len(rows) < 2 {
		return nil, nil, []string{fmt.Sprintf("%s sheet is empty", name)}
	}
	return rows[1:], cols, nil
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseDecimalCell(row []string, cols map[string]int, name, metricID string, problems []string) (*float64, []string) {
	raw := cell(row, cols, name)
	if raw == "" {
		return nil, problems
	}
	v, ok := parseDecimalSafe(raw)
	if !ok {
		return nil, append(problems, fmt.Sprintf("metrics[%s]: %s must be numeric (found %q)", metricID, name, raw))
	}
	return v, problems
}

// parseDecimalSafe 宽容解析数值：容忍千分位逗号和小数逗号，裁剪到 DECIMAL(10,3)。
// 空/"null"/"-" 视为缺失 (nil, true)；其余不可解析的返回 (nil, false)
func parseDecimalSafe(input string) (*float64, bool) {
	s := strings.TrimSpace(input)
	if s == "" || strings.EqualFold(s, "null") || s == "-" {
		return nil, true
	}

	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")
	if hasComma && hasDot {
		s = strings.ReplaceAll(s, ",", "")
	} else if hasComma {
		s = strings.ReplaceAll(s, ",", ".")
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
		return nil, false
	}

	// 裁剪到 DECIMAL(10,3)
	const max = 9999999.999
	if n > max {
		n = max
	}
	if n < -max {
		n = -max
	}
	n = math.Round(n*1000) / 1000
	return &n, true
}

// parseKeyFlag 规范化 is_key_metric：Y/N、YES/NO、TRUE/FALSE、1/0（大小写不敏感）
func parseKeyFlag(raw string) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "Y", "YES", "TRUE", "1":
		return true, true
	case "N", "NO", "FALSE", "0":
		return false, true
	default:
		return false, false
	}
}

// BuildCatalogWorkbook 把目录内容序列化为导入格式相同的 xlsx（往返格式）
func BuildCatalogWorkbook(parsed *domain.ParsedCatalog) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteToBuffer needs the file to be open

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	writeSheet := func(name string, header []string, rows [][]any) error {
		index, err := f.NewSheet(name)
		if err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
		f.SetActiveSheet(index)

		for col, h := range header {
			cellName, err := excelize.CoordinatesToCellName(col+1, 1)
			if err != nil {
				return fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(name, cellName, h); err != nil {
				return fmt.Errorf("failed to set header cell %s: %w", cellName, err)
			}
			if err := f.SetCellStyle(name, cellName, cellName, headerStyle); err != nil {
				return fmt.Errorf("failed to set header style: %w", err)
			}
		}

		for rowIdx, row := range rows {
			for col, v := range row {
				if v == nil {
					continue
				}
				cellName, err := excelize.CoordinatesToCellName(col+1, rowIdx+2)
				if err != nil {
					return fmt.Errorf("failed to convert coordinates: %w", err)
				}
				if err := f.SetCellValue(name, cellName, v); err != nil {
					return fmt.Errorf("failed to set cell %s: %w", cellName, err)
				}
			}
		}
		return nil
	}

	metricsRows := make([][]any, 0, len(parsed.Metrics))
	for _, m := range parsed.Metrics {
		key := "N"
		if m.IsKeyMetric {
			key = "Y"
		}
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
		metricsRows = append(metricsRows, []any{
			m.MetricID, m.MetricName, systemID, emptyNil(m.CanonicalUnit), emptyNil(m.ConversionGroupID),
			normalMin, normalMax, key, emptyNil(m.Source), emptyNil(m.Explanation),
		})
	}

	synonymRows := make([][]any, 0, len(parsed.Synonyms))
	for _, s := range parsed.Synonyms {
		synonymRows = append(synonymRows, []any{s.SynonymID, s.MetricID, s.SynonymName, emptyNil(s.Notes)})
	}

	convRows := make([][]any, 0, len(parsed.ConversionGroups))
	for _, g := range parsed.ConversionGroups {
		convRows = append(convRows, []any{
			g.ConversionGroupID, g.CanonicalUnit, g.AltUnit,
			emptyNil(g.ToCanonicalFormula), emptyNil(g.FromCanonicalFormula), emptyNil(g.Notes),
		})
	}

	if err := writeSheet(sheetMetrics, metricsHeader, metricsRows); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSheet(sheetSynonyms, synonymsHeader, synonymRows); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSheet(sheetConversionGroups, conversionGroupsHeader, convRows); err != nil {
		f.Close()
		return nil, err
	}

	// 删除默认的 Sheet1
	_ = f.DeleteSheet("Sheet1")

	buf, err := f.WriteToBuffer()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	f.Close()
	return buf.Bytes(), nil
}

func emptyNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
