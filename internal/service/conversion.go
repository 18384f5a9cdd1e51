package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"metricmaster/internal/domain"
	"metricmaster/internal/repository"
)

// EvalConversionFormula 计算换算公式。
// 公式形如对 x 的单个二元运算："x*38.67"、"x/18.02"、"x+5"、"x-5"、"0.555*x"，
// 或者恒等式 "x"。其他形式一律拒绝
func EvalConversionFormula(formula string, x float64) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(formula), " ", "")
	if s == "" {
		return 0, fmt.Errorf("empty conversion formula")
	}
	if s == "x" || s == "X" {
		return x, nil
	}

	for _, op := range []byte{'*', '/', '+', '-'} {
		// 从第 1 位开始找，避免把 "-5*x" 的前导负号当运算符
		i := strings.IndexByte(s[1:], op)
		if i < 0 {
			continue
		}
		i++
		left, right := s[:i], s[i+1:]

		var variable bool
		var constPart string
		switch {
		case left == "x" || left == "X":
			variable, constPart = true, right
		case right == "x" || right == "X":
			variable, constPart = false, left
		default:
			continue
		}

		k, err := strconv.ParseFloat(constPart, 64)
		if err != nil || math.IsInf(k, 0) || math.IsNaN(k) {
			return 0, fmt.Errorf("invalid constant in conversion formula %q", formula)
		}

		switch op {
		case '*':
			return x * k, nil
		case '/':
			if variable {
				if k == 0 {
					return 0, fmt.Errorf("division by zero in conversion formula %q", formula)
				}
				return x / k, nil
			}
			if x == 0 {
				return 0, fmt.Errorf("division by zero in conversion formula %q", formula)
			}
			return k / x, nil
		case '+':
			return x + k, nil
		case '-':
			if variable {
				return x - k, nil
			}
			return k - x, nil
		}
	}
	return 0, fmt.Errorf("unsupported conversion formula %q", formula)
}

// ConversionService 单位换算：把替代单位的数值换算为规范单位
type ConversionService struct {
	catalog repository.CatalogRepository
}

func NewConversionService(catalog repository.CatalogRepository) *ConversionService {
	return &ConversionService{catalog: catalog}
}

// ConvertToCanonical 按指标的换算组把 (value, unit) 换算到规范单位。
// 单位已是规范单位、或指标没有换算组时原样返回；换算组里找不到该替代单位时报错
func (s *ConversionService) ConvertToCanonical(ctx context.Context, metric *domain.MetricDefinition, value float64, unit string) (float64, string, error) {
	unit = strings.TrimSpace(unit)
	if metric.ConversionGroupID == "" || unit == "" || strings.EqualFold(unit, metric.CanonicalUnit) {
		return value, metric.CanonicalUnit, nil
	}

	groups, err := s.catalog.ConversionGroup(ctx, metric.ConversionGroupID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to load conversion group %s: %w", metric.ConversionGroupID, err)
	}
	for _, g := range groups {
		if strings.EqualFold(g.AltUnit, unit) {
			converted, err := EvalConversionFormula(g.ToCanonicalFormula, value)
			if err != nil {
				return 0, "", fmt.Errorf("failed to convert %s value: %w", metric.MetricID, err)
			}
			return converted, g.CanonicalUnit, nil
		}
	}
	return 0, "", fmt.Errorf("no conversion from unit %q for metric %s", unit, metric.MetricID)
}
