package service

import (
	"context"
	"testing"

	"metricmaster/internal/domain"
	"metricmaster/internal/repository"

	"github.com/stretchr/testify/require"
)

func TestEvalConversionFormula(t *testing.T) {
	cases := []struct {
		formula string
		x       float64
		want    float64
	}{
		{"x*38.67", 1, 38.67},
		{"x/18.02", 36.04, 2.0},
		{"x+5", 10, 15},
		{"x-5", 10, 5},
		{"0.555*x", 100, 55.5},
		{"100-x", 30, 70},
		{"x", 42, 42},
		{" x * 2 ", 3, 6},
	}
	for _, c := range cases {
		got, err := EvalConversionFormula(c.formula, c.x)
		require.NoError(t, err, "formula %q", c.formula)
		require.InDelta(t, c.want, got, 1e-9, "formula %q", c.formula)
	}
}

func TestEvalConversionFormulaRejectsUnsupported(t *testing.T) {
	for _, formula := range []string{
		"",
		"x*y",
		"x*2*3",
		"eval(x)",
		"x/0",
		"system('rm')",
	} {
		_, err := EvalConversionFormula(formula, 1)
		require.Error(t, err, "formula %q", formula)
	}
}

func TestConvertToCanonical(t *testing.T) {
	catalog := repository.NewMemoryCatalogRepository()
	catalog.Replace(&domain.ParsedCatalog{
		Metrics: []domain.MetricDefinition{
			{MetricID: "glucose", MetricName: "Glucose", CanonicalUnit: "mmol/L", ConversionGroupID: "grp-glucose"},
		},
		ConversionGroups: []domain.ConversionGroup{
			{ConversionGroupID: "grp-glucose", CanonicalUnit: "mmol/L", AltUnit: "mg/dL", ToCanonicalFormula: "x/18.02"},
		},
	})
	svc := NewConversionService(catalog)
	metric := &domain.MetricDefinition{MetricID: "glucose", MetricName: "Glucose", CanonicalUnit: "mmol/L", ConversionGroupID: "grp-glucose"}

	// 替代单位换算到规范单位
	value, unit, err := svc.ConvertToCanonical(context.Background(), metric, 180.2, "mg/dL")
	require.NoError(t, err)
	require.InDelta(t, 10.0, value, 1e-6)
	require.Equal(t, "mmol/L", unit)

	// 已是规范单位：原样返回（大小写不敏感）
	value, unit, err = svc.ConvertToCanonical(context.Background(), metric, 5.5, "MMOL/L")
	require.NoError(t, err)
	require.Equal(t, 5.5, value)
	require.Equal(t, "mmol/L", unit)

	// 换算组里没有的单位报错
	_, _, err = svc.ConvertToCanonical(context.Background(), metric, 1, "lb")
	require.Error(t, err)
}
