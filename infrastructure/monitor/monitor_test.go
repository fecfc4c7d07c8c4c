package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-risk-go/position"
	"defi-risk-go/risk"
)

func TestCalculationStatus(t *testing.T) {
	cases := map[string]error{
		"ok":               nil,
		"not_found":        &risk.CalculatorNotFoundError{Protocol: "foo"},
		"invalid_position": fmt.Errorf("calc: %w", &risk.InvalidPositionError{Message: "empty"}),
		"validation_error": &risk.ValidationError{Reason: "negative"},
		"canceled":         context.DeadlineExceeded,
		"error":            errors.New("rpc down"),
	}
	for want, err := range cases {
		assert.Equal(t, want, CalculationStatus(err))
	}
}

func TestObserveProtocolCalculation(t *testing.T) {
	m := New(DefaultConfig())
	m.ObserveProtocolCalculation("beefy", 10*time.Millisecond, nil)
	m.ObserveProtocolCalculation("beefy", 5*time.Millisecond, nil)
	m.ObserveProtocolCalculation("foo", time.Millisecond, &risk.CalculatorNotFoundError{Protocol: "foo"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.calculations.WithLabelValues("beefy", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calculations.WithLabelValues("foo", "not_found")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.calculationLatency))
}

func TestObservePortfolio(t *testing.T) {
	m := New(DefaultConfig())
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m.ObservePortfolio(&risk.PortfolioRiskMetrics{
		TotalValueUSD:                decimal.NewFromInt(150_000),
		OverallPortfolioRisk:         decimal.NewFromInt(64),
		ConcentrationRisk:            decimal.NewFromInt(100),
		CrossProtocolCorrelationRisk: decimal.NewFromInt(25),
		ProtocolRisks: map[string]risk.ProtocolMetrics{
			"uniswap_v3": &risk.GenericMetrics{ProtocolName: "uniswap_v3", Overall: decimal.NewFromInt(29)},
		},
		FailedProtocols: []string{"foo", "bar"},
		AssessedAt:      at,
	})
	m.ObservePortfolio(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.assessments))
	assert.Equal(t, 64.0, testutil.ToFloat64(m.overallRisk))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.concentrationRisk))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.correlationRisk))
	assert.Equal(t, 150000.0, testutil.ToFloat64(m.portfolioValue))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failedProtocols))
	assert.Equal(t, 29.0, testutil.ToFloat64(m.protocolRiskScore.WithLabelValues("uniswap_v3")))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastAssessment))
}

func TestOrchestratorReportsThroughMonitor(t *testing.T) {
	m := New(DefaultConfig())
	o := risk.NewOrchestrator(risk.DefaultOrchestratorConfig(), risk.WithRecorder(m))
	o.RegisterCalculator(risk.NewGenericCalculator("uniswap_v3"))

	_, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{{
		Protocol: "uniswap_v3",
		ValueUSD: decimal.NewNullDecimal(decimal.NewFromInt(1_000)),
	}})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.registeredCalculators))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calculations.WithLabelValues("uniswap_v3", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assessments))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(Config{Namespace: "test", Subsystem: "risk"})
	m.RecordAlert("CRITICAL")
	m.RecordAssessmentError("load_positions")
	m.RecordConfigReload(false)
	m.SetRegisteredCalculators(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, name := range []string{
		`test_risk_alerts_sent_total{level="CRITICAL"} 1`,
		`test_risk_assessment_errors_total{stage="load_positions"} 1`,
		`test_risk_config_reloads_total{result="rejected"} 1`,
		`test_risk_registered_calculators 4`,
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
