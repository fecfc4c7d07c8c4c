package risk

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"defi-risk-go/position"
)

// stubCalculator 返回固定分数，可注入错误、延迟与并发计数
type stubCalculator struct {
	BaseCalculator
	score    decimal.Decimal
	err      error
	delay    time.Duration
	inflight *int32
	peak     *int32
}

func newStub(protocol string, score int64) *stubCalculator {
	return &stubCalculator{BaseCalculator: BaseCalculator{Protocol: protocol}, score: d(score)}
}

func (s *stubCalculator) SupportedPositionTypes() []position.Kind {
	return []position.Kind{position.KindGeneric}
}

func (s *stubCalculator) RiskFactors() []string { return []string{"stub"} }

func (s *stubCalculator) ValidatePosition(p position.Position) (bool, error) {
	return validateCommon(s.BaseCalculator, p)
}

func (s *stubCalculator) CalculateRisk(ctx context.Context, positions []position.Position) (ProtocolMetrics, error) {
	if err := checkBatch(s, positions); err != nil {
		return nil, err
	}
	if s.inflight != nil {
		n := atomic.AddInt32(s.inflight, 1)
		defer atomic.AddInt32(s.inflight, -1)
		for {
			old := atomic.LoadInt32(s.peak)
			if n <= old || atomic.CompareAndSwapInt32(s.peak, old, n) {
				break
			}
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &GenericMetrics{Variant: FamilyGeneric, ProtocolName: s.Protocol, Overall: s.score}, nil
}

type captureRecorder struct {
	mu         sync.Mutex
	calls      map[string]int
	failures   map[string]int
	portfolios int
	registered int
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{calls: map[string]int{}, failures: map[string]int{}}
}

func (r *captureRecorder) ObserveProtocolCalculation(protocol string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[protocol]++
	if err != nil {
		r.failures[protocol]++
	}
}

func (r *captureRecorder) ObservePortfolio(*PortfolioRiskMetrics) {
	r.mu.Lock()
	r.portfolios++
	r.mu.Unlock()
}

func (r *captureRecorder) SetRegisteredCalculators(n int) {
	r.mu.Lock()
	r.registered = n
	r.mu.Unlock()
}

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig, calcs ...Calculator) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(cfg, WithLogger(zaptest.NewLogger(t)))
	for _, c := range calcs {
		o.RegisterCalculator(c)
	}
	return o
}

func TestRegistryIsCaseInsensitiveAndSorted(t *testing.T) {
	rec := newCaptureRecorder()
	o := NewOrchestrator(DefaultOrchestratorConfig(), WithRecorder(rec))
	o.RegisterCalculator(newStub("Lido", 10))
	o.RegisterCalculator(newStub("beefy", 10))
	o.RegisterCalculator(NewGenericCalculator("uniswap_v3"))

	assert.Equal(t, []string{"beefy", "lido", "uniswap_v3"}, o.SupportedProtocols())
	assert.True(t, o.IsProtocolSupported("LIDO"))
	assert.True(t, o.IsProtocolSupported(" Uniswap_V3 "))
	assert.False(t, o.IsProtocolSupported("aave"))
	assert.Equal(t, 3, rec.registered)
}

func TestRegisterOverwritesExisting(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), newStub("lido", 10))
	o.RegisterCalculator(newStub("LIDO", 90))
	assert.Len(t, o.SupportedProtocols(), 1)

	m, err := o.CalculateProtocolRisk(context.Background(), "lido", []position.Position{valued("lido", 1)})
	require.NoError(t, err)
	assert.True(t, m.OverallRiskScore().Equal(d(90)))
}

func TestCalculateProtocolRiskErrors(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), newStub("beefy", 10))
	ctx := context.Background()

	_, err := o.CalculateProtocolRisk(ctx, "foo", []position.Position{valued("foo", 1)})
	var notFound *CalculatorNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "foo", notFound.Protocol)
	assert.ErrorIs(t, err, ErrCalculatorNotFound)

	_, err = o.CalculateProtocolRisk(ctx, "beefy", []position.Position{valued("lido", 1)})
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = o.CalculateProtocolRisk(ctx, "beefy", nil)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestCalculateProtocolRiskFiltersForeignPositions(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), newStub("beefy", 42))
	m, err := o.CalculateProtocolRisk(context.Background(), "BEEFY", []position.Position{
		valued("beefy", 1),
		valued("lido", 1),
	})
	require.NoError(t, err)
	assert.True(t, m.OverallRiskScore().Equal(d(42)))
}

func TestConcentrationBounds(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	ctx := context.Background()

	single := newTestOrchestrator(t, cfg, newStub("a", 10))
	res, err := single.CalculatePortfolioRisk(ctx, []position.Position{valued("a", 500), valued("a", 700)})
	require.NoError(t, err)
	assert.True(t, res.ConcentrationRisk.Equal(d(100)), "got %s", res.ConcentrationRisk)

	four := newTestOrchestrator(t, cfg, newStub("a", 10), newStub("b", 10), newStub("c", 10), newStub("d", 10))
	res, err = four.CalculatePortfolioRisk(ctx, []position.Position{
		valued("a", 250), valued("b", 250), valued("c", 250), valued("d", 250),
	})
	require.NoError(t, err)
	assert.True(t, res.ConcentrationRisk.Equal(d(25)), "got %s", res.ConcentrationRisk)

	rng := rand.New(rand.NewSource(7))
	names := []string{"a", "b", "c", "d", "e", "f"}
	six := newTestOrchestrator(t, cfg)
	for _, n := range names {
		six.RegisterCalculator(newStub(n, 10))
	}
	for round := 0; round < 20; round++ {
		var positions []position.Position
		for _, n := range names {
			positions = append(positions, valued(n, 1+rng.Int63n(1_000_000)))
		}
		res, err := six.CalculatePortfolioRisk(ctx, positions)
		require.NoError(t, err)
		lower := d(100).Div(d(int64(len(names))))
		assert.True(t, res.ConcentrationRisk.GreaterThanOrEqual(lower), "round %d: %s", round, res.ConcentrationRisk)
		assert.True(t, res.ConcentrationRisk.LessThanOrEqual(d(100)))
	}
}

func TestPortfolioEndToEndUniswapV3(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), NewGenericCalculator("uniswap_v3"))
	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{
		valued("uniswap_v3", 100_000),
		valued("uniswap_v3", 50_000),
	})
	require.NoError(t, err)

	require.Contains(t, res.ProtocolRisks, "uniswap_v3")
	score := res.ProtocolRisks["uniswap_v3"].OverallRiskScore()
	assert.True(t, score.GreaterThanOrEqual(d(20)) && score.LessThanOrEqual(d(50)), "score %s", score)
	assert.True(t, res.TotalValueUSD.Equal(d(150_000)))
	assert.True(t, res.ConcentrationRisk.Equal(d(100)))
	assert.True(t, res.CrossProtocolCorrelationRisk.Equal(d(25)))
	// 29 + 0.3*100 + 0.2*25
	assert.True(t, res.OverallPortfolioRisk.Equal(d(64)), "overall %s", res.OverallPortfolioRisk)
	assert.Equal(t, []string{
		"Consider diversifying across more protocols to reduce concentration risk",
		"Consider diversifying across more DeFi protocols",
	}, res.Recommendations)
	assert.Equal(t, []string{"High concentration risk"}, res.TopRiskFactors)
	assert.Equal(t, LevelHigh, res.Summary().RiskLevel)
}

func TestPortfolioEndToEndUnknownProtocolOmitted(t *testing.T) {
	rec := newCaptureRecorder()
	o := NewOrchestrator(DefaultOrchestratorConfig(), WithRecorder(rec), WithLogger(zaptest.NewLogger(t)))
	o.RegisterCalculator(NewGenericCalculator("uniswap_v3"))

	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{
		valued("uniswap_v3", 100_000),
		valued("foo", 5_000),
	})
	require.NoError(t, err)
	assert.Len(t, res.ProtocolRisks, 1)
	assert.NotContains(t, res.ProtocolRisks, "foo")
	assert.Equal(t, []string{"foo"}, res.FailedProtocols)
	assert.True(t, res.TotalValueUSD.Equal(d(100_000)))
	assert.Equal(t, 1, rec.failures["foo"])
	assert.Equal(t, 1, rec.portfolios)
}

func TestPortfolioPartialFailure(t *testing.T) {
	failing := newStub("broken", 0)
	failing.err = errors.New("upstream timeout")
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), newStub("a", 20), newStub("b", 40), failing)

	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{
		valued("a", 100), valued("b", 100), valued("broken", 100),
	})
	require.NoError(t, err)
	assert.Len(t, res.ProtocolRisks, 2)
	assert.Equal(t, []string{"broken"}, res.FailedProtocols)
	// 均值 30 + 0.3*50 + 0.2*25
	assert.True(t, res.OverallPortfolioRisk.Equal(d(50)), "overall %s", res.OverallPortfolioRisk)
}

// panicCalculator 模拟有缺陷的第三方计算器
type panicCalculator struct {
	*stubCalculator
}

func (p panicCalculator) CalculateRisk(context.Context, []position.Position) (ProtocolMetrics, error) {
	panic("boom")
}

func TestPortfolioSurvivesPanickingCalculator(t *testing.T) {
	rec := newCaptureRecorder()
	o := NewOrchestrator(DefaultOrchestratorConfig(), WithRecorder(rec), WithLogger(zaptest.NewLogger(t)))
	o.RegisterCalculator(newStub("a", 20))
	o.RegisterCalculator(panicCalculator{newStub("bad", 0)})

	var res *PortfolioRiskMetrics
	require.NotPanics(t, func() {
		var err error
		res, err = o.CalculatePortfolioRisk(context.Background(), []position.Position{
			valued("a", 100), valued("bad", 100),
		})
		require.NoError(t, err)
	})
	assert.Equal(t, []string{"bad"}, res.FailedProtocols)
	assert.Len(t, res.ProtocolRisks, 1)
	assert.True(t, res.TotalValueUSD.Equal(d(100)))
	assert.Equal(t, 1, rec.failures["bad"])

	_, err := o.CalculateProtocolRisk(context.Background(), "bad", []position.Position{valued("bad", 1)})
	assert.ErrorContains(t, err, "boom")
}

func TestPortfolioAllProtocolsFailed(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig())
	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{
		valued("foo", 100), valued("bar", 100),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bar", "foo"}, res.FailedProtocols)
	assert.Empty(t, res.ProtocolRisks)
	assert.True(t, res.OverallPortfolioRisk.IsZero())
	assert.Equal(t, []string{"Consider diversifying across more DeFi protocols"}, res.Recommendations)
	assert.Empty(t, res.TopRiskFactors)
}

func TestConcentrationEqualHoldingsExact(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), newStub("a", 10), newStub("b", 10), newStub("c", 10))
	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{
		valued("a", 1), valued("b", 1), valued("c", 1),
	})
	require.NoError(t, err)
	assert.True(t, res.ConcentrationRisk.Equal(d(100).Div(d(3))), "got %s", res.ConcentrationRisk)
}

func TestRecommendationAndFactorOrder(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	o := NewOrchestrator(cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithCorrelationEstimator(FixedCorrelation{Score: d(45)}))
	o.RegisterCalculator(newStub("zeta", 75))
	o.RegisterCalculator(newStub("alpha", 80))
	o.RegisterCalculator(newStub("mid", 65))

	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{
		valued("zeta", 100), valued("alpha", 800), valued("mid", 100),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Consider diversifying across more protocols to reduce concentration risk",
		"High risk detected in alpha protocol - consider reducing exposure",
		"High risk detected in zeta protocol - consider reducing exposure",
	}, res.Recommendations)
	assert.Equal(t, []string{
		"High concentration risk",
		"alpha protocol risk",
		"mid protocol risk",
		"zeta protocol risk",
		"Cross-protocol correlation risk",
	}, res.TopRiskFactors)
	assert.True(t, res.OverallPortfolioRisk.LessThanOrEqual(d(100)))
}

func TestPortfolioOrderIndependent(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(),
		newStub("a", 72), newStub("b", 30), newStub("c", 64), newStub("d", 90))
	base := []position.Position{
		valued("a", 100), valued("b", 300), valued("c", 50), valued("d", 10), valued("b", 40),
	}
	first, err := o.CalculatePortfolioRisk(context.Background(), base)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := append([]position.Position(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := o.CalculatePortfolioRisk(context.Background(), shuffled)
		require.NoError(t, err)
		assert.True(t, got.OverallPortfolioRisk.Equal(first.OverallPortfolioRisk))
		assert.True(t, got.ConcentrationRisk.Equal(first.ConcentrationRisk))
		assert.Equal(t, first.Recommendations, got.Recommendations)
		assert.Equal(t, first.TopRiskFactors, got.TopRiskFactors)
	}
}

func TestPortfolioEmptyInput(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), newStub("a", 50))
	res, err := o.CalculatePortfolioRisk(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.ProtocolRisks)
	assert.True(t, res.TotalValueUSD.IsZero())
	assert.True(t, res.ConcentrationRisk.IsZero())
	assert.True(t, res.OverallPortfolioRisk.IsZero())
	assert.Empty(t, res.Recommendations)
}

func TestPortfolioCrossAnalysisDisabled(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	cfg.EnableCrossProtocolAnalysis = false
	o := newTestOrchestrator(t, cfg, newStub("a", 40))
	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{valued("a", 10)})
	require.NoError(t, err)
	assert.True(t, res.ConcentrationRisk.IsZero())
	assert.True(t, res.CrossProtocolCorrelationRisk.IsZero())
	assert.True(t, res.OverallPortfolioRisk.Equal(d(40)))

	cfg = DefaultOrchestratorConfig()
	cfg.CorrelationAnalysisEnabled = false
	o = newTestOrchestrator(t, cfg, newStub("a", 40))
	res, err = o.CalculatePortfolioRisk(context.Background(), []position.Position{valued("a", 10)})
	require.NoError(t, err)
	assert.True(t, res.CrossProtocolCorrelationRisk.IsZero())
	assert.True(t, res.OverallPortfolioRisk.Equal(d(70)))
}

func TestPortfolioValueWeighting(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	cfg.EnableCrossProtocolAnalysis = false
	cfg.Weighting = WeightingValue
	o := newTestOrchestrator(t, cfg, newStub("a", 10), newStub("b", 90))
	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{valued("a", 900), valued("b", 100)})
	require.NoError(t, err)
	assert.True(t, res.OverallPortfolioRisk.Equal(d(18)), "got %s", res.OverallPortfolioRisk)
}

func TestPortfolioCancellationDiscardsResult(t *testing.T) {
	slow := newStub("slow", 10)
	slow.delay = 5 * time.Second
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), slow, newStub("fast", 10))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := o.CalculatePortfolioRisk(ctx, []position.Position{valued("slow", 1), valued("fast", 1)})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPortfolioFanOutIsBounded(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	cfg.MaxConcurrentCalculations = 2
	o := newTestOrchestrator(t, cfg)

	var inflight, peak int32
	var positions []position.Position
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("p%d", i)
		s := newStub(name, 10)
		s.delay = 20 * time.Millisecond
		s.inflight, s.peak = &inflight, &peak
		o.RegisterCalculator(s)
		positions = append(positions, valued(name, 10))
	}

	res, err := o.CalculatePortfolioRisk(context.Background(), positions)
	require.NoError(t, err)
	assert.Len(t, res.ProtocolRisks, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestConcurrentPortfolioCalls(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(),
		NewGenericCalculator("uniswap_v3"),
		NewVaultCalculator("beefy", DefaultVaultConfig()),
		NewStakingCalculator("lido", DefaultStakingConfig(), nil))

	positions := []position.Position{
		valued("uniswap_v3", 1_000),
		vaultPosition("beefy", 2_000, 500),
		valued("lido", 3_000),
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.CalculatePortfolioRisk(context.Background(), positions)
			if assert.NoError(t, err) {
				assert.Len(t, res.ProtocolRisks, 3)
			}
		}()
	}
	wg.Wait()
}

func TestStatistics(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(),
		NewVaultCalculator("yearn", DefaultVaultConfig()),
		NewStakingCalculator("lido", DefaultStakingConfig(), nil))
	stats := o.Statistics()
	assert.Equal(t, 2, stats.RegisteredCalculators)
	assert.Equal(t, []string{"lido", "yearn"}, stats.SupportedProtocols)
	require.Len(t, stats.Calculators, 2)
	assert.Equal(t, "1.0.0", stats.Calculators[0].Version)
	assert.Equal(t, 10, stats.Config.MaxConcurrentCalculations)
}

func TestSummaryCountsHighRiskProtocols(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOrchestratorConfig(), newStub("a", 60), newStub("b", 59), newStub("c", 85))
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	o.clock = FixedClock(at)
	res, err := o.CalculatePortfolioRisk(context.Background(), []position.Position{
		valued("a", 1), valued("b", 1), valued("c", 1),
	})
	require.NoError(t, err)
	s := res.Summary()
	assert.Equal(t, 3, s.ProtocolsAnalyzed)
	assert.Equal(t, 2, s.HighRiskProtocols)
	assert.Equal(t, at, s.AssessedAt)
}
