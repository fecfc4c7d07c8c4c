package alert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"defi-risk-go/risk"
)

// Thresholds 组合告警阈值（0-100 风险分）
type Thresholds struct {
	Warning  float64
	Critical float64
}

// Evaluate 将一次组合评估转换为告警列表。
// 顺序固定：组合总分、单协议高风险（按协议名）、评估失败的协议。
func Evaluate(owner string, p *risk.PortfolioRiskMetrics, th Thresholds) []Alert {
	if p == nil {
		return nil
	}
	warning := decimal.NewFromFloat(th.Warning)
	critical := decimal.NewFromFloat(th.Critical)

	var alerts []Alert

	base := map[string]interface{}{
		"owner":         owner,
		"overall_risk":  p.OverallPortfolioRisk.StringFixed(2),
		"concentration": p.ConcentrationRisk.StringFixed(2),
		"value_usd":     p.TotalValueUSD.StringFixed(2),
	}

	switch {
	case p.OverallPortfolioRisk.GreaterThanOrEqual(critical):
		alerts = append(alerts, Alert{
			Level:   LevelCritical,
			Message: fmt.Sprintf("portfolio %s risk %s is critical", owner, p.OverallPortfolioRisk.StringFixed(2)),
			Key:     owner + ":overall",
			Fields:  withFields(base, "level", string(risk.LevelFor(p.OverallPortfolioRisk))),
		})
	case p.OverallPortfolioRisk.GreaterThanOrEqual(warning):
		alerts = append(alerts, Alert{
			Level:   LevelWarning,
			Message: fmt.Sprintf("portfolio %s risk %s above warning threshold", owner, p.OverallPortfolioRisk.StringFixed(2)),
			Key:     owner + ":overall",
			Fields:  withFields(base, "level", string(risk.LevelFor(p.OverallPortfolioRisk))),
		})
	}

	protocols := make([]string, 0, len(p.ProtocolRisks))
	for name := range p.ProtocolRisks {
		protocols = append(protocols, name)
	}
	sort.Strings(protocols)
	for _, name := range protocols {
		score := p.ProtocolRisks[name].OverallRiskScore()
		if score.LessThan(critical) {
			continue
		}
		alerts = append(alerts, Alert{
			Level:   LevelWarning,
			Message: fmt.Sprintf("protocol %s risk %s for %s", name, score.StringFixed(2), owner),
			Key:     owner + ":protocol:" + name,
			Fields:  withFields(base, "protocol", name),
		})
	}

	if len(p.FailedProtocols) > 0 {
		alerts = append(alerts, Alert{
			Level:   LevelWarning,
			Message: fmt.Sprintf("portfolio %s assessed without %s", owner, strings.Join(p.FailedProtocols, ", ")),
			Key:     owner + ":failed",
			Fields:  withFields(base, "failed_protocols", len(p.FailedProtocols)),
		})
	}
	return alerts
}

func withFields(base map[string]interface{}, k string, v interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+1)
	for bk, bv := range base {
		out[bk] = bv
	}
	out[k] = v
	return out
}
