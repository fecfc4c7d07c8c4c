package risk

import (
	"context"
	"strings"

	"defi-risk-go/position"
)

// DefaultVersion 计算器默认版本号
const DefaultVersion = "1.0.0"

// Calculator 单协议风险计算能力。实现必须无状态或只读，可被并发调用。
type Calculator interface {
	// CalculateRisk 对同一协议的一组仓位计算风险；空输入返回 InvalidPositionError。
	CalculateRisk(ctx context.Context, positions []position.Position) (ProtocolMetrics, error)
	ProtocolName() string
	SupportedPositionTypes() []position.Kind
	// ValidatePosition 协议不匹配返回 false；数据错误返回 ValidationError。
	ValidatePosition(p position.Position) (bool, error)
	RiskFactors() []string
	Version() string
	CanHandlePosition(p position.Position) bool
}

// BaseCalculator 提供 ProtocolName/Version/CanHandlePosition 的默认实现，供具体计算器嵌入。
type BaseCalculator struct {
	Protocol string
}

func (b BaseCalculator) ProtocolName() string { return b.Protocol }

func (b BaseCalculator) Version() string { return DefaultVersion }

// CanHandlePosition 大小写不敏感的协议名匹配
func (b BaseCalculator) CanHandlePosition(p position.Position) bool {
	return strings.EqualFold(strings.TrimSpace(p.Protocol), b.Protocol)
}

// CalculatorInfo 计算器描述信息
type CalculatorInfo struct {
	Protocol      string          `json:"protocol"`
	Version       string          `json:"version"`
	PositionTypes []position.Kind `json:"position_types"`
	RiskFactors   []string        `json:"risk_factors"`
}

// Describe 导出计算器的静态描述
func Describe(c Calculator) CalculatorInfo {
	return CalculatorInfo{
		Protocol:      c.ProtocolName(),
		Version:       c.Version(),
		PositionTypes: c.SupportedPositionTypes(),
		RiskFactors:   c.RiskFactors(),
	}
}

// checkBatch 计算前的公共校验：非空、协议一致、数据合法。
func checkBatch(c Calculator, positions []position.Position) error {
	if len(positions) == 0 {
		return invalidPosition("no positions provided for %s", c.ProtocolName())
	}
	for _, p := range positions {
		ok, err := c.ValidatePosition(p)
		if err != nil {
			return err
		}
		if !ok {
			return invalidPosition("position %s belongs to %q, not %s", p.ID, p.Protocol, c.ProtocolName())
		}
	}
	return nil
}

// validateCommon 协议匹配 + 结构校验
func validateCommon(b BaseCalculator, p position.Position) (bool, error) {
	if !b.CanHandlePosition(p) {
		return false, nil
	}
	if err := p.Validate(); err != nil {
		return false, validationFailed(err)
	}
	return true, nil
}
