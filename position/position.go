package position

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind 仓位类型
type Kind string

const (
	KindSupply    Kind = "supply"
	KindBorrow    Kind = "borrow"
	KindVault     Kind = "vault"
	KindFarm      Kind = "farm"
	KindPool      Kind = "pool"
	KindStaking   Kind = "staking"
	KindLiquidity Kind = "liquidity"
	KindGeneric   Kind = "generic"
)

var (
	ErrEmptyProtocol = errors.New("protocol is required")
	ErrNegativeValue = errors.New("position value must be >= 0")
)

// Position 单个协议内的一笔持仓。核心层只读，不做修改。
type Position struct {
	ID            uuid.UUID `json:"id"`
	UserAddress   string    `json:"user_address"`
	Protocol      string    `json:"protocol"`
	Kind          Kind      `json:"kind,omitempty"`
	ChainID       int64     `json:"chain_id"`
	PoolAddress   string    `json:"pool_address"`
	Token0Address string    `json:"token0_address"`
	Token1Address string    `json:"token1_address"`

	Token0Amount   decimal.Decimal     `json:"token0_amount"`
	Token1Amount   decimal.Decimal     `json:"token1_amount"`
	Token0PriceUSD decimal.NullDecimal `json:"token0_price_usd"`
	Token1PriceUSD decimal.NullDecimal `json:"token1_price_usd"`

	// ValueUSD 由外部抓取层解析好的美元价值
	ValueUSD decimal.NullDecimal `json:"value_usd"`
	// FeeTier 池子费率档位（bps*100），同时作为底层资产风险的代理指标
	FeeTier int `json:"fee_tier"`
	// APY 年化收益率（百分比）
	APY              decimal.NullDecimal `json:"apy"`
	UnderlyingAssets []string            `json:"underlying_assets,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Value 返回仓位美元价值：优先使用已解析的 ValueUSD，否则由数量*价格推导，都缺失时为 0。
func (p Position) Value() decimal.Decimal {
	if p.ValueUSD.Valid {
		return p.ValueUSD.Decimal
	}
	total := decimal.Zero
	if p.Token0PriceUSD.Valid {
		total = total.Add(p.Token0Amount.Mul(p.Token0PriceUSD.Decimal))
	}
	if p.Token1PriceUSD.Valid {
		total = total.Add(p.Token1Amount.Mul(p.Token1PriceUSD.Decimal))
	}
	return total
}

// NormalizedProtocol 小写、去空白后的协议键
func (p Position) NormalizedProtocol() string {
	return NormalizeProtocol(p.Protocol)
}

// AssetCount 底层资产数量，未提供时按非空 token 地址计数
func (p Position) AssetCount() int {
	if len(p.UnderlyingAssets) > 0 {
		seen := make(map[string]struct{}, len(p.UnderlyingAssets))
		for _, a := range p.UnderlyingAssets {
			seen[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
		}
		return len(seen)
	}
	n := 0
	if p.Token0Address != "" {
		n++
	}
	if p.Token1Address != "" && !strings.EqualFold(p.Token1Address, p.Token0Address) {
		n++
	}
	return n
}

// Validate 检查结构性问题（协议为空、价值为负）
func (p Position) Validate() error {
	if strings.TrimSpace(p.Protocol) == "" {
		return ErrEmptyProtocol
	}
	if p.Value().IsNegative() {
		return fmt.Errorf("%w: got %s", ErrNegativeValue, p.Value().String())
	}
	return nil
}

// NormalizeProtocol 协议名统一为小写键
func NormalizeProtocol(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var versionSuffix = regexp.MustCompile(`[_-]v\d+$`)

// Family 去掉版本后缀的协议族名，例如 uniswap_v3 -> uniswap。
func Family(name string) string {
	return versionSuffix.ReplaceAllString(NormalizeProtocol(name), "")
}

// GroupByProtocol 按规范化协议名分组，组内保持输入顺序。
func GroupByProtocol(positions []Position) map[string][]Position {
	groups := make(map[string][]Position)
	for _, p := range positions {
		key := p.NormalizedProtocol()
		groups[key] = append(groups[key], p)
	}
	return groups
}

// TotalValue 汇总一组仓位的美元价值
func TotalValue(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Value())
	}
	return total
}
