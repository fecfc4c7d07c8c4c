package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"defi-risk-go/config"
	"defi-risk-go/internal/container"
	"defi-risk-go/position"
	"defi-risk-go/risk"
)

// report 一次性评估输出
type report struct {
	Owner     string                     `json:"owner,omitempty"`
	Positions int                        `json:"positions"`
	Summary   *risk.Summary              `json:"summary,omitempty"`
	Portfolio *risk.PortfolioRiskMetrics `json:"portfolio,omitempty"`
	Protocol  risk.ProtocolMetrics       `json:"protocol,omitempty"`
}

func main() {
	cfgPath := flag.String("config", "", "配置文件路径，留空使用默认配置")
	positionsPath := flag.String("positions", "", "仓位 JSON 文件（- 表示标准输入）")
	protocol := flag.String("protocol", "", "只评估单个协议")
	owner := flag.String("owner", "", "只评估某个钱包地址的仓位")
	timeout := flag.Duration("timeout", 30*time.Second, "评估超时")
	verbose := flag.Bool("v", false, "输出调试日志到 stderr")
	flag.Parse()

	if *positionsPath == "" {
		fmt.Fprintln(os.Stderr, "usage: risk_report -positions positions.json [-protocol beefy] [-owner 0x..] [-config config.yaml]")
		os.Exit(2)
	}

	log := zap.NewNop()
	if *verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			log = l
		}
	}
	defer log.Sync()

	out, err := run(*cfgPath, *positionsPath, *protocol, *owner, *timeout, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "risk_report: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "risk_report: encode: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, positionsPath, protocol, owner string, timeout time.Duration, log *zap.Logger) (*report, error) {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.LoadWithEnvOverrides(cfgPath); err != nil {
			return nil, err
		}
	}

	positions, err := readPositions(positionsPath)
	if err != nil {
		return nil, err
	}
	if owner != "" {
		positions = filterOwner(positions, owner)
		if len(positions) == 0 {
			return nil, fmt.Errorf("no positions for owner %s", owner)
		}
	}

	orch, err := container.BuildOrchestrator(cfg, log, nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := &report{Owner: owner, Positions: len(positions)}
	if protocol != "" {
		m, err := orch.CalculateProtocolRisk(ctx, protocol, positions)
		if err != nil {
			var nf *risk.CalculatorNotFoundError
			if errors.As(err, &nf) {
				return nil, fmt.Errorf("%w (supported: %s)", err, strings.Join(orch.SupportedProtocols(), ", "))
			}
			return nil, err
		}
		out.Protocol = m
		return out, nil
	}

	p, err := orch.CalculatePortfolioRisk(ctx, positions)
	if err != nil {
		return nil, err
	}
	summary := p.Summary()
	out.Summary = &summary
	out.Portfolio = p
	return out, nil
}

func readPositions(path string) ([]position.Position, error) {
	if path == "-" {
		return position.Decode(os.Stdin)
	}
	return position.LoadFile(path)
}

func filterOwner(positions []position.Position, owner string) []position.Position {
	var out []position.Position
	for _, p := range positions {
		if strings.EqualFold(p.UserAddress, owner) {
			out = append(out, p)
		}
	}
	return out
}
