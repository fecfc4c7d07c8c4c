package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"defi-risk-go/position"
)

// ErrInvalid 用于跨字段的参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

var (
	validateOnce sync.Once
	structCheck  *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		structCheck = validator.New(validator.WithRequiredStructEnabled())
	})
	return structCheck
}

// Validate 先做 struct tag 校验，再做跨字段检查。
func Validate(cfg AppConfig) error {
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]string)
	groups := []struct {
		kind      string
		protocols []string
	}{
		{"vault_protocols", cfg.VaultProtocols},
		{"staking_protocols", cfg.StakingProtocols},
		{"generic_protocols", cfg.GenericProtocols},
	}
	for _, g := range groups {
		for _, p := range g.protocols {
			key := position.NormalizeProtocol(p)
			if prev, dup := seen[key]; dup {
				return ErrInvalid(fmt.Sprintf("protocol %s listed in both %s and %s", key, prev, g.kind))
			}
			seen[key] = g.kind
		}
	}
	if len(seen) == 0 {
		return ErrInvalid("at least one protocol calculator must be configured")
	}

	for _, out := range cfg.Log.Outputs {
		if out == "file" && cfg.Log.OutputFile == "" {
			return ErrInvalid("log.output_file is required when outputs include file")
		}
	}
	if cfg.Engine.Interval > 0 && cfg.Engine.Timeout > cfg.Engine.Interval {
		return ErrInvalid("engine.timeout must not exceed engine.interval")
	}
	return nil
}
