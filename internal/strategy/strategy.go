// Package strategy holds the pluggable decision logic. All strategies expose
// the same Decide capability; the core never special-cases a strategy type.
package strategy

import (
	"fmt"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
)

// New builds the strategy selected by the configuration
func New(cfg config.AppConfig, logger core.ILogger) (core.IStrategy, error) {
	switch cfg.StrategyType {
	case "sma_cross":
		return NewSMACross(cfg, logger), nil
	case "noop":
		return NewNoop(), nil
	default:
		return nil, fmt.Errorf("unknown strategy type: %s", cfg.StrategyType)
	}
}
