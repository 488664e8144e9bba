package risk

import (
	"sync"
	"time"

	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// haltRecord captures why and when a symbol was halted
type haltRecord struct {
	Reason   string
	HaltedAt time.Time
}

// SymbolHalt is a latch that blocks new submissions per symbol. It is opened
// by irreconcilable position drift and cleared only by operator intervention;
// there is no automatic cooldown.
type SymbolHalt struct {
	mu     sync.RWMutex
	halted map[string]haltRecord
	logger core.ILogger
}

// NewSymbolHalt creates an empty halt latch
func NewSymbolHalt(logger core.ILogger) *SymbolHalt {
	return &SymbolHalt{
		halted: make(map[string]haltRecord),
		logger: logger.WithField("component", "symbol_halt"),
	}
}

// Halt blocks new order submissions for a symbol
func (h *SymbolHalt) Halt(symbol, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.halted[symbol]; exists {
		return
	}
	h.halted[symbol] = haltRecord{Reason: reason, HaltedAt: time.Now()}
	h.logger.Error("Trading halted for symbol", "symbol", symbol, "reason", reason)
	telemetry.GetGlobalMetrics().SetSymbolHalted(symbol, true)
}

// IsHalted reports whether a symbol is blocked
func (h *SymbolHalt) IsHalted(symbol string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.halted[symbol]
	return ok
}

// Reason returns the halt reason for a symbol, if halted
func (h *SymbolHalt) Reason(symbol string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.halted[symbol]
	return rec.Reason, ok
}

// Resume clears the halt for a symbol. Operator action only.
func (h *SymbolHalt) Resume(symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.halted[symbol]; !ok {
		return
	}
	delete(h.halted, symbol)
	h.logger.Warn("Trading resumed for symbol", "symbol", symbol)
	telemetry.GetGlobalMetrics().SetSymbolHalted(symbol, false)
}
