package execution

import (
	"strings"

	"trading_bot/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// keyNamespace is the fixed UUID namespace for order idempotency keys.
// Changing it invalidates dedup against orders created before the change.
var keyNamespace = uuid.MustParse("a3bb189e-8bf9-3888-9912-ace4e6543002")

// IdempotencyKey derives a deterministic UUIDv5 client order id from the
// intent that produced the order. Replaying the same intent after a crash
// yields the same key, so the venue can dedup resubmissions.
func IdempotencyKey(intent *core.TradeIntent, approvedQty decimal.Decimal) string {
	payload := strings.Join([]string{
		intent.StrategyID,
		intent.CausalEventID,
		intent.Symbol,
		string(intent.Side),
		approvedQty.String(),
		intent.LimitPrice.String(),
	}, "|")
	return uuid.NewSHA1(keyNamespace, []byte(payload)).String()
}

// BuildOrderRequest converts a risk-approved intent into a dispatchable
// request carrying its deterministic idempotency key.
func BuildOrderRequest(intent *core.TradeIntent, decision core.RiskDecision) *core.OrderRequest {
	return &core.OrderRequest{
		IdempotencyKey: IdempotencyKey(intent, decision.Quantity),
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       decision.Quantity,
		LimitPrice:     intent.LimitPrice,
		Decision:       decision,
	}
}
