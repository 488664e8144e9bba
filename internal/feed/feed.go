// Package feed supplies normalized market events from replay files or a
// live websocket stream. Delivery is at least once; downstream dedup keys
// on (symbol, timestamp, sequence).
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"

	"github.com/shopspring/decimal"
)

// tickMessage is the wire format shared by the replay file and the live stream
type tickMessage struct {
	Symbol    string          `json:"symbol"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	BidPrice  decimal.Decimal `json:"bid"`
	AskPrice  decimal.Decimal `json:"ask"`
}

func parseTick(data []byte) (*core.MarketEvent, error) {
	var msg tickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed tick: %w", err)
	}
	if msg.Symbol == "" {
		return nil, fmt.Errorf("malformed tick: missing symbol")
	}
	if msg.Timestamp.IsZero() {
		return nil, fmt.Errorf("malformed tick: missing timestamp")
	}

	kind := core.MarketEventKind(msg.Kind)
	switch kind {
	case core.MarketQuote, core.MarketTrade, core.MarketBookDelta:
	case "":
		kind = core.MarketTrade
	default:
		return nil, fmt.Errorf("malformed tick: unknown kind %q", msg.Kind)
	}

	return &core.MarketEvent{
		Symbol:    msg.Symbol,
		Kind:      kind,
		Timestamp: msg.Timestamp,
		Sequence:  msg.Sequence,
		Price:     msg.Price,
		Quantity:  msg.Quantity,
		BidPrice:  msg.BidPrice,
		AskPrice:  msg.AskPrice,
	}, nil
}

// New builds the feed selected by the configuration
func New(cfg config.FeedConfig, symbols []string, logger core.ILogger) (core.IMarketDataFeed, error) {
	switch cfg.Type {
	case "replay":
		return NewReplayFeed(cfg.Path, logger), nil
	case "websocket":
		return NewWebsocketFeed(cfg, symbols, logger), nil
	default:
		return nil, fmt.Errorf("unknown feed type: %s", cfg.Type)
	}
}
