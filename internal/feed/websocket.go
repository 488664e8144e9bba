package feed

import (
	"context"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/infrastructure/websocket"
)

// subscribeRequest is sent on every (re)connect so the stream resumes after
// a drop without operator intervention
type subscribeRequest struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// WebsocketFeed consumes a live tick stream. Reconnection and heartbeats are
// handled by the underlying client; this layer parses and forwards ticks.
type WebsocketFeed struct {
	url            string
	symbols        []string
	reconnectDelay time.Duration
	logger         core.ILogger
}

func NewWebsocketFeed(cfg config.FeedConfig, symbols []string, logger core.ILogger) *WebsocketFeed {
	delay := time.Duration(cfg.ReconnectDelay) * time.Second
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &WebsocketFeed{
		url:            cfg.URL,
		symbols:        symbols,
		reconnectDelay: delay,
		logger:         logger.WithField("component", "ws_feed"),
	}
}

func (f *WebsocketFeed) Run(ctx context.Context, publish func(*core.MarketEvent)) error {
	handler := func(message []byte) {
		event, err := parseTick(message)
		if err != nil {
			f.logger.Warn("Dropping malformed stream message", "error", err)
			return
		}
		publish(event)
	}

	client := websocket.NewClient(f.url, handler, f.logger)
	client.SetReconnectWait(f.reconnectDelay)
	client.SetOnConnected(func() {
		req := subscribeRequest{Op: "subscribe", Symbols: f.symbols}
		if err := client.Send(req); err != nil {
			f.logger.Error("Failed to send subscription", "error", err)
			return
		}
		f.logger.Info("Subscribed to market data", "url", f.url, "symbols", f.symbols)
	})

	client.Start()
	<-ctx.Done()
	client.Stop()
	return nil
}
