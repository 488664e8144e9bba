package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/testutil"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebsocketFeed_SubscribesAndPublishesTicks(t *testing.T) {
	subscribed := make(chan subscribeRequest, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		select {
		case subscribed <- req:
		default:
		}

		ticks := []string{
			`{"symbol":"BTCUSDT","kind":"TRADE","timestamp":"2025-06-01T10:00:00Z","sequence":1,"price":"100.5","quantity":"1"}`,
			`not json`,
			`{"symbol":"BTCUSDT","kind":"QUOTE","timestamp":"2025-06-01T10:00:01Z","sequence":2,"bid":"100.4","ask":"100.6"}`,
		}
		for _, tick := range ticks {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tick)); err != nil {
				return
			}
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := config.FeedConfig{
		Type:           "websocket",
		URL:            "ws" + strings.TrimPrefix(server.URL, "http"),
		ReconnectDelay: 1,
	}
	feed := NewWebsocketFeed(cfg, []string{"BTCUSDT"}, testutil.Logger())

	events := make(chan *core.MarketEvent, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- feed.Run(ctx, func(e *core.MarketEvent) { events <- e })
	}()

	select {
	case req := <-subscribed:
		assert.Equal(t, "subscribe", req.Op)
		assert.Equal(t, []string{"BTCUSDT"}, req.Symbols)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never arrived")
	}

	var received []*core.MarketEvent
	for len(received) < 2 {
		select {
		case e := <-events:
			received = append(received, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out with %d events", len(received))
		}
	}

	assert.Equal(t, core.MarketTrade, received[0].Kind)
	assert.True(t, received[0].Price.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, core.MarketQuote, received[1].Kind)
	assert.Equal(t, uint64(2), received[1].Sequence)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestFeedFactory(t *testing.T) {
	logger := testutil.Logger()

	replay, err := New(config.FeedConfig{Type: "replay", Path: "x.jsonl"}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &ReplayFeed{}, replay)

	ws, err := New(config.FeedConfig{Type: "websocket", URL: "ws://x"}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &WebsocketFeed{}, ws)

	_, err = New(config.FeedConfig{Type: "carrier_pigeon"}, nil, logger)
	require.Error(t, err)
}

func TestSubscribeRequestWireFormat(t *testing.T) {
	data, err := json.Marshal(subscribeRequest{Op: "subscribe", Symbols: []string{"BTCUSDT", "ETHUSDT"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"subscribe","symbols":["BTCUSDT","ETHUSDT"]}`, string(data))
}
