package feed

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"trading_bot/internal/core"
)

// maxLineSize bounds a single replay record
const maxLineSize = 1 << 20

// ReplayFeed reads newline-delimited JSON ticks from a recorded session.
// Used for backtests: the file is drained in order and Run returns when
// it is exhausted.
type ReplayFeed struct {
	path   string
	logger core.ILogger
}

func NewReplayFeed(path string, logger core.ILogger) *ReplayFeed {
	return &ReplayFeed{
		path:   path,
		logger: logger.WithField("component", "replay_feed"),
	}
}

func (f *ReplayFeed) Run(ctx context.Context, publish func(*core.MarketEvent)) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var lineNo, published int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		event, err := parseTick([]byte(line))
		if err != nil {
			// Bad records are skipped, not fatal: replay files are
			// recorded from live streams and may contain partial writes
			f.logger.Warn("Skipping malformed replay record", "line", lineNo, "error", err)
			continue
		}

		publish(event)
		published++
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read replay file: %w", err)
	}

	f.logger.Info("Replay complete", "path", f.path, "events", published)
	return nil
}
