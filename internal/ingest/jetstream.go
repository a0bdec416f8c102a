package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/altsci/atdata/internal/store"
)

// cursorService keys the firehose position in the cursor store.
const cursorService = "jetstream"

// Cursor persistence cadence: flushing on every event would double the
// write load, so the cursor is flushed periodically and the gap is
// re-covered on restart by idempotent redelivery.
const (
	cursorFlushInterval = 5 * time.Second
	cursorFlushCount    = 100

	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// Consumer holds the long-lived firehose connection and feeds commit
// events through the Processor.
type Consumer struct {
	jetstreamURL string
	collections  string
	store        store.Store
	processor    *Processor
	logger       *slog.Logger
	metrics      *Metrics
	dialer       *websocket.Dialer
}

// NewConsumer builds a Consumer. collections is the wantedCollections
// pattern passed to the relay, typically the namespace wildcard.
func NewConsumer(jetstreamURL, collections string, st store.Store, processor *Processor, logger *slog.Logger, metrics *Metrics) *Consumer {
	return &Consumer{
		jetstreamURL: jetstreamURL,
		collections:  collections,
		store:        st,
		processor:    processor,
		logger:       logger,
		metrics:      metrics,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Run connects to the firehose and consumes until ctx is cancelled,
// reconnecting with doubling backoff on failure. Each reconnect resumes
// from the last persisted cursor; events between the persisted and
// last-processed positions may be redelivered, which is safe because
// processing is idempotent.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		cursor, ok, err := c.store.GetCursor(ctx, cursorService)
		if err != nil {
			c.logger.Warn("reading firehose cursor", "error", err)
		}

		connURL, err := c.buildURL(cursor, ok)
		if err != nil {
			return err
		}
		c.logger.Info("connecting to firehose", "url", connURL)
		if c.metrics != nil {
			c.metrics.Reconnects.Inc()
		}

		conn, _, err := c.dialer.DialContext(ctx, connURL, nil)
		if err == nil {
			backoff = initialBackoff
			err = c.consume(ctx, conn)
			conn.Close()
		}

		if ctx.Err() != nil {
			c.logger.Info("firehose consumer stopped")
			return ctx.Err()
		}
		c.logger.Warn("firehose disconnected", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Consumer) buildURL(cursor int64, haveCursor bool) (string, error) {
	u, err := url.Parse(c.jetstreamURL)
	if err != nil {
		return "", fmt.Errorf("parsing jetstream url: %w", err)
	}
	q := u.Query()
	q.Set("wantedCollections", c.collections)
	if haveCursor {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// consume reads one connection to exhaustion. The watermark starts from
// the persisted cursor so a cancellation mid-event still leaves a
// well-defined resume point.
func (c *Consumer) consume(ctx context.Context, conn *websocket.Conn) error {
	// Unblock the blocking read when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	lastProcessed, _, err := c.store.GetCursor(ctx, cursorService)
	if err != nil {
		return fmt.Errorf("reading firehose cursor: %w", err)
	}
	var (
		watermark = lastProcessed
		msgCount  int
		lastFlush = time.Now()
	)
	defer func() {
		if watermark > lastProcessed {
			c.flushCursor(context.WithoutCancel(ctx), watermark)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading firehose message: %w", err)
		}

		var ev CommitEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Debug("skipping malformed firehose message", "error", err)
			continue
		}
		if ev.Kind != "commit" {
			continue
		}
		// Relay-side redelivery guard: anything at or before the
		// watermark has already been applied.
		if ev.TimeUS != 0 && ev.TimeUS <= watermark {
			continue
		}

		if err := c.processor.Process(ctx, &ev); err != nil {
			// Storage-level failure. Abort the session with the
			// watermark still before this event: resuming from the
			// persisted cursor redelivers it. Continuing instead would
			// let the next success advance the watermark past a write
			// that never landed.
			return fmt.Errorf("processing firehose event at %d: %w", ev.TimeUS, err)
		}

		if ev.TimeUS != 0 {
			watermark = ev.TimeUS
		}
		msgCount++
		if msgCount%cursorFlushCount == 0 || time.Since(lastFlush) >= cursorFlushInterval {
			c.flushCursor(ctx, watermark)
			lastFlush = time.Now()
		}
	}
}

func (c *Consumer) flushCursor(ctx context.Context, cursor int64) {
	if cursor == 0 {
		return
	}
	if err := c.store.SetCursor(ctx, cursorService, cursor); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("persisting firehose cursor", "cursor", cursor, "error", err)
		}
		return
	}
	if c.metrics != nil {
		c.metrics.CursorFlushes.Inc()
	}
}
