package chainfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"MarketMirror/internal/ingestion"
	"MarketMirror/internal/observability"
)

// FeedConfig configures the live fact feed connection.
type FeedConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay time.Duration
	// PingInterval is the keepalive ping cadence.
	PingInterval time.Duration
	// ReadTimeout bounds a single frame read.
	ReadTimeout time.Duration
	// WriteTimeout bounds ping and close writes.
	WriteTimeout time.Duration
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// frame is the minimal envelope every feed message carries. The full payload
// goes to the parser untouched; the feed only needs the discriminator and
// the block position for gap tracking.
type frame struct {
	Kind        string `json:"kind"`
	BlockNumber int64  `json:"block_number"`
}

// FeedClient streams live marketplace facts from the ledger gateway over
// websocket. The feed has no redelivery, so frames go into the worker
// channel with nil Ack/Nak; durability comes from the range scanner, which
// the client invokes over any block gap it observes after a reconnect.
type FeedClient struct {
	endpoint string
	config   FeedConfig
	factChan chan<- ingestion.RawFact
	scanner  *Scanner

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	lastBlock atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool

	metrics *observability.Metrics
	log     zerolog.Logger
}

// NewFeedClient connects to the endpoint and starts streaming. The scanner
// is optional; without it, gaps after reconnects go unfilled until the next
// manual scan.
func NewFeedClient(
	ctx context.Context,
	endpoint string,
	factChan chan<- ingestion.RawFact,
	scanner *Scanner,
	config *FeedConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*FeedClient, error) {
	cfg := DefaultFeedConfig()
	if config != nil {
		cfg = *config
	}

	c := &FeedClient{
		endpoint: endpoint,
		config:   cfg,
		factChan: factChan,
		scanner:  scanner,
		done:     make(chan struct{}),
		metrics:  metrics,
		log:      log.With().Str("component", "chainfeed").Logger(),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

func (c *FeedClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// LastBlock returns the highest block number seen on the feed.
func (c *FeedClient) LastBlock() int64 {
	return c.lastBlock.Load()
}

// Close shuts the feed down.
func (c *FeedClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *FeedClient) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			if !c.reconnecting.Swap(true) {
				go c.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = c.config.ReconnectDelay

		c.handleFrame(message)
	}
}

func (c *FeedClient) handleFrame(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil || f.Kind == "" {
		c.log.Warn().Err(err).Msg("unrecognized feed frame dropped")
		return
	}

	if f.BlockNumber > c.lastBlock.Load() {
		c.lastBlock.Store(f.BlockNumber)
	}

	raw := ingestion.RawFact{
		Kind:     f.Kind,
		Source:   "ws",
		Data:     message,
		Received: time.Now(),
	}

	// Blocking send; the feed would rather stall than drop a fact.
	select {
	case c.factChan <- raw:
	case <-c.done:
	}
}

func (c *FeedClient) reconnect(delay time.Duration) {
	defer c.reconnecting.Store(false)

	if c.closed.Load() {
		return
	}

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gapFrom := c.lastBlock.Load()

	if err := c.connect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("reconnect failed, will retry")
		return
	}

	if c.metrics != nil {
		c.metrics.FeedReconnects.Inc()
	}
	c.log.Info().Int64("last_block", gapFrom).Msg("feed reconnected")

	// Backfill whatever the feed missed while disconnected. The reconciler
	// dedups any overlap with frames already delivered.
	if c.scanner != nil && gapFrom > 0 {
		if _, err := c.scanner.ScanFrom(ctx, gapFrom); err != nil {
			c.log.Error().Err(err).Int64("from_block", gapFrom).Msg("gap backfill failed")
		}
	}
}

func (c *FeedClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// Reader notices a dead connection and reconnects.
				c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}
