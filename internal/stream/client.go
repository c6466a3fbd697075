package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"execution-core/internal/mirror"
	"execution-core/pkg/brokerage"
)

// Channel names the brokerage streaming channels.
type Channel string

const (
	ChannelOrders    Channel = "orders"
	ChannelPositions Channel = "positions"
)

// Conn is the minimal websocket surface the client needs; satisfied by
// *websocket.Conn and by fakes in tests.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// Dialer opens a streaming connection.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// GorillaDialer dials with the default gorilla websocket dialer.
func GorillaDialer(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client maintains one resilient streaming connection to a brokerage channel.
// It is a pure event source: frames are parsed, heartbeats discarded, and
// typed events handed to the mirror by a single consumer goroutine, which
// preserves per-channel ordering while different channels run concurrently.
// Connection failures are retried forever; trading is unsafe without the
// feed, so there is no give-up state. Consumers measure staleness through
// LastEventAt instead.
type Client struct {
	channel Channel
	url     string
	header  http.Header
	dial    Dialer
	policy  *ReconnectPolicy
	mirror  *mirror.Mirror
	log     zerolog.Logger

	frames    chan []byte
	lastEvent atomic.Int64 // unix nanos of last data frame
}

// NewClient builds a stream client for one channel.
func NewClient(channel Channel, url string, header http.Header, dial Dialer, policy *ReconnectPolicy, m *mirror.Mirror, logger zerolog.Logger) *Client {
	return &Client{
		channel: channel,
		url:     url,
		header:  header,
		dial:    dial,
		policy:  policy,
		mirror:  m,
		log:     logger.With().Str("component", "stream").Str("channel", string(channel)).Logger(),
		frames:  make(chan []byte, 256),
	}
}

// LastEventAt returns the receipt time of the last data frame, zero if none.
func (c *Client) LastEventAt() time.Time {
	ns := c.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run supervises the connection until ctx is done. It starts the single
// consumer loop, then dials in a reconnect loop with capped exponential
// backoff.
func (c *Client) Run(ctx context.Context) {
	go c.consume(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(ctx, c.url, c.header)
		if err != nil {
			delay := c.policy.NextDelay()
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		c.log.Info().Msg("stream connected")
		connectedAt := time.Now()
		err = c.readLoop(ctx, conn)
		_ = conn.Close()

		uptime := time.Since(connectedAt)
		c.policy.ConnectionClosed(uptime)
		if ctx.Err() != nil {
			return
		}

		delay := c.policy.NextDelay()
		c.log.Warn().Err(err).Dur("uptime", uptime).Dur("retry_in", delay).Msg("stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		select {
		case c.frames <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume is the single per-channel consumer: it parses frames in arrival
// order and applies them to the mirror, the only component that mutates.
func (c *Client) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.frames:
			c.handleFrame(msg)
		}
	}
}

func (c *Client) handleFrame(msg []byte) {
	if brokerage.IsHeartbeat(msg) {
		return
	}

	now := time.Now()
	c.lastEvent.Store(now.UnixNano())

	switch c.channel {
	case ChannelOrders:
		var f brokerage.OrderFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Warn().Err(err).Msg("order frame parse error")
			return
		}
		if f.OrderID == "" {
			return
		}
		c.mirror.ApplyOrder(brokerage.OrderFromFrame(f, now))
	case ChannelPositions:
		var f brokerage.PositionFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Warn().Err(err).Msg("position frame parse error")
			return
		}
		if f.Symbol == "" {
			return
		}
		c.mirror.ApplyPosition(brokerage.PositionFromFrame(f, now))
	}
}
