package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrInconclusive marks a call whose outcome is unknown (timeout, 5xx,
	// missing endpoint). Callers must treat it as "cannot confirm absence",
	// never as "no active order".
	ErrInconclusive = errors.New("brokerage state inconclusive")

	// ErrRejected marks an order create/modify the brokerage refused.
	ErrRejected = errors.New("order rejected by brokerage")
)

// Config holds connection settings for the brokerage.
type Config struct {
	BaseURL   string
	StreamURL string
	APIKey    string
	Timeout   time.Duration
}

// Client talks to the brokerage REST API. All calls carry a bounded timeout
// and pass through a shared rate limiter.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient builds a REST client. The limiter guards against request bursts
// during reconciliation storms; the brokerage bans chatty clients.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		log:     logger.With().Str("component", "brokerage").Logger(),
	}
}

// OrderRequest is the create-order payload.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"order_type"`
	Quantity   float64   `json:"quantity"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	LimitPrice float64   `json:"limit_price,omitempty"`
}

type modifyRequest struct {
	OrderID    string  `json:"order_id"`
	StopPrice  float64 `json:"stop_price"`
	LimitPrice float64 `json:"limit_price"`
}

// PlaceOrder submits a new order and returns the brokerage-assigned id.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	var res struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/order", req, &res); err != nil {
		return "", err
	}
	c.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Float64("qty", req.Quantity).
		Str("order_id", res.OrderID).
		Msg("order placed")
	return res.OrderID, nil
}

// ModifyOrder updates stop/limit prices on a working order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, stopPrice, limitPrice float64) error {
	err := c.do(ctx, http.MethodPut, "/order", modifyRequest{
		OrderID:    orderID,
		StopPrice:  stopPrice,
		LimitPrice: limitPrice,
	}, nil)
	if err != nil {
		return err
	}
	c.log.Info().
		Str("order_id", orderID).
		Float64("stop", stopPrice).
		Float64("limit", limitPrice).
		Msg("order modified")
	return nil
}

// CancelOrder cancels a working order. A 404 means the order is already gone
// and counts as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	err := c.do(ctx, http.MethodDelete, "/order/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			c.log.Debug().Str("order_id", orderID).Msg("cancel: order already gone")
			return nil
		}
		return err
	}
	c.log.Info().Str("order_id", orderID).Msg("order canceled")
	return nil
}

// GetOrders fetches orders from the source of truth, optionally filtered by
// symbol. Used for reconciliation; failures are inconclusive, not empty.
func (c *Client) GetOrders(ctx context.Context, symbol string) ([]Order, error) {
	path := "/orders"
	if symbol != "" {
		path += "?symbol=" + url.QueryEscape(symbol)
	}
	var res struct {
		Orders []OrderFrame `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	now := time.Now()
	orders := make([]Order, 0, len(res.Orders))
	for _, f := range res.Orders {
		orders = append(orders, OrderFromFrame(f, now))
	}
	return orders, nil
}

// GetPositions fetches all open positions from the source of truth.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var res struct {
		Positions []PositionFrame `json:"positions"`
	}
	if err := c.do(ctx, http.MethodGet, "/positions", nil, &res); err != nil {
		return nil, err
	}
	now := time.Now()
	positions := make([]Position, 0, len(res.Positions))
	for _, f := range res.Positions {
		positions = append(positions, PositionFromFrame(f, now))
	}
	return positions, nil
}

// StreamEndpoint returns the websocket URL for a streaming channel.
func (c *Client) StreamEndpoint(channel string) string {
	return c.cfg.StreamURL + "/stream/" + channel
}

// StreamHeader returns the credential header for stream dials. The credential
// never leaves this process; gateway callers get a relayed connection only.
func (c *Client) StreamHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return h
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("brokerage returned %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and resets leave the call outcome unknown.
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return fmt.Errorf("%s %s: %v: %w", method, path, err, ErrInconclusive)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to decode
	case resp.StatusCode == http.StatusNotFound:
		if method == http.MethodDelete {
			return &statusError{code: resp.StatusCode, body: string(raw)}
		}
		// A missing query endpoint proves nothing about order state.
		return fmt.Errorf("%s %s: %w", method, path, ErrInconclusive)
	case resp.StatusCode >= 500:
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("brokerage server error")
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrInconclusive)
	default:
		if method == http.MethodPost || method == http.MethodPut {
			return fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode, string(raw), ErrRejected)
		}
		return &statusError{code: resp.StatusCode, body: string(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
