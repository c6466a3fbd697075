package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"execution-core/internal/mirror"
	"execution-core/internal/orderstate"
	"execution-core/internal/trailing"
	"execution-core/pkg/brokerage"
)

// OrderService is the order-state surface the gateway exposes; implemented
// by *orderstate.Service.
type OrderService interface {
	HasActiveClosingOrder(ctx context.Context, symbol string) (bool, error)
	PlaceOrderIdempotent(ctx context.Context, symbol string, side brokerage.Side, req brokerage.OrderRequest) (orderstate.PlaceResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Automation exposes the trailing-stop machines for inspection.
type Automation interface {
	States() []trailing.State
}

// Broker provides the upstream stream coordinates for the relay.
type Broker interface {
	StreamEndpoint(channel string) string
	StreamHeader() http.Header
}

// Server is the authenticated HTTP and websocket surface. It reads from the
// mirror, writes through the order service, and relays brokerage streams.
type Server struct {
	Router           *gin.Engine
	Mirror           *mirror.Mirror
	Orders           OrderService
	Trailing         Automation
	Broker           Broker
	JWTSecret        string
	ClientID         string
	ClientSecretHash string

	dialUpstream UpstreamDialer
	startedAt    time.Time
	log          zerolog.Logger
}

// NewServer wires routes and middleware around the core services.
func NewServer(m *mirror.Mirror, orders OrderService, automation Automation, broker Broker, jwtSecret, clientID, clientSecretHash string, logger zerolog.Logger) *Server {
	r := gin.New()
	log := logger.With().Str("component", "gateway").Logger()

	limiters := newIPLimiters()
	go limiters.sweep(5 * time.Minute)

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(requestLogger(log))
	r.Use(rateLimitMiddleware(limiters, log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:           r,
		Mirror:           m,
		Orders:           orders,
		Trailing:         automation,
		Broker:           broker,
		JWTSecret:        jwtSecret,
		ClientID:         clientID,
		ClientSecretHash: clientSecretHash,
		dialUpstream:     defaultUpstreamDialer,
		startedAt:        time.Now(),
		log:              log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/orders", s.getOrders)
			protected.POST("/orders", s.placeOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.GET("/positions", s.getPositions)
			protected.GET("/trailing", s.getTrailing)
			protected.POST("/evaluate/:symbol", s.evaluateSymbol)
		}
	}

	ws := s.Router.Group("/stream")
	ws.Use(AuthMiddleware(s.JWTSecret))
	{
		ws.GET("/orders", func(c *gin.Context) { s.relayStream(c, "orders") })
		ws.GET("/positions", func(c *gin.Context) { s.relayStream(c, "positions") })
	}
}

func (s *Server) health(c *gin.Context) {
	orders, positions := s.Mirror.Counts()
	res := gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"orders":         orders,
		"positions":      positions,
	}
	if at := s.Mirror.LastOrderEventAt(); !at.IsZero() {
		res["order_stream_age_seconds"] = int(time.Since(at).Seconds())
	}
	if at := s.Mirror.LastPositionEventAt(); !at.IsZero() {
		res["position_stream_age_seconds"] = int(time.Since(at).Seconds())
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_SYMBOL",
			"error": "symbol query parameter is required",
		})
		return
	}
	side := brokerage.Side(c.Query("side"))
	c.JSON(http.StatusOK, gin.H{"orders": s.Mirror.OrdersForSymbol(symbol, side)})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.Mirror.Positions()})
}

func (s *Server) getTrailing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"states": s.Trailing.States()})
}

// placeOrder submits through the idempotent path: a duplicate request for a
// symbol that already has an active same-side order comes back as skipped,
// not as a second order.
func (s *Server) placeOrder(c *gin.Context) {
	var req struct {
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		OrderType  string  `json:"order_type"`
		Quantity   float64 `json:"quantity"`
		StopPrice  float64 `json:"stop_price"`
		LimitPrice float64 `json:"limit_price"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.Symbol == "" || req.Quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_ORDER",
			"error": "symbol and a positive quantity are required",
		})
		return
	}
	side := brokerage.Side(req.Side)
	if side != brokerage.SideBuy && side != brokerage.SideSell {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_SIDE",
			"error": "side must be BUY or SELL",
		})
		return
	}

	res, err := s.Orders.PlaceOrderIdempotent(c.Request.Context(), req.Symbol, side, brokerage.OrderRequest{
		Type:       brokerage.OrderType(req.OrderType),
		Quantity:   req.Quantity,
		StopPrice:  req.StopPrice,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		status := http.StatusBadGateway
		code := "PLACEMENT_FAILED"
		if errors.Is(err, orderstate.ErrInconclusive) {
			status = http.StatusServiceUnavailable
			code = "STATE_INCONCLUSIVE"
		}
		c.JSON(status, gin.H{"code": code, "error": err.Error()})
		return
	}
	if res.Skipped {
		s.log.Info().Str("client", CurrentClientID(c)).Str("symbol", req.Symbol).Str("reason", res.Reason).Msg("manual placement skipped")
		c.JSON(http.StatusConflict, gin.H{
			"skipped": true,
			"reason":  res.Reason,
		})
		return
	}
	s.log.Info().Str("client", CurrentClientID(c)).Str("symbol", req.Symbol).Str("order_id", res.OrderID).Msg("manual order placed")
	c.JSON(http.StatusCreated, gin.H{"order_id": res.OrderID})
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID := c.Param("id")
	if err := s.Orders.CancelOrder(c.Request.Context(), orderID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "CANCEL_FAILED",
			"error": err.Error(),
		})
		return
	}
	s.log.Info().Str("client", CurrentClientID(c)).Str("order_id", orderID).Msg("manual cancel")
	c.JSON(http.StatusOK, gin.H{"canceled": orderID})
}

// evaluateSymbol answers the core duplicate-check question on demand. An
// inconclusive answer is an explicit 503, never a false "no".
func (s *Server) evaluateSymbol(c *gin.Context) {
	symbol := c.Param("symbol")
	active, err := s.Orders.HasActiveClosingOrder(c.Request.Context(), symbol)
	if err != nil {
		status := http.StatusBadGateway
		code := "EVALUATION_FAILED"
		if errors.Is(err, orderstate.ErrInconclusive) {
			status = http.StatusServiceUnavailable
			code = "STATE_INCONCLUSIVE"
		}
		c.JSON(status, gin.H{"code": code, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":               symbol,
		"active_closing_order": active,
	})
}

// Start runs the HTTP server.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
