// Package server exposes the bot's HTTP surface: the REST pull path the
// dashboard falls back to, and the /ws route viewers upgrade through.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"paperdash/events"
	"paperdash/hub"
	"paperdash/ledger"
)

// BalanceSource serves GET /balance. *ledger.Ledger satisfies it.
type BalanceSource interface {
	Balance() ledger.Balance
}

// PositionSource serves GET /positions as full dashboard rows.
type PositionSource interface {
	Positions() []events.Position
}

// TradeHistory serves GET /trades. *journal.SQLite satisfies it.
type TradeHistory interface {
	ClosedTrades(ctx context.Context, limit int) ([]ledger.TradeClose, error)
}

// Server owns the gin router and the underlying http.Server.
type Server struct {
	logger    *zap.Logger
	hub       *hub.Hub
	balances  BalanceSource
	positions PositionSource
	trades    TradeHistory

	engine *gin.Engine
	srv    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTradeHistory enables the GET /trades route.
func WithTradeHistory(th TradeHistory) Option {
	return func(s *Server) { s.trades = th }
}

func New(h *hub.Hub, balances BalanceSource, positions PositionSource, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		logger:    logger.Named("server"),
		hub:       h,
		balances:  balances,
		positions: positions,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/balance", s.handleBalance)
	s.engine.GET("/positions", s.handlePositions)
	if s.trades != nil {
		s.engine.GET("/trades", s.handleTrades)
	}
	s.engine.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves on addr until Shutdown. It blocks.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Status())
}

// handleBalance serves the ledger's derived view. The ?force=true query is
// accepted for protocol compatibility; the ledger is local, so every read is
// already current.
func (s *Server) handleBalance(c *gin.Context) {
	bal := s.balances.Balance()
	c.JSON(http.StatusOK, hub.BalancePayload(bal, "api"))
}

func (s *Server) handlePositions(c *gin.Context) {
	rows := s.positions.Positions()
	if rows == nil {
		rows = []events.Position{}
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer in [1, 1000]"})
			return
		}
		limit = n
	}

	recs, err := s.trades.ClosedTrades(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list closed trades", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trade history unavailable"})
		return
	}

	out := make([]tradeRow, 0, len(recs))
	for _, r := range recs {
		out = append(out, tradeRow{
			Symbol:   r.Symbol,
			Side:     string(r.Side),
			Margin:   r.Margin.InexactFloat64(),
			FinalPnL: r.FinalPnL.InexactFloat64(),
			ClosedAt: r.ClosedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, out)
}

type tradeRow struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Margin   float64 `json:"margin"`
	FinalPnL float64 `json:"finalPnL"`
	ClosedAt int64   `json:"closedAt"`
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
