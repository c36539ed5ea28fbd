// Package proxy exposes one Coinone account over HTTP. The credentials stay
// inside this process; callers only see the exchange responses.
package proxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"coinone-rebalancer/internal/core"
	"coinone-rebalancer/internal/exchange"
)

const jsonContentType = "application/json; charset=utf-8"

type Options struct {
	APIKey         string
	PrivateRPS     int
	StreamInterval time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
}

type Server struct {
	market   exchange.MarketData
	trading  exchange.Trading
	apiKey   string
	limiter  *rate.Limiter
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	validate *validator.Validate
	engine   *gin.Engine
}

func NewServer(market exchange.MarketData, trading exchange.Trading, opts Options) *Server {
	s := &Server{
		market:   market,
		trading:  trading,
		apiKey:   strings.TrimSpace(opts.APIKey),
		interval: opts.StreamInterval,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		validate: validator.New(),
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if opts.PrivateRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.PrivateRPS), 1)
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.metrics.middleware())

	r.GET("/", s.handleRoot)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	public := r.Group("/public")
	{
		public.GET("/markets/:quote", s.handleMarkets)
		public.GET("/ticker/:quote/:target", s.handleTicker)
		public.GET("/stream/ticker/:quote/:target", s.handleTickerStream)
	}

	private := r.Group("/private", s.auth(), s.throttle())
	{
		private.GET("/balance", s.handleBalance)
		private.POST("/order", s.handlePlaceOrder)
		private.POST("/cancel_all", s.handleCancelAll)
	}
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("proxy_listening", slog.String("addr", addr), slog.String("exchange", s.market.Name()))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("proxy_stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.LogAttrs(c.Request.Context(), level, "http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", c.ClientIP()),
		)
	}
}

// auth is a no-op when no api key is configured.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKey == "" {
			c.Next()
			return
		}
		token := extractToken(c.Request)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			abortWith(c, failure{status: http.StatusUnauthorized, class: "auth", code: codeUnauthorized, msg: "invalid or missing api key"})
			return
		}
		c.Next()
	}
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// throttle paces outbound signed calls; waiting callers are queued, not
// rejected, unless their request is cancelled first.
func (s *Server) throttle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		if err := s.limiter.Wait(c.Request.Context()); err != nil {
			s.metrics.upstreamError("throttle")
			abortWith(c, failure{status: http.StatusTooManyRequests, class: "rate_limit", code: "4", msg: "proxy throttle: " + err.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Welcome to Coinone Proxy API"})
}

func (s *Server) handleMarkets(c *gin.Context) {
	resp, err := s.market.Markets(c.Request.Context(), c.Param("quote"))
	if err != nil {
		s.fail(c, "markets", err)
		return
	}
	var remaining any
	if v := resp.RateLimitRemaining(); v != "" {
		remaining = v
	}
	body, err := json.Marshal(struct {
		Data               json.RawMessage `json:"data"`
		RateLimitRemaining any             `json:"rate_limit_remaining"`
	}{Data: resp.Body, RateLimitRemaining: remaining})
	if err != nil {
		s.fail(c, "markets", errors.Join(core.ErrInvalidResponse, err))
		return
	}
	c.Data(http.StatusOK, jsonContentType, body)
}

func (s *Server) handleTicker(c *gin.Context) {
	pair := core.NewPair(c.Param("quote"), c.Param("target"))
	resp, err := s.market.Ticker(c.Request.Context(), pair, false)
	if err != nil {
		s.fail(c, "ticker", err)
		return
	}
	c.Data(http.StatusOK, jsonContentType, resp.Body)
}

func (s *Server) handleBalance(c *gin.Context) {
	resp, err := s.trading.Balances(c.Request.Context())
	if err != nil {
		s.fail(c, "balance", err)
		return
	}
	c.Data(http.StatusOK, jsonContentType, resp.Body)
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var q orderQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	q.normalize()
	if err := s.validate.Struct(q); err != nil {
		badRequest(c, formatValidationError(err))
		return
	}
	fields, err := q.fields()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	order, err := core.BuildOrder(fields)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	resp, err := s.trading.PlaceOrder(c.Request.Context(), order)
	if err != nil {
		s.fail(c, "order", err)
		return
	}
	s.logger.Info("order_forwarded",
		slog.String("pair", order.Base().Pair.String()),
		slog.String("side", string(order.Base().Side)),
		slog.String("type", string(order.Type())),
	)
	c.Data(http.StatusOK, jsonContentType, resp.Body)
}

func (s *Server) handleCancelAll(c *gin.Context) {
	var q pairQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.validate.Struct(q); err != nil {
		badRequest(c, formatValidationError(err))
		return
	}
	resp, err := s.trading.CancelAll(c.Request.Context(), core.NewPair(q.QuoteCurrency, q.TargetCurrency))
	if err != nil {
		s.fail(c, "cancel_all", err)
		return
	}
	c.Data(http.StatusOK, jsonContentType, resp.Body)
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	f := classify(err)
	s.metrics.upstreamError(f.class)
	s.logger.Warn("exchange_call_failed",
		slog.String("op", op),
		slog.String("class", f.class),
		slog.Int("status", f.status),
		slog.String("error", err.Error()),
	)
	abortWith(c, f)
}
