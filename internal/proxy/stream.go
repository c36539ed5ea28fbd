package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"coinone-rebalancer/internal/core"
)

const streamWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleTickerStream pushes the ticker body for one pair every stream
// interval until the client goes away. Exchange failures are sent as error
// envelopes and the stream keeps going.
func (s *Server) handleTickerStream(c *gin.Context) {
	pair := core.NewPair(c.Param("quote"), c.Param("target"))
	if !pair.Valid() {
		badRequest(c, "quote and target are required")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("stream_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Info("stream_opened", slog.String("pair", pair.String()))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.pushTicker(ctx, conn, pair); err != nil {
			s.logger.Info("stream_closed", slog.String("pair", pair.String()), slog.String("reason", err.Error()))
			return
		}
		select {
		case <-ctx.Done():
			s.logger.Info("stream_closed", slog.String("pair", pair.String()))
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushTicker(ctx context.Context, conn *websocket.Conn, pair core.Pair) error {
	var payload []byte
	resp, err := s.market.Ticker(ctx, pair, false)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f := classify(err)
		s.metrics.upstreamError(f.class)
		payload, err = json.Marshal(errorBody{Result: "error", ErrorCode: f.code, ErrorMsg: f.msg})
		if err != nil {
			return err
		}
	} else {
		payload = resp.Body
	}
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
