// Package gateway exposes the optional admin HTTP API: health, runtime
// status and a live event feed over websocket. Disabled by default.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/bot"
	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/errors"
	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Admin surface, expected to be bound to localhost.
		return true
	},
}

// StatusSource is the slice of the runtime the gateway reports on.
type StatusSource interface {
	ChannelStates() map[string]string
	SessionKeys() []string
	ActiveSessionCount() int
	ConversationTurns(ctx context.Context, conversationID string) ([]bot.TurnView, error)
}

// Server is the admin HTTP server.
type Server struct {
	cfg    config.GatewayConfig
	source StatusSource
	bus    bus.EventBus
	logger *logger.Logger

	srv *http.Server
}

// NewServer builds the gateway. Start is a no-op unless enabled in config.
func NewServer(cfg config.GatewayConfig, source StatusSource, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		source: source,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api/v1")
	api.GET("/status", s.handleStatus)
	api.GET("/conversations/:id/turns", s.handleConversationTurns)
	api.GET("/events", s.handleEvents)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("admin gateway listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "kbot",
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	keys := s.source.SessionKeys()
	sort.Strings(keys)

	c.JSON(http.StatusOK, gin.H{
		"channels":        s.source.ChannelStates(),
		"session_keys":    keys,
		"active_sessions": s.source.ActiveSessionCount(),
	})
}

func (s *Server) handleConversationTurns(c *gin.Context) {
	turns, err := s.source.ConversationTurns(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error": gin.H{
				"code":    errors.CodeOf(err),
				"message": err.Error(),
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

// handleEvents upgrades to a websocket and forwards every bus event to
// the client until it disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	// Buffered so a slow client drops events instead of stalling
	// publishers on the bus.
	feed := make(chan *bus.Event, 256)
	sub, err := s.bus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		select {
		case feed <- event:
		default:
		}
		return nil
	})
	if err != nil {
		s.logger.Error("event feed subscription failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	go func() {
		// Reads are discarded; a read error means the client went away.
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			_ = sub.Unsubscribe()
			_ = conn.Close()
		}()

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()

		for {
			select {
			case event := <-feed:
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-ping.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}
