package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lovetwice1012/roundsync/internal/observability"
)

// AdminRouter builds the operator plane: health, readiness, metrics,
// read-only state, and the websocket gateway speaking the same
// envelope protocol as the TCP listener.
func (s *Service) AdminRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware())
	if len(s.cfg.CorsOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = s.cfg.CorsOrigins
		r.Use(cors.New(corsCfg))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if s.Addr() == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "listener not bound"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/instances", s.handleAdminInstances)
	v1.GET("/sessions", s.handleAdminSessions)
	v1.GET("/stats", s.handleAdminStats)

	r.GET("/ws", s.handleWSGateway)
	return r
}

// RunAdmin serves the admin plane until ctx is done. A blank admin
// address disables it.
func (s *Service) RunAdmin(ctx context.Context) error {
	if s.cfg.AdminAddr == "" {
		return nil
	}
	observability.RegisterMetrics()
	srv := &http.Server{
		Addr:              s.cfg.AdminAddr,
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin plane listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) handleAdminInstances(c *gin.Context) {
	summaries := s.registry.Snapshot()
	out := make([]gin.H, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, gin.H{
			"instance_id":   sum.ID,
			"creator":       sum.Creator,
			"max_members":   sum.MaxMembers,
			"member_count":  sum.MemberCount,
			"created_at_ms": sum.CreatedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"instances": out, "total": len(out)})
}

func (s *Service) handleAdminSessions(c *gin.Context) {
	sessions := s.sessions.Snapshot()
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, gin.H{
			"session_id":    sess.ID,
			"identity":      sess.Identity,
			"capabilities":  sess.Capabilities,
			"created_at_ms": sess.CreatedAt.UnixMilli(),
			"expires_at_ms": sess.ExpiresAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "total": len(out)})
}

func (s *Service) handleAdminStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections":       s.hub.ConnectionCount(),
		"sessions":          s.sessions.Count(),
		"instances":         s.registry.Count(),
		"pending_campaigns": s.voting.PendingCount(),
	})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement belongs to the CORS layer in front; the
	// gateway accepts any upgraded connection and gates on handshake.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWSGateway upgrades the request and serves the envelope
// protocol over the socket, one text message per envelope.
func (s *Service) handleWSGateway(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.handleConn(c.Request.Context(), newWSConn(conn, s.cfg.WriteTimeout))
}
