package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
)

// SessionController is what the ops server needs from the running session.
type SessionController interface {
	Snapshot() model.SessionSnapshot
	// SetThresholds re-arms the breakout levels; it reports false once the
	// breakout has fired and the levels are frozen.
	SetThresholds(high, low *float64) bool
}

type thresholdsRequest struct {
	High *float64 `json:"high"`
	Low  *float64 `json:"low"`
}

// Server exposes health, metrics and session control over HTTP.
type Server struct {
	session SessionController
	logger  *zap.Logger
	srv     *http.Server
}

func NewServer(cfg service.ServerConfig, session SessionController) *Server {
	s := &Server{session: session, logger: service.Named("ops_server")}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/session", s.handleSession)
	r.POST("/thresholds", s.handleThresholds)
	return r
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleThresholds(c *gin.Context) {
	var req thresholdsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.High == nil && req.Low == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "high or low is required"})
		return
	}
	if (req.High != nil && *req.High <= 0) || (req.Low != nil && *req.Low <= 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "thresholds must be positive"})
		return
	}
	if req.High != nil && req.Low != nil && *req.Low >= *req.High {
		c.JSON(http.StatusBadRequest, gin.H{"error": "low must be below high"})
		return
	}

	if !s.session.SetThresholds(req.High, req.Low) {
		c.JSON(http.StatusConflict, gin.H{"error": "breakout already triggered"})
		return
	}
	s.logger.Info("Thresholds updated via API", zap.Any("High", req.High), zap.Any("Low", req.Low))
	c.JSON(http.StatusOK, s.session.Snapshot())
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Ops server listening", zap.String("Addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
