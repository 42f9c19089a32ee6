package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/config"
	"github.com/seo-optimizer/pagewalker/live"
	"github.com/seo-optimizer/pagewalker/middleware"
	"github.com/seo-optimizer/pagewalker/results"
	"github.com/seo-optimizer/pagewalker/session"
	"github.com/seo-optimizer/pagewalker/stats"
)

const (
	shutdownTimeout   = 10 * time.Second
	maintenancePeriod = time.Hour
	limiterIdle       = 10 * time.Minute
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	gin.SetMode(a.cfg.Server.GinMode)

	storage, err := stats.NewStorage(a.cfg.Stats.DataDir, a.logger)
	if err != nil {
		return err
	}
	metrics := stats.NewMetrics()
	hub := live.NewHub(a.logger)
	engine := session.New(a.cfg, a.logger,
		session.WithMetrics(metrics),
		session.WithStats(storage),
		session.WithObserver(HubObserver(hub)))

	srv := NewServer(ctx, a.cfg, a.logger, engine, storage, hub, metrics)
	err = srv.Run(ctx)

	srv.Wait()
	hub.Close()
	if serr := storage.Shutdown(); serr != nil {
		a.logger.Warn("Failed to save run statistics", zap.Error(serr))
	}
	return err
}

// HubObserver forwards session events to the live feed.
func HubObserver(hub *live.Hub) session.Observer {
	return session.ObserverFunc(func(ev session.Event) {
		kind := live.TypeState
		if ev.Progress {
			kind = live.TypeProgress
		}
		hub.Broadcast(live.Event{
			Type:        kind,
			AnalysisID:  ev.AnalysisID,
			State:       ev.State.String(),
			Status:      string(ev.Status),
			Screenshots: ev.Screenshots,
			Events:      ev.Events,
			Time:        ev.Time,
		})
	})
}

// Server is the HTTP surface around one session engine.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	engine  *session.Engine
	storage *stats.Storage
	hub     *live.Hub
	metrics *stats.Metrics
	limiter *middleware.RateLimiter

	// sessions started over HTTP run under baseCtx, not the request context
	baseCtx context.Context
	jobs    sync.WaitGroup
}

func NewServer(baseCtx context.Context, cfg *config.Config, logger *zap.Logger, engine *session.Engine,
	storage *stats.Storage, hub *live.Hub, metrics *stats.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("api"),
		engine:  engine,
		storage: storage,
		hub:     hub,
		metrics: metrics,
		limiter: middleware.NewRateLimiter(cfg.Server.RateLimit, float64(cfg.Server.RateBurst)),
		baseCtx: baseCtx,
	}
}

// Router builds the gin engine with every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.ErrorHandler(s.logger))
	r.Use(middleware.Metrics(s.metrics))
	r.Use(middleware.CORS())

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.POST("/analyze", s.limiter.RateLimit(), s.analyze)
		api.GET("/analyses/:id", s.analysis)
		api.GET("/statistics", s.statistics)
		if s.hub != nil {
			api.GET("/live", gin.WrapF(s.hub.HandleWS))
		}
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
	return r
}

// Run serves until ctx is done, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("addr", "http://localhost:"+s.cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(maintenancePeriod)
	defer ticker.Stop()
	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return err
			}
			return nil
		case <-ticker.C:
			s.maintain()
		case <-ctx.Done():
			s.logger.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		}
	}
}

// Wait blocks until sessions started over HTTP have finished.
func (s *Server) Wait() { s.jobs.Wait() }

func (s *Server) maintain() {
	if s.storage != nil {
		s.storage.Cleanup(s.cfg.Stats.RetainMonths)
		if err := s.storage.Flush(); err != nil {
			s.logger.Warn("Failed to save run statistics", zap.Error(err))
		}
	}
	if n := s.limiter.Prune(limiterIdle); n > 0 {
		s.logger.Debug("Pruned idle rate limit buckets", zap.Int("count", n))
	}
}

func (s *Server) health(c *gin.Context) {
	s.logger.Debug("Health check request received", zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"session_active": s.engine.Active(),
	})
}

type analyzeRequest struct {
	URL        string `json:"url" binding:"required,url"`
	AnalysisID string `json:"analysisId"`
	Mode       string `json:"mode"`
}

func (s *Server) analyze(c *gin.Context) {
	var request analyzeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid URL provided",
		})
		return
	}

	job, err := s.engine.Begin(session.Request{URL: request.URL, AnalysisID: request.AnalysisID, Mode: request.Mode})
	switch {
	case errors.Is(err, session.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"error": "An analysis is already running"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		if _, err := job.Execute(s.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Analysis failed", zap.String("analysis_id", job.AnalysisID()), zap.Error(err))
		}
	}()

	s.logger.Info("Analysis accepted",
		zap.String("analysis_id", job.AnalysisID()),
		zap.String("url", request.URL),
		zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusAccepted, gin.H{
		"analysis_id": job.AnalysisID(),
		"mode":        job.Mode(),
		"status":      results.StatusPending,
	})
}

func (s *Server) analysis(c *gin.Context) {
	id := c.Param("id")
	if err := session.ValidateAnalysisID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := results.Load(results.ArtifactPath(s.cfg.Session.OutputDir, id))
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": "Analysis not found"})
		return
	case err != nil:
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) statistics(c *gin.Context) {
	if s.storage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Statistics are not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"current":  s.storage.GetCurrentStats(),
		"months":   s.storage.GetAllMonths(),
		"top_urls": s.storage.TopURLs(10),
	})
}
