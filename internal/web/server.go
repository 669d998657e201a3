package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/cjeanneret/fieldcam/internal/metrics"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	router   *gin.Engine
}

// NewServer creates a server for addr. origins lists the dashboards allowed
// to call the API cross-origin; empty allows none.
func NewServer(addr string, broadcaster *StatusBroadcaster, session Session, origins []string) (*Server, error) {
	subFS, err := dashboardFS()
	if err != nil {
		return nil, err
	}
	metrics.Register()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(debug.Logger()))
	r.Use(RequestMetrics())
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, session, subFS),
		router:   r,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	h := s.handlers
	s.router.GET("/", h.ServeIndex)
	s.router.GET("/status/stream", h.HandleStatusStream)
	s.router.GET("/frames/:name", h.HandleFrame)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	api.GET("/status", h.HandleStatus)
	api.GET("/manifest", h.HandleManifest)
	api.POST("/trigger", h.HandleTrigger)
}

// Handler returns the router with all routes registered.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.handlers.CloseStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
