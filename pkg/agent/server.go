package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/hoststat"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/cuemby/tenantd/pkg/provisioner"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StatsFunc samples the host the agent runs on
type StatsFunc func(ctx context.Context) (hoststat.Stats, error)

// ServerConfig configures the agent's HTTP surface
type ServerConfig struct {
	APIKey string
	// Protected databases can never be dropped through the agent
	Protected []string
	Stats     StatsFunc
}

// Server exposes a provisioner.Engine over HTTP
type Server struct {
	engine provisioner.Engine
	cfg    ServerConfig
	router *gin.Engine
	logger zerolog.Logger
}

// NewServer builds the agent's router around engine
func NewServer(engine provisioner.Engine, cfg ServerConfig) *Server {
	s := &Server{
		engine: engine,
		cfg:    cfg,
		router: gin.New(),
		logger: log.WithComponent("agent"),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(gin.Recovery(), s.observe())

	s.router.GET("/health", s.health)

	v1 := s.router.Group("/v1", s.requireAPIKey())
	v1.GET("/databases", s.listDatabases)
	v1.POST("/databases", s.duplicateDatabase)
	v1.GET("/databases/:name", s.databaseExists)
	v1.DELETE("/databases/:name", s.dropDatabase)
	v1.POST("/databases/:name/terminate", s.terminateConnections)
	v1.POST("/databases/:name/sql", s.runSQL)
	v1.GET("/stats", s.stats)
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Agent listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.AgentRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDurationVec(metrics.AgentRequestDuration, route)

		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", timer.Duration()).
			Msg("Request handled")
	}
}

func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if s.cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid or missing API key"})
			return
		}
		c.Next()
	}
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Msg("Engine operation failed")
	}
	c.JSON(status, ErrorResponse{Error: fmt.Sprintf("%s: %v", op, err)})
}

func (s *Server) isProtected(name string) bool {
	return slices.ContainsFunc(s.cfg.Protected, func(p string) bool {
		return strings.EqualFold(p, name)
	})
}

func (s *Server) health(c *gin.Context) {
	if p, ok := s.engine.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listDatabases(c *gin.Context) {
	dbs, err := s.engine.ListDatabases(c.Request.Context())
	if err != nil {
		s.fail(c, "list databases", err)
		return
	}
	if dbs == nil {
		dbs = []string{}
	}
	c.JSON(http.StatusOK, DatabaseList{Databases: dbs})
}

func (s *Server) databaseExists(c *gin.Context) {
	name := c.Param("name")
	exists, err := s.engine.DatabaseExists(c.Request.Context(), name)
	if err != nil {
		s.fail(c, "check database", err)
		return
	}
	status := http.StatusOK
	if !exists {
		status = http.StatusNotFound
	}
	c.JSON(status, ExistsResponse{Name: name, Exists: exists})
}

func (s *Server) duplicateDatabase(c *gin.Context) {
	var req DuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if s.isProtected(req.Name) {
		s.fail(c, "duplicate database", fmt.Errorf("%s is protected: %w", req.Name, errdefs.ErrInvalidArgument))
		return
	}

	if err := s.engine.DuplicateDatabase(c.Request.Context(), req.Template, req.Name, req.Owner); err != nil {
		s.fail(c, "duplicate database", err)
		return
	}
	s.logger.Info().Str("template", req.Template).Str("database", req.Name).Msg("Database duplicated")
	c.JSON(http.StatusCreated, ExistsResponse{Name: req.Name, Exists: true})
}

func (s *Server) terminateConnections(c *gin.Context) {
	n, err := s.engine.TerminateConnections(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, "terminate connections", err)
		return
	}
	c.JSON(http.StatusOK, TerminateResponse{Terminated: n})
}

func (s *Server) runSQL(c *gin.Context) {
	var req SQLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.engine.RunAdminSQL(c.Request.Context(), c.Param("name"), req.Statements); err != nil {
		s.fail(c, "run sql", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) dropDatabase(c *gin.Context) {
	name := c.Param("name")
	if s.isProtected(name) {
		s.fail(c, "drop database", fmt.Errorf("%s is protected: %w", name, errdefs.ErrInvalidArgument))
		return
	}
	if err := s.engine.DropDatabase(c.Request.Context(), name); err != nil {
		s.fail(c, "drop database", err)
		return
	}
	s.logger.Info().Str("database", name).Msg("Database dropped")
	c.Status(http.StatusNoContent)
}

func (s *Server) stats(c *gin.Context) {
	if s.cfg.Stats == nil {
		s.fail(c, "stats", errdefs.ErrNotImplemented)
		return
	}
	st, err := s.cfg.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}
