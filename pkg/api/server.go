package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxManifestSize bounds a node manifest upload
const maxManifestSize = 1 << 20

// ServerConfig configures the control API
type ServerConfig struct {
	// APIKey is required on every request when set. When empty only
	// loopback clients are served.
	APIKey string
}

// Server exposes a ControlPlane over HTTP
type Server struct {
	cp     ControlPlane
	cfg    ServerConfig
	router *gin.Engine
	logger zerolog.Logger
}

// NewServer builds the control API router around cp
func NewServer(cp ControlPlane, cfg ServerConfig) *Server {
	s := &Server{
		cp:     cp,
		cfg:    cfg,
		router: gin.New(),
		logger: log.WithComponent("api"),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler. It only answers /v1 paths and is meant
// to be mounted next to the metrics and health handlers.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(gin.Recovery(), s.observe())

	v1 := s.router.Group("/v1", s.authorize())
	v1.GET("/ping", s.ping)

	v1.GET("/nodes", s.listNodes)
	v1.POST("/nodes", s.registerNode)
	v1.POST("/nodes/apply", s.applyNodes)
	v1.PUT("/nodes/:ref/status", s.setNodeStatus)
	v1.DELETE("/nodes/:ref", s.removeNode)
	v1.POST("/nodes/:ref/scan", s.scanNode)
	v1.POST("/scan", s.scanAll)

	v1.GET("/tenants", s.listTenants)
	v1.POST("/tenants", s.provision)
	v1.GET("/tenants/:subdomain", s.getTenant)
	v1.DELETE("/tenants/:subdomain", s.deleteTenant)
	v1.POST("/tenants/:subdomain/dns", s.retryDNS)
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", timer.Duration()).
			Msg("Request handled")
	}
}

func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			if !isLoopback(c.Request.RemoteAddr) {
				c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "control API serves only loopback clients when server.api_key is not set"})
				return
			}
			c.Next()
			return
		}

		key := c.GetHeader(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid or missing API key"})
			return
		}
		c.Next()
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := faults.HTTPStatus(err)
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Msg("Control operation failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: faults.KindOf(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: faults.KindValidation})
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.cp.ListNodes(c.Request.Context())
	if err != nil {
		s.fail(c, "list nodes", err)
		return
	}
	if nodes == nil {
		nodes = []*types.Node{}
	}
	c.JSON(http.StatusOK, NodeList{Nodes: nodes})
}

func (s *Server) registerNode(c *gin.Context) {
	var node types.Node
	if err := c.ShouldBindJSON(&node); err != nil {
		badRequest(c, err)
		return
	}
	registered, err := s.cp.RegisterNode(c.Request.Context(), &node)
	if err != nil {
		s.fail(c, "register node", err)
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (s *Server) applyNodes(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxManifestSize))
	if err != nil {
		badRequest(c, err)
		return
	}

	results, err := s.cp.ApplyNodes(c.Request.Context(), data)
	resp := ApplyResponse{Results: results}
	status := http.StatusOK
	if err != nil {
		status = faults.HTTPStatus(err)
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		resp.Error = err.Error()
		resp.Kind = faults.KindOf(err)
	}
	c.JSON(status, resp)
}

func (s *Server) setNodeStatus(c *gin.Context) {
	var req NodeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	status, err := types.ParseNodeStatus(string(req.Status))
	if err != nil {
		badRequest(c, err)
		return
	}
	node, err := s.cp.SetNodeStatus(c.Request.Context(), c.Param("ref"), status)
	if err != nil {
		s.fail(c, "set node status", err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) removeNode(c *gin.Context) {
	if err := s.cp.RemoveNode(c.Request.Context(), c.Param("ref")); err != nil {
		s.fail(c, "remove node", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) scanAll(c *gin.Context) {
	report, err := s.cp.Scan(c.Request.Context(), "")
	if err != nil {
		s.fail(c, "scan", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) scanNode(c *gin.Context) {
	report, err := s.cp.Scan(c.Request.Context(), c.Param("ref"))
	if err != nil {
		s.fail(c, "scan node", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listTenants(c *gin.Context) {
	tenants, err := s.cp.ListTenants(c.Request.Context(), c.Query("status"))
	if err != nil {
		s.fail(c, "list tenants", err)
		return
	}
	if tenants == nil {
		tenants = []*types.Deployment{}
	}
	c.JSON(http.StatusOK, TenantList{Tenants: tenants})
}

func (s *Server) getTenant(c *gin.Context) {
	detail, err := s.cp.GetTenant(c.Request.Context(), c.Param("subdomain"))
	if err != nil {
		s.fail(c, "get tenant", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// provision answers with the attempt on success and failure alike. A
// tenant left without DNS is 202 with the binding error in Cause.
func (s *Server) provision(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := s.cp.Provision(c.Request.Context(), req)
	var resp ProvisionResponse
	if res != nil {
		resp.Deployment = res.Deployment
		resp.Attempt = res.Attempt
	}
	status := http.StatusCreated
	if err != nil {
		status = faults.HTTPStatus(err)
		if status < http.StatusAccepted {
			status = http.StatusInternalServerError
		}
		resp.Error = err.Error()
		resp.Kind = faults.KindOf(err)

		var partial *faults.PartialProvisionError
		if errors.As(err, &partial) && partial.Err != nil {
			resp.Cause = partial.Err.Error()
			resp.CauseKind = faults.KindOf(partial.Err)
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("subdomain", req.Subdomain).Msg("Provision failed")
		}
	}
	c.JSON(status, resp)
}

func (s *Server) deleteTenant(c *gin.Context) {
	if err := s.cp.DeleteTenant(c.Request.Context(), c.Param("subdomain")); err != nil {
		s.fail(c, "delete tenant", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryDNS(c *gin.Context) {
	d, err := s.cp.RetryDNS(c.Request.Context(), c.Param("subdomain"))
	if err != nil {
		s.fail(c, "retry dns", err)
		return
	}
	c.JSON(http.StatusOK, d)
}
