// Package api exposes the matchmaker over HTTP: the inbound MME endpoint
// for federation peers and the read/trigger surface used by the case view.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/aggregator"
	"github.com/mme-matchmaker/internal/domain"
	"github.com/mme-matchmaker/internal/middleware"
	"github.com/mme-matchmaker/pkg/hpo"
)

// MatchRunner runs match cycles for a stored submission
type MatchRunner interface {
	RunSubmission(ctx context.Context, s *domain.Submission) ([]*aggregator.Outcome, error)
}

// PhenotypeIndex answers HPO lookups
type PhenotypeIndex interface {
	Search(query string, limit int) []hpo.Term
	GeneList(ids ...string) []hpo.GeneCount
	PhenotypeTree(ids ...string) []*hpo.TreeNode
}

// Dependencies are the collaborators the handlers call
type Dependencies struct {
	Submissions domain.SubmissionRepository
	Matcher     domain.Matcher
	Runner      MatchRunner
	Store       domain.MatchStore
	Registry    domain.NodeRegistry
	Phenotypes  PhenotypeIndex
	// Health reports backing store health; nil means always healthy
	Health      func(ctx context.Context) error
	Logger      *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	deps          Dependencies
	log           *logrus.Logger
	router        *gin.Engine
	server        *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, deps Dependencies) *Server {
	cfg := configManager.GetConfig()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.AuditLogger(deps.Logger))
	router.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))

	server := &Server{
		configManager: configManager,
		deps:          deps,
		log:           deps.Logger,
		router:        router,
	}
	server.setupRoutes()

	return server
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("starting HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// peers query us with the same protocol we use to query them
	s.router.POST("/mme/match", middleware.PeerAuth(s.inboundTokens, s.log), s.handlePeerMatch)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/submissions", s.handleSaveSubmission)
		v1.GET("/submissions/:id", s.handleGetSubmission)
		v1.POST("/submissions/:id/match", s.handleMatchSubmission)
		v1.GET("/patients/:id/matches", s.handlePatientMatches)
		v1.GET("/patients/:id/matches/export", s.handleExportMatches)
		v1.GET("/nodes", s.handleNodes)
		v1.GET("/hpo/terms", s.handleHPOTerms)
		v1.GET("/hpo/genes", s.handleHPOGenes)
		v1.GET("/hpo/tree", s.handleHPOTree)
	}
}

func (s *Server) inboundTokens() []string {
	return s.configManager.GetServerConfig().InboundTokens
}

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request.Context()); err != nil {
			s.log.WithError(err).Warn("Health check failed")
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"nodes":     len(s.deps.Registry.ListActiveNodes()),
	})
}

// respondError maps an error onto a status and an APIError body
func (s *Server) respondError(c *gin.Context, err error) {
	requestID := c.GetString(middleware.CorrelationKey)

	var (
		status int
		code   string
		msg    string
	)
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		status, code, msg = http.StatusBadRequest, domain.ErrCodeValidation, verr.Error()
	case errors.Is(err, domain.ErrInvalidProfile):
		status, code, msg = http.StatusBadRequest, domain.ErrCodeInvalidInput, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, code, msg = http.StatusNotFound, domain.ErrCodeNotFound, "resource not found"
	case errors.Is(err, domain.ErrIntegrity):
		status, code, msg = http.StatusConflict, domain.ErrCodeInvalidInput, err.Error()
	case errors.Is(err, domain.ErrAggregationFailure):
		status, code, msg = http.StatusBadGateway, domain.ErrCodeAggregation, "no match source produced results"
	case errors.Is(err, context.DeadlineExceeded):
		status, code, msg = http.StatusGatewayTimeout, domain.ErrCodeInternal, "request timed out"
	case errors.Is(err, domain.ErrLocalStore):
		status, code, msg = http.StatusInternalServerError, domain.ErrCodeDatabase, "local store unavailable"
	default:
		status, code, msg = http.StatusInternalServerError, domain.ErrCodeInternal, "internal error"
	}

	if status >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"correlation_id": requestID,
			"path":           c.FullPath(),
			"error":          err,
		}).Error("Request failed")
	}

	c.AbortWithStatusJSON(status, domain.NewAPIError(code, msg, detail(err, status), requestID))
}

// detail exposes the error text for client errors only
func detail(err error, status int) string {
	if status >= http.StatusInternalServerError {
		return ""
	}
	return err.Error()
}
