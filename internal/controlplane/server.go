package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fentz26/airlock/internal/approval"
	"github.com/fentz26/airlock/internal/config"
	airerrors "github.com/fentz26/airlock/internal/errors"
	"github.com/fentz26/airlock/internal/ledger"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/runtime"
	"github.com/fentz26/airlock/internal/scheduler"
)

// Version is stamped at build time.
var Version = "dev"

// Server provides the HTTP API for Airlock.
type Server struct {
	service    *Service
	router     *gin.Engine
	auth       *AuthService
	limiter    *RequestLimiter
	cfg        config.ServerConfig
	logger     *logging.Logger
	httpServer *http.Server
	started    time.Time
}

// NewServer creates the HTTP server. It does not listen until Run.
func NewServer(service *Service, cfg config.ServerConfig, auth config.AuthConfig, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		service: service,
		router:  gin.New(),
		auth:    NewAuthService(auth.APIKey, auth.JWTSecret),
		limiter: NewRequestLimiter(cfg.RateLimitRPS),
		cfg:     cfg,
		logger:  logger.WithComponent("http"),
		started: time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(LoggerMiddleware(s.logger))
	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.cfg.AllowedOrigins))
	}
	s.router.Use(RateLimitMiddleware(s.limiter))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(AuthMiddleware(s.auth))
	{
		api.POST("/token", s.issueToken)

		api.POST("/plans", s.createPlan)
		api.GET("/plans", s.listPlans)
		api.GET("/plans/:id", s.getPlan)
		api.POST("/plans/:id/execute", s.executePlan)
		api.POST("/plans/:id/cancel", s.cancelPlan)
		api.GET("/plans/:id/result", s.getResult)
		api.GET("/plans/:id/events", s.streamEvents)
		api.GET("/plans/:id/runs", s.getRuns)

		api.POST("/tasks", s.runTask)

		api.GET("/approvals", s.listApprovals)
		api.POST("/approvals/:id", s.respondApproval)

		api.GET("/policy", s.getPolicy)
		api.PUT("/policy", s.putPolicy)
		api.POST("/policy/mode", s.setMode)
		api.POST("/policy/tools/:tool", s.updateTool)

		api.GET("/transactions", s.listTransactions)
		api.POST("/transactions/undo", s.undo)
		api.POST("/transactions/redo", s.redo)

		api.GET("/audit", s.listAudit)
	}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin engine (for testing).
func (s *Server) Router() *gin.Engine {
	return s.router
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPlanNotFound), errors.Is(err, ErrNoResult),
		errors.Is(err, approval.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning),
		errors.Is(err, approval.ErrResolved), errors.Is(err, runtime.ErrAlreadyStarted),
		errors.Is(err, ledger.ErrNothingToUndo), errors.Is(err, ledger.ErrNothingToRedo),
		errors.Is(err, ledger.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch airerrors.KindOf(err) {
	case airerrors.KindPlanning:
		return http.StatusUnprocessableEntity
	case airerrors.KindPolicyDenied:
		return http.StatusForbidden
	case airerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case airerrors.KindApprovalDenied, airerrors.KindApprovalExpired, airerrors.KindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorBody is the JSON error envelope. Kind is set for taxonomy errors.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) fail(c *gin.Context, err error) {
	body := errorBody{Error: err.Error()}
	if k := airerrors.KindOf(err); k != airerrors.KindUnknown {
		body.Kind = k.String()
		body.Reason = k.Reason()
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg})
}
