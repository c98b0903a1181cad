// Package httpapi exposes the external HTTP surface over the pipeline's
// internal collaborators: expense CRUD, receipt intake, auto-authorization
// runs, auth reports, chat messaging, reconciliation review, and the
// dead-letter job queue. Its Echo scaffolding is adapted from the teacher's
// http package (NewEchoServer/ServerConfig/CustomHTTPErrorHandler), narrowed
// from a generic service toolkit to this one service's routes.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/autoauth"
	"github.com/example/expense-core/internal/blobstore"
	"github.com/example/expense-core/internal/dispatcher"
	"github.com/example/expense-core/internal/expensestore"
	"github.com/example/expense-core/internal/identity"
	"github.com/example/expense-core/internal/intake"
	"github.com/example/expense-core/internal/messaging"
	"github.com/example/expense-core/internal/obs"
	"github.com/example/expense-core/internal/orchestrator"
	"github.com/example/expense-core/internal/reconciler"
)

// Config mirrors the teacher's ServerConfig, trimmed to what this service
// actually varies by environment.
type Config struct {
	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64
}

// DefaultConfig mirrors the teacher's DefaultServerConfig, with a larger
// body limit: receipt uploads can run to several megabytes of image data.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		Debug:           false,
		BodyLimit:       "25M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		RateLimit:       0,
	}
}

// Collaborators bundles every internal component a handler dispatches to.
type Collaborators struct {
	Expenses     *expensestore.Store
	Intake       *intake.Queue
	AutoAuth     *autoauth.Engine
	Reconciler   *reconciler.Reconciler
	Messaging    *messaging.Substrate
	Orchestrator *orchestrator.Orchestrator
	Blobs        *blobstore.Store
	Gate         *identity.Gate
	Tokens       *identity.TokenService
	Credentials  CredentialChecker
	Dispatcher   *dispatcher.Dispatcher
}

// CredentialChecker resolves a login's email/password to a user id. The
// pipeline never owns credentials: its implementation,
// extsystems.CredentialChecker, forwards the check to an external service.
type CredentialChecker interface {
	Check(ctx context.Context, email, password string) (userID string, err error)
}

// api holds the collaborators every handler method closes over.
type api struct {
	c   Collaborators
	log *obs.Log
}

// New builds an Echo instance with the full route table wired against c.
func New(cfg Config, c Collaborators, log *obs.Log) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.HTTPErrorHandler = errorHandler(log)

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
	e.Use(middleware.RequestID())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	a := &api{c: c, log: log}
	e.GET("/healthz", healthHandler)

	e.POST("/auth/login", a.login)

	authed := e.Group("", a.authenticate)
	authed.GET("/expenses", a.listExpenses)
	authed.POST("/expenses", a.createExpense)
	authed.POST("/expenses/batch", a.createExpenseBatch)
	authed.PATCH("/expenses/:id", a.patchExpense)
	authed.POST("/expenses/:id/status", a.setExpenseStatus)

	authed.POST("/receipts", a.uploadReceipt)
	authed.GET("/receipts/:id", a.getReceipt)
	authed.POST("/receipts/:id/reject", a.rejectReceipt)

	authed.POST("/autoauth/run", a.runAutoAuth)
	authed.GET("/reports/:id", a.explainDecision)

	authed.POST("/messages", a.postMessage)
	authed.GET("/messages/unread_counts", a.unreadCounts)

	authed.POST("/reconciliations/:id/apply", a.applyReconciliation)
	authed.GET("/jobs/dead_letter", a.listDeadLetters)

	return e
}

// StartServer mirrors the teacher's StartServer: an *http.Server with fixed
// read/write timeouts, served through Echo.
func StartServer(e *echo.Echo, cfg Config) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return e.StartServer(s)
}

// GracefulShutdown mirrors the teacher's GracefulShutdown.
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Shutdown(ctx)
}

func healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// errorHandler replaces the teacher's CustomHTTPErrorHandler: rather than
// unwrapping echo.HTTPError, it renders the closed error-kind taxonomy
// apperr defines (spec §7), so every handler can just `return err`.
func errorHandler(log *obs.Log) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		resp := apperr.ToResponse(err)
		status := http.StatusInternalServerError
		var ae *apperr.Error
		if errors.As(err, &ae) {
			status = ae.HTTPStatus()
		}
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				resp.Message = msg
			}
		}
		if jsonErr := c.JSON(status, resp); jsonErr != nil {
			log.WithError(jsonErr).Warn("error response write failed")
		}
	}
}
