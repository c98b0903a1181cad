package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/identity"
)

type runAutoAuthRequest struct {
	Project string `json:"project"`
}

// runAutoAuth handles POST /autoauth/run, triggering an immediate R1-R6
// cascade over project rather than waiting for the orchestrator's own
// trigger_auto_auth job.
func (a *api) runAutoAuth(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleAutoAuth, identity.ActionRun); err != nil {
		return err
	}
	var req runAutoAuthRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid run request", err)
	}
	if req.Project == "" {
		return apperr.New(apperr.Validation, "project is required")
	}
	report, err := a.c.AutoAuth.Run(c.Request().Context(), req.Project, nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// explainDecision handles GET /reports/{id}: it returns the most recent
// decision the engine recorded for the expense id, scoped to the project
// query parameter (auth reports are keyed by project, not individually
// addressable by a single id of their own).
func (a *api) explainDecision(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleAutoAuth, identity.ActionRead); err != nil {
		return err
	}
	project := c.QueryParam("project")
	if project == "" {
		return apperr.New(apperr.Validation, "project query parameter is required")
	}
	record, found, err := a.c.AutoAuth.ExplainDecision(c.Request().Context(), project, c.Param("id"))
	if err != nil {
		return err
	}
	if !found {
		return apperr.New(apperr.NotFound, "no decision recorded for this expense")
	}
	return c.JSON(http.StatusOK, record)
}
