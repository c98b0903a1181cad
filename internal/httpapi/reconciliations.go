package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/identity"
)

// applyReconciliation handles POST /reconciliations/{id}/apply: a human
// reviewer marks a reconciliation suggestion reviewed. The reconciler never
// auto-applies corrections, so whatever expense creation or split the
// suggestion proposed must already have happened by the time this is
// called — this endpoint only records that a human signed off.
func (a *api) applyReconciliation(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleReconciler, identity.ActionApplyCorrection); err != nil {
		return err
	}
	if err := a.c.Reconciler.Apply(c.Request().Context(), c.Param("id"), actingUser(c).ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// listDeadLetters handles GET /jobs/dead_letter: the review surface for
// jobs the Background Orchestrator exhausted retries on (spec §4.14).
func (a *api) listDeadLetters(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleJobs, identity.ActionRead); err != nil {
		return err
	}
	rows, err := a.c.Orchestrator.DeadLetters(c.Request().Context(), atoiOr(c.QueryParam("limit"), 100))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "dead-letter listing failed", err)
	}
	return c.JSON(http.StatusOK, rows)
}
