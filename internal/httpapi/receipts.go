package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/identity"
	"github.com/example/expense-core/internal/intake"
)

// uploadReceipt handles POST /receipts (multipart/form-data: file, project).
// The blob is written to storage before the intake row is created, so the
// intake's storage_key always points at bytes that already exist.
func (a *api) uploadReceipt(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleIntake, identity.ActionCreate); err != nil {
		return err
	}
	project := c.FormValue("project")
	if project == "" {
		return apperr.New(apperr.Validation, "project is required")
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return apperr.Wrap(apperr.Validation, "file is required", err)
	}
	src, err := fileHeader.Open()
	if err != nil {
		return apperr.Wrap(apperr.Validation, "could not open uploaded file", err)
	}
	defer src.Close()

	blob, err := io.ReadAll(src)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "could not read uploaded file", err)
	}

	ctx := c.Request().Context()
	storageKey := fmt.Sprintf("receipts/%s/%s", project, uuid.NewString())
	if err := a.c.Blobs.Put(ctx, storageKey, blob, fileHeader.Header.Get("Content-Type")); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "receipt blob upload failed", err)
	}

	id, status, err := a.c.Intake.Upload(ctx, project, actingUser(c).ID, storageKey, blob)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id, "status": string(status)})
}

// getReceipt handles GET /receipts/{id}.
func (a *api) getReceipt(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleIntake, identity.ActionRead); err != nil {
		return err
	}
	row, err := a.c.Intake.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// rejectReceipt handles POST /receipts/{id}/reject.
func (a *api) rejectReceipt(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleIntake, identity.ActionUpdate); err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid reject body", err)
	}
	if err := a.c.Intake.Mark(c.Request().Context(), c.Param("id"), intake.StatusRejected, req.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
