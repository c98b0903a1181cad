package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/example/expense-core/internal/apperr"
)

const sessionTTL = 12 * time.Hour

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// login exchanges a credential for a bearer token. The credential check
// itself is delegated to a.c.Credentials, an external collaborator: spec.md
// scopes authentication/role issuance out of this pipeline, so this handler
// only mints the token once that system has vouched for the user.
func (a *api) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid login request body", err)
	}
	if req.Email == "" || req.Password == "" {
		return apperr.New(apperr.Validation, "email and password are required")
	}
	userID, err := a.c.Credentials.Check(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	token, err := a.c.Tokens.Issue(userID, sessionTTL)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "token issue failed", err)
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: time.Now().Add(sessionTTL)})
}
