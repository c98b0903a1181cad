// Package extsystems adapts the systems spec.md scopes out of this
// pipeline (roles, credential verification, budget monitoring) to their
// narrow consumer interfaces, via plain JSON calls over
// internal/extclient. Nothing in this package owns credentials, roles, or
// budget data; it only translates this service's narrow interfaces into
// calls against whatever already owns them.
package extsystems

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/extclient"
	"github.com/example/expense-core/internal/identity"
)

// RoleProvider calls an external identity service to resolve a user id to
// its role and capability set, satisfying identity.RoleProvider.
type RoleProvider struct {
	BaseURL string
	APIKey  string
}

type roleResponse struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	Capabilities []struct {
		Module string `json:"module"`
		Action string `json:"action"`
	} `json:"capabilities"`
}

// ResolveUser implements identity.RoleProvider.
func (p *RoleProvider) ResolveUser(ctx context.Context, userID string) (*identity.User, error) {
	req := extclient.NewRequest("GET", fmt.Sprintf("%s/users/%s", p.BaseURL, userID))
	req.Headers["Authorization"] = "Bearer " + p.APIKey
	resp, err := extclient.Execute(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "identity service lookup failed", err)
	}
	var body roleResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamInvalid, "identity service response was not valid JSON", err)
	}
	user := &identity.User{ID: body.ID, DisplayName: body.DisplayName, Role: body.Role}
	for _, c := range body.Capabilities {
		user.Capabilities = append(user.Capabilities, identity.Capability{
			Module: identity.Module(c.Module), Action: identity.Action(c.Action),
		})
	}
	return user, nil
}

// CredentialChecker calls the same external identity service to verify an
// email/password pair, satisfying httpapi.CredentialChecker.
type CredentialChecker struct {
	BaseURL string
}

type credentialRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type credentialResponse struct {
	UserID string `json:"user_id"`
}

// Check implements httpapi.CredentialChecker.
func (c *CredentialChecker) Check(ctx context.Context, email, password string) (string, error) {
	body, err := json.Marshal(credentialRequest{Email: email, Password: password})
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "credential request marshal failed", err)
	}
	req := extclient.NewRequest("POST", c.BaseURL+"/login")
	req.JSONBody = string(body)
	resp, err := extclient.Execute(req)
	if err != nil {
		return "", apperr.Wrap(apperr.Unauthenticated, "credential check failed", err)
	}
	var parsed credentialResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", apperr.Wrap(apperr.UpstreamInvalid, "credential service response was not valid JSON", err)
	}
	return parsed.UserID, nil
}

// BudgetReader calls an external budget-monitoring service, satisfying the
// chat agent's narrow budgetReader interface.
type BudgetReader struct {
	BaseURL string
}

type budgetResponse struct {
	Status string `json:"status"`
}

// BudgetStatus implements agents' budgetReader.
func (b *BudgetReader) BudgetStatus(ctx context.Context, project string) (string, error) {
	req := extclient.NewRequest("GET", fmt.Sprintf("%s/budget/%s", b.BaseURL, project))
	resp, err := extclient.Execute(req)
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamUnavailable, "budget service lookup failed", err)
	}
	var parsed budgetResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", apperr.Wrap(apperr.UpstreamInvalid, "budget service response was not valid JSON", err)
	}
	return parsed.Status, nil
}
