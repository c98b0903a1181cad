package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/expensestore"
	"github.com/example/expense-core/internal/identity"
	"github.com/example/expense-core/internal/money"
	"github.com/example/expense-core/internal/orchestrator"
)

type expenseRequest struct {
	Project         string `json:"project"`
	TransactionDate string `json:"transaction_date"`
	Amount          string `json:"amount"`
	Vendor          string `json:"vendor"`
	Account         string `json:"account"`
	Description     string `json:"description"`
	PaymentMethod   string `json:"payment_method"`
	BillRef         string `json:"bill_ref"`
	UpstreamRef     string `json:"upstream_ref"`
}

// expenseResponse is the wire view of an Expense (spec §4.7, §6): amounts
// serialize as two-fractional-digit strings and the transaction date as an
// ISO-8601 date, never the raw int64 cents or full time.Time the store
// model carries.
type expenseResponse struct {
	ID              string       `json:"id"`
	Project         string       `json:"project"`
	TransactionDate string       `json:"transaction_date"`
	Amount          money.Amount `json:"amount"`
	Vendor          string       `json:"vendor"`
	Account         string       `json:"account"`
	Description     string       `json:"description"`
	PaymentMethod   string       `json:"payment_method"`
	BillRef         string       `json:"bill_ref"`
	UpstreamRef     string       `json:"upstream_ref"`
	Status          string       `json:"status"`
	AuthorizerRef   string       `json:"authorizer_ref"`
	VersionToken    int64        `json:"version_token"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func toExpenseResponse(e expensestore.Expense) expenseResponse {
	return expenseResponse{
		ID: e.ID, Project: e.Project, TransactionDate: e.TransactionDate.Format("2006-01-02"),
		Amount: e.Amount(), Vendor: e.Vendor, Account: e.Account, Description: e.Description,
		PaymentMethod: e.PaymentMethod, BillRef: e.BillRef, UpstreamRef: e.UpstreamRef,
		Status: string(e.Status), AuthorizerRef: e.AuthorizerRef, VersionToken: e.Version,
		CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
	}
}

// listExpensesResponse is the {items, page, total} envelope spec §4.7
// requires from `GET /expenses`.
type listExpensesResponse struct {
	Items  []expenseResponse `json:"items"`
	Offset int               `json:"page"`
	Total  int64             `json:"total"`
}

func (r expenseRequest) toExpense(updatedBy string) (*expensestore.Expense, error) {
	amount, err := money.Parse(r.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "amount is invalid", err)
	}
	date, err := time.Parse(time.RFC3339, r.TransactionDate)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "transaction_date must be RFC3339", err)
	}
	return &expensestore.Expense{
		Project: r.Project, TransactionDate: date, AmountCents: amount.Cents(),
		Vendor: r.Vendor, Account: r.Account, Description: r.Description,
		PaymentMethod: r.PaymentMethod, BillRef: r.BillRef, UpstreamRef: r.UpstreamRef,
		UpdatedBy: updatedBy,
	}, nil
}

// listExpenses handles GET /expenses.
func (a *api) listExpenses(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleExpenses, identity.ActionRead); err != nil {
		return err
	}
	filter := expensestore.Filter{
		Project: c.QueryParam("project"),
		Status:  expensestore.Status(c.QueryParam("status")),
		Vendor:  c.QueryParam("vendor"),
		Account: c.QueryParam("account"),
	}
	page := expensestore.Page{
		Offset: atoiOr(c.QueryParam("offset"), 0),
		Limit:  atoiOr(c.QueryParam("limit"), 0),
	}
	rows, err := a.c.Expenses.List(c.Request().Context(), filter, page)
	if err != nil {
		return err
	}
	total, err := a.c.Expenses.Count(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	items := make([]expenseResponse, len(rows))
	for i, r := range rows {
		items[i] = toExpenseResponse(r)
	}
	return c.JSON(http.StatusOK, listExpensesResponse{Items: items, Offset: page.Offset, Total: total})
}

// createExpense handles POST /expenses.
func (a *api) createExpense(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleExpenses, identity.ActionCreate); err != nil {
		return err
	}
	var req expenseRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid expense body", err)
	}
	expense, err := req.toExpense(actingUser(c).ID)
	if err != nil {
		return err
	}
	id, err := a.c.Expenses.Create(c.Request().Context(), expense)
	if err != nil {
		return err
	}
	if a.c.Orchestrator != nil {
		_ = a.c.Orchestrator.Dispatch(c.Request().Context(), orchestrator.JobTriggerAutoAuth,
			orchestrator.TriggerAutoAuthPayload{Project: expense.Project})
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// createExpenseBatch handles POST /expenses/batch.
func (a *api) createExpenseBatch(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleExpenses, identity.ActionCreate); err != nil {
		return err
	}
	var reqs []expenseRequest
	if err := c.Bind(&reqs); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid batch body", err)
	}
	if len(reqs) == 0 {
		return apperr.New(apperr.Validation, "batch must contain at least one expense")
	}
	actor := actingUser(c).ID
	expenses := make([]*expensestore.Expense, len(reqs))
	for i, r := range reqs {
		e, err := r.toExpense(actor)
		if err != nil {
			return err
		}
		expenses[i] = e
	}
	ids, err := a.c.Expenses.CreateBatch(c.Request().Context(), expenses)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string][]string{"ids": ids})
}

type patchRequest struct {
	Version       int64   `json:"version"`
	Description   *string `json:"description"`
	Account       *string `json:"account"`
	Vendor        *string `json:"vendor"`
	PaymentMethod *string `json:"payment_method"`
}

// patchExpense handles PATCH /expenses/{id}.
func (a *api) patchExpense(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleExpenses, identity.ActionUpdate); err != nil {
		return err
	}
	var req patchRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid patch body", err)
	}
	user := actingUser(c)
	patch := expensestore.Patch{
		Version: req.Version, Description: req.Description, Account: req.Account,
		Vendor: req.Vendor, PaymentMethod: req.PaymentMethod,
		UpdatedBy: user.ID, BookkeeperRole: user.Role == "bookkeeper",
	}
	id := c.Param("id")
	version, err := a.c.Expenses.Update(c.Request().Context(), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, versionResponse{ID: id, VersionToken: version})
}

type setStatusRequest struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Version int64  `json:"version"`
}

// setExpenseStatus handles POST /expenses/{id}/status.
func (a *api) setExpenseStatus(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleExpenses, identity.ActionSetStatus); err != nil {
		return err
	}
	var req setStatusRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid status body", err)
	}
	if req.Status == "" {
		return apperr.New(apperr.Validation, "status is required")
	}
	user := actingUser(c)
	id := c.Param("id")
	version, err := a.c.Expenses.SetStatus(c.Request().Context(), id,
		expensestore.Status(req.Status), req.Reason, user.ID, req.Version)
	if err != nil {
		return err
	}
	if a.c.Orchestrator != nil {
		_ = a.c.Orchestrator.Dispatch(c.Request().Context(), orchestrator.JobWriteStatusLog,
			orchestrator.StatusLogPayload{ExpenseID: id, ToStatus: req.Status, Reason: req.Reason, Actor: user.ID})
	}
	return c.JSON(http.StatusOK, versionResponse{ID: id, VersionToken: version})
}

// versionResponse is the {id, version_token} envelope spec §4.7 requires
// from a successful PATCH or status change, so a caller can chain the next
// optimistic-concurrency update without a separate read.
type versionResponse struct {
	ID           string `json:"id"`
	VersionToken int64  `json:"version_token"`
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
