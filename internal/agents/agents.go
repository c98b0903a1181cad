// Package agents implements the three thin agent adapters of spec §4.12:
// receipt-processing, authorization, and chat. Each wraps core pipeline
// components and never bypasses the Expense Store or Receipt Intake APIs.
package agents

import (
	"context"
	"fmt"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/autoauth"
	"github.com/example/expense-core/internal/categorization"
	"github.com/example/expense-core/internal/dispatcher"
	"github.com/example/expense-core/internal/expensestore"
	"github.com/example/expense-core/internal/intake"
	"github.com/example/expense-core/internal/ocr"
)

// blobReader is the narrow file-storage collaborator (spec §1: "file
// storage (blob put/get by key)").
type blobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// budgetReader is the narrow, read-only budget-monitoring collaborator
// (spec §1: "budget monitoring and PDF reporting (read-only consumers)").
type budgetReader interface {
	BudgetStatus(ctx context.Context, project string) (string, error)
}

// ReceiptAgent implements the receipt-processing agent (spec §4.12): its
// dialog state machine is awaiting_file -> extracting -> awaiting_fields ->
// creating -> done | failed, driven externally one capability call at a
// time rather than held as in-process state here.
type ReceiptAgent struct {
	intake  *intake.Queue
	blobs   blobReader
	ocr     *ocr.Pipeline
	categ   *categorization.Engine
	expense *expensestore.Store
}

// NewReceiptAgent builds the receipt-processing agent.
func NewReceiptAgent(in *intake.Queue, blobs blobReader, pipeline *ocr.Pipeline, categ *categorization.Engine, expense *expensestore.Store) *ReceiptAgent {
	return &ReceiptAgent{intake: in, blobs: blobs, ocr: pipeline, categ: categ, expense: expense}
}

func (a *ReceiptAgent) Name() string { return "receipt-processing" }

func (a *ReceiptAgent) Persona(text string) string { return "📄 " + text }

func (a *ReceiptAgent) Capabilities() map[string]dispatcher.Capability {
	return map[string]dispatcher.Capability{
		"process_receipt":     a.processReceipt,
		"answer_missing_field": a.answerMissingField,
		"reject_intake":        a.rejectIntake,
	}
}

func (a *ReceiptAgent) processReceipt(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	intakeID, _ := args["intake_id"].(string)
	if intakeID == "" {
		return "", apperr.New(apperr.Validation, "intake_id is required")
	}

	row, err := a.intake.Get(ctx, intakeID)
	if err != nil {
		return "", err
	}
	if err := a.intake.StartProcessing(ctx, intakeID); err != nil {
		return "", err
	}

	blob, err := a.blobs.Get(ctx, row.StorageKey)
	if err != nil {
		_ = a.intake.FailProcessing(ctx, intakeID)
		return "", apperr.Wrap(apperr.Internal, "fetching receipt blob failed", err)
	}

	receipt, err := a.ocr.Extract(ctx, ocr.Input{Blob: blob, Project: row.Project, AgentID: a.Name()})
	if err != nil {
		_ = a.intake.FailProcessing(ctx, intakeID)
		return "", apperr.Wrap(apperr.Internal, "OCR extraction failed", err)
	}

	needsReview := receipt.Vendor == "" || len(receipt.LineItems) == 0
	if err := a.intake.CompleteProcessing(ctx, intakeID, needsReview, "", receipt.Vendor, receipt.Total.Cents(), nil); err != nil {
		return "", err
	}
	if needsReview {
		return "extracted a receipt but it's missing vendor or line items; flagged for review", nil
	}

	rows := make([]categorization.Row, len(receipt.LineItems))
	for i, li := range receipt.LineItems {
		rows[i] = categorization.Row{RowIndex: i, Description: li.Description, Stage: row.Project, Vendor: receipt.Vendor, Project: row.Project}
	}
	decisions, _ := a.categ.Categorize(ctx, rows)

	expenses := make([]*expensestore.Expense, len(receipt.LineItems))
	for i, li := range receipt.LineItems {
		d := decisions[i]
		confidence := d.Confidence
		source := string(d.Source)
		expenses[i] = &expensestore.Expense{
			Project: row.Project, Vendor: receipt.Vendor, Account: d.Account,
			Description: li.Description, AmountCents: li.LineTotal.Cents(),
			UpdatedBy: "receipt-processing-agent", CategorizationConfidence: &confidence, CategorizationSource: &source,
		}
	}
	ids, err := a.expense.CreateBatch(ctx, expenses)
	if err != nil {
		return "", err
	}
	if err := a.intake.Link(ctx, intakeID, ids, intake.LinkResult{Created: len(ids)}); err != nil {
		return "", err
	}
	return fmt.Sprintf("created %d expense(s) from this receipt", len(ids)), nil
}

func (a *ReceiptAgent) answerMissingField(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	intakeID, _ := args["intake_id"].(string)
	field, _ := args["field"].(string)
	value, _ := args["value"].(string)
	if intakeID == "" || field == "" {
		return "", apperr.New(apperr.Validation, "intake_id and field are required")
	}
	// Recorded only as the intake row's status note, with the intake moved
	// back to pending; process_receipt does not read the note, and no expense
	// is patched with the value here.
	if err := a.intake.Mark(ctx, intakeID, intake.StatusPending, "awaiting "+field+"="+value); err != nil {
		return "", err
	}
	return "thanks, recorded " + field, nil
}

func (a *ReceiptAgent) rejectIntake(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	intakeID, _ := args["intake_id"].(string)
	reason, _ := args["reason"].(string)
	if intakeID == "" {
		return "", apperr.New(apperr.Validation, "intake_id is required")
	}
	if err := a.intake.Mark(ctx, intakeID, intake.StatusRejected, reason); err != nil {
		return "", err
	}
	return "rejected: " + reason, nil
}

// AuthorizationAgent implements the authorization agent (spec §4.12).
type AuthorizationAgent struct {
	engine  *autoauth.Engine
	expense *expensestore.Store
}

// NewAuthorizationAgent builds the authorization agent.
func NewAuthorizationAgent(engine *autoauth.Engine, expense *expensestore.Store) *AuthorizationAgent {
	return &AuthorizationAgent{engine: engine, expense: expense}
}

func (a *AuthorizationAgent) Name() string { return "authorization" }

func (a *AuthorizationAgent) Persona(text string) string { return "✅ " + text }

func (a *AuthorizationAgent) Capabilities() map[string]dispatcher.Capability {
	return map[string]dispatcher.Capability{
		"run_auto_auth":        a.runAutoAuth,
		"explain_decision":     a.explainDecision,
		"request_missing_info": a.requestMissingInfo,
	}
}

func (a *AuthorizationAgent) runAutoAuth(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	project, _ := args["project"].(string)
	if project == "" {
		return "", apperr.New(apperr.Validation, "project is required")
	}
	report, err := a.engine.Run(ctx, project, nil)
	if err != nil {
		return "", err
	}
	return "auto-authorization run complete, report " + report.ID, nil
}

func (a *AuthorizationAgent) explainDecision(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	project, _ := args["project"].(string)
	expenseID, _ := args["expense_id"].(string)
	if project == "" || expenseID == "" {
		return "", apperr.New(apperr.Validation, "project and expense_id are required")
	}
	rec, found, err := a.engine.ExplainDecision(ctx, project, expenseID)
	if err != nil {
		return "", err
	}
	if !found {
		return "no auto-authorization decision is recorded for that expense yet", nil
	}
	return fmt.Sprintf("rule %s decided %s: %s", rec.Rule, rec.Decision, rec.Reason), nil
}

func (a *AuthorizationAgent) requestMissingInfo(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	expenseID, _ := args["expense_id"].(string)
	fields, _ := args["fields"].(string)
	if expenseID == "" || fields == "" {
		return "", apperr.New(apperr.Validation, "expense_id and fields are required")
	}
	return "missing info requested for expense " + expenseID + ": " + fields, nil
}

// ChatAgent implements the general chat agent (spec §4.12): read-only
// surfaces only.
type ChatAgent struct {
	expense *expensestore.Store
	budget  budgetReader
}

// NewChatAgent builds the chat agent.
func NewChatAgent(expense *expensestore.Store, budget budgetReader) *ChatAgent {
	return &ChatAgent{expense: expense, budget: budget}
}

func (a *ChatAgent) Name() string { return "chat" }

func (a *ChatAgent) Persona(text string) string { return text }

func (a *ChatAgent) Capabilities() map[string]dispatcher.Capability {
	return map[string]dispatcher.Capability{
		"fetch_project_summary": a.fetchProjectSummary,
		"fetch_expense_list":    a.fetchExpenseList,
		"fetch_budget_status":   a.fetchBudgetStatus,
	}
}

func (a *ChatAgent) fetchProjectSummary(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	project, _ := args["project"].(string)
	if project == "" {
		return "", apperr.New(apperr.Validation, "project is required")
	}
	rows, err := a.expense.Summaries(ctx, expensestore.Filter{Project: project}, expensestore.SummaryByAuthState)
	if err != nil {
		return "", err
	}
	out := ""
	for _, r := range rows {
		out += fmt.Sprintf("%s: %d expenses, %s total\n", r.Key, r.Count, r.Total.String())
	}
	if out == "" {
		return "no expenses recorded for that project yet", nil
	}
	return out, nil
}

func (a *ChatAgent) fetchExpenseList(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	project, _ := args["project"].(string)
	status, _ := args["status"].(string)
	rows, err := a.expense.List(ctx, expensestore.Filter{Project: project, Status: expensestore.Status(status)}, expensestore.Page{})
	if err != nil {
		return "", err
	}
	out := ""
	for _, e := range rows {
		out += fmt.Sprintf("%s  %s  %s  %s\n", e.ID, e.Vendor, e.Amount().String(), e.Status)
	}
	if out == "" {
		return "no matching expenses", nil
	}
	return out, nil
}

func (a *ChatAgent) fetchBudgetStatus(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
	project, _ := args["project"].(string)
	if project == "" {
		return "", apperr.New(apperr.Validation, "project is required")
	}
	if a.budget == nil {
		return "budget monitoring is not configured", nil
	}
	return a.budget.BudgetStatus(ctx, project)
}
