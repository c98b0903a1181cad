// Package reconciler implements the Mismatch Reconciler (spec §4.10): when a
// linked intake's OCR total disagrees with the expenses created from it, the
// reconciler re-extracts the receipt with a bias toward finding missing
// items, compares against the created expenses, and persists a suggested
// correction. Suggestions never auto-apply.
package reconciler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/llmgateway"
	"github.com/example/expense-core/internal/money"
	"github.com/example/expense-core/internal/obs"
)

// Outcome classifies what went wrong between the receipt and the created
// expenses.
type Outcome string

const (
	OutcomeMissingItems        Outcome = "missing_items"
	OutcomeDuplicatedLine      Outcome = "duplicated_line"
	OutcomeTotalWrong          Outcome = "total_wrong"
	OutcomeAmountsConsolidated Outcome = "amounts_consolidated"
)

// CorrectionKind is the shape of the suggested fix a human can apply.
type CorrectionKind string

const (
	CorrectionCreateExpenses CorrectionKind = "create_expenses"
	CorrectionSplitExpense   CorrectionKind = "split_expense"
	CorrectionManualReview   CorrectionKind = "manual_review"
)

// CreatedExpense is the narrow view of an already-created expense the
// reconciler compares against the receipt.
type CreatedExpense struct {
	ID          string
	Description string
	AmountCents int64
}

// Suggestion is a persisted reconciliation proposal. It is never applied by
// the reconciler itself: a human approves or rejects it via the API.
type Suggestion struct {
	ID              string `gorm:"primaryKey"`
	IntakeID        string `gorm:"index"`
	Outcome         Outcome
	CorrectionKind  CorrectionKind
	Detail          string `gorm:"type:jsonb"`
	Applied         bool
	ReviewedBy      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Suggestion) TableName() string { return "reconciliation_suggestions" }

// proposedLine is one line item reconciliation believes is missing or
// duplicated, carried inside Suggestion.Detail as JSON.
type proposedLine struct {
	Description string       `json:"description"`
	Amount      money.Amount `json:"amount"`
}

type suggestionDetail struct {
	ReceiptTotal   money.Amount   `json:"receipt_total"`
	ExpensesTotal  money.Amount   `json:"expenses_total"`
	MissingLines   []proposedLine `json:"missing_lines,omitempty"`
	DuplicateLines []proposedLine `json:"duplicate_lines,omitempty"`
	Narrative      string         `json:"narrative"`
}

// visionExtraction is the JSON shape requested from the gateway's vision
// tier, biased toward surfacing items a fast-path extraction may have
// dropped.
type visionExtraction struct {
	Total     string             `json:"total"`
	LineItems []visionLineItem   `json:"line_items"`
	Notes     string             `json:"notes"`
}

type visionLineItem struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

const reconcilePrompt = `You are re-examining a construction expense receipt because its total did
not reconcile against the expenses already created from it. List every line
item you can find, being especially careful to surface items that a first
extraction pass may have missed or merged together. Do not guess a total;
report exactly what is printed on the receipt.`

var reconcileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "total": {"type": "string"},
    "line_items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "description": {"type": "string"},
          "amount": {"type": "string"}
        },
        "required": ["description", "amount"]
      }
    },
    "notes": {"type": "string"}
  },
  "required": ["total", "line_items"]
}`)

// Reconciler compares re-extracted receipts against created expenses.
type Reconciler struct {
	db      *gorm.DB
	gateway *llmgateway.Gateway
	log     *obs.Log
}

// New builds a Reconciler, running AutoMigrate for Suggestion.
func New(db *gorm.DB, gateway *llmgateway.Gateway, log *obs.Log) (*Reconciler, error) {
	if err := db.AutoMigrate(&Suggestion{}); err != nil {
		return nil, err
	}
	return &Reconciler{db: db, gateway: gateway, log: log}, nil
}

// Reconcile re-extracts blob via the vision tier and compares the result
// against the expenses already created from intakeID, persisting one
// Suggestion.
func (r *Reconciler) Reconcile(ctx context.Context, intakeID string, blob []byte, mimeType string, created []CreatedExpense) (*Suggestion, error) {
	images := []string{encodeDataURL(mimeType, blob)}
	result, err := r.gateway.ExtractVision(ctx, images, reconcilePrompt, reconcileSchema)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "reconciliation re-extraction failed", err)
	}

	var extracted visionExtraction
	if err := json.Unmarshal(result.Value, &extracted); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamInvalid, "reconciliation response was not valid JSON", err)
	}

	receiptTotal := parseAmountOrZero(extracted.Total)
	expensesTotal := money.Zero
	for _, e := range created {
		expensesTotal = expensesTotal.Add(money.FromCents(e.AmountCents))
	}

	outcome, kind, detail := classify(extracted, created, receiptTotal, expensesTotal)

	data, _ := json.Marshal(detail)
	suggestion := &Suggestion{
		ID: uuid.NewString(), IntakeID: intakeID, Outcome: outcome,
		CorrectionKind: kind, Detail: string(data),
	}
	if err := r.db.WithContext(ctx).Create(suggestion).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persisting reconciliation suggestion failed", err)
	}
	return suggestion, nil
}

// Apply marks a suggestion reviewed. Neither Apply nor the HTTP handler
// that calls it mutates expenses: any expense creation or split the
// suggestion proposes is done separately, and Apply only records the
// reviewer's sign-off (spec: "they do not auto-apply").
func (r *Reconciler) Apply(ctx context.Context, suggestionID, reviewedBy string) error {
	res := r.db.WithContext(ctx).Model(&Suggestion{}).Where("id = ? AND applied = ?", suggestionID, false).
		Updates(map[string]interface{}{"applied": true, "reviewed_by": reviewedBy})
	if res.Error != nil {
		return apperr.Wrap(apperr.Internal, "applying reconciliation suggestion failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.Conflict, "suggestion already applied or not found")
	}
	return nil
}

func classify(extracted visionExtraction, created []CreatedExpense, receiptTotal, expensesTotal money.Amount) (Outcome, CorrectionKind, suggestionDetail) {
	detail := suggestionDetail{ReceiptTotal: receiptTotal, ExpensesTotal: expensesTotal}

	createdByDesc := map[string]int{}
	for _, e := range created {
		createdByDesc[normalize(e.Description)]++
	}
	extractedByDesc := map[string]int{}
	for _, li := range extracted.LineItems {
		extractedByDesc[normalize(li.Description)]++
	}

	var missing []proposedLine
	for _, li := range extracted.LineItems {
		key := normalize(li.Description)
		if createdByDesc[key] > 0 {
			createdByDesc[key]--
			continue
		}
		missing = append(missing, proposedLine{Description: li.Description, Amount: parseAmountOrZero(li.Amount)})
	}

	var duplicated []proposedLine
	for desc, count := range createdByDesc {
		if count > 0 {
			duplicated = append(duplicated, proposedLine{Description: desc})
		}
	}

	switch {
	case len(missing) > 0:
		detail.MissingLines = missing
		detail.Narrative = "the re-extracted receipt contains line items absent from the created expenses"
		return OutcomeMissingItems, CorrectionCreateExpenses, detail
	case len(duplicated) > 0:
		detail.DuplicateLines = duplicated
		detail.Narrative = "more created expenses share a description than appear on the receipt; likely a duplicated line"
		return OutcomeDuplicatedLine, CorrectionSplitExpense, detail
	case !receiptTotal.Equal(expensesTotal) && len(created) == 1:
		detail.Narrative = "a single expense's amount does not match the receipt total; the expense may consolidate several receipt lines"
		return OutcomeAmountsConsolidated, CorrectionSplitExpense, detail
	default:
		detail.Narrative = "line items reconcile but the total printed on the receipt disagrees with the sum of created expenses"
		return OutcomeTotalWrong, CorrectionManualReview, detail
	}
}

func normalize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+32)
		case r == ' ' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		}
	}
	return string(out)
}

func parseAmountOrZero(s string) money.Amount {
	a, err := money.Parse(s)
	if err != nil {
		return money.Zero
	}
	return a
}

func encodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
