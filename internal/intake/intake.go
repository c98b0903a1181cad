// Package intake implements the Receipt Intake Queue (spec §4.8): the
// state machine a receipt travels through from upload to linked expenses,
// with hash- and (project, vendor, amount, date)-based dedupe.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/expense-core/internal/apperr"
)

// Status is an intake row's lifecycle state (spec §4.8 state machine).
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusReady       Status = "ready"
	StatusLinked      Status = "linked"
	StatusDuplicate   Status = "duplicate"
	StatusCheckReview Status = "check_review"
	StatusRejected    Status = "rejected"
	StatusError       Status = "error"
)

var terminal = map[Status]bool{
	StatusLinked: true, StatusRejected: true, StatusDuplicate: true, StatusError: true,
}

// dedupeWindow bounds the (project, vendor, amount, date) duplicate check
// to intakes from the last 30 days (spec §4.8).
const dedupeWindow = 30 * 24 * time.Hour

// Intake is the canonical receipt-intake row.
type Intake struct {
	ID                string `gorm:"primaryKey"`
	Project           string
	Uploader          string
	StorageKey        string
	FileHash          string `gorm:"index"`
	ExtractedText     string
	Status            Status
	BatchID           string
	ThumbnailKey      string
	VaultFileRef      string
	CreatedExpenseIDs string // comma-joined ordered set
	Vendor            string
	AmountCents       int64
	TransactionDate   *time.Time
	StatusNote        string // reason attached to the last manual Mark, if any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Intake) TableName() string { return "receipt_intakes" }

// expenseLookup is the minimal view of the Expense Store the dedupe check
// needs, kept narrow to avoid a package cycle (expensestore never depends
// on intake).
type expenseLookup interface {
	ExistsRecent(ctx context.Context, project, vendor string, amountCents int64, date time.Time, since time.Time) (bool, error)
}

// Queue is the Receipt Intake Queue.
type Queue struct {
	db       *gorm.DB
	expenses expenseLookup
}

// New builds a Queue over db, running AutoMigrate for Intake.
func New(db *gorm.DB, expenses expenseLookup) (*Queue, error) {
	if err := db.AutoMigrate(&Intake{}); err != nil {
		return nil, err
	}
	return &Queue{db: db, expenses: expenses}, nil
}

// Hash computes the SHA-256 hex digest used for intake dedupe.
func Hash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Upload persists a new intake row, first checking for an existing
// non-terminal intake with the same hash in the same project. The
// (project, vendor, amount, date) expense check is not made here; it is
// CheckExpenseDuplicate, once OCR has surfaced those fields.
func (q *Queue) Upload(ctx context.Context, project, uploader, storageKey string, blob []byte) (string, Status, error) {
	hash := Hash(blob)

	var existing Intake
	err := q.db.WithContext(ctx).
		Where("project = ? AND file_hash = ? AND status NOT IN ?", project, hash, terminalStatuses()).
		First(&existing).Error
	if err == nil {
		return existing.ID, StatusDuplicate, nil
	}
	if err != gorm.ErrRecordNotFound {
		return "", "", apperr.Wrap(apperr.Internal, "duplicate hash lookup failed", err)
	}

	row := &Intake{
		ID: uuid.NewString(), Project: project, Uploader: uploader,
		StorageKey: storageKey, FileHash: hash, Status: StatusPending,
	}
	if err := q.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", "", apperr.Wrap(apperr.Internal, "intake create failed", err)
	}
	return row.ID, StatusPending, nil
}

// CheckExpenseDuplicate runs the second dedupe check (spec §4.8: "checks
// for an existing expense matching (project, vendor, amount, date)
// produced from a recent intake"), once OCR has surfaced vendor/amount/date.
func (q *Queue) CheckExpenseDuplicate(ctx context.Context, intakeID, vendor string, amountCents int64, date time.Time) (bool, error) {
	since := time.Now().Add(-dedupeWindow)
	dup, err := q.expenses.ExistsRecent(ctx, q.projectOf(ctx, intakeID), vendor, amountCents, date, since)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "expense dedupe check failed", err)
	}
	return dup, nil
}

// Get fetches a single intake row by id.
func (q *Queue) Get(ctx context.Context, intakeID string) (*Intake, error) {
	var row Intake
	if err := q.db.WithContext(ctx).Where("id = ?", intakeID).First(&row).Error; err != nil {
		return nil, notFoundOrErr(err)
	}
	return &row, nil
}

// LinkedIntakeFor satisfies the auto-authorization engine's intakeLookup
// interface (R3_RECEIPT_SUFFICIENT): reports whether expenseID appears in
// some linked intake's created-expense set.
func (q *Queue) LinkedIntakeFor(ctx context.Context, expenseID string) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&Intake{}).
		Where("status = ? AND created_expense_ids LIKE ?", StatusLinked, "%"+expenseID+"%").
		Count(&count).Error
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "linked-intake lookup failed", err)
	}
	return count > 0, nil
}

func (q *Queue) projectOf(ctx context.Context, intakeID string) string {
	var row Intake
	if err := q.db.WithContext(ctx).Select("project").Where("id = ?", intakeID).First(&row).Error; err != nil {
		return ""
	}
	return row.Project
}

// StartProcessing transitions pending -> processing (spec: "OCR start").
func (q *Queue) StartProcessing(ctx context.Context, intakeID string) error {
	return q.transition(ctx, intakeID, StatusPending, StatusProcessing)
}

// CompleteProcessing transitions processing -> ready or check_review
// depending on whether OCR confidence warrants human review.
func (q *Queue) CompleteProcessing(ctx context.Context, intakeID string, needsReview bool, extractedText, vendor string, amountCents int64, date *time.Time) error {
	next := StatusReady
	if needsReview {
		next = StatusCheckReview
	}
	return q.db.WithContext(ctx).Model(&Intake{}).Where("id = ? AND status = ?", intakeID, StatusProcessing).
		Updates(map[string]interface{}{
			"status": next, "extracted_text": extractedText, "vendor": vendor,
			"amount_cents": amountCents, "transaction_date": date,
		}).Error
}

// FailProcessing transitions processing -> error.
func (q *Queue) FailProcessing(ctx context.Context, intakeID string) error {
	return q.transition(ctx, intakeID, StatusProcessing, StatusError)
}

// LinkResult reports partial expense creation (spec §4.8).
type LinkResult struct {
	Created int
	Skipped int
	Reasons []string
}

// Link records the expense ids created from this intake and transitions
// ready -> linked, as long as at least one expense was created.
func (q *Queue) Link(ctx context.Context, intakeID string, createdExpenseIDs []string, result LinkResult) error {
	if len(createdExpenseIDs) == 0 {
		return apperr.New(apperr.BusinessRule, "cannot link an intake with zero created expenses")
	}
	return q.db.WithContext(ctx).Model(&Intake{}).Where("id = ? AND status = ?", intakeID, StatusReady).
		Updates(map[string]interface{}{
			"status":              StatusLinked,
			"created_expense_ids": joinIDs(createdExpenseIDs),
		}).Error
}

// Mark applies a manual status override, valid from any non-terminal state.
func (q *Queue) Mark(ctx context.Context, intakeID string, status Status, reason string) error {
	var row Intake
	if err := q.db.WithContext(ctx).Where("id = ?", intakeID).First(&row).Error; err != nil {
		return notFoundOrErr(err)
	}
	if terminal[row.Status] {
		return apperr.Newf(apperr.BusinessRule, "intake %s is already in terminal state %s", intakeID, row.Status)
	}
	return q.db.WithContext(ctx).Model(&Intake{}).Where("id = ?", intakeID).
		Updates(map[string]interface{}{"status": status, "status_note": reason}).Error
}

func (q *Queue) transition(ctx context.Context, intakeID string, from, to Status) error {
	res := q.db.WithContext(ctx).Model(&Intake{}).Where("id = ? AND status = ?", intakeID, from).Update("status", to)
	if res.Error != nil {
		return apperr.Wrap(apperr.Internal, "intake transition failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.BusinessRule, "intake is not in %s state", from)
	}
	return nil
}

func terminalStatuses() []Status {
	return []Status{StatusLinked, StatusRejected, StatusDuplicate, StatusError}
}

func joinIDs(ids []string) string {
	out := ids[0]
	for _, id := range ids[1:] {
		out += "," + id
	}
	return out
}

func notFoundOrErr(err error) error {
	if err == gorm.ErrRecordNotFound {
		return apperr.New(apperr.NotFound, "intake not found")
	}
	return apperr.Wrap(apperr.Internal, "intake lookup failed", err)
}
