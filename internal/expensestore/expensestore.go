// Package expensestore implements the Expense Store & State Machine (spec
// §4.7): the canonical ledger table, its change-log and status-log audit
// streams, and the {pending, authorized, review} transition rules.
package expensestore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/money"
)

// Status is an Expense's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusReview     Status = "review"
)

// allowedTransitions enumerates the legal status edges (spec §4.7):
// authorized -> pending is explicitly forbidden, it would lose the
// authorizer trail.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusAuthorized: true, StatusReview: true},
	StatusAuthorized: {StatusReview: true},
	StatusReview:     {StatusAuthorized: true, StatusPending: true},
}

// Expense is the canonical ledger row.
type Expense struct {
	ID            string `gorm:"primaryKey"`
	Project       string
	TransactionDate time.Time
	AmountCents   int64
	Vendor        string
	Account       string
	Description   string
	PaymentMethod string
	BillRef       string
	UpstreamRef   string

	Status              Status
	AuthorizerRef       string
	StatusChangeReason  string
	UpdatedBy           string

	CategorizationConfidence *int
	CategorizationSource     *string

	Version   int64 // opaque compare-and-set token
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Expense) TableName() string { return "expenses" }

// Amount exposes the fixed-point amount; AmountCents is the wire/storage
// representation (spec: "internal math uses fixed-point").
func (e *Expense) Amount() money.Amount { return money.FromCents(e.AmountCents) }

// ChangeLogRow is one append-only field-level change (spec §3 AuditRow).
type ChangeLogRow struct {
	ID        string `gorm:"primaryKey"`
	ExpenseID string `gorm:"index"`
	Field     string
	OldValue  string
	NewValue  string
	Actor     string
	Status    Status
	CreatedAt time.Time
}

func (ChangeLogRow) TableName() string { return "expense_change_log" }

// StatusLogRow is one append-only status transition.
type StatusLogRow struct {
	ID         string `gorm:"primaryKey"`
	ExpenseID  string `gorm:"index"`
	FromStatus Status
	ToStatus   Status
	Reason     string
	Actor      string
	CreatedAt  time.Time
}

func (StatusLogRow) TableName() string { return "expense_status_log" }

// Filter narrows List/Summaries to a subset of expenses.
type Filter struct {
	Project   string
	Status    Status
	Vendor    string
	Account   string
	DateFrom  *time.Time
	DateTo    *time.Time
}

// Page selects one page of a filtered listing.
type Page struct {
	Offset int
	Limit  int
}

const defaultPageSize = 200

// Patch describes a partial Update; a nil field is left unchanged. Version
// must match the row's current Version for the update to apply.
type Patch struct {
	Version       int64
	Description   *string
	Account       *string
	Vendor        *string
	PaymentMethod *string
	Status        *Status
	Reason        *string
	UpdatedBy     string
	BookkeeperRole bool
}

// Store is the Expense Store.
type Store struct {
	db *gorm.DB
}

// New builds a Store over db, running AutoMigrate for its models.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Expense{}, &ChangeLogRow{}, &StatusLogRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Create inserts a single expense, defaulting to pending status.
func (s *Store) Create(ctx context.Context, e *Expense) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.UpdatedBy == "" {
		return "", apperr.New(apperr.Validation, "updated_by is required")
	}
	e.Version = 1
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return "", apperr.Wrap(apperr.Internal, "create expense failed", err)
	}
	return e.ID, nil
}

// CreateBatch inserts all expenses atomically: either all rows land or
// none (spec §3 invariant vi).
func (s *Store) CreateBatch(ctx context.Context, expenses []*Expense) ([]string, error) {
	ids := make([]string, len(expenses))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, e := range expenses {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.Status == "" {
				e.Status = StatusPending
			}
			if e.UpdatedBy == "" {
				return apperr.New(apperr.Validation, "updated_by is required")
			}
			e.Version = 1
			if err := tx.Create(e).Error; err != nil {
				return err
			}
			ids[i] = e.ID
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "batch create failed", err)
	}
	return ids, nil
}

// Update applies patch to id, producing one change-log row per modified
// field and a status-log row if status changed. Concurrent conflicting
// writes return a conflict error via the version compare-and-set. On
// success it returns the row's new version token, so a caller can chain
// the next CAS update without a separate read (spec §4.7 `PATCH /expenses/{id}
// {fields, version_token} -> {id, version_token}`).
func (s *Store) Update(ctx context.Context, id string, patch Patch) (int64, error) {
	if patch.UpdatedBy == "" {
		return 0, apperr.New(apperr.Validation, "updated_by is required")
	}
	newVersion := patch.Version
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e Expense
		if err := tx.Where("id = ?", id).First(&e).Error; err != nil {
			return notFoundOrErr(err, "expense")
		}

		changes := diffPatch(&e, patch)
		newStatus := e.Status
		autoReview := false
		if e.Status == StatusAuthorized && patch.BookkeeperRole && patch.Status == nil && hasNonStatusChange(patch) {
			// A bookkeeper edits fields other than status while authorized:
			// auto-transition to review (spec §4.7).
			newStatus = StatusReview
			autoReview = true
		}
		if patch.Status != nil {
			newStatus = *patch.Status
		}

		e.Description = coalesce(patch.Description, e.Description)
		e.Account = coalesce(patch.Account, e.Account)
		e.Vendor = coalesce(patch.Vendor, e.Vendor)
		e.PaymentMethod = coalesce(patch.PaymentMethod, e.PaymentMethod)
		e.UpdatedBy = patch.UpdatedBy

		if newStatus != e.Status {
			if err := validateTransition(e.Status, newStatus); err != nil {
				return err
			}
			if err := applyStatusEffects(&e, newStatus, reasonOf(patch.Reason, autoReview)); err != nil {
				return err
			}
			statusLog := &StatusLogRow{
				ID: uuid.NewString(), ExpenseID: e.ID, FromStatus: e.Status, ToStatus: newStatus,
				Reason: e.StatusChangeReason, Actor: patch.UpdatedBy,
			}
			e.Status = newStatus
			if err := tx.Create(statusLog).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&Expense{}).Where("id = ? AND version = ?", id, patch.Version).
			Updates(map[string]interface{}{
				"description":           e.Description,
				"account":               e.Account,
				"vendor":                e.Vendor,
				"payment_method":        e.PaymentMethod,
				"status":                e.Status,
				"authorizer_ref":        e.AuthorizerRef,
				"status_change_reason":  e.StatusChangeReason,
				"updated_by":            e.UpdatedBy,
				"version":               gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.Conflict, "expense was modified concurrently; retry with the latest version")
		}

		for _, c := range changes {
			c.ID = uuid.NewString()
			c.ExpenseID = id
			c.Actor = patch.UpdatedBy
			c.Status = e.Status
			if err := tx.Create(&c).Error; err != nil {
				return err
			}
		}
		newVersion = patch.Version + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// SetStatus validates and applies a status transition with an optional
// reason, returning the row's new version token.
func (s *Store) SetStatus(ctx context.Context, id string, newStatus Status, reason, updatedBy string, version int64) (int64, error) {
	if updatedBy == "" {
		return 0, apperr.New(apperr.Validation, "updated_by is required")
	}
	patch := Patch{Version: version, Status: &newStatus, UpdatedBy: updatedBy}
	if reason != "" {
		patch.Reason = &reason
	}
	return s.Update(ctx, id, patch)
}

// SoftDelete transitions an expense to review, clears its authorizer, and
// soft-deletes the row (spec §4.7).
func (s *Store) SoftDelete(ctx context.Context, id, reason, updatedBy string, version int64) error {
	if _, err := s.SetStatus(ctx, id, StatusReview, reason, updatedBy, version); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Expense{}).Error
}

// List returns one page of expenses matching filter. Callers summing
// across all matching rows must page through every offset — spec §4.7
// forbids truncating at a single page.
func (s *Store) List(ctx context.Context, filter Filter, page Page) ([]Expense, error) {
	limit := page.Limit
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	q := s.applyFilter(s.db.WithContext(ctx), filter)
	var rows []Expense
	if err := q.Order("transaction_date DESC, id").Offset(page.Offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list expenses failed", err)
	}
	return rows, nil
}

// Count returns the total number of expenses matching filter, ignoring
// pagination, for building the {items, page, total} listing envelope
// (spec §4.7 `GET /expenses`).
func (s *Store) Count(ctx context.Context, filter Filter) (int64, error) {
	var total int64
	err := s.applyFilter(s.db.WithContext(ctx), filter).Model(&Expense{}).Count(&total).Error
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "count expenses failed", err)
	}
	return total, nil
}

// SummaryBy names the dimension Summaries aggregates over.
type SummaryBy string

const (
	SummaryByTransactionType SummaryBy = "transaction_type"
	SummaryByProject         SummaryBy = "project"
	SummaryByAuthState       SummaryBy = "authorization_state"
)

// SummaryRow is one aggregate bucket.
type SummaryRow struct {
	Key   string
	Count int64
	Total money.Amount
}

// Summaries aggregates expenses matching filter by dimension, implemented
// by full-scan paging so counts equal the underlying data exactly (spec
// §4.7).
func (s *Store) Summaries(ctx context.Context, filter Filter, by SummaryBy) ([]SummaryRow, error) {
	buckets := map[string]*SummaryRow{}
	offset := 0
	for {
		rows, err := s.List(ctx, filter, Page{Offset: offset, Limit: defaultPageSize})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			key := summaryKey(r, by)
			b, ok := buckets[key]
			if !ok {
				b = &SummaryRow{Key: key}
				buckets[key] = b
			}
			b.Count++
			b.Total = b.Total.Add(r.Amount())
		}
		offset += len(rows)
		if len(rows) < defaultPageSize {
			break
		}
	}
	out := make([]SummaryRow, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	return out, nil
}

// VendorAccountCounts satisfies the affinity package's expenseSource
// interface: it returns the account assigned to every expense for vendor,
// across every page.
func (s *Store) VendorAccountCounts(ctx context.Context, vendor string) ([]string, error) {
	var accounts []string
	offset := 0
	for {
		var rows []Expense
		err := s.db.WithContext(ctx).Where("vendor = ? AND account <> ''", vendor).
			Order("id").Offset(offset).Limit(defaultPageSize).Find(&rows).Error
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			accounts = append(accounts, r.Account)
		}
		offset += len(rows)
		if len(rows) < defaultPageSize {
			break
		}
	}
	return accounts, nil
}

// AccountCorrection is one human edit of an expense's account field,
// joined back to the description it was categorizing.
type AccountCorrection struct {
	Description string
	Account     string
}

// RecentAccountCorrections returns the most recent limit human corrections
// to the account field for project, newest first, for use as categorization
// LLM-tier prompt context (spec §4.5 "recent corrections"). The change log
// carries no stage column, so this does not filter by stage.
func (s *Store) RecentAccountCorrections(ctx context.Context, project string, limit int) ([]AccountCorrection, error) {
	var rows []AccountCorrection
	err := s.db.WithContext(ctx).
		Table("expense_change_log AS c").
		Joins("JOIN expenses AS e ON e.id = c.expense_id").
		Where("c.field = ? AND e.project = ?", "account", project).
		Order("c.created_at DESC").
		Limit(limit).
		Select("e.description AS description, c.new_value AS account").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "recent account corrections lookup failed", err)
	}
	return rows, nil
}

// ExistsRecent satisfies the intake package's expenseLookup interface: it
// reports whether an expense matching (project, vendor, amount, date) was
// created since since (spec §4.8 dedupe check).
func (s *Store) ExistsRecent(ctx context.Context, project, vendor string, amountCents int64, date time.Time, since time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Expense{}).
		Where("project = ? AND vendor = ? AND amount_cents = ? AND transaction_date = ? AND created_at >= ?",
			project, vendor, amountCents, date, since).
		Count(&count).Error
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "recent-expense lookup failed", err)
	}
	return count > 0, nil
}

// PendingCandidates is read by the auto-authorization engine: every pending
// expense for project, optionally restricted to rows created since the
// given time. Returns the store's own Expense rows; callers adapt to
// whatever narrower shape they reason over (see autoauth.StoreAdapter).
func (s *Store) PendingCandidates(ctx context.Context, project string, since *time.Time) ([]Expense, error) {
	q := s.db.WithContext(ctx).Where("project = ? AND status = ?", project, StatusPending)
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	var rows []Expense
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "pending candidates lookup failed", err)
	}
	return rows, nil
}

// AuthorizedCandidates is read by the auto-authorization engine's
// R1_EXACT_DUP check: every already-authorized expense for project, so a
// new pending expense can be compared against authorized history, not only
// against the rest of its own batch (spec §4.9: duplicate detection status
// ∈ {authorized, pending}).
func (s *Store) AuthorizedCandidates(ctx context.Context, project string) ([]Expense, error) {
	var rows []Expense
	err := s.db.WithContext(ctx).Where("project = ? AND status = ?", project, StatusAuthorized).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "authorized candidates lookup failed", err)
	}
	return rows, nil
}

// OlderThan is read by the auto-authorization engine's R6_HEALTH sweep:
// every pending expense older than ageDays.
func (s *Store) OlderThan(ctx context.Context, project string, ageDays int) ([]Expense, error) {
	cutoff := time.Now().AddDate(0, 0, -ageDays)
	var rows []Expense
	err := s.db.WithContext(ctx).Where("project = ? AND status = ? AND created_at < ?", project, StatusPending, cutoff).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "aged candidates lookup failed", err)
	}
	return rows, nil
}

// ConditionalAuthorize satisfies the autoauth package's ledger interface: a
// TOCTOU-safe compare-and-set that only authorizes a still-pending expense,
// reporting false (not an error) when the row changed concurrently.
func (s *Store) ConditionalAuthorize(ctx context.Context, expenseID, authorizer string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Expense{}).Where("id = ? AND status = ?", expenseID, StatusPending).
		Updates(map[string]interface{}{
			"status":         StatusAuthorized,
			"authorizer_ref": authorizer,
			"updated_by":     authorizer,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, apperr.Wrap(apperr.Internal, "conditional authorize failed", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AppendChangeLogRow persists a single field-level change row outside of
// Update's own transaction. Used by the Background Orchestrator's
// write_change_log job (spec §4.14) for callers that record a change after
// the fact rather than inline with the write that caused it.
func (s *Store) AppendChangeLogRow(ctx context.Context, row ChangeLogRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "change-log append failed", err)
	}
	return nil
}

// AppendStatusLogRow persists a single status-transition row outside of
// SetStatus's own transaction, for the write_status_log orchestrator job.
func (s *Store) AppendStatusLogRow(ctx context.Context, row StatusLogRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "status-log append failed", err)
	}
	return nil
}

func summaryKey(e Expense, by SummaryBy) string {
	switch by {
	case SummaryByProject:
		return e.Project
	case SummaryByAuthState:
		return string(e.Status)
	default:
		if e.BillRef != "" {
			return "bill"
		}
		return "receipt"
	}
}

func (s *Store) applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	if f.Project != "" {
		q = q.Where("project = ?", f.Project)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Vendor != "" {
		q = q.Where("vendor = ?", f.Vendor)
	}
	if f.Account != "" {
		q = q.Where("account = ?", f.Account)
	}
	if f.DateFrom != nil {
		q = q.Where("transaction_date >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("transaction_date <= ?", *f.DateTo)
	}
	return q
}

func validateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if allowedTransitions[from][to] {
		return nil
	}
	return apperr.Newf(apperr.BusinessRule, "transition %s -> %s is not allowed", from, to)
}

func applyStatusEffects(e *Expense, newStatus Status, reason string) error {
	switch newStatus {
	case StatusAuthorized:
		if e.AuthorizerRef == "" {
			e.AuthorizerRef = e.UpdatedBy
		}
		e.StatusChangeReason = ""
	case StatusReview:
		if reason == "" {
			return apperr.New(apperr.Validation, "review status requires a reason")
		}
		e.StatusChangeReason = reason
		e.AuthorizerRef = ""
	case StatusPending:
		e.AuthorizerRef = ""
		e.StatusChangeReason = ""
	}
	return nil
}

func reasonOf(reason *string, autoReview bool) string {
	if reason != nil {
		return *reason
	}
	if autoReview {
		return "bookkeeper edit while authorized"
	}
	return ""
}

func hasNonStatusChange(p Patch) bool {
	return p.Description != nil || p.Account != nil || p.Vendor != nil || p.PaymentMethod != nil
}

func diffPatch(e *Expense, p Patch) []ChangeLogRow {
	var changes []ChangeLogRow
	add := func(field, oldVal string, newVal *string) {
		if newVal != nil && *newVal != oldVal {
			changes = append(changes, ChangeLogRow{Field: field, OldValue: oldVal, NewValue: *newVal, CreatedAt: time.Now()})
		}
	}
	add("description", e.Description, p.Description)
	add("account", e.Account, p.Account)
	add("vendor", e.Vendor, p.Vendor)
	add("payment_method", e.PaymentMethod, p.PaymentMethod)
	return changes
}

func coalesce(patch *string, current string) string {
	if patch != nil {
		return *patch
	}
	return current
}

func notFoundOrErr(err error, what string) error {
	if err == gorm.ErrRecordNotFound {
		return apperr.Newf(apperr.NotFound, "%s not found", what)
	}
	return apperr.Wrap(apperr.Internal, "lookup failed", err)
}
