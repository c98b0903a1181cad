// Package billmaster provides read-only lookups against bill master data
// (spec §1: "project/vendor/account master data"), consumed by the
// auto-authorization engine's R2_BILL_HINT rule. Bill records are owned by
// an upstream accounting system; this package never writes them.
package billmaster

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/autoauth"
)

// Bill is a read-only bill master-data row, mirrored from an upstream
// accounting system (spec: "optional upstream identifiers from a reference
// accounting system").
type Bill struct {
	ID          string `gorm:"primaryKey"`
	ExpenseRef  string `gorm:"index"`
	Vendor      string
	AmountCents int64
	Date        time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Bill) TableName() string { return "bill_master" }

// Store provides read-only bill lookups. Its sync job (outside this
// package's scope) is the only writer.
type Store struct {
	db *gorm.DB
}

// New builds a Store, running AutoMigrate for Bill.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Bill{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// FindForExpense satisfies autoauth's billLookup interface: a bill that
// references expenseID directly by id.
func (s *Store) FindForExpense(ctx context.Context, expenseID string) (*autoauth.Bill, bool, error) {
	var row Bill
	err := s.db.WithContext(ctx).Where("expense_ref = ?", expenseID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, "bill-by-expense lookup failed", err)
	}
	return toAutoauthBill(row), true, nil
}

// FindByVendorAmountDate satisfies autoauth's billLookup interface: the
// closest bill by (vendor, amount, date), for the engine to tolerance-check.
func (s *Store) FindByVendorAmountDate(ctx context.Context, vendor string, amountCents int64, date time.Time) (*autoauth.Bill, bool, error) {
	from := date.AddDate(0, 0, -3)
	to := date.AddDate(0, 0, 3)
	var row Bill
	err := s.db.WithContext(ctx).
		Where("vendor = ? AND date BETWEEN ? AND ?", vendor, from, to).
		Order("ABS(amount_cents - ?)", amountCents).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, "bill-by-vendor lookup failed", err)
	}
	return toAutoauthBill(row), true, nil
}

func toAutoauthBill(row Bill) *autoauth.Bill {
	return &autoauth.Bill{ExpenseRef: row.ExpenseRef, Vendor: row.Vendor, AmountCents: row.AmountCents, Date: row.Date}
}
