// Package chartmaster provides read-only lookups against chart-of-accounts
// master data (spec §4.5: "ordered account list (id + name only)"), the
// account options and recent human corrections the Categorization Engine's
// LLM tiers need as prompt context. Accounts are owned by an upstream
// accounting system, same as internal/billmaster's bill rows; this package
// never writes them.
package chartmaster

import (
	"context"

	"gorm.io/gorm"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/categorization"
	"github.com/example/expense-core/internal/expensestore"
)

// Account is a read-only chart-of-accounts row, mirrored from an upstream
// accounting system. Stage scopes an account to a project phase (e.g.
// "receiving", "closeout"); an empty stage means the account applies to
// every stage.
type Account struct {
	ID      string `gorm:"primaryKey"`
	Project string `gorm:"index"`
	Stage   string
	Name    string
	Active  bool
}

func (Account) TableName() string { return "chart_of_accounts" }

// Store provides read-only account and correction-history lookups, serving
// the categorization package's chartSource interface. Its sync job (outside
// this package's scope) is the only writer of Account rows.
type Store struct {
	db       *gorm.DB
	expenses *expensestore.Store
}

// New builds a Store, running AutoMigrate for Account. expenses supplies
// the recent-correction history; it may be nil if callers never need
// RecentCorrections (e.g. a fixture-only test).
func New(db *gorm.DB, expenses *expensestore.Store) (*Store, error) {
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, err
	}
	return &Store{db: db, expenses: expenses}, nil
}

// AccountOptions satisfies categorization's chartSource interface: every
// active account for project that applies to stage (stage-scoped accounts
// plus stage-agnostic ones).
func (s *Store) AccountOptions(ctx context.Context, project, stage string) ([]categorization.AccountOption, error) {
	var rows []Account
	err := s.db.WithContext(ctx).
		Where("project = ? AND active = ? AND (stage = ? OR stage = '')", project, true, stage).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "chart-of-accounts lookup failed", err)
	}
	options := make([]categorization.AccountOption, len(rows))
	for i, r := range rows {
		options[i] = categorization.AccountOption{ID: r.ID, Name: r.Name}
	}
	return options, nil
}

// RecentCorrections satisfies categorization's chartSource interface: the
// most recent human corrections to the account field for project. stage is
// accepted for interface symmetry but unused: the expense change log
// carries no stage column to filter by.
func (s *Store) RecentCorrections(ctx context.Context, project, stage string, limit int) ([]categorization.Correction, error) {
	if s.expenses == nil {
		return nil, nil
	}
	rows, err := s.expenses.RecentAccountCorrections(ctx, project, limit)
	if err != nil {
		return nil, err
	}
	out := make([]categorization.Correction, len(rows))
	for i, r := range rows {
		out[i] = categorization.Correction{Description: r.Description, Account: r.Account}
	}
	return out, nil
}
