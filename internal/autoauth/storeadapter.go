package autoauth

import (
	"context"
	"time"

	"github.com/example/expense-core/internal/expensestore"
)

// StoreAdapter satisfies the ledger interface over a live Expense Store,
// translating its Expense rows into the engine's narrow Candidate shape.
// Kept in autoauth (rather than on expensestore.Store itself) so the store
// carries no knowledge of the auto-authorization engine that consumes it.
type StoreAdapter struct {
	Store *expensestore.Store
}

// NewStoreAdapter builds a ledger implementation over an expense store.
func NewStoreAdapter(store *expensestore.Store) *StoreAdapter {
	return &StoreAdapter{Store: store}
}

func (a *StoreAdapter) PendingCandidates(ctx context.Context, project string, since *time.Time) ([]Candidate, error) {
	rows, err := a.Store.PendingCandidates(ctx, project, since)
	if err != nil {
		return nil, err
	}
	return toCandidates(rows), nil
}

func (a *StoreAdapter) AuthorizedCandidates(ctx context.Context, project string) ([]Candidate, error) {
	rows, err := a.Store.AuthorizedCandidates(ctx, project)
	if err != nil {
		return nil, err
	}
	return toCandidates(rows), nil
}

func (a *StoreAdapter) OlderThan(ctx context.Context, project string, days int) ([]Candidate, error) {
	rows, err := a.Store.OlderThan(ctx, project, days)
	if err != nil {
		return nil, err
	}
	return toCandidates(rows), nil
}

func (a *StoreAdapter) ConditionalAuthorize(ctx context.Context, expenseID, authorizer string) (bool, error) {
	return a.Store.ConditionalAuthorize(ctx, expenseID, authorizer)
}

func toCandidates(rows []expensestore.Expense) []Candidate {
	out := make([]Candidate, len(rows))
	for i, r := range rows {
		out[i] = Candidate{
			ID: r.ID, Project: r.Project, Vendor: r.Vendor, AmountCents: r.AmountCents,
			Date: r.TransactionDate, Description: r.Description, Account: r.Account, Status: string(r.Status),
		}
	}
	return out
}
