// Package affinity implements the Vendor-Account Affinity Index (spec
// §4.3): a per-vendor histogram of prior account assignments, used by the
// Categorization Engine as a fast, high-confidence escalation tier ahead of
// the ML classifier and LLM tiers.
package affinity

import (
	"context"

	"gorm.io/gorm"

	"github.com/example/expense-core/internal/obs"
)

// minCount and minRatio implement the dominant-account rule (spec §4.3):
// return an account only if count >= minCount for the vendor-account pair
// and count/vendor_total >= minRatio.
const (
	minCount = 5
	minRatio = 0.90
)

// Row is a single vendor-account histogram bucket.
type Row struct {
	Vendor  string `gorm:"primaryKey;size:256"`
	Account string `gorm:"primaryKey;size:64"`
	Count   int64
}

func (Row) TableName() string { return "vendor_account_affinity" }

// expenseSource is the minimal view of an expense the recompute query needs.
// It lets Index recompute a vendor's histogram without importing
// expensestore; *expensestore.Store satisfies it.
type expenseSource interface {
	// VendorAccountCounts returns, for vendor, the account each expense with
	// a known account was assigned, one row per expense.
	VendorAccountCounts(ctx context.Context, vendor string) ([]string, error)
}

// Index answers dominant-account lookups and recomputes histograms from
// source on qualifying mutations.
type Index struct {
	db     *gorm.DB
	source expenseSource
	log    *obs.Log
}

// New builds an Index over db (the histogram store) and source (the
// expense data qualifying mutations recompute from).
func New(db *gorm.DB, source expenseSource, log *obs.Log) (*Index, error) {
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, err
	}
	return &Index{db: db, source: source, log: log}, nil
}

// Dominant returns the account for vendor if the dominant-account rule
// passes, along with the ratio used to derive the Categorization Engine's
// confidence (confidence = round(100 * ratio)).
func (idx *Index) Dominant(ctx context.Context, vendor string) (account string, ratio float64, ok bool) {
	if vendor == "" {
		return "", 0, false
	}
	var rows []Row
	if err := idx.db.WithContext(ctx).Where("vendor = ?", vendor).Find(&rows).Error; err != nil {
		idx.log.WithError(err).Warn("affinity lookup failed")
		return "", 0, false
	}
	var total int64
	var best Row
	for _, r := range rows {
		total += r.Count
		if r.Count > best.Count {
			best = r
		}
	}
	if total == 0 || best.Count < minCount {
		return "", 0, false
	}
	ratio = float64(best.Count) / float64(total)
	if ratio < minRatio {
		return "", 0, false
	}
	return best.Account, ratio, true
}

// Invalidate drops vendor's histogram outright, without rebuilding it.
// Intended for the Background Orchestrator's invalidate_cache_for_vendor job
// (spec §4.14), triggered when an upstream correction makes the existing
// histogram untrustworthy; the next Dominant lookup simply misses until a
// Recompute repopulates it.
func (idx *Index) Invalidate(ctx context.Context, vendor string) (int64, error) {
	if vendor == "" {
		return 0, nil
	}
	res := idx.db.WithContext(ctx).Where("vendor = ?", vendor).Delete(&Row{})
	return res.RowsAffected, res.Error
}

// Recompute rebuilds vendor's entire histogram from source and upserts rows.
// Per spec §4.3 ("no partial updates: correctness beats speed"), this is a
// full delete-and-rebuild under a single transaction, never an incremental
// counter bump.
func (idx *Index) Recompute(ctx context.Context, vendor string) error {
	if vendor == "" {
		return nil
	}
	accounts, err := idx.source.VendorAccountCounts(ctx, vendor)
	if err != nil {
		return err
	}
	counts := make(map[string]int64, len(accounts))
	for _, a := range accounts {
		if a == "" {
			continue
		}
		counts[a]++
	}
	return idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("vendor = ?", vendor).Delete(&Row{}).Error; err != nil {
			return err
		}
		for account, count := range counts {
			row := Row{Vendor: vendor, Account: account, Count: count}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
