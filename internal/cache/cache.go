// Package cache implements the Content-Addressed Cache (spec §4.2): a
// fingerprint-keyed store of prior categorization decisions, backed by
// Postgres via GORM for durability and a ttlcache snapshot for hot reads.
package cache

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/example/expense-core/internal/obs"
	"github.com/example/expense-core/internal/ttlcache"
)

// Entry is a single cached categorization decision, keyed by its
// normalized fingerprint.
type Entry struct {
	ID          string `gorm:"primaryKey"`
	Fingerprint string `gorm:"uniqueIndex;size:512"`
	Stage       string
	Account     string
	AccountName string
	Confidence  int
	Reasoning   string
	HitCount    int64
	LastUsedAt  time.Time
	CreatedAt   time.Time
}

func (Entry) TableName() string { return "categorization_cache_entries" }

// hotTTL is how long a fingerprint stays in the lock-free in-process
// snapshot before a read falls back to the store of record. It is
// independent of Entry's 30-day durable TTL (spec §4.2) — this is purely a
// read-path optimization, never the source of truth for eviction.
const hotTTL = 5 * time.Minute

const hotCap = 50_000

var collapseWhitespace = regexp.MustCompile(`\s+`)
var leadingTrailingPunct = regexp.MustCompile(`^[[:punct:]]+|[[:punct:]]+$`)

// Fingerprint normalizes description for stage per spec §4.2: lowercase,
// collapse whitespace, strip leading/trailing punctuation, append the stage
// token.
func Fingerprint(description, stage string) string {
	s := strings.ToLower(strings.TrimSpace(description))
	s = collapseWhitespace.ReplaceAllString(s, " ")
	s = leadingTrailingPunct.ReplaceAllString(s, "")
	return s + "|" + stage
}

// Store is the content-addressed cache's store of record plus its hot-key
// snapshot.
type Store struct {
	db  *gorm.DB
	hot *ttlcache.Cache[*Entry]
	log *obs.Log
}

// New builds a Store over db, running AutoMigrate for Entry.
func New(db *gorm.DB, log *obs.Log) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Store{db: db, hot: ttlcache.New[*Entry](hotCap, hotTTL), log: log}, nil
}

// Lookup returns the cached entry for fingerprint, or (nil, false) on miss.
// A hit in the hot snapshot is returned without consulting the store of
// record, so for up to hotTTL after it was cached an entry can be served
// even if its row has since changed or been removed. Only a snapshot miss
// reads the store.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*Entry, bool) {
	if e, ok := s.hot.Get(fingerprint); ok {
		return e, true
	}
	var e Entry
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&e).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.WithError(err).Warn("cache lookup failed, treating as miss")
		}
		return nil, false
	}
	s.hot.Set(fingerprint, &e)
	return &e, true
}

// Insert writes a new entry. Concurrent callers racing to insert the same
// fingerprint are expected: a unique-constraint collision is treated as
// success and the existing row is returned instead (spec §4.2 concurrency
// rule). Cache writes never block the categorization main path: callers
// should log and continue on error rather than fail the row.
func (s *Store) Insert(ctx context.Context, e *Entry) (*Entry, error) {
	e.LastUsedAt = time.Now()
	e.HitCount = 0
	err := s.db.WithContext(ctx).Create(e).Error
	if err == nil {
		s.hot.Set(e.Fingerprint, e)
		return e, nil
	}
	if isUniqueViolation(err) {
		var existing Entry
		if lookupErr := s.db.WithContext(ctx).Where("fingerprint = ?", e.Fingerprint).First(&existing).Error; lookupErr == nil {
			s.hot.Set(existing.Fingerprint, &existing)
			return &existing, nil
		}
	}
	return nil, err
}

// Touch updates last-used and increments hit count for an entry id. Best
// effort: failures are logged, never propagated to the caller's main path.
func (s *Store) Touch(ctx context.Context, id string) {
	err := s.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_used_at": time.Now(),
			"hit_count":    gorm.Expr("hit_count + 1"),
		}).Error
	if err != nil {
		s.log.WithError(err).Warn("cache touch failed")
	}
}

// Sweep deletes entries whose last use is older than ttl (spec: "TTL is 30
// days from last-used; a periodic sweep removes stale entries"). Intended
// to be called by the Background Orchestrator's cleanup_cache_tombstones
// job, not on the read path.
func (s *Store) Sweep(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res := s.db.WithContext(ctx).Where("last_used_at < ?", cutoff).Delete(&Entry{})
	return res.RowsAffected, res.Error
}

func isUniqueViolation(err error) bool {
	// Postgres unique_violation is SQLSTATE 23505; pgx/gorm surface it as a
	// substring of the driver error text rather than a typed sentinel here.
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}
