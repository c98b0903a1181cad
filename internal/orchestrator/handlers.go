package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/expense-core/internal/affinity"
	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/autoauth"
	"github.com/example/expense-core/internal/cache"
	"github.com/example/expense-core/internal/expensestore"
	"github.com/example/expense-core/internal/messaging"
)

// ChangeLogPayload is write_change_log's payload: one field-level change,
// appended outside the transaction that produced it.
type ChangeLogPayload struct {
	ExpenseID string `json:"expense_id"`
	Field     string `json:"field"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	Actor     string `json:"actor"`
}

// StatusLogPayload is write_status_log's payload.
type StatusLogPayload struct {
	ExpenseID  string `json:"expense_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor"`
}

// TriggerAutoAuthPayload is trigger_auto_auth's payload: the affected
// project, enqueued after an expense insert (spec "happy path").
type TriggerAutoAuthPayload struct {
	Project string `json:"project"`
}

// RefreshAffinityPayload is refresh_affinity's payload.
type RefreshAffinityPayload struct {
	Vendor string `json:"vendor"`
}

// InvalidateCacheForVendorPayload is invalidate_cache_for_vendor's payload.
type InvalidateCacheForVendorPayload struct {
	Vendor string `json:"vendor"`
}

// SendChatDigestPayload is send_chat_digest's payload. The digest body is
// never inlined: it is written to blob storage first and referenced here by
// key, per spec §4.14's "large payloads by reference" rule.
type SendChatDigestPayload struct {
	ChannelKey string `json:"channel_key"`
	BlobKey    string `json:"blob_key"`
	AuthorName string `json:"author_name"`
}

// CleanupCacheTombstonesPayload is cleanup_cache_tombstones's payload.
type CleanupCacheTombstonesPayload struct {
	TTLHours int `json:"ttl_hours"`
}

// blobReader is the narrow blob-storage collaborator send_chat_digest needs
// to resolve a digest body from its blob key.
type blobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Collaborators bundles the components the seven default handlers wire
// against. Any field left nil simply isn't registered by RegisterDefaults.
type Collaborators struct {
	Expenses  *expensestore.Store
	AutoAuth  *autoauth.Engine
	Affinity  *affinity.Index
	Cache     *cache.Store
	Messaging *messaging.Substrate
	Blobs     blobReader
}

// RegisterDefaults wires the seven named jobs of spec §4.14 against c,
// skipping any job whose collaborator is nil.
func (o *Orchestrator) RegisterDefaults(c Collaborators) {
	if c.Expenses != nil {
		o.Register(JobWriteChangeLog, changeLogHandler(c.Expenses))
		o.Register(JobWriteStatusLog, statusLogHandler(c.Expenses))
	}
	if c.AutoAuth != nil {
		o.Register(JobTriggerAutoAuth, triggerAutoAuthHandler(c.AutoAuth))
	}
	if c.Affinity != nil {
		o.Register(JobRefreshAffinity, refreshAffinityHandler(c.Affinity))
		o.Register(JobInvalidateCacheForVendor, invalidateCacheHandler(c.Affinity))
	}
	if c.Cache != nil {
		o.Register(JobCleanupCacheTombstones, cleanupCacheHandler(c.Cache))
	}
	if c.Messaging != nil && c.Blobs != nil {
		o.Register(JobSendChatDigest, sendChatDigestHandler(c.Messaging, c.Blobs))
	}
}

func changeLogHandler(store *expensestore.Store) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p ChangeLogPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return apperr.Wrap(apperr.Validation, "change-log payload invalid", err)
		}
		return store.AppendChangeLogRow(ctx, expensestore.ChangeLogRow{
			ExpenseID: p.ExpenseID, Field: p.Field, OldValue: p.OldValue, NewValue: p.NewValue,
			Actor: p.Actor, CreatedAt: time.Now(),
		})
	}
}

func statusLogHandler(store *expensestore.Store) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p StatusLogPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return apperr.Wrap(apperr.Validation, "status-log payload invalid", err)
		}
		return store.AppendStatusLogRow(ctx, expensestore.StatusLogRow{
			ExpenseID: p.ExpenseID, FromStatus: expensestore.Status(p.FromStatus), ToStatus: expensestore.Status(p.ToStatus),
			Reason: p.Reason, Actor: p.Actor, CreatedAt: time.Now(),
		})
	}
}

func triggerAutoAuthHandler(engine *autoauth.Engine) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p TriggerAutoAuthPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return apperr.Wrap(apperr.Validation, "trigger-auto-auth payload invalid", err)
		}
		if p.Project == "" {
			return apperr.New(apperr.Validation, "project is required")
		}
		_, err := engine.Run(ctx, p.Project, nil)
		return err
	}
}

func refreshAffinityHandler(idx *affinity.Index) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p RefreshAffinityPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return apperr.Wrap(apperr.Validation, "refresh-affinity payload invalid", err)
		}
		return idx.Recompute(ctx, p.Vendor)
	}
}

func invalidateCacheHandler(idx *affinity.Index) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p InvalidateCacheForVendorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return apperr.Wrap(apperr.Validation, "invalidate-cache payload invalid", err)
		}
		_, err := idx.Invalidate(ctx, p.Vendor)
		return err
	}
}

func cleanupCacheHandler(store *cache.Store) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p CleanupCacheTombstonesPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return apperr.Wrap(apperr.Validation, "cleanup-cache payload invalid", err)
		}
		ttl := 30 * 24 * time.Hour // spec §4.2 default
		if p.TTLHours > 0 {
			ttl = time.Duration(p.TTLHours) * time.Hour
		}
		_, err := store.Sweep(ctx, ttl)
		return err
	}
}

func sendChatDigestHandler(sub *messaging.Substrate, blobs blobReader) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p SendChatDigestPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return apperr.Wrap(apperr.Validation, "send-chat-digest payload invalid", err)
		}
		if p.ChannelKey == "" || p.BlobKey == "" {
			return apperr.New(apperr.Validation, "channel_key and blob_key are required")
		}
		body, err := blobs.Get(ctx, p.BlobKey)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "digest blob fetch failed", err)
		}
		_, err = sub.Post(ctx, p.ChannelKey, p.AuthorName, string(body), "", "", "")
		return err
	}
}
