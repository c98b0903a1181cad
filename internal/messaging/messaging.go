// Package messaging implements the Messaging Substrate (spec §4 overview,
// §3 Message entity): channels, messages, reactions, threads, mentions,
// read-status, and unread counts. Post sends push notifications to
// mentioned users inline, within the call; there is no separate background
// fan-out job.
package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/expense-core/internal/apperr"
)

// Message is a chat message addressable by a synthetic channel key
// ("type:scope_id", e.g. "project:P-100" or "intake:I-42").
type Message struct {
	ID         string `gorm:"primaryKey"`
	ChannelKey string `gorm:"index"`
	Author     string // may be a bot identity
	Body       string
	Blocks     string `gorm:"type:jsonb"` // rendered card/buttons/attachments, opaque to this package
	Metadata   string `gorm:"type:jsonb"` // e.g. receipt id, flow state
	ReplyTo    string `gorm:"index"`
	Deleted    bool
	CreatedAt  time.Time
}

func (Message) TableName() string { return "messages" }

// Reaction is one emoji reaction on a message.
type Reaction struct {
	ID        string `gorm:"primaryKey"`
	MessageID string `gorm:"index"`
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

func (Reaction) TableName() string { return "message_reactions" }

// ReadMarker tracks the last message a user has read in a channel, the
// basis for unread counts.
type ReadMarker struct {
	ChannelKey    string `gorm:"primaryKey"`
	UserID        string `gorm:"primaryKey"`
	LastReadAt    time.Time
}

func (ReadMarker) TableName() string { return "message_read_markers" }

// pushNotifier is the fire-and-forget push collaborator (spec §1: "push
// notifications (fire-and-forget)").
type pushNotifier interface {
	Notify(ctx context.Context, userID, channelKey, preview string) error
}

// Substrate is the Messaging Substrate.
type Substrate struct {
	db   *gorm.DB
	push pushNotifier
}

// New builds a Substrate, running AutoMigrate for its models.
func New(db *gorm.DB, push pushNotifier) (*Substrate, error) {
	if err := db.AutoMigrate(&Message{}, &Reaction{}, &ReadMarker{}); err != nil {
		return nil, err
	}
	return &Substrate{db: db, push: push}, nil
}

// ChannelKey builds the synthetic "type:scope_id" key the spec uses to
// address channels.
func ChannelKey(kind, scopeID string) string {
	return kind + ":" + scopeID
}

// Post creates a message and fans it out to push notifications for every
// mentioned user. Fan-out is fire-and-forget: a push failure is swallowed,
// never failing the post itself (spec §1: "push notifications (fire-and-
// forget)").
func (s *Substrate) Post(ctx context.Context, channelKey, author, body, blocksJSON, metadataJSON, replyTo string) (*Message, error) {
	if channelKey == "" {
		return nil, apperr.New(apperr.Validation, "channel key is required")
	}
	msg := &Message{
		ID: uuid.NewString(), ChannelKey: channelKey, Author: author, Body: body,
		Blocks: blocksJSON, Metadata: metadataJSON, ReplyTo: replyTo,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "posting message failed", err)
	}

	if s.push != nil {
		for _, userID := range mentions(body) {
			_ = s.push.Notify(ctx, userID, channelKey, preview(body))
		}
	}
	return msg, nil
}

// React adds a reaction to a message.
func (s *Substrate) React(ctx context.Context, messageID, userID, emoji string) error {
	r := &Reaction{ID: uuid.NewString(), MessageID: messageID, UserID: userID, Emoji: emoji}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "adding reaction failed", err)
	}
	return nil
}

// Thread lists every reply to rootMessageID, oldest first.
func (s *Substrate) Thread(ctx context.Context, rootMessageID string) ([]Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).Where("reply_to = ? AND deleted = ?", rootMessageID, false).
		Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "listing thread failed", err)
	}
	return rows, nil
}

// SoftDelete flags a message deleted; soft-deleted messages never count
// toward unread totals (spec §3 Message invariant).
func (s *Substrate) SoftDelete(ctx context.Context, messageID string) error {
	return s.db.WithContext(ctx).Model(&Message{}).Where("id = ?", messageID).Update("deleted", true).Error
}

// MarkRead advances userID's read marker for channelKey to now.
func (s *Substrate) MarkRead(ctx context.Context, channelKey, userID string) error {
	marker := ReadMarker{ChannelKey: channelKey, UserID: userID, LastReadAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_key"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_read_at"}),
	}).Create(&marker).Error
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marking channel read failed", err)
	}
	return nil
}

// UnreadCount is one channel's unread total for a user.
type UnreadCount struct {
	ChannelKey string
	Count      int64
}

// UnreadCounts returns the unread count for userID in each of channelKeys,
// in the order given; a channel with no read marker counts every message.
func (s *Substrate) UnreadCounts(ctx context.Context, userID string, channelKeys []string) ([]UnreadCount, error) {
	out := make([]UnreadCount, 0, len(channelKeys))
	for _, ck := range channelKeys {
		var marker ReadMarker
		since := time.Time{}
		err := s.db.WithContext(ctx).Where("channel_key = ? AND user_id = ?", ck, userID).First(&marker).Error
		if err == nil {
			since = marker.LastReadAt
		} else if err != gorm.ErrRecordNotFound {
			return nil, apperr.Wrap(apperr.Internal, "unread count lookup failed", err)
		}

		var count int64
		err = s.db.WithContext(ctx).Model(&Message{}).
			Where("channel_key = ? AND deleted = ? AND created_at > ?", ck, false, since).
			Count(&count).Error
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "unread count query failed", err)
		}
		out = append(out, UnreadCount{ChannelKey: ck, Count: count})
	}
	return out, nil
}

// mentions extracts "@userid" tokens from a message body.
func mentions(body string) []string {
	var out []string
	for _, word := range strings.Fields(body) {
		if strings.HasPrefix(word, "@") && len(word) > 1 {
			out = append(out, strings.Trim(word[1:], ".,!?"))
		}
	}
	return out
}

func preview(body string) string {
	const maxLen = 120
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "…"
}
