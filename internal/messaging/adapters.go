package messaging

import (
	"context"

	"github.com/example/expense-core/internal/obs"
)

// LoggingPush is the default pushNotifier: push notification delivery
// itself is an external system (spec §1: "push notifications (fire-and-
// forget)"), so this only records that a notification was owed, for an
// operator to confirm against the real provider's logs.
type LoggingPush struct {
	Log *obs.Log
}

// Notify implements pushNotifier.
func (p *LoggingPush) Notify(ctx context.Context, userID, channelKey, preview string) error {
	p.Log.With(map[string]interface{}{
		"user_id": userID, "channel_key": channelKey, "preview": preview,
	}).Info("push notification owed")
	return nil
}

// PosterAdapter satisfies the dispatcher package's Poster interface over a
// Substrate, so dispatcher never needs to import messaging directly (same
// narrow-interface-at-the-consumer pattern as autoauth.StoreAdapter).
type PosterAdapter struct {
	Substrate *Substrate
}

// PostMessage implements dispatcher.Poster.
func (p *PosterAdapter) PostMessage(ctx context.Context, channel, authorAgent, content string) error {
	_, err := p.Substrate.Post(ctx, channel, authorAgent, content, "", "", "")
	return err
}
