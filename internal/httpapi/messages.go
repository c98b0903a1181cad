package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/dispatcher"
	"github.com/example/expense-core/internal/identity"
)

type postMessageRequest struct {
	ChannelKey string `json:"channel_key"`
	Body       string `json:"body"`
	ReplyTo    string `json:"reply_to"`
	// AgentName, if set, routes the message through the Agent Dispatcher
	// instead of only recording it (spec §4.11: "the sole entry point for
	// chat-driven actions").
	AgentName string `json:"agent_name"`
}

// postMessage handles POST /messages.
func (a *api) postMessage(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleMessaging, identity.ActionCreate); err != nil {
		return err
	}
	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid message body", err)
	}
	if req.ChannelKey == "" || req.Body == "" {
		return apperr.New(apperr.Validation, "channel_key and body are required")
	}
	user := actingUser(c)
	msg, err := a.c.Messaging.Post(c.Request().Context(), req.ChannelKey, user.ID, req.Body, "", "", req.ReplyTo)
	if err != nil {
		return err
	}
	if req.AgentName != "" && a.c.Dispatcher != nil {
		if err := a.c.Dispatcher.Dispatch(c.Request().Context(), dispatcher.Event{
			ID: msg.ID, UserID: user.ID, Channel: req.ChannelKey, AgentName: req.AgentName, Text: req.Body,
		}); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusCreated, msg)
}

// unreadCounts handles GET /messages/unread_counts?channel_keys=a,b,c.
func (a *api) unreadCounts(c echo.Context) error {
	if err := requireCapability(c, identity.ModuleMessaging, identity.ActionRead); err != nil {
		return err
	}
	raw := c.QueryParam("channel_keys")
	if raw == "" {
		return apperr.New(apperr.Validation, "channel_keys query parameter is required")
	}
	keys := strings.Split(raw, ",")
	counts, err := a.c.Messaging.UnreadCounts(c.Request().Context(), actingUser(c).ID, keys)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, counts)
}
