package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/pkg/schema"
)

// ClientSender delivers a notification to one MCP session.
type ClientSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// TransitionNotifier pushes activity log transitions to watching sessions.
type TransitionNotifier struct {
	sender  ClientSender
	watches *WatchRegistry
	logger  *slog.Logger
}

// NewTransitionNotifier creates a notifier that sends through sender.
func NewTransitionNotifier(sender ClientSender, watches *WatchRegistry, logger *slog.Logger) *TransitionNotifier {
	return &TransitionNotifier{sender: sender, watches: watches, logger: logger}
}

// Hook is a scheduler.TransitionHook. Delivery is best-effort: a session
// that went away is unsubscribed and other errors are only logged.
func (n *TransitionNotifier) Hook(ctx context.Context, log *store.ActivityLog, from schema.ActivityStatus) {
	sessions := n.watches.SessionsFor(log.TaskName)
	if len(sessions) == 0 {
		return
	}

	payload := map[string]any{
		"level":  notificationLevel(log.Status),
		"logger": "flowcron",
		"data": map[string]any{
			"activity_log_id": log.ID,
			"task":            log.TaskName,
			"bucket":          log.CronProfileID,
			"from":            string(from),
			"to":              string(log.Status),
			"message":         log.StatusMessage,
		},
	}
	for _, sid := range sessions {
		err := n.sender.SendNotificationToSpecificClient(sid, "notifications/message", payload)
		switch {
		case err == nil:
		case errors.Is(err, server.ErrSessionNotFound):
			n.watches.Remove(sid)
		default:
			n.logger.WarnContext(ctx, "transition notification failed",
				slog.String("session_id", sid),
				slog.String("error", err.Error()))
		}
	}
}

func notificationLevel(status schema.ActivityStatus) string {
	if status == schema.ActivityFailed {
		return "error"
	}
	return "info"
}
