// Package service contains application services.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/geniusboywonder/bmad/internal/port/notifier"
	"github.com/geniusboywonder/bmad/internal/resilience"
)

// NotificationService dispatches notifications to all registered notifiers.
// Each notifier sits behind its own circuit breaker so a flapping webhook
// cannot slow down every state transition that produces a notification.
type NotificationService struct {
	notifiers     []notifier.Notifier
	breakers      map[string]*resilience.Breaker
	enabledEvents map[string]bool
}

// NewNotificationService creates a NotificationService with the given
// notifiers and list of enabled event sources (e.g. "approval.requested",
// "stop.triggered"). If enabledEvents is nil or empty, all events are
// enabled. Breakers open after maxFailures consecutive delivery failures
// and recover after breakerTimeout.
func NewNotificationService(notifiers []notifier.Notifier, enabledEvents []string, maxFailures int, breakerTimeout time.Duration) *NotificationService {
	enabled := make(map[string]bool, len(enabledEvents))
	for _, e := range enabledEvents {
		enabled[e] = true
	}
	breakers := make(map[string]*resilience.Breaker, len(notifiers))
	for _, n := range notifiers {
		breakers[n.Name()] = resilience.NewBreaker(maxFailures, breakerTimeout)
	}
	return &NotificationService{
		notifiers:     notifiers,
		breakers:      breakers,
		enabledEvents: enabled,
	}
}

// Notify sends a notification to all registered notifiers.
// Errors are logged but do not interrupt delivery to other notifiers, and
// never propagate to the state transition that produced the notification.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) {
	if len(s.enabledEvents) > 0 && !s.enabledEvents[n.Source] {
		return
	}

	for _, provider := range s.notifiers {
		err := s.breakers[provider.Name()].Execute(func() error {
			return provider.Send(ctx, n)
		})
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			slog.Debug("notification skipped, circuit open",
				"provider", provider.Name(),
				"source", n.Source,
			)
		case err != nil:
			slog.Warn("notification send failed",
				"provider", provider.Name(),
				"title", n.Title,
				"breaker_state", s.breakers[provider.Name()].State(),
				"error", err,
			)
		default:
			slog.Debug("notification sent", "provider", provider.Name(), "title", n.Title)
		}
	}
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	return len(s.notifiers)
}
