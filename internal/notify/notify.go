package notify

import (
	"fmt"

	"github.com/solo-unicorn/solo-unicorn/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string // Optional task reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// TaskDone builds the notice for a task that reached done
func TaskDone(t *domain.Task) Notification {
	return Notification{
		Title:   "Task completed",
		Message: t.Title(),
		Type:    NotifySuccess,
		TaskID:  t.ID,
	}
}

// TaskFailed builds the notice for a task whose session failed
func TaskFailed(t *domain.Task, reason string) Notification {
	msg := t.Title()
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", t.Title(), reason)
	}
	return Notification{
		Title:   "Task failed",
		Message: msg,
		Type:    NotifyError,
		TaskID:  t.ID,
	}
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
