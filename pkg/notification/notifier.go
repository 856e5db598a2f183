// Package notification sends templated messages to users. Email over SMTP
// is the only delivery channel; tests use MockNotifier.
package notification

import "log/slog"

// NoticeType identifies what a message is about.
type NoticeType string

const (
	AccountInvitation NoticeType = "account_invitation"
	PasswordResetInit NoticeType = "password_reset_init"
)

// NoticeTemplate holds the subject and bodies of a message. Bodies are
// html/template sources executed against NotificationData.Data.
type NoticeTemplate struct {
	Subject string
	Text    string
	Html    string
}

// NotificationData addresses a single message.
type NotificationData struct {
	To   string            // Recipient email address
	Data map[string]string // Template values
}

// Notifier delivers one rendered message.
type Notifier interface {
	Send(noticeType NoticeType, data NotificationData, template NoticeTemplate) error
}

// LogNotifier logs messages instead of delivering them. Used when no SMTP
// server is configured.
type LogNotifier struct{}

func (LogNotifier) Send(noticeType NoticeType, data NotificationData, template NoticeTemplate) error {
	slog.Info("Notification not sent, email is disabled", "type", noticeType, "to", data.To, "subject", template.Subject)
	return nil
}
