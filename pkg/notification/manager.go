package notification

import (
	"embed"
	"fmt"
	"log/slog"
	"sync"
)

//go:embed templates/email/*
var templateFiles embed.FS

func loadTemplate(filename string) string {
	content, err := templateFiles.ReadFile(filename)
	if err != nil {
		slog.Error("Error reading template file!", "err", err, "filename", filename)
		return ""
	}
	return string(content)
}

// NotificationManager maps notice types to templates and sends them with a
// single notifier.
type NotificationManager struct {
	notifier  Notifier
	templates map[NoticeType]NoticeTemplate
}

// NotificationManagerOption configures a NotificationManager.
type NotificationManagerOption func(*NotificationManager) error

// NewNotificationManager creates a manager using notifier with the default
// templates registered.
func NewNotificationManager(notifier Notifier, opts ...NotificationManagerOption) (*NotificationManager, error) {
	nm := &NotificationManager{
		notifier:  notifier,
		templates: make(map[NoticeType]NoticeTemplate),
	}
	defaults := []NotificationManagerOption{WithInvitationTemplate(), WithPasswordResetTemplate()}
	for _, opt := range append(defaults, opts...) {
		if err := opt(nm); err != nil {
			return nil, err
		}
	}
	return nm, nil
}

// WithSMTP replaces the notifier with an SMTP email notifier.
func WithSMTP(config SMTPConfig) NotificationManagerOption {
	return func(nm *NotificationManager) error {
		emailNotifier, err := NewEmailNotifier(config)
		if err != nil {
			return err
		}
		nm.notifier = emailNotifier
		return nil
	}
}

// WithInvitationTemplate registers the account invitation template.
func WithInvitationTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(AccountInvitation, NoticeTemplate{
			Subject: "You have been invited to {{.AccountName}}",
			Text:    "You have been invited to join {{.AccountName}} as {{.Role}}.\n\nAccept the invitation: {{.Link}}\n",
			Html:    loadTemplate("templates/email/account_invitation.html"),
		})
	}
}

// WithPasswordResetTemplate registers the password reset template.
func WithPasswordResetTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(PasswordResetInit, NoticeTemplate{
			Subject: "Password Reset Request",
			Text:    "Reset your password: {{.Link}}\n\nThe link expires in {{.ExpiresIn}}.\n",
			Html:    loadTemplate("templates/email/password_reset.html"),
		})
	}
}

// RegisterNotification adds or replaces the template for noticeType.
func (nm *NotificationManager) RegisterNotification(noticeType NoticeType, tmpl NoticeTemplate) error {
	if noticeType == "" {
		return fmt.Errorf("invalid input: notice type cannot be empty")
	}
	if tmpl.Subject == "" {
		return fmt.Errorf("invalid input: template subject cannot be empty")
	}
	if tmpl.Text == "" && tmpl.Html == "" {
		return fmt.Errorf("invalid input: template needs a text or html body")
	}
	nm.templates[noticeType] = tmpl
	return nil
}

// Send renders the template registered for noticeType and delivers it.
func (nm *NotificationManager) Send(noticeType NoticeType, data NotificationData) error {
	tmpl, ok := nm.templates[noticeType]
	if !ok {
		return fmt.Errorf("no template registered for notice type: %s", noticeType)
	}
	if nm.notifier == nil {
		return fmt.Errorf("no notifier registered")
	}
	subject, err := renderTemplate("subject", tmpl.Subject, data.Data)
	if err != nil {
		return err
	}
	tmpl.Subject = subject
	return nm.notifier.Send(noticeType, data, tmpl)
}

// MockNotifier records messages instead of sending them. When Err is set,
// Send records the message and then fails with Err.
type MockNotifier struct {
	mu   sync.Mutex
	Sent []SentNotification
	Err  error
}

// SentNotification is a message captured by MockNotifier.
type SentNotification struct {
	Type     NoticeType
	Data     NotificationData
	Template NoticeTemplate
}

func (m *MockNotifier) Send(noticeType NoticeType, data NotificationData, template NoticeTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentNotification{Type: noticeType, Data: data, Template: template})
	return m.Err
}

// Last returns the most recent message.
func (m *MockNotifier) Last() (SentNotification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return SentNotification{}, false
	}
	return m.Sent[len(m.Sent)-1], true
}
