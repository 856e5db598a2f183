package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplatesRegistered(t *testing.T) {
	nm, err := NewNotificationManager(&MockNotifier{})
	require.NoError(t, err)

	for _, nt := range []NoticeType{AccountInvitation, PasswordResetInit} {
		tmpl, ok := nm.templates[nt]
		require.True(t, ok, nt)
		assert.NotEmpty(t, tmpl.Html, "embedded html for %s", nt)
	}
}

func TestRegisterNotification(t *testing.T) {
	nm, err := NewNotificationManager(&MockNotifier{})
	require.NoError(t, err)

	tests := []struct {
		name        string
		noticeType  NoticeType
		template    NoticeTemplate
		shouldError bool
	}{
		{"text and html", "example", NoticeTemplate{Subject: "Example", Text: "t", Html: "<p>h</p>"}, false},
		{"text only", "example", NoticeTemplate{Subject: "Example", Text: "t"}, false},
		{"empty notice type", "", NoticeTemplate{Subject: "Example", Text: "t"}, true},
		{"empty subject", "example", NoticeTemplate{Text: "t"}, true},
		{"no content", "example", NoticeTemplate{Subject: "Example"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := nm.RegisterNotification(tt.noticeType, tt.template)
			if tt.shouldError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.template, nm.templates[tt.noticeType])
		})
	}
}

func TestSendRendersSubject(t *testing.T) {
	mock := &MockNotifier{}
	nm, err := NewNotificationManager(mock)
	require.NoError(t, err)

	err = nm.Send(AccountInvitation, NotificationData{
		To:   "invitee@example.com",
		Data: map[string]string{"AccountName": "Acme", "Role": "Reader", "Link": "https://idm/accept?token=x"},
	})
	require.NoError(t, err)

	sent, ok := mock.Last()
	require.True(t, ok)
	assert.Equal(t, AccountInvitation, sent.Type)
	assert.Equal(t, "invitee@example.com", sent.Data.To)
	assert.Equal(t, "You have been invited to Acme", sent.Template.Subject)
}

func TestSendUnknownNoticeType(t *testing.T) {
	nm, err := NewNotificationManager(&MockNotifier{})
	require.NoError(t, err)
	assert.Error(t, nm.Send("unregistered", NotificationData{To: "a@example.com"}))
}

func TestRenderTemplateEscapesHTML(t *testing.T) {
	out, err := renderTemplate("html", "<a href=\"{{.Link}}\">{{.Name}}</a>", map[string]string{
		"Link": "https://example.com/?a=1&b=2",
		"Name": "<script>",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "&lt;script&gt;")
}
