package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikey/email-open-relay/internal/utils"
)

// Notification is a channel-neutral rendering of an open event
type Notification struct {
	Title     string
	Summary   string
	Fields    []NotificationField
	Timestamp time.Time
}

// NotificationField is a labelled value shown in the notification
type NotificationField struct {
	Name  string
	Value string
}

// Text renders the notification as plain text
func (n *Notification) Text() string {
	var b strings.Builder
	b.WriteString(n.Title)
	if n.Summary != "" {
		b.WriteString("\n")
		b.WriteString(n.Summary)
	}
	for _, f := range n.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// MessageFormatter turns events into notifications
type MessageFormatter struct {
	text           *utils.TextProcessor
	location       *time.Location
	maxFieldLength int
}

// NewMessageFormatter creates a formatter. Times are shown in loc.
func NewMessageFormatter(text *utils.TextProcessor, loc *time.Location, maxFieldLength int) *MessageFormatter {
	if loc == nil {
		loc = time.UTC
	}
	return &MessageFormatter{
		text:           text,
		location:       loc,
		maxFieldLength: maxFieldLength,
	}
}

// Format builds the notification for an event
func (f *MessageFormatter) Format(event *EmailOpenEvent) *Notification {
	name := f.clean(event.DisplayName())
	subject := f.clean(event.Subject)
	if subject == "" {
		subject = "(no subject)"
	}

	title := fmt.Sprintf("📧 %s opened your email", name)
	summary := "First open"
	if event.OpensCount > 1 {
		summary = fmt.Sprintf("Opened %d times", event.OpensCount)
	}

	fields := []NotificationField{
		{Name: "Lead", Value: name},
		{Name: "Subject", Value: subject},
		{Name: "Opens", Value: fmt.Sprintf("%d", event.OpensCount)},
		{Name: "Opened at", Value: event.OpenedAt.In(f.location).Format("Mon Jan 2 2006 15:04 MST")},
	}
	if recipient := f.clean(event.Recipient); recipient != "" {
		fields = append(fields, NotificationField{Name: "Recipient", Value: recipient})
	}

	return &Notification{
		Title:     f.clean(title),
		Summary:   summary,
		Fields:    fields,
		Timestamp: event.OpenedAt,
	}
}

func (f *MessageFormatter) clean(s string) string {
	s = strings.TrimSpace(s)
	if f.text == nil {
		return s
	}
	return f.text.ProcessText(s, f.maxFieldLength)
}
