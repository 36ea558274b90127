// Package notify implements multi-channel notification dispatch on top of
// the job engine: one logical notification fans out across channels with
// per-channel attempt tracking and partial-failure aggregation.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelInApp, ChannelEmail, ChannelPush, ChannelWebhook}

// ValidChannel reports whether c is a known channel.
func ValidChannel(c Channel) bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// Notification status constants. A notification is created queued and
// transitions to a terminal aggregate status exactly once.
const (
	StatusQueued  = "queued"
	StatusSent    = "sent"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Attempt status constants for the dispatch ledger.
const (
	AttemptPending         = "pending"
	AttemptSuccess         = "success"
	AttemptFailed          = "failed"
	AttemptPermanentFailed = "permanent_failed"
)

// Attempt error codes.
const (
	ErrCodeNoDestination    = "no_destination"
	ErrCodeProviderRejected = "provider_rejected"
	ErrCodeProviderError    = "provider_error"
)

var (
	ErrNotificationNotFound  = errors.New("notification not found")
	ErrNotificationNotQueued = errors.New("notification is not queued")
)

// RenderedContent is the per-channel content snapshot captured at creation
// time, so later template edits never change in-flight sends.
type RenderedContent struct {
	Subject string            `json:"subject,omitempty"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

// Notification is the logical unit of communication.
type Notification struct {
	ID         uuid.UUID                   `json:"id"`
	TenantID   uuid.UUID                   `json:"tenant_id"`
	Type       string                      `json:"type"`
	Recipients []uuid.UUID                 `json:"recipients"`
	Channels   []Channel                   `json:"channels"`
	Content    map[Channel]RenderedContent `json:"content"`

	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ContentFor returns the rendered content for a channel, falling back to
// an empty snapshot if none was rendered.
func (n *Notification) ContentFor(c Channel) RenderedContent {
	if content, ok := n.Content[c]; ok {
		return content
	}
	return RenderedContent{}
}

// DispatchAttempt is one record per (notification, recipient, channel,
// attempt number). Attempt numbers per tuple are strictly increasing; a
// permanent_failed record is never retried and success is terminal.
type DispatchAttempt struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	RecipientID    uuid.UUID  `json:"recipient_id"`
	Channel        Channel    `json:"channel"`
	Attempt        int        `json:"attempt"`
	Provider       string     `json:"provider,omitempty"`
	ProviderRef    string     `json:"provider_ref,omitempty"`
	Status         string     `json:"status"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Destination is a channel-specific delivery target for a recipient:
// an email address, a registered push endpoint, or a webhook URL.
type Destination struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Channel     Channel   `json:"channel"`
	Address     string    `json:"address"`
	Valid       bool      `json:"valid"`
	CreatedAt   time.Time `json:"created_at"`
}

// SendError is the error an adapter returns so the engine can distinguish
// a transient provider failure from a permanently dead destination.
type SendError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsPermanentSendError reports whether err carries a permanent SendError.
func IsPermanentSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}
