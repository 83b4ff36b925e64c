// Package clip contains the core domain types for the clippings digest service.
package clip

import "time"

// Frequency controls how often a subscriber receives a digest.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// ParseFrequency validates a frequency string from user input.
func ParseFrequency(s string) (Frequency, bool) {
	switch Frequency(s) {
	case Daily, Weekly, Monthly:
		return Frequency(s), true
	default:
		return "", false
	}
}

// Highlight is one parsed clipping: the book line and the quoted passage.
// Highlights are never persisted; they exist only within a single digest
// generation.
type Highlight struct {
	SourceTitle string
	Text        string
}

// Schedule is the per-subscriber digest recurrence state.
type Schedule struct {
	LastSentAt *time.Time `json:"last_sent_at,omitempty"` // UTC; nil until first delivery, only moves forward
	Frequency  Frequency  `json:"frequency"`
	SendTime   string     `json:"send_time"` // "HH:MM" in the digest timezone
	Paused     bool       `json:"paused"`
	DigestSize int        `json:"digest_size"` // clippings per digest, always >= 1
}

// DefaultSchedule is the schedule assigned at signup.
func DefaultSchedule() Schedule {
	return Schedule{
		Frequency:  Daily,
		SendTime:   "09:00",
		DigestSize: 5,
	}
}

// Subscriber is one account: an email address, its uploaded export, and its
// digest schedule.
type Subscriber struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`      // Secure token for manage/send-now links
	ExportKey string    `json:"export_key"` // Storage key of the uploaded export, "" if none
	Schedule  Schedule  `json:"schedule"`
}

// Delivery is one append-only record of a successful digest send. Used for
// history display only, never for scheduling decisions.
type Delivery struct {
	SentAt       time.Time `json:"sent_at"`
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriber_id"`
}
