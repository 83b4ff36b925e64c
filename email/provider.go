// Package email renders and sends digest emails via pluggable providers.
package email

import (
	"context"
	"log/slog"

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender wraps a provider with digest-specific rendering.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For manage links in emails
}

// NewSender creates an email sender with the given provider.
func NewSender(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendDigest sends a digest email. body is the pre-rendered (and already
// escaped) sequence of clipping fragments; count is how many clippings it
// holds, zero for the empty placeholder.
func (s *Sender) SendDigest(ctx context.Context, sub *clip.Subscriber, body string, count int) error {
	subject := "Your Kindle Clippings"

	s.logger.Info("Sending digest email",
		"to", sub.Email,
		"subject", subject,
		"clippings", count)

	return s.provider.Send(ctx, sub.Email, subject, s.formatDigestBody(sub, body, count))
}

// SendWelcome sends a confirmation email after a first upload.
func (s *Sender) SendWelcome(ctx context.Context, sub *clip.Subscriber, highlightCount int) error {
	subject := "Your Kindle Clippings are set up"

	s.logger.Info("Sending welcome email",
		"to", sub.Email,
		"highlights", highlightCount)

	return s.provider.Send(ctx, sub.Email, subject, s.formatWelcomeBody(sub, highlightCount))
}
