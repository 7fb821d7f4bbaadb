package webhook

import (
	"context"

	"github.com/drapik/tg-stream-bot/internal/config"
)

// DefaultMaxBodySize bounds submissions when the config leaves it unset.
const DefaultMaxBodySize = 64 * 1024

// Submitter queues a link for acquisition on behalf of a chat user.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (requestID string, err error)
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, req SubmitRequest) (string, error)

func (f SubmitFunc) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	return f(ctx, req)
}

// Config holds webhook server configuration.
type Config struct {
	Listen          string
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// FromConfig converts the webhook section.
func FromConfig(wc config.WebhookConfig) Config {
	return Config{
		Listen:          wc.Listen,
		Path:            wc.Path,
		Secret:          wc.Secret,
		SignatureHeader: wc.SignatureHeader,
		MaxBodySize:     int64(wc.MaxBodySize),
	}
}

// SubmitRequest is the JSON body of a submission.
type SubmitRequest struct {
	UserID int64  `json:"user_id"`
	ChatID int64  `json:"chat_id"`
	URL    string `json:"url"`
}

// SubmitResponse is returned with 202 Accepted.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
