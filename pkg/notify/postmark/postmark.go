// Package postmark delivers notification emails through Postmark.
package postmark

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mrz1836/postmark"

	"github.com/practpec/voyaj-api/pkg/notify"
)

// ErrInvalidConfig is returned when a required setting is missing
var ErrInvalidConfig = errors.New("invalid postmark config")

// Config holds Postmark credentials and sender identity
type Config struct {
	ServerToken  string
	AccountToken string
	SenderEmail  string
	SupportEmail string

	// BaseURL overrides the API endpoint (tests)
	BaseURL string

	// HTTPClient is optional
	HTTPClient *http.Client
}

// Sender implements notify.Sender over the Postmark transactional API
type Sender struct {
	client *postmark.Client
	config Config
}

var _ notify.Sender = (*Sender)(nil)

// New creates a Postmark sender. Server token and sender email are required.
func New(cfg Config) (*Sender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: ServerToken is required", ErrInvalidConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SenderEmail is required", ErrInvalidConfig)
	}
	if cfg.SupportEmail == "" {
		cfg.SupportEmail = cfg.SenderEmail
	}

	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		client.HTTPClient = cfg.HTTPClient
	}
	return &Sender{client: client, config: cfg}, nil
}

// Send delivers msg. Opens and HTML link clicks are tracked; replies go to
// the support address.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.config.SenderEmail,
		ReplyTo:    s.config.SupportEmail,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTMLBody,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}
	return nil
}
