package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/faults"
)

// MaxEmailHTML is the largest HTML body the email provider accepts.
const MaxEmailHTML = 512 << 10

// EmailConfig configures EmailSender.
type EmailConfig struct {
	URL     string
	APIKey  string
	From    string
	Timeout time.Duration
}

// EmailSender delivers letters through a transactional email API.
type EmailSender struct {
	cfg    EmailConfig
	client *http.Client
}

// NewEmailSender creates an EmailSender. A nil client gets one bounded by
// cfg.Timeout.
func NewEmailSender(cfg EmailConfig, client *http.Client) *EmailSender {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &EmailSender{cfg: cfg, client: client}
}

type emailRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Tags    map[string]string `json:"tags,omitempty"`
}

type emailResponse struct {
	ID string `json:"id"`
}

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Email == nil || msg.Email.ToEmail == "" {
		return "", faults.New(faults.KindInvalidDelivery, "delivery has no email target")
	}
	if len(msg.BodyHTML) > MaxEmailHTML {
		return "", &faults.ProviderError{StatusCode: http.StatusRequestEntityTooLarge, Code: faults.CodeContentTooLarge, Message: "email body too large"}
	}
	subject := msg.Email.Subject
	if subject == "" {
		subject = msg.Title
	}
	req := emailRequest{
		From:    s.cfg.From,
		To:      []string{msg.Email.ToEmail},
		Subject: subject,
		HTML:    msg.BodyHTML,
		Tags:    map[string]string{"delivery_id": msg.DeliveryID},
	}
	var resp emailResponse
	if err := postJSON(ctx, s.client, s.cfg.URL, s.cfg.APIKey, msg.IdempotencyKey, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}
