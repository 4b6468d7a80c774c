package channel

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/faults"
)

//go:embed templates/letter.html.tmpl
var letterTemplate string

var printTemplate = template.Must(template.New("letter").Parse(letterTemplate))

// PrintLetter is the data rendered into the printable page.
type PrintLetter struct {
	Title     string
	WrittenAt time.Time
	Body      template.HTML
}

// WrittenOn formats the authoring date for the letterhead.
func (p PrintLetter) WrittenOn() string {
	return p.WrittenAt.Format("January 2, 2006")
}

// RenderLetter writes the printable HTML page for a letter. The body is the
// author's own editor output and is inserted verbatim.
func RenderLetter(w io.Writer, p PrintLetter) error {
	return printTemplate.Execute(w, p)
}

// ArtifactStore keeps rendered letters where the carrier can fetch them.
type ArtifactStore interface {
	Put(ctx context.Context, objectKey string, data []byte, contentType string) error
	PresignURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// MailConfig configures MailSender.
type MailConfig struct {
	URL       string
	APIKey    string
	Timeout   time.Duration
	SignedTTL time.Duration
}

// MailSender prints letters through a print-and-mail carrier API.
type MailSender struct {
	cfg       MailConfig
	artifacts ArtifactStore
	client    *http.Client
}

// NewMailSender creates a MailSender.
func NewMailSender(cfg MailConfig, artifacts ArtifactStore, client *http.Client) *MailSender {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &MailSender{cfg: cfg, artifacts: artifacts, client: client}
}

type mailAddress struct {
	Name    string `json:"name"`
	Line1   string `json:"address_line1"`
	Line2   string `json:"address_line2,omitempty"`
	City    string `json:"address_city"`
	State   string `json:"address_state,omitempty"`
	Zip     string `json:"address_zip"`
	Country string `json:"address_country"`
}

type mailRequest struct {
	Description string            `json:"description"`
	To          mailAddress       `json:"to"`
	File        string            `json:"file"`
	Color       bool              `json:"color"`
	DoubleSided bool              `json:"double_sided"`
	MailType    string            `json:"mail_type"`
	Metadata    map[string]string `json:"metadata"`
}

type mailResponse struct {
	ID string `json:"id"`
}

// ArtifactKey is where the rendered page of a delivery is stored.
func ArtifactKey(deliveryID string) string {
	return fmt.Sprintf("letters/%s.html", deliveryID)
}

// Send implements Sender.
func (s *MailSender) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Mail == nil {
		return "", faults.New(faults.KindInvalidDelivery, "delivery has no mail target")
	}
	if s.cfg.URL == "" {
		return "", faults.New(faults.KindConfiguration, "mail carrier not configured")
	}

	var page bytes.Buffer
	if err := RenderLetter(&page, PrintLetter{Title: msg.Title, WrittenAt: msg.WrittenAt, Body: template.HTML(msg.BodyHTML)}); err != nil {
		return "", fmt.Errorf("render letter: %w", err)
	}
	key := ArtifactKey(msg.DeliveryID)
	if err := s.artifacts.Put(ctx, key, page.Bytes(), "text/html; charset=utf-8"); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	url, err := s.artifacts.PresignURL(ctx, key, s.cfg.SignedTTL)
	if err != nil {
		return "", fmt.Errorf("sign artifact: %w", err)
	}

	addr := msg.Mail.Address
	req := mailRequest{
		Description: "Capsule Note letter " + msg.LetterID,
		To: mailAddress{
			Name: addr.Name, Line1: addr.Line1, Line2: addr.Line2, City: addr.City,
			State: addr.State, Zip: addr.PostalCode, Country: addr.Country,
		},
		File:        url,
		Color:       msg.Mail.Color,
		DoubleSided: msg.Mail.DoubleSided,
		MailType:    string(msg.Mail.MailType),
		Metadata:    map[string]string{"delivery_id": msg.DeliveryID, "letter_id": msg.LetterID},
	}
	var resp mailResponse
	if err := postJSON(ctx, s.client, s.cfg.URL, s.cfg.APIKey, msg.IdempotencyKey, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}
