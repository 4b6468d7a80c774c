// Package channel contains the outbound senders: email over an HTTP JSON API and
// physical mail through a print-and-mail carrier. Senders return a provider
// reference on success and a *faults.ProviderError when the provider answered
// with a failure status, leaving classification to the caller.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/faults"
	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// Message is everything a sender needs to deliver one letter.
type Message struct {
	DeliveryID     string
	LetterID       string
	UserID         string
	Channel        model.Channel
	IdempotencyKey string
	Title          string
	BodyHTML       string
	WrittenAt      time.Time
	Email          *model.EmailTarget
	Mail           *model.MailTarget
}

// Sender hands a message to an external provider.
type Sender interface {
	Send(ctx context.Context, msg Message) (providerRef string, err error)
}

// IdempotencyKey derives the provider idempotency key for one attempt.
func IdempotencyKey(deliveryID string, attempt int) string {
	return fmt.Sprintf("delivery-%s-attempt-%d", deliveryID, attempt)
}

// Router dispatches messages to the sender registered for their channel.
type Router struct {
	senders map[model.Channel]Sender
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{senders: make(map[model.Channel]Sender)}
}

// Handle registers s for ch.
func (r *Router) Handle(ch model.Channel, s Sender) *Router {
	r.senders[ch] = s
	return r
}

// Send implements Sender.
func (r *Router) Send(ctx context.Context, msg Message) (string, error) {
	s, ok := r.senders[msg.Channel]
	if !ok {
		return "", faults.New(faults.KindConfiguration, fmt.Sprintf("no sender configured for channel %q", msg.Channel))
	}
	return s.Send(ctx, msg)
}

// apiError is the error body shape shared by the providers we talk to.
type apiError struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// postJSON sends in as JSON and decodes a 2xx response into out.
func postJSON(ctx context.Context, client *http.Client, url, apiKey, idempotencyKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.KindConfiguration, "build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providerError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func providerError(status int, raw []byte) *faults.ProviderError {
	pe := &faults.ProviderError{StatusCode: status, Message: http.StatusText(status)}
	var body apiError
	if json.Unmarshal(raw, &body) != nil {
		return pe
	}
	switch {
	case body.Error != nil:
		pe.Code, pe.Message = body.Error.Code, body.Error.Message
	case body.Code != "" || body.Message != "":
		pe.Code, pe.Message = body.Code, body.Message
	}
	if pe.Code == "" {
		pe.Code = body.Name
	}
	return pe
}
