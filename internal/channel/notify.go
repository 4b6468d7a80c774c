package channel

import (
	"context"
	"net/http"
	"time"
)

// Notifier tells the author that a letter went out. Failures never affect the
// delivery outcome.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string, string) error { return nil }

// PushNotifier posts notifications to a push gateway.
type PushNotifier struct {
	url    string
	client *http.Client
}

// NewPushNotifier creates a PushNotifier. Requests are bounded by timeout.
func NewPushNotifier(url string, timeout time.Duration) *PushNotifier {
	return &PushNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

type pushRequest struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

func (p *PushNotifier) Notify(ctx context.Context, userID, title, body string) error {
	return postJSON(ctx, p.client, p.url, "", "", pushRequest{UserID: userID, Title: title, Body: body}, nil)
}
