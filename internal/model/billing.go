package model

import "time"

// SubscriptionStatus mirrors the processor's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionUnpaid   SubscriptionStatus = "unpaid"
	SubscriptionPaused   SubscriptionStatus = "paused"
)

// Subscription is keyed by the processor's subscription id.
type Subscription struct {
	ProviderID        string             `json:"providerId"`
	CustomerID        string             `json:"customerId"`
	UserID            string             `json:"userId,omitempty"`
	Status            SubscriptionStatus `json:"status"`
	Plan              string             `json:"plan"`
	CurrentPeriodEnd  time.Time          `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool               `json:"cancelAtPeriodEnd"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// PaymentStatus is the state of a recorded payment.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is keyed by the processor's payment intent id.
type Payment struct {
	ProviderID    string        `json:"providerId"`
	CustomerID    string        `json:"customerId"`
	UserID        string        `json:"userId,omitempty"`
	AmountCents   int64         `json:"amountCents"`
	RefundedCents int64         `json:"refundedCents"`
	Currency      string        `json:"currency"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
}
