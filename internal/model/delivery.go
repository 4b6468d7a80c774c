package model

import "time"

// Channel selects how a letter reaches its recipient.
type Channel string

const (
	ChannelElectronic Channel = "electronic"
	ChannelPhysical   Channel = "physical"
)

// DeliveryStatus is the state of a delivery. SENT, FAILED and CANCELED are
// terminal.
type DeliveryStatus string

const (
	DeliveryScheduled  DeliveryStatus = "scheduled"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryCanceled   DeliveryStatus = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliveryCanceled
}

// MailMode controls when a physical letter is handed to the carrier.
type MailMode string

const (
	MailSendOn    MailMode = "send_on"
	MailArriveBy  MailMode = "arrive_by"
	MailImmediate MailMode = "immediate"
)

// MailType is the postal class.
type MailType string

const (
	MailFirstClass MailType = "usps_first_class"
	MailStandard   MailType = "usps_standard"
)

// EmailTarget carries the electronic channel configuration.
type EmailTarget struct {
	ToEmail string `json:"toEmail"`
	Subject string `json:"subject"`
}

// Address is a postal address. Country is ISO 3166-1 alpha-2.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// MailTarget carries the physical channel configuration.
type MailTarget struct {
	Address     Address    `json:"address"`
	Mode        MailMode   `json:"mode"`
	MailType    MailType   `json:"mailType"`
	TargetDate  *time.Time `json:"targetDate,omitempty"`
	SendDate    *time.Time `json:"sendDate,omitempty"`
	Color       bool       `json:"color"`
	DoubleSided bool       `json:"doubleSided"`
}

// DeliveryError is the persisted lastError of a delivery.
type DeliveryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Delivery schedules one letter over one channel.
type Delivery struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	LetterID     string         `json:"letterId"`
	Channel      Channel        `json:"channel"`
	DeliverAt    time.Time      `json:"deliverAt"`
	Timezone     string         `json:"timezone"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attemptCount"`
	LastError    *DeliveryError `json:"lastError,omitempty"`
	ProviderRef  *string        `json:"providerRef,omitempty"`
	RunRef       *string        `json:"runRef,omitempty"`
	Email        *EmailTarget   `json:"email,omitempty"`
	Mail         *MailTarget    `json:"mail,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// SendAt is the instant the channel should be invoked, before DST adjustment.
func (d *Delivery) SendAt() time.Time {
	if d.Channel == ChannelPhysical && d.Mail != nil && d.Mail.Mode == MailArriveBy && d.Mail.SendDate != nil {
		return *d.Mail.SendDate
	}
	return d.DeliverAt
}

// Immediate reports whether the carrier already accepted the job at
// scheduling time.
func (d *Delivery) Immediate() bool {
	return d.Channel == ChannelPhysical && d.Mail != nil && d.Mail.Mode == MailImmediate
}

// AttemptStatus is the outcome recorded in the attempt trail.
type AttemptStatus string

const (
	AttemptSent     AttemptStatus = "sent"
	AttemptFailed   AttemptStatus = "failed"
	AttemptRetrying AttemptStatus = "retrying"
)

// DeliveryAttempt is one row of a delivery's diagnostic trail.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	DeliveryID   string        `json:"deliveryId"`
	LetterID     string        `json:"letterId"`
	Channel      Channel       `json:"channel"`
	Attempt      int           `json:"attempt"`
	Status       AttemptStatus `json:"status"`
	ErrorCode    string        `json:"errorCode,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// SendOutcome is written atomically when a delivery reaches SENT or FAILED:
// the status change, the attempt row and the audit record.
type SendOutcome struct {
	DeliveryID  string
	ProviderRef string
	Error       *DeliveryError
	Attempt     DeliveryAttempt
	Audit       AuditEvent
}
