// Package model contains the struct definitions shared across packages.
package model

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update lost its race or the
	// row is in a state that forbids the change.
	ErrConflict = errors.New("conflict")
)

// LetterStatus describes the authoring lifecycle of a letter.
type LetterStatus string

const (
	LetterDraft  LetterStatus = "DRAFT"
	LetterLocked LetterStatus = "LOCKED"
	LetterSent   LetterStatus = "SENT"
)

// Letter is the encrypted content a user wrote. Ciphertext and Nonce are opaque
// outside the encryption package.
type Letter struct {
	ID         string       `json:"id"`
	UserID     string       `json:"userId"`
	Title      string       `json:"title"`
	Ciphertext []byte       `json:"-"`
	Nonce      []byte       `json:"-"`
	KeyVersion int          `json:"keyVersion"`
	Status     LetterStatus `json:"status"`
	LockedAt   *time.Time   `json:"lockedAt,omitempty"`
	DeletedAt  *time.Time   `json:"deletedAt,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Editable reports whether the content may still change.
func (l *Letter) Editable() bool {
	return l.Status == LetterDraft && l.DeletedAt == nil
}

// SealedSnapshot is a delivery-owned copy of the letter content taken when the
// delivery was scheduled. Rows are insert-only.
type SealedSnapshot struct {
	DeliveryID string    `json:"deliveryId"`
	Title      string    `json:"title"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	KeyVersion int       `json:"keyVersion"`
	SealedAt   time.Time `json:"sealedAt"`
}
