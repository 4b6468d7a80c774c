// Package letters stores user letters encrypted at rest.
package letters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/encryption"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/model"
)

// MaxTitleLength bounds letter titles.
const MaxTitleLength = 200

// ErrValidation wraps input the caller can fix.
var ErrValidation = errors.New("invalid letter")

// Cipher seals and opens letter content.
type Cipher interface {
	EncryptLetter(content encryption.LetterContent) (encryption.Sealed, error)
	DecryptLetter(ciphertext, nonce []byte, keyVersion int) (encryption.LetterContent, error)
}

// Store persists letters.
type Store interface {
	Create(ctx context.Context, l *model.Letter, audit model.AuditEvent) error
	Get(ctx context.Context, id string) (*model.Letter, error)
	UpdateContent(ctx context.Context, l *model.Letter, audit model.AuditEvent) error
}

// Service is the letter API used by the HTTP layer.
type Service struct {
	store  Store
	cipher Cipher
	log    logging.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store Store, cipher Cipher, log logging.Logger, now func() time.Time) *Service {
	if log == nil {
		log = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, cipher: cipher, log: log, now: now}
}

// Create encrypts content under the current key version and stores a draft.
func (s *Service) Create(ctx context.Context, userID, title string, content encryption.LetterContent) (*model.Letter, error) {
	title, err := checkInput(userID, title, content)
	if err != nil {
		return nil, err
	}
	sealed, err := s.cipher.EncryptLetter(content)
	if err != nil {
		return nil, err
	}
	l := &model.Letter{
		UserID:     userID,
		Title:      title,
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		KeyVersion: sealed.KeyVersion,
	}
	audit := model.NewAudit(userID, model.AuditLetterCreated, map[string]any{"keyVersion": sealed.KeyVersion}, s.now())
	if err := s.store.Create(ctx, l, audit); err != nil {
		return nil, fmt.Errorf("create letter: %w", err)
	}
	s.log.Info(ctx, "letter created", "letter_id", l.ID, "key_version", l.KeyVersion)
	return l, nil
}

// Update re-encrypts a draft. Locked letters report model.ErrConflict.
func (s *Service) Update(ctx context.Context, userID, letterID, title string, content encryption.LetterContent) (*model.Letter, error) {
	title, err := checkInput(userID, title, content)
	if err != nil {
		return nil, err
	}
	cur, err := s.owned(ctx, userID, letterID)
	if err != nil {
		return nil, err
	}
	if !cur.Editable() {
		return nil, fmt.Errorf("letter %s is %s: %w", letterID, cur.Status, model.ErrConflict)
	}
	sealed, err := s.cipher.EncryptLetter(content)
	if err != nil {
		return nil, err
	}
	cur.Title = title
	cur.Ciphertext, cur.Nonce, cur.KeyVersion = sealed.Ciphertext, sealed.Nonce, sealed.KeyVersion

	audit := model.NewAudit(userID, model.AuditLetterUpdated, map[string]any{
		"letterId":   letterID,
		"keyVersion": sealed.KeyVersion,
	}, s.now())
	if err := s.store.UpdateContent(ctx, cur, audit); err != nil {
		return nil, fmt.Errorf("update letter: %w", err)
	}
	s.log.Info(ctx, "letter updated", "letter_id", letterID, "key_version", cur.KeyVersion)
	return cur, nil
}

// Open returns a letter and its decrypted content.
func (s *Service) Open(ctx context.Context, userID, letterID string) (*model.Letter, encryption.LetterContent, error) {
	l, err := s.owned(ctx, userID, letterID)
	if err != nil {
		return nil, encryption.LetterContent{}, err
	}
	content, err := s.cipher.DecryptLetter(l.Ciphertext, l.Nonce, l.KeyVersion)
	if err != nil {
		s.log.Error(ctx, "letter decryption failed", "letter_id", letterID, "key_version", l.KeyVersion, "error", err)
		return nil, encryption.LetterContent{}, err
	}
	return l, content, nil
}

func (s *Service) owned(ctx context.Context, userID, letterID string) (*model.Letter, error) {
	l, err := s.store.Get(ctx, letterID)
	if err != nil {
		return nil, fmt.Errorf("load letter: %w", err)
	}
	if l.UserID != userID {
		return nil, fmt.Errorf("letter %s: %w", letterID, model.ErrNotFound)
	}
	return l, nil
}

func checkInput(userID, title string, content encryption.LetterContent) (string, error) {
	title = strings.TrimSpace(title)
	switch {
	case userID == "":
		return "", fmt.Errorf("%w: user id is required", ErrValidation)
	case title == "":
		return "", fmt.Errorf("%w: title is required", ErrValidation)
	case len(title) > MaxTitleLength:
		return "", fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLength)
	case strings.TrimSpace(content.BodyHTML) == "":
		return "", fmt.Errorf("%w: body is required", ErrValidation)
	}
	return title, nil
}
