package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/model"
)

var deliveryCols = []string{"id", "user_id", "letter_id", "channel", "deliver_at", "timezone", "status", "attempt_count",
	"last_error", "provider_ref", "run_ref", "email_target", "mail_target", "created_at", "updated_at"}

func TestDeliveryGet_DecodesTargets(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepository(db)
	at := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(deliveryCols).AddRow(
		"d-1", "u-1", "l-1", "physical", at, "America/Chicago", "failed", 2,
		[]byte(`{"code":"INVALID_RECIPIENT","message":"bad zip"}`), "ltr_123", nil,
		nil, []byte(`{"address":{"name":"Ada","line1":"1 Main","city":"Austin","postalCode":"78701","country":"US"},"mode":"arrive_by","mailType":"usps_first_class","sendDate":"2030-05-20T09:00:00Z","color":false,"doubleSided":false}`),
		at, at)
	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*user_id,\s*letter_id.*FROM\s+deliveries\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("d-1").WillReturnRows(rows)

	d, err := repo.Get(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelPhysical, d.Channel)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	require.NotNil(t, d.LastError)
	assert.Equal(t, "INVALID_RECIPIENT", d.LastError.Code)
	require.NotNil(t, d.ProviderRef)
	assert.Equal(t, "ltr_123", *d.ProviderRef)
	assert.Nil(t, d.RunRef)
	assert.Nil(t, d.Email)
	require.NotNil(t, d.Mail)
	assert.Equal(t, model.MailArriveBy, d.Mail.Mode)
	assert.True(t, d.SendAt().Equal(time.Date(2030, 5, 20, 9, 0, 0, 0, time.UTC)))
}

func TestDeliveryMarkProcessing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepository(db)

	mock.ExpectExec(`(?s)^\s*UPDATE\s+deliveries\s+SET\s+status\s*=\s*'processing',\s*run_ref\s*=\s*\$2.*status\s+IN\s+\('scheduled',\s*'processing'\)`).
		WithArgs("d-1", "task-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkProcessing(context.Background(), "d-1", "task-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func sentOutcome() model.SendOutcome {
	now := time.Now().UTC()
	return model.SendOutcome{
		DeliveryID:  "d-1",
		ProviderRef: "em_42",
		Attempt: model.DeliveryAttempt{
			DeliveryID: "d-1", LetterID: "l-1", Channel: model.ChannelElectronic,
			Attempt: 1, Status: model.AttemptSent, CreatedAt: now,
		},
		Audit: model.NewAudit("u-1", model.AuditDeliverySent, map[string]string{"deliveryId": "d-1"}, now),
	}
}

func TestDeliveryMarkSent_Atomic(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^\s*UPDATE\s+deliveries\s+SET\s+status\s*=\s*'sent',\s*attempt_count\s*=\s*attempt_count\s*\+\s*1.*status\s*=\s*'processing'`).
		WithArgs("d-1", "em_42", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)^\s*UPDATE\s+letters\s+SET\s+status\s*=\s*'SENT'`).
		WithArgs("l-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+delivery_attempts`).
		WithArgs(sqlmock.AnyArg(), "d-1", "l-1", "electronic", 1, "sent", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qInsertAudit).
		WithArgs(sqlmock.AnyArg(), "u-1", model.AuditDeliverySent, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.MarkSent(context.Background(), sentOutcome()))
}

func TestDeliveryMarkSent_LostRaceRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^\s*UPDATE\s+deliveries\s+SET\s+status\s*=\s*'sent'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.MarkSent(context.Background(), sentOutcome())
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestDeliveryMarkFailed_StoresCode(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepository(db)

	out := sentOutcome()
	out.ProviderRef = ""
	out.Error = &model.DeliveryError{Code: "PROVIDER_REJECTION", Message: "blocked"}
	out.Attempt.Status = model.AttemptFailed
	out.Attempt.ErrorCode = "PROVIDER_REJECTION"
	out.Attempt.ErrorMessage = "blocked"
	out.Audit.Type = model.AuditDeliveryFailed

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^\s*UPDATE\s+deliveries\s+SET\s+status\s*=\s*'failed'`).
		WithArgs("d-1", []byte(`{"code":"PROVIDER_REJECTION","message":"blocked"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+delivery_attempts`).
		WithArgs(sqlmock.AnyArg(), "d-1", "l-1", "electronic", 1, "failed", "PROVIDER_REJECTION", "blocked", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qInsertAudit).
		WithArgs(sqlmock.AnyArg(), "u-1", model.AuditDeliveryFailed, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.MarkFailed(context.Background(), out))
}

func TestDeliveryCancel_OnlyScheduled(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepository(db)
	q := `(?s)^\s*UPDATE\s+deliveries\s+SET\s+status\s*=\s*'canceled'.*status\s*=\s*'scheduled'`

	mock.ExpectBegin()
	mock.ExpectExec(q).WithArgs("d-1", "u-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.Cancel(context.Background(), "d-1", "u-1", model.AuditEvent{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliveryListOverdue_UsesSendDate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDeliveryRepository(db)
	cutoff := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)WHERE\s+status\s*=\s*'scheduled'\s+AND\s+COALESCE\(\(mail_target->>'sendDate'\)::timestamptz,\s*deliver_at\)\s*<\s*\$1`).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows(deliveryCols))

	out, err := repo.ListOverdue(context.Background(), cutoff, 50)
	require.NoError(t, err)
	assert.Empty(t, out)
}
