package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/queue"
	"github.com/dharsanguruparan/capsulenote/internal/signing"
)

type captureClient struct {
	tasks []*asynq.Task
	err   error
}

func (c *captureClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{}, nil
}

var (
	at     = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	signer = signing.NewSigner([]byte("whsec_test"), 0)
	body   = []byte(`{"id":"evt_1","type":"payment_intent.succeeded","created":1893456000,"data":{"object":{"id":"pi_1","amount":900}}}`)
)

func newReceiver(c *captureClient) *Receiver {
	return NewReceiver(signer, c, 5, nil, func() time.Time { return at })
}

func TestIngest_EnqueuesVerifiedEvent(t *testing.T) {
	c := &captureClient{}
	id, err := newReceiver(c).Ingest(context.Background(), body, signer.Header(body, at))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", id)

	require.Len(t, c.tasks, 1)
	assert.Equal(t, queue.EventTask, c.tasks[0].Type())
	p, err := queue.DecodeEvent(c.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, "payment_intent.succeeded", p.Type)
	assert.JSONEq(t, `{"id":"pi_1","amount":900}`, string(p.Data))
	assert.Equal(t, time.Unix(1893456000, 0).UTC(), p.Created)
	assert.NotEmpty(t, p.ClaimToken)
}

func TestIngest_RejectsBadSignature(t *testing.T) {
	c := &captureClient{}
	r := newReceiver(c)

	tampered := append([]byte{}, body...)
	tampered[10] = 'X'
	_, err := r.Ingest(context.Background(), tampered, signer.Header(body, at))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.ErrorIs(t, err, signing.ErrInvalidSignature)

	_, err = r.Ingest(context.Background(), body, signer.Header(body, at.Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.ErrorIs(t, err, signing.ErrExpired)

	_, err = r.Ingest(context.Background(), body, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, c.tasks)
}

func TestIngest_RejectsMalformedEnvelope(t *testing.T) {
	c := &captureClient{}
	raw := []byte(`{"type":"x"}`)
	_, err := newReceiver(c).Ingest(context.Background(), raw, signer.Header(raw, at))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestIngest_QueueFailureSurfaces(t *testing.T) {
	c := &captureClient{err: errors.New("redis down")}
	_, err := newReceiver(c).Ingest(context.Background(), body, signer.Header(body, at))
	assert.Error(t, err)

	c = &captureClient{err: asynq.ErrTaskIDConflict}
	_, err = newReceiver(c).Ingest(context.Background(), body, signer.Header(body, at))
	assert.NoError(t, err)
}
