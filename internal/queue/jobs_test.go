package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/capsulenote/internal/scheduler"
)

type fakeClient struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestTimer_ResumeAt(t *testing.T) {
	client := &fakeClient{}
	timer := NewTimer(client, 5)
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, timer.ResumeAt(context.Background(), scheduler.Task{DeliveryID: "d-1", Stage: scheduler.StageSend, RunRef: "ignored"}, at))
	require.Len(t, client.tasks, 1)
	assert.Equal(t, DeliveryTask, client.tasks[0].Type())

	decoded, err := DecodeDelivery(client.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, scheduler.Task{DeliveryID: "d-1", Stage: scheduler.StageSend}, decoded)
}

func TestTimer_DuplicateIsSuccess(t *testing.T) {
	timer := NewTimer(&fakeClient{err: asynq.ErrTaskIDConflict}, 5)
	assert.NoError(t, timer.ResumeAt(context.Background(), scheduler.Task{DeliveryID: "d-1"}, time.Now()))

	timer = NewTimer(&fakeClient{err: errors.New("redis down")}, 5)
	assert.Error(t, timer.ResumeAt(context.Background(), scheduler.Task{DeliveryID: "d-1"}, time.Now()))
}

func TestTaskID_Deterministic(t *testing.T) {
	at := time.Unix(1900000000, 0)
	task := scheduler.Task{DeliveryID: "d-1", Stage: scheduler.StageLock}
	assert.Equal(t, "delivery:d-1:lock:1900000000", TaskID(task, at))
	assert.Equal(t, TaskID(task, at), TaskID(task, at.Add(300*time.Millisecond)))
}

func TestEnqueueEvent(t *testing.T) {
	client := &fakeClient{}
	p := EventPayload{EventID: "evt_1", Type: "invoice.paid", Data: json.RawMessage(`{"a":1}`), ClaimToken: "tok"}
	require.NoError(t, EnqueueEvent(context.Background(), client, p, 5))

	got, err := DecodeEvent(client.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, "evt_1", got.EventID)
	assert.Equal(t, "tok", got.ClaimToken)

	assert.NoError(t, EnqueueEvent(context.Background(), &fakeClient{err: asynq.ErrTaskIDConflict}, p, 5))
}

func TestDecode_RejectsEmpty(t *testing.T) {
	_, err := DecodeDelivery(asynq.NewTask(DeliveryTask, []byte(`{}`)))
	assert.Error(t, err)
	_, err = DecodeEvent(asynq.NewTask(EventTask, []byte(`not json`)))
	assert.Error(t, err)
}
