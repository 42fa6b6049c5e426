package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	return &asynq.TaskInfo{ID: "x"}, nil
}

func TestEnqueueDerive(t *testing.T) {
	client := &fakeClient{}
	payload := DerivePayload{ImageID: "img-1", Path: "000/000/004/abcdefghij.png"}
	require.NoError(t, EnqueueDerive(context.Background(), client, payload))

	require.Len(t, client.tasks, 1)
	assert.Equal(t, DeriveImageTask, client.tasks[0].Type())
	got, err := ParseDerivePayload(client.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEnqueueDeriveConflictIsNotAnError(t *testing.T) {
	client := &fakeClient{err: asynq.ErrTaskIDConflict}
	assert.NoError(t, EnqueueDerive(context.Background(), client, DerivePayload{ImageID: "a", Path: "b.png"}))

	client.err = errors.New("redis down")
	assert.Error(t, EnqueueDerive(context.Background(), client, DerivePayload{ImageID: "a", Path: "b.png"}))
}

func TestParseDerivePayloadRejectsIncomplete(t *testing.T) {
	_, err := ParseDerivePayload(asynq.NewTask(DeriveImageTask, []byte(`{"image_id":"a"}`)))
	assert.Error(t, err)
	_, err = ParseDerivePayload(asynq.NewTask(DeriveImageTask, []byte(`not json`)))
	assert.Error(t, err)
}
