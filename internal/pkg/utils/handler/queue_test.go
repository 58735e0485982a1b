package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/airenas/scribe/internal/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vgarvardt/gue/v5"
)

type testMsg struct {
	ID string `json:"id"`
}

type testData struct {
	calls int
	err   error
	got   string
}

func handle(ctx context.Context, m *testMsg, d *testData) error {
	d.calls++
	d.got = m.ID
	return d.err
}

func newJob(t *testing.T, m interface{}, errCount int32) *gue.Job {
	t.Helper()
	b, err := json.Marshal(m)
	require.Nil(t, err)
	return &gue.Job{Queue: "q", Type: "t", Args: b, ErrorCount: errCount}
}

func TestCreate_OK(t *testing.T) {
	d := &testData{}
	f := Create(d, handle, DefaultOpts[testMsg]())
	err := f(context.Background(), newJob(t, testMsg{ID: "1"}, 0))
	assert.Nil(t, err)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, "1", d.got)
}

func TestCreate_Reschedules(t *testing.T) {
	d := &testData{err: errors.New("olia")}
	f := Create(d, handle, DefaultOpts[testMsg]().WithBackoff(NoBackoff()))
	err := f(context.Background(), newJob(t, testMsg{ID: "1"}, 0))
	assert.NotNil(t, err)
}

func TestCreate_StopsAfterRetries(t *testing.T) {
	d := &testData{err: errors.New("olia")}
	f := Create(d, handle, DefaultOpts[testMsg]().WithBackoff(NoBackoff()))
	err := f(context.Background(), newJob(t, testMsg{ID: "1"}, 3))
	assert.Nil(t, err)
	assert.Equal(t, 1, d.calls)
}

func TestCreate_NonRetryable(t *testing.T) {
	d := &testData{err: utils.NewErrNonRetryable(errors.New("olia"))}
	f := Create(d, handle, DefaultOpts[testMsg]())
	err := f(context.Background(), newJob(t, testMsg{ID: "1"}, 0))
	assert.Nil(t, err)
}

func TestCreate_WrongMsg(t *testing.T) {
	d := &testData{}
	f := Create(d, handle, DefaultOpts[testMsg]())
	err := f(context.Background(), &gue.Job{Args: []byte("{olia")})
	assert.Nil(t, err)
	assert.Equal(t, 0, d.calls)
}

func TestCreate_CustomFailure(t *testing.T) {
	d := &testData{err: errors.New("olia")}
	called := false
	f := Create(d, handle, DefaultOpts[testMsg]().WithFailure(
		func(ctx context.Context, m *testMsg, err error, j *gue.Job) (bool, time.Duration, error) {
			called = true
			assert.Equal(t, "1", m.ID)
			return false, 0, nil
		}))
	err := f(context.Background(), newJob(t, testMsg{ID: "1"}, 0))
	assert.Nil(t, err)
	assert.True(t, called)
}

func TestFullJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := fullJitter(time.Second)
		assert.True(t, v >= 0 && v < time.Second)
	}
}
