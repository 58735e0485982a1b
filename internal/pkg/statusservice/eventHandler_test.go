package statusservice

import (
	"fmt"
	"testing"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/test"
	"github.com/airenas/scribe/internal/pkg/test/mocks"
	"github.com/airenas/scribe/internal/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vgarvardt/gue/v5"
)

var (
	dbEHMock      *mocks.DB
	handlerEHMock *mockWSConnHandler
	hndData       *HandlerData
)

func initEHTest(t *testing.T) {
	t.Helper()
	dbEHMock = &mocks.DB{}
	handlerEHMock = &mockWSConnHandler{}
	hndData = &HandlerData{DB: dbEHMock, GueClient: &gue.Client{}, WorkerCount: 10, WSHandler: handlerEHMock}
	handlerEHMock.On("Count", mock.Anything).Return(1)
	handlerEHMock.On("Send", mock.Anything, mock.Anything).Return(1)
	dbEHMock.On("LoadJob", mock.Anything, "1").Return(&persistence.Job{ID: "1", UserID: "u1", Status: "downloading",
		Progress: 10}, nil)
}

func tEHMsg() *messages.JobMessage {
	return &messages.JobMessage{QueueMessage: amessages.QueueMessage{ID: "1"}}
}

func Test_handleStatus(t *testing.T) {
	initEHTest(t)
	err := handleStatus(test.Ctx(t), tEHMsg(), hndData)
	require.Nil(t, err)
	handlerEHMock.AssertCalled(t, "Count", "u1/1")
	handlerEHMock.AssertCalled(t, "Send", "u1/1", &api.StatusResult{ID: "1", Status: "downloading", Progress: 10})
}

func Test_handleStatus_NoConnections(t *testing.T) {
	initEHTest(t)
	handlerEHMock.ExpectedCalls = nil
	handlerEHMock.On("Count", mock.Anything).Return(0)
	err := handleStatus(test.Ctx(t), tEHMsg(), hndData)
	require.Nil(t, err)
	handlerEHMock.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func Test_handleStatus_NotFound(t *testing.T) {
	initEHTest(t)
	dbEHMock.ExpectedCalls = nil
	dbEHMock.On("LoadJob", mock.Anything, mock.Anything).Return(nil, postgres.ErrNotFound)
	err := handleStatus(test.Ctx(t), tEHMsg(), hndData)
	require.NotNil(t, err)
	assert.True(t, utils.IsNonRetryable(err))
}

func Test_handleStatus_Fail(t *testing.T) {
	initEHTest(t)
	dbEHMock.ExpectedCalls = nil
	dbEHMock.On("LoadJob", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("olia"))
	err := handleStatus(test.Ctx(t), tEHMsg(), hndData)
	require.NotNil(t, err)
	assert.False(t, utils.IsNonRetryable(err))
}

func Test_validateHandler(t *testing.T) {
	initEHTest(t)
	type args struct {
		data *HandlerData
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{name: "OK", args: args{data: &HandlerData{DB: dbEHMock, GueClient: &gue.Client{}, WorkerCount: 10, WSHandler: handlerEHMock}}, wantErr: false},
		{name: "Fail no DB", args: args{data: &HandlerData{GueClient: &gue.Client{}, WorkerCount: 10, WSHandler: handlerEHMock}}, wantErr: true},
		{name: "Fail no gue", args: args{data: &HandlerData{DB: dbEHMock, WorkerCount: 10, WSHandler: handlerEHMock}}, wantErr: true},
		{name: "Fail no workers", args: args{data: &HandlerData{DB: dbEHMock, GueClient: &gue.Client{}, WSHandler: handlerEHMock}}, wantErr: true},
		{name: "Fail no handler", args: args{data: &HandlerData{DB: dbEHMock, GueClient: &gue.Client{}, WorkerCount: 10}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateHandler(tt.args.data); (err != nil) != tt.wantErr {
				t.Errorf("validateHandler() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type mockWSConn struct{ mock.Mock }

func (m *mockWSConn) ReadMessage() (messageType int, p []byte, err error) {
	args := m.Called()
	return args.Int(0), args.Get(1).([]byte), args.Error(2)
}

func (m *mockWSConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockWSConn) WriteJSON(v interface{}) error {
	args := m.Called(v)
	return args.Error(0)
}
