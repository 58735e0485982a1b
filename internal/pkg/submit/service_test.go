package submit

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/test"
	"github.com/airenas/scribe/internal/pkg/test/mocks"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	dbMock      *mocks.DB
	ledgerMock  *mocks.Ledger
	senderMock  *mocks.Sender
	limiterMock *mocks.Cache
	tData       *Data
	tEcho       *echo.Echo
	tNow        = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tAnchor     = time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
)

func initTest(t *testing.T) {
	t.Helper()
	dbMock = &mocks.DB{}
	ledgerMock = &mocks.Ledger{}
	senderMock = &mocks.Sender{}
	limiterMock = &mocks.Cache{}
	tData = &Data{DB: dbMock, Ledger: ledgerMock, MsgSender: senderMock, now: func() time.Time { return tNow }}
	tEcho = initRoutes(tData)

	ledgerMock.On("Profile", mock.Anything, "u1").Return("pro", tAnchor, nil)
	ledgerMock.On("Plan", "pro").Return(ledger.Plan{Transcription: true, Minutes: 300})
	ledgerMock.On("CheckAvailable", mock.Anything, "u1", mock.Anything, mock.Anything).Return(
		&ledger.CheckResult{Allowed: true, SubscriptionRemaining: 100, TotalRemaining: 100}, nil)
	dbMock.On("InsertJob", mock.Anything, mock.Anything).Return(nil)
	senderMock.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

func newReq(method, path, user, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set(api.UserIDHeader, user)
	}
	return req
}

func submitReq(user string, in api.SubmitRequest) *http.Request {
	b, _ := json.Marshal(in)
	return newReq(http.MethodPost, "/jobs", user, string(b))
}

var tInput = api.SubmitRequest{VideoID: "dQw4w9WgXcQ", DurationSeconds: 125}

func TestLive(t *testing.T) {
	initTest(t)
	dbMock.On("Live", mock.Anything).Return(nil)
	resp := test.Code(t, tEcho, newReq(http.MethodGet, "/live", "", ""), http.StatusOK)
	assert.Equal(t, `{"service":"OK"}`, resp.Body.String())
}

func TestLive_Fail(t *testing.T) {
	initTest(t)
	dbMock.On("Live", mock.Anything).Return(errors.New("olia"))
	test.Code(t, tEcho, newReq(http.MethodGet, "/live", "", ""), http.StatusServiceUnavailable)
}

func TestWrongPath(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(http.MethodPost, "/invalid", "u1", ""), http.StatusNotFound)
}

func TestSubmit(t *testing.T) {
	initTest(t)
	resp := test.Code(t, tEcho, submitReq("u1", tInput), http.StatusOK)
	res := test.Decode[api.SubmitResult](t, resp.Result())
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, int32(3), res.EstimatedMinutes)

	ledgerMock.AssertCalled(t, "CheckAvailable", mock.Anything, "u1", int32(3),
		ledger.Period{Start: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC)})
	job := dbMock.Calls[0].Arguments[1].(*persistence.Job)
	assert.Equal(t, res.JobID, job.ID)
	assert.Equal(t, "u1", job.UserID)
	assert.Equal(t, "dQw4w9WgXcQ", job.VideoID)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, int32(300), job.SubscriptionLimit)
	assert.Equal(t, int32(125), job.DurationSec)
	assert.False(t, job.AnalysisID.Valid)
	senderMock.AssertCalled(t, "SendMessage", mock.Anything, &messages.JobMessage{
		QueueMessage: amessages.QueueMessage{ID: res.JobID}, UserID: "u1"}, messages.Transcribe)
}

func TestSubmit_AnalysisID(t *testing.T) {
	initTest(t)
	in := tInput
	in.AnalysisID = "a1"
	test.Code(t, tEcho, submitReq("u1", in), http.StatusOK)
	job := dbMock.Calls[0].Arguments[1].(*persistence.Job)
	assert.Equal(t, "a1", job.AnalysisID.String)
}

func TestSubmit_Unauthorized(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, submitReq("", tInput), http.StatusUnauthorized)
	ledgerMock.AssertNotCalled(t, "Profile", mock.Anything, mock.Anything)
}

func TestSubmit_WrongInput(t *testing.T) {
	tests := []struct {
		name  string
		input api.SubmitRequest
	}{
		{name: "no video", input: api.SubmitRequest{DurationSeconds: 10}},
		{name: "bad video", input: api.SubmitRequest{VideoID: "a b/../c", DurationSeconds: 10}},
		{name: "no duration", input: api.SubmitRequest{VideoID: "dQw4w9WgXcQ"}},
		{name: "negative duration", input: api.SubmitRequest{VideoID: "dQw4w9WgXcQ", DurationSeconds: -1}},
		{name: "too long", input: api.SubmitRequest{VideoID: "dQw4w9WgXcQ", DurationSeconds: 7201}},
		{name: "analysis id", input: api.SubmitRequest{VideoID: "dQw4w9WgXcQ", DurationSeconds: 10,
			AnalysisID: strings.Repeat("a", 101)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initTest(t)
			tData.MaxDuration = 7200
			test.Code(t, tEcho, submitReq("u1", tt.input), http.StatusBadRequest)
			dbMock.AssertNotCalled(t, "InsertJob", mock.Anything, mock.Anything)
		})
	}
}

func TestSubmit_BadJSON(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(http.MethodPost, "/jobs", "u1", "{olia"), http.StatusBadRequest)
}

func TestSubmit_NoAccount(t *testing.T) {
	initTest(t)
	ledgerMock.On("Profile", mock.Anything, "u2").Return("", time.Time{}, ledger.ErrNoAccount)
	test.Code(t, tEcho, submitReq("u2", tInput), http.StatusForbidden)
}

func TestSubmit_NotEntitled(t *testing.T) {
	initTest(t)
	ledgerMock.On("Profile", mock.Anything, "u2").Return("free", tAnchor, nil)
	ledgerMock.On("Plan", "free").Return(ledger.Plan{})
	resp := test.Code(t, tEcho, submitReq("u2", tInput), http.StatusForbidden)
	res := test.Decode[api.ErrorResult](t, resp.Result())
	assert.Equal(t, api.ErrNotEntitled, res.Code)
	dbMock.AssertNotCalled(t, "InsertJob", mock.Anything, mock.Anything)
}

func TestSubmit_ProfileFail(t *testing.T) {
	initTest(t)
	ledgerMock.On("Profile", mock.Anything, "u2").Return("", time.Time{}, errors.New("olia"))
	test.Code(t, tEcho, submitReq("u2", tInput), http.StatusInternalServerError)
}

func TestSubmit_InsufficientCredits(t *testing.T) {
	initTest(t)
	ledgerMock.ExpectedCalls = nil
	ledgerMock.On("Profile", mock.Anything, "u1").Return("pro", tAnchor, nil)
	ledgerMock.On("Plan", "pro").Return(ledger.Plan{Transcription: true, Minutes: 300})
	ledgerMock.On("CheckAvailable", mock.Anything, "u1", mock.Anything, mock.Anything).Return(
		&ledger.CheckResult{Allowed: false, SubscriptionRemaining: 1, TopupRemaining: 1, TotalRemaining: 2}, nil)

	resp := test.Code(t, tEcho, submitReq("u1", tInput), http.StatusForbidden)
	res := test.Decode[api.ErrorResult](t, resp.Result())
	assert.Equal(t, api.ErrInsufficientCredits, res.Code)
	require.NotNil(t, res.Balance)
	assert.Equal(t, api.Balance{Needed: 3, SubscriptionRemaining: 1, TopupRemaining: 1, TotalRemaining: 2}, *res.Balance)
	dbMock.AssertNotCalled(t, "InsertJob", mock.Anything, mock.Anything)
	senderMock.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_CheckFail(t *testing.T) {
	initTest(t)
	ledgerMock.ExpectedCalls = nil
	ledgerMock.On("Profile", mock.Anything, "u1").Return("pro", tAnchor, nil)
	ledgerMock.On("Plan", "pro").Return(ledger.Plan{Transcription: true, Minutes: 300})
	ledgerMock.On("CheckAvailable", mock.Anything, "u1", mock.Anything, mock.Anything).Return(nil, errors.New("olia"))
	test.Code(t, tEcho, submitReq("u1", tInput), http.StatusInternalServerError)
}

func TestSubmit_InsertFail(t *testing.T) {
	initTest(t)
	dbMock.ExpectedCalls = nil
	dbMock.On("InsertJob", mock.Anything, mock.Anything).Return(errors.New("olia"))
	test.Code(t, tEcho, submitReq("u1", tInput), http.StatusInternalServerError)
	senderMock.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_SendFail(t *testing.T) {
	initTest(t)
	senderMock.ExpectedCalls = nil
	senderMock.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("olia"))
	test.Code(t, tEcho, submitReq("u1", tInput), http.StatusInternalServerError)
}

func TestSubmit_RateLimited(t *testing.T) {
	initTest(t)
	tData.Limiter, tData.RateLimit, tData.RateWindow = limiterMock, 5, time.Minute
	limiterMock.On("Allow", mock.Anything, "u1", int64(5), time.Minute).Return(false, nil)
	test.Code(t, tEcho, submitReq("u1", tInput), http.StatusTooManyRequests)
	ledgerMock.AssertNotCalled(t, "Profile", mock.Anything, mock.Anything)
}

func TestSubmit_RateLimiterFail_Allows(t *testing.T) {
	initTest(t)
	tData.Limiter, tData.RateLimit, tData.RateWindow = limiterMock, 5, time.Minute
	limiterMock.On("Allow", mock.Anything, "u1", int64(5), time.Minute).Return(false, errors.New("olia"))
	test.Code(t, tEcho, submitReq("u1", tInput), http.StatusOK)
}

func TestCancel(t *testing.T) {
	initTest(t)
	dbMock.On("CancelJob", mock.Anything, "j1", "u1", mock.Anything).Return(nil)
	ledgerMock.On("RefundIn", mock.Anything, nil, "j1").Return(&ledger.RefundResult{Minutes: 4}, nil)

	resp := test.Code(t, tEcho, newReq(http.MethodPost, "/jobs/j1/cancel", "u1", ""), http.StatusOK)
	res := test.Decode[api.CancelResult](t, resp.Result())
	assert.Equal(t, api.CancelResult{Status: "cancelled", RefundedMinutes: 4}, res)
	senderMock.AssertCalled(t, "SendMessage", mock.Anything, &messages.JobMessage{
		QueueMessage: amessages.QueueMessage{ID: "j1"}, UserID: "u1"}, messages.StatusChange)
}

func TestCancel_SendFail_Ignored(t *testing.T) {
	initTest(t)
	dbMock.On("CancelJob", mock.Anything, "j1", "u1", mock.Anything).Return(nil)
	ledgerMock.On("RefundIn", mock.Anything, nil, "j1").Return(&ledger.RefundResult{}, nil)
	senderMock.ExpectedCalls = nil
	senderMock.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("olia"))
	test.Code(t, tEcho, newReq(http.MethodPost, "/jobs/j1/cancel", "u1", ""), http.StatusOK)
}

func TestCancel_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "not found", err: postgres.ErrNotFound, code: http.StatusNotFound},
		{name: "not cancellable", err: postgres.ErrNotCancellable, code: http.StatusConflict},
		{name: "fail", err: errors.New("olia"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initTest(t)
			dbMock.On("CancelJob", mock.Anything, "j1", "u1", mock.Anything).Return(tt.err)
			test.Code(t, tEcho, newReq(http.MethodPost, "/jobs/j1/cancel", "u1", ""), tt.code)
			senderMock.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCancel_RefundFail(t *testing.T) {
	initTest(t)
	dbMock.On("CancelJob", mock.Anything, "j1", "u1", mock.Anything).Return(nil)
	ledgerMock.On("RefundIn", mock.Anything, nil, "j1").Return(nil, errors.New("olia"))
	test.Code(t, tEcho, newReq(http.MethodPost, "/jobs/j1/cancel", "u1", ""), http.StatusInternalServerError)
}

func TestCancel_Unauthorized(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(http.MethodPost, "/jobs/j1/cancel", "", ""), http.StatusUnauthorized)
}

func TestUsage(t *testing.T) {
	initTest(t)
	p := ledger.MonthlyPeriod(tAnchor, tNow)
	ledgerMock.On("Usage", mock.Anything, "u1", p).Return(&ledger.Usage{Tier: "pro",
		Subscription: ledger.SubscriptionUsage{Used: 10, Limit: 300, Remaining: 290}, TopupMinutes: 20,
		TotalRemaining: 310, Period: p}, nil)

	resp := test.Code(t, tEcho, newReq(http.MethodGet, "/usage", "u1", ""), http.StatusOK)
	res := test.Decode[api.UsageResult](t, resp.Result())
	assert.Equal(t, "pro", res.Tier)
	assert.Equal(t, api.SubscriptionMinutes{Used: 10, Limit: 300, Remaining: 290}, res.SubscriptionMinutes)
	assert.Equal(t, int32(20), res.TopupMinutes)
	assert.Equal(t, int32(310), res.TotalRemaining)
	assert.True(t, p.Start.Equal(res.PeriodStart))
	assert.True(t, p.End.Equal(res.PeriodEnd))
}

func TestUsage_Errors(t *testing.T) {
	initTest(t)
	ledgerMock.On("Profile", mock.Anything, "u2").Return("", time.Time{}, ledger.ErrNoAccount)
	test.Code(t, tEcho, newReq(http.MethodGet, "/usage", "u2", ""), http.StatusNotFound)
	test.Code(t, tEcho, newReq(http.MethodGet, "/usage", "", ""), http.StatusUnauthorized)

	ledgerMock.On("Usage", mock.Anything, "u1", mock.Anything).Return(nil, errors.New("olia"))
	test.Code(t, tEcho, newReq(http.MethodGet, "/usage", "u1", ""), http.StatusInternalServerError)
}

func initTopup(t *testing.T) {
	t.Helper()
	initTest(t)
	tData.TopupSecret = "s3cr3t"
	tEcho = initRoutes(tData)
}

func TestTopup(t *testing.T) {
	initTopup(t)
	ledgerMock.On("CreditTopup", mock.Anything, "u1", "pi_1", int32(60), int64(500)).Return(
		&ledger.TopupResult{TopupBalance: 80}, nil)
	resp := test.Code(t, tEcho, newReq(http.MethodPost, "/topup/s3cr3t", "",
		`{"userId":"u1","paymentIntentId":"pi_1","minutes":60,"amountPaid":500}`), http.StatusOK)
	res := test.Decode[api.TopupResult](t, resp.Result())
	assert.Equal(t, api.TopupResult{TopupMinutes: 80}, res)
}

func TestTopup_Duplicate(t *testing.T) {
	initTopup(t)
	ledgerMock.On("CreditTopup", mock.Anything, "u1", "pi_1", int32(60), int64(500)).Return(
		&ledger.TopupResult{Duplicate: true, TopupBalance: 80}, nil)
	resp := test.Code(t, tEcho, newReq(http.MethodPost, "/topup/s3cr3t", "",
		`{"userId":"u1","paymentIntentId":"pi_1","minutes":60,"amountPaid":500}`), http.StatusOK)
	assert.True(t, test.Decode[api.TopupResult](t, resp.Result()).Duplicate)
}

func TestTopup_Errors(t *testing.T) {
	initTopup(t)
	test.Code(t, tEcho, newReq(http.MethodPost, "/topup/other", "", `{}`), http.StatusNotFound)
	test.Code(t, tEcho, newReq(http.MethodPost, "/topup/s3cr3t", "",
		`{"userId":"u1","paymentIntentId":"pi_1","minutes":0}`), http.StatusBadRequest)
	ledgerMock.On("CreditTopup", mock.Anything, "u2", "pi_1", int32(60), int64(0)).Return(nil, ledger.ErrNoAccount)
	test.Code(t, tEcho, newReq(http.MethodPost, "/topup/s3cr3t", "",
		`{"userId":"u2","paymentIntentId":"pi_1","minutes":60}`), http.StatusNotFound)
}

func TestTopup_NoSecret_NoRoute(t *testing.T) {
	initTest(t)
	test.Code(t, tEcho, newReq(http.MethodPost, "/topup/", "", `{}`), http.StatusNotFound)
}

func TestEstimateMinutes(t *testing.T) {
	tests := []struct {
		sec  int32
		want int32
	}{
		{sec: 1, want: 1},
		{sec: 59, want: 1},
		{sec: 60, want: 1},
		{sec: 61, want: 2},
		{sec: 3600, want: 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateMinutes(tt.sec), "sec %d", tt.sec)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		data    *Data
		wantErr bool
	}{
		{name: "ok", data: &Data{DB: &mocks.DB{}, Ledger: &mocks.Ledger{}, MsgSender: &mocks.Sender{}}},
		{name: "limiter", data: &Data{DB: &mocks.DB{}, Ledger: &mocks.Ledger{}, MsgSender: &mocks.Sender{},
			Limiter: &mocks.Cache{}, RateLimit: 1, RateWindow: time.Second}},
		{name: "limiter no window", data: &Data{DB: &mocks.DB{}, Ledger: &mocks.Ledger{}, MsgSender: &mocks.Sender{},
			Limiter: &mocks.Cache{}, RateLimit: 1}, wantErr: true},
		{name: "no db", data: &Data{Ledger: &mocks.Ledger{}, MsgSender: &mocks.Sender{}}, wantErr: true},
		{name: "no ledger", data: &Data{DB: &mocks.DB{}, MsgSender: &mocks.Sender{}}, wantErr: true},
		{name: "no sender", data: &Data{DB: &mocks.DB{}, Ledger: &mocks.Ledger{}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validate(tt.data); (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
