package inform

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordan-wright/email"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFakeEmailSender(t *testing.T) {
	c := viper.New()
	_, err := NewFakeEmailSender(c)
	assert.NotNil(t, err)
	c.Set("smtp.fakeUrl", "http://localhost:8080/mail")
	s, err := NewFakeEmailSender(c)
	require.Nil(t, err)
	assert.Equal(t, "http://localhost:8080/mail", s.url)
}

func TestHTTPEmailSender_Send(t *testing.T) {
	var got email.Email
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Nil(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := viper.New()
	c.Set("smtp.fakeUrl", srv.URL)
	s, err := NewFakeEmailSender(c)
	require.Nil(t, err)
	require.Nil(t, s.Send(&email.Email{From: "a@a.lt", To: []string{"b@b.lt"}, Subject: "done"}))
	assert.Equal(t, "done", got.Subject)
	assert.Equal(t, []string{"b@b.lt"}, got.To)
}

func TestHTTPEmailSender_Send_Fail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := viper.New()
	c.Set("smtp.fakeUrl", srv.URL)
	s, err := NewFakeEmailSender(c)
	require.Nil(t, err)
	assert.NotNil(t, s.Send(&email.Email{Subject: "done"}))
}
