/*
client_test.go - Provider client tests against a stub HTTP server
*/
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/appointment-engine/reminder"
)

func TestReady(t *testing.T) {
	assert.True(t, New("AC1", "token", "+15550100", "").Ready())
	assert.False(t, New("", "token", "+15550100", "").Ready())
	assert.False(t, New("AC1", "", "+15550100", "").Ready())
	assert.False(t, New("AC1", "token", "", "").Ready())
}

func TestCreateVoiceCall_PostsFormAndReturnsSid(t *testing.T) {
	var gotPath string
	var gotForm map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotForm = r.PostForm

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "token", pass)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA12345"}`))
	}))
	defer server.Close()

	client := New("AC1", "token", "+15550100", server.URL)
	sid, err := client.CreateVoiceCall(context.Background(), "+15550199",
		"https://example.test/callbacks/voice-status?attempt_id=7",
		map[string]string{"attemptId": "7"})

	require.NoError(t, err)
	assert.Equal(t, "CA12345", sid)
	assert.Equal(t, "/Accounts/AC1/Calls.json", gotPath)
	assert.Equal(t, []string{"+15550199"}, gotForm["To"])
	assert.Equal(t, []string{"+15550100"}, gotForm["From"])
	assert.Equal(t, []string{"https://example.test/callbacks/voice-status?attempt_id=7"}, gotForm["StatusCallback"])
	assert.Equal(t, []string{"7"}, gotForm["Parameter.attemptId"])
}

func TestCreateTextMessage_PostsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/Accounts/AC1/Messages.json", r.URL.Path)
		assert.Equal(t, "Reminder: Dentist on 2026-04-01 at 09:00.", r.PostForm.Get("Body"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM777"}`))
	}))
	defer server.Close()

	client := New("AC1", "token", "+15550100", server.URL)
	sid, err := client.CreateTextMessage(context.Background(), "+15550199",
		"Reminder: Dentist on 2026-04-01 at 09:00.")

	require.NoError(t, err)
	assert.Equal(t, "SM777", sid)
}

func TestPost_ProviderErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": 21211, "message": "The 'To' number is not a valid phone number.", "status": 400}`))
	}))
	defer server.Close()

	client := New("AC1", "token", "+15550100", server.URL)
	_, err := client.CreateVoiceCall(context.Background(), "bogus", "https://example.test/cb", nil)

	require.Error(t, err)
	var provErr *reminder.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "21211", provErr.Code)
	assert.Contains(t, provErr.Message, "not a valid phone number")
}

func TestPost_UnparseableErrorBodyStillFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	client := New("AC1", "token", "+15550100", server.URL)
	_, err := client.CreateTextMessage(context.Background(), "+15550199", "hi")

	require.Error(t, err)
	var provErr *reminder.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Contains(t, provErr.Message, "502")
}
