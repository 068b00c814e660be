/*
Package dispatch implements the telephony provider client behind the
reminder.Dispatcher contract.

PURPOSE:
  Places voice calls and sends SMS through a Twilio-style REST API
  (form-encoded POSTs with basic auth). Provider failures surface as
  *reminder.ProviderError carrying the provider's error code, which the
  scheduler persists on the attempt row.

CONFIGURATION:
  Credentials come from the environment:
    DISPATCH_ACCOUNT_SID
    DISPATCH_AUTH_TOKEN
    DISPATCH_FROM_NUMBER
    DISPATCH_API_BASE_URL (optional, for testing against a stub)
  With credentials missing the client reports Ready() == false and the
  scheduler holds attempts in the queue instead of failing them.
*/
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/warp/appointment-engine/reminder"
)

const defaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// Client talks to the telephony provider. The zero value is not usable; build
// one with New or FromEnv.
type Client struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
}

var _ reminder.Dispatcher = (*Client)(nil)

// New builds a client with explicit credentials. baseURL may be empty for
// the provider's production endpoint.
func New(accountSID, authToken, fromNumber, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// FromEnv builds a client from DISPATCH_* environment variables.
func FromEnv() *Client {
	return New(
		os.Getenv("DISPATCH_ACCOUNT_SID"),
		os.Getenv("DISPATCH_AUTH_TOKEN"),
		os.Getenv("DISPATCH_FROM_NUMBER"),
		os.Getenv("DISPATCH_API_BASE_URL"),
	)
}

// Ready reports whether the client has complete credentials.
func (c *Client) Ready() bool {
	return c.accountSID != "" && c.authToken != "" && c.fromNumber != ""
}

// CreateVoiceCall places an outbound call. The provider fetches call content
// from its own voice webhook; callbackURL receives status updates and
// metadata rides along as custom parameters.
func (c *Client) CreateVoiceCall(ctx context.Context, toNumber, callbackURL string, metadata map[string]string) (string, error) {
	form := url.Values{}
	form.Set("To", toNumber)
	form.Set("From", c.fromNumber)
	form.Set("StatusCallback", callbackURL)
	form.Set("StatusCallbackMethod", "POST")
	for _, event := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", event)
	}
	for key, value := range metadata {
		form.Add("Parameter."+key, value)
	}

	return c.post(ctx, fmt.Sprintf("/Accounts/%s/Calls.json", c.accountSID), form)
}

// CreateTextMessage sends an SMS.
func (c *Client) CreateTextMessage(ctx context.Context, toNumber, body string) (string, error) {
	form := url.Values{}
	form.Set("To", toNumber)
	form.Set("From", c.fromNumber)
	form.Set("Body", body)

	return c.post(ctx, fmt.Sprintf("/Accounts/%s/Messages.json", c.accountSID), form)
}

// post submits a form-encoded request and returns the created resource's sid.
func (c *Client) post(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building provider request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &reminder.ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &reminder.ProviderError{Message: "reading provider response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseProviderError(resp.StatusCode, payload)
	}

	var created struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(payload, &created); err != nil || created.Sid == "" {
		return "", &reminder.ProviderError{Message: "provider response missing sid"}
	}
	return created.Sid, nil
}

// parseProviderError extracts the provider's error envelope; a body that
// does not parse still yields a usable message from the HTTP status.
func parseProviderError(statusCode int, payload []byte) *reminder.ProviderError {
	var body struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return &reminder.ProviderError{Code: body.Code.String(), Message: body.Message}
	}
	return &reminder.ProviderError{
		Message: fmt.Sprintf("provider returned HTTP %d", statusCode),
	}
}
