// Package callclient is a Go client for the call-signaling HTTP API.
package callclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// JoinDescriptor is what a participant needs to attach to the media channel.
type JoinDescriptor struct {
	SessionID     string    `json:"session_id"`
	ChannelName   string    `json:"channel_name"`
	AppointmentID string    `json:"appointment_id"`
	Credential    string    `json:"credential"`
	ProviderAppID string    `json:"provider_app_id"`
	UID           uint32    `json:"uid"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	EventsCursor  int64     `json:"events_cursor"`
	JoinURL       string    `json:"join_url,omitempty"`
}

type Event struct {
	ID          string    `json:"event_id"`
	Cursor      int64     `json:"cursor"`
	RecipientID string    `json:"recipient_id"`
	Type        string    `json:"event_type"`
	Payload     Payload   `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

type Payload struct {
	SessionID     string `json:"session_id"`
	ChannelName   string `json:"channel_name,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
	CallerID      string `json:"caller_id,omitempty"`
	CallerName    string `json:"caller_name,omitempty"`
	CalleeID      string `json:"callee_id,omitempty"`
	CalleeName    string `json:"callee_name,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// IdempotencyKey matches the server's dedupe key: event_type:session_id.
func (e Event) IdempotencyKey() string {
	return e.Type + ":" + e.Payload.SessionID
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("callclient: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("callclient: %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Its timeout must exceed any long-poll wait.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func New(baseURL, accessToken string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) StartCall(ctx context.Context, appointmentID, calleeID, calleeName string) (JoinDescriptor, error) {
	var d JoinDescriptor
	err := c.do(ctx, http.MethodPost, "/calls/start", map[string]string{
		"appointment_id": appointmentID,
		"callee_id":      calleeID,
		"callee_name":    calleeName,
	}, &d)
	return d, err
}

// JoinCall joins by appointment id; channelName may be empty.
func (c *Client) JoinCall(ctx context.Context, appointmentID, channelName string) (JoinDescriptor, error) {
	var d JoinDescriptor
	err := c.do(ctx, http.MethodPost, "/calls/join", map[string]string{
		"appointment_id": appointmentID,
		"channel_name":   channelName,
	}, &d)
	return d, err
}

func (c *Client) EndCall(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/calls/end", map[string]string{"session_id": sessionID}, nil)
}

// Poll reads the caller's events after since. A positive wait long-polls.
func (c *Client) Poll(ctx context.Context, since int64, wait time.Duration) ([]Event, int64, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var out struct {
		Events     []Event `json:"events"`
		NextCursor int64   `json:"next_cursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/events?"+q.Encode(), nil, &out); err != nil {
		return nil, since, err
	}
	return out.Events, out.NextCursor, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("callclient: encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("callclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("callclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e) == nil {
			apiErr.Code, apiErr.Message = e.Code, e.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("callclient: decode response: %w", err)
	}
	return nil
}
