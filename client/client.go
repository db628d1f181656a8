// Package client keeps a messaging UI in sync with the API: one Synchronizer per followed resource,
// behind a Transport chosen once per session (push stream or conditional polling).
package client

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

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core/messaging"
)

const (
	headerIfNoneMatch = "If-None-Match"
	headerETag        = "ETag"

	defaultRequestTimeout = 30 * time.Second
)

// ErrRevoked is returned when the caller lost access to the followed resource.
var ErrRevoked = errors.New("access revoked")

// TransientTransportError is a failure worth retrying: network errors, server errors & rate limiting.
type TransientTransportError struct {
	StatusCode int // 0 for network errors
	Err        error
}

func (e *TransientTransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient transport error (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient transport error: %v", e.Err)
}

func (e *TransientTransportError) Cause() error  { return e.Err }
func (e *TransientTransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or its cause) is a TransientTransportError.
func IsTransient(err error) bool {
	var terr *TransientTransportError
	return errors.As(err, &terr)
}

// APIError is a request the API rejected.
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string]string // validation errors, by field
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error (%d): %v", e.StatusCode, e.Fields)
}

// Client calls the messaging API on behalf of one user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client // without timeout: streams stay open
}

type Option func(*Client)

// WithHTTPClient sets the http.Client used for the regular requests & the streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		stream := *hc
		stream.Timeout = 0
		c.stream = &stream
	}
}

// New returns a Client of the API at baseURL (e.g. https://school.example/v1), authenticated with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		stream:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	res, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransientTransportError{Err: err}
	}
	return res, nil
}

// errorFrom turns an unsuccessful response into an error. It consumes the body.
func errorFrom(res *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
		return &TransientTransportError{StatusCode: res.StatusCode, Err: errors.New(http.StatusText(res.StatusCode))}
	}

	apiErr := &APIError{StatusCode: res.StatusCode}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err == nil {
		if msg, ok := body["error"]; ok && len(body) == 1 {
			apiErr.Message = msg
		} else {
			apiErr.Fields = body
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" && apiErr.Fields == nil {
		apiErr.Message = http.StatusText(res.StatusCode)
	}
	return apiErr
}

// do sends the request & decodes a successful JSON response into out.
func (c *Client) do(req *http.Request, out interface{}) error {
	res, err := c.send(c.http, req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errorFrom(res)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(res.Body).Decode(out); err != nil {
		return &TransientTransportError{StatusCode: res.StatusCode, Err: errors.Wrap(err, "decoding response")}
	}
	return nil
}

// SendMessage posts a message to a conversation, and returns it as the stream would emit it.
func (c *Client) SendMessage(ctx context.Context, convID int64, in messaging.NewMessage) (messaging.Message, error) {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", convID), in)
	if err != nil {
		return messaging.Message{}, err
	}
	var msg messaging.Message
	if err = c.do(req, &msg); err != nil {
		return messaging.Message{}, errors.Wrap(err, "sending message")
	}
	return msg, nil
}

// MarkRead records that the caller read a message.
func (c *Client) MarkRead(ctx context.Context, msgID int64) (messaging.OwnReadState, error) {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/messages/%d/read", msgID), nil)
	if err != nil {
		return messaging.OwnReadState{}, err
	}
	var res struct {
		Success    bool                   `json:"success"`
		ReadStatus messaging.OwnReadState `json:"read_status"`
	}
	if err = c.do(req, &res); err != nil {
		return messaging.OwnReadState{}, errors.Wrap(err, "marking message read")
	}
	return res.ReadStatus, nil
}

// StreamToken returns a short-lived token for the push stream of a conversation,
// or of the caller's notifications when convID is 0.
func (c *Client) StreamToken(ctx context.Context, convID int64) (string, error) {
	path := "/notifications/stream-token"
	if convID > 0 {
		path = fmt.Sprintf("/conversations/%d/stream-token", convID)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}
	var res struct {
		Token string `json:"token"`
	}
	if err = c.do(req, &res); err != nil {
		return "", errors.Wrap(err, "getting stream token")
	}
	return res.Token, nil
}

// poll sends a conditional GET. It reports false, with no error, when the held version is still current.
func (c *Client) poll(ctx context.Context, path, version string, payload interface{}) (string, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", false, err
	}
	if version != "" {
		req.Header.Set(headerIfNoneMatch, strconv.Quote(version))
	}

	res, err := c.send(c.http, req)
	if err != nil {
		return "", false, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotModified:
		_, _ = io.Copy(io.Discard, res.Body)
		return version, false, nil
	case res.StatusCode != http.StatusOK:
		return "", false, errorFrom(res)
	}

	var body struct {
		Version string          `json:"version"`
		Payload json.RawMessage `json:"payload"`
	}
	if err = json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", false, &TransientTransportError{StatusCode: res.StatusCode, Err: errors.Wrap(err, "decoding poll response")}
	}
	if err = json.Unmarshal(body.Payload, payload); err != nil {
		return "", false, &TransientTransportError{StatusCode: res.StatusCode, Err: errors.Wrap(err, "decoding poll payload")}
	}
	if body.Version == "" {
		body.Version, _ = strconv.Unquote(res.Header.Get(headerETag))
	}
	return body.Version, true, nil
}

// PollConversation returns the changes of a conversation after the message afterID,
// or false when version is still the current one.
func (c *Client) PollConversation(
	ctx context.Context,
	convID, afterID int64,
	version string,
) (messaging.ConversationState, bool, error) {
	q := url.Values{}
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	path := fmt.Sprintf("/poll/conversations/%d", convID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var state messaging.ConversationState
	tag, modified, err := c.poll(ctx, path, version, &state)
	if err != nil {
		return messaging.ConversationState{}, false, errors.Wrap(err, "polling conversation")
	}
	state.Version = tag
	return state, modified, nil
}

// PollNotifications returns the caller's inbox, or false when version is still the current one.
func (c *Client) PollNotifications(ctx context.Context, version string) (messaging.NotificationState, bool, error) {
	var state messaging.NotificationState
	tag, modified, err := c.poll(ctx, "/poll/notifications", version, &state)
	if err != nil {
		return messaging.NotificationState{}, false, errors.Wrap(err, "polling notifications")
	}
	state.Version = tag
	return state, modified, nil
}
