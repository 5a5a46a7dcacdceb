// Package rest is the client for the messaging REST endpoints of the
// marketplace backend. Failures are surfaced to the caller as transient
// errors; nothing here retries automatically, the user reissues the
// action.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shrey2343/researcher-rtc/model"
)

const defaultRequestTimeout = 15 * time.Second

var (
	ErrRequest    = errors.New("request failed")
	ErrBadPayload = errors.New("unable to decode response")
)

// PolicyViolationError carries the server-side content-policy verdict. When
// present it takes precedence over the local guard's warning for user
// messaging.
type PolicyViolationError struct {
	Warning string
}

func (e *PolicyViolationError) Error() string {
	return "message blocked by content policy: " + e.Warning
}

type Config struct {
	Logger *zerolog.Logger

	// BaseURL is the API root, e.g. "https://api.example.com/api".
	BaseURL string
	Token   string

	HTTPClient *http.Client
}

type Client struct {
	logger  zerolog.Logger
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:  cfg.Logger.With().Str("component", "rest").Logger(),
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    cfg.HTTPClient,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultRequestTimeout}
	}
	return c
}

// SetToken swaps the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// envelope is the backend's response wrapper.
type envelope struct {
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Violation string          `json:"violation,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SendMessage posts a message. A policy violation reported by the server
// comes back as *PolicyViolationError.
func (c *Client) SendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	var out model.Message
	err := c.do(ctx, http.MethodPost, "/messages/send", msg, &out)
	return out, err
}

func (c *Client) Conversation(ctx context.Context, projectID string) ([]model.Message, error) {
	var out []model.Message
	err := c.do(ctx, http.MethodGet, "/messages/conversation/"+projectID, nil, &out)
	return out, err
}

func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	err := c.do(ctx, http.MethodGet, "/messages/conversations", nil, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, projectID string, messageIDs []string) error {
	body := model.ReadPayload{ProjectID: projectID, MessageIDs: messageIDs}
	return c.do(ctx, http.MethodPut, "/messages/read/"+projectID, body, nil)
}

// Upload sends file content as multipart form data and returns the stored
// message describing the upload.
func (c *Client) Upload(ctx context.Context, projectID, receiverID, fileName string, file io.Reader) (model.Message, error) {
	var out model.Message

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return out, errors.Join(ErrRequest, err)
	}
	if _, err = io.Copy(fw, file); err != nil {
		return out, errors.Join(ErrRequest, err)
	}
	for k, v := range map[string]string{"projectId": projectID, "receiverId": receiverID} {
		if err = mw.WriteField(k, v); err != nil {
			return out, errors.Join(ErrRequest, err)
		}
	}
	if err = mw.Close(); err != nil {
		return out, errors.Join(ErrRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/upload", buf)
	if err != nil {
		return out, errors.Join(ErrRequest, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = c.send(req, &out)
	return out, err
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/messages/unread-count", nil, &out)
	return out.Count, err
}

func (c *Client) ReportMessage(ctx context.Context, messageID, reason string) error {
	body := struct {
		Reason string `json:"reason"`
	}{Reason: reason}
	return c.do(ctx, http.MethodPost, "/messages/report/"+messageID, body, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/delete/"+messageID, nil, nil)
}

func (c *Client) EditMessage(ctx context.Context, messageID, body string) (model.Message, error) {
	var out model.Message
	payload := struct {
		Body string `json:"body"`
	}{Body: body}
	err := c.do(ctx, http.MethodPut, "/messages/edit/"+messageID, payload, &out)
	return out, err
}

func (c *Client) DeleteConversation(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/conversation/"+projectID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Join(ErrRequest, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("url", req.URL.Path).Msg("request failed")
		return errors.Join(ErrRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}

	var env envelope
	if len(raw) > 0 {
		if err = json.Unmarshal(raw, &env); err != nil {
			return errors.Join(ErrBadPayload, err)
		}
	}
	if env.Violation != "" {
		return &PolicyViolationError{Warning: env.Violation}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if env.Error != "" {
			return fmt.Errorf("%w: %s", ErrRequest, env.Error)
		}
		return fmt.Errorf("%w: status %d", ErrRequest, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err = json.Unmarshal(env.Data, out); err != nil {
			return errors.Join(ErrBadPayload, err)
		}
	}
	return nil
}
