// Package remote delivers queued mutations to the BrightPath API and
// classifies the outcome as applied, conflict, transient or rejected.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brightpath/fieldsync/internal/models"
)

// IdempotencyHeader carries the mutation id on every request.
const IdempotencyHeader = "Idempotency-Key"

// BaseVersionField is the body field holding the version the client last saw.
const BaseVersionField = "base_version"

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 15 * time.Second

const maxBodyBytes = 1 << 20

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

// Client sends mutations over HTTP.
type Client struct {
	baseURL   string
	timeout   time.Duration
	token     string
	userAgent string
	http      *http.Client
}

// Response is the server's answer to an applied mutation.
type Response struct {
	Status int
	Record map[string]interface{}
	// Replayed is set when the server answered from its idempotency cache.
	Replayed bool
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		timeout:   opts.Timeout,
		token:     opts.Token,
		userAgent: opts.UserAgent,
		http:      opts.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.userAgent == "" {
		c.userAgent = "fieldsync"
	}
	return c
}

// Endpoint returns the HTTP method and URL for a mutation:
// POST /api/{entity}, PATCH /api/{entity}/{id}, DELETE /api/{entity}/{id}.
func (c *Client) Endpoint(m *models.PendingMutation) (string, string, error) {
	entity := url.PathEscape(m.EntityType)
	switch m.Operation {
	case models.OperationCreate:
		return http.MethodPost, fmt.Sprintf("%s/api/%s", c.baseURL, entity), nil
	case models.OperationUpdate:
		return http.MethodPatch, fmt.Sprintf("%s/api/%s/%s", c.baseURL, entity, url.PathEscape(m.RecordID)), nil
	case models.OperationDelete:
		return http.MethodDelete, fmt.Sprintf("%s/api/%s/%s", c.baseURL, entity, url.PathEscape(m.RecordID)), nil
	}
	return "", "", fmt.Errorf("unknown operation %q", m.Operation)
}

// Send delivers m with its id as the idempotency key. On failure the error is
// a *TransientNetworkError, *ConflictError or *PermanentRejectionError.
func (c *Client) Send(ctx context.Context, m *models.PendingMutation) (*Response, error) {
	method, target, err := c.Endpoint(m)
	if err != nil {
		return nil, &PermanentRejectionError{Message: err.Error()}
	}

	body := make(map[string]interface{}, len(m.Payload)+1)
	if m.Operation != models.OperationDelete {
		for k, v := range m.Payload {
			body[k] = v
		}
	}
	if m.BaseVersion > 0 {
		body[BaseVersionField] = m.BaseVersion
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &PermanentRejectionError{Message: fmt.Sprintf("payload is not serializable: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(data))
	if err != nil {
		return nil, &PermanentRejectionError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(IdempotencyHeader, m.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// Connection reset mid-body leaves the outcome ambiguous; the
		// idempotency key makes the retry safe.
		return nil, &TransientNetworkError{Err: fmt.Errorf("read response: %w", err)}
	}

	return classify(resp, raw)
}

type errorBody struct {
	Error         string                 `json:"error"`
	Message       string                 `json:"message"`
	Record        map[string]interface{} `json:"record"`
	ChangedFields []string               `json:"changed_fields"`
	Fields        map[string]string      `json:"fields"`
}

func classify(resp *http.Response, raw []byte) (*Response, error) {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		out := &Response{Status: status, Replayed: resp.Header.Get("Idempotent-Replayed") == "true"}
		if len(bytes.TrimSpace(raw)) > 0 {
			var record map[string]interface{}
			if err := json.Unmarshal(raw, &record); err == nil {
				out.Record = record
			}
		}
		return out, nil

	case status == http.StatusConflict:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return nil, &ConflictError{
			Record:        eb.Record,
			ChangedFields: eb.ChangedFields,
			Message:       firstNonEmpty(eb.Message, eb.Error),
		}

	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return nil, &TransientNetworkError{Status: status}

	default:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := firstNonEmpty(eb.Message, eb.Error)
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, &PermanentRejectionError{Status: status, Message: msg, Fields: eb.Fields}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}
