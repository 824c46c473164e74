// Package apiclient talks to the backend's JSON configuration API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// Client is a small JSON client for the backend configuration API. Cookies
// set by the backend are kept and sent back.
type Client struct {
	BaseURL    string
	Timeout    time.Duration
	Header     http.Header
	httpClient *http.Client
}

// New returns a client for base. A non-positive timeout selects
// DefaultTimeout.
func New(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		BaseURL:    strings.TrimSuffix(base, "/"),
		Timeout:    timeout,
		httpClient: &http.Client{Jar: jar},
	}
}

func (c *Client) Get(ctx context.Context, endpoint string, out any) error {
	return c.Do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) Post(ctx context.Context, endpoint string, body, out any) error {
	return c.Do(ctx, http.MethodPost, endpoint, body, out)
}

func (c *Client) Put(ctx context.Context, endpoint string, body, out any) error {
	return c.Do(ctx, http.MethodPut, endpoint, body, out)
}

func (c *Client) Patch(ctx context.Context, endpoint string, body, out any) error {
	return c.Do(ctx, http.MethodPatch, endpoint, body, out)
}

func (c *Client) Delete(ctx context.Context, endpoint string, out any) error {
	return c.Do(ctx, http.MethodDelete, endpoint, nil, out)
}

// Do performs one request. body is JSON encoded unless nil or the method is
// GET. A JSON response is decoded into out; a 204 leaves out untouched; any
// other successful body is stored in out when it is a *string.
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil && method != http.MethodGet {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), rd)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return serverError(resp, data)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
		}
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(data)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.BaseURL + endpoint
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Status: StatusTimeout, Message: "Request timeout", Err: err}
	}
	return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
}

func serverError(resp *http.Response, data []byte) error {
	e := &Error{Kind: KindServer, Status: resp.StatusCode, Data: data}
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		e.Message = body.Message
	} else if text := http.StatusText(resp.StatusCode); text != "" {
		e.Message = text
	} else {
		e.Message = "Unknown error"
	}
	return e
}
