package authsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Client talks to the auth service the way a browser does: tokens live in
// a cookie jar and every state-changing request echoes the CSRF cookie in
// the X-CSRF-Token header. A Client holds one login session and is safe
// for concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// AutoRefresh rotates the refresh token once and retries when a request
	// fails with an expired access token. Default: true
	AutoRefresh bool

	base *url.URL
}

// NewClient creates a client with its own cookie jar.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
		},
		AutoRefresh: true,
		base:        base,
	}, nil
}

func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// cookie returns the named cookie the jar would send to path.
func (c *Client) cookie(path, name string) string {
	if c.HTTPClient.Jar == nil {
		return ""
	}
	u := *c.base
	u.Path = path
	for _, ck := range c.HTTPClient.Jar.Cookies(&u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// CSRFToken returns the CSRF token currently held in the jar.
func (c *Client) CSRFToken() string {
	return c.cookie("/", CookieCSRFToken)
}

// HasSession reports whether the jar holds a refresh token.
func (c *Client) HasSession() bool {
	return c.cookie("/auth/refresh", CookieRefreshToken) != ""
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// do sends a JSON request and decodes a JSON response into out (which may
// be nil). Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	if !isSafeMethod(method) && c.CSRFToken() == "" {
		if _, err := c.FetchCSRFToken(ctx); err != nil {
			return err
		}
	}

	err := c.send(ctx, method, path, body, out)
	if err == nil || !c.AutoRefresh || strings.HasPrefix(path, "/auth/refresh") {
		return err
	}
	if !errors.Is(err, ErrTokenExpired) && !errors.Is(err, ErrUnauthorized) {
		return err
	}
	if !c.HasSession() {
		return err
	}
	if _, rerr := c.Refresh(ctx); rerr != nil {
		return rerr
	}
	return c.send(ctx, method, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !isSafeMethod(method) {
		req.Header.Set(HeaderCSRFToken, c.CSRFToken())
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := parseErrorResponse(resp, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
