// Package client talks to the feed service over HTTP and WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"project-feed/internal/models"
)

// ErrNotFound is returned when the service answers 404
var ErrNotFound = errors.New("project not found")

// APIError is a non-2xx answer from the service
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("service returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

type Client struct {
	base   *url.URL
	http   *http.Client
	logger *logrus.Logger
}

// New creates a client for the service at baseURL
func New(baseURL string, timeout time.Duration, logger *logrus.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse service url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}, logger: logger}, nil
}

// Page fetches one page of the collection. A limit of 0 uses the service default.
func (c *Client) Page(ctx context.Context, page, limit int) (models.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.base.JoinPath("collection")
	u.RawQuery = q.Encode()

	var out models.Page
	if err := c.do(ctx, http.MethodGet, u.String(), nil, &out); err != nil {
		return models.Page{}, err
	}
	return out, nil
}

// UpdateTitle renames a project
func (c *Client) UpdateTitle(ctx context.Context, id int64, title string) (models.Record, error) {
	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return models.Record{}, err
	}
	var out models.Record
	u := c.base.JoinPath("collection", strconv.FormatInt(id, 10))
	if err := c.do(ctx, http.MethodPatch, u.String(), body, &out); err != nil {
		return models.Record{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}

// wsURL maps the service url onto the push channel endpoint
func (c *Client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.JoinPath("ws").String()
}
