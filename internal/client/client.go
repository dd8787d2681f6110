package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antimomentum/antimomentum/internal/store"
)

// ErrJobNotFound is returned by Get for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the jobs API.
type Client struct {
	baseURL string
	http    *http.Client
	retries int
	backoff time.Duration
}

// New creates a client for baseURL (e.g. http://localhost:5000). Idempotent
// requests are retried up to retries times on transport errors and 5xx.
func New(baseURL string, timeout time.Duration, retries int) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		retries: retries,
		backoff: 300 * time.Millisecond,
	}
}

// Create submits a prompt and returns the pending job.
func (c *Client) Create(ctx context.Context, prompt string) (store.Job, error) {
	var job store.Job
	err := c.doJSON(ctx, http.MethodPost, "/api/jobs", map[string]string{"prompt": prompt}, &job, 0)
	return job, err
}

// Get returns the job with its steps.
func (c *Client) Get(ctx context.Context, id int64) (store.JobResponse, error) {
	var resp store.JobResponse
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/%d", id), nil, &resp, c.retries)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return store.JobResponse{}, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return resp, err
}

// Poll fetches the job every interval until it reaches a terminal status.
// onUpdate, if set, sees every snapshot including the last one.
func (c *Client) Poll(ctx context.Context, id int64, interval time.Duration, onUpdate func(store.JobResponse)) (store.JobResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Get(ctx, id)
		if err != nil {
			return store.JobResponse{}, err
		}
		if onUpdate != nil {
			onUpdate(job)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, retries int) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	tries := retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		retryable, err := c.roundTrip(req, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (c *Client) roundTrip(req *http.Request, out any) (bool, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return req.Context().Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
		return false, nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &msg) == nil && msg.Message != "" {
		apiErr.Message = msg.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(b))
	}
	return resp.StatusCode >= http.StatusInternalServerError, apiErr
}
