package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medlit/classify/backend/pkg/classifier"
)

// ErrNotFound is returned when the inference service reports a missing model.
var ErrNotFound = fmt.Errorf("resource not found")

// Client talks to the text-generation service that backs the
// generative-model family. It satisfies classifier.Generator, so a factory
// wired with it swaps the offline heuristic backend for real completions.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ classifier.Generator = (*Client)(nil)

// ClientOption adjusts the client.
type ClientOption func(*Client)

// WithModel pins the served model name sent with each request.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a generation client with sane defaults. Completions are
// slow; the default timeout is generous.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate submits a prompt and returns the completion text. Temperature is
// pinned to zero so repeated classification prompts drift as little as the
// backend allows.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:     c.model,
		Prompt:    prompt,
		MaxTokens: 128,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/generate", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("generate failed: %s", strings.TrimSpace(string(payload)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}

	return out.Text, nil
}

// Healthy checks the service's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/healthz", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %s", resp.Status)
	}
	return nil
}

// ReadEvents consumes a server-sent event stream, handing each event's data
// payload to fn. Comment lines and events without data are skipped; the
// stream ends cleanly at EOF.
func ReadEvents(r io.Reader, fn func(json.RawMessage) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var data []byte
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := json.RawMessage(data)
		data = nil
		return fn(payload)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimSpace(value)...)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
