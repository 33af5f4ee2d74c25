package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrRunnerFailed = errors.New("runner reported failure")

type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client talks to a ComfyUI instance: upload the source image, submit a
// workflow, poll its history, fetch the rendered bytes. Reads retry with
// capped backoff; the submit POST is not idempotent and runs once.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("runner base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Client{
		baseURL:        base,
		httpClient:     &http.Client{Timeout: timeout},
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}, nil
}

// UploadImage stores the source image on the runner and returns the name the
// workflow's LoadImage node should reference.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var resp struct {
		Name string `json:"name"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return "", fmt.Errorf("upload source image: %w", err)
	}
	if resp.Name == "" {
		resp.Name = filename
	}
	return resp.Name, nil
}

// SubmitPrompt queues the workflow and returns the runner's prompt id.
func (c *Client) SubmitPrompt(ctx context.Context, wf Workflow) (string, error) {
	payload, err := json.Marshal(map[string]any{"prompt": wf})
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return "", fmt.Errorf("submit workflow: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("submit workflow: runner returned no prompt_id")
	}
	return resp.PromptID, nil
}

// OutputImage locates one rendered image on the runner.
type OutputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// History reports the finished outputs for a prompt. done is false while the
// runner is still working. A completed run with an error status returns
// ErrRunnerFailed.
func (c *Client) History(ctx context.Context, promptID string) ([]OutputImage, bool, error) {
	data, err := c.getWithRetry(ctx, c.baseURL+"/history/"+url.PathEscape(promptID))
	if err != nil {
		return nil, false, fmt.Errorf("fetch history: %w", err)
	}

	var history map[string]struct {
		Outputs map[string]struct {
			Images []OutputImage `json:"images"`
		} `json:"outputs"`
		Status struct {
			Completed bool   `json:"completed"`
			StatusStr string `json:"status_str"`
		} `json:"status"`
	}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, false, fmt.Errorf("parse history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, false, nil
	}
	if entry.Status.StatusStr == "error" {
		return nil, true, fmt.Errorf("%w: prompt %s", ErrRunnerFailed, promptID)
	}

	var images []OutputImage
	for _, out := range entry.Outputs {
		images = append(images, out.Images...)
	}
	if len(images) == 0 {
		if entry.Status.Completed {
			return nil, true, fmt.Errorf("%w: prompt %s produced no images", ErrRunnerFailed, promptID)
		}
		return nil, false, nil
	}
	return images, true, nil
}

// FetchImage downloads one rendered output as raw bytes.
func (c *Client) FetchImage(ctx context.Context, img OutputImage) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", img.Filename)
	query.Set("subfolder", img.Subfolder)
	query.Set("type", img.Type)

	data, err := c.getWithRetry(ctx, c.baseURL+"/view?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch rendered image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch rendered image: empty response")
	}
	return data, nil
}

func (c *Client) doJSON(req *http.Request, into any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("runner returned status=%d body=%s", resp.StatusCode, truncate(body, 200))
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) getWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	backoff := c.initialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return body, nil
			}
			if readErr != nil {
				lastErr = readErr
			} else {
				lastErr = fmt.Errorf("runner returned status=%d", resp.StatusCode)
			}
		} else {
			lastErr = err
		}

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = minDuration(backoff*2, c.maxBackoff)
	}

	return nil, fmt.Errorf("after %d attempts: %w", c.maxAttempts, lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
