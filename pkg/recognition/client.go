package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/go-docscan/internal/httpc"
)

const providerClient = "client"

// Client submits images to the document service's upload endpoint
// (POST /upload/?document_type=...) as multipart form data.
type Client struct {
	baseURL string
	config  *Config
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a document service client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpc.NewClient(cfg.Timeout)
	}

	return &Client{
		baseURL: baseURL,
		config:  cfg,
		http:    hc,
		logger:  cfg.Logger.With("component", "recognition.client"),
	}, nil
}

// Name returns "client".
func (c *Client) Name() string { return providerClient }

// Submit uploads img and decodes the document response.
func (c *Client) Submit(ctx context.Context, img Image, hint DocumentType) (*Result, error) {
	if len(img.Data) == 0 {
		return nil, WrapError(providerClient, ErrEmptyImage)
	}
	if hint == "" {
		hint = DocumentUnknown
	}
	start := time.Now()

	body, contentType, err := buildUpload(img)
	if err != nil {
		return nil, WrapError(providerClient, err)
	}

	endpoint := c.baseURL + "/upload/?" + url.Values{"document_type": {string(hint)}}.Encode()
	resp, err := c.doWithRetry(ctx, endpoint, contentType, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("decode response: %w", err))
	}
	result.Provider = providerClient
	result.LatencyMs = time.Since(start).Milliseconds()

	c.logger.Info("document submitted",
		"filename", img.Filename,
		"document_id", result.ID,
		"status", result.Status,
		"hint", hint,
		"latency_ms", result.LatencyMs,
	)
	return &result, nil
}

// Health checks that the service answers.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return WrapError(providerClient, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return WrapError(providerClient, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return c.parseError(resp)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// buildUpload encodes img as the "file" part. The part carries the image's
// own content type since the service validates it.
func buildUpload(img Image) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	filename := img.Filename
	if filename == "" {
		filename = "scan.jpg"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("write part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// doWithRetry resends only requests the service did not accept.
func (c *Client) doWithRetry(ctx context.Context, endpoint, contentType string, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, WrapError(providerClient, fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A timeout may fire after the service took the upload.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, WrapError(providerClient, err)
			}
			lastErr = WrapError(providerClient, err)
			c.logger.Warn("upload failed, retrying",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = c.parseError(resp)
			resp.Body.Close()
			c.logger.Warn("upload rate limited, retrying",
				"attempt", attempt+1,
			)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// parseError reads a FastAPI-style {"detail": ...} error body.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	message := strings.TrimSpace(string(body))
	var errResp struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &errResp) == nil && len(errResp.Detail) > 0 {
		var s string
		if json.Unmarshal(errResp.Detail, &s) == nil {
			message = s
		} else {
			message = string(errResp.Detail)
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   providerClient,
	}
}

// Verify Client implements Submitter at compile time.
var _ Submitter = (*Client)(nil)
