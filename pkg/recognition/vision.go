package recognition

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

const providerVision = "vision"

// Vision submits images to Google Cloud Vision's DOCUMENT_TEXT_DETECTION.
// It authenticates with an API key when one is configured, otherwise with
// application default credentials.
type Vision struct {
	svc    *vision.Service
	logger *slog.Logger
}

// NewVision creates a Vision backend. WithBaseURL overrides the API endpoint.
func NewVision(ctx context.Context, opts ...Option) (*Vision, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = ""
	cfg.Apply(opts...)

	var clientOpts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	default:
		ts, err := google.DefaultTokenSource(ctx, vision.CloudVisionScope)
		if err != nil {
			return nil, WrapError(providerVision, fmt.Errorf("%w: %v", ErrNoAPIKey, err))
		}
		clientOpts = append(clientOpts, option.WithTokenSource(ts))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.BaseURL))
	}

	svc, err := vision.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, WrapError(providerVision, fmt.Errorf("create service: %w", err))
	}

	return &Vision{
		svc:    svc,
		logger: cfg.Logger.With("component", "recognition.vision"),
	}, nil
}

// Name returns "vision".
func (v *Vision) Name() string { return providerVision }

// Submit runs document text detection on img.
func (v *Vision) Submit(ctx context.Context, img Image, hint DocumentType) (*Result, error) {
	if len(img.Data) == 0 {
		return nil, WrapError(providerVision, ErrEmptyImage)
	}
	start := time.Now()

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image: &vision.Image{Content: base64.StdEncoding.EncodeToString(img.Data)},
			Features: []*vision.Feature{
				{Type: "DOCUMENT_TEXT_DETECTION"},
			},
		}},
	}

	resp, err := v.svc.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, WrapError(providerVision, err)
	}
	if len(resp.Responses) == 0 {
		return nil, WrapError(providerVision, fmt.Errorf("empty response"))
	}

	r := resp.Responses[0]
	if r.Error != nil && r.Error.Code != 0 {
		return nil, &APIError{
			StatusCode: int(r.Error.Code),
			Message:    r.Error.Message,
			Provider:   providerVision,
		}
	}

	var text string
	var confidence float64
	if a := r.FullTextAnnotation; a != nil {
		text = a.Text
		if len(a.Pages) > 0 {
			var sum float64
			for _, p := range a.Pages {
				sum += p.Confidence
			}
			confidence = sum / float64(len(a.Pages))
		}
	}

	result := NewLocalResult(providerVision, img, hint, text, confidence, start)
	v.logger.Info("document recognized",
		"filename", img.Filename,
		"chars", len(text),
		"confidence", confidence,
		"latency_ms", result.LatencyMs,
	)
	return result, nil
}

var _ Submitter = (*Vision)(nil)
