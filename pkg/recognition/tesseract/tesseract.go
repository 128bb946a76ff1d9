// Package tesseract provides a recognition.Submitter that runs Tesseract OCR
// locally through gosseract. Building it requires libtesseract and cgo.
package tesseract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/teslashibe/go-docscan/pkg/recognition"
)

const providerName = "tesseract"

// Engine recognizes text with a fresh gosseract client per submission.
type Engine struct {
	languages     []string
	clientFactory func() *gosseract.Client
	logger        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLanguages sets the Tesseract languages, e.g. "eng", "deu".
func WithLanguages(langs ...string) Option {
	return func(e *Engine) { e.languages = langs }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With("component", "recognition.tesseract") }
}

// New creates a Tesseract engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		languages:     []string{"eng"},
		clientFactory: gosseract.NewClient,
		logger:        slog.Default().With("component", "recognition.tesseract"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns "tesseract".
func (e *Engine) Name() string { return providerName }

// Submit runs OCR on img.
func (e *Engine) Submit(ctx context.Context, img recognition.Image, hint recognition.DocumentType) (*recognition.Result, error) {
	if len(img.Data) == 0 {
		return nil, recognition.WrapError(providerName, recognition.ErrEmptyImage)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(img.Data); err != nil {
		return nil, recognition.WrapError(providerName, fmt.Errorf("set image: %w", err))
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return nil, recognition.WrapError(providerName, fmt.Errorf("set languages: %w", err))
		}
	}
	if hint == recognition.DocumentReceipt || hint == recognition.DocumentForm {
		// Receipts and forms are sparse columns of short lines.
		if err := c.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
			return nil, recognition.WrapError(providerName, fmt.Errorf("set page seg mode: %w", err))
		}
	}

	text, err := c.Text()
	if err != nil {
		return nil, recognition.WrapError(providerName, fmt.Errorf("recognize text: %w", err))
	}
	text = strings.TrimSpace(text)

	result := recognition.NewLocalResult(providerName, img, hint, text, meanConfidence(c), start)
	e.logger.Info("document recognized",
		"filename", img.Filename,
		"chars", len(text),
		"latency_ms", result.LatencyMs,
	)
	return result, nil
}

// meanConfidence averages word confidences, scaled to 0..1.
func meanConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}

var _ recognition.Submitter = (*Engine)(nil)
