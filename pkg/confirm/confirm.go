// Package confirm hands a reviewed artifact to the recognition collaborator.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-docscan/pkg/capture"
	"github.com/teslashibe/go-docscan/pkg/recognition"
)

// ErrSubmissionFailed wraps every collaborator failure. The collaborator's
// own error stays reachable through errors.Is and errors.As.
var ErrSubmissionFailed = errors.New("confirm: submission failed")

// Gate submits artifacts, one collaborator call per Confirm.
type Gate struct {
	submitter recognition.Submitter
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout bounds each submission. Zero means only the caller's context
// applies.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l.With("component", "confirm") }
}

// New creates a Gate around submitter.
func New(submitter recognition.Submitter, opts ...Option) *Gate {
	g := &Gate{
		submitter: submitter,
		logger:    slog.Default().With("component", "confirm"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Confirm submits a's payload with hint. The submitter is called exactly
// once when the payload can be read, never otherwise.
func (g *Gate) Confirm(ctx context.Context, a *capture.Artifact, hint recognition.DocumentType) (*recognition.Result, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: no artifact", ErrSubmissionFailed)
	}
	data, err := a.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact: %w", ErrSubmissionFailed, err)
	}
	if hint == "" {
		hint = recognition.DocumentUnknown
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := g.submitter.Submit(ctx, recognition.Image{
		Data:     data,
		Filename: a.Filename(),
		MIMEType: a.MIMEType(),
	}, hint)
	if err != nil {
		g.logger.Warn("submission failed",
			"submitter", g.submitter.Name(),
			"filename", a.Filename(),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}

	g.logger.Info("submission accepted",
		"submitter", g.submitter.Name(),
		"filename", a.Filename(),
		"status", result.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// Message returns a short user-facing description of a Confirm failure.
func Message(err error) string {
	var apiErr *recognition.APIError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "recognition service timed out"
	case errors.Is(err, capture.ErrReleased):
		return "the captured image is no longer available"
	}
	return "could not reach the recognition service"
}
