package recognition

import (
	"context"
	"log/slog"
	"strings"
)

// Chain tries multiple submitters in order until one succeeds.
type Chain struct {
	submitters []Submitter
	logger     *slog.Logger
}

// NewChain creates a submitter chain.
// At least one submitter is required.
func NewChain(submitters ...Submitter) (*Chain, error) {
	if len(submitters) == 0 {
		return nil, ErrProviderUnavailable
	}
	return &Chain{
		submitters: submitters,
		logger:     slog.Default().With("component", "recognition.chain"),
	}, nil
}

// NewChainWithLogger creates a submitter chain with a custom logger.
func NewChainWithLogger(logger *slog.Logger, submitters ...Submitter) (*Chain, error) {
	chain, err := NewChain(submitters...)
	if err != nil {
		return nil, err
	}
	chain.logger = logger.With("component", "recognition.chain")
	return chain, nil
}

// Name joins the member names, e.g. "chain(client,vision)".
func (c *Chain) Name() string {
	names := make([]string, len(c.submitters))
	for i, s := range c.submitters {
		names[i] = s.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Submit tries each submitter until one succeeds. A cancelled context stops
// the chain.
func (c *Chain) Submit(ctx context.Context, img Image, hint DocumentType) (*Result, error) {
	var errors []error

	for i, s := range c.submitters {
		result, err := s.Submit(ctx, img, hint)
		if err == nil {
			if i > 0 {
				c.logger.Info("fallback submitter succeeded",
					"submitter", s.Name(),
					"submitter_index", i,
				)
			}
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		errors = append(errors, err)
		c.logger.Warn("submitter failed, trying next",
			"submitter", s.Name(),
			"submitter_index", i,
			"error", err,
		)
	}

	return nil, &ChainError{Errors: errors}
}

var _ Submitter = (*Chain)(nil)
