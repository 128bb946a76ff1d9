package recognition

import (
	"context"
	"sync"
	"time"
)

// Mock implements Submitter for testing.
type Mock struct {
	// SubmitFunc is called when Submit is invoked.
	SubmitFunc func(ctx context.Context, img Image, hint DocumentType) (*Result, error)

	// NameOverride replaces "mock" as the backend name.
	NameOverride string

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a Submit invocation.
type MockCall struct {
	Image Image
	Hint  DocumentType
	Time  time.Time
}

// NewMock creates a mock that reports a completed document.
func NewMock() *Mock {
	var nextID int64
	var idMu sync.Mutex
	return &Mock{
		SubmitFunc: func(ctx context.Context, img Image, hint DocumentType) (*Result, error) {
			idMu.Lock()
			nextID++
			id := nextID
			idMu.Unlock()

			conf := 0.9
			return &Result{
				ID:         id,
				Filename:   img.Filename,
				Status:     StatusCompleted,
				UploadDate: Timestamp{time.Now()},
				OCRResult: &OCRResult{
					DocumentID:      id,
					RawText:         "Mock text",
					ExtractedData:   map[string]any{"document_type": string(hint)},
					ConfidenceScore: &conf,
				},
				Provider: "mock",
			}, nil
		},
	}
}

// MockWithError returns a mock whose Submit always fails with err.
func MockWithError(err error) *Mock {
	return &Mock{
		SubmitFunc: func(ctx context.Context, img Image, hint DocumentType) (*Result, error) {
			return nil, err
		},
	}
}

// Name returns "mock" or NameOverride.
func (m *Mock) Name() string {
	if m.NameOverride != "" {
		return m.NameOverride
	}
	return "mock"
}

// Submit records the call and delegates to SubmitFunc.
func (m *Mock) Submit(ctx context.Context, img Image, hint DocumentType) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Image: img, Hint: hint, Time: time.Now()})
	fn := m.SubmitFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, img, hint)
	}
	return nil, WrapError(m.Name(), ErrProviderUnavailable)
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of Submit calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall returns the most recent call, or nil if none.
func (m *Mock) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var _ Submitter = (*Mock)(nil)
