// Package recognition provides the upload collaborator a confirmed scan is
// handed to: an external service that turns a document image into text.
//
// The package defines a common Submitter interface with several backends:
//   - Client: the document backend's multipart upload endpoint
//   - Vision: Google Cloud Vision DOCUMENT_TEXT_DETECTION
//   - tesseract.Engine: local Tesseract OCR (subpackage, needs cgo)
//   - Chain: tries several submitters in order
//   - Mock: records calls for tests
//
// Recognition itself is opaque to this module. Backends return the raw text
// and whatever structure the service provides; nothing here interprets it.
package recognition

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DocumentType is the optional hint passed along with an upload.
type DocumentType string

// Document type hints accepted by the backend.
const (
	DocumentUnknown     DocumentType = "unknown"
	DocumentReceipt     DocumentType = "receipt"
	DocumentInvoice     DocumentType = "invoice"
	DocumentHandwritten DocumentType = "handwritten"
	DocumentForm        DocumentType = "form"
)

// DocumentTypes lists every accepted hint.
func DocumentTypes() []DocumentType {
	return []DocumentType{
		DocumentUnknown,
		DocumentReceipt,
		DocumentInvoice,
		DocumentHandwritten,
		DocumentForm,
	}
}

// ParseDocumentType parses a hint. An empty string is DocumentUnknown.
func ParseDocumentType(s string) (DocumentType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DocumentUnknown, nil
	}
	for _, t := range DocumentTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDocumentType, s)
}

// Status is the processing state reported for a document.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Image is the payload handed to a submitter.
type Image struct {
	Data     []byte
	Filename string
	MIMEType string
}

// Result is the structured outcome of a submission. It mirrors the document
// backend's upload response.
type Result struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id,omitempty"`
	Filename   string     `json:"filename"`
	FilePath   string     `json:"file_path,omitempty"`
	Status     Status     `json:"status"`
	UploadDate Timestamp  `json:"upload_date"`
	OCRResult  *OCRResult `json:"ocr_result,omitempty"`

	// Set locally, not by the service.
	Provider  string `json:"provider,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// OCRResult holds the recognized text.
type OCRResult struct {
	ID              int64          `json:"id,omitempty"`
	DocumentID      int64          `json:"document_id,omitempty"`
	RawText         string         `json:"raw_text,omitempty"`
	ExtractedData   map[string]any `json:"extracted_data,omitempty"`
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
	CreatedAt       *Timestamp     `json:"created_at,omitempty"`
}

// Timestamp decodes both RFC 3339 times and the zone-less ISO 8601 times the
// document service emits. Zone-less times are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	s, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized time %q", s)
}

// Text returns the raw recognized text, or "" when there is none.
func (r *Result) Text() string {
	if r == nil || r.OCRResult == nil {
		return ""
	}
	return r.OCRResult.RawText
}

// Submitter hands an image to a recognition service.
type Submitter interface {
	// Submit uploads img with a document type hint and returns the service's
	// result. It is invoked at most once per user confirmation. Backends may
	// resend a request the service never accepted (transport failure, 429)
	// but never one it may have processed.
	Submit(ctx context.Context, img Image, hint DocumentType) (*Result, error)

	// Name identifies the backend in logs and results.
	Name() string
}

// NewLocalResult builds a Result for backends that run recognition
// themselves rather than through the document service. Empty text is
// reported as StatusFailed.
func NewLocalResult(provider string, img Image, hint DocumentType, text string, confidence float64, start time.Time) *Result {
	now := time.Now()
	conf := confidence
	return &Result{
		Filename:   img.Filename,
		Status:     statusFor(text),
		UploadDate: Timestamp{start},
		OCRResult: &OCRResult{
			RawText:         text,
			ExtractedData:   map[string]any{"document_type": string(hint)},
			ConfidenceScore: &conf,
			CreatedAt:       &Timestamp{now},
		},
		Provider:  provider,
		LatencyMs: now.Sub(start).Milliseconds(),
	}
}

func statusFor(text string) Status {
	if strings.TrimSpace(text) == "" {
		return StatusFailed
	}
	return StatusCompleted
}
