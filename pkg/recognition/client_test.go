package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload/", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "receipt", r.URL.Query().Get("document_type"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, []byte("jpeg-bytes"), data)
		assert.Equal(t, "scan-1-1.jpg", header.Filename)
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": 7,
			"user_id": 1,
			"filename": "scan-1-1.jpg",
			"file_path": "uploads/abc.jpg",
			"status": "completed",
			"upload_date": "2026-01-02T03:04:05",
			"ocr_result": {
				"id": 3,
				"document_id": 7,
				"raw_text": "TOTAL 12.50",
				"extracted_data": {"vendor": "Cafe", "total_amount": 12.5},
				"confidence_score": 0.87
			}
		}`)
	}))
	defer server.Close()

	client, err := NewClient(WithBaseURL(server.URL + "/"))
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Submit(context.Background(), Image{
		Data:     []byte("jpeg-bytes"),
		Filename: "scan-1-1.jpg",
		MIMEType: "image/jpeg",
	}, DocumentReceipt)
	require.NoError(t, err)

	assert.EqualValues(t, 7, res.ID)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "TOTAL 12.50", res.Text())
	require.NotNil(t, res.OCRResult.ConfidenceScore)
	assert.InDelta(t, 0.87, *res.OCRResult.ConfidenceScore, 1e-9)
	assert.Equal(t, "Cafe", res.OCRResult.ExtractedData["vendor"])
	assert.Equal(t, "client", res.Provider)
}

func TestClientUploadDateFormats(t *testing.T) {
	// The backend serializes naive datetimes without a zone.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":1,"filename":"a.jpg","status":"processing","upload_date":"2026-01-02T03:04:05.123456"}`)
	}))
	defer server.Close()

	client, err := NewClient(WithBaseURL(server.URL))
	require.NoError(t, err)

	res, err := client.Submit(context.Background(), Image{Data: []byte{1}}, "")
	require.NoError(t, err)
	assert.Equal(t, 2026, res.UploadDate.Year())
	assert.Equal(t, 123456000, res.UploadDate.Nanosecond())
	assert.Equal(t, StatusProcessing, res.Status)
}

func TestClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"detail": "Invalid file type. Allowed: JPEG, PNG, WebP. Got: image/gif",
		})
	}))
	defer server.Close()

	client, err := NewClient(WithBaseURL(server.URL))
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), Image{Data: []byte{1}, MIMEType: "image/gif"}, DocumentUnknown)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.True(t, apiErr.IsBadRequest())
	assert.False(t, apiErr.IsRetryable())
	assert.Contains(t, apiErr.Message, "Invalid file type")
}

func TestClientDoesNotResendAcceptedUpload(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"detail":"Failed to save uploaded file"}`)
	}))
	defer server.Close()

	client, err := NewClient(WithBaseURL(server.URL), WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), Image{Data: []byte{1}}, DocumentUnknown)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsServerError())
	assert.EqualValues(t, 1, hits.Load(), "5xx may mean the upload was stored")
}

func TestClientRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"id":2,"filename":"a.jpg","status":"completed","upload_date":"2026-01-02T03:04:05Z"}`)
	}))
	defer server.Close()

	client, err := NewClient(WithBaseURL(server.URL), WithRetry(2, time.Millisecond))
	require.NoError(t, err)

	res, err := client.Submit(context.Background(), Image{Data: []byte{1}}, DocumentUnknown)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.ID)
	assert.EqualValues(t, 2, hits.Load())
}

func TestClientValidation(t *testing.T) {
	_, err := NewClient(WithBaseURL(""))
	assert.ErrorIs(t, err, ErrNoBaseURL)

	client, err := NewClient()
	require.NoError(t, err)
	_, err = client.Submit(context.Background(), Image{}, DocumentUnknown)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestClientContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(WithBaseURL(server.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Submit(ctx, Image{Data: []byte{1}}, DocumentUnknown)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVisionSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images:annotate", r.URL.Path)

		var req struct {
			Requests []struct {
				Image struct {
					Content string `json:"content"`
				} `json:"image"`
				Features []struct {
					Type string `json:"type"`
				} `json:"features"`
			} `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Requests, 1)
		assert.Equal(t, "aW1n", req.Requests[0].Image.Content)
		assert.Equal(t, "DOCUMENT_TEXT_DETECTION", req.Requests[0].Features[0].Type)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"responses":[{"fullTextAnnotation":{"text":"INVOICE 42","pages":[{"confidence":0.8},{"confidence":0.6}]}}]}`)
	}))
	defer server.Close()

	v, err := NewVision(context.Background(),
		WithBaseURL(server.URL+"/"),
		WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)

	res, err := v.Submit(context.Background(), Image{Data: []byte("img"), Filename: "scan.jpg"}, DocumentInvoice)
	require.NoError(t, err)
	assert.Equal(t, "INVOICE 42", res.Text())
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "vision", res.Provider)
	require.NotNil(t, res.OCRResult.ConfidenceScore)
	assert.InDelta(t, 0.7, *res.OCRResult.ConfidenceScore, 1e-9)
	assert.Equal(t, "invoice", res.OCRResult.ExtractedData["document_type"])
}

func TestVisionResponseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"responses":[{"error":{"code":3,"message":"Bad image data."}}]}`)
	}))
	defer server.Close()

	v, err := NewVision(context.Background(),
		WithBaseURL(server.URL+"/"),
		WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)

	_, err = v.Submit(context.Background(), Image{Data: []byte("x")}, DocumentUnknown)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "vision", apiErr.Provider)
	assert.Equal(t, "Bad image data.", apiErr.Message)
}
