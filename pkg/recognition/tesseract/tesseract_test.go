package tesseract

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os/exec"
	"testing"

	"github.com/teslashibe/go-docscan/pkg/recognition"
)

func TestSubmitEmptyImage(t *testing.T) {
	_, err := New().Submit(context.Background(), recognition.Image{}, recognition.DocumentUnknown)
	if !errors.Is(err, recognition.ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
}

func TestSubmitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Submit(ctx, recognition.Image{Data: []byte{1}}, recognition.DocumentUnknown)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestSubmitBlankPage runs only where the tesseract CLI (and its data) is installed
func TestSubmitBlankPage(t *testing.T) {
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed, skipping test")
	}

	img := image.NewGray(image.Rect(0, 0, 200, 100))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(0, 0, color.Gray{})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	res, err := New().Submit(context.Background(), recognition.Image{
		Data:     buf.Bytes(),
		Filename: "blank.png",
		MIMEType: "image/png",
	}, recognition.DocumentReceipt)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Provider != "tesseract" {
		t.Errorf("provider = %q", res.Provider)
	}
	if res.Text() == "" && res.Status != recognition.StatusFailed {
		t.Errorf("blank page should be reported failed, got %s", res.Status)
	}
}
