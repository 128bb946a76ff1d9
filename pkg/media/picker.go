package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilePicker picks an image from the local filesystem. An empty Path is the
// equivalent of the user dismissing the chooser.
type FilePicker struct {
	Path string
}

// Pick reads the file at Path.
func (p FilePicker) Pick(ctx context.Context) (Picked, error) {
	if err := ctx.Err(); err != nil {
		return Picked{}, err
	}
	if p.Path == "" {
		return Picked{}, ErrPickCancelled
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Picked{}, fmt.Errorf("pick %s: %w", p.Path, err)
		}
		return Picked{}, fmt.Errorf("read %s: %w", p.Path, err)
	}
	return Picked{Data: data, Filename: filepath.Base(p.Path)}, nil
}

// BytesPicker returns an image that was already chosen elsewhere, such as a
// multipart upload from a browser's file input. Empty Data means the user
// submitted nothing.
type BytesPicker Picked

// Pick returns the wrapped image.
func (p BytesPicker) Pick(ctx context.Context) (Picked, error) {
	if err := ctx.Err(); err != nil {
		return Picked{}, err
	}
	if len(p.Data) == 0 {
		return Picked{}, ErrPickCancelled
	}
	return Picked(p), nil
}

// CancelledPicker always reports a dismissed chooser.
var CancelledPicker = PickerFunc(func(context.Context) (Picked, error) {
	return Picked{}, ErrPickCancelled
})
