// Package qrcode renders verification URLs into PNG labels.
package qrcode

import (
	"errors"
	"fmt"

	goqrcode "github.com/skip2/go-qrcode"
)

const (
	// MinSize is the smallest accepted image edge in pixels.
	MinSize = 128
	// MaxSize is the largest accepted image edge in pixels.
	MaxSize = 1024
	// DefaultSize is used when no size is requested.
	DefaultSize = 256
)

// ErrInvalidSize indicates a requested edge outside [MinSize, MaxSize].
var ErrInvalidSize = fmt.Errorf("qrcode: size must be between %d and %d", MinSize, MaxSize)

// Renderer encodes payloads as PNG QR codes.
type Renderer struct {
	level goqrcode.RecoveryLevel
}

// NewRenderer returns a renderer using high error correction.
func NewRenderer() *Renderer {
	return &Renderer{level: goqrcode.High}
}

// PNG renders payload at size pixels. A zero size uses DefaultSize.
func (r *Renderer) PNG(payload string, size int) ([]byte, error) {
	if payload == "" {
		return nil, errors.New("qrcode: empty payload")
	}
	if size == 0 {
		size = DefaultSize
	}
	if size < MinSize || size > MaxSize {
		return nil, ErrInvalidSize
	}
	png, err := goqrcode.Encode(payload, r.level, size)
	if err != nil {
		return nil, fmt.Errorf("qrcode: encode: %w", err)
	}
	return png, nil
}
