package qrcode

import (
	"archive/zip"
	"fmt"
	"io"
	"time"
)

// Label is one entry of a label archive.
type Label struct {
	Name    string
	Payload string
}

// WriteArchive renders every label and streams them into a zip archive on w.
// It returns the number of images written.
func (r *Renderer) WriteArchive(w io.Writer, labels []Label, size int, modified time.Time) (int, error) {
	zw := zip.NewWriter(w)
	written := 0
	for _, label := range labels {
		png, err := r.PNG(label.Payload, size)
		if err != nil {
			_ = zw.Close()
			return written, fmt.Errorf("qrcode: render %s: %w", label.Name, err)
		}
		// PNG data is already deflated.
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: label.Name, Method: zip.Store, Modified: modified})
		if err != nil {
			_ = zw.Close()
			return written, err
		}
		if _, err := fw.Write(png); err != nil {
			_ = zw.Close()
			return written, err
		}
		written++
	}
	if err := zw.Close(); err != nil {
		return written, err
	}
	return written, nil
}
