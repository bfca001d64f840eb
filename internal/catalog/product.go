// Package catalog reads product records from the external catalog API.
package catalog

import (
	"context"
	"errors"
)

// ErrNotFound indicates the catalog has no product with the requested id.
var ErrNotFound = errors.New("catalog: product not found")

// Product is the subset of the catalog record surfaced on verification.
type Product struct {
	ID             string         `json:"_id"`
	Name           string         `json:"name"`
	Slug           string         `json:"slug"`
	Family         string         `json:"family,omitempty"`
	Category       string         `json:"category,omitempty"`
	Technology     string         `json:"technology,omitempty"`
	Thumbnail      string         `json:"thumbnail,omitempty"`
	Images         []string       `json:"images,omitempty"`
	Overview       string         `json:"overview,omitempty"`
	KeyHighlights  []string       `json:"keyHighlights,omitempty"`
	Features       []string       `json:"features,omitempty"`
	Applications   []string       `json:"applications,omitempty"`
	Specifications map[string]any `json:"specifications,omitempty"`
	Warranty       string         `json:"warranty,omitempty"`
}

// Store resolves products by id.
type Store interface {
	LookupProduct(ctx context.Context, id string) (Product, error)
}
