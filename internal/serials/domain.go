package serials

import (
	"errors"
	"fmt"
	"time"

	"github.com/Dharmesh177/zsindia-cms/internal/catalog"
)

// Status is the lifecycle state of a serial record.
type Status uint8

const (
	// StatusActive marks a record that can still be verified.
	StatusActive Status = iota + 1
	// StatusDeactivated marks a retired record. It is terminal.
	StatusDeactivated
)

// String returns the storage form of the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDeactivated:
		return "deactivated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus converts the storage form back into a Status.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "active":
		return StatusActive, nil
	case "deactivated":
		return StatusDeactivated, nil
	default:
		return 0, fmt.Errorf("serials: unknown status %q", raw)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if s != StatusActive && s != StatusDeactivated {
		return nil, fmt.Errorf("serials: cannot marshal %s", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Deactivate applies the only lifecycle transition. changed is false when the
// status is already terminal.
func (s Status) Deactivate() (next Status, changed bool) {
	if s == StatusActive {
		return StatusDeactivated, true
	}
	return s, false
}

// SerialRecord is the issued identity of one physical product unit.
type SerialRecord struct {
	ID            string     `json:"id"`
	Code          string     `json:"serial_number"`
	ProductID     string     `json:"product_id"`
	BatchLabel    *string    `json:"batch_label,omitempty"`
	Status        Status     `json:"status"`
	VerifiedCount int64      `json:"verified_count"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Verified reports whether the record was ever successfully verified.
func (r SerialRecord) Verified() bool {
	return r.VerifiedCount > 0
}

// Reason explains why a verification was refused.
type Reason string

const (
	// ReasonNone accompanies a valid verification.
	ReasonNone Reason = ""
	// ReasonUnknownCode covers malformed input and codes that were never issued.
	ReasonUnknownCode Reason = "unknown_code"
	// ReasonDeactivated covers codes that were retired.
	ReasonDeactivated Reason = "deactivated"
	// ReasonProductMissing covers active codes whose product no longer resolves.
	ReasonProductMissing Reason = "product_missing"
)

// Result is the outcome of resolving a scanned code.
type Result struct {
	Valid   bool             `json:"valid"`
	Reason  Reason           `json:"reason,omitempty"`
	Code    string           `json:"code,omitempty"`
	Record  *SerialRecord    `json:"serial,omitempty"`
	Product *catalog.Product `json:"product,omitempty"`
}

func invalid(reason Reason, code string) Result {
	return Result{Reason: reason, Code: code}
}

// GenerateInput describes a batch generation request.
type GenerateInput struct {
	ProductID      string
	Quantity       int
	BatchLabel     string
	IdempotencyKey string
	Actor          string
}

// ListFilter narrows a per-product listing.
type ListFilter struct {
	Status     Status
	BatchLabel string
	Limit      int
	Offset     int
}

// Summary aggregates the records of one product.
type Summary struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Deactivated int `json:"deactivated"`
	Verified    int `json:"verified"`
}

const (
	// MinBatchQuantity is the smallest batch that can be generated.
	MinBatchQuantity = 1
	// MaxBatchQuantity is the largest batch that can be generated.
	MaxBatchQuantity = 1000
	// DefaultMaxDraws bounds the redraws spent on a single code.
	DefaultMaxDraws = 10
)

var (
	// ErrInvalidQuantity indicates a batch size outside [1, 1000].
	ErrInvalidQuantity = errors.New("serials: quantity must be between 1 and 1000")
	// ErrExhaustedNamespace indicates the redraw budget was spent on a single code.
	ErrExhaustedNamespace = errors.New("serials: code namespace exhausted")
	// ErrNotFound indicates a missing serial record.
	ErrNotFound = errors.New("serials: record not found")
	// ErrProductRequired indicates an empty product id.
	ErrProductRequired = errors.New("serials: product id required")
	// ErrNotActive is returned by repositories when a conditional update found
	// the record already deactivated.
	ErrNotActive = errors.New("serials: record not active")
)
