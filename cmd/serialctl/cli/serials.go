package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Dharmesh177/zsindia-cms/internal/serials"
)

// ExitInvalid is returned by verify when the code does not verify.
const ExitInvalid = 10

// SerialService is the subset of serials.Service used by the CLI.
type SerialService interface {
	GenerateBatch(ctx context.Context, input serials.GenerateInput) ([]serials.SerialRecord, error)
	Deactivate(ctx context.Context, id, actor string) (serials.SerialRecord, error)
	Resolve(ctx context.Context, raw string) (serials.Result, error)
	VerificationURL(rec serials.SerialRecord) string
}

// SerialsCLI runs operator commands against the serial service.
type SerialsCLI struct {
	service SerialService
}

// NewSerialsCLI constructs the command set.
func NewSerialsCLI(service SerialService) (*SerialsCLI, error) {
	if service == nil {
		return nil, errors.New("serials cli: service is required")
	}
	return &SerialsCLI{service: service}, nil
}

// GenerateOptions defines flags for the generate command.
type GenerateOptions struct {
	ProductID      string
	Quantity       int
	BatchLabel     string
	IdempotencyKey string
	Actor          string
	JSONOutput     bool
	Stdout         io.Writer
	Stderr         io.Writer
}

type generatedRow struct {
	ID              string `json:"id"`
	Code            string `json:"serial_number"`
	VerificationURL string `json:"verification_url"`
}

// GenerateCommand issues a batch and prints one line per record.
func (c *SerialsCLI) GenerateCommand(ctx context.Context, opts GenerateOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	if strings.TrimSpace(opts.ProductID) == "" {
		_, _ = fmt.Fprintln(stderr, "serials generate: --product is required")
		return 1
	}
	records, err := c.service.GenerateBatch(ctx, serials.GenerateInput{
		ProductID:      strings.TrimSpace(opts.ProductID),
		Quantity:       opts.Quantity,
		BatchLabel:     opts.BatchLabel,
		IdempotencyKey: opts.IdempotencyKey,
		Actor:          actorOrDefault(opts.Actor),
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "serials generate: %v\n", err)
		return 1
	}
	rows := make([]generatedRow, len(records))
	for i, rec := range records {
		rows[i] = generatedRow{ID: rec.ID, Code: rec.Code, VerificationURL: c.service.VerificationURL(rec)}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(rows); err != nil {
			_, _ = fmt.Fprintf(stderr, "serials generate: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	for _, row := range rows {
		_, _ = fmt.Fprintf(stdout, "%s\t%s\n", row.Code, row.VerificationURL)
	}
	_, _ = fmt.Fprintf(stderr, "issued %d serial(s) for product %s\n", len(rows), opts.ProductID)
	return 0
}

// DeactivateOptions defines flags for the deactivate command.
type DeactivateOptions struct {
	ID     string
	Actor  string
	Stdout io.Writer
	Stderr io.Writer
}

// DeactivateCommand retires a record. Repeating it succeeds.
func (c *SerialsCLI) DeactivateCommand(ctx context.Context, opts DeactivateOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	if strings.TrimSpace(opts.ID) == "" {
		_, _ = fmt.Fprintln(stderr, "serials deactivate: --id is required")
		return 1
	}
	rec, err := c.service.Deactivate(ctx, strings.TrimSpace(opts.ID), actorOrDefault(opts.Actor))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "serials deactivate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s %s\n", rec.Code, rec.Status)
	return 0
}

// VerifyOptions defines flags for the verify command.
type VerifyOptions struct {
	Input      string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifyCommand resolves a code or verification URL. Each successful run
// counts as a scan.
func (c *SerialsCLI) VerifyCommand(ctx context.Context, opts VerifyOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	result, err := c.service.Resolve(ctx, opts.Input)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "serials verify: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(result); err != nil {
			_, _ = fmt.Fprintf(stderr, "serials verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderResult(stdout, result)
	}
	if !result.Valid {
		return ExitInvalid
	}
	return 0
}

func renderResult(out io.Writer, result serials.Result) {
	if !result.Valid {
		_, _ = fmt.Fprintf(out, "INVALID (%s)", result.Reason)
		if result.Code != "" {
			_, _ = fmt.Fprintf(out, " %s", result.Code)
		}
		_, _ = fmt.Fprintln(out)
		return
	}
	_, _ = fmt.Fprintf(out, "VALID %s\n", result.Code)
	if result.Product != nil {
		_, _ = fmt.Fprintf(out, "product: %s (%s)\n", result.Product.Name, result.Product.ID)
	}
	if result.Record != nil {
		_, _ = fmt.Fprintf(out, "scans: %d\n", result.Record.VerifiedCount)
	}
}

func streams(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}

func actorOrDefault(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "serialctl"
	}
	return actor
}
