package serials

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxBatchLabelLen = 120

// NormalizeBatchLabel trims and NFC-normalises a batch label, collapsing
// internal whitespace. An empty result means no label.
func NormalizeBatchLabel(raw string) *string {
	label := strings.Join(strings.FieldsFunc(norm.NFC.String(raw), unicode.IsSpace), " ")
	if label == "" {
		return nil
	}
	if runes := []rune(label); len(runes) > maxBatchLabelLen {
		label = string(runes[:maxBatchLabelLen])
	}
	return &label
}
