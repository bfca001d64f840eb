package serials

import (
	"net/url"
	"strings"
)

const verifySegment = "/verify/"

// LinkCodec binds serial codes to the verification URL embedded in QR labels.
type LinkCodec struct {
	origin string
	format *CodeFormat
}

// NewLinkCodec builds a codec for the public verification origin.
func NewLinkCodec(origin string, format *CodeFormat) *LinkCodec {
	return &LinkCodec{origin: strings.TrimRight(origin, "/"), format: format}
}

// Encode returns the verification URL for code.
func (c *LinkCodec) Encode(code string) string {
	return c.origin + verifySegment + url.PathEscape(code)
}

// Decode extracts a code from a scanned URL or bare text. ok is false when the
// input cannot carry a well-formed code.
func (c *LinkCodec) Decode(raw string) (code string, ok bool) {
	candidate := strings.TrimSpace(raw)
	if idx := strings.LastIndex(candidate, verifySegment); idx >= 0 {
		candidate = candidate[idx+len(verifySegment):]
		if cut := strings.IndexAny(candidate, "/?#"); cut >= 0 {
			candidate = candidate[:cut]
		}
		unescaped, err := url.PathUnescape(candidate)
		if err != nil {
			return "", false
		}
		candidate = unescaped
	}
	if !c.format.Match(candidate) {
		return "", false
	}
	return candidate, true
}
