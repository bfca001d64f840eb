package serials

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	// DefaultPrefix is the issuer namespace printed on ZSIndia labels.
	DefaultPrefix = "ZSIN"

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeGroups   = 3
	groupLength  = 4
	// Largest multiple of len(codeAlphabet) that fits in a byte; bytes at or
	// above it are rejected to keep draws uniform.
	rejectFrom = 256 - 256%len(codeAlphabet)
)

var prefixPattern = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)

// CodeFormat draws and recognises codes of the form PREFIX-XXXX-XXXX-XXXX.
type CodeFormat struct {
	prefix  string
	pattern *regexp.Regexp
	source  *bufio.Reader
}

// NewCodeFormat builds a format for prefix. A nil source uses crypto/rand.
func NewCodeFormat(prefix string, source io.Reader) (*CodeFormat, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("serials: invalid prefix %q", prefix)
	}
	if source == nil {
		source = rand.Reader
	}
	group := fmt.Sprintf("[A-Z0-9]{%d}", groupLength)
	expr := "^" + regexp.QuoteMeta(prefix) + strings.Repeat("-"+group, codeGroups) + "$"
	return &CodeFormat{
		prefix:  prefix,
		pattern: regexp.MustCompile(expr),
		source:  bufio.NewReader(source),
	}, nil
}

// Prefix returns the namespace tag.
func (f *CodeFormat) Prefix() string {
	return f.prefix
}

// Match reports whether code is well formed for this namespace.
func (f *CodeFormat) Match(code string) bool {
	return f.pattern.MatchString(code)
}

// Draw produces a random candidate. It is not safe for concurrent use.
func (f *CodeFormat) Draw() (string, error) {
	var b strings.Builder
	b.Grow(len(f.prefix) + codeGroups*(groupLength+1))
	b.WriteString(f.prefix)
	for g := 0; g < codeGroups; g++ {
		b.WriteByte('-')
		for i := 0; i < groupLength; i++ {
			c, err := f.symbol()
			if err != nil {
				return "", fmt.Errorf("serials: draw code: %w", err)
			}
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func (f *CodeFormat) symbol() (byte, error) {
	for {
		c, err := f.source.ReadByte()
		if err != nil {
			return 0, err
		}
		if int(c) < rejectFrom {
			return codeAlphabet[int(c)%len(codeAlphabet)], nil
		}
	}
}
