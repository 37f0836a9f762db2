// Package checksum parses hash-manifest files published alongside
// release archives.
//
// A manifest is plain text, one record per line, space-delimited with no
// quoting:
//
//	<hexDigest> <algorithm> <filename>
//
// such as "abc123 SHA-256 foo.tar.gz". The parser is strict: any line
// that does not match this shape fails the whole parse. Digests keep the
// case the manifest used; callers compare them case-insensitively.
package checksum

import (
	"fmt"
	"sort"
	"strings"
)

// Manifest maps artifact filenames to their declared hex digests.
type Manifest struct {
	entries map[string]string
}

// Parse reads a manifest. A trailing newline, CRLF line endings, and an
// empty manifest are all fine; any malformed line is a *ParseError. When
// a filename repeats, the last record wins.
func Parse(text string) (Manifest, error) {
	manifest := Manifest{entries: make(map[string]string)}
	trimmed := strings.TrimRight(text, "\r\n")
	if trimmed == "" {
		return manifest, nil
	}
	for i, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSuffix(line, "\r")
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return Manifest{}, &ParseError{
				Line:   i + 1,
				Text:   line,
				Reason: fmt.Sprintf("expected 3 fields, got %d", len(fields)),
			}
		}
		if !isHexDigest(fields[0]) {
			return Manifest{}, &ParseError{
				Line:   i + 1,
				Text:   line,
				Reason: "digest is not hexadecimal",
			}
		}
		manifest.entries[fields[2]] = fields[0]
	}
	return manifest, nil
}

// Lookup returns the declared digest for filename.
func (m Manifest) Lookup(filename string) (string, bool) {
	digest, ok := m.entries[filename]
	return digest, ok
}

// Match reports whether digest equals the declared digest for filename.
// Hex case is ignored. A filename the manifest does not list never
// matches.
func (m Manifest) Match(filename, digest string) bool {
	declared, ok := m.entries[filename]
	return ok && strings.EqualFold(declared, digest)
}

// Len returns the number of entries.
func (m Manifest) Len() int { return len(m.entries) }

// Files returns the listed filenames in sorted order.
func (m Manifest) Files() []string {
	files := make([]string, 0, len(m.entries))
	for name := range m.entries {
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}

func isHexDigest(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ParseError reports the first malformed manifest line. The whole parse
// fails; skipping a line would let a tampered manifest pass unnoticed.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("checksum: line %d: %s: %q", e.Line, e.Reason, e.Text)
}
