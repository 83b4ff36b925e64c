// Package clippings parses Kindle "My Clippings.txt" exports into highlights.
package clippings

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

// ErrDecode indicates the export could not be decoded as UTF-8 text.
var ErrDecode = errors.New("export is not valid UTF-8")

const bom = "\ufeff"

// Parse splits a raw export into highlights. Blocks are separated by
// delimiter lines consisting solely of '=' characters. A block needs at
// least two non-blank lines (the title line and the quoted passage);
// shorter blocks are common at file boundaries and are skipped silently
// rather than treated as errors.
func Parse(raw []byte) ([]clip.Highlight, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("decode export: %w", ErrDecode)
	}
	text := strings.TrimPrefix(string(raw), bom)

	var highlights []clip.Highlight
	var block []string
	flush := func() {
		if h, ok := record(block); ok {
			highlights = append(highlights, h)
		}
		block = block[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if isDelimiter(line) {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()

	return highlights, nil
}

// isDelimiter reports whether a line is a block separator: a nonempty run
// of '=' characters, tolerating surrounding whitespace.
func isDelimiter(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	for _, r := range line {
		if r != '=' {
			return false
		}
	}
	return true
}

// record extracts a highlight from one block. The first non-blank line is
// the book title (typically "Title (Author)"); the last non-blank line is
// the quoted passage. Metadata lines in between (date, location) are
// discarded.
func record(lines []string) (clip.Highlight, bool) {
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			kept = append(kept, t)
		}
	}
	if len(kept) < 2 {
		return clip.Highlight{}, false
	}
	return clip.Highlight{
		SourceTitle: kept[0],
		Text:        kept[len(kept)-1],
	}, true
}
