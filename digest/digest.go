// Package digest selects a random sample of highlights and renders them
// into HTML fragments for the email body.
package digest

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

// Placeholder is rendered when a subscriber has no usable clippings.
const Placeholder = "<p class=\"empty\">No clippings available.</p>\n"

// Sample picks min(n, len(highlights)) highlights uniformly at random
// without replacement. n is clamped to at least 1 so a misconfigured digest
// size never produces an empty digest.
func Sample(highlights []clip.Highlight, n int) []clip.Highlight {
	if len(highlights) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > len(highlights) {
		n = len(highlights)
	}

	picked := make([]clip.Highlight, 0, n)
	for _, i := range rand.Perm(len(highlights))[:n] {
		picked = append(picked, highlights[i])
	}
	return picked
}

// Render turns already-selected highlights into concatenated HTML fragments,
// in the given order. Titles and passages come from user-uploaded files and
// end up in an HTML email, so both are always escaped.
func Render(highlights []clip.Highlight) string {
	if len(highlights) == 0 {
		return Placeholder
	}

	var b strings.Builder
	for _, h := range highlights {
		b.WriteString("<div class=\"clipping\">\n")
		b.WriteString(fmt.Sprintf("<div class=\"source\"><b>%s</b></div>\n", escapeHTML(h.SourceTitle)))
		b.WriteString(fmt.Sprintf("<blockquote class=\"passage\">&ldquo;%s&rdquo;</blockquote>\n", escapeHTML(h.Text)))
		b.WriteString("</div>\n")
	}
	return b.String()
}

// Format renders a digest for n randomly chosen highlights.
func Format(highlights []clip.Highlight, n int) string {
	return Render(Sample(highlights, n))
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
