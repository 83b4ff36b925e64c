package email

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

// formatDigestBody wraps the pre-rendered clipping fragments in a full HTML
// document. The fragments arrive already escaped from the digest package;
// everything added here (email, token) is escaped before embedding.
func (s *Sender) formatDigestBody(sub *clip.Subscriber, fragments string, count int) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 720px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #2c7a7b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".clipping { margin-bottom: 30px; padding-bottom: 20px; border-bottom: 1px solid #ecf0f1; }\n")
	b.WriteString(".clipping:last-of-type { border-bottom: none; }\n")
	b.WriteString(".source { color: #2c7a7b; font-weight: 600; }\n")
	b.WriteString(".passage { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; font-style: italic; }\n")
	b.WriteString(".empty { color: #7f8c8d; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString(".footer a { color: #7f8c8d; text-decoration: underline; margin-right: 8px; }\n")
	b.WriteString("a { color: #2c7a7b; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".source { color: #4fd1c5; }\n")
	b.WriteString(".passage { background: #2a2a2a; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("a { color: #4fd1c5; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	if count == 1 {
		b.WriteString("<h2>A Highlight From Your Library</h2>\n")
	} else if count > 1 {
		b.WriteString(fmt.Sprintf("<h2>%d Highlights From Your Library</h2>\n", count))
	} else {
		b.WriteString("<h2>Your Kindle Clippings</h2>\n")
	}
	b.WriteString("</div>\n")

	b.WriteString(fragments)

	b.WriteString("<div class=\"footer\">\n")
	manageURL := fmt.Sprintf("%s/manage?token=%s", s.baseURL, url.QueryEscape(sub.Token))
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Manage schedule</a>\n", escapeHTML(manageURL)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func (s *Sender) formatWelcomeBody(sub *clip.Subscriber, highlightCount int) string {
	manageURL := fmt.Sprintf("%s/manage?token=%s", s.baseURL, url.QueryEscape(sub.Token))

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 720px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #2c7a7b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 1px solid #ddd; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #2c7a7b; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString("<h2>Clippings Upload Confirmed</h2>\n")
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	if highlightCount == 1 {
		b.WriteString("<p>Your clippings file was uploaded and <strong>1 highlight</strong> was found.</p>\n")
	} else {
		b.WriteString(fmt.Sprintf("<p>Your clippings file was uploaded and <strong>%d highlights</strong> were found.</p>\n", highlightCount))
	}
	b.WriteString("<p>You'll receive a digest of randomly picked highlights on your schedule. You can change the frequency, delivery time, and digest size at any point.</p>\n")
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Manage schedule</a>\n", escapeHTML(manageURL)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
