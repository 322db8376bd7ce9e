package convert

import (
	"strings"

	"golang.org/x/net/html"
)

// anchor is one <a> tag discovered while converting AP HTML content to plain
// text: its visible text, its href, and whether it was marked as a mention
// link (class="mention" or "u-url mention", the Mastodon convention).
type anchor struct {
	text      string
	href      string
	isMention bool
}

// htmlToPlainText converts AP HTML content to plain text, returning both the
// text and the list of anchors encountered in document order. Paragraph
// breaks are inserted between block elements the way the teacher's
// htmlToText does; anchors are additionally tracked here (the teacher never
// needed anchor positions since its target, Nostr, has no facet concept).
func htmlToPlainText(h string) (string, []anchor) {
	z := html.NewTokenizer(strings.NewReader(h))
	var sb strings.Builder
	var anchors []anchor
	skipContent := false

	var curHref string
	var curIsMention bool
	var curText strings.Builder
	inAnchor := false

	flushAnchor := func() {
		if inAnchor {
			anchors = append(anchors, anchor{text: curText.String(), href: curHref, isMention: curIsMention})
			curText.Reset()
			curHref = ""
			curIsMention = false
			inAnchor = false
		}
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if !skipContent {
				text := html.UnescapeString(string(z.Raw()))
				sb.WriteString(text)
				if inAnchor {
					curText.WriteString(text)
				}
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = true
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			case "br":
				sb.WriteString("\n")
			case "a":
				flushAnchor()
				inAnchor = true
				if hasAttr {
					for {
						key, val, more := z.TagAttr()
						switch string(key) {
						case "href":
							curHref = string(val)
						case "class":
							if isMentionClass(string(val)) {
								curIsMention = true
							}
						}
						if !more {
							break
						}
					}
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = false
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			case "a":
				flushAnchor()
			}
		}
	}
	flushAnchor()

	text := sb.String()
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text), anchors
}

// isMentionClass reports whether an <a> class attribute marks a mention
// link, per the Mastodon convention ("mention" or "u-url mention").
func isMentionClass(class string) bool {
	for _, c := range strings.Fields(class) {
		if c == "mention" {
			return true
		}
	}
	return false
}

// textToHTML renders plain text as HTML by paragraph-splitting on blank
// lines, the outbound direction of post conversion.
func textToHTML(text string) string {
	paragraphs := strings.Split(strings.TrimSpace(text), "\n\n")
	var sb strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		sb.WriteString("<p>")
		sb.WriteString(htmlEscape(p))
		sb.WriteString("</p>")
	}
	return sb.String()
}

func htmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}
