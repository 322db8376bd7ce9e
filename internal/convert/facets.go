package convert

import (
	"regexp"
	"strings"

	"github.com/klppl/atbridge/internal/atproto"
)

var (
	urlRegex     = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	hashtagRegex = regexp.MustCompile(`(?:^|[^\w])#([a-zA-Z][a-zA-Z0-9_]*)`)
)

const (
	facetLinkType    = "app.bsky.richtext.facet#link"
	facetMentionType = "app.bsky.richtext.facet#mention"
	facetTagType     = "app.bsky.richtext.facet#tag"
)

// buildOutboundFacets scans plain text for URLs and hashtags, producing
// byte-accurate facets over the UTF-8 encoding of text. Grounded directly on
// the teacher's internal/bsky/transmute.go buildFacets.
func buildOutboundFacets(text string) []atproto.Facet {
	var facets []atproto.Facet

	for _, loc := range urlRegex.FindAllStringIndex(text, -1) {
		uri := text[loc[0]:loc[1]]
		facets = append(facets, atproto.Facet{
			Index:    atproto.ByteSlice{ByteStart: loc[0], ByteEnd: loc[1]},
			Features: []atproto.FacetFeature{{Type: facetLinkType, URI: uri}},
		})
	}

	for _, loc := range hashtagRegex.FindAllStringSubmatchIndex(text, -1) {
		if len(loc) < 4 {
			continue
		}
		hashStart := strings.LastIndex(text[:loc[2]], "#")
		if hashStart < 0 {
			continue
		}
		tagName := text[loc[2]:loc[3]]
		facets = append(facets, atproto.Facet{
			Index:    atproto.ByteSlice{ByteStart: hashStart, ByteEnd: loc[3]},
			Features: []atproto.FacetFeature{{Type: facetTagType, Tag: tagName}},
		})
	}

	return facets
}

// buildInboundFacets locates each anchor's text inside plainText using a
// cursor that only ever moves forward (per spec: anchors appear in document
// order, so a forward-only search is both correct and avoids accidentally
// matching an earlier, unrelated occurrence of the same text). For each
// anchor, resolveMention decides whether its href is a local DID; if so a
// mention facet is emitted (content rewritten to "@handle" is the caller's
// responsibility), otherwise a link facet is emitted for non-mention
// anchors. Mention anchors whose href is not local are dropped (text is
// kept in plainText, but no facet is created), per spec §4.2.
func buildInboundFacets(plainText string, anchors []anchor, resolveMentionDID func(href string) (did string, ok bool)) []atproto.Facet {
	var facets []atproto.Facet
	cursor := 0
	for _, a := range anchors {
		if a.text == "" {
			continue
		}
		idx := strings.Index(plainText[cursor:], a.text)
		if idx < 0 {
			continue
		}
		start := cursor + idx
		end := start + len(a.text)
		cursor = end

		if a.isMention {
			if did, ok := resolveMentionDID(a.href); ok {
				facets = append(facets, atproto.Facet{
					Index:    atproto.ByteSlice{ByteStart: start, ByteEnd: end},
					Features: []atproto.FacetFeature{{Type: facetMentionType, DID: did}},
				})
			}
			continue
		}
		facets = append(facets, atproto.Facet{
			Index:    atproto.ByteSlice{ByteStart: start, ByteEnd: end},
			Features: []atproto.FacetFeature{{Type: facetLinkType, URI: a.href}},
		})
	}
	return facets
}

// truncateUTF8 truncates s to at most maxBytes UTF-8 bytes, appending "..."
// when truncation occurs. The result is always <= maxBytes.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const ellipsis = "..."
	budget := maxBytes - len(ellipsis)
	if budget < 0 {
		budget = 0
	}
	// Back off until we land on a rune boundary, never splitting a
	// multi-byte UTF-8 sequence.
	cut := budget
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
