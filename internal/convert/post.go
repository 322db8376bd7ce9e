package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/errs"
)

// maxPostBytes is the UTF-8 byte budget for an inbound Note rendered down
// to an app.bsky.feed.post record.
const maxPostBytes = 3000

// sensitiveLabels maps an ATProto self-label value to the AP summary text
// shown as a content warning. "sexual" is the fallback used when a label is
// present but doesn't match a known value.
var sensitiveLabels = map[string]string{
	"sexual":       "Sexual Content",
	"nudity":       "Nudity",
	"graphic-media": "Graphic Media (Violence/Gore)",
}

// postConverter handles app.bsky.feed.post <-> Note, grounded on the
// teacher's internal/ap/transmute.go (outbound Nostr event -> Note) and
// internal/bsky/transmute.go (outbound Nostr event -> Bluesky post), merged
// into one bidirectional converter since this bridge, unlike the teacher,
// needs both directions for the same collection.
type postConverter struct{}

func (p *postConverter) ToActivityPub(ctx context.Context, identifier, atURI string, record json.RawMessage, env *Env) (*ActivityResult, error) {
	var post atproto.FeedPost
	if err := json.Unmarshal(record, &post); err != nil {
		return nil, errs.Wrap(errs.Permanent, "decode feed post record", err)
	}

	noteID := env.LocalDomain + "/posts/" + url.PathEscape(atURI)
	actorURI := env.ActorURI(identifier)

	note := &atproto.Note{
		ID:           noteID,
		Type:         "Note",
		AttributedTo: actorURI,
		Content:      textToHTML(renderOutboundText(post, env)),
		Published:    post.CreatedAt,
		To:           []string{atproto.PublicURI},
		CC:           []string{actorURI + "/followers"},
		URL:          noteID,
	}

	if post.Reply != nil {
		if mapping, ok := env.Store.GetPostMappingByATUri(post.Reply.Parent.URI); ok {
			note.InReplyTo = mapping.APNoteID
		}
	}

	for _, t := range buildOutboundTags(post, env) {
		note.Tag = append(note.Tag, t)
	}

	if post.Embed != nil {
		note.Attachment = buildOutboundAttachments(post.Embed, env.LocalDomain, identifier)
	}

	if post.Labels != nil {
		for _, lbl := range post.Labels.Values {
			summary, known := sensitiveLabels[lbl.Val]
			if !known {
				summary = "Sexual Content"
			}
			note.Sensitive = true
			note.Summary = summary
			break
		}
	}

	create := &atproto.Activity{
		ID:        noteID + "/activity",
		Type:      "Create",
		Actor:     actorURI,
		Object:    note,
		To:        note.To,
		CC:        note.CC,
		Published: note.Published,
	}
	return &ActivityResult{Activity: create}, nil
}

// renderOutboundText reconstructs facet anchors (links/mentions/tags) as
// inline markers before the text is turned into HTML, so the resulting
// <a> tags land at the right position. A mention facet resolves to a
// local actor URI when its DID is local; otherwise the anchor text is
// kept but no link is emitted (the DID is never exposed raw).
func renderOutboundText(post atproto.FeedPost, env *Env) string {
	if len(post.Facets) == 0 {
		return post.Text
	}
	b := []byte(post.Text)
	type repl struct {
		start, end int
		html       string
	}
	var repls []repl
	for _, f := range post.Facets {
		if f.Index.ByteStart < 0 || f.Index.ByteEnd > len(b) || f.Index.ByteStart >= f.Index.ByteEnd {
			continue
		}
		segment := string(b[f.Index.ByteStart:f.Index.ByteEnd])
		for _, feat := range f.Features {
			switch feat.Type {
			case facetLinkType:
				repls = append(repls, repl{f.Index.ByteStart, f.Index.ByteEnd,
					fmt.Sprintf(`<a href="%s">%s</a>`, htmlEscape(feat.URI), htmlEscape(segment))})
			case facetMentionType:
				if env.IsLocalDID != nil && env.IsLocalDID(feat.DID) {
					repls = append(repls, repl{f.Index.ByteStart, f.Index.ByteEnd,
						fmt.Sprintf(`<a href="%s" class="mention">%s</a>`, htmlEscape(env.ActorURI(feat.DID)), htmlEscape(segment))})
				}
			case facetTagType:
				repls = append(repls, repl{f.Index.ByteStart, f.Index.ByteEnd,
					fmt.Sprintf(`<a href="#%s" class="hashtag">%s</a>`, url.PathEscape(feat.Tag), htmlEscape(segment))})
			}
		}
	}
	if len(repls) == 0 {
		return post.Text
	}
	var sb strings.Builder
	cursor := 0
	for _, r := range repls {
		if r.start < cursor {
			continue
		}
		sb.Write(b[cursor:r.start])
		sb.WriteString(r.html)
		cursor = r.end
	}
	sb.Write(b[cursor:])
	return sb.String()
}

func buildOutboundTags(post atproto.FeedPost, env *Env) []atproto.Hashtag {
	var tags []atproto.Hashtag
	for _, f := range post.Facets {
		for _, feat := range f.Features {
			if feat.Type == facetTagType {
				tags = append(tags, atproto.Hashtag{Type: "Hashtag", Href: env.LocalDomain + "/tags/" + feat.Tag, Name: "#" + feat.Tag})
			}
		}
	}
	return tags
}

func buildOutboundAttachments(embed *atproto.Embed, localDomain, did string) []atproto.Attachment {
	var atts []atproto.Attachment
	for _, img := range embed.Images {
		atts = append(atts, atproto.Attachment{
			Type:      "Document",
			MediaType: img.Image.MimeType,
			URL:       blobURL(localDomain, did, img.Image),
			Name:      img.Alt,
		})
	}
	if embed.Video != nil {
		atts = append(atts, atproto.Attachment{
			Type:      "Document",
			MediaType: embed.Video.MimeType,
			URL:       blobURL(localDomain, did, embed.Video.BlobRef),
		})
	}
	return atts
}

// blobURL builds "{localDomain}/blob/{did}/{cid}", the bridge's own proxy
// URL for a blob in did's repo, served by internal/apserver's blob route.
func blobURL(localDomain, did string, b atproto.BlobRef) string {
	return localDomain + "/blob/" + did + "/" + b.Ref.Link
}

func (p *postConverter) ToRecord(ctx context.Context, identifier string, obj map[string]interface{}, env *Env) (*RecordResult, error) {
	content, _ := obj["content"].(string)
	plainText, anchors := htmlToPlainText(content)

	facets := buildInboundFacets(plainText, anchors, env.ResolveMentionDID)
	plainText = truncateUTF8(plainText, maxPostBytes)

	createdAt := time.Now().UTC().Format(time.RFC3339)
	if pub, ok := obj["published"].(string); ok && pub != "" {
		createdAt = pub
	}

	post := atproto.FeedPost{
		Type:      "app.bsky.feed.post",
		Text:      plainText,
		CreatedAt: createdAt,
		Facets:    facets,
	}

	if inReplyTo, ok := obj["inReplyTo"].(string); ok && inReplyTo != "" {
		if mapping, ok := env.Store.GetPostMappingByAPNoteID(inReplyTo); ok {
			root := mapping.ATUri
			if parentMapping, ok := env.Store.GetPostMappingByATUri(mapping.ATUri); ok && parentMapping.ATUri != "" {
				root = parentMapping.ATUri
			}
			post.Reply = &atproto.Reply{
				Root:   atproto.Ref{URI: root},
				Parent: atproto.Ref{URI: mapping.ATUri},
			}
		}
	}

	if sensitive, _ := obj["sensitive"].(bool); sensitive {
		summary, _ := obj["summary"].(string)
		val := labelForSummary(summary)
		post.Labels = &atproto.SelfLabels{
			Type:   "com.atproto.label.defs#selfLabels",
			Values: []atproto.SelfLabel{{Val: val}},
		}
	}

	if atts, ok := obj["attachment"].([]interface{}); ok && len(atts) > 0 {
		post.Embed = buildInboundEmbed(ctx, atts, env)
	}

	return &RecordResult{Collection: "app.bsky.feed.post", Record: post}, nil
}

// maxInboundImages is the lexicon limit on app.bsky.embed.images: up to 4
// images, or exactly one video, never both.
const maxInboundImages = 4

// buildInboundEmbed downloads each attachment (subject to FetchAttachment's
// size/scheme/address-range limits) and re-uploads it as a PDS blob,
// keeping up to 4 images or the first video, whichever the post leads
// with. A per-attachment failure is logged and that attachment is
// skipped; it never fails the whole post.
func buildInboundEmbed(ctx context.Context, atts []interface{}, env *Env) *atproto.Embed {
	var images []atproto.EmbedImage
	var video *atproto.EmbedVideo

	for _, raw := range atts {
		a, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		attURL, _ := a["url"].(string)
		if attURL == "" {
			continue
		}
		mediaType, _ := a["mediaType"].(string)
		isVideo := strings.HasPrefix(mediaType, "video/")
		if isVideo && video != nil {
			continue
		}
		if !isVideo && (video != nil || len(images) >= maxInboundImages) {
			continue
		}

		blob, err := fetchAndUploadBlob(ctx, attURL, mediaType, env)
		if err != nil {
			slog.Warn("convert: inbound attachment fetch failed", "url", attURL, "err", err)
			continue
		}
		if isVideo {
			video = &atproto.EmbedVideo{BlobRef: *blob}
			images = nil
		} else {
			alt, _ := a["name"].(string)
			images = append(images, atproto.EmbedImage{Image: *blob, Alt: alt})
		}
	}

	switch {
	case video != nil:
		return &atproto.Embed{Type: "app.bsky.embed.video", Video: video}
	case len(images) > 0:
		return &atproto.Embed{Type: "app.bsky.embed.images", Images: images}
	default:
		return nil
	}
}

func fetchAndUploadBlob(ctx context.Context, rawURL, mediaType string, env *Env) (*atproto.BlobRef, error) {
	data, contentType, err := atproto.FetchAttachment(ctx, rawURL, env.AllowPrivateAddress)
	if err != nil {
		return nil, err
	}
	if mediaType == "" {
		mediaType = contentType
	}
	resp, err := env.PDS.UploadBlob(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	var blob atproto.BlobRef
	if err := json.Unmarshal(resp.Blob, &blob); err != nil {
		return nil, fmt.Errorf("decode uploaded blob: %w", err)
	}
	return &blob, nil
}

// labelForSummary maps an AP content-warning summary back to an ATProto
// self-label value by keyword match, falling back to "sexual" (the most
// common CW reason in practice) when nothing matches.
func labelForSummary(summary string) string {
	lower := strings.ToLower(summary)
	switch {
	case strings.Contains(lower, "nud"):
		return "nudity"
	case strings.Contains(lower, "graphic"), strings.Contains(lower, "gore"), strings.Contains(lower, "violence"):
		return "graphic-media"
	default:
		return "sexual"
	}
}
