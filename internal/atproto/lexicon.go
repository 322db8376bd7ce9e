package atproto

import "strings"

// ─── app.bsky.feed.post and related lexicon records ──────────────────────────

// FeedPost is the lexicon record for app.bsky.feed.post.
type FeedPost struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Facets    []Facet   `json:"facets,omitempty"`
	Reply     *Reply    `json:"reply,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
	Langs     []string  `json:"langs,omitempty"`
	Labels    *SelfLabels `json:"labels,omitempty"`
}

// Facet describes one rich-text annotation (link, mention, or tag) over a
// UTF-8 byte range of Text.
type Facet struct {
	Index    ByteSlice      `json:"index"`
	Features []FacetFeature `json:"features"`
}

// ByteSlice marks the byte range of a facet in the post text. Offsets are
// always UTF-8 byte counts, never UTF-16 code units.
type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// FacetFeature is one annotation within a facet. Type selects the variant:
// app.bsky.richtext.facet#link (URI set), #mention (DID set), #tag (Tag set).
type FacetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	DID  string `json:"did,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

// Reply holds root/parent references for a threaded reply.
type Reply struct {
	Root   Ref `json:"root"`
	Parent Ref `json:"parent"`
}

// Ref is a CID+URI pair identifying an AT Protocol record.
type Ref struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Embed holds media attached to a post: up to 4 images, or one video.
type Embed struct {
	Type   string       `json:"$type"`
	Images []EmbedImage `json:"images,omitempty"`
	Video  *EmbedVideo  `json:"video,omitempty"`
}

type EmbedImage struct {
	Image BlobRef `json:"image"`
	Alt   string  `json:"alt"`
}

type EmbedVideo struct {
	BlobRef
}

// BlobRef is the lexicon shape returned by com.atproto.repo.uploadBlob and
// embedded back into records that reference the blob.
type BlobRef struct {
	Type     string `json:"$type"`
	Ref      struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// SelfLabels carries the account/post self-applied content labels
// (sexual, nudity, graphic-media) used for sensitive-content mapping.
type SelfLabels struct {
	Type   string      `json:"$type"`
	Values []SelfLabel `json:"values"`
}

type SelfLabel struct {
	Val string `json:"val"`
}

// LikeRecord is the lexicon record for app.bsky.feed.like.
type LikeRecord struct {
	Type      string `json:"$type"`
	Subject   Ref    `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// RepostRecord is the lexicon record for app.bsky.feed.repost.
type RepostRecord struct {
	Type      string `json:"$type"`
	Subject   Ref    `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// ─── AT-URI helpers ───────────────────────────────────────────────────────────

// RKeyFromURI extracts the record key from an at:// URI
// ("at://did/collection/rkey" → "rkey").
func RKeyFromURI(atURI string) string {
	parts := strings.Split(strings.TrimPrefix(atURI, "at://"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// CollectionFromURI extracts the collection NSID from an at:// URI.
func CollectionFromURI(atURI string) string {
	parts := strings.Split(strings.TrimPrefix(atURI, "at://"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// RepoFromURI extracts the repo DID from an at:// URI.
func RepoFromURI(atURI string) string {
	parts := strings.Split(strings.TrimPrefix(atURI, "at://"), "/")
	if len(parts) < 1 {
		return ""
	}
	return parts[0]
}

// BuildATUri constructs an at:// URI from its parts.
func BuildATUri(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}
