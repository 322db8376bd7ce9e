// Package reply implements the ExternalReplyProcessor: polling a backlink
// source for replies to locally monitored posts and bridging new ones out
// to ActivityPub as the Bluesky bridge account.
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/dispatch"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/store"
)

// BacklinkClient queries a Constellation-compatible backlink source for
// records referencing a subject AT-URI. It is a standalone HTTP client
// (not PDSClient) since the backlink source is a separate, unauthenticated
// service with its own base URL.
type BacklinkClient struct {
	BaseURL string
	http    *http.Client
}

// NewBacklinkClient builds a client against baseURL (e.g.
// "https://constellation.example.com").
func NewBacklinkClient(baseURL string) *BacklinkClient {
	return &BacklinkClient{BaseURL: baseURL, http: &http.Client{Timeout: 15 * time.Second}}
}

// GetBacklinks fetches records in collection that reference subject via
// the named field source (e.g. "reply.parent.uri" for post replies).
func (c *BacklinkClient) GetBacklinks(ctx context.Context, subject, collection, source string, limit int, cursor string) (*atproto.GetBacklinksResponse, error) {
	q := url.Values{
		"subject": {subject},
		"source":  {source},
		"limit":   {strconv.Itoa(limit)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/xrpc/%s/getBacklinks?%s", c.BaseURL, collection, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backlink source returned %d", resp.StatusCode)
	}
	var out atproto.GetBacklinksResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode backlinks response: %w", err)
	}
	return &out, nil
}

// AppViewClient reads records the bridge doesn't own, for resolving a
// discovered reply's own content before re-publishing it as a Note.
type AppViewClient interface {
	GetRecord(ctx context.Context, repo, collection, rkey string) (*atproto.GetRecordResponse, error)
}

// BlueskyAccount is the bridge account used to attribute re-published
// external replies.
type BlueskyAccount interface {
	DID() string
}

// Processor polls MonitoredPost rows oldest-`lastChecked`-first and
// bridges any newly discovered reply out to AP.
type Processor struct {
	Store       *store.Store
	Backlinks   *BacklinkClient
	AppView     AppViewClient
	Bluesky     BlueskyAccount
	Dispatch    *dispatch.Dispatcher
	LocalDomain string
	ActorURI    func(did string) string
	Interval    time.Duration

	// Limiter throttles calls to the backlink source, a shared public
	// service this bridge shouldn't hammer once many posts are monitored.
	// Nil means unthrottled.
	Limiter *rate.Limiter
}

const (
	defaultPollInterval = 60 * time.Second
	pollBatchSize       = 20
	backlinkPageSize    = 50
)

// Run polls continuously until ctx is cancelled, grounded on the teacher's
// internal/bsky/poller.go ticker-loop shape (poll once immediately, then
// on each tick).
func (p *Processor) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	p.pollOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Processor) pollOnce(ctx context.Context) {
	posts, err := p.Store.ListMonitoredPostsOldestFirst(pollBatchSize)
	if err != nil {
		slog.Error("reply: list monitored posts failed", "err", err)
		return
	}
	for _, post := range posts {
		p.pollPost(ctx, post)
		if err := p.Store.TouchMonitoredPost(post.ATUri); err != nil {
			slog.Error("reply: touch monitored post failed", "atUri", post.ATUri, "err", err)
		}
	}
}

func (p *Processor) pollPost(ctx context.Context, post model.MonitoredPost) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return
		}
	}
	resp, err := p.Backlinks.GetBacklinks(ctx, post.ATUri, "app.bsky.feed.post", "reply.parent.uri", backlinkPageSize, "")
	if err != nil {
		slog.Warn("reply: backlink poll failed", "atUri", post.ATUri, "err", err)
		return
	}
	for _, link := range resp.Links {
		replyATUri := atproto.BuildATUri(link.DID, link.Collection, link.RKey)
		if p.Store.ExternalReplyExists(replyATUri) {
			continue
		}
		if err := p.bridgeReply(ctx, post, link, replyATUri); err != nil {
			slog.Warn("reply: bridge failed", "reply", replyATUri, "err", err)
		}
	}
}

func (p *Processor) bridgeReply(ctx context.Context, parent model.MonitoredPost, link atproto.BacklinkRef, replyATUri string) error {
	record, err := p.AppView.GetRecord(ctx, link.DID, link.Collection, link.RKey)
	if err != nil {
		return fmt.Errorf("fetch reply record: %w", err)
	}
	var post atproto.FeedPost
	if err := json.Unmarshal(record.Value, &post); err != nil {
		return fmt.Errorf("decode reply record: %w", err)
	}

	actorURI := p.ActorURI(p.Bluesky.DID())
	noteID := p.LocalDomain + "/posts/" + url.PathEscape(replyATUri)
	note := &atproto.Note{
		ID:           noteID,
		Type:         "Note",
		AttributedTo: actorURI,
		Content:      "<p>" + htmlEscapeText(post.Text) + "</p>",
		Published:    post.CreatedAt,
		To:           []string{atproto.PublicURI},
		URL:          noteID,
	}

	mapping, hasMapping := p.Store.GetPostMappingByATUri(parent.ATUri)
	if hasMapping {
		note.InReplyTo = mapping.APNoteID
	}

	activity := &atproto.Activity{
		ID:        noteID + "/activity",
		Type:      "Create",
		Actor:     actorURI,
		Object:    note,
		To:        note.To,
		Published: note.Published,
	}

	var recipients []dispatch.Recipient
	if hasMapping && mapping.APActorInbox != "" {
		recipients = append(recipients, dispatch.Recipient{ActorID: mapping.APActorID, Inbox: mapping.APActorInbox})
	}
	follows, err := p.Store.AllFollowersWithSharedInbox(parent.AuthorDID)
	if err != nil {
		return fmt.Errorf("list parent author followers: %w", err)
	}
	for _, f := range follows {
		recipients = append(recipients, dispatch.Recipient{ActorID: f.ActorURI, Inbox: f.ActorInbox, SharedInbox: f.ActorSharedInbox})
	}
	p.Dispatch.DispatchToRecipients(ctx, p.Bluesky.DID(), activity, recipients)

	return p.Store.AddExternalReply(model.ExternalReply{
		ATUri:       replyATUri,
		ParentATUri: parent.ATUri,
		AuthorDID:   link.DID,
		APNoteID:    noteID,
		CreatedAt:   time.Now(),
	})
}

func htmlEscapeText(s string) string {
	var b []rune
	for _, c := range []rune(s) {
		switch c {
		case '&':
			b = append(b, []rune("&amp;")...)
		case '<':
			b = append(b, []rune("&lt;")...)
		case '>':
			b = append(b, []rune("&gt;")...)
		default:
			b = append(b, c)
		}
	}
	return string(b)
}
