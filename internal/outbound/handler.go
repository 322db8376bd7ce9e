// Package outbound implements the firehose.Handler that turns accepted
// commit ops into outbound ActivityPub activities: fetching the record on
// create, synthesizing the inverse activity on delete, and handing both to
// the dispatcher.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/convert"
	"github.com/klppl/atbridge/internal/dispatch"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/store"
)

// Dispatcher is the subset of dispatch.Dispatcher the handler needs.
type Dispatcher interface {
	DispatchToRecipients(ctx context.Context, senderDID string, activity *atproto.Activity, recipients []dispatch.Recipient)
	DispatchToFollowers(ctx context.Context, senderDID string, activity *atproto.Activity)
}

// Handler bridges FirehoseIngester commit ops into the ConverterRegistry
// and OutboundDispatcher, per SPEC_FULL §4.3.
type Handler struct {
	PDS         *atproto.PDSClient
	Store       *store.Store
	Registry    *convert.Registry
	Dispatch    Dispatcher
	LocalDomain string
	ActorURI    func(did string) string

	IsLocalDID        func(did string) bool
	ResolveMentionDID func(href string) (did string, ok bool)

	// AllowPrivateAddress permits inbound attachment downloads to
	// loopback/private address ranges. Testing only.
	AllowPrivateAddress bool
}

func (h *Handler) env() *convert.Env {
	return &convert.Env{
		PDS:                 h.PDS,
		Store:               h.Store,
		LocalDomain:         h.LocalDomain,
		IsLocalDID:          h.IsLocalDID,
		ActorURI:            h.ActorURI,
		ResolveMentionDID:   h.ResolveMentionDID,
		AllowPrivateAddress: h.AllowPrivateAddress,
	}
}

// HandleCreate fetches the newly-committed record, converts it, and
// dispatches the resulting activity to the repo actor's followers, plus —
// for a reply whose parent has a PostMapping — the mapped remote actor's
// inbox directly.
func (h *Handler) HandleCreate(ctx context.Context, repo, collection, rkey string) {
	converter := h.Registry.For(collection)
	if converter == nil {
		return
	}
	atURI := atproto.BuildATUri(repo, collection, rkey)

	rec, err := h.PDS.GetRecord(ctx, repo, collection, rkey)
	if err != nil {
		slog.Warn("outbound: fetch record failed", "atUri", atURI, "error", err)
		return
	}

	result, err := converter.ToActivityPub(ctx, repo, atURI, rec.Value, h.env())
	if err != nil {
		slog.Warn("outbound: convert failed", "atUri", atURI, "error", err)
		return
	}
	if result == nil {
		return
	}

	h.Dispatch.DispatchToFollowers(ctx, repo, result.Activity)

	if collection == "app.bsky.feed.post" {
		h.dispatchToReplyParentInbox(ctx, repo, atURI, rec.Value, result.Activity)
		if err := h.Store.AddMonitoredPost(model.MonitoredPost{ATUri: atURI, AuthorDID: repo}); err != nil {
			slog.Warn("outbound: add monitored post failed", "atUri", atURI, "error", err)
		}
	}
}

// dispatchToReplyParentInbox additionally delivers a reply directly to the
// bridged remote actor that owns the reply's parent, when that parent was
// itself created by this bridge (i.e. has a PostMapping) — that remote
// actor is the one ATProto thread participant federation-by-followers
// alone would never reach.
func (h *Handler) dispatchToReplyParentInbox(ctx context.Context, repo, atURI string, raw []byte, activity *atproto.Activity) {
	var post atproto.FeedPost
	if err := json.Unmarshal(raw, &post); err != nil || post.Reply == nil {
		return
	}
	mapping, ok := h.Store.GetPostMappingByATUri(post.Reply.Parent.URI)
	if !ok || mapping.APActorInbox == "" {
		return
	}
	h.Dispatch.DispatchToRecipients(ctx, repo, activity, []dispatch.Recipient{
		{ActorID: mapping.APActorID, Inbox: mapping.APActorInbox},
	})
}

// HandleDelete synthesizes the inverse activity for a just-deleted record —
// Delete(Note) for a post, Undo(Like)/Undo(Announce) for engagement — and
// dispatches it to the repo actor's followers. The object id and the
// undone activity's own id are both reconstructed deterministically from
// atUri alone, since the record body is already gone by the time the
// delete commit arrives.
func (h *Handler) HandleDelete(ctx context.Context, repo, collection, rkey string) {
	if h.Registry.For(collection) == nil {
		return
	}
	atURI := atproto.BuildATUri(repo, collection, rkey)
	actorURI := h.ActorURI(repo)
	now := time.Now().UTC()

	var activity *atproto.Activity
	switch collection {
	case "app.bsky.feed.post":
		noteID := h.LocalDomain + "/posts/" + url.PathEscape(atURI)
		activity = &atproto.Activity{
			ID:        noteID + fmt.Sprintf("#delete-%d", now.Unix()),
			Type:      "Delete",
			Actor:     actorURI,
			Object:    noteID,
			To:        []string{atproto.PublicURI},
			CC:        []string{actorURI + "/followers"},
			Published: now.Format(time.RFC3339),
		}
	case "app.bsky.feed.like":
		likeID := h.LocalDomain + "/likes/" + url.PathEscape(atURI)
		activity = &atproto.Activity{
			ID:        likeID + fmt.Sprintf("#undo-%d", now.Unix()),
			Type:      "Undo",
			Actor:     actorURI,
			Object:    likeID,
			Published: now.Format(time.RFC3339),
		}
	case "app.bsky.feed.repost":
		repostID := h.LocalDomain + "/reposts/" + url.PathEscape(atURI)
		activity = &atproto.Activity{
			ID:        repostID + fmt.Sprintf("#undo-%d", now.Unix()),
			Type:      "Undo",
			Actor:     actorURI,
			Object:    repostID,
			Published: now.Format(time.RFC3339),
		}
	default:
		return
	}

	h.Dispatch.DispatchToFollowers(ctx, repo, activity)
}
