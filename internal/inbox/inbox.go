// Package inbox implements the InboxEngine: the ActivityPub-side handler
// for POSTs to the shared inbox and per-actor inboxes.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/convert"
	"github.com/klppl/atbridge/internal/dispatch"
	"github.com/klppl/atbridge/internal/errs"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/store"
)

// Dispatcher is the subset of internal/dispatch's Dispatcher the engine
// needs, kept as an interface here so inbox stays decoupled from
// dispatch's concrete queue/signing machinery.
type Dispatcher interface {
	DispatchToRecipients(ctx context.Context, senderDID string, activity *atproto.Activity, recipients []dispatch.Recipient)
}

// MastodonAccount is the bridge account used to create bridged reply posts
// for Create(Note) activities, per SPEC_FULL §4.5.
type MastodonAccount interface {
	DID() string
	CreateRecord(ctx context.Context, req atproto.CreateRecordRequest) (*atproto.CreateRecordResponse, error)
	DeleteRecord(ctx context.Context, repo, collection, rkey string) error
}

// Engine handles one decoded inbound activity at a time.
type Engine struct {
	Store       *store.Store
	Registry    *convert.Registry
	Dispatch    Dispatcher
	Mastodon    MastodonAccount
	LocalDomain string
	ActorURI    func(did string) string
	KeyID       func(did string) string

	// PDS uploads blobs for inbound attachments on bridged replies.
	// handleCreate passes it to the post converter as Env.PDS unchanged;
	// there is no fallback to the Mastodon bridge account's own client.
	PDS *atproto.PDSClient

	// AllowPrivateAddress permits inbound attachment downloads to
	// loopback/private address ranges. Testing only.
	AllowPrivateAddress bool

	// IsLocalDID gates recording an inbound Like/Announce on the post
	// author's DID. cmd/atbridge wires actor.Dispatcher.IsLocal, a DID
	// syntax check that excludes the Mastodon bridge account; it does not
	// check that the PDS hosts the DID.
	IsLocalDID func(did string) bool
}

// Handle decodes and dispatches one inbound activity by type. Activity-level
// failures are logged and return nil (the caller responds 2xx); only
// genuine infrastructure errors are returned so the caller can respond 5xx
// and let the sender retry, per SPEC_FULL §4.5's failure semantics.
func (e *Engine) Handle(ctx context.Context, raw json.RawMessage) error {
	var activity atproto.IncomingActivity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return errs.Wrap(errs.Permanent, "decode inbound activity", err)
	}

	slog.Debug("handling inbound activity", "id", activity.ID, "type", activity.Type, "actor", activity.Actor)

	switch activity.Type {
	case "Follow":
		return e.handleFollow(ctx, activity)
	case "Like":
		return e.handleLike(ctx, activity)
	case "Announce":
		return e.handleAnnounce(ctx, activity)
	case "Create":
		return e.handleCreate(ctx, activity)
	case "Delete":
		return e.handleDelete(ctx, activity)
	case "Undo":
		return e.handleUndo(ctx, activity)
	default:
		slog.Debug("unhandled inbound activity type", "type", activity.Type)
		return nil
	}
}

func (e *Engine) handleFollow(ctx context.Context, activity atproto.IncomingActivity) error {
	var followedID string
	if err := json.Unmarshal(activity.Object, &followedID); err != nil {
		slog.Warn("follow: malformed object", "err", err)
		return nil
	}
	userDID := didFromActorURI(followedID, e.LocalDomain)
	if userDID == "" {
		slog.Warn("follow: object is not a local actor", "object", followedID)
		return nil
	}

	if existing, ok := e.Store.GetFollow(userDID, activity.Actor); ok && existing.ActivityID == activity.ID {
		return nil // duplicate Follow, already processed
	}

	actor, err := atproto.FetchActor(ctx, activity.Actor)
	if err != nil {
		return errs.Wrap(errs.Transient, "fetch follower actor", err)
	}
	sharedInbox := ""
	if actor.Endpoints != nil {
		sharedInbox = actor.Endpoints.SharedInbox
	}

	if err := e.Store.AddFollow(model.Follow{
		UserDID:          userDID,
		ActorURI:         activity.Actor,
		ActivityID:       activity.ID,
		ActorInbox:       actor.Inbox,
		ActorSharedInbox: sharedInbox,
		CreatedAt:        time.Now(),
	}); err != nil {
		return errs.Wrap(errs.Transient, "store follow", err)
	}

	accept := &atproto.Activity{
		ID:     followedID + "#accept-" + fmt.Sprint(time.Now().Unix()),
		Type:   "Accept",
		Actor:  followedID,
		Object: map[string]interface{}{"id": activity.ID, "type": "Follow", "actor": activity.Actor, "object": followedID},
		To:     []string{activity.Actor},
	}
	e.Dispatch.DispatchToRecipients(ctx, userDID, accept, []dispatch.Recipient{{ActorID: activity.Actor, Inbox: actor.Inbox, SharedInbox: sharedInbox}})
	return nil
}

func (e *Engine) handleUndo(ctx context.Context, activity atproto.IncomingActivity) error {
	var inner atproto.IncomingActivity
	if err := json.Unmarshal(activity.Object, &inner); err != nil {
		slog.Warn("undo: malformed object", "err", err)
		return nil
	}
	switch inner.Type {
	case "Follow":
		var followedID string
		_ = json.Unmarshal(inner.Object, &followedID)
		userDID := didFromActorURI(followedID, e.LocalDomain)
		if userDID == "" {
			return nil
		}
		if err := e.Store.RemoveFollow(userDID, activity.Actor); err != nil {
			return errs.Wrap(errs.Transient, "remove follow", err)
		}
	case "Like", "Announce":
		if err := e.Store.DeleteEngagementEvent(inner.ID); err != nil {
			return errs.Wrap(errs.Transient, "delete engagement event", err)
		}
	}
	return nil
}

func (e *Engine) handleLike(ctx context.Context, activity atproto.IncomingActivity) error {
	return e.handleEngagement(ctx, activity, model.EngagementLike)
}

func (e *Engine) handleAnnounce(ctx context.Context, activity atproto.IncomingActivity) error {
	// An Announce with an embedded object (not a string reference) is a
	// boost of a remote post, not a reshare of a local one; this bridge
	// only tracks Announces of its own mirrored posts.
	var objectID string
	if err := json.Unmarshal(activity.Object, &objectID); err != nil {
		return nil
	}
	return e.handleEngagementObject(ctx, activity, objectID, model.EngagementShare)
}

func (e *Engine) handleEngagement(ctx context.Context, activity atproto.IncomingActivity, kind model.EngagementKind) error {
	var objectID string
	if err := json.Unmarshal(activity.Object, &objectID); err != nil {
		slog.Warn("engagement: malformed object", "err", err)
		return nil
	}
	return e.handleEngagementObject(ctx, activity, objectID, kind)
}

// handleEngagementObject records a Like/Announce against a local post. The
// object is this bridge's own "{localDomain}/posts/{atUri}" URL (the same
// one post.go's noteID builds for every locally hosted post, mirrored or
// not) — never a PostMapping row, which only exists for bridge-created
// reply mirrors.
func (e *Engine) handleEngagementObject(ctx context.Context, activity atproto.IncomingActivity, objectID string, kind model.EngagementKind) error {
	atURI, ok := postATUriFromURL(objectID, e.LocalDomain)
	if !ok {
		slog.Debug("engagement: object is not a locally hosted post URL", "object", objectID)
		return nil
	}
	authorDID := atproto.RepoFromURI(atURI)
	if e.IsLocalDID == nil || !e.IsLocalDID(authorDID) {
		slog.Debug("engagement: post author is not a local account", "object", objectID, "author", authorDID)
		return nil
	}
	if err := e.Store.AddEngagementEvent(model.EngagementEvent{
		ActivityID:    activity.ID,
		Kind:          kind,
		PostATUri:     atURI,
		PostAuthorDID: authorDID,
		APActorID:     activity.Actor,
		CreatedAt:     time.Now(),
	}); err != nil {
		return errs.Wrap(errs.Transient, "store engagement event", err)
	}
	return nil
}

// postATUriFromURL extracts the percent-decoded atUri from a local post
// URL of the form "{localDomain}/posts/{atUri}", or ("", false) if rawURL
// doesn't match that shape.
func postATUriFromURL(rawURL, localDomain string) (string, bool) {
	prefix := strings.TrimRight(localDomain, "/") + "/posts/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	atURI, err := url.PathUnescape(strings.TrimPrefix(rawURL, prefix))
	if err != nil || atURI == "" {
		return "", false
	}
	return atURI, true
}

// handleCreate implements Create(Note) for replies to locally mirrored
// posts: the Mastodon bridge account creates the reply as an ATProto
// record, attributed with a prefixed HTML paragraph naming the AP author.
func (e *Engine) handleCreate(ctx context.Context, activity atproto.IncomingActivity) error {
	var obj map[string]interface{}
	if err := json.Unmarshal(activity.Object, &obj); err != nil {
		slog.Warn("create: malformed object", "err", err)
		return nil
	}
	objType, _ := obj["type"].(string)
	if objType != "Note" {
		return nil
	}
	inReplyTo, _ := obj["inReplyTo"].(string)
	if inReplyTo == "" {
		return nil // only replies to mirrored posts are bridged inbound
	}
	parentMapping, ok := e.Store.GetPostMappingByAPNoteID(inReplyTo)
	if !ok {
		slog.Debug("create: reply target is not a mirrored post", "inReplyTo", inReplyTo)
		return nil
	}
	if e.Mastodon == nil {
		slog.Warn("create: mastodon bridge account unavailable, dropping reply")
		return nil
	}

	attribution := fmt.Sprintf("<p>%s replied:</p>", actorLinkHTML(activity.Actor))
	content, _ := obj["content"].(string)
	obj["content"] = attribution + content

	conv := e.Registry.For("app.bsky.feed.post")
	if conv == nil {
		return nil
	}
	env := &convert.Env{
		Store:               e.Store,
		LocalDomain:         e.LocalDomain,
		PDS:                 e.PDS,
		AllowPrivateAddress: e.AllowPrivateAddress,
		IsLocalDID:          e.IsLocalDID,
		ActorURI:            e.ActorURI,
	}
	result, err := conv.ToRecord(ctx, e.Mastodon.DID(), obj, env)
	if err != nil {
		return errs.Wrap(errs.Permanent, "convert inbound note", err)
	}
	if result == nil {
		return nil
	}

	post, ok := result.Record.(atproto.FeedPost)
	if !ok {
		return nil
	}
	root := parentMapping.ATUri
	if existingReply, ok := e.Store.GetPostMappingByATUri(parentMapping.ATUri); ok {
		root = existingReply.ATUri
	}
	post.Reply = &atproto.Reply{Root: atproto.Ref{URI: root}, Parent: atproto.Ref{URI: parentMapping.ATUri}}

	recordJSON, err := json.Marshal(post)
	if err != nil {
		return errs.Wrap(errs.Permanent, "marshal reply record", err)
	}
	var recordMap map[string]interface{}
	_ = json.Unmarshal(recordJSON, &recordMap)

	resp, err := e.Mastodon.CreateRecord(ctx, atproto.CreateRecordRequest{
		Repo:       e.Mastodon.DID(),
		Collection: result.Collection,
		Record:     recordMap,
	})
	if err != nil {
		return errs.Wrap(errs.Transient, "create bridged reply", err)
	}

	apNoteID, _ := obj["id"].(string)
	actorInbox := ""
	if remote, err := atproto.FetchActor(ctx, activity.Actor); err == nil {
		actorInbox = remote.Inbox
	} else {
		slog.Warn("create: fetch reply author failed, mapping stored without inbox", "actor", activity.Actor, "err", err)
	}
	if err := e.Store.AddPostMapping(model.PostMapping{
		ATUri:        resp.URI,
		APNoteID:     apNoteID,
		APActorID:    activity.Actor,
		APActorInbox: actorInbox,
		CreatedAt:    time.Now(),
	}); err != nil {
		return errs.Wrap(errs.Transient, "store post mapping", err)
	}
	return nil
}

// handleDelete implements Delete(Note) for bridged replies and
// Delete(Actor) cascading cleanup.
func (e *Engine) handleDelete(ctx context.Context, activity atproto.IncomingActivity) error {
	var objectID string
	if err := json.Unmarshal(activity.Object, &objectID); err == nil && objectID != "" {
		if objectID == activity.Actor {
			return e.handleDeleteActor(ctx, activity.Actor)
		}
		return e.handleDeleteNote(ctx, objectID)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(activity.Object, &obj); err == nil {
		if id, _ := obj["id"].(string); id != "" {
			return e.handleDeleteNote(ctx, id)
		}
	}
	return nil
}

func (e *Engine) handleDeleteNote(ctx context.Context, apNoteID string) error {
	mapping, ok := e.Store.GetPostMappingByAPNoteID(apNoteID)
	if !ok {
		return nil
	}
	if e.Mastodon != nil {
		repo := atproto.RepoFromURI(mapping.ATUri)
		collection := atproto.CollectionFromURI(mapping.ATUri)
		rkey := atproto.RKeyFromURI(mapping.ATUri)
		if err := e.Mastodon.DeleteRecord(ctx, repo, collection, rkey); err != nil {
			return errs.Wrap(errs.Transient, "delete bridged reply", err)
		}
	}
	if err := e.Store.DeletePostMapping(mapping.ATUri); err != nil {
		return errs.Wrap(errs.Transient, "delete post mapping", err)
	}
	return nil
}

func (e *Engine) handleDeleteActor(ctx context.Context, actorURI string) error {
	removedATUris, err := e.Store.DeletePostMappingsByActor(actorURI)
	if err != nil {
		return errs.Wrap(errs.Transient, "delete post mappings by actor", err)
	}
	if e.Mastodon != nil {
		for _, atURI := range removedATUris {
			repo := atproto.RepoFromURI(atURI)
			collection := atproto.CollectionFromURI(atURI)
			rkey := atproto.RKeyFromURI(atURI)
			if err := e.Mastodon.DeleteRecord(ctx, repo, collection, rkey); err != nil {
				slog.Warn("delete actor cascade: bridged post delete failed", "atUri", atURI, "err", err)
			}
		}
	}
	if err := e.Store.RemoveFollowsByActor(actorURI); err != nil {
		slog.Warn("delete actor cascade: remove follows failed", "actor", actorURI, "err", err)
	}
	if err := e.Store.DeleteEngagementEventsByActor(actorURI); err != nil {
		slog.Warn("delete actor cascade: remove engagement events failed", "actor", actorURI, "err", err)
	}
	return nil
}

// didFromActorURI extracts the DID segment from a local actor URI of the
// form "{localDomain}/users/{did}", or "" if domain doesn't match.
func didFromActorURI(actorURI, localDomain string) string {
	prefix := strings.TrimRight(localDomain, "/") + "/users/"
	if !strings.HasPrefix(actorURI, prefix) {
		return ""
	}
	did, err := url.PathUnescape(strings.TrimPrefix(actorURI, prefix))
	if err != nil {
		return ""
	}
	return did
}

func actorLinkHTML(actorURI string) string {
	if strings.HasPrefix(actorURI, "https://") || strings.HasPrefix(actorURI, "http://") {
		return fmt.Sprintf(`<a href="%s">%s</a>`, actorURI, actorURI)
	}
	return actorURI
}
