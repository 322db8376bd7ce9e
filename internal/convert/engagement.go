package convert

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/errs"
)

// likeConverter emits a bare Like activity for app.bsky.feed.like records,
// one-way (AP has no inbound "like a Note" path this bridge accepts back
// into a record, per spec §4.2 — likes arrive into ATProto only as
// EngagementEvent notifications, handled by internal/engagement).
type likeConverter struct{}

func (c *likeConverter) ToActivityPub(ctx context.Context, identifier, atURI string, record json.RawMessage, env *Env) (*ActivityResult, error) {
	var like atproto.LikeRecord
	if err := json.Unmarshal(record, &like); err != nil {
		return nil, errs.Wrap(errs.Permanent, "decode like record", err)
	}

	subjectDID := atproto.RepoFromURI(like.Subject.URI)
	if !env.IsLocalDID(subjectDID) {
		// Liking someone else's mirrored post isn't this bridge's concern
		// to federate; only likes on locally-hosted posts go out as AP.
		return nil, nil
	}

	// The object is this bridge's own resolvable post URL, the same
	// convention post.go's noteID and outbound.Handler.HandleDelete use —
	// not a PostMapping lookup, since PostMapping only exists for
	// bridge-created reply mirrors, and most liked posts are ordinary
	// local posts with no such row.
	actorURI := env.ActorURI(identifier)
	activity := &atproto.Activity{
		// Keyed by the like record's own atUri, not the subject, so a
		// later delete of this same record can reconstruct this exact id
		// from the commit path alone without needing the (by then gone)
		// record body.
		ID:        env.LocalDomain + "/likes/" + url.PathEscape(atURI),
		Type:      "Like",
		Actor:     actorURI,
		Object:    env.LocalDomain + "/posts/" + url.PathEscape(like.Subject.URI),
		To:        []string{atproto.PublicURI},
		CC:        []string{actorURI + "/followers"},
		Published: nowOrRecordTime(like.CreatedAt),
	}
	return &ActivityResult{Activity: activity}, nil
}

func (c *likeConverter) ToRecord(ctx context.Context, identifier string, obj map[string]interface{}, env *Env) (*RecordResult, error) {
	// Inbound AP Like activities never materialize an ATProto record;
	// they surface as read-only EngagementEvent rows instead.
	return nil, nil
}

// repostConverter emits a bare Announce activity for app.bsky.feed.repost
// records, mirroring likeConverter's one-way shape.
type repostConverter struct{}

func (c *repostConverter) ToActivityPub(ctx context.Context, identifier, atURI string, record json.RawMessage, env *Env) (*ActivityResult, error) {
	var repost atproto.RepostRecord
	if err := json.Unmarshal(record, &repost); err != nil {
		return nil, errs.Wrap(errs.Permanent, "decode repost record", err)
	}

	subjectDID := atproto.RepoFromURI(repost.Subject.URI)
	if !env.IsLocalDID(subjectDID) {
		return nil, nil
	}

	actorURI := env.ActorURI(identifier)
	activity := &atproto.Activity{
		ID:        env.LocalDomain + "/reposts/" + url.PathEscape(atURI),
		Type:      "Announce",
		Actor:     actorURI,
		Object:    env.LocalDomain + "/posts/" + url.PathEscape(repost.Subject.URI),
		To:        []string{atproto.PublicURI},
		CC:        []string{actorURI + "/followers"},
		Published: nowOrRecordTime(repost.CreatedAt),
	}
	return &ActivityResult{Activity: activity}, nil
}

func (c *repostConverter) ToRecord(ctx context.Context, identifier string, obj map[string]interface{}, env *Env) (*RecordResult, error) {
	return nil, nil
}

func nowOrRecordTime(createdAt string) string {
	if createdAt != "" {
		return createdAt
	}
	return time.Now().UTC().Format(time.RFC3339)
}
