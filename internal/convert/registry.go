// Package convert holds the bidirectional record↔activity converters that
// translate between ATProto lexicon records and ActivityPub objects. Each
// converter is registered once at startup, keyed by ATProto collection NSID,
// and the registry is never mutated after that.
package convert

import (
	"context"
	"encoding/json"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/store"
)

// Env is the shared dependency set every converter needs: the PDS client for
// record/blob reads and writes, the Store for mapping lookups, and the
// bridge's own externally-visible identity, so converters can build actor
// and object URLs without reaching back into the caller.
type Env struct {
	PDS         *atproto.PDSClient
	Store       *store.Store
	LocalDomain string // e.g. "https://bridge.example.com", no trailing slash

	// IsLocalDID reports whether did is treated as a local account, used to
	// decide whether a mention/like/repost subject resolves to a local actor
	// URI or should be skipped. cmd/atbridge wires actor.Dispatcher.IsLocal,
	// which accepts any syntactically valid DID other than the Mastodon
	// bridge account's; it does not check that the PDS hosts the DID.
	IsLocalDID func(did string) bool

	// ActorURI builds the AP actor id this bridge exposes for a DID.
	ActorURI func(did string) string

	// ResolveMentionDID maps an AP mention href back to a DID, when that
	// href names a local account; ok is false for any other href.
	ResolveMentionDID func(href string) (did string, ok bool)

	// AllowPrivateAddress permits inbound attachment downloads to
	// loopback/private address ranges. Testing only.
	AllowPrivateAddress bool
}

// ActivityResult is what ToActivityPub returns: the outbound activity ready
// for the dispatcher to sign and deliver. A nil result (with nil error)
// means this record does not federate (e.g. a like on a non-local post).
type ActivityResult struct {
	Activity *atproto.Activity
}

// RecordResult is what ToRecord returns: the ATProto record to write via
// repo.createRecord, keyed by collection. A nil result means the inbound
// activity has no ATProto representation and should be dropped.
type RecordResult struct {
	Collection string
	Record     interface{}
}

// Converter translates one ATProto collection's records to and from their
// ActivityPub counterpart.
type Converter interface {
	// ToActivityPub builds the outbound AP activity for a record just
	// written to identifier's repo. record is the raw lexicon JSON as
	// returned by com.atproto.repo.getRecord.
	ToActivityPub(ctx context.Context, identifier string, atURI string, record json.RawMessage, env *Env) (*ActivityResult, error)

	// ToRecord builds the ATProto record for an inbound AP activity
	// whose actor is identifier (a local DID). obj is the activity's
	// decoded object.
	ToRecord(ctx context.Context, identifier string, obj map[string]interface{}, env *Env) (*RecordResult, error)
}

// Registry maps an ATProto collection NSID to the converter that handles it.
type Registry struct {
	byCollection map[string]Converter
}

// NewRegistry builds the fixed set of built-in converters. Called once at
// startup; the result is never mutated afterward.
func NewRegistry() *Registry {
	post := &postConverter{}
	return &Registry{
		byCollection: map[string]Converter{
			"app.bsky.feed.post":   post,
			"app.bsky.feed.like":   &likeConverter{},
			"app.bsky.feed.repost": &repostConverter{},
		},
	}
}

// For returns the converter registered for collection, or nil if none.
func (r *Registry) For(collection string) Converter {
	return r.byCollection[collection]
}
