// Package actor builds the ActivityPub actor document for a local ATProto
// identity on demand, and resolves WebFinger-style handles back to DIDs.
package actor

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/errs"
	"github.com/klppl/atbridge/internal/store"
)

// didSyntax is a minimal syntactic check for an ATProto DID ("did:method:id").
var didSyntax = regexp.MustCompile(`^did:[a-z0-9]+:[a-zA-Z0-9._:%-]+$`)

// IsValidDID reports whether s has the correct DID syntax. This is a
// format check only — it does not resolve or verify the DID.
func IsValidDID(s string) bool { return didSyntax.MatchString(s) }

// ProfileSource is the subset of PDSClient-backed lookups the dispatcher
// needs to build an actor document.
type ProfileSource interface {
	GetRecord(ctx context.Context, repo, collection, rkey string) (*atproto.GetRecordResponse, error)
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// Dispatcher builds AP actor documents for local DIDs on demand.
type Dispatcher struct {
	Store         *store.Store
	PDS           ProfileSource
	LocalDomain   string // no trailing slash, e.g. "https://bridge.example.com"
	Hostname      string // handle suffix used for WebFinger mapping, e.g. "bridge.example.com"
	MastodonDID   string // excluded from discovery entirely
	BlobURL       func(did, cid string) string
}

// Dispatch builds the Person document for identifier, or (nil, NotFound)
// if identifier is the Mastodon bridge account or otherwise not eligible
// for AP discovery.
func (d *Dispatcher) Dispatch(ctx context.Context, identifier string) (*atproto.Actor, error) {
	if !IsValidDID(identifier) {
		return nil, errs.New(errs.NotFound, "not a valid DID")
	}
	if identifier == d.MastodonDID {
		return nil, errs.New(errs.NotFound, "mastodon bridge account is not AP-discoverable")
	}

	rsaKP, edKP, err := atproto.EnsureKeyPairs(d.Store, identifier)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "ensure key pairs", err)
	}

	profile, _ := d.PDS.GetRecord(ctx, identifier, "app.bsky.actor.profile", "self")

	handle := identifier
	displayName := ""
	description := ""
	var avatarCID, bannerCID string
	if profile != nil {
		var value map[string]interface{}
		if err := json.Unmarshal(profile.Value, &value); err == nil {
			if v, ok := value["displayName"].(string); ok {
				displayName = v
			}
			if v, ok := value["description"].(string); ok {
				description = v
			}
			if blob, ok := value["avatar"].(map[string]interface{}); ok {
				avatarCID = blobLink(blob)
			}
			if blob, ok := value["banner"].(map[string]interface{}); ok {
				bannerCID = blobLink(blob)
			}
		}
	}

	actorURI := d.ActorURI(identifier)
	pubPEM, err := atproto.PublicKeyPEMFromJWK(rsaKP.PublicKey)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "derive RSA public key PEM", err)
	}
	multibase, err := atproto.Ed25519PublicKeyMultibase(edKP.PublicKey)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "derive Ed25519 multibase key", err)
	}

	a := &atproto.Actor{
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: firstLabel(handle),
		Name:              displayName,
		Summary:           description,
		Inbox:             actorURI + "/inbox",
		Outbox:            actorURI + "/outbox",
		Followers:         actorURI + "/followers",
		Following:         actorURI + "/following",
		PublicKey: &atproto.PublicKey{
			ID:           actorURI + "#main-key",
			Owner:        actorURI,
			PublicKeyPem: pubPEM,
		},
		AssertionMethod: []atproto.AssertionMethod{{
			ID:                 actorURI + "#ed25519-key",
			Type:               "Multikey",
			Controller:         actorURI,
			PublicKeyMultibase: multibase,
		}},
		Endpoints: &atproto.Endpoints{SharedInbox: d.LocalDomain + "/inbox"},
		URL:       actorURI,
	}
	if avatarCID != "" && d.BlobURL != nil {
		a.Icon = &atproto.Image{Type: "Image", URL: d.BlobURL(identifier, avatarCID)}
	}
	if bannerCID != "" && d.BlobURL != nil {
		a.Image = &atproto.Image{Type: "Image", URL: d.BlobURL(identifier, bannerCID)}
	}
	return a, nil
}

// ActorURI builds the AP actor id this bridge exposes for a DID.
func (d *Dispatcher) ActorURI(did string) string {
	return d.LocalDomain + "/users/" + did
}

// IsLocal reports whether did is eligible for AP discovery under this
// bridge, i.e. a syntactically valid DID that isn't the Mastodon account.
func (d *Dispatcher) IsLocal(did string) bool {
	return IsValidDID(did) && did != d.MastodonDID
}

// SigningKey implements dispatch.KeySource: it ensures senderDID has an RSA
// key pair (generating one on first use) and returns it parsed, keyed by
// this bridge's own actor-key convention.
func (d *Dispatcher) SigningKey(senderDID string) (keyID string, key *rsa.PrivateKey, ok bool) {
	if !IsValidDID(senderDID) {
		return "", nil, false
	}
	rsaKP, _, err := atproto.EnsureKeyPairs(d.Store, senderDID)
	if err != nil {
		return "", nil, false
	}
	privKey, err := atproto.RSAPrivateKeyFromJWK(rsaKP.PrivateKey)
	if err != nil {
		return "", nil, false
	}
	return d.ActorURI(senderDID) + "#main-key", privKey, true
}

// ResolveHandle maps "{username}.{hostname}" to the local DID it belongs
// to, per the bridge's WebFinger mapping. Returns ("", false) if the
// handle doesn't resolve under this bridge's hostname or the PDS doesn't
// recognize it.
func (d *Dispatcher) ResolveHandle(ctx context.Context, username string) (string, bool) {
	handle := fmt.Sprintf("%s.%s", username, d.Hostname)
	did, err := d.PDS.ResolveHandle(ctx, handle)
	if err != nil || did == "" {
		return "", false
	}
	if did == d.MastodonDID {
		return "", false
	}
	return did, true
}

func firstLabel(handle string) string {
	if i := strings.IndexByte(handle, '.'); i >= 0 {
		return handle[:i]
	}
	return handle
}

func blobLink(blob map[string]interface{}) string {
	ref, ok := blob["ref"].(map[string]interface{})
	if !ok {
		return ""
	}
	link, _ := ref["$link"].(string)
	return link
}
