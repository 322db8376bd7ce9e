// Package model holds the durable entities described by the data model:
// Follow, KeyPair, BridgeAccount, PostMapping, MonitoredPost, ExternalReply,
// EngagementEvent, plus the outbound-queue and audit rows that support them.
// These are plain value types; the Store is the only component allowed to
// mutate their backing rows.
package model

import "time"

// Algorithm identifies the signature scheme of a stored KeyPair.
type Algorithm string

const (
	AlgorithmRSA     Algorithm = "RSA-PKCS1-v1.5"
	AlgorithmEd25519 Algorithm = "Ed25519"
)

// BridgeRole identifies one of the two PDS-resident relay accounts.
type BridgeRole string

const (
	RoleMastodon BridgeRole = "mastodon"
	RoleBluesky  BridgeRole = "bluesky"
)

// EngagementKind tags whether an EngagementEvent was a Like or a Share.
type EngagementKind string

const (
	EngagementLike  EngagementKind = "like"
	EngagementShare EngagementKind = "share"
)

// Follow records that a remote AP actor follows a local PDS account.
type Follow struct {
	UserDID         string
	ActorURI        string
	ActivityID      string
	ActorInbox      string
	ActorSharedInbox string
	CreatedAt       time.Time
}

// KeyPair is a (userDID, algorithm)-keyed signing key, stored JWK-encoded.
type KeyPair struct {
	UserDID   string
	Algorithm Algorithm
	PublicKey string // JWK JSON
	PrivateKey string // JWK JSON
}

// BridgeAccount is one of the two PDS-resident relay identities.
type BridgeAccount struct {
	Role         BridgeRole
	DID          string
	Handle       string
	Password     string
	AccessToken  string
	RefreshToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PostMapping links a bridge-created ATProto record back to the remote AP
// Note that caused it to be created.
type PostMapping struct {
	ATUri        string
	APNoteID     string
	APActorID    string
	APActorInbox string
	CreatedAt    time.Time
}

// MonitoredPost is a local post polled for external backlinks.
type MonitoredPost struct {
	ATUri       string
	AuthorDID   string
	LastChecked *time.Time
	CreatedAt   time.Time
}

// ExternalReply is a reply discovered via the backlink source and relayed
// as an AP activity.
type ExternalReply struct {
	ATUri       string
	ParentATUri string
	AuthorDID   string
	APNoteID    string
	CreatedAt   time.Time
}

// EngagementEvent is a Like or Share recorded against a local post.
type EngagementEvent struct {
	ActivityID    string
	Kind          EngagementKind
	PostATUri     string
	PostAuthorDID string
	APActorID     string
	CreatedAt     time.Time
	NotifiedAt    *time.Time
}

// RecipientKind distinguishes a targeted-actor delivery from a coalesced
// shared-inbox delivery. dispatch.enqueueAll stores every queue item as
// RecipientActor, coalesced shared-inbox deliveries included.
type RecipientKind string

const (
	RecipientActor       RecipientKind = "actor"
	RecipientSharedInbox RecipientKind = "sharedInbox"
)

// OutboundQueueItem is a durable unit of dispatcher work; it survives
// process restarts so retries resume instead of being lost.
type OutboundQueueItem struct {
	ID            string
	ActivityID    string
	RecipientKind RecipientKind
	RecipientURL  string
	ActorID       string // sender identifier, used for per-recipient FIFO ordering
	Body          []byte
	Attempt       int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	LastError     string
}

// Cursor is an opaque keyset-pagination token: the createdAt of the last
// kept row in a page, formatted as RFC3339Nano so string comparison matches
// chronological order.
type Cursor = string

// Page wraps a keyset-paginated result.
type Page[T any] struct {
	Items      []T
	NextCursor Cursor // empty when there is no further page
}
