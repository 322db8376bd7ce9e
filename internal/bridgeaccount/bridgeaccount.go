// Package bridgeaccount manages the two PDS-resident relay identities
// (Mastodon, Bluesky) this bridge operates as: provisioning, session
// recovery, and the createRecord/deleteRecord/uploadBlob surface the rest
// of the bridge uses to act as one of them.
package bridgeaccount

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/errs"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/store"
)

// Account wraps one bridge role's PDS session and the profile metadata
// used to provision it.
type Account struct {
	Role     model.BridgeRole
	Handle   string
	Store    *store.Store
	pds      *atproto.PDSClient
	did      string
}

// Config names the handle and profile fields used when provisioning a
// fresh bridge account.
type Config struct {
	Role        model.BridgeRole
	PDSURL      string
	Handle      string
	Email       string
	DisplayName string
	Description string
	AdminToken  string // best-effort, used to acquire an invite code
}

// Ensure brings a bridge account up. When a stored row exists it loads the
// stored session and logs in with the stored password (createSession); the
// stored refresh token is not exchanged. If that login fails it retries the
// password login once on a fresh client, and if that also fails it deletes
// the row and recreates the account from scratch. Grounded on
// the teacher's internal/bsky/client.go singleAuthenticate/retry shape,
// extended to the "recreate if unrecoverable" step SPEC_FULL §4.6 adds.
func Ensure(ctx context.Context, cfg Config, st *store.Store) (*Account, error) {
	acc := &Account{Role: cfg.Role, Handle: cfg.Handle, Store: st}

	existing, hasExisting := st.GetBridgeAccount(cfg.Role)
	if hasExisting {
		acc.pds = atproto.NewPDSClient(cfg.PDSURL, existing.Handle, existing.Password)
		acc.pds.RestoreSession(existing.AccessToken, existing.RefreshToken, existing.DID, existing.Handle)
		acc.did = existing.DID

		if err := acc.pds.Authenticate(ctx); err == nil {
			acc.persistSession()
			return acc, nil
		}
		slog.Warn("bridge account login failed, retrying password login", "role", cfg.Role)

		acc.pds = atproto.NewPDSClient(cfg.PDSURL, existing.Handle, existing.Password)
		if err := acc.pds.Authenticate(ctx); err == nil {
			acc.did = acc.pds.DID()
			acc.persistSession()
			return acc, nil
		}
		slog.Warn("bridge account password login failed, recreating", "role", cfg.Role)
		if err := st.DeleteBridgeAccount(cfg.Role); err != nil {
			return nil, errs.Wrap(errs.Fatal, "delete stale bridge account", err)
		}
	}

	return provision(ctx, cfg, st, acc)
}

func provision(ctx context.Context, cfg Config, st *store.Store, acc *Account) (*Account, error) {
	password, err := randomPassword()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "generate bridge account password", err)
	}

	tmp := atproto.NewPDSClient(cfg.PDSURL, cfg.Handle, password)

	var inviteCode string
	if cfg.AdminToken != "" {
		if code, err := tmp.CreateInviteCode(ctx, cfg.AdminToken); err == nil {
			inviteCode = code
		} else {
			slog.Warn("invite code acquisition failed, attempting open registration", "err", err)
		}
	}

	session, err := tmp.CreateAccount(ctx, cfg.Handle, cfg.Email, password, inviteCode)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "create bridge account", err)
	}

	acc.pds = tmp
	acc.did = session.DID

	if err := st.UpsertBridgeAccount(model.BridgeAccount{
		Role:         cfg.Role,
		DID:          session.DID,
		Handle:       cfg.Handle,
		Password:     password,
		AccessToken:  session.AccessJwt,
		RefreshToken: session.RefreshJwt,
	}); err != nil {
		return nil, errs.Wrap(errs.Fatal, "persist new bridge account", err)
	}

	if err := acc.setupProfile(ctx, cfg.DisplayName, cfg.Description); err != nil {
		slog.Warn("bridge account profile setup failed", "role", cfg.Role, "err", err)
	}

	return acc, nil
}

func (a *Account) setupProfile(ctx context.Context, displayName, description string) error {
	record := map[string]interface{}{
		"$type":       "app.bsky.actor.profile",
		"displayName": displayName,
		"description": description,
	}
	_, err := a.pds.CreateRecord(ctx, atproto.CreateRecordRequest{
		Repo:       a.did,
		Collection: "app.bsky.actor.profile",
		RKey:       "self",
		Record:     record,
	})
	return err
}

func (a *Account) persistSession() {
	existing, _ := a.Store.GetBridgeAccount(a.Role)
	existing.Role = a.Role
	existing.DID = a.did
	existing.Handle = a.pds.Handle()
	existing.AccessToken, existing.RefreshToken = a.pds.Session()
	_ = a.Store.UpsertBridgeAccount(existing)
}

// DID returns the account's ATProto DID.
func (a *Account) DID() string { return a.did }

// CreateRecord writes a record as this bridge account.
func (a *Account) CreateRecord(ctx context.Context, req atproto.CreateRecordRequest) (*atproto.CreateRecordResponse, error) {
	req.Repo = a.did
	return a.pds.CreateRecord(ctx, req)
}

// DeleteRecord removes a record as this bridge account.
func (a *Account) DeleteRecord(ctx context.Context, repo, collection, rkey string) error {
	return a.pds.DeleteRecord(ctx, repo, collection, rkey)
}

// UploadBlob uploads media as this bridge account.
func (a *Account) UploadBlob(ctx context.Context, data []byte, mimeType string) (*atproto.UploadBlobResponse, error) {
	return a.pds.UploadBlob(ctx, data, mimeType)
}

// PDS exposes the underlying client for callers (EngagementNotifier,
// ExternalReplyProcessor) that need read-only XRPC calls beyond this
// package's write surface.
func (a *Account) PDS() *atproto.PDSClient { return a.pds }

func randomPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
