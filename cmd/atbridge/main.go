// atbridge is a bidirectional bridge between an ATProto PDS and the
// ActivityPub Fediverse. It runs as a single binary with SQLite by default,
// requiring no external database for self-hosted deployments.
//
// Usage:
//
//	export PUBLIC_URL=https://yourdomain.com
//	export BRIDGE_BLUESKY_HANDLE=bridge.yourdomain.com
//	export PDS_URL=https://bsky.social
//	./atbridge
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/klppl/atbridge/internal/actor"
	"github.com/klppl/atbridge/internal/apserver"
	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/bridgeaccount"
	"github.com/klppl/atbridge/internal/config"
	"github.com/klppl/atbridge/internal/convert"
	"github.com/klppl/atbridge/internal/dispatch"
	"github.com/klppl/atbridge/internal/engagement"
	"github.com/klppl/atbridge/internal/firehose"
	"github.com/klppl/atbridge/internal/inbox"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/outbound"
	"github.com/klppl/atbridge/internal/reply"
	"github.com/klppl/atbridge/internal/store"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting atbridge")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"publicUrl", cfg.PublicURL,
		"pds", cfg.PDSURL,
		"database", cfg.DatabaseLocation,
		"mastodonHandle", cfg.BridgeMastodonHandle,
		"blueskyHandle", cfg.BridgeBlueskyHandle,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseLocation)
	if err != nil {
		slog.Error("failed to open database", "error", err, "location", cfg.DatabaseLocation)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Bridge accounts ──────────────────────────────────────────────────────
	var mastodonAcc, blueskyAcc *bridgeaccount.Account
	if cfg.BridgeMastodonHandle != "" {
		mastodonAcc, err = bridgeaccount.Ensure(ctx, bridgeaccount.Config{
			Role:        model.RoleMastodon,
			PDSURL:      cfg.PDSURL,
			Handle:      cfg.BridgeMastodonHandle,
			Email:       cfg.BridgeAccountEmail,
			DisplayName: cfg.BridgeMastodonDisplayName,
			Description: cfg.BridgeMastodonDescription,
			AdminToken:  cfg.PDSAdminToken,
		}, st)
		if err != nil {
			slog.Error("failed to provision mastodon bridge account", "error", err)
			os.Exit(1)
		}
		slog.Info("mastodon bridge account ready", "did", mastodonAcc.DID())
	}
	if cfg.BridgeBlueskyHandle != "" {
		blueskyAcc, err = bridgeaccount.Ensure(ctx, bridgeaccount.Config{
			Role:        model.RoleBluesky,
			PDSURL:      cfg.PDSURL,
			Handle:      cfg.BridgeBlueskyHandle,
			Email:       cfg.BridgeAccountEmail,
			DisplayName: cfg.BridgeBlueskyDisplayName,
			Description: cfg.BridgeBlueskyDescription,
			AdminToken:  cfg.PDSAdminToken,
		}, st)
		if err != nil {
			slog.Error("failed to provision bluesky bridge account", "error", err)
			os.Exit(1)
		}
		slog.Info("bluesky bridge account ready", "did", blueskyAcc.DID())
	}

	// sharedPDS is the authenticated client used for read operations that
	// don't belong to one bridge account specifically (actor lookups,
	// outbound record fetches, NodeInfo accounting). Prefer the Bluesky
	// account, since it's the one with a first-class AP actor identity;
	// fall back to Mastodon's if only that role is configured.
	var sharedPDS *atproto.PDSClient
	if blueskyAcc != nil {
		sharedPDS = blueskyAcc.PDS()
	} else {
		sharedPDS = mastodonAcc.PDS()
	}

	mastodonDID := ""
	if mastodonAcc != nil {
		mastodonDID = mastodonAcc.DID()
	}

	// ─── Actor dispatcher ─────────────────────────────────────────────────────
	actors := &actor.Dispatcher{
		Store:       st,
		PDS:         sharedPDS,
		LocalDomain: cfg.PublicURL,
		Hostname:    cfg.Hostname,
		MastodonDID: mastodonDID,
		BlobURL: func(did, cid string) string {
			return cfg.PublicURL + "/blob/" + did + "/" + cid
		},
	}

	// ─── Converter registry ───────────────────────────────────────────────────
	registry := convert.NewRegistry()

	// ─── Outbound dispatcher ──────────────────────────────────────────────────
	outDispatch := dispatch.New(st, actors)

	// ─── Inbox engine ─────────────────────────────────────────────────────────
	var mastodonForInbox inbox.MastodonAccount
	if mastodonAcc != nil {
		mastodonForInbox = mastodonAcc
	}
	inboxEngine := &inbox.Engine{
		Store:               st,
		Registry:            registry,
		Dispatch:            outDispatch,
		Mastodon:            mastodonForInbox,
		LocalDomain:         cfg.PublicURL,
		ActorURI:            actors.ActorURI,
		KeyID:               func(did string) string { return actors.ActorURI(did) + "#main-key" },
		IsLocalDID:          actors.IsLocal,
		PDS:                 sharedPDS,
		AllowPrivateAddress: cfg.AllowPrivateAddress,
	}

	// ─── Firehose ingester + outbound commit handler ─────────────────────────
	var excludeDIDs []string
	if mastodonAcc != nil {
		excludeDIDs = append(excludeDIDs, mastodonAcc.DID())
	}
	if blueskyAcc != nil {
		excludeDIDs = append(excludeDIDs, blueskyAcc.DID())
	}
	outHandler := &outbound.Handler{
		PDS:                 sharedPDS,
		Store:               st,
		Registry:            registry,
		Dispatch:            outDispatch,
		LocalDomain:         cfg.PublicURL,
		ActorURI:            actors.ActorURI,
		IsLocalDID:          actors.IsLocal,
		ResolveMentionDID:   resolveMentionDID(cfg.PublicURL),
		AllowPrivateAddress: cfg.AllowPrivateAddress,
	}
	ingester := firehose.New(cfg.PDSURL, excludeDIDs, registry, outHandler, cfg.FirehoseCursor)

	// ─── Engagement notifier ──────────────────────────────────────────────────
	// The Mastodon bridge account sends the engagement DM, since it's the
	// identity already cast as "the bridge" talking to local authors about
	// their Fediverse activity (the Bluesky account is reserved for
	// re-publishing external replies as a first-class AP actor).
	var dmSender engagement.DMSender
	if mastodonAcc != nil {
		dmSender = mastodonAcc.PDS()
	} else {
		dmSender = sharedPDS
	}
	notifier := &engagement.Notifier{
		Store:        st,
		DM:           dmSender,
		Posts:        sharedPDS,
		BatchDelay:   cfg.EngagementBatchDelay,
		Interval:     cfg.EngagementInterval,
		ResolveActor: actorDisplayNameResolver(),
		// The chat proxy enforces its own per-account send rate; stay
		// comfortably under it rather than learn the limit by 429s.
		Limiter: rate.NewLimiter(rate.Limit(1), 2),
	}

	// ─── External reply processor ─────────────────────────────────────────────
	var replyProcessor *reply.Processor
	if blueskyAcc != nil && cfg.ConstellationURL != "" {
		appViewPDS := atproto.NewPDSClient(cfg.AppViewURL, "", "")
		replyProcessor = &reply.Processor{
			Store:       st,
			Backlinks:   reply.NewBacklinkClient(cfg.ConstellationURL),
			AppView:     appViewPDS,
			Bluesky:     blueskyAcc,
			Dispatch:    outDispatch,
			LocalDomain: cfg.PublicURL,
			ActorURI:    actors.ActorURI,
			Interval:    cfg.ConstellationPollInterval,
			// The backlink source is a shared public service; stay well
			// under a rate that would get the bridge throttled or banned.
			Limiter: rate.NewLimiter(rate.Limit(2), 4),
		}
	} else {
		slog.Info("external reply processor disabled (no bluesky bridge account or no constellation URL configured)")
	}

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := apserver.New(apserver.Config{
		Port:        cfg.Port,
		LocalDomain: cfg.PublicURL,
		Hostname:    cfg.Hostname,
		SignFetch:   cfg.SignFetch,
	}, st, sharedPDS, actors, registry, inboxEngine)

	// ─── Start background loops ───────────────────────────────────────────────
	go outDispatch.Run(ctx, cfg.DispatchPollInterval)
	go notifier.Run(ctx)
	if replyProcessor != nil {
		go replyProcessor.Run(ctx)
	}
	if cfg.FirehoseEnabled {
		go ingester.Run(ctx)
	} else {
		slog.Info("firehose ingestion disabled via FIREHOSE_ENABLED=false")
	}

	if err := srv.Run(ctx); err != nil {
		slog.Error("http server exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("atbridge stopped")
}

// resolveMentionDID maps a local actor URI ("{publicURL}/users/{did}") back
// to the DID it names, for inbound mention-facet construction; any other
// href is treated as a non-local mention.
func resolveMentionDID(publicURL string) func(href string) (string, bool) {
	prefix := strings.TrimRight(publicURL, "/") + "/users/"
	return func(href string) (string, bool) {
		if !strings.HasPrefix(href, prefix) {
			return "", false
		}
		did := strings.TrimPrefix(href, prefix)
		if !actor.IsValidDID(did) {
			return "", false
		}
		return did, true
	}
}

// actorDisplayNameResolver renders a remote AP actor id as "@user@host"
// when fetchable, falling back to the bare URL — grounded on the teacher's
// own best-effort display-name resolution in internal/ap/handler.go.
func actorDisplayNameResolver() func(ctx context.Context, apActorID string) string {
	return func(ctx context.Context, apActorID string) string {
		actorObj, err := atproto.FetchActor(ctx, apActorID)
		if err != nil || actorObj == nil || actorObj.PreferredUsername == "" {
			return apActorID
		}
		host := apActorID
		if idx := strings.Index(host, "://"); idx >= 0 {
			host = host[idx+3:]
		}
		if idx := strings.IndexByte(host, '/'); idx >= 0 {
			host = host[:idx]
		}
		return "@" + actorObj.PreferredUsername + "@" + host
	}
}
