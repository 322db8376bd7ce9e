// Package engagement batches Like/Share notifications into periodic chat
// DMs to the post author, via EngagementNotifier.
package engagement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/store"
)

const (
	defaultCycleInterval = 1000 * time.Millisecond
	batchLimit           = 200
	previewLength        = 60
	maxNamedActors       = 3
)

// DMSender sends a chat DM to a local account via the bridge's PDS chat
// proxy, e.g. bridgeaccount.Account wired with its PDS client.
type DMSender interface {
	GetConvoForMembers(ctx context.Context, members []string) (*atproto.GetConvoForMembersResponse, error)
	SendMessage(ctx context.Context, convoID, text string) error
}

// PostReader fetches a post's text for preview rendering.
type PostReader interface {
	GetRecord(ctx context.Context, repo, collection, rkey string) (*atproto.GetRecordResponse, error)
}

// Notifier runs the batching cycle.
type Notifier struct {
	Store        *store.Store
	DM           DMSender
	Posts        PostReader
	BatchDelay   time.Duration // events younger than this are left for the next cycle
	Interval     time.Duration
	ResolveActor func(ctx context.Context, apActorID string) string // "@user@host" or URL fallback

	// Limiter throttles chat DM sends against the PDS chat proxy, which
	// applies its own per-account rate limit. Nil means unthrottled.
	Limiter *rate.Limiter
}

// Run begins the periodic batching loop. Blocks until ctx is cancelled.
// Grounded on the teacher's ticker-loop shape (AccountResyncer.Start /
// Poller.Start): fixed interval, no manual trigger channel needed here
// since engagement events arrive continuously via the inbox, not in
// response to an external action worth triggering early.
func (n *Notifier) Run(ctx context.Context) {
	interval := n.Interval
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.cycle(ctx)
		}
	}
}

func (n *Notifier) cycle(ctx context.Context) {
	olderThan := time.Now().Add(-n.BatchDelay)

	likes, err := n.Store.GetUnnotified(model.EngagementLike, olderThan, batchLimit)
	if err != nil {
		slog.Error("engagement: fetch unnotified likes failed", "err", err)
		likes = nil
	}
	shares, err := n.Store.GetUnnotified(model.EngagementShare, olderThan, batchLimit)
	if err != nil {
		slog.Error("engagement: fetch unnotified shares failed", "err", err)
		shares = nil
	}
	if len(likes) == 0 && len(shares) == 0 {
		return
	}

	all := append(append([]model.EngagementEvent{}, likes...), shares...)
	byAuthor := groupByAuthor(all)

	actorNameCache := make(map[string]string)
	resolveActor := func(id string) string {
		if name, ok := actorNameCache[id]; ok {
			return name
		}
		name := n.ResolveActor(ctx, id)
		actorNameCache[id] = name
		return name
	}

	for authorDID, events := range byAuthor {
		byPost := groupByPost(events)
		message := n.renderMessage(ctx, byPost, resolveActor)

		if err := n.sendDM(ctx, authorDID, message); err != nil {
			slog.Warn("engagement: DM delivery failed, skipping remaining authors this cycle", "author", authorDID, "err", err)
			return
		}

		var ids []string
		for _, e := range events {
			ids = append(ids, e.ActivityID)
		}
		if err := n.Store.MarkNotified(ids); err != nil {
			slog.Error("engagement: mark notified failed", "author", authorDID, "err", err)
		}
	}
}

func groupByAuthor(events []model.EngagementEvent) map[string][]model.EngagementEvent {
	out := make(map[string][]model.EngagementEvent)
	for _, e := range events {
		out[e.PostAuthorDID] = append(out[e.PostAuthorDID], e)
	}
	return out
}

func groupByPost(events []model.EngagementEvent) map[string][]model.EngagementEvent {
	out := make(map[string][]model.EngagementEvent)
	for _, e := range events {
		out[e.PostATUri] = append(out[e.PostATUri], e)
	}
	return out
}

func (n *Notifier) renderMessage(ctx context.Context, byPost map[string][]model.EngagementEvent, resolveActor func(string) string) string {
	var sb strings.Builder
	sb.WriteString("Your post received Fediverse engagement:\n\n")
	for atURI, events := range byPost {
		preview := n.postPreview(ctx, atURI)
		sb.WriteString(fmt.Sprintf("\"%s\"\n", preview))

		names := make([]string, 0, len(events))
		seen := make(map[string]bool)
		for _, e := range events {
			if seen[e.APActorID] {
				continue
			}
			seen[e.APActorID] = true
			names = append(names, resolveActor(e.APActorID))
		}
		sb.WriteString(describeActors(names))
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

func describeActors(names []string) string {
	if len(names) == 0 {
		return "someone"
	}
	shown := names
	extra := 0
	if len(names) > maxNamedActors {
		shown = names[:maxNamedActors]
		extra = len(names) - maxNamedActors
	}
	joined := strings.Join(shown, ", ")
	if extra > 0 {
		return fmt.Sprintf("%s and %d others", joined, extra)
	}
	return joined
}

func (n *Notifier) postPreview(ctx context.Context, atURI string) string {
	repo := atproto.RepoFromURI(atURI)
	collection := atproto.CollectionFromURI(atURI)
	rkey := atproto.RKeyFromURI(atURI)
	resp, err := n.Posts.GetRecord(ctx, repo, collection, rkey)
	if err != nil {
		return atURI
	}
	var post atproto.FeedPost
	if err := json.Unmarshal(resp.Value, &post); err != nil {
		return atURI
	}
	return truncate(post.Text, previewLength)
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "…"
}

func (n *Notifier) sendDM(ctx context.Context, authorDID, message string) error {
	if n.Limiter != nil {
		if err := n.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	convo, err := n.DM.GetConvoForMembers(ctx, []string{authorDID})
	if err != nil {
		return fmt.Errorf("get convo: %w", err)
	}
	return n.DM.SendMessage(ctx, convo.Convo.ID, message)
}
