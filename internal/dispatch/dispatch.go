// Package dispatch delivers outbound ActivityPub activities to their
// recipients, backed by a durable queue so retries survive restarts.
package dispatch

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/store"
)

// retrySchedule is the fixed five-step backoff; the item is dropped after
// the last step's attempt also fails.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	8 * time.Hour,
}

const dispatchConcurrency = 8

// KeySource resolves the signing key and key id for a given local sender
// identifier (a bridge account DID or an ActorDispatcher-managed DID).
type KeySource interface {
	SigningKey(senderDID string) (keyID string, key *rsa.PrivateKey, ok bool)
}

// Recipient is a concrete delivery target.
type Recipient struct {
	ActorID     string
	Inbox       string
	SharedInbox string
}

// Dispatcher delivers activities either to an explicit recipient list or
// to a sender's followers (fetched from Store and coalesced by shared
// inbox origin), and owns the retry loop over the durable queue.
type Dispatcher struct {
	store *store.Store
	keys  KeySource
	sem   chan struct{}
}

// New builds a Dispatcher.
func New(st *store.Store, keys KeySource) *Dispatcher {
	return &Dispatcher{
		store: st,
		keys:  keys,
		sem:   make(chan struct{}, dispatchConcurrency),
	}
}

// DispatchToRecipients delivers activity to an explicit recipient set,
// coalescing targeted deliveries that share an inbox origin.
func (d *Dispatcher) DispatchToRecipients(ctx context.Context, senderDID string, activity *atproto.Activity, recipients []Recipient) {
	d.enqueueAll(senderDID, activity, coalesce(recipients))
}

// DispatchToFollowers expands senderDID's follower set from Store and
// delivers to it, coalescing by shared inbox the same way.
func (d *Dispatcher) DispatchToFollowers(ctx context.Context, senderDID string, activity *atproto.Activity) {
	follows, err := d.store.AllFollowersWithSharedInbox(senderDID)
	if err != nil {
		slog.Error("dispatch: list followers failed", "sender", senderDID, "err", err)
		return
	}
	recipients := make([]Recipient, 0, len(follows))
	for _, f := range follows {
		recipients = append(recipients, Recipient{ActorID: f.ActorURI, Inbox: f.ActorInbox, SharedInbox: f.ActorSharedInbox})
	}
	d.enqueueAll(senderDID, activity, coalesce(recipients))
}

// coalesce picks one inbox URL per recipient: the shared inbox when
// present (deduplicated by origin, so only one delivery per origin), the
// per-actor inbox otherwise (deduplicated by actor id).
func coalesce(recipients []Recipient) []string {
	seenOrigin := make(map[string]bool)
	seenActor := make(map[string]bool)
	var inboxes []string
	for _, r := range recipients {
		if r.SharedInbox != "" {
			origin := originOf(r.SharedInbox)
			if seenOrigin[origin] {
				continue
			}
			seenOrigin[origin] = true
			inboxes = append(inboxes, r.SharedInbox)
			continue
		}
		if r.ActorID != "" {
			if seenActor[r.ActorID] {
				continue
			}
			seenActor[r.ActorID] = true
		}
		if r.Inbox != "" {
			inboxes = append(inboxes, r.Inbox)
		}
	}
	return inboxes
}

func originOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx == -1 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		return rawURL[:idx+3+slash]
	}
	return rawURL
}

func (d *Dispatcher) enqueueAll(senderDID string, activity *atproto.Activity, inboxes []string) {
	body, err := json.Marshal(atproto.WithContext(activity))
	if err != nil {
		slog.Error("dispatch: marshal activity failed", "err", err)
		return
	}
	for _, inbox := range inboxes {
		kind := model.RecipientActor
		item := model.OutboundQueueItem{
			ActivityID:    activity.ID,
			RecipientKind: kind,
			RecipientURL:  inbox,
			ActorID:       senderDID,
			Body:          body,
			NextAttemptAt: time.Now(),
			CreatedAt:     time.Now(),
		}
		if _, err := d.store.EnqueueDelivery(item); err != nil {
			slog.Error("dispatch: enqueue failed", "inbox", inbox, "err", err)
		}
	}
}

// Run polls the durable queue for due deliveries and attempts them,
// bounded to dispatchConcurrency in flight at once. Blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainDue(ctx)
		}
	}
}

func (d *Dispatcher) drainDue(ctx context.Context) {
	items, err := d.store.DueDeliveries(time.Now(), dispatchConcurrency*4)
	if err != nil {
		slog.Error("dispatch: list due deliveries failed", "err", err)
		return
	}
	// Hash work items into per-(sender, recipient) buckets; each bucket is
	// attempted sequentially in due order, so within one drain a Create is
	// sent before a later Delete queued for the same inbox. A failed item
	// is rescheduled on its backoff and does not hold back the later items
	// in its bucket, which can then be delivered ahead of it. Different
	// buckets run concurrently, bounded by sem.
	var wg sync.WaitGroup
	for _, bucket := range bucketByRecipient(items) {
		bucket := bucket
		d.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-d.sem; wg.Done() }()
			for _, item := range bucket {
				d.attempt(ctx, item)
			}
		}()
	}
	wg.Wait()
}

// bucketByRecipient groups due items by (sender, recipient) pair,
// preserving each bucket's relative order from the oldest-due-first input
// so retries inside a bucket stay FIFO.
func bucketByRecipient(items []model.OutboundQueueItem) [][]model.OutboundQueueItem {
	var order []string
	byKey := make(map[string][]model.OutboundQueueItem)
	for _, item := range items {
		key := item.ActorID + "|" + item.RecipientURL
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], item)
	}
	buckets := make([][]model.OutboundQueueItem, 0, len(order))
	for _, key := range order {
		buckets = append(buckets, byKey[key])
	}
	return buckets
}

func (d *Dispatcher) attempt(ctx context.Context, item model.OutboundQueueItem) {
	keyID, key, ok := d.keys.SigningKey(item.ActorID)
	if !ok {
		slog.Error("dispatch: no signing key for sender, dropping", "sender", item.ActorID)
		_ = d.store.DeleteDelivery(item.ID)
		return
	}

	var activity map[string]interface{}
	if err := json.Unmarshal(item.Body, &activity); err != nil {
		slog.Error("dispatch: stored activity body is invalid, dropping", "id", item.ID, "err", err)
		_ = d.store.DeleteDelivery(item.ID)
		return
	}

	err := atproto.DeliverActivity(ctx, item.RecipientURL, activity, keyID, key)
	if err == nil {
		_ = d.store.DeleteDelivery(item.ID)
		return
	}

	slog.Warn("dispatch: delivery failed", "inbox", item.RecipientURL, "attempt", item.Attempt, "err", err)
	if item.Attempt >= len(retrySchedule) {
		slog.Warn("dispatch: retry schedule exhausted, dropping", "id", item.ID, "inbox", item.RecipientURL)
		_ = d.store.DeleteDelivery(item.ID)
		return
	}
	next := time.Now().Add(retrySchedule[item.Attempt])
	if err := d.store.RescheduleDelivery(item.ID, item.Attempt+1, next, err.Error()); err != nil {
		slog.Error("dispatch: reschedule failed", "id", item.ID, "err", err)
	}
}
