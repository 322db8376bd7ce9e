// Package apserver implements the bridge's HTTP surface: ActivityPub actor,
// inbox, outbox, and follower/following collection endpoints; WebFinger and
// NodeInfo discovery; blob proxying; and post resolution.
package apserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/atbridge/internal/actor"
	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/convert"
	"github.com/klppl/atbridge/internal/errs"
	"github.com/klppl/atbridge/internal/inbox"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/store"
)

const (
	activityJSONType = `application/activity+json`

	// maxConcurrentActivities is the total inbox concurrency cap.
	maxConcurrentActivities = 50
	// maxPerOriginConcurrency caps concurrent inbox activity from one origin.
	maxPerOriginConcurrency = 5

	followersPageSize = 50
	outboxPageSize    = 20
	softwareName      = "atbridge"
	softwareVersion   = "0.1.0"
)

// inboxLimiter is a per-origin concurrent-activity counter, grounded on the
// teacher's server.go pattern of the same name.
type inboxLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInboxLimiter() *inboxLimiter { return &inboxLimiter{counts: make(map[string]int)} }

func (l *inboxLimiter) acquire(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= maxPerOriginConcurrency {
		return false
	}
	l.counts[origin]++
	return true
}

func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] > 0 {
		l.counts[origin]--
	}
	if l.counts[origin] == 0 {
		delete(l.counts, origin)
	}
}

// Config carries the externally-visible identity and listen address; the
// bulk of configuration (PDS credentials, DB location, etc.) is resolved
// upstream by internal/config and fed into the collaborators below.
type Config struct {
	Port        string
	LocalDomain string // e.g. "https://bridge.example.com", no trailing slash
	Hostname    string // bare host, used for WebFinger acct matching
	SignFetch   bool   // require a verified HTTP Signature on inbound activities
}

// Server is the bridge's HTTP surface.
type Server struct {
	cfg      Config
	store    *store.Store
	pds      *atproto.PDSClient
	actors   *actor.Dispatcher
	registry *convert.Registry
	inbox    *inbox.Engine

	router       *chi.Mux
	inboxSem     chan struct{}
	inboxLimiter *inboxLimiter
}

// New builds the router and wires all handlers.
func New(cfg Config, st *store.Store, pds *atproto.PDSClient, actors *actor.Dispatcher, registry *convert.Registry, inboxEngine *inbox.Engine) *Server {
	s := &Server{
		cfg:          cfg,
		store:        st,
		pds:          pds,
		actors:       actors,
		registry:     registry,
		inbox:        inboxEngine,
		inboxSem:     make(chan struct{}, maxConcurrentActivities),
		inboxLimiter: newInboxLimiter(),
	}
	s.router = s.buildRouter()
	return s
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	r.Get("/nodeinfo/{version}", s.handleNodeInfo)

	r.Get("/users/{did}", s.handleActor)
	r.Get("/users/{did}/followers", s.handleFollowers)
	r.Get("/users/{did}/following", s.handleFollowing)
	r.Get("/users/{did}/outbox", s.handleOutbox)
	r.Post("/users/{did}/inbox", s.handleInbox)
	r.Post("/inbox", s.handleInbox)

	r.Get("/posts/{atUri}", s.handlePost)
	r.Get("/blob/{did}/{cid}", s.handleBlob)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "atbridge - an ATProto <-> ActivityPub federation bridge.\nRunning on %s\n", s.cfg.LocalDomain)
	})

	return r
}

// ─── Actor, collections, outbox ────────────────────────────────────────────

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	a, err := s.actors.Dispatch(r.Context(), did)
	if err != nil {
		writeErrStatus(w, err)
		return
	}
	apResponse(w, atproto.WithContext(a))
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	actorURI := s.actors.ActorURI(did)
	collectionID := actorURI + "/followers"

	cursor := r.URL.Query().Get("cursor")
	if cursor == "" && r.URL.Query().Get("page") != "true" {
		count, _ := s.countFollowers(did)
		apResponse(w, atproto.OrderedCollection{
			Context:    atproto.DefaultContext,
			ID:         collectionID,
			Type:       "OrderedCollection",
			TotalItems: count,
			First:      collectionID + "?page=true",
		})
		return
	}

	page, err := s.store.ListFollowers(did, model.Cursor(cursor), followersPageSize)
	if err != nil {
		slog.Error("apserver: list followers failed", "did", did, "err", err)
		page = model.Page[model.Follow]{}
	}
	items := make([]interface{}, 0, len(page.Items))
	for _, f := range page.Items {
		items = append(items, f.ActorURI)
	}
	next := ""
	if page.NextCursor != "" {
		next = collectionID + "?page=true&cursor=" + url.QueryEscape(page.NextCursor)
	}
	apResponse(w, atproto.OrderedCollection{
		Context:      atproto.DefaultContext,
		ID:           collectionID + "?page=true",
		Type:         "OrderedCollectionPage",
		OrderedItems: items,
		Next:         next,
	})
}

func (s *Server) countFollowers(did string) (int, error) {
	all, err := s.store.AllFollowersWithSharedInbox(did)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// handleFollowing always reports an empty collection: this bridge does not
// track outbound AP follow-subscriptions initiated from the ATProto side,
// only inbound Follows of local actors (tracked in Follow, served above).
func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	actorURI := s.actors.ActorURI(did)
	apResponse(w, atproto.OrderedCollection{
		Context:      atproto.DefaultContext,
		ID:           actorURI + "/following",
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []interface{}{},
	})
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	actorURI := s.actors.ActorURI(did)
	outboxURL := actorURI + "/outbox"

	if r.URL.Query().Get("page") != "true" {
		apResponse(w, map[string]interface{}{
			"@context": atproto.DefaultContext,
			"id":       outboxURL,
			"type":     "OrderedCollection",
			"first":    outboxURL + "?page=true",
		})
		return
	}

	resp, err := s.pds.ListRecords(r.Context(), did, "app.bsky.feed.post", outboxPageSize, r.URL.Query().Get("cursor"))
	if err != nil {
		slog.Warn("apserver: list outbox records failed", "did", did, "err", err)
		apResponse(w, map[string]interface{}{
			"@context":     atproto.DefaultContext,
			"id":           outboxURL + "?page=true",
			"type":         "OrderedCollectionPage",
			"partOf":       outboxURL,
			"orderedItems": []interface{}{},
		})
		return
	}

	items := make([]interface{}, 0, len(resp.Records))
	for _, rec := range resp.Records {
		items = append(items, map[string]interface{}{
			"type":   "Create",
			"id":     s.cfg.LocalDomain + "/posts/" + url.PathEscape(rec.URI) + "#create",
			"actor":  actorURI,
			"object": s.cfg.LocalDomain + "/posts/" + url.PathEscape(rec.URI),
			"to":     []string{atproto.PublicURI},
		})
	}
	next := ""
	if resp.Cursor != "" {
		next = outboxURL + "?page=true&cursor=" + url.QueryEscape(resp.Cursor)
	}
	apResponse(w, map[string]interface{}{
		"@context":     atproto.DefaultContext,
		"id":           outboxURL + "?page=true",
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURL,
		"orderedItems": items,
		"next":         next,
	})
}

// ─── Post resolution, blobs ─────────────────────────────────────────────────

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	encoded := chi.URLParam(r, "atUri")
	atURI, err := url.PathUnescape(encoded)
	if err != nil {
		http.Error(w, "invalid atUri", http.StatusBadRequest)
		return
	}
	did := atproto.RepoFromURI(atURI)
	collection := atproto.CollectionFromURI(atURI)
	rkey := atproto.RKeyFromURI(atURI)
	if did == "" || collection == "" || rkey == "" {
		http.Error(w, "invalid atUri", http.StatusBadRequest)
		return
	}

	converter := s.registry.For(collection)
	if converter == nil {
		http.NotFound(w, r)
		return
	}

	rec, err := s.pds.GetRecord(r.Context(), did, collection, rkey)
	if err != nil {
		writeErrStatus(w, errs.Wrap(errs.NotFound, "fetch record", err))
		return
	}

	env := &convert.Env{
		PDS:         s.pds,
		Store:       s.store,
		LocalDomain: s.cfg.LocalDomain,
		IsLocalDID:  s.actors.IsLocal,
		ActorURI:    s.actors.ActorURI,
	}
	result, err := converter.ToActivityPub(r.Context(), did, atURI, rec.Value, env)
	if err != nil {
		writeErrStatus(w, err)
		return
	}
	if result == nil || result.Activity == nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, atproto.WithContext(result.Activity.Object))
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	cid := chi.URLParam(r, "cid")
	body, contentType, err := s.pds.GetBlob(r.Context(), did, cid)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer body.Close()
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	io.Copy(w, body)
}

// ─── Inbox ──────────────────────────────────────────────────────────────────

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SignFetch {
		if _, err := atproto.VerifySignature(r); err != nil {
			slog.Warn("apserver: invalid HTTP signature", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var probe atproto.IncomingActivity
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}

	origin := actorOrigin(body, r.RemoteAddr)
	if !s.inboxLimiter.acquire(origin) {
		slog.Warn("apserver: per-origin inbox rate limit exceeded", "origin", origin)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	select {
	case s.inboxSem <- struct{}{}:
	default:
		s.inboxLimiter.release(origin)
		http.Error(w, "inbox overloaded", http.StatusServiceUnavailable)
		return
	}

	go func() {
		defer s.inboxLimiter.release(origin)
		defer func() { <-s.inboxSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.inbox.Handle(ctx, json.RawMessage(body)); err != nil {
			slog.Warn("apserver: failed to handle inbound activity", "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func actorOrigin(body []byte, remoteAddr string) string {
	var a struct {
		Actor string `json:"actor"`
	}
	if json.Unmarshal(body, &a) == nil && a.Actor != "" {
		if u, err := url.Parse(a.Actor); err == nil && u.Host != "" {
			return u.Host
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ─── Discovery ──────────────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}
	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 || parts[1] != s.cfg.Hostname {
		http.NotFound(w, r)
		return
	}

	did, ok := s.actors.ResolveHandle(r.Context(), parts[0])
	if !ok {
		http.NotFound(w, r)
		return
	}
	actorURI := s.actors.ActorURI(did)

	resp := atproto.WebFingerResponse{
		Subject: resource,
		Aliases: []string{actorURI},
		Links: []atproto.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: actorURI},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	cacheHeaders(w, 3600)
	jsonResponse(w, map[string]interface{}{
		"links": []map[string]string{
			{"rel": "http://nodeinfo.diaspora.software/ns/schema/2.1", "href": s.cfg.LocalDomain + "/nodeinfo/2.1"},
		},
	}, http.StatusOK)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	total := 0
	if resp, err := s.pds.ListRepos(r.Context(), "", 100); err == nil {
		total = len(resp.Repos)
	}

	info := atproto.NodeInfo{
		Version:  "2.1",
		Software: atproto.NodeInfoSoftware{Name: softwareName, Version: softwareVersion},
		Protocols: []string{"activitypub"},
		Usage:     atproto.NodeInfoUsage{Users: atproto.NodeInfoUsers{Total: total}},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// ─── Response helpers, middleware ──────────────────────────────────────────

func writeErrStatus(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.NotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case errs.Auth:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errs.Permanent:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("apserver: failed to encode AP response", "err", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("apserver: failed to encode JSON response", "err", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", wrapped.status, "duration", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }
