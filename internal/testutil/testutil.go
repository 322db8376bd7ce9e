// Package testutil provides in-process fixtures shared by the integration
// tests exercising the end-to-end scenarios: an in-memory Store, a mock
// ActivityPub peer standing in for a remote Mastodon-style server, and a
// mock backlink source standing in for Constellation.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klppl/atbridge/internal/store"
)

// NewStore opens a fresh in-memory Store, migrates it, and registers
// cleanup with t.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// ReceivedActivity records one POST delivered to the mock peer's inbox.
type ReceivedActivity struct {
	Path    string
	Headers http.Header
	Body    map[string]interface{}
}

// MockAPPeer is an in-process stand-in for a remote ActivityPub server. It
// serves a single actor document (with a real RSA key, so HTTP Signature
// verification round-trips against it) and records every activity POSTed
// to its inbox.
type MockAPPeer struct {
	Server *httptest.Server

	actorID  string
	username string
	privKey  *rsa.PrivateKey
	pubPEM   string

	mu       sync.Mutex
	received []ReceivedActivity
}

// NewMockAPPeer starts a mock peer server. username is the actor's
// preferredUsername (e.g. "bob"); the actor id and inbox are derived from
// the server's own URL once it starts listening.
func NewMockAPPeer(t *testing.T, username string) *MockAPPeer {
	t.Helper()

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	peer := &MockAPPeer{username: username, privKey: privKey, pubPEM: pubPEM}

	mux := http.NewServeMux()
	mux.HandleFunc("/users/"+username, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":                peer.actorID,
			"type":              "Person",
			"preferredUsername": username,
			"inbox":             peer.actorID + "/inbox",
			"publicKey": map[string]string{
				"id":           peer.actorID + "#main-key",
				"owner":        peer.actorID,
				"publicKeyPem": pubPEM,
			},
		})
	})
	mux.HandleFunc("/users/"+username+"/inbox", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		peer.mu.Lock()
		peer.received = append(peer.received, ReceivedActivity{Path: r.URL.Path, Headers: r.Header.Clone(), Body: body})
		peer.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	peer.Server = httptest.NewServer(mux)
	t.Cleanup(peer.Server.Close)
	peer.actorID = peer.Server.URL + "/users/" + username
	return peer
}

// ActorID returns the peer's AP actor id (usable as Follow.actor, etc).
func (p *MockAPPeer) ActorID() string { return p.actorID }

// InboxURL returns the peer's inbox URL.
func (p *MockAPPeer) InboxURL() string { return p.actorID + "/inbox" }

// Received returns a snapshot of every activity POSTed to the inbox so far.
func (p *MockAPPeer) Received() []ReceivedActivity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ReceivedActivity, len(p.received))
	copy(out, p.received)
	return out
}

// BacklinkRecord is one fixture entry served by MockBacklinkSource.
type BacklinkRecord struct {
	Subject string // the parent atUri being queried for backlinks
	URI     string // the backlinking record's atUri
	CID     string
}

// MockBacklinkSource is an in-process stand-in for a Constellation-style
// getBacklinks endpoint: it serves whatever records have been registered
// for a given subject atUri.
type MockBacklinkSource struct {
	Server *httptest.Server

	mu     sync.Mutex
	bySubj map[string][]BacklinkRecord
}

// NewMockBacklinkSource starts a mock backlink source with no fixtures
// registered; call Seed to add them before use.
func NewMockBacklinkSource(t *testing.T) *MockBacklinkSource {
	t.Helper()
	src := &MockBacklinkSource{bySubj: make(map[string][]BacklinkRecord)}

	src.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.URL.Query().Get("subject")
		src.mu.Lock()
		records := src.bySubj[subject]
		src.mu.Unlock()

		links := make([]map[string]string, 0, len(records))
		for _, rec := range records {
			parts := strings.SplitN(strings.TrimPrefix(rec.URI, "at://"), "/", 3)
			if len(parts) != 3 {
				continue
			}
			links = append(links, map[string]string{"did": parts[0], "collection": parts[1], "rkey": parts[2]})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"links": links})
	}))
	t.Cleanup(src.Server.Close)
	return src
}

// Seed registers backlink fixture records for a given parent subject atUri.
func (s *MockBacklinkSource) Seed(subject string, records ...BacklinkRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySubj[subject] = append(s.bySubj[subject], records...)
}

// URL returns the mock source's base URL, suitable for
// reply.NewBacklinkClient.
func (s *MockBacklinkSource) URL() string { return s.Server.URL }

// ATURI builds a synthetic at:// URI for test fixtures.
func ATURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}
