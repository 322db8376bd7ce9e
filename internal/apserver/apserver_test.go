package apserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/atbridge/internal/actor"
	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/convert"
	"github.com/klppl/atbridge/internal/dispatch"
	"github.com/klppl/atbridge/internal/inbox"
	"github.com/klppl/atbridge/internal/store"
)

const testDID = "did:plc:alice"

type fakeDispatcher struct{}

func (fakeDispatcher) DispatchToRecipients(ctx context.Context, senderDID string, activity *atproto.Activity, recipients []dispatch.Recipient) {
}

type fakeMastodon struct{}

func (fakeMastodon) DID() string { return "did:plc:mastodon-bridge" }
func (fakeMastodon) CreateRecord(ctx context.Context, req atproto.CreateRecordRequest) (*atproto.CreateRecordResponse, error) {
	return &atproto.CreateRecordResponse{}, nil
}
func (fakeMastodon) DeleteRecord(ctx context.Context, repo, collection, rkey string) error { return nil }

// newTestServer wires a Server against an in-memory Store and a fake PDS
// that serves a single profile record and a single post record.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	fakePDS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "getRecord"):
			collection := r.URL.Query().Get("collection")
			rkey := r.URL.Query().Get("rkey")
			switch collection {
			case "app.bsky.actor.profile":
				_ = json.NewEncoder(w).Encode(atproto.GetRecordResponse{
					URI:   "at://" + testDID + "/app.bsky.actor.profile/self",
					Value: json.RawMessage(`{"displayName":"Alice","description":"hello"}`),
				})
			case "app.bsky.feed.post":
				_ = json.NewEncoder(w).Encode(atproto.GetRecordResponse{
					URI:   "at://" + testDID + "/app.bsky.feed.post/" + rkey,
					Value: json.RawMessage(`{"text":"hello world","createdAt":"2026-01-01T00:00:00Z"}`),
				})
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		case strings.Contains(r.URL.Path, "resolveHandle"):
			_ = json.NewEncoder(w).Encode(map[string]string{"did": testDID})
		case strings.Contains(r.URL.Path, "listRepos"):
			_ = json.NewEncoder(w).Encode(atproto.ListReposResponse{Repos: []atproto.RepoInfo{{DID: testDID}}})
		case strings.Contains(r.URL.Path, "listRecords"):
			_ = json.NewEncoder(w).Encode(atproto.ListRecordsResponse{})
		case strings.Contains(r.URL.Path, "getBlob"):
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("fake-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(fakePDS.Close)

	pds := atproto.NewPDSClient(fakePDS.URL, "bridge.handle", "app-password")

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	actors := &actor.Dispatcher{
		Store:       st,
		PDS:         pds,
		LocalDomain: "https://bridge.example.com",
		Hostname:    "bridge.example.com",
		MastodonDID: "did:plc:mastodon-bridge",
	}
	registry := convert.NewRegistry()
	engine := &inbox.Engine{
		Store:       st,
		Registry:    registry,
		Dispatch:    fakeDispatcher{},
		Mastodon:    fakeMastodon{},
		LocalDomain: "https://bridge.example.com",
		ActorURI:    actors.ActorURI,
		KeyID:       func(did string) string { return actors.ActorURI(did) + "#main-key" },
	}

	cfg := Config{Port: "0", LocalDomain: "https://bridge.example.com", Hostname: "bridge.example.com"}
	srv := New(cfg, st, pds, actors, registry, engine)
	return srv, fakePDS
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHandleActor(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users/"+testDID, nil)
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Person", got["type"])
	assert.Equal(t, "Alice", got["name"])
}

func TestHandleActorRejectsMastodonBridge(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users/did:plc:mastodon-bridge", nil)
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleWebFinger(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:alice@bridge.example.com", nil)
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://bridge.example.com/users/"+testDID)
}

func TestHandleWebFingerWrongHost(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:alice@other.example.com", nil)
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleNodeInfo(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodeinfo/2.1", nil)
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"atbridge"`)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestHandlePost(t *testing.T) {
	srv, _ := newTestServer(t)
	atURI := "at://" + testDID + "/app.bsky.feed.post/abc123"
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/posts/"+url.PathEscape(atURI), nil)
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello world")
}

func TestHandleBlob(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/blob/"+testDID+"/bafyabc", nil)
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake-bytes", rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestHandleInboxAcceptsWithoutSignatureWhenNotRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"id":"https://remote.example/activities/1","type":"Follow","actor":"https://remote.example/users/bob","object":"https://bridge.example.com/users/` + testDID + `"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(body))
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleInboxRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader("not json"))
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
