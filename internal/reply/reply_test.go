package reply

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/dispatch"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/store"
)

func TestHTMLEscapeText(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; &amp; c", htmlEscapeText("a <b> & c"))
	assert.Equal(t, "plain", htmlEscapeText("plain"))
}

func TestBacklinkClientGetBacklinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/app.bsky.feed.post/getBacklinks", r.URL.Path)
		assert.Equal(t, "at://did:plc:parent/app.bsky.feed.post/abc", r.URL.Query().Get("subject"))
		assert.Equal(t, "reply.parent.uri", r.URL.Query().Get("source"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(atproto.GetBacklinksResponse{
			Links: []atproto.BacklinkRef{
				{DID: "did:plc:replier", Collection: "app.bsky.feed.post", RKey: "xyz"},
			},
		})
	}))
	defer srv.Close()

	client := NewBacklinkClient(srv.URL)
	resp, err := client.GetBacklinks(context.Background(), "at://did:plc:parent/app.bsky.feed.post/abc", "app.bsky.feed.post", "reply.parent.uri", 50, "")
	require.NoError(t, err)
	require.Len(t, resp.Links, 1)
	assert.Equal(t, "did:plc:replier", resp.Links[0].DID)
}

func TestBacklinkClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewBacklinkClient(srv.URL)
	_, err := client.GetBacklinks(context.Background(), "at://did:plc:parent/app.bsky.feed.post/abc", "app.bsky.feed.post", "reply.parent.uri", 50, "")
	assert.Error(t, err)
}

type fakeAppView struct {
	records map[string]atproto.FeedPost
}

func (f *fakeAppView) GetRecord(ctx context.Context, repo, collection, rkey string) (*atproto.GetRecordResponse, error) {
	atURI := atproto.BuildATUri(repo, collection, rkey)
	post, ok := f.records[atURI]
	if !ok {
		return nil, assert.AnError
	}
	raw, _ := json.Marshal(post)
	return &atproto.GetRecordResponse{URI: atURI, Value: raw}, nil
}

type fakeBluesky struct{ did string }

func (f *fakeBluesky) DID() string { return f.did }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func TestProcessorPollOnceBridgesNewReply(t *testing.T) {
	st := openTestStore(t)

	parentATUri := "at://did:plc:parent/app.bsky.feed.post/abc"
	require.NoError(t, st.AddMonitoredPost(model.MonitoredPost{
		ATUri:     parentATUri,
		AuthorDID: "did:plc:parent",
		CreatedAt: time.Now(),
	}))
	require.NoError(t, st.AddPostMapping(model.PostMapping{
		ATUri:        parentATUri,
		APNoteID:     "https://mastodon.example/notes/1",
		APActorID:    "https://mastodon.example/users/alice",
		APActorInbox: "https://mastodon.example/users/alice/inbox",
		CreatedAt:    time.Now(),
	}))

	replyATUri := "at://did:plc:replier/app.bsky.feed.post/xyz"
	backlinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(atproto.GetBacklinksResponse{
			Links: []atproto.BacklinkRef{{DID: "did:plc:replier", Collection: "app.bsky.feed.post", RKey: "xyz"}},
		})
	}))
	defer backlinkSrv.Close()

	appView := &fakeAppView{records: map[string]atproto.FeedPost{
		replyATUri: {Text: "hello parent", CreatedAt: "2026-01-01T00:00:00Z"},
	}}

	p := &Processor{
		Store:       st,
		Backlinks:   NewBacklinkClient(backlinkSrv.URL),
		AppView:     appView,
		Bluesky:     &fakeBluesky{did: "did:plc:bridge"},
		Dispatch:    dispatch.New(st, noopKeys{}),
		LocalDomain: "https://bridge.example.com",
		ActorURI:    func(did string) string { return "https://bridge.example.com/users/" + did },
	}

	p.pollOnce(context.Background())

	assert.True(t, st.ExternalReplyExists(replyATUri))

	posts, err := st.ListMonitoredPostsOldestFirst(10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.NotNil(t, posts[0].LastChecked)
}

func TestProcessorPollOnceSkipsAlreadyIngestedReply(t *testing.T) {
	st := openTestStore(t)

	parentATUri := "at://did:plc:parent/app.bsky.feed.post/abc"
	require.NoError(t, st.AddMonitoredPost(model.MonitoredPost{ATUri: parentATUri, AuthorDID: "did:plc:parent", CreatedAt: time.Now()}))

	replyATUri := "at://did:plc:replier/app.bsky.feed.post/xyz"
	require.NoError(t, st.AddExternalReply(model.ExternalReply{
		ATUri:       replyATUri,
		ParentATUri: parentATUri,
		AuthorDID:   "did:plc:replier",
		APNoteID:    "https://bridge.example.com/notes/xyz",
		CreatedAt:   time.Now(),
	}))

	calls := 0
	backlinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(atproto.GetBacklinksResponse{
			Links: []atproto.BacklinkRef{{DID: "did:plc:replier", Collection: "app.bsky.feed.post", RKey: "xyz"}},
		})
	}))
	defer backlinkSrv.Close()

	p := &Processor{
		Store:       st,
		Backlinks:   NewBacklinkClient(backlinkSrv.URL),
		AppView:     &fakeAppView{},
		Bluesky:     &fakeBluesky{did: "did:plc:bridge"},
		Dispatch:    dispatch.New(st, noopKeys{}),
		LocalDomain: "https://bridge.example.com",
		ActorURI:    func(did string) string { return "https://bridge.example.com/users/" + did },
	}

	p.pollOnce(context.Background())
	assert.Equal(t, 1, calls, "backlink source should still be polled")
}

type noopKeys struct{}

func (noopKeys) SigningKey(senderDID string) (string, *rsa.PrivateKey, bool) { return "", nil, false }
