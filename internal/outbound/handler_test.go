package outbound

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

	"github.com/klppl/atbridge/internal/atproto"
	"github.com/klppl/atbridge/internal/convert"
	"github.com/klppl/atbridge/internal/dispatch"
	"github.com/klppl/atbridge/internal/model"
	"github.com/klppl/atbridge/internal/testutil"
)

const repoDID = "did:plc:alice"

type recordedDispatch struct {
	toFollowers []*atproto.Activity
	recipients  []dispatch.Recipient
}

func (r *recordedDispatch) DispatchToRecipients(ctx context.Context, senderDID string, activity *atproto.Activity, recipients []dispatch.Recipient) {
	r.recipients = append(r.recipients, recipients...)
}

func (r *recordedDispatch) DispatchToFollowers(ctx context.Context, senderDID string, activity *atproto.Activity) {
	r.toFollowers = append(r.toFollowers, activity)
}

func TestHandleCreatePostDispatchesToFollowers(t *testing.T) {
	fakePDS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(atproto.GetRecordResponse{
			URI:   testutil.ATURI(repoDID, "app.bsky.feed.post", "k1"),
			Value: json.RawMessage(`{"text":"hi","createdAt":"2026-01-01T00:00:00Z"}`),
		})
	}))
	defer fakePDS.Close()

	st := testutil.NewStore(t)
	pds := atproto.NewPDSClient(fakePDS.URL, "bridge.handle", "app-password")

	dispatcher := &recordedDispatch{}
	h := &Handler{
		PDS:         pds,
		Store:       st,
		Registry:    convert.NewRegistry(),
		Dispatch:    dispatcher,
		LocalDomain: "https://bridge.example.com",
		ActorURI:    func(did string) string { return "https://bridge.example.com/users/" + did },
		IsLocalDID:  func(did string) bool { return did == repoDID },
	}

	h.HandleCreate(context.Background(), repoDID, "app.bsky.feed.post", "k1")

	require.Len(t, dispatcher.toFollowers, 1)
	assert.Equal(t, "Create", dispatcher.toFollowers[0].Type)

	monitored, err := st.ListMonitoredPostsOldestFirst(10)
	require.NoError(t, err)
	require.Len(t, monitored, 1)
	assert.Equal(t, testutil.ATURI(repoDID, "app.bsky.feed.post", "k1"), monitored[0].ATUri)
}

func TestHandleCreateReplyAlsoDispatchesToMappedParentInbox(t *testing.T) {
	parentAtURI := testutil.ATURI(repoDID, "app.bsky.feed.post", "parent")
	replyAtURI := testutil.ATURI(repoDID, "app.bsky.feed.post", "k2")

	fakePDS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := `{"text":"reply","createdAt":"2026-01-01T00:00:00Z","reply":{"root":{"uri":"` + parentAtURI + `"},"parent":{"uri":"` + parentAtURI + `"}}}`
		_ = json.NewEncoder(w).Encode(atproto.GetRecordResponse{URI: replyAtURI, Value: json.RawMessage(body)})
	}))
	defer fakePDS.Close()

	st := testutil.NewStore(t)
	require.NoError(t, st.AddPostMapping(model.PostMapping{
		ATUri:        parentAtURI,
		APNoteID:     "https://remote.example/notes/1",
		APActorID:    "https://remote.example/users/bob",
		APActorInbox: "https://remote.example/users/bob/inbox",
	}))

	pds := atproto.NewPDSClient(fakePDS.URL, "bridge.handle", "app-password")
	dispatcher := &recordedDispatch{}
	h := &Handler{
		PDS:         pds,
		Store:       st,
		Registry:    convert.NewRegistry(),
		Dispatch:    dispatcher,
		LocalDomain: "https://bridge.example.com",
		ActorURI:    func(did string) string { return "https://bridge.example.com/users/" + did },
		IsLocalDID:  func(did string) bool { return did == repoDID },
	}

	h.HandleCreate(context.Background(), repoDID, "app.bsky.feed.post", "k2")

	require.Len(t, dispatcher.recipients, 1)
	assert.Equal(t, "https://remote.example/users/bob/inbox", dispatcher.recipients[0].Inbox)
}

func TestHandleDeletePostSynthesizesDeleteActivity(t *testing.T) {
	st := testutil.NewStore(t)
	dispatcher := &recordedDispatch{}
	h := &Handler{
		Store:       st,
		Registry:    convert.NewRegistry(),
		Dispatch:    dispatcher,
		LocalDomain: "https://bridge.example.com",
		ActorURI:    func(did string) string { return "https://bridge.example.com/users/" + did },
	}

	h.HandleDelete(context.Background(), repoDID, "app.bsky.feed.post", "k1")

	require.Len(t, dispatcher.toFollowers, 1)
	got := dispatcher.toFollowers[0]
	assert.Equal(t, "Delete", got.Type)
	assert.True(t, strings.Contains(got.ID, "#delete-"))
	wantObject := "https://bridge.example.com/posts/" + url.PathEscape(testutil.ATURI(repoDID, "app.bsky.feed.post", "k1"))
	assert.Equal(t, wantObject, got.Object)
}

func TestHandleDeleteLikeSynthesizesUndoActivity(t *testing.T) {
	st := testutil.NewStore(t)
	dispatcher := &recordedDispatch{}
	h := &Handler{
		Store:       st,
		Registry:    convert.NewRegistry(),
		Dispatch:    dispatcher,
		LocalDomain: "https://bridge.example.com",
		ActorURI:    func(did string) string { return "https://bridge.example.com/users/" + did },
	}

	h.HandleDelete(context.Background(), repoDID, "app.bsky.feed.like", "k1")

	require.Len(t, dispatcher.toFollowers, 1)
	assert.Equal(t, "Undo", dispatcher.toFollowers[0].Type)
}
