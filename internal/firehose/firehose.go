// Package firehose subscribes to a PDS's com.atproto.sync.subscribeRepos
// WebSocket stream and turns create/delete commit ops into dispatcher work.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/klppl/atbridge/internal/convert"
)

const reconnectDelay = 5 * time.Second

// frameHeader is the first CBOR item in every subscribeRepos frame.
type frameHeader struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t"`
}

// commitBody is the second CBOR item of an op=1, t="#commit" frame.
type commitBody struct {
	Repo string      `cbor:"repo"`
	Ops  []commitOp  `cbor:"ops"`
	Seq  int64       `cbor:"seq"`
	Rev  string      `cbor:"rev"`
	Time string      `cbor:"time"`
}

type commitOp struct {
	Action string  `cbor:"action"`
	Path   string  `cbor:"path"`
	CID    *string `cbor:"cid"`
}

// Handler is invoked once per accepted commit op, already split into
// collection/rkey with the converter resolved.
type Handler interface {
	HandleCreate(ctx context.Context, repo, collection, rkey string)
	HandleDelete(ctx context.Context, repo, collection, rkey string)
}

// Ingester maintains the single long-lived firehose subscription.
type Ingester struct {
	pdsURL        string
	excludeDIDs   map[string]bool
	registry      *convert.Registry
	handler       Handler
	cursor        int64 // seq to resume from; 0 means live tail
}

// New builds an Ingester. excludeDIDs lists the bridge's own account DIDs so
// their own writes never loop back in as inbound activity.
func New(pdsURL string, excludeDIDs []string, registry *convert.Registry, handler Handler, cursor int64) *Ingester {
	ex := make(map[string]bool, len(excludeDIDs))
	for _, d := range excludeDIDs {
		ex[d] = true
	}
	return &Ingester{
		pdsURL:      strings.TrimRight(pdsURL, "/"),
		excludeDIDs: ex,
		registry:    registry,
		handler:     handler,
		cursor:      cursor,
	}
}

// Run blocks until ctx is cancelled, reconnecting on every drop after a
// fixed 5s delay — the only recovery strategy, grounded on the teacher's
// relay reconnect loop.
func (ig *Ingester) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := ig.runOnce(ctx); err != nil {
			slog.Error("firehose connection error", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
			slog.Info("reconnecting to firehose")
		}
	}
}

func (ig *Ingester) subscribeURL() string {
	u := ig.pdsURL
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	endpoint := u + "/xrpc/com.atproto.sync.subscribeRepos"
	if ig.cursor > 0 {
		endpoint += "?cursor=" + fmt.Sprint(ig.cursor)
	}
	return endpoint
}

func (ig *Ingester) runOnce(ctx context.Context) error {
	endpoint := ig.subscribeURL()
	if _, err := url.Parse(endpoint); err != nil {
		return fmt.Errorf("parse firehose url: %w", err)
	}

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	slog.Info("firehose subscription established", "url", endpoint)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read firehose frame: %w", err)
		}
		ig.handleFrame(ctx, data)
	}
}

// handleFrame decodes one CBOR-encoded {header, body} frame pair. Decode
// failures are logged and the frame is skipped; a single malformed frame
// must never tear down the subscription.
func (ig *Ingester) handleFrame(ctx context.Context, data []byte) {
	dec := cbor.NewDecoder(bytes.NewReader(data))

	var header frameHeader
	if err := dec.Decode(&header); err != nil {
		slog.Warn("firehose frame header decode failed", "err", err)
		return
	}

	if header.Op == -1 {
		var errBody struct {
			Error   string `cbor:"error"`
			Message string `cbor:"message"`
		}
		_ = dec.Decode(&errBody)
		slog.Error("firehose error frame", "error", errBody.Error, "message", errBody.Message)
		return
	}
	if header.Op != 1 || header.T != "#commit" {
		return
	}

	var commit commitBody
	if err := dec.Decode(&commit); err != nil {
		slog.Warn("firehose commit decode failed", "err", err)
		return
	}

	ig.cursor = commit.Seq

	if ig.excludeDIDs[commit.Repo] {
		return
	}

	for _, op := range commit.Ops {
		parts := strings.SplitN(op.Path, "/", 2)
		if len(parts) != 2 {
			continue
		}
		collection, rkey := parts[0], parts[1]
		if ig.registry.For(collection) == nil {
			continue
		}
		switch op.Action {
		case "create":
			ig.handler.HandleCreate(ctx, commit.Repo, collection, rkey)
		case "delete":
			ig.handler.HandleDelete(ctx, commit.Repo, collection, rkey)
		case "update":
			// ignored: the bridge only mirrors creation and deletion.
		}
	}
}

// Cursor returns the seq of the last successfully processed commit, for
// persisting across restarts via Store.SetKV.
func (ig *Ingester) Cursor() int64 { return ig.cursor }
