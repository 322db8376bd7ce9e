package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultPDSURL = "https://bsky.social"

// Session mirrors com.atproto.server.createSession's response.
type Session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

// PDSClient is a thin XRPC HTTP client for an ATProto PDS. It handles
// authentication and re-authenticates automatically on a 401 response or a
// 400 carrying ExpiredToken or InvalidToken, exactly once per stale token.
type PDSClient struct {
	PDSURL      string
	Identifier  string
	AppPassword string

	mu      sync.Mutex
	session *Session
	http    *http.Client

	// reauth serialises re-authentication so concurrent callers that both
	// observe a 401 don't each call createSession — a second createSession
	// before the first has propagated would just invalidate the one the
	// first refresh just installed (thundering herd on the token endpoint).
	reauth sync.Mutex
}

// errRateLimited is returned by doRequest when the PDS responds with HTTP 429.
type errRateLimited struct{ RetryAfter time.Duration }

func (e *errRateLimited) Error() string {
	return fmt.Sprintf("rate limited by PDS; retry after %s", e.RetryAfter.Round(time.Second))
}

const rateLimitRetryMax = 5 * time.Minute

func parseRetryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if s := resp.Header.Get("RateLimit-Reset"); s != "" {
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			if d := time.Until(time.Unix(ts, 0)); d > 0 {
				return d
			}
		}
	}
	return 30 * time.Second
}

// NewPDSClient creates a new PDS XRPC client. If pdsURL is empty, the public
// bsky.social PDS is used.
func NewPDSClient(pdsURL, identifier, appPassword string) *PDSClient {
	if pdsURL == "" {
		pdsURL = defaultPDSURL
	}
	return &PDSClient{
		PDSURL:      strings.TrimRight(pdsURL, "/"),
		Identifier:  identifier,
		AppPassword: appPassword,
		http:        &http.Client{Timeout: 30 * time.Second},
	}
}

// Authenticate creates a new session via com.atproto.server.createSession.
func (c *PDSClient) Authenticate(ctx context.Context) error {
	input := map[string]string{"identifier": c.Identifier, "password": c.AppPassword}
	var session Session
	if err := c.xrpcPost(ctx, "com.atproto.server.createSession", input, &session); err != nil {
		return fmt.Errorf("pds authenticate: %w", err)
	}
	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()
	slog.Info("pds authenticated", "did", session.DID, "handle", session.Handle)
	return nil
}

func (c *PDSClient) singleAuthenticate(ctx context.Context, staleToken string) error {
	c.reauth.Lock()
	defer c.reauth.Unlock()

	c.mu.Lock()
	var current string
	if c.session != nil {
		current = c.session.AccessJwt
	}
	c.mu.Unlock()

	if staleToken != "" && current != staleToken {
		return nil
	}
	slog.Warn("pds token expired, re-authenticating")
	return c.Authenticate(ctx)
}

// CreateAccount calls com.atproto.server.createAccount, used by
// BridgeAccountManager to provision the two relay identities.
func (c *PDSClient) CreateAccount(ctx context.Context, handle, email, password, inviteCode string) (*Session, error) {
	input := map[string]string{"handle": handle, "password": password}
	if email != "" {
		input["email"] = email
	}
	if inviteCode != "" {
		input["inviteCode"] = inviteCode
	}
	var session Session
	if err := c.xrpcPost(ctx, "com.atproto.server.createAccount", input, &session); err != nil {
		return nil, fmt.Errorf("pds createAccount: %w", err)
	}
	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()
	return &session, nil
}

// CreateInviteCode requests an invite code using an admin token, best-effort:
// callers should tolerate failure on PDS deployments with open registration.
func (c *PDSClient) CreateInviteCode(ctx context.Context, adminToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.PDSURL+"/xrpc/com.atproto.server.createInviteCode",
		bytes.NewReader([]byte(`{"useCount":1}`)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("admin", adminToken)
	var out struct {
		Code string `json:"code"`
	}
	if err := c.doRequest(req, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

// CreateRecordRequest/Response mirror com.atproto.repo.createRecord.
type CreateRecordRequest struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey,omitempty"`
	Record     interface{} `json:"record"`
}

type CreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// CreateRecord creates a record via com.atproto.repo.createRecord.
func (c *PDSClient) CreateRecord(ctx context.Context, req CreateRecordRequest) (*CreateRecordResponse, error) {
	var resp CreateRecordResponse
	if err := c.authedPost(ctx, "com.atproto.repo.createRecord", req, &resp); err != nil {
		return nil, fmt.Errorf("pds createRecord: %w", err)
	}
	return &resp, nil
}

// DeleteRecord deletes a record via com.atproto.repo.deleteRecord.
func (c *PDSClient) DeleteRecord(ctx context.Context, repo, collection, rkey string) error {
	req := map[string]string{"repo": repo, "collection": collection, "rkey": rkey}
	if err := c.authedPost(ctx, "com.atproto.repo.deleteRecord", req, nil); err != nil {
		return fmt.Errorf("pds deleteRecord: %w", err)
	}
	return nil
}

// GetRecordResponse mirrors com.atproto.repo.getRecord.
type GetRecordResponse struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// GetRecord fetches a single record via com.atproto.repo.getRecord.
func (c *PDSClient) GetRecord(ctx context.Context, repo, collection, rkey string) (*GetRecordResponse, error) {
	params := url.Values{"repo": {repo}, "collection": {collection}, "rkey": {rkey}}
	var resp GetRecordResponse
	if err := c.authedGet(ctx, "com.atproto.repo.getRecord", params, &resp); err != nil {
		return nil, fmt.Errorf("pds getRecord: %w", err)
	}
	return &resp, nil
}

// ListRecordsResponse mirrors com.atproto.repo.listRecords.
type ListRecordsResponse struct {
	Cursor  string             `json:"cursor,omitempty"`
	Records []ListRecordsEntry `json:"records"`
}

type ListRecordsEntry struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// ListRecords pages through repo's records in collection, newest first, for
// rendering a bridged actor's AP outbox.
func (c *PDSClient) ListRecords(ctx context.Context, repo, collection string, limit int, cursor string) (*ListRecordsResponse, error) {
	params := url.Values{
		"repo":       {repo},
		"collection": {collection},
		"limit":      {strconv.Itoa(limit)},
		"reverse":    {"false"},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var resp ListRecordsResponse
	if err := c.authedGet(ctx, "com.atproto.repo.listRecords", params, &resp); err != nil {
		return nil, fmt.Errorf("pds listRecords: %w", err)
	}
	return &resp, nil
}

// ResolveHandle resolves a handle to a DID via com.atproto.identity.resolveHandle.
func (c *PDSClient) ResolveHandle(ctx context.Context, handle string) (string, error) {
	params := url.Values{"handle": {handle}}
	var resp struct {
		DID string `json:"did"`
	}
	if err := c.authedGet(ctx, "com.atproto.identity.resolveHandle", params, &resp); err != nil {
		return "", fmt.Errorf("pds resolveHandle: %w", err)
	}
	return resp.DID, nil
}

// UploadBlobResponse mirrors com.atproto.repo.uploadBlob.
type UploadBlobResponse struct {
	Blob json.RawMessage `json:"blob"`
}

// UploadBlob uploads raw bytes via com.atproto.repo.uploadBlob.
func (c *PDSClient) UploadBlob(ctx context.Context, data []byte, mimeType string) (*UploadBlobResponse, error) {
	staleToken := c.currentToken()
	resp, err := c.doUploadBlob(ctx, data, mimeType)
	if isAuthError(err) {
		if authErr := c.singleAuthenticate(ctx, staleToken); authErr != nil {
			return nil, fmt.Errorf("re-authenticate: %w", authErr)
		}
		resp, err = c.doUploadBlob(ctx, data, mimeType)
	}
	if err != nil {
		return nil, fmt.Errorf("pds uploadBlob: %w", err)
	}
	return resp, nil
}

func (c *PDSClient) doUploadBlob(ctx context.Context, data []byte, mimeType string) (*UploadBlobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.PDSURL+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeType)
	if auth := c.authHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	var out UploadBlobResponse
	if err := c.doRequest(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReposResponse mirrors com.atproto.sync.listRepos.
type ListReposResponse struct {
	Cursor string     `json:"cursor,omitempty"`
	Repos  []RepoInfo `json:"repos"`
}

type RepoInfo struct {
	DID string `json:"did"`
}

// ListRepos lists the repos (accounts) hosted on the PDS, one page at a
// time. Used to report NodeInfo's local-account count without maintaining
// a separate tally.
func (c *PDSClient) ListRepos(ctx context.Context, cursor string, limit int) (*ListReposResponse, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PDSURL+"/xrpc/com.atproto.sync.listRepos?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out ListReposResponse
	if err := c.doRequest(req, &out); err != nil {
		return nil, fmt.Errorf("pds listRepos: %w", err)
	}
	return &out, nil
}

// GetBlob streams a blob's bytes via com.atproto.sync.getBlob. The caller
// owns the returned ReadCloser and must close it.
func (c *PDSClient) GetBlob(ctx context.Context, did, cid string) (io.ReadCloser, string, error) {
	endpoint := c.PDSURL + "/xrpc/com.atproto.sync.getBlob?" + url.Values{
		"did": {did},
		"cid": {cid},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("pds getBlob: status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// GetBacklinksResponse mirrors the backlink source's getBacklinks response
// shape (Constellation-compatible).
type GetBacklinksResponse struct {
	Links  []BacklinkRef `json:"links"`
	Cursor string        `json:"cursor,omitempty"`
}

type BacklinkRef struct {
	DID        string `json:"did"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// GetConvoForMembersResponse mirrors chat.bsky.convo.getConvoForMembers.
type GetConvoForMembersResponse struct {
	Convo struct {
		ID string `json:"id"`
	} `json:"convo"`
}

// GetConvoForMembers opens (or finds) a 1:1 DM convo with the given members,
// proxied through the chat service per the atproto-proxy header convention.
func (c *PDSClient) GetConvoForMembers(ctx context.Context, members []string) (*GetConvoForMembersResponse, error) {
	params := url.Values{}
	for _, m := range members {
		params.Add("members", m)
	}
	var resp GetConvoForMembersResponse
	if err := c.authedGetProxied(ctx, "chat.bsky.convo.getConvoForMembers", params, &resp, chatProxyHeader); err != nil {
		return nil, fmt.Errorf("pds getConvoForMembers: %w", err)
	}
	return &resp, nil
}

// chatProxyHeader is the required atproto-proxy value for chat.bsky.* XRPC
// methods, which live on a separate service from the PDS itself.
const chatProxyHeader = "did:web:api.bsky.chat#bsky_chat"

// SendMessage sends a DM into an existing convo via chat.bsky.convo.sendMessage.
func (c *PDSClient) SendMessage(ctx context.Context, convoID, text string) error {
	req := map[string]interface{}{
		"convoId": convoID,
		"message": map[string]string{"text": text},
	}
	if err := c.authedPostProxied(ctx, "chat.bsky.convo.sendMessage", req, nil, chatProxyHeader); err != nil {
		return fmt.Errorf("pds sendMessage: %w", err)
	}
	return nil
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

var errAuthExpired = errors.New("auth expired")

func isAuthError(err error) bool { return errors.Is(err, errAuthExpired) }

func (c *PDSClient) authedPost(ctx context.Context, method string, body, out interface{}) error {
	return c.authedPostProxied(ctx, method, body, out, "")
}

func (c *PDSClient) authedPostProxied(ctx context.Context, method string, body, out interface{}, proxy string) error {
	staleToken := c.currentToken()
	err := c.doPost(ctx, method, body, out, c.authHeader(), proxy)
	if isAuthError(err) {
		if authErr := c.singleAuthenticate(ctx, staleToken); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.doPost(ctx, method, body, out, c.authHeader(), proxy)
	}
	return c.retryOnRateLimit(ctx, err, func() error { return c.doPost(ctx, method, body, out, c.authHeader(), proxy) })
}

func (c *PDSClient) authedGet(ctx context.Context, method string, params url.Values, out interface{}) error {
	return c.authedGetProxied(ctx, method, params, out, "")
}

func (c *PDSClient) authedGetProxied(ctx context.Context, method string, params url.Values, out interface{}, proxy string) error {
	staleToken := c.currentToken()
	err := c.doGet(ctx, method, params, out, proxy)
	if isAuthError(err) {
		if authErr := c.singleAuthenticate(ctx, staleToken); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.doGet(ctx, method, params, out, proxy)
	}
	return c.retryOnRateLimit(ctx, err, func() error { return c.doGet(ctx, method, params, out, proxy) })
}

func (c *PDSClient) retryOnRateLimit(ctx context.Context, err error, retry func() error) error {
	var rl *errRateLimited
	if !errors.As(err, &rl) {
		return err
	}
	wait := rl.RetryAfter
	if wait > rateLimitRetryMax {
		wait = rateLimitRetryMax
	}
	slog.Warn("pds rate limited, backing off", "retry_after", wait.Round(time.Second))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	return retry()
}

func (c *PDSClient) xrpcPost(ctx context.Context, method string, body, out interface{}) error {
	return c.doPost(ctx, method, body, out, "", "")
}

func (c *PDSClient) doGet(ctx context.Context, method string, params url.Values, out interface{}, proxy string) error {
	rawURL := c.PDSURL + "/xrpc/" + method
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if auth := c.authHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if proxy != "" {
		req.Header.Set("atproto-proxy", proxy)
	}
	return c.doRequest(req, out)
}

func (c *PDSClient) doPost(ctx context.Context, method string, body interface{}, out interface{}, authHeader, proxy string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	rawURL := c.PDSURL + "/xrpc/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	if proxy != "" {
		req.Header.Set("atproto-proxy", proxy)
	}
	return c.doRequest(req, out)
}

func (c *PDSClient) doRequest(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == 401 {
		return errAuthExpired
	}
	if resp.StatusCode == 400 && (strings.Contains(string(respBody), "ExpiredToken") || strings.Contains(string(respBody), "InvalidToken")) {
		return errAuthExpired
	}
	if resp.StatusCode == 429 {
		return &errRateLimited{RetryAfter: parseRetryAfter(resp)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *PDSClient) authHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return "Bearer " + c.session.AccessJwt
}

func (c *PDSClient) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessJwt
}

// DID returns the authenticated user's DID, or "" if not authenticated.
func (c *PDSClient) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.DID
}

// Handle returns the authenticated user's handle, or "" if not authenticated.
func (c *PDSClient) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Handle
}

// RestoreSession installs a previously persisted session, used when the
// bridge account manager loads access/refresh tokens from Store instead of
// calling Authenticate fresh.
func (c *PDSClient) RestoreSession(accessJwt, refreshJwt, did, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = &Session{AccessJwt: accessJwt, RefreshJwt: refreshJwt, DID: did, Handle: handle}
}

// Session returns the current access and refresh tokens, for persisting
// back to Store after a re-authentication. Returns ("", "") if not
// authenticated.
func (c *PDSClient) Session() (accessJwt, refreshJwt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", ""
	}
	return c.session.AccessJwt, c.session.RefreshJwt
}
