package atproto

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
)

// ErrGone is returned when a remote resource responds with HTTP 410 Gone.
var ErrGone = errors.New("resource gone (410)")

// ErrActorGone is returned by VerifySignature when the signing actor's key
// URL responds with HTTP 410. The caller decides whether the activity type
// permits accepting an unsigned request (only Delete(actor) does).
var ErrActorGone = errors.New("signing actor is gone (410)")

var httpClient = &http.Client{
	Timeout: 15 * time.Second,
}

var (
	objectCacheTTL           = time.Hour
	objectCacheSweepInterval = 10 * time.Minute
)

// SetObjectCacheTTL overrides the TTL used for both the AP object cache and
// the WebFinger handle cache. Call once at startup, before any concurrent use.
func SetObjectCacheTTL(d time.Duration) {
	if d > 0 {
		objectCacheTTL = d
	}
}

type cacheEntry struct {
	obj     map[string]interface{}
	expires time.Time
}

var objectCache sync.Map // url → cacheEntry

type wfCacheEntry struct {
	actorURL string
	expires  time.Time
}

var wfCache sync.Map // lowercased handle → wfCacheEntry

func init() {
	go func() {
		ticker := time.NewTicker(objectCacheSweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now()
			objectCache.Range(func(k, v any) bool {
				if now.After(v.(cacheEntry).expires) {
					objectCache.Delete(k)
				}
				return true
			})
			wfCache.Range(func(k, v any) bool {
				if now.After(v.(wfCacheEntry).expires) {
					wfCache.Delete(k)
				}
				return true
			})
		}
	}()
}

const userAgent = "atbridge/1.0 (+https://github.com/klppl/atbridge)"

// FetchObject fetches an ActivityPub object from a remote URL. Results are
// cached for objectCacheTTL.
func FetchObject(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	if cached, ok := objectCache.Load(rawURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.obj, nil
		}
		objectCache.Delete(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", rawURL, err)
	}

	objectCache.Store(rawURL, cacheEntry{obj: obj, expires: time.Now().Add(objectCacheTTL)})
	return obj, nil
}

// FetchActor fetches and parses an AP Actor object.
func FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	obj, err := FetchObject(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	return mapToActor(obj), nil
}

// InvalidateCache removes a URL from the object cache, used after a Delete
// or Update activity for that actor/object.
func InvalidateCache(rawURL string) {
	objectCache.Delete(rawURL)
}

// WebFingerResolve resolves a Fediverse handle ("alice@mastodon.social") to
// an AP actor URL via WebFinger. Results are cached for objectCacheTTL.
func WebFingerResolve(ctx context.Context, handle string) (string, error) {
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid handle %q: expected user@domain", handle)
	}
	domain := parts[1]

	cacheKey := strings.ToLower(handle)
	if cached, ok := wfCache.Load(cacheKey); ok {
		entry := cached.(wfCacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.actorURL, nil
		}
		wfCache.Delete(cacheKey)
	}

	wfURL := "https://" + domain + "/.well-known/webfinger?resource=acct:" + handle

	req, err := http.NewRequestWithContext(ctx, "GET", wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned HTTP %d for %s", resp.StatusCode, handle)
	}

	var wf WebFingerResponse
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return "", fmt.Errorf("webfinger decode: %w", err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && isAPMediaType(link.Type) {
			wfCache.Store(cacheKey, wfCacheEntry{actorURL: link.Href, expires: time.Now().Add(objectCacheTTL)})
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no ActivityPub actor link found for %s", handle)
}

// DeliverActivity sends a signed ActivityPub activity to a remote inbox.
func DeliverActivity(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("deliver to %s: HTTP %d", inbox, resp.StatusCode)
	}

	slog.Debug("delivered activity", "inbox", inbox, "status", resp.StatusCode)
	return nil
}

// maxDateSkew bounds the allowed difference between a signed request's Date
// header and wall-clock time, matching what Mastodon itself enforces.
const maxDateSkew = 30 * time.Second

// VerifyDigest checks that the Digest request header matches the SHA-256
// hash of body. A missing header or an unrecognized algorithm is accepted
// (digest is optional, and rejecting unknown algorithms would break
// forward-compatibility); a present SHA-256 header that doesn't match is an
// error.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	want := digestHeader[len(prefix):]
	if got != want {
		return fmt.Errorf("digest mismatch: body SHA-256=%s, header claims SHA-256=%s", got, want)
	}
	return nil
}

// VerifySignature verifies an incoming HTTP signature and returns the
// signing keyId.
func VerifySignature(req *http.Request) (string, error) {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return "", fmt.Errorf("missing Date header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return "", fmt.Errorf("invalid Date header %q: %w", dateStr, err)
	}
	if skew := time.Since(reqTime); skew > maxDateSkew || skew < -maxDateSkew {
		return "", fmt.Errorf("Date header too skewed (%v, allowed ±%v)", skew.Round(time.Second), maxDateSkew)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}

	keyID := verifier.KeyId()

	actorURL := strings.Split(keyID, "#")[0]
	actor, err := FetchActor(req.Context(), actorURL)
	if err != nil {
		if errors.Is(err, ErrGone) {
			slog.Debug("actor gone, deferring accept decision to caller", "keyId", keyID)
			return keyID, ErrActorGone
		}
		return "", fmt.Errorf("fetch actor for key %s: %w", keyID, err)
	}

	if actor.PublicKey == nil {
		return "", fmt.Errorf("actor %s has no public key", actorURL)
	}

	pubKey, err := parsePublicKeyPEM(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", actorURL, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	return keyID, nil
}

func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := decodePEM([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	return parseRSAPublicKey(block.Bytes)
}

func mapToActor(m map[string]interface{}) *Actor {
	if m == nil {
		return nil
	}
	actor := &Actor{
		ID:                getString(m, "id"),
		Type:              getString(m, "type"),
		Name:              getString(m, "name"),
		PreferredUsername: getString(m, "preferredUsername"),
		Summary:           getString(m, "summary"),
		Inbox:             getString(m, "inbox"),
		Outbox:            getString(m, "outbox"),
		Followers:         getString(m, "followers"),
		Following:         getString(m, "following"),
		URL:               getString(m, "url"),
	}

	if pk, ok := m["publicKey"].(map[string]interface{}); ok {
		actor.PublicKey = &PublicKey{
			ID:           getString(pk, "id"),
			Owner:        getString(pk, "owner"),
			PublicKeyPem: getString(pk, "publicKeyPem"),
		}
	}

	if ep, ok := m["endpoints"].(map[string]interface{}); ok {
		actor.Endpoints = &Endpoints{
			SharedInbox: getString(ep, "sharedInbox"),
		}
	}

	if icon, ok := m["icon"].(map[string]interface{}); ok {
		actor.Icon = &Image{
			Type: getString(icon, "type"),
			URL:  getString(icon, "url"),
		}
	}

	return actor
}

// ParseNote extracts a Note from a generic map, used when parsing an
// inbound Create(Note) activity's embedded object.
func ParseNote(m map[string]interface{}) *Note {
	if m == nil {
		return nil
	}
	note := &Note{
		ID:           getString(m, "id"),
		Type:         getString(m, "type"),
		AttributedTo: getString(m, "attributedTo"),
		Content:      getString(m, "content"),
		Published:    getString(m, "published"),
		URL:          getString(m, "url"),
		InReplyTo:    getString(m, "inReplyTo"),
		Summary:      getString(m, "summary"),
	}
	if sens, ok := m["sensitive"].(bool); ok {
		note.Sensitive = sens
	}

	switch v := m["to"].(type) {
	case string:
		note.To = append(note.To, v)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				note.To = append(note.To, s)
			}
		}
	}
	switch v := m["cc"].(type) {
	case string:
		note.CC = append(note.CC, v)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				note.CC = append(note.CC, s)
			}
		}
	}

	if tags, ok := m["tag"].([]interface{}); ok {
		note.Tag = tags
	}

	if atts, ok := m["attachment"].([]interface{}); ok {
		for _, att := range atts {
			a, ok := att.(map[string]interface{})
			if !ok {
				continue
			}
			width, _ := a["width"].(float64)
			height, _ := a["height"].(float64)
			note.Attachment = append(note.Attachment, Attachment{
				Type:      getString(a, "type"),
				URL:       getString(a, "url"),
				MediaType: getString(a, "mediaType"),
				Blurhash:  getString(a, "blurhash"),
				Width:     int(width),
				Height:    int(height),
			})
		}
	}

	return note
}

// IsActor returns true if the object type is an actor type.
func IsActor(obj map[string]interface{}) bool {
	switch getString(obj, "type") {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// IsLocalID returns true if the AP ID belongs to our local domain.
func IsLocalID(apID, localDomain string) bool {
	base := strings.TrimRight(localDomain, "/")
	return apID == base || strings.HasPrefix(apID, base+"/")
}

// IsActorID returns true if the string looks like an AP actor URL.
func IsActorID(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// isAPMediaType reports whether a WebFinger link content-type represents an
// ActivityPub actor document.
func isAPMediaType(ct string) bool {
	lower := strings.ToLower(ct)
	if lower == "application/activity+json" {
		return true
	}
	return strings.HasPrefix(lower, "application/ld+json") &&
		strings.Contains(lower, "https://www.w3.org/ns/activitystreams")
}
