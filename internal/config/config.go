// Package config loads the bridge's runtime configuration from environment
// variables, the same way the reference bridge this codebase descends from
// does — no config file format, no third-party config library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port        string
	Hostname    string // bare host, used for WebFinger acct matching
	PublicURL   string // e.g. "https://bridge.example.com", no trailing slash

	PDSURL        string
	PDSAdminToken string

	DatabaseLocation string

	FirehoseEnabled bool
	FirehoseCursor  int64 // 0 means "start from the PDS's live tail"

	BridgeMastodonHandle      string
	BridgeMastodonDisplayName string
	BridgeMastodonDescription string
	BridgeBlueskyHandle       string
	BridgeBlueskyDisplayName  string
	BridgeBlueskyDescription  string
	BridgeAccountEmail        string // shared by both bridge accounts at provisioning time

	ConstellationURL          string
	ConstellationPollInterval time.Duration

	AppViewURL string

	SignFetch bool // require a verified HTTP Signature on inbound AP activities

	// AllowPrivateAddress permits outbound HTTP to private/loopback address
	// ranges. Testing only — never set in production, since it defeats the
	// blob-fetch SSRF guard described in SPEC_FULL §6.
	AllowPrivateAddress bool

	// Tunable performance constants (all have sensible defaults).
	DispatchPollInterval  time.Duration // how often the outbound queue is drained for due retries
	EngagementInterval    time.Duration // EngagementNotifier cycle interval
	EngagementBatchDelay  time.Duration // events younger than this are left for the next cycle
	FirehoseReconnectWait time.Duration // loaded but not passed to firehose.Ingester, which always waits its fixed 5s reconnectDelay
}

// BlueskyBridgeEnabled reports whether the Bluesky-side bridge account is
// configured (it always is in a working deployment, but components that can
// run without it — e.g. during initial setup — check this first).
func (c *Config) BlueskyBridgeEnabled() bool { return c.BridgeBlueskyHandle != "" }

// Load reads configuration from environment variables. Exits the process
// (os.Exit(1)) if a required variable is missing.
func Load() *Config {
	pdsURL := getEnv("PDS_URL", "https://bsky.social")
	adminToken := os.Getenv("PDS_ADMIN_TOKEN")

	publicURL := strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8000"), "/")
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		hostname = hostFromURL(publicURL)
	}

	mastodonHandle := os.Getenv("BRIDGE_MASTODON_HANDLE")
	blueskyHandle := os.Getenv("BRIDGE_BLUESKY_HANDLE")
	if mastodonHandle == "" && blueskyHandle == "" {
		fmt.Fprintln(os.Stderr, "ERROR: at least one of BRIDGE_MASTODON_HANDLE or BRIDGE_BLUESKY_HANDLE must be set")
		os.Exit(1)
	}

	return &Config{
		Port:      getEnv("PORT", "8000"),
		Hostname:  hostname,
		PublicURL: publicURL,

		PDSURL:        pdsURL,
		PDSAdminToken: adminToken,

		DatabaseLocation: getEnv("DATABASE_URL", "atbridge.db"),

		FirehoseEnabled: getEnv("FIREHOSE_ENABLED", "true") != "false",
		FirehoseCursor:  parseInt64(os.Getenv("FIREHOSE_CURSOR"), 0),

		BridgeMastodonHandle:      mastodonHandle,
		BridgeMastodonDisplayName: getEnv("BRIDGE_MASTODON_DISPLAY_NAME", "Fediverse Bridge"),
		BridgeMastodonDescription: os.Getenv("BRIDGE_MASTODON_DESCRIPTION"),
		BridgeBlueskyHandle:       blueskyHandle,
		BridgeBlueskyDisplayName:  getEnv("BRIDGE_BLUESKY_DISPLAY_NAME", "Bluesky Bridge"),
		BridgeBlueskyDescription:  os.Getenv("BRIDGE_BLUESKY_DESCRIPTION"),
		BridgeAccountEmail:        os.Getenv("BRIDGE_ACCOUNT_EMAIL"),

		ConstellationURL:          os.Getenv("CONSTELLATION_URL"),
		ConstellationPollInterval: parseDuration(os.Getenv("CONSTELLATION_POLL_INTERVAL"), 60*time.Second),

		AppViewURL: getEnv("APPVIEW_URL", "https://api.bsky.app"),

		SignFetch:           getEnv("SIGN_FETCH", "true") != "false",
		AllowPrivateAddress: getEnvBool("ALLOW_PRIVATE_ADDRESS"),

		DispatchPollInterval:  parseDuration(os.Getenv("DISPATCH_POLL_INTERVAL"), 10*time.Second),
		EngagementInterval:    parseDuration(os.Getenv("ENGAGEMENT_INTERVAL"), time.Second),
		EngagementBatchDelay:  parseDuration(os.Getenv("ENGAGEMENT_BATCH_DELAY"), 5*time.Minute),
		FirehoseReconnectWait: parseDuration(os.Getenv("FIREHOSE_RECONNECT_WAIT"), 5*time.Second),
	}
}

func hostFromURL(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
