package atproto

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxAttachmentBytes is the inbound attachment download cap; anything
// larger is rejected rather than truncated silently.
const maxAttachmentBytes = 10 * 1024 * 1024

var attachmentClient = &http.Client{Timeout: 30 * time.Second}

// FetchAttachment downloads an inbound AP attachment for re-upload as a PDS
// blob. It rejects non-HTTP(S) schemes, responses over maxAttachmentBytes
// (by either Content-Length or actual body size), and — unless
// allowPrivate is set — any URL whose host resolves to a loopback,
// private, or link-local address, guarding against SSRF via attacker-
// controlled attachment URLs.
func FetchAttachment(ctx context.Context, rawURL string, allowPrivate bool) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create attachment request: %w", err)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, "", fmt.Errorf("attachment URL has unsupported scheme %q", req.URL.Scheme)
	}
	if !allowPrivate {
		if err := checkPublicHost(ctx, req.URL.Hostname()); err != nil {
			return nil, "", err
		}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := attachmentClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch attachment: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > maxAttachmentBytes {
		return nil, "", fmt.Errorf("attachment too large: %d bytes exceeds %d byte limit", resp.ContentLength, maxAttachmentBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read attachment body: %w", err)
	}
	if len(body) > maxAttachmentBytes {
		return nil, "", fmt.Errorf("attachment too large: exceeds %d byte limit", maxAttachmentBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	return body, contentType, nil
}

// checkPublicHost resolves host and rejects it if any resolved address is
// loopback, private, link-local, or otherwise unspecified.
func checkPublicHost(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("attachment URL has no host")
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return checkIP(ip)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve attachment host %q: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkIP(addr.IP); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("attachment host resolves to disallowed address %s", ip)
	}
	return nil
}
