// Package transport downloads remote episode audio under strict host
// allow-listing and resolved-address checks, so a poisoned feed URL can never
// be used to reach loopback or private-network services.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// maxRedirects bounds how many redirect hops a fetch may follow.
const maxRedirects = 3

// ValidationError reports a rejected fetch. Rule names the specific check
// that failed. It is never retryable: the input itself is bad or unsafe.
type ValidationError struct {
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("audio fetch rejected (%s): %s", e.Rule, e.Detail)
}

// Retryable marks validation failures as permanent.
func (e *ValidationError) Retryable() bool { return false }

// Fetcher downloads remote audio files into a private temp directory.
type Fetcher struct {
	allowedHosts []string
	maxBytes     int64
	tempDir      string
	httpClient   *http.Client
	allowPrivate bool
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client. The client's transport is still
// wrapped with the address guard.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithTimeout bounds the whole download, connection included.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.httpClient.Timeout = d }
}

// WithPrivateNetworksAllowed disables the resolved-address guard. Only for
// tests that fetch from local fixture servers.
func WithPrivateNetworksAllowed() Option {
	return func(f *Fetcher) { f.allowPrivate = true }
}

// NewFetcher creates a Fetcher restricted to the given hosts. Entries are
// matched exactly, or by suffix when prefixed with "*." (e.g.
// "*.podbean.com"). maxBytes caps the accepted Content-Length; tempDir is
// where downloads land.
func NewFetcher(allowedHosts []string, maxBytes int64, tempDir string, opts ...Option) (*Fetcher, error) {
	if len(allowedHosts) == 0 {
		return nil, errors.New("transport: at least one allowed host is required")
	}
	if maxBytes <= 0 {
		return nil, errors.New("transport: max download size must be positive")
	}
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "dubber")
	}
	if err := os.MkdirAll(tempDir, 0o750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}

	hosts := make([]string, len(allowedHosts))
	for i, h := range allowedHosts {
		hosts[i] = strings.ToLower(strings.TrimSpace(h))
	}

	f := &Fetcher{
		allowedHosts: hosts,
		maxBytes:     maxBytes,
		tempDir:      tempDir,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.installGuards()
	return f, nil
}

// installGuards wires the redirect policy and the dial-time address check
// into the HTTP client. Checking at dial time means a DNS answer that
// changes between validation and connection (rebinding) is still caught.
func (f *Fetcher) installGuards() {
	f.httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return &ValidationError{Rule: "redirect-limit", Detail: fmt.Sprintf("more than %d redirect hops", maxRedirects)}
		}
		if err := f.checkHost(req.URL); err != nil {
			return err
		}
		return nil
	}

	base, ok := f.httpClient.Transport.(*http.Transport)
	if !ok || base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			if f.allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return &ValidationError{Rule: "address", Detail: err.Error()}
			}
			ip := net.ParseIP(host)
			if ip == nil || isForbiddenIP(ip) {
				return &ValidationError{Rule: "private-address", Detail: fmt.Sprintf("host resolves to forbidden address %s", host)}
			}
			return nil
		},
	}
	base.DialContext = dialer.DialContext
	f.httpClient.Transport = base
}

// isForbiddenIP reports whether connecting to ip would reach something other
// than the public internet.
func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		isCGNAT(ip)
}

// isCGNAT reports membership in 100.64.0.0/10 (RFC 6598 shared space).
func isCGNAT(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4[0] == 100 && v4[1]&0xc0 == 64
}

// checkHost validates the URL scheme and host against the allow-list.
func (f *Fetcher) checkHost(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Rule: "scheme", Detail: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &ValidationError{Rule: "host", Detail: "URL has no host"}
	}
	for _, allowed := range f.allowedHosts {
		if wild, ok := strings.CutPrefix(allowed, "*."); ok {
			if host == wild || strings.HasSuffix(host, "."+wild) {
				return nil
			}
			continue
		}
		if host == allowed {
			return nil
		}
	}
	return &ValidationError{Rule: "host-allowlist", Detail: fmt.Sprintf("host %q is not allow-listed", host)}
}

// acceptableContentType reports whether ct is an audio type or a generic
// octet stream.
func acceptableContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return strings.HasPrefix(ct, "audio/") || ct == "application/octet-stream"
}

// Fetch downloads rawURL into the fetcher's temp directory and returns the
// local path. On any violation it returns a *ValidationError and leaves no
// file behind. The caller owns the returned file and must delete it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &ValidationError{Rule: "url", Detail: err.Error()}
	}
	if !u.IsAbs() {
		return "", &ValidationError{Rule: "url", Detail: "URL must be absolute"}
	}
	if err := f.checkHost(u); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("transport: create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return "", verr
		}
		return "", fmt.Errorf("transport: fetch %s: %w", u.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &ValidationError{Rule: "status", Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); !acceptableContentType(ct) {
		return "", &ValidationError{Rule: "content-type", Detail: fmt.Sprintf("unsupported content type %q", ct)}
	}
	if resp.ContentLength > f.maxBytes {
		return "", &ValidationError{Rule: "size", Detail: fmt.Sprintf("content length %d exceeds limit %d", resp.ContentLength, f.maxBytes)}
	}

	tmp, err := os.CreateTemp(f.tempDir, "source_*"+pathExt(u))
	if err != nil {
		return "", fmt.Errorf("transport: create temp file: %w", err)
	}
	path := tmp.Name()

	// Content-Length can lie or be absent; enforce the cap on the stream too.
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxBytes+1))
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(path)
		if err == nil {
			err = closeErr
		}
		return "", fmt.Errorf("transport: write download: %w", err)
	}
	if written > f.maxBytes {
		_ = os.Remove(path)
		return "", &ValidationError{Rule: "size", Detail: fmt.Sprintf("body exceeds limit %d", f.maxBytes)}
	}
	if written == 0 {
		_ = os.Remove(path)
		return "", &ValidationError{Rule: "empty-body", Detail: "response body was empty"}
	}
	return path, nil
}

// pathExt returns a sane audio file extension for the URL path, if any.
func pathExt(u *url.URL) string {
	switch ext := strings.ToLower(filepath.Ext(u.Path)); ext {
	case ".mp3", ".m4a", ".aac", ".wav", ".flac", ".ogg", ".opus":
		return ext
	default:
		return ".mp3"
	}
}
