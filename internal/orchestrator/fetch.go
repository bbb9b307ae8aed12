package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"syscall"
	"time"
)

const (
	defaultFetchTimeout  = 10 * time.Second
	defaultFetchMaxBytes = 20 << 20
)

var (
	// ErrFetch marks media URLs that could not be downloaded.
	ErrFetch = errors.New("fetching media")
	// ErrBlockedAddress is returned when a media URL resolves to an address
	// on the server's own networks.
	ErrBlockedAddress = errors.New("address not allowed")
)

// Fetcher downloads media referenced by URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, mimeType string, err error)
}

// HTTPFetcher downloads over HTTP with a size cap.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// FetchOption configures the default client of an HTTPFetcher.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	allowLoopback bool
}

// AllowLoopback lets the default client reach 127.0.0.0/8 and ::1. Private
// and link-local ranges stay blocked.
func AllowLoopback() FetchOption {
	return func(o *fetchOptions) { o.allowLoopback = true }
}

// NewHTTPFetcher returns a fetcher. A nil client gets a 10s timeout and a
// dialer that refuses loopback, private, link-local and multicast addresses.
// A non-positive maxBytes means 20 MiB.
func NewHTTPFetcher(client *http.Client, maxBytes int64, opts ...FetchOption) *HTTPFetcher {
	if client == nil {
		var o fetchOptions
		for _, opt := range opts {
			opt(&o)
		}
		client = &http.Client{Timeout: defaultFetchTimeout, Transport: guardedTransport(o)}
	}
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

// guardedTransport checks every dialed address after DNS resolution, which
// also covers redirects and rebinding. Proxies are disabled since the proxy
// address is what would be checked.
func guardedTransport(o fetchOptions) *http.Transport {
	dialer := &net.Dialer{
		Timeout: defaultFetchTimeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
			}
			if blockedAddr(ap.Addr(), o.allowLoopback) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, ap.Addr())
			}
			return nil
		},
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = dialer.DialContext
	return t
}

func blockedAddr(a netip.Addr, allowLoopback bool) bool {
	a = a.Unmap()
	if a.IsLoopback() {
		return !allowLoopback
	}
	return a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() ||
		a.IsMulticast() ||
		a.IsUnspecified()
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", fmt.Errorf("%w: invalid url %q", ErrFetch, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: %s: unexpected status %d", ErrFetch, rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading %s: %v", ErrFetch, rawURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", ErrFetch, rawURL, f.maxBytes)
	}

	return data, detectMIME(resp.Header.Get("Content-Type"), u.Path, data), nil
}

// detectMIME prefers the Content-Type header, then the path extension, then
// content sniffing.
func detectMIME(header, urlPath string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if ext := path.Ext(urlPath); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			if parsed, _, err := mime.ParseMediaType(mt); err == nil {
				return parsed
			}
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}
