// Package efi talks to the Efí Pix and card-charge REST APIs.
package efi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("efi: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Auth holds the OAuth client credentials of one Efí API cluster. The Pix
// cluster also requires a client certificate.
type Auth struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	CertFile     string
	KeyFile      string
	Timeout      time.Duration
}

// tokenMargin is how long before expiry a cached token is replaced.
const tokenMargin = 15 * time.Second

// NewHTTPClient returns a client that authenticates every request with a
// client-credentials token fetched from BaseURL/oauth/token and cached until
// tokenMargin before it expires.
func NewHTTPClient(ctx context.Context, a Auth) (*http.Client, error) {
	if a.Timeout <= 0 {
		a.Timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if a.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(a.CertFile, a.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("efi client certificate: %w", err)
		}
		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	base := &http.Client{Timeout: a.Timeout, Transport: transport}

	cc := &clientcredentials.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     strings.TrimRight(a.BaseURL, "/") + "/oauth/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token request goes through the same mTLS transport.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	src := oauth2.ReuseTokenSourceWithExpiry(nil, fetcher{cfg: cc, ctx: ctx}, tokenMargin)

	return &http.Client{
		Timeout:   a.Timeout,
		Transport: &oauth2.Transport{Source: src, Base: transport},
	}, nil
}

// fetcher requests a new token on every call; caching is left to the
// reuse source wrapped around it.
type fetcher struct {
	cfg *clientcredentials.Config
	ctx context.Context
}

func (f fetcher) Token() (*oauth2.Token, error) {
	return f.cfg.Token(f.ctx)
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(hc *http.Client, baseURL string) client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("efi %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
