// Package airos polls Ubiquiti AirOS access points over their HTTPS JSON API.
package airos

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-wisp/internal/device"
	"go-wisp/internal/models"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Client authenticates against /api/auth and reads /status.cgi. Each call
// uses a fresh cookie jar so no session state leaks between polls.
type Client struct {
	timeout   time.Duration
	transport http.RoundTripper
	now       func() time.Time
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTransport replaces the HTTP transport, mostly for tests
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(opts ...Option) *Client {
	c := &Client{
		timeout: 15 * time.Second,
		// AirOS ships self-signed certificates; this transport is only used
		// against the operator's own AP fleet.
		transport: &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   true,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func baseURL(dev models.Device) string {
	host := dev.Host
	if dev.Credentials.Port != 0 {
		host = net.JoinHostPort(dev.Host, strconv.Itoa(dev.Credentials.Port))
	}
	return "https://" + host
}

// FetchStatus logs in and returns the parsed status.cgi document
func (c *Client) FetchStatus(ctx context.Context, dev models.Device) (*models.StatusSnapshot, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, device.Unreachable(dev.Host, err)
	}
	httpClient := &http.Client{Transport: c.transport, Jar: jar, Timeout: c.timeout}
	base := baseURL(dev)

	csrf, err := c.authenticate(ctx, httpClient, base, dev)
	if err != nil {
		return nil, device.Unreachable(dev.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status.cgi", nil)
	if err != nil {
		return nil, device.Unreachable(dev.Host, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-CSRF-ID", csrf)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, device.Unreachable(dev.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, device.Unreachable(dev.Host, fmt.Errorf("status.cgi returned %d", resp.StatusCode))
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		// a silently failed login answers with the HTML login page
		return nil, device.Unreachable(dev.Host, fmt.Errorf("decode status.cgi: %w", err))
	}

	return status.Snapshot(dev.Host, c.now()), nil
}

func (c *Client) authenticate(ctx context.Context, httpClient *http.Client, base string, dev models.Device) (string, error) {
	form := url.Values{}
	form.Set("username", dev.Credentials.Username)
	form.Set("password", dev.Credentials.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/auth", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("auth returned %d", resp.StatusCode)
	}

	csrf := resp.Header.Get("X-CSRF-ID")
	if csrf == "" {
		return "", fmt.Errorf("auth response carried no X-CSRF-ID")
	}
	return csrf, nil
}
