package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client calls a running adapter's local API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for the API listening on listen ("host:port"). A non-nil
// tlsConfig switches to https.
func NewClient(listen, token string, tlsConfig *tls.Config) *Client {
	scheme := "http"
	transport := http.DefaultTransport
	if tlsConfig != nil {
		scheme = "https"
		transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return &Client{
		base:  scheme + "://" + listen,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// ClientTLS trusts the certificate at caPath and presents cert/key when both are set.
func ClientTLS(caPath, certPath, keyPath string) (*tls.Config, error) {
	pool, err := loadPool(caPath)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.get(ctx, "/v0/status", &out)
	return out, err
}

func (c *Client) Capabilities(ctx context.Context) (CapabilitiesResponse, error) {
	var out CapabilitiesResponse
	err := c.get(ctx, "/v0/capabilities", &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) (HistoryResponse, error) {
	var out HistoryResponse
	err := c.get(ctx, "/v0/history?limit="+strconv.Itoa(limit), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("local API at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("local API %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
