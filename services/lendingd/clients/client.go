package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendcore/native/lending"
)

// Config controls how a Client reaches an outbound dependency.
type Config struct {
	BaseURL       string
	BearerToken   string
	CAFile        string
	AllowInsecure bool
	Timeout       time.Duration
}

// Client posts JSON commands to the swap venue or transfer relay. A 2xx
// response means the command was accepted; its result arrives later through
// the callback routes.
type Client struct {
	baseURL string
	http    *http.Client
	bearer  string
}

// NewClient constructs a Client from the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true
	} else if strings.TrimSpace(cfg.CAFile) != "" {
		systemPool, err := x509.SystemCertPool()
		if err != nil || systemPool == nil {
			systemPool = x509.NewCertPool()
		}
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		if ok := systemPool.AppendCertsFromPEM(pemBytes); !ok {
			return nil, fmt.Errorf("append ca certificates: invalid pem data")
		}
		tlsConfig.RootCAs = systemPool
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := otelhttp.NewTransport(&http.Transport{TLSClientConfig: tlsConfig})
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		bearer:  strings.TrimSpace(cfg.BearerToken),
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Venue forwards margin swaps to the external exchange.
type Venue struct{ client *Client }

// NewVenue wraps client as a lending.SwapVenue.
func NewVenue(client *Client) *Venue { return &Venue{client: client} }

func (v *Venue) Swap(ctx context.Context, req lending.SwapRequest) error {
	return v.client.post(ctx, "/v1/swaps", req)
}

// Transferer forwards outbound token transfers to the relay.
type Transferer struct{ client *Client }

// NewTransferer wraps client as a lending.TokenTransferer.
func NewTransferer(client *Client) *Transferer { return &Transferer{client: client} }

func (t *Transferer) Transfer(ctx context.Context, req lending.TransferRequest) error {
	return t.client.post(ctx, "/v1/transfers", req)
}

var (
	_ lending.SwapVenue       = (*Venue)(nil)
	_ lending.TokenTransferer = (*Transferer)(nil)
)
