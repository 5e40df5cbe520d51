package cloud

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/logger"
)

// AuthMode selects how outbound requests are authenticated.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthAPIKey AuthMode = "api_key"
	AuthHMAC   AuthMode = "hmac"
)

// EventError is a per-event rejection reported by the cloud receiver.
type EventError struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

// Result is the receiver's accounting for one delivered batch. Events listed
// in Errors were rejected individually; everything else was accepted or
// recognized as a duplicate.
type Result struct {
	Accepted   int          `json:"accepted"`
	Duplicated int          `json:"duplicated"`
	Rejected   int          `json:"rejected"`
	Errors     []EventError `json:"errors"`
}

// Config holds the client construction parameters.
type Config struct {
	EndpointURL string
	AuthMode    AuthMode
	APIKey      string
	HMACSecret  string
	WorkerId    string
}

// Client delivers event batches to the cloud ingestion endpoint. The HTTP
// client is injected so its timeout can be kept well below the row lease
// duration: a hung request must not hold a lease hostage.
type Client struct {
	httpClient *http.Client
	endpoint   string
	path       string
	authMode   AuthMode
	apiKey     string
	hmacSecret string
	workerId   string
	logger     logger.Logger
}

var _ logger.Loggable = (*Client)(nil)

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		panic("httpClient is mandatory")
	}
	path := "/"
	if cfg.EndpointURL != "" {
		if u, err := url.Parse(cfg.EndpointURL); err == nil && u.Path != "" {
			path = u.Path
		}
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   cfg.EndpointURL,
		path:       path,
		authMode:   cfg.AuthMode,
		apiKey:     cfg.APIKey,
		hmacSecret: cfg.HMACSecret,
		workerId:   cfg.WorkerId,
		logger:     &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (c *Client) SetLogger(l logger.Logger) {
	c.logger = l
}

// Configured reports whether a cloud endpoint was configured at all. When it
// was not, sync cycles are a no-op.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

// SendBatch posts one batch to the cloud ingestion endpoint. A transport
// failure or a non-2xx status is returned as an error and means the whole
// batch failed; a 2xx response yields a Result whose Errors list identifies
// individually rejected events.
func (c *Client) SendBatch(ctx context.Context, batch *Batch) (*Result, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("could not serialize the batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not build the batch request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-idempotency-key", c.workerId+":"+strconv.Itoa(len(batch.Events)))
	c.authenticate(req, http.MethodPost, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("could not read the cloud response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("cloud endpoint returned status %d", resp.StatusCode)
	}

	// The response body is optional on success.
	if len(bytes.TrimSpace(respBody)) == 0 {
		return &Result{Accepted: len(batch.Events)}, nil
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("could not decode the cloud response: %w", err)
	}
	return &result, nil
}

// Ping performs a lightweight GET against the cloud endpoint to verify
// connectivity and authentication without delivering anything.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("no cloud endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("could not build the handshake request: %w", err)
	}
	c.authenticate(req, http.MethodGet, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cloud handshake failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16)) //nolint:errcheck

	if resp.StatusCode >= 500 {
		return fmt.Errorf("cloud endpoint returned status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("cloud endpoint rejected the credentials with status %d", resp.StatusCode)
	}
	return nil
}

// authenticate attaches the headers for the configured auth mode. In hmac
// mode the signature covers the timestamp, method, path and body, which
// guards against replay and tampering on the edge-to-cloud link.
func (c *Client) authenticate(req *http.Request, method string, body []byte) {
	switch c.authMode {
	case AuthAPIKey:
		req.Header.Set("x-api-key", c.apiKey)
	case AuthHMAC:
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(c.hmacSecret))
		mac.Write([]byte(ts))
		mac.Write([]byte("."))
		mac.Write([]byte(method))
		mac.Write([]byte("."))
		mac.Write([]byte(c.path))
		mac.Write([]byte("."))
		mac.Write(body)
		req.Header.Set("x-edge-timestamp", ts)
		req.Header.Set("x-edge-signature", hex.EncodeToString(mac.Sum(nil)))
	}
}
