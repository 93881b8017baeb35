package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"lendbook/core"
	"lendbook/native/lending"
)

// Config controls how the Client reaches a lendingd endpoint. TokenSource,
// when set, is asked for a bearer token on every request and takes
// precedence over BearerToken.
type Config struct {
	BaseURL         string
	BearerToken     string
	TokenSource     func() (string, error)
	Timeout         time.Duration
	TLSClientCAFile string
	AllowInsecure   bool
}

// Client is a thin wrapper around the lendingd HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	bearer  string
	tokens  func() (string, error)
}

// APIError is a non-2xx answer from lendingd. Code is the stable error code
// from the response body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("lendingd: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("lendingd: status %d (%s): %s", e.Status, e.Code, e.Message)
}

// CodeOracleUnavailable is returned when the ledger could not price a
// position. It is an application answer even though it arrives as a 503.
const CodeOracleUnavailable = "oracle_unavailable"

// Retryable reports whether the server failed rather than rejected the request.
func (e *APIError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError && e.Code != CodeOracleUnavailable
}

// IsRetryable reports whether err is worth another attempt. Transport
// failures and 5xx answers are retried; application rejections, including an
// unavailable oracle, are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// New constructs a Client from the provided configuration.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true
	} else if path := strings.TrimSpace(cfg.TLSClientCAFile); path != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read client ca file: %w", err)
		}
		if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
			return nil, fmt.Errorf("append client ca certificates: invalid pem data")
		}
		tlsConfig.RootCAs = pool
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout, Transport: &http.Transport{TLSClientConfig: tlsConfig}},
		bearer:  strings.TrimSpace(cfg.BearerToken),
		tokens:  cfg.TokenSource,
	}, nil
}

// LedgerConfig fetches the ledger configuration.
func (c *Client) LedgerConfig(ctx context.Context) (*lending.Config, error) {
	var cfg lending.Config
	if err := c.do(ctx, http.MethodGet, "/v1/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Positions fetches one page of positions with ids strictly above startAfter.
// A negative limit leaves the page size to the server.
func (c *Client) Positions(ctx context.Context, startAfter *uint256.Int, limit int) ([]*lending.Position, error) {
	q := url.Values{}
	if startAfter != nil {
		q.Set("start_after", startAfter.Dec())
	}
	if limit >= 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/positions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Positions []*lending.Position `json:"positions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// Price fetches the oracle price of token.
func (c *Client) Price(ctx context.Context, token string) (*uint256.Int, error) {
	var out struct {
		Price *uint256.Int `json:"price"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/oracle/prices/"+url.PathEscape(token), nil, &out); err != nil {
		return nil, err
	}
	if out.Price == nil {
		return nil, fmt.Errorf("lendingd: empty price for %s", token)
	}
	return out.Price, nil
}

// Liquidate submits a liquidation of position id, attaching funds.
func (c *Client) Liquidate(ctx context.Context, id *uint256.Int, funds lending.Coins) (*core.Receipt, error) {
	body := struct {
		PositionID *uint256.Int  `json:"position_id"`
		Funds      lending.Coins `json:"funds,omitempty"`
	}{PositionID: id, Funds: funds}
	var receipt core.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/actions/liquidate", body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	bearer := c.bearer
	if c.tokens != nil {
		if bearer, err = c.tokens(); err != nil {
			return fmt.Errorf("bearer token: %w", err)
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var decoded struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
