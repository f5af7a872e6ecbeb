package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/revsync/internal/logging"
	"github.com/icholy/digest"
	"github.com/sethvargo/go-retry"
)

const xssiPrefix = ")]}'"

// Auth types.
const (
	AuthBasic  = "basic"
	AuthDigest = "digest"
)

type Options struct {
	URL       string
	Username  string
	Password  string
	AuthType  string
	VerifySSL bool
	Timeout   time.Duration

	// GET requests answered with 502/503/504 are retried this many times.
	RetryAttempts uint64
	RetryDelay    time.Duration
}

type Client struct {
	opts Options
	base *url.URL
	http *http.Client
	log  logging.Logger
}

var errTransient = errors.New("transient server error")

// New builds a client for the service rooted at opts.URL.
func New(opts Options, log logging.Logger) (*Client, error) {
	raw := opts.URL
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: parse url: %w", err)
	}
	if opts.AuthType == "" {
		opts.AuthType = AuthBasic
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	var rt http.RoundTripper = transport
	if opts.AuthType == AuthDigest && opts.Username != "" {
		// Answers 401 challenges and reuses the last one per host.
		rt = &digest.Transport{
			Username:  opts.Username,
			Password:  opts.Password,
			Transport: transport,
		}
	}

	return &Client{
		opts: opts,
		base: base,
		http: &http.Client{Transport: rt, Timeout: opts.Timeout},
		log:  log.With("module", "remote"),
	}, nil
}

// URL returns the absolute URL for an API path.
func (c *Client) URL(path string) string {
	prefix := ""
	if c.opts.Username != "" {
		prefix = "a/"
	}
	return c.base.String() + prefix + path
}

func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var status int
	var body []byte

	b := retry.WithMaxRetries(c.opts.RetryAttempts, retry.NewConstant(c.opts.RetryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		status, body, err = c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		switch status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return retry.RetryableError(errTransient)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errTransient) {
		return nil, err
	}

	if status < 200 || status >= 300 {
		c.log.Warn(ctx, "remote rejected request", "method", http.MethodGet, "path", path, "status", status)
		return nil, nil
	}
	return c.decode(ctx, http.MethodGet, path, body), nil
}

func (c *Client) Post(ctx context.Context, path string, data any) (json.RawMessage, error) {
	return c.write(ctx, http.MethodPost, path, data)
}

func (c *Client) Put(ctx context.Context, path string, data any) (json.RawMessage, error) {
	return c.write(ctx, http.MethodPut, path, data)
}

func (c *Client) Delete(ctx context.Context, path string, data any) (json.RawMessage, error) {
	return c.write(ctx, http.MethodDelete, path, data)
}

func (c *Client) write(ctx context.Context, method, path string, data any) (json.RawMessage, error) {
	var payload []byte
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("remote: encode %s %s: %w", method, path, err)
		}
	}

	c.log.Debug(ctx, "remote write", "method", method, "path", path)
	status, body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &HTTPError{Method: method, Path: path, Status: status, Body: strings.TrimSpace(string(body))}
	}
	return c.decode(ctx, method, path, body), nil
}

// decode strips the anti-XSSI prefix and validates the JSON payload.
func (c *Client) decode(ctx context.Context, method, path string, body []byte) json.RawMessage {
	body = bytes.TrimSpace(bytes.TrimPrefix(body, []byte(xssiPrefix)))
	if len(body) == 0 {
		return nil
	}
	if !json.Valid(body) {
		c.log.Warn(ctx, "malformed response body", "method", method, "path", path, "size", len(body))
		return nil
	}
	return json.RawMessage(body)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	target := c.URL(path)

	resp, err := c.send(ctx, method, target, payload)
	if err != nil {
		return 0, nil, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return 0, nil, c.transportError(ctx, method, path, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	if c.opts.Username != "" && c.opts.AuthType != AuthDigest {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, method, req.URL.Path, err)
	}
	return resp, nil
}

func (c *Client) transportError(ctx context.Context, method, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
}
