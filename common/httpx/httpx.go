package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
)

// Client is the shared outbound HTTP client for collaborator calls. It does
// not retry on its own; callers wrap it in a retry.Policy.
type Client struct {
	hc        *http.Client
	opt       Options
	fail      atomic.Int32 // consecutive failures
	openUntil atomic.Int64 // unix nanos for circuit open deadline
}

type Options struct {
	Timeout            time.Duration
	HostAllowlist      []string
	MaxConsecutiveFail int
	CircuitOpen        time.Duration
}

var (
	ErrCircuitOpen    = errors.New("circuit open")
	ErrHostNotAllowed = errors.New("host not allowed")
)

// NewFromConfig builds a client; zero fields fall back to defaults.
func NewFromConfig(cfg config.HTTPClientConfig) *Client {
	to := 10 * time.Second
	if cfg.TimeoutMs > 0 {
		to = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	mcf := 5
	if cfg.MaxConsecutiveFailures > 0 {
		mcf = cfg.MaxConsecutiveFailures
	}
	cop := 5 * time.Second
	if cfg.CircuitOpenSeconds > 0 {
		cop = time.Duration(cfg.CircuitOpenSeconds) * time.Second
	}

	transport := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: to}).DialContext,
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:    100,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Client{
		hc: &http.Client{Timeout: to, Transport: transport},
		opt: Options{
			Timeout:            to,
			HostAllowlist:      cfg.HostAllowlist,
			MaxConsecutiveFail: mcf,
			CircuitOpen:        cop,
		},
	}
}

func (c *Client) allowed(u *url.URL) bool {
	if len(c.opt.HostAllowlist) == 0 {
		return true
	}
	host := u.Hostname()
	for _, h := range c.opt.HostAllowlist {
		if matchHost(h, host) {
			return true
		}
	}
	return false
}

func matchHost(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.EqualFold(pattern, host) {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suf := strings.TrimPrefix(pattern, "*.")
		return strings.HasSuffix(host, "."+suf) || host == suf
	}
	return false
}

// Do sends req once, tracking consecutive failures for the circuit breaker.
// 5xx responses count as failures and are returned as unavailable errors.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.allowed(req.URL) {
		logger.Warnf("httpx: blocked outbound host: %s", req.URL.Host)
		return nil, errs.E(errs.KindInvalidInput, "httpx", ErrHostNotAllowed)
	}
	if c.openUntil.Load() > time.Now().UnixNano() {
		return nil, errs.E(errs.KindUnavailable, "httpx", ErrCircuitOpen)
	}
	resp, err := c.hc.Do(req)
	if err == nil && resp.StatusCode < 500 {
		c.fail.Store(0)
		return resp, nil
	}
	if err == nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		err = errs.E(errs.KindUnavailable, "httpx", fmt.Errorf("%s: status %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if c.fail.Inc() >= int32(c.opt.MaxConsecutiveFail) {
		c.openUntil.Store(time.Now().Add(c.opt.CircuitOpen).UnixNano())
		c.fail.Store(0)
		logger.Warnf("httpx: circuit opened for %v after failures to %s", c.opt.CircuitOpen, req.URL.Host)
	}
	return nil, errs.Classify("httpx", err)
}

// PostJSON marshals in, posts it to endpoint and decodes the response into out.
// Other non-2xx responses below 500 are reported as invalid input, except
// 408 and 429 which stay retryable.
func (c *Client) PostJSON(ctx context.Context, endpoint string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errs.E(errs.KindInvalidInput, "httpx", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.E(errs.KindInvalidInput, "httpx", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := errs.KindInvalidInput
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			kind = errs.KindUnavailable
		}
		return errs.E(kind, "httpx", fmt.Errorf("%s: status %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.E(errs.KindUnavailable, "httpx", fmt.Errorf("decode response: %w", err))
	}
	return nil
}
