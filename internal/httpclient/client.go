// client.go: Package httpclient is the outbound HTTP client for image downloads.
package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/logger"
)

// DefaultTimeout applies to requests whose context carries no deadline.
const DefaultTimeout = 30 * time.Second

const defaultUserAgent = "birdnet-tiles"

// Config tunes a Client. Zero fields take defaults.
type Config struct {
	Timeout             time.Duration
	UserAgent           string
	MaxIdleConnsPerHost int
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

// Client is safe for concurrent use.
type Client struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
	limiter   *rate.Limiter
	log       logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger logs each request at debug level.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTransport replaces the pooled transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// New builds a Client from cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 4
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}

	c := &Client{
		http:      &http.Client{Transport: transport},
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET for url. Without a deadline on ctx the client timeout
// applies; its cancel runs when the response body is closed. The caller
// must close the body when err is nil.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		cancel()
		return nil, errors.New(err).
			Component("httpclient").
			Category(errors.CategoryValidation).
			Context("url", url).
			Build()
	}
	req.Header.Set("User-Agent", c.userAgent)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			cancel()
			return nil, errors.Newf("rate limiter: %w", err).
				Component("httpclient").
				Category(errors.CategoryLimit).
				Context("url", url).
				Build()
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.log != nil {
		fields := []logger.Field{logger.String("url", url), logger.Duration("elapsed", time.Since(start))}
		if err != nil {
			c.log.Debug("request failed", append(fields, logger.Error(err))...)
		} else {
			c.log.Debug("request done", append(fields, logger.Int("status", resp.StatusCode))...)
		}
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Close drops idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
