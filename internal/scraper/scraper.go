// Package scraper implements the status lookup client for the external booking
// status site using gocolly.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/clock/system"
	"github.com/JakeFAU/pnr-status-sync/internal/extract"
	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// Field names the client reads from the first reshaped row.
const (
	FieldOrigin      = "from"
	FieldDestination = "to"
	FieldDate        = "date"
	FieldStatus      = "status"
)

// Outcome labels for pnr_scrape_total.
const (
	outcomeOK         = "ok"
	outcomeTerminal   = "terminal"
	outcomeUnknown    = "unknown"
	outcomeValidation = "validation"
	outcomeParse      = "parse"
	outcomeNetwork    = "network"
	outcomeClient     = "http_client"
	outcomeServer     = "http_server"
)

const defaultTimeout = 10 * time.Second

// Selector pairs a CSS selector with the record field it fills.
type Selector struct {
	CSS   string `mapstructure:"css"`
	Field string `mapstructure:"field"`
}

// Config describes the external form endpoint and how to read its response.
type Config struct {
	Endpoint       string
	KeyField       string
	DecoyField     string
	DecoyEchoField string
	SubmitField    string
	SubmitValue    string
	UserAgent      string
	Host           string
	Origin         string
	Referer        string
	TerminalMarker string
	Selectors      []Selector
	Timeout        time.Duration
}

// Limiter paces outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client submits one form POST per lookup and normalizes the response.
type Client struct {
	cfg           Config
	selectors     []string
	fieldNames    []string
	transport     http.RoundTripper
	baseCollector *colly.Collector

	limiter Limiter
	alerts  pnr.AlertSender
	archive pnr.BlobStore
	hasher  pnr.Hasher
	clock   pnr.Clock
	decoy   func() int
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLimiter installs a rate guard applied before each request.
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithAlertSender reports network failures and 5xx responses as medium alerts.
func WithAlertSender(a pnr.AlertSender) Option {
	return func(c *Client) { c.alerts = a }
}

// WithArchive stores bodies that yielded neither a row nor the terminal marker.
func WithArchive(store pnr.BlobStore, hasher pnr.Hasher) Option {
	return func(c *Client) {
		c.archive = store
		c.hasher = hasher
	}
}

// WithClock overrides the time source.
func WithClock(clock pnr.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithDecoy overrides the decoy number generator.
func WithDecoy(fn func() int) Option {
	return func(c *Client) { c.decoy = fn }
}

// WithTransport overrides the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		cfg:    cfg,
		clock:  system.New(),
		decoy:  randomDecoy,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = newHTTPTransport()
	}
	for _, s := range cfg.Selectors {
		c.selectors = append(c.selectors, s.CSS)
		c.fieldNames = append(c.fieldNames, s.Field)
	}

	base := colly.NewCollector(colly.Async(false))
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = true
	base.ParseHTTPErrorResponse = true
	base.WithTransport(c.transport)
	// Clones share the backend http.Client, so the timeout is set here only.
	base.SetRequestTimeout(cfg.Timeout)
	c.baseCollector = base
	return c
}

type response struct {
	status int
	body   []byte
}

// Fetch looks up one key. It never returns an error; every failure is carried
// in the returned result.
func (c *Client) Fetch(ctx context.Context, key pnr.LookupKey) (result pnr.StatusResult) {
	start := time.Now()
	outcome := outcomeOK
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("status lookup panicked", zap.String("key", string(key)), zap.Any("panic", rec))
			result = pnr.FailedResult(key, pnr.KindParse, fmt.Sprintf("internal error: %v", rec), c.clock.Now())
			outcome = outcomeParse
		}
		metrics.ObserveScrape(outcome, time.Since(start))
	}()

	valid, err := pnr.ValidateKey(string(key))
	if err != nil {
		outcome = outcomeValidation
		return pnr.FailedResult(key, pnr.KindValidation, err.Error(), c.clock.Now())
	}
	key = valid

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.cfg.Endpoint); err != nil {
			outcome = outcomeNetwork
			return c.transportFailure(ctx, key, err)
		}
	}

	resp, err := c.post(ctx, key)
	if err != nil {
		outcome = outcomeNetwork
		return c.transportFailure(ctx, key, err)
	}

	switch {
	case resp.status >= http.StatusInternalServerError:
		outcome = outcomeServer
		msg := fmt.Sprintf("status site returned HTTP %d", resp.status)
		c.alertUnavailable(ctx, key, msg, resp.status)
		return pnr.FailedResult(key, pnr.KindHTTPServer, msg, c.clock.Now())
	case resp.status < http.StatusOK || resp.status >= http.StatusMultipleChoices:
		outcome = outcomeClient
		return pnr.FailedResult(key, pnr.KindHTTPClient, fmt.Sprintf("status site returned HTTP %d", resp.status), c.clock.Now())
	}

	result, outcome = c.parse(ctx, key, resp.body)
	return result
}

func (c *Client) transportFailure(ctx context.Context, key pnr.LookupKey, err error) pnr.StatusResult {
	msg := err.Error()
	c.logger.Warn("status lookup failed", zap.String("key", string(key)), zap.Error(err))
	c.alertUnavailable(ctx, key, msg, 0)
	return pnr.FailedResult(key, pnr.KindNetwork, msg, c.clock.Now())
}

func (c *Client) alertUnavailable(ctx context.Context, key pnr.LookupKey, msg string, status int) {
	if c.alerts == nil {
		return
	}
	meta := map[string]any{
		"key":      string(key),
		"endpoint": c.cfg.Endpoint,
	}
	if status > 0 {
		meta["status"] = status
	}
	c.alerts.SendMediumAlert(ctx, "scraper_unavailable", "Status site unavailable", msg, meta)
}

func (c *Client) parse(ctx context.Context, key pnr.LookupKey, body []byte) (pnr.StatusResult, string) {
	now := c.clock.Now()
	terminal := c.cfg.TerminalMarker != "" &&
		bytes.Contains(bytes.ToLower(body), bytes.ToLower([]byte(c.cfg.TerminalMarker)))

	columns, err := extract.ExtractReader(bytes.NewReader(body), c.selectors)
	if err != nil {
		return pnr.FailedResult(key, pnr.KindParse, fmt.Sprintf("parse response: %v", err), now), outcomeParse
	}
	rows := extract.Reshape(columns, c.fieldNames)

	result := pnr.StatusResult{
		Key:               key,
		IsTerminalInvalid: terminal,
		LastUpdated:       now,
	}
	if len(rows) == 0 {
		if terminal {
			result.StatusText = pnr.StatusTerminal
			return result, outcomeTerminal
		}
		result.StatusText = pnr.StatusUnknown
		c.archiveBody(ctx, key, body, now)
		return result, outcomeUnknown
	}

	// Later rows are further legs of the same journey.
	row := rows[0]
	result.Origin = row[FieldOrigin]
	result.Destination = row[FieldDestination]
	result.Date = row[FieldDate]
	result.StatusText = row[FieldStatus]
	if result.StatusText == "" {
		result.StatusText = pnr.StatusUnknown
		if terminal {
			result.StatusText = pnr.StatusTerminal
		}
	}
	if terminal {
		return result, outcomeTerminal
	}
	return result, outcomeOK
}

func (c *Client) archiveBody(ctx context.Context, key pnr.LookupKey, body []byte, now time.Time) {
	if c.archive == nil || c.hasher == nil {
		return
	}
	digest, err := c.hasher.Hash(body)
	if err != nil {
		c.logger.Warn("hash unparsed body", zap.Error(err))
		return
	}
	path := fmt.Sprintf("unparsed/%s/%s.html", now.Format("2006-01-02"), digest)
	uri, err := c.archive.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("archive unparsed body", zap.String("key", string(key)), zap.Error(err))
		return
	}
	metrics.ObserveArchivedBody()
	c.logger.Info("archived unparsed body", zap.String("key", string(key)), zap.String("uri", uri))
}

func (c *Client) post(ctx context.Context, key pnr.LookupKey) (response, error) {
	var (
		resp     response
		fetchErr error
	)
	collector := c.baseCollector.Clone()
	collector.Context = ctx

	collector.OnResponse(func(r *colly.Response) {
		resp = response{status: r.StatusCode, body: append([]byte(nil), r.Body...)}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	decoy := strconv.Itoa(c.decoy())
	form := url.Values{}
	form.Set(c.cfg.KeyField, string(key))
	if c.cfg.DecoyField != "" {
		form.Set(c.cfg.DecoyField, decoy)
	}
	if c.cfg.DecoyEchoField != "" {
		form.Set(c.cfg.DecoyEchoField, decoy)
	}
	if c.cfg.SubmitField != "" {
		form.Set(c.cfg.SubmitField, c.cfg.SubmitValue)
	}

	if err := c.runCollector(ctx, collector, form, &fetchErr); err != nil {
		return response{}, err
	}
	return resp, nil
}

func (c *Client) headers() http.Header {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.UserAgent != "" {
		hdr.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Host != "" {
		hdr.Set("Host", c.cfg.Host)
	}
	if c.cfg.Origin != "" {
		hdr.Set("Origin", c.cfg.Origin)
	}
	if c.cfg.Referer != "" {
		hdr.Set("Referer", c.cfg.Referer)
	}
	return hdr
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, form url.Values, fetchErr *error) error {
	done := make(chan error, 1)
	body := form.Encode()
	hdr := c.headers()
	go func() {
		done <- collector.Request(http.MethodPost, c.cfg.Endpoint, strings.NewReader(body), nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("status request canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("status request failed: %w", describe(err))
		}
		if *fetchErr != nil {
			return fmt.Errorf("status response failed: %w", describe(*fetchErr))
		}
		return nil
	}
}

// describe turns transport timeouts into a stable message.
func describe(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timeout: %w", err)
	}
	return err
}

func randomDecoy() int {
	return 10000 + rand.IntN(90000)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
