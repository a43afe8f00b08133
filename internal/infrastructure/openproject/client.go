// Package openproject is the single point of contact with the OpenProject
// REST API. It owns connection pooling, bounded concurrency, retry with
// backoff, and the mapping of HTTP failures onto a closed error taxonomy.
package openproject

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opmcp/opmcp/internal/domain"
)

const (
	// DefaultMaxConnections caps concurrent in-flight backend requests.
	DefaultMaxConnections = 10
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second

	apiBasePath = "/api/v3"

	maxAttempts      = 3
	baseRetryDelay   = time.Second
	maxRetryDelay    = 30 * time.Second
	maxResponseBytes = 8 << 20
)

// defaultFilters is applied when a caller passes no work package filters:
// "status is not empty", the backend's way of saying "everything real".
var defaultFilters = []map[string]any{
	{"status_id": map[string]any{"operator": "!", "values": []string{""}}},
}

// ClientConfig carries the connection parameters for one backend.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	MaxConnections int
	Timeout        time.Duration
	UserAgent      string
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = "opmcp/dev"
	}
	return c
}

// Key derives a stable cache key from the connection parameters. Two
// configs with the same key are interchangeable clients.
func (c ClientConfig) Key() string {
	c = c.withDefaults()
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s",
		c.BaseURL, c.APIKey, c.MaxConnections, c.Timeout))
	return hex.EncodeToString(sum[:])
}

// Client is a pooled, retrying OpenProject API client. Safe for concurrent
// use; create one per backend configuration and Close it on shutdown.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	pool   *slotPool
	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client. The underlying HTTP connection group is
// created here but connections are only dialed on first use.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConnections * 2,
		MaxIdleConnsPerHost: cfg.MaxConnections,
		MaxConnsPerHost:     cfg.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		pool:   newSlotPool(cfg.MaxConnections),
		logger: logger.With(slog.String("component", "openproject")),
		sleep:  sleepCtx,
	}
}

// GetProject fetches a single project by id.
func (c *Client) GetProject(ctx context.Context, projectID int) (*domain.Project, error) {
	body, err := c.get(ctx, "get project", apiBasePath+"/projects/"+strconv.Itoa(projectID), nil)
	if err != nil {
		return nil, err
	}
	project, err := MapProject(body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("retrieved project",
		slog.Int("project_id", project.ID), slog.String("name", project.Name))
	return project, nil
}

// GetWorkPackages fetches the work packages of a project. A nil filter list
// defaults to "status is not empty". The result length equals the single
// page the backend returned; there is no pagination merge.
func (c *Client) GetWorkPackages(ctx context.Context, projectID int, filters []map[string]any) ([]domain.WorkPackage, error) {
	if filters == nil {
		filters = defaultFilters
	}
	filterJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "get work packages", Err: err}
	}
	query := url.Values{}
	query.Set("filters", string(filterJSON))
	query.Set("project_id", strconv.Itoa(projectID))

	body, err := c.get(ctx, "get work packages", apiBasePath+"/work_packages", query)
	if err != nil {
		return nil, err
	}
	packages, err := MapWorkPackages(body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("retrieved work packages",
		slog.Int("project_id", projectID), slog.Int("count", len(packages)))
	return packages, nil
}

// GetWeeklyReport fetches the project and its work packages concurrently
// and assembles a report. If either fetch fails the whole report fails; if
// both fail, the first error observed wins. Never returns a partial report.
func (c *Client) GetWeeklyReport(ctx context.Context, projectID int, week string) (*domain.WeeklyReport, error) {
	if err := domain.ValidateWeek(week); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "get weekly report", Err: err}
	}

	var (
		wg       sync.WaitGroup
		project  *domain.Project
		packages []domain.WorkPackage
	)
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		p, err := c.GetProject(ctx, projectID)
		if err != nil {
			errs <- err
			return
		}
		project = p
	}()
	go func() {
		defer wg.Done()
		wps, err := c.GetWorkPackages(ctx, projectID, nil)
		if err != nil {
			errs <- err
			return
		}
		packages = wps
	}()
	wg.Wait()

	select {
	case err := <-errs:
		return nil, err
	default:
	}

	report := domain.NewWeeklyReport(*project, packages, week)
	c.logger.Info("generated weekly report",
		slog.Int("project_id", projectID), slog.String("week", report.Week))
	return &report, nil
}

// Close releases pooled connections. Safe to call multiple times; any
// operation after the first Close fails with a closed-client error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if transport, ok := c.http.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
		c.logger.Info("client closed")
	})
	return nil
}

// get runs one logical read: acquire a pool slot, dispatch with retry,
// release the slot on every exit path.
func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	if c.closed.Load() {
		return nil, &Error{Kind: KindClosed, Op: op}
	}
	if err := c.pool.acquire(ctx); err != nil {
		return nil, fmt.Errorf("%s: acquire pool slot: %w", op, err)
	}
	defer c.pool.release()

	var lastErr error
	delay := baseRetryDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, err := c.doOnce(ctx, op, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == maxAttempts {
			break
		}
		wait := jitter(delay)
		c.logger.Warn("transient backend failure, retrying",
			slog.String("op", op), slog.Int("attempt", attempt),
			slog.Duration("backoff", wait), slog.String("err", err.Error()))
		if err := c.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		delay = min(delay*2, maxRetryDelay)
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/hal+json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is the caller's deadline, not a backend fault.
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindAuth, Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: KindNotFound, Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode}
	default:
		return nil, &Error{Kind: KindProtocol, Op: op, StatusCode: resp.StatusCode}
	}
}

// jitter spreads a backoff delay over [d/2, d) so that concurrent retries
// do not stampede the backend in lockstep.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + rand.N(half)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
