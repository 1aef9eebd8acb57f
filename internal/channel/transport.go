package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBody = 4 << 20

// Limiter is the quota counter a transport draws permits from.
type Limiter interface {
	Acquire(ctx context.Context, key ratelimit.AccountKey) (*ratelimit.Permit, error)
	Observe(ctx context.Context, key ratelimit.AccountKey, obs ratelimit.Observation) error
	Settle(ctx context.Context, p *ratelimit.Permit) error
	Release(ctx context.Context, p *ratelimit.Permit) error
}

// QuotaReader extracts the quota a channel reports in response headers.
type QuotaReader func(h http.Header, now time.Time) (ratelimit.Observation, bool)

// Transport performs JSON calls against one channel API. Every call takes a
// permit from the limiter first and reports the channel's quota headers
// back to it afterwards.
type Transport struct {
	name    string
	baseURL string
	client  *http.Client
	quota   QuotaReader
	now     func() time.Time
	logger  *slog.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TransportOption {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport returns a transport for the channel called name.
func NewTransport(name, baseURL string, quota QuotaReader, opts ...TransportOption) *Transport {
	t := &Transport{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		quota:  quota,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Name returns the channel name.
func (t *Transport) Name() string {
	return t.name
}

// Call describes one request.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

// Do performs call for acct and decodes a JSON response into out. lim may be
// nil. A quota deferral surfaces as *ratelimit.DeferredError, a non-2xx
// response as *APIError.
func (t *Transport) Do(ctx context.Context, lim Limiter, acct Account, call Call, out any) error {
	req, err := t.newRequest(ctx, call)
	if err != nil {
		return err
	}

	var permit *ratelimit.Permit
	if lim != nil {
		permit, err = lim.Acquire(ctx, acct.Key)
		if err != nil {
			return err
		}
	}
	// quota bookkeeping must happen even if the caller's context ends
	bookkeeping := context.WithoutCancel(ctx)
	if permit != nil && ctx.Err() != nil {
		if rerr := lim.Release(bookkeeping, permit); rerr != nil {
			t.logger.Warn("channel: release permit failed", "channel", t.name, "error", rerr)
		}
		return ctx.Err()
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if permit != nil {
			if serr := lim.Settle(bookkeeping, permit); serr != nil {
				t.logger.Warn("channel: settle permit failed", "channel", t.name, "error", serr)
			}
		}
		return fmt.Errorf("%s: %s %s: %w", t.name, call.Method, call.Path, err)
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if permit != nil {
		t.report(bookkeeping, lim, acct, permit, resp.Header)
	}
	if readErr != nil {
		return fmt.Errorf("%s: read response: %w", t.name, readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Channel:    t.name,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), t.now()),
		}
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", t.name, err)
		}
	}
	return nil
}

func (t *Transport) newRequest(ctx context.Context, call Call) (*http.Request, error) {
	u := t.baseURL + call.Path
	if len(call.Query) > 0 {
		u += "?" + call.Query.Encode()
	}
	var body io.Reader
	if call.Body != nil {
		raw, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", t.name, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, u, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (t *Transport) report(ctx context.Context, lim Limiter, acct Account, permit *ratelimit.Permit, h http.Header) {
	var obs ratelimit.Observation
	ok := false
	if t.quota != nil {
		obs, ok = t.quota(h, t.now())
	}
	var err error
	if ok {
		err = lim.Observe(ctx, acct.Key, obs)
	} else {
		err = lim.Settle(ctx, permit)
	}
	if err != nil {
		t.logger.Warn("channel: quota bookkeeping failed", "channel", t.name, "account", acct.Key.String(), "error", err)
	}
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	var shaped struct {
		Error  any    `json:"error"`
		Errors any    `json:"errors"`
		Msg    string `json:"message"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		switch {
		case shaped.Msg != "":
			return shaped.Msg
		case shaped.Error != nil:
			return fmt.Sprint(shaped.Error)
		case shaped.Errors != nil:
			return fmt.Sprint(shaped.Errors)
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// ParseRetryAfter reads a Retry-After value in seconds or HTTP-date form.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
