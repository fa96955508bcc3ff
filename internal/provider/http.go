// Package provider fetches participant business cards from remote
// registries over HTTP.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/store"
)

// maxBody caps how much of a registry response is read.
const maxBody = 4 << 20

// Options configures an HTTPProvider.
type Options struct {
	Resolver Resolver
	// Timeout bounds one HTTP request. Default 30s.
	Timeout time.Duration
	// RateLimit is requests per second. 0 disables limiting.
	RateLimit float64
	Burst     int
	// MaxAttempts is the in-call retry budget for transient errors. Default 3.
	MaxAttempts        int
	CircuitMaxFailures int
	CircuitReset       time.Duration
	UserAgent          string
	// Client overrides the HTTP client. Used by tests.
	Client *http.Client
	Logger *slog.Logger
}

// HTTPProvider fetches cards with GET {base}/businesscard/{participant}.
type HTTPProvider struct {
	client    *http.Client
	transport *http.Transport
	resolver  Resolver
	timeout   time.Duration
	limiter   *rate.Limiter
	breaker   *cierrors.CircuitBreaker
	retry     cierrors.RetryConfig
	userAgent string
	logger    *slog.Logger
}

// New creates an HTTPProvider.
func New(opts Options) (*HTTPProvider, error) {
	if opts.Resolver == nil {
		return nil, cierrors.ConfigError("provider requires a resolver", nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cardindex"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &HTTPProvider{
		resolver:  opts.Resolver,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
	}

	if opts.Client != nil {
		p.client = opts.Client
	} else {
		// No http.Client.Timeout: it would override the per-request context.
		p.transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
		p.client = &http.Client{Transport: p.transport}
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(limit, burst)

	var cbOpts []cierrors.CircuitBreakerOption
	if opts.CircuitMaxFailures > 0 {
		cbOpts = append(cbOpts, cierrors.WithMaxFailures(opts.CircuitMaxFailures))
	}
	if opts.CircuitReset > 0 {
		cbOpts = append(cbOpts, cierrors.WithResetTimeout(opts.CircuitReset))
	}
	p.breaker = cierrors.NewCircuitBreaker("registry", cbOpts...)

	p.retry = cierrors.DefaultRetryConfig()
	p.retry.MaxAttempts = uint(opts.MaxAttempts)
	p.retry.RetryIf = func(err error) bool {
		switch cierrors.GetCode(err) {
		case cierrors.ErrCodeCardNotFound, cierrors.ErrCodeCircuitOpen:
			// Both are retried later by the pipeline, not in-call.
			return false
		}
		return cierrors.IsRetryable(err)
	}
	return p, nil
}

// Breaker exposes the circuit breaker state for status reporting.
func (p *HTTPProvider) Breaker() *cierrors.CircuitBreaker {
	return p.breaker
}

// Fetch returns the participant's business card. A card the registry
// does not know yields an ErrCodeCardNotFound error.
func (p *HTTPProvider) Fetch(ctx context.Context, participantID string) (*store.BusinessCard, error) {
	base, err := p.resolver.Resolve(ctx, participantID)
	if err != nil {
		return nil, err
	}
	endpoint := base + "/businesscard/" + url.PathEscape(participantID)

	return cierrors.Retry(ctx, p.retry, func() (*store.BusinessCard, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, cierrors.New(cierrors.ErrCodeNetworkTimeout, "rate limiter wait aborted", err)
		}

		var (
			card    *store.BusinessCard
			cardErr error
		)
		err := p.breaker.Execute(func() error {
			c, err := p.get(ctx, endpoint, participantID)
			if err != nil && isUpstreamFault(err) {
				return err
			}
			// The registry answered; a missing or malformed card is not an outage.
			card, cardErr = c, err
			return nil
		})
		if err != nil {
			return nil, err
		}
		return card, cardErr
	})
}

func (p *HTTPProvider) get(ctx context.Context, endpoint, participantID string) (*store.BusinessCard, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, cierrors.New(cierrors.ErrCodeInvalidParticipant, "cannot build registry request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, cierrors.New(cierrors.ErrCodeNetworkTimeout, "registry request timed out", err).
				WithDetail("url", endpoint)
		}
		return nil, cierrors.NetworkError("registry request failed", err).WithDetail("url", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	p.logger.Debug("registry_response",
		slog.String("participant", participantID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, cierrors.New(cierrors.ErrCodeCardNotFound, "registry has no business card for participant", nil).
			WithDetail("participant", participantID)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, cierrors.NetworkError(fmt.Sprintf("registry returned %d", resp.StatusCode), errors.New(string(body))).
			WithDetail("url", endpoint)
	default:
		return nil, cierrors.New(cierrors.ErrCodeCardInvalid, fmt.Sprintf("registry returned %d", resp.StatusCode), nil).
			WithDetail("participant", participantID)
	}

	var card store.BusinessCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&card); err != nil {
		return nil, cierrors.New(cierrors.ErrCodeCardInvalid, "registry returned an undecodable business card", err).
			WithDetail("participant", participantID)
	}
	if card.ParticipantID == "" {
		card.ParticipantID = participantID
	}
	if card.ParticipantID != participantID {
		return nil, cierrors.New(cierrors.ErrCodeCardInvalid, "registry returned a card for another participant", nil).
			WithDetail("participant", participantID).
			WithDetail("returned", card.ParticipantID)
	}
	return &card, nil
}

// isUpstreamFault reports errors that say the registry itself is unhealthy.
func isUpstreamFault(err error) bool {
	switch cierrors.GetCode(err) {
	case cierrors.ErrCodeNetworkTimeout, cierrors.ErrCodeNetworkUnavailable:
		return true
	}
	return false
}

// Close releases idle connections.
func (p *HTTPProvider) Close() {
	if p.transport != nil {
		p.transport.CloseIdleConnections()
	}
}
