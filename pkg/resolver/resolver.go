// Package resolver performs a single DoH exchange against an endpoint
// selected by the upstream manager and normalizes the answer's TTL.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"

	"dohproxy/pkg/cache"
	"dohproxy/pkg/upstream"
)

const (
	requestTimeout  = 5 * time.Second
	maxResponseSize = 65535
)

// ErrNoUpstreamAvailable is returned when the upstream manager's Select
// reports no endpoint, which happens only with an empty endpoint list.
// upstream.New panics on an empty list, so a Manager built by New never
// yields it.
var ErrNoUpstreamAvailable = errors.New("resolver: no upstream available")

// UpstreamError wraps a failure talking to the chosen upstream: timeout,
// connection error, or non-2xx status.
type UpstreamError struct {
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("resolver: upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Resolver issues DoH exchanges over a shared HTTP client, using the
// upstream manager to pick an endpoint and to record the outcome.
type Resolver struct {
	client    *http.Client
	upstreams *upstream.Manager
}

// New builds a Resolver. client is expected to be configured for HTTP/2
// and connection reuse by the caller (server startup).
func New(client *http.Client, upstreams *upstream.Manager) *Resolver {
	return &Resolver{client: client, upstreams: upstreams}
}

// Resolve picks an endpoint, POSTs the raw DNS query, and computes the
// answer's effective TTL. It never retries across endpoints — that
// decision belongs to the caller.
func (r *Resolver) Resolve(ctx context.Context, queryBytes []byte) (responseBytes []byte, ttl time.Duration, err error) {
	ep, ok := r.upstreams.Select()
	if !ok {
		return nil, 0, ErrNoUpstreamAvailable
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(queryBytes))
	if err != nil {
		r.upstreams.RecordFailure(ep)
		return nil, 0, &UpstreamError{URL: ep.URL, Err: err}
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.upstreams.RecordFailure(ep)
		return nil, 0, &UpstreamError{URL: ep.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.upstreams.RecordFailure(ep)
		return nil, 0, &UpstreamError{URL: ep.URL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		r.upstreams.RecordFailure(ep)
		return nil, 0, &UpstreamError{URL: ep.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	elapsed := time.Since(start)

	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		r.upstreams.RecordFailure(ep)
		return nil, 0, &UpstreamError{URL: ep.URL, Err: fmt.Errorf("decode response: %w", err)}
	}

	ttl = answerTTL(msg)
	r.upstreams.RecordSuccess(ep, elapsed)
	return body, ttl, nil
}

// answerTTL computes the minimum TTL across the answer section, clamped to
// [1s, 3600s], defaulting to 60s when there are no answer records.
func answerTTL(msg *dns.Msg) time.Duration {
	if len(msg.Answer) == 0 {
		return cache.DefaultTTL()
	}
	min := msg.Answer[0].Header().Ttl
	for _, rr := range msg.Answer[1:] {
		if t := rr.Header().Ttl; t < min {
			min = t
		}
	}
	return cache.ClampTTL(time.Duration(min) * time.Second)
}
