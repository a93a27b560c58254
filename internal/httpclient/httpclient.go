// Package httpclient builds the outbound HTTP clients used for tracker and
// LLM traffic: bounded timeouts, circuit-breaker protection, retry with
// exponential backoff, and size-limited body reads.
package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"clawd/internal/logging"
)

// New returns an http.Client for outbound requests. It clones the default
// transport so proxy environment variables keep working.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport(),
	}
}

// NewWithBreaker returns an http.Client whose transport is guarded by a
// named circuit breaker. Repeated failures open the circuit and requests
// fail fast with ErrCircuitOpen until the cooldown elapses.
func NewWithBreaker(timeout time.Duration, name string, cfg BreakerConfig, logger logging.Logger) *http.Client {
	client := New(timeout)
	client.Transport = &breakerRoundTripper{
		base:    client.Transport,
		breaker: NewBreaker(name, cfg, logger),
	}
	return client
}

func transport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	return base.Clone()
}

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *Breaker
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// A canceled caller says nothing about the upstream's health.
		if req.Context().Err() != nil {
			t.breaker.Mark(nil)
		} else {
			t.breaker.Mark(err)
		}
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

// ResponseTooLargeError reports that a response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether err is a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r up to limit bytes. limit <= 0 reads everything.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}
