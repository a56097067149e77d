// Package circuitbreaker wraps an http.RoundTripper with a gobreaker circuit
// breaker per upstream host.
package circuitbreaker

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

var ErrUpstreamUnavailable = errors.New("upstream unavailable, circuit open")

// errServerFailure marks a 5xx response as a breaker failure without hiding
// the response from the caller.
var errServerFailure = errors.New("upstream server error")

type Settings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
	OnStateChange    func(name string, from, to gobreaker.State)
}

func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

type Transport struct {
	base     http.RoundTripper
	settings Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func NewTransport(base http.RoundTripper, s Settings) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:     base,
		settings: s,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	cb := t.breaker(req.URL.Host)

	resp, err := cb.Execute(func() (*http.Response, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerFailure
		}
		return resp, nil
	})

	switch {
	case errors.Is(err, errServerFailure):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, req.URL.Host)
	case err != nil:
		return nil, err
	}
	return resp, nil
}

// State returns the breaker state for host, closed when never used.
func (t *Transport) State(host string) gobreaker.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (t *Transport) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[host]; ok {
		return cb
	}
	threshold := t.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: t.settings.HalfOpenRequests,
		Timeout:     t.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: t.settings.OnStateChange,
	})
	t.breakers[host] = cb
	return cb
}
