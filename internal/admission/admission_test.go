package admission

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"codeberg.org/mutker/loadguard/internal/access"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	redirect   bool
	retryAfter int
}

func (f *fakeState) ShouldRedirect() (bool, int) {
	return f.redirect, f.retryAfter
}

func newDecider(state *fakeState) *Decider {
	ctl := access.New([]string{"10.0.0.1"}, []string{"let-me-in-please"})
	return NewDecider(ctl, state, "")
}

func request(target, remote string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.RemoteAddr = remote
	return r
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		state    fakeState
		target   string
		remote   string
		header   string
		redirect bool
		reason   Reason
	}{
		{"normal", fakeState{}, "/app", "203.0.113.1:1000", "", false, ReasonNormal},
		{"overloaded", fakeState{true, 42}, "/app", "203.0.113.1:1000", "", true, ReasonOverloaded},
		{"whitelisted", fakeState{true, 42}, "/app", "10.0.0.1:1000", "", false, ReasonWhitelist},
		{"mapped whitelisted", fakeState{true, 42}, "/app", "[::ffff:10.0.0.1]:1000", "", false, ReasonWhitelist},
		{"bypass header", fakeState{true, 42}, "/app", "203.0.113.1:1000", "let-me-in-please", false, ReasonBypass},
		{"bypass query", fakeState{true, 42}, "/app?bypass_token=let-me-in-please", "203.0.113.1:1000", "", false, ReasonBypass},
		{"holding", fakeState{true, 42}, "/holding/style.css", "203.0.113.1:1000", "", false, ReasonExemptPath},
		{"status", fakeState{true, 42}, "/status/history", "203.0.113.1:1000", "", false, ReasonExemptPath},
		{"health", fakeState{true, 42}, "/health", "203.0.113.1:1000", "", false, ReasonExemptPath},
		{"release", fakeState{true, 42}, "/release/abc", "203.0.113.1:1000", "", false, ReasonExemptPath},
		{"ws", fakeState{true, 42}, "/ws", "203.0.113.1:1000", "", false, ReasonExemptPath},
		{"health prefix only", fakeState{true, 42}, "/healthz", "203.0.113.1:1000", "", true, ReasonOverloaded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.state
			d := newDecider(&state)
			r := request(tt.target, tt.remote)
			if tt.header != "" {
				r.Header.Set(access.TokenHeader, tt.header)
			}

			dec := d.Decide(r)
			assert.Equal(t, tt.redirect, dec.Redirect)
			assert.Equal(t, tt.reason, dec.Reason)
		})
	}
}

func TestMiddlewareRedirect(t *testing.T) {
	state := &fakeState{redirect: true, retryAfter: 60}
	counter := &Counter{}
	var reached bool
	h := Middleware(newDecider(state), counter, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("/checkout", "198.51.100.4:5555"))

	assert.False(t, reached)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/holding", rec.Header().Get("Location"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(0), counter.Current())

	// retry-after tracks the state at request time
	state.retryAfter = 59
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request("/checkout", "198.51.100.4:5555"))
	assert.Equal(t, "59", rec.Header().Get("Retry-After"))

	// unhealthy backend outside cooldown
	state.retryAfter = 0
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request("/checkout", "198.51.100.4:5555"))
	assert.Equal(t, "0", rec.Header().Get("Retry-After"))
}

func TestMiddlewareBypassDuringOverload(t *testing.T) {
	state := &fakeState{redirect: true, retryAfter: 60}
	counter := &Counter{}
	var inFlight int64
	h := Middleware(newDecider(state), counter, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		inFlight = counter.Current()
		w.WriteHeader(http.StatusNoContent)
	}))

	r := request("/checkout", "198.51.100.4:5555")
	r.Header.Set(access.TokenHeader, "let-me-in-please")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(1), inFlight)
	assert.Equal(t, int64(0), counter.Current())
}

func TestMiddlewareCustomHoldingPath(t *testing.T) {
	state := &fakeState{redirect: true, retryAfter: 5}
	d := NewDecider(access.New(nil, nil), state, "/maintenance")
	h := Middleware(d, &Counter{}, http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("/maintenance", "198.51.100.4:5555"))
	assert.Equal(t, http.StatusNotFound, rec.Code, "holding path itself is exempt")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request("/", "198.51.100.4:5555"))
	assert.Equal(t, "/maintenance", rec.Header().Get("Location"))
}

func TestCounterConcurrent(t *testing.T) {
	const m = 500
	c := &Counter{}
	c.Start()
	before := c.Current()

	var wg sync.WaitGroup
	wg.Add(m)
	for i := 0; i < m; i++ {
		go func() {
			defer wg.Done()
			c.Start()
		}()
	}
	wg.Wait()
	require.Equal(t, before+m, c.Current())

	wg.Add(m)
	for i := 0; i < m; i++ {
		go func() {
			defer wg.Done()
			c.Finish()
		}()
	}
	wg.Wait()
	assert.Equal(t, before, c.Current())
}

func TestCounterNeverNegative(t *testing.T) {
	c := &Counter{}

	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			c.Finish()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), c.Current())

	c.Start()
	c.Reset()
	assert.Equal(t, int64(0), c.Current())
}
