package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProberStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)

	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber(nil)
	require.NoError(t, p.Probe(context.Background(), srv.URL))
	assert.Equal(t, UserAgent, agent.Load())

	status.Store(http.StatusServiceUnavailable)
	err := p.Probe(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrBadStatus))
}

func TestHTTPProberFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/missing", http.StatusMovedPermanently)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewHTTPProber(nil)
	require.NoError(t, p.Probe(context.Background(), srv.URL+"/"))

	err := p.Probe(context.Background(), srv.URL+"/gone")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrBadStatus), "final status decides")

	probe, err := New(srv.URL+"/", time.Second, nil)
	require.NoError(t, err)
	assert.True(t, probe.Check(context.Background()))
}

func TestHTTPProberConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPProber(nil).Probe(context.Background(), url)
	assert.True(t, errors.HasCode(err, ErrProbeFailed))
}

func TestCheckTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := New(srv.URL, 50*time.Millisecond, nil)
	require.NoError(t, err)

	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.Healthy())
	assert.NotEmpty(t, p.Status().LastError)
}

type scriptedProber struct {
	results []error
	calls   int
}

func (s *scriptedProber) Probe(context.Context, string) error {
	err := s.results[s.calls%len(s.results)]
	s.calls++
	return err
}

func TestCheckNotifiesOnlyOnChange(t *testing.T) {
	down := errors.New().WithData(ErrBadStatus, 500)
	prober := &scriptedProber{results: []error{nil, down, down, nil, nil}}

	p, err := New("http://backend.invalid/", time.Second, prober)
	require.NoError(t, err)
	assert.True(t, p.Healthy(), "starts healthy")

	var changes []bool
	p.OnChange(func(healthy bool, _ error) {
		changes = append(changes, healthy)
	})

	for i := 0; i < 5; i++ {
		p.Check(context.Background())
	}

	assert.Equal(t, []bool{false, true}, changes)
	assert.True(t, p.Healthy())
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New("", time.Second, nil)
	assert.True(t, errors.HasCode(err, ErrInvalidConfig))
}
