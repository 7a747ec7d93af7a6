package health

import (
	"context"
	"io"
	"net/http"

	"codeberg.org/mutker/loadguard/internal/errors"
)

const UserAgent = "LoadGuard-HealthCheck/1.0"

// Prober performs one liveness check. A nil error means the backend is alive.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber issues a GET, follows redirects, and treats a final 2xx response as alive.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober using client, or a default client when nil.
// Deadlines come from the context passed to Probe.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPProber{client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	errFactory := errors.New()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errFactory.Wrap(ErrBuildRequest, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errFactory.Wrap(ErrProbeTimeout, err)
		}
		return errFactory.Wrap(ErrProbeFailed, err)
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errFactory.WithData(ErrBadStatus, resp.StatusCode)
	}

	return nil
}
