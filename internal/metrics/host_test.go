package metrics

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostSourceAbandonsHungRead(t *testing.T) {
	release := make(chan struct{})
	h := &HostSource{read: func(context.Context) (Reading, error) {
		<-release
		return Reading{CPU: 1, Memory: 2, Load: 3}, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Sample(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrOperationTimeout))
	assert.Less(t, time.Since(start), time.Second)

	_, err = h.Sample(context.Background())
	assert.True(t, errors.HasCode(err, ErrOperationTimeout), "no second read while the first is stuck")

	close(release)
	require.Eventually(t, func() bool {
		return !h.pending.Load()
	}, time.Second, 5*time.Millisecond)

	r, err := h.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Reading{CPU: 1, Memory: 2, Load: 3}, r)
}

func TestSamplerMapsDeadlineToTimeout(t *testing.T) {
	s, err := NewSampler(ctxSource{}, nil, Config{Alpha: 0.3, HistorySize: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = s.Sample(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrOperationTimeout))
	assert.Zero(t, s.History().Len())
}

type ctxSource struct{}

func (ctxSource) Sample(ctx context.Context) (Reading, error) {
	<-ctx.Done()
	return Reading{}, ctx.Err()
}
