package metrics

import (
	"context"
	"sync/atomic"

	"codeberg.org/mutker/loadguard/internal/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSource reads CPU, memory and load average from the local host.
//
// Reads of /proc do not observe the context, so a read that outlives the context is
// abandoned and the sample fails with ErrOperationTimeout. Until the abandoned read
// returns, further samples fail fast instead of stacking up more blocked reads.
type HostSource struct {
	read    func(ctx context.Context) (Reading, error)
	pending atomic.Bool
}

func NewHostSource() *HostSource {
	return &HostSource{read: readHost}
}

type hostResult struct {
	reading Reading
	err     error
}

// Sample returns CPU usage since the previous call, used memory percentage and the
// 1-minute load average. Any failing signal fails the whole reading.
func (h *HostSource) Sample(ctx context.Context) (Reading, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return Reading{}, errFactory.Wrap(ErrOperationTimeout, err)
	}
	if !h.pending.CompareAndSwap(false, true) {
		return Reading{}, errFactory.WithMessage(ErrOperationTimeout, "previous host read still pending")
	}

	done := make(chan hostResult, 1)
	go func() {
		defer h.pending.Store(false)
		r, err := h.read(ctx)
		done <- hostResult{r, err}
	}()

	select {
	case res := <-done:
		return res.reading, res.err
	case <-ctx.Done():
		return Reading{}, errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	}
}

func readHost(ctx context.Context) (Reading, error) {
	errFactory := errors.New()

	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Reading{}, errFactory.Wrap(ErrCPUSample, err)
	}
	if len(percent) == 0 {
		return Reading{}, errFactory.WithMessage(ErrCPUSample, "no CPU statistics reported")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Reading{}, errFactory.Wrap(ErrMemorySample, err)
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return Reading{}, errFactory.Wrap(ErrLoadSample, err)
	}

	return Reading{
		CPU:    percent[0],
		Memory: vm.UsedPercent,
		Load:   avg.Load1,
	}, nil
}
