package enclave

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// Spawner starts the platform-specific isolated instance (an SGX
// enclave, a Nitro EIF, or the in-process simulation backend used by
// tests) and returns a connected Transport. Implementations are
// platform-specific and live outside this package; Spawn only needs
// the abstract factory.
type Spawner func(ctx context.Context, image string, debug bool) (Transport, error)

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	Image         string
	Debug         bool
	PolicyJSON    []byte
	ReadyTimeout  time.Duration
	PollInterval  time.Duration
}

// Spawn starts a new enclave instance, sends Initialize with the given
// policy bytes, and waits for it to become ready before returning its
// Driver.
//
// The original implementation this is grounded on performs a fixed
// 10-second (and, for the platform bring-up step, 15-second) sleep
// after spawning and before assuming the enclave is reachable. That is
// a known-bad pattern: it is too slow when the enclave is actually fast
// and too fast (silently) when it is slow. Spawn instead polls on a
// short cron schedule bounded by ReadyTimeout, returning promptly once
// the enclave answers.
func Spawn(ctx context.Context, log zerolog.Logger, spawner Spawner, opts SpawnOptions) (*Driver, error) {
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 20 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 250 * time.Millisecond
	}

	t, err := spawner(ctx, opts.Image, opts.Debug)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.Transport, fmt.Errorf("spawn enclave: %w", err))
	}
	d := New(log, t)

	if err := waitReady(ctx, d, opts.PollInterval, opts.ReadyTimeout); err != nil {
		_ = d.Close(ctx)
		return nil, err
	}

	reply, err := d.Send(ctx, &wire.Message{Tag: wire.TagInitialize, PolicyJSON: opts.PolicyJSON})
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	if reply.Tag != wire.TagStatus || reply.Status != wire.StatusSuccess {
		_ = d.Close(ctx)
		return nil, brokererr.New(brokererr.Internal, "enclave rejected Initialize")
	}
	return d, nil
}

// waitReady polls the enclave with a cheap GetEnclaveName request on a
// cron-scheduled interval, using cron.Schedule rather than a fixed
// sleep, returning as soon as one round trip succeeds.
func waitReady(ctx context.Context, d *Driver, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	schedule := cron.ConstantDelaySchedule{Delay: interval}

	next := time.Now()
	for {
		if time.Now().After(deadline) {
			return brokererr.New(brokererr.Transport, "enclave did not become ready before timeout")
		}
		select {
		case <-ctx.Done():
			return brokererr.Wrap(brokererr.Transport, ctx.Err())
		default:
		}

		if time.Now().After(next) || time.Now().Equal(next) {
			if _, err := d.Send(ctx, &wire.Message{Tag: wire.TagGetEnclaveName}); err == nil {
				return nil
			}
			next = schedule.Next(time.Now())
		}
		time.Sleep(minDuration(interval, 25*time.Millisecond))
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
