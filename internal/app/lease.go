package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/domain"
	"github.com/pscheid92/crowdpad/internal/platform/retry"
)

const leaseReleaseTimeout = 2 * time.Second

// Lease grants exclusive use of the actuator across instances.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

type subscriber interface {
	Subscribe(ctx context.Context) error
	Unsubscribe()
}

// LeaseKeeper subscribes the orchestrator while this instance holds the
// actuator lease and unsubscribes it when the lease is lost. Instances without
// the lease stay on standby and keep trying to acquire it.
type LeaseKeeper struct {
	lease    Lease
	target   subscriber
	clock    clockwork.Clock
	interval time.Duration
	policy   retry.Policy

	held bool
}

// NewLeaseKeeper checks the lease every interval, which must be well below
// the lease TTL.
func NewLeaseKeeper(lease Lease, target subscriber, clock clockwork.Clock, interval time.Duration) *LeaseKeeper {
	policy := retry.Lease()
	policy.Clock = clock
	return &LeaseKeeper{lease: lease, target: target, clock: clock, interval: interval, policy: policy}
}

// Run blocks until ctx is cancelled, then unsubscribes and releases the lease
// if held.
func (k *LeaseKeeper) Run(ctx context.Context) {
	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	k.step(ctx)
	for {
		select {
		case <-ctx.Done():
			k.stepDown()
			return
		case <-ticker.Chan():
			k.step(ctx)
		}
	}
}

func (k *LeaseKeeper) step(ctx context.Context) {
	if k.held {
		k.renew(ctx)
		return
	}

	ok, err := k.lease.TryAcquire(ctx)
	if err != nil {
		slog.Warn("Failed to acquire actuator lease", "error", err)
		return
	}
	if !ok {
		slog.Debug("Actuator lease held elsewhere, staying on standby")
		return
	}

	if err := k.target.Subscribe(ctx); err != nil {
		slog.Error("Acquired actuator lease but failed to subscribe", "error", err)
		k.release()
		return
	}
	k.held = true
	slog.Info("Acquired actuator lease")
}

// renew retries transient failures so a blip in Redis does not hand the
// actuator to another instance. A lost lease is final.
func (k *LeaseKeeper) renew(ctx context.Context) {
	p := k.policy
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Failed to renew actuator lease, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}

	err := retry.DoVoid(ctx, p, classifyLeaseError, k.lease.Renew)
	if err == nil || ctx.Err() != nil {
		return
	}

	if errors.Is(err, domain.ErrLeaseLost) {
		slog.Warn("Actuator lease lost, stopping arbitration")
	} else {
		slog.Error("Failed to renew actuator lease, stopping arbitration", "error", err)
	}
	k.target.Unsubscribe()
	k.held = false
}

func (k *LeaseKeeper) stepDown() {
	if !k.held {
		return
	}
	k.target.Unsubscribe()
	k.release()
	k.held = false
	slog.Info("Released actuator lease")
}

func (k *LeaseKeeper) release() {
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
	defer cancel()
	if err := k.lease.Release(ctx); err != nil {
		slog.Warn("Failed to release actuator lease", "error", err)
	}
}

func classifyLeaseError(err error) retry.Action {
	if errors.Is(err, domain.ErrLeaseLost) {
		return retry.Stop
	}
	return retry.Retry
}
