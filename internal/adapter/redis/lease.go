package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/crowdpad/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultLeaseKey = "crowdpad:actuator:lease"
	DefaultLeaseTTL = 15 * time.Second
)

// Renew and release only touch the key while this holder still owns it.
var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// Lease is a Redis lock with a TTL that grants one instance the right to drive
// the actuator. holder should be unique per process, e.g. hostname-pid.
type Lease struct {
	rdb    *goredis.Client
	key    string
	holder string
	ttl    time.Duration
}

func NewLease(rdb *goredis.Client, key, holder string, ttl time.Duration) *Lease {
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Lease{rdb: rdb, key: key, holder: holder, ttl: ttl}
}

func (l *Lease) TTL() time.Duration { return l.ttl }

// TryAcquire reports whether this instance now holds the lease. Acquiring a
// lease already held by this holder succeeds.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lease holder: %w", err)
	}
	if current != l.holder {
		return false, nil
	}
	return true, l.Renew(ctx)
}

// Renew extends the lease. It fails with domain.ErrLeaseLost when another
// instance holds it or it expired.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Release gives the lease up if this instance still holds it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
