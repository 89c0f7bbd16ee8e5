// Package lease holds an exclusive, expiring Redis lease so only one worker loop runs across hosts.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkerKey is the lease held by the running worker loop.
const WorkerKey = "astro:lease:worker"

// ErrLost is returned by Hold when another owner took the lease or it expired.
var ErrLost = errors.New("lease lost")

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is one owner's claim on a key.
type Lease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// New builds a lease on key for owner. The lease expires ttl after the last renewal.
func New(client redis.UniversalClient, key, owner string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire claims the lease if nobody holds it. Re-acquiring an owned lease renews it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx)
}

// Renew pushes the expiry forward while the lease is still owned.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release drops the lease if still owned.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Wait blocks until the lease is acquired, retrying every interval.
func (l *Lease) Wait(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		ok, err := l.Acquire(ctx)
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Hold renews the lease every ttl/3 until ctx ends or the lease is lost.
// A renewal error keeps trying until the lease would have expired.
func (l *Lease) Hold(ctx context.Context) error {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		ok, err := l.Renew(ctx)
		switch {
		case err != nil && time.Since(lastRenewed) < l.ttl:
			continue
		case err != nil:
			return fmt.Errorf("%w: %w", ErrLost, err)
		case !ok:
			return ErrLost
		}
		lastRenewed = time.Now()
	}
}
