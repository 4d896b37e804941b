// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"context"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/psrpc"
	"github.com/redis/go-redis/v9"

	"github.com/dTelecom/call-sfu/pkg/telemetry/prometheus"
	"github.com/dTelecom/call-sfu/pkg/utils"
)

const keyPrefix = "lock:"

var ErrLockAcquisitionFailed = psrpc.NewErrorf(psrpc.Unavailable, "could not acquire lock, try again")

// releaseScript deletes the lock only while it is still held by the given token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	TTL        time.Duration `yaml:"ttl,omitempty"`
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

type Locker interface {
	// Acquire returns the holder token and true once the lock is held. It gives up after
	// MaxRetries attempts and reports false; it never fails with an error.
	Acquire(ctx context.Context, resource string, opts Options) (string, bool)
	Release(ctx context.Context, resource string, token string) error
	RunWithLock(ctx context.Context, resource string, opts Options, op func(ctx context.Context) error) error
}

type RedisLocker struct {
	rc     redis.UniversalClient
	holder string
}

// NewRedisLocker creates a locker whose tokens are prefixed with holder, usually the node id.
func NewRedisLocker(rc redis.UniversalClient, holder string) *RedisLocker {
	return &RedisLocker{
		rc:     rc,
		holder: holder,
	}
}

func Key(resource string) string {
	return keyPrefix + resource
}

func (l *RedisLocker) Acquire(ctx context.Context, resource string, opts Options) (string, bool) {
	key := Key(resource)
	token := l.holder + ":" + utils.NewGuid(utils.LockPrefix)

	attempts := opts.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		locked, err := l.rc.SetNX(ctx, key, token, opts.TTL).Result()
		if err != nil {
			logger.Warnw("lock attempt failed", err, "key", key, "attempt", i+1)
		} else if locked {
			prometheus.RecordLockAttempt(true)
			return token, true
		}

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(opts.RetryDelay):
		}
	}

	prometheus.RecordLockAttempt(false)
	logger.Debugw("lock not acquired", "key", key, "attempts", attempts)
	return "", false
}

// Release only deletes the key when it still carries token, so a holder whose TTL already
// lapsed cannot drop a lock that somebody else acquired since.
func (l *RedisLocker) Release(ctx context.Context, resource string, token string) error {
	key := Key(resource)
	deleted, err := releaseScript.Run(ctx, l.rc, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		logger.Debugw("lock already released or taken over", "key", key)
	}
	return nil
}

func (l *RedisLocker) RunWithLock(ctx context.Context, resource string, opts Options, op func(ctx context.Context) error) error {
	token, ok := l.Acquire(ctx, resource, opts)
	if !ok {
		return ErrLockAcquisitionFailed
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), resource, token); err != nil {
			logger.Warnw("could not release lock", err, "resource", resource)
		}
	}()

	return op(ctx)
}
