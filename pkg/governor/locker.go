package governor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sentientos/forge/pkg/errs"
)

// FileLocker is the default non-blocking lock backend: an O_EXCL lockfile
// under the pressure-state directory. TryAcquire never waits; if the file
// already exists, the lock is contended and the caller must skip the
// write (spec §4.9, §5 "the only correctness-preserving way to handle
// concurrent tick contention without blocking").
type FileLocker struct {
	Path string
}

func (f FileLocker) TryAcquire() (func(), bool, error) {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return nil, false, errs.New(errs.KindIOError, "governor.FileLocker.mkdir", err)
	}
	file, err := os.OpenFile(f.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, errs.New(errs.KindIOError, "governor.FileLocker.open", err)
	}
	file.Close()
	return func() { os.Remove(f.Path) }, true, nil
}

// RedisLocker is an alternate non-blocking lock backend for multi-process
// deployments that already run Redis for other state, using SETNX with a
// TTL in place of the filesystem's O_EXCL create. No configuration in this
// module selects it; a caller constructs it explicitly.
type RedisLocker struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func (r RedisLocker) TryAcquire() (func(), bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	token := uuid.NewString()
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	ok, err := r.Client.SetNX(ctx, r.Key, token, ttl).Result()
	if err != nil {
		return nil, false, errs.New(errs.KindIOError, "governor.RedisLocker.setnx", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer releaseCancel()
		if cur, _ := r.Client.Get(releaseCtx, r.Key).Result(); cur == token {
			r.Client.Del(releaseCtx, r.Key)
		}
	}, true, nil
}
