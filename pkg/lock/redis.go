package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"team-copilot-go/pkg/log"
)

// releaseScript deletes the key only if it still carries our token, so an
// expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only while the key still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares key ownership across instances through SET NX PX.
// The TTL bounds how long a crashed owner can block a key; a live owner keeps
// extending it every ttl/3 until it releases.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker storing keys under prefix.
func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: redis setnx %s: %w", redisKey, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// 释放不应受调用方 ctx 取消的影响
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
				log.Warnf("[Lock] 释放 Redis 锁失败, key: %s, error: %v", redisKey, err)
			}
		})
	}, nil
}

// keepAlive 在持有期间定期续期，直到 stop 关闭或发现锁已不属于自己。
func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if l.ttl <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := refreshScript.Run(ctx, l.rdb, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			log.Warnf("[Lock] 续期 Redis 锁失败, key: %s, error: %v", redisKey, err)
			continue
		}
		if n == 0 {
			log.Warnf("[Lock] Redis 锁已失去所有权, 停止续期, key: %s", redisKey)
			<-stop
			return
		}
	}
}
