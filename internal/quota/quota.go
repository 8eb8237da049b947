// Package quota enforces a per-user daily compression cap in redis. Keys
// are quota:<user>:<yyyymmdd> and expire at local midnight, so the count
// resets by itself.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb      *redis.Client
	dailyMax int
}

func New(rdb *redis.Client, dailyMax int) *Limiter {
	return &Limiter{rdb: rdb, dailyMax: dailyMax}
}

func (l *Limiter) DailyMax() int { return l.dailyMax }

func key(user int64, ymd string) string {
	return fmt.Sprintf("quota:%d:%s", user, ymd)
}

func today() string { return time.Now().Format("20060102") }

func untilMidnight(now time.Time) time.Duration {
	tom := now.Add(24 * time.Hour)
	mid := time.Date(tom.Year(), tom.Month(), tom.Day(), 0, 0, 0, 0, now.Location())
	return mid.Sub(now)
}

// Remaining returns how many compressions the user has left today.
// A redis error degrades to the full allowance rather than blocking the bot.
func (l *Limiter) Remaining(ctx context.Context, user int64) int {
	k := key(user, today())
	used, err := l.rdb.Get(ctx, k).Int()
	if err != nil || used < 0 {
		used = 0
	}
	rem := l.dailyMax - used
	if rem < 0 {
		rem = 0
	}
	_ = l.rdb.Expire(ctx, k, untilMidnight(time.Now())).Err()
	return rem
}

// Charge counts n finished compressions against today's allowance.
func (l *Limiter) Charge(ctx context.Context, user int64, n int) error {
	k := key(user, today())
	if err := l.rdb.IncrBy(ctx, k, int64(n)).Err(); err != nil {
		return err
	}
	return l.rdb.Expire(ctx, k, untilMidnight(time.Now())).Err()
}
