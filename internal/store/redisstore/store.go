package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/orientation-assistant/internal/common"
)

const (
	patientPrefix = "ratelimit:patient:"
	ipPrefix      = "ratelimit:ip:"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// slidingWindow purges, checks and (when admitted) appends to every key in a
// single script run, so concurrent instances observe a consistent window.
// KEYS: window keys. ARGV: now_ms, window_ms, member, limit per key.
// Returns {1, 0} when admitted or {0, wait_ms} for the binding constraint.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]
local blocked = false
local wait = 0
for i = 1, #KEYS do
  local limit = tonumber(ARGV[3 + i])
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - window)
  if limit > 0 then
    local n = redis.call('ZCARD', KEYS[i])
    if n >= limit then
      blocked = true
      local ts = redis.call('ZRANGE', KEYS[i], n - limit, n - limit, 'WITHSCORES')
      local w = window - (now - tonumber(ts[2]))
      if w > wait then wait = w end
    end
  end
end
if blocked then
  return {0, wait}
end
for i = 1, #KEYS do
  redis.call('ZADD', KEYS[i], now, member)
  redis.call('PEXPIRE', KEYS[i], window)
end
return {1, 0}
`)

func (s *Store) AdmitSlidingWindow(ctx context.Context, patientKey, ipKey string, perPatient, perIP int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	keys := make([]string, 0, 2)
	limits := make([]interface{}, 0, 2)
	if patientKey != "" {
		keys = append(keys, patientPrefix+patientKey)
		limits = append(limits, perPatient)
	}
	if ipKey != "" {
		keys = append(keys, ipPrefix+ipKey)
		limits = append(limits, perIP)
	}
	if len(keys) == 0 {
		return true, 0, nil
	}

	member, err := common.NewULID()
	if err != nil {
		return false, 0, err
	}

	args := append([]interface{}{now.UnixMilli(), window.Milliseconds(), member}, limits...)
	res, err := slidingWindow.Run(ctx, s.rdb, keys, args...).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redisstore: unexpected script reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
