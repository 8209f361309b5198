package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps one sorted set per study: members scored by the unix-milli
// instant their record expires. Expired members are removed when read. The
// set itself carries a TTL so abandoned studies do not linger.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// heartbeatScript refreshes a member only if it is present and unexpired.
var heartbeatScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
	return 0
end
if tonumber(score) < tonumber(ARGV[2]) then
	redis.call('ZREM', KEYS[1], ARGV[1])
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (r *Redis) key(studyID int64) string {
	return r.prefix + strconv.FormatInt(studyID, 10)
}

func member(memberID int64) string {
	return strconv.FormatInt(memberID, 10)
}

func (r *Redis) setTTL() time.Duration {
	return 2 * r.ttl
}

func (r *Redis) Open(ctx context.Context, studyID, memberID int64) error {
	key := r.key(studyID)
	expiresAt := r.now().Add(r.ttl).UnixMilli()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt), Member: member(memberID)})
		pipe.PExpire(ctx, key, r.setTTL())
		return nil
	})
	if err != nil {
		return fmt.Errorf("open presence: %w", err)
	}
	return nil
}

func (r *Redis) Heartbeat(ctx context.Context, studyID, memberID int64) (bool, error) {
	now := r.now()
	refreshed, err := heartbeatScript.Run(ctx, r.client, []string{r.key(studyID)},
		member(memberID),
		now.UnixMilli(),
		now.Add(r.ttl).UnixMilli(),
		r.setTTL().Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("heartbeat presence: %w", err)
	}
	return refreshed == 1, nil
}

func (r *Redis) Close(ctx context.Context, studyID, memberID int64) error {
	if err := r.client.ZRem(ctx, r.key(studyID), member(memberID)).Err(); err != nil {
		return fmt.Errorf("close presence: %w", err)
	}
	return nil
}

func (r *Redis) IsOpen(ctx context.Context, studyID, memberID int64) (bool, error) {
	key := r.key(studyID)
	score, err := r.client.ZScore(ctx, key, member(memberID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read presence: %w", err)
	}
	if int64(score) < r.now().UnixMilli() {
		if err := r.client.ZRem(ctx, key, member(memberID)).Err(); err != nil {
			return false, fmt.Errorf("expire presence: %w", err)
		}
		return false, nil
	}
	return true, nil
}

func (r *Redis) PresentMembers(ctx context.Context, studyID int64) ([]int64, error) {
	key := r.key(studyID)
	now := strconv.FormatInt(r.now().UnixMilli(), 10)
	var members *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+now)
		members = pipe.ZRange(ctx, key, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := make([]int64, 0, len(members.Val()))
	for _, raw := range members.Val() {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Shutdown() error {
	return r.client.Close()
}
