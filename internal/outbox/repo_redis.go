package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepo stores each recipient's log as a sorted set scored by cursor.
//
// Keys:
//   - {prefix}:outbox:{recipient}:seq     INCR counter, never expires
//   - {prefix}:outbox:{recipient}:events  ZSET cursor -> event JSON
//   - {prefix}:outbox:recipients          SET of recipients, walked by Prune
type RedisRepo struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisRepo(rdb *redis.Client, prefix string) *RedisRepo {
	return &RedisRepo{rdb: rdb, prefix: prefix}
}

var appendScript = redis.NewScript(`
-- KEYS[1] = seq key
-- KEYS[2] = events zset
-- KEYS[3] = recipients set
-- ARGV[1] = event json (without cursor)
-- ARGV[2] = recipient id
local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
return seq
`)

func (r *RedisRepo) seqKey(recipientID string) string {
	return r.prefix + ":outbox:" + recipientID + ":seq"
}

func (r *RedisRepo) eventsKey(recipientID string) string {
	return r.prefix + ":outbox:" + recipientID + ":events"
}

func (r *RedisRepo) recipientsKey() string {
	return r.prefix + ":outbox:recipients"
}

func (r *RedisRepo) Append(ctx context.Context, e Event) (Event, error) {
	e.Cursor = 0
	body, err := json.Marshal(e)
	if err != nil {
		return Event{}, err
	}
	seq, err := appendScript.Run(ctx, r.rdb,
		[]string{r.seqKey(e.RecipientID), r.eventsKey(e.RecipientID), r.recipientsKey()},
		string(body), e.RecipientID,
	).Int64()
	if err != nil {
		return Event{}, err
	}
	e.Cursor = seq
	return e, nil
}

func (r *RedisRepo) ListSince(ctx context.Context, recipientID string, cursor int64, limit int) ([]Event, error) {
	zs, err := r.rdb.ZRangeByScoreWithScores(ctx, r.eventsKey(recipientID), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(cursor, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(zs))
	for _, z := range zs {
		e, err := decodeMember(z)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisRepo) Head(ctx context.Context, recipientID string) (int64, error) {
	n, err := r.rdb.Get(ctx, r.seqKey(recipientID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

const pruneBatch = 100

// Prune drops the oldest events of every recipient while they are older than before.
func (r *RedisRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	recipients, err := r.rdb.SMembers(ctx, r.recipientsKey()).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rid := range recipients {
		n, err := r.pruneRecipient(ctx, rid, before)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (r *RedisRepo) pruneRecipient(ctx context.Context, recipientID string, before time.Time) (int, error) {
	key := r.eventsKey(recipientID)
	removed := 0
	for {
		zs, err := r.rdb.ZRangeWithScores(ctx, key, 0, pruneBatch-1).Result()
		if err != nil {
			return removed, err
		}
		old := 0
		for _, z := range zs {
			e, err := decodeMember(z)
			if err != nil {
				return removed, err
			}
			if !e.CreatedAt.Before(before) {
				break
			}
			old++
		}
		if old == 0 {
			return removed, nil
		}
		maxScore := strconv.FormatFloat(zs[old-1].Score, 'f', 0, 64)
		n, err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", maxScore).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
		if old < len(zs) {
			return removed, nil
		}
	}
}

func decodeMember(z redis.Z) (Event, error) {
	s, ok := z.Member.(string)
	if !ok {
		return Event{}, fmt.Errorf("outbox: unexpected member type %T", z.Member)
	}
	var e Event
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Event{}, err
	}
	e.Cursor = int64(z.Score)
	return e, nil
}
