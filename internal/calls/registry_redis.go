package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry shares sessions between API instances.
//
// Keys:
//   - {prefix}:session:{id}       session JSON
//   - {prefix}:channel:{channel}  id of the live session, deleted on end
//   - {prefix}:user:{user_id}     SET of session ids the user takes part in
//   - {prefix}:sessions           SET of all stored session ids
//
// Create is a Lua script; every other mutation is WATCH/MULTI compare-and-swap.
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
	draw   uidSource
}

func NewRedisRegistry(rdb *redis.Client, prefix string) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, prefix: prefix, draw: randomUID}
}

const maxCASAttempts = 16

var createSessionScript = redis.NewScript(`
-- KEYS[1] = channel key
-- KEYS[2] = session key
-- KEYS[3] = all sessions set
-- ARGV[1] = session id
-- ARGV[2] = session json
-- ARGV[3] = session key prefix
--
-- Returns {1, json} when created, {0, json} when a live session already owns the channel.
local existing = redis.call('GET', KEYS[1])
if existing then
  local body = redis.call('GET', ARGV[3] .. existing)
  if body then
    return {0, body}
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return {1, ARGV[2]}
`)

func (r *RedisRegistry) sessionKey(id string) string { return r.prefix + ":session:" + id }
func (r *RedisRegistry) channelKey(ch string) string { return r.prefix + ":channel:" + ch }
func (r *RedisRegistry) userKey(uid string) string   { return r.prefix + ":user:" + uid }
func (r *RedisRegistry) allKey() string              { return r.prefix + ":sessions" }

func (r *RedisRegistry) Create(ctx context.Context, p CreateParams) (Session, bool, error) {
	s := newSession(uuid.NewString(), p)
	body, err := json.Marshal(s)
	if err != nil {
		return Session{}, false, err
	}

	res, err := createSessionScript.Run(ctx, r.rdb,
		[]string{r.channelKey(s.ChannelName), r.sessionKey(s.ID), r.allKey()},
		s.ID, string(body), r.prefix+":session:",
	).Slice()
	if err != nil {
		return Session{}, false, err
	}
	if len(res) != 2 {
		return Session{}, false, fmt.Errorf("calls: unexpected create reply %v", res)
	}
	created, _ := res[0].(int64)
	raw, _ := res[1].(string)

	var out Session
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Session{}, false, err
	}
	if created == 1 {
		if err := r.indexUsers(ctx, r.rdb, out); err != nil {
			return Session{}, false, err
		}
	}
	return out, created == 1, nil
}

func (r *RedisRegistry) FindByChannel(ctx context.Context, channel string) (Session, error) {
	id, err := r.rdb.Get(ctx, r.channelKey(channel)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s, err := r.FindByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.IsEnded() {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (r *RedisRegistry) FindByID(ctx context.Context, id string) (Session, error) {
	return r.load(ctx, r.rdb, id)
}

func (r *RedisRegistry) SessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	ids, err := r.rdb.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out, err := r.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *RedisRegistry) Seat(ctx context.Context, id, userID, displayName string, at time.Time) (Session, Seating, error) {
	var st Seating
	s, err := r.update(ctx, id, func(s *Session) (bool, error) {
		var err error
		st, err = seat(s, userID, displayName, r.draw, at)
		return st.Added, err
	})
	if err != nil {
		return Session{}, Seating{}, err
	}
	return s, st, nil
}

func (r *RedisRegistry) Unseat(ctx context.Context, id, userID string, vacate bool) (Session, error) {
	return r.update(ctx, id, func(s *Session) (bool, error) {
		return unseat(s, userID, vacate), nil
	})
}

func (r *RedisRegistry) Transition(ctx context.Context, id string, to Status, at time.Time) (Session, error) {
	return r.update(ctx, id, func(s *Session) (bool, error) {
		return transition(s, to, at)
	})
}

func (r *RedisRegistry) Advance(ctx context.Context, id string, to Status, at time.Time) (Session, Status, error) {
	var from Status
	s, err := r.update(ctx, id, func(s *Session) (bool, error) {
		from = s.Status
		return advance(s, to, at)
	})
	if err != nil {
		return Session{}, "", err
	}
	return s, from, nil
}

func (r *RedisRegistry) End(ctx context.Context, id string, reason EndReason, at time.Time) (Session, bool, error) {
	var changed bool
	s, err := r.update(ctx, id, func(s *Session) (bool, error) {
		changed = end(s, reason, at)
		return changed, nil
	})
	if err != nil {
		return Session{}, false, err
	}
	return s, changed, nil
}

func (r *RedisRegistry) Discard(ctx context.Context, id string) error {
	key := r.sessionKey(id)
	for i := 0; i < maxCASAttempts; i++ {
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			s, err := r.load(ctx, tx, id)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if s.Status != StatusInitiating {
				return &TransitionError{From: s.Status, To: StatusEnded}
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				r.unindex(ctx, p, s)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrRegistryContention
}

func (r *RedisRegistry) Stale(ctx context.Context, before time.Time) ([]Session, error) {
	all, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range all {
		if isStale(s, before) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *RedisRegistry) Evict(ctx context.Context, endedBefore time.Time) (int, error) {
	all, err := r.scan(ctx)
	if err != nil {
		return 0, err
	}
	var victims []Session
	for _, s := range all {
		if isEvictable(s, endedBefore) {
			victims = append(victims, s)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	// Ended is terminal, so no WATCH is needed.
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, s := range victims {
			r.unindex(ctx, p, s)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}

// update applies fn to the stored session under WATCH and writes it back if fn changed it.
func (r *RedisRegistry) update(ctx context.Context, id string, fn func(*Session) (bool, error)) (Session, error) {
	key := r.sessionKey(id)
	var out Session
	for i := 0; i < maxCASAttempts; i++ {
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			s, err := r.load(ctx, tx, id)
			if err != nil {
				return err
			}
			wasEnded := s.IsEnded()
			before := s.Others("")
			changed, err := fn(&s)
			if err != nil {
				return err
			}
			out = s
			if !changed {
				return nil
			}
			body, err := json.Marshal(s)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, body, 0)
				if s.IsEnded() && !wasEnded {
					p.Del(ctx, r.channelKey(s.ChannelName))
				}
				for _, uid := range before {
					if !s.IsParticipant(uid) {
						p.SRem(ctx, r.userKey(uid), s.ID)
					}
				}
				return r.indexUsers(ctx, p, s)
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Session{}, err
		}
		return out, nil
	}
	return Session{}, ErrRegistryContention
}

func (r *RedisRegistry) indexUsers(ctx context.Context, c redis.Cmdable, s Session) error {
	for _, uid := range s.Others("") {
		if err := c.SAdd(ctx, r.userKey(uid), s.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisRegistry) unindex(ctx context.Context, p redis.Pipeliner, s Session) {
	p.Del(ctx, r.sessionKey(s.ID))
	p.SRem(ctx, r.allKey(), s.ID)
	if !s.IsEnded() {
		p.Del(ctx, r.channelKey(s.ChannelName))
	}
	for _, uid := range s.Others("") {
		p.SRem(ctx, r.userKey(uid), s.ID)
	}
}

func (r *RedisRegistry) load(ctx context.Context, c redis.Cmdable, id string) (Session, error) {
	body, err := c.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, fmt.Errorf("calls: decode session %s: %w", id, err)
	}
	return s, nil
}

func (r *RedisRegistry) loadMany(ctx context.Context, ids []string) ([]Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// evicted since the index was read
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("calls: decode session %s: %w", ids[i], err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisRegistry) scan(ctx context.Context) ([]Session, error) {
	ids, err := r.rdb.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return nil, err
	}
	return r.loadMany(ctx, ids)
}
