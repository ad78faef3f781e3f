package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// redisStore keeps one hash per reminder, a sorted set per state scored by
// fire time, and a set of ids per owner.
//
// Keys (with prefix p):
//   - p+"seq"               INCR counter for ids
//   - p+"r:<id>"            hash
//   - p+"state:<state>"     zset, member id, score fire_at_ms
//   - p+"owner:<owner>"     set of ids
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

const redisTxRetries = 8

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	var opt *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opt = o
	} else {
		opt = &redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	}
	rdb := redis.NewClient(opt)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Debug("redis store opened", logx.String("addr", opt.Addr))
	return newRedisStore(rdb, cfg.Redis.Prefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "remindbot:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) keySeq() string { return s.prefix + "seq" }

func (s *redisStore) keyRow(id reminder.ID) string { return s.prefix + "r:" + id.String() }

func (s *redisStore) keyState(st reminder.State) string { return s.prefix + "state:" + string(st) }

func (s *redisStore) keyOwner(owner int64) string {
	return s.prefix + "owner:" + strconv.FormatInt(owner, 10)
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) CreateReminder(ctx context.Context, owner int64, content string, fireAt time.Time) (reminder.ID, error) {
	n, err := s.rdb.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return 0, fmt.Errorf("create reminder: %w", err)
	}
	r := reminder.Reminder{
		Job: reminder.Job{
			ID:      reminder.ID(n),
			Owner:   owner,
			Content: content,
			FireAt:  fireAt,
			State:   reminder.StatePending,
		},
		CreatedAt: time.Now(),
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.keyRow(r.ID), encodeHash(r))
		p.ZAdd(ctx, s.keyState(r.State), redis.Z{Score: float64(toMillis(fireAt)), Member: r.ID.String()})
		p.SAdd(ctx, s.keyOwner(owner), r.ID.String())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create reminder: %w", err)
	}
	return r.ID, nil
}

func (s *redisStore) Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error) {
	m, err := s.rdb.HGetAll(ctx, s.keyRow(id)).Result()
	if err != nil {
		return reminder.Reminder{}, err
	}
	if len(m) == 0 {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return decodeHash(id, m)
}

func (s *redisStore) MarkFired(ctx context.Context, id reminder.ID, at time.Time) error {
	return s.transition(ctx, id, reminder.StateFired, "fired_at_ms", at)
}

func (s *redisStore) MarkDelivered(ctx context.Context, id reminder.ID, at time.Time) error {
	return s.transition(ctx, id, reminder.StateDelivered, "delivered_at_ms", at)
}

func (s *redisStore) MarkCancelled(ctx context.Context, id reminder.ID) error {
	return s.transition(ctx, id, reminder.StateCancelled, "", time.Time{})
}

// transition is an optimistic WATCH/MULTI compare-and-set on the state field.
func (s *redisStore) transition(ctx context.Context, id reminder.ID, to reminder.State, atField string, at time.Time) error {
	key := s.keyRow(id)
	from := fromState(to)
	fn := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "state", "fire_at_ms").Result()
		if err != nil {
			return err
		}
		cur, ok := vals[0].(string)
		if !ok {
			return reminder.ErrNotFound
		}
		if reminder.State(cur) != from {
			return conflictErr(to)
		}
		fireMS, _ := vals[1].(string)
		score, _ := strconv.ParseFloat(fireMS, 64)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			fields := map[string]any{"state": string(to)}
			if atField != "" {
				fields[atField] = toMillis(at)
			}
			p.HSet(ctx, key, fields)
			p.ZRem(ctx, s.keyState(from), id.String())
			p.ZAdd(ctx, s.keyState(to), redis.Z{Score: score, Member: id.String()})
			return nil
		})
		return err
	}
	return s.watch(ctx, fn, key)
}

func (s *redisStore) DeleteReminder(ctx context.Context, id reminder.ID) error {
	key := s.keyRow(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return reminder.ErrNotFound
		}
		r, err := decodeHash(id, m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			s.deleteRow(ctx, p, r)
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) deleteRow(ctx context.Context, p redis.Pipeliner, r reminder.Reminder) {
	p.Del(ctx, s.keyRow(r.ID))
	p.ZRem(ctx, s.keyState(r.State), r.ID.String())
	p.SRem(ctx, s.keyOwner(r.Owner), r.ID.String())
}

func (s *redisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < redisTxRetries; i++ {
		err = s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *redisStore) ListByState(ctx context.Context, state reminder.State, limit int) ([]reminder.Reminder, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.rdb.ZRange(ctx, s.keyState(state), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids, func(r reminder.Reminder) bool { return r.State == state })
}

func (s *redisStore) ListForOwner(ctx context.Context, owner int64, states ...reminder.State) ([]reminder.Reminder, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyOwner(owner)).Result()
	if err != nil {
		return nil, err
	}
	out, err := s.load(ctx, ids, func(r reminder.Reminder) bool { return wantState(states, r.State) })
	if err != nil {
		return nil, err
	}
	sortByFireAt(out)
	return out, nil
}

func (s *redisStore) PruneFinished(ctx context.Context, olderThan time.Time) (int, error) {
	n := 0
	for _, st := range []reminder.State{reminder.StateDelivered, reminder.StateCancelled} {
		ids, err := s.rdb.ZRange(ctx, s.keyState(st), 0, -1).Result()
		if err != nil {
			return n, err
		}
		rows, err := s.load(ctx, ids, func(r reminder.Reminder) bool { return r.CreatedAt.Before(olderThan) })
		if err != nil {
			return n, err
		}
		if len(rows) == 0 {
			continue
		}
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, r := range rows {
				s.deleteRow(ctx, p, r)
			}
			return nil
		})
		if err != nil {
			return n, err
		}
		n += len(rows)
	}
	return n, nil
}

// load fetches rows for ids in order, skipping ids whose hash is gone.
func (s *redisStore) load(ctx context.Context, ids []string, keep func(reminder.Reminder) bool) ([]reminder.Reminder, error) {
	out := make([]reminder.Reminder, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, raw := range ids {
			id, _ := reminder.ParseID(raw)
			cmds[i] = p.HGetAll(ctx, s.keyRow(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		id, err := reminder.ParseID(ids[i])
		if err != nil {
			continue
		}
		r, err := decodeHash(id, m)
		if err != nil {
			s.log.Warn("skipping malformed reminder hash", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func encodeHash(r reminder.Reminder) map[string]any {
	return map[string]any{
		"owner":           r.Owner,
		"content":         r.Content,
		"state":           string(r.State),
		"fire_at_ms":      toMillis(r.FireAt),
		"created_at_ms":   toMillis(r.CreatedAt),
		"fired_at_ms":     toMillis(r.FiredAt),
		"delivered_at_ms": toMillis(r.DeliveredAt),
	}
}

func decodeHash(id reminder.ID, m map[string]string) (reminder.Reminder, error) {
	num := func(k string) (int64, error) {
		v, ok := m[k]
		if !ok || v == "" {
			return 0, nil
		}
		return strconv.ParseInt(v, 10, 64)
	}
	r := reminder.Reminder{Job: reminder.Job{ID: id, Content: m["content"], State: reminder.State(m["state"])}}
	if !r.State.Valid() {
		return reminder.Reminder{}, fmt.Errorf("invalid state %q", m["state"])
	}
	var err error
	if r.Owner, err = num("owner"); err != nil {
		return reminder.Reminder{}, err
	}
	ts := []struct {
		key string
		dst *time.Time
	}{
		{"fire_at_ms", &r.FireAt},
		{"created_at_ms", &r.CreatedAt},
		{"fired_at_ms", &r.FiredAt},
		{"delivered_at_ms", &r.DeliveredAt},
	}
	for _, t := range ts {
		ms, err := num(t.key)
		if err != nil {
			return reminder.Reminder{}, fmt.Errorf("%s: %w", t.key, err)
		}
		*t.dst = fromMillis(ms)
	}
	return r, nil
}
