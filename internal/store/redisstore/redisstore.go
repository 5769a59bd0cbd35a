// Package redisstore keeps conversation state and analytics counters in
// Redis. Every state transition runs as a Lua script so that the check and
// the write happen in one server-side step.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "botengine:"

// maxRangeDays bounds a Buckets scan, one HGETALL per day.
const maxRangeDays = 366

// Script results other than a field list.
const (
	resultNotFound = -1
	resultConflict = -2
)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  local id = redis.call('INCR', KEYS[2])
  redis.call('HSET', KEYS[1], 'id', id, 'current_step', 0, 'is_active', 0, 'completed', 0,
    'user_message_count', 0, 'last_message_key', '', 'version', 0,
    'created_at', ARGV[1], 'updated_at', ARGV[1])
  if tonumber(ARGV[2]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[2]) end
end
return redis.call('HGETALL', KEYS[1])
`)

var casScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[1] then return -2 end
redis.call('HSET', KEYS[1], 'current_step', ARGV[2], 'is_active', ARGV[3], 'completed', ARGV[4],
  'user_message_count', ARGV[5], 'last_message_key', ARGV[6], 'updated_at', ARGV[9])
if ARGV[7] ~= '' then redis.call('HSET', KEYS[1], 'last_bot_message_at', ARGV[7]) end
if ARGV[8] ~= '' then redis.call('HSET', KEYS[1], 'last_admin_reply_at', ARGV[8]) end
redis.call('HINCRBY', KEYS[1], 'version', 1)
if tonumber(ARGV[10]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[10]) end
return redis.call('HGETALL', KEYS[1])
`)

var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'is_active') == '1' or redis.call('HGET', KEYS[1], 'completed') == '1' then
  return -2
end
redis.call('HINCRBY', KEYS[1], 'user_message_count', 1)
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
if tonumber(ARGV[2]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[2]) end
return redis.call('HGETALL', KEYS[1])
`)

// Options tunes key layout and retention.
type Options struct {
	// Prefix defaults to DefaultPrefix.
	Prefix string
	// StateTTL expires idle conversations. Zero keeps them until teardown.
	StateTTL time.Duration
}

// Store implements store.StateStore and store.AnalyticsStore on Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var (
	_ store.StateStore     = (*Store)(nil)
	_ store.AnalyticsStore = (*Store)(nil)
)

// New wraps a connected client.
func New(rdb redis.UniversalClient, opts Options) (*Store, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redisstore: client is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: opts.Prefix, ttl: opts.StateTTL, now: time.Now}, nil
}

// Dial parses a redis:// URL, connects, and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, store.Unavailable("redisstore: ping", err)
	}
	return rdb, nil
}

func (s *Store) stateKey(key store.ConversationKey) string {
	return s.prefix + "conv:" + string(key.ChatType) + ":" + key.ConversationID
}

func (s *Store) seqKey() string {
	return s.prefix + "conv:seq"
}

func (s *Store) statsKey(chatType models.ChatType, day string) string {
	return s.prefix + "stats:" + string(chatType) + ":" + day
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// --- conversation state ---

func (s *Store) CreateIfAbsent(ctx context.Context, key store.ConversationKey) (models.ConversationState, error) {
	res, err := createScript.Run(ctx, s.rdb,
		[]string{s.stateKey(key), s.seqKey()},
		formatTime(s.now()), s.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return models.ConversationState{}, store.Unavailable("redisstore: create state "+key.String(), err)
	}
	return s.scriptState(key, "create", res)
}

func (s *Store) CompareAndSwap(ctx context.Context, key store.ConversationKey, expectedVersion int64, next store.StateUpdate) (models.ConversationState, error) {
	res, err := casScript.Run(ctx, s.rdb,
		[]string{s.stateKey(key)},
		strconv.FormatInt(expectedVersion, 10),
		next.CurrentStep,
		boolArg(next.IsActive),
		boolArg(next.Completed),
		next.UserMessageCount,
		next.LastMessageKey,
		formatTime(next.LastBotMessageAt),
		formatTime(next.LastAdminReplyAt),
		formatTime(s.now()),
		s.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return models.ConversationState{}, store.Unavailable("redisstore: cas state "+key.String(), err)
	}
	return s.scriptState(key, "cas", res)
}

func (s *Store) IncrementDormant(ctx context.Context, key store.ConversationKey) (models.ConversationState, error) {
	res, err := incrementScript.Run(ctx, s.rdb,
		[]string{s.stateKey(key)},
		formatTime(s.now()), s.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return models.ConversationState{}, store.Unavailable("redisstore: increment state "+key.String(), err)
	}
	return s.scriptState(key, "increment", res)
}

func (s *Store) DeleteState(ctx context.Context, key store.ConversationKey) error {
	if err := s.rdb.Del(ctx, s.stateKey(key)).Err(); err != nil {
		return store.Unavailable("redisstore: delete state "+key.String(), err)
	}
	return nil
}

// scriptState turns a script reply into a state row or a store sentinel.
func (s *Store) scriptState(key store.ConversationKey, op string, res interface{}) (models.ConversationState, error) {
	switch v := res.(type) {
	case int64:
		switch v {
		case resultNotFound:
			return models.ConversationState{}, fmt.Errorf("redisstore: %s state %s: %w", op, key, store.ErrNotFound)
		case resultConflict:
			return models.ConversationState{}, fmt.Errorf("redisstore: %s state %s: %w", op, key, store.ErrConflict)
		}
	case []interface{}:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		st, err := decodeState(key, fields)
		if err != nil {
			return models.ConversationState{}, fmt.Errorf("redisstore: %s state %s: %w", op, key, err)
		}
		return st, nil
	}
	return models.ConversationState{}, fmt.Errorf("redisstore: %s state %s: unexpected reply %T", op, key, res)
}

func decodeState(key store.ConversationKey, f map[string]string) (models.ConversationState, error) {
	st := models.ConversationState{
		ChatType:       key.ChatType,
		ConversationID: key.ConversationID,
		IsActive:       f["is_active"] == "1",
		Completed:      f["completed"] == "1",
		LastMessageKey: f["last_message_key"],
	}
	var err error
	if st.ID, err = parseUint(f, "id"); err != nil {
		return st, err
	}
	if st.CurrentStep, err = parseInt(f, "current_step"); err != nil {
		return st, err
	}
	if st.UserMessageCount, err = parseInt(f, "user_message_count"); err != nil {
		return st, err
	}
	if st.Version, err = strconv.ParseInt(f["version"], 10, 64); err != nil {
		return st, fmt.Errorf("field version: %w", err)
	}
	if st.LastBotMessageAt, err = parseTimePtr(f, "last_bot_message_at"); err != nil {
		return st, err
	}
	if st.LastAdminReplyAt, err = parseTimePtr(f, "last_admin_reply_at"); err != nil {
		return st, err
	}
	if t, err := parseTimePtr(f, "created_at"); err != nil {
		return st, err
	} else if t != nil {
		st.CreatedAt = *t
	}
	if t, err := parseTimePtr(f, "updated_at"); err != nil {
		return st, err
	} else if t != nil {
		st.UpdatedAt = *t
	}
	return st, nil
}

func parseInt(f map[string]string, name string) (int, error) {
	n, err := strconv.Atoi(f[name])
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return n, nil
}

func parseUint(f map[string]string, name string) (uint, error) {
	n, err := strconv.ParseUint(f[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return uint(n), nil
}

func parseTimePtr(f map[string]string, name string) (*time.Time, error) {
	raw := f[name]
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	return &t, nil
}

// --- analytics ---

// Bucket fields live in one hash per (chat type, day), named
// "<message key>|<counter>" plus "<message key>|step".
const stepField = "step"

func bucketField(messageKey, suffix string) string {
	return messageKey + "|" + suffix
}

func (s *Store) IncrementBucket(ctx context.Context, key store.BucketKey, stepNumber int, counter store.Counter) error {
	if counter != store.CounterTrigger && counter != store.CounterAdminReply {
		return fmt.Errorf("redisstore: unknown counter %s", counter)
	}
	hash := s.statsKey(key.ChatType, key.Day)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, hash, bucketField(key.MessageKey, counter.String()), 1)
		p.HSetNX(ctx, hash, bucketField(key.MessageKey, stepField), stepNumber)
		return nil
	})
	if err != nil {
		return store.Unavailable(fmt.Sprintf("redisstore: increment %s %s/%s/%s", counter, key.ChatType, key.MessageKey, key.Day), err)
	}
	return nil
}

func (s *Store) Buckets(ctx context.Context, chatType models.ChatType, fromDay, toDay string) ([]models.AnalyticsRecord, error) {
	from, err := time.Parse(models.DayLayout, fromDay)
	if err != nil {
		return nil, fmt.Errorf("redisstore: from day %q: %w", fromDay, err)
	}
	to, err := time.Parse(models.DayLayout, toDay)
	if err != nil {
		return nil, fmt.Errorf("redisstore: to day %q: %w", toDay, err)
	}
	if to.Before(from) {
		return nil, nil
	}
	if to.Sub(from) > maxRangeDays*24*time.Hour {
		return nil, fmt.Errorf("redisstore: range %s..%s exceeds %d days", fromDay, toDay, maxRangeDays)
	}

	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(models.DayLayout))
	}

	cmds := make([]*redis.MapStringStringCmd, len(days))
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, day := range days {
			cmds[i] = p.HGetAll(ctx, s.statsKey(chatType, day))
		}
		return nil
	}); err != nil {
		return nil, store.Unavailable(fmt.Sprintf("redisstore: buckets %s %s..%s", chatType, fromDay, toDay), err)
	}

	var out []models.AnalyticsRecord
	for i, day := range days {
		recs, err := decodeBuckets(chatType, day, cmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("redisstore: buckets %s %s: %w", chatType, day, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func decodeBuckets(chatType models.ChatType, day string, fields map[string]string) ([]models.AnalyticsRecord, error) {
	byKey := make(map[string]*models.AnalyticsRecord)
	var keys []string
	for field, raw := range fields {
		i := strings.LastIndex(field, "|")
		if i < 0 {
			continue
		}
		msgKey, suffix := field[:i], field[i+1:]
		rec, ok := byKey[msgKey]
		if !ok {
			rec = &models.AnalyticsRecord{ChatType: chatType, MessageKey: msgKey, Day: day}
			byKey[msgKey] = rec
			keys = append(keys, msgKey)
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		switch suffix {
		case store.CounterTrigger.String():
			rec.TriggerCount = n
		case store.CounterAdminReply.String():
			rec.AdminReplyCount = n
		case stepField:
			rec.StepNumber = int(n)
		default:
			return nil, errors.New("unknown field " + field)
		}
	}
	sort.Strings(keys)
	out := make([]models.AnalyticsRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out, nil
}
