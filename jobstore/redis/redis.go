package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/jobstore"
)

const defaultKeyPrefix = "imgqueue:"

var (
	// createJobScript stores the job hash unless the key already exists and
	// indexes it by creation time. KEYS: job hash, index. ARGV: score, id,
	// then the hash fields.
	createJobScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.error_reply('EXISTS')
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 'OK'
`)

	// transitionJobScript applies an update only if the job is in the
	// expected state. ARGV: from, to, result_ref, error_detail, timestamp
	// field name (may be empty), timestamp value.
	transitionJobScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return redis.error_reply('NOTFOUND')
end
if state ~= ARGV[1] then
	return redis.error_reply('CONFLICT ' .. state)
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'result_ref', ARGV[3], 'error_detail', ARGV[4])
if ARGV[5] ~= '' then
	redis.call('HSET', KEYS[1], ARGV[5], ARGV[6])
end
return redis.call('HGETALL', KEYS[1])
`)

	// Compile-time check for ensuring RedisJobStore implements Store.
	_ jobstore.Store = (*RedisJobStore)(nil)
)

// RedisJobStore implements a job store that keeps each job as a redis hash.
// Creation and state transitions run as Lua scripts so that they are atomic
// with respect to every other client of the same redis server.
type RedisJobStore struct {
	client goredis.Cmdable
	prefix string
}

// NewRedisJobStore returns a RedisJobStore that talks to the redis server
// specified by the redis:// url.
func NewRedisJobStore(url string) (*RedisJobStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, xerrors.Errorf("parse redis url: %w", err)
	}
	return NewRedisJobStoreWithClient(goredis.NewClient(opts), defaultKeyPrefix), nil
}

// NewRedisJobStoreWithClient returns a RedisJobStore that uses the provided
// client and stores all keys under prefix.
func NewRedisJobStoreWithClient(client goredis.Cmdable, prefix string) *RedisJobStore {
	return &RedisJobStore{client: client, prefix: prefix}
}

// Close terminates the connection to the redis server if the store owns it.
func (s *RedisJobStore) Close() error {
	if c, ok := s.client.(*goredis.Client); ok {
		return c.Close()
	}
	return nil
}

func (s *RedisJobStore) jobKey(id string) string { return s.prefix + "job:" + id }

// indexKey names the sorted set of job ids scored by creation time.
func (s *RedisJobStore) indexKey() string { return s.prefix + "jobs:by_created" }

// Ping checks that the redis server is reachable.
func (s *RedisJobStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return xerrors.Errorf("ping: %w", err)
	}
	return nil
}

// Create a new job.
func (s *RedisJobStore) Create(ctx context.Context, job *jobstore.Job) error {
	if err := jobstore.ValidateNew(job); err != nil {
		return xerrors.Errorf("create: %w", err)
	}

	fields, err := jobToFields(job)
	if err != nil {
		return xerrors.Errorf("create: %w", err)
	}

	args := append([]interface{}{job.CreatedAt.UnixMicro(), job.ID}, fields...)
	err = createJobScript.Run(ctx, s.client, []string{s.jobKey(job.ID), s.indexKey()}, args...).Err()
	if err != nil {
		if isScriptError(err, "EXISTS") {
			return xerrors.Errorf("create %s: %w", job.ID, jobstore.ErrJobExists)
		}
		return xerrors.Errorf("create: %w", err)
	}
	return nil
}

// Get the job with the given id.
func (s *RedisJobStore) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, xerrors.Errorf("get: %w", err)
	} else if len(fields) == 0 {
		return nil, xerrors.Errorf("get %s: %w", id, jobstore.ErrNotFound)
	}

	job, err := fieldsToJob(fields)
	if err != nil {
		return nil, xerrors.Errorf("get: %w", err)
	}
	return job, nil
}

// Transition moves the job from the `from` state as described by upd.
func (s *RedisJobStore) Transition(ctx context.Context, id string, from jobstore.State, upd jobstore.Update) (*jobstore.Job, error) {
	if err := jobstore.ValidateTransition(from, upd); err != nil {
		return nil, xerrors.Errorf("transition: %w", err)
	}

	var tsField string
	switch {
	case upd.State == jobstore.StateRunning:
		tsField = "started_at"
	case upd.State.Terminal():
		tsField = "completed_at"
	}

	res, err := transitionJobScript.Run(ctx, s.client, []string{s.jobKey(id)},
		string(from),
		string(upd.State),
		upd.ResultRef,
		upd.ErrorDetail,
		tsField,
		formatTime(upd.At),
	).StringSlice()
	if err != nil {
		switch {
		case isScriptError(err, "NOTFOUND"):
			return nil, xerrors.Errorf("transition %s: %w", id, jobstore.ErrNotFound)
		case isScriptError(err, "CONFLICT"):
			current := jobstore.State(strings.TrimPrefix(err.Error(), "CONFLICT "))
			return nil, xerrors.Errorf("transition: %w", jobstore.ConflictError(id, from, current))
		}
		return nil, xerrors.Errorf("transition: %w", err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	job, err := fieldsToJob(fields)
	if err != nil {
		return nil, xerrors.Errorf("transition: %w", err)
	}
	return job, nil
}

// List returns up to limit jobs, most recently created first.
func (s *RedisJobStore) List(ctx context.Context, limit int) ([]*jobstore.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, xerrors.Errorf("list: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if len(ids) > 0 {
		if _, err = pipe.Exec(ctx); err != nil {
			return nil, xerrors.Errorf("list: %w", err)
		}
	}

	jobs := make([]*jobstore.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := fieldsToJob(fields)
		if err != nil {
			return nil, xerrors.Errorf("list: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func isScriptError(err error, code string) bool {
	var redisErr goredis.Error
	if !xerrors.As(err, &redisErr) {
		return false
	}
	msg := redisErr.Error()
	return msg == code || strings.HasPrefix(msg, code+" ")
}

func jobToFields(job *jobstore.Job) ([]interface{}, error) {
	op, err := json.Marshal(job.Operation)
	if err != nil {
		return nil, xerrors.Errorf("encode operation: %w", err)
	}
	return []interface{}{
		"id", job.ID,
		"state", string(job.State),
		"operation", string(op),
		"source_ref", job.SourceRef,
		"result_ref", job.ResultRef,
		"error_detail", job.ErrorDetail,
		"created_at", formatTime(job.CreatedAt),
		"started_at", formatTime(job.StartedAt),
		"completed_at", formatTime(job.CompletedAt),
	}, nil
}

func fieldsToJob(m map[string]string) (*jobstore.Job, error) {
	job := &jobstore.Job{
		ID:          m["id"],
		State:       jobstore.State(m["state"]),
		SourceRef:   m["source_ref"],
		ResultRef:   m["result_ref"],
		ErrorDetail: m["error_detail"],
	}
	if err := json.Unmarshal([]byte(m["operation"]), &job.Operation); err != nil {
		return nil, xerrors.Errorf("decode operation: %w", err)
	}

	var err error
	if job.CreatedAt, err = parseTime(m["created_at"]); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseTime(m["started_at"]); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseTime(m["completed_at"]); err != nil {
		return nil, err
	}
	return job, nil
}

// Timestamps are stored as unix microseconds; the zero time is stored as an
// empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	usec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Errorf("decode timestamp %q: %w", v, err)
	}
	return time.UnixMicro(usec).UTC(), nil
}
