package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"feedmedia/internal/domain"
)

const (
	sessionKeyPrefix = "media:session:"
	sessionIndexKey  = "media:sessions"
)

// Script results shared by the session scripts.
const (
	scriptOK         = 1
	scriptNotFound   = -1
	scriptNotOpen    = -2
	scriptIncomplete = -3
)

// KEYS[1] session, KEYS[2] index. ARGV: key, expires score, then field/value pairs.
var createSessionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
for i = 3, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] session, KEYS[2] blocks, KEYS[3] index. ARGV: key, index, size, expires_at, expires score.
var markStagedScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return -1
end
if state ~= "open" then
	return -2
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
redis.call("HSET", KEYS[1], "expires_at", ARGV[4])
redis.call("ZADD", KEYS[3], ARGV[5], ARGV[1])
return 1
`)

// KEYS[1] session, KEYS[2] blocks.
var beginCommitScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return -1
end
if state ~= "open" then
	return -2
end
local total = tonumber(redis.call("HGET", KEYS[1], "total"))
if redis.call("HLEN", KEYS[2]) < total then
	return -3
end
redis.call("HSET", KEYS[1], "state", "committing")
return 1
`)

// KEYS[1] session.
var abortCommitScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return -1
end
if state == "committing" then
	redis.call("HSET", KEYS[1], "state", "open")
end
return 1
`)

// SessionRepository keeps upload sessions in Redis so every instance sees the
// same staging state. A session is a hash with its staged blocks in a second
// hash; a sorted set scored by expiry lists them for the janitor.
type SessionRepository struct {
	rdb *redis.Client
}

func NewSessionRepository(rdb *redis.Client) *SessionRepository {
	return &SessionRepository{rdb: rdb}
}

func sessionKey(key string) string { return sessionKeyPrefix + key }
func blocksKey(key string) string  { return sessionKeyPrefix + key + ":blocks" }

func (r *SessionRepository) GetOrCreate(ctx context.Context, key string, create func(ctx context.Context) (*domain.UploadSession, error)) (*domain.UploadSession, error) {
	session, err := r.Get(ctx, key)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}

	session, err = create(ctx)
	if err != nil {
		return nil, err
	}

	args := []interface{}{key, session.ExpiresAt.Unix(),
		"object_name", session.ObjectName,
		"total", session.TotalChunks,
		"content_type", session.ContentType,
		"state", string(domain.SessionOpen),
		"created_at", session.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at", session.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if err := createSessionScript.Run(ctx, r.rdb, []string{sessionKey(key), sessionIndexKey}, args...).Err(); err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", key, err)
	}

	// Another instance may have created the session first; its version wins.
	return r.Get(ctx, key)
}

func (r *SessionRepository) Get(ctx context.Context, key string) (*domain.UploadSession, error) {
	pipe := r.rdb.Pipeline()
	fields := pipe.HGetAll(ctx, sessionKey(key))
	blocks := pipe.HGetAll(ctx, blocksKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}

	if len(fields.Val()) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key)
	}
	return decodeSession(key, fields.Val(), blocks.Val())
}

func (r *SessionRepository) MarkStaged(ctx context.Context, key string, index int, size int64, expiresAt time.Time) (*domain.UploadSession, error) {
	res, err := markStagedScript.Run(ctx, r.rdb,
		[]string{sessionKey(key), blocksKey(key), sessionIndexKey},
		key, index, size, expiresAt.UTC().Format(time.RFC3339Nano), expiresAt.Unix(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to mark block %d of %s staged: %w", index, key, err)
	}
	if err := scriptError(key, res); err != nil {
		return nil, err
	}
	return r.Get(ctx, key)
}

func (r *SessionRepository) BeginCommit(ctx context.Context, key string) (*domain.UploadSession, error) {
	res, err := beginCommitScript.Run(ctx, r.rdb, []string{sessionKey(key), blocksKey(key)}).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to begin commit of %s: %w", key, err)
	}
	if err := scriptError(key, res); err != nil {
		return nil, err
	}
	return r.Get(ctx, key)
}

func (r *SessionRepository) AbortCommit(ctx context.Context, key string) error {
	res, err := abortCommitScript.Run(ctx, r.rdb, []string{sessionKey(key)}).Int()
	if err != nil {
		return fmt.Errorf("failed to abort commit of %s: %w", key, err)
	}
	return scriptError(key, res)
}

func (r *SessionRepository) FinishCommit(ctx context.Context, key string, obj domain.FinalizedObject) error {
	result, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode commit result: %w", err)
	}
	err = r.rdb.HSet(ctx, sessionKey(key),
		"state", string(domain.SessionCommitted),
		"result", result,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to finish commit of %s: %w", key, err)
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, key string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(key), blocksKey(key))
	pipe.ZRem(ctx, sessionIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

func (r *SessionRepository) Expired(ctx context.Context, now time.Time) ([]*domain.UploadSession, error) {
	keys, err := r.rdb.ZRangeByScore(ctx, sessionIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	expired := make([]*domain.UploadSession, 0, len(keys))
	for _, key := range keys {
		session, err := r.Get(ctx, key)
		if errors.Is(err, domain.ErrSessionNotFound) {
			r.rdb.ZRem(ctx, sessionIndexKey, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		expired = append(expired, session)
	}
	return expired, nil
}

func scriptError(key string, res int) error {
	switch res {
	case scriptOK:
		return nil
	case scriptNotFound:
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key)
	case scriptNotOpen:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, key)
	case scriptIncomplete:
		return fmt.Errorf("%w: %s", domain.ErrIncompleteUpload, key)
	}
	return fmt.Errorf("unexpected script result %d for session %s", res, key)
}

func decodeSession(key string, fields, blocks map[string]string) (*domain.UploadSession, error) {
	total, err := strconv.Atoi(fields["total"])
	if err != nil {
		return nil, fmt.Errorf("session %s has invalid total %q: %w", key, fields["total"], err)
	}

	session := &domain.UploadSession{
		Key:         key,
		ObjectName:  fields["object_name"],
		TotalChunks: total,
		ContentType: fields["content_type"],
		State:       domain.SessionState(fields["state"]),
		Blocks:      make(map[int]int64, len(blocks)),
	}
	if session.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("session %s has invalid created_at: %w", key, err)
	}
	if session.ExpiresAt, err = time.Parse(time.RFC3339Nano, fields["expires_at"]); err != nil {
		return nil, fmt.Errorf("session %s has invalid expires_at: %w", key, err)
	}

	for idx, size := range blocks {
		i, err := strconv.Atoi(idx)
		if err != nil {
			return nil, fmt.Errorf("session %s has invalid block index %q: %w", key, idx, err)
		}
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("session %s has invalid block size %q: %w", key, size, err)
		}
		session.Blocks[i] = n
	}

	if raw, ok := fields["result"]; ok && raw != "" {
		var obj domain.FinalizedObject
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("session %s has invalid result: %w", key, err)
		}
		session.Result = &obj
	}
	return session, nil
}
