// Package redis implements mutex.Executor on Redis hashes. Each record is a hash
// holding the JSON payload and the lease fields; conditional lease updates run as
// Lua scripts so they are atomic per record.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/repository/document"
	redisstore "github.com/nimburion/docmutex/pkg/store/redis"
)

// DefaultPrefix namespaces every key written by the executor.
const DefaultPrefix = "docmutex"

const (
	hashData    = "data"
	hashState   = "lease_state"
	hashOwner   = "lease_owner"
	hashToken   = "lease_token"
	hashExpires = "lease_expires"

	stateCleared = "cleared"
	stateActive  = "active"
)

// ARGV: now_ms, owner, token, expires_ms
var claimScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return nil
end
if redis.call("HGET", KEYS[1], "lease_state") == "active" then
    local expires = tonumber(redis.call("HGET", KEYS[1], "lease_expires"))
    if expires ~= nil and expires > tonumber(ARGV[1]) then
        return nil
    end
end
redis.call("HSET", KEYS[1], "lease_state", "active", "lease_owner", ARGV[2], "lease_token", ARGV[3], "lease_expires", ARGV[4])
return redis.call("HGETALL", KEYS[1])
`)

// ARGV: owner, token, expires_ms
var renewScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_state") == "active"
    and redis.call("HGET", KEYS[1], "lease_owner") == ARGV[1]
    and redis.call("HGET", KEYS[1], "lease_token") == ARGV[2] then
    redis.call("HSET", KEYS[1], "lease_expires", ARGV[3])
    return 1
end
return 0
`)

// ARGV: owner, token
var clearScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_state") == "active"
    and redis.call("HGET", KEYS[1], "lease_owner") == ARGV[1]
    and redis.call("HGET", KEYS[1], "lease_token") == ARGV[2] then
    redis.call("HSET", KEYS[1], "lease_state", "cleared")
    redis.call("HDEL", KEYS[1], "lease_owner", "lease_token", "lease_expires")
    return 1
end
return 0
`)

// ARGV: owner
var clearOwnerScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_state") == "active"
    and redis.call("HGET", KEYS[1], "lease_owner") == ARGV[1] then
    redis.call("HSET", KEYS[1], "lease_state", "cleared")
    redis.call("HDEL", KEYS[1], "lease_owner", "lease_token", "lease_expires")
    return 1
end
return 0
`)

// KEYS: record, index. ARGV: overwrite, data, state, owner, token, expires_ms, key
var insertScript = goredis.NewScript(`
if ARGV[1] == "0" and redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "data", ARGV[2], "lease_state", ARGV[3])
if ARGV[3] == "active" then
    redis.call("HSET", KEYS[1], "lease_owner", ARGV[4], "lease_token", ARGV[5], "lease_expires", ARGV[6])
end
redis.call("SADD", KEYS[2], ARGV[7])
return 1
`)

// Executor stores one collection under prefix:{collection}. The hash tag keeps
// a collection in a single cluster slot so the insert script may touch both the
// record and the key index.
type Executor struct {
	adapter    *redisstore.RedisAdapter
	collection string
	prefix     string
	log        logger.Logger
}

var _ mutex.Executor = (*Executor)(nil)

// NewExecutor binds adapter to collection. An empty prefix selects DefaultPrefix.
func NewExecutor(adapter *redisstore.RedisAdapter, collection, prefix string, log logger.Logger) (*Executor, error) {
	if adapter == nil {
		return nil, fmt.Errorf("redis adapter is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{
		adapter:    adapter,
		collection: collection,
		prefix:     prefix,
		log:        log.With("store", "redis", "collection", collection),
	}, nil
}

func (e *Executor) Collection() string { return e.collection }

func (e *Executor) recordKey(key string) string {
	return fmt.Sprintf("%s:{%s}:rec:%s", e.prefix, e.collection, key)
}

func (e *Executor) indexKey() string {
	return fmt.Sprintf("%s:{%s}:index", e.prefix, e.collection)
}

func (e *Executor) Get(ctx context.Context, key string, fields []string) (*mutex.Record, error) {
	h, err := e.adapter.HGetAll(ctx, e.recordKey(key))
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	rec, err := decodeRecord(key, h)
	if err != nil {
		return nil, err
	}
	return rec.Project(fields), nil
}

func (e *Executor) Exists(ctx context.Context, key string) (bool, error) {
	return e.adapter.Exists(ctx, e.recordKey(key))
}

func (e *Executor) Insert(ctx context.Context, rec *mutex.Record, overwrite bool) (*mutex.Record, error) {
	data, err := encodeFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	state, owner, token, expires := encodeLease(rec.Lease)
	flag := "0"
	if overwrite {
		flag = "1"
	}
	res, err := e.adapter.RunScript(ctx, insertScript,
		[]string{e.recordKey(rec.Key), e.indexKey()},
		flag, data, state, owner, token, expires, rec.Key)
	if err != nil {
		return nil, err
	}
	if n, _ := res.(int64); n == 0 {
		return nil, mutex.NewError(mutex.ErrAlreadyExists, "key %q", rec.Key)
	}
	out := rec.Clone()
	if out.Fields == nil {
		out.Fields = map[string]interface{}{}
	}
	return out, nil
}

// Update rewrites the payload under WATCH; a concurrent write aborts the
// transaction and surfaces as document.ErrWriteConflict.
func (e *Executor) Update(ctx context.Context, rec *mutex.Record) error {
	data, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	rk := e.recordKey(rec.Key)
	err = e.adapter.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return mutex.NewError(mutex.ErrNotFound, "key %q", rec.Key)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.HSet(ctx, rk, hashData, data)
			return nil
		})
		return err
	}, rk)
	return mapError(err)
}

func (e *Executor) Remove(ctx context.Context, key string) error {
	rk := e.recordKey(key)
	err := e.adapter.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return mutex.NewError(mutex.ErrNotFound, "key %q", key)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Del(ctx, rk)
			p.SRem(ctx, e.indexKey(), key)
			return nil
		})
		return err
	}, rk)
	return mapError(err)
}

func (e *Executor) ClaimKeys(ctx context.Context, keys []string, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	out := make([]*mutex.Record, 0, len(keys))
	for _, k := range keys {
		rec, err := e.claimOne(ctx, k, claim)
		if err != nil {
			if isTransportError(ctx, err) {
				return nil, err
			}
			e.log.Debug("claim skipped", "key", k, "error", err)
			continue
		}
		if rec != nil {
			out = append(out, rec.Project(fields))
		}
	}
	return out, nil
}

// ClaimMatching evaluates the filter client-side over the collection index, then
// claims candidates in sort order until the limit is met. The claim script
// re-checks expiration so a candidate taken in between is skipped.
func (e *Executor) ClaimMatching(ctx context.Context, q document.Query, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	keys, err := e.adapter.SMembers(ctx, e.indexKey())
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	rks := make([]string, len(keys))
	for i, k := range keys {
		rks[i] = e.recordKey(k)
	}
	hashes, err := e.adapter.HGetAllMany(ctx, rks)
	if err != nil {
		return nil, err
	}

	candidates := make([]*mutex.Record, 0, len(keys))
	for i, h := range hashes {
		if len(h) == 0 {
			continue
		}
		rec, err := decodeRecord(keys[i], h)
		if err != nil {
			e.log.Warn("skipping undecodable record", "key", keys[i], "error", err)
			continue
		}
		if rec.Lease.Expired(claim.Now) && q.Filter.Matches(rec.Fields) {
			candidates = append(candidates, rec)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return document.Less(candidates[i].Fields, candidates[j].Fields, q.Sort)
	})

	out := make([]*mutex.Record, 0)
	for _, c := range candidates {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		rec, err := e.claimOne(ctx, c.Key, claim)
		if err != nil {
			if isTransportError(ctx, err) {
				return nil, err
			}
			e.log.Debug("claim skipped", "key", c.Key, "error", err)
			continue
		}
		if rec != nil {
			out = append(out, rec.Project(fields))
		}
	}
	return out, nil
}

// claimOne returns (nil, nil) when the record is absent or still leased.
func (e *Executor) claimOne(ctx context.Context, key string, claim mutex.Claim) (*mutex.Record, error) {
	res, err := e.adapter.RunScript(ctx, claimScript, []string{e.recordKey(key)},
		claim.Now.UnixMilli(), claim.Lease.Owner, claim.Lease.Token, claim.Lease.ExpiresAt.UnixMilli())
	if err != nil || res == nil {
		return nil, err
	}
	pairs, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("claim reply is %T, want array", res)
	}
	return decodeRecord(key, pairsToMap(pairs))
}

func (e *Executor) Renew(ctx context.Context, keys []string, owner, token string, expiresAt time.Time) ([]string, error) {
	return e.runHeld(ctx, renewScript, keys, owner, token, expiresAt.UnixMilli())
}

func (e *Executor) Clear(ctx context.Context, keys []string, owner, token string) ([]string, error) {
	return e.runHeld(ctx, clearScript, keys, owner, token)
}

func (e *Executor) runHeld(ctx context.Context, script *goredis.Script, keys []string, args ...interface{}) ([]string, error) {
	matched := make([]string, 0, len(keys))
	for _, k := range keys {
		res, err := e.adapter.RunScript(ctx, script, []string{e.recordKey(k)}, args...)
		if err != nil {
			return matched, err
		}
		if n, _ := res.(int64); n == 1 {
			matched = append(matched, k)
		}
	}
	return matched, nil
}

func (e *Executor) ClearOwner(ctx context.Context, owner string) (int64, error) {
	keys, err := e.adapter.SMembers(ctx, e.indexKey())
	if err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		res, err := e.adapter.RunScript(ctx, clearOwnerScript, []string{e.recordKey(k)}, owner)
		if err != nil {
			return n, err
		}
		if v, _ := res.(int64); v == 1 {
			n++
		}
	}
	return n, nil
}

func (e *Executor) HealthCheck(ctx context.Context) error {
	return e.adapter.HealthCheck(ctx)
}

func (e *Executor) Close() error {
	return e.adapter.Close()
}

func encodeFields(fields map[string]interface{}) (string, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode record fields: %w", err)
	}
	return string(data), nil
}

// encodeLease flattens a lease into script arguments; a missing lease is
// stored as an empty state.
func encodeLease(l mutex.LeaseField) (state, owner, token string, expires int64) {
	switch l.Status() {
	case mutex.LeaseCleared:
		return stateCleared, "", "", 0
	case mutex.LeaseActive:
		s, _ := l.State()
		return stateActive, s.Owner, s.Token, s.ExpiresAt.UnixMilli()
	default:
		return "", "", "", 0
	}
}

func decodeRecord(key string, h map[string]string) (*mutex.Record, error) {
	rec := &mutex.Record{Key: key, Lease: mutex.MissingLease(), Fields: map[string]interface{}{}}
	if data := h[hashData]; data != "" {
		if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", key, err)
		}
	}
	switch h[hashState] {
	case stateCleared:
		rec.Lease = mutex.ClearedLease()
	case stateActive:
		ms, err := strconv.ParseInt(h[hashExpires], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode lease of %q: %w", key, err)
		}
		rec.Lease = mutex.ActiveLease(mutex.LeaseState{
			Owner:     h[hashOwner],
			Token:     h[hashToken],
			ExpiresAt: time.UnixMilli(ms).UTC(),
		})
	}
	return rec, nil
}

func pairsToMap(pairs []interface{}) map[string]string {
	out := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		out[k] = v
	}
	return out
}

func isTransportError(ctx context.Context, err error) bool {
	var netErr net.Error
	return ctx.Err() != nil || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func mapError(err error) error {
	if errors.Is(err, goredis.TxFailedErr) {
		return errors.Join(document.ErrWriteConflict, err)
	}
	return err
}
