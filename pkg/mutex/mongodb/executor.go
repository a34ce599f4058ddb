// Package mongodb implements mutex.Executor on a MongoDB collection.
//
// Records are stored as {_id: <key>, lease: {owner, token, expires_at}, <fields>...}.
// A never-locked record has no lease attribute; a released one has lease: null.
// Every conditional update is a single-document operation, which MongoDB applies atomically.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/observability/tracing"
	"github.com/nimburion/docmutex/pkg/repository/document"
	mongostore "github.com/nimburion/docmutex/pkg/store/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	fieldID    = "_id"
	fieldLease = "lease"

	leaseOwner   = "owner"
	leaseToken   = "token"
	leaseExpires = "expires_at"

	codeWriteConflict = 112
)

// Executor runs lease operations against one collection through the store adapter.
type Executor struct {
	adapter    *mongostore.MongoDBAdapter
	collection string
	log        logger.Logger
}

var _ mutex.Executor = (*Executor)(nil)

// NewExecutor binds adapter to collection and makes sure lease.owner is indexed
// for owner sweeps.
func NewExecutor(ctx context.Context, adapter *mongostore.MongoDBAdapter, collection string, log logger.Logger) (*Executor, error) {
	if adapter == nil {
		return nil, fmt.Errorf("mongodb adapter is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if err := adapter.EnsureIndex(ctx, collection, fieldLease+"."+leaseOwner); err != nil {
		return nil, fmt.Errorf("failed to ensure lease index: %w", err)
	}
	return &Executor{adapter: adapter, collection: collection, log: log}, nil
}

func (e *Executor) Collection() string { return e.collection }

func (e *Executor) Get(ctx context.Context, key string, fields []string) (*mutex.Record, error) {
	var raw bson.M
	err := e.adapter.FindOne(ctx, e.collection, bson.M{fieldID: key}, &raw, projection(fields))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return decodeRecord(raw)
}

func (e *Executor) Exists(ctx context.Context, key string) (bool, error) {
	n, err := e.adapter.CountDocuments(ctx, e.collection, bson.M{fieldID: key})
	if err != nil {
		return false, mapError(err)
	}
	return n > 0, nil
}

func (e *Executor) Insert(ctx context.Context, rec *mutex.Record, overwrite bool) (*mutex.Record, error) {
	ctx, span := tracing.StartDatabaseSpan(ctx, tracing.SpanOperationDBInsert, tracing.WithDBSystem("mongodb"), tracing.WithDBTable(e.collection))
	doc := encodeRecord(rec)
	var err error
	if overwrite {
		_, err = e.adapter.ReplaceOne(ctx, e.collection, bson.M{fieldID: rec.Key}, doc, true)
	} else {
		_, err = e.adapter.InsertOne(ctx, e.collection, doc)
	}
	tracing.End(span, err)
	if mongo.IsDuplicateKeyError(err) {
		return nil, mutex.NewError(mutex.ErrAlreadyExists, "key %q", rec.Key)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return rec.Clone(), nil
}

// Update swaps the payload in a single pipeline update that carries _id and
// lease over from the stored document.
func (e *Executor) Update(ctx context.Context, rec *mutex.Record) error {
	ctx, span := tracing.StartDatabaseSpan(ctx, tracing.SpanOperationDBUpdate, tracing.WithDBSystem("mongodb"), tracing.WithDBTable(e.collection))
	res, err := e.adapter.UpdateOne(ctx, e.collection, bson.M{fieldID: rec.Key}, replacePayloadPipeline(rec.Fields))
	tracing.End(span, err)
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return mutex.NewError(mutex.ErrNotFound, "key %q", rec.Key)
	}
	return nil
}

func (e *Executor) Remove(ctx context.Context, key string) error {
	res, err := e.adapter.DeleteOne(ctx, e.collection, bson.M{fieldID: key})
	if err != nil {
		return mapError(err)
	}
	if res.DeletedCount == 0 {
		return mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	return nil
}

func (e *Executor) ClaimKeys(ctx context.Context, keys []string, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	ctx, span := tracing.StartDatabaseSpan(ctx, tracing.SpanOperationDBUpdate, tracing.WithDBSystem("mongodb"), tracing.WithDBTable(e.collection))
	out, err := e.claimEach(ctx, keys, claim, fields)
	tracing.End(span, err)
	return out, err
}

func (e *Executor) ClaimMatching(ctx context.Context, q document.Query, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	ctx, span := tracing.StartDatabaseSpan(ctx, tracing.SpanOperationDBQuery, tracing.WithDBSystem("mongodb"), tracing.WithDBTable(e.collection))
	defer span.End()

	filter := bson.M{"$and": bson.A{queryFilter(q.Filter), claimableFilter(claim.Now)}}
	opts := options.Find().SetProjection(bson.M{fieldID: 1})
	if len(q.Sort) > 0 {
		opts.SetSort(sortSpec(q.Sort))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	var candidates []bson.M
	if err := e.adapter.Find(ctx, e.collection, filter, &candidates, opts); err != nil {
		tracing.RecordError(span, err)
		return nil, mapError(err)
	}
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if id, ok := c[fieldID].(string); ok {
			keys = append(keys, id)
		}
	}
	return e.claimEach(ctx, keys, claim, fields)
}

// claimEach claims keys one document at a time, in order. Only transport-level
// failures abort the round; any other per-key failure just leaves that key out.
func (e *Executor) claimEach(ctx context.Context, keys []string, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	update := bson.M{"$set": bson.M{fieldLease: encodeLease(claim.Lease)}}
	proj := projection(fields)
	out := make([]*mutex.Record, 0, len(keys))
	for _, key := range keys {
		filter := bson.M{"$and": bson.A{bson.M{fieldID: key}, claimableFilter(claim.Now)}}
		var raw bson.M
		err := e.adapter.FindOneAndUpdate(ctx, e.collection, filter, update, &raw, proj)
		switch {
		case err == nil:
		case errors.Is(err, mongo.ErrNoDocuments):
			continue
		case isTransportError(ctx, err):
			return nil, mapError(err)
		default:
			e.log.Debug("mongodb claim skipped key", "collection", e.collection, "key", key, "error", err)
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			e.log.Warn("mongodb claim returned undecodable document", "collection", e.collection, "key", key, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *Executor) Renew(ctx context.Context, keys []string, owner, token string, expiresAt time.Time) ([]string, error) {
	update := bson.M{"$set": bson.M{fieldLease + "." + leaseExpires: expiresAt.UTC()}}
	return e.updateHeld(ctx, keys, owner, token, update)
}

func (e *Executor) Clear(ctx context.Context, keys []string, owner, token string) ([]string, error) {
	update := bson.M{"$set": bson.M{fieldLease: nil}}
	return e.updateHeld(ctx, keys, owner, token, update)
}

func (e *Executor) updateHeld(ctx context.Context, keys []string, owner, token string, update bson.M) ([]string, error) {
	ctx, span := tracing.StartDatabaseSpan(ctx, tracing.SpanOperationDBUpdate, tracing.WithDBSystem("mongodb"), tracing.WithDBTable(e.collection))
	defer span.End()

	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		res, err := e.adapter.UpdateOne(ctx, e.collection, heldFilter(key, owner, token), update)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, mapError(err)
		}
		if res.MatchedCount > 0 {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func (e *Executor) ClearOwner(ctx context.Context, owner string) (int64, error) {
	res, err := e.adapter.UpdateMany(ctx, e.collection,
		bson.M{fieldLease + "." + leaseOwner: owner},
		bson.M{"$set": bson.M{fieldLease: nil}})
	if err != nil {
		return 0, mapError(err)
	}
	return res.ModifiedCount, nil
}

func (e *Executor) HealthCheck(ctx context.Context) error {
	return e.adapter.HealthCheck(ctx)
}

func (e *Executor) Close() error {
	return e.adapter.Close()
}

func claimableFilter(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{fieldLease: nil},
		bson.M{fieldLease + "." + leaseExpires: bson.M{"$lte": now.UTC()}},
	}}
}

func heldFilter(key, owner, token string) bson.M {
	filter := bson.M{fieldID: key}
	filter[fieldLease+"."+leaseOwner] = owner
	filter[fieldLease+"."+leaseToken] = token
	return filter
}

func queryFilter(f document.Filter) bson.M {
	out := bson.M{}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func sortSpec(sorts []document.Sort) bson.D {
	spec := make(bson.D, 0, len(sorts))
	for _, s := range sorts {
		dir := 1
		if s.Order == document.SortDesc {
			dir = -1
		}
		spec = append(spec, bson.E{Key: s.Field, Value: dir})
	}
	return spec
}

// projection always keeps the lease so callers can verify what they claimed.
func projection(fields []string) interface{} {
	if len(fields) == 0 {
		return nil
	}
	p := bson.M{fieldLease: 1}
	for _, f := range fields {
		p[f] = 1
	}
	return p
}

func replacePayloadPipeline(fields map[string]interface{}) bson.A {
	payload := bson.M{}
	for k, v := range fields {
		if k == fieldID || k == fieldLease {
			continue
		}
		payload[k] = v
	}
	return bson.A{
		bson.M{"$replaceWith": bson.M{"$mergeObjects": bson.A{
			bson.M{"$literal": payload},
			bson.M{fieldID: "$" + fieldID, fieldLease: "$" + fieldLease},
		}}},
	}
}

func encodeLease(s mutex.LeaseState) bson.M {
	return bson.M{leaseOwner: s.Owner, leaseToken: s.Token, leaseExpires: s.ExpiresAt.UTC()}
}

// encodeRecord drops payload attributes that collide with _id or lease.
func encodeRecord(rec *mutex.Record) bson.M {
	doc := bson.M{}
	for k, v := range rec.Fields {
		if k == fieldID || k == fieldLease {
			continue
		}
		doc[k] = v
	}
	doc[fieldID] = rec.Key
	switch rec.Lease.Status() {
	case mutex.LeaseCleared:
		doc[fieldLease] = nil
	case mutex.LeaseActive:
		state, _ := rec.Lease.State()
		doc[fieldLease] = encodeLease(state)
	}
	return doc
}

func decodeRecord(raw bson.M) (*mutex.Record, error) {
	key, ok := raw[fieldID].(string)
	if !ok {
		return nil, fmt.Errorf("document _id is %T, want string", raw[fieldID])
	}
	rec := &mutex.Record{Key: key, Lease: mutex.MissingLease(), Fields: map[string]interface{}{}}
	for k, v := range raw {
		switch k {
		case fieldID:
		case fieldLease:
			lease, err := decodeLease(v)
			if err != nil {
				return nil, err
			}
			rec.Lease = lease
		default:
			rec.Fields[k] = normalize(v)
		}
	}
	return rec, nil
}

func decodeLease(v interface{}) (mutex.LeaseField, error) {
	if v == nil {
		return mutex.ClearedLease(), nil
	}
	m, ok := normalize(v).(map[string]interface{})
	if !ok {
		return mutex.LeaseField{}, fmt.Errorf("lease is %T, want document", v)
	}
	owner, _ := m[leaseOwner].(string)
	token, _ := m[leaseToken].(string)
	expires, ok := m[leaseExpires].(time.Time)
	if !ok {
		return mutex.LeaseField{}, fmt.Errorf("lease.expires_at is %T, want date", m[leaseExpires])
	}
	return mutex.ActiveLease(mutex.LeaseState{Owner: owner, Token: token, ExpiresAt: expires}), nil
}

// normalize turns driver-specific container and date types into plain Go values.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.M:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case primitive.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func isTransportError(ctx context.Context, err error) bool {
	return ctx.Err() != nil || mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func mapError(err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeWriteConflict) {
		return errors.Join(document.ErrWriteConflict, err)
	}
	return err
}
