// Package dynamodb implements mutex.Executor on a DynamoDB table. Conditional
// UpdateItem calls give per-item atomicity; a failed condition means the item
// was not claimable (or not held) and is skipped.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/docmutex/pkg/mutex"
	"github.com/nimburion/docmutex/pkg/observability/logger"
	"github.com/nimburion/docmutex/pkg/repository/document"
	dynamostore "github.com/nimburion/docmutex/pkg/store/dynamodb"
)

// requestFanout bounds the concurrent per-item requests of one batch call.
const requestFanout = 8

// KeyAttribute is the table hash key.
const KeyAttribute = "record_key"

const (
	attrFields = "fields"
	attrLease  = "lease"

	leaseOwner   = "owner"
	leaseToken   = "token"
	leaseExpires = "expires_at"
)

// Expression placeholders; owner and token are reserved words in DynamoDB
// expressions.
var placeholders = map[string]string{
	"#k": KeyAttribute,
	"#f": attrFields,
	"#l": attrLease,
	"#o": leaseOwner,
	"#t": leaseToken,
	"#e": leaseExpires,
}

// names returns the placeholder subset a request uses. DynamoDB rejects
// requests carrying unused attribute names.
func names(keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = placeholders[k]
	}
	return out
}

const (
	condClaimable = "attribute_exists(#k) AND (attribute_not_exists(#l) OR attribute_type(#l, :nulltype) OR #l.#e <= :now)"
	condHeld      = "attribute_exists(#k) AND #l.#o = :owner AND #l.#t = :token"
	condOwned     = "attribute_exists(#k) AND #l.#o = :owner"
)

// Executor maps one collection onto the table of the same name.
type Executor struct {
	adapter *dynamostore.DynamoDBAdapter
	table   string
	log     logger.Logger
}

var _ mutex.Executor = (*Executor)(nil)

func NewExecutor(adapter *dynamostore.DynamoDBAdapter, collection string, log logger.Logger) (*Executor, error) {
	if adapter == nil {
		return nil, errors.New("dynamodb adapter is required")
	}
	if collection == "" {
		return nil, errors.New("collection is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{
		adapter: adapter,
		table:   collection,
		log:     log.With("store", "dynamodb", "collection", collection),
	}, nil
}

// EnsureTable creates the collection table when it does not exist.
func (e *Executor) EnsureTable(ctx context.Context) error {
	return e.adapter.EnsureTable(ctx, e.table, KeyAttribute)
}

func (e *Executor) Collection() string { return e.table }

func (e *Executor) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{KeyAttribute: &types.AttributeValueMemberS{Value: k}}
}

func (e *Executor) Get(ctx context.Context, key string, fields []string) (*mutex.Record, error) {
	out, err := e.adapter.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(e.table),
		Key:            e.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err)
	}
	if len(out.Item) == 0 {
		return nil, mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	rec, err := decodeItem(out.Item)
	if err != nil {
		return nil, err
	}
	return rec.Project(fields), nil
}

func (e *Executor) Exists(ctx context.Context, key string) (bool, error) {
	out, err := e.adapter.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(e.table),
		Key:                      e.key(key),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#k"),
		ExpressionAttributeNames: map[string]string{"#k": KeyAttribute},
	})
	if err != nil {
		return false, mapError(err)
	}
	return len(out.Item) > 0, nil
}

func (e *Executor) Insert(ctx context.Context, rec *mutex.Record, overwrite bool) (*mutex.Record, error) {
	item, err := encodeItem(rec)
	if err != nil {
		return nil, err
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(e.table), Item: item}
	if !overwrite {
		in.ConditionExpression = aws.String("attribute_not_exists(#k)")
		in.ExpressionAttributeNames = map[string]string{"#k": KeyAttribute}
	}
	if _, err := e.adapter.PutItem(ctx, in); err != nil {
		if dynamostore.IsConditionalCheckFailed(err) {
			return nil, mutex.NewError(mutex.ErrAlreadyExists, "key %q", rec.Key)
		}
		return nil, mapError(err)
	}
	out := rec.Clone()
	if out.Fields == nil {
		out.Fields = map[string]interface{}{}
	}
	return out, nil
}

func (e *Executor) Update(ctx context.Context, rec *mutex.Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	_, err = e.adapter.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(e.table),
		Key:                       e.key(rec.Key),
		UpdateExpression:          aws.String("SET #f = :fields"),
		ConditionExpression:       aws.String("attribute_exists(#k)"),
		ExpressionAttributeNames:  map[string]string{"#k": KeyAttribute, "#f": attrFields},
		ExpressionAttributeValues: map[string]types.AttributeValue{":fields": fields},
	})
	if dynamostore.IsConditionalCheckFailed(err) {
		return mutex.NewError(mutex.ErrNotFound, "key %q", rec.Key)
	}
	return mapError(err)
}

func (e *Executor) Remove(ctx context.Context, key string) error {
	_, err := e.adapter.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(e.table),
		Key:                      e.key(key),
		ConditionExpression:      aws.String("attribute_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": KeyAttribute},
	})
	if dynamostore.IsConditionalCheckFailed(err) {
		return mutex.NewError(mutex.ErrNotFound, "key %q", key)
	}
	return mapError(err)
}

func (e *Executor) ClaimKeys(ctx context.Context, keys []string, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	var mu sync.Mutex
	out := make([]*mutex.Record, 0, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(requestFanout)
	for _, k := range keys {
		g.Go(func() error {
			rec, err := e.claimOne(gctx, k, claim)
			if errors.Is(err, errSkipped) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, rec.Project(fields))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimMatching scans the table, evaluates filter and sort client-side, then
// claims candidates in order until the limit is met. Each claim re-checks
// claimability on the server.
func (e *Executor) ClaimMatching(ctx context.Context, q document.Query, claim mutex.Claim, fields []string) ([]*mutex.Record, error) {
	items, err := e.adapter.ScanAll(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(e.table),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err)
	}

	candidates := make([]*mutex.Record, 0, len(items))
	for _, item := range items {
		rec, err := decodeItem(item)
		if err != nil {
			e.log.Warn("skipping undecodable item", "error", err)
			continue
		}
		if rec.Lease.Expired(claim.Now) && q.Filter.Matches(rec.Fields) {
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if document.Less(a.Fields, b.Fields, q.Sort) {
			return true
		}
		if document.Less(b.Fields, a.Fields, q.Sort) {
			return false
		}
		return a.Key < b.Key
	})

	out := make([]*mutex.Record, 0)
	for _, c := range candidates {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		rec, err := e.claimOne(ctx, c.Key, claim)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, errSkipped) {
				return nil, err
			}
			continue
		}
		out = append(out, rec.Project(fields))
	}
	return out, nil
}

var errSkipped = errors.New("item not claimable")

func (e *Executor) claimOne(ctx context.Context, key string, claim mutex.Claim) (*mutex.Record, error) {
	out, err := e.adapter.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(e.table),
		Key:                      e.key(key),
		UpdateExpression:         aws.String("SET #l = :lease"),
		ConditionExpression:      aws.String(condClaimable),
		ExpressionAttributeNames: names("#k", "#l", "#e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lease":    encodeLease(claim.Lease),
			":now":      millis(claim.Now),
			":nulltype": &types.AttributeValueMemberS{Value: "NULL"},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if dynamostore.IsConditionalCheckFailed(err) {
			return nil, errSkipped
		}
		if dynamostore.IsThrottlingError(err) {
			e.log.Debug("claim throttled", "key", key, "error", err)
			return nil, errSkipped
		}
		return nil, mapError(err)
	}
	return decodeItem(out.Attributes)
}

func (e *Executor) Renew(ctx context.Context, keys []string, owner, token string, expiresAt time.Time) ([]string, error) {
	return e.updateEach(ctx, keys, "SET #l.#e = :exp", condHeld, names("#k", "#l", "#o", "#t", "#e"), map[string]types.AttributeValue{
		":owner": &types.AttributeValueMemberS{Value: owner},
		":token": &types.AttributeValueMemberS{Value: token},
		":exp":   millis(expiresAt),
	})
}

func (e *Executor) Clear(ctx context.Context, keys []string, owner, token string) ([]string, error) {
	return e.updateEach(ctx, keys, "SET #l = :cleared", condHeld, names("#k", "#l", "#o", "#t"), map[string]types.AttributeValue{
		":owner":   &types.AttributeValueMemberS{Value: owner},
		":token":   &types.AttributeValueMemberS{Value: token},
		":cleared": &types.AttributeValueMemberNULL{Value: true},
	})
}

func (e *Executor) ClearOwner(ctx context.Context, owner string) (int64, error) {
	items, err := e.adapter.ScanAll(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(e.table),
		FilterExpression:         aws.String("#l.#o = :owner"),
		ProjectionExpression:     aws.String("#k"),
		ExpressionAttributeNames: names("#k", "#l", "#o"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		return 0, mapError(err)
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if k, ok := item[KeyAttribute].(*types.AttributeValueMemberS); ok {
			keys = append(keys, k.Value)
		}
	}
	cleared, err := e.updateEach(ctx, keys, "SET #l = :cleared", condOwned, names("#k", "#l", "#o"), map[string]types.AttributeValue{
		":owner":   &types.AttributeValueMemberS{Value: owner},
		":cleared": &types.AttributeValueMemberNULL{Value: true},
	})
	return int64(len(cleared)), err
}

// updateEach applies update to every key whose condition holds and returns
// those keys, in no particular order.
func (e *Executor) updateEach(ctx context.Context, keys []string, update, cond string, attrNames map[string]string, values map[string]types.AttributeValue) ([]string, error) {
	var mu sync.Mutex
	matched := make([]string, 0, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(requestFanout)
	for _, k := range keys {
		g.Go(func() error {
			_, err := e.adapter.UpdateItem(gctx, &dynamodb.UpdateItemInput{
				TableName:                 aws.String(e.table),
				Key:                       e.key(k),
				UpdateExpression:          aws.String(update),
				ConditionExpression:       aws.String(cond),
				ExpressionAttributeNames:  attrNames,
				ExpressionAttributeValues: values,
			})
			if dynamostore.IsConditionalCheckFailed(err) {
				return nil
			}
			if err != nil {
				return mapError(err)
			}
			mu.Lock()
			matched = append(matched, k)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return matched, err
}

func (e *Executor) HealthCheck(ctx context.Context) error {
	return e.adapter.HealthCheck(ctx)
}

func (e *Executor) Close() error {
	return e.adapter.Close()
}

func mapError(err error) error {
	if dynamostore.IsTransactionConflict(err) {
		return errors.Join(document.ErrWriteConflict, err)
	}
	return err
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func encodeLease(s mutex.LeaseState) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		leaseOwner:   &types.AttributeValueMemberS{Value: s.Owner},
		leaseToken:   &types.AttributeValueMemberS{Value: s.Token},
		leaseExpires: millis(s.ExpiresAt),
	}}
}

func encodeItem(rec *mutex.Record) (map[string]types.AttributeValue, error) {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		KeyAttribute: &types.AttributeValueMemberS{Value: rec.Key},
		attrFields:   fields,
	}
	switch rec.Lease.Status() {
	case mutex.LeaseCleared:
		item[attrLease] = &types.AttributeValueMemberNULL{Value: true}
	case mutex.LeaseActive:
		state, _ := rec.Lease.State()
		item[attrLease] = encodeLease(state)
	}
	return item, nil
}

func encodeFields(fields map[string]interface{}) (types.AttributeValue, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return toAttribute(fields)
}

func decodeItem(item map[string]types.AttributeValue) (*mutex.Record, error) {
	key, ok := item[KeyAttribute].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("item has no string %s", KeyAttribute)
	}
	rec := &mutex.Record{Key: key.Value, Lease: mutex.MissingLease(), Fields: map[string]interface{}{}}
	if f, ok := item[attrFields].(*types.AttributeValueMemberM); ok {
		for k, v := range f.Value {
			rec.Fields[k] = fromAttribute(v)
		}
	}
	switch l := item[attrLease].(type) {
	case nil:
	case *types.AttributeValueMemberNULL:
		rec.Lease = mutex.ClearedLease()
	case *types.AttributeValueMemberM:
		owner, _ := l.Value[leaseOwner].(*types.AttributeValueMemberS)
		token, _ := l.Value[leaseToken].(*types.AttributeValueMemberS)
		exp, ok := l.Value[leaseExpires].(*types.AttributeValueMemberN)
		if owner == nil || token == nil || !ok {
			return nil, fmt.Errorf("item %q has a malformed lease", key.Value)
		}
		ms, err := strconv.ParseInt(exp.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("item %q lease expiration: %w", key.Value, err)
		}
		rec.Lease = mutex.ActiveLease(mutex.LeaseState{
			Owner:     owner.Value,
			Token:     token.Value,
			ExpiresAt: time.UnixMilli(ms).UTC(),
		})
	default:
		return nil, fmt.Errorf("item %q lease has type %T", key.Value, l)
	}
	return rec, nil
}
