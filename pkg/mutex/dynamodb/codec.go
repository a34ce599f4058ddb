package dynamodb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// toAttribute converts a JSON-like payload value. Numbers keep their decimal
// text so integers survive the round trip exactly.
func toAttribute(v interface{}) (types.AttributeValue, error) {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: t}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}, nil
	case int:
		return number(strconv.FormatInt(int64(t), 10)), nil
	case int32:
		return number(strconv.FormatInt(int64(t), 10)), nil
	case int64:
		return number(strconv.FormatInt(t, 10)), nil
	case uint:
		return number(strconv.FormatUint(uint64(t), 10)), nil
	case uint32:
		return number(strconv.FormatUint(uint64(t), 10)), nil
	case uint64:
		return number(strconv.FormatUint(t, 10)), nil
	case float32:
		return number(strconv.FormatFloat(float64(t), 'f', -1, 32)), nil
	case float64:
		return number(strconv.FormatFloat(t, 'f', -1, 64)), nil
	case json.Number:
		return number(t.String()), nil
	case []byte:
		return &types.AttributeValueMemberB{Value: t}, nil
	case map[string]interface{}:
		m := make(map[string]types.AttributeValue, len(t))
		for k, val := range t {
			av, err := toAttribute(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []interface{}:
		l := make([]types.AttributeValue, len(t))
		for i, val := range t {
			av, err := toAttribute(val)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	case []string:
		l := make([]types.AttributeValue, len(t))
		for i, s := range t {
			l[i] = &types.AttributeValueMemberS{Value: s}
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func number(s string) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: s}
}

// fromAttribute is the inverse of toAttribute. Integral numbers decode as
// int64, others as float64; string and number sets decode as sorted lists.
func fromAttribute(av types.AttributeValue) interface{} {
	switch t := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberBOOL:
		return t.Value
	case *types.AttributeValueMemberN:
		return parseNumber(t.Value)
	case *types.AttributeValueMemberB:
		return t.Value
	case *types.AttributeValueMemberM:
		m := make(map[string]interface{}, len(t.Value))
		for k, v := range t.Value {
			m[k] = fromAttribute(v)
		}
		return m
	case *types.AttributeValueMemberL:
		l := make([]interface{}, len(t.Value))
		for i, v := range t.Value {
			l[i] = fromAttribute(v)
		}
		return l
	case *types.AttributeValueMemberSS:
		ss := append([]string(nil), t.Value...)
		sort.Strings(ss)
		l := make([]interface{}, len(ss))
		for i, s := range ss {
			l[i] = s
		}
		return l
	case *types.AttributeValueMemberNS:
		l := make([]interface{}, len(t.Value))
		for i, s := range t.Value {
			l[i] = parseNumber(s)
		}
		return l
	default:
		return nil
	}
}

func parseNumber(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
