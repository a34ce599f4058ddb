package document

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrWriteConflict is returned by store executors when a concurrent writer
// invalidated the operation. Callers may retry it.
var ErrWriteConflict = errors.New("document write conflict")

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Filter represents field-based equality criteria for document stores.
// All entries must match (conjunction); an empty filter matches everything.
type Filter map[string]interface{}

// Sort specifies field and direction for sorting results.
type Sort struct {
	Field string
	Order SortOrder
}

// SortOrder defines the direction of sorting.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Query selects documents by filter, optional multi-field sort and optional limit.
// Limit <= 0 means unbounded.
type Query struct {
	Filter Filter
	Sort   []Sort
	Limit  int
}

// Validate checks field names and sort directions so backends can safely
// embed them in native query expressions.
func (q Query) Validate() error {
	for field := range q.Filter {
		if err := ValidateField(field); err != nil {
			return err
		}
	}
	for _, s := range q.Sort {
		if err := ValidateField(s.Field); err != nil {
			return err
		}
		switch s.Order {
		case "", SortAsc, SortDesc:
		default:
			return fmt.Errorf("invalid sort order %q for field %q", s.Order, s.Field)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("invalid limit %d", q.Limit)
	}
	return nil
}

// ValidateField reports whether name can be used as a document field identifier.
func ValidateField(name string) error {
	if !fieldNamePattern.MatchString(name) {
		return fmt.Errorf("invalid field name %q", name)
	}
	return nil
}

// Matches reports whether fields satisfies every filter entry.
func (f Filter) Matches(fields map[string]interface{}) bool {
	for key, want := range f {
		got, ok := fields[key]
		if !ok {
			if want == nil {
				continue
			}
			return false
		}
		if CompareValues(got, want) != 0 {
			return false
		}
	}
	return true
}

// SortFields orders docs in place following sorts. Ties keep their original order.
func SortFields(docs []map[string]interface{}, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return Less(docs[i], docs[j], sorts)
	})
}

// Less compares two documents field by field.
func Less(a, b map[string]interface{}, sorts []Sort) bool {
	for _, s := range sorts {
		c := CompareValues(a[s.Field], b[s.Field])
		if c == 0 {
			continue
		}
		if s.Order == SortDesc {
			return c > 0
		}
		return c < 0
	}
	return false
}

// CompareValues orders scalar values: nil < bool < number < string < anything else.
// Numbers compare numerically across integer and float representations.
func CompareValues(a, b interface{}) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case 2:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3:
		return strings.Compare(a.(string), b.(string))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func rank(v interface{}) int {
	if v == nil {
		return 0
	}
	if _, ok := v.(bool); ok {
		return 1
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	if _, ok := v.(string); ok {
		return 3
	}
	return 4
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// RetryOnConflict runs fn until it returns something other than ErrWriteConflict
// or ctx is done.
func RetryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if !errors.Is(err, ErrWriteConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
	}
}
