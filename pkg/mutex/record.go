package mutex

// Record is a document with a string key, a lease attribute and an opaque payload.
// Fields never contains the lease; executors store it separately.
type Record struct {
	Key    string
	Lease  LeaseField
	Fields map[string]interface{}
}

// Clone returns a deep copy of the record. Nested maps and slices of the
// payload are copied too, so callers may mutate either side freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{Key: r.Key, Lease: r.Lease}
	if r.Fields != nil {
		out.Fields = cloneFields(r.Fields)
	}
	return out
}

func cloneFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return t
		}
		return cloneFields(t)
	case []interface{}:
		if t == nil {
			return t
		}
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Project returns a copy restricted to fields. Key and Lease are always kept;
// an empty projection keeps everything.
func (r *Record) Project(fields []string) *Record {
	if r == nil {
		return nil
	}
	if len(fields) == 0 {
		return r.Clone()
	}
	out := &Record{Key: r.Key, Lease: r.Lease, Fields: make(map[string]interface{}, len(fields))}
	for _, f := range fields {
		if v, ok := r.Fields[f]; ok {
			out.Fields[f] = cloneValue(v)
		}
	}
	return out
}
