package archive

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// identifierKeys are metadata keys whose values are always stored as int64.
var identifierKeys = map[string]bool{
	"chat_id":             true,
	"sender_id":           true,
	"thread_id":           true,
	"message_id":          true,
	"reply_to_message_id": true,
}

// NormalizeMetadata returns a copy of md with values reduced to the set that
// survives a JSON round trip unchanged: nil, bool, string, int64, float64,
// []any and map[string]any. Integral numbers become int64 and identifier keys
// are parsed to int64.
func NormalizeMetadata(md Metadata) (Metadata, error) {
	out := make(Metadata, len(md))
	for k, v := range md {
		if k == "" {
			return nil, NewValidationError("metadata", "empty key")
		}
		if !utf8.ValidString(k) {
			return nil, NewValidationError("metadata", "key %q is not valid UTF-8", k)
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, NewValidationError("metadata."+k, "%v", err)
		}
		if identifierKeys[k] && nv != nil {
			id, err := toInt64(nv)
			if err != nil {
				return nil, NewValidationError("metadata."+k, "%v", err)
			}
			nv = id
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64:
		return x, nil
	case string:
		if !utf8.ValidString(x) {
			return nil, fmt.Errorf("string %q is not valid UTF-8", x)
		}
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", x.String())
		}
		return normalizeFloat(f)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			if !utf8.ValidString(s) {
				return nil, fmt.Errorf("string %q is not valid UTF-8", s)
			}
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case Metadata:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("key %q is not valid UTF-8", k)
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		return 0, fmt.Errorf("identifier %v is not an integer", x)
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("identifier %q is not numeric", x)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("identifier has type %T", v)
	}
}

// MetadataInt returns md[key] as an int64. ok is false when the key is absent
// or null.
func MetadataInt(md Metadata, key string) (int64, bool, error) {
	v, present := md[key]
	if !present || v == nil {
		return 0, false, nil
	}
	nv, err := normalizeValue(v)
	if err != nil {
		return 0, false, NewValidationError("metadata."+key, "%v", err)
	}
	id, err := toInt64(nv)
	if err != nil {
		return 0, false, NewValidationError("metadata."+key, "%v", err)
	}
	return id, true, nil
}

// MetadataString returns md[key] as a string, or "" when absent or not a string.
func MetadataString(md Metadata, key string) string {
	s, _ := md[key].(string)
	return s
}
