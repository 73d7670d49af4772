package es

import (
	"bytes"
	"encoding/json"
	"maps"
	"math"
	"strconv"
	"time"
)

// Reserved metadata keys. The aggregate keys are written when an event is
// recorded; stream and position are stamped by the persistence layer on load.
const (
	MetaAggregateID      = "_aggregate_id"
	MetaAggregateType    = "_aggregate_type"
	MetaAggregateVersion = "_aggregate_version"
	MetaStream           = "stream"
	MetaPosition         = "position"
)

// Metadata is the open key/value map attached to every event.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case json.Number:
		return v.String()
	default:
		s, _ := toString(v)
		return s
	}
}

func (m Metadata) Int(key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// DecodeMetadata parses a JSON object keeping numbers as json.Number, so
// versions and positions survive the round trip without float rounding.
func DecodeMetadata(data []byte) (Metadata, error) {
	md := Metadata{}
	if len(data) == 0 {
		return md, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&md); err != nil {
		return nil, err
	}
	return md, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case Version:
		return int64(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		if _, isString := v.(string); !isString {
			return float64(i), true
		}
	}
	return 0, false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number, Version:
		return true
	}
	return false
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, Version:
		return true
	case json.Number:
		_, err := n.Int64()
		return err == nil
	}
	return false
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case time.Time:
		return s.Format(time.RFC3339Nano), true
	case bool:
		return strconv.FormatBool(s), true
	case nil:
		return "", false
	}
	if i, ok := toInt64(v); ok {
		return strconv.FormatInt(i, 10), true
	}
	if f, ok := toFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}
