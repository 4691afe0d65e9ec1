package models

import (
	"strconv"
	"strings"
	"time"
)

// Record is a loosely typed OData entity as returned by the entity store.
type Record map[string]any

func (r Record) GetString(key string) string {
	if r == nil {
		return ""
	}
	val, ok := r[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func (r Record) GetFloat(key string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	val, ok := r[key]
	if !ok || val == nil {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (r Record) GetTime(key string) time.Time {
	return ParseTime(r.GetString(key))
}

func (r Record) Has(key string) bool {
	if r == nil {
		return false
	}
	_, ok := r[key]
	return ok
}

// ParseTime accepts the timestamp shapes emitted by the upstream APIs and
// returns the zero time for anything else, including the ERP "empty" date.
func ParseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			if t.Year() <= 1 {
				return time.Time{}
			}
			return t.UTC()
		}
	}
	return time.Time{}
}
