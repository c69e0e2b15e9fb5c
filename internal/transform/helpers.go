package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Builtins returns the helpers every template can call. now supplies the
// clock.
func Builtins(now func() time.Time) Helpers {
	if now == nil {
		now = time.Now
	}
	return Helpers{
		"now": func(args ...any) (any, error) {
			return now().UTC().Format(time.RFC3339), nil
		},
		"epochMs": func(args ...any) (any, error) {
			if len(args) == 0 {
				return now().UnixMilli(), nil
			}
			t, ok := ParseTime(args[0])
			if !ok {
				return "", nil
			}
			return t.UnixMilli(), nil
		},
		"isoDate": func(args ...any) (any, error) {
			t, ok := firstTime(args)
			if !ok {
				return "", nil
			}
			return t.UTC().Format(time.RFC3339), nil
		},
		"dateOnly": func(args ...any) (any, error) {
			t, ok := firstTime(args)
			if !ok {
				return "", nil
			}
			return t.UTC().Format("2006-01-02"), nil
		},
		"timeOnly": func(args ...any) (any, error) {
			t, ok := firstTime(args)
			if !ok {
				return "", nil
			}
			return t.UTC().Format("15:04"), nil
		},
		"defaultTo": func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("%w: defaultTo takes 2 arguments", ErrBadExpression)
			}
			if args[0] == nil || args[0] == "" {
				return args[1], nil
			}
			return args[0], nil
		},
		"concat": func(args ...any) (any, error) {
			var b strings.Builder
			for _, a := range args {
				if a != nil {
					b.WriteString(fmt.Sprint(a))
				}
			}
			return b.String(), nil
		},
		"toString": func(args ...any) (any, error) {
			if len(args) == 0 || args[0] == nil {
				return "", nil
			}
			return fmt.Sprint(args[0]), nil
		},
	}
}

func firstTime(args []any) (time.Time, bool) {
	if len(args) == 0 {
		return time.Time{}, false
	}
	return ParseTime(args[0])
}

// ParseTime accepts epoch milliseconds or an RFC 3339 / ISO date string.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int64:
		return time.UnixMilli(t), true
	case int:
		return time.UnixMilli(int64(t)), true
	case float64:
		return time.UnixMilli(int64(t)), true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
