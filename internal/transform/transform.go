// Package transform maps JSON-like documents through declarative templates.
//
// A template is any value built from map[string]any, []any and scalars.
// String leaves are interpreted:
//
//	"{{a.b.c}}"             value at the dotted path (missing -> "")
//	"Dr {{name.family}}"    path values interpolated into text
//	"=> fn(a.b, 'lit', 3)"  helper call with path, quoted or numeric args
//
// A two element array template ["{{path}}", sub] maps every element of the
// array found at path through sub. Every other value is copied through.
package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Func is a helper callable from a template.
type Func func(args ...any) (any, error)

// Helpers maps helper names to implementations.
type Helpers map[string]Func

// Merge returns a new set holding h overlaid with other.
func (h Helpers) Merge(other Helpers) Helpers {
	out := make(Helpers, len(h)+len(other))
	for k, v := range h {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

var (
	// ErrUnknownHelper is returned when a template calls a helper that is
	// not registered.
	ErrUnknownHelper = errors.New("unknown transform helper")

	// ErrBadExpression is returned for malformed helper calls.
	ErrBadExpression = errors.New("malformed transform expression")
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	wholePathRe   = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	helperRe      = regexp.MustCompile(`^=>\s*([A-Za-z_][A-Za-z0-9_]*)\((.*)\)\s*$`)
)

// Transform applies template to input.
func Transform(template any, input any, helpers Helpers) (any, error) {
	switch t := template.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			v, err := Transform(sub, input, helpers)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	case []any:
		return transformArray(t, input, helpers)
	case string:
		return transformString(t, input, helpers)
	default:
		return template, nil
	}
}

// Object is Transform for templates that produce an object.
func Object(template map[string]any, input any, helpers Helpers) (map[string]any, error) {
	v, err := Transform(template, input, helpers)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	return out, nil
}

func transformArray(t []any, input any, helpers Helpers) (any, error) {
	if len(t) == 2 {
		if s, ok := t[0].(string); ok {
			if m := wholePathRe.FindStringSubmatch(s); m != nil {
				src, _ := Lookup(input, m[1])
				items, _ := src.([]any)
				out := make([]any, 0, len(items))
				for i, item := range items {
					v, err := Transform(t[1], item, helpers)
					if err != nil {
						return nil, fmt.Errorf("[%d]: %w", i, err)
					}
					out = append(out, v)
				}
				return out, nil
			}
		}
	}
	out := make([]any, 0, len(t))
	for i, sub := range t {
		v, err := Transform(sub, input, helpers)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func transformString(s string, input any, helpers Helpers) (any, error) {
	if strings.HasPrefix(strings.TrimSpace(s), "=>") {
		return callHelper(strings.TrimSpace(s), input, helpers)
	}
	if m := wholePathRe.FindStringSubmatch(s); m != nil {
		v, ok := Lookup(input, m[1])
		if !ok || v == nil {
			return "", nil
		}
		return v, nil
	}
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := Lookup(input, path)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}), nil
}

func callHelper(expr string, input any, helpers Helpers) (any, error) {
	m := helperRe.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrBadExpression, expr)
	}
	fn, ok := helpers[m[1]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHelper, m[1])
	}
	raw, err := splitArgs(m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, expr)
	}
	args := make([]any, len(raw))
	for i, a := range raw {
		args[i] = resolveArg(a, input)
	}
	v, err := fn(args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m[1], err)
	}
	return v, nil
}

func resolveArg(arg string, input any) any {
	if len(arg) >= 2 && (arg[0] == '\'' || arg[0] == '"') && arg[len(arg)-1] == arg[0] {
		return arg[1 : len(arg)-1]
	}
	if n, err := strconv.ParseFloat(arg, 64); err == nil {
		return n
	}
	switch arg {
	case "true":
		return true
	case "false":
		return false
	}
	v, _ := Lookup(input, arg)
	return v
}

// splitArgs splits a helper argument list on commas outside quotes.
func splitArgs(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var (
		args  []string
		cur   strings.Builder
		quote byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == ',':
			args = append(args, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, ErrBadExpression
	}
	args = append(args, strings.TrimSpace(cur.String()))
	return args, nil
}

// Lookup resolves a dotted path. Numeric segments index into arrays. Flat
// documents whose keys themselves contain separators ("a/b|c") are matched
// by the full path first.
func Lookup(doc any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return doc, true
	}
	if m, ok := doc.(map[string]any); ok {
		if v, ok := m[path]; ok {
			return v, true
		}
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Validate walks template and checks every helper call is well formed and
// refers to a helper in helpers.
func Validate(template any, helpers Helpers) error {
	switch t := template.(type) {
	case map[string]any:
		for k, sub := range t {
			if err := Validate(sub, helpers); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	case []any:
		for i, sub := range t {
			if err := Validate(sub, helpers); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case string:
		expr := strings.TrimSpace(t)
		if !strings.HasPrefix(expr, "=>") {
			return nil
		}
		m := helperRe.FindStringSubmatch(expr)
		if m == nil {
			return fmt.Errorf("%w: %q", ErrBadExpression, expr)
		}
		if _, ok := helpers[m[1]]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownHelper, m[1])
		}
		if _, err := splitArgs(m[2]); err != nil {
			return fmt.Errorf("%w: %q", err, expr)
		}
	}
	return nil
}

// StripEmptyArrays removes, recursively, every map entry whose value is an
// empty array. Maps left empty by the removal are kept.
func StripEmptyArrays(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, sub := range node {
			if arr, ok := sub.([]any); ok && len(arr) == 0 {
				continue
			}
			cleaned := StripEmptyArrays(sub)
			if arr, ok := cleaned.([]any); ok && len(arr) == 0 {
				continue
			}
			out[k] = cleaned
		}
		return out
	case []any:
		out := make([]any, 0, len(node))
		for _, sub := range node {
			out = append(out, StripEmptyArrays(sub))
		}
		return out
	default:
		return v
	}
}
