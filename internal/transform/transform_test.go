package transform

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestTransform_Paths(t *testing.T) {
	input := map[string]any{
		"name":  map[string]any{"given": "John", "family": "Doe"},
		"count": float64(3),
	}
	tmpl := map[string]any{
		"full":    "{{name.given}} {{name.family}}",
		"count":   "{{count}}",
		"missing": "{{nope.nothing}}",
		"fixed":   "literal",
		"number":  42,
	}
	got, err := Object(tmpl, input, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{
		"full":    "John Doe",
		"count":   float64(3),
		"missing": "",
		"fixed":   "literal",
		"number":  42,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTransform_FlatKeys(t *testing.T) {
	input := map[string]any{"ctx/composer_name": "Dr Tony Shannon"}
	got, err := Transform("{{ctx/composer_name}}", input, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Dr Tony Shannon" {
		t.Errorf("unexpected value %v", got)
	}
}

func TestTransform_ArrayTemplate(t *testing.T) {
	input := map[string]any{
		"items": []any{
			map[string]any{"code": "a"},
			map[string]any{"code": "b"},
		},
	}
	tmpl := map[string]any{
		"codes": []any{"{{items}}", map[string]any{"value": "{{code}}"}},
		"none":  []any{"{{absent}}", map[string]any{"value": "{{code}}"}},
	}
	got, err := Object(tmpl, input, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	codes := got["codes"].([]any)
	if len(codes) != 2 || codes[1].(map[string]any)["value"] != "b" {
		t.Errorf("unexpected codes %v", codes)
	}
	if none := got["none"].([]any); len(none) != 0 {
		t.Errorf("expected empty array, got %v", none)
	}
}

func TestTransform_Helpers(t *testing.T) {
	helpers := Helpers{
		"join": func(args ...any) (any, error) {
			return args[0].(string) + "/" + args[1].(string), nil
		},
	}
	input := map[string]any{"uid": "abc::ns::1"}
	got, err := Transform("=> join(uid, 'ethercis')", input, helpers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "abc::ns::1/ethercis" {
		t.Errorf("unexpected value %v", got)
	}
}

func TestTransform_HelperErrors(t *testing.T) {
	if _, err := Transform("=> nope(a)", map[string]any{}, nil); !errors.Is(err, ErrUnknownHelper) {
		t.Errorf("expected ErrUnknownHelper, got %v", err)
	}
	if _, err := Transform("=> broken(", map[string]any{}, Helpers{}); !errors.Is(err, ErrBadExpression) {
		t.Errorf("expected ErrBadExpression, got %v", err)
	}
	helpers := Helpers{"f": func(args ...any) (any, error) { return nil, nil }}
	if _, err := Transform("=> f('unterminated)", map[string]any{}, helpers); !errors.Is(err, ErrBadExpression) {
		t.Errorf("expected ErrBadExpression for open quote, got %v", err)
	}
}

func TestSplitArgs_QuotedCommas(t *testing.T) {
	args, err := splitArgs(`a.b, 'x, y', 3`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a.b", "'x, y'", "3"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("got %v, want %v", args, want)
	}
}

func TestStripEmptyArrays(t *testing.T) {
	in := map[string]any{
		"keep":  "x",
		"empty": []any{},
		"nested": map[string]any{
			"gone": []any{},
			"list": []any{map[string]any{"inner": []any{}}},
		},
	}
	got := StripEmptyArrays(in).(map[string]any)
	if _, ok := got["empty"]; ok {
		t.Error("expected empty array to be removed")
	}
	nested := got["nested"].(map[string]any)
	if _, ok := nested["gone"]; ok {
		t.Error("expected nested empty array to be removed")
	}
	inner := nested["list"].([]any)[0].(map[string]any)
	if len(inner) != 0 {
		t.Errorf("expected inner empty array to be removed, got %v", inner)
	}
	if got["keep"] != "x" {
		t.Error("expected scalar to be kept")
	}
}

func TestBuiltins(t *testing.T) {
	fixed := time.Date(2019, 1, 1, 15, 0, 0, 0, time.UTC)
	h := Builtins(func() time.Time { return fixed })
	input := map[string]any{"when": "2019-01-01T15:00:00Z", "blank": ""}

	tests := []struct {
		expr string
		want any
	}{
		{"=> dateOnly(when)", "2019-01-01"},
		{"=> timeOnly(when)", "15:00"},
		{"=> epochMs(when)", fixed.UnixMilli()},
		{"=> epochMs()", fixed.UnixMilli()},
		{"=> now()", "2019-01-01T15:00:00Z"},
		{"=> defaultTo(blank, 'n/a')", "n/a"},
		{"=> concat('a', 'b')", "ab"},
		{"=> dateOnly(missing)", ""},
	}
	for _, tt := range tests {
		got, err := Transform(tt.expr, input, h)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s = %v (%T), want %v (%T)", tt.expr, got, got, tt.want, tt.want)
		}
	}
}

func TestParseTime(t *testing.T) {
	if _, ok := ParseTime(float64(1546354800000)); !ok {
		t.Error("expected epoch ms to parse")
	}
	if _, ok := ParseTime("1546354800000"); !ok {
		t.Error("expected epoch ms string to parse")
	}
	if _, ok := ParseTime("2019-01-01"); !ok {
		t.Error("expected date to parse")
	}
	if _, ok := ParseTime("not a date"); ok {
		t.Error("expected garbage to fail")
	}
}

func TestValidate(t *testing.T) {
	h := Helpers{"ok": func(args ...any) (any, error) { return nil, nil }}
	good := map[string]any{"a": "=> ok(x)", "b": []any{"{{list}}", map[string]any{"c": "=> ok()"}}}
	if err := Validate(good, h); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	bad := map[string]any{"a": map[string]any{"b": "=> missing(x)"}}
	if err := Validate(bad, h); !errors.Is(err, ErrUnknownHelper) {
		t.Errorf("expected ErrUnknownHelper, got %v", err)
	}
}
