package jsonx

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Value converts a parsed JSON value into plain Go values. Integers become
// int, other numbers float64, arrays []any and objects map[string]any.
func Value(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.String:
		return r.Str
	case gjson.Number:
		return number(r)
	}

	if r.IsArray() {
		items := r.Array()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = Value(item)
		}
		return out
	}

	out := make(map[string]any)
	r.ForEach(func(key, value gjson.Result) bool {
		out[key.Str] = Value(value)
		return true
	})
	return out
}

// Parse decodes s as JSON when it is valid JSON and returns it unchanged as a
// string otherwise. It turns command line words into message arguments:
// `42` is an int, `"42"` and `hello` are strings.
func Parse(s string) any {
	if !gjson.Valid(s) {
		return s
	}
	return Value(gjson.Parse(s))
}

func number(r gjson.Result) any {
	raw := strings.TrimSpace(r.Raw)
	if !strings.ContainsAny(raw, ".eE") {
		if n, err := strconv.ParseInt(raw, 10, 0); err == nil {
			return int(n)
		}
	}
	return r.Num
}
