package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Resolver looks up a dotted variable path. runctx.Context satisfies it.
type Resolver interface {
	Lookup(path string) (any, bool)
}

// MapResolver resolves dotted paths over a plain map.
type MapResolver map[string]any

// Lookup implements Resolver.
func (m MapResolver) Lookup(path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	var current any = map[string]any(m)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = obj[seg]; !ok {
			return nil, false
		}
	}
	return current, true
}

// Render substitutes {{name}} and {{json name}} placeholders in tmpl.
//
// {{name}} writes strings verbatim, numbers and booleans in their natural
// form, null as an empty string and structured values as JSON. {{json name}}
// always writes the JSON encoding, so a string comes out quoted. Names may be
// dotted paths. A reference to a missing variable is an INTERPOLATION_ERROR.
func Render(tmpl string, r Resolver) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	var out strings.Builder
	out.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed placeholder in %q", tmpl)
		}
		end += start

		rendered, err := renderPlaceholder(strings.TrimSpace(tmpl[start:end]), r)
		if err != nil {
			return "", err
		}
		out.WriteString(rendered)
		i = end + 2
	}
	return out.String(), nil
}

func renderPlaceholder(body string, r Resolver) (string, error) {
	fields := strings.Fields(body)
	switch {
	case len(fields) == 1 && fields[0] != "json":
		val, err := resolve(fields[0], r)
		if err != nil {
			return "", err
		}
		return stringify(val), nil
	case len(fields) == 2 && fields[0] == "json":
		val, err := resolve(fields[1], r)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(val)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot encode %q as JSON: %s", fields[1], err.Error()).WithCause(err)
		}
		return string(b), nil
	case len(fields) == 0:
		return "", schema.NewError(schema.ErrCodeInterpolation, "empty placeholder {{}}")
	default:
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"unsupported placeholder {{%s}}; expected {{name}} or {{json name}}", body)
	}
}

func resolve(path string, r Resolver) (any, error) {
	if r == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "variable %q not found: context is empty", path)
	}
	val, ok := r.Lookup(path)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "variable %q not found in context", path).
			WithDetails(map[string]any{"variable": path})
	}
	return val, nil
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// RenderValue renders every string reachable from v (maps and slices are
// walked recursively) and returns a new value. Non-string leaves are kept.
func RenderValue(v any, r Resolver) (any, error) {
	switch val := v.(type) {
	case string:
		return Render(val, r)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			rendered, err := RenderValue(inner, r)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			rendered, err := RenderValue(inner, r)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// HasPlaceholders reports whether s contains a {{...}} placeholder.
func HasPlaceholders(s string) bool {
	open := strings.Index(s, "{{")
	return open != -1 && strings.Contains(s[open:], "}}")
}
