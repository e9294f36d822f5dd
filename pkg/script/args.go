package script

import (
	"fmt"
	"strconv"
)

// ArgString returns args[i] as a string. Missing arguments are an error.
func ArgString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i+1)
	}
	switch v := args[i].(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", fmt.Errorf("argument %d: want string, got %T", i+1, args[i])
}

// OptString returns args[i] as a string, or def when absent.
func OptString(args []any, i int, def string) (string, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return ArgString(args, i)
}

// ArgInt returns args[i] as an int.
func ArgInt(args []any, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i+1)
	}
	return ToInt(args[i])
}

// OptInt returns args[i] as an int, or def when absent.
func OptInt(args []any, i int, def int) (int, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return ToInt(args[i])
}

// ToInt converts a script number (or numeric string) to an int.
func ToInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("want number, got %T", v)
}

// ArgMap returns args[i] as a map when the script passed one (or keyword
// arguments, which runtimes deliver as a trailing map).
func ArgMap(args []any, i int) (map[string]any, bool) {
	if i < 0 || i >= len(args) {
		return nil, false
	}
	m, ok := args[i].(map[string]any)
	return m, ok
}

// ArgObject returns args[i] as a host object.
func ArgObject(args []any, i int) (Object, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("missing argument %d", i+1)
	}
	o, ok := args[i].(Object)
	if !ok {
		return nil, fmt.Errorf("argument %d: want object, got %T", i+1, args[i])
	}
	return o, nil
}

// Truthy reports whether a filtering result lets the message pass.
// Only an explicit false drops; nil and non-boolean values pass.
func Truthy(v any) bool {
	b, ok := v.(bool)
	return !ok || b
}
