package starlarkrt

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"

	"github.com/fidiego/hookproxy/pkg/script"
)

func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return x, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.String(x), nil
	case []string:
		elems := make([]starlark.Value, len(x))
		for i, s := range x {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(x))
		for _, k := range keys {
			sv, err := toStarlark(x[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[string]string:
		d := starlark.NewDict(len(x))
		for k, s := range x {
			if err := d.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return d, nil
	case script.Object:
		return newObject(x), nil
	}
	return nil, fmt.Errorf("cannot pass %T to starlark", v)
}

func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x)
		}
		return n, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case *starlark.List:
		out := make([]any, x.Len())
		for i := 0; i < x.Len(); i++ {
			e, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, e := range x {
			g, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out[i] = g
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, kv := range x.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			g, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[k] = g
		}
		return out, nil
	case *object:
		return x.obj, nil
	}
	return v.String(), nil
}

// object exposes a script.Object's methods as Starlark builtins.
type object struct {
	obj     script.Object
	methods map[string]script.Func
}

var _ starlark.HasAttrs = (*object)(nil)

func newObject(o script.Object) *object {
	return &object{obj: o, methods: o.ScriptMethods()}
}

func (o *object) String() string        { return "<" + o.obj.ScriptType() + ">" }
func (o *object) Type() string          { return o.obj.ScriptType() }
func (o *object) Freeze()               {}
func (o *object) Truth() starlark.Bool  { return starlark.True }
func (o *object) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", o.Type()) }

func (o *object) Attr(name string) (starlark.Value, error) {
	fn, ok := o.methods[name]
	if !ok {
		return nil, nil
	}
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		goArgs := make([]any, 0, len(args)+1)
		for _, a := range args {
			g, err := fromStarlark(a)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			goArgs = append(goArgs, g)
		}
		if len(kwargs) > 0 {
			m := make(map[string]any, len(kwargs))
			for _, kv := range kwargs {
				k, _ := starlark.AsString(kv[0])
				g, err := fromStarlark(kv[1])
				if err != nil {
					return nil, fmt.Errorf("%s: %w", b.Name(), err)
				}
				m[k] = g
			}
			goArgs = append(goArgs, m)
		}
		res, err := fn(goArgs...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return toStarlark(res)
	}), nil
}

func (o *object) AttrNames() []string {
	names := make([]string, 0, len(o.methods))
	for n := range o.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
