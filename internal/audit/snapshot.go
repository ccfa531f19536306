package audit

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Snapshotter lets an entity supply its own audit payload instead of the
// reflected field snapshot.
type Snapshotter interface {
	AuditSnapshot() map[string]any
}

// Snapshot returns the entity's exported fields keyed by their JSON names,
// each normalized to its JSON representation (times and UUIDs become
// strings, numbers become float64). Fields tagged json:"-" are skipped and a
// field that cannot be normalized is omitted.
func Snapshot(entity any) map[string]any {
	if s, ok := entity.(Snapshotter); ok {
		return normalizeMap(s.AuditSnapshot())
	}
	out := map[string]any{}
	rv := reflect.ValueOf(entity)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return out
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return out
	}
	collectFields(rv, out)
	return out
}

func collectFields(rv reflect.Value, out map[string]any) {
	rt := rv.Type()
	for i := range rt.NumField() {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		if f.Anonymous && f.Type.Kind() == reflect.Struct && tag == "" {
			collectFields(rv.Field(i), out)
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		if v, ok := normalize(rv.Field(i).Interface()); ok {
			out[name] = v
		}
	}
}

func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nv, ok := normalize(v); ok {
			out[k] = nv
		}
	}
	return out
}

// normalize round-trips v through encoding/json. Values that fail to marshal,
// or whose marshaller panics, report false.
func normalize(v any) (out any, ok bool) {
	defer func() {
		if recover() != nil {
			out, ok = nil, false
		}
	}()
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return out, true
}
