package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultMaxDepth bounds value nesting; exceeding it fails with
// ErrDepthExceeded instead of overflowing the stack.
const DefaultMaxDepth = 100

// Codec serializes values crossing the isolation boundary. The zero value
// is not usable; construct with NewCodec.
//
// In strict mode, unsupported types fail Serialize. In lenient mode they
// degrade to null. The mode is fixed at construction, never inferred per
// value.
type Codec struct {
	maxDepth int
	strict   bool
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithMaxDepth overrides the nesting bound.
func WithMaxDepth(depth int) CodecOption {
	return func(c *Codec) {
		if depth > 0 {
			c.maxDepth = depth
		}
	}
}

// WithLenient makes unsupported types encode as null instead of failing.
func WithLenient() CodecOption {
	return func(c *Codec) {
		c.strict = false
	}
}

// NewCodec creates a strict codec with the default depth bound.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{maxDepth: DefaultMaxDepth, strict: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// refKey identifies a composite value for cycle detection. Slices carry
// their length so a subslice sharing the same backing array is not
// mistaken for its parent.
type refKey struct {
	ptr uintptr
	len int
}

type encoder struct {
	codec  *Codec
	nextID int
	seen   map[refKey]int
}

// Serialize encodes a value to its wire string.
func (c *Codec) Serialize(v any) (string, error) {
	enc := &encoder{codec: c, seen: make(map[refKey]int)}
	node, err := enc.encode(v, 0)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return string(data), nil
}

func (e *encoder) encode(v any, depth int) (any, error) {
	if depth > e.codec.maxDepth {
		return nil, fmt.Errorf("%w (limit %d)", ErrDepthExceeded, e.codec.maxDepth)
	}

	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case time.Time:
		return map[string]any{"$t": "time", "v": val.Format(time.RFC3339Nano)}, nil
	case []byte:
		return map[string]any{"$t": "bin", "v": base64.StdEncoding.EncodeToString(val)}, nil
	case *Placeholder:
		return map[string]any{"$t": "func", "name": val.Name}, nil
	case map[string]any:
		key := refKey{ptr: reflect.ValueOf(val).Pointer()}
		if id, ok := e.seen[key]; ok {
			return map[string]any{"$ref": id}, nil
		}
		id := e.assign(key)
		out := make(map[string]any, len(val))
		for k, item := range val {
			encoded, err := e.encode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = encoded
		}
		return map[string]any{"$t": "map", "$id": id, "v": out}, nil
	case []any:
		key := refKey{len: len(val)}
		if len(val) > 0 {
			key.ptr = uintptr(reflect.ValueOf(val).Pointer())
		}
		if key.ptr != 0 {
			if id, ok := e.seen[key]; ok {
				return map[string]any{"$ref": id}, nil
			}
		}
		id := e.assign(key)
		out := make([]any, len(val))
		for i, item := range val {
			encoded, err := e.encode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = encoded
		}
		return map[string]any{"$t": "list", "$id": id, "v": out}, nil
	case *Set:
		key := refKey{ptr: reflect.ValueOf(val).Pointer()}
		if id, ok := e.seen[key]; ok {
			return map[string]any{"$ref": id}, nil
		}
		id := e.assign(key)
		out := make([]any, 0, val.Len())
		for _, item := range val.Values() {
			encoded, err := e.encode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, encoded)
		}
		return map[string]any{"$t": "set", "$id": id, "v": out}, nil
	case *ErrValue:
		key := refKey{ptr: reflect.ValueOf(val).Pointer()}
		if id, ok := e.seen[key]; ok {
			return map[string]any{"$ref": id}, nil
		}
		id := e.assign(key)
		node := map[string]any{
			"$t":   "error",
			"$id":  id,
			"name": val.Name,
			"msg":  val.Message,
		}
		if val.Stack != "" {
			node["stack"] = val.Stack
		}
		if len(val.Extra) > 0 {
			extra, err := e.encode(val.Extra, depth+1)
			if err != nil {
				return nil, err
			}
			node["extra"] = extra
		}
		return node, nil
	case error:
		return e.encode(NewErrValue(val), depth)
	}

	// Functions become non-executable placeholders, never transmitted.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func {
		name := ""
		if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
			name = fn.Name()
			if i := strings.LastIndexByte(name, '.'); i >= 0 {
				name = name[i+1:]
			}
		}
		return map[string]any{"$t": "func", "name": name}, nil
	}

	if e.codec.strict {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil, nil
}

func (e *encoder) assign(key refKey) int {
	id := e.nextID
	e.nextID++
	if key.ptr != 0 {
		e.seen[key] = id
	}
	return id
}

type decoder struct {
	codec *Codec
	refs  map[int]any
}

// Deserialize decodes a wire string back into a value. Composite values
// come back as map[string]any, []any, *Set, time.Time, []byte, *ErrValue
// and *Placeholder; back-references resolve to the already-materialized
// object so cyclic identity is preserved.
func (c *Codec) Deserialize(s string) (any, error) {
	if !gjson.Valid(s) {
		return nil, ErrParse
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	d := &decoder{codec: c, refs: make(map[int]any)}
	return d.decode(raw, 0)
}

func (d *decoder) decode(raw any, depth int) (any, error) {
	if depth > d.codec.maxDepth {
		return nil, fmt.Errorf("%w (limit %d)", ErrDepthExceeded, d.codec.maxDepth)
	}

	switch val := raw.(type) {
	case nil, bool, string:
		return val, nil
	case json.Number:
		return decodeNumber(val)
	case map[string]any:
		return d.decodeTagged(val, depth)
	default:
		// Raw arrays only occur inside tagged containers.
		return nil, ErrParse
	}
}

func (d *decoder) decodeTagged(node map[string]any, depth int) (any, error) {
	if ref, ok := node["$ref"]; ok {
		id, err := refID(ref)
		if err != nil {
			return nil, err
		}
		target, ok := d.refs[id]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrBadReference, id)
		}
		return target, nil
	}

	tag, _ := node["$t"].(string)
	switch tag {
	case "time":
		s, _ := node["v"].(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timestamp %q", ErrParse, s)
		}
		return t, nil

	case "bin":
		s, _ := node["v"].(string)
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad binary payload", ErrParse)
		}
		return data, nil

	case "func":
		name, _ := node["name"].(string)
		return &Placeholder{Name: name}, nil

	case "map":
		items, ok := node["v"].(map[string]any)
		if !ok {
			return nil, ErrParse
		}
		out := make(map[string]any, len(items))
		if err := d.register(node, out); err != nil {
			return nil, err
		}
		for k, item := range items {
			decoded, err := d.decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil

	case "list":
		items, ok := node["v"].([]any)
		if !ok {
			return nil, ErrParse
		}
		// Allocate at final length and fill in place so back-references
		// into this list share the backing array.
		out := make([]any, len(items))
		if err := d.register(node, out); err != nil {
			return nil, err
		}
		for i, item := range items {
			decoded, err := d.decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil

	case "set":
		items, ok := node["v"].([]any)
		if !ok {
			return nil, ErrParse
		}
		out := NewSet()
		if err := d.register(node, out); err != nil {
			return nil, err
		}
		for _, item := range items {
			decoded, err := d.decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out.Add(decoded)
		}
		return out, nil

	case "error":
		ev := &ErrValue{}
		if err := d.register(node, ev); err != nil {
			return nil, err
		}
		ev.Name, _ = node["name"].(string)
		ev.Message, _ = node["msg"].(string)
		ev.Stack, _ = node["stack"].(string)
		if extra, ok := node["extra"]; ok {
			decoded, err := d.decode(extra, depth+1)
			if err != nil {
				return nil, err
			}
			if m, ok := decoded.(map[string]any); ok {
				ev.Extra = m
			}
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrParse, tag)
	}
}

// register records a container against its "$id" before its children are
// decoded, so self-references resolve.
func (d *decoder) register(node map[string]any, value any) error {
	raw, ok := node["$id"]
	if !ok {
		return nil
	}
	id, err := refID(raw)
	if err != nil {
		return err
	}
	d.refs[id] = value
	return nil
}

func refID(raw any) (int, error) {
	n, ok := raw.(json.Number)
	if !ok {
		return 0, ErrParse
	}
	id, err := n.Int64()
	if err != nil {
		return 0, ErrParse
	}
	return int(id), nil
}

func decodeNumber(n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: bad number %q", ErrParse, s)
	}
	return f, nil
}
