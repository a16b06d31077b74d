package wire

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func roundTrip(t *testing.T, c *Codec, v any) any {
	t.Helper()
	s, err := c.Serialize(v)
	if err != nil {
		t.Fatalf("Serialize(%v) error: %v", v, err)
	}
	out, err := c.Deserialize(s)
	if err != nil {
		t.Fatalf("Deserialize(%q) error: %v", s, err)
	}
	return out
}

func TestRoundTripPrimitives(t *testing.T) {
	c := NewCodec()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"true", true, true},
		{"false", false, false},
		{"int", 42, int64(42)},
		{"negative int", int64(-7), int64(-7)},
		{"float", 3.25, 3.25},
		{"string", "hello", "hello"},
		{"empty string", "", ""},
		{"unicode", "Ø10mm endmill", "Ø10mm endmill"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, c, tt.in)
			if got != tt.want {
				t.Errorf("round trip = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRoundTripComposites(t *testing.T) {
	c := NewCodec()

	in := map[string]any{
		"tags":  []any{"roughing", "finishing"},
		"depth": 2.5,
		"passes": map[string]any{
			"count":   int64(3),
			"climb":   true,
			"comment": nil,
		},
	}

	got := roundTrip(t, c, in)
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip = %#v, want %#v", got, in)
	}
}

func TestRoundTripSet(t *testing.T) {
	c := NewCodec()

	in := NewSet("a", "b", int64(3))
	got, ok := roundTrip(t, c, in).(*Set)
	if !ok {
		t.Fatal("round trip did not produce a *Set")
	}
	if !reflect.DeepEqual(got.Values(), in.Values()) {
		t.Errorf("set values = %v, want %v", got.Values(), in.Values())
	}
	if !got.Has("b") {
		t.Error("decoded set missing element")
	}
}

func TestRoundTripTime(t *testing.T) {
	c := NewCodec()

	in := time.Date(2026, 8, 30, 14, 5, 0, 123456789, time.UTC)
	got, ok := roundTrip(t, c, in).(time.Time)
	if !ok {
		t.Fatal("round trip did not produce a time.Time")
	}
	if !got.Equal(in) {
		t.Errorf("time = %v, want %v", got, in)
	}
}

func TestRoundTripBinary(t *testing.T) {
	c := NewCodec()

	in := []byte{0x00, 0x01, 0xFF, 0x7E}
	got, ok := roundTrip(t, c, in).([]byte)
	if !ok {
		t.Fatal("round trip did not produce []byte")
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("bytes = %v, want %v", got, in)
	}
}

func TestRoundTripError(t *testing.T) {
	c := NewCodec()

	in := &ErrValue{
		Name:    "ToolpathError",
		Message: "stepover exceeds tool diameter",
		Stack:   "at generate (toolpath.lua:42)",
		Extra:   map[string]any{"stepover": 12.5},
	}
	got, ok := roundTrip(t, c, in).(*ErrValue)
	if !ok {
		t.Fatal("round trip did not produce an *ErrValue")
	}
	if got.Name != in.Name || got.Message != in.Message || got.Stack != in.Stack {
		t.Errorf("error fields = %+v, want %+v", got, in)
	}
	if got.Extra["stepover"] != 12.5 {
		t.Errorf("extra field = %v, want 12.5", got.Extra["stepover"])
	}
}

func TestRoundTripGoError(t *testing.T) {
	c := NewCodec()

	got, ok := roundTrip(t, c, errors.New("boom")).(*ErrValue)
	if !ok {
		t.Fatal("round trip did not produce an *ErrValue")
	}
	if got.Message != "boom" {
		t.Errorf("message = %q, want %q", got.Message, "boom")
	}
}

func TestCyclicMapPreservesIdentity(t *testing.T) {
	c := NewCodec()

	m := map[string]any{"name": "root"}
	m["self"] = m

	got, ok := roundTrip(t, c, m).(map[string]any)
	if !ok {
		t.Fatal("round trip did not produce a map")
	}
	self, ok := got["self"].(map[string]any)
	if !ok {
		t.Fatal("self field is not a map")
	}
	if reflect.ValueOf(self).Pointer() != reflect.ValueOf(got).Pointer() {
		t.Error("cycle broken: self does not point back at the decoded map")
	}
	if self["name"] != "root" {
		t.Errorf("name through cycle = %v, want root", self["name"])
	}
}

func TestCyclicListPreservesIdentity(t *testing.T) {
	c := NewCodec()

	arr := make([]any, 2)
	arr[0] = "head"
	arr[1] = arr

	got, ok := roundTrip(t, c, arr).([]any)
	if !ok {
		t.Fatal("round trip did not produce a list")
	}
	inner, ok := got[1].([]any)
	if !ok {
		t.Fatal("second element is not a list")
	}
	if reflect.ValueOf(inner).Pointer() != reflect.ValueOf(got).Pointer() {
		t.Error("cycle broken: element does not share the decoded list")
	}
}

func TestSharedReferencePreserved(t *testing.T) {
	c := NewCodec()

	shared := map[string]any{"id": int64(1)}
	in := map[string]any{"a": shared, "b": shared}

	got := roundTrip(t, c, in).(map[string]any)
	a := got["a"].(map[string]any)
	b := got["b"].(map[string]any)
	if reflect.ValueOf(a).Pointer() != reflect.ValueOf(b).Pointer() {
		t.Error("shared reference decoded as two distinct maps")
	}
}

func TestDepthBound(t *testing.T) {
	c := NewCodec(WithMaxDepth(10))

	var v any = "leaf"
	for i := 0; i < 50; i++ {
		v = []any{v}
	}

	if _, err := c.Serialize(v); !errors.Is(err, ErrDepthExceeded) {
		t.Errorf("Serialize error = %v, want ErrDepthExceeded", err)
	}
}

func TestStrictRejectsUnsupported(t *testing.T) {
	c := NewCodec()

	type opaque struct{ n int }
	if _, err := c.Serialize(opaque{1}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("Serialize error = %v, want ErrUnsupportedType", err)
	}
}

func TestLenientDegradesToNull(t *testing.T) {
	c := NewCodec(WithLenient())

	type opaque struct{ n int }
	s, err := c.Serialize(opaque{1})
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	got, err := c.Deserialize(s)
	if err != nil {
		t.Fatalf("Deserialize error: %v", err)
	}
	if got != nil {
		t.Errorf("lenient value = %v, want nil", got)
	}
}

func TestFunctionBecomesPlaceholder(t *testing.T) {
	c := NewCodec()

	fn := func() {}
	got, ok := roundTrip(t, c, fn).(*Placeholder)
	if !ok {
		t.Fatal("round trip did not produce a *Placeholder")
	}

	_, err := got.Call()
	if err == nil {
		t.Fatal("calling a placeholder should fail")
	}
	if !strings.Contains(err.Error(), "not transferable") {
		t.Errorf("placeholder error %q lacks description", err)
	}
}

func TestDeserializeMalformed(t *testing.T) {
	c := NewCodec()

	tests := []struct {
		name string
		in   string
	}{
		{"garbage", "{not json"},
		{"untagged object", `{"a":1}`},
		{"unknown tag", `{"$t":"widget","v":1}`},
		{"dangling ref", `{"$ref":99}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Deserialize(tt.in); err == nil {
				t.Errorf("Deserialize(%q) succeeded, want error", tt.in)
			}
		})
	}
}
