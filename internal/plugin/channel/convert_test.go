package channel

import (
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/millwright-cad/millwright/internal/wire"
)

func TestToLuaAndBack(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{
		"name":    "fixture-plate",
		"count":   int64(3),
		"depth":   12.5,
		"enabled": true,
		"tags":    []any{"mill", "lathe"},
		"meta":    map[string]any{"rev": int64(7)},
	}

	out := toGoValue(toLuaValue(L, in))
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip = %#v, want %#v", out, in)
	}
}

func TestToGoValueArrayDetection(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(`
		arr = {10, 20, 30}
		sparse = {}
		sparse[1] = "a"
		sparse[3] = "c"
		mixed = {1, 2, label = "x"}
	`); err != nil {
		t.Fatal(err)
	}

	arr := toGoValue(L.GetGlobal("arr"))
	if !reflect.DeepEqual(arr, []any{int64(10), int64(20), int64(30)}) {
		t.Errorf("arr = %#v", arr)
	}

	// Non-contiguous and mixed-key tables fall back to maps.
	if _, ok := toGoValue(L.GetGlobal("sparse")).(map[string]any); !ok {
		t.Error("sparse table did not convert to map")
	}
	if _, ok := toGoValue(L.GetGlobal("mixed")).(map[string]any); !ok {
		t.Error("mixed table did not convert to map")
	}
}

func TestToGoValueCyclicTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(`
		node = { name = "root" }
		node.self = node
	`); err != nil {
		t.Fatal(err)
	}

	got := toGoValue(L.GetGlobal("node"))
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("got %#v", got)
	}
	inner, ok := m["self"].(map[string]any)
	if !ok {
		t.Fatalf("self = %#v", m["self"])
	}
	if reflect.ValueOf(m).Pointer() != reflect.ValueOf(inner).Pointer() {
		t.Error("cycle lost its identity")
	}
}

func TestToLuaCyclicMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	node := map[string]any{"name": "root"}
	node["self"] = node

	lv := toLuaValue(L, node)
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		t.Fatalf("got %T", lv)
	}
	if tbl.RawGetString("self") != lv {
		t.Error("cycle produced distinct tables")
	}
}

func TestToLuaWireTypes(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	set := wire.NewSet()
	set.Add("face")
	set.Add("edge")

	lv := toLuaValue(L, set)
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		t.Fatalf("set converted to %T", lv)
	}
	if tbl.RawGetInt(1) != lua.LString("face") || tbl.RawGetInt(2) != lua.LString("edge") {
		t.Errorf("set table = %v, %v", tbl.RawGetInt(1), tbl.RawGetInt(2))
	}

	ev := &wire.ErrValue{Name: "ModelError", Message: "no document open"}
	lv = toLuaValue(L, ev)
	tbl, ok = lv.(*lua.LTable)
	if !ok {
		t.Fatalf("error converted to %T", lv)
	}
	if tbl.RawGetString("name") != lua.LString("ModelError") {
		t.Errorf("error name = %v", tbl.RawGetString("name"))
	}

	// Function placeholders have no plugin-side representation.
	if got := toLuaValue(L, &wire.Placeholder{Name: "callback"}); got != lua.LNil {
		t.Errorf("placeholder = %v, want nil", got)
	}
}
