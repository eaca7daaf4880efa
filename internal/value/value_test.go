package value

import "testing"

func TestFromInterfaceScalars(t *testing.T) {
	v, err := FromInterface(nil)
	if err != nil || !v.IsNull() {
		t.Fatalf("expected null, got %v err=%v", v, err)
	}

	v, err = FromInterface(true)
	if err != nil || v.Kind() != KindBool || !v.Bool() {
		t.Fatalf("expected bool true, got %v err=%v", v, err)
	}

	v, err = FromInterface("hi")
	if err != nil || v.Kind() != KindString || v.String() != "hi" {
		t.Fatalf("expected string hi, got %v err=%v", v, err)
	}
}

func TestFromInterfaceObjectRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"name": "alice",
		"age":  float64(30),
		"tags": []interface{}{"a", "b"},
	}
	v, err := FromInterface(in)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsObject() {
		t.Fatal("expected object")
	}
	out := v.ToInterface().(map[string]interface{})
	if out["name"] != "alice" || out["age"] != float64(30) {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

func TestFromInterfaceRejectsCycle(t *testing.T) {
	m := map[string]interface{}{}
	m["self"] = m
	if _, err := FromInterface(m); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestFromInterfaceRejectsUnsupported(t *testing.T) {
	if _, err := FromInterface(make(chan int)); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestEqual(t *testing.T) {
	a := Object(map[string]Value{"x": Number(1)})
	b := Object(map[string]Value{"x": Number(1)})
	c := Object(map[string]Value{"x": Number(2)})
	if !a.Equal(b) {
		t.Error("expected equal objects to be equal")
	}
	if a.Equal(c) {
		t.Error("expected different objects to differ")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := Object(map[string]Value{"x": Array([]Value{Number(1), Number(2)})})
	cloned := orig.Clone()
	if !orig.Equal(cloned) {
		t.Fatal("clone should be structurally equal")
	}
	// mutating the clone's backing maps/slices must not reach the original
	cloned.Fields()["x"] = Number(99)
	if orig.Fields()["x"].Equal(Number(99)) {
		t.Error("clone must not alias the original's fields map")
	}
}
